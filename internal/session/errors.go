package session

import "fmt"

// ConnectError reports that no connection could be established, either
// because no credential was available or because the handshake failed.
type ConnectError struct {
	Op       string
	Endpoint string
	Err      error
}

func (e *ConnectError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("session connect: %s %s: %v", e.Op, e.Endpoint, e.Err)
	}
	return fmt.Sprintf("session connect: %s: %v", e.Op, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ServiceError is an in-band rejection from the transcription service. The
// credential that opened the session has been invalidated by the time it is
// returned.
type ServiceError struct {
	Code    int64
	Message string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("transcription service error: code=%d, message=%s", e.Code, e.Message)
}

// ProtocolError describes a frame that could not be decoded. Sessions log
// and skip such frames.
type ProtocolError struct {
	Frame []byte
	Err   error
}

func (e *ProtocolError) Error() string {
	const max = 128
	frame := e.Frame
	if len(frame) > max {
		frame = frame[:max]
	}
	return fmt.Sprintf("malformed frame %q: %v", frame, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
