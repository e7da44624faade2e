package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wire events exchanged with the transcription service.
const (
	EventResult = "result"
	EventFinish = "finish"
)

// ControlMessage is a text frame sent to the transcription service.
type ControlMessage struct {
	Event string `json:"event"`
}

// FinishMessage returns the encoded end-of-audio marker.
func FinishMessage() []byte {
	data, _ := json.Marshal(ControlMessage{Event: EventFinish})
	return data
}

// ServerMessage is a text frame received from the transcription service.
type ServerMessage struct {
	Event   string        `json:"event"`
	Result  *ServerResult `json:"result,omitempty"`
	Code    int64         `json:"code,omitempty"`
	Message string        `json:"message,omitempty"`
}

type ServerResult struct {
	Text string `json:"Text"`
}

// EventKind classifies a decoded server message.
type EventKind int

const (
	KindIgnored EventKind = iota
	KindPartial
	KindFinal
	KindServiceError
)

func (k EventKind) String() string {
	switch k {
	case KindPartial:
		return "partial"
	case KindFinal:
		return "final"
	case KindServiceError:
		return "service_error"
	default:
		return "ignored"
	}
}

// TranscriptEvent is the session-level meaning of one server message.
type TranscriptEvent struct {
	Kind    EventKind
	Text    string
	Code    int64
	Message string
	// Event is the raw event name, kept for logging ignored messages.
	Event string
}

// ParseEvent decodes a text frame. A non-zero code is a service error
// regardless of the event name. Results with empty text are ignored.
func ParseEvent(data []byte) (TranscriptEvent, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return TranscriptEvent{}, fmt.Errorf("decode server message: %w", err)
	}
	if msg.Code != 0 {
		message := msg.Message
		if message == "" {
			message = "unknown"
		}
		return TranscriptEvent{Kind: KindServiceError, Code: msg.Code, Message: message, Event: msg.Event}, nil
	}
	switch msg.Event {
	case EventResult:
		if msg.Result == nil || msg.Result.Text == "" {
			return TranscriptEvent{Kind: KindIgnored, Event: msg.Event}, nil
		}
		return TranscriptEvent{Kind: KindPartial, Text: msg.Result.Text, Event: msg.Event}, nil
	case EventFinish:
		return TranscriptEvent{Kind: KindFinal, Event: msg.Event}, nil
	default:
		return TranscriptEvent{Kind: KindIgnored, Event: msg.Event}, nil
	}
}

// Transcript represents dictation output broadcast on the bus.
type Transcript struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Partial   bool      `json:"partial"`
	Timestamp time.Time `json:"timestamp"`
}

// Status reports the dictation state on the bus.
type Status struct {
	SessionID string    `json:"session_id,omitempty"`
	State     string    `json:"state"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Trigger is a push-to-talk edge received from the bus.
type Trigger struct {
	Pressed bool   `json:"pressed"`
	Source  string `json:"source,omitempty"`
}

const (
	StatusListening  = "listening"
	StatusFinalizing = "finalizing"
	StatusIdle       = "idle"
	StatusError      = "error"
)

const (
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectTrigger           = "dictation.trigger"
	SubjectStatus            = "dictation.status"
)
