package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-dictate/internal/credential"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

// Probe opens a connection, sends the finish marker and waits up to timeout
// for a reply. A finish event, a close frame or silence until the deadline
// all count as reachable. A service rejection invalidates the credential and
// is returned as *ServiceError.
func Probe(ctx context.Context, provider credential.Provider, dialer Dialer, timeout time.Duration, logger *slog.Logger) error {
	logger = logger.With(slog.String("component", "session_probe"))
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	cred, err := provider.Acquire(ctx)
	if err != nil {
		return &ConnectError{Op: "acquire credential", Err: err}
	}
	conn, err := dialer.Dial(ctx, cred)
	if err != nil {
		return &ConnectError{Op: "dial", Endpoint: cred.Endpoint, Err: err}
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, protocol.FinishMessage()); err != nil {
		return fmt.Errorf("send probe: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	frames := make(chan frame)
	go readFrames(waitCtx, conn, frames)

	for {
		select {
		case f := <-frames:
			if f.err != nil {
				var closeErr *websocket.CloseError
				if errors.As(f.err, &closeErr) {
					logger.Info("probe passed", slog.String("reason", "closed"))
					return nil
				}
				return fmt.Errorf("probe read: %w", f.err)
			}
			if f.kind != websocket.TextMessage {
				continue
			}
			event, err := protocol.ParseEvent(f.data)
			if err != nil {
				logger.Debug("probe ignoring frame", slogError(&ProtocolError{Frame: f.data, Err: err}))
				continue
			}
			switch event.Kind {
			case protocol.KindServiceError:
				provider.Invalidate()
				return &ServiceError{Code: event.Code, Message: event.Message}
			case protocol.KindFinal:
				logger.Info("probe passed", slog.String("reason", "finish"))
				return nil
			}
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				return err
			}
			logger.Info("probe passed", slog.String("reason", "no response"))
			return nil
		}
	}
}
