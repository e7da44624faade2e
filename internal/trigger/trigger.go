// Package trigger turns push-to-talk input into press and release edges.
package trigger

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

// Handler receives one call per edge: true on press, false on release.
type Handler func(pressed bool)

// Monitor watches an input source until ctx ends.
type Monitor interface {
	Run(ctx context.Context, handler Handler) error
}

// New selects the monitor named by cfg.Mode.
func New(cfg config.TriggerConfig, client *bus.Client, logger *slog.Logger) (Monitor, error) {
	switch cfg.Mode {
	case "bus":
		if client == nil {
			return nil, errors.New("bus trigger requires a bus connection")
		}
		return NewBusMonitor(client, cfg.Subject, logger), nil
	case "stdin":
		return NewReaderMonitor(os.Stdin, logger), nil
	case "none":
		return Idle{}, nil
	default:
		return nil, fmt.Errorf("unknown trigger mode %q", cfg.Mode)
	}
}

// BusMonitor listens for protocol.Trigger messages on a NATS subject.
type BusMonitor struct {
	client  *bus.Client
	subject string
	logger  *slog.Logger
}

func NewBusMonitor(client *bus.Client, subject string, logger *slog.Logger) *BusMonitor {
	if subject == "" {
		subject = protocol.SubjectTrigger
	}
	return &BusMonitor{
		client:  client,
		subject: subject,
		logger:  logger.With(slog.String("component", "trigger"), slog.String("mode", "bus")),
	}
}

func (m *BusMonitor) Run(ctx context.Context, handler Handler) error {
	msgs := make(chan *nats.Msg, 16)
	sub, err := m.client.Conn().ChanSubscribe(m.subject, msgs)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", m.subject, err)
	}
	defer func() { _ = sub.Unsubscribe() }()
	m.logger.Info("trigger listening", slog.String("subject", m.subject))

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-msgs:
			var edge protocol.Trigger
			if err := json.Unmarshal(msg.Data, &edge); err != nil {
				m.logger.Warn("invalid trigger message", slog.String("error", err.Error()))
				continue
			}
			handler(edge.Pressed)
		}
	}
}

// ReaderMonitor toggles on every line read, so pressing Enter starts and
// stops dictation in a terminal. EOF releases a held trigger.
type ReaderMonitor struct {
	r      io.Reader
	logger *slog.Logger
}

func NewReaderMonitor(r io.Reader, logger *slog.Logger) *ReaderMonitor {
	return &ReaderMonitor{r: r, logger: logger.With(slog.String("component", "trigger"), slog.String("mode", "stdin"))}
}

func (m *ReaderMonitor) Run(ctx context.Context, handler Handler) error {
	lines := make(chan struct{})
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(m.r)
		for scanner.Scan() {
			select {
			case lines <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	pressed := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-lines:
			pressed = !pressed
			handler(pressed)
		case err := <-readErr:
			if pressed {
				handler(false)
			}
			return err
		}
	}
}

// Idle never fires. It is used when dictation is driven over HTTP only.
type Idle struct{}

func (Idle) Run(ctx context.Context, _ Handler) error {
	<-ctx.Done()
	return nil
}
