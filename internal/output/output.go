// Package output delivers transcripts to the desktop and the bus.
package output

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/atotto/clipboard"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

// ErrClipboardUnsupported is returned when no clipboard utility is available.
var ErrClipboardUnsupported = errors.New("clipboard unsupported on this host")

// Clipboard copies final transcripts to the system clipboard.
type Clipboard struct {
	write func(string) error
}

func NewClipboard() (*Clipboard, error) {
	if clipboard.Unsupported {
		return nil, ErrClipboardUnsupported
	}
	return &Clipboard{write: clipboard.WriteAll}, nil
}

func (c *Clipboard) Name() string { return "clipboard" }

func (c *Clipboard) Deliver(_ context.Context, t protocol.Transcript) error {
	if t.Partial || t.Text == "" {
		return nil
	}
	if err := c.write(t.Text); err != nil {
		return fmt.Errorf("write clipboard: %w", err)
	}
	return nil
}

// Writer prints transcripts to a stream. Partials overwrite the current line
// when enabled; finals end it.
type Writer struct {
	mu       sync.Mutex
	w        io.Writer
	partials bool
	dirty    bool
}

func NewWriter(w io.Writer, partials bool) *Writer {
	return &Writer{w: w, partials: partials}
}

func (w *Writer) Name() string { return "writer" }

func (w *Writer) Deliver(_ context.Context, t protocol.Transcript) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t.Partial {
		if !w.partials {
			return nil
		}
		w.dirty = true
		_, err := fmt.Fprintf(w.w, "\r\033[K%s", t.Text)
		return err
	}
	prefix := ""
	if w.dirty {
		prefix = "\r\033[K"
		w.dirty = false
	}
	_, err := fmt.Fprintf(w.w, "%s%s\n", prefix, t.Text)
	return err
}

// Bus publishes transcripts and dictation status on NATS.
type Bus struct {
	client        *bus.Client
	statusSubject string
}

func NewBus(client *bus.Client, statusSubject string) *Bus {
	if statusSubject == "" {
		statusSubject = protocol.SubjectStatus
	}
	return &Bus{client: client, statusSubject: statusSubject}
}

func (b *Bus) Name() string { return "bus" }

func (b *Bus) Deliver(_ context.Context, t protocol.Transcript) error {
	subject := protocol.SubjectTranscriptFinal
	if t.Partial {
		subject = protocol.SubjectTranscriptPartial
	}
	return b.client.PublishJSON(subject, t)
}

// PublishStatus announces a dictation state change.
func (b *Bus) PublishStatus(status protocol.Status) error {
	return b.client.PublishJSON(b.statusSubject, status)
}
