package trigger

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/natsserver"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type edges struct {
	mu  sync.Mutex
	got []bool
	ch  chan bool
}

func newEdges() *edges { return &edges{ch: make(chan bool, 8)} }

func (e *edges) handle(pressed bool) {
	e.mu.Lock()
	e.got = append(e.got, pressed)
	e.mu.Unlock()
	e.ch <- pressed
}

func (e *edges) next(t *testing.T) bool {
	t.Helper()
	select {
	case v := <-e.ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for trigger edge")
		return false
	}
}

func TestReaderMonitorTogglesAndReleasesOnEOF(t *testing.T) {
	e := newEdges()
	m := NewReaderMonitor(strings.NewReader("\n\n\n"), newLogger())
	if err := m.Run(context.Background(), e.handle); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []bool{true, false, true, false}
	if len(e.got) != len(want) {
		t.Fatalf("expected %v, got %v", want, e.got)
	}
	for i := range want {
		if e.got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, e.got)
		}
	}
}

func TestReaderMonitorStopsOnCancel(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewReaderMonitor(r, newLogger()).Run(ctx, func(bool) {}) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestBusMonitor(t *testing.T) {
	logger := newLogger()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	defer srv.Shutdown()
	client, err := bus.Connect(context.Background(), "trigger-test", config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := newEdges()
	m := NewBusMonitor(client, "", logger)
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, e.handle) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := client.PublishJSON(protocol.SubjectTrigger, protocol.Trigger{Pressed: true, Source: "test"}); err != nil {
			t.Fatalf("publish: %v", err)
		}
		_ = client.Conn().Flush()
		select {
		case v := <-e.ch:
			if !v {
				t.Fatal("expected press edge")
			}
		case <-time.After(50 * time.Millisecond):
			if time.Now().After(deadline) {
				t.Fatal("monitor never received trigger")
			}
			continue
		}
		break
	}
	time.Sleep(50 * time.Millisecond)
	for len(e.ch) > 0 {
		<-e.ch
	}

	_ = client.Conn().Publish(protocol.SubjectTrigger, []byte("garbage"))
	if err := client.PublishJSON(protocol.SubjectTrigger, protocol.Trigger{Pressed: false}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if e.next(t) {
		t.Fatal("expected release edge")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewSelectsMonitor(t *testing.T) {
	logger := newLogger()
	if m, err := New(config.TriggerConfig{Mode: "none"}, nil, logger); err != nil {
		t.Fatalf("none: %v", err)
	} else if _, ok := m.(Idle); !ok {
		t.Fatalf("expected Idle, got %T", m)
	}
	if _, err := New(config.TriggerConfig{Mode: "bus"}, nil, logger); err == nil {
		t.Fatal("expected error for bus mode without client")
	}
	if _, err := New(config.TriggerConfig{Mode: "pedal"}, nil, logger); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
