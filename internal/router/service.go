// Package router fans transcripts out to the configured outputs without
// blocking the session that produced them.
package router

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/loqalabs/loqa-dictate/internal/queue"
)

// Sink receives transcripts on the router's worker goroutine.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, transcript protocol.Transcript) error
}

const (
	deliverTimeout      = 2 * time.Second
	finalEnqueueTimeout = time.Second
)

type Service struct {
	cfg     config.OutputConfig
	sinks   []Sink
	logger  *slog.Logger
	pending *queue.Queue[protocol.Transcript]
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	dropped atomic.Int64
}

func NewService(parent context.Context, cfg config.OutputConfig, logger *slog.Logger, sinks ...Sink) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:     cfg,
		sinks:   sinks,
		logger:  logger.With(slog.String("component", "router")),
		pending: queue.New[protocol.Transcript](cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *Service) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}
	names := make([]string, 0, len(s.sinks))
	for _, sink := range s.sinks {
		names = append(names, sink.Name())
	}
	s.logger.Info("transcript router started", slog.Any("sinks", names))

	s.wg.Add(1)
	go s.run()
	return nil
}

// Close stops accepting transcripts and waits for queued ones to be delivered.
func (s *Service) Close() {
	s.pending.Close()
	s.wg.Wait()
	s.cancel()
}

func (s *Service) Healthy() bool {
	return s.started.Load()
}

// Dropped counts transcripts discarded because the queue was full.
func (s *Service) Dropped() int64 {
	return s.dropped.Load()
}

// Partial queues a partial transcript. It never blocks and is dropped when the queue is full.
func (s *Service) Partial(sessionID, text string) {
	if !s.cfg.PublishPartial {
		return
	}
	s.enqueue(protocol.Transcript{SessionID: sessionID, Text: text, Partial: true, Timestamp: time.Now().UTC()})
}

// Final queues the final transcript of a session. A session has one final,
// so it waits up to finalEnqueueTimeout for room behind queued partials.
func (s *Service) Final(sessionID, text string) {
	s.enqueue(protocol.Transcript{SessionID: sessionID, Text: text, Timestamp: time.Now().UTC()})
}

func (s *Service) enqueue(t protocol.Transcript) {
	if t.Text == "" {
		return
	}
	if t.Partial {
		if !s.pending.TryPush(t) {
			s.drop(t, nil)
		}
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, finalEnqueueTimeout)
	defer cancel()
	if err := s.pending.Push(ctx, t); err != nil {
		s.drop(t, err)
	}
}

func (s *Service) drop(t protocol.Transcript, err error) {
	s.dropped.Add(1)
	attrs := []any{slog.String("session_id", t.SessionID), slog.Bool("partial", t.Partial)}
	if err != nil {
		attrs = append(attrs, slogError(err))
	}
	s.logger.Warn("transcript dropped", attrs...)
}

func (s *Service) run() {
	defer s.wg.Done()
	for {
		t, ok := s.pending.Pop(s.ctx)
		if !ok {
			return
		}
		for _, sink := range s.sinks {
			ctx, cancel := context.WithTimeout(s.ctx, deliverTimeout)
			if err := sink.Deliver(ctx, t); err != nil {
				s.logger.Warn("transcript delivery failed",
					slog.String("sink", sink.Name()),
					slog.String("session_id", t.SessionID),
					slogError(err))
			}
			cancel()
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
