// Package dictation runs one transcription session per trigger press.
package dictation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/control"
	"github.com/loqalabs/loqa-dictate/internal/eventstore"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/loqalabs/loqa-dictate/internal/queue"
)

// ErrBusy is returned by Press while another session is active.
var ErrBusy = errors.New("dictation already active")

// Capturer starts microphone capture. *audio.Capturer implements it.
type Capturer interface {
	Start(sink audio.Sink, stop *control.Signal) (*audio.Handle, error)
}

// Runner is one transcription session. *session.Session implements it.
type Runner interface {
	Run(ctx context.Context, source <-chan []byte, stop *control.Signal, onPartial, onFinal func(string)) error
	ChunksSent() int64
}

// SessionFactory builds the Runner for a new session id.
type SessionFactory func(id string) Runner

// Transcripts receives session output. It must not block.
type Transcripts interface {
	Partial(sessionID, text string)
	Final(sessionID, text string)
}

// StatusPublisher announces state changes.
type StatusPublisher interface {
	PublishStatus(status protocol.Status) error
}

// Journal records session lifecycles. *eventstore.Store implements it.
type Journal interface {
	BeginSession(ctx context.Context, sessionID, nodeID string) error
	AppendEvent(ctx context.Context, evt eventstore.Event) error
	EndSession(ctx context.Context, sessionID string, outcome eventstore.Outcome) error
}

// Options wires a Service.
type Options struct {
	NodeID      string
	QueueChunks int
	Capturer    Capturer
	NewSession  SessionFactory
	Transcripts Transcripts
	Status      StatusPublisher
	Journal     Journal
}

type active struct {
	id       string
	stop     *control.Signal
	done     chan struct{}
	started  time.Time
	released atomic.Bool
}

type Service struct {
	opts   Options
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	current atomic.Pointer[active]
	state   atomic.Value
	dropped atomic.Int64
}

func NewService(parent context.Context, opts Options, logger *slog.Logger) *Service {
	if opts.QueueChunks <= 0 {
		opts.QueueChunks = 256
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		opts:   opts,
		logger: logger.With(slog.String("component", "dictation")),
		ctx:    ctx,
		cancel: cancel,
	}
	s.state.Store(protocol.StatusIdle)
	return s
}

// Press starts capture and a session. At most one session is active.
func (s *Service) Press(ctx context.Context) (string, error) {
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("session id: %w", err)
	}
	a := &active{id: id.String(), stop: control.NewSignal(), done: make(chan struct{}), started: time.Now()}
	if !s.current.CompareAndSwap(nil, a) {
		return "", ErrBusy
	}
	logger := s.logger.With(slog.String("session_id", a.id))

	s.journalBegin(ctx, a.id)
	chunks := queue.New[[]byte](s.opts.QueueChunks)
	handle, err := s.opts.Capturer.Start(func(chunk []byte) {
		if !chunks.TryPush(chunk) {
			s.dropped.Add(1)
			logger.Warn("audio chunk dropped, session queue full")
		}
	}, a.stop)
	if err != nil {
		logger.Error("capture failed to start", slogError(err))
		s.journalEvent(ctx, a.id, eventstore.EventCaptureFailed, err.Error())
		s.journalEnd(ctx, a.id, eventstore.Outcome{Result: "device_error", Error: err.Error()})
		s.publish(a.id, protocol.StatusError, err)
		close(a.done)
		s.current.CompareAndSwap(a, nil)
		return "", err
	}
	s.journalEvent(ctx, a.id, eventstore.EventCaptureStarted, handle.Device())
	s.publish(a.id, protocol.StatusListening, nil)
	logger.Info("dictation started", slog.String("device", handle.Device()))

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		<-handle.Done()
		select {
		case err := <-handle.Failed():
			// The session keeps running on what was captured until Release.
			logger.Error("capture ended with error", slogError(err))
			s.journalEvent(s.ctx, a.id, eventstore.EventCaptureFailed, err.Error())
		default:
		}
		chunks.Close()
	}()
	go func() {
		defer s.wg.Done()
		s.run(a, chunks, handle, logger)
	}()
	return a.id, nil
}

// Release asks the active session to finalize. It reports false when nothing
// was listening.
func (s *Service) Release() bool {
	a := s.current.Load()
	if a == nil || a.stop.IsSet() || !a.released.CompareAndSwap(false, true) {
		return false
	}
	s.journalEvent(s.ctx, a.id, eventstore.EventStopRequested, "")
	s.publish(a.id, protocol.StatusFinalizing, nil)
	a.stop.Set()
	s.logger.Info("dictation released", slog.String("session_id", a.id), slog.Duration("held", time.Since(a.started)))
	return true
}

// HandleTrigger adapts press and release edges to Press and Release.
func (s *Service) HandleTrigger(pressed bool) {
	if !pressed {
		s.Release()
		return
	}
	if _, err := s.Press(s.ctx); err != nil && !errors.Is(err, ErrBusy) {
		s.logger.Warn("press ignored", slogError(err))
	}
}

// Active returns the id of the running session, if any.
func (s *Service) Active() (string, bool) {
	if a := s.current.Load(); a != nil {
		return a.id, true
	}
	return "", false
}

// Wait blocks until the session with the given id has fully ended.
func (s *Service) Wait(ctx context.Context, id string) error {
	a := s.current.Load()
	if a == nil || a.id != id {
		return nil
	}
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State is the last published status.
func (s *Service) State() string {
	return s.state.Load().(string)
}

// Dropped counts chunks lost because the session fell behind capture.
func (s *Service) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Service) Healthy() bool {
	return s.ctx.Err() == nil
}

// Close releases any active session and waits for it to end.
func (s *Service) Close() {
	if a := s.current.Load(); a != nil {
		a.stop.Set()
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Service) run(a *active, chunks *queue.Queue[[]byte], handle *audio.Handle, logger *slog.Logger) {
	defer close(a.done)
	defer s.current.CompareAndSwap(a, nil)

	runner := s.opts.NewSession(a.id)
	heard := false
	err := runner.Run(s.ctx, chunks.C(), a.stop,
		func(text string) {
			heard = true
			s.opts.Transcripts.Partial(a.id, text)
		},
		func(text string) {
			s.opts.Transcripts.Final(a.id, text)
		},
	)

	a.stop.Set()
	<-handle.Done()

	outcome := eventstore.Outcome{Result: "ok", ChunksSent: runner.ChunksSent()}
	if err != nil {
		outcome.Result = "error"
		outcome.Error = err.Error()
		logger.Error("dictation session failed", slogError(err))
		s.journalEvent(s.ctx, a.id, eventstore.EventFailed, err.Error())
		s.journalEnd(s.ctx, a.id, outcome)
		s.publish(a.id, protocol.StatusError, err)
		return
	}
	detail := "no speech"
	if heard {
		detail = "transcribed"
	}
	s.journalEvent(s.ctx, a.id, eventstore.EventFinalized, detail)
	s.journalEnd(s.ctx, a.id, outcome)
	s.publish(a.id, protocol.StatusIdle, nil)
	logger.Info("dictation finished",
		slog.Int64("chunks_sent", outcome.ChunksSent),
		slog.Duration("elapsed", time.Since(a.started)))
}

func (s *Service) publish(sessionID, state string, err error) {
	s.state.Store(state)
	if s.opts.Status == nil {
		return
	}
	status := protocol.Status{SessionID: sessionID, State: state, Timestamp: time.Now().UTC()}
	if err != nil {
		status.Error = err.Error()
	}
	if perr := s.opts.Status.PublishStatus(status); perr != nil {
		s.logger.Debug("status publish failed", slogError(perr))
	}
}

func (s *Service) journalBegin(ctx context.Context, id string) {
	if s.opts.Journal == nil {
		return
	}
	if err := s.opts.Journal.BeginSession(ctx, id, s.opts.NodeID); err != nil {
		s.logger.Warn("journal begin failed", slogError(err))
	}
}

func (s *Service) journalEvent(ctx context.Context, id, typ, detail string) {
	if s.opts.Journal == nil {
		return
	}
	if err := s.opts.Journal.AppendEvent(ctx, eventstore.Event{SessionID: id, Type: typ, Detail: detail}); err != nil {
		s.logger.Warn("journal event failed", slog.String("type", typ), slogError(err))
	}
}

func (s *Service) journalEnd(ctx context.Context, id string, outcome eventstore.Outcome) {
	if s.opts.Journal == nil {
		return
	}
	if err := s.opts.Journal.EndSession(ctx, id, outcome); err != nil {
		s.logger.Warn("journal end failed", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
