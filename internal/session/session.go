// Package session streams captured audio to the transcription service over a
// WebSocket and turns its replies into partial and final transcripts.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/control"
	"github.com/loqalabs/loqa-dictate/internal/credential"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/loqalabs/loqa-dictate/internal/queue"
)

const instrumentationName = "github.com/loqalabs/loqa-dictate/internal/session"

// State is the lifecycle position of a session.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateFinalizing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ErrAlreadyRun is returned when Run is called twice on one Session.
var ErrAlreadyRun = errors.New("session already run")

// Timing holds the session's poll intervals and deadlines.
type Timing struct {
	QueueSize     int
	RelayPoll     time.Duration
	StopPoll      time.Duration
	ReadPoll      time.Duration
	FinalizeGrace time.Duration
	ProbeTimeout  time.Duration
}

// TimingFromConfig converts millisecond settings to durations.
func TimingFromConfig(cfg config.SessionConfig) Timing {
	return Timing{
		QueueSize:     cfg.QueueSize,
		RelayPoll:     time.Duration(cfg.RelayPollMS) * time.Millisecond,
		StopPoll:      time.Duration(cfg.StopPollMS) * time.Millisecond,
		ReadPoll:      time.Duration(cfg.ReadPollMS) * time.Millisecond,
		FinalizeGrace: time.Duration(cfg.FinalizeGraceMS) * time.Millisecond,
		ProbeTimeout:  time.Duration(cfg.ProbeTimeoutMS) * time.Millisecond,
	}
}

func (t Timing) withDefaults() Timing {
	if t.QueueSize <= 0 {
		t.QueueSize = 100
	}
	if t.RelayPoll <= 0 {
		t.RelayPoll = 100 * time.Millisecond
	}
	if t.StopPoll <= 0 {
		t.StopPoll = 50 * time.Millisecond
	}
	if t.ReadPoll <= 0 {
		t.ReadPoll = 100 * time.Millisecond
	}
	if t.FinalizeGrace <= 0 {
		t.FinalizeGrace = time.Second
	}
	if t.ProbeTimeout <= 0 {
		t.ProbeTimeout = 5 * time.Second
	}
	return t
}

// Session is one connection to the transcription service, from trigger press
// to final transcript. A Session runs once.
type Session struct {
	id       string
	provider credential.Provider
	dialer   Dialer
	timing   Timing
	logger   *slog.Logger
	metrics  *metrics
	tracer   trace.Tracer

	state atomic.Int32
	sent  atomic.Int64
}

func New(id string, provider credential.Provider, dialer Dialer, timing Timing, logger *slog.Logger) *Session {
	return &Session{
		id:       id,
		provider: provider,
		dialer:   dialer,
		timing:   timing.withDefaults(),
		logger:   logger.With(slog.String("component", "session"), slog.String("session_id", id)),
		metrics:  sharedMetrics(),
		tracer:   otel.Tracer(instrumentationName),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

// ChunksSent reports how many audio chunks were written to the connection.
func (s *Session) ChunksSent() int64 { return s.sent.Load() }

func (s *Session) setState(state State) {
	s.state.Store(int32(state))
}

// Run connects, streams chunks from source until stop is set, and waits for
// the final transcript. onPartial receives every non-empty partial; onFinal
// is called at most once, with the last partial, when the service finishes,
// the connection closes or the finalize grace expires. A service rejection
// invalidates the credential and returns *ServiceError without calling
// onFinal. No callback runs after Run returns.
func (s *Session) Run(ctx context.Context, source <-chan []byte, stop *control.Signal, onPartial, onFinal func(string)) (err error) {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateConnecting)) {
		return ErrAlreadyRun
	}
	defer s.setState(StateClosed)

	ctx, span := s.tracer.Start(ctx, "session.run", trace.WithAttributes(attribute.String("session.id", s.id)))
	started := time.Now()
	defer func() {
		s.metrics.recordRun(ctx, time.Since(started), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	conn, err := s.connect(ctx)
	if err != nil {
		s.logger.Error("session connect failed", slogError(err))
		return err
	}
	s.setState(StateStreaming)
	s.logger.Info("session connected")

	runCtx, cancel := context.WithCancel(ctx)
	chunks := queue.New[[]byte](s.timing.QueueSize)
	frames := make(chan frame)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		s.relay(runCtx, source, stop, chunks)
	}()
	go func() {
		defer wg.Done()
		s.send(runCtx, conn, stop, chunks)
	}()
	go func() {
		defer wg.Done()
		readFrames(runCtx, conn, frames)
	}()

	err = s.receive(runCtx, frames, stop, onPartial, onFinal)

	cancel()
	_ = conn.Close()
	wg.Wait()
	s.logger.Info("session ended", slog.Int64("chunks_sent", s.sent.Load()))
	span.SetAttributes(attribute.Int64("session.chunks_sent", s.sent.Load()))
	return err
}

func (s *Session) connect(ctx context.Context) (Conn, error) {
	cred, err := s.provider.Acquire(ctx)
	if err != nil {
		return nil, &ConnectError{Op: "acquire credential", Err: err}
	}
	s.logger.Info("session connecting", slog.String("endpoint", cred.Endpoint))
	conn, err := s.dialer.Dial(ctx, cred)
	if err != nil {
		return nil, &ConnectError{Op: "dial", Endpoint: cred.Endpoint, Err: err}
	}
	return conn, nil
}

// relay moves chunks from the capture source into the bounded send queue.
// It ends when the source closes, or once stop is set and the source has been
// idle for two consecutive polls, which leaves room for the capture flush.
func (s *Session) relay(ctx context.Context, source <-chan []byte, stop *control.Signal, chunks *queue.Queue[[]byte]) {
	defer chunks.Close()

	idle := time.NewTimer(s.timing.RelayPoll)
	defer idle.Stop()
	stopSeen := false
	for {
		select {
		case chunk, ok := <-source:
			if !ok {
				s.logger.Debug("audio relay ended", slog.String("reason", "source closed"))
				return
			}
			if err := chunks.Push(ctx, chunk); err != nil {
				return
			}
			idle.Reset(s.timing.RelayPoll)
		case <-idle.C:
			if stop.IsSet() {
				if stopSeen {
					s.logger.Debug("audio relay ended", slog.String("reason", "stopped"))
					return
				}
				stopSeen = true
			}
			idle.Reset(s.timing.RelayPoll)
		case <-ctx.Done():
			return
		}
	}
}

// send is the only writer on the connection. After stop it drains whatever
// is already queued, then sends the finish marker once.
func (s *Session) send(ctx context.Context, conn Conn, stop *control.Signal, chunks *queue.Queue[[]byte]) {
	ticker := time.NewTicker(s.timing.StopPoll)
	defer ticker.Stop()

	in := chunks.C()
	for {
		select {
		case chunk, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			if err := s.writeChunk(ctx, conn, chunk); err != nil {
				s.logger.Error("send audio failed", slogError(err))
				return
			}
		case <-ticker.C:
			if !stop.IsSet() {
				continue
			}
			for in != nil {
				select {
				case chunk, ok := <-in:
					if !ok {
						in = nil
						continue
					}
					if err := s.writeChunk(ctx, conn, chunk); err != nil {
						s.logger.Error("send audio failed", slogError(err))
						return
					}
				case <-ctx.Done():
					return
				}
			}
			s.logger.Info("sending finish", slog.Int64("chunks_sent", s.sent.Load()))
			if err := conn.WriteMessage(websocket.TextMessage, protocol.FinishMessage()); err != nil {
				s.logger.Warn("send finish failed", slogError(err))
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) writeChunk(ctx context.Context, conn Conn, chunk []byte) error {
	if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
		return err
	}
	n := s.sent.Add(1)
	s.metrics.chunkSent(ctx)
	if n%10 == 0 {
		s.logger.Debug("audio chunks sent", slog.Int64("count", n))
	}
	return nil
}

type frame struct {
	kind int
	data []byte
	err  error
}

// readFrames pumps the connection into out. It returns after the first read
// error or once ctx ends.
func readFrames(ctx context.Context, conn Conn, out chan<- frame) {
	for {
		kind, data, err := conn.ReadMessage()
		select {
		case out <- frame{kind: kind, data: data, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// receive interprets server frames and owns the finalize state machine.
func (s *Session) receive(ctx context.Context, frames <-chan frame, stop *control.Signal, onPartial, onFinal func(string)) error {
	poll := time.NewTicker(s.timing.ReadPoll)
	defer poll.Stop()

	var (
		partial    string
		grace      <-chan time.Time
		graceTimer *time.Timer
	)
	defer func() {
		if graceTimer != nil {
			graceTimer.Stop()
		}
	}()
	finish := func(reason string) {
		s.logger.Info("session finalized", slog.String("reason", reason), slog.Int("final_length", len(partial)))
		if partial != "" && onFinal != nil {
			onFinal(partial)
		}
	}

	for {
		if grace == nil && stop.IsSet() {
			graceTimer = time.NewTimer(s.timing.FinalizeGrace)
			grace = graceTimer.C
			s.setState(StateFinalizing)
			s.logger.Info("stop detected, awaiting final result", slog.Duration("grace", s.timing.FinalizeGrace))
		}

		select {
		case f := <-frames:
			if f.err != nil {
				if websocket.IsCloseError(f.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Info("connection closed by service")
				} else {
					s.logger.Warn("connection read ended", slogError(f.err))
				}
				finish("closed")
				return nil
			}
			if f.kind != websocket.TextMessage {
				continue
			}
			event, err := protocol.ParseEvent(f.data)
			if err != nil {
				perr := &ProtocolError{Frame: f.data, Err: err}
				s.metrics.protocolError(ctx)
				s.logger.Warn("skipping malformed frame", slogError(perr))
				continue
			}
			switch event.Kind {
			case protocol.KindPartial:
				partial = event.Text
				if onPartial != nil {
					onPartial(event.Text)
				}
			case protocol.KindFinal:
				finish("finish")
				return nil
			case protocol.KindServiceError:
				s.provider.Invalidate()
				s.metrics.serviceError(ctx)
				serr := &ServiceError{Code: event.Code, Message: event.Message}
				s.logger.Error("transcription service rejected session", slogError(serr))
				return serr
			default:
				s.logger.Debug("ignoring event", slog.String("event", event.Event))
			}
		case <-grace:
			s.metrics.finalizeTimeout(ctx)
			finish("timeout")
			return nil
		case <-poll.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
