package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/dictation"
	"github.com/loqalabs/loqa-dictate/internal/eventstore"
	"github.com/loqalabs/loqa-dictate/internal/natsserver"
	"github.com/loqalabs/loqa-dictate/internal/output"
	"github.com/loqalabs/loqa-dictate/internal/presence"
	"github.com/loqalabs/loqa-dictate/internal/router"
	"github.com/loqalabs/loqa-dictate/internal/session"
	"github.com/loqalabs/loqa-dictate/internal/trigger"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	backend     audio.Backend
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup
}

// New prepares a runtime. backend may be nil when audio.device is "file".
func New(cfg config.Config, logger *slog.Logger, backend audio.Backend) *Runtime {
	return &Runtime{
		cfg:     cfg,
		logger:  logger,
		backend: backend,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
		r.shutdownTelemetry()
	}()

	var client *bus.Client
	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		if busCfg.Embedded {
			embedded, err := natsserver.Start(busCfg, r.logger)
			if err != nil {
				return err
			}
			cleanup = append(cleanup, embedded.Shutdown)
			busCfg.Servers = []string{embedded.ClientURL()}
		}
		client, err = bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, client.Close)
	}

	journal, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	cleanup = append(cleanup, func() {
		if err := journal.Close(); err != nil {
			r.logger.Warn("event store close failed", slog.String("error", err.Error()))
		}
	})

	provider, err := NewCredentialProvider(r.cfg.Credentials, r.logger)
	if err != nil {
		return err
	}
	dialer := NewDialer(r.cfg.Session)
	timing := session.TimingFromConfig(r.cfg.Session)

	backend := r.backend
	if backend == nil {
		if backend, err = FileBackend(r.cfg.Audio); err != nil {
			return err
		}
	}
	capturer, err := NewCapturer(r.cfg, backend, r.logger)
	if err != nil {
		return err
	}

	var (
		sinks   []router.Sink
		busSink *output.Bus
	)
	if client != nil {
		busSink = output.NewBus(client, r.cfg.Output.StatusSubject)
		sinks = append(sinks, busSink)
	}
	if r.cfg.Output.Clipboard {
		clip, err := output.NewClipboard()
		if err != nil {
			r.logger.Warn("clipboard output disabled", slog.String("error", err.Error()))
		} else {
			sinks = append(sinks, clip)
		}
	}
	transcripts := router.NewService(ctx, r.cfg.Output, r.logger, sinks...)
	if err := transcripts.Start(); err != nil {
		return err
	}
	cleanup = append(cleanup, transcripts.Close)

	opts := dictation.Options{
		NodeID:      r.cfg.Node.ID,
		QueueChunks: r.cfg.Audio.QueueChunks,
		Capturer:    capturer,
		NewSession: func(id string) dictation.Runner {
			return session.New(id, provider, dialer, timing, r.logger)
		},
		Transcripts: transcripts,
		Journal:     journal,
	}
	if busSink != nil {
		opts.Status = busSink
	}
	dict := dictation.NewService(ctx, opts, r.logger)
	cleanup = append(cleanup, dict.Close)

	monitor, err := trigger.New(r.cfg.Trigger, client, r.logger)
	if err != nil {
		return err
	}
	cleanup = append(cleanup, func() {
		cancel()
		r.wg.Wait()
	})
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := monitor.Run(ctx, dict.HandleTrigger); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("trigger monitor stopped", slog.String("error", err.Error()))
		}
	}()

	var registry *presence.Registry
	if client != nil {
		registry, err = presence.NewRegistry(ctx, r.cfg.Node, capabilities(r.cfg), dict.State, client, r.logger)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, registry.Close)
	}

	handlers := &api{
		nodeID:       r.cfg.Node.ID,
		dictation:    dict,
		transcripts:  transcripts,
		journal:      journal,
		provider:     provider,
		dialer:       dialer,
		probeTimeout: timing.ProbeTimeout,
		presence:     registry,
		busHealthy:   client.Healthy,
		metrics:      metricsHandler,
		ready:        &r.ready,
		logger:       r.logger,
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handlers.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("node_id", r.cfg.Node.ID),
		slog.String("trigger", r.cfg.Trigger.Mode))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	return nil
}

func (r *Runtime) shutdownTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}
