package audio

import (
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/control"
	"github.com/loqalabs/loqa-dictate/internal/resample"
)

// Options controls chunking and polling for a Capturer.
type Options struct {
	TargetRate   int
	ChunkSamples int
	StopPoll     time.Duration
}

func (o Options) withDefaults() Options {
	if o.TargetRate <= 0 {
		o.TargetRate = 16000
	}
	if o.ChunkSamples <= 0 {
		o.ChunkSamples = 4096
	}
	if o.StopPoll <= 0 {
		o.StopPoll = 50 * time.Millisecond
	}
	return o
}

// Capturer opens the default input of a backend and streams converted chunks
// to a sink until told to stop.
type Capturer struct {
	backend   Backend
	resampler resample.Resampler
	opts      Options
	logger    *slog.Logger
}

func NewCapturer(backend Backend, resampler resample.Resampler, opts Options, logger *slog.Logger) *Capturer {
	return &Capturer{
		backend:   backend,
		resampler: resampler,
		opts:      opts.withDefaults(),
		logger:    logger.With(slog.String("component", "audio")),
	}
}

// Start negotiates the device and begins capture. Device failures are
// returned as *DeviceError; once Start returns a Handle, capture runs until
// stop is set or the stream fails.
func (c *Capturer) Start(sink Sink, stop *control.Signal) (*Handle, error) {
	if sink == nil {
		return nil, errors.New("audio: sink is required")
	}
	if stop == nil {
		return nil, errors.New("audio: stop signal is required")
	}
	device, err := c.backend.DefaultInput()
	if err != nil {
		return nil, &DeviceError{Op: "default input", Err: err}
	}
	format := device.Format()
	if err := format.validate(); err != nil {
		return nil, &DeviceError{Op: "negotiate " + device.Name(), Err: err}
	}

	conv := NewConverter(format, c.opts.TargetRate, c.opts.ChunkSamples, c.resampler, sink)
	stream, err := device.Open(conv)
	if err != nil {
		return nil, &DeviceError{Op: "open " + device.Name(), Err: err}
	}

	logger := c.logger.With(
		slog.String("device", device.Name()),
		slog.Int("sample_rate", format.SampleRate),
		slog.Int("channels", format.Channels),
		slog.String("sample_type", format.SampleType.String()),
	)

	handle := newHandle(device.Name())
	ready := make(chan error, 1)
	go c.run(stream, conv, stop, handle, ready, logger)
	if err := <-ready; err != nil {
		return nil, &DeviceError{Op: "start " + device.Name(), Err: err}
	}
	logger.Info("capture started")
	return handle, nil
}

func (c *Capturer) run(stream Stream, conv *Converter, stop *control.Signal, handle *Handle, ready chan<- error, logger *slog.Logger) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := stream.Start(); err != nil {
		_ = stream.Close()
		ready <- err
		return
	}
	ready <- nil

	ticker := time.NewTicker(c.opts.StopPoll)
	defer ticker.Stop()

	var failure error
	errs := stream.Err()
loop:
	for {
		select {
		case <-ticker.C:
			if stop.IsSet() {
				break loop
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				failure = err
				logger.Error("capture stream failed", slogError(err))
				break loop
			}
		}
	}

	if err := stream.Close(); err != nil {
		logger.Warn("close capture stream", slogError(err))
	}
	conv.Flush()
	logger.Info("capture stopped", slog.Int("chunks", conv.Emitted()))
	handle.finish(failure)
}

// Handle tracks one running capture.
type Handle struct {
	device string
	done   chan struct{}
	failed chan error

	mu  sync.Mutex
	err error
}

func newHandle(device string) *Handle {
	return &Handle{
		device: device,
		done:   make(chan struct{}),
		failed: make(chan error, 1),
	}
}

func (h *Handle) Device() string { return h.device }

// Done is closed once the stream is closed and the final chunk flushed.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Failed delivers the stream error, if any, exactly once.
func (h *Handle) Failed() <-chan error { return h.failed }

// Wait blocks until capture ends and returns the stream error, if any.
func (h *Handle) Wait() error {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) finish(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	if err != nil {
		h.failed <- err
	}
	close(h.done)
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
