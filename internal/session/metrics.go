package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	runs           metric.Int64Counter
	duration       metric.Float64Histogram
	chunks         metric.Int64Counter
	protocolErrors metric.Int64Counter
	serviceErrors  metric.Int64Counter
	timeouts       metric.Int64Counter
}

var (
	metricsOnce sync.Once
	shared      *metrics
)

// sharedMetrics registers instruments on the global meter provider the first
// time a session is created.
func sharedMetrics() *metrics {
	metricsOnce.Do(func() {
		meter := otel.Meter(instrumentationName)
		m := &metrics{}
		m.runs, _ = meter.Int64Counter("dictation.sessions",
			metric.WithDescription("Transcription sessions by outcome"))
		m.duration, _ = meter.Float64Histogram("dictation.session.duration",
			metric.WithDescription("Wall time of a transcription session"),
			metric.WithUnit("s"))
		m.chunks, _ = meter.Int64Counter("dictation.audio.chunks",
			metric.WithDescription("Audio chunks written to the transcription service"))
		m.protocolErrors, _ = meter.Int64Counter("dictation.protocol.errors",
			metric.WithDescription("Malformed frames received from the transcription service"))
		m.serviceErrors, _ = meter.Int64Counter("dictation.service.errors",
			metric.WithDescription("Sessions rejected by the transcription service"))
		m.timeouts, _ = meter.Int64Counter("dictation.finalize.timeouts",
			metric.WithDescription("Sessions finalized by grace expiry instead of a finish event"))
		shared = m
	})
	return shared
}

func outcome(err error) string {
	var connErr *ConnectError
	var svcErr *ServiceError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &connErr):
		return "connect_error"
	case errors.As(err, &svcErr):
		return "service_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

func (m *metrics) recordRun(ctx context.Context, elapsed time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome(err)))
	if m.runs != nil {
		m.runs.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Seconds(), attrs)
	}
}

func (m *metrics) chunkSent(ctx context.Context) {
	if m.chunks != nil {
		m.chunks.Add(ctx, 1)
	}
}

func (m *metrics) protocolError(ctx context.Context) {
	if m.protocolErrors != nil {
		m.protocolErrors.Add(ctx, 1)
	}
}

func (m *metrics) serviceError(ctx context.Context) {
	if m.serviceErrors != nil {
		m.serviceErrors.Add(ctx, 1)
	}
}

func (m *metrics) finalizeTimeout(ctx context.Context) {
	if m.timeouts != nil {
		m.timeouts.Add(ctx, 1)
	}
}
