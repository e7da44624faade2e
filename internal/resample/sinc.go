package resample

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
)

const (
	sincTaps         = 64
	sincHalf         = sincTaps / 2
	sincCutoff       = 0.95
	sincOversampling = 128
	maxRelativeRatio = 64.0
)

var errNotReady = errors.New("sinc resampler not initialised")

// Sinc is a stateful windowed-sinc resampler. The kernel is a Blackman
// windowed sinc whose cutoff tracks the lower of the two Nyquist rates, so
// downsampling is low-pass filtered before decimation.
//
// History is keyed by the (from, to) pair: Resample resets automatically when
// the pair changes. All state is guarded by a single mutex.
type Sinc struct {
	mu       sync.Mutex
	logger   *slog.Logger
	ready    bool
	fromRate int
	toRate   int
	step     float64
	table    []float64
	history  []float64
	pos      float64
}

func NewSinc(logger *slog.Logger) *Sinc {
	return &Sinc{logger: logger.With(slog.String("component", "resampler"))}
}

// Reset rebuilds the filter for a new rate pair and drops all history.
func (s *Sinc) Reset(fromRate, toRate int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reset(fromRate, toRate)
}

// Process resamples chunk with the current filter, continuing from the
// history left by the previous call.
func (s *Sinc) Process(chunk []int16) ([]int16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.process(chunk)
}

// Resample implements Resampler. Failures fall back to Linear for the call.
func (s *Sinc) Resample(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate {
		return slices.Clone(samples)
	}
	if len(samples) == 0 {
		return []int16{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready || s.fromRate != fromRate || s.toRate != toRate {
		if err := s.reset(fromRate, toRate); err != nil {
			s.logger.Error("sinc resampler unavailable, falling back to linear", slogError(err))
			return Linear(samples, fromRate, toRate)
		}
		s.logger.Info("sinc resampler created", slog.Int("from_rate", fromRate), slog.Int("to_rate", toRate))
	}

	out, err := s.process(samples)
	if err != nil {
		s.logger.Error("sinc resample failed, falling back to linear", slogError(err))
		return Linear(samples, fromRate, toRate)
	}
	return out
}

func (s *Sinc) reset(fromRate, toRate int) error {
	s.ready = false
	s.history = nil
	if fromRate <= 0 || toRate <= 0 {
		return fmt.Errorf("invalid rate pair %d -> %d", fromRate, toRate)
	}
	ratio := float64(toRate) / float64(fromRate)
	if ratio > maxRelativeRatio || ratio < 1/maxRelativeRatio {
		return fmt.Errorf("rate ratio %.4f outside supported range", ratio)
	}

	cutoff := sincCutoff * math.Min(1, ratio)
	table := make([]float64, sincHalf*sincOversampling+1)
	for i := range table {
		x := float64(i) / sincOversampling
		table[i] = cutoff * normalizedSinc(cutoff*x) * blackman(x/sincHalf)
	}

	s.fromRate = fromRate
	s.toRate = toRate
	s.step = float64(fromRate) / float64(toRate)
	s.table = table
	// leading silence so the first output is centred on the first input sample
	s.history = make([]float64, sincHalf)
	s.pos = sincHalf
	s.ready = true
	return nil
}

func (s *Sinc) process(chunk []int16) ([]int16, error) {
	if !s.ready {
		return nil, errNotReady
	}
	if len(chunk) == 0 {
		return []int16{}, nil
	}

	buf := make([]float64, len(s.history), len(s.history)+len(chunk))
	copy(buf, s.history)
	for _, v := range chunk {
		buf = append(buf, float64(v))
	}

	out := make([]int16, 0, int(float64(len(chunk))/s.step)+1)
	for {
		base := int(math.Floor(s.pos))
		if base+sincHalf >= len(buf) {
			break
		}
		var acc float64
		for k := base - sincHalf + 1; k <= base+sincHalf; k++ {
			acc += buf[k] * s.kernel(s.pos-float64(k))
		}
		if math.IsNaN(acc) || math.IsInf(acc, 0) {
			return nil, fmt.Errorf("non-finite output at position %.3f", s.pos)
		}
		out = append(out, clampInt16(acc))
		s.pos += s.step
	}

	keep := int(math.Floor(s.pos)) - sincHalf + 1
	if keep < 0 {
		keep = 0
	}
	if keep > len(buf) {
		keep = len(buf)
	}
	s.history = append(s.history[:0], buf[keep:]...)
	s.pos -= float64(keep)
	return out, nil
}

func (s *Sinc) kernel(x float64) float64 {
	ax := math.Abs(x)
	if ax >= sincHalf {
		return 0
	}
	idx := ax * sincOversampling
	i := int(idx)
	frac := idx - float64(i)
	return s.table[i]*(1-frac) + s.table[i+1]*frac
}

func normalizedSinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

// blackman evaluates the window for u in [-1, 1].
func blackman(u float64) float64 {
	if u <= -1 || u >= 1 {
		return 0
	}
	return 0.42 + 0.5*math.Cos(math.Pi*u) + 0.08*math.Cos(2*math.Pi*u)
}

func clampInt16(v float64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	default:
		return int16(v)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
