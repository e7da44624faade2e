// Package resample converts mono PCM16 streams between sample rates.
//
// Two policies are available: Linear, which is stateless and cheap, and
// Sinc, a windowed-sinc interpolator with antialiasing that keeps filter
// history between calls so consecutive chunks join without seams.
package resample

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
)

// Resampler converts samples from one rate to another.
type Resampler interface {
	Resample(samples []int16, fromRate, toRate int) []int16
}

// Method selects a resampling policy.
type Method string

const (
	MethodLinear Method = "linear"
	MethodSinc   Method = "sinc"
)

// ParseMethod maps a config value onto a Method.
func ParseMethod(value string) (Method, error) {
	switch Method(strings.ToLower(strings.TrimSpace(value))) {
	case "", MethodLinear:
		return MethodLinear, nil
	case MethodSinc:
		return MethodSinc, nil
	default:
		return "", fmt.Errorf("unknown resample method %q", value)
	}
}

// New returns the resampler for method. The choice is made once at startup.
func New(method Method, logger *slog.Logger) Resampler {
	logger.Info("resampler selected", slog.String("method", string(method)))
	if method == MethodSinc {
		return NewSinc(logger)
	}
	return LinearResampler{}
}

// LinearResampler adapts Linear to the Resampler interface.
type LinearResampler struct{}

func (LinearResampler) Resample(samples []int16, fromRate, toRate int) []int16 {
	return Linear(samples, fromRate, toRate)
}

// Linear resamples by linear interpolation between neighbouring input
// samples. It holds no state and is deterministic.
func Linear(input []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || len(input) == 1 {
		return slices.Clone(input)
	}
	if len(input) == 0 || fromRate <= 0 || toRate <= 0 {
		return []int16{}
	}

	ratio := float64(fromRate) / float64(toRate)
	// integer form of floor(len / ratio), immune to float rounding of ratio
	outLen := len(input) * toRate / fromRate
	if outLen == 0 {
		return []int16{}
	}

	output := make([]int16, outLen)
	last := len(input) - 1
	for i := range output {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)
		if srcIdx+1 <= last {
			y0 := float64(input[srcIdx])
			y1 := float64(input[srcIdx+1])
			output[i] = int16(y0 + (y1-y0)*frac)
		} else {
			output[i] = input[last]
		}
	}
	return output
}
