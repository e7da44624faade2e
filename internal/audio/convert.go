package audio

import (
	"encoding/binary"
	"sync"

	"github.com/loqalabs/loqa-dictate/internal/resample"
)

// Sink receives encoded chunks. It is called from the hardware callback and
// must not block.
type Sink func(chunk []byte)

// Converter is the body of the hardware callback: it converts native frames
// to mono int16, resamples to the target rate and emits full chunks.
type Converter struct {
	format       Format
	targetRate   int
	chunkSamples int
	resampler    resample.Resampler
	sink         Sink

	mu      sync.Mutex
	buf     []int16
	flushed bool
	emitted int
}

func NewConverter(format Format, targetRate, chunkSamples int, resampler resample.Resampler, sink Sink) *Converter {
	return &Converter{
		format:       format,
		targetRate:   targetRate,
		chunkSamples: chunkSamples,
		resampler:    resampler,
		sink:         sink,
		buf:          make([]int16, 0, chunkSamples*2),
	}
}

func (c *Converter) WriteInt16(frames []int16) {
	c.push(Downmix(frames, c.format.Channels))
}

func (c *Converter) WriteInt32(frames []int32) {
	samples := make([]int16, len(frames))
	for i, v := range frames {
		samples[i] = int16(v >> 16)
	}
	c.push(Downmix(samples, c.format.Channels))
}

func (c *Converter) WriteFloat32(frames []float32) {
	samples := make([]int16, len(frames))
	for i, v := range frames {
		samples[i] = FloatToInt16(v)
	}
	c.push(Downmix(samples, c.format.Channels))
}

// Flush emits the buffered remainder as one final, possibly short chunk. Only
// the first call has any effect; later writes are dropped.
func (c *Converter) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flushed {
		return
	}
	c.flushed = true
	if len(c.buf) > 0 {
		c.emit(c.buf)
		c.buf = c.buf[:0]
	}
}

// Emitted returns how many chunks have been handed to the sink.
func (c *Converter) Emitted() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.emitted
}

func (c *Converter) push(mono []int16) {
	if len(mono) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flushed {
		return
	}
	c.buf = append(c.buf, c.resampler.Resample(mono, c.format.SampleRate, c.targetRate)...)
	for len(c.buf) >= c.chunkSamples {
		c.emit(c.buf[:c.chunkSamples])
		n := copy(c.buf, c.buf[c.chunkSamples:])
		c.buf = c.buf[:n]
	}
}

func (c *Converter) emit(samples []int16) {
	c.emitted++
	c.sink(EncodePCM16(samples))
}

// FloatToInt16 clamps v to [-1, 1] and scales it to the int16 range.
func FloatToInt16(v float32) int16 {
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	return int16(v * 32767)
}

// Downmix averages each interleaved frame to one sample, truncating toward
// zero. A trailing partial frame is dropped.
func Downmix(frames []int16, channels int) []int16 {
	if channels <= 1 {
		return frames
	}
	n := len(frames) / channels
	mono := make([]int16, n)
	for i := 0; i < n; i++ {
		var sum int32
		for _, s := range frames[i*channels : (i+1)*channels] {
			sum += int32(s)
		}
		mono[i] = int16(sum / int32(channels))
	}
	return mono
}

// EncodePCM16 serialises samples as little-endian 16-bit PCM.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// DecodePCM16 is the inverse of EncodePCM16. A trailing odd byte is ignored.
func DecodePCM16(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}
