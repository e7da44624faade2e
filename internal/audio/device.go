// Package audio captures microphone input and turns it into fixed-size
// chunks of 16-bit little-endian mono PCM at the transcription rate.
package audio

import (
	"fmt"
)

// SampleType is the native sample encoding a device delivers.
type SampleType int

const (
	Int16 SampleType = iota
	Int32
	Float32
)

func (t SampleType) String() string {
	switch t {
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Float32:
		return "float32"
	default:
		return fmt.Sprintf("SampleType(%d)", int(t))
	}
}

// ParseSampleType maps a config value onto a SampleType. "auto" yields ok=false
// so the backend can pick its preferred type.
func ParseSampleType(value string) (SampleType, bool, error) {
	switch value {
	case "", "auto":
		return Float32, false, nil
	case "int16":
		return Int16, true, nil
	case "int32":
		return Int32, true, nil
	case "float32":
		return Float32, true, nil
	default:
		return 0, false, fmt.Errorf("unknown sample format %q", value)
	}
}

// Format is what a device negotiated: native rate, channel count and
// sample type. Frames are interleaved.
type Format struct {
	SampleRate int
	Channels   int
	SampleType SampleType
}

func (f Format) validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("unsupported sample rate %d", f.SampleRate)
	}
	if f.Channels < 1 {
		return fmt.Errorf("unsupported channel count %d", f.Channels)
	}
	switch f.SampleType {
	case Int16, Int32, Float32:
		return nil
	default:
		return fmt.Errorf("unsupported sample type %s", f.SampleType)
	}
}

// FrameSink receives interleaved frames from the hardware callback. Only the
// method matching the negotiated SampleType is called.
type FrameSink interface {
	WriteInt16(frames []int16)
	WriteInt32(frames []int32)
	WriteFloat32(frames []float32)
}

// Backend resolves the default input device of an audio host.
type Backend interface {
	DefaultInput() (Device, error)
}

// Device is an input device with a negotiated format.
type Device interface {
	Name() string
	Format() Format
	Open(sink FrameSink) (Stream, error)
}

// Stream is an open input stream. Err reports runtime failures; it may be
// nil for backends that never fail after Start.
type Stream interface {
	Start() error
	Close() error
	Err() <-chan error
}

// DeviceError reports that no usable input device could be opened.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("audio device: %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }
