// Package portaudio captures from the host's default input device through
// PortAudio.
package portaudio

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/gordonklaus/portaudio"

	"github.com/loqalabs/loqa-dictate/internal/audio"
)

// Initialize brings up PortAudio. Call the returned function on shutdown.
func Initialize() (func() error, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	return portaudio.Terminate, nil
}

// Backend opens the default input device at its native rate.
type Backend struct {
	// SampleFormat is "auto", "int16", "int32" or "float32".
	SampleFormat string
	// MaxChannels caps the negotiated channel count.
	MaxChannels int
	Logger      *slog.Logger
}

func (b *Backend) DefaultInput() (audio.Device, error) {
	info, err := portaudio.DefaultInputDevice()
	if err != nil {
		return nil, fmt.Errorf("no default input device: %w", err)
	}
	if info == nil || info.MaxInputChannels < 1 {
		return nil, errors.New("default input device has no input channels")
	}
	sampleType, _, err := audio.ParseSampleType(b.SampleFormat)
	if err != nil {
		return nil, err
	}
	channels := info.MaxInputChannels
	if b.MaxChannels > 0 && channels > b.MaxChannels {
		channels = b.MaxChannels
	}
	if b.Logger != nil {
		b.Logger.Debug("default input device",
			slog.String("device", info.Name),
			slog.String("host_api", hostAPIName(info)),
			slog.Float64("default_sample_rate", info.DefaultSampleRate),
			slog.Int("max_input_channels", info.MaxInputChannels),
		)
	}
	return &device{
		info: info,
		format: audio.Format{
			SampleRate: int(info.DefaultSampleRate),
			Channels:   channels,
			SampleType: sampleType,
		},
	}, nil
}

type device struct {
	info   *portaudio.DeviceInfo
	format audio.Format
}

func (d *device) Name() string         { return d.info.Name }
func (d *device) Format() audio.Format { return d.format }

func (d *device) Open(sink audio.FrameSink) (audio.Stream, error) {
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   d.info,
			Channels: d.format.Channels,
			Latency:  d.info.DefaultLowInputLatency,
		},
		SampleRate:      d.info.DefaultSampleRate,
		FramesPerBuffer: portaudio.FramesPerBufferUnspecified,
	}

	var callback any
	switch d.format.SampleType {
	case audio.Int16:
		callback = func(in []int16) { sink.WriteInt16(in) }
	case audio.Int32:
		callback = func(in []int32) { sink.WriteInt32(in) }
	default:
		callback = func(in []float32) { sink.WriteFloat32(in) }
	}

	s, err := portaudio.OpenStream(params, callback)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	return &stream{s: s}, nil
}

type stream struct {
	s *portaudio.Stream
}

func (s *stream) Start() error { return s.s.Start() }

func (s *stream) Close() error {
	stopErr := s.s.Stop()
	closeErr := s.s.Close()
	return errors.Join(stopErr, closeErr)
}

// Err is nil: PortAudio reports failures through Start and Stop.
func (s *stream) Err() <-chan error { return nil }

func hostAPIName(info *portaudio.DeviceInfo) string {
	if info.HostApi == nil {
		return ""
	}
	return info.HostApi.Name
}
