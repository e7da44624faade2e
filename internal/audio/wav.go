package audio

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-audio/wav"
)

// WAVBackend serves a WAV file as the default input device. It is used for
// offline transcription and for exercising the pipeline without hardware.
type WAVBackend struct {
	Path string
	// Realtime paces delivery at the file's sample rate.
	Realtime bool
	// Period is the duration of each delivered buffer. Defaults to 20ms.
	Period time.Duration
	// OnEOF, when set, runs once after the last buffer is delivered.
	OnEOF func()
}

func (b *WAVBackend) DefaultInput() (Device, error) {
	f, err := os.Open(b.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%s: not a valid wav file", b.Path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", b.Path, err)
	}
	if buf.Format == nil {
		return nil, errors.New("wav buffer has no format")
	}

	d := &wavDevice{
		name:     b.Path,
		realtime: b.Realtime,
		period:   b.Period,
		onEOF:    b.OnEOF,
		format: Format{
			SampleRate: buf.Format.SampleRate,
			Channels:   buf.Format.NumChannels,
		},
	}
	if d.period <= 0 {
		d.period = 20 * time.Millisecond
	}

	switch depth := buf.SourceBitDepth; {
	case depth == 8:
		d.format.SampleType = Int16
		d.int16s = make([]int16, len(buf.Data))
		for i, v := range buf.Data {
			d.int16s[i] = int16((v - 128) << 8)
		}
	case depth == 16:
		d.format.SampleType = Int16
		d.int16s = make([]int16, len(buf.Data))
		for i, v := range buf.Data {
			d.int16s[i] = int16(v)
		}
	case depth == 24 || depth == 32:
		d.format.SampleType = Int32
		d.int32s = make([]int32, len(buf.Data))
		for i, v := range buf.Data {
			d.int32s[i] = int32(v << (32 - depth))
		}
	default:
		return nil, fmt.Errorf("unsupported wav bit depth %d", depth)
	}
	return d, nil
}

type wavDevice struct {
	name     string
	format   Format
	realtime bool
	period   time.Duration
	onEOF    func()
	int16s   []int16
	int32s   []int32
}

func (d *wavDevice) Name() string   { return d.name }
func (d *wavDevice) Format() Format { return d.format }

func (d *wavDevice) Open(sink FrameSink) (Stream, error) {
	if sink == nil {
		return nil, errors.New("frame sink is required")
	}
	return &wavStream{device: d, sink: sink, quit: make(chan struct{}), done: make(chan struct{})}, nil
}

type wavStream struct {
	device *wavDevice
	sink   FrameSink

	startOnce sync.Once
	closeOnce sync.Once
	started   bool
	quit      chan struct{}
	done      chan struct{}
}

func (s *wavStream) Start() error {
	s.startOnce.Do(func() {
		s.started = true
		go s.play()
	})
	return nil
}

// Close stops playback and waits for the delivery goroutine, so no frame is
// written after it returns.
func (s *wavStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
		if s.started {
			<-s.done
		}
	})
	return nil
}

// Err is nil: the file is fully decoded before playback starts.
func (s *wavStream) Err() <-chan error { return nil }

func (s *wavStream) play() {
	defer close(s.done)

	d := s.device
	frames := int(int64(d.format.SampleRate) * int64(d.period) / int64(time.Second))
	if frames < 1 {
		frames = 1
	}
	step := frames * d.format.Channels
	total := len(d.int16s) + len(d.int32s)

	var ticker *time.Ticker
	if d.realtime {
		ticker = time.NewTicker(d.period)
		defer ticker.Stop()
	}

	for offset := 0; offset < total; offset += step {
		if ticker != nil {
			select {
			case <-s.quit:
				return
			case <-ticker.C:
			}
		} else {
			select {
			case <-s.quit:
				return
			default:
			}
		}
		end := min(offset+step, total)
		if d.format.SampleType == Int32 {
			s.sink.WriteInt32(d.int32s[offset:end])
		} else {
			s.sink.WriteInt16(d.int16s[offset:end])
		}
	}
	if d.onEOF != nil {
		d.onEOF()
	}
}
