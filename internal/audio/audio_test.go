package audio

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/loqalabs/loqa-dictate/internal/control"
	"github.com/loqalabs/loqa-dictate/internal/resample"
)

type chunkRecorder struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (r *chunkRecorder) sink(chunk []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, chunk)
}

func (r *chunkRecorder) snapshot() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.chunks...)
}

func TestDownmixAveragesFrames(t *testing.T) {
	got := Downmix([]int16{100, 200, -3, 0, 7, 8}, 2)
	want := []int16{150, -1, 7}
	if len(got) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d: expected %d, got %d", i, want[i], got[i])
		}
	}
}

func TestDownmixLaw(t *testing.T) {
	for _, channels := range []int{1, 2, 3, 6} {
		frames := make([]int16, 0, channels*50)
		for f := 0; f < 50; f++ {
			for c := 0; c < channels; c++ {
				frames = append(frames, int16((f*131+c*977)%65536-32768))
			}
		}
		mono := Downmix(frames, channels)
		if len(mono) != 50 {
			t.Fatalf("channels=%d: expected 50 samples, got %d", channels, len(mono))
		}
		for f := 0; f < 50; f++ {
			var sum int32
			for c := 0; c < channels; c++ {
				sum += int32(frames[f*channels+c])
			}
			if mono[f] != int16(sum/int32(channels)) {
				t.Fatalf("channels=%d frame %d: expected %d, got %d", channels, f, sum/int32(channels), mono[f])
			}
		}
	}
}

func TestFloatToInt16Clamps(t *testing.T) {
	cases := map[float32]int16{
		0:    0,
		1:    32767,
		-1:   -32767,
		2.5:  32767,
		-7:   -32767,
		0.5:  16383,
		-0.5: -16383,
	}
	for in, want := range cases {
		if got := FloatToInt16(in); got != want {
			t.Fatalf("FloatToInt16(%v) = %d, want %d", in, got, want)
		}
	}
}

func TestPCM16RoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768}
	data := EncodePCM16(in)
	if len(data) != 10 || data[2] != 0x01 || data[3] != 0x00 {
		t.Fatalf("unexpected encoding % x", data)
	}
	out := DecodePCM16(data)
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("sample %d: expected %d, got %d", i, in[i], out[i])
		}
	}
}

func TestConverterEmitsOnlyFullChunksThenOneFlush(t *testing.T) {
	rec := &chunkRecorder{}
	conv := NewConverter(Format{SampleRate: 16000, Channels: 1, SampleType: Int16}, 16000, 4096, resample.LinearResampler{}, rec.sink)

	for i := 0; i < 10; i++ {
		conv.WriteInt16(make([]int16, 1000))
	}
	chunks := rec.snapshot()
	if len(chunks) != 2 {
		t.Fatalf("expected 2 full chunks from 10000 samples, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c) != 4096*2 {
			t.Fatalf("chunk %d: expected %d bytes, got %d", i, 4096*2, len(c))
		}
	}

	conv.Flush()
	conv.Flush()
	conv.WriteInt16(make([]int16, 5000))

	chunks = rec.snapshot()
	if len(chunks) != 3 {
		t.Fatalf("expected exactly one flush chunk, got %d chunks", len(chunks))
	}
	if len(chunks[2]) != (10000-8192)*2 {
		t.Fatalf("expected flush of %d samples, got %d bytes", 10000-8192, len(chunks[2]))
	}
	if conv.Emitted() != 3 {
		t.Fatalf("expected 3 emitted, got %d", conv.Emitted())
	}
}

func TestConverterFlushEmptyRemainder(t *testing.T) {
	rec := &chunkRecorder{}
	conv := NewConverter(Format{SampleRate: 16000, Channels: 1, SampleType: Int16}, 16000, 100, resample.LinearResampler{}, rec.sink)
	conv.WriteInt16(make([]int16, 200))
	conv.Flush()
	if n := len(rec.snapshot()); n != 2 {
		t.Fatalf("expected no flush chunk for empty remainder, got %d chunks", n)
	}
}

func TestConverterResamplesStereoFloat(t *testing.T) {
	rec := &chunkRecorder{}
	conv := NewConverter(Format{SampleRate: 48000, Channels: 2, SampleType: Float32}, 16000, 4096, resample.LinearResampler{}, rec.sink)

	frames := make([]float32, 4800*2)
	for i := range frames {
		frames[i] = 0.25
	}
	conv.WriteFloat32(frames)
	conv.Flush()

	chunks := rec.snapshot()
	if len(chunks) != 1 {
		t.Fatalf("expected one flush chunk, got %d", len(chunks))
	}
	samples := DecodePCM16(chunks[0])
	if len(samples) != 1600 {
		t.Fatalf("expected 1600 samples at 16kHz, got %d", len(samples))
	}
	if samples[0] != 8191 {
		t.Fatalf("expected scaled sample 8191, got %d", samples[0])
	}
}

func TestConverterInt32TakesHighBits(t *testing.T) {
	rec := &chunkRecorder{}
	conv := NewConverter(Format{SampleRate: 16000, Channels: 1, SampleType: Int32}, 16000, 4096, resample.LinearResampler{}, rec.sink)
	conv.WriteInt32([]int32{0x12345678, -65536})
	conv.Flush()
	samples := DecodePCM16(rec.snapshot()[0])
	if samples[0] != 0x1234 || samples[1] != -1 {
		t.Fatalf("unexpected int32 conversion %v", samples)
	}
}

type fakeBackend struct {
	device *fakeDevice
	err    error
}

func (b *fakeBackend) DefaultInput() (Device, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.device, nil
}

type fakeDevice struct {
	format   Format
	openErr  error
	startErr error
	stream   *fakeStream
}

func (d *fakeDevice) Name() string   { return "fake" }
func (d *fakeDevice) Format() Format { return d.format }

func (d *fakeDevice) Open(sink FrameSink) (Stream, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	d.stream = &fakeStream{sink: sink, startErr: d.startErr, errs: make(chan error, 1)}
	return d.stream, nil
}

type fakeStream struct {
	sink     FrameSink
	startErr error
	errs     chan error

	mu     sync.Mutex
	closed bool
}

func (s *fakeStream) Start() error      { return s.startErr }
func (s *fakeStream) Err() <-chan error { return s.errs }

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCapturerStopFlushesOnce(t *testing.T) {
	dev := &fakeDevice{format: Format{SampleRate: 16000, Channels: 1, SampleType: Int16}}
	capt := NewCapturer(&fakeBackend{device: dev}, resample.LinearResampler{}, Options{ChunkSamples: 100, StopPoll: 5 * time.Millisecond}, testLogger())

	rec := &chunkRecorder{}
	stop := control.NewSignal()
	handle, err := capt.Start(rec.sink, stop)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	dev.stream.sink.WriteInt16(make([]int16, 250))
	stop.Set()

	if err := handle.Wait(); err != nil {
		t.Fatalf("unexpected capture error: %v", err)
	}
	if !dev.stream.isClosed() {
		t.Fatal("expected stream closed")
	}
	chunks := rec.snapshot()
	if len(chunks) != 3 {
		t.Fatalf("expected 2 full chunks and one flush, got %d", len(chunks))
	}
	if len(chunks[2]) != 50*2 {
		t.Fatalf("expected 50-sample flush, got %d bytes", len(chunks[2]))
	}
}

func TestCapturerDeviceErrors(t *testing.T) {
	noDevice := errors.New("no device")
	cases := map[string]Backend{
		"missing": &fakeBackend{err: noDevice},
		"format":  &fakeBackend{device: &fakeDevice{format: Format{SampleRate: 0, Channels: 1}}},
		"open":    &fakeBackend{device: &fakeDevice{format: Format{SampleRate: 16000, Channels: 1}, openErr: errors.New("busy")}},
		"start":   &fakeBackend{device: &fakeDevice{format: Format{SampleRate: 16000, Channels: 1}, startErr: errors.New("denied")}},
	}
	for name, backend := range cases {
		t.Run(name, func(t *testing.T) {
			capt := NewCapturer(backend, resample.LinearResampler{}, Options{}, testLogger())
			_, err := capt.Start(func([]byte) {}, control.NewSignal())
			var devErr *DeviceError
			if !errors.As(err, &devErr) {
				t.Fatalf("expected DeviceError, got %v", err)
			}
		})
	}
}

func TestCapturerIgnoresClosedErrorChannel(t *testing.T) {
	dev := &fakeDevice{format: Format{SampleRate: 16000, Channels: 1, SampleType: Int16}}
	capt := NewCapturer(&fakeBackend{device: dev}, resample.LinearResampler{}, Options{StopPoll: 5 * time.Millisecond}, testLogger())
	stop := control.NewSignal()
	handle, err := capt.Start(func([]byte) {}, stop)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	close(dev.stream.errs)

	select {
	case <-handle.Done():
		t.Fatal("closed error channel should not end capture")
	case <-time.After(30 * time.Millisecond):
	}

	stop.Set()
	if err := handle.Wait(); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
	select {
	case err := <-handle.Failed():
		t.Fatalf("unexpected failure %v", err)
	default:
	}
	if !dev.stream.isClosed() {
		t.Fatal("expected stream closed")
	}
}

func TestCapturerStreamFailure(t *testing.T) {
	dev := &fakeDevice{format: Format{SampleRate: 16000, Channels: 1, SampleType: Int16}}
	capt := NewCapturer(&fakeBackend{device: dev}, resample.LinearResampler{}, Options{StopPoll: 5 * time.Millisecond}, testLogger())
	handle, err := capt.Start(func([]byte) {}, control.NewSignal())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	boom := errors.New("device unplugged")
	dev.stream.errs <- boom

	select {
	case got := <-handle.Failed():
		if !errors.Is(got, boom) {
			t.Fatalf("expected %v, got %v", boom, got)
		}
	case <-time.After(time.Second):
		t.Fatal("expected failure notification")
	}
	if err := handle.Wait(); !errors.Is(err, boom) {
		t.Fatalf("expected Wait to return failure, got %v", err)
	}
}

func writeTestWAV(t *testing.T, rate, channels int, samples []int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	enc := wav.NewEncoder(f, rate, 16, channels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: rate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}
	return path
}

func TestWAVBackendReplaysFile(t *testing.T) {
	samples := make([]int, 48000)
	for i := range samples {
		samples[i] = 1000
	}
	path := writeTestWAV(t, 48000, 2, samples)

	eof := control.NewSignal()
	backend := &WAVBackend{Path: path, OnEOF: eof.Set}
	capt := NewCapturer(backend, resample.LinearResampler{}, Options{ChunkSamples: 4096, StopPoll: 5 * time.Millisecond}, testLogger())

	rec := &chunkRecorder{}
	handle, err := capt.Start(rec.sink, eof)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := handle.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}

	total := 0
	for _, c := range rec.snapshot() {
		for _, s := range DecodePCM16(c) {
			if s != 1000 {
				t.Fatalf("expected constant signal, got %d", s)
			}
		}
		total += len(c) / 2
	}
	if total < 7900 || total > 8000 {
		t.Fatalf("expected about 8000 samples at 16kHz, got %d", total)
	}
}

func TestWAVBackendRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.wav")
	if err := os.WriteFile(path, []byte("not a wav"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	capt := NewCapturer(&WAVBackend{Path: path}, resample.LinearResampler{}, Options{}, testLogger())
	_, err := capt.Start(func([]byte) {}, control.NewSignal())
	var devErr *DeviceError
	if !errors.As(err, &devErr) {
		t.Fatalf("expected DeviceError, got %v", err)
	}
}

func TestParseSampleType(t *testing.T) {
	if st, explicit, err := ParseSampleType("auto"); err != nil || explicit || st != Float32 {
		t.Fatalf("unexpected auto result %v %v %v", st, explicit, err)
	}
	if st, explicit, err := ParseSampleType("int16"); err != nil || !explicit || st != Int16 {
		t.Fatalf("unexpected int16 result %v %v %v", st, explicit, err)
	}
	if _, _, err := ParseSampleType("mp3"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}
