package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/control"
	"github.com/loqalabs/loqa-dictate/internal/output"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/loqalabs/loqa-dictate/internal/queue"
	"github.com/loqalabs/loqa-dictate/internal/runtime"
	"github.com/loqalabs/loqa-dictate/internal/session"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath string
		filePath   string
		realtime   bool
		partials   bool
		verbose    bool
	)
	transcribeCmd := flag.NewFlagSet("transcribe", flag.ExitOnError)
	transcribeCmd.StringVar(&configPath, "config", "", "Path to configuration file")
	transcribeCmd.StringVar(&filePath, "file", "", "WAV file to transcribe")
	transcribeCmd.BoolVar(&realtime, "realtime", true, "Pace audio at the file's sample rate")
	transcribeCmd.BoolVar(&partials, "partials", true, "Print partial transcripts while streaming")
	transcribeCmd.BoolVar(&verbose, "v", false, "Log to stderr")

	checkCmd := flag.NewFlagSet("check", flag.ExitOnError)
	checkCmd.StringVar(&configPath, "config", "", "Path to configuration file")
	checkCmd.BoolVar(&verbose, "v", false, "Log to stderr")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'transcribe', 'check' or 'version'")
		os.Exit(2)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "transcribe":
		_ = transcribeCmd.Parse(os.Args[2:])
		if filePath == "" {
			fmt.Fprintln(os.Stderr, "transcribe requires -file")
			os.Exit(2)
		}
		err = runTranscribe(ctx, configPath, filePath, realtime, partials, newLogger(verbose))
	case "check":
		_ = checkCmd.Parse(os.Args[2:])
		err = runCheck(ctx, configPath, newLogger(verbose))
		if err == nil {
			fmt.Println("transcription service reachable")
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func runTranscribe(ctx context.Context, configPath, filePath string, realtime, partials bool, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	return transcribeFile(ctx, cfg, filePath, realtime, output.NewWriter(os.Stdout, partials), logger)
}

// transcribeFile streams one WAV file through a single session. Capture is
// torn down as soon as the session ends, whatever the reason.
func transcribeFile(ctx context.Context, cfg config.Config, filePath string, realtime bool, writer *output.Writer, logger *slog.Logger) error {
	provider, err := runtime.NewCredentialProvider(cfg.Credentials, logger)
	if err != nil {
		return err
	}

	stop := control.NewSignal()
	backend := &audio.WAVBackend{Path: filePath, Realtime: realtime, OnEOF: stop.Set}
	capturer, err := runtime.NewCapturer(cfg, backend, logger)
	if err != nil {
		return err
	}

	captureCtx, cancelCapture := context.WithCancel(ctx)
	defer cancelCapture()

	chunks := queue.New[[]byte](cfg.Audio.QueueChunks)
	sink := func(chunk []byte) {
		if !chunks.TryPush(chunk) {
			logger.Warn("audio chunk dropped, session queue full")
		}
	}
	if !realtime {
		// Fast replay has no device clock to keep up with, so wait for room.
		sink = func(chunk []byte) {
			if err := chunks.Push(captureCtx, chunk); err != nil && captureCtx.Err() == nil {
				logger.Warn("audio chunk dropped", slog.String("error", err.Error()))
			}
		}
	}
	handle, err := capturer.Start(sink, stop)
	if err != nil {
		return err
	}
	go func() {
		<-handle.Done()
		select {
		case err := <-handle.Failed():
			// Nobody releases a file replay, so a dead stream ends the session.
			logger.Error("capture failed", slog.String("error", err.Error()))
			stop.Set()
		default:
		}
		chunks.Close()
	}()

	id, err := uuid.NewV7()
	if err != nil {
		return err
	}
	deliver := func(text string, partial bool) {
		t := protocol.Transcript{SessionID: id.String(), Text: text, Partial: partial, Timestamp: time.Now().UTC()}
		if err := writer.Deliver(ctx, t); err != nil {
			logger.Warn("write transcript failed", slog.String("error", err.Error()))
		}
	}

	sess := session.New(id.String(), provider, runtime.NewDialer(cfg.Session), session.TimingFromConfig(cfg.Session), logger)
	err = sess.Run(ctx, chunks.C(), stop,
		func(text string) { deliver(text, true) },
		func(text string) { deliver(text, false) },
	)
	stop.Set()
	cancelCapture()
	<-handle.Done()
	return err
}

func runCheck(ctx context.Context, configPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	provider, err := runtime.NewCredentialProvider(cfg.Credentials, logger)
	if err != nil {
		return err
	}
	timeout := time.Duration(cfg.Session.ProbeTimeoutMS) * time.Millisecond
	return session.Probe(ctx, provider, runtime.NewDialer(cfg.Session), timeout, logger)
}
