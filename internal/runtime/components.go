package runtime

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/credential"
	"github.com/loqalabs/loqa-dictate/internal/presence"
	"github.com/loqalabs/loqa-dictate/internal/resample"
	"github.com/loqalabs/loqa-dictate/internal/session"
)

// NewCredentialProvider builds the caching provider over the configured fetcher.
func NewCredentialProvider(cfg config.CredentialsConfig, logger *slog.Logger) (*credential.CachingProvider, error) {
	fetcher, err := credential.NewFetcher(cfg)
	if err != nil {
		return nil, fmt.Errorf("credential fetcher: %w", err)
	}
	return credential.NewCachingProvider(credential.NewStore(), fetcher, logger), nil
}

// NewDialer returns the WebSocket dialer configured for the transcription service.
func NewDialer(cfg config.SessionConfig) session.WebSocketDialer {
	return session.WebSocketDialer{
		AuthHeader:       cfg.AuthHeader,
		AuthScheme:       cfg.AuthScheme,
		HandshakeTimeout: time.Duration(cfg.HandshakeMS) * time.Millisecond,
	}
}

// NewCapturer builds a capturer over backend using the configured resampler.
func NewCapturer(cfg config.Config, backend audio.Backend, logger *slog.Logger) (*audio.Capturer, error) {
	method, err := resample.ParseMethod(cfg.Resample.Method)
	if err != nil {
		return nil, err
	}
	return audio.NewCapturer(backend, resample.New(method, logger), audio.Options{
		TargetRate:   cfg.Audio.TargetRate,
		ChunkSamples: cfg.Audio.ChunkSamples,
		StopPoll:     time.Duration(cfg.Audio.StopPollMS) * time.Millisecond,
	}, logger), nil
}

// FileBackend replays audio.file_path when audio.device is "file". Other
// devices need a hardware backend supplied by the caller.
func FileBackend(cfg config.AudioConfig) (audio.Backend, error) {
	if cfg.Device != "file" {
		return nil, fmt.Errorf("audio device %q requires a hardware backend", cfg.Device)
	}
	return &audio.WAVBackend{Path: cfg.FilePath, Realtime: true}, nil
}

func capabilities(cfg config.Config) []presence.Capability {
	return []presence.Capability{{
		Name: "dictation",
		Attributes: map[string]string{
			"device":      cfg.Audio.Device,
			"resample":    cfg.Resample.Method,
			"target_rate": strconv.Itoa(cfg.Audio.TargetRate),
			"trigger":     cfg.Trigger.Mode,
		},
	}}
}
