package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Audio.ChunkSamples != 4096 {
		t.Fatalf("expected 4096 sample chunks, got %d", cfg.Audio.ChunkSamples)
	}
	if cfg.Audio.TargetRate != 16000 {
		t.Fatalf("expected 16kHz target, got %d", cfg.Audio.TargetRate)
	}
	if cfg.Session.FinalizeGraceMS != 1000 {
		t.Fatalf("expected 1s finalize grace, got %d", cfg.Session.FinalizeGraceMS)
	}
	if cfg.Resample.Method != "linear" {
		t.Fatalf("expected linear resampling by default, got %s", cfg.Resample.Method)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_NODE_ID", "test-node")
	t.Setenv("LOQA_NODE_HEARTBEAT_INTERVAL_MS", "1500")
	t.Setenv("LOQA_NODE_HEARTBEAT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_RESAMPLE_METHOD", "sinc")
	t.Setenv("LOQA_AUDIO_CHUNK_SAMPLES", "2048")
	t.Setenv("LOQA_SESSION_FINALIZE_GRACE_MS", "1500")
	t.Setenv("LOQA_CREDENTIALS_TOKEN", "tok")
	t.Setenv("LOQA_CREDENTIALS_ENDPOINT", "wss://asr.example.com/ws")
	t.Setenv("LOQA_OUTPUT_CLIPBOARD", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Node.ID != "test-node" {
		t.Fatalf("expected node id override")
	}
	if cfg.Node.HeartbeatInterval != 1500 || cfg.Node.HeartbeatTimeout != 5000 {
		t.Fatalf("expected heartbeat overrides")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.Resample.Method != "sinc" {
		t.Fatalf("expected resample method override")
	}
	if cfg.Audio.ChunkSamples != 2048 {
		t.Fatalf("expected chunk size override, got %d", cfg.Audio.ChunkSamples)
	}
	if cfg.Session.FinalizeGraceMS != 1500 {
		t.Fatalf("expected finalize grace override, got %d", cfg.Session.FinalizeGraceMS)
	}
	if cfg.Credentials.Token != "tok" || cfg.Credentials.Endpoint != "wss://asr.example.com/ws" {
		t.Fatalf("expected static credential overrides")
	}
	if !cfg.Output.Clipboard {
		t.Fatalf("expected clipboard override")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dictate.yaml")
	data := []byte(`
runtime_name: desk
audio:
  device: file
  file_path: ./sample.wav
session:
  finalize_grace_ms: 250
trigger:
  mode: stdin
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "desk" || cfg.Audio.Device != "file" || cfg.Audio.FilePath != "./sample.wav" {
		t.Fatalf("file values not applied: %+v", cfg.Audio)
	}
	if cfg.Session.FinalizeGraceMS != 250 {
		t.Fatalf("expected grace 250, got %d", cfg.Session.FinalizeGraceMS)
	}
	if cfg.Session.QueueSize != 100 {
		t.Fatalf("expected defaults kept for unset keys, got %d", cfg.Session.QueueSize)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"LOQA_RESAMPLE_METHOD":           "cubic",
		"LOQA_AUDIO_CHUNK_SAMPLES":       "0",
		"LOQA_SESSION_FINALIZE_GRACE_MS": "-1",
		"LOQA_CREDENTIALS_MODE":          "harvest",
		"LOQA_AUDIO_DEVICE":              "file",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := Load(""); err == nil {
				t.Fatalf("expected validation error for %s=%s", key, value)
			}
		})
	}
}

func TestMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
