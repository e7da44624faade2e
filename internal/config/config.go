package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	// StdoutTraces pretty-prints spans when no OTLP endpoint is set.
	StdoutTraces bool   `yaml:"stdout_traces"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	Node        NodeConfig        `yaml:"node"`
	EventStore  EventStoreConfig  `yaml:"event_store"`
	Audio       AudioConfig       `yaml:"audio"`
	Resample    ResampleConfig    `yaml:"resample"`
	Session     SessionConfig     `yaml:"session"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Trigger     TriggerConfig     `yaml:"trigger"`
	Output      OutputConfig      `yaml:"output"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// AudioConfig controls microphone capture and chunking.
type AudioConfig struct {
	Device       string `yaml:"device"` // default, file
	FilePath     string `yaml:"file_path"`
	SampleFormat string `yaml:"sample_format"` // auto, int16, int32, float32
	MaxChannels  int    `yaml:"max_channels"`
	TargetRate   int    `yaml:"target_rate"`
	ChunkSamples int    `yaml:"chunk_samples"`
	QueueChunks  int    `yaml:"queue_chunks"`
	StopPollMS   int    `yaml:"stop_poll_ms"`
}

type ResampleConfig struct {
	Method string `yaml:"method"` // linear, sinc
}

// SessionConfig controls the streaming transcription session.
type SessionConfig struct {
	AuthHeader      string `yaml:"auth_header"`
	AuthScheme      string `yaml:"auth_scheme"`
	HandshakeMS     int    `yaml:"handshake_timeout_ms"`
	QueueSize       int    `yaml:"queue_size"`
	RelayPollMS     int    `yaml:"relay_poll_ms"`
	StopPollMS      int    `yaml:"stop_poll_ms"`
	ReadPollMS      int    `yaml:"read_poll_ms"`
	FinalizeGraceMS int    `yaml:"finalize_grace_ms"`
	ProbeTimeoutMS  int    `yaml:"probe_timeout_ms"`
}

// CredentialsConfig selects how connection credentials are obtained.
type CredentialsConfig struct {
	Mode      string `yaml:"mode"` // static, exec
	Command   string `yaml:"command"`
	Token     string `yaml:"token"`
	Endpoint  string `yaml:"endpoint"`
	ClientID  string `yaml:"client_id"`
	Origin    string `yaml:"origin"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type TriggerConfig struct {
	Mode    string `yaml:"mode"` // bus, stdin, none
	Subject string `yaml:"subject"`
}

type OutputConfig struct {
	Clipboard      bool   `yaml:"clipboard"`
	PublishPartial bool   `yaml:"publish_partial"`
	StatusSubject  string `yaml:"status_subject"`
	QueueSize      int    `yaml:"queue_size"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-dictate",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8085,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-dictate-1",
			Role:              "dictation",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-dictate.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Audio: AudioConfig{
			Device:       "default",
			SampleFormat: "auto",
			MaxChannels:  2,
			TargetRate:   16000,
			ChunkSamples: 4096,
			QueueChunks:  256,
			StopPollMS:   50,
		},
		Resample: ResampleConfig{
			Method: "linear",
		},
		Session: SessionConfig{
			AuthHeader:      "Authorization",
			AuthScheme:      "Bearer",
			HandshakeMS:     10000,
			QueueSize:       100,
			RelayPollMS:     100,
			StopPollMS:      50,
			ReadPollMS:      100,
			FinalizeGraceMS: 1000,
			ProbeTimeoutMS:  5000,
		},
		Credentials: CredentialsConfig{
			Mode:      "static",
			TimeoutMS: 30000,
		},
		Trigger: TriggerConfig{
			Mode:    "bus",
			Subject: "dictation.trigger",
		},
		Output: OutputConfig{
			Clipboard:      false,
			PublishPartial: true,
			StatusSubject:  "dictation.status",
			QueueSize:      64,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "LOQA_TELEMETRY_STDOUT_TRACES")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Audio.Device, "LOQA_AUDIO_DEVICE")
	overrideString(&cfg.Audio.FilePath, "LOQA_AUDIO_FILE_PATH")
	overrideString(&cfg.Audio.SampleFormat, "LOQA_AUDIO_SAMPLE_FORMAT")
	overrideInt(&cfg.Audio.MaxChannels, "LOQA_AUDIO_MAX_CHANNELS")
	overrideInt(&cfg.Audio.TargetRate, "LOQA_AUDIO_TARGET_RATE")
	overrideInt(&cfg.Audio.ChunkSamples, "LOQA_AUDIO_CHUNK_SAMPLES")
	overrideInt(&cfg.Audio.QueueChunks, "LOQA_AUDIO_QUEUE_CHUNKS")
	overrideInt(&cfg.Audio.StopPollMS, "LOQA_AUDIO_STOP_POLL_MS")
	overrideString(&cfg.Resample.Method, "LOQA_RESAMPLE_METHOD")
	overrideString(&cfg.Session.AuthHeader, "LOQA_SESSION_AUTH_HEADER")
	overrideString(&cfg.Session.AuthScheme, "LOQA_SESSION_AUTH_SCHEME")
	overrideInt(&cfg.Session.HandshakeMS, "LOQA_SESSION_HANDSHAKE_TIMEOUT_MS")
	overrideInt(&cfg.Session.QueueSize, "LOQA_SESSION_QUEUE_SIZE")
	overrideInt(&cfg.Session.RelayPollMS, "LOQA_SESSION_RELAY_POLL_MS")
	overrideInt(&cfg.Session.StopPollMS, "LOQA_SESSION_STOP_POLL_MS")
	overrideInt(&cfg.Session.ReadPollMS, "LOQA_SESSION_READ_POLL_MS")
	overrideInt(&cfg.Session.FinalizeGraceMS, "LOQA_SESSION_FINALIZE_GRACE_MS")
	overrideInt(&cfg.Session.ProbeTimeoutMS, "LOQA_SESSION_PROBE_TIMEOUT_MS")
	overrideString(&cfg.Credentials.Mode, "LOQA_CREDENTIALS_MODE")
	overrideString(&cfg.Credentials.Command, "LOQA_CREDENTIALS_COMMAND")
	overrideString(&cfg.Credentials.Token, "LOQA_CREDENTIALS_TOKEN")
	overrideString(&cfg.Credentials.Endpoint, "LOQA_CREDENTIALS_ENDPOINT")
	overrideString(&cfg.Credentials.ClientID, "LOQA_CREDENTIALS_CLIENT_ID")
	overrideString(&cfg.Credentials.Origin, "LOQA_CREDENTIALS_ORIGIN")
	overrideInt(&cfg.Credentials.TimeoutMS, "LOQA_CREDENTIALS_TIMEOUT_MS")
	overrideString(&cfg.Trigger.Mode, "LOQA_TRIGGER_MODE")
	overrideString(&cfg.Trigger.Subject, "LOQA_TRIGGER_SUBJECT")
	overrideBool(&cfg.Output.Clipboard, "LOQA_OUTPUT_CLIPBOARD")
	overrideBool(&cfg.Output.PublishPartial, "LOQA_OUTPUT_PUBLISH_PARTIAL")
	overrideString(&cfg.Output.StatusSubject, "LOQA_OUTPUT_STATUS_SUBJECT")
	overrideInt(&cfg.Output.QueueSize, "LOQA_OUTPUT_QUEUE_SIZE")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if err := validateAudio(cfg.Audio); err != nil {
		return err
	}
	switch cfg.Resample.Method {
	case "linear", "sinc":
	default:
		return errors.New("resample.method must be one of linear|sinc")
	}
	if err := validateSession(cfg.Session); err != nil {
		return err
	}
	switch cfg.Credentials.Mode {
	case "static":
	case "exec":
		if cfg.Credentials.Command == "" {
			return errors.New("credentials.command must be set when mode=exec")
		}
	default:
		return errors.New("credentials.mode must be one of static|exec")
	}
	switch cfg.Trigger.Mode {
	case "bus":
		if !cfg.Bus.Enabled {
			return errors.New("trigger.mode=bus requires bus.enabled")
		}
		if cfg.Trigger.Subject == "" {
			return errors.New("trigger.subject must be set when mode=bus")
		}
	case "stdin", "none":
	default:
		return errors.New("trigger.mode must be one of bus|stdin|none")
	}
	if cfg.Output.QueueSize <= 0 {
		return errors.New("output.queue_size must be positive")
	}
	return nil
}

func validateAudio(cfg AudioConfig) error {
	switch cfg.Device {
	case "default":
	case "file":
		if cfg.FilePath == "" {
			return errors.New("audio.file_path must be set when device=file")
		}
	default:
		return errors.New("audio.device must be one of default|file")
	}
	switch cfg.SampleFormat {
	case "auto", "int16", "int32", "float32":
	default:
		return errors.New("audio.sample_format must be one of auto|int16|int32|float32")
	}
	if cfg.MaxChannels <= 0 {
		return errors.New("audio.max_channels must be positive")
	}
	if cfg.TargetRate <= 0 {
		return errors.New("audio.target_rate must be positive")
	}
	if cfg.ChunkSamples <= 0 {
		return errors.New("audio.chunk_samples must be positive")
	}
	if cfg.QueueChunks <= 0 {
		return errors.New("audio.queue_chunks must be positive")
	}
	if cfg.StopPollMS <= 0 {
		return errors.New("audio.stop_poll_ms must be positive")
	}
	return nil
}

func validateSession(cfg SessionConfig) error {
	if cfg.QueueSize <= 0 {
		return errors.New("session.queue_size must be positive")
	}
	if cfg.RelayPollMS <= 0 || cfg.StopPollMS <= 0 || cfg.ReadPollMS <= 0 {
		return errors.New("session poll intervals must be positive")
	}
	if cfg.FinalizeGraceMS <= 0 {
		return errors.New("session.finalize_grace_ms must be positive")
	}
	if cfg.ProbeTimeoutMS <= 0 {
		return errors.New("session.probe_timeout_ms must be positive")
	}
	if cfg.HandshakeMS < 0 {
		return errors.New("session.handshake_timeout_ms must be >= 0")
	}
	return nil
}
