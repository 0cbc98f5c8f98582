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
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	ConsultStore ConsultStoreConfig `yaml:"consult_store"`
	EventStore   EventStoreConfig   `yaml:"event_store"`
	Voice        VoiceConfig        `yaml:"voice"`
	Relay        RelayConfig        `yaml:"relay"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type ConsultStoreConfig struct {
	Path string `yaml:"path"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type VoiceConfig struct {
	Mode             string `yaml:"mode"` // mock, exec, realtime
	Command          string `yaml:"command"`
	Endpoint         string `yaml:"endpoint"`
	APIVersion       string `yaml:"api_version"`
	Model            string `yaml:"model"`
	Voice            string `yaml:"voice"`
	APIKey           string `yaml:"api_key"`
	Language         string `yaml:"language"`
	SampleRate       int    `yaml:"sample_rate"`
	ConnectTimeoutMS int    `yaml:"connect_timeout_ms"`
	MockWAV          string `yaml:"mock_wav"`
	MockToneHz       int    `yaml:"mock_tone_hz"`
}

type RelayConfig struct {
	ChunkBytes          int    `yaml:"chunk_bytes"`
	FlushIntervalMS     int    `yaml:"flush_interval_ms"`
	KeepAliveIntervalMS int    `yaml:"keepalive_interval_ms"`
	WaitPollMS          int    `yaml:"wait_poll_ms"`
	IdleTimeoutMS       int    `yaml:"idle_timeout_ms"`
	SweepIntervalMS     int    `yaml:"sweep_interval_ms"`
	DebugStreamID       string `yaml:"debug_stream_id"`
	SystemCheckID       string `yaml:"system_check_id"`
}

func Default() Config {
	return Config{
		RuntimeName: "consult-voice",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 7071,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		ConsultStore: ConsultStoreConfig{
			Path: "./data/consults.db",
		},
		EventStore: EventStoreConfig{
			Path:          "./data/voice-sessions.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Voice: VoiceConfig{
			Mode:             "mock",
			APIVersion:       "2025-05-01-preview",
			Model:            "gpt-4o-realtime-preview",
			Voice:            "de-DE-SeraphinaMultilingualNeural",
			Language:         "de-DE",
			SampleRate:       24000,
			ConnectTimeoutMS: 10000,
			MockToneHz:       440,
		},
		Relay: RelayConfig{
			FlushIntervalMS:     150,
			KeepAliveIntervalMS: 10000,
			WaitPollMS:          100,
			IdleTimeoutMS:       15 * 60 * 1000,
			SweepIntervalMS:     60 * 1000,
			DebugStreamID:       "debug-stream",
			SystemCheckID:       "0-0",
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
	overrideString(&cfg.RuntimeName, "RELAY_RUNTIME_NAME")
	overrideString(&cfg.Environment, "RELAY_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "RELAY_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "RELAY_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "RELAY_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "RELAY_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "RELAY_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "RELAY_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "RELAY_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "RELAY_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "RELAY_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "RELAY_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "RELAY_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "RELAY_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "RELAY_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "RELAY_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "RELAY_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.ConsultStore.Path, "RELAY_CONSULT_STORE_PATH")
	overrideString(&cfg.EventStore.Path, "RELAY_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "RELAY_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "RELAY_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "RELAY_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "RELAY_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Voice.Mode, "RELAY_VOICE_MODE")
	overrideString(&cfg.Voice.Command, "RELAY_VOICE_COMMAND")
	overrideString(&cfg.Voice.Endpoint, "RELAY_VOICE_ENDPOINT")
	overrideString(&cfg.Voice.APIVersion, "RELAY_VOICE_API_VERSION")
	overrideString(&cfg.Voice.Model, "RELAY_VOICE_MODEL")
	overrideString(&cfg.Voice.Voice, "RELAY_VOICE_VOICE")
	overrideString(&cfg.Voice.APIKey, "RELAY_VOICE_API_KEY")
	overrideString(&cfg.Voice.Language, "RELAY_VOICE_LANGUAGE")
	overrideInt(&cfg.Voice.SampleRate, "RELAY_VOICE_SAMPLE_RATE")
	overrideInt(&cfg.Voice.ConnectTimeoutMS, "RELAY_VOICE_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Voice.MockWAV, "RELAY_VOICE_MOCK_WAV")
	overrideInt(&cfg.Voice.MockToneHz, "RELAY_VOICE_MOCK_TONE_HZ")
	overrideInt(&cfg.Relay.ChunkBytes, "RELAY_CHUNK_BYTES")
	overrideInt(&cfg.Relay.FlushIntervalMS, "RELAY_FLUSH_INTERVAL_MS")
	overrideInt(&cfg.Relay.KeepAliveIntervalMS, "RELAY_KEEPALIVE_INTERVAL_MS")
	overrideInt(&cfg.Relay.WaitPollMS, "RELAY_WAIT_POLL_MS")
	overrideInt(&cfg.Relay.IdleTimeoutMS, "RELAY_IDLE_TIMEOUT_MS")
	overrideInt(&cfg.Relay.SweepIntervalMS, "RELAY_SWEEP_INTERVAL_MS")
	overrideString(&cfg.Relay.DebugStreamID, "RELAY_DEBUG_STREAM_ID")
	overrideString(&cfg.Relay.SystemCheckID, "RELAY_SYSTEM_CHECK_ID")
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
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
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
	if cfg.ConsultStore.Path == "" {
		return errors.New("consult_store.path must not be empty")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Voice.Mode {
	case "mock", "exec", "realtime":
	default:
		return errors.New("voice.mode must be one of mock|exec|realtime")
	}
	if cfg.Voice.Mode == "exec" && cfg.Voice.Command == "" {
		return errors.New("voice.command must be set when mode=exec")
	}
	if cfg.Voice.Mode == "realtime" {
		if cfg.Voice.Endpoint == "" {
			return errors.New("voice.endpoint must be set when mode=realtime")
		}
		if cfg.Voice.APIKey == "" {
			return errors.New("voice.api_key must be set when mode=realtime")
		}
	}
	if cfg.Voice.SampleRate <= 0 {
		return errors.New("voice.sample_rate must be positive")
	}
	if cfg.Relay.ChunkBytes < 0 {
		return errors.New("relay.chunk_bytes must not be negative")
	}
	if cfg.Relay.ChunkBytes%2 != 0 {
		return errors.New("relay.chunk_bytes must be a whole number of pcm16 samples")
	}
	if cfg.Relay.FlushIntervalMS <= 0 {
		return errors.New("relay.flush_interval_ms must be positive")
	}
	if cfg.Relay.KeepAliveIntervalMS <= 0 {
		return errors.New("relay.keepalive_interval_ms must be positive")
	}
	if cfg.Relay.WaitPollMS <= 0 {
		return errors.New("relay.wait_poll_ms must be positive")
	}
	if cfg.Relay.IdleTimeoutMS < 0 {
		return errors.New("relay.idle_timeout_ms must be >= 0")
	}
	if cfg.Relay.IdleTimeoutMS > 0 && cfg.Relay.SweepIntervalMS <= 0 {
		return errors.New("relay.sweep_interval_ms must be positive when idle eviction is enabled")
	}
	if cfg.Relay.DebugStreamID == cfg.Relay.SystemCheckID && cfg.Relay.DebugStreamID != "" {
		return errors.New("relay.debug_stream_id and relay.system_check_id must differ")
	}
	return nil
}
