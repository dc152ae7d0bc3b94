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
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
	// TraceExporter is one of otlp|stdout|none. Empty picks otlp when an
	// endpoint is set and none otherwise.
	TraceExporter    string  `yaml:"trace_exporter"`
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Source      SourceConfig     `yaml:"source"`
	Matching    MatchingConfig   `yaml:"matching"`
	Commands    CommandsConfig   `yaml:"commands"`
	Router      RouterConfig     `yaml:"router"`
	Presence    PresenceConfig   `yaml:"presence"`
}

type BusConfig struct {
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

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// SourceConfig selects and tunes the transcription source.
type SourceConfig struct {
	Mode           string   `yaml:"mode"` // bus, exec, mock
	Command        string   `yaml:"command"`
	Language       string   `yaml:"language"`
	SessionFilter  string   `yaml:"session_filter"`
	SegmentLimitMS int      `yaml:"segment_limit_ms"`
	AutoStart      bool     `yaml:"auto_start"`
	MockPhrases    []string `yaml:"mock_phrases"`
	MockIntervalMS int      `yaml:"mock_interval_ms"`
}

type MatchingConfig struct {
	AcceptsFirstRecognition     bool    `yaml:"accepts_first_recognition"`
	MinimumAcceptableConfidence float64 `yaml:"minimum_acceptable_confidence"`
	OnDeviceOnly                bool    `yaml:"on_device_only"`
}

type CommandsConfig struct {
	Path            string   `yaml:"path"`
	Inline          []string `yaml:"inline"`
	Watch           bool     `yaml:"watch"`
	WatchDebounceMS int      `yaml:"watch_debounce_ms"`
}

type RouterConfig struct {
	Enabled bool   `yaml:"enabled"`
	Subject string `yaml:"subject"`
	Privacy string `yaml:"privacy_scope"`
}

// PresenceConfig tunes the runtime heartbeat shared with other voice runtimes.
type PresenceConfig struct {
	Enabled             bool `yaml:"enabled"`
	HeartbeatIntervalMS int  `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int  `yaml:"heartbeat_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-voice",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8081,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			OTLPEndpoint:     "",
			OTLPInsecure:     true,
			PrometheusBind:   ":9092",
			TraceSampleRatio: 1,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-voice.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Source: SourceConfig{
			Mode:           "mock",
			Language:       "en-US",
			SegmentLimitMS: 60000,
			AutoStart:      true,
			MockIntervalMS: 250,
		},
		Matching: MatchingConfig{
			AcceptsFirstRecognition:     true,
			MinimumAcceptableConfidence: 0.8,
			OnDeviceOnly:                true,
		},
		Commands: CommandsConfig{
			Path:            "./commands.yaml",
			WatchDebounceMS: 500,
		},
		Router: RouterConfig{
			Enabled: true,
			Subject: "voice.command.detected",
			Privacy: "session",
		},
		Presence: PresenceConfig{
			Enabled:             true,
			HeartbeatIntervalMS: 2000,
			HeartbeatTimeoutMS:  6000,
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
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Telemetry.TraceExporter, "LOQA_TELEMETRY_TRACE_EXPORTER")
	overrideFloat(&cfg.Telemetry.TraceSampleRatio, "LOQA_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Source.Mode, "LOQA_SOURCE_MODE")
	overrideString(&cfg.Source.Command, "LOQA_SOURCE_COMMAND")
	overrideString(&cfg.Source.Language, "LOQA_SOURCE_LANGUAGE")
	overrideString(&cfg.Source.SessionFilter, "LOQA_SOURCE_SESSION_FILTER")
	overrideInt(&cfg.Source.SegmentLimitMS, "LOQA_SOURCE_SEGMENT_LIMIT_MS")
	overrideBool(&cfg.Source.AutoStart, "LOQA_SOURCE_AUTO_START")
	overrideStringSlice(&cfg.Source.MockPhrases, "LOQA_SOURCE_MOCK_PHRASES")
	overrideInt(&cfg.Source.MockIntervalMS, "LOQA_SOURCE_MOCK_INTERVAL_MS")
	overrideBool(&cfg.Matching.AcceptsFirstRecognition, "LOQA_MATCHING_ACCEPTS_FIRST_RECOGNITION")
	overrideFloat(&cfg.Matching.MinimumAcceptableConfidence, "LOQA_MATCHING_MINIMUM_CONFIDENCE")
	overrideBool(&cfg.Matching.OnDeviceOnly, "LOQA_MATCHING_ON_DEVICE_ONLY")
	overrideString(&cfg.Commands.Path, "LOQA_COMMANDS_PATH")
	overrideStringSlice(&cfg.Commands.Inline, "LOQA_COMMANDS_INLINE")
	overrideBool(&cfg.Commands.Watch, "LOQA_COMMANDS_WATCH")
	overrideInt(&cfg.Commands.WatchDebounceMS, "LOQA_COMMANDS_WATCH_DEBOUNCE_MS")
	overrideBool(&cfg.Router.Enabled, "LOQA_ROUTER_ENABLED")
	overrideString(&cfg.Router.Subject, "LOQA_ROUTER_SUBJECT")
	overrideString(&cfg.Router.Privacy, "LOQA_ROUTER_PRIVACY_SCOPE")
	overrideBool(&cfg.Presence.Enabled, "LOQA_PRESENCE_ENABLED")
	overrideInt(&cfg.Presence.HeartbeatIntervalMS, "LOQA_PRESENCE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Presence.HeartbeatTimeoutMS, "LOQA_PRESENCE_HEARTBEAT_TIMEOUT_MS")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
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
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
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
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Telemetry.TraceExporter)) {
	case "", "none", "stdout":
	case "otlp":
		if strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
			return errors.New("telemetry.otlp_endpoint must be set when trace_exporter=otlp")
		}
	default:
		return errors.New("telemetry.trace_exporter must be one of otlp|stdout|none")
	}
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		return errors.New("telemetry.trace_sample_ratio must be within [0,1]")
	}
	switch cfg.Source.Mode {
	case "bus", "mock":
	case "exec":
		if cfg.Source.Command == "" {
			return errors.New("source.command must be set when mode=exec")
		}
	default:
		return errors.New("source.mode must be one of bus|exec|mock")
	}
	if cfg.Source.SegmentLimitMS < 0 {
		return errors.New("source.segment_limit_ms must be >= 0")
	}
	if c := cfg.Matching.MinimumAcceptableConfidence; c < 0 || c > 1 {
		return errors.New("matching.minimum_acceptable_confidence must be within [0,1]")
	}
	if cfg.Commands.Path == "" && len(cfg.Commands.Inline) == 0 {
		return errors.New("commands.path or commands.inline must be set")
	}
	if cfg.Commands.Watch && cfg.Commands.WatchDebounceMS < 0 {
		return errors.New("commands.watch_debounce_ms must be >= 0")
	}
	if cfg.Router.Enabled && cfg.Router.Subject == "" {
		return errors.New("router.subject must not be empty when the router is enabled")
	}
	if cfg.Presence.Enabled {
		if cfg.Presence.HeartbeatIntervalMS <= 0 {
			return errors.New("presence.heartbeat_interval_ms must be > 0")
		}
		if cfg.Presence.HeartbeatTimeoutMS < cfg.Presence.HeartbeatIntervalMS {
			return errors.New("presence.heartbeat_timeout_ms must be >= presence.heartbeat_interval_ms")
		}
	}
	return nil
}
