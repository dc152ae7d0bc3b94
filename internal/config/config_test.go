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
	if !cfg.Matching.OnDeviceOnly || !cfg.Matching.AcceptsFirstRecognition {
		t.Fatalf("expected on-device first-recognition defaults, got %+v", cfg.Matching)
	}
	if cfg.Matching.MinimumAcceptableConfidence != 0.8 {
		t.Fatalf("expected default confidence 0.8, got %v", cfg.Matching.MinimumAcceptableConfidence)
	}
	if cfg.Source.SegmentLimitMS != 60000 {
		t.Fatalf("expected 60s segment limit, got %d", cfg.Source.SegmentLimitMS)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_MAX_SESSIONS", "123")
	t.Setenv("LOQA_SOURCE_MODE", "exec")
	t.Setenv("LOQA_SOURCE_COMMAND", "speech-helper --verbose")
	t.Setenv("LOQA_MATCHING_ON_DEVICE_ONLY", "false")
	t.Setenv("LOQA_MATCHING_MINIMUM_CONFIDENCE", "0.65")
	t.Setenv("LOQA_COMMANDS_INLINE", "hello, how are you")

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
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.EventStore.MaxSessions != 123 {
		t.Fatalf("expected event store max sessions override")
	}
	if cfg.Source.Mode != "exec" || cfg.Source.Command != "speech-helper --verbose" {
		t.Fatalf("expected source override, got %+v", cfg.Source)
	}
	if cfg.Matching.OnDeviceOnly {
		t.Fatalf("expected on-device override false")
	}
	if cfg.Matching.MinimumAcceptableConfidence != 0.65 {
		t.Fatalf("expected confidence override, got %v", cfg.Matching.MinimumAcceptableConfidence)
	}
	if len(cfg.Commands.Inline) != 2 || cfg.Commands.Inline[1] != "how are you" {
		t.Fatalf("expected inline commands override, got %v", cfg.Commands.Inline)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loqa-voice.yaml")
	data := []byte(`runtime_name: kitchen
source:
  mode: bus
  session_filter: kitchen-mic
matching:
  accepts_first_recognition: false
  minimum_acceptable_confidence: 0.9
commands:
  inline:
    - next
    - open next page
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "kitchen" || cfg.Source.SessionFilter != "kitchen-mic" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Matching.AcceptsFirstRecognition {
		t.Fatalf("expected accepts_first_recognition false")
	}
	if !cfg.Matching.OnDeviceOnly {
		t.Fatalf("expected unset on_device_only to keep its default")
	}
}

func TestValidateRejectsExecWithoutCommand(t *testing.T) {
	t.Setenv("LOQA_SOURCE_MODE", "exec")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for exec mode without command")
	}
}

func TestValidateRejectsUnknownSourceMode(t *testing.T) {
	t.Setenv("LOQA_SOURCE_MODE", "siri")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for unknown source mode")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestWatchAndPresenceOverrides(t *testing.T) {
	t.Setenv("LOQA_COMMANDS_WATCH", "true")
	t.Setenv("LOQA_COMMANDS_WATCH_DEBOUNCE_MS", "250")
	t.Setenv("LOQA_SOURCE_AUTO_START", "false")
	t.Setenv("LOQA_PRESENCE_HEARTBEAT_INTERVAL_MS", "1000")
	t.Setenv("LOQA_PRESENCE_HEARTBEAT_TIMEOUT_MS", "3000")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Commands.Watch || cfg.Commands.WatchDebounceMS != 250 {
		t.Fatalf("expected watch override, got %+v", cfg.Commands)
	}
	if cfg.Source.AutoStart {
		t.Fatalf("expected auto start override false")
	}
	if cfg.Presence.HeartbeatIntervalMS != 1000 || cfg.Presence.HeartbeatTimeoutMS != 3000 {
		t.Fatalf("expected presence overrides, got %+v", cfg.Presence)
	}
}

func TestValidateRejectsShortPresenceTimeout(t *testing.T) {
	t.Setenv("LOQA_PRESENCE_HEARTBEAT_INTERVAL_MS", "5000")
	t.Setenv("LOQA_PRESENCE_HEARTBEAT_TIMEOUT_MS", "1000")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for timeout shorter than interval")
	}
}

func TestValidateTraceExporter(t *testing.T) {
	t.Setenv("LOQA_TELEMETRY_TRACE_EXPORTER", "otlp")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for otlp exporter without endpoint")
	}
	t.Setenv("LOQA_TELEMETRY_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("LOQA_TELEMETRY_TRACE_SAMPLE_RATIO", "0.25")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telemetry.TraceSampleRatio != 0.25 {
		t.Fatalf("expected sample ratio override, got %v", cfg.Telemetry.TraceSampleRatio)
	}
	t.Setenv("LOQA_TELEMETRY_TRACE_EXPORTER", "jaeger")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for unknown exporter")
	}
}
