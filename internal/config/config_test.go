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
	if cfg.STT.Language != "en" || cfg.STT.Task != "transcribe" {
		t.Fatalf("unexpected stt defaults: %+v", cfg.STT)
	}
	if cfg.STT.NoSpeechThreshold != 0.6 || cfg.STT.LogProbThreshold != -1.0 || cfg.STT.CompressionRatioThreshold != 2.4 {
		t.Fatalf("unexpected decoding thresholds: %+v", cfg.STT)
	}
	if cfg.Pipeline.OverflowPolicy != "drop-newest" {
		t.Fatalf("expected drop-newest, got %s", cfg.Pipeline.OverflowPolicy)
	}
	if cfg.EventStore.RetentionMode != "ephemeral" {
		t.Fatalf("expected ephemeral event store by default")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scribe.yaml")
	data := []byte(`
pipeline:
  chunk_interval_ms: 2000
  queue_capacity: 2
  overflow_policy: drop-oldest
stt:
  mode: http
  endpoint: http://localhost:8081
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Pipeline.ChunkIntervalMS != 2000 || cfg.Pipeline.QueueCapacity != 2 {
		t.Fatalf("expected pipeline overrides, got %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.OverflowPolicy != "drop-oldest" {
		t.Fatalf("expected drop-oldest")
	}
	if cfg.STT.Language != "en" {
		t.Fatalf("expected untouched defaults to survive")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
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
	t.Setenv("LOQA_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("LOQA_STT_MODEL", "whisper-base")
	t.Setenv("LOQA_STT_TEMPERATURE", "0.2")
	t.Setenv("LOQA_PIPELINE_QUEUE_CAPACITY", "3")
	t.Setenv("LOQA_PIPELINE_SILENCE_THRESHOLD", "0.02")
	t.Setenv("LOQA_TRANSCRIPT_FILTER_NON_SPEECH", "false")
	t.Setenv("LOQA_CAPTURE_DEVICE", "kitchen")
	t.Setenv("LOQA_CAPTURE_DEVICE_TIMEOUT_MS", "9000")
	t.Setenv("LOQA_TELEMETRY_STDOUT_TRACES", "true")

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
	if cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store retention days override")
	}
	if cfg.STT.Model != "whisper-base" {
		t.Fatalf("expected model override, got %s", cfg.STT.Model)
	}
	if cfg.STT.Temperature != 0.2 {
		t.Fatalf("expected temperature override")
	}
	if cfg.Pipeline.QueueCapacity != 3 {
		t.Fatalf("expected queue capacity override")
	}
	if cfg.Pipeline.SilenceThreshold != 0.02 {
		t.Fatalf("expected silence threshold override")
	}
	if cfg.Transcript.FilterNonSpeech {
		t.Fatalf("expected filter override false")
	}
	if cfg.Capture.Device != "kitchen" || cfg.Capture.DeviceTimeoutMS != 9000 {
		t.Fatalf("expected capture device overrides, got %q/%d", cfg.Capture.Device, cfg.Capture.DeviceTimeoutMS)
	}
	if !cfg.Telemetry.StdoutTraces {
		t.Fatal("expected stdout traces override true")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"bad overflow policy": func(c *Config) { c.Pipeline.OverflowPolicy = "drop-all" },
		"exec without command": func(c *Config) {
			c.STT.Mode = "exec"
			c.STT.Command = ""
		},
		"http without endpoint": func(c *Config) { c.STT.Mode = "http" },
		"file without path":     func(c *Config) { c.Capture.Mode = "file" },
		"bus capture bus off":   func(c *Config) { c.Bus.Enabled = false },
		"negative queue":        func(c *Config) { c.Pipeline.QueueCapacity = -1 },
		"cap below interval":    func(c *Config) { c.Pipeline.MaxBufferMS = 1000 },
		"bad task":              func(c *Config) { c.STT.Task = "summarize" },
		"zero device timeout":   func(c *Config) { c.Capture.DeviceTimeoutMS = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
