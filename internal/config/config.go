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
	StdoutTraces   bool   `yaml:"stdout_traces"`
	PrometheusBind string `yaml:"prometheus_bind"`
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
	Capture     CaptureConfig    `yaml:"capture"`
	STT         STTConfig        `yaml:"stt"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
	Transcript  TranscriptConfig `yaml:"transcript"`
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

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// CaptureConfig selects where audio frames come from.
type CaptureConfig struct {
	Mode       string `yaml:"mode"` // bus, file
	Subject    string `yaml:"subject"`
	Device     string `yaml:"device"`
	FilePath   string `yaml:"file_path"`
	FrameSize  int    `yaml:"frame_size"`
	SampleRate int    `yaml:"sample_rate"`
	Realtime   bool   `yaml:"realtime"`
	AutoStart  bool   `yaml:"auto_start"`
	// DeviceTimeoutMS marks a bus device offline after this long without a
	// heartbeat.
	DeviceTimeoutMS int `yaml:"device_timeout_ms"`
}

type STTConfig struct {
	Mode                      string  `yaml:"mode"` // mock, exec, http
	Command                   string  `yaml:"command"`
	Endpoint                  string  `yaml:"endpoint"`
	Model                     string  `yaml:"model"`
	ModelDir                  string  `yaml:"model_dir"`
	Language                  string  `yaml:"language"`
	Task                      string  `yaml:"task"`
	SampleRate                int     `yaml:"sample_rate"`
	Temperature               float64 `yaml:"temperature"`
	NoSpeechThreshold         float64 `yaml:"no_speech_threshold"`
	LogProbThreshold          float64 `yaml:"logprob_threshold"`
	CompressionRatioThreshold float64 `yaml:"compression_ratio_threshold"`
	ConditionOnPreviousText   bool    `yaml:"condition_on_previous_text"`
	ReturnTimestamps          bool    `yaml:"return_timestamps"`
	LoadTimeoutMS             int     `yaml:"load_timeout_ms"`
	LoadAttempts              int     `yaml:"load_attempts"`
	LoadBackoffMS             int     `yaml:"load_backoff_ms"`
	RecognizeTimeoutMS        int     `yaml:"recognize_timeout_ms"`
}

type PipelineConfig struct {
	ChunkIntervalMS  int     `yaml:"chunk_interval_ms"`
	MaxBufferMS      int     `yaml:"max_buffer_ms"`
	QueueCapacity    int     `yaml:"queue_capacity"`
	OverflowPolicy   string  `yaml:"overflow_policy"` // drop-newest, drop-oldest
	SilenceThreshold float64 `yaml:"silence_threshold"`
}

type TranscriptConfig struct {
	FilterNonSpeech bool   `yaml:"filter_non_speech"`
	PublishSubject  string `yaml:"publish_subject"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-scribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-scribe-events.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Capture: CaptureConfig{
			Mode:       "bus",
			Subject:    "audio.frame",
			FrameSize:  4096,
			SampleRate: 44100,
			Realtime:   true,

			DeviceTimeoutMS: 5000,
		},
		STT: STTConfig{
			Mode:                      "mock",
			Model:                     "whisper-tiny.en",
			Language:                  "en",
			Task:                      "transcribe",
			SampleRate:                16000,
			Temperature:               0,
			NoSpeechThreshold:         0.6,
			LogProbThreshold:          -1.0,
			CompressionRatioThreshold: 2.4,
			ConditionOnPreviousText:   true,
			LoadTimeoutMS:             60000,
			LoadAttempts:              5,
			LoadBackoffMS:             1000,
			RecognizeTimeoutMS:        45000,
		},
		Pipeline: PipelineConfig{
			ChunkIntervalMS:  3000,
			MaxBufferMS:      10000,
			QueueCapacity:    5,
			OverflowPolicy:   "drop-newest",
			SilenceThreshold: 0.01,
		},
		Transcript: TranscriptConfig{
			FilterNonSpeech: true,
			PublishSubject:  "scribe.transcript",
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
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
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
	overrideString(&cfg.Capture.Mode, "LOQA_CAPTURE_MODE")
	overrideString(&cfg.Capture.Subject, "LOQA_CAPTURE_SUBJECT")
	overrideString(&cfg.Capture.Device, "LOQA_CAPTURE_DEVICE")
	overrideString(&cfg.Capture.FilePath, "LOQA_CAPTURE_FILE_PATH")
	overrideInt(&cfg.Capture.FrameSize, "LOQA_CAPTURE_FRAME_SIZE")
	overrideInt(&cfg.Capture.SampleRate, "LOQA_CAPTURE_SAMPLE_RATE")
	overrideBool(&cfg.Capture.Realtime, "LOQA_CAPTURE_REALTIME")
	overrideBool(&cfg.Capture.AutoStart, "LOQA_CAPTURE_AUTO_START")
	overrideInt(&cfg.Capture.DeviceTimeoutMS, "LOQA_CAPTURE_DEVICE_TIMEOUT_MS")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.Endpoint, "LOQA_STT_ENDPOINT")
	overrideString(&cfg.STT.Model, "LOQA_STT_MODEL")
	overrideString(&cfg.STT.ModelDir, "LOQA_STT_MODEL_DIR")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideString(&cfg.STT.Task, "LOQA_STT_TASK")
	overrideInt(&cfg.STT.SampleRate, "LOQA_STT_SAMPLE_RATE")
	overrideFloat(&cfg.STT.Temperature, "LOQA_STT_TEMPERATURE")
	overrideFloat(&cfg.STT.NoSpeechThreshold, "LOQA_STT_NO_SPEECH_THRESHOLD")
	overrideFloat(&cfg.STT.LogProbThreshold, "LOQA_STT_LOGPROB_THRESHOLD")
	overrideFloat(&cfg.STT.CompressionRatioThreshold, "LOQA_STT_COMPRESSION_RATIO_THRESHOLD")
	overrideBool(&cfg.STT.ConditionOnPreviousText, "LOQA_STT_CONDITION_ON_PREVIOUS_TEXT")
	overrideBool(&cfg.STT.ReturnTimestamps, "LOQA_STT_RETURN_TIMESTAMPS")
	overrideInt(&cfg.STT.LoadTimeoutMS, "LOQA_STT_LOAD_TIMEOUT_MS")
	overrideInt(&cfg.STT.LoadAttempts, "LOQA_STT_LOAD_ATTEMPTS")
	overrideInt(&cfg.STT.LoadBackoffMS, "LOQA_STT_LOAD_BACKOFF_MS")
	overrideInt(&cfg.STT.RecognizeTimeoutMS, "LOQA_STT_RECOGNIZE_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.ChunkIntervalMS, "LOQA_PIPELINE_CHUNK_INTERVAL_MS")
	overrideInt(&cfg.Pipeline.MaxBufferMS, "LOQA_PIPELINE_MAX_BUFFER_MS")
	overrideInt(&cfg.Pipeline.QueueCapacity, "LOQA_PIPELINE_QUEUE_CAPACITY")
	overrideString(&cfg.Pipeline.OverflowPolicy, "LOQA_PIPELINE_OVERFLOW_POLICY")
	overrideFloat(&cfg.Pipeline.SilenceThreshold, "LOQA_PIPELINE_SILENCE_THRESHOLD")
	overrideBool(&cfg.Transcript.FilterNonSpeech, "LOQA_TRANSCRIPT_FILTER_NON_SPEECH")
	overrideString(&cfg.Transcript.PublishSubject, "LOQA_TRANSCRIPT_PUBLISH_SUBJECT")
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
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
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
	switch cfg.Capture.Mode {
	case "bus":
		if !cfg.Bus.Enabled {
			return errors.New("capture.mode=bus requires bus.enabled")
		}
		if cfg.Capture.Subject == "" {
			return errors.New("capture.subject must be set when mode=bus")
		}
	case "file":
		if cfg.Capture.FilePath == "" {
			return errors.New("capture.file_path must be set when mode=file")
		}
	default:
		return errors.New("capture.mode must be one of bus|file")
	}
	if cfg.Capture.FrameSize <= 0 {
		return errors.New("capture.frame_size must be positive")
	}
	if cfg.Capture.DeviceTimeoutMS <= 0 {
		return errors.New("capture.device_timeout_ms must be positive")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	switch cfg.STT.Mode {
	case "mock", "exec", "http":
	default:
		return errors.New("stt.mode must be one of mock|exec|http")
	}
	if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
		return errors.New("stt.command must be set when mode=exec")
	}
	if cfg.STT.Mode == "http" && cfg.STT.Endpoint == "" {
		return errors.New("stt.endpoint must be set when mode=http")
	}
	if cfg.STT.Model == "" {
		return errors.New("stt.model must not be empty")
	}
	switch cfg.STT.Task {
	case "transcribe", "translate":
	default:
		return errors.New("stt.task must be one of transcribe|translate")
	}
	if cfg.STT.SampleRate <= 0 {
		return errors.New("stt.sample_rate must be positive")
	}
	if cfg.STT.LoadTimeoutMS <= 0 {
		return errors.New("stt.load_timeout_ms must be positive")
	}
	if cfg.STT.LoadAttempts <= 0 {
		return errors.New("stt.load_attempts must be >= 1")
	}
	if cfg.STT.RecognizeTimeoutMS <= 0 {
		return errors.New("stt.recognize_timeout_ms must be positive")
	}
	if cfg.Pipeline.ChunkIntervalMS <= 0 {
		return errors.New("pipeline.chunk_interval_ms must be positive")
	}
	if cfg.Pipeline.MaxBufferMS < cfg.Pipeline.ChunkIntervalMS {
		return errors.New("pipeline.max_buffer_ms must be >= chunk interval")
	}
	if cfg.Pipeline.QueueCapacity < 0 {
		return errors.New("pipeline.queue_capacity must be >= 0")
	}
	switch cfg.Pipeline.OverflowPolicy {
	case "drop-newest", "drop-oldest":
	default:
		return errors.New("pipeline.overflow_policy must be one of drop-newest|drop-oldest")
	}
	if cfg.Pipeline.SilenceThreshold < 0 {
		return errors.New("pipeline.silence_threshold must be >= 0")
	}
	if cfg.Bus.Enabled && cfg.Transcript.PublishSubject == "" {
		return errors.New("transcript.publish_subject must be set when the bus is enabled")
	}
	return nil
}
