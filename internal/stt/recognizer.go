package stt

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// Options are passed through to the backend on Initialize and Recognize.
type Options struct {
	SampleRate                int
	Language                  string
	Task                      string
	Temperature               float64
	NoSpeechThreshold         float64
	LogProbThreshold          float64
	CompressionRatioThreshold float64
	ConditionOnPreviousText   bool
	ReturnTimestamps          bool
}

// DefaultOptions mirrors the decoding defaults whisper-style models expect.
func DefaultOptions() Options {
	return Options{
		SampleRate:                16000,
		Language:                  "en",
		Task:                      "transcribe",
		Temperature:               0,
		NoSpeechThreshold:         0.6,
		LogProbThreshold:          -1.0,
		CompressionRatioThreshold: 2.4,
		ConditionOnPreviousText:   true,
	}
}

func OptionsFromConfig(cfg config.STTConfig) Options {
	return Options{
		SampleRate:                cfg.SampleRate,
		Language:                  cfg.Language,
		Task:                      cfg.Task,
		Temperature:               cfg.Temperature,
		NoSpeechThreshold:         cfg.NoSpeechThreshold,
		LogProbThreshold:          cfg.LogProbThreshold,
		CompressionRatioThreshold: cfg.CompressionRatioThreshold,
		ConditionOnPreviousText:   cfg.ConditionOnPreviousText,
		ReturnTimestamps:          cfg.ReturnTimestamps,
	}
}

// Segment is a timestamped span of recognized text.
type Segment struct {
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
	Text  string        `json:"text"`
}

// Result captures recognizer output for one chunk.
type Result struct {
	Text       string
	Segments   []Segment
	Confidence float64
}

// Recognizer abstracts STT backends. Initialize binds the backend to one
// model and returns a Handle for it.
type Recognizer interface {
	Initialize(ctx context.Context, modelID string, opts Options) (Handle, error)
}

// Handle is an initialized backend bound to a single model. A model change
// produces a new Handle; handles are never retargeted.
type Handle interface {
	Model() string
	Recognize(ctx context.Context, samples []float32, opts Options) (Result, error)
	Close() error
}

// New builds the backend selected by cfg.Mode.
func New(cfg config.STTConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockRecognizer(), nil
	case "exec":
		return NewExecRecognizer(cfg)
	case "http":
		return NewHTTPRecognizer(cfg.Endpoint, nil), nil
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}
