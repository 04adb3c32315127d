package stt

import (
	"errors"
	"fmt"
)

var (
	ErrModelNotFound = errors.New("model not found")
	ErrNetwork       = errors.New("network error")
	ErrTimeout       = errors.New("timed out")
	ErrInternal      = errors.New("recognizer internal error")
	ErrNotReady      = errors.New("recognizer not initialized")
	ErrUnsupported   = errors.New("recognizer backend unavailable")
)

// LoadError reports a failed Initialize. It is retryable unless it wraps
// ErrModelNotFound or ErrUnsupported.
type LoadError struct {
	Model    string
	Attempts int
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load model %q (attempts=%d): %v", e.Model, e.Attempts, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Retryable reports whether calling Initialize again may succeed.
func (e *LoadError) Retryable() bool {
	return !errors.Is(e.Err, ErrModelNotFound) && !errors.Is(e.Err, ErrUnsupported)
}

// TranscriptionError reports a single failed chunk. The chunk's audio is
// discarded; the pipeline carries on with the next one.
type TranscriptionError struct {
	Sequence uint64
	Err      error
}

func (e *TranscriptionError) Error() string {
	return fmt.Sprintf("transcribe chunk %d: %v", e.Sequence, e.Err)
}

func (e *TranscriptionError) Unwrap() error { return e.Err }
