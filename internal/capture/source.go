// Package capture provides audio frame sources for a recording session.
package capture

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

var (
	ErrPermissionDenied = errors.New("capture permission denied")
	ErrUnsupported      = errors.New("capture unsupported")
	ErrDevice           = errors.New("capture device error")
)

// Constraints describe the capture a session asks for.
type Constraints struct {
	// Device narrows a shared source to one producer; empty means any.
	Device string
	// SampleRate is the rate the stream reports when the source cannot
	// discover it from the audio itself.
	SampleRate int
	// FrameSize is the number of samples per frame for sources that slice
	// audio themselves.
	FrameSize int
}

// Source opens capture streams.
type Source interface {
	Start(ctx context.Context, c Constraints) (Stream, error)
}

// Stream delivers frames at the source's cadence. Frames is closed when the
// stream ends, either because Stop was called or the source ran dry.
type Stream interface {
	Frames() <-chan audio.Frame
	SampleRate() int
	Stop() error
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, c Constraints) (Stream, error)

func (f SourceFunc) Start(ctx context.Context, c Constraints) (Stream, error) { return f(ctx, c) }
