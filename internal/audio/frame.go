// Package audio holds the sample-level building blocks of the transcription
// pipeline: frames and chunks of mono float32 audio, the RMS silence gate,
// the linear resampler, the interval-driven chunk accumulator and a WAV codec.
package audio

import "time"

// Frame is one callback's worth of mono samples at a native sample rate.
// Frames are immutable once constructed.
type Frame struct {
	Samples    []float32
	SampleRate int
	Captured   time.Time
}

// NewFrame copies samples out of the caller's buffer, which capture sources
// are free to reuse once the callback returns.
func NewFrame(samples []float32, sampleRate int, captured time.Time) Frame {
	owned := make([]float32, len(samples))
	copy(owned, samples)
	return Frame{Samples: owned, SampleRate: sampleRate, Captured: captured}
}

// Duration reports how much audio the frame carries.
func (f Frame) Duration() time.Duration {
	return samplesDuration(len(f.Samples), f.SampleRate)
}

// Chunk is a contiguous run of consecutive frames, the unit of recognition work.
type Chunk struct {
	Sequence   uint64
	Samples    []float32
	SampleRate int
	Frames     int
	Start      time.Time
	End        time.Time
}

func (c Chunk) Len() int { return len(c.Samples) }

func (c Chunk) Duration() time.Duration {
	return samplesDuration(len(c.Samples), c.SampleRate)
}

func samplesDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(rate)
}
