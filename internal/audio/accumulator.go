package audio

import (
	"sync"
	"time"
)

// AccumulatorConfig tunes when buffered frames are flushed into a chunk.
type AccumulatorConfig struct {
	// Interval is the wall-clock time between flushes.
	Interval time.Duration
	// MaxSamples forces an early flush once this many samples are buffered.
	// Zero disables the cap.
	MaxSamples int
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Accumulator collects frames from a capture callback and, once the flush
// interval has elapsed, concatenates them into a single Chunk in arrival
// order. It never emits an empty chunk.
type Accumulator struct {
	interval   time.Duration
	maxSamples int
	clock      func() time.Time

	mu        sync.Mutex
	frames    []Frame
	total     int
	lastFlush time.Time
	sequence  uint64
}

func NewAccumulator(cfg AccumulatorConfig) *Accumulator {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Accumulator{
		interval:   cfg.Interval,
		maxSamples: cfg.MaxSamples,
		clock:      clock,
		lastFlush:  clock(),
	}
}

// MaxSamplesFor returns the sample cap that corresponds to d of audio at rate.
func MaxSamplesFor(d time.Duration, rate int) int {
	return int(int64(d) * int64(rate) / int64(time.Second))
}

// Push appends frame and reports a chunk when the interval has elapsed or the
// sample cap is reached.
func (a *Accumulator) Push(frame Frame) (Chunk, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(frame.Samples) > 0 {
		a.frames = append(a.frames, frame)
		a.total += len(frame.Samples)
	}

	now := a.clock()
	if now.Sub(a.lastFlush) >= a.interval || (a.maxSamples > 0 && a.total >= a.maxSamples) {
		return a.flushLocked(now)
	}
	return Chunk{}, false
}

// Flush emits whatever is buffered regardless of elapsed time.
func (a *Accumulator) Flush() (Chunk, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flushLocked(a.clock())
}

// Reset discards buffered frames and restarts the flush timer.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.frames = nil
	a.total = 0
	a.lastFlush = a.clock()
}

// Buffered returns the number of samples waiting for the next flush.
func (a *Accumulator) Buffered() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

func (a *Accumulator) flushLocked(now time.Time) (Chunk, bool) {
	a.lastFlush = now
	if a.total == 0 {
		a.frames = nil
		return Chunk{}, false
	}

	samples := make([]float32, 0, a.total)
	for _, f := range a.frames {
		samples = append(samples, f.Samples...)
	}
	first := a.frames[0]
	a.sequence++
	chunk := Chunk{
		Sequence:   a.sequence,
		Samples:    samples,
		SampleRate: first.SampleRate,
		Frames:     len(a.frames),
		Start:      first.Captured,
		End:        now,
	}
	a.frames = nil
	a.total = 0
	return chunk, true
}
