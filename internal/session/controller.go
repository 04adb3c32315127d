// Package session owns a transcription session: it wires a capture stream
// through the chunk accumulator and scheduler into the recognizer and merges
// results into the transcript.
//
// Every state transition that must invalidate in-flight work (start, stop,
// emergency stop, model change) bumps a generation counter. Jobs carry the
// generation current at submission, and results are merged only while that
// generation is still current. The check and the merge happen under the
// same lock.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/scheduler"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-scribe/session"

var (
	ErrNotReady  = errors.New("model not loaded yet")
	ErrRecording = errors.New("already recording")
)

// Options are the collaborators and settings of a Controller.
type Options struct {
	Recognizer stt.Recognizer
	Source     capture.Source
	// SourceName labels sessions in status reports, e.g. "bus" or "file".
	SourceName string
	Transcript *transcript.State
	STT        config.STTConfig
	Pipeline   config.PipelineConfig
	Capture    config.CaptureConfig
	Sinks      []StatusSink
	// Clock drives the chunk accumulator. Defaults to time.Now.
	Clock func() time.Time
}

// Info is a point-in-time view of the controller.
type Info struct {
	SessionID  string            `json:"session_id,omitempty"`
	Source     string            `json:"source"`
	Recording  bool              `json:"recording"`
	Loading    bool              `json:"loading"`
	Ready      bool              `json:"ready"`
	Model      string            `json:"model,omitempty"`
	Generation uint64            `json:"generation"`
	Queued     int               `json:"queued"`
	Busy       bool              `json:"busy"`
	Transcript transcript.Update `json:"transcript"`
}

type Controller struct {
	log        *slog.Logger
	ctx        context.Context
	recognizer stt.Recognizer
	source     capture.Source
	sourceName string
	transcript *transcript.State
	sttOpts    stt.Options
	loadCfg    stt.LoadConfig
	pipeline   config.PipelineConfig
	capture    config.CaptureConfig
	sinks      []StatusSink
	clock      func() time.Time
	sched      *scheduler.Scheduler

	tracer    trace.Tracer
	merged    metric.Int64Counter
	silent    metric.Int64Counter
	discarded metric.Int64Counter

	// lifecycle serializes Start, Stop and EmergencyStop; modelMu serializes
	// model loads. Neither is held while mu is taken for long.
	lifecycle sync.Mutex
	modelMu   sync.Mutex

	mu             sync.Mutex
	generation     uint64
	handle         stt.Handle
	model          string
	loading        bool
	sessionID      string
	stream         capture.Stream
	acc            *audio.Accumulator
	pumpDone       chan struct{}
	inflightCancel context.CancelFunc
}

func New(ctx context.Context, opts Options, log *slog.Logger) (*Controller, error) {
	if opts.Recognizer == nil {
		return nil, errors.New("session needs a recognizer")
	}
	if opts.Source == nil {
		return nil, errors.New("session needs a capture source")
	}
	if opts.Transcript == nil {
		opts.Transcript = transcript.NewState(true)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	policy, err := scheduler.ParsePolicy(opts.Pipeline.OverflowPolicy)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		log:        log.With(slog.String("component", "session")),
		ctx:        ctx,
		recognizer: opts.Recognizer,
		source:     opts.Source,
		sourceName: opts.SourceName,
		transcript: opts.Transcript,
		sttOpts:    stt.OptionsFromConfig(opts.STT),
		loadCfg:    stt.LoadConfigFromSTT(opts.STT),
		pipeline:   opts.Pipeline,
		capture:    opts.Capture,
		sinks:      opts.Sinks,
		clock:      opts.Clock,
		tracer:     otel.Tracer(instrumentationName),
	}
	if err := c.initMetrics(); err != nil {
		c.log.Warn("failed to initialize metrics", slogError(err))
	}

	c.sched = scheduler.New(ctx, scheduler.Config{
		Capacity: opts.Pipeline.QueueCapacity,
		Policy:   policy,
		Timeout:  time.Duration(opts.STT.RecognizeTimeoutMS) * time.Millisecond,
	}, c.process, scheduler.Hooks{
		OnDrop:  c.onDrop,
		OnError: c.onError,
	}, log)
	return c, nil
}

func (c *Controller) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	var err error
	if c.merged, err = meter.Int64Counter("loqa.scribe.transcripts.merged", metric.WithDescription("Recognized results merged into the transcript")); err != nil {
		return err
	}
	if c.silent, err = meter.Int64Counter("loqa.scribe.chunks.silent", metric.WithDescription("Chunks skipped by the silence gate")); err != nil {
		return err
	}
	if c.discarded, err = meter.Int64Counter("loqa.scribe.results.discarded", metric.WithDescription("Results dropped because their session generation ended")); err != nil {
		return err
	}
	return nil
}

// LoadModel initializes modelID and makes it the active model. Loading the
// model that is already active is a no-op.
func (c *Controller) LoadModel(ctx context.Context, modelID string) error {
	c.modelMu.Lock()
	defer c.modelMu.Unlock()
	return c.swapModel(ctx, modelID)
}

// ChangeModel replaces the active model. While recording, capture carries on
// and work submitted against the old model is discarded.
func (c *Controller) ChangeModel(ctx context.Context, modelID string) error {
	if modelID == "" {
		return errors.New("model id is empty")
	}
	c.modelMu.Lock()
	defer c.modelMu.Unlock()
	return c.swapModel(ctx, modelID)
}

func (c *Controller) swapModel(ctx context.Context, modelID string) error {
	c.mu.Lock()
	if c.handle != nil && c.model == modelID {
		c.mu.Unlock()
		return nil
	}
	c.loading = true
	c.mu.Unlock()

	c.report(Status{Kind: StatusLoading, Message: fmt.Sprintf("Loading model %s...", modelID), Model: modelID})
	h, err := stt.Load(ctx, c.recognizer, modelID, c.sttOpts, c.loadCfg, c.log)
	if err != nil {
		c.mu.Lock()
		c.loading = false
		c.mu.Unlock()
		c.report(Status{Kind: StatusError, Message: "Failed to load model.", Model: modelID, Err: err})
		return err
	}

	c.mu.Lock()
	old := c.handle
	c.handle = h
	c.model = modelID
	c.loading = false
	if old != nil {
		c.generation++
	}
	recording := c.stream != nil
	c.mu.Unlock()

	if old != nil {
		done := c.sched.Reset()
		go func() {
			<-done
			if err := old.Close(); err != nil {
				c.log.Warn("failed to close previous model", slog.String("model", old.Model()), slogError(err))
			}
		}()
	}

	msg := "Ready to transcribe."
	if recording {
		msg = fmt.Sprintf("Model changed to %s.", modelID)
	}
	c.report(Status{Kind: StatusReady, Message: msg, Model: modelID})
	return nil
}

// Start opens the capture source and begins a new session. It fails with
// ErrNotReady until a model is loaded and with ErrRecording while a session
// is already running. The stream lives until Stop, EmergencyStop or Close,
// not until ctx is done.
func (c *Controller) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	switch {
	case c.handle == nil:
		c.mu.Unlock()
		return ErrNotReady
	case c.stream != nil:
		c.mu.Unlock()
		return ErrRecording
	}
	c.mu.Unlock()

	st, err := c.source.Start(c.ctx, capture.Constraints{
		Device:     c.capture.Device,
		SampleRate: c.capture.SampleRate,
		FrameSize:  c.capture.FrameSize,
	})
	if err != nil {
		c.report(Status{Kind: StatusError, Message: "Could not start audio capture.", Err: err})
		return fmt.Errorf("start capture: %w", err)
	}

	acc := audio.NewAccumulator(audio.AccumulatorConfig{
		Interval:   time.Duration(c.pipeline.ChunkIntervalMS) * time.Millisecond,
		MaxSamples: audio.MaxSamplesFor(time.Duration(c.pipeline.MaxBufferMS)*time.Millisecond, st.SampleRate()),
		Clock:      c.clock,
	})

	c.mu.Lock()
	c.generation++
	c.sessionID = uuid.NewString()
	c.stream = st
	c.acc = acc
	c.pumpDone = make(chan struct{})
	done := c.pumpDone
	c.mu.Unlock()

	go c.pump(st, acc, done)
	c.report(Status{Kind: StatusRecording, Message: "Recording..."})
	return nil
}

// Stop ends the session. Queued chunks are discarded and a result still in
// flight is dropped when it arrives.
func (c *Controller) Stop() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.stream == nil {
		c.mu.Unlock()
		return nil
	}
	c.generation++
	st, done := c.stream, c.pumpDone
	c.stream = nil
	c.acc = nil
	c.mu.Unlock()

	err := st.Stop()
	<-done
	c.sched.Reset()
	c.report(Status{Kind: StatusStopped, Message: "Recording stopped."})
	if err != nil {
		return fmt.Errorf("stop capture: %w", err)
	}
	return nil
}

// EmergencyStop is Stop that also abandons the recognizer call in flight.
// It is safe to call in any state.
func (c *Controller) EmergencyStop() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	c.generation++
	st, done := c.stream, c.pumpDone
	c.stream = nil
	c.acc = nil
	if c.inflightCancel != nil {
		c.inflightCancel()
	}
	c.mu.Unlock()

	c.sched.Reset()
	var err error
	if st != nil {
		err = st.Stop()
		<-done
	}
	c.report(Status{Kind: StatusStopped, Message: "Emergency stop: all processing halted."})
	if err != nil {
		return fmt.Errorf("stop capture: %w", err)
	}
	return nil
}

// Clear empties both transcript buffers. It does not end the session, so
// results already in flight still land in the fresh transcript.
func (c *Controller) Clear() {
	c.mu.Lock()
	u := c.transcript.Reset()
	c.mu.Unlock()
	c.transcript.Notify(u)
	c.report(Status{Kind: StatusCleared, Message: "Transcription cleared."})
}

func (c *Controller) SetFilterMode(enabled bool) {
	c.transcript.SetFilterMode(enabled)
}

func (c *Controller) Transcript() transcript.Update {
	return c.transcript.Snapshot()
}

// SessionID returns the current or most recent session identifier.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Controller) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle != nil
}

func (c *Controller) Info() Info {
	c.mu.Lock()
	info := Info{
		SessionID:  c.sessionID,
		Source:     c.sourceName,
		Recording:  c.stream != nil,
		Loading:    c.loading,
		Ready:      c.handle != nil,
		Model:      c.model,
		Generation: c.generation,
	}
	c.mu.Unlock()
	info.Queued = c.sched.Len()
	info.Busy = c.sched.Busy()
	info.Transcript = c.transcript.Snapshot()
	return info
}

// Close stops any session, waits for the scheduler and releases the model.
func (c *Controller) Close() error {
	err := c.EmergencyStop()
	c.sched.Close()
	c.mu.Lock()
	h := c.handle
	c.handle = nil
	c.mu.Unlock()
	if h != nil {
		err = errors.Join(err, h.Close())
	}
	return err
}

// pump moves frames from the stream into the accumulator until the stream
// ends. A stream that ends on its own flushes what is buffered and closes
// the session without invalidating work already submitted.
func (c *Controller) pump(st capture.Stream, acc *audio.Accumulator, done chan struct{}) {
	defer close(done)
	for frame := range st.Frames() {
		if chunk, ok := acc.Push(frame); ok {
			c.submit(st, chunk)
		}
	}

	c.mu.Lock()
	current := c.stream == st
	c.mu.Unlock()
	if !current {
		return
	}
	if chunk, ok := acc.Flush(); ok {
		c.submit(st, chunk)
	}

	c.mu.Lock()
	ended := c.stream == st
	if ended {
		c.stream = nil
		c.acc = nil
	}
	c.mu.Unlock()
	if ended {
		if err := st.Stop(); err != nil {
			c.log.Warn("failed to stop ended capture stream", slogError(err))
		}
		c.report(Status{Kind: StatusStopped, Message: "Audio stream ended."})
	}
}

// submit stamps chunk with the current generation, provided st is still the
// session's stream.
func (c *Controller) submit(st capture.Stream, chunk audio.Chunk) {
	c.mu.Lock()
	if c.stream != st {
		c.mu.Unlock()
		return
	}
	gen := c.generation
	c.mu.Unlock()

	outcome := c.sched.Submit(scheduler.Job{Sequence: chunk.Sequence, Generation: gen, Chunk: chunk})
	c.log.Debug("chunk submitted",
		slog.Uint64("sequence", chunk.Sequence),
		slog.Int("samples", chunk.Len()),
		slog.String("outcome", outcome.String()))
}

func (c *Controller) process(ctx context.Context, job scheduler.Job) error {
	c.mu.Lock()
	if job.Generation != c.generation || c.handle == nil {
		c.mu.Unlock()
		c.add(c.discarded, 1)
		return nil
	}
	handle := c.handle
	ctx, cancel := context.WithCancel(ctx)
	c.inflightCancel = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.inflightCancel = nil
		c.mu.Unlock()
		cancel()
	}()

	chunk := job.Chunk
	if audio.IsSilent(chunk.Samples, c.pipeline.SilenceThreshold) {
		c.add(c.silent, 1)
		c.report(Status{Kind: StatusSilence, Message: "Silence detected, skipping chunk.", Sequence: job.Sequence})
		return nil
	}

	c.report(Status{Kind: StatusProcessing, Message: "Processing audio...", Sequence: job.Sequence})
	samples := audio.Resample(chunk.Samples, chunk.SampleRate, c.sttOpts.SampleRate)

	ctx, span := c.tracer.Start(ctx, "session.recognize", trace.WithAttributes(
		attribute.String("stt.model", handle.Model()),
		attribute.Int64("chunk.sequence", int64(job.Sequence)),
		attribute.Int("audio.samples", len(samples)),
	))
	res, err := handle.Recognize(ctx, samples, c.sttOpts)
	span.End()
	if err != nil {
		return &stt.TranscriptionError{Sequence: job.Sequence, Err: err}
	}

	c.mu.Lock()
	if job.Generation != c.generation {
		c.mu.Unlock()
		c.add(c.discarded, 1)
		c.log.Debug("discarding late result", slog.Uint64("sequence", job.Sequence))
		return nil
	}
	update, merged := c.transcript.Append(res.Text)
	recording := c.stream != nil
	c.mu.Unlock()

	if merged {
		c.transcript.Notify(update)
		c.add(c.merged, 1)
	}
	if recording {
		c.report(Status{Kind: StatusRecording, Message: "Recording...", Sequence: job.Sequence})
	} else {
		c.report(Status{Kind: StatusReady, Message: "Ready to transcribe.", Sequence: job.Sequence})
	}
	return nil
}

func (c *Controller) onDrop(job scheduler.Job) {
	if !c.isCurrent(job.Generation) {
		return
	}
	c.report(Status{Kind: StatusDropped, Message: "Transcription queue full, dropping chunk.", Sequence: job.Sequence})
}

func (c *Controller) onError(job scheduler.Job, err error) {
	if !c.isCurrent(job.Generation) {
		c.log.Debug("ignoring error from ended session", slog.Uint64("sequence", job.Sequence), slogError(err))
		return
	}
	var terr *stt.TranscriptionError
	if !errors.As(err, &terr) {
		err = &stt.TranscriptionError{Sequence: job.Sequence, Err: err}
	}
	c.report(Status{Kind: StatusError, Message: "Transcription error.", Sequence: job.Sequence, Err: err})
}

func (c *Controller) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.generation
}

func (c *Controller) report(s Status) {
	c.mu.Lock()
	if s.SessionID == "" {
		s.SessionID = c.sessionID
	}
	if s.Model == "" {
		s.Model = c.model
	}
	c.mu.Unlock()
	if s.Time.IsZero() {
		s.Time = time.Now()
	}
	for _, sink := range c.sinks {
		sink.ReportStatus(s)
	}
}

func (c *Controller) add(counter metric.Int64Counter, n int64) {
	if counter == nil {
		return
	}
	counter.Add(c.ctx, n)
}
