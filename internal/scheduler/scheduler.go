// Package scheduler runs transcription jobs one at a time. Jobs submitted
// while a job is in flight wait in a bounded FIFO queue.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-scribe/scheduler"

// Policy decides what happens to a job submitted while the queue is full.
type Policy string

const (
	DropNewest Policy = "drop-newest"
	DropOldest Policy = "drop-oldest"
)

// ParsePolicy maps a configured policy name to a Policy.
func ParsePolicy(name string) (Policy, error) {
	switch Policy(name) {
	case "", DropNewest:
		return DropNewest, nil
	case DropOldest:
		return DropOldest, nil
	default:
		return "", fmt.Errorf("unknown overflow policy %q", name)
	}
}

// Job is one chunk awaiting recognition. Generation is stamped by the caller
// at submission and handed back untouched to the work function.
type Job struct {
	Sequence   uint64
	Generation uint64
	Chunk      audio.Chunk
	Submitted  time.Time
}

// ProcessFunc handles a single job. It runs on the scheduler's worker
// goroutine, never concurrently with another job.
type ProcessFunc func(ctx context.Context, job Job) error

// Outcome reports what Submit did with a job.
type Outcome int

const (
	Started Outcome = iota
	Queued
	Dropped
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Started:
		return "started"
	case Queued:
		return "queued"
	case Dropped:
		return "dropped"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Hooks are invoked outside the scheduler lock.
type Hooks struct {
	// OnDrop receives each job discarded by the overflow policy.
	OnDrop func(Job)
	// OnError receives the error of a failed job.
	OnError func(Job, error)
}

type Config struct {
	Capacity int
	Policy   Policy
	// Timeout bounds a single job; zero disables it.
	Timeout time.Duration
}

type Scheduler struct {
	cfg     Config
	process ProcessFunc
	hooks   Hooks
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	queue    *Queue[Job]
	busy     bool
	closed   bool
	inflight chan struct{}

	tracer    trace.Tracer
	submitted metric.Int64Counter
	dropped   metric.Int64Counter
	processed metric.Int64Counter
	failed    metric.Int64Counter
	latency   metric.Float64Histogram
}

func New(ctx context.Context, cfg Config, process ProcessFunc, hooks Hooks, log *slog.Logger) *Scheduler {
	if cfg.Policy == "" {
		cfg.Policy = DropNewest
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Scheduler{
		cfg:     cfg,
		process: process,
		hooks:   hooks,
		log:     log.With(slog.String("component", "scheduler")),
		ctx:     ctx,
		cancel:  cancel,
		queue:   NewQueue[Job](cfg.Capacity),
		tracer:  otel.Tracer(instrumentationName),
	}
	if err := s.initMetrics(); err != nil {
		s.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return s
}

func (s *Scheduler) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	var err error
	if s.submitted, err = meter.Int64Counter("loqa.scribe.jobs.submitted", metric.WithDescription("Chunks submitted for transcription")); err != nil {
		return err
	}
	if s.dropped, err = meter.Int64Counter("loqa.scribe.jobs.dropped", metric.WithDescription("Chunks discarded by the overflow policy")); err != nil {
		return err
	}
	if s.processed, err = meter.Int64Counter("loqa.scribe.jobs.processed", metric.WithDescription("Chunks that finished processing")); err != nil {
		return err
	}
	if s.failed, err = meter.Int64Counter("loqa.scribe.jobs.failed", metric.WithDescription("Chunks whose processing returned an error")); err != nil {
		return err
	}
	if s.latency, err = meter.Float64Histogram("loqa.scribe.jobs.latency", metric.WithDescription("Time from submission to completion"), metric.WithUnit("ms")); err != nil {
		return err
	}
	depth, err := meter.Int64ObservableGauge("loqa.scribe.queue.depth", metric.WithDescription("Jobs waiting behind the in-flight job"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(depth, int64(s.Len()))
		return nil
	}, depth)
	return err
}

// Submit hands job to the scheduler without blocking. An idle scheduler
// starts it immediately; a busy one queues it or applies the overflow policy.
func (s *Scheduler) Submit(job Job) Outcome {
	if job.Submitted.IsZero() {
		job.Submitted = time.Now()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Rejected
	}
	s.add(s.submitted, 1)

	if !s.busy {
		s.busy = true
		s.inflight = make(chan struct{})
		done := s.inflight
		s.wg.Add(1)
		s.mu.Unlock()
		go s.run(job, done)
		return Started
	}

	if s.queue.Enqueue(job) {
		s.mu.Unlock()
		return Queued
	}

	victim := job
	outcome := Dropped
	if s.cfg.Policy == DropOldest && s.queue.Cap() > 0 {
		victim, _ = s.queue.Dequeue()
		s.queue.Enqueue(job)
		outcome = Queued
	}
	s.mu.Unlock()

	s.add(s.dropped, 1, attribute.String("policy", string(s.cfg.Policy)))
	s.log.Debug("job dropped",
		slog.Uint64("sequence", victim.Sequence),
		slog.String("policy", string(s.cfg.Policy)))
	if s.hooks.OnDrop != nil {
		s.hooks.OnDrop(victim)
	}
	return outcome
}

// run executes job and then drains the queue until it is empty.
func (s *Scheduler) run(job Job, done chan struct{}) {
	defer s.wg.Done()
	for {
		s.execute(job)
		close(done)

		s.mu.Lock()
		next, ok := s.queue.Dequeue()
		if !ok || s.closed {
			s.busy = false
			s.inflight = nil
			s.mu.Unlock()
			return
		}
		s.inflight = make(chan struct{})
		done = s.inflight
		s.mu.Unlock()
		job = next
	}
}

func (s *Scheduler) execute(job Job) {
	ctx := s.ctx
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	ctx, span := s.tracer.Start(ctx, "scheduler.process", trace.WithAttributes(
		attribute.Int64("chunk.sequence", int64(job.Sequence)),
		attribute.Int64("session.generation", int64(job.Generation)),
		attribute.Int("chunk.samples", job.Chunk.Len()),
	))
	defer span.End()

	err := s.safeProcess(ctx, job)
	elapsed := time.Since(job.Submitted)
	if s.latency != nil {
		s.latency.Record(ctx, float64(elapsed)/float64(time.Millisecond))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.add(s.failed, 1)
		if s.hooks.OnError != nil {
			s.hooks.OnError(job, err)
		}
		return
	}
	s.add(s.processed, 1)
}

// safeProcess turns a panicking work function into an error so the queue
// keeps draining.
func (s *Scheduler) safeProcess(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("process chunk %d panicked: %v", job.Sequence, r)
		}
	}()
	return s.process(ctx, job)
}

// Reset discards queued jobs. The returned channel closes once the job in
// flight at the time of the call has finished, or immediately when idle.
func (s *Scheduler) Reset() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	cleared := s.queue.Clear()
	if len(cleared) > 0 {
		s.log.Debug("queue cleared", slog.Int("jobs", len(cleared)))
	}
	if s.inflight != nil {
		return s.inflight
	}
	done := make(chan struct{})
	close(done)
	return done
}

// Close rejects further submissions, discards the queue, cancels the
// in-flight job's context and waits for it to return.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.queue.Clear()
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

// Len reports the number of queued jobs, excluding the one in flight.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

func (s *Scheduler) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

func (s *Scheduler) add(counter metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if counter == nil {
		return
	}
	counter.Add(s.ctx, n, metric.WithAttributes(attrs...))
}
