package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// gatedProcess blocks job 1 until release is closed and reports every
// processed sequence on the returned channel.
func gatedProcess(release <-chan struct{}) (ProcessFunc, <-chan uint64) {
	processed := make(chan uint64, 16)
	fn := func(ctx context.Context, job Job) error {
		if job.Sequence == 1 {
			<-release
		}
		processed <- job.Sequence
		return nil
	}
	return fn, processed
}

func receive(t *testing.T, ch <-chan uint64, n int) []uint64 {
	t.Helper()
	var out []uint64
	for len(out) < n {
		select {
		case seq := <-ch:
			out = append(out, seq)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d jobs: %v", len(out), n, out)
		}
	}
	return out
}

func waitIdle(t *testing.T, s *Scheduler) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.Busy() {
		if time.Now().After(deadline) {
			t.Fatal("scheduler did not go idle")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubmitQueuesAndDropsNewest(t *testing.T) {
	release := make(chan struct{})
	process, processed := gatedProcess(release)
	var dropped []uint64
	var mu sync.Mutex
	hooks := Hooks{OnDrop: func(j Job) {
		mu.Lock()
		dropped = append(dropped, j.Sequence)
		mu.Unlock()
	}}
	s := New(context.Background(), Config{Capacity: 2}, process, hooks, newLogger())
	defer s.Close()

	want := []Outcome{Started, Queued, Queued, Dropped}
	for i, w := range want {
		if got := s.Submit(Job{Sequence: uint64(i + 1)}); got != w {
			t.Fatalf("job %d: expected %s, got %s", i+1, w, got)
		}
	}
	if s.Len() != 2 {
		t.Fatalf("expected 2 queued, got %d", s.Len())
	}

	close(release)
	got := receive(t, processed, 3)
	for i, seq := range []uint64{1, 2, 3} {
		if got[i] != seq {
			t.Fatalf("expected FIFO order 1,2,3, got %v", got)
		}
	}
	waitIdle(t, s)
	if len(processed) != 0 {
		t.Fatalf("dropped job was processed: %d", <-processed)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(dropped) != 1 || dropped[0] != 4 {
		t.Fatalf("expected job 4 dropped, got %v", dropped)
	}
}

func TestSubmitDropOldest(t *testing.T) {
	release := make(chan struct{})
	process, processed := gatedProcess(release)
	droppedCh := make(chan uint64, 4)
	hooks := Hooks{OnDrop: func(j Job) { droppedCh <- j.Sequence }}
	s := New(context.Background(), Config{Capacity: 2, Policy: DropOldest}, process, hooks, newLogger())
	defer s.Close()

	for i := 1; i <= 4; i++ {
		s.Submit(Job{Sequence: uint64(i)})
	}
	close(release)

	got := receive(t, processed, 3)
	if got[0] != 1 || got[1] != 3 || got[2] != 4 {
		t.Fatalf("expected 1,3,4, got %v", got)
	}
	if seq := <-droppedCh; seq != 2 {
		t.Fatalf("expected job 2 dropped, got %d", seq)
	}
}

func TestZeroCapacityDropsWhileBusy(t *testing.T) {
	release := make(chan struct{})
	process, processed := gatedProcess(release)
	s := New(context.Background(), Config{Capacity: 0, Policy: DropOldest}, process, Hooks{}, newLogger())
	defer s.Close()

	s.Submit(Job{Sequence: 1})
	if got := s.Submit(Job{Sequence: 2}); got != Dropped {
		t.Fatalf("expected drop, got %s", got)
	}
	close(release)
	receive(t, processed, 1)
}

func TestErrorDoesNotStallQueue(t *testing.T) {
	boom := errors.New("boom")
	processed := make(chan uint64, 4)
	errs := make(chan error, 4)
	process := func(ctx context.Context, job Job) error {
		processed <- job.Sequence
		if job.Sequence == 1 {
			time.Sleep(20 * time.Millisecond)
			return boom
		}
		return nil
	}
	hooks := Hooks{OnError: func(_ Job, err error) { errs <- err }}
	s := New(context.Background(), Config{Capacity: 5}, process, hooks, newLogger())
	defer s.Close()

	s.Submit(Job{Sequence: 1})
	s.Submit(Job{Sequence: 2})

	got := receive(t, processed, 2)
	if got[1] != 2 {
		t.Fatalf("expected job 2 after failure, got %v", got)
	}
	if err := <-errs; !errors.Is(err, boom) {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestPanicIsReported(t *testing.T) {
	processed := make(chan uint64, 4)
	errs := make(chan error, 4)
	process := func(ctx context.Context, job Job) error {
		if job.Sequence == 1 {
			panic("bad chunk")
		}
		processed <- job.Sequence
		return nil
	}
	s := New(context.Background(), Config{Capacity: 1}, process, Hooks{OnError: func(_ Job, err error) { errs <- err }}, newLogger())
	defer s.Close()

	s.Submit(Job{Sequence: 1})
	select {
	case <-errs:
	case <-time.After(2 * time.Second):
		t.Fatal("panic was not reported")
	}
	waitIdle(t, s)
	s.Submit(Job{Sequence: 2})
	receive(t, processed, 1)
}

func TestJobTimeout(t *testing.T) {
	errs := make(chan error, 1)
	process := func(ctx context.Context, job Job) error {
		<-ctx.Done()
		return ctx.Err()
	}
	s := New(context.Background(), Config{Capacity: 1, Timeout: 20 * time.Millisecond}, process,
		Hooks{OnError: func(_ Job, err error) { errs <- err }}, newLogger())
	defer s.Close()

	s.Submit(Job{Sequence: 1})
	select {
	case err := <-errs:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected deadline exceeded, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("job was not timed out")
	}
}

func TestResetWaitsForInflight(t *testing.T) {
	release := make(chan struct{})
	process, processed := gatedProcess(release)
	s := New(context.Background(), Config{Capacity: 5}, process, Hooks{}, newLogger())
	defer s.Close()

	s.Submit(Job{Sequence: 1})
	s.Submit(Job{Sequence: 2})
	s.Submit(Job{Sequence: 3})

	done := s.Reset()
	if s.Len() != 0 {
		t.Fatalf("expected empty queue after reset, got %d", s.Len())
	}
	select {
	case <-done:
		t.Fatal("reset signalled before the in-flight job finished")
	default:
	}

	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reset never signalled")
	}
	if got := receive(t, processed, 1); got[0] != 1 {
		t.Fatalf("unexpected job %v", got)
	}
	waitIdle(t, s)
	if len(processed) != 0 {
		t.Fatal("queued job survived reset")
	}
}

func TestResetWhenIdle(t *testing.T) {
	s := New(context.Background(), Config{Capacity: 1}, func(context.Context, Job) error { return nil }, Hooks{}, newLogger())
	defer s.Close()
	select {
	case <-s.Reset():
	default:
		t.Fatal("idle reset should be immediately done")
	}
}

func TestCloseRejects(t *testing.T) {
	s := New(context.Background(), Config{Capacity: 1}, func(context.Context, Job) error { return nil }, Hooks{}, newLogger())
	s.Close()
	if got := s.Submit(Job{Sequence: 1}); got != Rejected {
		t.Fatalf("expected rejected, got %s", got)
	}
}

func TestQueue(t *testing.T) {
	q := NewQueue[int](2)
	if !q.Enqueue(1) || !q.Enqueue(2) {
		t.Fatal("enqueue within capacity failed")
	}
	if q.Enqueue(3) {
		t.Fatal("enqueue beyond capacity succeeded")
	}
	if v, _ := q.Peek(); v != 1 {
		t.Fatalf("peek: expected 1, got %d", v)
	}
	if v, _ := q.Dequeue(); v != 1 {
		t.Fatalf("dequeue: expected 1, got %d", v)
	}
	if cleared := q.Clear(); len(cleared) != 1 || cleared[0] != 2 {
		t.Fatalf("unexpected cleared items %v", cleared)
	}
	if _, ok := q.Dequeue(); ok || !q.IsEmpty() {
		t.Fatal("expected empty queue")
	}
}

func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy(""); err != nil || p != DropNewest {
		t.Fatalf("default policy: %v %v", p, err)
	}
	if p, err := ParsePolicy("drop-oldest"); err != nil || p != DropOldest {
		t.Fatalf("drop-oldest: %v %v", p, err)
	}
	if _, err := ParsePolicy("random"); err == nil {
		t.Fatal("expected error")
	}
}
