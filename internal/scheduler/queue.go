package scheduler

// Queue is a bounded FIFO. It is not safe for concurrent use; the scheduler
// guards it with its own mutex.
type Queue[T any] struct {
	items    []T
	capacity int
}

// NewQueue returns a queue holding at most capacity items. A capacity of
// zero or less means the queue never accepts anything.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue[T]{items: make([]T, 0, capacity), capacity: capacity}
}

// Enqueue appends item and reports false when the queue is full.
func (q *Queue[T]) Enqueue(item T) bool {
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, item)
	return true
}

// Dequeue removes and returns the front item.
func (q *Queue[T]) Dequeue() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return item, true
}

func (q *Queue[T]) Peek() (T, bool) {
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.items[0], true
}

// Clear drops every item and returns them in order.
func (q *Queue[T]) Clear() []T {
	dropped := q.items
	q.items = make([]T, 0, q.capacity)
	return dropped
}

func (q *Queue[T]) Len() int      { return len(q.items) }
func (q *Queue[T]) Cap() int      { return q.capacity }
func (q *Queue[T]) IsEmpty() bool { return len(q.items) == 0 }
func (q *Queue[T]) IsFull() bool  { return len(q.items) >= q.capacity }
