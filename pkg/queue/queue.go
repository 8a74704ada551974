package queue

import (
	"errors"
	"sync"
)

var (
	ErrInvalidCapacity = errors.New("queue capacity must be >= 1")
	ErrQueueFull       = errors.New("queue is full")
)

// Policy controls what Enqueue does when the queue is at capacity.
type Policy int

const (
	// PolicyReject fails the enqueue with ErrQueueFull.
	PolicyReject Policy = iota
	// PolicyDropOldest evicts the head (the oldest element) and appends the new value.
	PolicyDropOldest
	// PolicyDropNewest discards the incoming value and keeps the queue as is.
	PolicyDropNewest
	// PolicyGrow ignores capacity.
	PolicyGrow
)

func (p Policy) String() string {
	switch p {
	case PolicyReject:
		return "reject"
	case PolicyDropOldest:
		return "drop_oldest"
	case PolicyDropNewest:
		return "drop_newest"
	case PolicyGrow:
		return "grow"
	default:
		return "unknown"
	}
}

// Outcome reports what happened to an enqueued value.
type Outcome int

const (
	Accepted Outcome = iota
	AcceptedDroppedOldest
	DroppedNewest
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case AcceptedDroppedOldest:
		return "accepted_dropped_oldest"
	case DroppedNewest:
		return "dropped_newest"
	default:
		return "unknown"
	}
}

// Result is returned by Enqueue. Dropped is only meaningful when HasDropped is set.
type Result[T any] struct {
	Outcome    Outcome
	Dropped    T
	HasDropped bool
}

// InQueue reports whether the enqueued value is now held by the queue.
func (r Result[T]) InQueue() bool {
	return r.Outcome != DroppedNewest
}

// Queue is a bounded FIFO safe for concurrent producers and consumers.
type Queue[T any] struct {
	mu       sync.Mutex
	buf      []T
	head     int
	size     int
	capacity int
	policy   Policy
}

// New creates a queue holding at most capacity elements (unless policy is PolicyGrow).
func New[T any](capacity int, policy Policy) (*Queue[T], error) {
	if capacity < 1 {
		return nil, ErrInvalidCapacity
	}
	return &Queue[T]{
		buf:      make([]T, capacity),
		capacity: capacity,
		policy:   policy,
	}, nil
}

// Enqueue appends v according to the queue's policy.
func (q *Queue[T]) Enqueue(v T) (Result[T], error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size < q.capacity {
		q.push(v)
		return Result[T]{Outcome: Accepted}, nil
	}

	switch q.policy {
	case PolicyDropOldest:
		dropped := q.pop()
		q.push(v)
		return Result[T]{Outcome: AcceptedDroppedOldest, Dropped: dropped, HasDropped: true}, nil
	case PolicyDropNewest:
		return Result[T]{Outcome: DroppedNewest, Dropped: v, HasDropped: true}, nil
	case PolicyGrow:
		q.grow()
		q.push(v)
		return Result[T]{Outcome: Accepted}, nil
	default:
		return Result[T]{}, ErrQueueFull
	}
}

// Dequeue removes and returns the head element.
func (q *Queue[T]) Dequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		var zero T
		return zero, false
	}
	return q.pop(), true
}

// DequeueIf dequeues the head only when pred holds for the current length.
func (q *Queue[T]) DequeueIf(pred func(n int) bool) (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 || !pred(q.size) {
		var zero T
		return zero, false
	}
	return q.pop(), true
}

// Drain removes every element and returns them oldest first.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]T, 0, q.size)
	for q.size > 0 {
		out = append(out, q.pop())
	}
	return out
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the configured capacity. Under PolicyGrow it is advisory.
func (q *Queue[T]) Cap() int {
	return q.capacity
}

func (q *Queue[T]) Policy() Policy {
	return q.policy
}

func (q *Queue[T]) push(v T) {
	q.buf[(q.head+q.size)%len(q.buf)] = v
	q.size++
}

func (q *Queue[T]) pop() T {
	var zero T
	v := q.buf[q.head]
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return v
}

// grow doubles the ring when every slot is used.
func (q *Queue[T]) grow() {
	if q.size < len(q.buf) {
		return
	}
	next := make([]T, len(q.buf)*2)
	for i := 0; i < q.size; i++ {
		next[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.buf = next
	q.head = 0
}
