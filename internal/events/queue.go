package events

import "sync"

// Queue is a bounded, non-blocking notice buffer for one subscriber.
type Queue struct {
	ch   chan Notice
	done chan struct{}
	once sync.Once
}

// NewQueue creates a queue holding at most size notices.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 1
	}
	return &Queue{
		ch:   make(chan Notice, size),
		done: make(chan struct{}),
	}
}

// Push adds n without blocking. It returns false if the queue is full or
// closed.
func (q *Queue) Push(n Notice) bool {
	select {
	case <-q.done:
		return false
	default:
	}
	select {
	case q.ch <- n:
		return true
	default:
		return false
	}
}

// C returns the channel notices are read from.
func (q *Queue) C() <-chan Notice { return q.ch }

// Done is closed when the queue is closed.
func (q *Queue) Done() <-chan struct{} { return q.done }

// Len returns the number of queued notices.
func (q *Queue) Len() int { return len(q.ch) }

// Close stops the queue. Queued notices stay readable from C.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.done) })
}
