package sitetree

import (
	"errors"
	"sync"
)

// ErrQueueClosed is returned when submitting to a closed Queue.
var ErrQueueClosed = errors.New("insertion queue closed")

// Queue runs tree updates on a single worker goroutine in submission order.
// Submit never blocks on the worker.
type Queue struct {
	mu      sync.Mutex
	pending []func()
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

// NewQueue starts the worker.
func NewQueue() *Queue {
	q := &Queue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// Submit schedules fn.
func (q *Queue) Submit(fn func()) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.pending = append(q.pending, fn)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	q.mu.Unlock()
	return nil
}

// Flush waits until every task submitted before the call has run.
func (q *Queue) Flush() {
	ran := make(chan struct{})
	if err := q.Submit(func() { close(ran) }); err != nil {
		<-q.done
		return
	}
	<-ran
}

// Close runs the remaining tasks and stops the worker.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.wake)
	}
	q.mu.Unlock()
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		_, open := <-q.wake
		for {
			q.mu.Lock()
			batch := q.pending
			q.pending = nil
			q.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				fn()
			}
		}
		if !open {
			return
		}
	}
}
