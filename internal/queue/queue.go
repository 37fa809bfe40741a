package queue

import (
	"errors"
	"sync"
)

// Common errors
var (
	ErrOverflow = errors.New("subscription buffer overflow")
	ErrClosed   = errors.New("queue closed")
)

// Queue is an ordered, buffered, one-directional channel between a producer
// that must never block (a collection commit, a connection read loop) and a
// single consumer reading C().
//
// A limit of 0 means unbounded. Pushing past a positive limit is fatal for the
// queue: items already accepted are still delivered, then C() is closed and
// Err() reports ErrOverflow.
type Queue[T any] struct {
	mu      sync.Mutex
	items   []T
	limit   int
	closing bool
	err     error

	notify   chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	out      chan T
	done     chan struct{}
}

// New creates a queue and starts its delivery goroutine
func New[T any](limit int) *Queue[T] {
	if limit < 0 {
		limit = 0
	}
	q := &Queue[T]{
		limit:  limit,
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		out:    make(chan T),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

// Push appends an item without blocking
func (q *Queue[T]) Push(v T) error {
	q.mu.Lock()
	if q.closing {
		err := q.err
		q.mu.Unlock()
		if err == nil {
			err = ErrClosed
		}
		return err
	}
	if q.limit > 0 && len(q.items) >= q.limit {
		q.closing = true
		q.err = ErrOverflow
		q.mu.Unlock()
		q.signal()
		return ErrOverflow
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.signal()
	return nil
}

// C returns the delivery channel. It is closed once the queue has finished.
func (q *Queue[T]) C() <-chan T {
	return q.out
}

// Done is closed after the delivery goroutine has exited
func (q *Queue[T]) Done() <-chan struct{} {
	return q.done
}

// Err returns the reason the queue ended, nil for a clean close
func (q *Queue[T]) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// Len returns the number of undelivered items
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting items. Pending items are still delivered before C()
// is closed. A non-nil err is reported by Err() unless one is already set.
func (q *Queue[T]) Close(err error) {
	q.mu.Lock()
	if !q.closing {
		q.closing = true
		q.err = err
	}
	q.mu.Unlock()
	q.signal()
}

// Stop ends delivery immediately, discarding pending items. When Stop
// returns, no further item will be received from C().
func (q *Queue[T]) Stop(err error) {
	q.mu.Lock()
	if q.err == nil {
		q.err = err
	}
	q.closing = true
	q.items = nil
	q.mu.Unlock()

	q.stopOnce.Do(func() {
		close(q.stop)
	})
	<-q.done
}

func (q *Queue[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// run moves items from the buffer to the unbuffered out channel. out is
// unbuffered so that a receive always happens before Stop returns.
func (q *Queue[T]) run() {
	defer close(q.done)
	defer close(q.out)

	var zero T
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			closing := q.closing
			q.mu.Unlock()
			if closing {
				return
			}
			select {
			case <-q.notify:
				continue
			case <-q.stop:
				return
			}
		}
		v := q.items[0]
		q.items[0] = zero
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- v:
		case <-q.stop:
			return
		}
	}
}
