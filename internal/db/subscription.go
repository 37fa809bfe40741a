package db

import (
	"sync"

	"github.com/skshohagmiah/livedoc/internal/queue"
)

// SubscribeOptions configures a change feed subscription
type SubscribeOptions struct {
	// Buffer bounds the number of undelivered events. 0 uses the collection
	// default; a negative value means unbounded.
	Buffer int
}

// Subscription delivers committed change events in commit order
type Subscription struct {
	coll *Collection
	q    *queue.Queue[ChangeEvent]
	once sync.Once
}

// C returns the event channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan ChangeEvent {
	return s.q.C()
}

// Done is closed when the subscription has ended
func (s *Subscription) Done() <-chan struct{} {
	return s.q.Done()
}

// Err reports why the subscription ended: nil after Unsubscribe,
// ErrSubscriptionOverflow for a consumer that fell too far behind, ErrClosed
// when the collection was closed.
func (s *Subscription) Err() error {
	return s.q.Err()
}

// Unsubscribe releases the subscription. It is idempotent and no event is
// delivered after it returns.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.coll.removeSubscription(s)
		s.q.Stop(nil)
	})
}
