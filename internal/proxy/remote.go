package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/skshohagmiah/livedoc/internal/db"
	"github.com/skshohagmiah/livedoc/internal/livequery"
	"github.com/skshohagmiah/livedoc/internal/protocol"
	"github.com/skshohagmiah/livedoc/internal/queue"
)

// RemoteCollection is a collection of the host's database, used through a
// proxy client. It implements db.Store.
type RemoteCollection struct {
	client *Client
	name   string
}

var _ db.Store = (*RemoteCollection)(nil)

// Name returns the collection name
func (r *RemoteCollection) Name() string {
	return r.name
}

func (r *RemoteCollection) Insert(ctx context.Context, doc db.Document) (db.Document, error) {
	var out db.Document
	if err := r.client.call(ctx, protocol.OpInsert, r.name, "", protocol.InsertArgs{Doc: doc}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Update runs mutate locally on the current document and asks the host to
// store the result if the document has not changed in the meantime. On a
// conflict it reads the document again and retries.
func (r *RemoteCollection) Update(ctx context.Context, id string, mutate db.Mutator) (db.Document, error) {
	var lastErr error
	for attempt := 0; attempt < r.client.opts.MaxUpdateAttempts; attempt++ {
		current, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, fmt.Errorf("%w: %q", db.ErrNotFound, id)
		}

		next := current.Clone()
		if err := mutate(next); err != nil {
			return nil, err
		}

		var out db.Document
		err = r.client.call(ctx, protocol.OpUpdate, r.name, "", protocol.UpdateArgs{
			ID:          id,
			ExpectedRev: current.Rev(),
			Doc:         next,
		}, &out)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, db.ErrConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("update of %q gave up after %d attempts: %w", id, r.client.opts.MaxUpdateAttempts, lastErr)
}

func (r *RemoteCollection) Remove(ctx context.Context, id string) (db.Document, error) {
	var out db.Document
	if err := r.client.call(ctx, protocol.OpRemove, r.name, "", protocol.IDArgs{ID: id}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns the current document, or nil if absent or deleted
func (r *RemoteCollection) Get(ctx context.Context, id string) (db.Document, error) {
	var out db.Document
	if err := r.client.call(ctx, protocol.OpGet, r.name, "", protocol.IDArgs{ID: id}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *RemoteCollection) Find(ctx context.Context, desc db.Descriptor) ([]db.Document, error) {
	var out []db.Document
	if err := r.client.call(ctx, protocol.OpFind, r.name, "", protocol.FindArgs{Query: desc}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ChangesSince reads the change log after seq page by page, up to the head
// reported with the first page
func (r *RemoteCollection) ChangesSince(ctx context.Context, seq uint64) ([]db.ChangeEvent, error) {
	first, err := r.ChangesPage(ctx, seq, 0)
	if err != nil {
		return nil, err
	}
	out := first.Events
	head := first.Head
	for len(out) > 0 && out[len(out)-1].Seq < head {
		page, err := r.ChangesPage(ctx, out[len(out)-1].Seq, 0)
		if err != nil {
			return nil, err
		}
		if len(page.Events) == 0 {
			break
		}
		out = append(out, page.Events...)
	}
	if out == nil {
		out = []db.ChangeEvent{}
	}
	return out, nil
}

// ChangesPage reads one page of at most limit change events after seq. The
// host caps the page size, 0 asks for its maximum.
func (r *RemoteCollection) ChangesPage(ctx context.Context, seq uint64, limit int) (*protocol.ChangesResult, error) {
	var out protocol.ChangesResult
	args := protocol.ChangesSinceArgs{Seq: seq, Limit: limit}
	if err := r.client.call(ctx, protocol.OpChangesSince, r.name, "", args, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Seq returns the sequence number of the last commit of the collection
func (r *RemoteCollection) Seq(ctx context.Context) (uint64, error) {
	var seq uint64
	if err := r.client.call(ctx, protocol.OpSeq, r.name, "", nil, &seq); err != nil {
		return 0, err
	}
	return seq, nil
}

// Watch follows the change feed of the collection after since
func (r *RemoteCollection) Watch(ctx context.Context, since uint64) (*ChangeFeed, error) {
	rel := &releaser{client: r.client}
	feed := &ChangeFeed{
		q:       queue.New[db.ChangeEvent](r.client.opts.SubscriptionBuffer),
		release: rel.release,
	}

	id, err := r.client.subscribe(ctx, protocol.OpWatch, r.name, protocol.WatchArgs{
		Since:  since,
		Buffer: r.client.opts.SubscriptionBuffer,
	}, &remoteSub{
		deliver: func(env *protocol.Envelope) error {
			if env.Event == nil {
				return nil
			}
			return feed.q.Push(*env.Event)
		},
		end: feed.q.Close,
	})
	if err != nil {
		feed.q.Stop(err)
		return nil, err
	}
	rel.bind(id)

	return feed, nil
}

// Live runs a live query on the host. Snapshots are computed by the host
// and delivered through the returned handle.
func (r *RemoteCollection) Live(ctx context.Context, desc db.Descriptor) (*livequery.Handle, error) {
	if _, err := desc.Compile(); err != nil {
		return nil, err
	}

	rel := &releaser{client: r.client}
	handle, pub := livequery.NewPublisher(r.client.opts.SubscriptionBuffer, rel.release)

	subID, err := r.client.subscribe(ctx, protocol.OpLive, r.name, protocol.LiveArgs{
		Query:  desc,
		Buffer: r.client.opts.SubscriptionBuffer,
	}, &remoteSub{
		deliver: func(env *protocol.Envelope) error {
			if env.Snapshot == nil {
				return nil
			}
			return pub.Publish(*env.Snapshot)
		},
		end: pub.Close,
	})
	if err != nil {
		pub.Close(err)
		handle.Unsubscribe()
		return nil, err
	}
	rel.bind(subID)

	return handle, nil
}

// releaser ends a host subscription whether the local side is released
// before or after the subscription id is known
type releaser struct {
	client   *Client
	mu       sync.Mutex
	id       string
	released bool
}

func (r *releaser) release() {
	r.mu.Lock()
	r.released = true
	id := r.id
	r.mu.Unlock()
	if id != "" {
		r.client.release(id)
	}
}

// bind records the id of the subscription, releasing it at once if the
// local side is already gone
func (r *releaser) bind(id string) {
	r.mu.Lock()
	r.id = id
	released := r.released
	r.mu.Unlock()
	if released {
		r.client.release(id)
	}
}

// ChangeFeed is a change feed subscription on a remote collection
type ChangeFeed struct {
	q       *queue.Queue[db.ChangeEvent]
	release func()
	once    sync.Once
}

// C returns the event channel. It is closed when the feed ends.
func (f *ChangeFeed) C() <-chan db.ChangeEvent {
	return f.q.C()
}

// Done is closed when the feed has ended
func (f *ChangeFeed) Done() <-chan struct{} {
	return f.q.Done()
}

// Err reports why the feed ended: nil after Unsubscribe, db.ErrTransport
// after a connection loss, or the error reported by the host
func (f *ChangeFeed) Err() error {
	return f.q.Err()
}

// Unsubscribe stops the feed. No event is delivered after it returns.
func (f *ChangeFeed) Unsubscribe() {
	f.once.Do(func() {
		f.release()
		f.q.Stop(nil)
	})
}
