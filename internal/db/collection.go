package db

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/skshohagmiah/livedoc/internal/queue"
)

// Collection is the authoritative document store for one collection. It owns
// the documents and the append-only change log.
//
// Mutations on the same id are serialized by a per-id lock. The commit step
// (assigning a sequence number, persisting, updating the document map and
// notifying subscribers) runs under the collection lock, so the log order is
// the commit order seen by every reader.
type Collection struct {
	name    string
	backend Backend
	logger  *slog.Logger
	locks   *keyLocks
	buffer  int

	mu     sync.RWMutex
	docs   map[string]Document
	log    []ChangeEvent
	seq    uint64
	subs   map[*Subscription]struct{}
	closed bool
}

// CollectionOptions configures a collection
type CollectionOptions struct {
	// Backend persists documents and events. nil keeps everything in memory.
	Backend Backend
	// SubscriptionBuffer is the default bound for change subscriptions (0 = unbounded)
	SubscriptionBuffer int
	Logger             *slog.Logger
}

// NewCollection creates a collection, loading its state from the backend if any
func NewCollection(name string, opts CollectionOptions) (*Collection, error) {
	if name == "" {
		return nil, ErrInvalidCollection
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Collection{
		name:    name,
		backend: opts.Backend,
		logger:  logger.With("component", "collection", "collection", name),
		locks:   newKeyLocks(),
		buffer:  opts.SubscriptionBuffer,
		docs:    make(map[string]Document),
		subs:    make(map[*Subscription]struct{}),
	}

	if c.backend != nil {
		docs, events, err := c.backend.Load(name)
		if err != nil {
			return nil, fmt.Errorf("failed to load collection %s: %w", name, err)
		}
		for _, doc := range docs {
			c.docs[doc.ID()] = doc
		}
		for _, ev := range events {
			if ev.Seq != c.seq+1 {
				return nil, fmt.Errorf("collection %s: change log gap at seq %d (expected %d)", name, ev.Seq, c.seq+1)
			}
			c.log = append(c.log, ev)
			c.seq = ev.Seq
		}
		c.logger.Debug("Collection loaded", "documents", len(c.docs), "seq", c.seq)
	}

	return c, nil
}

// Name returns the collection name
func (c *Collection) Name() string {
	return c.name
}

// Seq returns the sequence number of the last committed change
func (c *Collection) Seq() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.seq
}

// Insert adds a new document. A missing id is generated.
func (c *Collection) Insert(ctx context.Context, doc Document) (Document, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: nil document", ErrInvalidDocument)
	}
	next := doc.Clone()
	id, err := documentID(next)
	if err != nil {
		return nil, err
	}
	if id == "" {
		id = uuid.New().String()
	}

	return c.mutate(ctx, id, OriginLocal, func(cur Document) (Document, Kind, error) {
		rev := int64(1)
		if cur != nil {
			if !cur.Deleted() {
				return nil, "", fmt.Errorf("%w: document %q already exists", ErrConflict, id)
			}
			// Re-inserting over a tombstone keeps the revision counter going.
			rev = cur.Rev() + 1
		}
		next[FieldID] = id
		next[FieldRev] = rev
		next[FieldDeleted] = false
		return next, KindInsert, nil
	})
}

// Update applies mutate to a copy of the current document and commits it
func (c *Collection) Update(ctx context.Context, id string, mutate Mutator) (Document, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrInvalidDocument)
	}
	if mutate == nil {
		return nil, fmt.Errorf("%w: nil mutator", ErrInvalidDocument)
	}

	return c.mutate(ctx, id, OriginLocal, func(cur Document) (Document, Kind, error) {
		if cur == nil || cur.Deleted() {
			return nil, "", fmt.Errorf("%w: %q", ErrNotFound, id)
		}
		next := cur.Clone()
		if err := mutate(next); err != nil {
			return nil, "", err
		}
		if next == nil || next.ID() != id {
			return nil, "", fmt.Errorf("%w: id of %q cannot change", ErrInvalidDocument, id)
		}
		next[FieldRev] = cur.Rev() + 1
		next[FieldDeleted] = false
		return next, KindUpdate, nil
	})
}

// Remove marks the document as deleted. The tombstone keeps its fields.
func (c *Collection) Remove(ctx context.Context, id string) (Document, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrInvalidDocument)
	}

	return c.mutate(ctx, id, OriginLocal, func(cur Document) (Document, Kind, error) {
		if cur == nil || cur.Deleted() {
			return nil, "", fmt.Errorf("%w: %q", ErrNotFound, id)
		}
		next := cur.Clone()
		next[FieldRev] = cur.Rev() + 1
		next[FieldDeleted] = true
		return next, KindDelete, nil
	})
}

// Put writes doc as given, on behalf of origin. It is the replicated write:
// the stored revision is max(current+1, doc._rev), tombstones are honored and
// the change event carries origin so the writer can recognize its own writes.
func (c *Collection) Put(ctx context.Context, doc Document, origin string) (Document, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: nil document", ErrInvalidDocument)
	}
	next := doc.Clone()
	id, err := documentID(next)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, fmt.Errorf("%w: replicated document without id", ErrInvalidDocument)
	}

	return c.mutate(ctx, id, origin, func(cur Document) (Document, Kind, error) {
		rev := next.Rev()
		if cur != nil && cur.Rev()+1 > rev {
			rev = cur.Rev() + 1
		}
		if rev < 1 {
			rev = 1
		}
		deleted := next.Deleted()
		next[FieldRev] = rev
		next[FieldDeleted] = deleted

		kind := KindUpdate
		switch {
		case deleted:
			kind = KindDelete
		case cur == nil || cur.Deleted():
			kind = KindInsert
		}
		return next, kind, nil
	})
}

// Get returns the current document, or nil if absent or deleted
func (c *Collection) Get(ctx context.Context, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc := c.Lookup(id)
	if doc == nil || doc.Deleted() {
		return nil, nil
	}
	return doc, nil
}

// Lookup returns a copy of the current revision, tombstones included
func (c *Collection) Lookup(id string) Document {
	c.mu.RLock()
	doc := c.docs[id]
	c.mu.RUnlock()
	return doc.Clone()
}

// Find searches for documents matching the descriptor
func (c *Collection) Find(ctx context.Context, desc Descriptor) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := desc.Compile()
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	results := make([]Document, 0)
	for _, doc := range c.docs {
		if m.Match(doc) {
			results = append(results, doc)
		}
	}
	c.mu.RUnlock()

	m.Sort(results)
	results = m.Window(results)
	for i := range results {
		results[i] = results[i].Clone()
	}
	return results, nil
}

// Count returns the number of live documents
func (c *Collection) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, doc := range c.docs {
		if !doc.Deleted() {
			n++
		}
	}
	return n
}

// ChangesSince returns the change events with a sequence number above seq
func (c *Collection) ChangesSince(ctx context.Context, seq uint64) ([]ChangeEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.changesSinceLocked(seq), nil
}

// ChangesPage returns at most limit change events with a sequence number
// above seq (limit <= 0 for all of them), and the sequence number of the
// last commit
func (c *Collection) ChangesPage(ctx context.Context, seq uint64, limit int) ([]ChangeEvent, uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	events := c.changesSinceLocked(seq)
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, c.seq, nil
}

// changesSinceLocked relies on log[i].Seq == i+1
func (c *Collection) changesSinceLocked(seq uint64) []ChangeEvent {
	if seq >= uint64(len(c.log)) {
		return []ChangeEvent{}
	}
	out := make([]ChangeEvent, len(c.log)-int(seq))
	copy(out, c.log[seq:])
	return out
}

// Subscribe returns a feed of the change events after since, followed by
// every later commit
func (c *Collection) Subscribe(since uint64, opts SubscribeOptions) (*Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	sub := c.newSubscriptionLocked(opts)
	for _, ev := range c.changesSinceLocked(since) {
		if err := sub.q.Push(ev); err != nil {
			return nil, err
		}
	}
	c.subs[sub] = struct{}{}
	return sub, nil
}

// SubscribeSnapshot atomically returns the live documents, the sequence they
// reflect and a subscription delivering every commit after that sequence
func (c *Collection) SubscribeSnapshot(opts SubscribeOptions) ([]Document, uint64, *Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, 0, nil, ErrClosed
	}

	docs := make([]Document, 0, len(c.docs))
	for _, doc := range c.docs {
		if !doc.Deleted() {
			docs = append(docs, doc.Clone())
		}
	}
	sub := c.newSubscriptionLocked(opts)
	c.subs[sub] = struct{}{}
	return docs, c.seq, sub, nil
}

func (c *Collection) newSubscriptionLocked(opts SubscribeOptions) *Subscription {
	limit := opts.Buffer
	if limit == 0 {
		limit = c.buffer
	}
	return &Subscription{coll: c, q: queue.New[ChangeEvent](limit)}
}

func (c *Collection) removeSubscription(sub *Subscription) {
	c.mu.Lock()
	delete(c.subs, sub)
	c.mu.Unlock()
}

// Close ends all subscriptions. Pending events are still delivered.
func (c *Collection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for sub := range c.subs {
		sub.q.Close(ErrClosed)
	}
	c.subs = make(map[*Subscription]struct{})
}

type mutation func(cur Document) (next Document, kind Kind, err error)

func (c *Collection) mutate(ctx context.Context, id, origin string, fn mutation) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unlock := c.locks.lock(id)
	defer unlock()

	c.mu.RLock()
	closed := c.closed
	cur := c.docs[id]
	c.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	next, kind, err := fn(cur)
	if err != nil {
		return nil, err
	}
	return c.commit(next, kind, origin)
}

func (c *Collection) commit(next Document, kind Kind, origin string) (Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	ev := ChangeEvent{
		Seq:    c.seq + 1,
		ID:     next.ID(),
		Rev:    next.Rev(),
		Kind:   kind,
		Origin: origin,
		Doc:    next.Clone(),
	}
	if c.backend != nil {
		if err := c.backend.Commit(c.name, next, ev); err != nil {
			return nil, fmt.Errorf("failed to persist %s %q: %w", kind, ev.ID, err)
		}
	}

	c.seq = ev.Seq
	c.docs[ev.ID] = next
	c.log = append(c.log, ev)

	for sub := range c.subs {
		if err := sub.q.Push(ev); err != nil {
			c.logger.Warn("Dropping subscription", "seq", ev.Seq, "error", err)
			delete(c.subs, sub)
		}
	}

	return next.Clone(), nil
}

func documentID(doc Document) (string, error) {
	raw, ok := doc[FieldID]
	if !ok || raw == nil {
		return "", nil
	}
	id, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: id must be a string, got %T", ErrInvalidDocument, raw)
	}
	return id, nil
}
