// Package livequery keeps query results up to date. A live query takes an
// initial result from a consistent snapshot of a collection and then folds
// every committed change into it, emitting a new ordered snapshot whenever
// the result changes.
package livequery

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/skshohagmiah/livedoc/internal/db"
	"github.com/skshohagmiah/livedoc/internal/queue"
)

// Source is anything a live query can follow. *db.Collection implements it.
type Source interface {
	SubscribeSnapshot(opts db.SubscribeOptions) ([]db.Document, uint64, *db.Subscription, error)
}

// Snapshot is one emitted query result. Documents are shared with the
// collection's change log and must be treated as read-only.
type Snapshot struct {
	Seq       uint64        `json:"seq"`
	Documents []db.Document `json:"documents"`
}

// IDs returns the ordered document ids of the snapshot
func (s Snapshot) IDs() []string {
	ids := make([]string, len(s.Documents))
	for i, doc := range s.Documents {
		ids[i] = doc.ID()
	}
	return ids
}

// Options configures a live query
type Options struct {
	// Buffer bounds the number of undelivered snapshots and change events
	// (0 = unbounded). A consumer that falls further behind is ended with
	// db.ErrSubscriptionOverflow.
	Buffer int
	Logger *slog.Logger
}

// Handle is a running live query
type Handle struct {
	q       *queue.Queue[Snapshot]
	release func()
	once    sync.Once
}

// Snapshots returns the snapshot channel. The first snapshot is the initial
// result. The channel is closed when the handle ends.
func (h *Handle) Snapshots() <-chan Snapshot {
	return h.q.C()
}

// Done is closed when the handle has ended
func (h *Handle) Done() <-chan struct{} {
	return h.q.Done()
}

// Err reports why the handle ended, nil after Unsubscribe
func (h *Handle) Err() error {
	return h.q.Err()
}

// Unsubscribe stops the live query. It is idempotent and no snapshot is
// delivered after it returns.
func (h *Handle) Unsubscribe() {
	h.once.Do(func() {
		if h.release != nil {
			h.release()
		}
		h.q.Stop(nil)
	})
}

// Publisher feeds a Handle whose snapshots are computed elsewhere, such as
// on the other side of a proxy connection
type Publisher struct {
	h *Handle
}

// NewPublisher returns a handle and the publisher feeding it. release is
// called once when the handle is unsubscribed.
func NewPublisher(buffer int, release func()) (*Handle, *Publisher) {
	h := &Handle{q: queue.New[Snapshot](buffer), release: release}
	return h, &Publisher{h: h}
}

// Publish delivers a snapshot without blocking
func (p *Publisher) Publish(s Snapshot) error {
	return p.h.q.Push(s)
}

// Close ends the handle after the published snapshots have been delivered
func (p *Publisher) Close(err error) {
	p.h.q.Close(err)
}

// Subscribe starts a live query over src
func Subscribe(src Source, desc db.Descriptor, opts Options) (*Handle, error) {
	m, err := desc.Compile()
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	docs, seq, sub, err := src.SubscribeSnapshot(db.SubscribeOptions{Buffer: opts.Buffer})
	if err != nil {
		return nil, err
	}

	r := newResult(m)
	r.reset(docs)

	stop := make(chan struct{})
	exited := make(chan struct{})
	h := &Handle{
		q: queue.New[Snapshot](opts.Buffer),
		release: func() {
			close(stop)
			sub.Unsubscribe()
			<-exited
		},
	}

	initial := r.snapshot(seq)
	if err := h.q.Push(initial); err != nil {
		sub.Unsubscribe()
		return nil, err
	}

	q := &query{
		result: r,
		sub:    sub,
		out:    h.q,
		last:   initial.IDs(),
		logger: logger.With("component", "livequery"),
	}
	go q.run(stop, exited)

	return h, nil
}

type query struct {
	result *result
	sub    *db.Subscription
	out    *queue.Queue[Snapshot]
	last   []string
	logger *slog.Logger
}

func (q *query) run(stop <-chan struct{}, exited chan<- struct{}) {
	defer close(exited)

	for {
		select {
		case <-stop:
			return
		case ev, ok := <-q.sub.C():
			if !ok {
				if err := q.sub.Err(); err != nil {
					q.logger.Debug("Change feed ended", "error", err)
					q.out.Close(err)
				}
				return
			}

			q.result.apply(ev)
			snap := q.result.snapshot(ev.Seq)
			ids := snap.IDs()
			if equalIDs(ids, q.last) {
				continue
			}
			q.last = ids
			if err := q.out.Push(snap); err != nil {
				q.logger.Warn("Ending live query", "seq", ev.Seq, "error", err)
				q.sub.Unsubscribe()
				return
			}
		}
	}
}

// result is the full ordered membership of a query, before skip and limit
type result struct {
	m       *db.Matcher
	members []db.Document
	byID    map[string]db.Document
}

func newResult(m *db.Matcher) *result {
	return &result{m: m, byID: make(map[string]db.Document)}
}

func (r *result) reset(docs []db.Document) {
	r.members = r.members[:0]
	r.byID = make(map[string]db.Document)
	for _, doc := range docs {
		if r.m.Match(doc) {
			r.members = append(r.members, doc)
			r.byID[doc.ID()] = doc
		}
	}
	r.m.Sort(r.members)
}

// apply folds one change event into the membership
func (r *result) apply(ev db.ChangeEvent) {
	if old, ok := r.byID[ev.ID]; ok {
		i := r.search(old)
		if i < len(r.members) && r.members[i].ID() == ev.ID {
			r.members = append(r.members[:i], r.members[i+1:]...)
		}
		delete(r.byID, ev.ID)
	}

	if !r.m.Match(ev.Doc) {
		return
	}
	i := r.search(ev.Doc)
	r.members = append(r.members, nil)
	copy(r.members[i+1:], r.members[i:])
	r.members[i] = ev.Doc
	r.byID[ev.ID] = ev.Doc
}

// search returns the position of doc in the sort order
func (r *result) search(doc db.Document) int {
	return sort.Search(len(r.members), func(i int) bool {
		return r.m.Compare(r.members[i], doc) >= 0
	})
}

func (r *result) snapshot(seq uint64) Snapshot {
	window := r.m.Window(r.members)
	docs := make([]db.Document, len(window))
	copy(docs, window)
	return Snapshot{Seq: seq, Documents: docs}
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
