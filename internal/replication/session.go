// Package replication keeps a local collection in sync with a remote change
// stream. A Session pulls remote changes into the collection and pushes
// local changes to the remote, resolving diverging revisions with a
// Resolver.
package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skshohagmiah/livedoc/internal/db"
	"github.com/skshohagmiah/livedoc/internal/queue"
)

// State of a session
type State int

const (
	Idle State = iota
	InitialSync
	Streaming
	Paused
	Errored
	Canceled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case InitialSync:
		return "initial-sync"
	case Streaming:
		return "streaming"
	case Paused:
		return "paused"
	case Errored:
		return "errored"
	case Canceled:
		return "canceled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Defaults
const (
	DefaultBatchSize    = 30
	DefaultPullInterval = time.Second
)

// Options configures a session
type Options struct {
	// Identifier is unique per collection and remote. It keys the
	// checkpoint and tags the writes of the session.
	Identifier string

	// Live keeps the session streaming after the initial sync. Otherwise
	// it pushes the pending local changes once and cancels itself.
	Live bool

	PullBatchSize int
	PushBatchSize int
	PullInterval  time.Duration

	Retry       Backoff
	Resolver    Resolver
	Checkpoints CheckpointStore

	// OutputBuffer bounds each output channel (0 = unbounded)
	OutputBuffer int

	Logger *slog.Logger
}

// Session replicates one collection with one remote
type Session struct {
	coll   *db.Collection
	remote Remote
	opts   Options
	origin string
	logger *slog.Logger

	mu          sync.Mutex
	state       State
	started     bool
	activeCount int

	cpMu sync.Mutex
	cp   Checkpoint

	progress atomic.Bool

	errs     *queue.Queue[error]
	sent     *queue.Queue[db.Document]
	received *queue.Queue[db.Document]
	active   *queue.Queue[bool]

	initial     chan struct{}
	initialOnce sync.Once
	initialErr  error

	canceled   chan struct{}
	cancelOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSession creates an idle session. Call Start to run it.
func NewSession(coll *db.Collection, remote Remote, opts Options) (*Session, error) {
	if opts.Identifier == "" {
		return nil, fmt.Errorf("%w: replication identifier is required", db.ErrReplication)
	}
	if opts.PullBatchSize <= 0 {
		opts.PullBatchSize = DefaultBatchSize
	}
	if opts.PushBatchSize <= 0 {
		opts.PushBatchSize = DefaultBatchSize
	}
	if opts.PullInterval <= 0 {
		opts.PullInterval = DefaultPullInterval
	}
	opts.Retry = opts.Retry.withDefaults()
	if opts.Resolver == nil {
		opts.Resolver = RevisionResolver{}
	}
	if opts.Checkpoints == nil {
		opts.Checkpoints = NewMemoryCheckpoints()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		coll:     coll,
		remote:   remote,
		opts:     opts,
		origin:   "replication:" + opts.Identifier,
		logger:   logger.With("component", "replication", "replication", opts.Identifier),
		errs:     queue.New[error](opts.OutputBuffer),
		sent:     queue.New[db.Document](opts.OutputBuffer),
		received: queue.New[db.Document](opts.OutputBuffer),
		active:   queue.New[bool](opts.OutputBuffer),
		initial:  make(chan struct{}),
		canceled: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}, nil
}

// Origin is the tag of the writes this session applies to the collection
func (s *Session) Origin() string {
	return s.origin
}

// Errors delivers every replication error
func (s *Session) Errors() <-chan error { return s.errs.C() }

// Sent delivers each document accepted by the remote
func (s *Session) Sent() <-chan db.Document { return s.sent.C() }

// Received delivers each remote document applied to the collection
func (s *Session) Received() <-chan db.Document { return s.received.C() }

// Active delivers true when a replication cycle starts working and false
// when it goes idle
func (s *Session) Active() <-chan bool { return s.active.C() }

// Canceled is closed when the session is canceled
func (s *Session) Canceled() <-chan struct{} { return s.canceled }

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Checkpoint returns the current checkpoint
func (s *Session) Checkpoint() Checkpoint {
	s.cpMu.Lock()
	defer s.cpMu.Unlock()
	return s.cp
}

// Start runs the session in the background
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.state != Idle {
		return fmt.Errorf("%w: session %s already started", db.ErrReplication, s.opts.Identifier)
	}
	s.started = true
	go s.run()
	return nil
}

// AwaitInitialReplication waits until the initial sync has completed. It
// fails if the session stops first.
func (s *Session) AwaitInitialReplication(ctx context.Context) error {
	select {
	case <-s.initial:
		return s.initialErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel stops the session for good and closes its output channels
func (s *Session) Cancel() {
	s.cancelOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		started := s.started
		s.mu.Unlock()
		if started {
			<-s.done
		}

		s.mu.Lock()
		s.state = Canceled
		s.mu.Unlock()

		s.initialDone(fmt.Errorf("%w: session canceled", db.ErrReplication))
		s.errs.Close(nil)
		s.sent.Close(nil)
		s.received.Close(nil)
		s.active.Close(nil)
		close(s.canceled)

		s.logger.Info("Replication canceled")
	})
}

func (s *Session) run() {
	defer close(s.done)

	cp, err := s.opts.Checkpoints.Load(s.ctx, s.opts.Identifier)
	if err != nil {
		s.fail(Fatal("CheckpointError", err))
		return
	}
	s.cpMu.Lock()
	s.cp = cp
	s.cpMu.Unlock()
	s.logger.Info("Replication started", "local", cp.Local, "remote", cp.Remote, "live", s.opts.Live)

	attempt := 0
	for {
		err := s.cycle()
		if s.ctx.Err() != nil {
			return
		}
		if err == nil {
			s.logger.Info("Replication pass finished")
			go s.Cancel()
			return
		}

		rerr := asError(err)
		s.emitError(rerr)
		if rerr.Fatal {
			s.fail(rerr)
			return
		}

		if s.progress.Load() {
			attempt = 0
		}
		attempt++
		if s.opts.Retry.Exhausted(attempt) {
			s.fail(rerr)
			return
		}

		delay := s.opts.Retry.Delay(attempt)
		s.setState(Paused)
		s.logger.Warn("Replication paused", "attempt", attempt, "retry_in", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// cycle runs the initial sync and then streams until an error. A non-live
// cycle returns nil after one push pass.
func (s *Session) cycle() error {
	s.progress.Store(false)
	s.setState(InitialSync)

	for {
		more, err := s.pullOnce(s.ctx)
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	s.initialDone(nil)

	if !s.opts.Live {
		return s.pushPending(s.ctx)
	}

	s.setState(Streaming)
	g, ctx := errgroup.WithContext(s.ctx)
	g.Go(func() error { return s.pushLoop(ctx) })
	g.Go(func() error { return s.pullLoop(ctx) })
	return g.Wait()
}

// pullOnce applies one batch of remote changes and reports whether the
// remote has more
func (s *Session) pullOnce(ctx context.Context) (bool, error) {
	since := s.Checkpoint().Remote
	res, err := s.remote.Pull(ctx, since, s.opts.PullBatchSize)
	if err != nil {
		return false, err
	}
	s.progress.Store(true)

	if len(res.Documents) > 0 {
		s.setActive(true)
		err := s.applyRemote(ctx, res.Documents)
		s.setActive(false)
		if err != nil {
			return false, err
		}
	}
	if res.Checkpoint != since {
		if err := s.saveCheckpoint(ctx, func(cp *Checkpoint) { cp.Remote = res.Checkpoint }); err != nil {
			return false, err
		}
	}
	return res.HasMore, nil
}

func (s *Session) pullLoop(ctx context.Context) error {
	for {
		more, err := s.pullOnce(ctx)
		if err != nil {
			return err
		}
		if more {
			continue
		}

		timer := time.NewTimer(s.opts.PullInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// applyRemote writes the remote documents that win over the local state.
// A remote state that had to be stored at a higher revision than the
// remote's, because the local document was already at that revision, is
// pushed back so both sides agree on the revision.
func (s *Session) applyRemote(ctx context.Context, docs []db.Document) error {
	var reassert []db.Document
	for _, remote := range docs {
		local := s.coll.Lookup(remote.ID())
		if local != nil && local.Rev() >= remote.Rev() && db.SameContent(local, remote) {
			continue
		}
		if local != nil && s.opts.Resolver.Resolve(local, remote) == LocalWins {
			continue
		}

		stored, err := s.coll.Put(ctx, remote, s.origin)
		if err != nil {
			return err
		}
		emit(s, s.received, stored)
		if stored.Rev() != remote.Rev() {
			reassert = append(reassert, stored)
		}
	}

	if len(reassert) == 0 {
		return nil
	}
	return s.pushDocs(ctx, reassert, false)
}

// pushPending pushes every local change after the checkpoint
func (s *Session) pushPending(ctx context.Context) error {
	for {
		events, err := s.coll.ChangesSince(ctx, s.Checkpoint().Local)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		for len(events) > 0 {
			n := s.opts.PushBatchSize
			if n > len(events) {
				n = len(events)
			}
			if err := s.pushEvents(ctx, events[:n]); err != nil {
				return err
			}
			events = events[n:]
		}
	}
}

// pushLoop follows the change log and pushes local changes in batches
func (s *Session) pushLoop(ctx context.Context) error {
	sub, err := s.coll.Subscribe(s.Checkpoint().Local, db.SubscribeOptions{Buffer: -1})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	for {
		var batch []db.ChangeEvent
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C():
			if !ok {
				if err := sub.Err(); err != nil {
					return err
				}
				return db.ErrClosed
			}
			batch = append(batch, ev)
		}

	collect:
		for len(batch) < s.opts.PushBatchSize {
			select {
			case ev, ok := <-sub.C():
				if !ok {
					break collect
				}
				batch = append(batch, ev)
			default:
				break collect
			}
		}

		if err := s.pushEvents(ctx, batch); err != nil {
			return err
		}
	}
}

// pushEvents pushes the latest state of each document changed locally in
// events and advances the local checkpoint past them
func (s *Session) pushEvents(ctx context.Context, events []db.ChangeEvent) error {
	docs := latestLocal(events, s.origin)
	if len(docs) > 0 {
		if err := s.pushDocs(ctx, docs, true); err != nil {
			return err
		}
	}
	last := events[len(events)-1].Seq
	return s.saveCheckpoint(ctx, func(cp *Checkpoint) { cp.Local = last })
}

// pushDocs pushes docs and settles the conflicts the remote reports. With
// resolve unset conflicts are left to the next pull.
func (s *Session) pushDocs(ctx context.Context, docs []db.Document, resolve bool) error {
	s.setActive(true)
	defer s.setActive(false)

	conflicts, err := s.remote.Push(ctx, docs)
	if err != nil {
		return err
	}
	s.progress.Store(true)

	conflicted := make(map[string]bool, len(conflicts))
	for _, doc := range conflicts {
		conflicted[doc.ID()] = true
	}
	for _, doc := range docs {
		if !conflicted[doc.ID()] {
			emit(s, s.sent, doc.Clone())
		}
	}
	if !resolve {
		if len(conflicts) > 0 {
			s.logger.Debug("Leaving conflicts to the next pull", "count", len(conflicts))
		}
		return nil
	}

	var reassert []db.Document
	for _, remote := range conflicts {
		local := s.coll.Lookup(remote.ID())
		if local != nil && db.SameContent(local, remote) && local.Rev() >= remote.Rev() {
			// A stale state was pushed and the remote already agrees
			continue
		}
		if s.opts.Resolver.Resolve(local, remote) == RemoteWins {
			stored, err := s.coll.Put(ctx, remote, s.origin)
			if err != nil {
				return err
			}
			emit(s, s.received, stored)
			if stored.Rev() != remote.Rev() {
				reassert = append(reassert, stored)
			}
			continue
		}

		// The local state wins: write it again above the remote revision
		// as a local change so that it is pushed again.
		next := local.Clone()
		next[db.FieldRev] = remote.Rev() + 1
		if _, err := s.coll.Put(ctx, next, db.OriginLocal); err != nil {
			return err
		}
		s.logger.Debug("Local state won a conflict", "id", remote.ID(), "remote_rev", remote.Rev())
	}

	if len(reassert) == 0 {
		return nil
	}
	return s.pushDocs(ctx, reassert, false)
}

// latestLocal returns the latest state of each document in events that was
// not written by origin, in the order of their last change
func latestLocal(events []db.ChangeEvent, origin string) []db.Document {
	last := make(map[string]int, len(events))
	for i, ev := range events {
		if ev.Origin == origin {
			continue
		}
		last[ev.ID] = i
	}

	docs := make([]db.Document, 0, len(last))
	for i, ev := range events {
		if ev.Origin != origin && last[ev.ID] == i {
			docs = append(docs, ev.Doc)
		}
	}
	return docs
}

func (s *Session) saveCheckpoint(ctx context.Context, update func(*Checkpoint)) error {
	s.cpMu.Lock()
	defer s.cpMu.Unlock()

	next := s.cp
	update(&next)
	if err := s.opts.Checkpoints.Save(ctx, s.opts.Identifier, next); err != nil {
		return Transient("CheckpointError", err)
	}
	s.cp = next
	return nil
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Canceled || s.state == state {
		return
	}
	s.logger.Debug("Replication state changed", "from", s.state, "to", state)
	s.state = state
}

func (s *Session) setActive(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.activeCount++
		if s.activeCount == 1 {
			emit(s, s.active, true)
		}
		return
	}
	s.activeCount--
	if s.activeCount == 0 {
		emit(s, s.active, false)
	}
}

func (s *Session) emitError(err *Error) {
	s.logger.Warn("Replication error", "name", err.Name, "code", err.Code, "fatal", err.Fatal, "error", err.Err)
	emit(s, s.errs, error(err))
}

func emit[T any](s *Session, q *queue.Queue[T], v T) {
	if err := q.Push(v); err != nil && !errors.Is(err, queue.ErrClosed) {
		s.logger.Debug("Dropping replication output", "error", err)
	}
}

func (s *Session) fail(err *Error) {
	s.setState(Errored)
	s.initialDone(err)
	s.logger.Error("Replication stopped", "error", err)
}

func (s *Session) initialDone(err error) {
	s.initialOnce.Do(func() {
		s.initialErr = err
		close(s.initial)
	})
}
