package replication_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/skshohagmiah/livedoc/internal/db"
	"github.com/skshohagmiah/livedoc/internal/replication"
	"github.com/skshohagmiah/livedoc/internal/storage"
	"github.com/skshohagmiah/livedoc/internal/stream"
)

const waitFor = 3 * time.Second

func newCollection(t *testing.T, dbName string) *db.Collection {
	t.Helper()
	database, err := db.NewDatabase(dbName, db.Options{})
	require.NoError(t, err)
	t.Cleanup(database.Close)
	coll, err := database.Collection("heroes")
	require.NoError(t, err)
	return coll
}

func newStreamStorage(t *testing.T) *storage.StreamStorage {
	t.Helper()
	store, err := storage.NewInMemoryStreamStorage()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func startSession(t *testing.T, coll *db.Collection, remote replication.Remote, opts replication.Options) *replication.Session {
	t.Helper()
	if opts.Identifier == "" {
		opts.Identifier = "my-nats-replication-collection-A"
	}
	if opts.PullInterval == 0 {
		opts.PullInterval = 10 * time.Millisecond
	}
	s, err := replication.NewSession(coll, remote, opts)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(s.Cancel)
	return s
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a value")
	}
	var zero T
	return zero
}

func TestRoundTrip(t *testing.T) {
	store := newStreamStorage(t)
	ctx := context.Background()

	a := newCollection(t, "heroesdb-a")
	b := newCollection(t, "heroesdb-b")
	sa := startSession(t, a, stream.New(store, "stream-for-replication-A", "heroes"), replication.Options{Live: true})
	sb := startSession(t, b, stream.New(store, "stream-for-replication-A", "heroes"), replication.Options{Live: true})

	require.NoError(t, sa.AwaitInitialReplication(ctx))
	require.NoError(t, sb.AwaitInitialReplication(ctx))

	_, err := a.Insert(ctx, db.Document{"id": "h1", "name": "Superman", "color": "blue"})
	require.NoError(t, err)

	sent := receive(t, sa.Sent())
	assert.Equal(t, "h1", sent.ID())
	assert.True(t, receive(t, sa.Active()))

	received := receive(t, sb.Received())
	assert.Equal(t, "h1", received.ID())
	assert.Equal(t, int64(1), received.Rev())

	got, err := b.Get(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "Superman", got["name"])
	assert.Equal(t, int64(1), got.Rev())

	// The replicated write is not pushed back and not received again
	require.Eventually(t, func() bool {
		return sb.Checkpoint().Local == b.Seq() && sa.Checkpoint().Remote == 1
	}, waitFor, 10*time.Millisecond)
	head, err := store.GetOffset("stream-for-replication-A")
	require.NoError(t, err)
	assert.Equal(t, int64(1), head)
	select {
	case doc := <-sa.Received():
		t.Fatalf("echo received: %v", doc)
	case <-time.After(50 * time.Millisecond):
	}

	// The other direction
	_, err = b.Update(ctx, "h1", func(doc db.Document) error {
		doc["color"] = "red"
		return nil
	})
	require.NoError(t, err)
	received = receive(t, sa.Received())
	assert.Equal(t, "red", received["color"])
	assert.Equal(t, int64(2), received.Rev())
}

func TestConflictConverges(t *testing.T) {
	store := newStreamStorage(t)
	ctx := context.Background()

	a := newCollection(t, "heroesdb-a")
	b := newCollection(t, "heroesdb-b")
	_, err := a.Insert(ctx, db.Document{"id": "h1", "name": "Superman"})
	require.NoError(t, err)
	_, err = b.Insert(ctx, db.Document{"id": "h1", "name": "Clark"})
	require.NoError(t, err)

	sa := startSession(t, a, stream.New(store, "stream", "heroes"), replication.Options{Live: true})
	receive(t, sa.Sent())

	startSession(t, b, stream.New(store, "stream", "heroes"), replication.Options{Live: true})

	// Same revision: the greater content wins on both sides
	require.Eventually(t, func() bool {
		x, y := a.Lookup("h1"), b.Lookup("h1")
		return x["name"] == "Superman" && y["name"] == "Superman" && x.Rev() == y.Rev()
	}, waitFor, 10*time.Millisecond)
}

func TestHigherRevisionWins(t *testing.T) {
	store := newStreamStorage(t)
	ctx := context.Background()

	a := newCollection(t, "heroesdb-a")
	b := newCollection(t, "heroesdb-b")
	_, err := a.Insert(ctx, db.Document{"id": "h1", "name": "Superman"})
	require.NoError(t, err)
	_, err = b.Insert(ctx, db.Document{"id": "h1", "name": "Clark"})
	require.NoError(t, err)
	_, err = b.Update(ctx, "h1", func(doc db.Document) error {
		doc["name"] = "Kal-El"
		return nil
	})
	require.NoError(t, err)

	sa := startSession(t, a, stream.New(store, "stream", "heroes"), replication.Options{Live: true})
	receive(t, sa.Sent())
	startSession(t, b, stream.New(store, "stream", "heroes"), replication.Options{Live: true})

	require.Eventually(t, func() bool {
		x, y := a.Lookup("h1"), b.Lookup("h1")
		return x["name"] == "Kal-El" && y["name"] == "Kal-El"
	}, waitFor, 10*time.Millisecond)
}

func TestNonLiveSession(t *testing.T) {
	store := newStreamStorage(t)
	ctx := context.Background()
	coll := newCollection(t, "heroesdb")

	for _, name := range []string{"Superman", "Batman", "Flash"} {
		_, err := coll.Insert(ctx, db.Document{"name": name})
		require.NoError(t, err)
	}

	checkpoints := replication.NewMemoryCheckpoints()
	s := startSession(t, coll, stream.New(store, "stream", "heroes"), replication.Options{
		PushBatchSize: 2,
		Checkpoints:   checkpoints,
	})

	select {
	case <-s.Canceled():
	case <-time.After(waitFor):
		t.Fatal("non-live session did not finish")
	}
	assert.Equal(t, replication.Canceled, s.State())

	head, err := store.GetOffset("stream")
	require.NoError(t, err)
	assert.Equal(t, int64(3), head)

	cp, err := checkpoints.Load(ctx, "my-nats-replication-collection-A")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), cp.Local)

	var sent []string
	for doc := range s.Sent() {
		sent = append(sent, doc["name"].(string))
	}
	assert.Equal(t, []string{"Superman", "Batman", "Flash"}, sent)
}

func TestSentDocumentsAreCopies(t *testing.T) {
	store := newStreamStorage(t)
	ctx := context.Background()
	coll := newCollection(t, "heroesdb")

	_, err := coll.Insert(ctx, db.Document{"id": "h1", "name": "Superman"})
	require.NoError(t, err)

	s := startSession(t, coll, stream.New(store, "stream", "heroes"), replication.Options{})
	sent := receive(t, s.Sent())
	sent["name"] = "Bizarro"

	<-s.Canceled()
	events, err := coll.ChangesSince(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "Superman", events[0].Doc["name"])
	assert.Equal(t, "Superman", coll.Lookup("h1")["name"])
}

func TestStoredCheckpointResume(t *testing.T) {
	store := newStreamStorage(t)
	docs, err := storage.NewInMemoryDocStorage()
	require.NoError(t, err)
	defer docs.Close()
	ctx := context.Background()

	remote := stream.New(store, "stream", "heroes")
	_, err = remote.Push(ctx, []db.Document{
		{"id": "h1", "name": "Superman", "_rev": 1},
		{"id": "h2", "name": "Batman", "_rev": 1},
	})
	require.NoError(t, err)

	coll := newCollection(t, "heroesdb")
	checkpoints := replication.NewStoredCheckpoints(docs)

	first := startSession(t, coll, remote, replication.Options{Checkpoints: checkpoints})
	<-first.Canceled()
	assert.Equal(t, 2, coll.Count())

	cp, err := checkpoints.Load(ctx, "my-nats-replication-collection-A")
	require.NoError(t, err)
	assert.Equal(t, replication.Checkpoint{Local: 2, Remote: 2}, cp)

	second := startSession(t, coll, remote, replication.Options{Checkpoints: checkpoints})
	<-second.Canceled()
	var received int
	for range second.Received() {
		received++
	}
	assert.Zero(t, received, "resumed session applied nothing")
	assert.Equal(t, uint64(2), coll.Seq())
}

type mockRemote struct {
	mock.Mock
}

func (m *mockRemote) Pull(ctx context.Context, since uint64, batchSize int) (*replication.PullResult, error) {
	args := m.Called(since, batchSize)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*replication.PullResult), args.Error(1)
}

func (m *mockRemote) Push(ctx context.Context, docs []db.Document) ([]db.Document, error) {
	args := m.Called(docs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]db.Document), args.Error(1)
}

func (m *mockRemote) Close() error {
	return m.Called().Error(0)
}

func fastRetry(maxAttempts int) replication.Backoff {
	return replication.Backoff{
		Initial:     5 * time.Millisecond,
		Max:         20 * time.Millisecond,
		Factor:      2,
		MaxAttempts: maxAttempts,
	}
}

func TestFatalErrorStopsSession(t *testing.T) {
	remote := new(mockRemote)
	authErr := &replication.Error{Name: "NatsError", Code: 401, Fatal: true, Err: errors.New("authorization violation")}
	remote.On("Pull", uint64(0), replication.DefaultBatchSize).Return(nil, authErr).Once()

	s := startSession(t, newCollection(t, "heroesdb"), remote, replication.Options{Live: true, Retry: fastRetry(-1)})

	err := s.AwaitInitialReplication(context.Background())
	require.ErrorIs(t, err, db.ErrReplication)
	assert.Equal(t, replication.Errored, s.State())

	reported := receive(t, s.Errors())
	var re *replication.Error
	require.ErrorAs(t, reported, &re)
	assert.Equal(t, "NatsError", re.Name)
	assert.Equal(t, 401, re.Code)
	remote.AssertExpectations(t)

	s.Cancel()
	assert.Equal(t, replication.Canceled, s.State())
}

func TestTransientErrorsAreRetried(t *testing.T) {
	remote := new(mockRemote)
	unavailable := replication.Transient("NatsError", errors.New("no responders"))
	remote.On("Pull", uint64(0), replication.DefaultBatchSize).Return(nil, unavailable).Twice()
	remote.On("Pull", uint64(0), replication.DefaultBatchSize).Return(&replication.PullResult{}, nil)

	s := startSession(t, newCollection(t, "heroesdb"), remote, replication.Options{Retry: fastRetry(-1)})

	require.NoError(t, s.AwaitInitialReplication(context.Background()))
	<-s.Canceled()

	var errs []error
	for err := range s.Errors() {
		errs = append(errs, err)
	}
	require.Len(t, errs, 2)
	assert.ErrorIs(t, errs[0], db.ErrReplication)
	assert.False(t, replication.IsFatal(errs[0]))
}

func TestRetryLimit(t *testing.T) {
	remote := new(mockRemote)
	remote.On("Pull", uint64(0), replication.DefaultBatchSize).
		Return(nil, replication.Transient("NatsError", errors.New("timeout")))

	s := startSession(t, newCollection(t, "heroesdb"), remote, replication.Options{Live: true, Retry: fastRetry(2)})

	require.Error(t, s.AwaitInitialReplication(context.Background()))
	require.Eventually(t, func() bool {
		return s.State() == replication.Errored
	}, waitFor, 5*time.Millisecond)
	remote.AssertNumberOfCalls(t, "Pull", 3)
}

func TestCancelReleasesSession(t *testing.T) {
	store := newStreamStorage(t)
	coll := newCollection(t, "heroesdb")
	s := startSession(t, coll, stream.New(store, "stream", "heroes"), replication.Options{Live: true})
	require.NoError(t, s.AwaitInitialReplication(context.Background()))

	s.Cancel()
	s.Cancel()
	assert.Equal(t, replication.Canceled, s.State())
	_, ok := <-s.Sent()
	assert.False(t, ok)
	require.Error(t, s.Start())
}

func TestNewSessionRequiresIdentifier(t *testing.T) {
	_, err := replication.NewSession(newCollection(t, "heroesdb"), new(mockRemote), replication.Options{})
	assert.ErrorIs(t, err, db.ErrReplication)
}
