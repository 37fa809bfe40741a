package replication

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skshohagmiah/livedoc/internal/db"
)

func TestRevisionResolver(t *testing.T) {
	r := RevisionResolver{}
	older := db.Document{"id": "h1", "name": "Superman", "_rev": 1}
	newer := db.Document{"id": "h1", "name": "Clark", "_rev": 2}

	assert.Equal(t, RemoteWins, r.Resolve(older, newer))
	assert.Equal(t, LocalWins, r.Resolve(newer, older))
	assert.Equal(t, RemoteWins, r.Resolve(nil, older))
	assert.Equal(t, LocalWins, r.Resolve(older, nil))
}

func TestTieBreakIsDeterministic(t *testing.T) {
	r := RevisionResolver{}
	a := db.Document{"id": "h1", "name": "Superman", "color": "blue", "_rev": 3}
	b := db.Document{"id": "h1", "name": "Superman", "color": "red", "_rev": 3.0}

	// The same state wins whichever side holds it
	winner := func(local, remote db.Document) db.Document {
		if r.Resolve(local, remote) == LocalWins {
			return local
		}
		return remote
	}
	assert.Equal(t, "red", winner(a, b)["color"])
	assert.Equal(t, "red", winner(b, a)["color"])

	for i := 0; i < 10; i++ {
		assert.Equal(t, RemoteWins, r.Resolve(a, b))
	}

	// Identical content is a full tie, settled for the remote
	assert.Equal(t, RemoteWins, r.Resolve(a, a.Clone()))
}

func TestCustomComparator(t *testing.T) {
	byName := RevisionResolver{Compare: func(x, y db.Document) int {
		xs, _ := x["name"].(string)
		ys, _ := y["name"].(string)
		switch {
		case len(xs) > len(ys):
			return 1
		case len(xs) < len(ys):
			return -1
		}
		return 0
	}}
	local := db.Document{"id": "h1", "name": "Superman", "_rev": 1}
	remote := db.Document{"id": "h1", "name": "Clark", "_rev": 1}

	assert.Equal(t, LocalWins, byName.Resolve(local, remote))
	assert.Equal(t, RemoteWins, byName.Resolve(remote, local))
}

func TestBackoff(t *testing.T) {
	b := DefaultBackoff()
	assert.Equal(t, 500*time.Millisecond, b.Delay(1))
	assert.Equal(t, time.Second, b.Delay(2))
	assert.Equal(t, 2*time.Second, b.Delay(3))
	assert.Equal(t, 30*time.Second, b.Delay(20))
	assert.False(t, b.Exhausted(1000))

	b.MaxAttempts = 3
	assert.False(t, b.Exhausted(3))
	assert.True(t, b.Exhausted(4))
}

func TestBackoffDefaults(t *testing.T) {
	assert.Equal(t, DefaultBackoff(), Backoff{}.withDefaults())

	b := Backoff{MaxAttempts: 3}.withDefaults()
	assert.Equal(t, 3, b.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, b.Initial)
	assert.Equal(t, 30*time.Second, b.Max)
	assert.Equal(t, float64(2), b.Factor)
	assert.True(t, b.Exhausted(4))

	b = Backoff{Initial: time.Minute}.withDefaults()
	assert.Equal(t, 0, b.MaxAttempts)
	assert.Equal(t, time.Minute, b.Max)
	assert.True(t, b.Exhausted(1))
}

func TestNewSessionKeepsRetryLimit(t *testing.T) {
	database, err := db.NewDatabase("heroesdb", db.Options{})
	require.NoError(t, err)
	defer database.Close()
	coll, err := database.Collection("heroes")
	require.NoError(t, err)

	s, err := NewSession(coll, nil, Options{Identifier: "a", Retry: Backoff{MaxAttempts: 3}})
	require.NoError(t, err)
	defer s.Cancel()

	assert.Equal(t, 3, s.opts.Retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, s.opts.Retry.Initial)
}

func TestLatestLocal(t *testing.T) {
	events := []db.ChangeEvent{
		{Seq: 1, ID: "h1", Doc: db.Document{"id": "h1", "_rev": 1}},
		{Seq: 2, ID: "h2", Doc: db.Document{"id": "h2", "_rev": 1}},
		{Seq: 3, ID: "h1", Doc: db.Document{"id": "h1", "_rev": 2}},
		{Seq: 4, ID: "h3", Origin: "replication:a", Doc: db.Document{"id": "h3", "_rev": 1}},
	}

	docs := latestLocal(events, "replication:a")
	if assert.Len(t, docs, 2) {
		assert.Equal(t, "h2", docs[0].ID())
		assert.Equal(t, "h1", docs[1].ID())
		assert.Equal(t, int64(2), docs[1].Rev())
	}
}
