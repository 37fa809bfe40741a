package main

import (
	"bytes"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skshohagmiah/livedoc/internal/db"
	"github.com/skshohagmiah/livedoc/internal/proxy"
	"github.com/skshohagmiah/livedoc/pkg/client"
)

// syncBuffer is written by a watch goroutine and read by the test
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func setup(t *testing.T) *client.Collection {
	t.Helper()
	database, err := db.NewDatabase("heroesdb", db.Options{})
	require.NoError(t, err)
	host := proxy.NewHost(database, proxy.HostOptions{Workers: 4})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go host.Serve(l)

	c, err := client.Dial(context.Background(), "tcp", l.Addr().String(), client.DefaultOptions())
	require.NoError(t, err)

	t.Cleanup(func() {
		c.Close()
		host.Close()
		database.Close()
	})
	return c.Collection(defaultCollection)
}

func TestAddAndList(t *testing.T) {
	heroes := setup(t)
	ctx := context.Background()

	var out bytes.Buffer
	require.NoError(t, run(ctx, heroes, []string{"add", "Superman", "red"}, &out))
	require.NoError(t, run(ctx, heroes, []string{"add", "Batman", "black"}, &out))
	assert.Contains(t, out.String(), "Added Superman")

	out.Reset()
	require.NoError(t, run(ctx, heroes, []string{"list"}, &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[1], "Batman"), lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "Superman"), lines[2])
}

func TestColorAndRemove(t *testing.T) {
	heroes := setup(t)
	ctx := context.Background()

	_, err := heroes.Insert(ctx, db.Document{"id": "h1", "name": "Superman", "color": "red"})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, run(ctx, heroes, []string{"color", "h1", "blue"}, &out))
	assert.Contains(t, out.String(), "revision 2")

	out.Reset()
	require.NoError(t, run(ctx, heroes, []string{"get", "h1"}, &out))
	assert.Contains(t, out.String(), "blue")

	require.NoError(t, run(ctx, heroes, []string{"remove", "h1"}, &out))
	err = run(ctx, heroes, []string{"get", "h1"}, &out)
	assert.ErrorIs(t, err, db.ErrNotFound)
	err = run(ctx, heroes, []string{"remove", "h1"}, &out)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestUsageErrors(t *testing.T) {
	heroes := setup(t)
	var out bytes.Buffer
	assert.Error(t, run(context.Background(), heroes, []string{"add", "Superman"}, &out))
	assert.Error(t, run(context.Background(), heroes, []string{"fly"}, &out))
	assert.Contains(t, out.String(), "Usage:")
}

func TestWatch(t *testing.T) {
	heroes := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out syncBuffer
	done := make(chan error, 1)
	go func() { done <- run(ctx, heroes, []string{"watch"}, &out) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "--- 0 heroes")
	}, 2*time.Second, 10*time.Millisecond)

	_, err := heroes.Insert(context.Background(), db.Document{"name": "Superman", "color": "red"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "--- 1 heroes")
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestWatchChanges(t *testing.T) {
	heroes := setup(t)
	_, err := heroes.Insert(context.Background(), db.Document{"id": "h0", "name": "Old"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out syncBuffer
	done := make(chan error, 1)
	go func() { done <- run(ctx, heroes, []string{"watch", "--changes"}, &out) }()

	// The watch may start before or after this insert; retry until an
	// event shows up
	require.Eventually(t, func() bool {
		if strings.Contains(out.String(), "insert h1") {
			return true
		}
		heroes.Remove(context.Background(), "h1")
		heroes.Insert(context.Background(), db.Document{"id": "h1", "name": "Superman"})
		return false
	}, 3*time.Second, 50*time.Millisecond)

	assert.NotContains(t, out.String(), "h0", "events before the watch are skipped")
	assert.Contains(t, out.String(), "origin=local")

	cancel()
	<-done
}
