package client

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/skshohagmiah/livedoc/internal/db"
	"github.com/skshohagmiah/livedoc/internal/proxy"
)

func startHost(t *testing.T) string {
	t.Helper()
	database, err := db.NewDatabase("heroesdb", db.Options{})
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	host := proxy.NewHost(database, proxy.HostOptions{Workers: 2})
	go host.Serve(listener)

	t.Cleanup(func() {
		host.Close()
		database.Close()
	})
	return listener.Addr().String()
}

func TestDialAndUse(t *testing.T) {
	addr := startHost(t)
	ctx := context.Background()

	c, err := Dial(ctx, "tcp", addr, DefaultOptions())
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer c.Close()

	if err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	heroes := c.Collection("heroes")
	if _, err := heroes.Insert(ctx, db.Document{"id": "h1", "name": "Superman"}); err != nil {
		t.Fatalf("Failed to insert: %v", err)
	}
	doc, err := heroes.Get(ctx, "h1")
	if err != nil {
		t.Fatalf("Failed to get: %v", err)
	}
	if doc["name"] != "Superman" {
		t.Errorf("Expected Superman, got %v", doc["name"])
	}

	seq, err := heroes.Seq(ctx)
	if err != nil {
		t.Fatalf("Failed to read seq: %v", err)
	}
	if seq != 1 {
		t.Errorf("Expected seq 1, got %d", seq)
	}
}

func TestReadReconnects(t *testing.T) {
	addr := startHost(t)
	ctx := context.Background()

	c, err := Dial(ctx, "tcp", addr, DefaultOptions())
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer c.Close()

	heroes := c.Collection("heroes")
	if _, err := heroes.Insert(ctx, db.Document{"id": "h1", "name": "Superman"}); err != nil {
		t.Fatalf("Failed to insert: %v", err)
	}

	// Lose the connection under the client
	c.mu.Lock()
	lost := c.proxy
	c.mu.Unlock()
	lost.Close()

	doc, err := heroes.Get(ctx, "h1")
	if err != nil {
		t.Fatalf("Get after connection loss failed: %v", err)
	}
	if doc == nil {
		t.Fatal("Expected the document after reconnect")
	}

	c.mu.Lock()
	replaced := c.proxy != lost
	c.mu.Unlock()
	if !replaced {
		t.Error("Expected a new connection")
	}
}

func TestDialFailure(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()

	opts := DefaultOptions()
	opts.MaxReconnectAttempts = 1
	opts.ReconnectWait = 10 * time.Millisecond

	_, err = Dial(context.Background(), "tcp", addr, opts)
	if !errors.Is(err, db.ErrTransport) {
		t.Errorf("Expected ErrTransport, got %v", err)
	}
}

func TestClosedClient(t *testing.T) {
	addr := startHost(t)
	ctx := context.Background()

	c, err := Dial(ctx, "tcp", addr, DefaultOptions())
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	c.Close()

	if _, err := c.Collection("heroes").Get(ctx, "h1"); !errors.Is(err, db.ErrTransport) {
		t.Errorf("Expected ErrTransport, got %v", err)
	}
}
