// Package client connects to a livedoc host over TCP or a unix socket.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/skshohagmiah/livedoc/internal/db"
	"github.com/skshohagmiah/livedoc/internal/livequery"
	"github.com/skshohagmiah/livedoc/internal/proxy"
)

// Options configures a Client
type Options struct {
	DialTimeout        time.Duration
	RequestTimeout     time.Duration
	SubscriptionBuffer int

	// MaxReconnectAttempts bounds the dial attempts of a reconnect
	// (-1 = unlimited, 0 = one attempt)
	MaxReconnectAttempts int
	ReconnectWait        time.Duration

	Logger *slog.Logger
}

// DefaultOptions returns default client options
func DefaultOptions() Options {
	return Options{
		DialTimeout:          5 * time.Second,
		RequestTimeout:       proxy.DefaultRequestTimeout,
		MaxReconnectAttempts: 3,
		ReconnectWait:        500 * time.Millisecond,
	}
}

// Client is a connection to a host that is re-established after a
// transport failure
type Client struct {
	network string
	addr    string
	opts    Options
	logger  *slog.Logger

	mu     sync.Mutex
	proxy  *proxy.Client
	closed bool
}

// Dial connects to the host at addr over network ("tcp" or "unix")
func Dial(ctx context.Context, network, addr string, opts Options) (*Client, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = 500 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		network: network,
		addr:    addr,
		opts:    opts,
		logger:  logger.With("component", "client"),
	}
	if err := c.Reconnect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Reconnect replaces the current connection with a new one. Subscriptions
// of the old connection have already ended with db.ErrTransport.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectLocked(ctx)
}

func (c *Client) reconnectLocked(ctx context.Context) error {
	if c.closed {
		return fmt.Errorf("%w: client closed", db.ErrTransport)
	}
	if c.proxy != nil {
		c.proxy.Close()
		c.proxy = nil
	}

	dialer := &net.Dialer{Timeout: c.opts.DialTimeout}
	var lastErr error
	for attempt := 0; c.opts.MaxReconnectAttempts < 0 || attempt <= c.opts.MaxReconnectAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.opts.ReconnectWait):
			}
		}

		conn, err := dialer.DialContext(ctx, c.network, c.addr)
		if err != nil {
			lastErr = err
			c.logger.Debug("Dial failed", "address", c.addr, "attempt", attempt+1, "error", err)
			continue
		}

		c.proxy = proxy.NewClient(conn, proxy.ClientOptions{
			RequestTimeout:     c.opts.RequestTimeout,
			SubscriptionBuffer: c.opts.SubscriptionBuffer,
			Logger:             c.logger,
		})
		c.logger.Debug("Connected", "address", c.addr)
		return nil
	}
	return fmt.Errorf("%w: failed to connect to %s: %v", db.ErrTransport, c.addr, lastErr)
}

// current returns the live connection, reconnecting if the last one was lost
func (c *Client) current(ctx context.Context) (*proxy.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.proxy != nil {
		select {
		case <-c.proxy.Done():
		default:
			return c.proxy, nil
		}
	}
	if err := c.reconnectLocked(ctx); err != nil {
		return nil, err
	}
	return c.proxy, nil
}

// Ping checks that the host answers
func (c *Client) Ping(ctx context.Context) error {
	p, err := c.current(ctx)
	if err != nil {
		return err
	}
	return p.Ping(ctx)
}

// Close closes the connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.proxy == nil {
		return nil
	}
	err := c.proxy.Close()
	c.proxy = nil
	return err
}

// Collection returns the named collection of the host's database
func (c *Client) Collection(name string) *Collection {
	return &Collection{client: c, name: name}
}

// Collection is a remote collection that follows reconnects. Reads are
// retried once on a new connection after a transport failure. Writes are
// not, since the host may have committed them.
type Collection struct {
	client *Client
	name   string
}

var _ db.Store = (*Collection)(nil)

func (c *Collection) remote(ctx context.Context) (*proxy.RemoteCollection, error) {
	p, err := c.client.current(ctx)
	if err != nil {
		return nil, err
	}
	return p.Collection(c.name), nil
}

// read runs fn, and once more on a new connection after a transport error
func read[T any](ctx context.Context, c *Collection, fn func(*proxy.RemoteCollection) (T, error)) (T, error) {
	var zero T
	for attempt := 0; attempt < 2; attempt++ {
		remote, err := c.remote(ctx)
		if err != nil {
			return zero, err
		}
		out, err := fn(remote)
		if err == nil || !errors.Is(err, db.ErrTransport) || attempt == 1 {
			return out, err
		}
		c.client.logger.Debug("Retrying read after transport error", "collection", c.name, "error", err)
	}
	return zero, nil
}

func (c *Collection) Insert(ctx context.Context, doc db.Document) (db.Document, error) {
	remote, err := c.remote(ctx)
	if err != nil {
		return nil, err
	}
	return remote.Insert(ctx, doc)
}

func (c *Collection) Update(ctx context.Context, id string, mutate db.Mutator) (db.Document, error) {
	remote, err := c.remote(ctx)
	if err != nil {
		return nil, err
	}
	return remote.Update(ctx, id, mutate)
}

func (c *Collection) Remove(ctx context.Context, id string) (db.Document, error) {
	remote, err := c.remote(ctx)
	if err != nil {
		return nil, err
	}
	return remote.Remove(ctx, id)
}

func (c *Collection) Get(ctx context.Context, id string) (db.Document, error) {
	return read(ctx, c, func(r *proxy.RemoteCollection) (db.Document, error) {
		return r.Get(ctx, id)
	})
}

func (c *Collection) Find(ctx context.Context, desc db.Descriptor) ([]db.Document, error) {
	return read(ctx, c, func(r *proxy.RemoteCollection) ([]db.Document, error) {
		return r.Find(ctx, desc)
	})
}

func (c *Collection) ChangesSince(ctx context.Context, seq uint64) ([]db.ChangeEvent, error) {
	return read(ctx, c, func(r *proxy.RemoteCollection) ([]db.ChangeEvent, error) {
		return r.ChangesSince(ctx, seq)
	})
}

// Seq returns the sequence number of the last commit of the collection
func (c *Collection) Seq(ctx context.Context) (uint64, error) {
	return read(ctx, c, func(r *proxy.RemoteCollection) (uint64, error) {
		return r.Seq(ctx)
	})
}

// Watch follows the change feed. The feed ends with db.ErrTransport when
// the connection is lost; watch again after reading the missed events with
// ChangesSince or by passing the last seen sequence.
func (c *Collection) Watch(ctx context.Context, since uint64) (*proxy.ChangeFeed, error) {
	return read(ctx, c, func(r *proxy.RemoteCollection) (*proxy.ChangeFeed, error) {
		return r.Watch(ctx, since)
	})
}

// Live runs a live query on the host
func (c *Collection) Live(ctx context.Context, desc db.Descriptor) (*livequery.Handle, error) {
	return read(ctx, c, func(r *proxy.RemoteCollection) (*livequery.Handle, error) {
		return r.Live(ctx, desc)
	})
}
