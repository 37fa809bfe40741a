package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/skshohagmiah/livedoc/internal/db"
	pnet "github.com/skshohagmiah/livedoc/internal/net"
	"github.com/skshohagmiah/livedoc/internal/protocol"
)

const (
	// DefaultMaxUpdateAttempts bounds the compare-and-swap retries of a
	// proxied update
	DefaultMaxUpdateAttempts = 10
)

// ClientOptions configures a Client
type ClientOptions struct {
	// RequestTimeout bounds every call, including the write of the request
	RequestTimeout time.Duration

	MaxUpdateAttempts int

	// SubscriptionBuffer is requested from the host for watch and live
	// subscriptions and also bounds the local delivery buffer (0 = host
	// default, unbounded locally)
	SubscriptionBuffer int

	Logger *slog.Logger
}

// Client is the process-side end of a storage proxy connection. Calls may be
// issued concurrently and are pipelined over the one connection.
type Client struct {
	conn   *pnet.Connection
	opts   ClientOptions
	logger *slog.Logger

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan *protocol.Envelope
	subs    map[string]*remoteSub
	err     error

	done chan struct{}
}

// remoteSub receives the pushes of one subscription
type remoteSub struct {
	deliver func(env *protocol.Envelope) error
	end     func(err error)
}

// NewClient starts a client over an established connection to a host
func NewClient(conn net.Conn, opts ClientOptions) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.MaxUpdateAttempts <= 0 {
		opts.MaxUpdateAttempts = DefaultMaxUpdateAttempts
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		conn: pnet.NewConnection(conn, &pnet.ConnectionOptions{
			WriteTimeout: opts.RequestTimeout,
		}),
		opts:    opts,
		logger:  logger.With("component", "proxy-client"),
		pending: make(map[uint64]chan *protocol.Envelope),
		subs:    make(map[string]*remoteSub),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	return c
}

// Done is closed when the connection is lost or the client is closed
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the client stopped. It wraps db.ErrTransport.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection. Pending calls and subscriptions fail with
// db.ErrTransport.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

// Ping checks that the host answers
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, protocol.OpPing, "", "", nil, nil)
}

// Collection returns the named collection of the host's database
func (c *Client) Collection(name string) *RemoteCollection {
	return &RemoteCollection{client: c, name: name}
}

// readLoop routes responses to their callers and pushes to their
// subscriptions until the connection fails
func (c *Client) readLoop() {
	var err error
	for {
		var env *protocol.Envelope
		env, err = c.conn.ReadEnvelope()
		if err != nil {
			break
		}

		switch env.Type {
		case protocol.TypeResponse:
			c.mu.Lock()
			ch, ok := c.pending[env.RequestID]
			delete(c.pending, env.RequestID)
			c.mu.Unlock()
			if ok {
				ch <- env
			}

		case protocol.TypePush:
			c.route(env)

		default:
			c.logger.Warn("Unexpected envelope", "type", env.Type)
		}
	}

	c.shutdown(err)
}

// route delivers a push. Pushes for unknown subscriptions are late pushes
// for a subscription already released and are discarded.
func (c *Client) route(env *protocol.Envelope) {
	c.mu.Lock()
	s, ok := c.subs[env.SubscriptionID]
	if ok && env.Final {
		delete(c.subs, env.SubscriptionID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	if env.Final {
		s.end(env.Error.Err())
		return
	}
	if err := s.deliver(env); err != nil {
		c.logger.Warn("Ending subscription", "subscription", env.SubscriptionID, "error", err)
		c.removeSub(env.SubscriptionID)
		go c.unsubscribe(env.SubscriptionID)
	}
}

func (c *Client) shutdown(cause error) {
	c.conn.Close()

	err := fmt.Errorf("%w: connection lost: %v", db.ErrTransport, cause)
	if errors.Is(cause, pnet.ErrClosed) {
		err = fmt.Errorf("%w: client closed", db.ErrTransport)
	}

	c.mu.Lock()
	c.err = err
	pending := c.pending
	subs := c.subs
	c.pending = nil
	c.subs = nil
	c.mu.Unlock()

	failed := &protocol.Envelope{
		Type:  protocol.TypeResponse,
		Error: protocol.NewError(err),
	}
	for _, ch := range pending {
		ch <- failed
	}
	for _, s := range subs {
		s.end(err)
	}
	close(c.done)

	c.logger.Debug("Connection ended", "error", cause)
}

// call sends one request and waits for its response. result receives the
// decoded response result and may be nil.
func (c *Client) call(ctx context.Context, op, collection, subID string, args, result interface{}) error {
	id := c.nextID.Add(1)
	req, err := protocol.NewRequest(id, op, collection, args)
	if err != nil {
		return err
	}
	req.SubscriptionID = subID

	ch := make(chan *protocol.Envelope, 1)
	c.mu.Lock()
	if c.pending == nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	if err := c.conn.WriteEnvelope(req); err != nil {
		c.conn.Close()
		select {
		case resp := <-ch:
			return resp.Error.Err()
		case <-c.done:
			return c.Err()
		}
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error.Err()
		}
		if err := resp.DecodeResult(result); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", op, err)
		}
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		if c.pending != nil {
			delete(c.pending, id)
		}
		c.mu.Unlock()
		return fmt.Errorf("%s request %d: %w", op, id, ctx.Err())
	}
}

// subscribe registers a subscription locally and then asks the host for it,
// so no push can arrive before the subscription is known
func (c *Client) subscribe(ctx context.Context, op, collection string, args interface{}, s *remoteSub) (string, error) {
	id := uuid.New().String()

	c.mu.Lock()
	if c.subs == nil {
		err := c.err
		c.mu.Unlock()
		return "", err
	}
	c.subs[id] = s
	c.mu.Unlock()

	if err := c.call(ctx, op, collection, id, args, nil); err != nil {
		c.removeSub(id)
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			go c.unsubscribe(id)
		}
		return "", err
	}
	return id, nil
}

func (c *Client) removeSub(id string) {
	c.mu.Lock()
	if c.subs != nil {
		delete(c.subs, id)
	}
	c.mu.Unlock()
}

// release stops local delivery right away and tells the host in the
// background. Pushes already in flight are discarded by route.
func (c *Client) release(id string) {
	c.removeSub(id)
	go c.unsubscribe(id)
}

func (c *Client) unsubscribe(id string) {
	select {
	case <-c.done:
		return
	default:
	}
	if err := c.call(context.Background(), protocol.OpUnsubscribe, "", id, nil, nil); err != nil {
		c.logger.Debug("Unsubscribe failed", "subscription", id, "error", err)
	}
}
