package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skshohagmiah/livedoc/internal/db"
	"github.com/skshohagmiah/livedoc/internal/livequery"
	pnet "github.com/skshohagmiah/livedoc/internal/net"
	"github.com/skshohagmiah/livedoc/internal/protocol"
	"github.com/skshohagmiah/livedoc/internal/queue"
)

const (
	// DefaultWorkerPoolSize is the number of goroutines executing requests
	DefaultWorkerPoolSize = 16

	// DefaultJobQueueSize bounds the requests waiting for a worker
	DefaultJobQueueSize = 1024

	// DefaultOutQueueSize bounds the frames waiting to be written to one
	// connection. A connection that falls further behind is closed.
	DefaultOutQueueSize = 10000

	// MaxChangesPage bounds the events of one changesSince response
	MaxChangesPage = 1000

	// changesPageBytes bounds the encoded events of one changesSince
	// response, leaving room for the envelope
	changesPageBytes = protocol.MaxPayloadLen / 2

	// DefaultRequestTimeout bounds the execution of one request
	DefaultRequestTimeout = 10 * time.Second
)

// HostOptions configures a Host
type HostOptions struct {
	Workers            int
	RequestTimeout     time.Duration
	SubscriptionBuffer int
	WriteTimeout       time.Duration
	Logger             *slog.Logger
}

// Host exposes the collections of a database to proxy clients.
// Uses hybrid processing: subscription management inline in the read loop,
// document operations on a worker pool.
type Host struct {
	db       *db.Database
	opts     HostOptions
	logger   *slog.Logger
	listener net.Listener

	connections sync.Map
	connCounter atomic.Uint64

	jobQueue chan *job
	wg       sync.WaitGroup

	// Metrics
	requests      atomic.Uint64
	failures      atomic.Uint64
	activeConns   atomic.Int64
	activeSubs    atomic.Int64
	activeWorkers atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// hostConn is one client connection
type hostConn struct {
	id     uint64
	conn   *pnet.Connection
	host   *Host
	logger *slog.Logger

	outQueue *queue.Queue[[]byte]

	subsMu sync.Mutex
	subs   map[string]func()

	ctx    context.Context
	cancel context.CancelFunc
}

// job is a request waiting for a worker
type job struct {
	conn *hostConn
	req  *protocol.Envelope
}

// NewHost creates a host for database and starts its worker pool
func NewHost(database *db.Database, opts HostOptions) *Host {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkerPoolSize
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		db:       database,
		opts:     opts,
		logger:   logger.With("component", "host"),
		jobQueue: make(chan *job, DefaultJobQueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}

	for i := 0; i < opts.Workers; i++ {
		h.wg.Add(1)
		go h.worker()
	}
	h.logger.Info("Host initialized", "database", database.Name(), "workers", opts.Workers)

	return h
}

// Serve accepts connections until the listener fails or the host is closed
func (h *Host) Serve(listener net.Listener) error {
	h.listener = listener
	h.logger.Info("Host listening", "address", listener.Addr().String())

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-h.ctx.Done():
				return nil
			default:
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		go h.ServeConn(conn)
	}
}

// ServeConn serves one established connection and returns when it ends.
// All subscriptions of the connection are canceled.
func (h *Host) ServeConn(netConn net.Conn) {
	connID := h.connCounter.Add(1)
	h.activeConns.Add(1)
	defer h.activeConns.Add(-1)

	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()

	c := &hostConn{
		id: connID,
		conn: pnet.NewConnection(netConn, &pnet.ConnectionOptions{
			WriteTimeout: h.opts.WriteTimeout,
		}),
		host:     h,
		logger:   h.logger.With("conn", connID),
		outQueue: queue.New[[]byte](DefaultOutQueueSize),
		subs:     make(map[string]func()),
		ctx:      ctx,
		cancel:   cancel,
	}

	h.connections.Store(connID, c)
	defer h.connections.Delete(connID)
	c.logger.Debug("Connection opened", "remote", netConn.RemoteAddr().String())

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		c.readLoop()
	}()

	go func() {
		defer wg.Done()
		c.writeLoop()
	}()

	<-ctx.Done()
	c.conn.Close()
	c.cancelSubscriptions()
	c.outQueue.Stop(nil)
	wg.Wait()
	c.logger.Debug("Connection closed")
}

// readLoop decodes requests. Subscription management runs inline so that
// an unsubscribe is never processed before the subscribe it refers to.
func (c *hostConn) readLoop() {
	defer c.cancel()

	for {
		req, err := c.conn.ReadEnvelope()
		if err != nil {
			return
		}
		if req.Type != protocol.TypeRequest {
			c.logger.Warn("Unexpected envelope", "type", req.Type)
			continue
		}
		c.host.requests.Add(1)

		switch req.Operation {
		case protocol.OpPing:
			c.respond(req, nil, nil)
		case protocol.OpWatch:
			c.handleWatch(req)
		case protocol.OpLive:
			c.handleLive(req)
		case protocol.OpUnsubscribe:
			c.handleUnsubscribe(req)
		default:
			select {
			case c.host.jobQueue <- &job{conn: c, req: req}:
			case <-c.ctx.Done():
				return
			}
		}
	}
}

// writeLoop writes responses and pushes in queue order
func (c *hostConn) writeLoop() {
	defer c.cancel()

	for {
		select {
		case <-c.ctx.Done():
			return
		case frame, ok := <-c.outQueue.C():
			if !ok {
				if err := c.outQueue.Err(); err != nil {
					c.logger.Warn("Dropping slow connection", "error", err)
				}
				return
			}
			if err := c.conn.WriteFrame(frame); err != nil {
				c.logger.Debug("Write failed", "error", err)
				return
			}
		}
	}
}

// send encodes env and queues the frame. An envelope that does not fit in
// a frame is not queued and its encoding error is returned.
func (c *hostConn) send(env *protocol.Envelope) error {
	frame, err := protocol.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	if err := c.outQueue.Push(frame); err != nil {
		c.cancel()
	}
	return nil
}

// respond answers req. A result too large for a frame is replaced by an
// ErrTooLarge error response.
func (c *hostConn) respond(req *protocol.Envelope, result interface{}, err error) {
	if err != nil {
		c.host.failures.Add(1)
	}
	sendErr := c.send(protocol.NewResponse(req, result, err))
	if sendErr == nil {
		return
	}

	c.logger.Warn("Response not sent", "operation", req.Operation, "request", req.RequestID, "error", sendErr)
	if err == nil {
		c.host.failures.Add(1)
	}
	if errors.Is(sendErr, protocol.ErrTooLarge) {
		sendErr = fmt.Errorf("%w: %s result: %v", db.ErrTooLarge, req.Operation, sendErr)
	}
	if err := c.send(protocol.NewResponse(req, nil, sendErr)); err != nil {
		c.logger.Error("Failed to send error response", "request", req.RequestID, "error", err)
		c.cancel()
	}
}

// push forwards one item of a subscription. An item too large for a frame
// ends the subscription with ErrTooLarge.
func (c *hostConn) push(id string, env *protocol.Envelope, stop func()) bool {
	err := c.send(env)
	if err == nil {
		return true
	}

	c.logger.Warn("Ending subscription", "subscription", id, "error", err)
	c.removeSubscription(id)
	stop()
	if errors.Is(err, protocol.ErrTooLarge) {
		err = fmt.Errorf("%w: %v", db.ErrTooLarge, err)
	}
	c.sendFinal(id, err)
	return false
}

// worker executes document operations
func (h *Host) worker() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return
		case j := <-h.jobQueue:
			h.activeWorkers.Add(1)
			if j.conn.ctx.Err() == nil {
				result, err := h.execute(j.conn.ctx, j.req)
				j.conn.respond(j.req, result, err)
			}
			h.activeWorkers.Add(-1)
		}
	}
}

// execute runs one document operation against the named collection
func (h *Host) execute(ctx context.Context, req *protocol.Envelope) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, h.opts.RequestTimeout)
	defer cancel()

	coll, err := h.db.Collection(req.Collection)
	if err != nil {
		return nil, err
	}

	switch req.Operation {
	case protocol.OpInsert:
		var args protocol.InsertArgs
		if err := req.DecodeArgs(&args); err != nil {
			return nil, err
		}
		return coll.Insert(ctx, args.Doc)

	case protocol.OpUpdate:
		var args protocol.UpdateArgs
		if err := req.DecodeArgs(&args); err != nil {
			return nil, err
		}
		return coll.Update(ctx, args.ID, replaceAt(args.ExpectedRev, args.Doc))

	case protocol.OpRemove:
		var args protocol.IDArgs
		if err := req.DecodeArgs(&args); err != nil {
			return nil, err
		}
		return coll.Remove(ctx, args.ID)

	case protocol.OpGet:
		var args protocol.IDArgs
		if err := req.DecodeArgs(&args); err != nil {
			return nil, err
		}
		return coll.Get(ctx, args.ID)

	case protocol.OpFind:
		var args protocol.FindArgs
		if err := req.DecodeArgs(&args); err != nil {
			return nil, err
		}
		return coll.Find(ctx, args.Query)

	case protocol.OpChangesSince:
		var args protocol.ChangesSinceArgs
		if err := req.DecodeArgs(&args); err != nil {
			return nil, err
		}
		limit := args.Limit
		if limit <= 0 || limit > MaxChangesPage {
			limit = MaxChangesPage
		}
		events, head, err := coll.ChangesPage(ctx, args.Seq, limit)
		if err != nil {
			return nil, err
		}
		return protocol.ChangesResult{Events: fitEvents(events, changesPageBytes), Head: head}, nil

	case protocol.OpSeq:
		return coll.Seq(), nil

	default:
		return nil, fmt.Errorf("%w: %q", db.ErrUnsupported, req.Operation)
	}
}

// replaceAt is the host side of a proxied update: it replaces the document
// content if it is still at the revision the client read
func replaceAt(expectedRev int64, next db.Document) db.Mutator {
	return func(doc db.Document) error {
		if doc.Rev() != expectedRev {
			return fmt.Errorf("%w: %q is at revision %d, expected %d", db.ErrConflict, doc.ID(), doc.Rev(), expectedRev)
		}
		id := doc.ID()
		for k := range doc {
			delete(doc, k)
		}
		for k, v := range next {
			doc[k] = v
		}
		doc[db.FieldID] = id
		return nil
	}
}

func (c *hostConn) handleWatch(req *protocol.Envelope) {
	var args protocol.WatchArgs
	if err := req.DecodeArgs(&args); err != nil {
		c.respond(req, nil, err)
		return
	}
	if req.SubscriptionID == "" {
		c.respond(req, nil, fmt.Errorf("%w: missing subscription id", db.ErrInvalidDocument))
		return
	}
	coll, err := c.host.db.Collection(req.Collection)
	if err != nil {
		c.respond(req, nil, err)
		return
	}
	sub, err := coll.Subscribe(args.Since, db.SubscribeOptions{Buffer: c.subscriptionBuffer(args.Buffer)})
	if err != nil {
		c.respond(req, nil, err)
		return
	}

	if !c.addSubscription(req.SubscriptionID, sub.Unsubscribe) {
		sub.Unsubscribe()
		c.respond(req, nil, fmt.Errorf("%w: subscription %q already exists", db.ErrConflict, req.SubscriptionID))
		return
	}
	c.respond(req, nil, nil)

	go func() {
		defer c.removeSubscription(req.SubscriptionID)
		for ev := range sub.C() {
			ev := ev
			if !c.push(req.SubscriptionID, &protocol.Envelope{Type: protocol.TypePush, SubscriptionID: req.SubscriptionID, Event: &ev}, sub.Unsubscribe) {
				return
			}
		}
		c.sendFinal(req.SubscriptionID, sub.Err())
	}()
}

func (c *hostConn) handleLive(req *protocol.Envelope) {
	var args protocol.LiveArgs
	if err := req.DecodeArgs(&args); err != nil {
		c.respond(req, nil, err)
		return
	}
	if req.SubscriptionID == "" {
		c.respond(req, nil, fmt.Errorf("%w: missing subscription id", db.ErrInvalidDocument))
		return
	}
	coll, err := c.host.db.Collection(req.Collection)
	if err != nil {
		c.respond(req, nil, err)
		return
	}
	handle, err := livequery.Subscribe(coll, args.Query, livequery.Options{
		Buffer: c.subscriptionBuffer(args.Buffer),
		Logger: c.logger,
	})
	if err != nil {
		c.respond(req, nil, err)
		return
	}

	if !c.addSubscription(req.SubscriptionID, handle.Unsubscribe) {
		handle.Unsubscribe()
		c.respond(req, nil, fmt.Errorf("%w: subscription %q already exists", db.ErrConflict, req.SubscriptionID))
		return
	}
	c.respond(req, nil, nil)

	go func() {
		defer c.removeSubscription(req.SubscriptionID)
		for snap := range handle.Snapshots() {
			snap := snap
			if !c.push(req.SubscriptionID, &protocol.Envelope{Type: protocol.TypePush, SubscriptionID: req.SubscriptionID, Snapshot: &snap}, handle.Unsubscribe) {
				return
			}
		}
		c.sendFinal(req.SubscriptionID, handle.Err())
	}()
}

func (c *hostConn) handleUnsubscribe(req *protocol.Envelope) {
	c.subsMu.Lock()
	stop, ok := c.subs[req.SubscriptionID]
	c.subsMu.Unlock()
	if ok {
		stop()
	}
	c.respond(req, nil, nil)
}

// sendFinal tells the client that the subscription ended on the host. Not
// sent after an unsubscribe.
func (c *hostConn) sendFinal(id string, err error) {
	if err == nil {
		return
	}
	if err := c.send(&protocol.Envelope{
		Type:           protocol.TypePush,
		SubscriptionID: id,
		Final:          true,
		Error:          protocol.NewError(err),
	}); err != nil {
		c.logger.Error("Failed to end subscription", "subscription", id, "error", err)
		c.cancel()
	}
}

func (c *hostConn) subscriptionBuffer(requested int) int {
	if requested != 0 {
		return requested
	}
	return c.host.opts.SubscriptionBuffer
}

func (c *hostConn) addSubscription(id string, stop func()) bool {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if _, exists := c.subs[id]; exists {
		return false
	}
	c.subs[id] = stop
	c.host.activeSubs.Add(1)
	return true
}

func (c *hostConn) removeSubscription(id string) {
	c.subsMu.Lock()
	_, ok := c.subs[id]
	delete(c.subs, id)
	c.subsMu.Unlock()
	if ok {
		c.host.activeSubs.Add(-1)
	}
}

func (c *hostConn) cancelSubscriptions() {
	c.subsMu.Lock()
	stops := make([]func(), 0, len(c.subs))
	for _, stop := range c.subs {
		stops = append(stops, stop)
	}
	c.subsMu.Unlock()

	for _, stop := range stops {
		stop()
	}
}

// Close stops accepting connections, closes the open ones and stops the workers
func (h *Host) Close() error {
	var err error
	h.once.Do(func() {
		h.cancel()
		if h.listener != nil {
			err = h.listener.Close()
		}

		h.connections.Range(func(key, value interface{}) bool {
			if conn, ok := value.(*hostConn); ok {
				conn.cancel()
			}
			return true
		})

		h.wg.Wait()
	})
	return err
}

// Stats returns host statistics
func (h *Host) Stats() map[string]interface{} {
	return map[string]interface{}{
		"active_connections":   h.activeConns.Load(),
		"active_subscriptions": h.activeSubs.Load(),
		"requests":             h.requests.Load(),
		"errors":               h.failures.Load(),
		"worker_pool_size":     h.opts.Workers,
		"active_workers":       h.activeWorkers.Load(),
		"job_queue_len":        len(h.jobQueue),
		"job_queue_cap":        cap(h.jobQueue),
	}
}

// fitEvents returns the leading events whose encoding stays within budget.
// The first event is always kept; if it alone is too large the response
// fails with ErrTooLarge.
func fitEvents(events []db.ChangeEvent, budget int) []db.ChangeEvent {
	size := 0
	for i, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return events[:i+1]
		}
		size += len(data) + 1
		if size > budget && i > 0 {
			return events[:i]
		}
	}
	return events
}
