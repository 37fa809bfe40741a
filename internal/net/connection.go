package net

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skshohagmiah/livedoc/internal/protocol"
)

// ErrClosed is returned by operations on a closed connection
var ErrClosed = errors.New("connection closed")

// Connection is a framed, buffered connection. One goroutine may read
// frames while others write them.
type Connection struct {
	conn         net.Conn
	reader       *bufio.Reader
	writer       *bufio.Writer
	readTimeout  time.Duration
	writeTimeout time.Duration
	wmu          sync.Mutex
	closed       atomic.Bool
	closeOnce    sync.Once
	closeErr     error
}

// ConnectionOptions for wrapping a connection
type ConnectionOptions struct {
	ReadTimeout  time.Duration // 0 = no read deadline
	WriteTimeout time.Duration
	BufferSize   int
}

// DefaultConnectionOptions returns default connection options
func DefaultConnectionOptions() *ConnectionOptions {
	return &ConnectionOptions{
		WriteTimeout: 10 * time.Second,
		BufferSize:   65536, // 64KB
	}
}

// NewConnection wraps an established connection
func NewConnection(conn net.Conn, opts *ConnectionOptions) *Connection {
	if opts == nil {
		opts = DefaultConnectionOptions()
	}
	bufferSize := opts.BufferSize
	if bufferSize <= 0 {
		bufferSize = 65536
	}

	// Apply TCP optimizations
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(30 * time.Second)
	}

	return &Connection{
		conn:         conn,
		reader:       bufio.NewReaderSize(conn, bufferSize),
		writer:       bufio.NewWriterSize(conn, bufferSize),
		readTimeout:  opts.ReadTimeout,
		writeTimeout: opts.WriteTimeout,
	}
}

// WriteFrame writes one encoded frame
func (c *Connection) WriteFrame(frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.closed.Load() {
		return ErrClosed
	}

	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}

	if _, err := c.writer.Write(frame); err != nil {
		return err
	}

	return c.writer.Flush()
}

// WriteEnvelope encodes and writes an envelope
func (c *Connection) WriteEnvelope(env *protocol.Envelope) error {
	frame, err := protocol.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	return c.WriteFrame(frame)
}

// ReadEnvelope reads and decodes the next frame. Must not be called
// concurrently.
func (c *Connection) ReadEnvelope() (*protocol.Envelope, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	if c.readTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}

	header := make([]byte, protocol.HeaderSize)
	if _, err := io.ReadFull(c.reader, header); err != nil {
		return nil, err
	}
	frameType, payloadLen, err := protocol.DecodeHeader(header)
	if err != nil {
		return nil, err
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(c.reader, payload); err != nil {
		return nil, err
	}

	return protocol.DecodeEnvelope(frameType, payload)
}

// Close closes the connection
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// IsConnected checks if the connection is still active
func (c *Connection) IsConnected() bool {
	return !c.closed.Load()
}
