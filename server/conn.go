package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"
)

// ErrInterrupted is returned by a DeadlineConn after Interrupt was called.
var ErrInterrupted = errors.New("connection interrupted")

// Side tells which peer of a proxied exchange a stream belongs to.
type Side int

const (
	SideClient Side = iota
	SideServer
)

func (s Side) String() string {
	if s == SideServer {
		return "server"
	}
	return "client"
}

// StreamError tags an I/O failure with the side and operation it happened
// on, so callers can classify it without guessing from the message.
type StreamError struct {
	Side Side
	Op   string // "read" or "write"
	Err  error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Side, e.Op, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// DeadlineConn applies a fresh read or write deadline before every call on
// the wrapped connection and wraps failures in *StreamError. io.EOF is
// passed through untouched so io helpers keep working.
type DeadlineConn struct {
	net.Conn

	side         Side
	readTimeout  time.Duration
	writeTimeout time.Duration

	interrupted atomic.Bool
	bytesRead   atomic.Int64
	bytesWrite  atomic.Int64
}

// NewDeadlineConn wraps conn. A zero timeout disables that deadline.
func NewDeadlineConn(conn net.Conn, side Side, readTimeout, writeTimeout time.Duration) *DeadlineConn {
	return &DeadlineConn{
		Conn:         conn,
		side:         side,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

func (c *DeadlineConn) Read(b []byte) (int, error) {
	if c.readTimeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return 0, c.wrap("read", err)
		}
	}
	if c.interrupted.Load() {
		return 0, c.wrap("read", ErrInterrupted)
	}

	n, err := c.Conn.Read(b)
	c.bytesRead.Add(int64(n))
	if err != nil && err != io.EOF {
		if c.interrupted.Load() {
			err = ErrInterrupted
		}
		return n, c.wrap("read", err)
	}
	return n, err
}

func (c *DeadlineConn) Write(b []byte) (int, error) {
	if c.writeTimeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return 0, c.wrap("write", err)
		}
	}
	if c.interrupted.Load() {
		return 0, c.wrap("write", ErrInterrupted)
	}

	n, err := c.Conn.Write(b)
	c.bytesWrite.Add(int64(n))
	if err != nil {
		if c.interrupted.Load() {
			err = ErrInterrupted
		}
		return n, c.wrap("write", err)
	}
	return n, nil
}

// Interrupt makes blocked and future calls return ErrInterrupted. The
// connection stays open.
func (c *DeadlineConn) Interrupt() {
	c.interrupted.Store(true)
	c.Conn.SetDeadline(time.Now())
}

// Interrupted reports whether Interrupt was called.
func (c *DeadlineConn) Interrupted() bool {
	return c.interrupted.Load()
}

// BytesRead returns the number of bytes read so far.
func (c *DeadlineConn) BytesRead() int64 {
	return c.bytesRead.Load()
}

// BytesWritten returns the number of bytes written so far.
func (c *DeadlineConn) BytesWritten() int64 {
	return c.bytesWrite.Load()
}

// NetConn returns the wrapped connection.
func (c *DeadlineConn) NetConn() net.Conn {
	return c.Conn
}

func (c *DeadlineConn) wrap(op string, err error) error {
	return &StreamError{Side: c.side, Op: op, Err: err}
}

// ReadTimeout returns the deadline applied before each read.
func (c *DeadlineConn) ReadTimeout() time.Duration {
	return c.readTimeout
}

// SetReadTimeout changes the deadline applied before each read. It must not
// be called while a read is in progress.
func (c *DeadlineConn) SetReadTimeout(d time.Duration) {
	c.readTimeout = d
}
