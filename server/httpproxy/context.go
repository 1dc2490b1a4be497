package httpproxy

import (
	"bufio"
	"context"
	"sync"
	"time"

	"github.com/migadu/bender/httpmsg"
	"github.com/migadu/bender/server"
)

const readBufferSize = 8192

// Context is the per-connection state threaded through the pipeline. It is
// owned by the goroutine handling the connection; observers run on that
// goroutine and may read or modify it.
type Context struct {
	ID        string
	StartedAt time.Time

	ClientConn   *server.DeadlineConn
	ClientReader *bufio.Reader

	Endpoint     Endpoint
	ServerConn   *server.DeadlineConn
	ServerReader *bufio.Reader

	RequestHeader  *httpmsg.Header
	ResponseHeader *httpmsg.Header

	// Failure is the first failure recorded for this connection.
	Failure *Failure
	// Err is the error processing returned, if any.
	Err error

	base   context.Context
	log    *server.ProxySessionLogger
	stage  Stage
	stop   bool
	reused bool

	requestFraming  httpmsg.Framing
	responseFraming httpmsg.Framing

	// upstream byte counters at the time the connection was attached
	readMark, writeMark int64

	// mu guards the upstream connection fields against interrupt, which
	// runs on the cancellation goroutine.
	mu          sync.Mutex
	interrupted bool
}

func newContext(base context.Context, id string, client *server.DeadlineConn, log *server.ProxySessionLogger) *Context {
	return &Context{
		ID:           id,
		StartedAt:    time.Now(),
		ClientConn:   client,
		ClientReader: bufio.NewReaderSize(client, readBufferSize),
		base:         base,
		log:          log,
	}
}

// StopProcessing makes the pipeline skip to the Completed stage once the
// current stage returns.
func (c *Context) StopProcessing() {
	c.stop = true
}

// Stopped reports whether StopProcessing was called.
func (c *Context) Stopped() bool {
	return c.stop
}

// Stage returns the stage currently running.
func (c *Context) Stage() Stage {
	return c.stage
}

// Reused reports whether the upstream connection came from the keep-alive
// pool.
func (c *Context) Reused() bool {
	return c.reused
}

// fail records a failure unless one was already captured.
func (c *Context) fail(kind FailureKind, message string, err error) {
	if c.Failure != nil {
		return
	}
	c.Failure = &Failure{Kind: kind, Message: message, Err: err}
}

func (c *Context) setUpstream(conn *server.DeadlineConn, reader *bufio.Reader, reused bool) {
	c.mu.Lock()
	c.ServerConn, c.ServerReader, c.reused = conn, reader, reused
	c.readMark, c.writeMark = conn.BytesRead(), conn.BytesWritten()
	interrupted := c.interrupted
	c.mu.Unlock()

	if interrupted {
		conn.Interrupt()
	}
}

// detachUpstream hands the upstream connection over to the caller without
// closing it.
func (c *Context) detachUpstream() (*server.DeadlineConn, *bufio.Reader) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, reader := c.ServerConn, c.ServerReader
	c.ServerConn, c.ServerReader = nil, nil
	return conn, reader
}

func (c *Context) dropUpstream() {
	if conn, _ := c.detachUpstream(); conn != nil {
		conn.Close()
	}
}

// upstreamTraffic returns the bytes read from and written to the upstream
// connection since it was attached to this context.
func (c *Context) upstreamTraffic() (in, out int64) {
	return c.ServerConn.BytesRead() - c.readMark, c.ServerConn.BytesWritten() - c.writeMark
}

// interrupt unblocks any I/O in flight on both connections.
func (c *Context) interrupt() {
	c.mu.Lock()
	c.interrupted = true
	upstream := c.ServerConn
	c.mu.Unlock()

	c.ClientConn.Interrupt()
	if upstream != nil {
		upstream.Interrupt()
	}
}
