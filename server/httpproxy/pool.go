package httpproxy

import (
	"bufio"
	"sync"
	"time"

	"github.com/migadu/bender/logger"
	"github.com/migadu/bender/pkg/metrics"
	"github.com/migadu/bender/server"
)

// Upstream is an idle server connection together with its reader.
type Upstream struct {
	Conn   *server.DeadlineConn
	Reader *bufio.Reader
}

func (u *Upstream) close() {
	u.Conn.Close()
}

// Pool keeps at most one idle upstream connection per endpoint for
// keep-alive reuse.
type Pool struct {
	name string

	mu     sync.Mutex
	idle   map[Endpoint]*Upstream
	closed bool
}

// NewPool returns an empty pool. name labels its metrics.
func NewPool(name string) *Pool {
	return &Pool{
		name: name,
		idle: make(map[Endpoint]*Upstream),
	}
}

// TryTake removes the idle connection for endpoint and returns it if it is
// still alive. A closed connection, or one with unsolicited bytes waiting,
// is closed and dropped.
func (p *Pool) TryTake(endpoint Endpoint) (*Upstream, bool) {
	p.mu.Lock()
	u, ok := p.idle[endpoint]
	delete(p.idle, endpoint)
	p.mu.Unlock()

	if !ok {
		metrics.KeepAlivePoolTotal.WithLabelValues(p.name, "miss").Inc()
		return nil, false
	}
	if !alive(u) {
		logger.Debug("Server socket appears disconnected. Requiring new socket.", "name", p.name, "endpoint", endpoint.String())
		metrics.KeepAlivePoolTotal.WithLabelValues(p.name, "stale").Inc()
		u.close()
		return nil, false
	}
	metrics.KeepAlivePoolTotal.WithLabelValues(p.name, "hit").Inc()
	return u, true
}

// Put stores u as the idle connection for endpoint, replacing and closing
// any connection already held for it. After Close, u is closed instead.
func (p *Pool) Put(endpoint Endpoint, u *Upstream) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		u.close()
		return
	}
	prev := p.idle[endpoint]
	p.idle[endpoint] = u
	p.mu.Unlock()

	if prev != nil && prev != u {
		prev.close()
	}
}

// Len returns the number of idle connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Close closes every idle connection. Later Puts close their argument.
func (p *Pool) Close() {
	p.mu.Lock()
	idle := p.idle
	p.idle = make(map[Endpoint]*Upstream)
	p.closed = true
	p.mu.Unlock()

	for _, u := range idle {
		u.close()
	}
}

// peekAlive probes u by peeking one byte with a very short read timeout.
// Only a timeout means the connection is idle and open; data, EOF or any
// other error makes it unusable.
func peekAlive(u *Upstream) bool {
	if u.Reader.Buffered() > 0 {
		return false
	}
	prev := u.Conn.ReadTimeout()
	u.Conn.SetReadTimeout(time.Millisecond)
	defer u.Conn.SetReadTimeout(prev)

	_, err := u.Reader.Peek(1)
	return err != nil && server.IsTimeout(err)
}
