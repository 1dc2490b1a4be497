package httpproxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/migadu/bender/logger"
	"github.com/migadu/bender/pkg/metrics"
	"github.com/migadu/bender/pkg/retry"
	"github.com/migadu/bender/server"
)

const (
	acceptJoinTimeout = 5 * time.Second
	workerJoinTimeout = 5 * time.Second
)

var acceptBackoff = retry.BackoffConfig{
	InitialInterval: 5 * time.Millisecond,
	MaxInterval:     time.Second,
	Multiplier:      2,
}

// ErrServerStopped is returned by Start after Stop.
var ErrServerStopped = errors.New("server stopped")

// Server accepts client connections and hands each one to a Proxy on its
// own goroutine.
type Server struct {
	name  string
	addr  string
	proxy *Proxy

	listener   net.Listener
	listenerMu sync.RWMutex
	backlog    int
	acceptDone chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	limiter *server.ConnectionLimiter

	openMu  sync.Mutex
	open    map[net.Conn]struct{}
	stopped bool

	stopOnce sync.Once
}

// New creates a proxy server. It does not bind until Start.
func New(appCtx context.Context, opts Options) (*Server, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("proxy server %q: listen address is required", opts.Name)
	}
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(appCtx)

	var limiter *server.ConnectionLimiter
	if opts.MaxConnections > 0 || opts.MaxConnectionsPerIP > 0 {
		limiter = server.NewConnectionLimiter(opts.Name, opts.MaxConnections, opts.MaxConnectionsPerIP)
	}

	return &Server{
		name:    opts.Name,
		addr:    opts.Addr,
		proxy:   NewProxy(opts),
		backlog: opts.ListenBacklog,
		ctx:     ctx,
		cancel:  cancel,
		limiter: limiter,
		open:    make(map[net.Conn]struct{}),
	}, nil
}

// Name returns the configured server name.
func (s *Server) Name() string {
	return s.name
}

// Proxy returns the proxy that handles accepted connections.
func (s *Server) Proxy() *Proxy {
	return s.proxy
}

// Start binds the listener and runs the accept loop in the background. It
// returns once the server is listening.
func (s *Server) Start() error {
	if s.ctx.Err() != nil {
		return ErrServerStopped
	}

	s.listenerMu.Lock()
	if s.listener != nil {
		s.listenerMu.Unlock()
		return fmt.Errorf("proxy server %q already started", s.name)
	}
	ln, err := server.ListenWithBacklog(s.ctx, "tcp", s.addr, s.backlog)
	if err != nil {
		s.listenerMu.Unlock()
		return fmt.Errorf("failed to start listener: %w", err)
	}
	if s.ctx.Err() != nil {
		s.listenerMu.Unlock()
		ln.Close()
		return ErrServerStopped
	}
	s.listener = ln
	s.acceptDone = make(chan struct{})
	s.listenerMu.Unlock()

	logger.Info("HTTP proxy listening", "name", s.name, "addr", ln.Addr().String(), "backlog", s.backlog)

	if s.limiter != nil {
		s.limiter.StartCleanup(s.ctx)
	}

	go s.acceptConnections(ln)
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptConnections(ln net.Listener) {
	defer close(s.acceptDone)

	backoff := retry.NewBackoff(acceptBackoff)
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			delay := backoff.Failure()
			logger.Warn("HTTP Proxy: Failed to accept connection", "name", s.name, "error", err, "retry_in", delay)
			time.Sleep(delay)
			continue
		}
		backoff.Reset()

		var release func()
		if s.limiter != nil {
			release, err = s.limiter.Accept(conn.RemoteAddr())
			if err != nil {
				logger.Debug("HTTP Proxy: Connection rejected", "name", s.name, "remote", server.GetAddrString(conn.RemoteAddr()), "error", err)
				metrics.ConnectionsRejected.WithLabelValues(s.name).Inc()
				conn.Close()
				continue
			}
		}

		if !s.track(conn) {
			conn.Close()
			if release != nil {
				release()
			}
			return
		}

		s.wg.Add(1)
		go s.serve(conn, release)
	}
}

func (s *Server) serve(conn net.Conn, release func()) {
	start := time.Now()
	metrics.ConnectionsTotal.WithLabelValues(s.name).Inc()
	metrics.ConnectionsCurrent.WithLabelValues(s.name).Inc()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("HTTP Proxy: Connection panic recovered", "name", s.name,
				"remote", server.GetAddrString(conn.RemoteAddr()), "panic", r, "stack", string(debug.Stack()))
		}
		conn.Close()
		s.untrack(conn)
		if release != nil {
			release()
		}
		metrics.ConnectionsCurrent.WithLabelValues(s.name).Dec()
		metrics.ConnectionDuration.WithLabelValues(s.name).Observe(time.Since(start).Seconds())
		s.wg.Done()
	}()

	// HandleClient logs its own failures, rejected client streams included.
	_ = s.proxy.HandleClient(s.ctx, conn)
}

func (s *Server) track(conn net.Conn) bool {
	s.openMu.Lock()
	defer s.openMu.Unlock()
	if s.stopped {
		return false
	}
	s.open[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.openMu.Lock()
	defer s.openMu.Unlock()
	delete(s.open, conn)
}

// Stop shuts the server down: in-flight exchanges are interrupted, the
// listener is closed, remaining connections are force-closed and the
// keep-alive pool is emptied. Calling Stop more than once is safe.
func (s *Server) Stop() error {
	s.stopOnce.Do(s.stop)
	return nil
}

func (s *Server) stop() {
	logger.Info("Stopping HTTP proxy server", "name", s.name)

	s.cancel()

	s.listenerMu.RLock()
	ln, acceptDone := s.listener, s.acceptDone
	s.listenerMu.RUnlock()

	if ln != nil {
		ln.Close()
		select {
		case <-acceptDone:
		case <-time.After(acceptJoinTimeout):
			logger.Warn("HTTP Proxy: Accept loop did not exit in time", "name", s.name)
		}
	}

	s.openMu.Lock()
	s.stopped = true
	open := s.open
	s.open = make(map[net.Conn]struct{})
	s.openMu.Unlock()
	for conn := range open {
		conn.Close()
	}

	s.proxy.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Debug("HTTP Proxy: Server stopped gracefully", "name", s.name)
	case <-time.After(workerJoinTimeout):
		logger.Warn("HTTP Proxy: Server stop timeout", "name", s.name)
	}
}

// Stats reports the live state of the server for the metrics collector.
func (s *Server) Stats() metrics.ServerStats {
	s.openMu.Lock()
	open := len(s.open)
	s.openMu.Unlock()
	return metrics.ServerStats{
		Name:            s.name,
		OpenConnections: open,
		IdleUpstreams:   s.proxy.pool.Len(),
	}
}

// LimiterStats returns connection limiter statistics, or nil when no
// limit is configured.
func (s *Server) LimiterStats() *server.ConnectionStats {
	if s.limiter == nil {
		return nil
	}
	stats := s.limiter.GetStats()
	return &stats
}
