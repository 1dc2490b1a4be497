package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/bender/logger"
)

// ConnectionLimiter caps the number of concurrent client connections a
// proxy server accepts, in total and per client IP.
type ConnectionLimiter struct {
	maxConnections   int
	maxPerIP         int
	currentTotal     atomic.Int64
	perIPConnections map[string]*atomic.Int64
	mu               sync.RWMutex
	cleanupInterval  time.Duration
	name             string
}

// NewConnectionLimiter creates a limiter. A limit <= 0 is unlimited.
func NewConnectionLimiter(name string, maxConnections, maxPerIP int) *ConnectionLimiter {
	return &ConnectionLimiter{
		maxConnections:   maxConnections,
		maxPerIP:         maxPerIP,
		perIPConnections: make(map[string]*atomic.Int64),
		cleanupInterval:  5 * time.Minute,
		name:             name,
	}
}

// CanAccept checks if a new connection can be accepted from the given remote address
func (cl *ConnectionLimiter) CanAccept(remoteAddr net.Addr) error {
	if cl.maxConnections <= 0 && cl.maxPerIP <= 0 {
		return nil
	}

	if cl.maxConnections > 0 {
		current := cl.currentTotal.Load()
		if current >= int64(cl.maxConnections) {
			return fmt.Errorf("maximum connections reached (%d/%d)", current, cl.maxConnections)
		}
	}

	if cl.maxPerIP > 0 {
		ip := GetIPFromAddr(remoteAddr)

		cl.mu.RLock()
		ipCounter, exists := cl.perIPConnections[ip]
		cl.mu.RUnlock()

		if exists {
			current := ipCounter.Load()
			if current >= int64(cl.maxPerIP) {
				return fmt.Errorf("maximum connections per IP reached for %s (%d/%d)", ip, current, cl.maxPerIP)
			}
		}
	}

	return nil
}

// Accept registers a new connection and returns a function to release it.
// The release function is safe to call more than once.
func (cl *ConnectionLimiter) Accept(remoteAddr net.Addr) (func(), error) {
	if err := cl.CanAccept(remoteAddr); err != nil {
		return nil, err
	}

	ip := GetIPFromAddr(remoteAddr)
	total := cl.currentTotal.Add(1)

	var ipCounter *atomic.Int64
	if cl.maxPerIP > 0 {
		cl.mu.Lock()
		var exists bool
		ipCounter, exists = cl.perIPConnections[ip]
		if !exists {
			ipCounter = &atomic.Int64{}
			cl.perIPConnections[ip] = ipCounter
		}
		cl.mu.Unlock()

		perIP := ipCounter.Add(1)
		logger.Debug("Connection limiter: Connection accepted", "name", cl.name, "ip", ip, "total", total, "max_total", cl.maxConnections, "per_ip", perIP, "max_per_ip", cl.maxPerIP)
	} else {
		logger.Debug("Connection limiter: Connection accepted", "name", cl.name, "ip", ip, "total", total, "max_total", cl.maxConnections)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			cl.currentTotal.Add(-1)
			if ipCounter == nil {
				return
			}
			if remaining := ipCounter.Add(-1); remaining <= 0 {
				cl.mu.Lock()
				if ipCounter.Load() <= 0 {
					delete(cl.perIPConnections, ip)
				}
				cl.mu.Unlock()
			}
		})
	}, nil
}

// GetStats returns current connection statistics
func (cl *ConnectionLimiter) GetStats() ConnectionStats {
	cl.mu.RLock()
	defer cl.mu.RUnlock()

	stats := ConnectionStats{
		Name:             cl.name,
		TotalConnections: cl.currentTotal.Load(),
		MaxConnections:   int64(cl.maxConnections),
		MaxPerIP:         int64(cl.maxPerIP),
		IPConnections:    make(map[string]int64, len(cl.perIPConnections)),
	}
	for ip, counter := range cl.perIPConnections {
		stats.IPConnections[ip] = counter.Load()
	}
	return stats
}

// StartCleanup starts a background goroutine to clean up stale IP entries
func (cl *ConnectionLimiter) StartCleanup(ctx context.Context) {
	if cl.cleanupInterval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(cl.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cl.cleanup()
			}
		}
	}()
}

// cleanup removes IP entries with zero connections
func (cl *ConnectionLimiter) cleanup() {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	cleaned := 0
	for ip, counter := range cl.perIPConnections {
		if counter.Load() <= 0 {
			delete(cl.perIPConnections, ip)
			cleaned++
		}
	}

	if cleaned > 0 {
		logger.Debug("Connection limiter: Cleaned up stale IP entries", "name", cl.name, "count", cleaned)
	}
}

// ConnectionStats represents connection statistics
type ConnectionStats struct {
	Name             string           `json:"name"`
	TotalConnections int64            `json:"total_connections"`
	MaxConnections   int64            `json:"max_connections"`
	MaxPerIP         int64            `json:"max_per_ip"`
	IPConnections    map[string]int64 `json:"ip_connections,omitempty"`
}
