// internal/network/limiter.go
package network

import (
	"context"
	"sync"
)

// StreamLimiter bounds the number of concurrently alive inbound stream
// handlers, both globally and per connection. Acquire blocks (respecting
// ctx) until a permit is available in both pools; this is the
// backpressure mechanism — a connection with its per-connection pool
// exhausted waits even if global capacity remains, and vice versa.
type StreamLimiter struct {
	global chan struct{}

	mu         sync.Mutex
	perConnMax int
	perConn    map[uint64]chan struct{}
}

func NewStreamLimiter(globalMax, perConnMax int) *StreamLimiter {
	l := &StreamLimiter{
		perConnMax: perConnMax,
		perConn:    make(map[uint64]chan struct{}),
	}
	if globalMax > 0 {
		l.global = make(chan struct{}, globalMax)
	}
	return l
}

func (l *StreamLimiter) connPool(connID uint64) chan struct{} {
	if l.perConnMax <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.perConn[connID]
	if !ok {
		p = make(chan struct{}, l.perConnMax)
		l.perConn[connID] = p
	}
	return p
}

// Acquire takes one global permit and one per-connection permit, in that
// order, returning a release function. It never double-releases: calling
// release more than once is a no-op after the first call.
func (l *StreamLimiter) Acquire(ctx context.Context, connID uint64) (release func(), err error) {
	if l.global != nil {
		select {
		case l.global <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	connPool := l.connPool(connID)
	if connPool != nil {
		select {
		case connPool <- struct{}{}:
		case <-ctx.Done():
			if l.global != nil {
				<-l.global
			}
			return nil, ctx.Err()
		}
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			if connPool != nil {
				<-connPool
			}
			if l.global != nil {
				<-l.global
			}
		})
	}, nil
}

// Forget drops the per-connection pool for connID once the connection is
// closed, so the limiter's map does not grow without bound across the
// lifetime of a long-running node.
func (l *StreamLimiter) Forget(connID uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.perConn, connID)
}

// InUse reports how many global permits are currently held — the number
// of gossip stream handlers running concurrently right now.
func (l *StreamLimiter) InUse() int {
	if l.global == nil {
		return 0
	}
	return len(l.global)
}
