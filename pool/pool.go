// Package pool keeps authenticated backend connections alive between
// client sessions. The driver touches it in exactly two places: a
// dequeue when a new backend is requested and an enqueue when a clean
// connection is closed.
package pool

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/mevdschee/tqsqlproxy/metrics"
)

// Conn is a poolable backend connection.
type Conn interface {
	// Reusable reports whether the connection is still clean enough to
	// hand to another session.
	Reusable() bool
	// Discard closes the connection for good.
	Discard()
}

type entry struct {
	conn  Conn
	since time.Time
}

// Pool holds idle connections per server.
type Pool struct {
	mu     sync.Mutex
	idle   map[string][]entry
	maxAge time.Duration
}

// New creates a pool. Entries older than maxAge are discarded by Sweep.
func New(maxAge time.Duration) *Pool {
	return &Pool{idle: make(map[string][]entry), maxAge: maxAge}
}

// Take removes the oldest idle connection for a server. Entries that
// stopped being reusable while pooled are discarded on the way.
func (p *Pool) Take(server string) (Conn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		q := p.idle[server]
		if len(q) == 0 {
			metrics.PoolEvents.WithLabelValues(server, "miss").Inc()
			return nil, false
		}
		e := q[0]
		p.idle[server] = q[1:]
		if e.conn.Reusable() {
			metrics.PoolEvents.WithLabelValues(server, "hit").Inc()
			return e.conn, true
		}
		e.conn.Discard()
		metrics.PoolEvents.WithLabelValues(server, "stale").Inc()
	}
}

// Offer adds a connection to a server's queue, honoring the per-server
// limit. It returns false when the queue is full; the caller then owns
// the connection again.
func (p *Pool) Offer(server string, c Conn, max int) bool {
	if max <= 0 {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle[server]) >= max {
		metrics.PoolEvents.WithLabelValues(server, "full").Inc()
		return false
	}
	p.idle[server] = append(p.idle[server], entry{conn: c, since: time.Now()})
	metrics.PoolEvents.WithLabelValues(server, "put").Inc()
	return true
}

// Len returns the number of idle connections for a server.
func (p *Pool) Len(server string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle[server])
}

// Sweep discards entries that aged out or stopped being reusable.
func (p *Pool) Sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := time.Now().Add(-p.maxAge)
	for server, q := range p.idle {
		kept := q[:0]
		for _, e := range q {
			if e.since.Before(cutoff) || !e.conn.Reusable() {
				e.conn.Discard()
				metrics.PoolEvents.WithLabelValues(server, "swept").Inc()
				continue
			}
			kept = append(kept, e)
		}
		p.idle[server] = kept
	}
}

// StartSweeper runs Sweep on an interval until the context is
// cancelled.
func (p *Pool) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep()
		}
	}
}

// Drain discards every idle connection, used at shutdown.
func (p *Pool) Drain() {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for server, q := range p.idle {
		for _, e := range q {
			e.conn.Discard()
			n++
		}
		delete(p.idle, server)
	}
	if n > 0 {
		log.Printf("[Pool] Drained %d idle connections", n)
	}
}
