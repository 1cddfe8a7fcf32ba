// Package registry tracks the backend servers known to the proxy.
// Status bits are atomics so protocol workers and the monitor can flip
// them without coordination.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/mevdschee/tqsqlproxy/metrics"
)

// Server status bits.
const (
	StatusRunning uint32 = 1 << iota
	StatusMaintenance
	StatusDown
)

// Server is one backend database server.
type Server struct {
	UniqueName     string // configuration name
	Name           string // host
	Port           int
	PersistPoolMax int

	status atomic.Uint32
}

// NewServer creates a server in the running state.
func NewServer(uniqueName, host string, port, persistPoolMax int) *Server {
	s := &Server{UniqueName: uniqueName, Name: host, Port: port, PersistPoolMax: persistPoolMax}
	s.status.Store(StatusRunning)
	return s
}

// Addr returns the host:port dial address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.Name, strconv.Itoa(s.Port))
}

func (s *Server) SetStatus(bit uint32) {
	for {
		old := s.status.Load()
		if s.status.CompareAndSwap(old, old|bit) {
			return
		}
	}
}

func (s *Server) ClearStatus(bit uint32) {
	for {
		old := s.status.Load()
		if s.status.CompareAndSwap(old, old&^bit) {
			return
		}
	}
}

func (s *Server) HasStatus(bit uint32) bool {
	return s.status.Load()&bit != 0
}

// Usable reports whether new connections may be routed to the server.
func (s *Server) Usable() bool {
	st := s.status.Load()
	return st&StatusRunning != 0 && st&(StatusMaintenance|StatusDown) == 0
}

// Registry is the shared server list.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*Server
}

func New() *Registry {
	return &Registry{servers: make(map[string]*Server)}
}

func (r *Registry) Add(s *Server) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[s.UniqueName] = s
}

func (r *Registry) Get(uniqueName string) (*Server, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[uniqueName]
	return s, ok
}

func (r *Registry) All() []*Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Server, 0, len(r.servers))
	for _, s := range r.servers {
		out = append(out, s)
	}
	return out
}

// Monitor pings every server on an interval and maintains the down bit.
// Servers in maintenance are pinged too; the monitor never sets or
// clears the maintenance bit.
type Monitor struct {
	reg      *Registry
	user     string
	password string
}

func NewMonitor(reg *Registry, user, password string) *Monitor {
	return &Monitor{reg: reg, user: user, password: password}
}

// Start runs health checks until the context is cancelled.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.checkAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkAll(ctx)
		}
	}
}

func (m *Monitor) checkAll(ctx context.Context) {
	for _, srv := range m.reg.All() {
		go m.check(ctx, srv)
	}
}

func (m *Monitor) check(ctx context.Context, srv *Server) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s)/?timeout=2s", m.user, m.password, srv.Addr())
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		m.markDown(srv)
		return
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		m.markDown(srv)
		return
	}
	if srv.HasStatus(StatusDown) {
		log.Printf("[Registry] Server %s is reachable again", srv.UniqueName)
	}
	srv.ClearStatus(StatusDown)
	metrics.MonitorChecks.WithLabelValues(srv.UniqueName, "up").Inc()
}

func (m *Monitor) markDown(srv *Server) {
	if !srv.HasStatus(StatusDown) {
		log.Printf("[Registry] Server %s is unreachable, marking down", srv.UniqueName)
	}
	srv.SetStatus(StatusDown)
	metrics.MonitorChecks.WithLabelValues(srv.UniqueName, "down").Inc()
}
