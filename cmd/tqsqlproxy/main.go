package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mevdschee/tqsqlproxy/auth"
	"github.com/mevdschee/tqsqlproxy/backend"
	"github.com/mevdschee/tqsqlproxy/buffer"
	"github.com/mevdschee/tqsqlproxy/config"
	"github.com/mevdschee/tqsqlproxy/metrics"
	"github.com/mevdschee/tqsqlproxy/packet"
	"github.com/mevdschee/tqsqlproxy/poller"
	"github.com/mevdschee/tqsqlproxy/pool"
	"github.com/mevdschee/tqsqlproxy/registry"
	"github.com/mevdschee/tqsqlproxy/router"
	"github.com/mevdschee/tqsqlproxy/session"
	"github.com/mevdschee/tqsqlproxy/users"
)

func main() {
	configPath := flag.String("config", "config.ini", "Path to configuration file")
	metricsAddr := flag.String("metrics", ":9090", "Metrics endpoint address")
	check := flag.Bool("check", false, "Ping every configured server through the backend driver and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize metrics
	metrics.Init()

	// User account repository
	var userSvc *users.Service
	if cfg.Users.File != "" {
		userSvc, err = users.New(cfg.Users.File, cfg.Users.CacheSize,
			time.Duration(cfg.Users.CacheTTLSec)*time.Second)
		if err != nil {
			log.Fatalf("Failed to load users: %v", err)
		}
	} else {
		userSvc = users.NewStatic(nil)
	}

	// Server registry from config
	reg := registry.New()
	for name, sc := range cfg.Servers {
		reg.Add(registry.NewServer(name, sc.Address, sc.Port, sc.PersistPoolMax))
		log.Printf("[Registry] Server %s at %s:%d (persistpoolmax %d)",
			name, sc.Address, sc.Port, sc.PersistPoolMax)
	}

	connPool := pool.New(time.Duration(cfg.Pool.MaxAgeSec) * time.Second)

	if *check {
		os.Exit(runCheck(cfg, reg, userSvc, connPool))
	}

	// Start metrics HTTP server with pprof
	go func() {
		http.Handle("/metrics", metrics.Handler())
		log.Printf("Metrics endpoint at http://localhost%s/metrics", *metricsAddr)
		log.Printf("Pprof endpoints at http://localhost%s/debug/pprof/", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Backend health monitor
	monitor := registry.NewMonitor(reg, cfg.Monitor.User, cfg.Monitor.Password)
	go monitor.Start(ctx, time.Duration(cfg.Monitor.IntervalSec)*time.Second)

	// Persistent pool sweeper
	go connPool.StartSweeper(ctx, time.Duration(cfg.Pool.SweepSec)*time.Second)

	log.Println("TQSQLProxy backend driver started. Press Ctrl+C to stop. Send SIGHUP to reload users.")

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		switch sig {
		case syscall.SIGHUP:
			log.Println("Received SIGHUP, reloading user accounts...")
			if err := userSvc.Refresh(); err != nil {
				log.Printf("Failed to reload users: %v", err)
				continue
			}
			log.Printf("User accounts reloaded (%d accounts)", userSvc.Len())

		case syscall.SIGINT, syscall.SIGTERM:
			log.Println("Shutting down...")
			connPool.Drain()
			return
		}
	}
}

// runCheck authenticates against every configured server through the
// backend driver and sends a COM_PING via the delay queue. Exit code 0
// means every server answered.
func runCheck(cfg *config.Config, reg *registry.Registry, userSvc *users.Service, connPool *pool.Pool) int {
	failures := 0
	for _, srv := range reg.All() {
		if pingServer(cfg, srv, userSvc, connPool) {
			log.Printf("[Check] %s: ok", srv.UniqueName)
		} else {
			log.Printf("[Check] %s: FAILED", srv.UniqueName)
			failures++
		}
	}
	if failures > 0 {
		return 1
	}
	return 0
}

func pingServer(cfg *config.Config, srv *registry.Server, userSvc *users.Service, connPool *pool.Pool) bool {
	sess := session.New(1)
	sess.User = cfg.Service.User
	sess.DB = cfg.Service.DB
	if cfg.Service.Password != "" {
		sess.SHA1 = packet.PasswordSHA1([]byte(cfg.Service.Password))
		sess.HasPassword = true
	}
	sess.RouterSession = struct{}{}

	rt := &checkRouter{done: make(chan bool, 1)}
	var ep *poller.Endpoint
	dial := func(addr string, h poller.Handler) (backend.Wire, error) {
		e, err := poller.DialTimeout(addr, h, 5*time.Second)
		if err != nil {
			return nil, err
		}
		ep = e
		return manualWire{e}, nil
	}

	conn, err := backend.Connect(backend.Options{
		Server:  srv,
		Session: sess,
		Router:  rt,
		Auth:    auth.NewNative(userSvc),
		Users:   userSvc,
		Pool:    connPool,
		Dial:    dial,
	})
	if err != nil {
		return false
	}

	// The ping goes out through the delay queue once authentication
	// completes.
	ping := buffer.New([]byte{1, 0, 0, 0, packet.COM_PING})
	ping.AddTag(buffer.TagMySQL)
	ping.AddTag(buffer.TagSingleStmt)
	ping.AddTag(buffer.TagSessionCmd)
	conn.Write(ping)
	ep.Start()

	select {
	case ok := <-rt.done:
		ep.Close()
		return ok
	case <-time.After(5 * time.Second):
		ep.Close()
		return false
	}
}

// manualWire defers event delivery until the caller starts the
// endpoint itself.
type manualWire struct {
	ep *poller.Endpoint
}

func (w manualWire) Write(p []byte) (int, error) { return w.ep.Write(p) }
func (w manualWire) Close() error                { return w.ep.Close() }
func (w manualWire) FakeHangup()                 { w.ep.FakeHangup() }

// checkRouter reports the first tracked reply through a channel.
type checkRouter struct {
	done chan bool
}

func (r *checkRouter) Capabilities() uint64 {
	return router.CapStmtOutput | router.CapContiguousOutput
}

func (r *checkRouter) ClientReply(s *session.Session, reply *buffer.Buffer) {
	ok := packet.ClassifyPacket(reply.Bytes()) == packet.ReplyOK
	select {
	case r.done <- ok:
	default:
	}
}

func (r *checkRouter) HandleError(s *session.Session, errbuf *buffer.Buffer, action router.Action) bool {
	log.Printf("[Check] Backend error (%s): %s", action, packet.ErrMessage(errbuf.Bytes()))
	select {
	case r.done <- false:
	default:
	}
	return false
}
