package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BackendConnections counts backend connection attempts by server and result
	BackendConnections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tqsqlproxy_backend_connections_total",
			Help: "Backend connection attempts",
		},
		[]string{"server", "result"},
	)

	// HandshakeFailures counts failed backend handshakes by server and error code
	HandshakeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tqsqlproxy_handshake_failures_total",
			Help: "Backend handshake and authentication failures",
		},
		[]string{"server", "code"},
	)

	// SessionCommands counts session commands recorded per command byte
	SessionCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tqsqlproxy_session_commands_total",
			Help: "Session commands written to backends",
		},
		[]string{"command"},
	)

	// ResponsesCompleted counts completed session command responses
	ResponsesCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tqsqlproxy_sescmd_responses_total",
			Help: "Completed session command responses",
		},
	)

	// ChangeUsers counts COM_CHANGE_USER packets by trigger and result
	ChangeUsers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tqsqlproxy_change_users_total",
			Help: "COM_CHANGE_USER packets sent to backends",
		},
		[]string{"trigger", "result"},
	)

	// PoolEvents counts persistent pool traffic by server and event
	PoolEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tqsqlproxy_pool_events_total",
			Help: "Persistent connection pool events",
		},
		[]string{"server", "event"},
	)

	// BackendErrors counts backend transport and protocol errors
	BackendErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tqsqlproxy_backend_errors_total",
			Help: "Backend transport and protocol errors",
		},
		[]string{"server", "kind"},
	)

	// DelayedWrites counts writes queued before authentication completed
	DelayedWrites = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tqsqlproxy_delayed_writes_total",
			Help: "Writes held until backend authentication completed",
		},
	)

	// MonitorChecks counts health checks by server and outcome
	MonitorChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tqsqlproxy_monitor_checks_total",
			Help: "Backend health checks",
		},
		[]string{"server", "result"},
	)

	once sync.Once
)

// Init registers all metrics with Prometheus
func Init() {
	once.Do(func() {
		prometheus.MustRegister(BackendConnections)
		prometheus.MustRegister(HandshakeFailures)
		prometheus.MustRegister(SessionCommands)
		prometheus.MustRegister(ResponsesCompleted)
		prometheus.MustRegister(ChangeUsers)
		prometheus.MustRegister(PoolEvents)
		prometheus.MustRegister(BackendErrors)
		prometheus.MustRegister(DelayedWrites)
		prometheus.MustRegister(MonitorChecks)
	})
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
