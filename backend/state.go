package backend

// AuthState tracks a backend connection from raw socket to
// authenticated idle.
type AuthState int

const (
	StateInit AuthState = iota
	StatePendingConnect
	StateConnected
	StateResponseSent
	StateComplete
	StateHandshakeFailed
	StateFailed
)

func (s AuthState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StatePendingConnect:
		return "pending-connect"
	case StateConnected:
		return "connected"
	case StateResponseSent:
		return "response-sent"
	case StateComplete:
		return "complete"
	case StateHandshakeFailed:
		return "handshake-failed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
