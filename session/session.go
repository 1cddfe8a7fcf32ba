// Package session holds the per-client session state shared between the
// client side of the proxy and its backend connections.
package session

import "sync/atomic"

// State of a session. A session in StateStopping no longer accepts
// replies; StateDummy marks internal sessions without a client.
type State int32

const (
	StateAlive State = iota
	StateStopping
	StateStopped
	StateDummy
)

func (s State) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateDummy:
		return "dummy"
	default:
		return "unknown"
	}
}

// Session carries the client identity a backend connection
// authenticates with, plus routing state. Identity fields are owned by
// the session's worker; only State is read across goroutines.
type Session struct {
	ID uint64

	// Current identity. SHA1 is SHA1(password); HasPassword is false
	// for passwordless accounts.
	User        string
	DB          string
	SHA1        [20]byte
	HasPassword bool

	// Copied into every backend connection at creation.
	Charset           uint16
	Capabilities      uint32
	ExtraCapabilities uint32

	// Scramble the proxy sent to the client, needed to verify a client
	// COM_CHANGE_USER token.
	ClientScramble [20]byte

	// RouterSession is nil for routers that declare the no-rsession
	// capability.
	RouterSession any

	state atomic.Int32
}

// New creates a session in StateAlive.
func New(id uint64) *Session {
	return &Session{ID: id}
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) SetState(st State) {
	s.state.Store(int32(st))
}

// SetIdentity commits a new identity to the session.
func (s *Session) SetIdentity(user, db string, sha1 [20]byte, hasPassword bool) {
	s.User = user
	s.DB = db
	s.SHA1 = sha1
	s.HasPassword = hasPassword
}
