// Package router defines the interface between backend connections and
// the routing layer that owns them.
package router

import (
	"github.com/mevdschee/tqsqlproxy/buffer"
	"github.com/mevdschee/tqsqlproxy/session"
)

// Capability bits a router advertises about the output it can accept.
const (
	// CapStmtOutput: replies must be delivered as complete packets.
	CapStmtOutput uint64 = 1 << iota
	// CapContiguousOutput: replies must be flat buffers.
	CapContiguousOutput
	// CapResultsetOutput: resultsets must be delivered whole.
	CapResultsetOutput
	// CapNoRSession: the router runs without per-session state.
	CapNoRSession
)

// Action tells the router how an error may be resolved.
type Action int

const (
	// ReplyClient: forward the error to the client, no retry.
	ReplyClient Action = iota
	// NewConnection: the command may be retried on another server.
	NewConnection
)

func (a Action) String() string {
	if a == NewConnection {
		return "new-connection"
	}
	return "reply-client"
}

// Router receives backend replies and errors. HandleError returns false
// when no retry path exists and the session must stop.
type Router interface {
	Capabilities() uint64
	ClientReply(s *session.Session, reply *buffer.Buffer)
	HandleError(s *session.Session, errbuf *buffer.Buffer, action Action) bool
}
