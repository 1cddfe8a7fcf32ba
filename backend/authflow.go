package backend

import (
	"log"
	"strconv"

	"github.com/mevdschee/tqsqlproxy/auth"
	"github.com/mevdschee/tqsqlproxy/buffer"
	"github.com/mevdschee/tqsqlproxy/metrics"
	"github.com/mevdschee/tqsqlproxy/packet"
	"github.com/mevdschee/tqsqlproxy/registry"
	"github.com/mevdschee/tqsqlproxy/router"
	"github.com/mevdschee/tqsqlproxy/session"
)

// authRead advances the authentication state machine with whatever
// complete packets the read queue holds.
func (c *Conn) authRead() {
	for {
		pkt, rest := packet.NextPacket(c.readq)
		c.readq = rest
		if pkt == nil {
			return
		}
		raw := buffer.MakeContiguous(pkt).Bytes()

		if packet.ClassifyPacket(raw) == packet.ReplyErr {
			c.handleErrorResponse(raw)
			if c.state == StateConnected {
				c.state = StateHandshakeFailed
			} else {
				c.state = StateFailed
			}
		} else {
			switch c.state {
			case StateConnected:
				hs, err := packet.ParseHandshake(raw[packet.HeaderLen:])
				if err != nil {
					log.Printf("[Backend] Unable to decode handshake from %s: %v", c.server.UniqueName, err)
					c.state = StateFailed
				} else {
					c.SetScramble(hs.Scramble[:])
					c.serverCaps = hs.Capabilities
					if err := c.sendAuthResponse(); err != nil {
						c.state = StateFailed
					} else {
						c.state = StateResponseSent
					}
				}
			case StateResponseSent:
				c.state = c.handleServerResponse(raw)
			default:
				// a packet in any other pre-auth state is a protocol
				// violation
				log.Printf("[Backend] Unexpected packet from %s in state %s", c.server.UniqueName, c.state)
				c.state = StateFailed
			}
		}

		switch c.state {
		case StateComplete:
			metrics.BackendConnections.WithLabelValues(c.server.UniqueName, "authenticated").Inc()
			c.flushDelayQueue()
			return
		case StateFailed, StateHandshakeFailed:
			c.replyOnError()
			return
		}
	}
}

// OnSSLEstablished completes the TLS-wrapped variant of the handshake:
// the server's greeting was already consumed, so the auth response goes
// out as soon as the TLS layer reports readiness.
func (c *Conn) OnSSLEstablished() {
	if c.state != StateConnected || !c.haveScramble {
		return
	}
	if err := c.sendAuthResponse(); err != nil {
		c.state = StateFailed
		c.replyOnError()
		return
	}
	c.state = StateResponseSent
}

// sendAuthResponse builds and writes the HandshakeResponse41 for the
// session identity.
func (c *Conn) sendAuthResponse() error {
	caps := c.clientCaps&^uint32(packet.CLIENT_SSL|packet.CLIENT_COMPRESS) |
		packet.CLIENT_PROTOCOL_41 | packet.CLIENT_SECURE_CONNECTION
	db := ""
	if c.sess != nil {
		db = c.sess.DB
	}
	if db == "" {
		caps &^= uint32(packet.CLIENT_CONNECT_WITH_DB)
	} else {
		caps |= packet.CLIENT_CONNECT_WITH_DB
	}
	plugin := ""
	if c.serverCaps&packet.CLIENT_PLUGIN_AUTH != 0 {
		caps |= packet.CLIENT_PLUGIN_AUTH
		plugin = c.authr.DefaultName()
	} else {
		caps &^= uint32(packet.CLIENT_PLUGIN_AUTH)
	}

	user, sha1, _ := c.Identity()
	token := packet.TokenFromSHA1(c.scramble[:], sha1)
	return c.Send(packet.HandshakeResponse41(caps, byte(c.charset), user, token, db, plugin))
}

// handleServerResponse feeds the server's post-response packet through
// the authenticator and maps its verdict onto a state.
func (c *Conn) handleServerResponse(raw []byte) AuthState {
	rval := StateFailed
	if c.state == StateConnected {
		rval = StateHandshakeFailed
	}
	switch c.authr.Extract(c, raw) {
	case auth.Succeeded, auth.Incomplete:
		switch c.authr.Authenticate(c) {
		case auth.Incomplete, auth.SSLIncomplete:
			rval = StateResponseSent
		case auth.Succeeded:
			rval = StateComplete
		}
	}
	return rval
}

// handleErrorResponse reacts to an ERR packet received during the
// handshake: a blocked host parks the server in maintenance, stale
// credentials trigger a user refresh, anything else is only logged.
func (c *Conn) handleErrorResponse(raw []byte) {
	code := packet.ErrCode(raw)
	msg := packet.ErrMessage(raw)
	log.Printf("[Backend] Invalid authentication message from backend %q. Error code: %d, Msg: %s",
		c.server.UniqueName, code, msg)
	metrics.HandshakeFailures.WithLabelValues(c.server.UniqueName, strconv.Itoa(int(code))).Inc()

	switch code {
	case packet.ER_HOST_IS_BLOCKED:
		log.Printf("[Backend] Server %s has been put into maintenance mode due "+
			"to the server blocking connections from the proxy. Run "+
			"'mysqladmin -h %s -P %d flush-hosts' on this server before "+
			"taking this server out of maintenance mode.",
			c.server.UniqueName, c.server.Name, c.server.Port)
		c.server.SetStatus(registry.StatusMaintenance)
	case packet.ER_ACCESS_DENIED_ERROR,
		packet.ER_DBACCESS_DENIED_ERROR,
		packet.ER_ACCESS_DENIED_NO_PASSWORD_ERROR:
		if c.sess != nil && c.sess.State() != session.StateDummy && c.users != nil {
			if err := c.users.Refresh(); err != nil {
				log.Printf("[Backend] User refresh after access denied failed: %v", err)
			}
		}
	}
}

// replyOnError reports a failed authentication to the router. There is
// no retry at auth time: the session is stopped.
func (c *Conn) replyOnError() {
	c.delayq = nil
	errbuf := c.newErrorBuffer(msgAuthFailed)
	if c.sess.RouterSession != nil {
		c.rt.HandleError(c.sess, errbuf, router.ReplyClient)
		c.sess.SetState(session.StateStopping)
	}
	c.errHandled = true
}
