package backend

import (
	"log"

	"github.com/mevdschee/tqsqlproxy/buffer"
	"github.com/mevdschee/tqsqlproxy/metrics"
	"github.com/mevdschee/tqsqlproxy/packet"
	"github.com/mevdschee/tqsqlproxy/router"
	"github.com/mevdschee/tqsqlproxy/session"
)

// Write accepts a client payload for this backend. Depending on the
// connection's state the payload is forwarded, delayed until
// authentication completes, or folded into the pool re-attach
// protocol. It returns false when the payload was dropped, except for a
// COM_QUIT that is swallowed so the connection can stay in the pool,
// which reports true.
func (c *Conn) Write(q *buffer.Buffer) bool {
	if c.wasPersistent {
		c.wasPersistent = false
		c.ignoreReply = false
		c.storedQuery = nil

		if !c.polling || c.state != StateComplete {
			log.Printf("[Backend] Pooled connection to %s no longer usable (state %s), dropping write",
				c.server.UniqueName, c.state)
			return false
		}
		if packet.Command(q.Bytes()) == packet.COM_QUIT {
			// the session ended before its first command; the
			// connection goes back to the pool untouched
			log.Printf("[Backend] COM_QUIT received as the first write, ignoring and sending the connection back to the pool")
			return true
		}
		if err := c.Send(c.buildChangeUser()); err != nil {
			metrics.ChangeUsers.WithLabelValues("pool", "failed").Inc()
			return false
		}
		log.Printf("[Backend] Sent COM_CHANGE_USER to %s", c.server.UniqueName)
		metrics.ChangeUsers.WithLabelValues("pool", "sent").Inc()
		c.ignoreReply = true
		c.storedQuery = q
		return true
	}

	if c.ignoreReply {
		if packet.Command(q.Bytes()) == packet.COM_QUIT {
			log.Printf("[Backend] COM_QUIT received while COM_CHANGE_USER is in progress, closing pooled connection")
			c.storedQuery = nil
			c.wire.FakeHangup()
			return false
		}
		// BLOB continuations and pipelined queries arriving before the
		// COM_CHANGE_USER reply ride along with the stored query
		c.storedQuery = buffer.Append(c.storedQuery, q)
		return true
	}

	switch c.state {
	case StateHandshakeFailed, StateFailed:
		if c.sess.State() != session.StateStopping {
			log.Printf("[Backend] Unable to write to %s due to %s failure",
				c.server.UniqueName, c.state)
		}
		return false

	case StateComplete:
		cmd := packet.Command(q.Bytes())
		c.currentCommand = cmd
		if q.HasTag(buffer.TagSingleStmt) && q.HasTag(buffer.TagSessionCmd) {
			c.recordCommand(cmd)
		}
		if cmd == packet.COM_QUIT && c.server.PersistPoolMax > 0 {
			// pooled connections stay alive; the COM_QUIT never
			// reaches the wire
			return true
		}
		return c.Send(q.Bytes()) == nil

	default:
		// authentication still in progress
		if q.HasTag(buffer.TagSingleStmt) && q.HasTag(buffer.TagSessionCmd) {
			c.recordCommand(packet.Command(q.Bytes()))
		}
		c.delayq = buffer.Append(c.delayq, q)
		metrics.DelayedWrites.Inc()
		return true
	}
}

// flushDelayQueue writes out everything queued before authentication
// completed. A COM_CHANGE_USER in the queue is rebuilt with the
// scramble this connection actually received; a COM_QUIT is swallowed
// when the server pools connections.
func (c *Conn) flushDelayQueue() {
	q := c.delayq
	c.delayq = nil
	if q == nil {
		return
	}

	var out []byte
	for {
		pkt, rest := packet.NextPacket(q)
		if pkt == nil {
			// a trailing partial packet passes through unchanged
			if q != nil {
				out = append(out, q.Bytes()...)
			}
			break
		}
		q = rest
		raw := pkt.Bytes()
		switch packet.Command(raw) {
		case packet.COM_CHANGE_USER:
			out = append(out, c.buildChangeUser()...)
		case packet.COM_QUIT:
			if c.server.PersistPoolMax > 0 {
				continue
			}
			out = append(out, raw...)
		default:
			out = append(out, raw...)
		}
	}
	if len(out) == 0 {
		return
	}
	if err := c.Send(out); err != nil {
		errbuf := c.newErrorBuffer(msgDelayedWriteFailed)
		if !c.rt.HandleError(c.sess, errbuf, router.NewConnection) {
			c.sess.SetState(session.StateStopping)
		}
	}
}
