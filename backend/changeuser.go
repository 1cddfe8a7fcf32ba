package backend

import (
	"fmt"
	"log"

	"github.com/mevdschee/tqsqlproxy/auth"
	"github.com/mevdschee/tqsqlproxy/buffer"
	"github.com/mevdschee/tqsqlproxy/metrics"
	"github.com/mevdschee/tqsqlproxy/packet"
)

// buildChangeUser creates the COM_CHANGE_USER packet for the session's
// current identity and this connection's scramble.
func (c *Conn) buildChangeUser() []byte {
	var sha1 []byte
	if c.sess.HasPassword {
		sha1 = c.sess.SHA1[:]
	}
	return packet.ChangeUserPacket(c.sess.User, sha1, c.sess.DB, c.charset, c.scramble[:])
}

// ChangeUser handles an explicit COM_CHANGE_USER from the client: the
// token is verified locally against the user repository (with one
// retry after a refresh), the new identity is committed to the session
// and the packet is rebuilt for the backend. A failed verification is
// answered with an access-denied error in place of the backend's
// reply.
func (c *Conn) ChangeUser(q *buffer.Buffer) bool {
	data := buffer.MakeContiguous(q).Bytes()
	cu, err := packet.ParseChangeUser(data)
	if err != nil {
		log.Printf("[Backend] Malformed COM_CHANGE_USER from client: %v", err)
		return false
	}
	if len(cu.User) > packet.MYSQL_USER_MAXLEN {
		log.Printf("[Backend] Client sent user name of %d characters while a maximum of %d is allowed, cutting trailing characters",
			len(cu.User), packet.MYSQL_USER_MAXLEN)
		cu.User = cu.User[:packet.MYSQL_USER_MAXLEN]
	}
	if len(cu.DB) > packet.MYSQL_DATABASE_MAXLEN {
		log.Printf("[Backend] Client sent database name of %d characters while a maximum of %d is allowed, cutting trailing characters",
			len(cu.DB), packet.MYSQL_DATABASE_MAXLEN)
		cu.DB = cu.DB[:packet.MYSQL_DATABASE_MAXLEN]
	}
	if cu.Charset != 0 {
		c.charset = cu.Charset
	}

	sha1, res := c.authr.Reauthenticate(cu.User, cu.Token, c.sess.ClientScramble[:])
	if res != auth.Succeeded && c.users != nil {
		// the account may have been created or changed since the last
		// load; retry once with fresh repository data
		if err := c.users.Refresh(); err == nil {
			sha1, res = c.authr.Reauthenticate(cu.User, cu.Token, c.sess.ClientScramble[:])
		}
	}
	if res != auth.Succeeded {
		usingPassword := "NO"
		if len(cu.Token) > 0 {
			usingPassword = "YES"
		}
		msg := fmt.Sprintf("Access denied for user '%s' (using password: %s)", cu.User, usingPassword)
		log.Printf("[Backend] %s", msg)
		metrics.ChangeUsers.WithLabelValues("client", "denied").Inc()

		errbuf := buffer.New(packet.ErrorPacket(1, packet.ER_ACCESS_DENIED_ERROR, "28000", msg))
		errbuf.AddTag(buffer.TagMySQL)
		errbuf.AddTag(buffer.TagResponseEnd)
		c.rt.ClientReply(c.sess, errbuf)
		return true
	}

	// Commit the identity before the backend confirms. A backend that
	// rejects the COM_CHANGE_USER is discarded by the router.
	c.sess.SetIdentity(cu.User, cu.DB, sha1, len(cu.Token) > 0)
	metrics.ChangeUsers.WithLabelValues("client", "sent").Inc()

	out := buffer.New(c.buildChangeUser())
	out.AddTag(buffer.TagMySQL)
	out.AddTag(buffer.TagSingleStmt)
	out.AddTag(buffer.TagSessionCmd)
	return c.Write(out)
}

// consumeChangeUserReply handles the backend's reply to a
// COM_CHANGE_USER sent for pool re-attachment. The reply never reaches
// the client: an OK releases the stored query, an auth switch to the
// native plugin restarts the exchange with the new scramble, anything
// else tears the connection down.
func (c *Conn) consumeChangeUserReply(rb *buffer.Buffer) {
	query := c.storedQuery
	c.storedQuery = nil
	c.ignoreReply = false

	// skip to the last packet if more than one arrived
	reply, rest := packet.NextPacket(rb)
	for reply != nil {
		nxt, r := packet.NextPacket(rest)
		if nxt == nil {
			break
		}
		reply = nxt
		rest = r
	}
	if reply == nil {
		c.wire.FakeHangup()
		return
	}
	raw := buffer.MakeContiguous(reply).Bytes()
	seq := raw[3]

	switch packet.ClassifyPacket(raw) {
	case packet.ReplyOK:
		if !changeUserOKAcceptable(raw) {
			log.Printf("[Backend] Malformed OK in response to COM_CHANGE_USER from %s, closing connection",
				c.server.UniqueName)
			metrics.ChangeUsers.WithLabelValues("pool", "failed").Inc()
			c.wire.FakeHangup()
			return
		}
		log.Printf("[Backend] Response to COM_CHANGE_USER is OK, writing stored query")
		metrics.ChangeUsers.WithLabelValues("pool", "ok").Inc()
		if query != nil {
			c.Write(query)
		}

	case packet.ReplyAuthSwitch:
		plugin, scramble, err := packet.ParseAuthSwitch(raw[packet.HeaderLen:])
		if err == nil && plugin == packet.DEFAULT_AUTH_PLUGIN {
			// the server is generating a new scramble for the
			// re-authentication, answer with the recomputed token
			c.SetScramble(scramble)
			if err := c.sendNativeToken(seq + 1); err != nil {
				c.wire.FakeHangup()
				return
			}
			c.storedQuery = query
			c.ignoreReply = true
			return
		}
		log.Printf("[Backend] Received AuthSwitchRequest to %q when %q was expected",
			plugin, packet.DEFAULT_AUTH_PLUGIN)
		metrics.ChangeUsers.WithLabelValues("pool", "failed").Inc()
		c.wire.FakeHangup()

	case packet.ReplyErr:
		c.handleErrorResponse(raw)
		metrics.ChangeUsers.WithLabelValues("pool", "failed").Inc()
		c.wire.FakeHangup()

	default:
		log.Printf("[Backend] Unknown response to COM_CHANGE_USER (%#02x), closing connection", raw[packet.HeaderLen])
		metrics.ChangeUsers.WithLabelValues("pool", "failed").Inc()
		c.wire.FakeHangup()
	}
}

// changeUserOKAcceptable verifies that an OK packet is a plausible
// COM_CHANGE_USER result: full length, no affected rows, no insert id.
func changeUserOKAcceptable(raw []byte) bool {
	return len(raw) >= packet.HeaderLen+7 &&
		raw[packet.HeaderLen+1] == 0 &&
		raw[packet.HeaderLen+2] == 0
}

// sendNativeToken writes a bare mysql_native_password token packet, as
// used to answer an auth switch during re-authentication.
func (c *Conn) sendNativeToken(seq byte) error {
	var token []byte
	if c.sess.HasPassword {
		token = packet.TokenFromSHA1(c.scramble[:], c.sess.SHA1[:])
	}
	resp := make([]byte, packet.HeaderLen, packet.HeaderLen+len(token))
	resp = append(resp, token...)
	pl := len(resp) - packet.HeaderLen
	resp[0] = byte(pl)
	resp[1] = byte(pl >> 8)
	resp[2] = byte(pl >> 16)
	resp[3] = seq
	return c.Send(resp)
}
