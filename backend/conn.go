// Package backend implements the MySQL protocol driver that owns one
// TCP connection to an upstream server on behalf of a client session:
// handshake and authentication, command forwarding, response
// demarcation, pre-auth write delaying and pooled-connection reuse via
// COM_CHANGE_USER.
//
// All methods of a Conn run on the worker that owns the connection;
// none of them block.
package backend

import (
	"log"
	"time"

	"github.com/mevdschee/tqsqlproxy/auth"
	"github.com/mevdschee/tqsqlproxy/buffer"
	"github.com/mevdschee/tqsqlproxy/metrics"
	"github.com/mevdschee/tqsqlproxy/packet"
	"github.com/mevdschee/tqsqlproxy/poller"
	"github.com/mevdschee/tqsqlproxy/pool"
	"github.com/mevdschee/tqsqlproxy/registry"
	"github.com/mevdschee/tqsqlproxy/router"
	"github.com/mevdschee/tqsqlproxy/session"
)

// Wire is the transport under a backend connection. FakeHangup
// schedules a hangup event for deterministic teardown instead of
// closing re-entrantly.
type Wire interface {
	Write(p []byte) (int, error)
	Close() error
	FakeHangup()
}

// starter is implemented by wires that must not deliver events before
// the connection has adopted them.
type starter interface {
	Start()
}

// Dialer opens a transport to addr and arranges for h to receive its
// events.
type Dialer func(addr string, h poller.Handler) (Wire, error)

// Refresher reloads the user account repository.
type Refresher interface {
	Refresh() error
}

// Options collects the collaborators a backend connection needs.
type Options struct {
	Server  *registry.Server
	Session *session.Session
	Router  router.Router
	Auth    auth.Authenticator
	Users   Refresher
	Pool    *pool.Pool
	Dial    Dialer
}

// Conn is one backend connection. Created by Connect, driven by poller
// events, destroyed by Close.
type Conn struct {
	server *registry.Server
	sess   *session.Session
	rt     router.Router
	authr  auth.Authenticator
	users  Refresher
	pool   *pool.Pool
	wire   Wire

	state   AuthState
	polling bool

	scramble     [packet.ScrambleLen]byte
	haveScramble bool
	serverCaps   uint32
	clientCaps   uint32
	extraCaps    uint32
	charset      uint16

	currentCommand byte
	cmdQueue       []byte
	cursor         responseCursor

	readq  *buffer.Buffer
	writeq *buffer.Buffer
	delayq *buffer.Buffer

	ignoreReply   bool
	storedQuery   *buffer.Buffer
	wasPersistent bool

	inPool     bool
	pooledAt   time.Time
	errHandled bool
}

// Connect creates a backend connection to a server for a session. When
// the pool holds an idle connection to the server it is re-attached to
// the session instead of opening a new socket; the first write then
// triggers the COM_CHANGE_USER re-attach protocol.
func Connect(o Options) (*Conn, error) {
	if o.Pool != nil {
		if idle, ok := o.Pool.Take(o.Server.UniqueName); ok {
			c := idle.(*Conn)
			c.reattach(o)
			log.Printf("[Backend] Reusing pooled connection to %s", o.Server.UniqueName)
			return c, nil
		}
	}

	c := &Conn{
		server: o.Server,
		sess:   o.Session,
		rt:     o.Router,
		authr:  o.Auth,
		users:  o.Users,
		pool:   o.Pool,
	}
	if s := o.Session; s != nil && s.Capabilities != 0 {
		c.clientCaps = s.Capabilities
		c.extraCaps = s.ExtraCapabilities
		c.charset = s.Charset
	} else {
		c.clientCaps = packet.DEFAULT_CAPABILITY
		c.charset = packet.DEFAULT_CHARSET
	}

	c.state = StatePendingConnect
	c.polling = true
	wire, err := o.Dial(o.Server.Addr(), c)
	if err != nil {
		c.state = StateInit
		c.polling = false
		metrics.BackendConnections.WithLabelValues(o.Server.UniqueName, "failed").Inc()
		log.Printf("[Backend] Establishing connection to %s failed: %v", o.Server.Addr(), err)
		return nil, ErrDialFailed
	}
	c.wire = wire
	metrics.BackendConnections.WithLabelValues(o.Server.UniqueName, "pending").Inc()
	if s, ok := wire.(starter); ok {
		s.Start()
	}
	return c, nil
}

func (c *Conn) reattach(o Options) {
	c.sess = o.Session
	c.rt = o.Router
	c.authr = o.Auth
	c.users = o.Users
	c.inPool = false
	c.errHandled = false
	c.wasPersistent = true
	c.ignoreReply = false
	c.storedQuery = nil
}

// State returns the connection's authentication state.
func (c *Conn) State() AuthState {
	return c.state
}

// Server returns the server this connection belongs to.
func (c *Conn) Server() *registry.Server {
	return c.server
}

// DefaultAuthName returns the name of the default authentication
// plugin.
func (c *Conn) DefaultAuthName() string {
	return c.authr.DefaultName()
}

// ConnectionEstablished reports whether the connection is
// authenticated and not in the middle of the pool re-attach protocol.
func (c *Conn) ConnectionEstablished() bool {
	return c.state == StateComplete && !c.ignoreReply && c.storedQuery == nil
}

// Reusable implements pool.Conn.
func (c *Conn) Reusable() bool {
	return c.ConnectionEstablished() && !c.errHandled && c.polling
}

// Discard implements pool.Conn.
func (c *Conn) Discard() {
	c.teardown()
}

// OnReadable handles bytes arriving from the server.
func (c *Conn) OnReadable(data []byte) {
	if c.inPool {
		// a read while pooled means the server closed or garbled the
		// idle connection
		c.errHandled = true
		return
	}
	if c.sess == nil || c.sess.State() == session.StateDummy {
		return
	}
	if len(data) > 0 {
		c.readq = buffer.Append(c.readq, buffer.New(data))
	}
	if c.state == StateComplete {
		c.readAndWrite()
		return
	}
	c.authRead()
}

// OnWritable handles the socket becoming writable: it completes a
// pending connect or drains the buffered write queue.
func (c *Conn) OnWritable() {
	if c.inPool {
		return
	}
	if !c.polling {
		if c.writeq != nil {
			if packet.Command(c.writeq.Bytes()) != packet.COM_QUIT {
				log.Printf("[Backend] Attempt to write buffered data to %s failed due internal inconsistent state: %s",
					c.server.UniqueName, c.state)
				errbuf := c.newErrorBuffer(msgInvalidState)
				c.rt.HandleError(c.sess, errbuf, router.ReplyClient)
			}
			c.writeq = nil
		}
		return
	}
	if c.state == StatePendingConnect {
		c.state = StateConnected
		metrics.BackendConnections.WithLabelValues(c.server.UniqueName, "connected").Inc()
		return
	}
	c.drainWriteq()
}

// OnError handles a transport error event.
func (c *Conn) OnError(err error) {
	if c.inPool {
		c.errHandled = true
		return
	}
	metrics.BackendErrors.WithLabelValues(c.server.UniqueName, "error").Inc()
	c.transportGone(err)
}

// OnHangup handles the peer closing the connection, real or faked.
func (c *Conn) OnHangup() {
	if c.inPool {
		c.errHandled = true
		return
	}
	metrics.BackendErrors.WithLabelValues(c.server.UniqueName, "hangup").Inc()
	c.transportGone(nil)
}

// transportGone reports a lost backend to the router. During
// authentication there is nothing to retry: the state becomes FAILED
// and the delay queue is dropped. After authentication the router may
// move the session to another server.
func (c *Conn) transportGone(err error) {
	if c.sess == nil || c.sess.State() == session.StateDummy {
		c.closeQuietly()
		return
	}
	if !c.polling {
		if err != nil {
			log.Printf("[Backend] Connection to %s in state %s got error: %v", c.server.UniqueName, c.state, err)
		}
		return
	}
	if c.sess.State() != session.StateAlive {
		return
	}

	action := router.NewConnection
	if c.state != StateComplete {
		action = router.ReplyClient
		c.state = StateFailed
		c.delayq = nil
	}
	errbuf := c.newErrorBuffer(msgLostConnection)
	if !c.rt.HandleError(c.sess, errbuf, action) {
		c.sess.SetState(session.StateStopping)
	}
	c.errHandled = true
}

// Close destroys the connection. A clean connection to a pooling
// server is parked in the pool instead; otherwise COM_QUIT is sent and
// the socket is closed.
func (c *Conn) Close() {
	if c.inPool {
		return
	}
	if c.pool != nil && c.server.PersistPoolMax > 0 && c.Reusable() {
		if c.pool.Offer(c.server.UniqueName, c, c.server.PersistPoolMax) {
			c.inPool = true
			c.pooledAt = time.Now()
			c.sess = nil
			return
		}
	}
	sess := c.sess
	c.teardown()
	if sess != nil && sess.State() == session.StateStopping {
		sess.SetState(session.StateStopped)
	}
}

func (c *Conn) teardown() {
	if c.wire != nil {
		c.wire.Write(packet.QuitPacket())
		c.wire.Close()
	}
	c.polling = false
	c.storedQuery = nil
	c.delayq = nil
	c.readq = nil
	c.writeq = nil
}

func (c *Conn) closeQuietly() {
	if c.wire != nil {
		c.wire.Close()
	}
	c.polling = false
}

// Send writes one packet (or batch of packets) to the socket,
// buffering whatever the transport does not accept immediately.
func (c *Conn) Send(p []byte) error {
	if c.wire == nil {
		return ErrNotConnected
	}
	if c.writeq != nil {
		c.writeq = buffer.Append(c.writeq, buffer.New(p))
		return c.drainWriteq()
	}
	n, err := c.wire.Write(p)
	if err != nil {
		return err
	}
	if n < len(p) {
		c.writeq = buffer.New(append([]byte(nil), p[n:]...))
	}
	return nil
}

func (c *Conn) drainWriteq() error {
	for c.writeq != nil {
		head := c.writeq.Data()
		n, err := c.wire.Write(head)
		if n > 0 {
			c.writeq = buffer.Consume(c.writeq, n)
		}
		if err != nil {
			return err
		}
		if n < len(head) {
			return nil
		}
	}
	return nil
}

// okToRoute reports whether a reply may still be delivered upstream.
func (c *Conn) okToRoute() bool {
	if c.sess == nil || c.sess.State() != session.StateAlive {
		return false
	}
	return c.sess.RouterSession != nil || c.rt.Capabilities()&router.CapNoRSession != 0
}

func (c *Conn) newErrorBuffer(msg string) *buffer.Buffer {
	b := buffer.New(packet.ErrorPacket(1, packet.CR_CONN_HOST_ERROR, "HY000", msg))
	b.AddTag(buffer.TagMySQL)
	return b
}

// auth.Backend implementation.

// Scramble returns the server-provided scramble.
func (c *Conn) Scramble() []byte {
	return c.scramble[:]
}

// SetScramble replaces the scramble, typically after an auth switch.
func (c *Conn) SetScramble(s []byte) {
	copy(c.scramble[:], s)
	c.haveScramble = true
}

// Identity returns the session identity used for backend
// authentication.
func (c *Conn) Identity() (string, []byte, string) {
	var sha1 []byte
	if c.sess.HasPassword {
		sha1 = c.sess.SHA1[:]
	}
	return c.sess.User, sha1, c.sess.DB
}
