package backend

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/mevdschee/tqsqlproxy/auth"
	"github.com/mevdschee/tqsqlproxy/buffer"
	"github.com/mevdschee/tqsqlproxy/packet"
	"github.com/mevdschee/tqsqlproxy/poller"
	"github.com/mevdschee/tqsqlproxy/pool"
	"github.com/mevdschee/tqsqlproxy/registry"
	"github.com/mevdschee/tqsqlproxy/router"
	"github.com/mevdschee/tqsqlproxy/session"
	"github.com/mevdschee/tqsqlproxy/users"
)

// fakeWire records written bytes. FakeHangup is recorded, not
// delivered; tests deliver the hangup explicitly like the poller
// would after the callback returns.
type fakeWire struct {
	wrote      bytes.Buffer
	closed     bool
	hangups    int
	failWrites bool
}

func (w *fakeWire) Write(p []byte) (int, error) {
	if w.failWrites {
		return 0, errors.New("wire broken")
	}
	w.wrote.Write(p)
	return len(p), nil
}

func (w *fakeWire) Close() error { w.closed = true; return nil }
func (w *fakeWire) FakeHangup()  { w.hangups++ }

type routedError struct {
	action router.Action
	msg    string
}

// recordingRouter captures replies and errors.
type recordingRouter struct {
	caps    uint64
	replies []*buffer.Buffer
	errors  []routedError
	retryOK bool
}

func (r *recordingRouter) Capabilities() uint64 { return r.caps }

func (r *recordingRouter) ClientReply(s *session.Session, reply *buffer.Buffer) {
	r.replies = append(r.replies, reply)
}

func (r *recordingRouter) HandleError(s *session.Session, errbuf *buffer.Buffer, action router.Action) bool {
	r.errors = append(r.errors, routedError{action: action, msg: packet.ErrMessage(errbuf.Bytes())})
	return r.retryOK
}

type countingRefresher struct {
	calls int
	err   error
}

func (c *countingRefresher) Refresh() error { c.calls++; return c.err }

type harness struct {
	t     *testing.T
	conn  *Conn
	wire  *fakeWire
	rt    *recordingRouter
	sess  *session.Session
	srv   *registry.Server
	ref   *countingRefresher
	pool  *pool.Pool
	users *users.Service
}

var testScramble = func() []byte {
	s := make([]byte, packet.ScrambleLen)
	for i := range s {
		s[i] = byte(i + 1)
	}
	return s
}()

func okPkt(seq byte) []byte {
	return []byte{7, 0, 0, seq, 0x00, 0, 0, 2, 0, 0, 0}
}

func eofPkt(seq byte) []byte {
	return packet.EOFPacket(seq, packet.SERVER_STATUS_AUTOCOMMIT)
}

func errPkt(seq byte, code uint16, msg string) []byte {
	return packet.ErrorPacket(seq, code, "HY000", msg)
}

func rawPkt(seq byte, payload ...byte) []byte {
	data := make([]byte, packet.HeaderLen, packet.HeaderLen+len(payload))
	data = append(data, payload...)
	n := len(payload)
	data[0] = byte(n)
	data[1] = byte(n >> 8)
	data[2] = byte(n >> 16)
	data[3] = seq
	return data
}

func authSwitchPkt(seq byte, plugin string, scramble []byte) []byte {
	payload := append([]byte{packet.EOF_HEADER}, plugin...)
	payload = append(payload, 0)
	payload = append(payload, scramble...)
	payload = append(payload, 0)
	return rawPkt(seq, payload...)
}

func serverHandshake(scramble []byte) []byte {
	hs := &packet.Handshake{
		ServerVersion: "10.4.13-MariaDB",
		ConnectionID:  7,
		Capabilities:  packet.DEFAULT_CAPABILITY | packet.CLIENT_PLUGIN_AUTH,
		Charset:       packet.DEFAULT_CHARSET,
		Status:        packet.SERVER_STATUS_AUTOCOMMIT,
		AuthPlugin:    packet.DEFAULT_AUTH_PLUGIN,
	}
	copy(hs.Scramble[:], scramble)
	return hs.HandshakePacket()
}

// clientPacket frames a command with a payload as the client would.
func clientPacket(cmd byte, arg string) []byte {
	return rawPkt(0, append([]byte{cmd}, arg...)...)
}

func sescmd(data []byte) *buffer.Buffer {
	b := buffer.New(data)
	b.AddTag(buffer.TagMySQL)
	b.AddTag(buffer.TagSingleStmt)
	b.AddTag(buffer.TagSessionCmd)
	return b
}

func plain(data []byte) *buffer.Buffer {
	b := buffer.New(data)
	b.AddTag(buffer.TagMySQL)
	b.AddTag(buffer.TagSingleStmt)
	return b
}

type harnessOption func(*harness)

func withPool(max int) harnessOption {
	return func(h *harness) {
		h.srv.PersistPoolMax = max
		h.pool = pool.New(time.Minute)
	}
}

func withCaps(caps uint64) harnessOption {
	return func(h *harness) { h.rt.caps = caps }
}

func withRetry() harnessOption {
	return func(h *harness) { h.rt.retryOK = true }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		t:    t,
		wire: &fakeWire{},
		rt: &recordingRouter{
			caps: router.CapStmtOutput | router.CapContiguousOutput | router.CapResultsetOutput,
		},
		srv: registry.NewServer("srv1", "127.0.0.1", 3306, 0),
		ref: &countingRefresher{},
	}

	sha1 := packet.PasswordSHA1([]byte("pw"))
	h.sess = session.New(1)
	h.sess.User = "u"
	h.sess.DB = "d"
	h.sess.SHA1 = sha1
	h.sess.HasPassword = true
	h.sess.Charset = 0x21
	h.sess.Capabilities = packet.DEFAULT_CAPABILITY
	h.sess.RouterSession = struct{}{}
	for i := range h.sess.ClientScramble {
		h.sess.ClientScramble[i] = byte(100 + i)
	}

	h.users = users.NewStatic(map[string]users.Account{
		"u": {User: "u", SHA1: sha1, HasPassword: true},
	})

	for _, o := range opts {
		o(h)
	}

	conn, err := Connect(Options{
		Server:  h.srv,
		Session: h.sess,
		Router:  h.rt,
		Auth:    auth.NewNative(h.users),
		Users:   h.ref,
		Pool:    h.pool,
		Dial: func(addr string, hd poller.Handler) (Wire, error) {
			return h.wire, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	h.conn = conn
	return h
}

// authenticate drives the connection to StateComplete and clears the
// recorded wire traffic.
func (h *harness) authenticate() {
	h.t.Helper()
	h.conn.OnWritable() // pending connect completes
	if h.conn.State() != StateConnected {
		h.t.Fatalf("state after writable = %s", h.conn.State())
	}
	h.conn.OnReadable(serverHandshake(testScramble))
	if h.conn.State() != StateResponseSent {
		h.t.Fatalf("state after handshake = %s", h.conn.State())
	}
	h.conn.OnReadable(okPkt(2))
	if h.conn.State() != StateComplete {
		h.t.Fatalf("state after auth OK = %s", h.conn.State())
	}
	h.wire.wrote.Reset()
}

func (h *harness) written() []byte {
	return h.wire.wrote.Bytes()
}

func (h *harness) lastReply() *buffer.Buffer {
	h.t.Helper()
	if len(h.rt.replies) == 0 {
		h.t.Fatal("no replies were routed")
	}
	return h.rt.replies[len(h.rt.replies)-1]
}
