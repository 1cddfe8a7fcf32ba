// Package poller turns blocking sockets into the serialized event
// stream the backend driver is written against: readable, writable,
// error and hangup callbacks delivered one at a time per connection,
// plus a fake-hangup primitive for deterministic teardown.
package poller

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// Handler receives the events of one connection. Calls are serialized;
// a handler is never re-entered.
type Handler interface {
	OnReadable(data []byte)
	OnWritable()
	OnError(err error)
	OnHangup()
}

type eventKind int

const (
	evConnected eventKind = iota
	evReadable
	evWritable
	evError
	evHangup
)

type event struct {
	kind eventKind
	conn net.Conn
	data []byte
	err  error
}

// ErrClosed is returned by writes on a closed endpoint.
var ErrClosed = errors.New("endpoint is closed")

// Endpoint ties one socket to its handler. Dial completion surfaces as
// a writable event, mirroring a nonblocking connect.
type Endpoint struct {
	addr    string
	timeout time.Duration
	h       Handler

	mu     sync.Mutex
	conn   net.Conn
	closed bool

	events chan event
	done   chan struct{}
}

// Dial creates an endpoint for addr. No goroutine runs and no event is
// delivered until Start is called, so the caller can finish wiring up
// first.
func Dial(addr string, h Handler) (*Endpoint, error) {
	return DialTimeout(addr, h, 10*time.Second)
}

// DialTimeout is Dial with an explicit connect timeout.
func DialTimeout(addr string, h Handler, timeout time.Duration) (*Endpoint, error) {
	return &Endpoint{
		addr:    addr,
		timeout: timeout,
		h:       h,
		events:  make(chan event, 32),
		done:    make(chan struct{}),
	}, nil
}

// Start begins connecting and delivering events.
func (ep *Endpoint) Start() {
	go ep.loop()
	go ep.dial()
}

func (ep *Endpoint) dial() {
	conn, err := net.DialTimeout("tcp", ep.addr, ep.timeout)
	if err != nil {
		ep.enqueue(event{kind: evError, err: err})
		return
	}
	ep.enqueue(event{kind: evConnected, conn: conn})
}

func (ep *Endpoint) loop() {
	for {
		select {
		case <-ep.done:
			return
		case ev := <-ep.events:
			switch ev.kind {
			case evConnected:
				ep.mu.Lock()
				closed := ep.closed
				if !closed {
					ep.conn = ev.conn
				}
				ep.mu.Unlock()
				if closed {
					ev.conn.Close()
					return
				}
				go ep.readLoop(ev.conn)
				ep.h.OnWritable()
			case evReadable:
				ep.h.OnReadable(ev.data)
			case evWritable:
				ep.h.OnWritable()
			case evError:
				ep.h.OnError(ev.err)
			case evHangup:
				ep.h.OnHangup()
			}
		}
	}
}

func (ep *Endpoint) readLoop(conn net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			ep.enqueue(event{kind: evReadable, data: data})
		}
		if err != nil {
			if err == io.EOF {
				ep.enqueue(event{kind: evHangup})
			} else if !ep.isClosed() {
				ep.enqueue(event{kind: evError, err: err})
			}
			return
		}
	}
}

func (ep *Endpoint) enqueue(ev event) {
	select {
	case ep.events <- ev:
	case <-ep.done:
	}
}

func (ep *Endpoint) isClosed() bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.closed
}

// Write sends bytes to the socket. Called only from the handler's
// worker, after the connect completed.
func (ep *Endpoint) Write(p []byte) (int, error) {
	ep.mu.Lock()
	conn := ep.conn
	closed := ep.closed
	ep.mu.Unlock()
	if closed || conn == nil {
		return 0, ErrClosed
	}
	return conn.Write(p)
}

// FakeHangup schedules a hangup event as if the peer had closed the
// connection.
func (ep *Endpoint) FakeHangup() {
	ep.enqueue(event{kind: evHangup})
}

// Close tears the endpoint down. Pending events are discarded.
func (ep *Endpoint) Close() error {
	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return nil
	}
	ep.closed = true
	conn := ep.conn
	ep.mu.Unlock()

	close(ep.done)
	if conn != nil {
		return conn.Close()
	}
	return nil
}
