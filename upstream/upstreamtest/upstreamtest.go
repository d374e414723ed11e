// Package upstreamtest provides an in-memory upstream for tests of packages
// that sit on top of a session.
package upstreamtest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/localrivet/livegate/protocol"
	"github.com/localrivet/livegate/upstream"
)

// Conn is an in-memory upstream connection driven by the test.
type Conn struct {
	in   chan *protocol.ServerMessage
	errs chan error
	sent chan *protocol.ClientMessage

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn returns an open Conn.
func NewConn() *Conn {
	return &Conn{
		in:     make(chan *protocol.ServerMessage, 64),
		errs:   make(chan error, 4),
		sent:   make(chan *protocol.ClientMessage, 256),
		closed: make(chan struct{}),
	}
}

// Push queues a message for the session to receive.
func (c *Conn) Push(msg *protocol.ServerMessage) {
	c.in <- msg
}

// Fail makes the next Recv return err.
func (c *Conn) Fail(err error) {
	c.errs <- err
}

// Send implements upstream.Conn.
func (c *Conn) Send(_ context.Context, msg *protocol.ClientMessage) error {
	select {
	case <-c.closed:
		return upstream.ErrConnClosed
	default:
	}
	c.sent <- msg
	return nil
}

// Recv implements upstream.Conn.
func (c *Conn) Recv(ctx context.Context) (*protocol.ServerMessage, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	case err := <-c.errs:
		return nil, err
	case <-c.closed:
		return nil, upstream.ErrConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements upstream.Conn.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// NextSent waits for the next message written upstream.
func (c *Conn) NextSent(t testing.TB) *protocol.ClientMessage {
	t.Helper()
	select {
	case msg := <-c.sent:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an upstream send")
		return nil
	}
}

// AssertNothingSent fails if anything is written upstream within d.
func (c *Conn) AssertNothingSent(t testing.TB, d time.Duration) {
	t.Helper()
	select {
	case msg := <-c.sent:
		t.Fatalf("unexpected upstream send: %+v", msg)
	case <-time.After(d):
	}
}

// Dialer hands out Conns. With AutoReady set, every Conn starts with a
// setupComplete message queued.
type Dialer struct {
	AutoReady bool
	Err       error

	mu     sync.Mutex
	setups []protocol.Setup
	conns  []*Conn
}

// Dial implements upstream.Dialer.
func (d *Dialer) Dial(_ context.Context, setup protocol.Setup) (upstream.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	conn := NewConn()
	if d.AutoReady {
		conn.Push(&protocol.ServerMessage{SetupComplete: &struct{}{}})
	}
	d.setups = append(d.setups, setup)
	d.conns = append(d.conns, conn)
	return conn, nil
}

// Last returns the most recently dialed Conn, or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// Setups returns the setup messages received so far, in dial order.
func (d *Dialer) Setups() []protocol.Setup {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]protocol.Setup(nil), d.setups...)
}

// Dials reports how many connections were opened.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// WaitDial blocks until at least n connections were opened.
func (d *Dialer) WaitDial(t testing.TB, n int) *Conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d.Dials() >= n {
			return d.Last()
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for dial %d", n)
	return nil
}
