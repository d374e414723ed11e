package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/localrivet/livegate/protocol"
	"github.com/localrivet/livegate/upstream"
	"github.com/localrivet/livegate/upstream/upstreamtest"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeExecutor struct {
	decls []protocol.FunctionDeclaration
	fn    func(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
}

func (e *fakeExecutor) Execute(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	if e.fn == nil {
		return nil, errors.New("no tools")
	}
	return e.fn(ctx, name, args)
}

func (e *fakeExecutor) FunctionDeclarations() []protocol.FunctionDeclaration {
	return e.decls
}

// gatedDialer holds every Dial until release is closed.
type gatedDialer struct {
	upstreamtest.Dialer
	entered chan struct{}
	release chan struct{}
}

func newGatedDialer() *gatedDialer {
	return &gatedDialer{
		Dialer:  upstreamtest.Dialer{AutoReady: true},
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (d *gatedDialer) Dial(ctx context.Context, setup protocol.Setup) (upstream.Conn, error) {
	d.entered <- struct{}{}
	<-d.release
	return d.Dialer.Dial(ctx, setup)
}

// stallingConn blocks every Send until the connection is closed, like a
// socket whose peer stopped reading.
type stallingConn struct {
	*upstreamtest.Conn
	sending   chan struct{}
	unblock   chan struct{}
	closeOnce sync.Once
}

func (c *stallingConn) Send(ctx context.Context, _ *protocol.ClientMessage) error {
	select {
	case c.sending <- struct{}{}:
	default:
	}
	<-c.unblock
	return upstream.ErrConnClosed
}

func (c *stallingConn) Close() error {
	c.closeOnce.Do(func() { close(c.unblock) })
	return c.Conn.Close()
}

type stallingDialer struct {
	conn *stallingConn
}

func (d *stallingDialer) Dial(context.Context, protocol.Setup) (upstream.Conn, error) {
	d.conn = &stallingConn{
		Conn:    upstreamtest.NewConn(),
		sending: make(chan struct{}, 1),
		unblock: make(chan struct{}),
	}
	d.conn.Push(&protocol.ServerMessage{SetupComplete: &struct{}{}})
	return d.conn, nil
}

// connected returns an Active session over an in-memory upstream. Timers
// default to an hour so tests drive the queue by hand.
func connected(t *testing.T, exec Executor, opts ...Option) (*Session, *upstreamtest.Conn) {
	t.Helper()
	d := &upstreamtest.Dialer{AutoReady: true}
	opts = append([]Option{
		WithLogger(quietLogger()),
		WithHeartbeatInterval(time.Hour),
		WithDrainInterval(time.Hour),
	}, opts...)
	s := New(d, exec, opts...)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx))
	t.Cleanup(s.Disconnect)
	return s, d.Last()
}

func waitEvent(t *testing.T, events <-chan Event, want EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
			return Event{}
		}
	}
}
