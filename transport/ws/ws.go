// Package ws wraps gobwas/ws connections with message-level reads and
// serialised writes. The same Conn type serves both the client-facing
// listener (server side) and the upstream dial (client side).
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// DefaultHandshakeTimeout bounds an outbound dial including the HTTP upgrade.
const DefaultHandshakeTimeout = 15 * time.Second

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("websocket connection closed")

// Conn is a WebSocket connection. ReadMessage must be called from a single
// goroutine; writes may come from any goroutine.
type Conn struct {
	conn   net.Conn
	state  ws.State
	reader *wsutil.Reader

	wmu    sync.Mutex
	closed bool
}

func newConn(conn net.Conn, source io.Reader, state ws.State) *Conn {
	if source == nil {
		source = conn
	}
	c := &Conn{conn: conn, state: state}
	c.reader = &wsutil.Reader{
		Source:         source,
		State:          state,
		CheckUTF8:      true,
		OnIntermediate: c.handleControl,
	}
	return c
}

// Upgrade upgrades an HTTP request to a server-side WebSocket connection.
// On failure the upgrader has already written an HTTP error response.
func Upgrade(r *http.Request, w http.ResponseWriter) (*Conn, error) {
	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}
	var source io.Reader
	if rw != nil && rw.Reader != nil {
		source = rw.Reader
	}
	return newConn(conn, source, ws.StateServerSide), nil
}

// Dial opens a client-side WebSocket connection to url, sending header with
// the upgrade request.
func Dial(ctx context.Context, url string, header http.Header) (*Conn, error) {
	dialer := ws.Dialer{Timeout: DefaultHandshakeTimeout}
	if len(header) > 0 {
		dialer.Header = ws.HandshakeHeaderHTTP(header)
	}
	conn, br, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	var source io.Reader = conn
	if br != nil {
		// The server may have sent frames right after the handshake response.
		source = io.MultiReader(br, conn)
	}
	return newConn(conn, source, ws.StateClientSide), nil
}

// handleControl answers pings and close frames while holding the write lock,
// so control replies never interleave with a data frame being written.
func (c *Conn) handleControl(hdr ws.Header, r io.Reader) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return wsutil.ControlFrameHandler(c.conn, c.state)(hdr, r)
}

// ReadMessage returns the next complete text or binary message.
// A close frame from the peer yields an error wrapping io.EOF.
func (c *Conn) ReadMessage() ([]byte, ws.OpCode, error) {
	for {
		hdr, err := c.reader.NextFrame()
		if err != nil {
			return nil, 0, err
		}
		if hdr.OpCode.IsControl() {
			if err := c.handleControl(hdr, c.reader); err != nil {
				var closed wsutil.ClosedError
				if errors.As(err, &closed) {
					return nil, ws.OpClose, fmt.Errorf("peer closed (%d %s): %w", closed.Code, closed.Reason, io.EOF)
				}
				return nil, 0, err
			}
			continue
		}
		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := c.reader.Discard(); err != nil {
				return nil, 0, err
			}
			continue
		}
		data, err := io.ReadAll(c.reader)
		if err != nil {
			return nil, 0, err
		}
		return data, hdr.OpCode, nil
	}
}

// WriteMessage writes one complete message.
func (c *Conn) WriteMessage(op ws.OpCode, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return wsutil.WriteMessage(c.conn, c.state, op, data)
}

// WriteText writes a text message.
func (c *Conn) WriteText(data []byte) error {
	return c.WriteMessage(ws.OpText, data)
}

// WriteJSON marshals v and writes it as a text message.
func (c *Conn) WriteJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal websocket message: %w", err)
	}
	return c.WriteText(data)
}

// WriteJSONContext is WriteJSON bounded by ctx. A write blocked on a stalled
// peer fails once ctx is done.
func (c *Conn) WriteJSONContext(ctx context.Context, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal websocket message: %w", err)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline, _ := ctx.Deadline()
	_ = c.conn.SetWriteDeadline(deadline)
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(fired)
		_ = c.conn.SetWriteDeadline(time.Now())
	})

	err = wsutil.WriteMessage(c.conn, c.state, ws.OpText, data)
	if !stop() {
		<-fired
	}
	_ = c.conn.SetWriteDeadline(time.Time{})
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// SetReadDeadline sets the deadline for pending and future reads.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close sends a normal closure frame and closes the connection.
func (c *Conn) Close() error {
	return c.CloseWithStatus(ws.StatusNormalClosure, "")
}

// CloseWithStatus sends a close frame with the given status, best effort,
// then closes the connection. Repeated calls are no-ops.
func (c *Conn) CloseWithStatus(code ws.StatusCode, reason string) error {
	// Fail any write stuck on a stalled peer so the write lock can be taken.
	_ = c.conn.SetWriteDeadline(time.Now())
	c.wmu.Lock()
	if c.closed {
		c.wmu.Unlock()
		return nil
	}
	c.closed = true
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = wsutil.WriteMessage(c.conn, c.state, ws.OpClose, ws.NewCloseFrameBody(code, reason))
	c.wmu.Unlock()

	return c.conn.Close()
}

var _ io.Closer = (*Conn)(nil)
