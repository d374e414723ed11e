package ws

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDialUpgradeRoundTrip(t *testing.T) {
	headers := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Get("X-Probe")
		conn, err := Upgrade(r, w)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			data, op, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(op, append([]byte("echo:"), data...)); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, wsURL(srv), http.Header{"X-Probe": []string{"yes"}})
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "yes", <-headers)

	require.NoError(t, conn.WriteText([]byte("hello")))
	data, op, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, ws.OpText, op)
	assert.Equal(t, "echo:hello", string(data))

	require.NoError(t, conn.WriteJSON(map[string]int{"n": 1}))
	data, _, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `echo:{"n":1}`, string(data))
}

func TestPeerCloseEndsRead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(r, w)
		if err != nil {
			return
		}
		_ = conn.WriteText([]byte("bye"))
		_ = conn.CloseWithStatus(ws.StatusNormalClosure, "done")
	}))
	defer srv.Close()

	conn, err := Dial(context.Background(), wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()

	data, _, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "bye", string(data))

	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.ErrorIs(t, err, io.EOF)
}

func TestWriteAfterClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(r, w)
		if err != nil {
			return
		}
		defer conn.Close()
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	conn, err := Dial(context.Background(), wsURL(srv), nil)
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close(), "second close is a no-op")
	assert.ErrorIs(t, conn.WriteText([]byte("late")), ErrClosed)
}

func TestDialRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Dial(ctx, url, nil)
	assert.Error(t, err)
}

// stalledConn returns a Conn whose peer never reads.
func stalledConn(t *testing.T) *Conn {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() { _ = remote.Close() })
	return newConn(local, nil, ws.StateClientSide)
}

func TestWriteJSONContextCancelled(t *testing.T) {
	conn := stalledConn(t)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	done := make(chan error, 1)
	go func() { done <- conn.WriteJSONContext(ctx, map[string]string{"text": "hi"}) }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("write ignored context cancellation")
	}
}

func TestCloseUnblocksStalledWriter(t *testing.T) {
	conn := stalledConn(t)

	writeErr := make(chan error, 1)
	go func() { writeErr <- conn.WriteText([]byte("stuck")) }()
	time.Sleep(50 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		_ = conn.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("Close waited on a writer blocked by the peer")
	}
	assert.Error(t, <-writeErr)
}
