package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localrivet/livegate/auth"
	"github.com/localrivet/livegate/protocol"
	"github.com/localrivet/livegate/session"
	"github.com/localrivet/livegate/transport/ws"
	"github.com/localrivet/livegate/upstream/upstreamtest"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type wireFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type fixture struct {
	srv      *Server
	http     *httptest.Server
	dialer   *upstreamtest.Dialer
	sessions atomic.Int32
}

func newFixture(t *testing.T, autoReady bool, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{dialer: &upstreamtest.Dialer{AutoReady: autoReady}}
	authn := &auth.Authenticator{Validator: auth.NewAPIKeyValidator("good-key")}
	factory := func(ctx context.Context) (Session, error) {
		f.sessions.Add(1)
		return session.New(f.dialer, nil,
			session.WithLogger(quietLogger()),
			session.WithHeartbeatInterval(time.Hour),
			session.WithDrainInterval(time.Hour),
		), nil
	}
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	f.srv = New(authn, factory, opts...)
	f.http = httptest.NewServer(f.srv.Handler())
	t.Cleanup(func() {
		_ = f.srv.Shutdown(context.Background())
		f.http.Close()
	})
	return f
}

func (f *fixture) dial(t *testing.T, key string) *ws.Conn {
	t.Helper()
	header := http.Header{}
	if key != "" {
		header.Set("api_key", key)
	}
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + DefaultPath
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := ws.Dial(ctx, url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *ws.Conn) wireFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	data, _, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame wireFrame
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func errorCode(t *testing.T, frame wireFrame) int {
	t.Helper()
	require.Equal(t, protocol.FrameError, frame.Type)
	var payload protocol.ErrorFramePayload
	require.NoError(t, json.Unmarshal(frame.Payload, &payload))
	return payload.Code
}

func waitReady(t *testing.T, conn *ws.Conn) {
	t.Helper()
	frame := readFrame(t, conn)
	require.Equal(t, protocol.FrameStatus, frame.Type)
	assert.JSONEq(t, `{"status":"ready"}`, string(frame.Payload))
}

func sendFrame(t *testing.T, conn *ws.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteText([]byte(frame)))
}

func TestRejectsMissingCredential(t *testing.T) {
	f := newFixture(t, true)
	conn := f.dial(t, "")

	assert.Equal(t, protocol.FrameCodeUnauthorized, errorCode(t, readFrame(t, conn)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err, "connection is closed after the 401 frame")
	assert.Zero(t, f.sessions.Load(), "no session for a rejected client")
	assert.Zero(t, f.dialer.Dials())
}

func TestRejectsInvalidCredential(t *testing.T) {
	f := newFixture(t, true)
	conn := f.dial(t, "wrong-key")

	assert.Equal(t, protocol.FrameCodeUnauthorized, errorCode(t, readFrame(t, conn)))
	assert.Zero(t, f.sessions.Load())
}

func TestTextBeforeReadyIsDropped(t *testing.T) {
	f := newFixture(t, false)
	conn := f.dial(t, "good-key")

	upstreamConn := f.dialer.WaitDial(t, 1)
	sendFrame(t, conn, `{"type":"text","payload":{"text":"too early"}}`)
	// Give the bridge time to read and drop the frame.
	time.Sleep(100 * time.Millisecond)

	upstreamConn.Push(&protocol.ServerMessage{SetupComplete: &struct{}{}})
	waitReady(t, conn)

	sendFrame(t, conn, `{"type":"text","payload":{"text":"hello"}}`)
	msg := upstreamConn.NextSent(t)
	require.NotNil(t, msg.RealtimeInput)
	assert.Equal(t, "hello", msg.RealtimeInput.Text)
	upstreamConn.AssertNothingSent(t, 100*time.Millisecond)
}

func TestAudioFrameForwarded(t *testing.T) {
	f := newFixture(t, true)
	conn := f.dial(t, "good-key")
	waitReady(t, conn)

	sendFrame(t, conn, `{"type":"audio","payload":{"audio":"AAAA"}}`)
	msg := f.dialer.Last().NextSent(t)
	require.NotNil(t, msg.RealtimeInput)
	require.NotNil(t, msg.RealtimeInput.Audio)
	assert.Equal(t, "AAAA", msg.RealtimeInput.Audio.Data)
	assert.Equal(t, "audio/pcm;rate=16000", msg.RealtimeInput.Audio.MimeType)
}

func TestInvalidFrames(t *testing.T) {
	f := newFixture(t, true)
	conn := f.dial(t, "good-key")
	waitReady(t, conn)

	sendFrame(t, conn, `{not json`)
	assert.Equal(t, protocol.FrameCodeBadRequest, errorCode(t, readFrame(t, conn)))

	// Unknown types are dropped without an answer; the next frame still works.
	sendFrame(t, conn, `{"type":"video","payload":{}}`)
	sendFrame(t, conn, `{"type":"text","payload":{"text":"after"}}`)
	msg := f.dialer.Last().NextSent(t)
	assert.Equal(t, "after", msg.RealtimeInput.Text)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, true, WithRateLimit(0.001, 1))
	conn := f.dial(t, "good-key")
	waitReady(t, conn)

	sendFrame(t, conn, `{"type":"text","payload":{"text":"one"}}`)
	sendFrame(t, conn, `{"type":"text","payload":{"text":"two"}}`)

	assert.Equal(t, protocol.FrameCodeTooManyRequests, errorCode(t, readFrame(t, conn)))
	upstream := f.dialer.Last()
	assert.Equal(t, "one", upstream.NextSent(t).RealtimeInput.Text)
	upstream.AssertNothingSent(t, 100*time.Millisecond)
}

func TestModelOutputFrames(t *testing.T) {
	f := newFixture(t, true)
	conn := f.dial(t, "good-key")
	waitReady(t, conn)

	finished := true
	f.dialer.Last().Push(&protocol.ServerMessage{ServerContent: &protocol.ServerContent{
		ModelTurn: &protocol.LiveContent{Parts: []protocol.Part{
			{InlineData: &protocol.Blob{MimeType: "audio/pcm;rate=24000", Data: "QQ=="}},
			{Text: "hi there"},
		}},
		OutputTranscription: &protocol.Transcription{Text: "hi there", Finished: &finished},
		TurnComplete:        true,
	}})

	var types []string
	for i := 0; i < 4; i++ {
		types = append(types, readFrame(t, conn).Type)
	}
	assert.Equal(t, []string{
		protocol.FrameAudio,
		protocol.FrameText,
		protocol.FrameTranscription,
		protocol.FrameTurnComplete,
	}, types)
}

func TestUpstreamCloseSends502(t *testing.T) {
	f := newFixture(t, true)
	conn := f.dial(t, "good-key")
	waitReady(t, conn)

	f.dialer.Last().Fail(errors.New("upstream went away"))
	assert.Equal(t, protocol.FrameCodeUpstream, errorCode(t, readFrame(t, conn)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestClientCloseDisconnectsSession(t *testing.T) {
	f := newFixture(t, true)
	conn := f.dial(t, "good-key")
	waitReady(t, conn)
	require.Equal(t, 1, f.srv.Hub().Len())

	require.NoError(t, conn.Close())
	upstream := f.dialer.Last()
	require.Eventually(t, upstream.Closed, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return f.srv.Hub().Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestShutdownClosesClients(t *testing.T) {
	f := newFixture(t, true)
	conn := f.dial(t, "good-key")
	waitReady(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.srv.Shutdown(ctx))

	assert.True(t, f.dialer.Last().Closed())
	assert.Zero(t, f.srv.Hub().Len())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, true)
	resp, err := http.Get(f.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "sessions=0")
}
