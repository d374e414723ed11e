package server

import (
	"context"
	"io"
	"sync"
	"testing"

	gws "github.com/gobwas/ws"
	"github.com/stretchr/testify/assert"

	"github.com/localrivet/livegate/protocol"
	"github.com/localrivet/livegate/session"
)

type stubConn struct {
	mu     sync.Mutex
	closed bool
}

func (c *stubConn) ReadMessage() ([]byte, gws.OpCode, error) { return nil, 0, io.EOF }
func (c *stubConn) WriteJSON(interface{}) error             { return nil }
func (c *stubConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *stubConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type stubSession struct {
	mu           sync.Mutex
	disconnected int
}

func (s *stubSession) ID() string                        { return "stub" }
func (s *stubSession) Connect(context.Context) error     { return nil }
func (s *stubSession) IsConnected() bool                 { return true }
func (s *stubSession) Subscribe(int) (<-chan session.Event, func()) {
	ch := make(chan session.Event)
	return ch, func() { close(ch) }
}
func (s *stubSession) SendRealtimeInput(context.Context, protocol.RealtimeInput) error {
	return nil
}
func (s *stubSession) Disconnect() {
	s.mu.Lock()
	s.disconnected++
	s.mu.Unlock()
}

func TestHubCloseAll(t *testing.T) {
	hub := NewHub()
	conns := []*stubConn{{}, {}, {}}
	sessions := []*stubSession{{}, {}, {}}
	for i := range conns {
		assert.True(t, hub.Add(NewBridge(conns[i], sessions[i], quietLogger(), nil)))
	}
	assert.Equal(t, 3, hub.Len())

	removed := NewBridge(&stubConn{}, &stubSession{}, quietLogger(), nil)
	hub.Add(removed)
	hub.Remove(removed)
	hub.Remove(removed)
	assert.Equal(t, 3, hub.Len())

	assert.Equal(t, 3, hub.CloseAll())
	for i := range conns {
		assert.True(t, conns[i].isClosed())
		assert.Equal(t, 1, sessions[i].disconnected)
	}

	assert.False(t, hub.Add(NewBridge(&stubConn{}, &stubSession{}, quietLogger(), nil)),
		"a closed hub refuses new bridges")
}

func TestBridgeCloseIsIdempotent(t *testing.T) {
	conn, sess := &stubConn{}, &stubSession{}
	b := NewBridge(conn, sess, quietLogger(), nil)
	b.Close()
	b.Close()
	assert.True(t, conn.isClosed())
	assert.Equal(t, 1, sess.disconnected)
	assert.NotEmpty(t, b.ID())
}

func TestFramesFor(t *testing.T) {
	finished := false
	msg := &protocol.ServerMessage{ServerContent: &protocol.ServerContent{
		ModelTurn: &protocol.LiveContent{Parts: []protocol.Part{
			{Text: "thinking", Thought: true},
			{InlineData: &protocol.Blob{MimeType: "image/png", Data: "xx"}},
			{InlineData: &protocol.Blob{MimeType: "audio/pcm", Data: "yy"}},
			{Text: "answer"},
		}},
		OutputTranscription: &protocol.Transcription{Text: "out"},
		InputTranscription:  &protocol.Transcription{Text: "in", Finished: &finished},
		TurnComplete:        true,
		Interrupted:         true,
	}}

	frames := framesFor(msg)
	var types []string
	for _, f := range frames {
		types = append(types, f.Type)
	}
	assert.Equal(t, []string{
		protocol.FrameThought,
		protocol.FrameAudio,
		protocol.FrameText,
		protocol.FrameTranscription,
		protocol.FrameTranscription,
		protocol.FrameTurnComplete,
		protocol.FrameInterrupted,
	}, types)
	assert.Equal(t, protocol.DirectionOutput, frames[3].Payload.(protocol.TranscriptionPayload).Type)
	assert.Equal(t, protocol.DirectionInput, frames[4].Payload.(protocol.TranscriptionPayload).Type)

	assert.Empty(t, framesFor(&protocol.ServerMessage{SetupComplete: &struct{}{}}))
	assert.Empty(t, framesFor(&protocol.ServerMessage{ToolCall: &protocol.ToolCall{}}))
}
