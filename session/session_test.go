package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localrivet/livegate/protocol"
	"github.com/localrivet/livegate/upstream"
	"github.com/localrivet/livegate/upstream/upstreamtest"
)

func TestConnectBlocksUntilSetupComplete(t *testing.T) {
	d := &upstreamtest.Dialer{}
	s := New(d, &fakeExecutor{}, WithLogger(quietLogger()))
	defer s.Disconnect()
	events, unsubscribe := s.Subscribe(16)
	defer unsubscribe()

	result := make(chan error, 1)
	go func() { result <- s.Connect(context.Background()) }()

	require.Eventually(t, func() bool { return d.Last() != nil }, time.Second, 5*time.Millisecond)
	select {
	case err := <-result:
		t.Fatalf("Connect returned before setupComplete: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, StateConnecting, s.State())
	assert.False(t, s.IsConnected())

	d.Last().Push(&protocol.ServerMessage{SetupComplete: &struct{}{}})
	require.NoError(t, <-result)
	assert.Equal(t, StateActive, s.State())
	assert.True(t, s.IsConnected())

	ev := waitEvent(t, events, EventMessage)
	assert.NotNil(t, ev.Message.SetupComplete)
	waitEvent(t, events, EventReady)
}

func TestConnectSendsSetup(t *testing.T) {
	d := &upstreamtest.Dialer{AutoReady: true}
	exec := &fakeExecutor{decls: []protocol.FunctionDeclaration{{Name: "lookup", Parameters: json.RawMessage(`{"type":"object"}`)}}}
	s := New(d, exec, WithLogger(quietLogger()), WithModel("test-model"), WithSystemInstruction("be brief"))
	defer s.Disconnect()

	require.NoError(t, s.Connect(context.Background()))
	require.Len(t, d.Setups(), 1)

	setup := d.Setups()[0]
	assert.Equal(t, "test-model", setup.Model)
	assert.Equal(t, []string{"AUDIO"}, setup.GenerationConfig.ResponseModalities)
	require.NotNil(t, setup.SystemInstruction)
	assert.Equal(t, "be brief", setup.SystemInstruction.Parts[0].Text)
	require.Len(t, setup.Tools, 1)
	assert.Equal(t, "lookup", setup.Tools[0].FunctionDeclarations[0].Name)
	assert.NotNil(t, setup.InputAudioTranscription)
	assert.NotNil(t, setup.OutputAudioTranscription)
}

func TestConnectFailures(t *testing.T) {
	t.Run("DialError", func(t *testing.T) {
		hsErr := &upstream.HandshakeError{Endpoint: "wss://example", Attempts: 3, Cause: errors.New("refused")}
		s := New(&upstreamtest.Dialer{Err: hsErr}, &fakeExecutor{}, WithLogger(quietLogger()))
		err := s.Connect(context.Background())
		require.Error(t, err)
		assert.True(t, upstream.IsHandshakeError(err))
		assert.Equal(t, StateDisconnected, s.State())
	})

	t.Run("ClosedBeforeReady", func(t *testing.T) {
		d := &upstreamtest.Dialer{}
		s := New(d, &fakeExecutor{}, WithLogger(quietLogger()))
		events, unsubscribe := s.Subscribe(16)
		defer unsubscribe()
		result := make(chan error, 1)
		go func() { result <- s.Connect(context.Background()) }()

		conn := d.WaitDial(t, 1)
		conn.Fail(io.EOF)
		err := <-result
		assert.ErrorIs(t, err, ErrClosedBeforeReady)
		assert.False(t, s.IsConnected())
		assert.Equal(t, StateDisconnected, s.State())
		assert.True(t, conn.Closed())

		select {
		case ev := <-events:
			t.Fatalf("unexpected %s event for a session that never became ready", ev.Type)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("ContextCancelled", func(t *testing.T) {
		d := &upstreamtest.Dialer{}
		s := New(d, &fakeExecutor{}, WithLogger(quietLogger()))
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		err := s.Connect(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, StateDisconnected, s.State())
		assert.True(t, d.Last().Closed())
	})
}

func TestSendRealtimeInputWithoutHandle(t *testing.T) {
	s := New(&upstreamtest.Dialer{}, &fakeExecutor{}, WithLogger(quietLogger()))
	err := s.SendRealtimeInput(context.Background(), protocol.RealtimeInput{Text: "hello"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSendRealtimeInputBeforeReady(t *testing.T) {
	d := &upstreamtest.Dialer{}
	s := New(d, &fakeExecutor{}, WithLogger(quietLogger()))
	defer s.Disconnect()
	result := make(chan error, 1)
	go func() { result <- s.Connect(context.Background()) }()

	conn := d.WaitDial(t, 1)
	err := s.SendRealtimeInput(context.Background(), protocol.RealtimeInput{Text: "too early"})
	assert.ErrorIs(t, err, ErrNotConnected)
	conn.AssertNothingSent(t, 50*time.Millisecond)

	conn.Push(&protocol.ServerMessage{SetupComplete: &struct{}{}})
	require.NoError(t, <-result)
	require.NoError(t, s.SendRealtimeInput(context.Background(), protocol.RealtimeInput{Text: "on time"}))
	assert.Equal(t, "on time", conn.NextSent(t).RealtimeInput.Text)
}

func TestSendRealtimeInputStripsTags(t *testing.T) {
	s, conn := connected(t, &fakeExecutor{})

	cases := map[string]string{
		"[notification] hello": "hello",
		"[system] hello":       "hello",
		"[scheduled] hello":    "hello",
		"[reminder] hello":     "hello",
		"[SYSTEM]hello":        "hello",
		"[other] hello":        "[other] hello",
		"hello [system]":       "hello [system]",
	}
	for in, want := range cases {
		require.NoError(t, s.SendRealtimeInput(context.Background(), protocol.RealtimeInput{Text: in}))
		msg := conn.NextSent(t)
		require.NotNil(t, msg.RealtimeInput, in)
		assert.Equal(t, want, msg.RealtimeInput.Text, in)
	}

	audio := &protocol.Blob{MimeType: protocol.DefaultAudioMimeType, Data: "AAAA"}
	require.NoError(t, s.SendRealtimeInput(context.Background(), protocol.RealtimeInput{Audio: audio}))
	assert.Equal(t, audio, conn.NextSent(t).RealtimeInput.Audio)

	require.NoError(t, s.SendRealtimeInput(context.Background(), protocol.RealtimeInput{Text: "[notification]"}))
	conn.AssertNothingSent(t, 50*time.Millisecond)
}

func toolCall(calls ...protocol.FunctionCall) *protocol.ServerMessage {
	return &protocol.ServerMessage{ToolCall: &protocol.ToolCall{FunctionCalls: calls}}
}

func TestToolCallDispatch(t *testing.T) {
	exec := &fakeExecutor{fn: func(_ context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
		if name == "fail" {
			return nil, errors.New("provider exploded")
		}
		return json.RawMessage(`{"content":[{"type":"text","text":"` + string(args) + `"}]}`), nil
	}}
	s, conn := connected(t, exec)

	conn.Push(toolCall(
		protocol.FunctionCall{ID: "call-1", Name: "echo", Args: json.RawMessage(`1`)},
		protocol.FunctionCall{ID: "call-2", Name: "fail"},
	))

	responses := map[string]protocol.FunctionResponse{}
	for i := 0; i < 2; i++ {
		msg := conn.NextSent(t)
		require.NotNil(t, msg.ToolResponse)
		require.Len(t, msg.ToolResponse.FunctionResponses, 1)
		resp := msg.ToolResponse.FunctionResponses[0]
		responses[resp.ID] = resp
	}

	require.Contains(t, responses, "call-1")
	assert.Equal(t, "echo", responses["call-1"].Name)
	assert.Contains(t, responses["call-1"].Response, "output")

	require.Contains(t, responses, "call-2")
	assert.Equal(t, "fail", responses["call-2"].Name)
	assert.Equal(t, "provider exploded", responses["call-2"].Response["error"])

	assert.False(t, s.TurnComplete(), "a tool call opens a turn")
	conn.Push(&protocol.ServerMessage{ServerContent: &protocol.ServerContent{TurnComplete: true}})
	require.Eventually(t, s.TurnComplete, time.Second, 5*time.Millisecond)
	assert.True(t, s.IsConnected(), "tool handling does not change the observable state")
}

func TestToolCallsRunConcurrently(t *testing.T) {
	bDone := make(chan struct{})
	exec := &fakeExecutor{fn: func(ctx context.Context, name string, _ json.RawMessage) (json.RawMessage, error) {
		if name == "a" {
			select {
			case <-bDone:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return json.RawMessage(`"a"`), nil
		}
		defer close(bDone)
		return json.RawMessage(`"b"`), nil
	}}
	_, conn := connected(t, exec)

	conn.Push(toolCall(
		protocol.FunctionCall{ID: "1", Name: "a"},
		protocol.FunctionCall{ID: "2", Name: "b"},
	))

	first := conn.NextSent(t).ToolResponse.FunctionResponses[0]
	second := conn.NextSent(t).ToolResponse.FunctionResponses[0]
	assert.Equal(t, "2", first.ID, "b completes first even though it was requested second")
	assert.Equal(t, "b", first.Response["output"])
	assert.Equal(t, "1", second.ID)
	assert.Equal(t, "a", second.Response["output"])
}

func TestToolCallCancellation(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan struct{})
	exec := &fakeExecutor{fn: func(ctx context.Context, _ string, _ json.RawMessage) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	}}
	_, conn := connected(t, exec)

	conn.Push(toolCall(protocol.FunctionCall{ID: "slow-1", Name: "slow"}))
	<-started
	conn.Push(&protocol.ServerMessage{ToolCallCancellation: &protocol.ToolCallCancellation{IDs: []string{"slow-1"}}})

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("tool call context was not cancelled")
	}
	conn.AssertNothingSent(t, 100*time.Millisecond)
}

func TestMalformedUpstreamMessageIsDropped(t *testing.T) {
	s, conn := connected(t, &fakeExecutor{})
	events, unsubscribe := s.Subscribe(16)
	defer unsubscribe()

	conn.Fail(&upstream.ProtocolError{Raw: []byte("{"), Cause: errors.New("unexpected EOF")})
	ev := waitEvent(t, events, EventError)
	assert.True(t, upstream.IsProtocolError(ev.Err))

	conn.Push(&protocol.ServerMessage{ServerContent: &protocol.ServerContent{Interrupted: true}})
	ev = waitEvent(t, events, EventMessage)
	assert.True(t, ev.Message.ServerContent.Interrupted)
	assert.True(t, s.IsConnected())
}

func TestDisconnect(t *testing.T) {
	s, conn := connected(t, &fakeExecutor{}, WithHeartbeatInterval(10*time.Millisecond), WithDrainInterval(5*time.Millisecond))
	events, unsubscribe := s.Subscribe(16)
	defer unsubscribe()

	s.Disconnect()
	s.Disconnect()

	assert.Equal(t, StateClosed, s.State())
	assert.False(t, s.IsConnected())
	assert.True(t, conn.Closed())

	ev := waitEvent(t, events, EventClosed)
	assert.NoError(t, ev.Err)
	select {
	case ev := <-events:
		t.Fatalf("unexpected event after disconnect: %s", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}

	err := s.SendRealtimeInput(context.Background(), protocol.RealtimeInput{Text: "late"})
	assert.ErrorIs(t, err, ErrNotConnected)

	// Timers are stopped: nothing is queued or drained any more.
	before := s.QueueLen()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, s.QueueLen())
	assert.False(t, s.DrainOnce())
}

func TestDisconnectDuringDial(t *testing.T) {
	d := newGatedDialer()
	s := New(d, &fakeExecutor{}, WithLogger(quietLogger()),
		WithHeartbeatInterval(10*time.Millisecond), WithDrainInterval(5*time.Millisecond))

	result := make(chan error, 1)
	go func() { result <- s.Connect(context.Background()) }()
	<-d.entered

	s.Disconnect()
	close(d.release)

	assert.ErrorIs(t, <-result, ErrNotConnected)
	assert.Equal(t, StateClosed, s.State())
	assert.False(t, s.IsConnected())

	conn := d.Last()
	require.NotNil(t, conn)
	assert.True(t, conn.Closed(), "the late connection is closed, not installed")
	assert.ErrorIs(t, s.SendRealtimeInput(context.Background(), protocol.RealtimeInput{Text: "late"}), ErrNotConnected)

	// No timers were started for the discarded connection.
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, s.QueueLen())
}

func TestDisconnectWithStalledSend(t *testing.T) {
	d := &stallingDialer{}
	s := New(d, &fakeExecutor{}, WithLogger(quietLogger()),
		WithHeartbeatInterval(time.Hour), WithDrainInterval(5*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx))

	s.Enqueue("[notification] stuck")
	select {
	case <-d.conn.sending:
	case <-time.After(2 * time.Second):
		t.Fatal("drain never reached the upstream send")
	}

	done := make(chan struct{})
	go func() {
		s.Disconnect()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect blocked behind a stalled upstream send")
	}
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 1, s.QueueLen(), "the undelivered notification stays queued")
}

func TestUpstreamClose(t *testing.T) {
	s, conn := connected(t, &fakeExecutor{})
	events, unsubscribe := s.Subscribe(16)
	defer unsubscribe()

	conn.Fail(io.EOF)

	ev := waitEvent(t, events, EventClosed)
	assert.ErrorIs(t, ev.Err, io.EOF)
	assert.Equal(t, StateClosed, s.State())
	assert.ErrorIs(t, s.SendRealtimeInput(context.Background(), protocol.RealtimeInput{Text: "x"}), ErrNotConnected)
}

func TestReconnect(t *testing.T) {
	d := &upstreamtest.Dialer{AutoReady: true}
	s := New(d, &fakeExecutor{}, WithLogger(quietLogger()))
	defer s.Disconnect()

	require.NoError(t, s.Connect(context.Background()))
	first := d.Last()

	require.NoError(t, s.Connect(context.Background()))
	second := d.Last()
	assert.NotSame(t, first, second)
	assert.True(t, first.Closed(), "connect tears down the previous handle")

	s.Disconnect()
	require.NoError(t, s.Connect(context.Background()), "a closed session can connect again")
	assert.True(t, s.IsConnected())
}

func TestSubscribe(t *testing.T) {
	s := New(&upstreamtest.Dialer{}, &fakeExecutor{}, WithLogger(quietLogger()))

	slow, unsubscribeSlow := s.Subscribe(1)
	defer unsubscribeSlow()
	fast, unsubscribeFast := s.Subscribe(8)

	for i := 0; i < 3; i++ {
		s.publish(Event{Type: EventError, Err: errors.New("x")})
	}
	assert.Len(t, slow, 1, "a full subscriber drops events instead of blocking")
	assert.Len(t, fast, 3)

	unsubscribeFast()
	unsubscribeFast()
	_, ok := <-drain(fast)
	assert.False(t, ok)
}

func drain(ch <-chan Event) <-chan Event {
	for len(ch) > 0 {
		<-ch
	}
	return ch
}

func TestConcurrentSendAndDisconnect(t *testing.T) {
	s, _ := connected(t, &fakeExecutor{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				err := s.SendRealtimeInput(context.Background(), protocol.RealtimeInput{Text: "x"})
				if err != nil {
					assert.True(t, errors.Is(err, ErrNotConnected) || errors.Is(err, upstream.ErrConnClosed), "unexpected error: %v", err)
				}
			}
		}()
	}
	s.Disconnect()
	wg.Wait()
}
