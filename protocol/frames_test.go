package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeClientFrame(t *testing.T) {
	t.Run("Text", func(t *testing.T) {
		frame, err := DecodeClientFrame([]byte(`{"type":"text","payload":{"text":"hi"}}`))
		require.NoError(t, err)
		assert.Equal(t, FrameText, frame.Type)
		assert.Equal(t, "hi", frame.Text)
	})

	t.Run("AudioField", func(t *testing.T) {
		frame, err := DecodeClientFrame([]byte(`{"type":"audio","payload":{"audio":"AAAA"}}`))
		require.NoError(t, err)
		require.NotNil(t, frame.Audio)
		assert.Equal(t, "AAAA", frame.Audio.Data)
		assert.Equal(t, DefaultAudioMimeType, frame.Audio.MimeType)
	})

	t.Run("DataFieldWithEncoding", func(t *testing.T) {
		frame, err := DecodeClientFrame([]byte(`{"type":"audio","payload":{"data":"BBBB","encoding":"pcm;rate=24000"}}`))
		require.NoError(t, err)
		require.NotNil(t, frame.Audio)
		assert.Equal(t, "BBBB", frame.Audio.Data)
		assert.Equal(t, "audio/pcm;rate=24000", frame.Audio.MimeType)
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		_, err := DecodeClientFrame([]byte(`{not json`))
		require.Error(t, err)
		assert.True(t, IsDecodeError(err), "malformed JSON should be a decode error")
	})

	t.Run("WrongPayloadShape", func(t *testing.T) {
		_, err := DecodeClientFrame([]byte(`{"type":"text","payload":{"text":{"nested":true}}}`))
		require.Error(t, err)
		assert.True(t, IsDecodeError(err))
	})

	t.Run("AudioWithoutData", func(t *testing.T) {
		_, err := DecodeClientFrame([]byte(`{"type":"audio","payload":{}}`))
		assert.True(t, IsDecodeError(err))
	})

	t.Run("UnknownType", func(t *testing.T) {
		frame, err := DecodeClientFrame([]byte(`{"type":"video","payload":{}}`))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnknownFrameType))
		assert.False(t, IsDecodeError(err), "unknown types are dropped, not answered with an error frame")
		assert.Equal(t, "video", frame.Type)
	})
}

func TestOutboundFrameShapes(t *testing.T) {
	finished := true
	cases := map[string]struct {
		frame Frame
		want  string
	}{
		"status":        {StatusFrame("ready"), `{"type":"status","payload":{"status":"ready"}}`},
		"error":         {ErrorFrame(401, "nope"), `{"type":"error","payload":{"code":401,"message":"nope"}}`},
		"audio":         {AudioFrame("QQ=="), `{"type":"audio","payload":{"audio":"QQ=="}}`},
		"thought":       {ThoughtFrame("hmm"), `{"type":"thought","payload":{"thought":"hmm"}}`},
		"transcription": {TranscriptionFrame("hello", DirectionInput, &finished), `{"type":"transcription","payload":{"transcription":"hello","type":"input","finished":true}}`},
		"turn_complete": {TurnCompleteFrame(), `{"type":"turn_complete","payload":{}}`},
		"interrupted":   {InterruptedFrame(), `{"type":"interrupted","payload":{}}`},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			data, err := json.Marshal(tc.frame)
			require.NoError(t, err)
			assert.JSONEq(t, tc.want, string(data))
		})
	}
}

func TestIDKey(t *testing.T) {
	assert.Equal(t, "7", IDKey(json.RawMessage(`7`)))
	assert.Equal(t, "7", IDKey(json.RawMessage(`"7"`)))
	assert.Equal(t, "abc", IDKey(json.RawMessage(` "abc" `)))
	assert.Equal(t, FormatID(7), IDKey(json.RawMessage(`7`)))
}

func TestServerMessageTurnState(t *testing.T) {
	var msg ServerMessage
	require.NoError(t, json.Unmarshal([]byte(`{"setupComplete":{}}`), &msg))
	assert.NotNil(t, msg.SetupComplete)
	assert.False(t, msg.CarriesTurnState())

	msg = ServerMessage{}
	require.NoError(t, json.Unmarshal([]byte(`{"serverContent":{"interrupted":true}}`), &msg))
	assert.True(t, msg.CarriesTurnState())
	assert.True(t, msg.TurnBoundary())

	msg = ServerMessage{}
	require.NoError(t, json.Unmarshal([]byte(`{"toolCall":{"functionCalls":[{"id":"a","name":"x","args":{"k":1}}]}}`), &msg))
	assert.True(t, msg.CarriesTurnState())
	assert.False(t, msg.TurnBoundary())
	assert.JSONEq(t, `{"k":1}`, string(msg.ToolCall.FunctionCalls[0].Args))
}
