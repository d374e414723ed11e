package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// Frame types exchanged with client connections.
const (
	FrameStatus        = "status"
	FrameError         = "error"
	FrameAudio         = "audio"
	FrameText          = "text"
	FrameThought       = "thought"
	FrameTranscription = "transcription"
	FrameTurnComplete  = "turn_complete"
	FrameInterrupted   = "interrupted"
)

// Transcription directions.
const (
	DirectionInput  = "input"
	DirectionOutput = "output"
)

// DefaultAudioMimeType is used for inbound audio frames that do not name an encoding.
const DefaultAudioMimeType = "audio/pcm;rate=16000"

// Frame is one message exchanged with a client connection, discriminated by Type.
type Frame struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// StatusPayload is the payload of a status frame.
type StatusPayload struct {
	Status string `json:"status"`
}

// ErrorFramePayload is the payload of an error frame.
type ErrorFramePayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// TranscriptionPayload is the payload of a transcription frame.
type TranscriptionPayload struct {
	Transcription string `json:"transcription"`
	Type          string `json:"type"`
	Finished      *bool  `json:"finished,omitempty"`
}

// StatusFrame reports session status ("ready").
func StatusFrame(status string) Frame {
	return Frame{Type: FrameStatus, Payload: StatusPayload{Status: status}}
}

// ErrorFrame reports a failure to the client.
func ErrorFrame(code int, message string) Frame {
	return Frame{Type: FrameError, Payload: ErrorFramePayload{Code: code, Message: message}}
}

// AudioFrame carries base64 audio produced by the model.
func AudioFrame(data string) Frame {
	return Frame{Type: FrameAudio, Payload: map[string]string{"audio": data}}
}

// TextFrame carries model text.
func TextFrame(text string) Frame {
	return Frame{Type: FrameText, Payload: map[string]string{"text": text}}
}

// ThoughtFrame carries a model thought trace.
func ThoughtFrame(text string) Frame {
	return Frame{Type: FrameThought, Payload: map[string]string{"thought": text}}
}

// TranscriptionFrame carries a transcription fragment for the given direction.
func TranscriptionFrame(text, direction string, finished *bool) Frame {
	return Frame{Type: FrameTranscription, Payload: TranscriptionPayload{
		Transcription: text,
		Type:          direction,
		Finished:      finished,
	}}
}

// TurnCompleteFrame marks the end of a model turn.
func TurnCompleteFrame() Frame {
	return Frame{Type: FrameTurnComplete, Payload: struct{}{}}
}

// InterruptedFrame marks that the model output was interrupted.
func InterruptedFrame() Frame {
	return Frame{Type: FrameInterrupted, Payload: struct{}{}}
}

// ClientFrame is a decoded inbound frame: either text or audio.
type ClientFrame struct {
	Type  string
	Text  string
	Audio *Blob
}

type textPayload struct {
	Text string `mapstructure:"text"`
}

type audioPayload struct {
	Audio    string `mapstructure:"audio"`
	Data     string `mapstructure:"data"`
	Encoding string `mapstructure:"encoding"`
}

type rawFrame struct {
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

// DecodeClientFrame parses an inbound client frame.
// Malformed JSON or a payload of the wrong shape yields a *DecodeError; a
// well-formed frame with an unrecognised type yields ErrUnknownFrameType.
func DecodeClientFrame(data []byte) (ClientFrame, error) {
	var raw rawFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return ClientFrame{}, &DecodeError{Reason: "invalid JSON", Cause: err}
	}
	if raw.Type == "" {
		return ClientFrame{}, &DecodeError{Reason: "missing frame type"}
	}

	switch raw.Type {
	case FrameText:
		var p textPayload
		if err := decodePayload(raw.Payload, &p); err != nil {
			return ClientFrame{}, err
		}
		return ClientFrame{Type: FrameText, Text: p.Text}, nil

	case FrameAudio:
		var p audioPayload
		if err := decodePayload(raw.Payload, &p); err != nil {
			return ClientFrame{}, err
		}
		data := p.Data
		if data == "" {
			data = p.Audio
		}
		if data == "" {
			return ClientFrame{}, &DecodeError{Reason: "audio frame without data"}
		}
		mime := DefaultAudioMimeType
		if p.Encoding != "" {
			mime = p.Encoding
			if !strings.HasPrefix(mime, "audio/") {
				mime = "audio/" + mime
			}
		}
		return ClientFrame{Type: FrameAudio, Audio: &Blob{MimeType: mime, Data: data}}, nil
	}

	return ClientFrame{Type: raw.Type}, fmt.Errorf("%w: %q", ErrUnknownFrameType, raw.Type)
}

// decodePayload uses mapstructure to map the generic payload object into target.
func decodePayload(payload map[string]interface{}, target interface{}) error {
	if payload == nil {
		return &DecodeError{Reason: "missing payload"}
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      target,
		ErrorUnused: false,
	})
	if err != nil {
		return &DecodeError{Reason: "payload decoder", Cause: err}
	}
	if err := decoder.Decode(payload); err != nil {
		return &DecodeError{Reason: "invalid payload", Cause: err}
	}
	return nil
}
