package server

import (
	"strings"

	"github.com/localrivet/livegate/protocol"
)

// framesFor converts one upstream message into the client frames it
// produces, in the order the client sees them.
func framesFor(msg *protocol.ServerMessage) []protocol.Frame {
	content := msg.ServerContent
	if content == nil {
		return nil
	}

	var frames []protocol.Frame
	if content.ModelTurn != nil {
		for _, part := range content.ModelTurn.Parts {
			if part.InlineData != nil && part.InlineData.Data != "" && strings.HasPrefix(part.InlineData.MimeType, "audio/") {
				frames = append(frames, protocol.AudioFrame(part.InlineData.Data))
			}
			if part.Text == "" {
				continue
			}
			if part.Thought {
				frames = append(frames, protocol.ThoughtFrame(part.Text))
			} else {
				frames = append(frames, protocol.TextFrame(part.Text))
			}
		}
	}

	if t := content.OutputTranscription; t != nil {
		frames = append(frames, protocol.TranscriptionFrame(t.Text, protocol.DirectionOutput, t.Finished))
	}
	if t := content.InputTranscription; t != nil {
		frames = append(frames, protocol.TranscriptionFrame(t.Text, protocol.DirectionInput, t.Finished))
	}

	if content.TurnComplete {
		frames = append(frames, protocol.TurnCompleteFrame())
	}
	if content.Interrupted {
		frames = append(frames, protocol.InterruptedFrame())
	}
	return frames
}
