package protocol

import "encoding/json"

// --- Upstream live session messages (client -> upstream) ---

// ClientMessage is one frame sent to the upstream service. Exactly one field is set.
type ClientMessage struct {
	Setup         *Setup         `json:"setup,omitempty"`
	RealtimeInput *RealtimeInput `json:"realtimeInput,omitempty"`
	ToolResponse  *ToolResponse  `json:"toolResponse,omitempty"`
}

// Setup is the first message on a new upstream connection.
type Setup struct {
	Model                    string            `json:"model"`
	GenerationConfig         *GenerationConfig `json:"generationConfig,omitempty"`
	SystemInstruction        *LiveContent      `json:"systemInstruction,omitempty"`
	Tools                    []ToolSet         `json:"tools,omitempty"`
	InputAudioTranscription  *struct{}         `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}         `json:"outputAudioTranscription,omitempty"`
}

// GenerationConfig selects the modalities the upstream answers with.
type GenerationConfig struct {
	ResponseModalities []string `json:"responseModalities,omitempty"`
}

// ToolSet groups the function declarations advertised upstream.
type ToolSet struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations"`
}

// FunctionDeclaration advertises one callable tool to the upstream service.
type FunctionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// RealtimeInput carries user text or audio into the live conversation.
type RealtimeInput struct {
	Text  string `json:"text,omitempty"`
	Audio *Blob  `json:"audio,omitempty"`
}

// Blob is inline binary data, base64 encoded.
type Blob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// ToolResponse answers one or more function calls.
type ToolResponse struct {
	FunctionResponses []FunctionResponse `json:"functionResponses"`
}

// FunctionResponse carries the output or error for one function call id.
type FunctionResponse struct {
	ID       string                 `json:"id"`
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response"`
}

// --- Upstream live session messages (upstream -> client) ---

// ServerMessage is one message received from the upstream service.
type ServerMessage struct {
	SetupComplete        *struct{}             `json:"setupComplete,omitempty"`
	ServerContent        *ServerContent        `json:"serverContent,omitempty"`
	ToolCall             *ToolCall             `json:"toolCall,omitempty"`
	ToolCallCancellation *ToolCallCancellation `json:"toolCallCancellation,omitempty"`
	GoAway               *GoAway               `json:"goAway,omitempty"`
	UsageMetadata        json.RawMessage       `json:"usageMetadata,omitempty"`
}

// ServerContent is model output for the current turn.
type ServerContent struct {
	ModelTurn           *LiveContent   `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	GenerationComplete  bool           `json:"generationComplete,omitempty"`
	InputTranscription  *Transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *Transcription `json:"outputTranscription,omitempty"`
}

// LiveContent is a role-tagged list of parts.
type LiveContent struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts,omitempty"`
}

// Part is one fragment of model output.
type Part struct {
	Text       string `json:"text,omitempty"`
	Thought    bool   `json:"thought,omitempty"`
	InlineData *Blob  `json:"inlineData,omitempty"`
}

// Transcription is a fragment of speech-to-text for either side of the conversation.
type Transcription struct {
	Text     string `json:"text,omitempty"`
	Finished *bool  `json:"finished,omitempty"`
}

// ToolCall bundles the function calls requested in one upstream message.
type ToolCall struct {
	FunctionCalls []FunctionCall `json:"functionCalls"`
}

// FunctionCall is one tool invocation requested by the upstream service.
type FunctionCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ToolCallCancellation withdraws previously issued function calls.
type ToolCallCancellation struct {
	IDs []string `json:"ids"`
}

// GoAway warns that the upstream will close the connection soon.
type GoAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

// CarriesTurnState reports whether the message participates in turn tracking.
// Only model content and tool calls move the turn boundary; control messages
// such as setupComplete or goAway leave it where it was.
func (m *ServerMessage) CarriesTurnState() bool {
	return m.ServerContent != nil || m.ToolCall != nil
}

// TurnBoundary reports whether the message closes the current turn,
// either by completing it or by the user interrupting it.
func (m *ServerMessage) TurnBoundary() bool {
	if m.ServerContent == nil {
		return false
	}
	return m.ServerContent.TurnComplete || m.ServerContent.Interrupted
}
