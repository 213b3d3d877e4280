package realtime

import (
	"time"

	"github.com/google/uuid"
)

// Client event types
const (
	EventSessionUpdate      = "session.update"
	EventInputAudioAppend   = "input_audio_buffer.append"
	EventConversationCreate = "conversation.item.create"
	EventResponseCreate     = "response.create"
	EventResponseCancel     = "response.cancel"
)

// Server event types
const (
	EventSessionCreated          = "session.created"
	EventSessionUpdated          = "session.updated"
	EventSpeechStarted           = "input_audio_buffer.speech_started"
	EventSpeechStopped           = "input_audio_buffer.speech_stopped"
	EventInputTranscriptionDone  = "conversation.item.input_audio_transcription.completed"
	EventResponseCreated         = "response.created"
	EventResponseAudioStarted    = "response.output_audio.started"
	EventResponseAudioDelta      = "response.output_audio.delta"
	EventResponseTranscriptDelta = "response.output_audio_transcript.delta"
	EventFunctionCallArgsDone    = "response.function_call_arguments.done"
	EventResponseDone            = "response.done"
	EventError                   = "error"
)

// ServerEvent is the union of every inbound message the client handles.
// Fields not used by a given type are left empty.
type ServerEvent struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`

	// audio or transcript delta
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`

	ItemID     string    `json:"item_id,omitempty"`
	ResponseID string    `json:"response_id,omitempty"`
	Response   *Response `json:"response,omitempty"`

	// function calls
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	Error *ErrorDetail `json:"error,omitempty"`

	ReceivedAt time.Time `json:"-"`
}

// Response carries the response object of response.created / response.done.
type Response struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
}

// ErrorDetail is the payload of an "error" server event.
type ErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
	EventID string `json:"event_id,omitempty"`
}

func (e *ErrorDetail) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// AudioAppend carries one captured frame.
type AudioAppend struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
	Audio   string `json:"audio"`
}

// NewAudioAppend builds an input_audio_buffer.append message. Frames carry no
// event id to keep the hot path allocation light.
func NewAudioAppend(audio string) AudioAppend {
	return AudioAppend{Type: EventInputAudioAppend, Audio: audio}
}

// ContentPart is one part of a conversation message.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ConversationItem is the item of a conversation.item.create message.
type ConversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

// ItemCreate is a conversation.item.create message.
type ItemCreate struct {
	Type    string           `json:"type"`
	EventID string           `json:"event_id,omitempty"`
	Item    ConversationItem `json:"item"`
}

// NewUserText injects a synthetic user turn.
func NewUserText(text string) ItemCreate {
	return ItemCreate{
		Type:    EventConversationCreate,
		EventID: NewEventID(),
		Item: ConversationItem{
			Type:    "message",
			Role:    "user",
			Content: []ContentPart{{Type: "input_text", Text: text}},
		},
	}
}

// NewFunctionOutput returns a tool result to the remote.
func NewFunctionOutput(callID, output string) ItemCreate {
	return ItemCreate{
		Type:    EventConversationCreate,
		EventID: NewEventID(),
		Item: ConversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	}
}

// Control is a message made of a type only, such as response.create.
type Control struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
}

// NewResponseCreate asks the remote to generate a response.
func NewResponseCreate() Control {
	return Control{Type: EventResponseCreate, EventID: NewEventID()}
}

// NewResponseCancel cancels the in-flight response.
func NewResponseCancel() Control {
	return Control{Type: EventResponseCancel, EventID: NewEventID()}
}

// NewEventID generates a client event id.
func NewEventID() string {
	return "evt_" + uuid.New().String()[:12]
}
