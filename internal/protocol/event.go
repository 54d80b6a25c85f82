// Package protocol defines the realtime event vocabulary carried on the
// "oai-events" data channel and decodes raw messages into typed events.
package protocol

import "encoding/json"

// Discriminants recognized on the inbound event channel.
const (
	TypeAudioTranscriptDelta       = "response.audio_transcript.delta"
	TypeTextDelta                  = "response.text.delta"
	TypeInputTranscriptDelta       = "input.audio_transcript.delta"
	TypeResponseDone               = "response.done"
	TypeSessionCreated             = "session.created"
	TypeSessionUpdated             = "session.updated"
	TypeInvalidRequestError        = "invalid_request_error"
	TypeError                      = "error"
	TypeMessageStatus              = "message_status"
	TypeSpeechStarted              = "input_audio_buffer.speech_started"
	TypeSpeechStopped              = "input_audio_buffer.speech_stopped"
	TypeAudioDelta                 = "response.audio.delta"
	TypeFunctionCallArgumentsDelta = "response.function_call_arguments.delta"
)

// Event is one decoded inbound message. The concrete type is selected by the
// message's "type" field; unrecognized or missing types decode to Unknown.
type Event interface {
	EventType() string
}

// TranscriptDelta is an incremental assistant transcript or text fragment
// (response.audio_transcript.delta, response.text.delta).
type TranscriptDelta struct {
	Type string
	Text string
	Role string
}

// InputTranscriptDelta is an incremental transcript of the user's audio.
type InputTranscriptDelta struct {
	Text string
}

// ResponseDone is the terminal structured response. Only the first output
// entry is kept; Raw holds the whole "response" object for the fallback.
type ResponseDone struct {
	First *OutputItem // nil when the output list is absent or empty
	Raw   json.RawMessage
}

// OutputItem is one entry of response.output.
type OutputItem struct {
	Type      string
	Role      string
	Name      string
	Arguments string
	Text      string
	Content   []ContentPart
	// HasContent is true when "content" was present as a non-empty list.
	HasContent bool
}

// ContentPart is one element of an output item's content list.
type ContentPart struct {
	Type       string
	Text       string
	Transcript string
}

// SessionStatus marks session.created / session.updated.
type SessionStatus struct {
	Type string
}

// ErrorEvent carries an error message from the service.
type ErrorEvent struct {
	Type    string
	Message string
}

// MessageStatus reports delivery status.
type MessageStatus struct {
	Status string
}

// SpeechStarted and SpeechStopped are voice-activity markers.
type SpeechStarted struct{}
type SpeechStopped struct{}

// AudioDelta is a base64 audio payload fragment.
type AudioDelta struct {
	Delta string
}

// FunctionCallArgumentsDelta is incremental function-call argument text.
type FunctionCallArgumentsDelta struct {
	Arguments string
}

// Unknown is any message whose discriminant is absent or not recognized.
type Unknown struct {
	Type    string
	HasType bool
	Raw     json.RawMessage
}

func (e TranscriptDelta) EventType() string          { return e.Type }
func (InputTranscriptDelta) EventType() string       { return TypeInputTranscriptDelta }
func (ResponseDone) EventType() string               { return TypeResponseDone }
func (e SessionStatus) EventType() string            { return e.Type }
func (e ErrorEvent) EventType() string               { return e.Type }
func (MessageStatus) EventType() string              { return TypeMessageStatus }
func (SpeechStarted) EventType() string              { return TypeSpeechStarted }
func (SpeechStopped) EventType() string              { return TypeSpeechStopped }
func (AudioDelta) EventType() string                 { return TypeAudioDelta }
func (FunctionCallArgumentsDelta) EventType() string { return TypeFunctionCallArgumentsDelta }
func (e Unknown) EventType() string                  { return e.Type }

// IsFunctionCall reports whether the item is a function call.
func (o OutputItem) IsFunctionCall() bool { return o.Type == "function_call" }

// Sender maps a role to the label shown in conversation output: "user" is
// the Client, everything else (including no role) is the Assistant.
func Sender(role string) string {
	if role == "user" {
		return "Client"
	}
	return "Assistant"
}
