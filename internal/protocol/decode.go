package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MalformedError is returned by Decode when a message is not valid JSON.
// It is per-message and never fatal.
type MalformedError struct {
	Raw string
	Err error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("non-JSON message (%d bytes): %v", len(e.Raw), e.Err)
}

func (e *MalformedError) Unwrap() error { return e.Err }

// decoders is the total mapping from discriminant to variant constructor.
// Anything not listed becomes Unknown.
var decoders = map[string]func(typ string, f fields) Event{
	TypeAudioTranscriptDelta:       decodeTranscriptDelta,
	TypeTextDelta:                  decodeTranscriptDelta,
	TypeInputTranscriptDelta:       decodeInputTranscriptDelta,
	TypeResponseDone:               decodeResponseDone,
	TypeSessionCreated:             decodeSessionStatus,
	TypeSessionUpdated:             decodeSessionStatus,
	TypeInvalidRequestError:        decodeError,
	TypeError:                      decodeError,
	TypeMessageStatus:              decodeMessageStatus,
	TypeSpeechStarted:              decodeSpeechStarted,
	TypeSpeechStopped:              decodeSpeechStopped,
	TypeAudioDelta:                 decodeAudioDelta,
	TypeFunctionCallArgumentsDelta: decodeFunctionCallArgumentsDelta,
}

// Decode classifies one raw message. Invalid UTF-8 is replaced rather than
// rejected. It returns *MalformedError only when raw is not JSON; every
// valid JSON document yields an Event.
func Decode(raw []byte) (Event, error) {
	if !utf8.Valid(raw) {
		raw = []byte(strings.ToValidUTF8(string(raw), "\uFFFD"))
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &MalformedError{Raw: string(raw), Err: err}
	}

	f, ok := objectFields(raw)
	if !ok {
		// Valid JSON that is not an object has no discriminant.
		return Unknown{Raw: json.RawMessage(raw)}, nil
	}

	typ, hasType := f.strOK("type")
	if rawType, present := f["type"]; present && !hasType {
		// A non-string discriminant is reported verbatim.
		typ, hasType = string(rawType), true
	}
	decode, known := decoders[typ]
	if !hasType || !known {
		return Unknown{Type: typ, HasType: hasType, Raw: json.RawMessage(raw)}, nil
	}
	return decode(typ, f), nil
}

func decodeTranscriptDelta(typ string, f fields) Event {
	return TranscriptDelta{Type: typ, Text: f.str("text"), Role: f.str("role")}
}

func decodeInputTranscriptDelta(_ string, f fields) Event {
	return InputTranscriptDelta{Text: f.str("text")}
}

func decodeSessionStatus(typ string, _ fields) Event {
	return SessionStatus{Type: typ}
}

func decodeMessageStatus(_ string, f fields) Event {
	return MessageStatus{Status: f.str("status")}
}

func decodeSpeechStarted(string, fields) Event { return SpeechStarted{} }
func decodeSpeechStopped(string, fields) Event { return SpeechStopped{} }

func decodeAudioDelta(_ string, f fields) Event {
	return AudioDelta{Delta: f.str("delta")}
}

// decodeFunctionCallArgumentsDelta reads "arguments", falling back to the
// "delta" field used by newer service versions.
func decodeFunctionCallArgumentsDelta(_ string, f fields) Event {
	args, ok := f.strOK("arguments")
	if !ok {
		args = f.str("delta")
	}
	return FunctionCallArgumentsDelta{Arguments: args}
}

func decodeError(typ string, f fields) Event {
	msg, ok := f.strOK("message")
	if !ok {
		if nested, isObj := f.object("error"); isObj {
			msg = nested.str("message")
		}
	}
	return ErrorEvent{Type: typ, Message: msg}
}

func decodeResponseDone(_ string, f fields) Event {
	done := ResponseDone{Raw: f["response"]}

	resp, ok := f.object("response")
	if !ok {
		return done
	}
	output := resp.array("output")
	if len(output) == 0 {
		return done
	}

	first, ok := objectFields(output[0])
	if !ok {
		// A non-object entry carries none of the known fields.
		done.First = &OutputItem{}
		return done
	}

	item := &OutputItem{
		Type:      first.str("type"),
		Role:      first.str("role"),
		Name:      first.str("name"),
		Arguments: first.str("arguments"),
		Text:      first.str("text"),
	}
	for _, rawPart := range first.array("content") {
		item.HasContent = true
		part, ok := objectFields(rawPart)
		if !ok {
			item.Content = append(item.Content, ContentPart{})
			continue
		}
		item.Content = append(item.Content, ContentPart{
			Type:       part.str("type"),
			Text:       part.str("text"),
			Transcript: part.str("transcript"),
		})
	}
	done.First = item
	return done
}
