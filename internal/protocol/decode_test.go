package protocol

import (
	"errors"
	"reflect"
	"testing"
)

func TestDecodeVariants(t *testing.T) {
	testCases := []struct {
		name string
		raw  string
		want Event
	}{
		{
			name: "text delta",
			raw:  `{"type":"response.text.delta","text":"Hello","role":"assistant"}`,
			want: TranscriptDelta{Type: TypeTextDelta, Text: "Hello", Role: "assistant"},
		},
		{
			name: "audio transcript delta without role",
			raw:  `{"type":"response.audio_transcript.delta","text":" hi "}`,
			want: TranscriptDelta{Type: TypeAudioTranscriptDelta, Text: " hi "},
		},
		{
			name: "input transcript",
			raw:  `{"type":"input.audio_transcript.delta","text":"what time is it"}`,
			want: InputTranscriptDelta{Text: "what time is it"},
		},
		{
			name: "session created",
			raw:  `{"type":"session.created","session":{"id":"s"}}`,
			want: SessionStatus{Type: TypeSessionCreated},
		},
		{
			name: "error with top-level message",
			raw:  `{"type":"error","message":"bad"}`,
			want: ErrorEvent{Type: TypeError, Message: "bad"},
		},
		{
			name: "error with nested message",
			raw:  `{"type":"error","error":{"message":"nested"}}`,
			want: ErrorEvent{Type: TypeError, Message: "nested"},
		},
		{
			name: "invalid request error",
			raw:  `{"type":"invalid_request_error","message":"nope"}`,
			want: ErrorEvent{Type: TypeInvalidRequestError, Message: "nope"},
		},
		{
			name: "message status",
			raw:  `{"type":"message_status","status":"delivered"}`,
			want: MessageStatus{Status: "delivered"},
		},
		{
			name: "speech started",
			raw:  `{"type":"input_audio_buffer.speech_started"}`,
			want: SpeechStarted{},
		},
		{
			name: "speech stopped",
			raw:  `{"type":"input_audio_buffer.speech_stopped"}`,
			want: SpeechStopped{},
		},
		{
			name: "audio delta",
			raw:  `{"type":"response.audio.delta","delta":"AAAA"}`,
			want: AudioDelta{Delta: "AAAA"},
		},
		{
			name: "function arguments",
			raw:  `{"type":"response.function_call_arguments.delta","arguments":"{\"q\""}`,
			want: FunctionCallArgumentsDelta{Arguments: `{"q"`},
		},
		{
			name: "function arguments via delta",
			raw:  `{"type":"response.function_call_arguments.delta","delta":"1}"}`,
			want: FunctionCallArgumentsDelta{Arguments: "1}"},
		},
		{
			name: "wrongly typed text field is tolerated",
			raw:  `{"type":"response.text.delta","text":42}`,
			want: TranscriptDelta{Type: TypeTextDelta},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode([]byte(tc.raw))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("Decode = %#v, want %#v", got, tc.want)
			}
		})
	}
}

func TestDecodeUnknown(t *testing.T) {
	testCases := []struct {
		name        string
		raw         string
		wantType    string
		wantHasType bool
	}{
		{"unrecognized type", `{"type":"rate_limits.updated"}`, "rate_limits.updated", true},
		{"missing type", `{"text":"orphan"}`, "", false},
		{"numeric type", `{"type":7}`, "7", true},
		{"array document", `[1,2,3]`, "", false},
		{"null document", `null`, "", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode([]byte(tc.raw))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			u, ok := got.(Unknown)
			if !ok {
				t.Fatalf("Decode = %T, want Unknown", got)
			}
			if u.Type != tc.wantType || u.HasType != tc.wantHasType {
				t.Errorf("Unknown = {Type:%q HasType:%v}, want {Type:%q HasType:%v}",
					u.Type, u.HasType, tc.wantType, tc.wantHasType)
			}
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	for _, raw := range []string{"not json", "", `{"type":`, "\xff\xfe"} {
		_, err := Decode([]byte(raw))
		var malformed *MalformedError
		if !errors.As(err, &malformed) {
			t.Errorf("Decode(%q) err = %v, want *MalformedError", raw, err)
		}
	}
}

func TestDecodeResponseDone(t *testing.T) {
	t.Run("function call", func(t *testing.T) {
		ev, err := Decode([]byte(`{"type":"response.done","response":{"output":[{"role":"assistant","type":"function_call","name":"lookup","arguments":"{\"q\":1}"}]}}`))
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		done := ev.(ResponseDone)
		if done.First == nil || !done.First.IsFunctionCall() {
			t.Fatalf("First = %+v, want function call", done.First)
		}
		if done.First.Name != "lookup" || done.First.Arguments != `{"q":1}` {
			t.Errorf("First = %+v", done.First)
		}
	})

	t.Run("only first output is kept", func(t *testing.T) {
		ev, _ := Decode([]byte(`{"type":"response.done","response":{"output":[{"text":"one"},{"text":"two"}]}}`))
		done := ev.(ResponseDone)
		if done.First == nil || done.First.Text != "one" {
			t.Errorf("First = %+v, want text one", done.First)
		}
	})

	t.Run("content parts", func(t *testing.T) {
		ev, _ := Decode([]byte(`{"type":"response.done","response":{"output":[{"role":"assistant","content":[{"type":"audio","transcript":"Hi"},{"type":"text","text":"there"}]}]}}`))
		done := ev.(ResponseDone)
		want := []ContentPart{{Type: "audio", Transcript: "Hi"}, {Type: "text", Text: "there"}}
		if !done.First.HasContent || !reflect.DeepEqual(done.First.Content, want) {
			t.Errorf("Content = %+v, want %+v", done.First.Content, want)
		}
	})

	t.Run("no output", func(t *testing.T) {
		ev, _ := Decode([]byte(`{"type":"response.done","response":{"status":"cancelled"}}`))
		done := ev.(ResponseDone)
		if done.First != nil {
			t.Errorf("First = %+v, want nil", done.First)
		}
		if string(done.Raw) != `{"status":"cancelled"}` {
			t.Errorf("Raw = %s", done.Raw)
		}
	})
}

func TestSender(t *testing.T) {
	for _, tc := range []struct{ role, want string }{
		{"user", "Client"},
		{"assistant", "Assistant"},
		{"", "Assistant"},
		{"system", "Assistant"},
		{"User", "Assistant"},
	} {
		if got := Sender(tc.role); got != tc.want {
			t.Errorf("Sender(%q) = %q, want %q", tc.role, got, tc.want)
		}
		// Resolution is idempotent for the same input.
		if Sender(tc.role) != Sender(tc.role) {
			t.Errorf("Sender(%q) not stable", tc.role)
		}
	}
}
