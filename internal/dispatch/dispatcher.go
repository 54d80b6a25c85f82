// Package dispatch routes decoded realtime events to handlers that print
// conversation lines.
package dispatch

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/1ureka/rtcvoice/internal/protocol"
	"github.com/1ureka/rtcvoice/internal/util"
)

// audioPreviewLen is how many base64 characters of an audio delta are shown.
const audioPreviewLen = 50

// Dispatcher classifies inbound messages and writes one timestamped line per
// handled event. It keeps no state between messages.
type Dispatcher struct {
	mu      sync.Mutex // serializes writes to out
	out     io.Writer
	now     func() time.Time
	verbose bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock overrides the reception-timestamp source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithVerbose logs every raw message at debug level before routing it.
func WithVerbose(v bool) Option {
	return func(d *Dispatcher) { d.verbose = v }
}

// New creates a dispatcher writing conversation lines to out.
func New(out io.Writer, opts ...Option) *Dispatcher {
	d := &Dispatcher{out: out, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch handles one raw data-channel message. It never panics on input
// and never returns an error: malformed or unknown messages produce a
// diagnostic line instead.
func (d *Dispatcher) Dispatch(raw []byte) {
	at := d.now()
	util.Stats.AddEvent()

	if d.verbose {
		util.LogDebug("event: %s", raw)
	}

	ev, err := protocol.Decode(raw)
	if err != nil {
		var malformed *protocol.MalformedError
		if errors.As(err, &malformed) {
			d.emit(at, "Received non-JSON message: %s", malformed.Raw)
			return
		}
		d.emit(at, "Unhandled message: %v", err)
		return
	}

	d.route(at, ev)
}

// Say prints a line attributed to role, for producers outside the event
// channel such as the speech-to-text add-on.
func (d *Dispatcher) Say(role, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	d.emit(d.now(), "%s: %s", protocol.Sender(role), text)
}

func (d *Dispatcher) route(at time.Time, ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.TranscriptDelta:
		if text := strings.TrimSpace(e.Text); text != "" {
			d.emit(at, "%s: %s", protocol.Sender(e.Role), text)
		}

	case protocol.InputTranscriptDelta:
		if text := strings.TrimSpace(e.Text); text != "" {
			d.emit(at, "Client: %s", text)
		}

	case protocol.ResponseDone:
		d.responseDone(at, e)

	case protocol.SessionStatus:
		d.emit(at, "Status: %s", e.Type)

	case protocol.ErrorEvent:
		d.emit(at, "Error: %s", e.Message)

	case protocol.MessageStatus:
		d.emit(at, "Message status: %s", e.Status)

	case protocol.SpeechStarted:
		d.emit(at, "Speech started detected.")

	case protocol.SpeechStopped:
		d.emit(at, "Speech stopped detected.")

	case protocol.AudioDelta:
		d.emit(at, "Audio delta received (base64 snippet): %s...", truncate(e.Delta, audioPreviewLen))

	case protocol.FunctionCallArgumentsDelta:
		d.emit(at, "Function call arguments delta: %s", e.Arguments)

	case protocol.Unknown:
		if !e.HasType {
			d.emit(at, "Unhandled message: (no type)")
			return
		}
		d.emit(at, "Unhandled message: %s", e.Type)

	default:
		d.emit(at, "Unhandled message: %s", ev.EventType())
	}
}

// responseDone considers only the first output entry. Precedence: function
// call, then direct text, then the content list, then the raw response.
func (d *Dispatcher) responseDone(at time.Time, e protocol.ResponseDone) {
	out := e.First
	if out == nil {
		return
	}
	sender := protocol.Sender(out.Role)

	switch {
	case out.IsFunctionCall():
		d.emit(at, "%s: Function call detected: %s with arguments: %s", sender, out.Name, out.Arguments)

	case out.Text != "":
		d.emit(at, "%s: %s", sender, out.Text)

	case out.HasContent:
		parts := make([]string, 0, len(out.Content))
		for _, p := range out.Content {
			if p.Transcript != "" {
				parts = append(parts, p.Transcript)
			} else {
				parts = append(parts, p.Text)
			}
		}
		if joined := strings.TrimSpace(strings.Join(parts, " ")); joined != "" {
			d.emit(at, "%s: %s", sender, joined)
		}

	default:
		d.emit(at, "%s: Response received: %s", sender, string(e.Raw))
	}
}

// emit writes one line prefixed with the reception time as unix seconds
// with millisecond precision.
func (d *Dispatcher) emit(at time.Time, format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	ts := float64(at.UnixMilli()) / 1000

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := fmt.Fprintf(d.out, "[%.3f] %s\n", ts, line); err != nil {
		util.LogWarning("failed to write conversation output: %v", err)
	}
}

// truncate returns at most n runes of s.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
