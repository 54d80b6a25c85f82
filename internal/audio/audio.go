// Package audio bridges local PCM16 devices to the session's audio tracks.
//
// The capture path pulls frames from a Source, opus-encodes them and writes
// samples to the outbound track. The playback path decodes inbound track
// payloads and hands each frame to a Playback, which opens its Sink lazily
// from the first frame's format.
package audio

import (
	"context"
	"fmt"
	"time"
)

// Format is the layout of a PCM16 frame.
type Format struct {
	SampleRate int
	Channels   int
}

func (f Format) String() string {
	return fmt.Sprintf("%d Hz/%d ch", f.SampleRate, f.Channels)
}

// Frame is one chunk of interleaved signed 16-bit samples.
type Frame struct {
	Samples   []int16
	Format    Format
	Timestamp time.Time
}

// SamplesPerChannel returns the frame length in samples per channel.
func (f Frame) SamplesPerChannel() int {
	if f.Format.Channels <= 0 {
		return 0
	}
	return len(f.Samples) / f.Format.Channels
}

// Duration returns the playback duration of the frame.
func (f Frame) Duration() time.Duration {
	if f.Format.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.SamplesPerChannel()) * time.Second / time.Duration(f.Format.SampleRate)
}

// Source produces outbound frames. ReadFrame blocks until a full frame is
// available; Close unblocks a pending read.
type Source interface {
	ReadFrame(ctx context.Context) (Frame, error)
	Close() error
}

// Sink consumes inbound frames.
type Sink interface {
	WriteFrame(Frame) error
	Close() error
}

// SinkOpener opens a sink for the given format. Playback calls it once, with
// the format of the first received frame.
type SinkOpener func(Format) (Sink, error)

// DeviceError reports an unavailable audio device. The session continues
// without the affected direction.
type DeviceError struct {
	Direction string // "capture" or "playback"
	Spec      string
	Err       error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s device %q unavailable: %v", e.Direction, e.Spec, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }
