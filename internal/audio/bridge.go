package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/1ureka/rtcvoice/internal/util"
)

// ErrPlaybackClosed is returned by Accept after Close.
var ErrPlaybackClosed = errors.New("playback closed")

// SampleWriter is the outbound audio track.
type SampleWriter interface {
	WriteSample(media.Sample) error
}

// PayloadReader yields the encoded payload of each packet received on an
// inbound track. It returns io.EOF (or another error) when the track ends.
type PayloadReader interface {
	ReadPayload() ([]byte, error)
}

// ---------------------------------------------------------------------------
// Capture path
// ---------------------------------------------------------------------------

// Capture pulls frames from src, encodes them and writes them to track until
// ctx is cancelled or the source ends. tap, when non-nil, sees every frame
// before it is encoded. There is no queue between the device and the track:
// a slow track blocks the device read.
func Capture(ctx context.Context, src Source, enc Encoder, track SampleWriter, tap func(Frame)) error {
	for {
		frame, err := src.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}

		if tap != nil {
			tap(frame)
		}

		payload, err := enc.Encode(frame)
		if err != nil {
			util.LogDebug("dropping capture frame: %v", err)
			continue
		}

		if err := track.WriteSample(media.Sample{Data: payload, Duration: frame.Duration()}); err != nil {
			if ctx.Err() != nil || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
		util.Stats.AddSent(len(payload))
	}
}

// ---------------------------------------------------------------------------
// Playback path
// ---------------------------------------------------------------------------

// Playback writes inbound frames to a sink opened from the first frame's
// format. Later frames go through the same sink even if their format
// differs. Close releases the sink exactly once.
type Playback struct {
	open SinkOpener

	mu       sync.Mutex
	sink     Sink
	format   Format
	started  bool // first frame seen
	disabled bool // no device, or the sink failed: frames are discarded
	closed   bool
	closeErr error
}

// NewPlayback creates a playback. A nil opener discards every frame.
func NewPlayback(open SinkOpener) *Playback {
	return &Playback{open: open}
}

// Accept handles one inbound frame. The first call opens the sink. An open
// failure or a failed write is returned once and later frames are dropped.
func (p *Playback) Accept(f Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPlaybackClosed
	}

	if !p.started {
		p.started = true
		p.format = f.Format
		if p.open == nil {
			p.disabled = true
			return nil
		}
		sink, err := p.open(f.Format)
		if err != nil {
			p.disabled = true
			return err
		}
		p.sink = sink
		util.LogDebug("playback sink opened (%s)", f.Format)
	}

	if p.disabled {
		return nil
	}
	if err := p.sink.WriteFrame(f); err != nil {
		p.disabled = true
		return fmt.Errorf("playback sink failed: %w", err)
	}
	return nil
}

// Format returns the format the sink was opened with, and whether a frame
// has been received yet.
func (p *Playback) Format() (Format, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.format, p.started
}

// Close releases the sink. It is safe to call more than once.
func (p *Playback) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return p.closeErr
	}
	p.closed = true
	if p.sink != nil {
		p.closeErr = p.sink.Close()
		p.sink = nil
	}
	return p.closeErr
}

// Play reads packets from r until the track ends, decoding each into a frame
// for pb. pb is closed on return whatever the outcome.
func Play(r PayloadReader, dec Decoder, pb *Playback) (err error) {
	defer func() {
		if cerr := pb.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	warned := false
	for {
		payload, rerr := r.ReadPayload()
		if rerr != nil {
			if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrClosedPipe) {
				return nil
			}
			return rerr
		}
		if len(payload) == 0 {
			continue
		}

		frame, derr := dec.Decode(payload)
		if derr != nil {
			util.LogDebug("dropping inbound packet: %v", derr)
			continue
		}
		util.Stats.AddRecv(len(payload))

		if aerr := pb.Accept(frame); aerr != nil {
			if errors.Is(aerr, ErrPlaybackClosed) {
				return aerr
			}
			// The track is still drained so the remote side is not stalled.
			if !warned {
				util.LogWarning("%v; continuing without playback", aerr)
				warned = true
			}
		}
	}
}
