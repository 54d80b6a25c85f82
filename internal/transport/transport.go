package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcvoice/internal/audio"
	"github.com/1ureka/rtcvoice/internal/util"
)

// Options configures a Transport.
type Options struct {
	// STUNServer is an optional stun: or stuns: URL.
	STUNServer string
	// AudioOut adds a send/receive audio track. Without it the transport
	// only receives audio.
	AudioOut bool
}

// InboundTrack is a remote audio track.
type InboundTrack interface {
	ID() string
	ClockRate() int
	Channels() int
	// ReadPayload returns the payload of the next RTP packet. It fails once
	// the track ends.
	ReadPayload() ([]byte, error)
}

// Transport wraps the session's PeerConnection, its events DataChannel and
// the audio tracks.
//
// pion callbacks never reach into the caller. They push onto the Messages,
// Tracks and States channels, which the caller drains from its own
// goroutines. Pushes give up once the transport is closed, so the channels
// need not be drained after Close.
type Transport struct {
	pc       *webrtc.PeerConnection
	dc       *webrtc.DataChannel
	audioOut *webrtc.TrackLocalStaticSample

	sender     *sender
	openSignal chan struct{}

	messages chan []byte
	tracks   chan InboundTrack
	states   chan State

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	state State

	closeOnce sync.Once
	closeErr  error
}

// New creates a Transport with its events channel and audio transceiver in
// place, ready for an offer to be created. The transport lives until Close
// is called, the events channel closes, or ctx is cancelled.
func New(ctx context.Context, opts Options) (*Transport, error) {
	pc, err := newPeerConnection(opts.STUNServer)
	if err != nil {
		return nil, err
	}

	dc, err := newEventsChannel(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	tCtx, tCancel := context.WithCancel(ctx)

	t := &Transport{
		pc:         pc,
		dc:         dc,
		openSignal: make(chan struct{}),
		messages:   make(chan []byte, 64),
		tracks:     make(chan InboundTrack, 4),
		states:     make(chan State, 16),
		ctx:        tCtx,
		cancel:     tCancel,
		state:      StateNew,
	}

	if opts.AudioOut {
		track, rtpSender, err := newAudioTrack(pc)
		if err != nil {
			t.abort()
			return nil, err
		}
		t.audioOut = track

		// RTCP has to be read for the interceptors to run.
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			buf := make([]byte, 1500)
			for {
				if _, _, err := rtpSender.Read(buf); err != nil {
					return
				}
			}
		}()
	} else if err := addReceiveOnlyAudio(pc); err != nil {
		t.abort()
		return nil, err
	}

	// DC open gate.
	var openOnce sync.Once
	dc.OnOpen(func() {
		util.LogDebug("DataChannel %q open", dc.Label())
		openOnce.Do(func() { close(t.openSignal) })
	})

	// DC close → cancel transport context.
	dc.OnClose(func() {
		util.LogDebug("DataChannel %q closed", dc.Label())
		tCancel()
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case t.messages <- msg.Data:
		case <-tCtx.Done():
		}
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			util.LogDebug("ignoring remote %s track %s", remote.Kind(), remote.ID())
			return
		}
		util.LogDebug("remote audio track %s (%s)", remote.ID(), remote.Codec().MimeType)
		select {
		case t.tracks <- remoteTrack{remote}:
		case <-tCtx.Done():
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", s.String())
		state := stateOf(s)
		t.mu.Lock()
		t.state = state
		t.mu.Unlock()
		select {
		case t.states <- state:
		case <-tCtx.Done():
		}
	})

	t.sender = newSender(tCtx, dc, t.openSignal, &t.wg)

	return t, nil
}

// abort releases a partially built transport.
func (t *Transport) abort() {
	t.cancel()
	t.pc.Close()
	t.wg.Wait()
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Ready returns a channel that is closed when the events channel opens.
func (t *Transport) Ready() <-chan struct{} {
	return t.openSignal
}

// Done returns a channel that is closed when the transport shuts down.
func (t *Transport) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Close shuts down the DataChannel and PeerConnection and waits for the
// transport's own goroutines. Inbound tracks end as a result. Close is
// idempotent.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		t.closeErr = errors.Join(t.dc.Close(), t.pc.Close())
		t.wg.Wait()
	})
	return t.closeErr
}

// State returns the last observed connection state.
func (t *Transport) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// ---------------------------------------------------------------------------
// Negotiation
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer.
func (t *Transport) CreateOffer() (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(nil)
}

// SetLocalDescription applies the local SDP and starts ICE gathering.
func (t *Transport) SetLocalDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(desc)
}

// GatheringComplete returns a channel closed when ICE gathering finishes.
// It must be called before SetLocalDescription.
func (t *Transport) GatheringComplete() <-chan struct{} {
	return webrtc.GatheringCompletePromise(t.pc)
}

// LocalDescription returns the local SDP including gathered candidates.
func (t *Transport) LocalDescription() *webrtc.SessionDescription {
	return t.pc.LocalDescription()
}

// SetRemoteDescription applies the remote SDP.
func (t *Transport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(desc)
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// Messages delivers inbound events-channel messages in arrival order.
func (t *Transport) Messages() <-chan []byte { return t.messages }

// Tracks delivers remote audio tracks as they arrive.
func (t *Transport) Tracks() <-chan InboundTrack { return t.tracks }

// States delivers connection state changes.
func (t *Transport) States() <-chan State { return t.states }

// AudioOut returns the outbound audio track, or nil when the transport was
// built without one.
func (t *Transport) AudioOut() audio.SampleWriter {
	if t.audioOut == nil {
		return nil
	}
	return t.audioOut
}

// SendEvent JSON-encodes v and queues it on the events channel. Queued
// events are sent once the channel opens.
func (t *Transport) SendEvent(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.sender.send(t.ctx, data)
}
