// Package app runs one realtime voice session from credential to teardown.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/rtcvoice/internal/audio"
	"github.com/1ureka/rtcvoice/internal/config"
	"github.com/1ureka/rtcvoice/internal/credential"
	"github.com/1ureka/rtcvoice/internal/dispatch"
	"github.com/1ureka/rtcvoice/internal/protocol"
	"github.com/1ureka/rtcvoice/internal/signaling"
	"github.com/1ureka/rtcvoice/internal/stt"
	"github.com/1ureka/rtcvoice/internal/transport"
	"github.com/1ureka/rtcvoice/internal/util"
)

// ErrTransportFailed is returned by Run when the connection fails or closes
// underneath an established session.
var ErrTransportFailed = errors.New("transport failed")

// InterruptNotice is printed when the session ends on an interrupt.
const InterruptNotice = "Interrupted by user. Exiting..."

// Transport is the session's peer connection as seen by the controller.
type Transport interface {
	signaling.Peer
	Messages() <-chan []byte
	Tracks() <-chan transport.InboundTrack
	States() <-chan transport.State
	AudioOut() audio.SampleWriter
	SendEvent(v any) error
	Ready() <-chan struct{}
	Done() <-chan struct{}
	Close() error
}

// TransportFactory builds the transport once a credential is in hand.
type TransportFactory func(ctx context.Context, opts transport.Options) (Transport, error)

// Controller wires the session components together. Create it with New and
// call Run once.
type Controller struct {
	cfg       config.Config
	out       io.Writer
	sessionID string

	client       *http.Client
	newTransport TransportFactory
	openSource   func(spec string, format audio.Format, frameSize int) (audio.Source, error)
	sinkOpener   audio.SinkOpener
	newEncoder   func(audio.Format) (audio.Encoder, error)
	newDecoder   func(audio.Format) (audio.Decoder, error)
}

// Option customizes a Controller.
type Option func(*Controller)

// WithHTTPClient sets the client used for the credential and negotiation
// requests.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Controller) { c.client = client }
}

// WithTransportFactory replaces the pion-backed transport.
func WithTransportFactory(f TransportFactory) Option {
	return func(c *Controller) { c.newTransport = f }
}

// WithSource supplies the capture source directly instead of opening the
// configured input device.
func WithSource(src audio.Source) Option {
	return func(c *Controller) {
		c.openSource = func(string, audio.Format, int) (audio.Source, error) { return src, nil }
	}
}

// WithSinkOpener replaces the configured output device.
func WithSinkOpener(open audio.SinkOpener) Option {
	return func(c *Controller) { c.sinkOpener = open }
}

// WithCodecs replaces the opus encoder and decoder constructors.
func WithCodecs(enc func(audio.Format) (audio.Encoder, error), dec func(audio.Format) (audio.Decoder, error)) Option {
	return func(c *Controller) {
		c.newEncoder = enc
		c.newDecoder = dec
	}
}

// New creates a controller for cfg writing conversation lines to out.
func New(cfg config.Config, out io.Writer, opts ...Option) *Controller {
	c := &Controller{
		cfg:       cfg,
		out:       out,
		sessionID: uuid.NewString(),
		client:    http.DefaultClient,
		newTransport: func(ctx context.Context, opts transport.Options) (Transport, error) {
			return transport.New(ctx, opts)
		},
		openSource: audio.OpenSource,
		sinkOpener: audio.NewSinkOpener(cfg.Audio.Output),
		newEncoder: func(f audio.Format) (audio.Encoder, error) { return audio.NewOpusEncoder(f) },
		newDecoder: func(f audio.Format) (audio.Decoder, error) { return audio.NewOpusDecoder(f) },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SessionID identifies this run in logs and on the STT handshake.
func (c *Controller) SessionID() string { return c.sessionID }

// Run performs the handshake and keeps the session alive until ctx is
// cancelled or the transport fails. An interrupt is a clean exit and
// returns nil; startup failures return the error of the failing step.
func (c *Controller) Run(ctx context.Context) error {
	util.LogDebug("session %s starting", c.sessionID)

	// ── 1. Credential ──────────────────────────────────────────────────
	cred, err := c.fetchCredential(ctx)
	if err != nil {
		if ctx.Err() != nil {
			c.notice()
			return nil
		}
		return err
	}
	util.LogSuccess("credential obtained (%s)", cred)

	// ── 2. Capture device ──────────────────────────────────────────────
	src, enc := c.openCapture()

	// ── 3. Transport ───────────────────────────────────────────────────
	tr, err := c.newTransport(ctx, transport.Options{
		STUNServer: c.cfg.STUNServerURL,
		AudioOut:   src != nil,
	})
	if err != nil {
		if src != nil {
			src.Close()
		}
		return fmt.Errorf("failed to create transport: %w", err)
	}

	s := newSession(ctx, c, tr, src)

	// ── 4. Loops ───────────────────────────────────────────────────────
	s.start()

	// ── 5. Negotiation ─────────────────────────────────────────────────
	neg := signaling.NewNegotiator(tr, c.client, c.cfg.NegotiationURL(), c.cfg.Timeouts.Negotiation.Std())
	if err := neg.Negotiate(s.ctx, cred); err != nil {
		s.teardown()
		if ctx.Err() != nil {
			c.notice()
			return nil
		}
		return err
	}
	util.LogSuccess("session negotiated, waiting for the connection")

	// ── 6. Capture and transcription ───────────────────────────────────
	if src != nil {
		s.startCapture(enc)
	}

	// ── 7. Supervise ───────────────────────────────────────────────────
	err = s.wait()
	s.teardown()
	if err == nil {
		c.notice()
	}
	return err
}

func (c *Controller) fetchCredential(ctx context.Context) (credential.Credential, error) {
	if d := c.cfg.Timeouts.Credential.Std(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	return credential.Fetch(ctx, c.client, c.cfg.SessionEndpoint)
}

// openCapture opens the input device and its encoder. Any failure leaves
// the session receive-only.
func (c *Controller) openCapture() (audio.Source, audio.Encoder) {
	format := audio.Format{SampleRate: c.cfg.Audio.SampleRate, Channels: c.cfg.Audio.ChannelCount}

	src, err := c.openSource(c.cfg.Audio.Input, format, c.cfg.Audio.FrameSize)
	if err != nil {
		util.LogWarning("%v; continuing without microphone", err)
		return nil, nil
	}
	if src == nil {
		util.LogInfo("no capture device, session is receive-only")
		return nil, nil
	}

	enc, err := c.newEncoder(format)
	if err != nil {
		util.LogWarning("failed to create encoder for %s: %v; continuing without microphone", format, err)
		src.Close()
		return nil, nil
	}
	return src, enc
}

func (c *Controller) notice() {
	fmt.Fprintln(c.out, InterruptNotice)
}

// ---------------------------------------------------------------------------
// Session
// ---------------------------------------------------------------------------

// session owns the workers of one Run. Every worker is joined by teardown.
type session struct {
	c    *Controller
	tr   Transport
	src  audio.Source
	disp *dispatch.Dispatcher

	ctx    context.Context
	cancel context.CancelFunc
	parent context.Context
	wg     sync.WaitGroup

	failed     chan struct{}
	failOnce   sync.Once
	transcribe *stt.Client

	teardownOnce sync.Once
}

func newSession(parent context.Context, c *Controller, tr Transport, src audio.Source) *session {
	ctx, cancel := context.WithCancel(parent)
	return &session{
		c:      c,
		tr:     tr,
		src:    src,
		disp:   dispatch.New(c.out, dispatch.WithVerbose(c.cfg.Verbose)),
		ctx:    ctx,
		cancel: cancel,
		parent: parent,
		failed: make(chan struct{}),
	}
}

func (s *session) start() {
	s.goWorker(s.eventLoop)
	s.goWorker(s.stateLoop)
	s.goWorker(s.trackLoop)
	s.goWorker(s.configure)
	s.goWorker(func() { util.RunStatsReporter(s.ctx) })
}

func (s *session) goWorker(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// fail marks the transport as failed. Only the first call has an effect.
func (s *session) fail() {
	s.failOnce.Do(func() { close(s.failed) })
}

// wait blocks until the session ends. It returns nil for an interrupt.
func (s *session) wait() error {
	select {
	case <-s.parent.Done():
		return nil
	case <-s.failed:
		return ErrTransportFailed
	case <-s.tr.Done():
		if s.parent.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w: connection closed by peer", ErrTransportFailed)
	}
}

// teardown stops every worker and releases the transport and devices.
func (s *session) teardown() {
	s.teardownOnce.Do(func() {
		s.cancel()
		if s.src != nil {
			if err := s.src.Close(); err != nil {
				util.LogDebug("closing capture device: %v", err)
			}
		}
		if s.transcribe != nil {
			s.transcribe.Close()
		}
		if err := s.tr.Close(); err != nil {
			util.LogDebug("closing transport: %v", err)
		}
		s.wg.Wait()
		util.LogDebug("session %s closed", s.c.sessionID)
	})
}

// eventLoop hands inbound events to the dispatcher in arrival order.
func (s *session) eventLoop() {
	for {
		select {
		case msg := <-s.tr.Messages():
			s.disp.Dispatch(msg)
		case <-s.ctx.Done():
			return
		}
	}
}

// stateLoop watches connection state changes for failure.
func (s *session) stateLoop() {
	for {
		select {
		case state := <-s.tr.States():
			switch state {
			case transport.StateConnected:
				util.LogSuccess("connected")
			case transport.StateFailed:
				util.LogError("connection failed")
				s.fail()
				return
			default:
				util.LogDebug("connection %s", state)
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// trackLoop starts a playback worker for every inbound audio track.
func (s *session) trackLoop() {
	for {
		select {
		case track := <-s.tr.Tracks():
			s.goWorker(func() { s.play(track) })
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *session) play(track transport.InboundTrack) {
	format := audio.Format{SampleRate: track.ClockRate(), Channels: track.Channels()}
	dec, err := s.c.newDecoder(format)
	if err != nil {
		util.LogWarning("cannot decode track %s (%s): %v", track.ID(), format, err)
		return
	}

	pb := audio.NewPlayback(s.c.sinkOpener)
	if err := audio.Play(track, dec, pb); err != nil && s.ctx.Err() == nil {
		util.LogWarning("playback of track %s ended: %v", track.ID(), err)
	}
}

// configure sends the session overrides once the events channel opens.
func (s *session) configure() {
	update, ok := protocol.NewSessionUpdate(s.c.cfg.Session.Instructions, s.c.cfg.Session.Voice)
	if !ok {
		return
	}

	select {
	case <-s.tr.Ready():
	case <-s.ctx.Done():
		return
	}

	if err := s.tr.SendEvent(update); err != nil && s.ctx.Err() == nil {
		util.LogWarning("failed to send %s: %v", update.Type, err)
	}
}

// startCapture connects the optional transcriber and streams the microphone
// onto the outbound track.
func (s *session) startCapture(enc audio.Encoder) {
	var tap func(audio.Frame)

	if url := s.c.cfg.STT.URL; url != "" {
		dialCtx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
		client, err := stt.Dial(dialCtx, url, s.c.sessionID)
		cancel()
		if err != nil {
			util.LogWarning("%v; continuing without transcription", err)
		} else {
			s.transcribe = client
			tap = func(f audio.Frame) { client.SendFrame(f) }
			s.goWorker(func() { s.transcriptLoop(client) })
		}
	}

	out := s.tr.AudioOut()
	if out == nil {
		util.LogWarning("transport has no outbound audio track")
		return
	}

	s.goWorker(func() {
		if err := audio.Capture(s.ctx, s.src, enc, out, tap); err != nil && s.ctx.Err() == nil {
			util.LogWarning("capture stopped: %v", err)
		}
	})
}

// transcriptLoop prints final transcripts as the user's lines.
func (s *session) transcriptLoop(client *stt.Client) {
	for t := range client.Transcripts() {
		if t.Final {
			s.disp.Say("user", t.Text)
		}
	}
}
