package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/1ureka/rtcvoice/internal/audio"
	"github.com/1ureka/rtcvoice/internal/config"
	"github.com/1ureka/rtcvoice/internal/credential"
	"github.com/1ureka/rtcvoice/internal/signaling"
	"github.com/1ureka/rtcvoice/internal/stt"
	"github.com/1ureka/rtcvoice/internal/transport"
)

const answerSDP = "v=0\r\no=- 2 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=audio 9 UDP/TLS/RTP/SAVPF 111\r\n"

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// syncBuffer is a goroutine-safe output sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// fakeTransport is an in-memory Transport. Tests push onto its channels to
// simulate the remote side.
type fakeTransport struct {
	opts transport.Options

	messages chan []byte
	tracks   chan transport.InboundTrack
	states   chan transport.State
	ready    chan struct{}
	done     chan struct{}
	out      *sampleRecorder

	mu     sync.Mutex
	local  *webrtc.SessionDescription
	remote *webrtc.SessionDescription
	sent   []any
	closes int
}

func newFakeTransport(opts transport.Options) *fakeTransport {
	return &fakeTransport{
		opts:     opts,
		messages: make(chan []byte, 8),
		tracks:   make(chan transport.InboundTrack, 1),
		states:   make(chan transport.State, 4),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
		out:      &sampleRecorder{},
	}
}

func (f *fakeTransport) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}, nil
}

func (f *fakeTransport) GatheringComplete() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (f *fakeTransport) SetLocalDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.local = &d
	return nil
}

func (f *fakeTransport) LocalDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.local
}

func (f *fakeTransport) SetRemoteDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote = &d
	close(f.ready)
	return nil
}

func (f *fakeTransport) Messages() <-chan []byte               { return f.messages }
func (f *fakeTransport) Tracks() <-chan transport.InboundTrack { return f.tracks }
func (f *fakeTransport) States() <-chan transport.State        { return f.states }
func (f *fakeTransport) Ready() <-chan struct{}                { return f.ready }
func (f *fakeTransport) Done() <-chan struct{}                 { return f.done }

func (f *fakeTransport) AudioOut() audio.SampleWriter {
	if !f.opts.AudioOut {
		return nil
	}
	return f.out
}

func (f *fakeTransport) SendEvent(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closes == 0 {
		close(f.done)
	}
	f.closes++
	return nil
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// fakeTrack yields its payloads and then blocks until the transport closes.
type fakeTrack struct {
	payloads [][]byte
	done     <-chan struct{}
}

func (t *fakeTrack) ID() string     { return "remote-audio" }
func (t *fakeTrack) ClockRate() int { return 48000 }
func (t *fakeTrack) Channels() int  { return 2 }

func (t *fakeTrack) ReadPayload() ([]byte, error) {
	if len(t.payloads) > 0 {
		p := t.payloads[0]
		t.payloads = t.payloads[1:]
		return p, nil
	}
	<-t.done
	return nil, io.EOF
}

type stubDecoder struct{ format audio.Format }

func (d stubDecoder) Decode(p []byte) (audio.Frame, error) {
	return audio.Frame{Samples: make([]int16, d.format.Channels), Format: d.format}, nil
}

type stubEncoder struct{}

func (stubEncoder) Encode(f audio.Frame) ([]byte, error) {
	return []byte{byte(len(f.Samples))}, nil
}

// sampleRecorder stands in for the outbound track.
type sampleRecorder struct {
	mu      sync.Mutex
	samples []media.Sample
}

func (r *sampleRecorder) WriteSample(s media.Sample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, s)
	return nil
}

func (r *sampleRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples)
}

// frameSource yields its frames and then blocks until closed or cancelled.
type frameSource struct {
	mu     sync.Mutex
	frames []audio.Frame
	closes int
	closed chan struct{}
}

func newFrameSource(n int) *frameSource {
	format := audio.Format{SampleRate: 48000, Channels: 1}
	src := &frameSource{closed: make(chan struct{})}
	for i := 0; i < n; i++ {
		src.frames = append(src.frames, audio.Frame{Samples: make([]int16, 960), Format: format})
	}
	return src
}

func (s *frameSource) ReadFrame(ctx context.Context) (audio.Frame, error) {
	s.mu.Lock()
	if len(s.frames) > 0 {
		f := s.frames[0]
		s.frames = s.frames[1:]
		s.mu.Unlock()
		return f, nil
	}
	s.mu.Unlock()

	select {
	case <-s.closed:
		return audio.Frame{}, io.ErrClosedPipe
	case <-ctx.Done():
		return audio.Frame{}, ctx.Err()
	}
}

func (s *frameSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closes == 0 {
		close(s.closed)
	}
	s.closes++
	return nil
}

func (s *frameSource) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

type recordingSink struct {
	mu     sync.Mutex
	frames int
	closes int
}

func (s *recordingSink) WriteFrame(audio.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// endpoints serves the credential and negotiation endpoints.
func endpoints(t *testing.T, credStatus, negStatus int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(credStatus)
		_, _ = io.WriteString(w, `{"client_secret":{"value":"ek_test"}}`)
	})
	mux.HandleFunc("/realtime", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer ek_test" {
			t.Errorf("Authorization = %q", got)
		}
		w.WriteHeader(negStatus)
		_, _ = io.WriteString(w, answerSDP)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// transcriber serves the STT websocket. It reports the first audio
// message, answers with a partial and a final transcript and signals when
// the client hangs up.
func transcriber(t *testing.T, sessionID *string, gotAudio chan<- int, hungUp chan<- struct{}) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get(stt.SessionHeader); got != *sessionID {
			t.Errorf("%s = %q, want %q", stt.SessionHeader, got, *sessionID)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		defer close(hungUp)

		kind, data, err := conn.ReadMessage()
		if err != nil {
			t.Errorf("read: %v", err)
			return
		}
		if kind != websocket.BinaryMessage {
			t.Errorf("message type = %d, want binary", kind)
		}
		gotAudio <- len(data)

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"text":"turn","final":false}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"text":"turn on the lights","final":true}`))

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(srv *httptest.Server) config.Config {
	cfg := config.Default()
	cfg.SessionEndpoint = srv.URL + "/session"
	cfg.NegotiationEndpoint = srv.URL + "/realtime"
	cfg.STUNServerURL = ""
	cfg.Timeouts.Credential = config.Duration(2 * time.Second)
	cfg.Timeouts.Negotiation = config.Duration(2 * time.Second)
	return cfg
}

type harness struct {
	out     *syncBuffer
	built   atomic.Int32
	tr      *fakeTransport
	trReady chan struct{}
}

func newHarness() *harness {
	return &harness{out: &syncBuffer{}, trReady: make(chan struct{})}
}

func (h *harness) factory(_ context.Context, opts transport.Options) (Transport, error) {
	h.built.Add(1)
	h.tr = newFakeTransport(opts)
	close(h.trReady)
	return h.tr, nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func runAsync(ctx context.Context, c *Controller) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()
	return errCh
}

func result(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestCredentialFailureAbortsBeforeTransport(t *testing.T) {
	srv := endpoints(t, http.StatusInternalServerError, http.StatusCreated)
	h := newHarness()
	c := New(testConfig(srv), h.out, WithHTTPClient(srv.Client()), WithTransportFactory(h.factory))

	err := c.Run(context.Background())

	var credErr *credential.Error
	if !errors.As(err, &credErr) {
		t.Fatalf("Run = %v, want *credential.Error", err)
	}
	if credErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want 500", credErr.StatusCode)
	}
	if n := h.built.Load(); n != 0 {
		t.Errorf("transport built %d times, want 0", n)
	}
}

func TestNegotiationFailureClosesTransport(t *testing.T) {
	srv := endpoints(t, http.StatusOK, http.StatusBadRequest)
	h := newHarness()
	c := New(testConfig(srv), h.out, WithHTTPClient(srv.Client()), WithTransportFactory(h.factory))

	err := c.Run(context.Background())

	var negErr *signaling.NegotiationError
	if !errors.As(err, &negErr) || negErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("Run = %v, want *signaling.NegotiationError with status 400", err)
	}
	if h.tr.closeCount() != 1 {
		t.Errorf("transport closed %d times, want 1", h.tr.closeCount())
	}
}

func TestInterruptEndsSessionCleanly(t *testing.T) {
	srv := endpoints(t, http.StatusOK, http.StatusCreated)
	h := newHarness()
	cfg := testConfig(srv)
	cfg.Session.Instructions = "Be brief."
	c := New(cfg, h.out, WithHTTPClient(srv.Client()), WithTransportFactory(h.factory))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := runAsync(ctx, c)

	<-h.trReady
	if h.tr.opts.AudioOut {
		t.Error("transport built with an outbound track although no input device is configured")
	}
	h.tr.messages <- []byte(`{"type":"response.audio_transcript.delta","text":"Hello"}`)
	h.tr.messages <- []byte(`not json`)

	waitFor(t, "dispatched lines", func() bool {
		return strings.Contains(h.out.String(), "Received non-JSON message: not json")
	})
	out := h.out.String()
	if !strings.Contains(out, "] Assistant: Hello\n") {
		t.Errorf("output missing assistant line:\n%s", out)
	}
	if strings.Index(out, "Assistant: Hello") > strings.Index(out, "non-JSON") {
		t.Errorf("events printed out of order:\n%s", out)
	}

	waitFor(t, "session.update", func() bool {
		h.tr.mu.Lock()
		defer h.tr.mu.Unlock()
		return len(h.tr.sent) == 1
	})
	h.tr.mu.Lock()
	sent, _ := json.Marshal(h.tr.sent[0])
	h.tr.mu.Unlock()
	if want := `{"type":"session.update","session":{"instructions":"Be brief."}}`; string(sent) != want {
		t.Errorf("sent %s, want %s", sent, want)
	}

	cancel()
	if err := result(t, errCh); err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}
	if !strings.HasSuffix(h.out.String(), InterruptNotice+"\n") {
		t.Errorf("output does not end with the interrupt notice:\n%s", h.out.String())
	}
	if h.tr.closeCount() != 1 {
		t.Errorf("transport closed %d times, want 1", h.tr.closeCount())
	}
}

func TestFailedStateTearsDown(t *testing.T) {
	srv := endpoints(t, http.StatusOK, http.StatusCreated)
	h := newHarness()
	sink := &recordingSink{}
	c := New(testConfig(srv), h.out,
		WithHTTPClient(srv.Client()),
		WithTransportFactory(h.factory),
		WithSinkOpener(func(audio.Format) (audio.Sink, error) { return sink, nil }),
		WithCodecs(nil, func(f audio.Format) (audio.Decoder, error) { return stubDecoder{f}, nil }),
	)

	errCh := runAsync(context.Background(), c)

	<-h.trReady
	h.tr.tracks <- &fakeTrack{payloads: [][]byte{{1}, {2}}, done: h.tr.done}
	waitFor(t, "playback frames", func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.frames == 2
	})

	h.tr.states <- transport.StateConnected
	h.tr.states <- transport.StateFailed

	err := result(t, errCh)
	if !errors.Is(err, ErrTransportFailed) {
		t.Fatalf("Run = %v, want ErrTransportFailed", err)
	}
	if h.tr.closeCount() != 1 {
		t.Errorf("transport closed %d times, want 1", h.tr.closeCount())
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.closes != 1 {
		t.Errorf("playback sink closed %d times, want 1", sink.closes)
	}
	if strings.Contains(h.out.String(), InterruptNotice) {
		t.Error("interrupt notice printed on transport failure")
	}
}

func TestPeerCloseIsTransportFailure(t *testing.T) {
	srv := endpoints(t, http.StatusOK, http.StatusCreated)
	h := newHarness()
	c := New(testConfig(srv), h.out, WithHTTPClient(srv.Client()), WithTransportFactory(h.factory))

	errCh := runAsync(context.Background(), c)
	<-h.trReady
	waitFor(t, "negotiation", func() bool {
		h.tr.mu.Lock()
		defer h.tr.mu.Unlock()
		return h.tr.remote != nil
	})
	h.tr.Close()

	if err := result(t, errCh); !errors.Is(err, ErrTransportFailed) {
		t.Fatalf("Run = %v, want ErrTransportFailed", err)
	}
}

func TestCaptureDeviceFailureIsNotFatal(t *testing.T) {
	srv := endpoints(t, http.StatusOK, http.StatusCreated)
	h := newHarness()
	cfg := testConfig(srv)
	cfg.Audio.Input = "/nonexistent/dir/capture.pcm"
	c := New(cfg, h.out, WithHTTPClient(srv.Client()), WithTransportFactory(h.factory))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := runAsync(ctx, c)
	<-h.trReady
	if h.tr.opts.AudioOut {
		t.Error("outbound track requested without a working capture device")
	}
	cancel()
	if err := result(t, errCh); err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}
}

func TestCaptureStreamsMicrophoneAndTranscripts(t *testing.T) {
	srv := endpoints(t, http.StatusOK, http.StatusCreated)
	var sessionID string
	gotAudio := make(chan int, 1)
	hungUp := make(chan struct{})
	sttSrv := transcriber(t, &sessionID, gotAudio, hungUp)

	cfg := testConfig(srv)
	cfg.STT.URL = "ws" + strings.TrimPrefix(sttSrv.URL, "http")

	h := newHarness()
	src := newFrameSource(3)
	c := New(cfg, h.out,
		WithHTTPClient(srv.Client()),
		WithTransportFactory(h.factory),
		WithSource(src),
		WithCodecs(
			func(audio.Format) (audio.Encoder, error) { return stubEncoder{}, nil },
			func(f audio.Format) (audio.Decoder, error) { return stubDecoder{f}, nil },
		),
	)
	sessionID = c.SessionID()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := runAsync(ctx, c)

	<-h.trReady
	if !h.tr.opts.AudioOut {
		t.Fatal("transport built without an outbound track although a source is present")
	}

	waitFor(t, "outbound samples", func() bool { return h.tr.out.count() == 3 })
	h.tr.out.mu.Lock()
	if got := h.tr.out.samples[0].Duration.Milliseconds(); got != 20 {
		t.Errorf("sample duration = %dms, want 20", got)
	}
	h.tr.out.mu.Unlock()

	select {
	case n := <-gotAudio:
		if n != 2*960 {
			t.Errorf("STT audio message = %d bytes, want %d", n, 2*960)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("STT service received no audio")
	}

	waitFor(t, "transcript line", func() bool {
		return strings.Contains(h.out.String(), "] Client: turn on the lights\n")
	})
	if strings.Contains(h.out.String(), "Client: turn\n") {
		t.Errorf("partial transcript printed:\n%s", h.out.String())
	}

	cancel()
	if err := result(t, errCh); err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}
	if n := src.closeCount(); n != 1 {
		t.Errorf("source closed %d times, want 1", n)
	}
	select {
	case <-hungUp:
	case <-time.After(2 * time.Second):
		t.Error("STT connection still open after Run returned")
	}
}
