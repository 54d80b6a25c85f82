// Package signaling negotiates the session's peer connection with the
// realtime endpoint: one local offer, one HTTP exchange, one remote answer.
// ICE candidates travel inside the SDP, so there is no trickle phase.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcvoice/internal/credential"
	"github.com/1ureka/rtcvoice/internal/util"
)

var (
	// ErrAlreadyNegotiated is returned when negotiation is started a second
	// time. A negotiator is never reset.
	ErrAlreadyNegotiated = errors.New("session already negotiated")
	// ErrOutOfOrder is returned when a step runs before its predecessor.
	ErrOutOfOrder = errors.New("negotiation step out of order")
)

// Peer is the local side of the negotiation.
type Peer interface {
	CreateOffer() (webrtc.SessionDescription, error)
	GatheringComplete() <-chan struct{}
	SetLocalDescription(webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	SetRemoteDescription(webrtc.SessionDescription) error
}

// NegotiationError reports a failed negotiation step.
type NegotiationError struct {
	Op         string // "offer", "exchange" or "apply"
	StatusCode int    // HTTP status of the exchange, 0 otherwise
	Err        error
}

func (e *NegotiationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("negotiation %s failed (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("negotiation %s failed: %v", e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

type step int

// The -ing steps are claimed by the caller running that step, so a
// concurrent or repeated call never reaches the peer.
const (
	stepIdle step = iota
	stepOffering
	stepOffered
	stepExchanging
	stepExchanged
	stepApplying
	stepApplied
	stepFailed
)

// Negotiator drives the offer → exchange → apply sequence for one Peer.
// Each step runs at most once, in order.
type Negotiator struct {
	peer     Peer
	client   *http.Client
	endpoint string
	timeout  time.Duration

	mu   sync.Mutex
	step step
}

// NewNegotiator creates a negotiator posting offers to endpoint. A zero
// timeout leaves the exchange bounded only by its context.
func NewNegotiator(peer Peer, client *http.Client, endpoint string, timeout time.Duration) *Negotiator {
	if client == nil {
		client = http.DefaultClient
	}
	return &Negotiator{peer: peer, client: client, endpoint: endpoint, timeout: timeout}
}

// Negotiate runs the whole sequence. It fails with ErrAlreadyNegotiated on
// any call after the first, including one made while the first is still
// running.
func (n *Negotiator) Negotiate(ctx context.Context, cred credential.Credential) error {
	local, err := n.CreateLocalDescription(ctx)
	if err != nil {
		return err
	}
	util.LogDebug("local description ready (%d bytes)", len(local.SDP))

	answer, err := n.Exchange(ctx, local, cred)
	if err != nil {
		return err
	}
	util.LogDebug("answer received (%d bytes)", len(answer.SDP))

	return n.ApplyRemoteDescription(answer)
}

// CreateLocalDescription creates an offer, applies it locally and waits for
// ICE gathering to complete. The returned description carries every
// gathered candidate.
func (n *Negotiator) CreateLocalDescription(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := n.advance(stepIdle, stepOffering); err != nil {
		return webrtc.SessionDescription{}, err
	}

	fail := func(err error) (webrtc.SessionDescription, error) {
		n.setStep(stepFailed)
		return webrtc.SessionDescription{}, &NegotiationError{Op: "offer", Err: err}
	}

	offer, err := n.peer.CreateOffer()
	if err != nil {
		return fail(err)
	}

	gathered := n.peer.GatheringComplete()
	if err := n.peer.SetLocalDescription(offer); err != nil {
		return fail(err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return fail(ctx.Err())
	}

	local := n.peer.LocalDescription()
	if local == nil {
		return fail(errors.New("no local description after gathering"))
	}

	n.setStep(stepOffered)
	return *local, nil
}

// Exchange posts local to the negotiation endpoint and returns the answer.
func (n *Negotiator) Exchange(ctx context.Context, local webrtc.SessionDescription, cred credential.Credential) (webrtc.SessionDescription, error) {
	if err := n.advance(stepOffered, stepExchanging); err != nil {
		return webrtc.SessionDescription{}, err
	}

	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	answer, err := exchange(ctx, n.client, n.endpoint, local.SDP, cred.Value)
	if err != nil {
		n.setStep(stepFailed)
		return webrtc.SessionDescription{}, err
	}

	n.setStep(stepExchanged)
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}, nil
}

// ApplyRemoteDescription commits the answer returned by Exchange.
func (n *Negotiator) ApplyRemoteDescription(desc webrtc.SessionDescription) error {
	if err := n.advance(stepExchanged, stepApplying); err != nil {
		return err
	}

	if err := n.peer.SetRemoteDescription(desc); err != nil {
		n.setStep(stepFailed)
		return &NegotiationError{Op: "apply", Err: err}
	}

	n.setStep(stepApplied)
	return nil
}

// advance moves the negotiator from want to next in one critical section.
// Once a step has been entered its predecessor cannot run again, so a
// mismatch is reported as ErrAlreadyNegotiated when the sequence has moved
// past want.
func (n *Negotiator) advance(want, next step) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch {
	case n.step == want:
		n.step = next
		return nil
	case n.step == stepFailed || n.step > want:
		return ErrAlreadyNegotiated
	default:
		return ErrOutOfOrder
	}
}

func (n *Negotiator) setStep(s step) {
	n.mu.Lock()
	n.step = s
	n.mu.Unlock()
}
