package transport

import (
	"context"
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestStateOf(t *testing.T) {
	tests := []struct {
		in   webrtc.PeerConnectionState
		want State
	}{
		{webrtc.PeerConnectionStateNew, StateNew},
		{webrtc.PeerConnectionStateConnecting, StateConnecting},
		{webrtc.PeerConnectionStateConnected, StateConnected},
		{webrtc.PeerConnectionStateDisconnected, StateConnecting},
		{webrtc.PeerConnectionStateFailed, StateFailed},
		{webrtc.PeerConnectionStateClosed, StateClosed},
	}
	for _, tt := range tests {
		if got := stateOf(tt.in); got != tt.want {
			t.Errorf("stateOf(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestStateString(t *testing.T) {
	if got := StateFailed.String(); got != "failed" {
		t.Errorf("StateFailed.String() = %q", got)
	}
	if got := State(99).String(); got != "unknown" {
		t.Errorf("State(99).String() = %q", got)
	}
}

func TestOfferCarriesEventsChannelAndAudio(t *testing.T) {
	tests := []struct {
		name      string
		audioOut  bool
		direction string
	}{
		{"send and receive", true, "a=sendrecv"},
		{"receive only", false, "a=recvonly"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := New(context.Background(), Options{AudioOut: tt.audioOut})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			defer tr.Close()

			if (tr.AudioOut() != nil) != tt.audioOut {
				t.Errorf("AudioOut() present = %v, want %v", tr.AudioOut() != nil, tt.audioOut)
			}

			offer, err := tr.CreateOffer()
			if err != nil {
				t.Fatalf("CreateOffer: %v", err)
			}
			for _, want := range []string{"m=audio", "m=application", tt.direction} {
				if !strings.Contains(offer.SDP, want) {
					t.Errorf("offer missing %q", want)
				}
			}
			if tr.State() != StateNew {
				t.Errorf("State() = %s, want new", tr.State())
			}
		})
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	tr, err := New(context.Background(), Options{AudioOut: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	select {
	case <-tr.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
	if err := tr.SendEvent(map[string]string{"type": "session.update"}); err == nil {
		t.Error("SendEvent after Close should fail")
	}
	select {
	case <-tr.sender.stopped:
	default:
		t.Error("sender loop still running after Close returned")
	}
}
