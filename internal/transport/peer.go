package transport

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// EventsChannelLabel is the label of the data channel carrying realtime
// events. The remote side recognizes the channel by this name.
const EventsChannelLabel = "oai-events"

// Outbound track identity and codec. Opus is always signalled as 48 kHz
// stereo; a mono encoder stream is still valid on such a track.
const (
	audioTrackID  = "audio"
	audioStreamID = "rtcvoice"
)

var opusCapability = webrtc.RTPCodecCapability{
	MimeType:  webrtc.MimeTypeOpus,
	ClockRate: 48000,
	Channels:  2,
}

// newPeerConnection creates a PeerConnection with the default codecs and
// interceptors. stunServer may be empty, in which case only host candidates
// are gathered.
func newPeerConnection(stunServer string) (*webrtc.PeerConnection, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(registry))

	config := webrtc.Configuration{}
	if stunServer != "" {
		config.ICEServers = []webrtc.ICEServer{{URLs: []string{stunServer}}}
	}
	return api.NewPeerConnection(config)
}

// newEventsChannel creates the ordered, in-band negotiated events channel.
func newEventsChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	return pc.CreateDataChannel(EventsChannelLabel, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
}

// newAudioTrack adds the outbound opus track to pc.
func newAudioTrack(pc *webrtc.PeerConnection) (*webrtc.TrackLocalStaticSample, *webrtc.RTPSender, error) {
	track, err := webrtc.NewTrackLocalStaticSample(opusCapability, audioTrackID, audioStreamID)
	if err != nil {
		return nil, nil, err
	}
	rtpSender, err := pc.AddTrack(track)
	if err != nil {
		return nil, nil, err
	}
	return track, rtpSender, nil
}

// addReceiveOnlyAudio declares interest in the remote audio without sending
// any.
func addReceiveOnlyAudio(pc *webrtc.PeerConnection) error {
	_, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

// remoteTrack adapts an inbound pion track to InboundTrack.
type remoteTrack struct {
	*webrtc.TrackRemote
}

func (r remoteTrack) ReadPayload() ([]byte, error) {
	pkt, _, err := r.ReadRTP()
	if err != nil {
		return nil, err
	}
	return pkt.Payload, nil
}

func (r remoteTrack) ClockRate() int { return int(r.Codec().ClockRate) }
func (r remoteTrack) Channels() int  { return int(r.Codec().Channels) }
