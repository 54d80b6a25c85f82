package audio

import (
	"fmt"
	"time"

	"gopkg.in/hraban/opus.v2"
)

// maxOpusFrame is the largest opus frame: 120 ms at 48 kHz per channel.
const maxOpusFrame = 5760

// maxPacketSize bounds one encoded opus packet.
const maxPacketSize = 4000

// Encoder turns a PCM16 frame into one encoded packet.
type Encoder interface {
	Encode(Frame) ([]byte, error)
}

// Decoder turns one encoded packet into a PCM16 frame.
type Decoder interface {
	Decode(payload []byte) (Frame, error)
}

// OpusEncoder encodes fixed-format frames with libopus.
type OpusEncoder struct {
	enc    *opus.Encoder
	format Format
	buf    []byte
}

// NewOpusEncoder creates a VoIP-tuned encoder for the given capture format.
func NewOpusEncoder(format Format) (*OpusEncoder, error) {
	enc, err := opus.NewEncoder(format.SampleRate, format.Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder (%s): %w", format, err)
	}
	return &OpusEncoder{enc: enc, format: format, buf: make([]byte, maxPacketSize)}, nil
}

// Encode encodes f, which must match the encoder's format.
func (e *OpusEncoder) Encode(f Frame) ([]byte, error) {
	if f.Format != e.format {
		return nil, fmt.Errorf("frame format %s does not match encoder format %s", f.Format, e.format)
	}
	n, err := e.enc.Encode(f.Samples, e.buf)
	if err != nil {
		return nil, fmt.Errorf("opus encode: %w", err)
	}
	packet := make([]byte, n)
	copy(packet, e.buf[:n])
	return packet, nil
}

// OpusDecoder decodes inbound opus packets. Opus always decodes at the
// negotiated clock rate; the channel count comes from the track codec.
type OpusDecoder struct {
	dec    *opus.Decoder
	format Format
	pcm    []int16
}

// NewOpusDecoder creates a decoder producing frames of the given format.
func NewOpusDecoder(format Format) (*OpusDecoder, error) {
	dec, err := opus.NewDecoder(format.SampleRate, format.Channels)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus decoder (%s): %w", format, err)
	}
	return &OpusDecoder{dec: dec, format: format, pcm: make([]int16, maxOpusFrame*format.Channels)}, nil
}

// Decode decodes one packet into a freshly allocated frame.
func (d *OpusDecoder) Decode(payload []byte) (Frame, error) {
	n, err := d.dec.Decode(payload, d.pcm)
	if err != nil {
		return Frame{}, fmt.Errorf("opus decode: %w", err)
	}
	samples := make([]int16, n*d.format.Channels)
	copy(samples, d.pcm[:len(samples)])
	return Frame{Samples: samples, Format: d.format, Timestamp: time.Now()}, nil
}
