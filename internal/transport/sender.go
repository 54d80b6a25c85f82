package transport

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcvoice/internal/util"
)

const (
	highWaterMark  = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark   = 64 * 1024  // resume sending when bufferedAmount drops below this
	sendBufferSize = 16         // outgoing event channel capacity
)

// sender serializes all writes to the events channel, holding them until the
// channel opens and pausing while the SCTP buffer is above the high mark.
type sender struct {
	inbox       chan []byte
	drainSignal chan struct{}
	stopped     chan struct{}
}

// newSender wires the backpressure callbacks on dc and starts the loop,
// counted in wg. The loop exits when ctx is cancelled.
func newSender(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}, wg *sync.WaitGroup) *sender {
	s := &sender{
		inbox:       make(chan []byte, sendBufferSize),
		drainSignal: make(chan struct{}, 1),
		stopped:     make(chan struct{}),
	}

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case s.drainSignal <- struct{}{}:
		default:
		}
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(s.stopped)
		s.loop(ctx, dc, openSignal)
	}()

	return s
}

func (s *sender) loop(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}) {
	select {
	case <-openSignal:
	case <-ctx.Done():
		return
	}

	for {
		select {
		case msg := <-s.inbox:
			if dc.BufferedAmount() > uint64(highWaterMark) {
				select {
				case <-s.drainSignal:
				case <-ctx.Done():
					return
				}
			}

			if err := dc.SendText(string(msg)); err != nil {
				util.LogError("failed to send event (%d bytes): %v", len(msg), err)
				return
			}
			if util.DebugEnabled() {
				util.LogDebug("sent event: %s", msg)
			}
		case <-ctx.Done():
			return
		}
	}
}

// send enqueues msg. It blocks while the inbox is full and gives up when ctx
// is cancelled.
func (s *sender) send(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case s.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
