// Package stt streams captured audio to a websocket speech-to-text service
// and surfaces its transcripts.
//
// Wire format: the client sends binary messages of little-endian PCM16
// samples, one per captured frame. The server replies with JSON text
// messages of the form {"text": "...", "final": true}.
package stt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/rtcvoice/internal/audio"
	"github.com/1ureka/rtcvoice/internal/util"
)

// SessionHeader carries the session ID on the websocket handshake.
const SessionHeader = "X-Session-Id"

const (
	handshakeTimeout = 10 * time.Second
	frameQueueSize   = 32
	writeTimeout     = 5 * time.Second
)

// Transcript is one recognition result.
type Transcript struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// Client is a connected transcriber.
type Client struct {
	conn        *websocket.Conn
	frames      chan []byte
	transcripts chan Transcript

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// Dial connects to the service at url.
func Dial(ctx context.Context, url, sessionID string) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}

	header := http.Header{}
	if sessionID != "" {
		header.Set(SessionHeader, sessionID)
	}

	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to STT service: %w", err)
	}

	cCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:        conn,
		frames:      make(chan []byte, frameQueueSize),
		transcripts: make(chan Transcript, 16),
		ctx:         cCtx,
		cancel:      cancel,
	}

	c.wg.Add(2)
	go c.writeLoop()
	go c.readLoop()

	return c, nil
}

// SendFrame queues f for transmission without blocking. Frames are dropped
// while the queue is full; it reports whether f was queued.
func (c *Client) SendFrame(f audio.Frame) bool {
	if c.ctx.Err() != nil {
		return false
	}

	buf := make([]byte, 2*len(f.Samples))
	for i, s := range f.Samples {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(s))
	}

	select {
	case c.frames <- buf:
		return true
	default:
		return false
	}
}

// Transcripts delivers results in arrival order. It is closed when the
// connection ends.
func (c *Client) Transcripts() <-chan Transcript {
	return c.transcripts
}

// Close sends a close frame, drops the connection and waits for the
// client's goroutines.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.closeErr = c.conn.Close()
		c.wg.Wait()
	})
	return c.closeErr
}

func (c *Client) writeLoop() {
	defer c.wg.Done()

	for {
		select {
		case buf := <-c.frames:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
				if c.ctx.Err() == nil {
					util.LogWarning("STT write failed: %v", err)
				}
				c.cancel()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	defer close(c.transcripts)

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil && !isClosed(err) {
				util.LogWarning("STT read failed: %v", err)
			}
			c.cancel()
			return
		}
		if kind != websocket.TextMessage {
			continue
		}

		var t Transcript
		if err := json.Unmarshal(data, &t); err != nil {
			util.LogDebug("ignoring STT message %q: %v", data, err)
			continue
		}

		select {
		case c.transcripts <- t:
		case <-c.ctx.Done():
			return
		}
	}
}

// isClosed reports whether err is an orderly websocket shutdown.
func isClosed(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, websocket.ErrCloseSent)
}
