package gateway

import (
	"bytes"
	"compress/zlib"
	"context"
	"errors"
	"io/ioutil"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// sendChannelBuffer is the size of the outbound frame channel. Writes block
// once the buffer is full which applies natural backpressure to senders.
const sendChannelBuffer = 64

// ErrConnectionClosed is returned when writing to a connection whose writer
// has stopped.
var ErrConnectionClosed = errors.New("gateway connection is closed")

// Connection wraps a websocket and serializes all frame writes through a
// single writer goroutine so the heartbeat loop and user sends never
// interleave at the frame boundary.
type Connection struct {
	ws *websocket.Conn

	readMu sync.Mutex

	sendCh chan []byte

	closeMu sync.Mutex
	closed  bool
	done    chan struct{}

	writeErrMu sync.Mutex
	writeErr   error
}

// Dial opens a websocket to the gateway and starts the writer.
func Dial(ctx context.Context, gatewayURL string) (c *Connection, err error) {
	header := http.Header{}
	header.Add("accept-encoding", "zlib")

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, gatewayURL, header)
	if err != nil {
		return nil, err
	}

	// Large guilds can produce GUILD_CREATE payloads in the hundreds of
	// megabytes, so the read limit is effectively unbounded.
	ws.SetReadLimit(512 << 20)

	c = &Connection{
		ws:     ws,
		sendCh: make(chan []byte, sendChannelBuffer),
		done:   make(chan struct{}),
	}

	go c.writer()

	return c, nil
}

// writer drains the send channel onto the socket. It is the only goroutine
// that calls WriteMessage.
func (c *Connection) writer() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.sendCh:
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.writeErrMu.Lock()
				c.writeErr = err
				c.writeErrMu.Unlock()

				return
			}
		}
	}
}

// Send enqueues a frame for the writer.
func (c *Connection) Send(frame []byte) error {
	c.writeErrMu.Lock()
	err := c.writeErr
	c.writeErrMu.Unlock()

	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrConnectionClosed
	case c.sendCh <- frame:
		return nil
	}
}

// Read reads the next frame, inflating zlib compressed messages.
func (c *Connection) Read() (message []byte, err error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	messageType, message, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}

	if messageType == websocket.BinaryMessage {
		z, err := zlib.NewReader(bytes.NewReader(message))
		if err != nil {
			return nil, err
		}

		defer z.Close()

		return ioutil.ReadAll(z)
	}

	return message, nil
}

// CloseWithCode sends a close frame with the given status code and then
// tears the socket down. Control frames may be written concurrently with
// data frames so this does not go through the writer channel.
func (c *Connection) CloseWithCode(code int) error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()

		return ErrConnectionClosed
	}

	c.closed = true
	close(c.done)
	c.closeMu.Unlock()

	deadline := time.Now().Add(time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""), deadline)

	return c.ws.Close()
}

// Close closes the connection with a normal closure code.
func (c *Connection) Close() error {
	return c.CloseWithCode(websocket.CloseNormalClosure)
}
