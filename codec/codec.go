// Package codec frames the exchange websocket: it dials the endpoint,
// turns inbound text frames into raw JSON values and writes outbound
// messages as text frames.
package codec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by Recv once the peer or Close has shut the
// connection down normally.
var ErrClosed = errors.New("connection closed")

// ProtocolError marks frames the codec refuses to pass upstream.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

const pongDeadline = 5 * time.Second

// Options control dialing and framing limits.
type Options struct {
	ConnectTimeout time.Duration
	BufferSize     int
	MaxFrameBytes  int64
}

// Conn is a framed websocket connection. Reads are single-consumer; Send
// is safe for concurrent use.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	opts    Options
}

// Dial connects to the endpoint within opts.ConnectTimeout. A protocol
// ping from the server is answered with a pong inside 5 seconds.
func Dial(ctx context.Context, endpoint string, opts Options) (*Conn, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = 1 << 20
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: opts.ConnectTimeout,
		ReadBufferSize:   opts.BufferSize,
		WriteBufferSize:  opts.BufferSize,
	}
	dialCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	ws, resp, err := dialer.DialContext(dialCtx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
		ws.Close()
		return nil, fmt.Errorf("unexpected handshake status %d", resp.StatusCode)
	}

	ws.SetReadLimit(opts.MaxFrameBytes)

	c := &Conn{ws: ws, opts: opts}
	ws.SetPingHandler(func(appData string) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(pongDeadline))
	})
	return c, nil
}

// Send marshals v and writes it as a single text frame.
func (c *Conn) Send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal outbound message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Recv blocks for the next data frame and returns its raw JSON payload.
// Non-UTF-8 payloads and frames above the size ceiling yield a
// ProtocolError; a normal closure yields ErrClosed.
func (c *Conn) Recv() (json.RawMessage, error) {
	for {
		msgType, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, ErrClosed
			}
			if errors.Is(err, websocket.ErrReadLimit) {
				return nil, &ProtocolError{Reason: fmt.Sprintf("frame exceeds %d bytes", c.opts.MaxFrameBytes)}
			}
			return nil, fmt.Errorf("failed to read frame: %w", err)
		}
		switch msgType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if !utf8.Valid(payload) {
				return nil, &ProtocolError{Reason: "payload is not valid UTF-8"}
			}
			return json.RawMessage(payload), nil
		default:
			// Control frames are handled by the handlers; skip anything else.
			continue
		}
	}
}

// SetReadDeadline bounds the next Recv. Used by the heartbeat watchdog to
// declare the connection stale.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// Close performs a best-effort close handshake and releases the socket.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}
