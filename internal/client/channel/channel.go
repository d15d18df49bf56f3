// Package channel is the client end of the /speech-query WebSocket.
//
// The connection is opened once and never re-established: when it drops,
// [Channel.Listen] returns and the session is over.
package channel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/coder/websocket"

	"github.com/MrWong99/speechquery/pkg/wire"
)

// Handlers receive inbound frames. Nil handlers are skipped.
type Handlers struct {
	// OnStart is called for [wire.Start].
	OnStart func()

	// OnEnd is called for [wire.End].
	OnEnd func()

	// OnChunk is called for every other text frame.
	OnChunk func(text string)
}

// Channel is an open session channel. Send, SendBinary and Listen may be
// used concurrently.
type Channel struct {
	conn *websocket.Conn
}

// Option configures [Dial].
type Option func(*websocket.DialOptions)

// WithInsecureSkipVerify disables server certificate verification, for the
// self-signed certificates a local server typically uses.
func WithInsecureSkipVerify(skip bool) Option {
	return func(o *websocket.DialOptions) {
		if !skip {
			return
		}
		o.HTTPClient = &http.Client{Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // opt-in for self-signed local servers
		}}
	}
}

// WithHTTPClient sets the client used for the upgrade request.
func WithHTTPClient(c *http.Client) Option {
	return func(o *websocket.DialOptions) { o.HTTPClient = c }
}

// Dial opens the channel to url (wss://host:8888/speech-query).
func Dial(ctx context.Context, url string, opts ...Option) (*Channel, error) {
	o := &websocket.DialOptions{}
	for _, opt := range opts {
		opt(o)
	}
	conn, _, err := websocket.Dial(ctx, url, o)
	if err != nil {
		return nil, fmt.Errorf("channel: dial %s: %w", url, err)
	}
	return &Channel{conn: conn}, nil
}

// Send sends one text frame: utterance text or [wire.End].
func (c *Channel) Send(ctx context.Context, text string) error {
	if err := c.conn.Write(ctx, websocket.MessageText, []byte(text)); err != nil {
		return fmt.Errorf("channel: send: %w", err)
	}
	return nil
}

// SendBinary sends one binary frame of raw PCM.
func (c *Channel) SendBinary(ctx context.Context, data []byte) error {
	if err := c.conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		return fmt.Errorf("channel: send binary: %w", err)
	}
	return nil
}

// Listen reads frames until the connection closes or ctx ends and
// dispatches them to h in arrival order. A normal close by the server
// returns nil.
func (c *Channel) Listen(ctx context.Context, h Handlers) error {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("channel: read: %w", err)
		}
		if typ != websocket.MessageText {
			slog.Debug("ignoring binary frame from server", "bytes", len(data))
			continue
		}
		Dispatch(string(data), h)
	}
}

// Dispatch routes one inbound text frame to the matching handler.
func Dispatch(frame string, h Handlers) {
	switch wire.Classify(frame) {
	case wire.KindStart:
		if h.OnStart != nil {
			h.OnStart()
		}
	case wire.KindEnd:
		if h.OnEnd != nil {
			h.OnEnd()
		}
	default:
		if h.OnChunk != nil {
			h.OnChunk(frame)
		}
	}
}

// Close closes the connection normally.
func (c *Channel) Close() error {
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("channel: close: %w", err)
	}
	return nil
}
