// Package ws implements [transport.Dialer] on top of github.com/coder/websocket.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/transport"
)

// DefaultReadLimit bounds a single inbound frame. Sentence audio arrives as
// one binary frame, so the library default of 32 KiB is far too small.
const DefaultReadLimit = 8 << 20

var (
	_ transport.Dialer = (*Dialer)(nil)
	_ transport.Conn   = (*conn)(nil)
)

// Option configures a [Dialer].
type Option func(*Dialer)

// WithHeader adds an HTTP header to the opening handshake.
func WithHeader(key, value string) Option {
	return func(d *Dialer) {
		if d.header == nil {
			d.header = http.Header{}
		}
		d.header.Add(key, value)
	}
}

// WithReadLimit overrides [DefaultReadLimit].
func WithReadLimit(n int64) Option {
	return func(d *Dialer) {
		if n > 0 {
			d.readLimit = n
		}
	}
}

// WithHTTPClient sets the client used for the handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dialer) { d.client = c }
}

// Dialer opens WebSocket connections.
type Dialer struct {
	header    http.Header
	readLimit int64
	client    *http.Client
}

// NewDialer returns a Dialer with the given options applied.
func NewDialer(opts ...Option) *Dialer {
	d := &Dialer{readLimit: DefaultReadLimit}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dial implements [transport.Dialer].
func (d *Dialer) Dial(ctx context.Context, url string) (transport.Conn, error) {
	c, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: d.header,
		HTTPClient: d.client,
	})
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			err = &transport.HandshakeError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, fmt.Errorf("ws: dial: %w", err)
	}
	c.SetReadLimit(d.readLimit)
	return &conn{c: c}, nil
}

type conn struct {
	c *websocket.Conn
}

func (c *conn) Read(ctx context.Context) (transport.MessageType, []byte, error) {
	typ, data, err := c.c.Read(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, nil, ctxErr
		}
		return 0, nil, fmt.Errorf("ws: read: %w", closeError(err))
	}
	if typ == websocket.MessageBinary {
		return transport.Binary, data, nil
	}
	return transport.Text, data, nil
}

func (c *conn) Write(ctx context.Context, typ transport.MessageType, data []byte) error {
	mt := websocket.MessageText
	if typ == transport.Binary {
		mt = websocket.MessageBinary
	}
	if err := c.c.Write(ctx, mt, data); err != nil {
		return fmt.Errorf("ws: write: %w", err)
	}
	return nil
}

func (c *conn) Close(code int, reason string) error {
	if err := c.c.Close(websocket.StatusCode(code), reason); err != nil {
		return fmt.Errorf("ws: close: %w", err)
	}
	return nil
}

// closeError converts a library read error into a [transport.CloseError].
// Drops without a close frame become [transport.StatusAbnormal].
func closeError(err error) error {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return &transport.CloseError{Code: int(ce.Code), Reason: ce.Reason}
	}
	return fmt.Errorf("%w: %w", &transport.CloseError{Code: transport.StatusAbnormal}, err)
}
