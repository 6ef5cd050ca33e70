// Package transport defines the message-oriented socket abstraction the voice
// engine speaks over. The production implementation lives in transport/ws.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// MessageType distinguishes text from binary frames.
type MessageType int

const (
	// Text frames carry UTF-8 JSON control messages.
	Text MessageType = iota + 1
	// Binary frames carry raw audio.
	Binary
)

func (t MessageType) String() string {
	switch t {
	case Text:
		return "text"
	case Binary:
		return "binary"
	default:
		return fmt.Sprintf("MessageType(%d)", int(t))
	}
}

// Close status codes used by the engine.
const (
	StatusNormalClosure   = 1000
	StatusGoingAway       = 1001
	StatusUnsupportedData = 1003
	StatusAbnormal        = 1006
	StatusPolicyViolation = 1008
	StatusInternalError   = 1011
)

// Conn is an open message socket.
//
// Read must only be called from one goroutine at a time. Write and Close are
// safe for concurrent use.
type Conn interface {
	Read(ctx context.Context) (MessageType, []byte, error)
	Write(ctx context.Context, typ MessageType, data []byte) error
	Close(code int, reason string) error
}

// Dialer opens a [Conn] to a URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// CloseError reports that the peer closed the socket. Code is
// [StatusAbnormal] when the connection dropped without a close frame.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("transport: closed with status %d", e.Code)
	}
	return fmt.Sprintf("transport: closed with status %d: %s", e.Code, e.Reason)
}

// CloseStatus extracts the close code and reason from err. ok is false when
// err does not wrap a [*CloseError].
func CloseStatus(err error) (code int, reason string, ok bool) {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Reason, true
	}
	return 0, "", false
}

// HandshakeError reports that the server answered the opening handshake with
// an HTTP status instead of upgrading the connection.
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("transport: handshake rejected with HTTP %d: %v", e.StatusCode, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Rejected reports whether err is a handshake refused with a 4xx status,
// i.e. the server did not accept the credential in the URL.
func Rejected(err error) bool {
	var he *HandshakeError
	return errors.As(err, &he) && he.StatusCode >= 400 && he.StatusCode < 500
}
