package engine

import (
	"errors"
	"fmt"
)

// ErrTicket wraps every failure to obtain a usable connection ticket.
var ErrTicket = errors.New("engine: ticket unavailable")

var (
	// errNotOpen is returned by writes while no socket is connected.
	errNotOpen = errors.New("engine: socket not open")

	// errCallEnded aborts a connect step whose call was ended meanwhile.
	errCallEnded = errors.New("engine: call ended")
)

// ErrorKind classifies a [SessionError].
type ErrorKind string

const (
	// KindCapture is a microphone failure. Always fatal.
	KindCapture ErrorKind = "capture"
	// KindTicket is a ticket issuance failure.
	KindTicket ErrorKind = "ticket"
	// KindTransport is a socket failure: dial errors and abnormal closes.
	KindTransport ErrorKind = "transport"
	// KindProtocol is an error message sent by the server.
	KindProtocol ErrorKind = "protocol"
)

// SessionError is the value delivered to the OnError callback.
type SessionError struct {
	Kind    ErrorKind
	Message string
	// Code is the server error code or the socket close code.
	Code        string
	Recoverable bool
	Err         error
}

func (e *SessionError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("engine: %s error %s: %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("engine: %s error: %s", e.Kind, e.Message)
}

func (e *SessionError) Unwrap() error { return e.Err }

// kindOf picks the error kind of a failed connect step.
func kindOf(err error) ErrorKind {
	if errors.Is(err, ErrTicket) {
		return KindTicket
	}
	return KindTransport
}
