package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/gorilla/websocket"
)

// ErrorKind classifies transport failures
type ErrorKind int

const (
	// ErrorIo - write or read failure on the underlying channel
	ErrorIo ErrorKind = iota

	// ErrorTimeout - the operation did not finish within the configured timeout
	ErrorTimeout

	// ErrorClosed - the channel was closed locally or by the peer
	ErrorClosed
)

// String returns the string representation of ErrorKind
func (k ErrorKind) String() string {
	switch k {
	case ErrorTimeout:
		return "timeout"
	case ErrorClosed:
		return "closed"
	default:
		return "io"
	}
}

// Sentinel errors matched by errors.Is against any *Error of the same kind
var (
	ErrIo      = errors.New("transport i/o error")
	ErrTimeout = errors.New("transport timeout")
	ErrClosed  = errors.New("transport closed")
)

// Error is returned by every Transport operation that fails at the channel level
type Error struct {
	Kind      ErrorKind
	Transport Kind
	Op        string // e.g. "send", "read", "connect", "emergency stop"
	Err       error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %s", e.Transport, e.Op, e.Kind)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Transport, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind
func (e *Error) Is(target error) bool {
	switch target {
	case ErrIo:
		return e.Kind == ErrorIo
	case ErrTimeout:
		return e.Kind == ErrorTimeout
	case ErrClosed:
		return e.Kind == ErrorClosed
	}
	return false
}

// ProtocolViolation reports a frame the line protocol cannot carry,
// such as a binary WebSocket message that is not valid text
type ProtocolViolation struct {
	Transport Kind
	Detail    string
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("%s protocol violation: %s", e.Transport, e.Detail)
}

// IsTimeout checks if an error is a transport timeout
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsClosed checks if an error reports a closed transport
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}

// IsProtocolViolation checks if an error is a ProtocolViolation
func IsProtocolViolation(err error) bool {
	var e *ProtocolViolation
	return errors.As(err, &e)
}

func newError(kind ErrorKind, transport Kind, op string, err error) *Error {
	return &Error{Kind: kind, Transport: transport, Op: op, Err: err}
}

func closedError(transport Kind, op string) *Error {
	return newError(ErrorClosed, transport, op, nil)
}

// classify maps a raw channel error onto the transport error taxonomy.
// Context cancellation is passed through unchanged so callers can tell an
// abort apart from a channel failure.
func classify(transport Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s %s: %w", transport, op, err)
	}

	var netErr net.Error
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return newError(ErrorTimeout, transport, op, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return newError(ErrorTimeout, transport, op, err)
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, os.ErrClosed):
		return newError(ErrorClosed, transport, op, err)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		return newError(ErrorClosed, transport, op, err)
	default:
		return newError(ErrorIo, transport, op, err)
	}
}
