package wsengine

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"os"
	"syscall"

	"golang.org/x/xerrors"
)

// ErrInvalidConfig is wrapped by every error caused by an invalid option,
// URI or argument.
var ErrInvalidConfig = xerrors.New("invalid configuration")

// HandshakeError is returned when the opening handshake fails.
// Response is set when the peer's response was read.
type HandshakeError struct {
	Status   int
	Response *HandshakeResponse
	msg      string
}

func (e *HandshakeError) Error() string {
	return e.msg
}

func handshakeErrorf(status int, resp *HandshakeResponse, f string, v ...interface{}) *HandshakeError {
	return &HandshakeError{
		Status:   status,
		Response: resp,
		msg:      xerrors.Errorf(f, v...).Error(),
	}
}

// RedirectError signals that the server asked the client to reconnect
// to URL. It is not a failure; Client.Connect consumes it.
type RedirectError struct {
	URL *url.URL
}

func (e *RedirectError) Error() string {
	return "reconnect requested: " + e.URL.String()
}

// MessageError is a failure confined to a single message.
// The connection stays usable.
type MessageError struct {
	Err error
}

func (e *MessageError) Error() string {
	return e.Err.Error()
}

func (e *MessageError) Unwrap() error {
	return e.Err
}

func messageErrorf(f string, v ...interface{}) error {
	return &MessageError{Err: xerrors.Errorf(f, v...)}
}

// ConnectionError is a failure that leaves the connection unusable.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return e.Err.Error()
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ErrorKind determines how an error is recovered from.
type ErrorKind int

const (
	// KindNone is the kind of a nil error.
	KindNone ErrorKind = iota
	// KindUsage fails the call that introduced the invalid value.
	KindUsage
	// KindHandshake aborts the connection attempt.
	KindHandshake
	// KindMessage is dispatched to the error handler; the connection is kept.
	KindMessage
	// KindConnection is dispatched to the error handler after the connection is dropped.
	KindConnection
	// KindReconnect asks the client to connect to another URI.
	KindReconnect
	// KindFatal propagates out of the run loop.
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindUsage:
		return "usage"
	case KindHandshake:
		return "handshake"
	case KindMessage:
		return "message"
	case KindConnection:
		return "connection"
	case KindReconnect:
		return "reconnect"
	}
	return "fatal"
}

// Classify maps err to the recovery action the orchestrators take for it.
// Errors that are not produced by this package or its transport are fatal.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	var redirect *RedirectError
	var handshake *HandshakeError
	var message *MessageError
	var connection *ConnectionError
	var ce CloseError
	var netErr net.Error
	var errno syscall.Errno
	switch {
	case xerrors.As(err, &redirect):
		return KindReconnect
	case xerrors.As(err, &handshake):
		return KindHandshake
	case xerrors.Is(err, ErrInvalidConfig):
		return KindUsage
	case xerrors.As(err, &message):
		return KindMessage
	case xerrors.As(err, &connection):
		return KindConnection
	case xerrors.As(err, &ce):
		return KindConnection
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe), errors.Is(err, net.ErrClosed),
		errors.Is(err, os.ErrDeadlineExceeded):
		return KindConnection
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindFatal
	case xerrors.As(err, &netErr), xerrors.As(err, &errno):
		return KindConnection
	}
	return KindFatal
}
