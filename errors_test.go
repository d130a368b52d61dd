package wsengine

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/url"
	"syscall"
	"testing"

	"golang.org/x/xerrors"

	"github.com/coder/wsengine/internal/errd"
	"github.com/coder/wsengine/internal/test/assert"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	withFrame := func(err error) error {
		defer errd.Wrap(&err, "failed to do something")
		return err
	}

	testCases := []struct {
		name string
		err  error
		kind ErrorKind
	}{
		{"nil", nil, KindNone},
		{"redirect", &RedirectError{URL: &url.URL{Scheme: "ws", Host: "a"}}, KindReconnect},
		{"handshake", handshakeErrorf(400, nil, "bad"), KindHandshake},
		{"usage", xerrors.Errorf("bad frame size: %w", ErrInvalidConfig), KindUsage},
		{"message", messageErrorf("bad message"), KindMessage},
		{"connection", &ConnectionError{Err: errors.New("gone")}, KindConnection},
		{"protocol", CloseError{Code: StatusProtocolError}, KindConnection},
		{"eof", io.EOF, KindConnection},
		{"unexpectedEOF", withFrame(io.ErrUnexpectedEOF), KindConnection},
		{"closed", net.ErrClosed, KindConnection},
		{"errno", syscall.ECONNRESET, KindConnection},
		{"netError", &net.OpError{Op: "read", Err: errors.New("reset")}, KindConnection},
		{"canceled", context.Canceled, KindFatal},
		{"deadline", withFrame(context.DeadlineExceeded), KindFatal},
		{"other", errors.New("handler failed"), KindFatal},
		{"streamTLS", streamError(tls.RecordHeaderError{Msg: "first record does not look like a TLS handshake"}), KindConnection},
		{"streamHandshake", streamError(handshakeErrorf(0, nil, "invalid HTTP start line")), KindHandshake},
		{"streamNil", streamError(nil), KindNone},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, "kind", tc.kind, Classify(tc.err))
		})
	}
}

func TestErrorMessages(t *testing.T) {
	t.Parallel()

	u, err := url.Parse("ws://localhost:8000/other")
	assert.Success(t, err)
	assert.Equal(t, "redirect", "reconnect requested: ws://localhost:8000/other", (&RedirectError{URL: u}).Error())
	assert.Equal(t, "close", `status = StatusGoingAway and reason = "bye"`, CloseError{Code: StatusGoingAway, Reason: "bye"}.Error())
	assert.Equal(t, "status", StatusGoingAway, CloseStatus(wrapped(CloseError{Code: StatusGoingAway})))
	assert.Equal(t, "no status", StatusCode(-1), CloseStatus(io.EOF))
	assert.Equal(t, "kind", "connection", KindConnection.String())
}

func wrapped(err error) error {
	return xerrors.Errorf("context: %w", err)
}
