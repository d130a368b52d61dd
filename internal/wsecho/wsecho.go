// Package wsecho implements a WebSocket server that echoes every data
// message back to its sender, and a one-shot client for it.
package wsecho

import (
	"context"
	"net"

	"golang.org/x/xerrors"

	"github.com/coder/wsengine"
)

// Serve returns a server on ln that echoes Text and Binary messages.
func Serve(ln net.Listener, opts *wsengine.ServerOptions) (*wsengine.Server, error) {
	s, err := wsengine.NewServer(ln, opts)
	if err != nil {
		return nil, err
	}
	s.OnText = func(c *wsengine.Conn, m *wsengine.Text) error {
		return c.Text(m.Text())
	}
	s.OnBinary = func(c *wsengine.Conn, m *wsengine.Binary) error {
		return c.Binary(m.Content())
	}
	return s, nil
}

// Send sends text on c and returns the first Text message received back.
// Pings and Pongs received meanwhile are skipped. The connection is closed
// with StatusNormalClosure afterwards and the close handshake awaited.
func Send(ctx context.Context, c *wsengine.Client, text string) (_ string, err error) {
	defer func() {
		if err != nil {
			c.Disconnect()
		}
	}()

	err = c.Text(ctx, text)
	if err != nil {
		return "", err
	}

	var reply string
	for {
		m, err := c.Receive(ctx)
		if err != nil {
			return "", err
		}
		if tm, ok := m.(*wsengine.Text); ok {
			reply = tm.Text()
			break
		}
		if cm, ok := m.(*wsengine.Close); ok {
			return "", xerrors.Errorf("connection closed before reply: %w", wsengine.CloseError{
				Code:   cm.Code(),
				Reason: cm.Reason(),
			})
		}
	}

	err = c.Close(wsengine.StatusNormalClosure, "")
	if err != nil {
		return "", err
	}
	for c.IsConnected() {
		m, err := c.Receive(ctx)
		if err != nil {
			return "", err
		}
		if _, ok := m.(*wsengine.Close); ok {
			break
		}
	}
	return reply, c.Disconnect()
}
