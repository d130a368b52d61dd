// Package wsjson provides helpers for JSON messages.
package wsjson

import (
	"github.com/sugawarayuuta/sonnet"
	"golang.org/x/xerrors"

	"github.com/coder/wsengine"
)

// Read pulls messages from c until a data message arrives and decodes
// it into v. Ping and Pong messages are skipped, a Close fails the read.
func Read(c *wsengine.Conn, v interface{}) error {
	err := read(c, v)
	if err != nil {
		return xerrors.Errorf("failed to read json: %w", err)
	}
	return nil
}

func read(c *wsengine.Conn, v interface{}) error {
	for {
		m, err := c.PullMessage()
		if err != nil {
			return err
		}
		switch m := m.(type) {
		case *wsengine.Ping, *wsengine.Pong:
			continue
		case *wsengine.Close:
			return xerrors.Errorf("connection closed: %w", wsengine.CloseError{Code: m.Code(), Reason: m.Reason()})
		}
		return decode(m, v)
	}
}

// Decode decodes the Text message m into v.
func Decode(m wsengine.Message, v interface{}) error {
	err := decode(m, v)
	if err != nil {
		return xerrors.Errorf("failed to decode json: %w", err)
	}
	return nil
}

func decode(m wsengine.Message, v interface{}) error {
	if m.Opcode() != wsengine.OpText {
		return xerrors.Errorf("unexpected frame type for json (expected %v): %v", wsengine.OpText, m.Opcode())
	}
	err := sonnet.Unmarshal(m.Content(), v)
	if err != nil {
		return xerrors.Errorf("failed to unmarshal json: %w", err)
	}
	return nil
}

// Write writes the json message v to c.
func Write(c *wsengine.Conn, v interface{}) error {
	err := write(c, v)
	if err != nil {
		return xerrors.Errorf("failed to write json: %w", err)
	}
	return nil
}

func write(c *wsengine.Conn, v interface{}) error {
	b, err := sonnet.Marshal(v)
	if err != nil {
		return xerrors.Errorf("failed to marshal json: %w", err)
	}
	_, err = c.PushMessage(wsengine.NewText(string(b)))
	return err
}
