// Package wspb provides helpers for protobuf messages.
package wspb

import (
	"github.com/golang/protobuf/proto"
	"golang.org/x/xerrors"

	"github.com/coder/wsengine"
)

// Read pulls messages from c until a data message arrives and unmarshals
// it into v. Ping and Pong messages are skipped, a Close fails the read.
func Read(c *wsengine.Conn, v proto.Message) error {
	err := read(c, v)
	if err != nil {
		return xerrors.Errorf("failed to read protobuf: %w", err)
	}
	return nil
}

func read(c *wsengine.Conn, v proto.Message) error {
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

// Decode unmarshals the Binary message m into v.
func Decode(m wsengine.Message, v proto.Message) error {
	err := decode(m, v)
	if err != nil {
		return xerrors.Errorf("failed to decode protobuf: %w", err)
	}
	return nil
}

func decode(m wsengine.Message, v proto.Message) error {
	if m.Opcode() != wsengine.OpBinary {
		return xerrors.Errorf("unexpected frame type for protobuf (expected %v): %v", wsengine.OpBinary, m.Opcode())
	}
	err := proto.Unmarshal(m.Content(), v)
	if err != nil {
		return xerrors.Errorf("failed to unmarshal protobuf: %w", err)
	}
	return nil
}

// Write writes the protobuf message v to c.
func Write(c *wsengine.Conn, v proto.Message) error {
	err := write(c, v)
	if err != nil {
		return xerrors.Errorf("failed to write protobuf: %w", err)
	}
	return nil
}

func write(c *wsengine.Conn, v proto.Message) error {
	b, err := proto.Marshal(v)
	if err != nil {
		return xerrors.Errorf("failed to marshal protobuf: %w", err)
	}
	_, err = c.PushMessage(wsengine.NewBinary(b))
	return err
}
