package wsengine

import "fmt"

// CloseHandler performs the close handshake.
//
// When the peer closes first, the connection stops reading, answers with
// a Close echoing the peer's status and is torn down once the answer is
// sent. When this side closes first, the connection stops writing and is
// torn down when the peer's Close arrives.
type CloseHandler struct{}

func (CloseHandler) String() string {
	return "CloseHandler"
}

func (CloseHandler) IncomingMessage(c *Conn, next func() (Message, error)) (Message, error) {
	m, err := next()
	if err != nil {
		return nil, err
	}
	cm, ok := m.(*Close)
	if !ok {
		return m, nil
	}

	if !c.IsWritable() {
		c.log.Debug().Stringer("status", cm.Code()).Msg("received close acknowledgement")
		c.Disconnect()
		return m, nil
	}

	c.CloseRead()
	ack := NewClose(StatusNormalClosure, "close acknowledged")
	if cm.Code() != StatusNoStatusRcvd {
		ack = NewClose(cm.Code(), fmt.Sprintf("close acknowledged: %d", cm.Code()))
	}
	_, err = c.PushMessage(ack)
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to acknowledge close")
		c.Disconnect()
	}
	return m, nil
}

func (CloseHandler) OutgoingMessage(c *Conn, m Message, next func(Message) (Message, error)) (Message, error) {
	m, err := next(m)
	if err != nil {
		return nil, err
	}
	if _, ok := m.(*Close); !ok {
		return m, nil
	}

	if c.IsReadable() {
		c.CloseWrite()
	} else {
		c.Disconnect()
	}
	return m, nil
}
