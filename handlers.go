package wsengine

// Handlers holds the event callbacks of a Client or Server.
// Every callback is optional. An error returned by a callback is
// classified like any other: message and connection errors are
// dispatched to OnError, anything else stops the run loop.
type Handlers struct {
	// OnConnect is called by a Server when a stream is accepted,
	// before its handshake.
	OnConnect func(c *Conn) error
	// OnHandshake is called once the opening handshake completed.
	OnHandshake func(c *Conn, req *HandshakeRequest, resp *HandshakeResponse) error
	// OnDisconnect is called once a connection is gone.
	OnDisconnect func(c *Conn) error

	OnText   func(c *Conn, m *Text) error
	OnBinary func(c *Conn, m *Binary) error
	OnPing   func(c *Conn, m *Ping) error
	OnPong   func(c *Conn, m *Pong) error
	OnClose  func(c *Conn, m *Close) error

	// OnError receives message and connection level failures.
	// c is nil when the failure is not tied to a connection.
	OnError func(c *Conn, err error)
	// OnTick is called at the end of every pass of the run loop.
	OnTick func() error
}

func (h *Handlers) dispatchMessage(c *Conn, m Message) error {
	switch m := m.(type) {
	case *Text:
		if h.OnText != nil {
			return h.OnText(c, m)
		}
	case *Binary:
		if h.OnBinary != nil {
			return h.OnBinary(c, m)
		}
	case *Ping:
		if h.OnPing != nil {
			return h.OnPing(c, m)
		}
	case *Pong:
		if h.OnPong != nil {
			return h.OnPong(c, m)
		}
	case *Close:
		if h.OnClose != nil {
			return h.OnClose(c, m)
		}
	}
	return nil
}

func (h *Handlers) dispatchConnect(c *Conn) error {
	if h.OnConnect != nil {
		return h.OnConnect(c)
	}
	return nil
}

func (h *Handlers) dispatchHandshake(c *Conn) error {
	if h.OnHandshake != nil {
		return h.OnHandshake(c, c.HandshakeRequest(), c.HandshakeResponse())
	}
	return nil
}

func (h *Handlers) dispatchDisconnect(c *Conn) error {
	if h.OnDisconnect != nil {
		return h.OnDisconnect(c)
	}
	return nil
}

func (h *Handlers) dispatchError(c *Conn, err error) {
	if h.OnError != nil {
		h.OnError(c, err)
	}
}

func (h *Handlers) dispatchTick() error {
	if h.OnTick != nil {
		return h.OnTick()
	}
	return nil
}

// DefaultMiddleware returns the middleware used when none is configured:
// a CloseHandler and a PingResponder.
func DefaultMiddleware() []Middleware {
	return []Middleware{
		CloseHandler{},
		PingResponder{},
	}
}
