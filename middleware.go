package wsengine

import "fmt"

// Middleware intercepts protocol events on a connection.
// A middleware implements any subset of the hook interfaces below.
// Hooks of the first registered middleware run outermost: they see
// outgoing values first and incoming values last.
type Middleware interface {
	fmt.Stringer
}

// OutgoingHandshakeHook intercepts handshake requests and responses
// before they are written. It must call next to continue the pipeline.
type OutgoingHandshakeHook interface {
	OutgoingHandshake(c *Conn, m HTTPMessage, next func(HTTPMessage) (HTTPMessage, error)) (HTTPMessage, error)
}

// IncomingHandshakeHook intercepts handshake requests and responses
// after they are read. next reads the message.
type IncomingHandshakeHook interface {
	IncomingHandshake(c *Conn, next func() (HTTPMessage, error)) (HTTPMessage, error)
}

// OutgoingMessageHook intercepts messages before they are framed and written.
type OutgoingMessageHook interface {
	OutgoingMessage(c *Conn, m Message, next func(Message) (Message, error)) (Message, error)
}

// IncomingMessageHook intercepts messages after they are read and reassembled.
type IncomingMessageHook interface {
	IncomingMessage(c *Conn, next func() (Message, error)) (Message, error)
}

// TickHook is called once per pass of the run loop.
type TickHook interface {
	Tick(c *Conn) error
}

// middlewareStack is an ordered list of middleware.
type middlewareStack struct {
	list []Middleware
}

func (s *middlewareStack) add(mws ...Middleware) {
	s.list = append(s.list, mws...)
}

func (s *middlewareStack) clone() middlewareStack {
	return middlewareStack{
		list: append([]Middleware(nil), s.list...),
	}
}

func (s *middlewareStack) outgoingHandshake(c *Conn, m HTTPMessage, last func(HTTPMessage) (HTTPMessage, error)) (HTTPMessage, error) {
	var call func(i int, m HTTPMessage) (HTTPMessage, error)
	call = func(i int, m HTTPMessage) (HTTPMessage, error) {
		for ; i < len(s.list); i++ {
			if h, ok := s.list[i].(OutgoingHandshakeHook); ok {
				i := i
				return h.OutgoingHandshake(c, m, func(m HTTPMessage) (HTTPMessage, error) {
					return call(i+1, m)
				})
			}
		}
		return last(m)
	}
	return call(0, m)
}

func (s *middlewareStack) incomingHandshake(c *Conn, first func() (HTTPMessage, error)) (HTTPMessage, error) {
	var call func(i int) (HTTPMessage, error)
	call = func(i int) (HTTPMessage, error) {
		for ; i < len(s.list); i++ {
			if h, ok := s.list[i].(IncomingHandshakeHook); ok {
				i := i
				return h.IncomingHandshake(c, func() (HTTPMessage, error) {
					return call(i + 1)
				})
			}
		}
		return first()
	}
	return call(0)
}

func (s *middlewareStack) outgoingMessage(c *Conn, m Message, last func(Message) (Message, error)) (Message, error) {
	var call func(i int, m Message) (Message, error)
	call = func(i int, m Message) (Message, error) {
		for ; i < len(s.list); i++ {
			if h, ok := s.list[i].(OutgoingMessageHook); ok {
				i := i
				return h.OutgoingMessage(c, m, func(m Message) (Message, error) {
					return call(i+1, m)
				})
			}
		}
		return last(m)
	}
	return call(0, m)
}

func (s *middlewareStack) incomingMessage(c *Conn, first func() (Message, error)) (Message, error) {
	var call func(i int) (Message, error)
	call = func(i int) (Message, error) {
		for ; i < len(s.list); i++ {
			if h, ok := s.list[i].(IncomingMessageHook); ok {
				i := i
				return h.IncomingMessage(c, func() (Message, error) {
					return call(i + 1)
				})
			}
		}
		return first()
	}
	return call(0)
}

func (s *middlewareStack) tick(c *Conn) error {
	for _, mw := range s.list {
		if h, ok := mw.(TickHook); ok {
			err := h.Tick(c)
			if err != nil {
				return err
			}
		}
	}
	return nil
}
