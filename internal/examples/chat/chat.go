package main

import (
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/coder/wsengine"
)

// chatServer broadcasts every Text message to all connected subscribers.
type chatServer struct {
	*wsengine.Server

	// publishLimiters is keyed by connection ID.
	publishLimiters map[string]*rate.Limiter
	log             *zerolog.Logger
}

func newChatServer(addr string, log *zerolog.Logger) (*chatServer, error) {
	s, err := wsengine.Listen(addr, &wsengine.ServerOptions{
		Logger: log,
	})
	if err != nil {
		return nil, err
	}

	cs := &chatServer{
		Server:          s,
		publishLimiters: make(map[string]*rate.Limiter),
		log:             log,
	}
	s.OnHandshake = cs.subscribe
	s.OnDisconnect = cs.unsubscribe
	s.OnText = cs.publish
	s.OnError = func(c *wsengine.Conn, err error) {
		cs.log.Warn().Err(err).Msg("chat connection failed")
	}
	return cs, nil
}

func (cs *chatServer) subscribe(c *wsengine.Conn, req *wsengine.HandshakeRequest, resp *wsengine.HandshakeResponse) error {
	cs.publishLimiters[c.ID()] = rate.NewLimiter(rate.Every(time.Millisecond*100), 8)
	return nil
}

func (cs *chatServer) unsubscribe(c *wsengine.Conn) error {
	delete(cs.publishLimiters, c.ID())
	return nil
}

// publish broadcasts m to every subscriber. A subscriber publishing faster
// than its limiter allows gets a Close with StatusPolicyViolation.
func (cs *chatServer) publish(c *wsengine.Conn, m *wsengine.Text) error {
	if !c.IsWritable() {
		return nil
	}
	l, ok := cs.publishLimiters[c.ID()]
	if ok && !l.Allow() {
		return c.Close(wsengine.StatusPolicyViolation, "publishing too fast")
	}
	return cs.Send(wsengine.NewText(m.Text()))
}
