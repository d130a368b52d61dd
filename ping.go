package wsengine

import (
	"time"
)

// PingResponder answers every Ping with a Pong carrying the same payload.
type PingResponder struct{}

func (PingResponder) String() string {
	return "PingResponder"
}

func (PingResponder) IncomingMessage(c *Conn, next func() (Message, error)) (Message, error) {
	m, err := next()
	if err != nil {
		return nil, err
	}
	if _, ok := m.(*Ping); ok && c.IsWritable() {
		err = c.Pong(m.Content())
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

// PingInterval sends an empty Ping when nothing was sent for the interval.
// The first tick on a connection only starts the timer.
type PingInterval struct {
	interval time.Duration
	now      func() time.Time
}

// NewPingInterval returns a PingInterval. A zero interval uses the
// connection timeout.
func NewPingInterval(interval time.Duration) *PingInterval {
	return &PingInterval{
		interval: interval,
		now:      time.Now,
	}
}

func (pi *PingInterval) String() string {
	return "PingInterval"
}

func (pi *PingInterval) intervalFor(c *Conn) time.Duration {
	if pi.interval > 0 {
		return pi.interval
	}
	return c.Timeout()
}

func (pi *PingInterval) OutgoingMessage(c *Conn, m Message, next func(Message) (Message, error)) (Message, error) {
	c.pingNext = pi.now().Add(pi.intervalFor(c))
	return next(m)
}

func (pi *PingInterval) Tick(c *Conn) error {
	interval := pi.intervalFor(c)
	if interval <= 0 {
		return nil
	}

	now := pi.now()
	if c.pingNext.IsZero() {
		c.pingNext = now.Add(interval)
		return nil
	}
	if !c.IsWritable() || now.Before(c.pingNext) {
		return nil
	}

	c.pingNext = now.Add(interval)
	c.log.Debug().Dur("interval", interval).Msg("sending keepalive ping")
	return c.Ping(nil)
}
