package wsengine

import (
	"testing"
	"time"

	"github.com/coder/wsengine/internal/test/assert"
	"github.com/coder/wsengine/internal/test/wstest"
)

type recorder struct {
	name string
	log  *[]string
}

func (r recorder) String() string {
	return r.name
}

func (r recorder) OutgoingMessage(c *Conn, m Message, next func(Message) (Message, error)) (Message, error) {
	*r.log = append(*r.log, r.name+" out")
	return next(m)
}

func (r recorder) IncomingMessage(c *Conn, next func() (Message, error)) (Message, error) {
	m, err := next()
	*r.log = append(*r.log, r.name+" in")
	return m, err
}

func (r recorder) Tick(c *Conn) error {
	*r.log = append(*r.log, r.name+" tick")
	return nil
}

func TestMiddlewareStack(t *testing.T) {
	t.Parallel()

	var log []string
	s := wstest.NewStream(encodeFrames(t, true, Frame{Opcode: OpText, Fin: true, Payload: []byte("a")}))
	c := newTestConn(s, false, recorder{"first", &log}, recorder{"second", &log})

	_, err := c.PushMessage(NewText("a"))
	assert.Success(t, err)
	_, err = c.PullMessage()
	assert.Success(t, err)
	assert.Success(t, c.Tick())

	assert.Equal(t, "order", []string{
		"first out",
		"second out",
		"second in",
		"first in",
		"first tick",
		"second tick",
	}, log)

	clone := c.middleware.clone()
	clone.add(recorder{"third", &log})
	assert.Equal(t, "original untouched", 2, len(c.middleware.list))
}

func TestCloseHandler(t *testing.T) {
	t.Parallel()

	t.Run("remoteClose", func(t *testing.T) {
		t.Parallel()

		s := wstest.NewStream(encodeFrames(t, true, Frame{Opcode: OpClose, Fin: true, Payload: []byte{0x03, 0xe9}}))
		c := newTestConn(s, false, DefaultMiddleware()...)

		m, err := c.PullMessage()
		assert.Success(t, err)
		assert.Equal(t, "code", StatusGoingAway, m.(*Close).Code())
		assert.Equal(t, "connected", false, c.IsConnected())

		f, _, err := DecodeFrame(bytesReader(s.Written()))
		assert.Success(t, err)
		assert.Equal(t, "ack", Frame{
			Opcode:  OpClose,
			Fin:     true,
			Payload: append([]byte{0x03, 0xe9}, "close acknowledged: 1001"...),
		}, f)
	})

	t.Run("remoteCloseNoStatus", func(t *testing.T) {
		t.Parallel()

		s := wstest.NewStream(encodeFrames(t, true, Frame{Opcode: OpClose, Fin: true}))
		c := newTestConn(s, false, CloseHandler{})

		_, err := c.PullMessage()
		assert.Success(t, err)

		f, _, err := DecodeFrame(bytesReader(s.Written()))
		assert.Success(t, err)
		assert.Equal(t, "ack", append([]byte{0x03, 0xe8}, "close acknowledged"...), f.Payload)
	})

	t.Run("localClose", func(t *testing.T) {
		t.Parallel()

		s := wstest.NewStream().Blocking()
		c := newTestConn(s, false, CloseHandler{})

		err := c.Close(StatusNormalClosure, "bye")
		assert.Success(t, err)
		assert.Equal(t, "state", StateClosingLocal, c.State())
		assert.Equal(t, "wire", append([]byte{0x88, 0x05, 0x03, 0xe8}, "bye"...), s.Written())

		s.Feed(encodeFrames(t, true, Frame{Opcode: OpClose, Fin: true, Payload: []byte{0x03, 0xe8}}))
		m, err := c.PullMessage()
		assert.Success(t, err)
		assert.Equal(t, "close", OpClose, m.Opcode())
		assert.Equal(t, "state", StateClosed, c.State())
		assert.Equal(t, "nothing written", 0, len(s.Written()))
	})

	t.Run("closeAfterRemoteClose", func(t *testing.T) {
		t.Parallel()

		s := wstest.NewStream()
		c := newTestConn(s, false, CloseHandler{})
		c.CloseRead()

		err := c.Close(StatusNormalClosure, "")
		assert.Success(t, err)
		assert.Equal(t, "connected", false, c.IsConnected())
	})
}

func TestPingResponder(t *testing.T) {
	t.Parallel()

	s := wstest.NewStream(encodeFrames(t, true, Frame{Opcode: OpPing, Fin: true, Payload: []byte("hi")}))
	c := newTestConn(s, false, PingResponder{})

	m, err := c.PullMessage()
	assert.Success(t, err)
	assert.Equal(t, "ping", OpPing, m.Opcode())
	assert.Equal(t, "pong", []byte{0x8a, 0x02, 'h', 'i'}, s.Written())
}

func TestPingInterval(t *testing.T) {
	t.Parallel()

	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	pi := NewPingInterval(10 * time.Second)
	pi.now = func() time.Time {
		return now
	}

	s := wstest.NewStream()
	c := newTestConn(s, false, pi)

	assert.Success(t, c.Tick())
	assert.Equal(t, "first tick", 0, len(s.Written()))

	now = now.Add(5 * time.Second)
	assert.Success(t, c.Tick())
	assert.Equal(t, "early tick", 0, len(s.Written()))

	now = now.Add(5 * time.Second)
	assert.Success(t, c.Tick())
	assert.Equal(t, "ping", b64(t, "iQA="), s.Written())

	now = now.Add(9 * time.Second)
	assert.Success(t, c.Text("a"))
	s.Written()
	now = now.Add(9 * time.Second)
	assert.Success(t, c.Tick())
	assert.Equal(t, "reset by send", 0, len(s.Written()))

	now = now.Add(time.Second)
	assert.Success(t, c.Tick())
	assert.Equal(t, "ping", b64(t, "iQA="), s.Written())

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()

		pi := NewPingInterval(0)
		c := newTestConn(wstest.NewStream(), false)
		assert.Equal(t, "interval", DefaultTimeout, pi.intervalFor(c))

		assert.Success(t, c.SetTimeout(0))
		assert.Success(t, pi.Tick(c))
		assert.True(t, "never armed", c.pingNext.IsZero())
	})
}
