// Package wstest provides in-memory and loopback transports for tests.
package wstest

import (
	"bytes"
	"io"
	"net"
	"sync"
	"time"
)

// Stream is a scripted net.Conn. Reads drain the bytes queued with Feed,
// writes are recorded and can be taken back with Written.
// Once the queued input is exhausted reads return io.EOF unless the
// stream was created with Blocking, in which case they fail with a
// timeout error just like a socket with an expired read deadline.
type Stream struct {
	mu       sync.Mutex
	in       bytes.Buffer
	out      bytes.Buffer
	writes   [][]byte
	closed   bool
	blocking bool

	// WriteErr, when set, is returned by every Write.
	WriteErr error
}

var _ net.Conn = (*Stream)(nil)

// NewStream returns a Stream whose input is the concatenation of in.
func NewStream(in ...[]byte) *Stream {
	s := &Stream{}
	s.Feed(in...)
	return s
}

// Blocking makes reads on an empty stream time out instead of
// returning io.EOF.
func (s *Stream) Blocking() *Stream {
	s.mu.Lock()
	s.blocking = true
	s.mu.Unlock()
	return s
}

// Feed queues more input.
func (s *Stream) Feed(in ...[]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range in {
		s.in.Write(p)
	}
}

// FeedString queues more input.
func (s *Stream) FeedString(in ...string) {
	for _, p := range in {
		s.Feed([]byte(p))
	}
}

// Written returns everything written so far and resets the record.
func (s *Stream) Written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := append([]byte(nil), s.out.Bytes()...)
	s.out.Reset()
	s.writes = nil
	return p
}

// Writes returns the individual Write calls recorded since the last reset.
func (s *Stream) Writes() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.writes...)
}

// Closed reports whether Close was called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Pending reports how many input bytes are still unread.
func (s *Stream) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.in.Len()
}

func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, net.ErrClosed
	}
	if s.in.Len() == 0 {
		if s.blocking {
			return 0, timeoutError{}
		}
		return 0, io.EOF
	}
	return s.in.Read(p)
}

func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, net.ErrClosed
	}
	if s.WriteErr != nil {
		return 0, s.WriteErr
	}
	s.writes = append(s.writes, append([]byte(nil), p...))
	return s.out.Write(p)
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Stream) LocalAddr() net.Addr  { return addr("local") }
func (s *Stream) RemoteAddr() net.Addr { return addr("remote") }

func (s *Stream) SetDeadline(t time.Time) error      { return nil }
func (s *Stream) SetReadDeadline(t time.Time) error  { return nil }
func (s *Stream) SetWriteDeadline(t time.Time) error { return nil }

type addr string

func (a addr) Network() string { return "memory" }
func (a addr) String() string  { return string(a) }

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
