package wsengine

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/eapache/queue"
)

const (
	// pollSlice bounds a single wait so cancellation is noticed.
	pollSlice = 250 * time.Millisecond
	// probeWait is how long a stream without a descriptor is probed.
	probeWait = 5 * time.Millisecond
)

type deadliner interface {
	SetDeadline(t time.Time) error
}

// readiness is the outcome of one wait on a set of streams.
type readiness struct {
	// conns holds the ready connections in the order they were given.
	conns *queue.Queue
	// accept is set when the listener has a pending connection.
	accept bool
	// accepted is the connection taken from a listener that cannot be polled.
	accepted net.Conn
}

// waitReady blocks until a connection has input, the listener has a
// pending connection, timeout passes, stopped reports true or ctx is done.
// A zero timeout waits until something is ready.
func waitReady(ctx context.Context, conns []*Conn, ln net.Listener, timeout time.Duration, stopped func() bool) (readiness, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		wait := pollSlice
		if !deadline.IsZero() {
			rem := time.Until(deadline)
			if rem < wait {
				wait = rem
			}
			if wait < 0 {
				wait = 0
			}
		}

		r, err := pollOnce(conns, ln, wait)
		if err != nil || r.conns.Length() > 0 || r.accept {
			return r, err
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return r, nil
		}
		if stopped != nil && stopped() {
			return r, nil
		}
		select {
		case <-ctx.Done():
			return r, ctx.Err()
		default:
		}
	}
}

func pollOnce(conns []*Conn, ln net.Listener, wait time.Duration) (readiness, error) {
	r := readiness{conns: queue.New()}

	ready := make(map[*Conn]bool, len(conns))
	var fds []uintptr
	var fdConns []*Conn
	var probes []*Conn
	for _, c := range conns {
		if !c.IsConnected() {
			continue
		}
		if c.buffered() {
			ready[c] = true
			wait = 0
			continue
		}
		if fd, ok := rawFD(c.netConn); ok {
			fds = append(fds, fd)
			fdConns = append(fdConns, c)
			continue
		}
		probes = append(probes, c)
	}

	lnIndex := -1
	var lnProbe deadliner
	if ln != nil {
		if fd, ok := rawFD(ln); ok {
			lnIndex = len(fds)
			fds = append(fds, fd)
		} else if d, ok := ln.(deadliner); ok {
			lnProbe = d
		}
	}

	if len(probes) > 0 || lnProbe != nil {
		if wait > probeWait {
			wait = probeWait
		}
	}

	switch {
	case len(fds) > 0:
		polled, err := pollFDs(fds, wait)
		if err != nil {
			return r, err
		}
		for i, ok := range polled {
			if !ok {
				continue
			}
			if i == lnIndex {
				r.accept = true
				continue
			}
			ready[fdConns[i]] = true
		}
	case len(probes) == 0 && lnProbe == nil && wait > 0:
		time.Sleep(wait)
	}

	for _, c := range probes {
		if c.probe(probeWait) {
			ready[c] = true
		}
	}

	if lnProbe != nil {
		err := lnProbe.SetDeadline(time.Now().Add(probeWait))
		if err != nil {
			return r, err
		}
		nc, err := ln.Accept()
		switch {
		case err == nil:
			r.accept = true
			r.accepted = nc
		case !isTimeout(err):
			return r, err
		}
		lnProbe.SetDeadline(time.Time{})
	}

	for _, c := range conns {
		if ready[c] {
			r.conns.Add(c)
		}
	}
	return r, nil
}

// rawFD returns the descriptor of v when it is a plain socket.
// Wrapped streams such as *tls.Conn buffer data the descriptor
// cannot report and are probed instead.
func rawFD(v interface{}) (uintptr, bool) {
	if !canPoll {
		return 0, false
	}
	sc, ok := v.(syscall.Conn)
	if !ok {
		return 0, false
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return 0, false
	}
	var fd uintptr
	err = rc.Control(func(f uintptr) {
		fd = f
	})
	return fd, err == nil
}

// probe reports whether a read on c would not block for longer than d.
// A failed read counts as ready so that the failure surfaces from the pull.
func (c *Conn) probe(d time.Duration) bool {
	if c.buffered() {
		return true
	}
	err := c.netConn.SetReadDeadline(time.Now().Add(d))
	if err != nil {
		return true
	}
	_, err = c.br.Peek(1)
	return err == nil || !isTimeout(err)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
