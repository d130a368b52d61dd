//go:build unix

package wsengine

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const canPoll = true

// pollFDs waits up to timeout for any of fds to become readable.
// A readable descriptor includes one that reached EOF or failed.
func pollFDs(fds []uintptr, timeout time.Duration) ([]bool, error) {
	pfds := make([]unix.PollFd, len(fds))
	for i, fd := range fds {
		pfds[i] = unix.PollFd{
			Fd:     int32(fd),
			Events: unix.POLLIN,
		}
	}

	ms := int(timeout / time.Millisecond)
	for {
		_, err := unix.Poll(pfds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, os.NewSyscallError("poll", err)
		}
		break
	}

	ready := make([]bool, len(fds))
	for i, pfd := range pfds {
		ready[i] = pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0
	}
	return ready, nil
}
