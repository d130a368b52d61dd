//go:build !unix

package wsengine

import (
	"time"

	"golang.org/x/xerrors"
)

const canPoll = false

func pollFDs(fds []uintptr, timeout time.Duration) ([]bool, error) {
	return nil, xerrors.New("descriptor polling is not supported on this platform")
}
