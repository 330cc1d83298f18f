//go:build unix

package lsm

import (
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// lockCloser hides all of an os.File's methods, except for Close.
type lockCloser struct {
	f *os.File
}

func (l lockCloser) Close() error {
	// Closing the descriptor releases the flock.
	return l.f.Close()
}

// lockDirectory takes an exclusive advisory lock on name, failing immediately if
// another process (or another open in this process) holds it.
func lockDirectory(name string) (io.Closer, error) {
	f, err := os.OpenFile(name, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, ioErrorf(err, "lsm: opening %s", name)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, errors.Mark(errors.Wrapf(err, "lsm: %s is held by another process", name), ErrLocked)
		}
		return nil, ioErrorf(err, "lsm: locking %s", name)
	}
	return lockCloser{f}, nil
}
