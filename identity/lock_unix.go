//go:build unix

package identity

import (
	"context"
	"errors"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const lockRetryInterval = 25 * time.Millisecond

// lockFile takes an exclusive flock on path, creating it if needed, and
// retries until ctx is done. The returned func unlocks and closes.
func lockFile(ctx context.Context, path string) (func() error, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, err
	}
	fd := int(f.Fd())

	for {
		err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			f.Close()
			return nil, err
		}
		timer := time.NewTimer(lockRetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			f.Close()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return func() error {
		if err := unix.Flock(fd, unix.LOCK_UN); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	}, nil
}
