//go:build !windows

package embkv

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// flock takes an advisory lock on f: exclusive for a writable DB,
// shared for a read-only one. It retries until acquired or timeout
// elapses (zero timeout waits indefinitely).
func flock(f *os.File, exclusive bool, timeout time.Duration) error {
	var t time.Time
	for {
		flag := unix.LOCK_SH
		if exclusive {
			flag = unix.LOCK_EX
		}
		err := unix.Flock(int(f.Fd()), flag|unix.LOCK_NB)
		if err == nil {
			return nil
		} else if err != unix.EWOULDBLOCK {
			return err
		}

		if t.IsZero() {
			t = time.Now()
		} else if timeout > 0 && time.Since(t) > timeout {
			return ErrTimeout
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func funlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

// fdatasync flushes f's data (and only as much metadata as is needed to
// retrieve it) to stable storage.
func fdatasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
