// Package syscallcompat wraps the raw syscalls the I/O layers need with
// EINTR retry loops and provides the fsuid/fsgid override used for
// ownership-aware create operations.
package syscallcompat

import (
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// retryEINTR executes operation "op" and retries on EINTR.
func retryEINTR(op func() error) error {
	for {
		err := op()
		if err != syscall.EINTR {
			return err
		}
	}
}

// Open wraps open(2), retrying on EINTR.
func Open(path string, mode int, perm uint32) (fd int, err error) {
	err = retryEINTR(func() error {
		fd, err = syscall.Open(path, mode, perm)
		return err
	})
	return fd, err
}

// Pread wraps pread(2), retrying on EINTR.
func Pread(fd int, p []byte, offset int64) (n int, err error) {
	err = retryEINTR(func() error {
		n, err = unix.Pread(fd, p, offset)
		return err
	})
	return n, err
}

// Pwrite wraps pwrite(2), retrying on EINTR.
func Pwrite(fd int, p []byte, offset int64) (n int, err error) {
	err = retryEINTR(func() error {
		n, err = unix.Pwrite(fd, p, offset)
		return err
	})
	return n, err
}

// Utimes sets the access and modification times of "path". Used to
// preserve mtimes across renames.
func Utimes(path string, atime time.Time, mtime time.Time) error {
	ts := []unix.Timespec{
		unix.NsecToTimespec(atime.UnixNano()),
		unix.NsecToTimespec(mtime.UnixNano()),
	}
	return unix.UtimesNanoAt(unix.AT_FDCWD, path, ts, unix.AT_SYMLINK_NOFOLLOW)
}
