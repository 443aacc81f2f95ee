//go:build !linux
// +build !linux

package syscallcompat

import "syscall"

// Fdatasync falls back to a full fsync on platforms without fdatasync.
func Fdatasync(fd int) error {
	return retryEINTR(func() error {
		return syscall.Fsync(fd)
	})
}
