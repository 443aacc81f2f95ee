package syscallcompat

import "golang.org/x/sys/unix"

// Fdatasync syncs the data of an open file, skipping the metadata when the
// kernel supports it.
func Fdatasync(fd int) error {
	return retryEINTR(func() error {
		return unix.Fdatasync(fd)
	})
}
