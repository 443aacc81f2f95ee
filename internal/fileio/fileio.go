// Package fileio implements the stacked per-file I/O pipeline: RawFileIO
// talks to the backing file, BlockFileIO turns arbitrary requests into
// aligned block operations, CipherFileIO encrypts block payloads and owns
// the per-file IV header, and MACFileIO frames each block with a checksum.
// A file node composes raw -> cipher -> (optional) MAC.
package fileio

import (
	"syscall"

	"github.com/encvault/encvault/internal/iface"
)

// IORequest is one read or write request. The length of Data is the
// request length.
type IORequest struct {
	Offset int64
	Data   []byte
}

// FileIO is the capability every layer of the stack implements. Reads may
// come back short; writes are all-or-error. Errors are usually
// syscall.Errno values which the frontend converts to -errno.
type FileIO interface {
	Iface() iface.Iface

	// Open prepares the layer for I/O with the given open(2) flags and
	// returns the backing file descriptor. Requesting write access on a
	// layer opened read-only reopens the backing file.
	Open(flags int) (int, error)

	SetFileName(name string)
	GetFileName() string

	GetSize() (int64, error)
	GetAttr(st *syscall.Stat_t) error

	Read(req *IORequest) (int, error)
	Write(req *IORequest) (int, error)
	Truncate(size int64) error

	// SetIV installs the external IV of this file (derived from its name
	// chain). Layers that do not use it forward the call down.
	SetIV(iv uint64) error

	IsWritable() bool

	// Close releases the backing file descriptors.
	Close() error
}
