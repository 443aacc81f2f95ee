package fileio

import (
	"os"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/encvault/encvault/internal/iface"
	"github.com/encvault/encvault/internal/syscallcompat"
	"github.com/encvault/encvault/internal/tlog"
)

var rawIface = iface.New("FileIO/Raw", 1, 0, 0)

// RawFileIO is the bottom of the stack: positional reads and writes on the
// backing file. The file descriptor is opened lazily and upgraded to
// read-write on demand; the previously opened descriptor is kept until
// Close so that callers holding the old fd stay valid.
type RawFileIO struct {
	mu        sync.Mutex
	name      string
	fd        int
	oldfd     int
	canWrite  bool
	knownSize bool
	fileSize  int64
}

// NewRawFileIO creates a RawFileIO for the backing path "name". No file is
// opened yet.
func NewRawFileIO(name string) *RawFileIO {
	return &RawFileIO{
		name:  name,
		fd:    -1,
		oldfd: -1,
	}
}

// Iface returns the versioned identity of this layer.
func (r *RawFileIO) Iface() iface.Iface {
	return rawIface
}

// openReadonlyWorkaround handles opening a file read-write whose
// permissions deny it to the owner: bump the mode, open, restore the mode.
func openReadonlyWorkaround(path string, flags int) (int, error) {
	var st syscall.Stat_t
	if err := syscall.Lstat(path, &st); err != nil {
		return -1, err
	}
	if err := syscall.Chmod(path, st.Mode|0600); err != nil {
		return -1, err
	}
	fd, err := syscallcompat.Open(path, flags, 0)
	// Restore the mode whether the open worked or not
	if err2 := syscall.Chmod(path, st.Mode); err2 != nil {
		tlog.Warn.Printf("openReadonlyWorkaround: chmod restore on %q failed: %v", path, err2)
	}
	return fd, err
}

// Open opens (or reopens) the backing file. An already-open descriptor is
// reused unless write access is requested and the file was opened
// read-only.
func (r *RawFileIO) Open(flags int) (int, error) {
	requestWrite := flags&os.O_RDWR != 0 || flags&os.O_WRONLY != 0

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fd >= 0 && (r.canWrite || !requestWrite) {
		return r.fd, nil
	}

	finalFlags := os.O_RDONLY
	if requestWrite {
		finalFlags = os.O_RDWR
	}

	newFd, err := syscallcompat.Open(r.name, finalFlags, 0)
	if err == syscall.EACCES {
		tlog.Debug.Printf("RawFileIO.Open: using readonly workaround for %q", r.name)
		newFd, err = openReadonlyWorkaround(r.name, finalFlags)
	}
	if err != nil {
		tlog.Debug.Printf("RawFileIO.Open %q: %v", r.name, err)
		return -1, err
	}

	if r.oldfd >= 0 {
		tlog.Warn.Printf("RawFileIO.Open: leaking fd? oldfd=%d fd=%d newfd=%d", r.oldfd, r.fd, newFd)
		syscall.Close(r.oldfd)
	}
	r.canWrite = requestWrite
	r.oldfd = r.fd
	r.fd = newFd
	return r.fd, nil
}

// SetFileName changes the backing path used for future opens and stats.
func (r *RawFileIO) SetFileName(name string) {
	r.mu.Lock()
	r.name = name
	r.mu.Unlock()
}

// GetFileName returns the backing path.
func (r *RawFileIO) GetFileName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.name
}

// GetAttr stats the backing file.
func (r *RawFileIO) GetAttr(st *syscall.Stat_t) error {
	err := syscall.Lstat(r.GetFileName(), st)
	if err != nil {
		tlog.Debug.Printf("RawFileIO.GetAttr on %q: %v", r.name, err)
	}
	return err
}

// GetSize returns the backing file size. The value is cached and kept in
// sync by Write and Truncate.
func (r *RawFileIO) GetSize() (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.knownSize {
		var st syscall.Stat_t
		if err := syscall.Lstat(r.name, &st); err != nil {
			tlog.Debug.Printf("RawFileIO.GetSize on %q: %v", r.name, err)
			return -1, err
		}
		r.fileSize = st.Size
		r.knownSize = true
	}
	return r.fileSize, nil
}

// Read performs a positional read. Short reads at end-of-file are normal.
func (r *RawFileIO) Read(req *IORequest) (int, error) {
	n, err := syscallcompat.Pread(r.fd, req.Data, req.Offset)
	if err != nil {
		tlog.Warn.Printf("RawFileIO.Read: pread %q off=%d len=%d: %v",
			r.name, req.Offset, len(req.Data), err)
		return 0, err
	}
	return n, nil
}

// Write performs a positional write and loops until all bytes are on their
// way or an error occurs.
func (r *RawFileIO) Write(req *IORequest) (int, error) {
	if r.fd < 0 {
		return 0, syscall.EBADF
	}
	data := req.Data
	offset := req.Offset
	for len(data) > 0 {
		n, err := syscallcompat.Pwrite(r.fd, data, offset)
		if err != nil {
			tlog.Warn.Printf("RawFileIO.Write: pwrite %q off=%d len=%d: %v",
				r.name, offset, len(data), err)
			return 0, err
		}
		data = data[n:]
		offset += int64(n)
	}
	r.mu.Lock()
	if r.knownSize && req.Offset+int64(len(req.Data)) > r.fileSize {
		r.fileSize = req.Offset + int64(len(req.Data))
	}
	r.mu.Unlock()
	return len(req.Data), nil
}

// Truncate resizes the backing file, through the fd if one is open.
func (r *RawFileIO) Truncate(size int64) error {
	var err error
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fd >= 0 {
		err = unix.Ftruncate(r.fd, size)
	} else {
		err = unix.Truncate(r.name, size)
	}
	if err != nil {
		tlog.Debug.Printf("RawFileIO.Truncate %q to %d: %v", r.name, size, err)
		return err
	}
	r.fileSize = size
	r.knownSize = true
	return nil
}

// SetIV - the raw layer has no IV.
func (r *RawFileIO) SetIV(iv uint64) error {
	return nil
}

// IsWritable reports whether the current fd was opened for writing.
func (r *RawFileIO) IsWritable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canWrite
}

// Close releases the file descriptors.
func (r *RawFileIO) Close() error {
	r.mu.Lock()
	fd, oldfd := r.fd, r.oldfd
	r.fd, r.oldfd = -1, -1
	r.mu.Unlock()
	var err error
	if oldfd >= 0 {
		err = syscall.Close(oldfd)
	}
	if fd >= 0 {
		if err2 := syscall.Close(fd); err == nil {
			err = err2
		}
	}
	return err
}

// Fd returns the current backing file descriptor, -1 when unopened.
func (r *RawFileIO) Fd() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fd
}
