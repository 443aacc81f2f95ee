package fusefrontend

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/encvault/encvault/internal/fileio"
	"github.com/encvault/encvault/internal/fsconfig"
	"github.com/encvault/encvault/internal/syscallcompat"
	"github.com/encvault/encvault/internal/tlog"
)

// Canary values. The canary is set at construction and overwritten when
// the registry drops its last reference resp. when the node is destroyed,
// so a holder of a stale pointer can detect use-after-release.
const (
	canaryOK        = 0x62616e61
	canaryReleased  = 0x72656c65
	canaryDestroyed = 0x64657374
)

// FileNode is one plaintext file held open (or looked up). It owns the
// composed I/O pipeline raw -> cipher -> (optional) MAC and a mutex that
// serializes all operations on the node, including reads: the one-block
// cache in the pipeline is mutable state.
type FileNode struct {
	mu     sync.Mutex
	canary uint32

	pname string
	cname string

	handleID uint64
	parent   *DirNode
	cfg      *fsconfig.FSConfig
	io       fileio.FileIO
}

// newFileNode composes the I/O stack for the backing file "cname".
func newFileNode(parent *DirNode, cfg *fsconfig.FSConfig, pname, cname string, handleID uint64) *FileNode {
	var io fileio.FileIO = fileio.NewCipherFileIO(fileio.NewRawFileIO(cname), cfg)
	if cfg.Config.BlockMACBytes != 0 || cfg.Config.BlockMACRandBytes != 0 {
		io = fileio.NewMACFileIO(io, cfg)
	}
	return &FileNode{
		canary:   canaryOK,
		pname:    pname,
		cname:    cname,
		handleID: handleID,
		parent:   parent,
		cfg:      cfg,
		io:       io,
	}
}

// HandleID returns the node's registry handle id.
func (n *FileNode) HandleID() uint64 {
	return n.handleID
}

// MarkReleased clears the canary. Called by the registry when the last
// reference at the node's path is erased.
func (n *FileNode) MarkReleased() {
	atomic.StoreUint32(&n.canary, canaryReleased)
}

// released reports whether the registry has dropped the node.
func (n *FileNode) released() bool {
	return atomic.LoadUint32(&n.canary) != canaryOK
}

// checkCanary panics when the node has been released. Every entry point
// calls it; a failure is a logic error in the caller's reference
// handling.
func (n *FileNode) checkCanary() {
	switch atomic.LoadUint32(&n.canary) {
	case canaryOK:
		return
	case canaryReleased:
		tlog.Fatal.Printf("canary: file node %q used after release", n.cname)
	case canaryDestroyed:
		tlog.Fatal.Printf("canary: file node %q used after destroy", n.cname)
	default:
		tlog.Fatal.Printf("canary: file node %q corrupted", n.cname)
	}
	panic("file node canary check failed")
}

// destroy closes the backing descriptors and wipes the names.
func (n *FileNode) destroy() {
	n.mu.Lock()
	defer n.mu.Unlock()
	atomic.StoreUint32(&n.canary, canaryDestroyed)
	if n.io != nil {
		n.io.Close()
		n.io = nil
	}
	n.pname = ""
	n.cname = ""
}

// PlaintextName returns the plaintext path of this node.
func (n *FileNode) PlaintextName() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pname
}

// CipherName returns the full backing path of this node.
func (n *FileNode) CipherName() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cname
}

// PlaintextParent returns the plaintext path of the containing directory.
func (n *FileNode) PlaintextParent() string {
	return filepath.Dir(n.PlaintextName())
}

// setIVIfRegular installs the external IV on the pipeline, skipping
// non-regular files, which carry no header. A stat failure (the file may
// not exist yet) does not skip.
func setIVIfRegular(io fileio.FileIO, iv uint64) bool {
	var st syscall.Stat_t
	if err := io.GetAttr(&st); err != nil || st.Mode&syscall.S_IFMT == syscall.S_IFREG {
		return io.SetIV(iv) == nil
	}
	return true
}

// SetName changes the node's names and, with external IV chaining, reseats
// the header IV. An empty string keeps the current name. With setIVFirst
// the IV is reseated before the names change (rename forward direction);
// otherwise after, and a failed reseat restores the old names (undo
// direction).
func (n *FileNode) SetName(pname, cname string, iv uint64, setIVFirst bool) bool {
	n.checkCanary()
	n.mu.Lock()
	defer n.mu.Unlock()
	if cname != "" {
		tlog.Debug.Printf("SetName: %q -> %q, iv=%d", n.cname, cname, iv)
	}
	if setIVFirst {
		if n.cfg.Config.ExternalIVChaining && !setIVIfRegular(n.io, iv) {
			return false
		}
		if pname != "" {
			n.pname = pname
		}
		if cname != "" {
			n.cname = cname
			n.io.SetFileName(cname)
		}
		return true
	}
	oldPName := n.pname
	oldCName := n.cname
	if pname != "" {
		n.pname = pname
	}
	if cname != "" {
		n.cname = cname
		n.io.SetFileName(cname)
	}
	if n.cfg.Config.ExternalIVChaining && !setIVIfRegular(n.io, iv) {
		n.pname = oldPName
		n.cname = oldCName
		n.io.SetFileName(oldCName)
		return false
	}
	return true
}

// Open opens the backing file with the given open(2) flags.
func (n *FileNode) Open(flags int) fuse.Status {
	n.checkCanary()
	n.mu.Lock()
	defer n.mu.Unlock()
	_, err := n.io.Open(flags)
	return fuse.ToStatus(err)
}

// Mknod creates the backing file. A non-nil owner runs the creation under
// that fsuid/fsgid so the new file belongs to the caller.
func (n *FileNode) Mknod(mode uint32, rdev uint32, owner *fuse.Owner) fuse.Status {
	n.checkCanary()
	n.mu.Lock()
	defer n.mu.Unlock()

	uid, gid := 0, 0
	if owner != nil {
		uid, gid = int(owner.Uid), int(owner.Gid)
	}
	err := syscallcompat.AsUser(uid, gid, func() error {
		switch mode & syscall.S_IFMT {
		case syscall.S_IFREG, 0:
			fd, err := syscallcompat.Open(n.cname, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode&07777)
			if err != nil {
				return err
			}
			return syscall.Close(fd)
		case syscall.S_IFIFO:
			return syscall.Mkfifo(n.cname, mode&07777)
		default:
			return syscall.Mknod(n.cname, mode, int(rdev))
		}
	})
	if err != nil {
		tlog.Debug.Printf("Mknod %q: %v", n.cname, err)
	}
	return fuse.ToStatus(err)
}

// GetAttr stats the file with the size converted to the plaintext view.
func (n *FileNode) GetAttr(st *syscall.Stat_t) fuse.Status {
	n.checkCanary()
	n.mu.Lock()
	defer n.mu.Unlock()
	return fuse.ToStatus(n.io.GetAttr(st))
}

// GetSize returns the plaintext size.
func (n *FileNode) GetSize() (int64, fuse.Status) {
	n.checkCanary()
	n.mu.Lock()
	defer n.mu.Unlock()
	size, err := n.io.GetSize()
	return size, fuse.ToStatus(err)
}

// Read reads plaintext bytes at "offset". Short reads mean end-of-file.
func (n *FileNode) Read(offset int64, data []byte) (int, fuse.Status) {
	n.checkCanary()
	n.mu.Lock()
	defer n.mu.Unlock()
	req := fileio.IORequest{Offset: offset, Data: data}
	nn, err := n.io.Read(&req)
	return nn, fuse.ToStatus(err)
}

// Write writes plaintext bytes at "offset", extending the file with zeros
// (or holes) when the offset lies past the end.
func (n *FileNode) Write(offset int64, data []byte) (int, fuse.Status) {
	n.checkCanary()
	tlog.Debug.Printf("FileNode.Write: offset %d, %d bytes", offset, len(data))
	if len(data) == 0 {
		return 0, fuse.OK
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	req := fileio.IORequest{Offset: offset, Data: data}
	nn, err := n.io.Write(&req)
	return nn, fuse.ToStatus(err)
}

// Truncate resizes the file at the plaintext level.
func (n *FileNode) Truncate(size int64) fuse.Status {
	n.checkCanary()
	n.mu.Lock()
	defer n.mu.Unlock()
	return fuse.ToStatus(n.io.Truncate(size))
}

// Sync flushes the backing file to stable storage.
func (n *FileNode) Sync(datasync bool) fuse.Status {
	n.checkCanary()
	n.mu.Lock()
	defer n.mu.Unlock()
	fd, err := n.io.Open(os.O_RDONLY)
	if err != nil {
		return fuse.ToStatus(err)
	}
	if datasync {
		return fuse.ToStatus(syscallcompat.Fdatasync(fd))
	}
	return fuse.ToStatus(syscall.Fsync(fd))
}
