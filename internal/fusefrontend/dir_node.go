package fusefrontend

import (
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	ignore "github.com/sabhiram/go-gitignore"

	"github.com/encvault/encvault/internal/configfile"
	"github.com/encvault/encvault/internal/fsconfig"
	"github.com/encvault/encvault/internal/nameio"
	"github.com/encvault/encvault/internal/syscallcompat"
	"github.com/encvault/encvault/internal/tlog"
)

// DirNode resolves plaintext paths against the backing directory tree and
// implements the directory-level operations: openDir, mkdir, rename
// (including the recursive reseat under chained name IVs), link and
// unlink.
type DirNode struct {
	mu  sync.Mutex
	ctx *Context
	// Backing directory, with a trailing '/'.
	rootDir string
	cfg     *fsconfig.FSConfig
	naming  *nameio.PathIO
	// Reverse-mode exclusions, nil when unused.
	excluder *ignore.GitIgnore
}

// NewDirNode creates the directory node for the backing tree at
// "sourceDir".
func NewDirNode(ctx *Context, sourceDir string, cfg *fsconfig.FSConfig) *DirNode {
	if !strings.HasSuffix(sourceDir, "/") {
		sourceDir += "/"
	}
	return &DirNode{
		ctx:      ctx,
		rootDir:  sourceDir,
		cfg:      cfg,
		naming:   cfg.NameCoding,
		excluder: prepareExcluder(cfg.Opts),
	}
}

// RootDirectory returns the backing directory without the trailing '/'.
func (d *DirNode) RootDirectory() string {
	return strings.TrimSuffix(d.rootDir, "/")
}

// Naming returns the path codec in use.
func (d *DirNode) Naming() *nameio.PathIO {
	return d.naming
}

// HasDirectoryNameDependency reports whether ciphertext names depend on
// ancestor directory names, which forces renames of directories to be
// recursive.
func (d *DirNode) HasDirectoryNameDependency() bool {
	return d.naming.ChainedNameIV()
}

// CipherPath encrypts a plaintext path and prefixes the backing root.
func (d *DirNode) CipherPath(plainPath string) (string, error) {
	c, err := d.naming.EncodePath(plainPath)
	if err != nil {
		return "", err
	}
	return d.rootDir + c, nil
}

// CipherPathWithoutRoot is CipherPath without the backing root prefix.
func (d *DirNode) CipherPathWithoutRoot(plainPath string) (string, error) {
	return d.naming.EncodePath(plainPath)
}

// PlainPath decrypts a ciphertext path. In reverse mode the operands swap
// roles and a leading '+' marks an absolute name whose first byte must
// not be treated as a path separator.
func (d *DirNode) PlainPath(cipherPath string) (string, error) {
	mark, prefix := byte('+'), "/"
	if d.cfg.Opts.ReverseEncryption {
		mark, prefix = '/', "+"
	}
	if len(cipherPath) > 0 && cipherPath[0] == mark {
		name, err := d.naming.DecodeName(cipherPath[1:])
		if err != nil {
			tlog.Warn.Printf("PlainPath: decode error: %v", err)
			return "", err
		}
		return prefix + name, nil
	}
	plain, err := d.naming.DecodePath(cipherPath)
	if err != nil {
		tlog.Warn.Printf("PlainPath: decode error: %v", err)
		return "", err
	}
	return plain, nil
}

// RelativeCipherPath encrypts a plaintext path without the root prefix,
// honoring the '+' sentinel in reverse mode.
func (d *DirNode) RelativeCipherPath(plainPath string) (string, error) {
	mark, prefix := byte('/'), "+"
	if d.cfg.Opts.ReverseEncryption {
		mark, prefix = '+', "/"
	}
	if len(plainPath) > 0 && plainPath[0] == mark {
		name, err := d.naming.EncodeName(plainPath[1:])
		if err != nil {
			tlog.Warn.Printf("RelativeCipherPath: encode error: %v", err)
			return "", err
		}
		return prefix + name, nil
	}
	return d.naming.EncodePath(plainPath)
}

// DirTraverse iterates the entries of one opened directory, decoding (or,
// in reverse mode, encoding) each name under the directory's chain IV.
type DirTraverse struct {
	names  []string
	idx    int
	iv     uint64
	naming *nameio.PathIO
	root   bool
	// Plaintext path of the directory, for exclusion matching.
	plainPath string
	excluder  *ignore.GitIgnore
}

// OpenDir opens the directory at "plainPath" and returns a traversal over
// its entries.
func (d *DirNode) OpenDir(plainPath string) (*DirTraverse, fuse.Status) {
	var cipherPath string
	if d.cfg.Opts.ReverseEncryption {
		// The backing tree is plaintext, no name translation
		cipherPath = d.rootDir + strings.TrimPrefix(plainPath, "/")
	} else {
		var err error
		cipherPath, err = d.CipherPath(plainPath)
		if err != nil {
			return nil, fuse.Status(syscall.EBADMSG)
		}
	}
	entries, err2 := os.ReadDir(cipherPath)
	if err2 != nil {
		tlog.Debug.Printf("OpenDir %q: %v", cipherPath, err2)
		return nil, fuse.ToStatus(err2)
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}

	var iv uint64
	if d.naming.ChainedNameIV() {
		if _, err := d.naming.EncodePathIV(plainPath, &iv); err != nil {
			tlog.Warn.Printf("OpenDir: encode error: %v", err)
			return nil, fuse.Status(syscall.EBADMSG)
		}
	}
	return &DirTraverse{
		names:     names,
		iv:        iv,
		naming:    d.naming,
		root:      plainPath == "/" || plainPath == "",
		plainPath: plainPath,
		excluder:  d.excluder,
	}, fuse.OK
}

// NextPlaintextName returns the next decodable entry, skipping the
// reserved configuration file at the root and entries that do not decode.
// ok is false when the traversal is exhausted.
func (t *DirTraverse) NextPlaintextName() (name string, ok bool) {
	for ; t.idx < len(t.names); t.idx++ {
		cname := t.names[t.idx]
		if t.root && cname == configfile.ConfDefaultName {
			tlog.Debug.Printf("skipping reserved filename %q", cname)
			continue
		}
		localIV := t.iv
		plain, err := t.naming.DecodePathIV(cname, &localIV)
		if err != nil {
			continue
		}
		t.idx++
		return plain, true
	}
	return "", false
}

// NextCiphertextName is the reverse-mode counterpart: the backing entries
// are plaintext and are encoded on the way out. Excluded plaintext files
// are hidden.
func (t *DirTraverse) NextCiphertextName() (name string, ok bool) {
	for ; t.idx < len(t.names); t.idx++ {
		pname := t.names[t.idx]
		if t.excluder != nil {
			full := strings.TrimSuffix(t.plainPath, "/") + "/" + pname
			if t.excluder.MatchesPath(full) {
				tlog.Debug.Printf("hiding excluded file %q", full)
				continue
			}
		}
		localIV := t.iv
		encoded, err := t.naming.EncodePathIV(pname, &localIV)
		if err != nil {
			continue
		}
		t.idx++
		return encoded, true
	}
	return "", false
}

// NextInvalid returns the next entry that fails to decode, surfacing names
// a fsck-style tool should report, the reserved config file at the root
// among them. Empty string when exhausted.
func (t *DirTraverse) NextInvalid() string {
	for ; t.idx < len(t.names); t.idx++ {
		cname := t.names[t.idx]
		localIV := t.iv
		if _, err := t.naming.DecodePathIV(cname, &localIV); err != nil {
			t.idx++
			return cname
		}
	}
	return ""
}

// Mkdir creates the backing directory for "plainPath". A non-nil owner
// runs the creation under that fsuid/fsgid.
func (d *DirNode) Mkdir(plainPath string, mode uint32, owner *fuse.Owner) fuse.Status {
	cipherPath, err := d.CipherPath(plainPath)
	if err != nil {
		return fuse.Status(syscall.EBADMSG)
	}
	tlog.Debug.Printf("Mkdir %q", cipherPath)
	uid, gid := 0, 0
	if owner != nil {
		uid, gid = int(owner.Uid), int(owner.Gid)
	}
	err = syscallcompat.AsUser(uid, gid, func() error {
		return syscall.Mkdir(cipherPath, mode)
	})
	if err != nil {
		tlog.Debug.Printf("Mkdir %q: %v", cipherPath, err)
	}
	return fuse.ToStatus(err)
}

// Unlink removes the backing file for "plainPath". Unlinking a file that
// is held open is refused.
func (d *DirNode) Unlink(plainPath string) fuse.Status {
	cipherPath, err := d.CipherPath(plainPath)
	if err != nil {
		return fuse.Status(syscall.EBADMSG)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx != nil && d.ctx.LookupNode(plainPath) != nil {
		tlog.Warn.Printf("refusing to unlink the open file %q", cipherPath)
		return fuse.EBUSY
	}
	tlog.Debug.Printf("Unlink %q", cipherPath)
	return fuse.ToStatus(syscall.Unlink(cipherPath))
}

// Link creates a hard link "newPlain" to "oldPlain". Forbidden with
// external IV chaining: the two names would demand two different header
// IVs for the same inode.
func (d *DirNode) Link(oldPlain, newPlain string) fuse.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cfg.Config.ExternalIVChaining {
		tlog.Warn.Printf("hard links are not supported with external IV chaining")
		return fuse.EPERM
	}
	oldC, err := d.CipherPath(oldPlain)
	if err != nil {
		return fuse.Status(syscall.EBADMSG)
	}
	newC, err := d.CipherPath(newPlain)
	if err != nil {
		return fuse.Status(syscall.EBADMSG)
	}
	tlog.Debug.Printf("Link %q -> %q", oldC, newC)
	return fuse.ToStatus(syscall.Link(oldC, newC))
}

// Rename moves "fromPlain" to "toPlain". With chained name IVs and a
// directory source, every descendant's ciphertext name depends on the
// ancestor chain and is re-encoded first (see RenameOp); a failure in
// that phase undoes the applied part and returns EACCES.
func (d *DirNode) Rename(fromPlain, toPlain string) fuse.Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	fromCName, err := d.CipherPath(fromPlain)
	if err != nil {
		return fuse.Status(syscall.EBADMSG)
	}
	toCName, err := d.CipherPath(toPlain)
	if err != nil {
		return fuse.Status(syscall.EBADMSG)
	}
	tlog.Debug.Printf("Rename %q -> %q", fromCName, toCName)

	var op *RenameOp
	if d.HasDirectoryNameDependency() && isDirectory(fromCName) {
		tlog.Debug.Printf("recursive rename begin")
		op = d.newRenameOp(fromPlain, toPlain)
		if op == nil || !op.apply() {
			if op != nil {
				op.undo()
				op.wipe()
			}
			tlog.Warn.Printf("rename aborted")
			return fuse.EACCES
		}
		tlog.Debug.Printf("recursive rename end")
		defer op.wipe()
	}

	var st syscall.Stat_t
	preserveMtime := syscall.Stat(fromCName, &st) == nil

	if _, err := d.renameNode(fromPlain, toPlain, true); err != nil {
		tlog.Warn.Printf("Rename: %v", err)
		if op != nil {
			op.undo()
		}
		return fuse.EIO
	}
	if err := os.Rename(fromCName, toCName); err != nil {
		if _, err2 := d.renameNode(toPlain, fromPlain, false); err2 != nil {
			tlog.Warn.Printf("Rename: rollback failed: %v", err2)
		}
		if op != nil {
			op.undo()
		}
		return fuse.ToStatus(err)
	}
	if preserveMtime {
		atime := time.Unix(st.Atim.Sec, st.Atim.Nsec)
		mtime := time.Unix(st.Mtim.Sec, st.Mtim.Nsec)
		if err := syscallcompat.Utimes(toCName, atime, mtime); err != nil {
			tlog.Debug.Printf("Rename: utimes on %q: %v", toCName, err)
		}
	}
	return fuse.OK
}

// renameNode updates the in-memory node (names, header IV) and the
// registry for one path. forwardMode selects whether the IV is reseated
// before or after the name change; the undo path uses false.
func (d *DirNode) renameNode(from, to string, forwardMode bool) (*FileNode, error) {
	transient := d.ctx == nil || d.ctx.LookupNode(from) == nil
	node, err := d.findOrCreate(from)
	if node == nil {
		return nil, err
	}
	var newIV uint64
	cname, err := d.naming.EncodePathIV(to, &newIV)
	if err != nil {
		return nil, err
	}
	tlog.Debug.Printf("renameNode: %q -> %q", node.CipherName(), d.rootDir+cname)
	if !node.SetName(to, d.rootDir+cname, newIV, forwardMode) {
		return nil, errInternalNameChange
	}
	if d.ctx != nil {
		d.ctx.RenameNode(from, to)
	}
	if transient {
		// The node is not in the registry, nobody will release it. Close
		// the descriptors a header reseat may have opened.
		node.destroy()
		return nil, nil
	}
	return node, nil
}

// findOrCreate returns the registered node at "plainName" or creates a
// fresh one (not yet registered). With external IV chaining the new
// node's header IV is bound to its name chain right away.
func (d *DirNode) findOrCreate(plainName string) (*FileNode, error) {
	if d.ctx == nil {
		return nil, nil
	}
	if node := d.ctx.LookupNode(plainName); node != nil {
		return node, nil
	}
	var iv uint64
	cipherName, err := d.naming.EncodePathIV(plainName, &iv)
	if err != nil {
		return nil, err
	}
	node := newFileNode(d, d.cfg, plainName, d.rootDir+cipherName, d.ctx.NextHandleID())
	if d.cfg.Config.ExternalIVChaining {
		node.SetName("", "", iv, true)
	}
	tlog.Debug.Printf("findOrCreate: new file node for %q", node.CipherName())
	return node, nil
}

// LookupNode returns the node for "plainName", creating it if needed.
func (d *DirNode) LookupNode(plainName string) (*FileNode, fuse.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	node, err := d.findOrCreate(plainName)
	if node == nil {
		if err != nil {
			return nil, fuse.Status(syscall.EBADMSG)
		}
		return nil, fuse.ENOENT
	}
	return node, fuse.OK
}

// OpenNode looks up "plainName", opens the backing file and registers the
// node in the open-file table. The caller must hand the node back via
// ReleaseNode.
func (d *DirNode) OpenNode(plainName string, flags int) (*FileNode, fuse.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	node, err := d.findOrCreate(plainName)
	if node == nil {
		if err != nil {
			return nil, fuse.Status(syscall.EBADMSG)
		}
		return nil, fuse.ENOENT
	}
	if status := node.Open(flags); status != fuse.OK {
		return nil, status
	}
	d.ctx.PutNode(plainName, node)
	return node, fuse.OK
}

// ReleaseNode drops one registry reference to "node".
func (d *DirNode) ReleaseNode(node *FileNode) {
	d.ctx.EraseNode(node.PlaintextName(), node)
}

func isDirectory(path string) bool {
	var st syscall.Stat_t
	if err := syscall.Stat(path, &st); err != nil {
		return false
	}
	return st.Mode&syscall.S_IFMT == syscall.S_IFDIR
}
