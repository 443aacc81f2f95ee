// Package fusefrontend holds the per-mount state: the directory node that
// resolves paths, the file nodes held open, the open-file registry and the
// idle/unmount bookkeeping. A kernel filesystem adapter drives it; errors
// leave the package as fuse.Status values.
package fusefrontend

import (
	"sync"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/encvault/encvault/internal/fsconfig"
	"github.com/encvault/encvault/internal/openfiletable"
	"github.com/encvault/encvault/internal/tlog"
)

// Context is the per-mount state. One per mount, torn down after unmount
// succeeds.
type Context struct {
	// mu guards root, the counters and the unmount flag. Lock ordering:
	// context mutex before any file-node mutex.
	mu sync.Mutex
	// The open-file registry. It carries its own lock.
	table *openfiletable.Table
	// Root directory node. nil before Mount and after unmount.
	root *DirNode
	// Incremented on every root lookup, reset by each idle tick.
	usageCount int
	// Consecutive idle ticks. Starts at -1 so the first tick after mount
	// never unmounts.
	idleCount int
	// While true, all new root lookups fail with EBUSY.
	isUnmounting bool

	opts *fsconfig.Opts
	// unmountFunc detaches the mount. Invoked by UsageAndUnmount.
	unmountFunc func() error
}

// NewContext creates the state for one mount. "unmountFunc" is what the
// idle ticker invokes when the timeout expires; it may be nil when
// auto-unmount is unused.
func NewContext(opts *fsconfig.Opts, unmountFunc func() error) *Context {
	return &Context{
		table:       openfiletable.New(),
		idleCount:   -1,
		opts:        opts,
		unmountFunc: unmountFunc,
	}
}

// SetRoot installs the root directory node.
func (c *Context) SetRoot(root *DirNode) {
	c.mu.Lock()
	c.root = root
	c.mu.Unlock()
}

// GetRoot returns the root directory node and counts the lookup as usage.
// Fails with EBUSY while an unmount is in progress.
func (c *Context) GetRoot() (*DirNode, fuse.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isUnmounting {
		return nil, fuse.EBUSY
	}
	if c.root == nil {
		return nil, fuse.ENOENT
	}
	c.usageCount++
	return c.root, fuse.OK
}

// IsUnmounting reports whether the unmount flag is set.
func (c *Context) IsUnmounting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isUnmounting
}

// UsageAndUnmount is one idle tick, driven by an external periodic
// caller. When the filesystem has been idle for "timeoutCycles" ticks, no
// files are open and mount-on-demand is off, the unmount flag is set and
// the unmount callback runs. Once the flag is set, later ticks do nothing.
// Returns true iff the unmount was performed.
func (c *Context) UsageAndUnmount(timeoutCycles int) bool {
	c.mu.Lock()
	if c.root == nil || c.isUnmounting {
		c.mu.Unlock()
		return false
	}
	if c.usageCount == 0 {
		c.idleCount++
	} else {
		c.idleCount = 0
	}
	tlog.Debug.Printf("idle cycle count: %d, timeout at %d", c.idleCount, timeoutCycles)
	c.usageCount = 0

	if c.idleCount < timeoutCycles {
		c.mu.Unlock()
		return false
	}
	if openFiles := c.table.CountOpenFiles(); openFiles > 0 {
		if c.idleCount%timeoutCycles == 0 {
			tlog.Warn.Printf("filesystem inactive, but %d files opened: %s",
				openFiles, c.opts.MountPoint)
		}
		c.mu.Unlock()
		return false
	}
	if c.opts.MountOnDemand {
		c.mu.Unlock()
		return false
	}
	c.isUnmounting = true
	c.mu.Unlock()

	if c.unmountFunc == nil {
		return false
	}
	if err := c.unmountFunc(); err != nil {
		tlog.Warn.Printf("unmount failed: %v", err)
		return false
	}
	return true
}

// NextHandleID hands out a fresh handle id.
func (c *Context) NextHandleID() uint64 {
	return c.table.NextHandleID()
}

// LookupNode returns the most recently opened node at "path", or nil.
func (c *Context) LookupNode(path string) *FileNode {
	n := c.table.Lookup(path)
	if n == nil {
		return nil
	}
	return n.(*FileNode)
}

// LookupHandle returns the node with handle id "id", or nil.
func (c *Context) LookupHandle(id uint64) *FileNode {
	n := c.table.LookupHandle(id)
	if n == nil {
		return nil
	}
	return n.(*FileNode)
}

// PutNode registers "node" at "path" in the open-file registry.
func (c *Context) PutNode(path string, node *FileNode) {
	c.table.Put(path, node)
}

// EraseNode removes one reference to "node" at "path". The node's backing
// descriptors are closed once the last reference is gone.
func (c *Context) EraseNode(path string, node *FileNode) {
	c.table.Erase(path, node)
	if node.released() {
		node.destroy()
	}
}

// RenameNode reseats the registry entry for "from" to "to".
func (c *Context) RenameNode(from, to string) {
	c.table.Rename(from, to)
}

// CountOpenFiles returns the number of plaintext paths with open nodes.
func (c *Context) CountOpenFiles() int {
	return c.table.CountOpenFiles()
}
