package fusefrontend

import (
	"errors"
	"os"
	"syscall"
	"time"

	"github.com/encvault/encvault/internal/syscallcompat"
	"github.com/encvault/encvault/internal/tlog"
)

var errInternalNameChange = errors.New("internal node name change failed")

// RenameEl is one entry of a recursive rename script: the backing rename
// to perform plus the plaintext paths needed to reseat the registry. The
// plaintext names are byte slices so they can be wiped after use.
type RenameEl struct {
	oldCName string
	newCName string

	oldPName []byte
	newPName []byte

	isDirectory bool
}

// RenameOp is a two-phase recursive rename: the forward script is
// materialized up front by genRenameList, apply() walks it, and undo()
// reverses the applied prefix by walking it backwards with the (old, new)
// pairs swapped.
type RenameOp struct {
	dn   *DirNode
	list []RenameEl
	// Index of the next entry to apply; everything before it has been
	// applied successfully.
	last int
}

// newRenameOp builds the rename script for moving the directory
// "fromP" to "toP". Returns nil when a descendant cannot be re-encoded.
func (d *DirNode) newRenameOp(fromP, toP string) *RenameOp {
	var list []RenameEl
	if err := d.genRenameList(&list, fromP, toP); err != nil {
		tlog.Warn.Printf("error during generation of recursive rename list: %v", err)
		return nil
	}
	return &RenameOp{dn: d, list: list}
}

// genRenameList walks the ciphertext directory of "fromP", decodes each
// child under the source chain IV, re-encodes it under the destination
// chain IV and appends the pair. Directories recurse. Children that do
// not decode (foreign files) are skipped; children that decode but fail
// to re-encode abort the plan.
func (d *DirNode) genRenameList(list *[]RenameEl, fromP, toP string) error {
	var fromIV, toIV uint64
	fromCPart, err := d.naming.EncodePathIV(fromP, &fromIV)
	if err != nil {
		return err
	}
	if _, err := d.naming.EncodePathIV(toP, &toIV); err != nil {
		return err
	}
	// Same chain IV on both sides means nothing changes underneath
	if fromIV == toIV {
		return nil
	}

	sourcePath := d.rootDir + fromCPart
	tlog.Debug.Printf("genRenameList: reading %q", sourcePath)
	entries, err := os.ReadDir(sourcePath)
	if err != nil {
		return err
	}

	for _, e := range entries {
		cname := e.Name()
		localIV := fromIV
		plain, err := d.naming.DecodePathIV(cname, &localIV)
		if err != nil {
			// Not one of ours, leave it alone
			continue
		}

		localIV = toIV
		newName, err := d.naming.EncodePathIV(plain, &localIV)
		if err != nil {
			tlog.Warn.Printf("aborting rename: cannot re-encode %q/%q: %v", fromCPart, cname, err)
			return err
		}

		ren := RenameEl{
			oldCName:    sourcePath + "/" + cname,
			newCName:    sourcePath + "/" + newName,
			oldPName:    []byte(fromP + "/" + plain),
			newPName:    []byte(toP + "/" + plain),
			isDirectory: e.IsDir(),
		}
		if ren.isDirectory {
			if err := d.genRenameList(list, string(ren.oldPName), string(ren.newPName)); err != nil {
				return err
			}
		}

		tlog.Debug.Printf("genRenameList: adding %q", ren.oldCName)
		*list = append(*list, ren)
	}
	return nil
}

// apply performs the script entry by entry: reseat the registry and the
// node IVs, rename the backing path, preserve the mtime. Returns false on
// the first failure, leaving "last" at the failed entry (whose own
// changes have been rolled back).
func (op *RenameOp) apply() bool {
	for op.last < len(op.list) {
		el := &op.list[op.last]
		tlog.Debug.Printf("renaming %q -> %q", el.oldCName, el.newCName)

		var st syscall.Stat_t
		preserveMtime := syscall.Stat(el.oldCName, &st) == nil

		if _, err := op.dn.renameNode(string(el.oldPName), string(el.newPName), true); err != nil {
			tlog.Warn.Printf("apply: %v", err)
			return false
		}
		if err := os.Rename(el.oldCName, el.newCName); err != nil {
			tlog.Warn.Printf("error renaming %q: %v", el.oldCName, err)
			if _, err2 := op.dn.renameNode(string(el.newPName), string(el.oldPName), false); err2 != nil {
				tlog.Warn.Printf("apply: rollback failed: %v", err2)
			}
			return false
		}
		if preserveMtime {
			atime := time.Unix(st.Atim.Sec, st.Atim.Nsec)
			mtime := time.Unix(st.Mtim.Sec, st.Mtim.Nsec)
			if err := syscallcompat.Utimes(el.newCName, atime, mtime); err != nil {
				tlog.Debug.Printf("apply: utimes on %q: %v", el.newCName, err)
			}
		}
		op.last++
	}
	return true
}

// undo reverses the applied prefix in reverse order. Mtimes are not
// restored.
func (op *RenameOp) undo() {
	tlog.Debug.Printf("undoing rename")
	if op.last == 0 {
		tlog.Debug.Printf("nothing to undo")
		return
	}
	undoCount := 0
	for i := op.last - 1; i >= 0; i-- {
		el := &op.list[i]
		tlog.Debug.Printf("undo: renaming %q -> %q", el.newCName, el.oldCName)
		if err := os.Rename(el.newCName, el.oldCName); err != nil {
			tlog.Warn.Printf("undo: rename failed: %v", err)
		}
		if _, err := op.dn.renameNode(string(el.newPName), string(el.oldPName), false); err != nil {
			tlog.Warn.Printf("undo: %v", err)
		}
		undoCount++
	}
	tlog.Warn.Printf("undo rename count: %d", undoCount)
}

// wipe overwrites the plaintext name buffers with spaces. Minimal defense
// against names lingering in freed memory.
func (op *RenameOp) wipe() {
	for i := range op.list {
		for j := range op.list[i].oldPName {
			op.list[i].oldPName[j] = ' '
		}
		for j := range op.list[i].newPName {
			op.list[i].newPName[j] = ' '
		}
	}
}
