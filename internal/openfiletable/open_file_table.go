// Package openfiletable maintains the per-mount table of file nodes that
// are currently held open. Nodes are reachable two ways: by plaintext path
// (a path can hold several nodes, most recently opened first) and by
// 64-bit handle id. Handle ids are monotonic and never reused within a
// mount.
package openfiletable

import (
	"log"
	"sync"
)

// Node is what the table stores. Implemented by the frontend's FileNode.
type Node interface {
	// HandleID returns the node's 64-bit handle id.
	HandleID() uint64
	// MarkReleased clears the node's canary so holders of a stale
	// reference can detect use-after-release.
	MarkReleased()
}

// Table is the open-file registry of one mount.
type Table struct {
	// Protects all fields.
	sync.Mutex
	// Plaintext path -> nodes at that path, head = most recently put.
	paths map[string][]Node
	// Handle id -> node. Every node in here is also in "paths".
	handles map[uint64]Node
	// Next handle id to hand out. Starts at 1, never reused.
	nextHandleID uint64
}

// New creates an empty table.
func New() *Table {
	return &Table{
		paths:        make(map[string][]Node),
		handles:      make(map[uint64]Node),
		nextHandleID: 1,
	}
}

// NextHandleID hands out a fresh handle id.
func (t *Table) NextHandleID() uint64 {
	t.Lock()
	defer t.Unlock()
	id := t.nextHandleID
	t.nextHandleID++
	return id
}

// Lookup returns the most recently put node at "path", or nil.
func (t *Table) Lookup(path string) Node {
	t.Lock()
	defer t.Unlock()
	if list := t.paths[path]; len(list) > 0 {
		return list[0]
	}
	return nil
}

// LookupHandle returns the node with handle id "id", or nil.
func (t *Table) LookupHandle(id uint64) Node {
	t.Lock()
	defer t.Unlock()
	return t.handles[id]
}

// Put registers "node" at "path" as the most recent entry and indexes it
// by handle id.
func (t *Table) Put(path string, node Node) {
	t.Lock()
	defer t.Unlock()
	t.paths[path] = append([]Node{node}, t.paths[path]...)
	t.handles[node.HandleID()] = node
}

// Erase removes one occurrence of "node" from the list at "path". When no
// other occurrence remains, the node is dropped from the handle index and
// its canary is cleared. An Erase for a node that is not in the list is a
// bug.
func (t *Table) Erase(path string, node Node) {
	t.Lock()
	defer t.Unlock()
	list, ok := t.paths[path]
	if !ok {
		log.Panicf("BUG: Erase: no node list at %q", path)
	}
	idx := -1
	for i, n := range list {
		if n == node {
			idx = i
			break
		}
	}
	if idx < 0 {
		log.Panicf("BUG: Erase: node fh=%d not in list at %q", node.HandleID(), path)
	}
	list = append(list[:idx], list[idx+1:]...)

	stillThere := false
	for _, n := range list {
		if n == node {
			stillThere = true
			break
		}
	}
	if !stillThere {
		delete(t.handles, node.HandleID())
		node.MarkReleased()
	}

	if len(list) == 0 {
		delete(t.paths, path)
	} else {
		t.paths[path] = list
	}
}

// Rename moves the node list from "from" to "to". When "to" already has a
// list, the caller is responsible for consistency; the table only reseats
// pointers.
func (t *Table) Rename(from, to string) {
	t.Lock()
	defer t.Unlock()
	list, ok := t.paths[from]
	if !ok {
		return
	}
	delete(t.paths, from)
	t.paths[to] = list
}

// CountOpenFiles returns the number of paths with open nodes.
func (t *Table) CountOpenFiles() int {
	t.Lock()
	defer t.Unlock()
	return len(t.paths)
}

// IsEmpty reports whether no nodes are held open.
func (t *Table) IsEmpty() bool {
	return t.CountOpenFiles() == 0
}
