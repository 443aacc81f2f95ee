// Package mempool maintains a process-wide freelist of scratch buffers,
// one free stack per buffer size. Buffers are wiped when they are released
// so freed memory never holds plaintext.
package mempool

import "sync"

var (
	mu    sync.Mutex
	pools = make(map[int][][]byte)
)

// Allocate returns a buffer of exactly "size" bytes, reusing a pooled one
// if available. The content of a reused buffer is zeroed (buffers are wiped
// on Release).
func Allocate(size int) []byte {
	if size <= 0 {
		return nil
	}
	mu.Lock()
	stack := pools[size]
	if n := len(stack); n > 0 {
		b := stack[n-1]
		pools[size] = stack[:n-1]
		mu.Unlock()
		return b
	}
	mu.Unlock()
	return make([]byte, size)
}

// Release wipes "b" and puts it back onto the free stack for its size.
// The caller must not touch the buffer afterwards.
func Release(b []byte) {
	b = b[:cap(b)]
	if len(b) == 0 {
		return
	}
	for i := range b {
		b[i] = 0
	}
	mu.Lock()
	pools[len(b)] = append(pools[len(b)], b)
	mu.Unlock()
}

// DestroyAll drops all pooled buffers. Buffers still checked out are
// unaffected.
func DestroyAll() {
	mu.Lock()
	pools = make(map[int][][]byte)
	mu.Unlock()
}
