package fileio

import (
	"log"

	"github.com/encvault/encvault/internal/mempool"
	"github.com/encvault/encvault/internal/tlog"
)

// oneBlockFileIO is the contract between the block engine and the layer
// embedding it. Both callbacks only ever see block-aligned offsets and
// requests of at most one block.
type oneBlockFileIO interface {
	readOneBlock(req *IORequest) (int, error)
	writeOneBlock(req *IORequest) (int, error)
	// getSize returns the size at this layer's level (what the engine's
	// offsets are relative to).
	getSize() (int64, error)
}

// BlockFileIO turns arbitrary (offset, length) requests into aligned
// one-block operations on the embedding layer. It holds a one-block read
// cache; because the cache is mutable, all entry points require the
// caller's per-node lock.
type BlockFileIO struct {
	blockSize  int
	allowHoles bool
	noCache    bool
	impl       oneBlockFileIO

	// One-block read cache. cacheLen == 0 means empty.
	cacheOffset int64
	cacheLen    int
	cacheData   []byte
}

func newBlockFileIO(blockSize int, allowHoles, noCache bool, impl oneBlockFileIO) *BlockFileIO {
	if blockSize <= 1 {
		log.Panicf("BUG: block size %d", blockSize)
	}
	return &BlockFileIO{
		blockSize:  blockSize,
		allowHoles: allowHoles,
		noCache:    noCache,
		impl:       impl,
		cacheData:  make([]byte, blockSize),
	}
}

// BlockSize returns the block size at this layer's level.
func (b *BlockFileIO) BlockSize() int {
	return b.blockSize
}

func (b *BlockFileIO) clearCache() {
	for i := range b.cacheData {
		b.cacheData[i] = 0
	}
	b.cacheLen = 0
}

// cacheReadOneBlock serves a read of at most one block at a block-aligned
// offset. A full block is always requested from the layer below, so a
// short result means we hit the last block of the file. The cache must not
// be used in reverse mode, the backing plaintext may have changed behind
// our back.
func (b *BlockFileIO) cacheReadOneBlock(req *IORequest) (int, error) {
	if len(req.Data) > b.blockSize || req.Offset%int64(b.blockSize) != 0 {
		log.Panicf("BUG: unaligned one-block read: off=%d len=%d", req.Offset, len(req.Data))
	}

	if !b.noCache && req.Offset == b.cacheOffset && b.cacheLen != 0 {
		n := len(req.Data)
		if b.cacheLen < n {
			n = b.cacheLen
		}
		copy(req.Data, b.cacheData[:n])
		return n, nil
	}
	if b.cacheLen > 0 {
		b.clearCache()
	}

	tmp := IORequest{
		Offset: req.Offset,
		Data:   b.cacheData[:b.blockSize],
	}
	n, err := b.impl.readOneBlock(&tmp)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		b.cacheOffset = req.Offset
		b.cacheLen = n
		if n > len(req.Data) {
			n = len(req.Data)
		}
		copy(req.Data, b.cacheData[:n])
	}
	return n, nil
}

// cacheWriteOneBlock writes at most one block at a block-aligned offset.
// The data is staged in the cache buffer because the layer below encrypts
// in place; on success the cache mirrors the plaintext just written.
func (b *BlockFileIO) cacheWriteOneBlock(req *IORequest) (int, error) {
	if len(req.Data) > b.blockSize || req.Offset%int64(b.blockSize) != 0 {
		log.Panicf("BUG: unaligned one-block write: off=%d len=%d", req.Offset, len(req.Data))
	}
	copy(b.cacheData, req.Data)
	tmp := IORequest{
		Offset: req.Offset,
		Data:   b.cacheData[:len(req.Data)],
	}
	n, err := b.impl.writeOneBlock(&tmp)
	if err != nil {
		b.clearCache()
		return 0, err
	}
	copy(b.cacheData, req.Data)
	b.cacheOffset = req.Offset
	b.cacheLen = len(req.Data)
	return n, nil
}

// Read serves a read of arbitrary size at an arbitrary offset, stitching
// together one-block reads. Returns the number of bytes read; a short
// count means end-of-file.
func (b *BlockFileIO) Read(req *IORequest) (int, error) {
	partialOffset := int(req.Offset % int64(b.blockSize))
	blockNum := req.Offset / int64(b.blockSize)

	if partialOffset == 0 && len(req.Data) <= b.blockSize {
		// Aligned read within a single block, no stitching needed
		return b.cacheReadOneBlock(req)
	}

	var mb []byte
	defer func() {
		if mb != nil {
			mempool.Release(mb)
		}
	}()

	size := len(req.Data)
	out := req.Data
	result := 0
	for size != 0 {
		blockReq := IORequest{Offset: blockNum * int64(b.blockSize)}
		// A full-block read goes directly into the result buffer, the
		// rest goes through a scratch block
		direct := partialOffset == 0 && size >= b.blockSize
		if direct {
			blockReq.Data = out[:b.blockSize]
		} else {
			if mb == nil {
				mb = mempool.Allocate(b.blockSize)
			}
			blockReq.Data = mb[:b.blockSize]
		}

		readSize, err := b.cacheReadOneBlock(&blockReq)
		if err != nil {
			return 0, err
		}
		if readSize <= partialOffset {
			break
		}

		cpySize := readSize - partialOffset
		if cpySize > size {
			cpySize = size
		}
		if !direct {
			copy(out[:cpySize], blockReq.Data[partialOffset:partialOffset+cpySize])
		}

		result += cpySize
		size -= cpySize
		out = out[cpySize:]
		blockNum++
		partialOffset = 0

		if readSize < b.blockSize {
			break
		}
	}
	return result, nil
}

// Write serves a write of arbitrary size at an arbitrary offset. Partial
// blocks that overlap existing data are read-modify-written. Writing past
// the end of file first pads the hole (see padFile). Returns the request
// length on success.
func (b *BlockFileIO) Write(req *IORequest) (int, error) {
	fileSize, err := b.impl.getSize()
	if err != nil {
		return 0, err
	}

	blockNum := req.Offset / int64(b.blockSize)
	partialOffset := int(req.Offset % int64(b.blockSize))

	lastFileBlock := fileSize / int64(b.blockSize)
	lastBlockSize := int(fileSize % int64(b.blockSize))

	lastNonEmptyBlock := lastFileBlock
	if lastBlockSize == 0 {
		lastNonEmptyBlock--
	}

	if req.Offset > fileSize {
		// Extend the file first to fill the hole with zeros
		if err := b.padFile(fileSize, req.Offset, false); err != nil {
			return 0, err
		}
	}

	if partialOffset == 0 && len(req.Data) <= b.blockSize {
		if len(req.Data) == b.blockSize {
			return b.cacheWriteOneBlock(req)
		}
		// Writing a partial block, but at least as much as what is
		// already there: no read-modify-write needed
		if blockNum == lastFileBlock && len(req.Data) >= lastBlockSize {
			return b.cacheWriteOneBlock(req)
		}
	}

	// Have to merge the data with the existing block(s)
	var mb []byte
	defer func() {
		if mb != nil {
			mempool.Release(mb)
		}
	}()

	size := len(req.Data)
	inPtr := req.Data
	for size != 0 {
		blockOff := blockNum * int64(b.blockSize)
		toCopy := b.blockSize - partialOffset
		if toCopy > size {
			toCopy = size
		}

		blockReq := IORequest{Offset: blockOff}
		if toCopy == b.blockSize ||
			(partialOffset == 0 && blockOff+int64(toCopy) >= fileSize) {
			// Full block, or a tail write beyond the old end: no merge
			blockReq.Data = inPtr[:toCopy]
		} else {
			if mb == nil {
				mb = mempool.Allocate(b.blockSize)
			}
			for i := range mb {
				mb[i] = 0
			}
			dataLen := 0
			if blockNum > lastNonEmptyBlock {
				// Entirely past the old content, nothing to merge
				dataLen = partialOffset + toCopy
			} else {
				readReq := IORequest{Offset: blockOff, Data: mb[:b.blockSize]}
				readSize, err := b.cacheReadOneBlock(&readReq)
				if err != nil {
					return 0, err
				}
				dataLen = readSize
				if partialOffset+toCopy > dataLen {
					dataLen = partialOffset + toCopy
				}
			}
			copy(mb[partialOffset:], inPtr[:toCopy])
			blockReq.Data = mb[:dataLen]
		}

		if _, err := b.cacheWriteOneBlock(&blockReq); err != nil {
			return 0, err
		}

		size -= toCopy
		inPtr = inPtr[toCopy:]
		blockNum++
		partialOffset = 0
	}
	return len(req.Data), nil
}

// padFile zero-extends the file from oldSize to newSize: the partially
// filled last block is padded to a full block, intermediate whole blocks
// are written as zeros unless holes are allowed, and the partial final
// block is written only when forceWrite is set.
func (b *BlockFileIO) padFile(oldSize, newSize int64, forceWrite bool) error {
	oldLastBlock := oldSize / int64(b.blockSize)
	newLastBlock := newSize / int64(b.blockSize)
	newBlockSize := int(newSize % int64(b.blockSize))

	mb := mempool.Allocate(b.blockSize)
	defer mempool.Release(mb)

	if oldLastBlock == newLastBlock {
		// Only the last block is affected
		if !forceWrite {
			tlog.Debug.Printf("padFile: not padding last block")
			return nil
		}
		outSize := newBlockSize
		if outSize == 0 {
			return nil
		}
		req := IORequest{
			Offset: oldLastBlock * int64(b.blockSize),
			Data:   mb[:int(oldSize%int64(b.blockSize))],
		}
		if _, err := b.cacheReadOneBlock(&req); err != nil {
			return err
		}
		req.Data = mb[:outSize]
		_, err := b.cacheWriteOneBlock(&req)
		return err
	}

	// 1. extend the old partial last block to full length
	if oldSize%int64(b.blockSize) != 0 {
		tlog.Debug.Printf("padFile: padding block %d", oldLastBlock)
		for i := range mb {
			mb[i] = 0
		}
		req := IORequest{
			Offset: oldLastBlock * int64(b.blockSize),
			Data:   mb[:int(oldSize%int64(b.blockSize))],
		}
		if _, err := b.cacheReadOneBlock(&req); err != nil {
			return err
		}
		req.Data = mb[:b.blockSize]
		if _, err := b.cacheWriteOneBlock(&req); err != nil {
			return err
		}
		oldLastBlock++
	}

	// 2. write the intermediate whole blocks, unless holes are allowed
	if !b.allowHoles {
		for ; oldLastBlock != newLastBlock; oldLastBlock++ {
			tlog.Debug.Printf("padFile: padding block %d", oldLastBlock)
			for i := range mb {
				mb[i] = 0
			}
			req := IORequest{
				Offset: oldLastBlock * int64(b.blockSize),
				Data:   mb[:b.blockSize],
			}
			if _, err := b.cacheWriteOneBlock(&req); err != nil {
				return err
			}
		}
	}

	// 3. the partial final block, only when the write is forced
	if forceWrite && newBlockSize != 0 {
		for i := 0; i < newBlockSize; i++ {
			mb[i] = 0
		}
		req := IORequest{
			Offset: newLastBlock * int64(b.blockSize),
			Data:   mb[:newBlockSize],
		}
		if _, err := b.cacheWriteOneBlock(&req); err != nil {
			return err
		}
	}
	return nil
}

// truncateBase implements truncation at this layer's level. "base" is the
// layer whose Truncate resizes the backing file, or nil when the caller
// applies its own offset translation afterwards.
func (b *BlockFileIO) truncateBase(size int64, base FileIO) error {
	partialBlock := int(size % int64(b.blockSize))

	oldSize, err := b.impl.getSize()
	if err != nil {
		return err
	}

	switch {
	case size > oldSize:
		// Grow: extend the backing file first, then materialize the pad
		if base != nil {
			if err := base.Truncate(size); err != nil {
				return err
			}
		}
		return b.padFile(oldSize, size, true)

	case size == oldSize:
		return nil

	case partialBlock != 0:
		// Shrink: the tail block survives partially. Read it through the
		// cache, truncate the backing file, write the truncated tail back.
		blockNum := size / int64(b.blockSize)
		mb := mempool.Allocate(b.blockSize)
		defer mempool.Release(mb)

		req := IORequest{
			Offset: blockNum * int64(b.blockSize),
			Data:   mb[:b.blockSize],
		}
		if _, err := b.cacheReadOneBlock(&req); err != nil {
			return err
		}
		if base != nil {
			if err := base.Truncate(size); err != nil {
				return err
			}
		}
		req.Data = mb[:partialBlock]
		_, err := b.cacheWriteOneBlock(&req)
		return err

	default:
		if base != nil {
			return base.Truncate(size)
		}
		return nil
	}
}
