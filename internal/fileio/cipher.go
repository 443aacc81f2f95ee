package fileio

import (
	"crypto/sha1"
	"encoding/binary"
	"os"
	"syscall"

	"github.com/encvault/encvault/internal/cryptocore"
	"github.com/encvault/encvault/internal/fsconfig"
	"github.com/encvault/encvault/internal/iface"
	"github.com/encvault/encvault/internal/tlog"
)

var cipherIface = iface.New("FileIO/Cipher", 2, 0, 1)

// HeaderSize is the length of the encrypted per-file IV header stored at
// offset 0 when unique IVs are enabled.
const HeaderSize = 8

// CipherFileIO encrypts and decrypts block payloads. Full blocks use the
// block-mode transform, partial tail blocks the stream mode; the per-call
// IV is blockNumber XOR fileIV. With unique IVs enabled, the file carries
// an 8-byte header at offset 0 holding the file IV encrypted under the
// external IV, and all payload offsets are shifted by the header size.
//
// In reverse mode the directions swap: reads encrypt (the backing store is
// plaintext) and writes decrypt.
type CipherFileIO struct {
	*BlockFileIO
	base   FileIO
	cfg    *fsconfig.FSConfig
	cipher *cryptocore.Cipher

	haveHeader bool
	externalIV uint64
	fileIV     uint64
	lastFlags  int
}

// NewCipherFileIO stacks a cipher layer on "base".
func NewCipherFileIO(base FileIO, cfg *fsconfig.FSConfig) *CipherFileIO {
	c := &CipherFileIO{
		base:       base,
		cfg:        cfg,
		cipher:     cfg.Cipher,
		haveHeader: cfg.Config.UniqueIV,
	}
	c.BlockFileIO = newBlockFileIO(cfg.Config.BlockSize, cfg.Config.AllowHoles, cfg.Opts.NoCache, c)
	return c
}

// Iface returns the versioned identity of this layer.
func (c *CipherFileIO) Iface() iface.Iface {
	return cipherIface
}

func (c *CipherFileIO) reverse() bool {
	return c.cfg.Opts.ReverseEncryption
}

// Open opens the backing file and remembers the flags for a possible
// reopen-for-write in SetIV.
func (c *CipherFileIO) Open(flags int) (int, error) {
	fd, err := c.base.Open(flags)
	if err == nil {
		c.lastFlags = flags
	}
	return fd, err
}

// SetFileName forwards to the raw layer.
func (c *CipherFileIO) SetFileName(name string) {
	c.base.SetFileName(name)
}

// GetFileName forwards to the raw layer.
func (c *CipherFileIO) GetFileName() string {
	return c.base.GetFileName()
}

// SetIV installs a new external IV. If a header already exists on disk it
// is re-encrypted under the new IV: reopen for write, decode the header
// under the old IV, write it back under the new one. On failure the old
// external IV stays in effect.
func (c *CipherFileIO) SetIV(iv uint64) error {
	tlog.Debug.Printf("CipherFileIO.SetIV: external %d -> %d, fileIV %d",
		c.externalIV, iv, c.fileIV)
	if c.externalIV == 0 {
		c.externalIV = iv
		if c.fileIV != 0 {
			tlog.Warn.Printf("SetIV: fileIV initialized before externalIV: %d, %d",
				c.fileIV, c.externalIV)
		}
		return c.base.SetIV(iv)
	}
	if c.haveHeader {
		if c.reverse() {
			// Reverse headers are derived from the inode, there is
			// nothing stored that would need rewriting.
			c.externalIV = iv
			c.fileIV = 0
			return c.base.SetIV(iv)
		}
		if _, err := c.base.Open(c.lastFlags | os.O_RDWR); err != nil {
			if err == syscall.EISDIR {
				// Directories carry no header
				c.externalIV = iv
				return c.base.SetIV(iv)
			}
			tlog.Debug.Printf("SetIV: reopen for write failed: %v", err)
			return err
		}
		if c.fileIV == 0 {
			if err := c.initHeader(); err != nil {
				return err
			}
		}
		oldIV := c.externalIV
		c.externalIV = iv
		if err := c.writeHeader(); err != nil {
			c.externalIV = oldIV
			return err
		}
	} else {
		c.externalIV = iv
	}
	return c.base.SetIV(iv)
}

// GetAttr stats the backing file and converts the size of regular files to
// this layer's view.
func (c *CipherFileIO) GetAttr(st *syscall.Stat_t) error {
	err := c.base.GetAttr(st)
	if err != nil || !c.haveHeader {
		return err
	}
	if st.Mode&syscall.S_IFMT == syscall.S_IFREG && st.Size > 0 {
		if !c.reverse() {
			if st.Size < HeaderSize {
				tlog.Warn.Printf("GetAttr: file %q smaller than its header: %d bytes",
					c.GetFileName(), st.Size)
				st.Size = 0
				return nil
			}
			st.Size -= HeaderSize
		} else {
			st.Size += HeaderSize
		}
	}
	return nil
}

// GetSize returns the size at this layer's view: the backing size minus
// the header in forward mode, plus the header in reverse mode.
func (c *CipherFileIO) GetSize() (int64, error) {
	size, err := c.base.GetSize()
	if err != nil {
		return size, err
	}
	if c.haveHeader && size > 0 {
		if !c.reverse() {
			if size < HeaderSize {
				tlog.Warn.Printf("GetSize: file %q smaller than its header: %d bytes",
					c.GetFileName(), size)
				return 0, nil
			}
			size -= HeaderSize
		} else {
			size += HeaderSize
		}
	}
	return size, nil
}

func (c *CipherFileIO) getSize() (int64, error) {
	return c.GetSize()
}

// initHeader establishes the file IV: read and decrypt the existing header
// if the backing file has one, otherwise draw a fresh random IV (rejecting
// zero) and, if the file is writable, encrypt and store it.
func (c *CipherFileIO) initHeader() error {
	if c.reverse() {
		var buf [HeaderSize]byte
		return c.generateReverseHeader(buf[:])
	}
	rawSize, err := c.base.GetSize()
	if err != nil {
		return err
	}
	if rawSize >= HeaderSize {
		tlog.Debug.Printf("initHeader: reading existing header, rawSize = %d", rawSize)
		var buf [HeaderSize]byte
		req := IORequest{Offset: 0, Data: buf[:]}
		n, err := c.base.Read(&req)
		if err != nil {
			return err
		}
		if n < HeaderSize {
			tlog.Warn.Printf("initHeader: short header read: %d bytes", n)
			return syscall.EIO
		}
		if err := c.cipher.StreamDecode(buf[:], c.externalIV); err != nil {
			return syscall.EBADMSG
		}
		c.fileIV = binary.BigEndian.Uint64(buf[:])
		if c.fileIV == 0 {
			tlog.Warn.Printf("initHeader: header decrypted to all zeros")
			return syscall.EBADMSG
		}
		return nil
	}

	tlog.Debug.Printf("initHeader: creating new file IV header")
	var buf [HeaderSize]byte
	for {
		cryptocore.Randomize(buf[:])
		c.fileIV = binary.BigEndian.Uint64(buf[:])
		if c.fileIV != 0 {
			break
		}
		tlog.Warn.Printf("initHeader: got 8 null bytes from the RNG, retrying")
	}
	if c.base.IsWritable() {
		if err := c.cipher.StreamEncode(buf[:], c.externalIV); err != nil {
			return syscall.EBADMSG
		}
		req := IORequest{Offset: 0, Data: buf[:]}
		if _, err := c.base.Write(&req); err != nil {
			return err
		}
	} else {
		tlog.Debug.Printf("initHeader: base not writable, IV not written")
	}
	return nil
}

// writeHeader stores the current file IV encrypted under the current
// external IV.
func (c *CipherFileIO) writeHeader() error {
	if c.fileIV == 0 {
		tlog.Warn.Printf("writeHeader: fileIV is zero")
	}
	var buf [HeaderSize]byte
	binary.BigEndian.PutUint64(buf[:], c.fileIV)
	if err := c.cipher.StreamEncode(buf[:], c.externalIV); err != nil {
		return syscall.EBADMSG
	}
	req := IORequest{Offset: 0, Data: buf[:]}
	_, err := c.base.Write(&req)
	return err
}

// generateReverseHeader derives the reverse-mode file IV from the backing
// file's inode number (so the ciphertext view is stable across runs) and
// leaves the encrypted header in "headerBuf".
func (c *CipherFileIO) generateReverseHeader(headerBuf []byte) error {
	var st syscall.Stat_t
	if err := c.base.GetAttr(&st); err != nil {
		return err
	}
	if st.Ino == 0 {
		tlog.Warn.Printf("generateReverseHeader: inode number is zero")
		return syscall.EIO
	}
	tlog.Debug.Printf("generateReverseHeader: ino = %d", st.Ino)

	var inoBuf [8]byte
	ino := st.Ino
	for i := 0; i < len(inoBuf); i++ {
		inoBuf[i] = byte(ino & 0xff)
		ino >>= 8
	}
	md := sha1.Sum(inoBuf[:])
	copy(headerBuf, md[:HeaderSize])

	c.fileIV = binary.BigEndian.Uint64(headerBuf[:HeaderSize])
	if err := c.cipher.StreamEncode(headerBuf[:HeaderSize], c.externalIV); err != nil {
		return syscall.EBADMSG
	}
	return nil
}

// Read is only special in reverse mode with a header, where reads
// overlapping the first 8 bytes splice in the synthesized encrypted
// header.
func (c *CipherFileIO) Read(req *IORequest) (int, error) {
	if !c.haveHeader || !c.reverse() {
		return c.BlockFileIO.Read(req)
	}
	if req.Offset >= HeaderSize {
		inner := IORequest{Offset: req.Offset - HeaderSize, Data: req.Data}
		return c.BlockFileIO.Read(&inner)
	}
	var header [HeaderSize]byte
	if err := c.generateReverseHeader(header[:]); err != nil {
		return 0, err
	}
	n := copy(req.Data, header[req.Offset:])
	if n == len(req.Data) {
		return n, nil
	}
	inner := IORequest{Offset: 0, Data: req.Data[n:]}
	nn, err := c.BlockFileIO.Read(&inner)
	if err != nil {
		return 0, err
	}
	return n + nn, nil
}

// readOneBlock reads one aligned block from the backing file and
// transforms it. Partial blocks (the file tail) use the stream mode.
func (c *CipherFileIO) readOneBlock(req *IORequest) (int, error) {
	bs := int64(c.BlockSize())
	blockNum := req.Offset / bs

	tmpReq := IORequest{Offset: req.Offset, Data: req.Data}
	if c.haveHeader && !c.reverse() {
		tmpReq.Offset += HeaderSize
	}
	n, err := c.base.Read(&tmpReq)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		tlog.Debug.Printf("readOneBlock: read size zero for offset %d", req.Offset)
		return 0, nil
	}

	if c.haveHeader && c.fileIV == 0 {
		if err := c.initHeader(); err != nil {
			return 0, err
		}
	}

	blockIV := uint64(blockNum) ^ c.fileIV
	var ok bool
	if n != int(bs) {
		ok = c.streamRead(tmpReq.Data[:n], blockIV)
	} else {
		ok = c.blockRead(tmpReq.Data[:n], blockIV)
	}
	if !ok {
		tlog.Debug.Printf("readOneBlock: decode failed for block %d, size %d", blockNum, n)
		return 0, syscall.EBADMSG
	}
	return n, nil
}

// writeOneBlock transforms one aligned block and writes it to the backing
// file. Writing through a reverse view with per-file IVs is not defined.
func (c *CipherFileIO) writeOneBlock(req *IORequest) (int, error) {
	if c.haveHeader && c.reverse() {
		tlog.Warn.Printf("writing to a reverse view with per-file IVs is not implemented")
		return 0, syscall.EPERM
	}

	bs := int64(c.BlockSize())
	blockNum := req.Offset / bs

	if c.haveHeader && c.fileIV == 0 {
		if err := c.initHeader(); err != nil {
			return 0, err
		}
	}

	blockIV := uint64(blockNum) ^ c.fileIV
	var ok bool
	if len(req.Data) != int(bs) {
		ok = c.streamWrite(req.Data, blockIV)
	} else {
		ok = c.blockWrite(req.Data, blockIV)
	}
	if !ok {
		tlog.Debug.Printf("writeOneBlock: encode failed for block %d, size %d", blockNum, len(req.Data))
		return 0, syscall.EBADMSG
	}

	if c.haveHeader {
		shifted := IORequest{Offset: req.Offset + HeaderSize, Data: req.Data}
		return c.base.Write(&shifted)
	}
	return c.base.Write(req)
}

// blockWrite transforms a full block on its way to the backing file:
// encrypt in forward mode, decrypt in reverse mode.
func (c *CipherFileIO) blockWrite(buf []byte, iv uint64) bool {
	if !c.reverse() {
		return c.cipher.BlockEncode(buf, iv) == nil
	}
	return c.cipher.BlockDecode(buf, iv) == nil
}

// streamWrite is blockWrite for partial blocks.
func (c *CipherFileIO) streamWrite(buf []byte, iv uint64) bool {
	if !c.reverse() {
		return c.cipher.StreamEncode(buf, iv) == nil
	}
	return c.cipher.StreamDecode(buf, iv) == nil
}

// blockRead transforms a full block coming from the backing file. An
// all-zero ciphertext block is a file hole and short-circuits to zeros
// when holes are allowed.
func (c *CipherFileIO) blockRead(buf []byte, iv uint64) bool {
	if c.reverse() {
		return c.cipher.BlockEncode(buf, iv) == nil
	}
	if c.allowHoles {
		allZero := true
		for _, b := range buf {
			if b != 0 {
				allZero = false
				break
			}
		}
		if allZero {
			return true
		}
	}
	return c.cipher.BlockDecode(buf, iv) == nil
}

// streamRead is blockRead for partial blocks.
func (c *CipherFileIO) streamRead(buf []byte, iv uint64) bool {
	if c.reverse() {
		return c.cipher.StreamEncode(buf, iv) == nil
	}
	return c.cipher.StreamDecode(buf, iv) == nil
}

// Truncate resizes the file at this layer's view. With a header, the
// engine must not resize the backing file directly because the size is
// off by the header length.
func (c *CipherFileIO) Truncate(size int64) error {
	if c.reverse() {
		return syscall.EPERM
	}
	if !c.haveHeader {
		return c.truncateBase(size, c.base)
	}
	if c.fileIV == 0 {
		if err := c.initHeader(); err != nil {
			return err
		}
	}
	if err := c.truncateBase(size, nil); err != nil {
		return err
	}
	return c.base.Truncate(size + HeaderSize)
}

// IsWritable forwards to the raw layer.
func (c *CipherFileIO) IsWritable() bool {
	return c.base.IsWritable()
}

// Close forwards to the raw layer.
func (c *CipherFileIO) Close() error {
	return c.base.Close()
}
