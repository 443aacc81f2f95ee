package fileio

import (
	"syscall"

	"github.com/encvault/encvault/internal/cryptocore"
	"github.com/encvault/encvault/internal/fsconfig"
	"github.com/encvault/encvault/internal/iface"
	"github.com/encvault/encvault/internal/mempool"
	"github.com/encvault/encvault/internal/tlog"
)

var macIface = iface.New("FileIO/MAC", 2, 1, 0)

// MACFileIO frames every block with a header of macBytes truncated
// checksum bytes followed by randBytes random bytes:
//
//	[macBytes MAC][randBytes random][up to blockSize-header payload]
//
// The layer presents a reduced block size to the engine; offsets are
// translated with locWithHeader/locWithoutHeader.
type MACFileIO struct {
	*BlockFileIO
	base     FileIO
	cipher   *cryptocore.Cipher
	macBytes int
	// The random bytes make the MAC of equal plaintext blocks differ
	randBytes int
	// warnOnly turns a MAC mismatch into a logged warning (forceDecode)
	warnOnly bool
}

// NewMACFileIO stacks a MAC framing layer on "base".
func NewMACFileIO(base FileIO, cfg *fsconfig.FSConfig) *MACFileIO {
	dataBlockSize := cfg.Config.BlockSize - cfg.Config.BlockMACBytes - cfg.Config.BlockMACRandBytes
	m := &MACFileIO{
		base:      base,
		cipher:    cfg.Cipher,
		macBytes:  cfg.Config.BlockMACBytes,
		randBytes: cfg.Config.BlockMACRandBytes,
		warnOnly:  cfg.Opts.ForceDecode,
	}
	m.BlockFileIO = newBlockFileIO(dataBlockSize, cfg.Config.AllowHoles, cfg.Opts.NoCache, m)
	tlog.Debug.Printf("NewMACFileIO: fs block size = %d, macBytes = %d, randBytes = %d",
		cfg.Config.BlockSize, cfg.Config.BlockMACBytes, cfg.Config.BlockMACRandBytes)
	return m
}

// Iface returns the versioned identity of this layer.
func (m *MACFileIO) Iface() iface.Iface {
	return macIface
}

func roundUpDivide(numerator int64, denominator int) int64 {
	return (numerator + int64(denominator) - 1) / int64(denominator)
}

// locWithHeader translates a payload-level offset to the lower level that
// carries the per-block headers.
func locWithHeader(offset int64, blockSize, headerSize int) int64 {
	blockNum := roundUpDivide(offset, blockSize-headerSize)
	return offset + blockNum*int64(headerSize)
}

// locWithoutHeader translates a lower-level offset back to the payload
// level.
func locWithoutHeader(offset int64, blockSize, headerSize int) int64 {
	blockNum := roundUpDivide(offset, blockSize)
	return offset - blockNum*int64(headerSize)
}

func (m *MACFileIO) headerSize() int {
	return m.macBytes + m.randBytes
}

// lower-level block size, including the header
func (m *MACFileIO) lowerBlockSize() int {
	return m.BlockSize() + m.headerSize()
}

// Open forwards to the layer below.
func (m *MACFileIO) Open(flags int) (int, error) {
	return m.base.Open(flags)
}

// SetFileName forwards to the layer below.
func (m *MACFileIO) SetFileName(name string) {
	m.base.SetFileName(name)
}

// GetFileName forwards to the layer below.
func (m *MACFileIO) GetFileName() string {
	return m.base.GetFileName()
}

// SetIV forwards to the layer below.
func (m *MACFileIO) SetIV(iv uint64) error {
	return m.base.SetIV(iv)
}

// GetAttr stats the file and strips the per-block headers from the size of
// regular files.
func (m *MACFileIO) GetAttr(st *syscall.Stat_t) error {
	err := m.base.GetAttr(st)
	if err != nil {
		return err
	}
	if st.Mode&syscall.S_IFMT == syscall.S_IFREG && st.Size > 0 {
		st.Size = locWithoutHeader(st.Size, m.lowerBlockSize(), m.headerSize())
	}
	return nil
}

// GetSize returns the payload size.
func (m *MACFileIO) GetSize() (int64, error) {
	size, err := m.base.GetSize()
	if err != nil {
		return size, err
	}
	if size > 0 {
		size = locWithoutHeader(size, m.lowerBlockSize(), m.headerSize())
	}
	return size, nil
}

func (m *MACFileIO) getSize() (int64, error) {
	return m.GetSize()
}

// readOneBlock reads one framed block, verifies the checksum and hands
// back the payload. With holes allowed, an all-zero framed block is a hole
// and skips the check.
func (m *MACFileIO) readOneBlock(req *IORequest) (int, error) {
	headerSize := m.headerSize()
	bs := m.lowerBlockSize()

	mb := mempool.Allocate(bs)
	defer mempool.Release(mb)

	tmp := IORequest{
		Offset: locWithHeader(req.Offset, bs, headerSize),
		Data:   mb[:headerSize+len(req.Data)],
	}
	readSize, err := m.base.Read(&tmp)
	if err != nil {
		return 0, err
	}
	if readSize <= headerSize {
		if readSize > 0 {
			tlog.Warn.Printf("readOneBlock: read of %d bytes is shorter than the block header", readSize)
		}
		return 0, nil
	}

	skipBlock := true
	if m.allowHoles {
		for _, b := range mb[:readSize] {
			if b != 0 {
				skipBlock = false
				break
			}
		}
	} else if m.macBytes > 0 {
		skipBlock = false
	}

	if m.macBytes > 0 && !skipBlock {
		mac := m.cipher.MAC64(mb[m.macBytes:readSize], nil)
		for i := 0; i < m.macBytes; i++ {
			test := byte(mac & 0xff)
			stored := mb[m.macBytes-1-i]
			mac >>= 8
			if test != stored {
				blockNum := req.Offset / int64(m.BlockSize())
				tlog.Warn.Printf("MAC comparison failure in block %d: stored %02x, calculated %02x",
					blockNum, stored, test)
				if !m.warnOnly {
					return 0, syscall.EBADMSG
				}
			}
		}
	}

	readSize -= headerSize
	copy(req.Data, mb[headerSize:headerSize+readSize])
	return readSize, nil
}

// writeOneBlock frames the payload: zeroed header, random bytes, checksum
// over everything after the MAC field, then one write to the layer below.
func (m *MACFileIO) writeOneBlock(req *IORequest) (int, error) {
	headerSize := m.headerSize()
	bs := m.lowerBlockSize()

	mb := mempool.Allocate(bs)
	defer mempool.Release(mb)

	framedLen := headerSize + len(req.Data)
	for i := 0; i < headerSize; i++ {
		mb[i] = 0
	}
	copy(mb[headerSize:framedLen], req.Data)

	if m.randBytes > 0 {
		cryptocore.Randomize(mb[m.macBytes : m.macBytes+m.randBytes])
	}
	if m.macBytes > 0 {
		mac := m.cipher.MAC64(mb[m.macBytes:framedLen], nil)
		for i := 0; i < m.macBytes; i++ {
			mb[m.macBytes-1-i] = byte(mac & 0xff)
			mac >>= 8
		}
	}

	tmp := IORequest{
		Offset: locWithHeader(req.Offset, bs, headerSize),
		Data:   mb[:framedLen],
	}
	if _, err := m.base.Write(&tmp); err != nil {
		return 0, err
	}
	return len(req.Data), nil
}

// Truncate truncates at the payload level first, then translates to the
// framed size below.
func (m *MACFileIO) Truncate(size int64) error {
	if err := m.truncateBase(size, nil); err != nil {
		return err
	}
	return m.base.Truncate(locWithHeader(size, m.lowerBlockSize(), m.headerSize()))
}

// IsWritable forwards to the layer below.
func (m *MACFileIO) IsWritable() bool {
	return m.base.IsWritable()
}

// Close forwards to the layer below.
func (m *MACFileIO) Close() error {
	return m.base.Close()
}
