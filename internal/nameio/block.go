package nameio

import (
	"errors"

	"github.com/encvault/encvault/internal/cryptocore"
	"github.com/encvault/encvault/internal/iface"
	"github.com/encvault/encvault/internal/tlog"
)

// BlockNameIO encrypts names with the block mode. The name is padded to a
// multiple of the cipher block size (pad byte = pad length, a full extra
// block when already aligned), prefixed with a 2-byte checksum, and
// block-encrypted under checksum XOR chainedIV. Externalization is base64,
// or base32 when the backing filesystem is case-insensitive.
type BlockNameIO struct {
	ifc             iface.Iface
	cipher          *cryptocore.Cipher
	bs              int
	caseInsensitive bool
}

// Iface returns the versioned identity of this codec.
func (n *BlockNameIO) Iface() iface.Iface {
	return n.ifc
}

// MaxEncodedNameLen returns the externalized length for a plaintext length.
func (n *BlockNameIO) MaxEncodedNameLen(plainLen int) int {
	numBlocks := (plainLen + n.bs) / n.bs
	encodedNameLen := numBlocks*n.bs + 2
	if n.caseInsensitive {
		return b256ToB32Bytes(encodedNameLen)
	}
	return b256ToB64Bytes(encodedNameLen)
}

// MaxDecodedNameLen bounds the plaintext length for an encoded length.
func (n *BlockNameIO) MaxDecodedNameLen(encodedLen int) int {
	var decLen256 int
	if n.caseInsensitive {
		decLen256 = b32ToB256Bytes(encodedLen)
	} else {
		decLen256 = b64ToB256Bytes(encodedLen)
	}
	return decLen256 - 2
}

// EncodeName encrypts one path component.
func (n *BlockNameIO) EncodeName(plain []byte, iv *uint64) (string, error) {
	if len(plain) == 0 {
		return "", ErrTooSmall
	}
	length := len(plain)
	padding := n.bs - length%n.bs
	if padding == 0 {
		padding = n.bs
	}

	buf := make([]byte, 2+length+padding)
	copy(buf[2:], plain)
	for i := 2 + length; i < len(buf); i++ {
		buf[i] = byte(padding)
	}

	tmpIV := uint64(0)
	if iv != nil {
		tmpIV = *iv
	}
	mac := n.cipher.MAC16(buf[2:], iv)
	buf[0] = byte(mac >> 8)
	buf[1] = byte(mac)

	if err := n.cipher.BlockEncode(buf[2:], uint64(mac)^tmpIV); err != nil {
		return "", errors.New("block encode failed in filename encode")
	}

	if n.caseInsensitive {
		out := changeBase2(buf, 8, 5, b256ToB32Bytes(len(buf)))
		b32ToASCII(out)
		return string(out), nil
	}
	out := changeBase2(buf, 8, 6, b256ToB64Bytes(len(buf)))
	b64ToASCII(out)
	return string(out), nil
}

// DecodeName decrypts one path component, validates the padding and
// verifies the checksum.
func (n *BlockNameIO) DecodeName(encoded string, iv *uint64) ([]byte, error) {
	var raw []byte
	var decLen256 int
	if n.caseInsensitive {
		decLen256 = b32ToB256Bytes(len(encoded))
		raw = changeBase2(asciiToB32(encoded), 5, 8, decLen256)
	} else {
		decLen256 = b64ToB256Bytes(len(encoded))
		raw = changeBase2(asciiToB64(encoded), 6, 8, decLen256)
	}
	decodedStreamLen := decLen256 - 2
	if decodedStreamLen < n.bs {
		tlog.Debug.Printf("block name decode: rejecting %q: %d decoded bytes", encoded, decodedStreamLen)
		return nil, ErrTooSmall
	}

	mac := uint16(raw[0])<<8 | uint16(raw[1])
	tmpIV := uint64(0)
	if iv != nil {
		tmpIV = *iv
	}

	tmpBuf := raw[2 : 2+decodedStreamLen]
	if err := n.cipher.BlockDecode(tmpBuf, uint64(mac)^tmpIV); err != nil {
		return nil, ErrBlockDecode
	}

	padding := int(tmpBuf[decodedStreamLen-1])
	finalSize := decodedStreamLen - padding
	if padding > n.bs || finalSize < 0 {
		tlog.Debug.Printf("block name decode: padding=%d, bs=%d, finalSize=%d", padding, n.bs, finalSize)
		return nil, ErrBadPadding
	}

	mac2 := n.cipher.MAC16(tmpBuf, iv)
	if mac2 != mac {
		tlog.Debug.Printf("block name decode: checksum mismatch: expected %04x, got %04x on %d bytes",
			mac, mac2, finalSize)
		return nil, ErrChecksum
	}
	return tmpBuf[:finalSize], nil
}

func newBlockNameIO(requested iface.Iface, cipher *cryptocore.Cipher, caseInsensitive bool) (Codec, error) {
	bs := 8
	if cipher != nil {
		bs = cipher.CipherBlockSize()
	}
	return &BlockNameIO{
		ifc:             requested,
		cipher:          cipher,
		bs:              bs,
		caseInsensitive: caseInsensitive,
	}, nil
}

func init() {
	Register("Block",
		"Block encoding, hides filename size somewhat",
		iface.New("nameio/block", 4, 0, 2),
		func(requested iface.Iface, cipher *cryptocore.Cipher) (Codec, error) {
			return newBlockNameIO(requested, cipher, false)
		})
	Register("Block32",
		"Block encoding with base32 output for case-insensitive systems",
		iface.New("nameio/block32", 4, 0, 2),
		func(requested iface.Iface, cipher *cryptocore.Cipher) (Codec, error) {
			return newBlockNameIO(requested, cipher, true)
		})
}
