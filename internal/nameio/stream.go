package nameio

import (
	"github.com/encvault/encvault/internal/cryptocore"
	"github.com/encvault/encvault/internal/iface"
	"github.com/encvault/encvault/internal/tlog"
)

// StreamNameIO encrypts names with the stream mode, which keeps encoded
// names as short as possible. Layout before externalization:
//
//	[2 bytes checksum, big endian][stream-encrypted name]
//
// The encryption IV is the checksum XORed with the chained IV, so the
// checksum doubles as a per-name diversifier.
type StreamNameIO struct {
	ifc    iface.Iface
	cipher *cryptocore.Cipher
}

// Iface returns the versioned identity of this codec.
func (n *StreamNameIO) Iface() iface.Iface {
	return n.ifc
}

// MaxEncodedNameLen returns the base64 length of the checksum-prefixed name.
func (n *StreamNameIO) MaxEncodedNameLen(plainLen int) int {
	return b256ToB64Bytes(plainLen + 2)
}

// MaxDecodedNameLen bounds the plaintext length for an encoded length.
func (n *StreamNameIO) MaxDecodedNameLen(encodedLen int) int {
	return b64ToB256Bytes(encodedLen) - 2
}

// EncodeName encrypts one path component.
func (n *StreamNameIO) EncodeName(plain []byte, iv *uint64) (string, error) {
	if len(plain) == 0 {
		return "", ErrTooSmall
	}
	tmpIV := uint64(0)
	if iv != nil {
		tmpIV = *iv
	}
	mac := n.cipher.MAC16(plain, iv)

	buf := make([]byte, 2+len(plain))
	buf[0] = byte(mac >> 8)
	buf[1] = byte(mac)
	copy(buf[2:], plain)
	if err := n.cipher.StreamEncode(buf[2:], uint64(mac)^tmpIV); err != nil {
		return "", err
	}

	out := changeBase2(buf, 8, 6, b256ToB64Bytes(len(buf)))
	b64ToASCII(out)
	return string(out), nil
}

// DecodeName decrypts one path component and verifies its checksum.
func (n *StreamNameIO) DecodeName(encoded string, iv *uint64) ([]byte, error) {
	decLen256 := b64ToB256Bytes(len(encoded))
	decodedStreamLen := decLen256 - 2
	if decodedStreamLen <= 0 {
		return nil, ErrTooSmall
	}

	raw := changeBase2(asciiToB64(encoded), 6, 8, decLen256)
	mac := uint16(raw[0])<<8 | uint16(raw[1])

	tmpIV := uint64(0)
	if iv != nil {
		tmpIV = *iv
	}

	plain := make([]byte, decodedStreamLen)
	copy(plain, raw[2:])
	if err := n.cipher.StreamDecode(plain, uint64(mac)^tmpIV); err != nil {
		return nil, err
	}

	mac2 := n.cipher.MAC16(plain, iv)
	if mac2 != mac {
		tlog.Debug.Printf("stream name decode: checksum mismatch: expected %04x, got %04x on %d bytes",
			mac, mac2, decodedStreamLen)
		return nil, ErrChecksum
	}
	return plain, nil
}

func init() {
	Register("Stream",
		"Stream encoding, keeps filenames as short as possible",
		iface.New("nameio/stream", 2, 1, 2),
		func(requested iface.Iface, cipher *cryptocore.Cipher) (Codec, error) {
			return &StreamNameIO{ifc: requested, cipher: cipher}, nil
		})
}
