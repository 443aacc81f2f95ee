package nameio

import (
	"github.com/encvault/encvault/internal/cryptocore"
	"github.com/encvault/encvault/internal/iface"
)

// NullNameIO passes names through unchanged. No IV is consumed or chained.
type NullNameIO struct {
	ifc iface.Iface
}

// Iface returns the versioned identity of this codec.
func (n *NullNameIO) Iface() iface.Iface {
	return n.ifc
}

// MaxEncodedNameLen - identity codec, same length.
func (n *NullNameIO) MaxEncodedNameLen(plainLen int) int {
	return plainLen
}

// MaxDecodedNameLen - identity codec, same length.
func (n *NullNameIO) MaxDecodedNameLen(encodedLen int) int {
	return encodedLen
}

// EncodeName returns the name unchanged.
func (n *NullNameIO) EncodeName(plain []byte, iv *uint64) (string, error) {
	return string(plain), nil
}

// DecodeName returns the name unchanged.
func (n *NullNameIO) DecodeName(encoded string, iv *uint64) ([]byte, error) {
	return []byte(encoded), nil
}

func init() {
	Register("Null",
		"No encryption of filenames",
		iface.New("nameio/null", 1, 0, 0),
		func(requested iface.Iface, _ *cryptocore.Cipher) (Codec, error) {
			return &NullNameIO{ifc: requested}, nil
		})
}
