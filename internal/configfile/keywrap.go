package configfile

import (
	"crypto/sha256"
	"fmt"

	"github.com/jacobsa/crypto/siv"
	"golang.org/x/crypto/hkdf"
)

// The volume key is sealed with AES-SIV. SIV is deterministic and misuse
// resistant, which suits key wrapping: no nonce needs to be stored and a
// flipped bit anywhere makes unwrapping fail.

const (
	// sivKeyLen is the double-width AES-SIV key size (AES-256 halves).
	sivKeyLen = 64
	// hkdfInfoWrap separates the wrap subkey from other uses of the
	// wrapping key.
	hkdfInfoWrap = "AES-SIV volume key wrap"
)

// keyWrapAAD binds the wrapped blob to its purpose.
var keyWrapAAD = [][]byte{[]byte("encvault volume key v1")}

func sivKey(wrappingKey []byte) ([]byte, error) {
	h := hkdf.New(sha256.New, wrappingKey, nil, []byte(hkdfInfoWrap))
	out := make([]byte, sivKeyLen)
	if _, err := h.Read(out); err != nil {
		return nil, err
	}
	return out, nil
}

// WrapKey seals "volumeKey" under "wrappingKey".
func WrapKey(volumeKey, wrappingKey []byte) ([]byte, error) {
	if len(wrappingKey) == 0 {
		return nil, fmt.Errorf("empty wrapping key")
	}
	k, err := sivKey(wrappingKey)
	if err != nil {
		return nil, err
	}
	return siv.Encrypt(nil, k, volumeKey, keyWrapAAD)
}

// UnwrapKey opens a blob produced by WrapKey. Fails on any corruption and
// on a wrong wrapping key.
func UnwrapKey(blob, wrappingKey []byte) ([]byte, error) {
	if len(wrappingKey) == 0 {
		return nil, fmt.Errorf("empty wrapping key")
	}
	k, err := sivKey(wrappingKey)
	if err != nil {
		return nil, err
	}
	return siv.Decrypt(k, blob, keyWrapAAD)
}
