// Package cryptocore provides the primitive symmetric cipher that the file
// and name transforms are built on: an in-place block-mode transform, an
// in-place stream-mode transform, a chainable truncated HMAC, and random
// bytes. A Cipher instance bundles the cipher state with the key material
// it was derived from; the stateful HMAC context is guarded by a per-key
// mutex.
package cryptocore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"hash"
	"sync"

	"github.com/rfjakob/eme"

	"github.com/encvault/encvault/internal/iface"
)

const (
	// KeyLen is the cipher key length in bytes. 32 for AES-256.
	KeyLen = 32
	// IVLen is the length of the initialization vectors fed to the block
	// and stream modes, in bytes.
	IVLen = 16
)

// Subkey derivation info strings. Each purpose gets an independent subkey
// expanded from the master key via HKDF-SHA256.
const (
	hkdfInfoBlockKey = "AES-256 block/stream content encryption"
	hkdfInfoMACKey   = "HMAC-SHA1 checksums and chained name IVs"
	hkdfInfoIVBase   = "IV derivation seed"
)

// Cipher is the low level crypto implementation.
type Cipher struct {
	// Versioned identity of this cipher kind
	ifc iface.Iface
	// AES-256 block cipher, the base primitive of both modes
	blockCipher cipher.Block
	// Wide-block transform. Non-nil only for the EME cipher kind, where it
	// replaces CBC as the block-mode transform.
	emeCipher *eme.EMECipher
	// Largest payload the block mode accepts. 0 means unlimited.
	maxBlockBytes int
	// Key for the HMAC used by MAC64/MAC32/MAC16 and for IV derivation
	hmacKey []byte
	// Per-key base value mixed into every derived IV
	ivBase []byte
	// mu guards macCtx. HMAC contexts are stateful and not thread-safe.
	mu     sync.Mutex
	macCtx hash.Hash
}

// newCipher expands "key" into subkeys and sets up the shared state. The
// block-mode transform is chosen by the registered constructors.
func newCipher(ifc iface.Iface, key []byte) (*Cipher, error) {
	if len(key) != KeyLen {
		return nil, fmt.Errorf("unsupported key length %d", len(key))
	}
	blockKey := hkdfDerive(key, hkdfInfoBlockKey, KeyLen)
	hmacKey := hkdfDerive(key, hkdfInfoMACKey, KeyLen)
	ivBase := hkdfDerive(key, hkdfInfoIVBase, IVLen)

	bc, err := aes.NewCipher(blockKey)
	if err != nil {
		return nil, err
	}
	return &Cipher{
		ifc:         ifc,
		blockCipher: bc,
		hmacKey:     hmacKey,
		ivBase:      ivBase,
		macCtx:      hmac.New(sha1.New, hmacKey),
	}, nil
}

// Iface returns the versioned identity of this cipher kind.
func (c *Cipher) Iface() iface.Iface {
	return c.ifc
}

// CipherBlockSize returns the block size of the underlying primitive in
// bytes. Filesystem block sizes must be a multiple of this, and the block
// name codec pads to it.
func (c *Cipher) CipherBlockSize() int {
	return aes.BlockSize
}

// deriveIVec turns a 64-bit IV into the full-width initialization vector
// for the block and stream modes. The per-key ivBase is mixed in so equal
// 64-bit IVs under different keys never produce equal vectors.
func (c *Cipher) deriveIVec(iv uint64) []byte {
	var seed [8]byte
	binary.BigEndian.PutUint64(seed[:], iv)
	h := hmac.New(sha1.New, c.hmacKey)
	h.Write(c.ivBase)
	h.Write(seed[:])
	return h.Sum(nil)[:IVLen]
}

// BlockEncode encrypts "data" in place using the block mode with the 64-bit
// IV "iv". len(data) must be a positive multiple of CipherBlockSize.
func (c *Cipher) BlockEncode(data []byte, iv uint64) error {
	if err := c.checkBlockLen(len(data)); err != nil {
		return err
	}
	ivec := c.deriveIVec(iv)
	if c.emeCipher != nil {
		copy(data, c.emeCipher.Encrypt(ivec, data))
		return nil
	}
	cipher.NewCBCEncrypter(c.blockCipher, ivec).CryptBlocks(data, data)
	return nil
}

// BlockDecode decrypts "data" in place, inverting BlockEncode.
func (c *Cipher) BlockDecode(data []byte, iv uint64) error {
	if err := c.checkBlockLen(len(data)); err != nil {
		return err
	}
	ivec := c.deriveIVec(iv)
	if c.emeCipher != nil {
		copy(data, c.emeCipher.Decrypt(ivec, data))
		return nil
	}
	cipher.NewCBCDecrypter(c.blockCipher, ivec).CryptBlocks(data, data)
	return nil
}

func (c *Cipher) checkBlockLen(n int) error {
	if n <= 0 || n%aes.BlockSize != 0 {
		return fmt.Errorf("block mode needs a positive multiple of %d bytes, got %d", aes.BlockSize, n)
	}
	if c.maxBlockBytes > 0 && n > c.maxBlockBytes {
		return fmt.Errorf("block mode payload %d exceeds maximum %d", n, c.maxBlockBytes)
	}
	return nil
}

// StreamEncode encrypts "data" in place using the length-preserving stream
// mode with the 64-bit IV "iv". Any length >= 1 is accepted.
func (c *Cipher) StreamEncode(data []byte, iv uint64) error {
	if len(data) == 0 {
		return fmt.Errorf("stream mode needs at least one byte")
	}
	cipher.NewCFBEncrypter(c.blockCipher, c.deriveIVec(iv)).XORKeyStream(data, data)
	return nil
}

// StreamDecode decrypts "data" in place, inverting StreamEncode.
func (c *Cipher) StreamDecode(data []byte, iv uint64) error {
	if len(data) == 0 {
		return fmt.Errorf("stream mode needs at least one byte")
	}
	cipher.NewCFBDecrypter(c.blockCipher, c.deriveIVec(iv)).XORKeyStream(data, data)
	return nil
}
