// Package fsconfig bundles the persisted volume settings, the mount-time
// options and the instantiated crypto objects into the one value that the
// I/O layers and the frontend share.
package fsconfig

import (
	"fmt"

	"github.com/encvault/encvault/internal/cryptocore"
	"github.com/encvault/encvault/internal/iface"
	"github.com/encvault/encvault/internal/nameio"
)

// Config holds the settings that are fixed at volume creation and
// persisted in the configuration file. They are immutable for the life of
// the filesystem.
type Config struct {
	// Version is the on-disk format version.
	Version int
	// CipherIface selects the primitive cipher kind.
	CipherIface iface.Iface
	// NameIface selects the filename codec kind.
	NameIface iface.Iface
	// KeySizeBits is the cipher key size in bits.
	KeySizeBits int
	// BlockSize is the plaintext I/O block size in bytes. Must be a
	// power-of-two multiple of the cipher block size.
	BlockSize int
	// UniqueIV enables the 8-byte encrypted per-file IV header.
	UniqueIV bool
	// ChainedNameIV makes a path component's encryption IV depend on its
	// ancestor components.
	ChainedNameIV bool
	// ExternalIVChaining mixes the file's name chain IV into the header
	// encryption. Requires UniqueIV and ChainedNameIV.
	ExternalIVChaining bool
	// BlockMACBytes is the per-block truncated HMAC length, 0..8.
	BlockMACBytes int
	// BlockMACRandBytes is the number of random bytes per block header.
	BlockMACRandBytes int
	// AllowHoles leaves the whole blocks skipped by a write past EOF
	// unwritten (sparse), and reads an all-zero ciphertext block as zeros
	// without decrypting it. Zero blocks that are written are encrypted.
	AllowHoles bool
}

// CurrentVersion is the current on-disk format version.
const CurrentVersion = 6

// Validate checks the invariants between the settings. "cipherBlockSize"
// is the block size of the instantiated primitive cipher.
func (c *Config) Validate(cipherBlockSize int) error {
	if c.BlockSize <= 1 {
		return fmt.Errorf("invalid block size %d", c.BlockSize)
	}
	if c.BlockSize%cipherBlockSize != 0 {
		return fmt.Errorf("block size %d is not a multiple of the cipher block size %d",
			c.BlockSize, cipherBlockSize)
	}
	if c.BlockMACBytes < 0 || c.BlockMACBytes > 8 {
		return fmt.Errorf("blockMACBytes %d out of range 0..8", c.BlockMACBytes)
	}
	if c.BlockMACRandBytes < 0 {
		return fmt.Errorf("blockMACRandBytes %d is negative", c.BlockMACRandBytes)
	}
	if c.BlockMACBytes+c.BlockMACRandBytes >= c.BlockSize {
		return fmt.Errorf("MAC header %d leaves no payload space in %d byte blocks",
			c.BlockMACBytes+c.BlockMACRandBytes, c.BlockSize)
	}
	if c.ExternalIVChaining && (!c.UniqueIV || !c.ChainedNameIV) {
		return fmt.Errorf("externalIVChaining requires uniqueIV and chainedNameIV")
	}
	return nil
}

// Opts holds the mount-time options. They are not persisted.
type Opts struct {
	// ReverseEncryption presents a ciphertext view of plaintext storage.
	ReverseEncryption bool
	// NoCache disables the one-block read cache. Forced on in reverse
	// mode because the backing plaintext may change behind our back.
	NoCache bool
	// ForceDecode downgrades content MAC mismatches to a logged warning.
	ForceDecode bool
	// MountOnDemand disables the idle auto-unmount.
	MountOnDemand bool
	// CaseInsensitive is not read by the core; the name encoding (base32
	// or base64) comes from the volume's NameIface, and
	// DefaultNameIface(true) is the base32 one.
	CaseInsensitive bool
	// MountPoint is where the plaintext view is presented. Informational.
	MountPoint string
	// Exclude holds gitignore-syntax patterns. Matching plaintext files
	// are hidden from the ciphertext view in reverse mode.
	Exclude []string
}

// FSConfig is the bundle handed to the I/O layers and the frontend.
type FSConfig struct {
	Config     *Config
	Opts       *Opts
	Cipher     *cryptocore.Cipher
	NameCoding *nameio.PathIO
}

// DefaultNameIface returns the name codec interface for a new volume.
func DefaultNameIface(caseInsensitive bool) iface.Iface {
	if caseInsensitive {
		return iface.New("nameio/block32", 4, 0, 2)
	}
	return iface.New("nameio/block", 4, 0, 2)
}

// New instantiates the cipher and name coding for "cfg"/"opts" with the
// volume key "key" and validates the combination.
func New(cfg *Config, opts *Opts, key []byte) (*FSConfig, error) {
	cipher, err := cryptocore.NewByIface(cfg.CipherIface, key)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(cipher.CipherBlockSize()); err != nil {
		return nil, err
	}
	codec, err := nameio.NewByIface(cfg.NameIface, cipher)
	if err != nil {
		return nil, err
	}
	if opts.ReverseEncryption {
		// The backing files are plaintext and may mutate under us, a
		// stale block cache would serve wrong data.
		opts.NoCache = true
	}
	return &FSConfig{
		Config:     cfg,
		Opts:       opts,
		Cipher:     cipher,
		NameCoding: nameio.NewPathIO(codec, cfg.ChainedNameIV, opts.ReverseEncryption),
	}, nil
}
