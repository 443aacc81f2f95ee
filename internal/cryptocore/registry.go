package cryptocore

import (
	"fmt"
	"sync"

	"github.com/rfjakob/eme"

	"github.com/encvault/encvault/internal/iface"
)

// Range describes the valid values for a size parameter, in the form
// min..max with a fixed step.
type Range struct {
	Min  int
	Max  int
	Mult int
}

// Allowed reports whether "value" lies in the range and on the step grid.
func (r Range) Allowed(value int) bool {
	return value >= r.Min && value <= r.Max && value%r.Mult == 0
}

// Closest snaps "value" to the nearest allowed value.
func (r Range) Closest(value int) int {
	if value < r.Min {
		return r.Min
	}
	if value > r.Max {
		return r.Max
	}
	down := value - value%r.Mult
	up := down + r.Mult
	if value-down <= up-value || up > r.Max {
		return down
	}
	return up
}

// Constructor builds a cipher for a requested interface version from key
// material.
type Constructor func(requested iface.Iface, key []byte) (*Cipher, error)

// RegistryEntry describes one registered cipher kind.
type RegistryEntry struct {
	Name        string
	Description string
	Iface       iface.Iface
	KeyRange    Range
	BlockRange  Range
	newFn       Constructor
}

var (
	registryMu sync.Mutex
	registry   = make(map[string]RegistryEntry)
)

// Register adds a cipher kind to the registry. Called from init functions.
func Register(name, description string, ifc iface.Iface, keyRange, blockRange Range, newFn Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = RegistryEntry{
		Name:        name,
		Description: description,
		Iface:       ifc,
		KeyRange:    keyRange,
		BlockRange:  blockRange,
		newFn:       newFn,
	}
}

// LookupByName returns the registry entry for "name".
func LookupByName(name string) (RegistryEntry, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	e, ok := registry[name]
	return e, ok
}

// NewByName constructs a cipher of the named kind.
func NewByName(name string, key []byte) (*Cipher, error) {
	e, ok := LookupByName(name)
	if !ok {
		return nil, fmt.Errorf("unknown cipher %q", name)
	}
	return e.newFn(e.Iface, key)
}

// NewByIface constructs a cipher whose registered interface can serve the
// requested one.
func NewByIface(req iface.Iface, key []byte) (*Cipher, error) {
	registryMu.Lock()
	var match *RegistryEntry
	for _, e := range registry {
		if e.Iface.Implements(req) {
			e := e
			match = &e
			break
		}
	}
	registryMu.Unlock()
	if match == nil {
		return nil, fmt.Errorf("no cipher implements %s", req)
	}
	return match.newFn(req, key)
}

// ListAll returns the registered cipher kinds.
func ListAll() []RegistryEntry {
	registryMu.Lock()
	defer registryMu.Unlock()
	out := make([]RegistryEntry, 0, len(registry))
	for _, e := range registry {
		out = append(out, e)
	}
	return out
}

// emeMaxBlockBytes is the largest payload the wide-block EME transform is
// defined for: 128 AES blocks.
const emeMaxBlockBytes = 128 * 16

func init() {
	Register("AES",
		"16 byte block cipher, CBC block mode and CFB stream mode",
		iface.New("cipher/aes", 3, 0, 2),
		Range{Min: 128, Max: 256, Mult: 64},
		Range{Min: 64, Max: 4096, Mult: 16},
		func(requested iface.Iface, key []byte) (*Cipher, error) {
			return newCipher(requested, key)
		})

	Register("AES-EME",
		"16 byte block cipher, wide-block EME block mode and CFB stream mode",
		iface.New("cipher/aes-eme", 1, 0, 0),
		Range{Min: 128, Max: 256, Mult: 64},
		Range{Min: 64, Max: emeMaxBlockBytes, Mult: 16},
		func(requested iface.Iface, key []byte) (*Cipher, error) {
			c, err := newCipher(requested, key)
			if err != nil {
				return nil, err
			}
			c.emeCipher = eme.New(c.blockCipher)
			c.maxBlockBytes = emeMaxBlockBytes
			return c, nil
		})
}
