package configfile

import (
	"fmt"

	"github.com/encvault/encvault/internal/cryptocore"
	"github.com/encvault/encvault/internal/exitcodes"
	"github.com/encvault/encvault/internal/fsconfig"
	"github.com/encvault/encvault/internal/iface"
	"github.com/encvault/encvault/internal/tlog"
)

// ConfDefaultName is the configuration file name, stored in the root of
// the ciphertext directory. It is reserved: the name never appears in
// plaintext listings and decoders treat it as invalid.
const ConfDefaultName = ".encfs6.xml"

func writeIface(v *ConfigVar, ifc iface.Iface) {
	v.WriteString(ifc.Name)
	v.WriteInt(ifc.Current)
	v.WriteInt(ifc.Revision)
	v.WriteInt(ifc.Age)
}

func readIface(v *ConfigVar) (iface.Iface, error) {
	name, err := v.ReadString()
	if err != nil {
		return iface.Iface{}, err
	}
	current, err := v.ReadInt()
	if err != nil {
		return iface.Iface{}, err
	}
	revision, err := v.ReadInt()
	if err != nil {
		return iface.Iface{}, err
	}
	age, err := v.ReadInt()
	if err != nil {
		return iface.Iface{}, err
	}
	return iface.New(name, current, revision, age), nil
}

func intVar(val int) *ConfigVar {
	v := NewConfigVar()
	v.WriteInt(val)
	return v
}

func boolVar(val bool) *ConfigVar {
	v := NewConfigVar()
	v.WriteBool(val)
	return v
}

// MarshalConfig serializes "cfg" plus the wrapped volume key into the
// on-disk key/value format.
func MarshalConfig(cfg *fsconfig.Config, wrappedKey []byte) []byte {
	r := NewConfigReader()

	r.Set("version", intVar(cfg.Version))

	cipherVar := NewConfigVar()
	writeIface(cipherVar, cfg.CipherIface)
	r.Set("cipher", cipherVar)

	namingVar := NewConfigVar()
	writeIface(namingVar, cfg.NameIface)
	r.Set("naming", namingVar)

	r.Set("keySize", intVar(cfg.KeySizeBits))
	r.Set("blockSize", intVar(cfg.BlockSize))
	r.Set("uniqueIV", boolVar(cfg.UniqueIV))
	r.Set("chainedNameIV", boolVar(cfg.ChainedNameIV))
	r.Set("externalIVChaining", boolVar(cfg.ExternalIVChaining))
	r.Set("blockMACBytes", intVar(cfg.BlockMACBytes))
	r.Set("blockMACRandBytes", intVar(cfg.BlockMACRandBytes))
	r.Set("allowHoles", boolVar(cfg.AllowHoles))

	keyVar := NewConfigVar()
	keyVar.WriteBytes(wrappedKey)
	r.Set("encodedKey", keyVar)

	return r.ToBytes()
}

// UnmarshalConfig parses the on-disk format and returns the settings and
// the wrapped volume key.
func UnmarshalConfig(data []byte) (*fsconfig.Config, []byte, error) {
	r := NewConfigReader()
	if err := r.LoadBytes(data); err != nil {
		return nil, nil, err
	}

	cfg := &fsconfig.Config{}
	var err error
	if cfg.Version, err = r.Get("version").ReadInt(); err != nil {
		return nil, nil, fmt.Errorf("config lacks a version")
	}
	if cfg.Version != fsconfig.CurrentVersion {
		return nil, nil, fmt.Errorf("unsupported on-disk format %d", cfg.Version)
	}
	if cfg.CipherIface, err = readIface(r.Get("cipher")); err != nil {
		return nil, nil, err
	}
	if cfg.NameIface, err = readIface(r.Get("naming")); err != nil {
		return nil, nil, err
	}
	cfg.KeySizeBits = r.Get("keySize").ReadIntDefault(cryptocore.KeyLen * 8)
	if cfg.BlockSize, err = r.Get("blockSize").ReadInt(); err != nil {
		return nil, nil, err
	}
	cfg.UniqueIV = r.Get("uniqueIV").ReadBool(false)
	cfg.ChainedNameIV = r.Get("chainedNameIV").ReadBool(false)
	cfg.ExternalIVChaining = r.Get("externalIVChaining").ReadBool(false)
	cfg.BlockMACBytes = r.Get("blockMACBytes").ReadIntDefault(0)
	cfg.BlockMACRandBytes = r.Get("blockMACRandBytes").ReadIntDefault(0)
	cfg.AllowHoles = r.Get("allowHoles").ReadBool(false)

	wrappedKey, err := r.Get("encodedKey").ReadBytes()
	if err != nil {
		return nil, nil, fmt.Errorf("config lacks the encoded volume key")
	}
	return cfg, wrappedKey, nil
}

// Create generates a fresh volume key, wraps it with "wrappingKey" and
// writes the configuration to "path".
func Create(path string, cfg *fsconfig.Config, wrappingKey []byte) ([]byte, error) {
	volumeKey := cryptocore.RandBytes(cryptocore.KeyLen)
	wrapped, err := WrapKey(volumeKey, wrappingKey)
	if err != nil {
		return nil, err
	}
	r := NewConfigReader()
	if err := r.LoadBytes(MarshalConfig(cfg, wrapped)); err != nil {
		return nil, err
	}
	if err := r.SaveFile(path); err != nil {
		return nil, exitcodes.NewErr(err.Error(), exitcodes.WriteConf)
	}
	return volumeKey, nil
}

// Load reads the configuration from "path" and unwraps the volume key
// with "wrappingKey". With a nil wrapping key the settings are returned
// but the volume key stays sealed (nil).
func Load(path string, wrappingKey []byte) (*fsconfig.Config, []byte, error) {
	r := NewConfigReader()
	if err := r.LoadFile(path); err != nil {
		return nil, nil, exitcodes.NewErr(err.Error(), exitcodes.LoadConf)
	}
	cfg, wrapped, err := UnmarshalConfig(r.ToBytes())
	if err != nil {
		return nil, nil, exitcodes.NewErr(err.Error(), exitcodes.LoadConf)
	}
	if wrappingKey == nil {
		return cfg, nil, nil
	}
	volumeKey, err := UnwrapKey(wrapped, wrappingKey)
	if err != nil {
		tlog.Warn.Printf("failed to unlock the volume key: %v", err)
		return nil, nil, exitcodes.NewErr("wrapping key incorrect", exitcodes.KeyIncorrect)
	}
	return cfg, volumeKey, nil
}
