package configfile

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/encvault/encvault/internal/fsconfig"
	"github.com/encvault/encvault/internal/iface"
)

func TestWriteIntVectors(t *testing.T) {
	cases := []struct {
		val  int
		want []byte
	}{
		{0, []byte{0x00}},
		{5, []byte{0x05}},
		{127, []byte{0x7f}},
		{128, []byte{0x81, 0x00}},
		{300, []byte{0x82, 0x2c}},
		{16384, []byte{0x81, 0x80, 0x00}},
	}
	for _, c := range cases {
		v := NewConfigVar()
		v.WriteInt(c.val)
		if !bytes.Equal(v.Bytes(), c.want) {
			t.Errorf("WriteInt(%d) = %x, want %x", c.val, v.Bytes(), c.want)
		}
		v.ResetOffset()
		got, err := v.ReadInt()
		if err != nil || got != c.val {
			t.Errorf("ReadInt(%x) = %d, %v, want %d", c.want, got, err, c.val)
		}
	}
}

func TestIntRoundtrip(t *testing.T) {
	vals := []int{0, 1, 42, 127, 128, 129, 1000, 65535, 1 << 20, 1<<31 - 1}
	v := NewConfigVar()
	for _, val := range vals {
		v.WriteInt(val)
	}
	v.ResetOffset()
	for _, val := range vals {
		got, err := v.ReadInt()
		if err != nil {
			t.Fatal(err)
		}
		if got != val {
			t.Errorf("got %d, want %d", got, val)
		}
	}
	if _, err := v.ReadInt(); err != ErrTruncated {
		t.Error("reading past the end must fail")
	}
}

func TestStringRoundtrip(t *testing.T) {
	v := NewConfigVar()
	v.WriteString("hello")
	v.WriteString("")
	v.WriteBytes([]byte{0, 1, 2, 0xff})
	v.WriteBool(true)
	v.WriteBool(false)

	v.ResetOffset()
	if s, err := v.ReadString(); err != nil || s != "hello" {
		t.Errorf("got %q, %v", s, err)
	}
	if s, err := v.ReadString(); err != nil || s != "" {
		t.Errorf("got %q, %v", s, err)
	}
	if b, err := v.ReadBytes(); err != nil || !bytes.Equal(b, []byte{0, 1, 2, 0xff}) {
		t.Errorf("got %x, %v", b, err)
	}
	if !v.ReadBool(false) {
		t.Error("want true")
	}
	if v.ReadBool(true) {
		t.Error("want false")
	}
	// End of buffer: defaults
	if !v.ReadBool(true) {
		t.Error("default must be returned at end of buffer")
	}
	if v.ReadIntDefault(77) != 77 {
		t.Error("default must be returned at end of buffer")
	}
}

func TestTruncatedString(t *testing.T) {
	v := NewConfigVar()
	v.WriteInt(100) // claims 100 bytes follow
	v.Write([]byte("short"))
	v.ResetOffset()
	if _, err := v.ReadString(); err == nil {
		t.Error("truncated string must fail")
	}
}

func TestConfigReaderRoundtrip(t *testing.T) {
	r := NewConfigReader()
	v1 := NewConfigVar()
	v1.WriteInt(1024)
	r.Set("blockSize", v1)
	v2 := NewConfigVar()
	v2.WriteString("nested value")
	v2.WriteBool(true)
	r.Set("other", v2)

	blob := r.ToBytes()
	r2 := NewConfigReader()
	if err := r2.LoadBytes(blob); err != nil {
		t.Fatal(err)
	}
	if got, _ := r2.Get("blockSize").ReadInt(); got != 1024 {
		t.Errorf("blockSize = %d", got)
	}
	other := r2.Get("other")
	if s, _ := other.ReadString(); s != "nested value" {
		t.Errorf("other = %q", s)
	}
	if !other.ReadBool(false) {
		t.Error("nested bool lost")
	}
	// Absent key yields an empty var with defaults
	if r2.Get("missing").ReadIntDefault(5) != 5 {
		t.Error("missing key must fall back to the default")
	}
	if r2.Has("missing") {
		t.Error("Has(missing)")
	}
}

func TestConfigReaderFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.bin")
	r := NewConfigReader()
	v := NewConfigVar()
	v.WriteInt(7)
	r.Set("x", v)
	if err := r.SaveFile(path); err != nil {
		t.Fatal(err)
	}
	r2 := NewConfigReader()
	if err := r2.LoadFile(path); err != nil {
		t.Fatal(err)
	}
	if got, _ := r2.Get("x").ReadInt(); got != 7 {
		t.Errorf("x = %d", got)
	}
}

func TestKeyWrap(t *testing.T) {
	wrappingKey := bytes.Repeat([]byte{0x01}, 32)
	volumeKey := bytes.Repeat([]byte{0x02}, 32)

	blob, err := WrapKey(volumeKey, wrappingKey)
	if err != nil {
		t.Fatal(err)
	}
	back, err := UnwrapKey(blob, wrappingKey)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(back, volumeKey) {
		t.Error("unwrap did not restore the volume key")
	}

	// Any corruption must be detected
	corrupt := append([]byte(nil), blob...)
	corrupt[len(corrupt)/2] ^= 0x01
	if _, err := UnwrapKey(corrupt, wrappingKey); err == nil {
		t.Error("corrupted blob must not unwrap")
	}

	// Wrong wrapping key must fail
	otherKey := bytes.Repeat([]byte{0x03}, 32)
	if _, err := UnwrapKey(blob, otherKey); err == nil {
		t.Error("wrong wrapping key must not unwrap")
	}
}

func testConfig() *fsconfig.Config {
	return &fsconfig.Config{
		Version:           fsconfig.CurrentVersion,
		CipherIface:       iface.New("cipher/aes", 3, 0, 2),
		NameIface:         fsconfig.DefaultNameIface(false),
		KeySizeBits:       256,
		BlockSize:         1024,
		UniqueIV:          true,
		ChainedNameIV:     true,
		BlockMACBytes:     8,
		BlockMACRandBytes: 0,
	}
}

func TestCreateLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfDefaultName)
	wrappingKey := bytes.Repeat([]byte{0x55}, 32)

	volumeKey, err := Create(path, testConfig(), wrappingKey)
	if err != nil {
		t.Fatal(err)
	}

	cfg, key, err := Load(path, wrappingKey)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(key, volumeKey) {
		t.Error("volume key mismatch")
	}
	want := testConfig()
	if cfg.BlockSize != want.BlockSize || cfg.UniqueIV != want.UniqueIV ||
		cfg.ChainedNameIV != want.ChainedNameIV || cfg.BlockMACBytes != want.BlockMACBytes {
		t.Errorf("settings mismatch: %+v", cfg)
	}
	if cfg.CipherIface != want.CipherIface || cfg.NameIface != want.NameIface {
		t.Errorf("interface mismatch: %+v", cfg)
	}

	// Settings are readable without the wrapping key, the key stays sealed
	cfg2, key2, err := Load(path, nil)
	if err != nil || key2 != nil || cfg2.BlockSize != want.BlockSize {
		t.Errorf("sealed load: %+v, %v, %v", cfg2, key2, err)
	}

	// A wrong wrapping key is rejected
	if _, _, err := Load(path, bytes.Repeat([]byte{0x66}, 32)); err == nil {
		t.Error("wrong wrapping key must fail")
	}
}
