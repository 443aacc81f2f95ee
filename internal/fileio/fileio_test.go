package fileio

import (
	"bytes"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/encvault/encvault/internal/cryptocore"
	"github.com/encvault/encvault/internal/fsconfig"
	"github.com/encvault/encvault/internal/iface"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, cryptocore.KeyLen)
}

func testFSConfig(t *testing.T, mod func(*fsconfig.Config), optsMod func(*fsconfig.Opts)) *fsconfig.FSConfig {
	t.Helper()
	cfg := &fsconfig.Config{
		Version:     fsconfig.CurrentVersion,
		CipherIface: iface.New("cipher/aes", 3, 0, 2),
		NameIface:   fsconfig.DefaultNameIface(false),
		KeySizeBits: 256,
		BlockSize:   1024,
		UniqueIV:    true,
	}
	if mod != nil {
		mod(cfg)
	}
	opts := &fsconfig.Opts{}
	if optsMod != nil {
		optsMod(opts)
	}
	fc, err := fsconfig.New(cfg, opts, testKey())
	if err != nil {
		t.Fatal(err)
	}
	return fc
}

// newTestStack composes the pipeline the way a file node does.
func newTestStack(cfg *fsconfig.FSConfig, path string) FileIO {
	var io FileIO = NewCipherFileIO(NewRawFileIO(path), cfg)
	if cfg.Config.BlockMACBytes != 0 || cfg.Config.BlockMACRandBytes != 0 {
		io = NewMACFileIO(io, cfg)
	}
	return io
}

func createFile(t *testing.T, path string) {
	t.Helper()
	fd, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	fd.Close()
}

func openStack(t *testing.T, cfg *fsconfig.FSConfig, path string, flags int) FileIO {
	t.Helper()
	io := newTestStack(cfg, path)
	if _, err := io.Open(flags); err != nil {
		t.Fatal(err)
	}
	return io
}

func backingSize(t *testing.T, path string) int64 {
	t.Helper()
	st, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	return st.Size()
}

// Scenario: write "hello" into an empty file. The backing file carries the
// 8-byte IV header plus the 5 payload bytes.
func TestSmallWriteSizes(t *testing.T) {
	cfg := testFSConfig(t, nil, nil)
	path := filepath.Join(t.TempDir(), "f")
	createFile(t, path)
	io := openStack(t, cfg, path, os.O_RDWR)
	defer io.Close()

	if n, err := io.Write(&IORequest{Offset: 0, Data: []byte("hello")}); err != nil || n != 5 {
		t.Fatalf("write: %d, %v", n, err)
	}
	if size, err := io.GetSize(); err != nil || size != 5 {
		t.Errorf("GetSize = %d, %v, want 5", size, err)
	}
	if got := backingSize(t, path); got != 13 {
		t.Errorf("backing size = %d, want 13", got)
	}

	buf := make([]byte, 16)
	n, err := io.Read(&IORequest{Offset: 0, Data: buf})
	if err != nil || n != 5 || string(buf[:5]) != "hello" {
		t.Errorf("read back: %d, %v, %q", n, err, buf[:n])
	}
}

// Scenario: 3000 bytes spanning three blocks.
func TestMultiBlockWrite(t *testing.T) {
	cfg := testFSConfig(t, nil, nil)
	path := filepath.Join(t.TempDir(), "f")
	createFile(t, path)
	io := openStack(t, cfg, path, os.O_RDWR)
	defer io.Close()

	data := bytes.Repeat([]byte{0x41}, 3000)
	if n, err := io.Write(&IORequest{Offset: 0, Data: data}); err != nil || n != 3000 {
		t.Fatalf("write: %d, %v", n, err)
	}
	if size, _ := io.GetSize(); size != 3000 {
		t.Errorf("GetSize = %d", size)
	}
	if got := backingSize(t, path); got != 3008 {
		t.Errorf("backing size = %d, want 3008", got)
	}
	if !bytes.Equal(data, bytes.Repeat([]byte{0x41}, 3000)) {
		t.Error("write mutated the input buffer")
	}

	buf := make([]byte, 3000)
	n, err := io.Read(&IORequest{Offset: 0, Data: buf})
	if err != nil || n != 3000 {
		t.Fatalf("read: %d, %v", n, err)
	}
	if !bytes.Equal(buf, data) {
		t.Error("content mismatch")
	}
}

// Scenario: write at offset 5000 into an empty file; the hole reads back
// as zeros.
func TestWriteCreatesHole(t *testing.T) {
	for _, allowHoles := range []bool{false, true} {
		cfg := testFSConfig(t, func(c *fsconfig.Config) { c.AllowHoles = allowHoles }, nil)
		path := filepath.Join(t.TempDir(), "f")
		createFile(t, path)
		io := openStack(t, cfg, path, os.O_RDWR)

		payload := pattern(100)
		if n, err := io.Write(&IORequest{Offset: 5000, Data: payload}); err != nil || n != 100 {
			t.Fatalf("allowHoles=%v: write: %d, %v", allowHoles, n, err)
		}
		if size, _ := io.GetSize(); size != 5100 {
			t.Errorf("allowHoles=%v: GetSize = %d, want 5100", allowHoles, size)
		}

		head := make([]byte, 5000)
		n, err := io.Read(&IORequest{Offset: 0, Data: head})
		if err != nil || n != 5000 {
			t.Fatalf("allowHoles=%v: read head: %d, %v", allowHoles, n, err)
		}
		if !bytes.Equal(head, make([]byte, 5000)) {
			t.Errorf("allowHoles=%v: hole is not zero", allowHoles)
		}
		tail := make([]byte, 100)
		n, _ = io.Read(&IORequest{Offset: 5000, Data: tail})
		if n != 100 || !bytes.Equal(tail, payload) {
			t.Errorf("allowHoles=%v: tail mismatch", allowHoles)
		}
		io.Close()
	}
}

// Scenario: truncate from 3000 down to 2048, the prefix stays intact.
func TestTruncateShrink(t *testing.T) {
	cfg := testFSConfig(t, nil, nil)
	path := filepath.Join(t.TempDir(), "f")
	createFile(t, path)
	io := openStack(t, cfg, path, os.O_RDWR)
	defer io.Close()

	data := pattern(3000)
	io.Write(&IORequest{Offset: 0, Data: data})

	if err := io.Truncate(2048); err != nil {
		t.Fatal(err)
	}
	if size, _ := io.GetSize(); size != 2048 {
		t.Errorf("GetSize = %d", size)
	}
	// Idempotent: a second truncate to the same size changes nothing
	if err := io.Truncate(2048); err != nil {
		t.Fatal(err)
	}
	if got := backingSize(t, path); got != 2056 {
		t.Errorf("backing size = %d, want 2056", got)
	}

	buf := make([]byte, 4096)
	n, err := io.Read(&IORequest{Offset: 0, Data: buf})
	if err != nil || n != 2048 {
		t.Fatalf("read: %d, %v", n, err)
	}
	if !bytes.Equal(buf[:2048], data[:2048]) {
		t.Error("prefix damaged by truncate")
	}
}

func TestTruncateShrinkPartialBlock(t *testing.T) {
	cfg := testFSConfig(t, nil, nil)
	path := filepath.Join(t.TempDir(), "f")
	createFile(t, path)
	io := openStack(t, cfg, path, os.O_RDWR)
	defer io.Close()

	data := pattern(3000)
	io.Write(&IORequest{Offset: 0, Data: data})
	if err := io.Truncate(1500); err != nil {
		t.Fatal(err)
	}
	if size, _ := io.GetSize(); size != 1500 {
		t.Errorf("GetSize = %d", size)
	}
	buf := make([]byte, 3000)
	n, err := io.Read(&IORequest{Offset: 0, Data: buf})
	if err != nil || n != 1500 {
		t.Fatalf("read: %d, %v", n, err)
	}
	if !bytes.Equal(buf[:1500], data[:1500]) {
		t.Error("surviving content damaged")
	}
}

func TestTruncateUpDown(t *testing.T) {
	cfg := testFSConfig(t, nil, nil)
	path := filepath.Join(t.TempDir(), "f")
	createFile(t, path)
	io := openStack(t, cfg, path, os.O_RDWR)
	defer io.Close()

	data := pattern(1000)
	io.Write(&IORequest{Offset: 0, Data: data})
	if err := io.Truncate(5000); err != nil {
		t.Fatal(err)
	}
	if size, _ := io.GetSize(); size != 5000 {
		t.Errorf("after grow: GetSize = %d", size)
	}
	buf := make([]byte, 5000)
	n, err := io.Read(&IORequest{Offset: 0, Data: buf})
	if err != nil || n != 5000 {
		t.Fatalf("read after grow: %d, %v", n, err)
	}
	if !bytes.Equal(buf[1000:], make([]byte, 4000)) {
		t.Error("grown area is not zero")
	}
	if err := io.Truncate(1000); err != nil {
		t.Fatal(err)
	}
	n, err = io.Read(&IORequest{Offset: 0, Data: buf})
	if err != nil || n != 1000 {
		t.Fatalf("read after shrink: %d, %v", n, err)
	}
	if !bytes.Equal(buf[:1000], data) {
		t.Error("content damaged by truncate up/down")
	}
}

// The header is persistent: a fresh pipeline over the same backing file
// decrypts what an earlier one wrote.
func TestHeaderPersistence(t *testing.T) {
	cfg := testFSConfig(t, nil, nil)
	path := filepath.Join(t.TempDir(), "f")
	createFile(t, path)

	io1 := openStack(t, cfg, path, os.O_RDWR)
	data := pattern(2000)
	io1.Write(&IORequest{Offset: 0, Data: data})
	io1.Close()

	io2 := openStack(t, cfg, path, os.O_RDONLY)
	defer io2.Close()
	buf := make([]byte, 2000)
	n, err := io2.Read(&IORequest{Offset: 0, Data: buf})
	if err != nil || n != 2000 {
		t.Fatalf("read: %d, %v", n, err)
	}
	if !bytes.Equal(buf, data) {
		t.Error("fresh pipeline cannot decrypt")
	}
}

// Without uniqueIV there is no header and the backing size equals the
// plaintext size.
func TestNoHeader(t *testing.T) {
	cfg := testFSConfig(t, func(c *fsconfig.Config) { c.UniqueIV = false }, nil)
	path := filepath.Join(t.TempDir(), "f")
	createFile(t, path)
	io := openStack(t, cfg, path, os.O_RDWR)
	defer io.Close()

	io.Write(&IORequest{Offset: 0, Data: pattern(100)})
	if got := backingSize(t, path); got != 100 {
		t.Errorf("backing size = %d, want 100", got)
	}
	if size, _ := io.GetSize(); size != 100 {
		t.Errorf("GetSize = %d", size)
	}
}

// SetIV re-encrypts the header; the data stays readable under the new
// external IV and becomes unreadable under the old one.
func TestSetIVRewritesHeader(t *testing.T) {
	cfg := testFSConfig(t, nil, nil)
	path := filepath.Join(t.TempDir(), "f")
	createFile(t, path)

	io1 := newTestStack(cfg, path)
	if err := io1.SetIV(1111); err != nil {
		t.Fatal(err)
	}
	if _, err := io1.Open(os.O_RDWR); err != nil {
		t.Fatal(err)
	}
	data := pattern(100)
	if _, err := io1.Write(&IORequest{Offset: 0, Data: data}); err != nil {
		t.Fatal(err)
	}
	if err := io1.SetIV(2222); err != nil {
		t.Fatal(err)
	}
	io1.Close()

	io2 := newTestStack(cfg, path)
	io2.SetIV(2222)
	if _, err := io2.Open(os.O_RDONLY); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 100)
	n, err := io2.Read(&IORequest{Offset: 0, Data: buf})
	if err != nil || n != 100 || !bytes.Equal(buf, data) {
		t.Fatalf("read under new IV: %d, %v", n, err)
	}
	io2.Close()

	// Under the old external IV the header decrypts to a different file
	// IV, so the content comes back wrong (or errors out)
	io3 := newTestStack(cfg, path)
	io3.SetIV(1111)
	if _, err := io3.Open(os.O_RDONLY); err != nil {
		t.Fatal(err)
	}
	n, err = io3.Read(&IORequest{Offset: 0, Data: buf})
	if err == nil && n == 100 && bytes.Equal(buf, data) {
		t.Error("content readable under the stale external IV")
	}
	io3.Close()
}

// MAC framing: flipping one backing byte of a block turns reads of that
// block into EBADMSG; forceDecode downgrades it to a warning.
func TestMACCorruption(t *testing.T) {
	mkCfg := func(force bool) *fsconfig.FSConfig {
		return testFSConfig(t, func(c *fsconfig.Config) {
			c.BlockMACBytes = 8
			c.BlockMACRandBytes = 0
		}, func(o *fsconfig.Opts) {
			o.ForceDecode = force
		})
	}
	cfg := mkCfg(false)
	path := filepath.Join(t.TempDir(), "f")
	createFile(t, path)

	io1 := openStack(t, cfg, path, os.O_RDWR)
	dataBS := 1024 - 8
	data := pattern(5 * dataBS)
	if _, err := io1.Write(&IORequest{Offset: 0, Data: data}); err != nil {
		t.Fatal(err)
	}
	io1.Close()

	// Sanity: clean read through a fresh stack
	io2 := openStack(t, cfg, path, os.O_RDONLY)
	buf := make([]byte, dataBS)
	if n, err := io2.Read(&IORequest{Offset: int64(3 * dataBS), Data: buf}); err != nil || n != dataBS {
		t.Fatalf("clean read: %d, %v", n, err)
	}
	if !bytes.Equal(buf, data[3*dataBS:4*dataBS]) {
		t.Fatal("clean read content mismatch")
	}
	io2.Close()

	// Flip one byte inside framed block 3 (cipher header is 8 bytes,
	// framed blocks are 1024 bytes each)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	raw[8+3*1024+100] ^= 0x01
	if err := os.WriteFile(path, raw, 0600); err != nil {
		t.Fatal(err)
	}

	io3 := openStack(t, cfg, path, os.O_RDONLY)
	if _, err := io3.Read(&IORequest{Offset: int64(3 * dataBS), Data: buf}); err != syscall.EBADMSG {
		t.Errorf("corrupt read: got %v, want EBADMSG", err)
	}
	// Other blocks are unaffected
	if n, err := io3.Read(&IORequest{Offset: 0, Data: buf}); err != nil || n != dataBS {
		t.Errorf("block 0 read: %d, %v", n, err)
	}
	io3.Close()

	// forceDecode: the mismatch is logged, data is returned best-effort
	io4 := openStack(t, mkCfg(true), path, os.O_RDONLY)
	if n, err := io4.Read(&IORequest{Offset: int64(3 * dataBS), Data: buf}); err != nil || n != dataBS {
		t.Errorf("forceDecode read: %d, %v", n, err)
	}
	io4.Close()
}

func TestMACSizes(t *testing.T) {
	cfg := testFSConfig(t, func(c *fsconfig.Config) {
		c.BlockMACBytes = 8
		c.BlockMACRandBytes = 8
	}, nil)
	path := filepath.Join(t.TempDir(), "f")
	createFile(t, path)
	io := openStack(t, cfg, path, os.O_RDWR)
	defer io.Close()

	dataBS := 1024 - 16
	data := pattern(2*dataBS + 100)
	io.Write(&IORequest{Offset: 0, Data: data})
	if size, _ := io.GetSize(); size != int64(len(data)) {
		t.Errorf("GetSize = %d, want %d", size, len(data))
	}
	// 8 cipher header + 2 full framed blocks + partial framed block
	want := int64(8 + 2*1024 + 16 + 100)
	if got := backingSize(t, path); got != want {
		t.Errorf("backing size = %d, want %d", got, want)
	}

	buf := make([]byte, len(data))
	n, err := io.Read(&IORequest{Offset: 0, Data: buf})
	if err != nil || n != len(data) {
		t.Fatalf("read: %d, %v", n, err)
	}
	if !bytes.Equal(buf, data) {
		t.Error("roundtrip mismatch")
	}
}

func TestMACOffsetMath(t *testing.T) {
	cases := []struct {
		payload int64
		lower   int64
	}{
		{0, 0},
		{1, 9},
		{1015, 1023},
		{1016, 1024},
		{1017, 1033},
		{5 * 1016, 5 * 1024},
	}
	for _, c := range cases {
		if got := locWithHeader(c.payload, 1024, 8); got != c.lower {
			t.Errorf("locWithHeader(%d) = %d, want %d", c.payload, got, c.lower)
		}
		if back := locWithoutHeader(c.lower, 1024, 8); back != c.payload {
			t.Errorf("locWithoutHeader(%d) = %d, want %d", c.lower, back, c.payload)
		}
	}
}

// Reverse mode: the ciphertext view of a plaintext file is a valid
// forward-mode file, and writing through the view is forbidden.
func TestReverseMode(t *testing.T) {
	dir := t.TempDir()
	plainPath := filepath.Join(dir, "plain")
	data := pattern(2500)
	if err := os.WriteFile(plainPath, data, 0600); err != nil {
		t.Fatal(err)
	}

	revCfg := testFSConfig(t, nil, func(o *fsconfig.Opts) { o.ReverseEncryption = true })
	rio := openStack(t, revCfg, plainPath, os.O_RDONLY)

	size, err := rio.GetSize()
	if err != nil || size != 2508 {
		t.Fatalf("reverse GetSize = %d, %v, want 2508", size, err)
	}
	view := make([]byte, size)
	n, err := rio.Read(&IORequest{Offset: 0, Data: view})
	if err != nil || n != int(size) {
		t.Fatalf("reverse read: %d, %v", n, err)
	}

	// The view must be stable across runs
	view2 := make([]byte, size)
	rio2 := openStack(t, revCfg, plainPath, os.O_RDONLY)
	rio2.Read(&IORequest{Offset: 0, Data: view2})
	if !bytes.Equal(view, view2) {
		t.Error("reverse view is not deterministic")
	}
	rio2.Close()

	// Reads at an offset match the full view
	part := make([]byte, 100)
	if n, err := rio.Read(&IORequest{Offset: 1000, Data: part}); err != nil || n != 100 {
		t.Fatalf("offset read: %d, %v", n, err)
	}
	if !bytes.Equal(part, view[1000:1100]) {
		t.Error("offset read mismatch")
	}

	// Writing through a reverse view with per-file IVs is forbidden
	if _, err := rio.Write(&IORequest{Offset: 0, Data: []byte("nope")}); err != syscall.EPERM {
		t.Errorf("reverse write: got %v, want EPERM", err)
	}
	if err := rio.Truncate(0); err != syscall.EPERM {
		t.Errorf("reverse truncate: got %v, want EPERM", err)
	}
	rio.Close()

	// Store the ciphertext view in a file and read it back through the
	// forward pipeline
	cipherPath := filepath.Join(dir, "cipher")
	if err := os.WriteFile(cipherPath, view, 0600); err != nil {
		t.Fatal(err)
	}
	fwdCfg := testFSConfig(t, nil, nil)
	fio := openStack(t, fwdCfg, cipherPath, os.O_RDONLY)
	defer fio.Close()
	back := make([]byte, 2500)
	n, err = fio.Read(&IORequest{Offset: 0, Data: back})
	if err != nil || n != 2500 {
		t.Fatalf("forward read of reverse view: %d, %v", n, err)
	}
	if !bytes.Equal(back, data) {
		t.Error("reverse -> forward roundtrip mismatch")
	}
}

// A read of a region that was never written (past EOF) returns 0 bytes.
func TestReadPastEOF(t *testing.T) {
	cfg := testFSConfig(t, nil, nil)
	path := filepath.Join(t.TempDir(), "f")
	createFile(t, path)
	io := openStack(t, cfg, path, os.O_RDWR)
	defer io.Close()

	io.Write(&IORequest{Offset: 0, Data: pattern(10)})
	buf := make([]byte, 50)
	n, err := io.Read(&IORequest{Offset: 4096, Data: buf})
	if err != nil || n != 0 {
		t.Errorf("read past EOF: %d, %v", n, err)
	}
}
