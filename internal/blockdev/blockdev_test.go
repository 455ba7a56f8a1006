package blockdev

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/superfly/blocks/internal/blockserr"
)

func writeFileOfSize(t *testing.T, path string, size int64) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		t.Fatal(err)
	}
}

// TestHasBcacheSuperblock exercises property P6: true iff the 16-byte
// magic is present at offset 4120 and the device is larger than 8192
// bytes.
func TestHasBcacheSuperblock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev")
	writeFileOfSize(t, path, 16384)

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteAt(bcacheMagic, BcacheSuperblockOffset); err != nil {
		t.Fatal(err)
	}
	f.Close()

	d := New(path, nil, nil)
	has, err := d.HasBcacheSuperblock()
	if err != nil {
		t.Fatalf("HasBcacheSuperblock: %v", err)
	}
	if !has {
		t.Error("expected bcache magic to be detected")
	}
}

func TestHasBcacheSuperblockFalseWithoutMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev")
	writeFileOfSize(t, path, 16384)

	d := New(path, nil, nil)
	has, err := d.HasBcacheSuperblock()
	if err != nil {
		t.Fatalf("HasBcacheSuperblock: %v", err)
	}
	if has {
		t.Error("expected no bcache magic on a zeroed device")
	}
}

func TestHasBcacheSuperblockFalseWhenTooSmall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev")
	// Device too small to even contain the magic's offset: the P6
	// property requires size > 8192 regardless of what bytes are present.
	writeFileOfSize(t, path, 4096)

	d := New(path, nil, nil)
	has, err := d.HasBcacheSuperblock()
	if err != nil {
		t.Fatalf("HasBcacheSuperblock: %v", err)
	}
	if has {
		t.Error("expected false for a device not larger than 8192 bytes")
	}
}

func TestSizeRejectsNonMultipleOf512(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev")
	writeFileOfSize(t, path, 1000)

	d := New(path, nil, nil)
	if _, err := d.Size(); err == nil {
		t.Fatal("expected error for size not a multiple of 512")
	}
}

func TestOpenExclusiveRejectsNestedOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev")
	writeFileOfSize(t, path, 4096)

	reg := NewRegistry()
	d := New(path, nil, nil)

	h1, err := d.OpenExclusive(reg)
	if err != nil {
		t.Fatalf("first OpenExclusive: %v", err)
	}
	defer h1.Close()

	if _, err := d.OpenExclusive(reg); err == nil {
		t.Fatal("expected nested exclusive open to be rejected")
	} else if !IsDeviceBusyErr(err) {
		t.Errorf("expected DeviceBusy, got %T: %v", err, err)
	}
}

func IsDeviceBusyErr(err error) bool {
	return blockserr.IsDeviceBusy(err)
}
