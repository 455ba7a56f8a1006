package layer

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/superfly/blocks/internal/blockdev"
)

func writeSwapFixture(t *testing.T, path string, lastPage uint32, label string) {
	t.Helper()
	page := make([]byte, swapPageSize*4)
	binary.BigEndian.PutUint32(page[swapVersionOff:], swapSupportedVer)
	binary.BigEndian.PutUint32(page[swapLastPageOff:], lastPage)
	copy(page[swapLabelOff:swapLabelOff+swapLabelSize], label)
	copy(page[swapMagicOff:swapMagicOff+swapMagicSize], swapMagic)
	if err := os.WriteFile(path, page, 0o644); err != nil {
		t.Fatalf("writing swap fixture: %v", err)
	}
}

func TestSwapReadSuperblock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swapdev")
	writeSwapFixture(t, path, 255, "myswap")

	s := NewSwap(blockdev.New(path, nil, nil), nil, nil)
	if err := s.ReadSuperblock(context.Background()); err != nil {
		t.Fatalf("ReadSuperblock: %v", err)
	}
	if s.Label() != "myswap" {
		t.Errorf("Label() = %q, want %q", s.Label(), "myswap")
	}
	if got, want := s.FSSize(), int64(256*swapPageSize); got != want {
		t.Errorf("FSSize() = %d, want %d", got, want)
	}
}

func TestSwapShrinkThenGrow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swapdev")
	writeSwapFixture(t, path, 999, "root")

	s := NewSwap(blockdev.New(path, nil, nil), nil, nil)
	ctx := context.Background()
	if err := s.ReadSuperblock(ctx); err != nil {
		t.Fatalf("ReadSuperblock: %v", err)
	}
	origSize := s.FSSize()

	shrunk, err := s.ReserveEndAreaNonrec(ctx, 100*swapPageSize)
	if err != nil {
		t.Fatalf("ReserveEndAreaNonrec: %v", err)
	}
	if shrunk != 100*swapPageSize {
		t.Errorf("shrunk size = %d, want %d", shrunk, 100*swapPageSize)
	}

	grown, err := s.GrowNonrec(ctx, origSize)
	if err != nil {
		t.Fatalf("GrowNonrec: %v", err)
	}
	if grown != origSize {
		t.Errorf("grown size = %d, want %d (P1 shrink-then-grow identity)", grown, origSize)
	}

	s2 := NewSwap(blockdev.New(path, nil, nil), nil, nil)
	if err := s2.ReadSuperblock(ctx); err != nil {
		t.Fatalf("re-reading after round trip: %v", err)
	}
	if s2.Label() != "root" {
		t.Errorf("label not preserved across resize round trip: got %q", s2.Label())
	}
}

func TestSwapRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swapdev")
	if err := os.WriteFile(path, make([]byte, swapPageSize), 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewSwap(blockdev.New(path, nil, nil), nil, nil)
	if err := s.ReadSuperblock(context.Background()); err == nil {
		t.Fatal("expected error for missing swap magic, got nil")
	}
}
