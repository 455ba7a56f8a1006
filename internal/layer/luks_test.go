package layer

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/superfly/blocks/internal/blockdev"
)

const (
	testKeyBytes         = 32
	testKeyOffsetSectors = 8
	testPayloadSectors   = 300000
)

func writeLUKSFixture(t *testing.T, path string, size int) string {
	t.Helper()
	buf := make([]byte, size)
	copy(buf[0:6], luksMagic)
	binary.BigEndian.PutUint16(buf[6:8], 1)
	binary.BigEndian.PutUint32(buf[luksPayloadOffset:luksPayloadOffset+4], testPayloadSectors)
	binary.BigEndian.PutUint32(buf[luksKeyBytesOffset:luksKeyBytesOffset+4], testKeyBytes)
	uuid := "11111111-2222-3333-4444-555555555555000"
	copy(buf[luksUUIDOffset:luksUUIDOffset+luksUUIDSize], uuid)

	for i := 0; i < luksKeyslotCount; i++ {
		off := luksKeyslotsStart + i*luksKeyslotStride
		binary.BigEndian.PutUint32(buf[off+luksKeyOffsetField:off+luksKeyOffsetField+4], testKeyOffsetSectors)
		binary.BigEndian.PutUint32(buf[off+luksKeyStripesField:off+luksKeyStripesField+4], luksRequiredStripes)
	}

	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("writing LUKS fixture: %v", err)
	}
	return uuid
}

func TestLUKSReadSuperblock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "luksdev")
	writeLUKSFixture(t, path, 400000)

	l := NewLUKS(blockdev.New(path, nil, nil), "", nil, nil)
	if err := l.ReadSuperblock(context.Background()); err != nil {
		t.Fatalf("ReadSuperblock: %v", err)
	}

	wantSBEnd := int64(testKeyOffsetSectors*512 + luksRequiredStripes*testKeyBytes)
	if l.SBEnd() != wantSBEnd {
		t.Errorf("SBEnd() = %d, want %d", l.SBEnd(), wantSBEnd)
	}
	if l.Offset() != testPayloadSectors*512 {
		t.Errorf("Offset() = %d, want %d", l.Offset(), testPayloadSectors*512)
	}
	if l.SBEnd() > l.Offset() {
		t.Errorf("invariant violated: sb_end (%d) > payload_start (%d)", l.SBEnd(), l.Offset())
	}
}

func TestLUKSRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "luksdev")
	if err := os.WriteFile(path, make([]byte, 4096), 0o644); err != nil {
		t.Fatal(err)
	}
	l := NewLUKS(blockdev.New(path, nil, nil), "", nil, nil)
	if err := l.ReadSuperblock(context.Background()); err == nil {
		t.Fatal("expected error for missing LUKS magic, got nil")
	}
}

func TestLUKSShiftHeaderForBcache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "luksdev")
	writeLUKSFixture(t, path, 400000)

	l := NewLUKS(blockdev.New(path, nil, nil), "", nil, nil)
	ctx := context.Background()
	if err := l.ReadSuperblock(ctx); err != nil {
		t.Fatalf("ReadSuperblock: %v", err)
	}
	origPayload := l.Offset()

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	const shiftBy = 8192
	if err := l.ShiftHeaderForBcache(ctx, f, shiftBy); err != nil {
		t.Fatalf("ShiftHeaderForBcache: %v", err)
	}

	if got, want := l.Offset(), origPayload-shiftBy; got != want {
		t.Errorf("payload offset after shift = %d, want %d", got, want)
	}

	// The header now lives at offset shiftBy (the bcache superblock
	// occupies [0, shiftBy)); verify its magic and rewritten payload field
	// landed there, per spec.md §4.6's "shift_sb" step and property P5.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	shifted := raw[shiftBy:]
	if string(shifted[:6]) != string(luksMagic) {
		t.Fatalf("LUKS magic not found at shifted offset %d", shiftBy)
	}
	gotPayload := binary.BigEndian.Uint32(shifted[luksPayloadOffset : luksPayloadOffset+4])
	if int64(gotPayload)*512 != origPayload-shiftBy {
		t.Errorf("on-disk payload field after shift = %d sectors, want %d", gotPayload, (origPayload-shiftBy)/512)
	}
	for _, b := range raw[:shiftBy] {
		if b != 0 {
			t.Fatalf("lead-in bytes before shifted header are not all zero")
		}
	}
}
