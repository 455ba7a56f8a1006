package partition

import (
	"testing"

	"github.com/superfly/blocks/internal/blockserr"
)

func testTable() *Table {
	return &Table{
		DiskPath: "/dev/sda",
		dump: sfdiskDump{
			PartitionTable: sfdiskTable{
				Label:    "gpt",
				FirstLBA: 2048,
				LastLBA:  1000000,
				Parts: []sfdiskPartition{
					{Node: "/dev/sda1", Start: 2048, Size: 204800, Type: "0FC63DAF-8483-4772-8E79-3D69D8477DE4"},
					{Node: "/dev/sda2", Start: 206848, Size: 204800, Type: "0FC63DAF-8483-4772-8E79-3D69D8477DE4"},
				},
			},
		},
	}
}

// testTableWithGap is like testTable but leaves 2048 sectors of free
// space before sda2, the precondition part_to_bcache needs to reserve a
// gap without touching sda1.
func testTableWithGap() *Table {
	return &Table{
		DiskPath: "/dev/sdb",
		dump: sfdiskDump{
			PartitionTable: sfdiskTable{
				Label:    "gpt",
				FirstLBA: 2048,
				LastLBA:  1000000,
				Parts: []sfdiskPartition{
					{Node: "/dev/sdb1", Start: 2048, Size: 204800, Type: "0FC63DAF-8483-4772-8E79-3D69D8477DE4"},
					{Node: "/dev/sdb2", Start: 208896, Size: 204800, Type: "0FC63DAF-8483-4772-8E79-3D69D8477DE4"},
				},
			},
		},
	}
}

func TestPartitionStart(t *testing.T) {
	tab := testTable()
	got, err := tab.PartitionStart("/dev/sda2")
	if err != nil {
		t.Fatalf("PartitionStart: %v", err)
	}
	if want := int64(206848 * sectorSize); got != want {
		t.Errorf("PartitionStart = %d, want %d", got, want)
	}
}

func TestPartitionStartUnknownDevice(t *testing.T) {
	tab := testTable()
	if _, err := tab.PartitionStart("/dev/sda9"); err == nil {
		t.Fatal("expected error for unknown partition")
	}
}

func TestReserveSpaceBeforeRejectsMisalignedGap(t *testing.T) {
	tab := testTable()
	if _, err := tab.ReserveSpaceBefore(nil, "/dev/sda2", sectorSize/2); err == nil {
		t.Fatal("expected error for a gap that is not a multiple of the sector size")
	}
}

func TestReserveSpaceBeforeRejectsOverlapWithPrecedingPartition(t *testing.T) {
	tab := testTable()
	// sda2 starts right after sda1 ends (206848 == 2048+204800), so
	// there is no free space to reserve a gap in at all.
	_, err := tab.ReserveSpaceBefore(nil, "/dev/sda2", sectorSize)
	if err == nil {
		t.Fatal("expected error when reserving space would overlap the preceding partition")
	}
	if !blockserr.IsOverlappingPartition(err) {
		t.Errorf("got %T, want *blockserr.OverlappingPartition", err)
	}
}

func TestReserveSpaceBeforeRejectsPastFirstLBA(t *testing.T) {
	tab := testTable()
	// sda1 starts exactly at FirstLBA, so any reservation pushes it
	// before the disk's usable start.
	_, err := tab.ReserveSpaceBefore(nil, "/dev/sda1", sectorSize)
	if err == nil {
		t.Fatal("expected error when reserving space would move the partition before FirstLBA")
	}
	if !blockserr.IsOverlappingPartition(err) {
		t.Errorf("got %T, want *blockserr.OverlappingPartition", err)
	}
}

func TestReserveSpaceBeforeDoesNotMutateTheTable(t *testing.T) {
	tab := testTableWithGap()
	before := tab.dump.PartitionTable.Parts[1]

	if _, err := tab.ReserveSpaceBefore(nil, "/dev/sdb2", 1024*1024); err != nil {
		t.Fatalf("ReserveSpaceBefore: %v", err)
	}

	after := tab.dump.PartitionTable.Parts[1]
	if after != before {
		t.Errorf("ReserveSpaceBefore mutated the table: before %+v, after %+v", before, after)
	}
}

// TestReserveThenShiftLeftMatchesPartToBCacheSequence drives the same
// ReserveSpaceBefore-then-ShiftLeft sequence internal/bcache.PartToBCache
// does, and checks the partition ends up exactly where the bcache
// superblock was written: start moved back by the gap size, size grown
// by the same amount so the end sector is unchanged. A double-shift bug
// (ReserveSpaceBefore mutating and ShiftLeft mutating again) would move
// the start back by twice the gap size instead.
func TestReserveThenShiftLeftMatchesPartToBCacheSequence(t *testing.T) {
	tab := testTableWithGap()
	const bsbSize = 1024 * 1024
	const gapSectors = bsbSize / sectorSize

	origStart, err := tab.PartitionStart("/dev/sdb2")
	if err != nil {
		t.Fatalf("PartitionStart: %v", err)
	}
	origSize := tab.dump.PartitionTable.Parts[1].Size

	newStart, err := tab.ReserveSpaceBefore(nil, "/dev/sdb2", bsbSize)
	if err != nil {
		t.Fatalf("ReserveSpaceBefore: %v", err)
	}
	if want := origStart - bsbSize; newStart != want {
		t.Fatalf("ReserveSpaceBefore returned %d, want %d", newStart, want)
	}

	shifted, err := shiftLeft(tab.dump.PartitionTable.Parts[1], sectorSize, origStart, newStart)
	if err != nil {
		t.Fatalf("shiftLeft: %v", err)
	}

	wantStart := tab.dump.PartitionTable.Parts[1].Start - gapSectors
	if shifted.Start != wantStart {
		t.Errorf("shifted.Start = %d, want %d (single shift by %d sectors)", shifted.Start, wantStart, gapSectors)
	}
	if wantSize := origSize + gapSectors; shifted.Size != wantSize {
		t.Errorf("shifted.Size = %d, want %d (grown by the reserved gap, end sector unchanged)", shifted.Size, wantSize)
	}
}

func TestShiftLeftRejectsNonDecreasingShift(t *testing.T) {
	tab := testTable()
	if err := tab.ShiftLeft(nil, "/dev/sda1", 2048*sectorSize, 2048*sectorSize); err == nil {
		t.Fatal("expected error when newStart does not decrease from oldStart")
	}
	if err := tab.ShiftLeft(nil, "/dev/sda1", 2048*sectorSize, 4096*sectorSize); err == nil {
		t.Fatal("expected error when newStart is greater than oldStart")
	}
}

func TestResizeRejectsMisalignedSize(t *testing.T) {
	tab := testTable()
	if err := tab.Resize(nil, "/dev/sda1", sectorSize/2); err == nil {
		t.Fatal("expected error for a size that is not a multiple of the sector size")
	}
}

func TestUnitBytesDefaultsToSectorSize(t *testing.T) {
	tab := testTable()
	if got := tab.unitBytes(); got != sectorSize {
		t.Errorf("unitBytes() = %d, want %d", got, sectorSize)
	}
	tab.dump.PartitionTable.Sectorsz = 4096
	if got := tab.unitBytes(); got != 4096 {
		t.Errorf("unitBytes() with explicit sectorsize = %d, want 4096", got)
	}
}
