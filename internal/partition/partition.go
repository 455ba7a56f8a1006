// Package partition implements the partition-table surgery
// part_to_bcache needs (spec.md §4.6): reserving a gap immediately
// before a partition for the bcache superblock, and then shifting that
// partition's start sector once the gap is no longer needed for
// anything but holding that superblock.
//
// The original implementation leaned on libparted and stubbed out the
// logical-partition/free-space classification it would need ("this
// would require linking with libparted ... for now we'll assume it's a
// normal partition"). This package keeps that same simplifying
// assumption — exactly one primary/GPT partition being converted, with
// enough pre-existing alignment slack before it — and drives `sfdisk`'s
// JSON dump/script-apply round trip instead of a parted binding, which
// is the shape the rest of this module already uses for LVM
// (shell out, parse structured output, shell back in).
package partition

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/superfly/blocks/internal/blockserr"
	"github.com/superfly/blocks/internal/extutil"
)

const sectorSize = 512

type sfdiskPartition struct {
	Node  string `json:"node"`
	Start int64  `json:"start"`
	Size  int64  `json:"size"`
	Type  string `json:"type"`
	UUID  string `json:"uuid,omitempty"`
	Name  string `json:"name,omitempty"`
}

type sfdiskTable struct {
	Label    string            `json:"label"`
	ID       string            `json:"id,omitempty"`
	Device   string            `json:"device"`
	Unit     string            `json:"unit"`
	FirstLBA int64             `json:"firstlba,omitempty"`
	LastLBA  int64             `json:"lastlba,omitempty"`
	Sectorsz int64             `json:"sectorsize,omitempty"`
	Parts    []sfdiskPartition `json:"partitions"`
}

type sfdiskDump struct {
	PartitionTable sfdiskTable `json:"partitiontable"`
}

// Table is a parsed partition table for one whole-disk device.
type Table struct {
	DiskPath string
	dump     sfdiskDump

	runner *extutil.Runner
	logger logrus.FieldLogger
}

// Open reads diskPath's partition table via `sfdisk -J`.
func Open(ctx context.Context, diskPath string, runner *extutil.Runner, logger logrus.FieldLogger) (*Table, error) {
	if runner == nil {
		runner = extutil.New()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	res, err := runner.Run(ctx, "sfdisk", "-J", diskPath)
	if err != nil {
		return nil, fmt.Errorf("partition: sfdisk -J %s: %w", diskPath, err)
	}
	var dump sfdiskDump
	if err := json.Unmarshal([]byte(res.Stdout), &dump); err != nil {
		return nil, fmt.Errorf("partition: parsing sfdisk -J output for %s: %w", diskPath, err)
	}
	return &Table{DiskPath: diskPath, dump: dump, runner: runner, logger: logger}, nil
}

func (t *Table) unitBytes() int64 {
	if t.dump.PartitionTable.Sectorsz > 0 {
		return t.dump.PartitionTable.Sectorsz
	}
	return sectorSize
}

func (t *Table) find(partDevice string) (int, error) {
	for i, p := range t.dump.PartitionTable.Parts {
		if p.Node == partDevice {
			return i, nil
		}
	}
	return -1, fmt.Errorf("partition: %s not found in %s's partition table", partDevice, t.DiskPath)
}

// PartitionStart returns partDevice's current start offset, in bytes.
func (t *Table) PartitionStart(partDevice string) (int64, error) {
	i, err := t.find(partDevice)
	if err != nil {
		return 0, err
	}
	return t.dump.PartitionTable.Parts[i].Start * t.unitBytes(), nil
}

// ReserveSpaceBefore checks that gapSize bytes of unallocated space exist
// immediately before partDevice's current start — the simplifying
// assumption this package inherits from the source it's grounded on —
// and returns what partDevice's start would become if that gap were
// claimed. It does not mutate or persist anything; ShiftLeft is the only
// operation that actually moves this partition's boundaries, once the
// bcache superblock has been written into the gap this only validates.
func (t *Table) ReserveSpaceBefore(ctx context.Context, partDevice string, gapSize int64) (int64, error) {
	i, err := t.find(partDevice)
	if err != nil {
		return 0, err
	}
	unit := t.unitBytes()
	if gapSize%unit != 0 {
		return 0, fmt.Errorf("partition: gap size %d is not a multiple of the table's sector size %d", gapSize, unit)
	}
	gapSectors := gapSize / unit
	p := t.dump.PartitionTable.Parts[i]
	newStart := p.Start - gapSectors
	if newStart < t.dump.PartitionTable.FirstLBA {
		return 0, &blockserr.OverlappingPartition{Device: partDevice, Detail: fmt.Sprintf("not enough free space before start to reserve %d bytes", gapSize)}
	}
	if i > 0 {
		prevEnd := t.dump.PartitionTable.Parts[i-1].Start + t.dump.PartitionTable.Parts[i-1].Size
		if newStart < prevEnd {
			return 0, &blockserr.OverlappingPartition{Device: partDevice, Detail: fmt.Sprintf("reserving %d bytes before it would overlap the preceding partition", gapSize)}
		}
	}
	return newStart * unit, nil
}

// ShiftLeft moves partDevice's start from oldStart to newStart (both in
// bytes) and grows it by the same amount, keeping its end sector fixed —
// the second half of spec.md §4.6's part_to_bcache: once the bcache
// superblock has been written into the space ReserveSpaceBefore
// validated, the partition itself is grown backward to claim that space
// rather than leave it unowned. This is the sole mutator of the
// partition's Start/Size; ReserveSpaceBefore only computes newStart.
func (t *Table) ShiftLeft(ctx context.Context, partDevice string, oldStart, newStart int64) error {
	i, err := t.find(partDevice)
	if err != nil {
		return err
	}
	shifted, err := shiftLeft(t.dump.PartitionTable.Parts[i], t.unitBytes(), oldStart, newStart)
	if err != nil {
		return err
	}
	t.dump.PartitionTable.Parts[i] = shifted
	return t.apply(ctx)
}

// shiftLeft is ShiftLeft's pure math, factored out so it can be exercised
// directly against ReserveSpaceBefore's output without going through
// apply's sfdisk round trip.
func shiftLeft(p sfdiskPartition, unit, oldStart, newStart int64) (sfdiskPartition, error) {
	delta := (oldStart - newStart) / unit
	if delta <= 0 {
		return p, fmt.Errorf("partition: shift_left requires newStart < oldStart")
	}
	p.Start -= delta
	p.Size += delta
	return p, nil
}

// Resize sets partDevice's size directly to newSizeBytes, used by
// internal/resize's shrink path. Unlike ShiftLeft, the start sector is
// untouched.
func (t *Table) Resize(ctx context.Context, partDevice string, newSizeBytes int64) error {
	i, err := t.find(partDevice)
	if err != nil {
		return err
	}
	unit := t.unitBytes()
	if newSizeBytes%unit != 0 {
		return fmt.Errorf("partition: new size %d is not a multiple of the table's sector size %d", newSizeBytes, unit)
	}
	t.dump.PartitionTable.Parts[i].Size = newSizeBytes / unit
	return t.apply(ctx)
}

// apply re-serializes the table as an sfdisk script and loads it back
// with --no-reread (the table is being edited for a device whose
// partitions are guaranteed closed by the caller's exclusive-open
// discipline, so a kernel re-read isn't needed until the caller is
// done).
func (t *Table) apply(ctx context.Context) error {
	var b strings.Builder
	fmt.Fprintf(&b, "label: %s\n", t.dump.PartitionTable.Label)
	if t.dump.PartitionTable.ID != "" {
		fmt.Fprintf(&b, "label-id: %s\n", t.dump.PartitionTable.ID)
	}
	fmt.Fprintf(&b, "unit: sectors\n\n")
	for _, p := range t.dump.PartitionTable.Parts {
		fmt.Fprintf(&b, "%s : start=%d, size=%d, type=%s", p.Node, p.Start, p.Size, p.Type)
		if p.UUID != "" {
			fmt.Fprintf(&b, ", uuid=%s", p.UUID)
		}
		if p.Name != "" {
			fmt.Fprintf(&b, ", name=%q", p.Name)
		}
		b.WriteString("\n")
	}

	if _, err := t.runner.RunWithStdin(ctx, b.String(), "sfdisk", "--no-reread", "--force", t.DiskPath); err != nil {
		return fmt.Errorf("partition: applying updated table to %s: %w", t.DiskPath, err)
	}
	return nil
}
