package layer

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/superfly/blocks/internal/blockdev"
	"github.com/superfly/blocks/internal/blockserr"
	"github.com/superfly/blocks/internal/extutil"
)

// XFS implements Filesystem for XFS. XFS can only grow; spec.md §4.3
// documents this as an always-CantShrink filesystem, so the conversion
// pipeline must run the LVM/bcache retrofit entirely out of the space
// already free at the end of the device for an XFS-terminated stack.
type XFS struct {
	base

	blockSize  int64
	blockCount int64
	uuid, label string
}

func NewXFS(device *blockdev.BlockDevice, runner *extutil.Runner, logger logrus.FieldLogger) *XFS {
	return &XFS{base: newBase(device, runner, logger)}
}

func (x *XFS) Kind() Kind              { return KindXFS }
func (x *XFS) BlockSize() int64        { return x.blockSize }
func (x *XFS) FSSize() int64           { return x.blockSize * x.blockCount }
func (x *XFS) VFSType() string         { return "xfs" }
func (x *XFS) CanShrink() bool         { return false }
func (x *XFS) ResizeNeedsMpoint() bool { return true } // xfs_growfs operates on a mountpoint, not a device
func (x *XFS) UUID() string            { return x.uuid }
func (x *XFS) Label() string           { return x.label }

// ReadSuperblock parses "xfs_db -r -c sb -c print" output for geometry
// and identity fields.
func (x *XFS) ReadSuperblock(ctx context.Context) error {
	res, err := x.runner.Run(ctx, "xfs_db", "-r", "-c", "sb", "-c", "print", x.device.Path())
	if err != nil {
		return fmt.Errorf("layer: xfs_db probe on %s: %w", x.device.Path(), err)
	}
	fields := map[string]string{}
	for _, line := range strings.Split(res.Stdout, "\n") {
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		fields[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	blockSize, err := strconv.ParseInt(fields["blocksize"], 10, 64)
	if err != nil {
		return &blockserr.UnsupportedSuperblock{Device: x.device.Path(), Details: "xfs_db produced no blocksize field"}
	}
	blockCount, err := strconv.ParseInt(fields["dblocks"], 10, 64)
	if err != nil {
		return &blockserr.UnsupportedSuperblock{Device: x.device.Path(), Details: "xfs_db produced no dblocks field"}
	}
	x.blockSize = blockSize
	x.blockCount = blockCount
	x.uuid = strings.Trim(fields["uuid"], `"`)
	x.label = trimTrailingZeros(strings.Trim(fields["fname"], `"`))
	return nil
}

// GrowNonrec runs nothing and returns an error: XFS grows only through a
// mountpoint, via GrowMounted (see ResizeNeedsMpoint).
func (x *XFS) GrowNonrec(ctx context.Context, upperBound int64) (int64, error) {
	return 0, fmt.Errorf("layer: XFS.GrowNonrec requires a mountpoint, use GrowMounted")
}

// GrowMounted runs "xfs_growfs" against the already-mounted mpoint.
func (x *XFS) GrowMounted(ctx context.Context, mpoint string) error {
	if _, err := x.runner.Run(ctx, "xfs_growfs", mpoint); err != nil {
		return fmt.Errorf("layer: xfs_growfs %s: %w", mpoint, err)
	}
	return nil
}

// ReserveEndAreaNonrec succeeds without change when pos is at or beyond
// the filesystem's current size, and otherwise fails with CantShrink:
// XFS cannot shrink.
func (x *XFS) ReserveEndAreaNonrec(ctx context.Context, pos int64) (int64, error) {
	if pos >= x.FSSize() {
		return x.FSSize(), nil
	}
	return 0, &blockserr.CantShrink{Device: x.device.Path(), Reason: "XFS does not support shrinking"}
}
