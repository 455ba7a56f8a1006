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

// ExtFS implements Filesystem for ext2/ext3/ext4, per spec.md §4.2/§4.3.
// Unlike the other filesystem kinds, shrinking an ExtFS requires a clean
// e2fsck pass first (spec.md's PreShrinkCheck gate) — resize2fs itself
// refuses to shrink a dirty filesystem, but a caller that skips the check
// gets a bare exec failure instead of the structured CantShrink this
// package returns everywhere else.
type ExtFS struct {
	base

	blockSize   int64
	blockCount  int64
	uuid, label string
	vfsType     string // "ext2", "ext3", or "ext4" as blkid reports it
}

func NewExtFS(device *blockdev.BlockDevice, runner *extutil.Runner, logger logrus.FieldLogger) *ExtFS {
	return &ExtFS{base: newBase(device, runner, logger)}
}

func (e *ExtFS) Kind() Kind               { return KindExtFS }
func (e *ExtFS) BlockSize() int64         { return e.blockSize }
func (e *ExtFS) FSSize() int64            { return e.blockSize * e.blockCount }
func (e *ExtFS) VFSType() string          { return e.vfsType }
func (e *ExtFS) CanShrink() bool          { return true }
func (e *ExtFS) ResizeNeedsMpoint() bool  { return false }
func (e *ExtFS) UUID() string             { return e.uuid }
func (e *ExtFS) Label() string            { return e.label }

// ReadSuperblock parses "dumpe2fs -h" output for block size, block count,
// UUID, label, and the exact ext2/ext3/ext4 variant.
func (e *ExtFS) ReadSuperblock(ctx context.Context) error {
	res, err := e.runner.Run(ctx, "dumpe2fs", "-h", e.device.Path())
	if err != nil {
		return fmt.Errorf("layer: dumpe2fs -h %s: %w", e.device.Path(), err)
	}

	fields := map[string]string{}
	for _, line := range strings.Split(res.Stdout, "\n") {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}

	blockSize, err := strconv.ParseInt(fields["Block size"], 10, 64)
	if err != nil {
		return &blockserr.UnsupportedSuperblock{Device: e.device.Path(), Details: "dumpe2fs produced no Block size field"}
	}
	blockCount, err := strconv.ParseInt(fields["Block count"], 10, 64)
	if err != nil {
		return &blockserr.UnsupportedSuperblock{Device: e.device.Path(), Details: "dumpe2fs produced no Block count field"}
	}
	e.blockSize = blockSize
	e.blockCount = blockCount
	e.uuid = fields["Filesystem UUID"]
	e.label = trimTrailingZeros(fields["Filesystem volume name"])
	if e.label == "<none>" {
		e.label = ""
	}

	e.vfsType = "ext2"
	features := fields["Filesystem features"]
	switch {
	case strings.Contains(features, "has_journal") && strings.Contains(features, "extent"):
		e.vfsType = "ext4"
	case strings.Contains(features, "has_journal"):
		e.vfsType = "ext3"
	}
	return nil
}

// PreShrinkCheck runs "e2fsck -f -y" to force a clean, consistent
// filesystem before any shrink. resize2fs enforces this itself, but this
// package calls it explicitly so a failed check surfaces as
// blockserr.CantShrink rather than an opaque resize2fs exit code.
func (e *ExtFS) PreShrinkCheck(ctx context.Context) error {
	if _, err := e.runner.Run(ctx, "e2fsck", "-f", "-y", e.device.Path()); err != nil {
		return &blockserr.CantShrink{Device: e.device.Path(), Reason: fmt.Sprintf("e2fsck -f -y failed: %v", err)}
	}
	return nil
}

// GrowNonrec runs "resize2fs" to grow the filesystem to fill upperBound
// bytes, rounded down to a whole block.
func (e *ExtFS) GrowNonrec(ctx context.Context, upperBound int64) (int64, error) {
	blocks := upperBound / e.blockSize
	if _, err := e.runner.Run(ctx, "resize2fs", e.device.Path(), strconv.FormatInt(blocks, 10)); err != nil {
		return 0, fmt.Errorf("layer: resize2fs grow on %s: %w", e.device.Path(), err)
	}
	e.blockCount = blocks
	return e.FSSize(), nil
}

// ReserveEndAreaNonrec shrinks the filesystem so its end lands at or
// before pos, running PreShrinkCheck first per spec.md's gate.
func (e *ExtFS) ReserveEndAreaNonrec(ctx context.Context, pos int64) (int64, error) {
	targetBlocks := pos / e.blockSize
	if targetBlocks >= e.blockCount {
		return e.FSSize(), nil
	}
	if err := e.PreShrinkCheck(ctx); err != nil {
		return 0, err
	}
	if _, err := e.runner.Run(ctx, "resize2fs", e.device.Path(), strconv.FormatInt(targetBlocks, 10)); err != nil {
		return 0, &blockserr.CantShrink{Device: e.device.Path(), Reason: fmt.Sprintf("resize2fs shrink failed: %v", err)}
	}
	e.blockCount = targetBlocks
	return e.FSSize(), nil
}
