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

// NilFS2 implements Filesystem for NILFS2, resized offline via
// "nilfs-resize" directly against the device.
type NilFS2 struct {
	base

	blockSize   int64
	sizeBytes   int64
	uuid, label string
}

func NewNilFS2(device *blockdev.BlockDevice, runner *extutil.Runner, logger logrus.FieldLogger) *NilFS2 {
	return &NilFS2{base: newBase(device, runner, logger)}
}

func (n *NilFS2) Kind() Kind              { return KindNilFS2 }
func (n *NilFS2) BlockSize() int64        { return n.blockSize }
func (n *NilFS2) FSSize() int64           { return n.sizeBytes }
func (n *NilFS2) VFSType() string         { return "nilfs2" }
func (n *NilFS2) CanShrink() bool         { return true }
func (n *NilFS2) ResizeNeedsMpoint() bool { return false }
func (n *NilFS2) UUID() string            { return n.uuid }
func (n *NilFS2) Label() string           { return n.label }

// ReadSuperblock parses "nilfs-tune -l" output for geometry and identity.
func (n *NilFS2) ReadSuperblock(ctx context.Context) error {
	res, err := n.runner.Run(ctx, "nilfs-tune", "-l", n.device.Path())
	if err != nil {
		return fmt.Errorf("layer: nilfs-tune -l %s: %w", n.device.Path(), err)
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
		return &blockserr.UnsupportedSuperblock{Device: n.device.Path(), Details: "nilfs-tune produced no Block size field"}
	}
	devSize, err := strconv.ParseInt(fields["Device size"], 10, 64)
	if err != nil {
		return &blockserr.UnsupportedSuperblock{Device: n.device.Path(), Details: "nilfs-tune produced no Device size field"}
	}
	n.blockSize = blockSize
	n.sizeBytes = devSize
	n.uuid = fields["Filesystem UUID"]
	n.label = trimTrailingZeros(fields["Filesystem volume name"])
	return nil
}

func (n *NilFS2) GrowNonrec(ctx context.Context, upperBound int64) (int64, error) {
	if _, err := n.runner.Run(ctx, "nilfs-resize", "--yes", n.device.Path(), strconv.FormatInt(upperBound, 10)); err != nil {
		return 0, fmt.Errorf("layer: nilfs-resize grow on %s: %w", n.device.Path(), err)
	}
	n.sizeBytes = upperBound
	return n.sizeBytes, nil
}

func (n *NilFS2) ReserveEndAreaNonrec(ctx context.Context, pos int64) (int64, error) {
	if pos >= n.sizeBytes {
		return n.sizeBytes, nil
	}
	if _, err := n.runner.Run(ctx, "nilfs-resize", "--yes", n.device.Path(), strconv.FormatInt(pos, 10)); err != nil {
		return 0, &blockserr.CantShrink{Device: n.device.Path(), Reason: fmt.Sprintf("nilfs-resize shrink failed: %v", err)}
	}
	n.sizeBytes = pos
	return n.sizeBytes, nil
}
