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

// ReiserFS implements Filesystem for ReiserFS 3.6, resized offline via
// "resize_reiserfs" directly against the device.
type ReiserFS struct {
	base

	blockSize   int64
	blockCount  int64
	uuid, label string
}

func NewReiserFS(device *blockdev.BlockDevice, runner *extutil.Runner, logger logrus.FieldLogger) *ReiserFS {
	return &ReiserFS{base: newBase(device, runner, logger)}
}

func (r *ReiserFS) Kind() Kind              { return KindReiserFS }
func (r *ReiserFS) BlockSize() int64        { return r.blockSize }
func (r *ReiserFS) FSSize() int64           { return r.blockSize * r.blockCount }
func (r *ReiserFS) VFSType() string         { return "reiserfs" }
func (r *ReiserFS) CanShrink() bool         { return true }
func (r *ReiserFS) ResizeNeedsMpoint() bool { return false }
func (r *ReiserFS) UUID() string            { return r.uuid }
func (r *ReiserFS) Label() string           { return r.label }

// ReadSuperblock parses "debugreiserfs" output for geometry and identity.
func (r *ReiserFS) ReadSuperblock(ctx context.Context) error {
	res, err := r.runner.Run(ctx, "debugreiserfs", r.device.Path())
	if err != nil {
		return fmt.Errorf("layer: debugreiserfs %s: %w", r.device.Path(), err)
	}
	fields := map[string]string{}
	for _, line := range strings.Split(res.Stdout, "\n") {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	blockSize, err := strconv.ParseInt(fields["Blocksize"], 10, 64)
	if err != nil {
		return &blockserr.UnsupportedSuperblock{Device: r.device.Path(), Details: "debugreiserfs produced no Blocksize field"}
	}
	blockCount, err := strconv.ParseInt(fields["Count of blocks on the device"], 10, 64)
	if err != nil {
		return &blockserr.UnsupportedSuperblock{Device: r.device.Path(), Details: "debugreiserfs produced no block count field"}
	}
	r.blockSize = blockSize
	r.blockCount = blockCount
	r.uuid = fields["UUID"]
	r.label = trimTrailingZeros(fields["LABEL"])
	return nil
}

func (r *ReiserFS) GrowNonrec(ctx context.Context, upperBound int64) (int64, error) {
	bytesArg := strconv.FormatInt(upperBound, 10)
	if _, err := r.runner.Run(ctx, "resize_reiserfs", "-s", bytesArg, r.device.Path()); err != nil {
		return 0, fmt.Errorf("layer: resize_reiserfs grow on %s: %w", r.device.Path(), err)
	}
	r.blockCount = upperBound / r.blockSize
	return r.FSSize(), nil
}

func (r *ReiserFS) ReserveEndAreaNonrec(ctx context.Context, pos int64) (int64, error) {
	if pos >= r.FSSize() {
		return r.FSSize(), nil
	}
	bytesArg := strconv.FormatInt(pos, 10)
	if _, err := r.runner.Run(ctx, "resize_reiserfs", "-s", bytesArg, r.device.Path()); err != nil {
		return 0, &blockserr.CantShrink{Device: r.device.Path(), Reason: fmt.Sprintf("resize_reiserfs shrink failed: %v", err)}
	}
	r.blockCount = pos / r.blockSize
	return r.FSSize(), nil
}
