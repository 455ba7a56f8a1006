// Package stack implements BlockStack, the composite view of a layered
// block device described in spec.md §3/§4.3: a sequence of containers
// terminating in a filesystem, built by downward traversal and operated
// on coherently for shrink/grow/deactivate.
package stack

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/superfly/blocks/internal/blockdev"
	"github.com/superfly/blocks/internal/blockserr"
	"github.com/superfly/blocks/internal/extutil"
	"github.com/superfly/blocks/internal/layer"
)

// Stack is an ordered [w0, w1, ..., wn-1, fs] per spec.md §3: each wi is a
// layer.Container, fs is the terminal layer.Filesystem. Single-use: once
// Deactivate has run, every contained device path is invalid.
type Stack struct {
	Containers []layer.Container
	FS         layer.Filesystem

	runner *extutil.Runner
	logger logrus.FieldLogger
}

// vfsKindFor maps a blkid TYPE string to the layer.Kind it represents.
// An unrecognized type is an UnsupportedSuperblock, not a silent default.
func vfsKindFor(vfstype string) (layer.Kind, bool) {
	switch vfstype {
	case "crypto_LUKS":
		return layer.KindLUKS, true
	case "bcache":
		return layer.KindBCacheBacking, true
	case "ext2", "ext3", "ext4":
		return layer.KindExtFS, true
	case "xfs":
		return layer.KindXFS, true
	case "btrfs":
		return layer.KindBtrFS, true
	case "nilfs2":
		return layer.KindNilFS2, true
	case "reiserfs":
		return layer.KindReiserFS, true
	case "swap":
		return layer.KindSwap, true
	default:
		return "", false
	}
}

func newNode(kind layer.Kind, device *blockdev.BlockDevice, runner *extutil.Runner, logger logrus.FieldLogger) (layer.Node, error) {
	switch kind {
	case layer.KindLUKS:
		return layer.NewLUKS(device, "", runner, logger), nil
	case layer.KindBCacheBacking:
		return layer.NewBCacheBacking(device, runner, logger), nil
	case layer.KindExtFS:
		return layer.NewExtFS(device, runner, logger), nil
	case layer.KindXFS:
		return layer.NewXFS(device, runner, logger), nil
	case layer.KindBtrFS:
		return layer.NewBtrFS(device, runner, logger), nil
	case layer.KindNilFS2:
		return layer.NewNilFS2(device, runner, logger), nil
	case layer.KindReiserFS:
		return layer.NewReiserFS(device, runner, logger), nil
	case layer.KindSwap:
		return layer.NewSwap(device, runner, logger), nil
	default:
		return nil, fmt.Errorf("stack: no constructor for layer kind %q", kind)
	}
}

// Walk performs the downward traversal of spec.md §3: classify the
// target device's superblock, wrap it as a container and recurse on its
// cleartext child, or construct the leaf filesystem and stop.
func Walk(ctx context.Context, device *blockdev.BlockDevice, runner *extutil.Runner, logger logrus.FieldLogger) (*Stack, error) {
	if runner == nil {
		runner = extutil.New()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	s := &Stack{runner: runner, logger: logger}
	cur := device
	for {
		vfstype, err := cur.SuperblockType()
		if err != nil {
			return nil, err
		}
		kind, ok := vfsKindFor(vfstype)
		if !ok {
			return nil, &blockserr.UnsupportedSuperblock{Device: cur.Path(), Details: fmt.Sprintf("unrecognized blkid type %q", vfstype)}
		}

		node, err := newNode(kind, cur, runner, logger)
		if err != nil {
			return nil, err
		}

		if fs, ok := node.(layer.Filesystem); ok {
			s.FS = fs
			return s, nil
		}

		container, ok := node.(layer.Container)
		if !ok {
			return nil, fmt.Errorf("stack: layer kind %q is neither Container nor Filesystem", kind)
		}
		s.Containers = append(s.Containers, container)

		if err := container.ReadSuperblock(ctx); err != nil {
			return nil, err
		}
		cleartext, err := container.CleartextDevice(ctx)
		if err != nil {
			return nil, err
		}
		cur = cleartext
	}
}

// ReadSuperblocks invokes ReadSuperblock top-down on every layer,
// including the filesystem. Container superblocks are generally already
// read by Walk (it needs the offset to find the cleartext child), so
// this re-reads them idempotently and is the only read needed for the
// filesystem.
func (s *Stack) ReadSuperblocks(ctx context.Context) error {
	for _, c := range s.Containers {
		if err := c.ReadSuperblock(ctx); err != nil {
			return err
		}
	}
	if s.FS == nil {
		return fmt.Errorf("stack: no terminal filesystem")
	}
	return s.FS.ReadSuperblock(ctx)
}

// Overhead is the sum of every container's offset: the total byte
// distance from the outermost device to the filesystem's own start.
func (s *Stack) Overhead() int64 {
	var total int64
	for _, c := range s.Containers {
		total += c.Offset()
	}
	return total
}

// IterPos walks the stack from outermost to the filesystem, producing
// the corresponding inner position at each layer by subtracting that
// layer's offset, per spec.md §4.3.
func (s *Stack) IterPos(outerPos int64) []int64 {
	positions := make([]int64, 0, len(s.Containers)+1)
	pos := outerPos
	for _, c := range s.Containers {
		pos -= c.Offset()
		positions = append(positions, pos)
	}
	positions = append(positions, pos)
	return positions
}

// StackReserveEndArea shrinks the stack so its outer extent ends at
// outerPos, per spec.md §4.3: first validate the filesystem already fits
// (or can shrink) within outerPos - overhead, aligned down to its block
// size, then walk in reverse — filesystem first, outermost container
// last — calling ReserveEndAreaNonrec with each layer's own inner
// position.
func (s *Stack) StackReserveEndArea(ctx context.Context, outerPos int64) error {
	if s.FS == nil {
		return fmt.Errorf("stack: no terminal filesystem")
	}

	fsTarget := outerPos - s.Overhead()
	fsTarget -= fsTarget % s.FS.BlockSize()

	if fsTarget < s.FS.FSSize() && !s.FS.CanShrink() {
		return &blockserr.CantShrink{Device: "filesystem", Reason: fmt.Sprintf("%s does not support shrinking", s.FS.VFSType())}
	}

	if _, err := s.FS.ReserveEndAreaNonrec(ctx, fsTarget); err != nil {
		return err
	}

	innerPos := fsTarget
	for i := len(s.Containers) - 1; i >= 0; i-- {
		c := s.Containers[i]
		newInner, err := c.ReserveEndAreaNonrec(ctx, innerPos+c.Offset())
		if err != nil {
			return err
		}
		innerPos = newInner
	}
	return nil
}

// StackGrow enlarges the stack to newSize, per spec.md §4.3: walk
// forward, outermost container first, so each layer enlarges before its
// inner content expands to fill it.
func (s *Stack) StackGrow(ctx context.Context, newSize int64) error {
	bound := newSize
	for _, c := range s.Containers {
		inner, err := c.GrowNonrec(ctx, bound)
		if err != nil {
			return err
		}
		bound = inner
	}
	if s.FS == nil {
		return fmt.Errorf("stack: no terminal filesystem")
	}
	_, err := s.FS.GrowNonrec(ctx, bound)
	return err
}

// TotalDataSize is the filesystem's current size plus the stack's fixed
// container overhead — the total span of the outer device this stack
// currently occupies.
func (s *Stack) TotalDataSize() int64 {
	if s.FS == nil {
		return s.Overhead()
	}
	return s.Overhead() + s.FS.FSSize()
}

// Deactivate tears down containers from the innermost outward, per
// spec.md §4.3, and clears the stack. Safe to call on a partially built
// stack (e.g. after a Walk failure partway through).
func (s *Stack) Deactivate(ctx context.Context) error {
	for i := len(s.Containers) - 1; i >= 0; i-- {
		if err := s.Containers[i].Deactivate(ctx); err != nil {
			return err
		}
	}
	s.Containers = nil
	s.FS = nil
	return nil
}
