// Package layer implements the per-layer adapters of spec.md §3/§4.2: the
// container kinds (LUKS, bcache backing) and filesystem kinds (ExtFS, XFS,
// BtrFS, NilFS2, ReiserFS, Swap) that make up a BlockStack.
//
// The source's inheritance hierarchy (BlockData -> SimpleContainer ->
// {LUKS, BCacheBacking}; Filesystem -> {ExtFS, XFS, ...}) is replaced by a
// tagged variant: every concrete type satisfies Node, containers
// additionally satisfy Container, and filesystems additionally satisfy
// Filesystem. A BlockStack is then just a []Container plus one Filesystem
// at the bottom.
package layer

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/superfly/blocks/internal/blockdev"
	"github.com/superfly/blocks/internal/extutil"
)

// Kind tags the concrete type of a layer, for logging and for dispatch in
// callers that need to special-case one kind (e.g. the LVM pipeline's
// ExtFS-only e2fsck gate).
type Kind string

const (
	KindLUKS         Kind = "luks"
	KindBCacheBacking Kind = "bcache_backing"
	KindExtFS        Kind = "ext"
	KindXFS          Kind = "xfs"
	KindBtrFS        Kind = "btrfs"
	KindNilFS2       Kind = "nilfs2"
	KindReiserFS     Kind = "reiserfs"
	KindSwap         Kind = "swap"
)

// Node is the operation set every layer — container or filesystem —
// exposes, per spec.md §4.2.
type Node interface {
	// Kind identifies the concrete layer type.
	Kind() Kind

	// ReadSuperblock populates size and layout fields by invoking the
	// type-specific inspector. Idempotent.
	ReadSuperblock(ctx context.Context) error

	// GrowNonrec grows this layer alone to the requested outer bound,
	// returning the inner size now available to the next layer down.
	GrowNonrec(ctx context.Context, upperBound int64) (int64, error)

	// ReserveEndAreaNonrec shrinks this layer alone so its outer extent
	// ends at pos, returning the inner position the next layer down (or,
	// for a filesystem, the caller) should target. A no-op when the
	// layer already fits; returns *blockserr.CantShrink when it cannot.
	ReserveEndAreaNonrec(ctx context.Context, pos int64) (int64, error)
}

// Container is a Node that wraps exactly one child device with a non-zero
// cyphertext-to-cleartext offset (spec.md §3's SimpleContainer).
type Container interface {
	Node

	// Offset is the fixed byte offset from this layer's outer device to
	// its cleartext/inner start.
	Offset() int64

	// CleartextDevice returns the BlockDevice this container exposes to
	// its inner layer, activating it first if necessary.
	CleartextDevice(ctx context.Context) (*blockdev.BlockDevice, error)

	// Deactivate tears down the mapping and invalidates any cached
	// cleartext handle.
	Deactivate(ctx context.Context) error
}

// Filesystem is a Node terminating a BlockStack.
type Filesystem interface {
	Node

	// BlockSize is the filesystem's block size in bytes.
	BlockSize() int64

	// FSSize is the filesystem's current size in bytes (derived from
	// either a block count or a byte count, depending on the kind).
	FSSize() int64

	// VFSType names the filesystem kind as blkid would report it.
	VFSType() string

	// CanShrink reports whether this filesystem kind supports shrinking
	// at all (false for XFS).
	CanShrink() bool

	// ResizeNeedsMpoint reports whether resizing this filesystem
	// requires it to be mounted (true for BtrFS).
	ResizeNeedsMpoint() bool

	// UUID returns the filesystem's UUID, preserved across every
	// conversion this package performs.
	UUID() string

	// Label returns the filesystem's label, preserved across every
	// conversion this package performs.
	Label() string
}

// base holds the fields and dependencies common to every concrete layer
// type: its device, the shared external-command runner, and a logger
// scoped to that device.
type base struct {
	device *blockdev.BlockDevice
	runner *extutil.Runner
	logger logrus.FieldLogger
}

func newBase(device *blockdev.BlockDevice, runner *extutil.Runner, logger logrus.FieldLogger) base {
	if runner == nil {
		runner = extutil.New()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return base{device: device, runner: runner, logger: logger.WithField("layer_device", device.Path())}
}
