// Package blockdev implements the BlockDevice abstraction of spec.md §3/§4.1:
// a path in /dev naming a block device, with memoized queries for size,
// partition-table type, superblock type, major:minor, sysfs root, holder
// list, and bcache-superblock presence.
//
// Exclusive opens combine O_RDWR|O_SYNC|O_EXCL so the kernel rejects
// concurrent mounters, exactly as spec.md §4.1 requires; nested exclusive
// opens on the same device from this process are rejected by an in-memory
// go-memdb registry indexed by device path, playing the same
// indexed-table role internal/history's SQLite tables play for run
// records, but kept purely in-process since the registry only needs to
// survive this process's lifetime.
package blockdev

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/superfly/blocks/internal/blockserr"
	"github.com/superfly/blocks/internal/extutil"
)

// BcacheSuperblockOffset is where the bcache magic lives: 4096 bytes into
// the device, 24 bytes into the superblock struct.
const BcacheSuperblockOffset = 4096 + 24

// bcacheMagic is the fixed 16-byte bcache superblock magic (spec.md §6).
var bcacheMagic = []byte{
	0xc6, 0x85, 0x73, 0xf6, 0x4e, 0x1a, 0x45, 0xca,
	0x82, 0x65, 0xf5, 0x7f, 0x48, 0xba, 0x6d, 0x81,
}

// BlockDevice is a memoized handle on a /dev path. All expensive probes are
// computed lazily and cached; zero value is not usable, use New.
type BlockDevice struct {
	path   string
	runner *extutil.Runner
	logger logrus.FieldLogger

	mu             sync.Mutex
	sizeBytes      *int64
	partTableType  *string
	superblockType *string
	major, minor   *int
	sysfsRoot      *string
	holders        []string
	isPartition    *bool
	isDM           *bool
	isLV           *bool
	hasBcacheSB    *bool
}

// New returns a BlockDevice for path. No I/O happens until a query method
// is called.
func New(path string, runner *extutil.Runner, logger logrus.FieldLogger) *BlockDevice {
	if runner == nil {
		runner = extutil.New()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &BlockDevice{path: path, runner: runner, logger: logger.WithField("device", path)}
}

// Path returns the /dev path this handle names.
func (d *BlockDevice) Path() string { return d.path }

// ResetSize clears the cached size, for callers that mutate the device's
// size out from under this handle (partition resize, bcache resize).
func (d *BlockDevice) ResetSize() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sizeBytes = nil
}

// Size returns the device's raw size in bytes, which must be a multiple of
// 512. The result is memoized.
func (d *BlockDevice) Size() (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sizeBytes != nil {
		return *d.sizeBytes, nil
	}

	f, err := os.Open(d.path)
	if err != nil {
		return 0, fmt.Errorf("blockdev: opening %s for size probe: %w", d.path, err)
	}
	defer f.Close()

	size, err := f.Seek(0, io_SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("blockdev: seeking %s: %w", d.path, err)
	}
	if size%512 != 0 {
		return 0, fmt.Errorf("blockdev: size of %s (%d) is not a multiple of 512", d.path, size)
	}
	d.sizeBytes = &size
	return size, nil
}

// io_SeekEnd avoids importing "io" solely for the Seek whence constant in
// a file that otherwise only needs syscall-level primitives.
const io_SeekEnd = 2

// MajorMinor returns the device's major:minor numbers, read from its stat
// info.
func (d *BlockDevice) MajorMinor() (major, minor int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.major != nil && d.minor != nil {
		return *d.major, *d.minor, nil
	}

	var st syscall.Stat_t
	if err := syscall.Stat(d.path, &st); err != nil {
		return 0, 0, fmt.Errorf("blockdev: stat %s: %w", d.path, err)
	}
	dev := uint64(st.Rdev)
	maj := int((dev >> 8) & 0xfff)
	min := int((dev & 0xff) | ((dev >> 12) & 0xfff00))
	d.major = &maj
	d.minor = &min
	return maj, min, nil
}

// SysfsRoot returns /sys/dev/block/MAJ:MIN for this device.
func (d *BlockDevice) SysfsRoot() (string, error) {
	d.mu.Lock()
	if d.sysfsRoot != nil {
		root := *d.sysfsRoot
		d.mu.Unlock()
		return root, nil
	}
	d.mu.Unlock()

	maj, min, err := d.MajorMinor()
	if err != nil {
		return "", err
	}
	root := fmt.Sprintf("/sys/dev/block/%d:%d", maj, min)

	d.mu.Lock()
	d.sysfsRoot = &root
	d.mu.Unlock()
	return root, nil
}

// IsPartition reports whether this device is a partition (has a
// "partition" attribute file in sysfs).
func (d *BlockDevice) IsPartition() (bool, error) {
	d.mu.Lock()
	if d.isPartition != nil {
		v := *d.isPartition
		d.mu.Unlock()
		return v, nil
	}
	d.mu.Unlock()

	root, err := d.SysfsRoot()
	if err != nil {
		return false, err
	}
	_, statErr := os.Stat(filepath.Join(root, "partition"))
	v := statErr == nil

	d.mu.Lock()
	d.isPartition = &v
	d.mu.Unlock()
	return v, nil
}

// IsDM reports whether this device is a device-mapper device.
func (d *BlockDevice) IsDM() (bool, error) {
	d.mu.Lock()
	if d.isDM != nil {
		v := *d.isDM
		d.mu.Unlock()
		return v, nil
	}
	d.mu.Unlock()

	root, err := d.SysfsRoot()
	if err != nil {
		return false, err
	}
	_, statErr := os.Stat(filepath.Join(root, "dm"))
	v := statErr == nil

	d.mu.Lock()
	d.isDM = &v
	d.mu.Unlock()
	return v, nil
}

// IsLV reports whether this device is an LVM logical volume, detected via
// the "dm/uuid" sysfs file carrying an "LVM-" prefix.
func (d *BlockDevice) IsLV() (bool, error) {
	d.mu.Lock()
	if d.isLV != nil {
		v := *d.isLV
		d.mu.Unlock()
		return v, nil
	}
	d.mu.Unlock()

	isDM, err := d.IsDM()
	if err != nil || !isDM {
		v := false
		d.mu.Lock()
		d.isLV = &v
		d.mu.Unlock()
		return false, err
	}

	root, _ := d.SysfsRoot()
	data, err := os.ReadFile(filepath.Join(root, "dm", "uuid"))
	v := err == nil && strings.HasPrefix(string(data), "LVM-")

	d.mu.Lock()
	d.isLV = &v
	d.mu.Unlock()
	return v, nil
}

// Holders returns the names of devices holding this one open via
// device-mapper or a stacked block layer (sysfs "holders" directory).
func (d *BlockDevice) Holders() ([]string, error) {
	d.mu.Lock()
	if d.holders != nil {
		h := append([]string(nil), d.holders...)
		d.mu.Unlock()
		return h, nil
	}
	d.mu.Unlock()

	root, err := d.SysfsRoot()
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(root, "holders"))
	if err != nil {
		if os.IsNotExist(err) {
			d.mu.Lock()
			d.holders = []string{}
			d.mu.Unlock()
			return nil, nil
		}
		return nil, fmt.Errorf("blockdev: reading holders for %s: %w", d.path, err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}

	d.mu.Lock()
	d.holders = names
	d.mu.Unlock()
	return append([]string(nil), names...), nil
}

// SuperblockType returns the filesystem/container kind blkid reports for
// this device (spec.md §3's "superblock type").
func (d *BlockDevice) SuperblockType() (string, error) {
	d.mu.Lock()
	if d.superblockType != nil {
		v := *d.superblockType
		d.mu.Unlock()
		return v, nil
	}
	d.mu.Unlock()

	info, err := d.runner.BlkidProbe(context.Background(), d.path)
	if err != nil {
		return "", err
	}
	if info.Type == "" {
		return "", &blockserr.UnsupportedSuperblock{Device: d.path, Details: "blkid reported no recognizable type"}
	}

	d.mu.Lock()
	d.superblockType = &info.Type
	d.mu.Unlock()
	return info.Type, nil
}

// HasBcacheSuperblock tests for the bcache magic at offset 4120,
// per spec.md §6/property P6: true iff the 16-byte magic is present and
// the device is larger than 8192 bytes.
func (d *BlockDevice) HasBcacheSuperblock() (bool, error) {
	d.mu.Lock()
	if d.hasBcacheSB != nil {
		v := *d.hasBcacheSB
		d.mu.Unlock()
		return v, nil
	}
	d.mu.Unlock()

	size, err := d.Size()
	if err != nil {
		return false, err
	}
	if size <= 8192 {
		v := false
		d.mu.Lock()
		d.hasBcacheSB = &v
		d.mu.Unlock()
		return false, nil
	}

	f, err := os.Open(d.path)
	if err != nil {
		return false, fmt.Errorf("blockdev: opening %s for bcache probe: %w", d.path, err)
	}
	defer f.Close()

	buf := make([]byte, 16)
	if _, err := f.ReadAt(buf, BcacheSuperblockOffset); err != nil {
		return false, fmt.Errorf("blockdev: reading bcache magic offset on %s: %w", d.path, err)
	}
	v := bytes.Equal(buf, bcacheMagic)

	d.mu.Lock()
	d.hasBcacheSB = &v
	d.mu.Unlock()
	return v, nil
}

// ExclusiveHandle is a held exclusive file descriptor on a device, plus
// the bookkeeping needed to release the in-process registry entry on
// Close.
type ExclusiveHandle struct {
	*os.File
	path     string
	registry *Registry
}

// Close releases the registry entry and closes the underlying descriptor.
// It is safe to call exactly once; all exit paths must call it.
func (h *ExclusiveHandle) Close() error {
	if h.registry != nil {
		h.registry.release(h.path)
	}
	return h.File.Close()
}

// OpenExclusive opens the device with O_RDWR|O_SYNC|O_EXCL so the kernel
// rejects concurrent mounters, and registers the open in reg to reject
// nested exclusive opens on the same device from this process.
func (d *BlockDevice) OpenExclusive(reg *Registry) (*ExclusiveHandle, error) {
	if reg == nil {
		reg = DefaultRegistry
	}
	if err := reg.acquire(d.path); err != nil {
		return nil, err
	}

	fd, err := syscall.Open(d.path, syscall.O_RDWR|syscall.O_SYNC|syscall.O_EXCL, 0)
	if err != nil {
		reg.release(d.path)
		if err == syscall.EBUSY {
			return nil, &blockserr.DeviceBusy{Device: d.path}
		}
		return nil, fmt.Errorf("blockdev: exclusive open of %s: %w", d.path, err)
	}

	return &ExclusiveHandle{
		File:     os.NewFile(uintptr(fd), d.path),
		path:     d.path,
		registry: reg,
	}, nil
}
