package layer

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/superfly/blocks/internal/blockdev"
	"github.com/superfly/blocks/internal/blockserr"
	"github.com/superfly/blocks/internal/extutil"
)

const (
	bcacheSBOffset       = 4096
	bcacheSBVersionOff   = bcacheSBOffset + 16 // u64 LE
	bcacheSBDataOffsetV4 = bcacheSBOffset + 176
	bcacheSBSize         = 4096 // backing superblock occupies one 4KiB page
)

// BCacheBacking implements Container for a bcache backing device, per
// spec.md §3/§4.6. Supported superblock versions are 1 (no data_offset
// field, implicit 16-sector (8KiB) offset) and 4 (explicit data_offset
// field).
type BCacheBacking struct {
	base

	version    int
	dataOffset int64 // bytes, from the start of the backing device to the cached data

	uuid string
}

// NewBCacheBacking returns a BCacheBacking adapter over device.
func NewBCacheBacking(device *blockdev.BlockDevice, runner *extutil.Runner, logger logrus.FieldLogger) *BCacheBacking {
	return &BCacheBacking{base: newBase(device, runner, logger)}
}

func (b *BCacheBacking) Kind() Kind { return KindBCacheBacking }

// Offset is the fixed byte offset to the cached data.
func (b *BCacheBacking) Offset() int64 { return b.dataOffset }

func (b *BCacheBacking) UUID() string { return b.uuid }

// ReadSuperblock validates the bcache magic (via the owning BlockDevice's
// HasBcacheSuperblock, which already performs this check) and extracts
// the version and data_offset fields.
func (b *BCacheBacking) ReadSuperblock(ctx context.Context) error {
	has, err := b.device.HasBcacheSuperblock()
	if err != nil {
		return err
	}
	if !has {
		return &blockserr.UnsupportedSuperblock{Device: b.device.Path(), Details: "no bcache magic at offset 4120"}
	}

	f, err := os.Open(b.device.Path())
	if err != nil {
		return fmt.Errorf("layer: opening %s for bcache header: %w", b.device.Path(), err)
	}
	defer f.Close()

	page := make([]byte, bcacheSBSize)
	if _, err := f.ReadAt(page, bcacheSBOffset); err != nil {
		return fmt.Errorf("layer: reading bcache superblock page on %s: %w", b.device.Path(), err)
	}

	version := binary.LittleEndian.Uint64(page[16:24])
	b.version = int(version)

	switch b.version {
	case 1:
		b.dataOffset = 16 * 512
	case 4:
		offsetSectors := binary.LittleEndian.Uint64(page[176:184])
		b.dataOffset = int64(offsetSectors) * 512
	default:
		return &blockserr.UnsupportedSuperblock{
			Device:  b.device.Path(),
			Details: fmt.Sprintf("bcache superblock version %d unsupported, only 1 and 4", b.version),
		}
	}

	uuidBytes := page[40:56]
	b.uuid = formatUUID(uuidBytes)
	return nil
}

// activated reports whether the backing device is already attached to a
// cache set, judged by whether /sys/.../bcache exists.
func (b *BCacheBacking) activated() (bool, error) {
	root, err := b.device.SysfsRoot()
	if err != nil {
		return false, err
	}
	_, err = os.Stat(filepath.Join(root, "bcache"))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("layer: stat bcache sysfs dir: %w", err)
	}
	return true, nil
}

// CleartextDevice returns the /dev/bcacheN device this backing device
// exposes, registering it with the kernel bcache driver first if needed.
func (b *BCacheBacking) CleartextDevice(ctx context.Context) (*blockdev.BlockDevice, error) {
	active, err := b.activated()
	if err != nil {
		return nil, err
	}
	if !active {
		f, err := os.OpenFile("/sys/fs/bcache/register", os.O_WRONLY, 0)
		if err != nil {
			return nil, fmt.Errorf("layer: opening /sys/fs/bcache/register: %w", err)
		}
		_, werr := f.WriteString(b.device.Path())
		f.Close()
		if werr != nil {
			return nil, fmt.Errorf("layer: registering %s with bcache: %w", b.device.Path(), werr)
		}
		if err := waitForBcacheAttach(b, 5*time.Second); err != nil {
			return nil, err
		}
	}

	root, err := b.device.SysfsRoot()
	if err != nil {
		return nil, err
	}
	name, err := os.Readlink(filepath.Join(root, "bcache", "dev"))
	if err != nil {
		return nil, fmt.Errorf("layer: reading bcache dev symlink: %w", err)
	}
	devName := filepath.Base(name)
	return blockdev.New("/dev/"+devName, b.runner, b.logger), nil
}

func waitForBcacheAttach(b *BCacheBacking, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if active, _ := b.activated(); active {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return &blockserr.RecoveryRequired{
		Err:    fmt.Errorf("layer: %s did not attach to bcache within %s", b.device.Path(), timeout),
		Recipe: "check dmesg for bcache registration errors; the backing superblock may be malformed",
	}
}

// Deactivate stops the bcache device if activated, via sysfs "stop".
func (b *BCacheBacking) Deactivate(ctx context.Context) error {
	active, err := b.activated()
	if err != nil || !active {
		return err
	}
	root, err := b.device.SysfsRoot()
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(root, "bcache", "stop"), os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("layer: opening bcache stop control: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString("1"); err != nil {
		return fmt.Errorf("layer: stopping bcache device for %s: %w", b.device.Path(), err)
	}
	return nil
}

// GrowNonrec/ReserveEndAreaNonrec mirror LUKS: fixed metadata, fixed
// offset, the resize arithmetic only shifts the inner bound.
func (b *BCacheBacking) GrowNonrec(ctx context.Context, upperBound int64) (int64, error) {
	return upperBound - b.Offset(), nil
}

func (b *BCacheBacking) ReserveEndAreaNonrec(ctx context.Context, pos int64) (int64, error) {
	return pos - b.Offset(), nil
}

func formatUUID(b16 []byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", b16[0:4], b16[4:6], b16[6:8], b16[8:10], b16[10:16])
}

// trimTrailingZeros is used when reading fixed-width label fields that are
// zero-padded rather than length-prefixed.
func trimTrailingZeros(s string) string {
	return strings.TrimRight(s, "\x00")
}
