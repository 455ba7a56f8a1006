package layer

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/superfly/blocks/internal/blockdev"
	"github.com/superfly/blocks/internal/blockserr"
	"github.com/superfly/blocks/internal/extutil"
)

const (
	luksMagicVersionSize = 8 // 6-byte magic + 2-byte BE version
	luksPayloadOffset    = 104
	luksKeyBytesOffset   = 108
	luksUUIDOffset       = 168
	luksUUIDSize         = 40
	luksKeyslotsStart    = 208
	luksKeyslotStride    = 48
	luksKeyslotCount     = 8
	luksKeyOffsetField   = 40
	luksKeyStripesField  = 44
	luksRequiredStripes  = 4000
	luksMinSBEnd         = 592
)

var luksMagic = []byte{'L', 'U', 'K', 'S', 0xBA, 0xBE}

// LUKS implements Container for a LUKS1 volume, per spec.md §3/§6.
type LUKS struct {
	base

	cleartextName string // dm-crypt mapping name used to activate/locate the cleartext device

	payloadStartSectors int64 // raw on-disk field, sectors
	sbEnd               int64 // bytes
	keyBytes            uint32
	uuid                string

	cleartext *blockdev.BlockDevice
}

// NewLUKS returns a LUKS adapter over device. cleartextName is the
// dm-crypt mapping name to use/expect (conventionally "luks-<uuid>");
// if empty, it is derived from the UUID once ReadSuperblock has run.
func NewLUKS(device *blockdev.BlockDevice, cleartextName string, runner *extutil.Runner, logger logrus.FieldLogger) *LUKS {
	return &LUKS{base: newBase(device, runner, logger), cleartextName: cleartextName}
}

func (l *LUKS) Kind() Kind { return KindLUKS }

// Offset is the cyphertext-to-cleartext offset in bytes.
func (l *LUKS) Offset() int64 { return l.payloadStartSectors * 512 }

// SBEnd is the end of the superblock region in bytes, per spec.md §3:
// max(592, key_offset*512 + 4000*key_bytes) over all 8 key slots.
func (l *LUKS) SBEnd() int64 { return l.sbEnd }

// UUID returns the LUKS device's own UUID (distinct from the inner
// filesystem's UUID).
func (l *LUKS) UUID() string { return l.uuid }

// ReadSuperblock reads and validates the LUKS1 header per spec.md §6,
// populating payload offset, superblock end, and UUID. Idempotent.
func (l *LUKS) ReadSuperblock(ctx context.Context) error {
	f, err := os.Open(l.device.Path())
	if err != nil {
		return fmt.Errorf("layer: opening %s for LUKS header: %w", l.device.Path(), err)
	}
	defer f.Close()

	hdr := make([]byte, luksKeyslotsStart+luksKeyslotCount*luksKeyslotStride)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		return fmt.Errorf("layer: reading LUKS header on %s: %w", l.device.Path(), err)
	}

	if string(hdr[:6]) != string(luksMagic[:6]) {
		return &blockserr.UnsupportedSuperblock{Device: l.device.Path(), Details: "LUKS magic mismatch"}
	}
	version := binary.BigEndian.Uint16(hdr[6:8])
	if version != 1 {
		return &blockserr.UnsupportedSuperblock{Device: l.device.Path(), Details: fmt.Sprintf("LUKS version %d unsupported, only 1", version)}
	}

	l.payloadStartSectors = int64(binary.BigEndian.Uint32(hdr[luksPayloadOffset : luksPayloadOffset+4]))
	l.keyBytes = binary.BigEndian.Uint32(hdr[luksKeyBytesOffset : luksKeyBytesOffset+4])
	l.uuid = string(hdr[luksUUIDOffset : luksUUIDOffset+luksUUIDSize])

	sbEnd := int64(luksMinSBEnd)
	for i := 0; i < luksKeyslotCount; i++ {
		off := luksKeyslotsStart + i*luksKeyslotStride
		keyOffsetSectors := int64(binary.BigEndian.Uint32(hdr[off+luksKeyOffsetField : off+luksKeyOffsetField+4]))
		stripes := binary.BigEndian.Uint32(hdr[off+luksKeyStripesField : off+luksKeyStripesField+4])
		if stripes != luksRequiredStripes {
			return &blockserr.UnsupportedSuperblock{
				Device:  l.device.Path(),
				Details: fmt.Sprintf("key slot %d has stripes=%d, expected %d", i, stripes, luksRequiredStripes),
			}
		}
		end := keyOffsetSectors*512 + int64(luksRequiredStripes)*int64(l.keyBytes)
		if end > sbEnd {
			sbEnd = end
		}
	}
	l.sbEnd = sbEnd

	if l.sbEnd > l.payloadStartSectors*512 {
		return &blockserr.UnsupportedSuperblock{
			Device:  l.device.Path(),
			Details: fmt.Sprintf("sb_end (%d) exceeds payload_start (%d)", l.sbEnd, l.payloadStartSectors*512),
		}
	}
	if l.sbEnd%512 != 0 || (l.payloadStartSectors*512)%512 != 0 {
		return &blockserr.UnsupportedSuperblock{Device: l.device.Path(), Details: "sb_end/payload_start not 512-aligned"}
	}

	if l.cleartextName == "" {
		l.cleartextName = "luks-" + l.uuid
	}
	return nil
}

// CleartextDevice returns the activated cleartext device, running
// "cryptsetup luksOpen" if the mapping is not already present. The
// dm-crypt table of an existing mapping is cross-checked against
// spec.md §6's regex before trusting it.
func (l *LUKS) CleartextDevice(ctx context.Context) (*blockdev.BlockDevice, error) {
	if l.cleartext != nil {
		return l.cleartext, nil
	}

	mapperPath := "/dev/mapper/" + l.cleartextName
	if _, err := os.Stat(mapperPath); err != nil {
		if _, err := l.runner.Run(ctx, "cryptsetup", "luksOpen", l.device.Path(), l.cleartextName); err != nil {
			return nil, fmt.Errorf("layer: luksOpen %s: %w", l.device.Path(), err)
		}
	} else {
		table, err := l.runner.DmTable(ctx, l.cleartextName)
		if err != nil {
			return nil, fmt.Errorf("layer: reading existing dm-crypt table for %s: %w", l.cleartextName, err)
		}
		if _, err := extutil.ParseDmCryptTable(table); err != nil {
			return nil, fmt.Errorf("layer: existing mapping %s is not a recognizable dm-crypt table: %w", l.cleartextName, err)
		}
	}

	l.cleartext = blockdev.New(mapperPath, l.runner, l.logger)
	return l.cleartext, nil
}

// Deactivate runs "cryptsetup luksClose" and invalidates the cached
// cleartext handle.
func (l *LUKS) Deactivate(ctx context.Context) error {
	if l.cleartext == nil {
		if _, err := os.Stat("/dev/mapper/" + l.cleartextName); err != nil {
			return nil
		}
	}
	_, err := l.runner.Run(ctx, "cryptsetup", "luksClose", l.cleartextName)
	l.cleartext = nil
	if err != nil {
		return fmt.Errorf("layer: luksClose %s: %w", l.cleartextName, err)
	}
	return nil
}

// GrowNonrec and ReserveEndAreaNonrec are no-ops for LUKS: the container
// itself has fixed-size metadata (the header) and does not need to grow
// or shrink when the stack is resized — only its offset matters to the
// inner layer. The returned inner position/size is simply the outer
// value minus this layer's fixed offset.
func (l *LUKS) GrowNonrec(ctx context.Context, upperBound int64) (int64, error) {
	return upperBound - l.Offset(), nil
}

func (l *LUKS) ReserveEndAreaNonrec(ctx context.Context, pos int64) (int64, error) {
	return pos - l.Offset(), nil
}

// ShiftHeaderForBcache performs the non-atomic LUKS header relocation of
// spec.md §4.6: read the superblock [0, sb_end), rewrite the payload_start
// field to (payload_start - shiftBy)/512, then write shiftBy zero bytes
// followed by the edited superblock starting at shiftBy. Must be called
// under an exclusive open of the physical device; the caller owns that
// handle's lifetime.
func (l *LUKS) ShiftHeaderForBcache(ctx context.Context, handle *os.File, shiftBy int64) error {
	if l.sbEnd+shiftBy > l.payloadStartSectors*512 {
		return &blockserr.UnsupportedLayout{Details: "sb_end + shift_by exceeds payload_start, cannot shift LUKS header"}
	}

	sb := make([]byte, l.sbEnd)
	if _, err := handle.ReadAt(sb, 0); err != nil {
		return fmt.Errorf("layer: reading LUKS superblock before shift: %w", err)
	}

	newPayloadSectors := uint32((l.payloadStartSectors*512 - shiftBy) / 512)
	binary.BigEndian.PutUint32(sb[luksPayloadOffset:luksPayloadOffset+4], newPayloadSectors)

	zeros := make([]byte, shiftBy)
	if _, err := handle.WriteAt(zeros, 0); err != nil {
		return fmt.Errorf("layer: zeroing LUKS header lead-in: %w", err)
	}
	if _, err := handle.WriteAt(sb, shiftBy); err != nil {
		return fmt.Errorf("layer: writing shifted LUKS superblock: %w", err)
	}

	l.payloadStartSectors = int64(newPayloadSectors)
	return nil
}
