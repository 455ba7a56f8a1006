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
	swapPageSize     = 4096
	swapVersionOff   = 1024
	swapLastPageOff  = 1028
	swapUUIDOff      = 1036
	swapUUIDSize     = 16
	swapLabelOff     = 1052
	swapLabelSize    = 16
	swapMagicOff     = 4086
	swapMagicSize    = 10
	swapSupportedVer = 1
)

var swapMagic = []byte("SWAPSPACE2")

// Swap implements Filesystem for a Linux swap signature. Unlike the
// other filesystem kinds, resizing swap needs no external tool: the
// whole "filesystem" is an 8-byte (version, last_page) pair, both
// big-endian per spec.md §6, living at offset 1024 of the 4KiB
// signature page. Growing or shrinking is a direct rewrite of that
// field — there is no data to relocate, since everything past the
// signature page is unused once swap is turned off for the retrofit.
type Swap struct {
	base

	version  uint32
	lastPage uint32
	uuid     string
	label    string
}

func NewSwap(device *blockdev.BlockDevice, runner *extutil.Runner, logger logrus.FieldLogger) *Swap {
	return &Swap{base: newBase(device, runner, logger)}
}

func (s *Swap) Kind() Kind              { return KindSwap }
func (s *Swap) BlockSize() int64        { return swapPageSize }
func (s *Swap) FSSize() int64           { return int64(s.lastPage+1) * swapPageSize }
func (s *Swap) VFSType() string         { return "swap" }
func (s *Swap) CanShrink() bool         { return true }
func (s *Swap) ResizeNeedsMpoint() bool { return false }
func (s *Swap) UUID() string            { return s.uuid }
func (s *Swap) Label() string           { return s.label }

// ReadSuperblock reads the 4KiB signature page and validates the
// SWAPSPACE2 magic, the version field, and extracts UUID/label.
func (s *Swap) ReadSuperblock(ctx context.Context) error {
	f, err := os.Open(s.device.Path())
	if err != nil {
		return fmt.Errorf("layer: opening %s for swap header: %w", s.device.Path(), err)
	}
	defer f.Close()

	page := make([]byte, swapPageSize)
	if _, err := f.ReadAt(page, 0); err != nil {
		return fmt.Errorf("layer: reading swap signature page on %s: %w", s.device.Path(), err)
	}

	magic := page[swapMagicOff : swapMagicOff+swapMagicSize]
	if string(magic) != string(swapMagic) {
		return &blockserr.UnsupportedSuperblock{Device: s.device.Path(), Details: "swap magic SWAPSPACE2 not found at offset 4086"}
	}

	s.version = binary.BigEndian.Uint32(page[swapVersionOff : swapVersionOff+4])
	if s.version != swapSupportedVer {
		return &blockserr.UnsupportedSuperblock{
			Device:  s.device.Path(),
			Details: fmt.Sprintf("swap header version %d unsupported, only %d", s.version, swapSupportedVer),
		}
	}
	s.lastPage = binary.BigEndian.Uint32(page[swapLastPageOff : swapLastPageOff+4])
	s.uuid = formatUUID(page[swapUUIDOff : swapUUIDOff+swapUUIDSize])
	s.label = trimTrailingZeros(string(page[swapLabelOff : swapLabelOff+swapLabelSize]))
	return nil
}

// rewriteLastPage performs the in-place 4-byte rewrite described above.
// It writes newLastPage as given; its callers check the new page count.
func (s *Swap) rewriteLastPage(newLastPage uint32) error {
	f, err := os.OpenFile(s.device.Path(), os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("layer: opening %s to rewrite swap header: %w", s.device.Path(), err)
	}
	defer f.Close()

	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, newLastPage)
	if _, err := f.WriteAt(buf, swapLastPageOff); err != nil {
		return fmt.Errorf("layer: writing swap last_page on %s: %w", s.device.Path(), err)
	}
	s.lastPage = newLastPage
	return nil
}

// GrowNonrec rewrites last_page to cover upperBound, rounded down to a
// whole page.
func (s *Swap) GrowNonrec(ctx context.Context, upperBound int64) (int64, error) {
	pages := upperBound / swapPageSize
	if pages < 1 {
		return 0, &blockserr.UnsupportedLayout{Details: "swap grow target smaller than one page"}
	}
	if err := s.rewriteLastPage(uint32(pages - 1)); err != nil {
		return 0, err
	}
	return s.FSSize(), nil
}

// ReserveEndAreaNonrec rewrites last_page so the swap area ends at or
// before pos. Always succeeds down to one page; swap never needs an
// e2fsck-style precondition since there is no live data to preserve
// once the area is about to be relocated.
func (s *Swap) ReserveEndAreaNonrec(ctx context.Context, pos int64) (int64, error) {
	if pos >= s.FSSize() {
		return s.FSSize(), nil
	}
	pages := pos / swapPageSize
	if pages < 1 {
		return 0, &blockserr.CantShrink{Device: s.device.Path(), Reason: "requested area smaller than one swap page"}
	}
	if err := s.rewriteLastPage(uint32(pages - 1)); err != nil {
		return 0, err
	}
	return s.FSSize(), nil
}
