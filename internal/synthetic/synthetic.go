// Package synthetic implements the SyntheticDevice technique of
// spec.md §3/§4.4: a device-mapper construction that presents a fake
// "blank" disk to a tool that insists on owning a whole block device,
// backed by a tiny writable scratch file for the head and tail and a
// read-zero/error region for the interior, so that only the touched
// head/tail bytes need to be spliced onto the real device afterward.
//
// Device naming ("rozeros-<ulid>", "synthetic-<ulid>") follows the same
// ulid.Make()-derived device ID convention used elsewhere in this
// codebase; every scoped acquisition (scratch file, loopback attach, the
// two dm nodes) is recorded in internal/ledger right after it is created
// and forgotten on clean teardown, per spec.md §5's crash-recovery
// requirement.
package synthetic

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/superfly/blocks/internal/dmguard"
	"github.com/superfly/blocks/internal/extutil"
	"github.com/superfly/blocks/internal/ledger"
)

const sectorSize = 512

func bytesToSectors(b int64) int64 {
	if b%sectorSize != 0 {
		panic(fmt.Sprintf("synthetic: %d is not a multiple of %d", b, sectorSize))
	}
	return b / sectorSize
}

// Device is a constructed synthetic block device, per spec.md §4.4.
type Device struct {
	headSize, middleSize, tailSize int64

	devpath     string
	scratchPath string
	loopDev     string
	rozerosName string
	synthName   string

	runner *extutil.Runner
	logger logrus.FieldLogger
	led    *ledger.Ledger

	torndown bool
}

// Path returns the /dev/mapper path external tools should write to.
func (d *Device) Path() string { return d.devpath }

// Create builds the loopback scratch file and the two dm nodes described
// in spec.md §4.4: a rozeros error target for the middle region, and a
// synthetic linear sandwich of [head on loopback][middle on rozeros][tail
// on loopback, if tailSize > 0].
func Create(ctx context.Context, head, middle, tail int64, runner *extutil.Runner, logger logrus.FieldLogger, led *ledger.Ledger) (*Device, error) {
	if runner == nil {
		runner = extutil.New()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	d := &Device{headSize: head, middleSize: middle, tailSize: tail, runner: runner, logger: logger, led: led}

	scratch, err := os.CreateTemp("", "blocks_synth_*.img")
	if err != nil {
		return nil, fmt.Errorf("synthetic: creating scratch file: %w", err)
	}
	d.scratchPath = scratch.Name()
	if err := scratch.Truncate(head + tail); err != nil {
		scratch.Close()
		d.removeScratch()
		return nil, fmt.Errorf("synthetic: truncating scratch file to %d bytes: %w", head+tail, err)
	}
	scratch.Close()
	d.recordLedger(ledger.KindTempDir, d.scratchPath, "")

	res, err := runner.Run(ctx, "losetup", "-f", "--show", "--", d.scratchPath)
	if err != nil {
		d.removeScratch()
		return nil, fmt.Errorf("synthetic: losetup attach of %s: %w", d.scratchPath, err)
	}
	d.loopDev = strings.TrimSpace(res.Stdout)
	if d.loopDev == "" {
		d.removeScratch()
		return nil, fmt.Errorf("synthetic: losetup produced no device path for %s", d.scratchPath)
	}
	d.recordLedger(ledger.KindLoopback, d.loopDev, d.scratchPath)

	d.rozerosName = "rozeros-" + ulid.Make().String()
	rozerosTable := fmt.Sprintf("0 %d error", bytesToSectors(middle))
	createErr := dmguard.Default.Do(ctx, "create-rozeros", func() error {
		_, err := runner.Run(ctx, "dmsetup", "create", "--readonly", "--", d.rozerosName, "--table", rozerosTable)
		return err
	})
	if createErr != nil {
		d.teardownLoopback(ctx)
		d.removeScratch()
		return nil, fmt.Errorf("synthetic: creating rozeros target: %w", createErr)
	}
	d.recordLedger(ledger.KindDMNode, d.rozerosName, "")

	d.synthName = "synthetic-" + ulid.Make().String()
	headSectors := bytesToSectors(head)
	middleSectors := bytesToSectors(middle)
	table := fmt.Sprintf("0 %d linear %s 0\n%d %d linear /dev/mapper/%s 0",
		headSectors, d.loopDev, headSectors, middleSectors, d.rozerosName)
	if tail > 0 {
		tailSectors := bytesToSectors(tail)
		table += fmt.Sprintf("\n%d %d linear %s %d", headSectors+middleSectors, tailSectors, d.loopDev, headSectors)
	}
	createErr = dmguard.Default.Do(ctx, "create-synthetic", func() error {
		_, err := runner.Run(ctx, "dmsetup", "create", "--", d.synthName, "--table", table)
		return err
	})
	if createErr != nil {
		d.teardownRozeros(ctx)
		d.teardownLoopback(ctx)
		d.removeScratch()
		return nil, fmt.Errorf("synthetic: creating synthetic target: %w", createErr)
	}
	d.recordLedger(ledger.KindDMNode, d.synthName, "")

	d.devpath = "/dev/mapper/" + d.synthName
	if _, err := os.Stat(d.devpath); err != nil {
		d.Close(ctx)
		return nil, fmt.Errorf("synthetic: %s does not exist after creation: %w", d.devpath, err)
	}
	return d, nil
}

func (d *Device) recordLedger(kind ledger.Kind, name, backing string) {
	if d.led == nil {
		return
	}
	if err := d.led.Record(ledger.Entry{Kind: kind, Name: name, Backing: backing}); err != nil {
		d.logger.WithError(err).Warn("synthetic: failed to record ledger entry")
	}
}

func (d *Device) forgetLedger(kind ledger.Kind, name string) {
	if d.led == nil {
		return
	}
	if err := d.led.Forget(kind, name); err != nil {
		d.logger.WithError(err).Warn("synthetic: failed to forget ledger entry")
	}
}

// ReadHeadTail reads back the head and tail regions directly from the
// scratch file (equivalent to reading the synthetic device's writable
// portions), for the LVM pipeline's "extract the formatted metadata"
// step (spec.md §4.5 step 10).
func (d *Device) ReadHeadTail() (head, tail []byte, err error) {
	f, err := os.Open(d.scratchPath)
	if err != nil {
		return nil, nil, fmt.Errorf("synthetic: reopening scratch file: %w", err)
	}
	defer f.Close()

	head = make([]byte, d.headSize)
	if _, err := f.ReadAt(head, 0); err != nil {
		return nil, nil, fmt.Errorf("synthetic: reading head region: %w", err)
	}
	if d.tailSize > 0 {
		tail = make([]byte, d.tailSize)
		if _, err := f.ReadAt(tail, d.headSize); err != nil {
			return nil, nil, fmt.Errorf("synthetic: reading tail region: %w", err)
		}
	}
	return head, tail, nil
}

// CopyToPhysical performs spec.md §4.4's copy_to_physical: two pwrites at
// shiftBy and shiftBy+head+middle, each followed by a read-back byte
// comparison to detect write tearing. handle is the caller's exclusive
// open of the destination device; reservedArea, when nonzero, requires
// both write positions to land at or beyond it. When otherDevice is
// false, a negative shiftBy wraps relative to the synthetic device's
// total size.
func (d *Device) CopyToPhysical(handle *os.File, shiftBy int64, reservedArea int64, otherDevice bool) error {
	head, tail, err := d.ReadHeadTail()
	if err != nil {
		return err
	}

	size := d.headSize + d.middleSize + d.tailSize
	if shiftBy < 0 {
		if otherDevice {
			return fmt.Errorf("synthetic: negative shift_by is only valid when writing to this device's own physical backing")
		}
		shiftBy += size
	}

	tailOffset := d.headSize + d.middleSize + shiftBy
	if reservedArea > 0 {
		if shiftBy < reservedArea {
			return fmt.Errorf("synthetic: shift_by %d is within the reserved area (< %d)", shiftBy, reservedArea)
		}
		if tailOffset < reservedArea {
			return fmt.Errorf("synthetic: tail write offset %d is within the reserved area (< %d)", tailOffset, reservedArea)
		}
	}
	if !otherDevice {
		if shiftBy < 0 || shiftBy+d.headSize > size {
			return fmt.Errorf("synthetic: head write [%d, %d) falls outside the synthetic device's own span [0, %d)", shiftBy, shiftBy+d.headSize, size)
		}
		if d.tailSize != 0 && (tailOffset < 0 || tailOffset+d.tailSize > size) {
			return fmt.Errorf("synthetic: tail write [%d, %d) falls outside the synthetic device's own span [0, %d)", tailOffset, tailOffset+d.tailSize, size)
		}
	}

	if err := pwriteVerify(handle, head, shiftBy); err != nil {
		return fmt.Errorf("synthetic: copying head region: %w", err)
	}
	if d.tailSize > 0 {
		if err := pwriteVerify(handle, tail, tailOffset); err != nil {
			return fmt.Errorf("synthetic: copying tail region: %w", err)
		}
	}
	return nil
}

func pwriteVerify(f *os.File, data []byte, offset int64) error {
	n, err := f.WriteAt(data, offset)
	if err != nil {
		return fmt.Errorf("pwrite at %d: %w", offset, err)
	}
	if n != len(data) {
		return fmt.Errorf("short write at %d: wrote %d of %d bytes", offset, n, len(data))
	}
	readback := make([]byte, len(data))
	if _, err := f.ReadAt(readback, offset); err != nil {
		return fmt.Errorf("read-back at %d: %w", offset, err)
	}
	if !bytes.Equal(data, readback) {
		return fmt.Errorf("read-back at %d did not match what was written (write tearing)", offset)
	}
	return nil
}

func (d *Device) teardownRozeros(ctx context.Context) {
	if d.rozerosName == "" {
		return
	}
	if _, err := d.runner.Run(ctx, "dmsetup", "remove", "--", d.rozerosName); err != nil {
		d.logger.WithError(err).Warn("synthetic: failed to remove rozeros dm node")
		return
	}
	d.forgetLedger(ledger.KindDMNode, d.rozerosName)
}

func (d *Device) teardownSynth(ctx context.Context) {
	if d.synthName == "" {
		return
	}
	if _, err := d.runner.Run(ctx, "dmsetup", "remove", "--", d.synthName); err != nil {
		d.logger.WithError(err).Warn("synthetic: failed to remove synthetic dm node")
		return
	}
	d.forgetLedger(ledger.KindDMNode, d.synthName)
}

func (d *Device) teardownLoopback(ctx context.Context) {
	if d.loopDev == "" {
		return
	}
	if _, err := d.runner.Run(ctx, "losetup", "-d", d.loopDev); err != nil {
		d.logger.WithError(err).Warn("synthetic: failed to detach loopback device")
		return
	}
	d.forgetLedger(ledger.KindLoopback, d.loopDev)
}

func (d *Device) removeScratch() {
	if d.scratchPath == "" {
		return
	}
	if err := os.Remove(d.scratchPath); err != nil && !os.IsNotExist(err) {
		d.logger.WithError(err).Warn("synthetic: failed to remove scratch file")
		return
	}
	d.forgetLedger(ledger.KindTempDir, d.scratchPath)
}

// Close tears down the synthetic device and rozeros target, detaches the
// loopback device, and deletes the scratch file — in that order, per
// spec.md §4.4's "deterministic, on all exit paths" teardown contract.
// Safe to call more than once.
func (d *Device) Close(ctx context.Context) error {
	if d.torndown {
		return nil
	}
	d.torndown = true
	d.teardownSynth(ctx)
	d.teardownRozeros(ctx)
	d.teardownLoopback(ctx)
	d.removeScratch()
	return nil
}
