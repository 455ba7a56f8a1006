// Package bcache implements the three bcache retrofit variants of
// spec.md §4.6: turning a LUKS volume, a partition, or an LVM logical
// volume into a bcache backing device by carving out bsb_size bytes for
// the bcache superblock ahead of the existing payload, without moving
// the payload itself.
package bcache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/superfly/blocks/internal/blockdev"
	"github.com/superfly/blocks/internal/extutil"
	"github.com/superfly/blocks/internal/layer"
	"github.com/superfly/blocks/internal/ledger"
	"github.com/superfly/blocks/internal/lvmtext"
	"github.com/superfly/blocks/internal/partition"
	"github.com/superfly/blocks/internal/stack"
	"github.com/superfly/blocks/internal/synthetic"
	"github.com/superfly/blocks/internal/tracing"
)

const sectorSize = 512

// bcacheSBSize is the minimum, most widely compatible bcache backing
// superblock offset, used by the LUKS variant's header shift. The
// partition variant reserves 1 MiB instead, and the LV variant one PE.
const bcacheSBSize = 512 * 16

// MakeBCacheSB builds a synthetic.Device of bsbSize+dataSize and runs
// make-bcache against it so the returned device's head region holds a
// freshly formatted bcache superblock, per spec.md §4.6's make_bcache_sb.
func MakeBCacheSB(ctx context.Context, bsbSize, dataSize int64, join string, runner *extutil.Runner, logger logrus.FieldLogger) (*synthetic.Device, error) {
	if runner == nil {
		runner = extutil.New()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	synth, err := synthetic.Create(ctx, bsbSize, dataSize, 0, runner, logger, ledger.FromContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("bcache: building synthetic sandbox: %w", err)
	}

	argv := []string{"make-bcache", "--bdev", "--data_offset", strconv.FormatInt(bsbSize/sectorSize, 10)}
	if join != "" {
		argv = append(argv, "--cset-uuid", join)
	}
	argv = append(argv, synth.Path())
	if _, err := runner.Run(ctx, argv...); err != nil {
		synth.Close(ctx)
		return nil, fmt.Errorf("bcache: make-bcache on synthetic device: %w", err)
	}

	bd := blockdev.New(synth.Path(), runner, logger)
	backing := layer.NewBCacheBacking(bd, runner, logger)
	if err := backing.ReadSuperblock(ctx); err != nil {
		synth.Close(ctx)
		return nil, fmt.Errorf("bcache: reading freshly formatted superblock: %w", err)
	}
	if backing.Offset() != bsbSize {
		synth.Close(ctx)
		return nil, fmt.Errorf("bcache: make-bcache produced data_offset %d, expected %d", backing.Offset(), bsbSize)
	}
	return synth, nil
}

// LUKSToBCache implements spec.md §4.6's luks_to_bcache: shift the LUKS
// header forward by 16 sectors (the smallest offset bcache accepts) and
// splice a freshly formatted bcache superblock into the vacated space.
// Not atomic: a crash between the header shift and the splice leaves
// the device in a state that requires manual recovery, as documented in
// spec.md §7/§9.
func LUKSToBCache(ctx context.Context, device *blockdev.BlockDevice, join string, runner *extutil.Runner, logger logrus.FieldLogger) error {
	if runner == nil {
		runner = extutil.New()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	luks := layer.NewLUKS(device, "", runner, logger)
	deactivateCtx, deactivateSpan := tracing.Step(ctx, "deactivate")
	deactivateErr := luks.Deactivate(deactivateCtx)
	tracing.End(deactivateSpan, deactivateErr)
	if deactivateErr != nil {
		return deactivateErr
	}
	if err := luks.ReadSuperblock(ctx); err != nil {
		return err
	}

	handle, err := device.OpenExclusive(nil)
	if err != nil {
		return fmt.Errorf("bcache: opening %s exclusively: %w", device.Path(), err)
	}
	defer handle.Close()

	shiftBy := int64(bcacheSBSize)
	if luks.SBEnd()+shiftBy > luks.Offset() {
		return fmt.Errorf("bcache: LUKS superblock end %d plus shift %d exceeds payload start %d, cannot shift", luks.SBEnd(), shiftBy, luks.Offset())
	}

	devSize, err := device.Size()
	if err != nil {
		return fmt.Errorf("bcache: querying size of %s: %w", device.Path(), err)
	}
	dataSize := devSize - shiftBy

	synth, err := MakeBCacheSB(ctx, shiftBy, dataSize, join, runner, logger)
	if err != nil {
		return err
	}
	defer synth.Close(ctx)

	_, spliceSpan := tracing.Step(ctx, "copy-to-physical")

	logger.Info("bcache: shifting and editing the LUKS superblock")
	if err := luks.ShiftHeaderForBcache(ctx, handle.File, shiftBy); err != nil {
		tracing.End(spliceSpan, err)
		return fmt.Errorf("bcache: shifting LUKS header: %w", err)
	}

	logger.Info("bcache: copying the bcache superblock")
	if err := synth.CopyToPhysical(handle.File, 0, 0, false); err != nil {
		tracing.End(spliceSpan, err)
		return fmt.Errorf("bcache: splicing bcache superblock: %w", err)
	}
	tracing.End(spliceSpan, nil)
	return nil
}

// PartToBCache implements spec.md §4.6's part_to_bcache: reserve 1MiB
// immediately before the target partition for the bcache superblock,
// write the formatted superblock into that gap while the partition
// table still points past it, then shift the partition table's start
// left onto the gap.
func PartToBCache(ctx context.Context, diskPath, partDevice string, device *blockdev.BlockDevice, join string, runner *extutil.Runner, logger logrus.FieldLogger) error {
	if runner == nil {
		runner = extutil.New()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	const bsbSize = 1024 * 1024

	devSize, err := device.Size()
	if err != nil {
		return fmt.Errorf("bcache: querying size of %s: %w", device.Path(), err)
	}

	table, err := partition.Open(ctx, diskPath, runner, logger)
	if err != nil {
		return err
	}
	partStart, err := table.PartitionStart(partDevice)
	if err != nil {
		return err
	}

	newStart, err := table.ReserveSpaceBefore(ctx, partDevice, bsbSize)
	if err != nil {
		return err
	}

	synth, err := MakeBCacheSB(ctx, bsbSize, devSize, join, runner, logger)
	if err != nil {
		return err
	}
	defer synth.Close(ctx)

	diskDev := blockdev.New(diskPath, runner, logger)
	handle, err := diskDev.OpenExclusive(nil)
	if err != nil {
		return fmt.Errorf("bcache: opening %s exclusively: %w", diskPath, err)
	}

	logger.Info("bcache: copying the bcache superblock")
	if err := synth.CopyToPhysical(handle.File, newStart, 0, true); err != nil {
		handle.Close()
		return fmt.Errorf("bcache: splicing bcache superblock at %d: %w", newStart, err)
	}
	handle.Close()

	logger.Info("bcache: shifting partition to start on the bcache superblock")
	if err := table.ShiftLeft(ctx, partDevice, partStart, newStart); err != nil {
		return err
	}
	device.ResetSize()
	return nil
}

// LVToBCache implements spec.md §4.6's lv_to_bcache: reclaim the LV's
// last physical extent for the bcache superblock and rotate the LVM
// metadata backward so that extent becomes the LV's logical first
// extent, matching where the superblock now physically sits. This
// package always performs the full lvmtext rotation rather than
// lvchange --refresh's no-op remap, per the recorded resolution to the
// corresponding open question: a refresh alone leaves the LV's content
// at the wrong logical offset.
func LVToBCache(ctx context.Context, device *blockdev.BlockDevice, join string, runner *extutil.Runner, logger logrus.FieldLogger) error {
	if runner == nil {
		runner = extutil.New()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	peSize, err := queryPESize(ctx, runner, device.Path())
	if err != nil {
		return err
	}
	devSize, err := device.Size()
	if err != nil {
		return fmt.Errorf("bcache: querying size of %s: %w", device.Path(), err)
	}
	if devSize%peSize != 0 {
		return fmt.Errorf("bcache: device size %d is not a multiple of the VG's extent size %d", devSize, peSize)
	}
	dataSize := devSize - peSize

	st, err := stack.Walk(ctx, device, runner, logger)
	if err != nil {
		return err
	}
	if err := st.ReadSuperblocks(ctx); err != nil {
		return err
	}
	if err := st.StackReserveEndArea(ctx, dataSize); err != nil {
		return err
	}
	if err := st.Deactivate(ctx); err != nil {
		return err
	}

	handle, err := device.OpenExclusive(nil)
	if err != nil {
		return fmt.Errorf("bcache: opening %s exclusively: %w", device.Path(), err)
	}

	synth, err := MakeBCacheSB(ctx, peSize, dataSize, join, runner, logger)
	if err != nil {
		handle.Close()
		return err
	}

	logger.Info("bcache: copying the bcache superblock")
	if err := synth.CopyToPhysical(handle.File, -peSize, 0, false); err != nil {
		synth.Close(ctx)
		handle.Close()
		return fmt.Errorf("bcache: splicing bcache superblock: %w", err)
	}
	synth.Close(ctx)
	handle.Close()

	vgName, lvName, wasActive, err := queryLVIdentity(ctx, runner, device.Path())
	if err != nil {
		return err
	}

	if _, err := runner.Run(ctx, "lvm", "lvchange", "-an", "--", vgName+"/"+lvName); err != nil {
		return fmt.Errorf("bcache: deactivating %s/%s before metadata rotation: %w", vgName, lvName, err)
	}

	logger.Info("bcache: loading LVM metadata")
	backupText, err := vgcfgBackup(ctx, runner, vgName)
	if err != nil {
		return err
	}
	root, err := lvmtext.Parse(backupText)
	if err != nil {
		return fmt.Errorf("bcache: parsing backed-up VG metadata: %w", err)
	}

	logger.Info("bcache: rotating the last extent to be the first")
	rotated, err := lvmtext.RotateLV(root, lvName, false)
	if err != nil {
		return fmt.Errorf("bcache: rotating %s: %w", lvName, err)
	}

	if err := vgcfgRestore(ctx, runner, vgName, lvmtext.Serialize(rotated)); err != nil {
		return err
	}

	if _, err := runner.Run(ctx, "lvm", "lvchange", "--refresh", "--", vgName+"/"+lvName); err != nil {
		return fmt.Errorf("bcache: refreshing %s/%s after rotation: %w", vgName, lvName, err)
	}
	if wasActive {
		if _, err := runner.Run(ctx, "lvm", "lvchange", "-ay", "--", vgName+"/"+lvName); err != nil {
			return fmt.Errorf("bcache: reactivating %s/%s: %w", vgName, lvName, err)
		}
	}
	return nil
}

// Retrofit implements cmd_to_bcache's dispatch (spec.md §4.6): pick the
// LUKS, partition, or LV variant based on what device actually is, the
// same is_partition()/is_lv()/superblock_type() probes
// original_source/bcache_operations.cpp's cmd_to_bcache uses.
func Retrofit(ctx context.Context, device *blockdev.BlockDevice, join string, runner *extutil.Runner, logger logrus.FieldLogger) error {
	if runner == nil {
		runner = extutil.New()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	isPart, err := device.IsPartition()
	if err != nil {
		return fmt.Errorf("bcache: checking whether %s is a partition: %w", device.Path(), err)
	}
	if isPart {
		diskPath, _, err := parentDisk(device)
		if err != nil {
			return err
		}
		return PartToBCache(ctx, diskPath, device.Path(), device, join, runner, logger)
	}

	isLV, err := device.IsLV()
	if err != nil {
		return fmt.Errorf("bcache: checking whether %s is a logical volume: %w", device.Path(), err)
	}
	if isLV {
		return LVToBCache(ctx, device, join, runner, logger)
	}

	vfstype, err := device.SuperblockType()
	if err != nil {
		return fmt.Errorf("bcache: probing superblock type of %s: %w", device.Path(), err)
	}
	if vfstype == "crypto_LUKS" {
		return LUKSToBCache(ctx, device, join, runner, logger)
	}

	return fmt.Errorf("bcache: %s is neither a partition, a logical volume, nor a LUKS container; cannot retrofit it for bcache", device.Path())
}

// parentDisk returns the whole-disk device path and partition number
// for a partition device, read from sysfs the same way
// internal/resize's identically named helper does — both packages need
// this independently and neither is positioned to import the other.
func parentDisk(device *blockdev.BlockDevice) (diskPath, partNum string, err error) {
	root, err := device.SysfsRoot()
	if err != nil {
		return "", "", err
	}
	numBytes, err := os.ReadFile(root + "/partition")
	if err != nil {
		return "", "", fmt.Errorf("bcache: reading partition number for %s: %w", device.Path(), err)
	}
	partNum = strings.TrimSpace(string(numBytes))

	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", "", fmt.Errorf("bcache: resolving sysfs path for %s: %w", device.Path(), err)
	}
	diskName := filepath.Base(filepath.Dir(resolved))
	return "/dev/" + diskName, partNum, nil
}

func queryPESize(ctx context.Context, runner *extutil.Runner, devPath string) (int64, error) {
	res, err := runner.Run(ctx, "lvm", "lvs", "--noheadings", "--rows", "--units=b", "--nosuffix", "-o", "vg_extent_size", "--", devPath)
	if err != nil {
		return 0, err
	}
	size, err := strconv.ParseInt(strings.TrimSpace(res.Stdout), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bcache: parsing vg_extent_size from %q: %w", res.Stdout, err)
	}
	return size, nil
}

func queryLVIdentity(ctx context.Context, runner *extutil.Runner, devPath string) (vgName, lvName string, active bool, err error) {
	res, err := runner.Run(ctx, "lvm", "lvs", "--noheadings", "--rows", "--units=b", "--nosuffix", "-o", "vg_name,vg_uuid,lv_name,lv_uuid,lv_attr", "--", devPath)
	if err != nil {
		return "", "", false, err
	}
	fields := strings.Fields(res.Stdout)
	if len(fields) < 5 {
		return "", "", false, fmt.Errorf("bcache: unexpected `lvm lvs` output for %q: %q", devPath, res.Stdout)
	}
	attr := fields[4]
	return fields[0], fields[2], len(attr) > 4 && attr[4] == 'a', nil
}

func vgcfgBackup(ctx context.Context, runner *extutil.Runner, vgName string) (string, error) {
	path := "/tmp/blocks-vgcfg-" + vgName + ".cfg"
	if _, err := runner.Run(ctx, "lvm", "vgcfgbackup", "--file", path, "--", vgName); err != nil {
		return "", fmt.Errorf("bcache: vgcfgbackup of %s: %w", vgName, err)
	}
	text, err := readAndRemove(path)
	if err != nil {
		return "", fmt.Errorf("bcache: reading vgcfgbackup output: %w", err)
	}
	return text, nil
}

func vgcfgRestore(ctx context.Context, runner *extutil.Runner, vgName, text string) error {
	path := "/tmp/blocks-vgcfg-" + vgName + "-new.cfg"
	if err := writeFile(path, text); err != nil {
		return fmt.Errorf("bcache: writing rotated metadata: %w", err)
	}
	defer removeFile(path)
	if _, err := runner.Run(ctx, "lvm", "vgcfgrestore", "--file", path, "--", vgName); err != nil {
		return fmt.Errorf("bcache: vgcfgrestore of rotated %s metadata: %w", vgName, err)
	}
	return nil
}

func readAndRemove(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	os.Remove(path)
	return string(data), nil
}

func writeFile(path, text string) error {
	return os.WriteFile(path, []byte(text), 0o600)
}

func removeFile(path string) { os.Remove(path) }
