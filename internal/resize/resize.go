// Package resize implements spec.md §4.8's resize driver: grow or
// shrink a device's stack to a target size, optionally resizing the
// underlying device (LV or partition) itself first or last depending on
// direction.
package resize

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
	"github.com/superfly/blocks/internal/partition"
	"github.com/superfly/blocks/internal/stack"
	"github.com/superfly/blocks/internal/tracing"
)

// Resize implements cmd_resize: grow the backing device first (so the
// stack has room to expand into), resize the stack to fill newSize,
// then shrink the backing device last (so the stack has already
// vacated the space being reclaimed). Growing the device up front and
// shrinking it only at the end is what makes a failure mid-resize leave
// the device at least as big as the stack currently needs.
func Resize(ctx context.Context, device *blockdev.BlockDevice, newSize int64, resizeDevice bool, runner *extutil.Runner, logger logrus.FieldLogger) error {
	if runner == nil {
		runner = extutil.New()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	curSize, err := device.Size()
	if err != nil {
		return fmt.Errorf("resize: querying size of %s: %w", device.Path(), err)
	}
	deviceDelta := newSize - curSize

	if deviceDelta > 0 && resizeDevice {
		growCtx, growSpan := tracing.Step(ctx, "grow-device")
		growErr := devResize(growCtx, device, newSize, false, runner, logger)
		tracing.End(growSpan, growErr)
		if growErr != nil {
			return growErr
		}
		curSize, err = device.Size()
		if err != nil {
			return fmt.Errorf("resize: re-querying size of %s after growing it: %w", device.Path(), err)
		}
		newSize = curSize
	}

	st, err := stack.Walk(ctx, device, runner, logger)
	if err != nil {
		return err
	}
	if err := st.ReadSuperblocks(ctx); err != nil {
		return err
	}

	total := st.TotalDataSize()
	if total > curSize {
		return fmt.Errorf("resize: stack's total data size %d exceeds device size %d", total, curSize)
	}
	dataDelta := newSize - total

	if dataDelta < 0 {
		_, shrinkSpan := tracing.Step(ctx, "shrink-stack")
		shrinkErr := st.StackReserveEndArea(ctx, newSize)
		tracing.End(shrinkSpan, shrinkErr)
		if shrinkErr != nil {
			return shrinkErr
		}
	} else {
		_, growSpan := tracing.Step(ctx, "grow-stack")
		growErr := st.StackGrow(ctx, newSize)
		tracing.End(growSpan, growErr)
		if growErr != nil {
			return growErr
		}
	}

	if deviceDelta < 0 && resizeDevice {
		tds := st.TotalDataSize()
		isPart, err := device.IsPartition()
		if err != nil {
			return fmt.Errorf("resize: checking whether %s is a partition: %w", device.Path(), err)
		}
		if isPart {
			deactivateCtx, deactivateSpan := tracing.Step(ctx, "deactivate-stack")
			deactivateErr := st.Deactivate(deactivateCtx)
			tracing.End(deactivateSpan, deactivateErr)
			if deactivateErr != nil {
				return deactivateErr
			}
		}
		_, shrinkDevSpan := tracing.Step(ctx, "shrink-device")
		shrinkDevErr := devResize(ctx, device, tds, true, runner, logger)
		tracing.End(shrinkDevSpan, shrinkDevErr)
		if shrinkDevErr != nil {
			return shrinkDevErr
		}
	}
	return nil
}

// devResize resizes the backing device itself: lvresize for a logical
// volume, parted/sfdisk for a partition. A plain whole disk has no
// software resize path and is rejected.
func devResize(ctx context.Context, device *blockdev.BlockDevice, newSize int64, shrink bool, runner *extutil.Runner, logger logrus.FieldLogger) error {
	isLV, err := device.IsLV()
	if err != nil {
		return fmt.Errorf("resize: checking whether %s is a logical volume: %w", device.Path(), err)
	}
	if isLV {
		force := ""
		if shrink {
			force = "--force"
		}
		argv := []string{"lvm", "lvresize", "-L", strconv.FormatInt(newSize, 10) + "B"}
		if force != "" {
			argv = append(argv, force)
		}
		argv = append(argv, "--", device.Path())
		if _, err := runner.Run(ctx, argv...); err != nil {
			return fmt.Errorf("resize: lvresize %s to %d bytes: %w", device.Path(), newSize, err)
		}
		device.ResetSize()
		return nil
	}

	isPart, err := device.IsPartition()
	if err != nil {
		return fmt.Errorf("resize: checking whether %s is a partition: %w", device.Path(), err)
	}
	if isPart {
		diskPath, partNum, err := parentDisk(device, runner)
		if err != nil {
			return err
		}
		if !shrink {
			if _, err := runner.Run(ctx, "growpart", diskPath, partNum); err != nil {
				return fmt.Errorf("resize: growpart %s %s: %w", diskPath, partNum, err)
			}
			device.ResetSize()
			return nil
		}
		table, err := partition.Open(ctx, diskPath, runner, logger)
		if err != nil {
			return err
		}
		if err := table.Resize(ctx, device.Path(), newSize); err != nil {
			return err
		}
		device.ResetSize()
		return nil
	}

	return fmt.Errorf("resize: %s is neither a partition nor a logical volume, cannot resize the device itself", device.Path())
}

// parentDisk returns the whole-disk device path and partition number
// (as growpart/parted expect them) for a partition device, read from
// sysfs the same way blockdev's own IsPartition/IsDM checks do.
func parentDisk(device *blockdev.BlockDevice, runner *extutil.Runner) (diskPath, partNum string, err error) {
	root, err := device.SysfsRoot()
	if err != nil {
		return "", "", err
	}
	numBytes, err := os.ReadFile(filepath.Join(root, "partition"))
	if err != nil {
		return "", "", fmt.Errorf("resize: reading partition number for %s: %w", device.Path(), err)
	}
	partNum = strings.TrimSpace(string(numBytes))

	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", "", fmt.Errorf("resize: resolving sysfs path for %s: %w", device.Path(), err)
	}
	diskName := filepath.Base(filepath.Dir(resolved))
	return "/dev/" + diskName, partNum, nil
}
