package lvm

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/superfly/blocks/internal/blockdev"
	"github.com/superfly/blocks/internal/extutil"
	"github.com/superfly/blocks/internal/lvmtext"
)

// Rotate implements the `rotate` CLI subcommand: apply rotate_aug's
// forward rotation (spec.md §4.7, scenario S5) directly to the LV
// device sits on, with the same vgcfgbackup/rotate/vgcfgrestore sequence
// LVToBCache uses internally (LVToBCache rotates backward), exposed
// standalone for manual repair.
func Rotate(ctx context.Context, device *blockdev.BlockDevice, runner *extutil.Runner, logger logrus.FieldLogger) error {
	if runner == nil {
		runner = extutil.New()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	isLV, err := device.IsLV()
	if err != nil {
		return fmt.Errorf("lvm: checking whether %s is a logical volume: %w", device.Path(), err)
	}
	if !isLV {
		return fmt.Errorf("lvm: %s is not an LVM logical volume, nothing to rotate", device.Path())
	}

	vgName, lvName, wasActive, err := queryRotateTarget(ctx, runner, device.Path())
	if err != nil {
		return err
	}

	if wasActive {
		if _, err := runner.Run(ctx, "lvm", "lvchange", "-an", "--", vgName+"/"+lvName); err != nil {
			return fmt.Errorf("lvm: deactivating %s/%s before rotation: %w", vgName, lvName, err)
		}
	}

	backupPath := tempCfgPath()
	if _, err := runner.Run(ctx, "lvm", "vgcfgbackup", "--file", backupPath, "--", vgName); err != nil {
		return fmt.Errorf("lvm: backing up %s metadata: %w", vgName, err)
	}
	defer os.Remove(backupPath)

	text, err := os.ReadFile(backupPath)
	if err != nil {
		return fmt.Errorf("lvm: reading backed-up metadata for %s: %w", vgName, err)
	}
	root, err := lvmtext.Parse(string(text))
	if err != nil {
		return fmt.Errorf("lvm: parsing backed-up metadata for %s: %w", vgName, err)
	}

	rotated, err := lvmtext.RotateLV(root, lvName, true)
	if err != nil {
		return fmt.Errorf("lvm: rotating %s: %w", lvName, err)
	}

	restorePath := tempCfgPath()
	if err := os.WriteFile(restorePath, []byte(lvmtext.Serialize(rotated)), 0o600); err != nil {
		return fmt.Errorf("lvm: writing rotated metadata for %s: %w", vgName, err)
	}
	defer os.Remove(restorePath)

	if _, err := runner.Run(ctx, "lvm", "vgcfgrestore", "--file", restorePath, "--", vgName); err != nil {
		return fmt.Errorf("lvm: restoring rotated metadata for %s: %w", vgName, err)
	}
	if wasActive {
		if _, err := runner.Run(ctx, "lvm", "lvchange", "-ay", "--", vgName+"/"+lvName); err != nil {
			return fmt.Errorf("lvm: reactivating %s/%s after rotation: %w", vgName, lvName, err)
		}
	}
	return nil
}

func tempCfgPath() string {
	return os.TempDir() + "/blocks-rotate-" + ulid.Make().String() + ".cfg"
}

func queryRotateTarget(ctx context.Context, runner *extutil.Runner, devPath string) (vgName, lvName string, active bool, err error) {
	res, err := runner.Run(ctx, "lvm", "lvs", "--noheadings", "--rows", "--units=b", "--nosuffix",
		"-o", "vg_name,lv_name,lv_attr", "--", devPath)
	if err != nil {
		return "", "", false, fmt.Errorf("lvm: querying LV identity for %s: %w", devPath, err)
	}
	fields := strings.Fields(res.Stdout)
	if len(fields) < 3 {
		return "", "", false, fmt.Errorf("lvm: unexpected lvs output for %s: %q", devPath, res.Stdout)
	}
	active = len(fields[2]) > 4 && fields[2][4] == 'a'
	return fields[0], fields[1], active, nil
}
