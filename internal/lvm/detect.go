package lvm

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/superfly/blocks/internal/blockdev"
	"github.com/superfly/blocks/internal/extutil"
)

// Revision identifies which historical retrofit algorithm produced an
// existing PV, preserved from the version-negotiation idea in
// original_source/lvmify1.cpp and lvmifyv2.cpp — those two only ever
// checked "is this already LVM", never which revision did it, so this
// is a generalization rather than a straight port.
type Revision int

const (
	// RevisionUnknown means the device is an LVM PV, but carries no
	// marker this package recognizes — created by something other than
	// this package's Retrofit, or by a revision that predates tagging.
	RevisionUnknown Revision = iota
	// RevisionCurrent is the two-segment rotated-PE layout Retrofit
	// produces today (spec.md §4.5), identified by retrofitTag.
	RevisionCurrent
	// RevisionNotLVM means the device carries no LVM metadata at all.
	RevisionNotLVM
)

func (r Revision) String() string {
	switch r {
	case RevisionCurrent:
		return "current"
	case RevisionNotLVM:
		return "not-lvm"
	default:
		return "unknown"
	}
}

// DetectRetrofitRevision reports which retrofit revision, if any,
// already produced device's LVM metadata. Retrofit uses this only to
// produce a friendlier error when to-lvm is re-run against a device it
// (or something else) already converted — it never decides pipeline
// behavior on its own.
func DetectRetrofitRevision(ctx context.Context, device *blockdev.BlockDevice, runner *extutil.Runner, logger logrus.FieldLogger) (Revision, error) {
	if runner == nil {
		runner = extutil.New()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	vfstype, err := device.SuperblockType()
	if err != nil || vfstype != "LVM2_member" {
		return RevisionNotLVM, nil
	}

	res, err := runner.Run(ctx, "lvm", "pvs", "--noheadings", "-o", "vg_name", "--", device.Path())
	if err != nil {
		return RevisionUnknown, fmt.Errorf("lvm: querying VG for %s: %w", device.Path(), err)
	}
	vgName := strings.TrimSpace(res.Stdout)
	if vgName == "" {
		return RevisionUnknown, nil
	}

	res, err = runner.Run(ctx, "lvm", "vgs", "--noheadings", "-o", "vg_tags", "--", vgName)
	if err != nil {
		return RevisionUnknown, fmt.Errorf("lvm: querying tags for VG %s: %w", vgName, err)
	}
	tags := strings.Split(strings.TrimSpace(res.Stdout), ",")
	for _, t := range tags {
		if strings.TrimSpace(t) == retrofitTag {
			return RevisionCurrent, nil
		}
	}
	return RevisionUnknown, nil
}

// FriendlyAlreadyConvertedError wraps a RevisionCurrent/RevisionUnknown
// result into the user-facing error Retrofit returns; kept here so the
// message text lives next to the revision it describes.
func FriendlyAlreadyConvertedError(rev Revision, vgName string) error {
	switch rev {
	case RevisionCurrent:
		return fmt.Errorf("lvm: device is already an LVM volume group (%s) produced by this tool's retrofit algorithm; re-running to-lvm on it would reformat live data", vgName)
	case RevisionUnknown:
		return fmt.Errorf("lvm: device already carries LVM metadata for an unrecognized volume group (%s); refusing to reformat it", vgName)
	default:
		return nil
	}
}
