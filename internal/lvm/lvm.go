// Package lvm implements the LVM retrofit pipeline of spec.md §4.5: turn
// a bare filesystem device into an LVM2 physical volume/volume
// group/logical volume stack without touching any byte of filesystem
// payload beyond the one physical extent that must move.
package lvm

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/iancoleman/strcase"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/superfly/blocks/internal/blockdev"
	"github.com/superfly/blocks/internal/extutil"
	"github.com/superfly/blocks/internal/ledger"
	"github.com/superfly/blocks/internal/stack"
	"github.com/superfly/blocks/internal/synthetic"
	"github.com/superfly/blocks/internal/tracing"
)

// PESize is the LVM physical extent size spec.md §4.5/§6 uses by default:
// 4MiB, chosen for vgmerge compatibility between independently-retrofitted
// volumes. A --join retrofit uses the target VG's extent size instead.
const PESize = 4 * 1024 * 1024

const sectorSize = 512

// retrofitTag marks a VG created by the current two-segment rotated-PE
// retrofit algorithm (spec.md §4.5), so a later DetectRetrofitRevision
// call doesn't have to guess from naming conventions alone.
const retrofitTag = "blocks:retrofit=v2"

// nameWhitelist is spec.md §6's ASCII_ALNUM_WHITELIST: lowercase,
// uppercase, digit, and '.' — the only bytes LVM accepts unescaped in a
// VG/LV name.
const nameWhitelist = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789."

// SanitizeName returns s unchanged when it is already on the whitelist,
// and otherwise folds it to the whitelist via strcase, falling back to
// fallback when even the folded form still contains a byte the
// whitelist rejects (spec.md scenario S2: a label containing '/' falls
// back to "lv1").
func SanitizeName(s, fallback string) string {
	if s == "" {
		return fallback
	}
	if isWhitelisted(s) {
		return s
	}
	folded := strcase.ToDelimited(s, '.')
	if isWhitelisted(folded) {
		return folded
	}
	return fallback
}

func isWhitelisted(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if !strings.ContainsRune(nameWhitelist, c) {
			return false
		}
	}
	return true
}

// Options configures Retrofit.
type Options struct {
	VGName string // explicit --vg-name; empty means derive from the device name
	Join   string // existing VG name to vgmerge into afterward; empty means none
	Debug  bool
}

// Result reports the names Retrofit settled on, for the CLI to print.
type Result struct {
	VGName   string
	LVName   string
	FSUUID   string
	JoinedTo string
}

// Retrofit implements cmd_to_lvm: shrink the filesystem by one PE,
// relocate that PE to the far end of the device, synthesize a two-
// segment LVM metadata block describing that layout, and splice it onto
// the first PE once pvcreate/vgcfgrestore have formatted it via a
// synthetic.Device sandbox.
func Retrofit(ctx context.Context, device *blockdev.BlockDevice, opts Options, runner *extutil.Runner, logger logrus.FieldLogger) (*Result, error) {
	if runner == nil {
		runner = extutil.New()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	if vfstype, err := device.SuperblockType(); err == nil && vfstype == "LVM2_member" {
		rev, revErr := DetectRetrofitRevision(ctx, device, runner, logger)
		if revErr != nil {
			return nil, revErr
		}
		res, err := runner.Run(ctx, "lvm", "pvs", "--noheadings", "-o", "vg_name", "--", device.Path())
		vgName := ""
		if err == nil {
			vgName = strings.TrimSpace(res.Stdout)
		}
		return nil, FriendlyAlreadyConvertedError(rev, vgName)
	}

	peSize := int64(PESize)
	vgName := opts.VGName
	if opts.Join != "" {
		info, err := queryVGInfo(ctx, runner, opts.Join)
		if err != nil {
			return nil, fmt.Errorf("lvm: querying join target VG %q: %w", opts.Join, err)
		}
		peSize = info.extentSizeBytes
		vgName = uuid.NewString()
	} else if vgName == "" {
		vgName = "vg." + filepath.Base(device.Path())
	}
	vgName = SanitizeName(vgName, vgName)
	if !isWhitelisted(vgName) {
		return nil, fmt.Errorf("lvm: volume group name %q contains characters outside the LVM whitelist", vgName)
	}

	devSize, err := device.Size()
	if err != nil {
		return nil, fmt.Errorf("lvm: querying size of %s: %w", device.Path(), err)
	}
	if devSize%sectorSize != 0 {
		return nil, fmt.Errorf("lvm: device size %d is not sector-aligned", devSize)
	}

	st, err := stack.Walk(ctx, device, runner, logger)
	if err != nil {
		return nil, err
	}

	lvName := ""
	if fslabel, ok := labelOf(st); ok && fslabel != "" {
		lvName = fslabel
	} else {
		lvName = filepath.Base(device.Path())
	}
	lvName = SanitizeName(lvName, "lv1")

	peSectors := peSize / sectorSize
	peCount := devSize/peSize - 1
	peNewPos := peCount * peSize
	if peSize < 4096 {
		return nil, fmt.Errorf("lvm: PE size %d is below the minimum of 4096", peSize)
	}
	const baStart = 2048
	const baSize = 2048

	logger.WithFields(logrus.Fields{"pe_size": peSize, "pe_newpos": peNewPos, "devsize": devSize}).Debug("lvm: retrofit geometry")

	if err := st.ReadSuperblocks(ctx); err != nil {
		return nil, err
	}

	logger.Infof("lvm: will shrink the filesystem by %d bytes", devSize-peNewPos)
	shrinkCtx, shrinkSpan := tracing.Step(ctx, "shrink-filesystem")
	shrinkErr := st.StackReserveEndArea(shrinkCtx, peNewPos)
	tracing.End(shrinkSpan, shrinkErr)
	if shrinkErr != nil {
		return nil, shrinkErr
	}

	fsuuid := ""
	if st.FS != nil {
		fsuuid = st.FS.UUID()
	}
	deactivateCtx, deactivateSpan := tracing.Step(ctx, "deactivate-stack")
	deactivateErr := st.Deactivate(deactivateCtx)
	tracing.End(deactivateSpan, deactivateErr)
	if deactivateErr != nil {
		return nil, deactivateErr
	}

	_, relocateSpan := tracing.Step(ctx, "relocate-first-pe")

	handle, err := device.OpenExclusive(nil)
	if err != nil {
		tracing.End(relocateSpan, err)
		return nil, fmt.Errorf("lvm: opening %s exclusively to relocate the first PE: %w", device.Path(), err)
	}

	peData := make([]byte, peSize)
	if _, err := handle.ReadAt(peData, 0); err != nil {
		handle.Close()
		tracing.End(relocateSpan, err)
		return nil, fmt.Errorf("lvm: reading first PE from %s: %w", device.Path(), err)
	}
	if _, err := handle.WriteAt(peData, peNewPos); err != nil {
		handle.Close()
		tracing.End(relocateSpan, err)
		return nil, fmt.Errorf("lvm: relocating first PE to offset %d on %s: %w", peNewPos, device.Path(), err)
	}
	handle.Close()
	tracing.End(relocateSpan, nil)

	_, synthSpan := tracing.Step(ctx, "prepare-synthetic-pv")

	pvUUID, vgUUID, lvUUID := uuid.NewString(), uuid.NewString(), uuid.NewString()
	metaText := metadataTemplate(vgName, vgUUID, lvName, lvUUID, pvUUID, peSectors, peCount, baStart, baSize)

	synth, err := synthetic.Create(ctx, peSize, devSize-2*peSize, peSize, runner, logger, ledger.FromContext(ctx))
	if err != nil {
		tracing.End(synthSpan, err)
		return nil, fmt.Errorf("lvm: building synthetic PV sandbox: %w", err)
	}

	cfgPath := filepath.Join(os.TempDir(), fmt.Sprintf("vgcfg_%s.vgcfg", ulid.Make().String()))
	if err := os.WriteFile(cfgPath, []byte(metaText), 0o600); err != nil {
		synth.Close(ctx)
		return nil, fmt.Errorf("lvm: writing metadata template to %s: %w", cfgPath, err)
	}
	defer os.Remove(cfgPath)

	lvmConfig := fmt.Sprintf(`devices{filter=["a|^%s$|","r|.*|"]}activation{verify_udev_operations=1}`, synth.Path())

	if _, err := runner.Run(ctx, "lvm", "pvcreate", "--config", lvmConfig, "--restorefile", cfgPath, "--uuid", pvUUID, "--zero", "y", "--", synth.Path()); err != nil {
		synth.Close(ctx)
		return nil, fmt.Errorf("lvm: pvcreate on synthetic PV: %w", err)
	}
	if _, err := runner.Run(ctx, "lvm", "vgcfgrestore", "--config", lvmConfig, "--file", cfgPath, "--", vgName); err != nil {
		synth.Close(ctx)
		return nil, fmt.Errorf("lvm: vgcfgrestore on synthetic PV: %w", err)
	}

	formattedHead, _, err := synth.ReadHeadTail()
	if err != nil {
		synth.Close(ctx)
		return nil, fmt.Errorf("lvm: reading formatted metadata from synthetic PV: %w", err)
	}
	if err := synth.Close(ctx); err != nil {
		tracing.End(synthSpan, err)
		return nil, fmt.Errorf("lvm: tearing down synthetic PV sandbox: %w", err)
	}
	tracing.End(synthSpan, nil)

	_, spliceSpan := tracing.Step(ctx, "copy-to-physical")
	handle, err = device.OpenExclusive(nil)
	if err != nil {
		tracing.End(spliceSpan, err)
		return nil, fmt.Errorf("lvm: reopening %s to install metadata: %w", device.Path(), err)
	}
	if err := writeVerify(handle.File, formattedHead, 0); err != nil {
		handle.Close()
		tracing.End(spliceSpan, err)
		return nil, fmt.Errorf("lvm: installing metadata on %s: %w", device.Path(), err)
	}
	handle.Close()
	tracing.End(spliceSpan, nil)

	_, activateSpan := tracing.Step(ctx, "reactivate")
	if _, err := runner.Run(ctx, "vgchange", "-ay", "--", vgName); err != nil {
		tracing.End(activateSpan, err)
		return nil, fmt.Errorf("lvm: activating volume group %s: %w", vgName, err)
	}
	tracing.End(activateSpan, nil)
	if _, err := runner.Run(ctx, "vgchange", "--addtag", retrofitTag, "--", vgName); err != nil {
		logger.WithError(err).Warn("lvm: tagging volume group with retrofit revision marker failed, DetectRetrofitRevision will report it as unknown")
	}

	joinedTo := ""
	if opts.Join != "" {
		if _, err := runner.Run(ctx, "lvm", "vgmerge", "--", opts.Join, vgName); err != nil {
			return nil, fmt.Errorf("lvm: merging %s into %s: %w", vgName, opts.Join, err)
		}
		joinedTo = opts.Join
		vgName = opts.Join
	}

	return &Result{VGName: vgName, LVName: lvName, FSUUID: fsuuid, JoinedTo: joinedTo}, nil
}

func writeVerify(f *os.File, data []byte, offset int64) error {
	n, err := f.WriteAt(data, offset)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("short write at %d: wrote %d of %d bytes", offset, n, len(data))
	}
	readback := make([]byte, len(data))
	if _, err := f.ReadAt(readback, offset); err != nil {
		return err
	}
	if !bytes.Equal(data, readback) {
		return fmt.Errorf("read-back at %d did not match what was written", offset)
	}
	return nil
}

func labelOf(st *stack.Stack) (string, bool) {
	if st.FS == nil {
		return "", false
	}
	return st.FS.Label(), true
}

type vgInfo struct {
	name            string
	uuid            string
	extentSizeBytes int64
}

func queryVGInfo(ctx context.Context, runner *extutil.Runner, vgName string) (*vgInfo, error) {
	res, err := runner.Run(ctx, "lvm", "vgs", "--noheadings", "--rows", "--units=b", "--nosuffix", "-o", "vg_name,vg_uuid,vg_extent_size", "--", vgName)
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(res.Stdout)
	if len(fields) < 3 {
		return nil, fmt.Errorf("lvm: unexpected `lvm vgs` output for %q: %q", vgName, res.Stdout)
	}
	size, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("lvm: parsing vg_extent_size from %q: %w", fields[2], err)
	}
	return &vgInfo{name: fields[0], uuid: fields[1], extentSizeBytes: size}, nil
}

// metadataTemplate renders the two-segment LVM text metadata of spec.md
// §6: LV extent 0 is PV extent pe_count-1 (where the relocated first PE
// now lies), and LV extents [1, pe_count) are PV extents [0, pe_count-1)
// — exactly mirroring the byte relocation already performed on the real
// device.
func metadataTemplate(vgName, vgUUID, lvName, lvUUID, pvUUID string, peSectors, peCount, baStart, baSize int64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "contents = \"Text Format Volume Group\"\n")
	fmt.Fprintf(&b, "version = 1\n\n")
	fmt.Fprintf(&b, "%s {\n", vgName)
	fmt.Fprintf(&b, "    id = %q\n", vgUUID)
	fmt.Fprintf(&b, "    seqno = 0\n")
	fmt.Fprintf(&b, "    status = [\"RESIZEABLE\", \"READ\", \"WRITE\"]\n")
	fmt.Fprintf(&b, "    extent_size = %d\n", peSectors)
	fmt.Fprintf(&b, "    max_lv = 0\n")
	fmt.Fprintf(&b, "    max_pv = 0\n\n")
	fmt.Fprintf(&b, "    physical_volumes {\n")
	fmt.Fprintf(&b, "        pv0 {\n")
	fmt.Fprintf(&b, "            id = %q\n", pvUUID)
	fmt.Fprintf(&b, "            status = [\"ALLOCATABLE\"]\n\n")
	fmt.Fprintf(&b, "            pe_start = %d\n", peSectors)
	fmt.Fprintf(&b, "            pe_count = %d\n", peCount)
	fmt.Fprintf(&b, "            ba_start = %d\n", baStart)
	fmt.Fprintf(&b, "            ba_size = %d\n", baSize)
	fmt.Fprintf(&b, "        }\n")
	fmt.Fprintf(&b, "    }\n")
	fmt.Fprintf(&b, "    logical_volumes {\n")
	fmt.Fprintf(&b, "        %s {\n", lvName)
	fmt.Fprintf(&b, "            id = %q\n", lvUUID)
	fmt.Fprintf(&b, "            status = [\"READ\", \"WRITE\", \"VISIBLE\"]\n")
	fmt.Fprintf(&b, "            segment_count = 2\n\n")
	fmt.Fprintf(&b, "            segment1 {\n")
	fmt.Fprintf(&b, "                start_extent = 0\n")
	fmt.Fprintf(&b, "                extent_count = 1\n")
	fmt.Fprintf(&b, "                type = \"striped\"\n")
	fmt.Fprintf(&b, "                stripe_count = 1\n")
	fmt.Fprintf(&b, "                stripes = [\"pv0\", %d]\n", peCount-1)
	fmt.Fprintf(&b, "            }\n")
	fmt.Fprintf(&b, "            segment2 {\n")
	fmt.Fprintf(&b, "                start_extent = 1\n")
	fmt.Fprintf(&b, "                extent_count = %d\n", peCount-1)
	fmt.Fprintf(&b, "                type = \"striped\"\n")
	fmt.Fprintf(&b, "                stripe_count = 1\n")
	fmt.Fprintf(&b, "                stripes = [\"pv0\", 0]\n")
	fmt.Fprintf(&b, "            }\n")
	fmt.Fprintf(&b, "        }\n")
	fmt.Fprintf(&b, "    }\n")
	fmt.Fprintf(&b, "}\n")
	return b.String()
}
