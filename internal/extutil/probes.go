package extutil

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// BlkidInfo is the parsed result of "blkid -p -o export <device>".
type BlkidInfo struct {
	Type  string // TYPE=
	UUID  string // UUID=
	Label string // LABEL=
}

// BlkidProbe runs blkid against device and parses its export-format
// output into structured fields. An unrecognized device (blkid exits
// non-zero with no output) yields a zero-value BlkidInfo and no error:
// the caller decides whether that is fatal.
func (r *Runner) BlkidProbe(ctx context.Context, device string) (*BlkidInfo, error) {
	res, err := r.Run(ctx, "blkid", "-p", "-o", "export", device)
	if err != nil && res == nil {
		return nil, err
	}
	info := &BlkidInfo{}
	for _, line := range strings.Split(res.Stdout, "\n") {
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch k {
		case "TYPE":
			info.Type = v
		case "UUID":
			info.UUID = v
		case "LABEL":
			info.Label = v
		}
	}
	return info, nil
}

// LuksDump is the parsed subset of "cryptsetup luksDump" this package
// needs: the payload offset in sectors, reported directly by cryptsetup
// rather than recomputed, used as a cross-check against the superblock's
// own key-slot derived sb_end.
type LuksDump struct {
	PayloadOffsetSectors int64
	Version              int
}

var (
	luksVersionRE = regexp.MustCompile(`(?m)^Version:\s*(\d+)`)
	luksOffsetRE  = regexp.MustCompile(`(?m)Payload offset:\s*(\d+)`)
)

// CryptsetupLuksDump runs "cryptsetup luksDump <device>" and extracts the
// fields this package cross-checks against its own superblock parser.
func (r *Runner) CryptsetupLuksDump(ctx context.Context, device string) (*LuksDump, error) {
	res, err := r.Run(ctx, "cryptsetup", "luksDump", device)
	if err != nil {
		return nil, err
	}
	out := &LuksDump{}
	if m := luksVersionRE.FindStringSubmatch(res.Stdout); m != nil {
		out.Version, _ = strconv.Atoi(m[1])
	}
	if m := luksOffsetRE.FindStringSubmatch(res.Stdout); m != nil {
		out.PayloadOffsetSectors, _ = strconv.ParseInt(m[1], 10, 64)
	}
	return out, nil
}

// DmCryptTable is the parsed shape of a dm-crypt table line, matched with
// the regex from spec.md §6.
type DmCryptTable struct {
	SectorCount int64
	CipherMajor int
	CipherMinor int
	IVOffset    int64
}

var dmCryptTableRE = regexp.MustCompile(`^0 (\d+) crypt [a-z0-9:-]+ 0+ 0 (\d+):(\d+) (\d+)( [^\n]*)?\n$`)

// ParseDmCryptTable parses the output of "dmsetup table <name>" for a
// dm-crypt mapping, matching spec.md §6's dm-crypt table regex exactly.
func ParseDmCryptTable(table string) (*DmCryptTable, error) {
	m := dmCryptTableRE.FindStringSubmatch(table)
	if m == nil {
		return nil, fmt.Errorf("extutil: dm-crypt table does not match expected shape: %q", table)
	}
	sectors, _ := strconv.ParseInt(m[1], 10, 64)
	major, _ := strconv.Atoi(m[2])
	minor, _ := strconv.Atoi(m[3])
	ivOffset, _ := strconv.ParseInt(m[4], 10, 64)
	return &DmCryptTable{
		SectorCount: sectors,
		CipherMajor: major,
		CipherMinor: minor,
		IVOffset:    ivOffset,
	}, nil
}

// DmTable returns the raw "dmsetup table <name>" output for name.
func (r *Runner) DmTable(ctx context.Context, name string) (string, error) {
	res, err := r.Run(ctx, "dmsetup", "table", name)
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// LvmPV is the subset of "pvs --reportformat json" fields this package
// consumes.
type LvmPV struct {
	Name   string
	VGName string
	PESize int64
	PVSize int64
}

// VgsPVCount returns the number of PVs and the PE size (in bytes) of vg,
// parsed from "vgs --units b --noheadings -o vg_extent_size,pv_count".
func (r *Runner) VgsPVCount(ctx context.Context, vg string) (peSize int64, pvCount int, err error) {
	res, rerr := r.Run(ctx, "vgs", "--units", "b", "--noheadings", "--nosuffix",
		"-o", "vg_extent_size,pv_count", vg)
	if rerr != nil {
		return 0, 0, rerr
	}
	fields := strings.Fields(res.Stdout)
	if len(fields) < 2 {
		return 0, 0, fmt.Errorf("extutil: unexpected vgs output: %q", res.Stdout)
	}
	peSize, err = strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("extutil: parsing vg_extent_size: %w", err)
	}
	pvCount, err = strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, fmt.Errorf("extutil: parsing pv_count: %w", err)
	}
	return peSize, pvCount, nil
}
