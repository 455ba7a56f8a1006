package lvmtext

import (
	"fmt"
)

// Segment is one linear (single-PV, unstriped) LV segment: LV extents
// [Start, Start+Count) map to PV extents [PVStart, PVStart+Count) on PV.
// spec.md's retrofit segments are always this shape — the template in
// §6 never stripes — so RotateLV only needs to support it.
type Segment struct {
	Start   int64
	Count   int64
	PV      string
	PVStart int64
}

type extentRef struct {
	pv  string
	off int64
}

func flatten(segs []Segment) []extentRef {
	var out []extentRef
	for _, s := range segs {
		for i := int64(0); i < s.Count; i++ {
			out = append(out, extentRef{pv: s.PV, off: s.PVStart + i})
		}
	}
	return out
}

func runLengthEncode(flat []extentRef) []Segment {
	var out []Segment
	var lvPos int64
	for i := 0; i < len(flat); {
		j := i + 1
		for j < len(flat) && flat[j].pv == flat[i].pv && flat[j].off == flat[i].off+int64(j-i) {
			j++
		}
		count := int64(j - i)
		out = append(out, Segment{Start: lvPos, Count: count, PV: flat[i].pv, PVStart: flat[i].off})
		lvPos += count
		i = j
	}
	return out
}

// RotateSegments implements spec.md §4.7's rotation: forward moves the
// LV's first extent to its last position (everything else shifts down
// one), and backward is its exact inverse, moving the last extent back
// to the front. Segments are merged/split by run-length encoding the
// flattened PV-extent sequence, so a rotation that reunites two
// previously adjacent runs collapses them back into one segment —
// which is what makes a forward rotation followed by a backward
// rotation reproduce the original segment list exactly (property P2).
func RotateSegments(segs []Segment, forward bool) ([]Segment, error) {
	flat := flatten(segs)
	if len(flat) == 0 {
		return nil, fmt.Errorf("lvmtext: rotate: LV has no extents")
	}
	var rotated []extentRef
	if forward {
		rotated = append(append([]extentRef{}, flat[1:]...), flat[0])
	} else {
		last := flat[len(flat)-1]
		rotated = append([]extentRef{last}, flat[:len(flat)-1]...)
	}
	return runLengthEncode(rotated), nil
}

// segmentsFromSection reads an LV's ordered segmentN{} children into
// Segments. Only the single-PV linear shape is supported; anything else
// is an error since the retrofit pipeline never produces it.
func segmentsFromSection(lv *Section) ([]Segment, []string, error) {
	var segs []Segment
	var names []string
	for _, key := range lv.Keys() {
		child := lv.Child(key)
		if child == nil {
			continue
		}
		if !isSegmentName(key) {
			continue
		}
		stripeCount := child.Int("stripe_count")
		if stripeCount != 1 {
			return nil, nil, fmt.Errorf("lvmtext: rotate: segment %q has stripe_count %d, only 1 is supported", key, stripeCount)
		}
		stripes := child.Value("stripes")
		if !stripes.IsList || stripes.List.Len() != 2 {
			return nil, nil, fmt.Errorf("lvmtext: rotate: segment %q has malformed stripes", key)
		}
		pvVal := stripes.List.Get(0)
		offVal := stripes.List.Get(1)
		segs = append(segs, Segment{
			Start:   child.Int("start_extent"),
			Count:   child.Int("extent_count"),
			PV:      pvVal.Str,
			PVStart: offVal.Int,
		})
		names = append(names, key)
	}
	return segs, names, nil
}

func isSegmentName(key string) bool {
	if len(key) <= len("segment") || key[:len("segment")] != "segment" {
		return false
	}
	for _, c := range key[len("segment"):] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// RotateLV returns a new tree (lv's parent section is left untouched;
// the caller receives a clone with lv's segments replaced) implementing
// RotateSegments against the LV named lvName under logical_volumes.
// The returned Section is a full clone of root, never the input, per
// this package's "edits return a new tree" contract.
func RotateLV(root *Section, lvName string, forward bool) (*Section, error) {
	clone := root.Clone()

	vg := findSoleVG(clone)
	if vg == nil {
		return nil, fmt.Errorf("lvmtext: rotate: no volume group section found")
	}
	lvs := vg.Child("logical_volumes")
	if lvs == nil {
		return nil, fmt.Errorf("lvmtext: rotate: volume group has no logical_volumes section")
	}
	lv := lvs.Child(lvName)
	if lv == nil {
		return nil, fmt.Errorf("lvmtext: rotate: no logical volume named %q", lvName)
	}

	segs, oldNames, err := segmentsFromSection(lv)
	if err != nil {
		return nil, err
	}
	rotated, err := RotateSegments(segs, forward)
	if err != nil {
		return nil, err
	}

	for _, n := range oldNames {
		lv.RemoveKey(n)
	}
	lv.SetInt("segment_count", int64(len(rotated)))
	prevKey := "segment_count"
	for i, seg := range rotated {
		name := fmt.Sprintf("segment%d", i+1)
		sec := NewSection(name)
		sec.SetInt("start_extent", seg.Start)
		sec.SetInt("extent_count", seg.Count)
		sec.SetStr("type", "striped")
		sec.SetInt("stripe_count", 1)
		sec.SetValue("stripes", ListVal(StrVal(seg.PV), IntVal(seg.PVStart)))
		lv.InsertChildAfter(prevKey, name, sec)
		prevKey = name
	}
	return clone, nil
}

// findSoleVG returns the single volume-group child section at the root
// (the top-level key that is not "contents", "version", or
// "description" — the scalar header fields every vgcfgbackup emits
// before the one VG block).
func findSoleVG(root *Section) *Section {
	for _, k := range root.Keys() {
		switch k {
		case "contents", "version", "description", "creation_host", "creation_time":
			continue
		}
		if child := root.Child(k); child != nil {
			return child
		}
	}
	return nil
}
