package lvmtext

import "testing"

const s5Metadata = `
vg1 {
    id = "abc"
    seqno = 1
    extent_size = 8192
    logical_volumes {
        lv1 {
            segment_count = 2
            segment1 {
                start_extent = 0
                extent_count = 3
                type = "striped"
                stripe_count = 1
                stripes = ["pv0", 0]
            }
            segment2 {
                start_extent = 3
                extent_count = 5
                type = "striped"
                stripe_count = 1
                stripes = ["pv0", 10]
            }
        }
    }
}
`

func TestRotateLVForwardMatchesS5(t *testing.T) {
	root, err := Parse(s5Metadata)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	rotated, err := RotateLV(root, "lv1", true)
	if err != nil {
		t.Fatalf("RotateLV forward: %v", err)
	}

	lv := rotated.Child("vg1").Child("logical_volumes").Child("lv1")
	segs, _, err := segmentsFromSection(lv)
	if err != nil {
		t.Fatalf("segmentsFromSection: %v", err)
	}

	want := []Segment{
		{Start: 0, Count: 2, PV: "pv0", PVStart: 1},
		{Start: 2, Count: 5, PV: "pv0", PVStart: 10},
		{Start: 7, Count: 1, PV: "pv0", PVStart: 0},
	}
	if len(segs) != len(want) {
		t.Fatalf("got %d segments, want %d: %+v", len(segs), len(want), segs)
	}
	for i := range want {
		if segs[i] != want[i] {
			t.Errorf("segment %d: got %+v, want %+v", i, segs[i], want[i])
		}
	}
}

func TestRotateLVRoundTrip(t *testing.T) {
	root, err := Parse(s5Metadata)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	forward, err := RotateLV(root, "lv1", true)
	if err != nil {
		t.Fatalf("RotateLV forward: %v", err)
	}
	back, err := RotateLV(forward, "lv1", false)
	if err != nil {
		t.Fatalf("RotateLV backward: %v", err)
	}

	if !root.Equal(back) {
		t.Errorf("forward-then-backward rotation did not reproduce the original tree\noriginal:\n%s\nround-tripped:\n%s", Serialize(root), Serialize(back))
	}
}

func TestRotateSegmentsSingleExtent(t *testing.T) {
	segs := []Segment{{Start: 0, Count: 1, PV: "pv0", PVStart: 5}}
	rotated, err := RotateSegments(segs, true)
	if err != nil {
		t.Fatalf("RotateSegments: %v", err)
	}
	if len(rotated) != 1 || rotated[0] != segs[0] {
		t.Errorf("rotating a single-extent LV should be a no-op, got %+v", rotated)
	}
}
