package lvm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/superfly/blocks/internal/lvmtext"
)

func TestSanitizeNameKeepsWhitelistedInput(t *testing.T) {
	got := SanitizeName("data1", "lv1")
	if got != "data1" {
		t.Errorf("SanitizeName(%q) = %q, want %q", "data1", got, "data1")
	}
}

func TestSanitizeNameFoldsToFallbackOnUnrepresentableInput(t *testing.T) {
	// scenario S2: a label containing '/' cannot be folded onto the
	// whitelist, so SanitizeName gives up and returns fallback.
	got := SanitizeName("a/b", "lv1")
	if got != "lv1" {
		t.Errorf("SanitizeName(%q) = %q, want fallback %q", "a/b", got, "lv1")
	}
}

func TestSanitizeNameEmptyReturnsFallback(t *testing.T) {
	got := SanitizeName("", "lv1")
	if got != "lv1" {
		t.Errorf("SanitizeName(\"\") = %q, want fallback %q", got, "lv1")
	}
}

func TestIsWhitelisted(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"vg.data1", true},
		{"", false},
		{"vg/data", false},
		{"vg data", false},
	}
	for _, c := range cases {
		if got := isWhitelisted(c.in); got != c.want {
			t.Errorf("isWhitelisted(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestMetadataTemplateParsesAndRotates(t *testing.T) {
	text := metadataTemplate("vg.test", "vg-uuid", "lv1", "lv-uuid", "pv-uuid", 8192, 10, 2048, 2048)

	root, err := lvmtext.Parse(text)
	if err != nil {
		t.Fatalf("Parse(metadataTemplate output): %v", err)
	}

	// rendered metadata must itself survive a forward/backward rotation
	// round trip, the same invariant internal/lvmtext verifies directly.
	forward, err := lvmtext.RotateLV(root, "lv1", true)
	if err != nil {
		t.Fatalf("RotateLV forward: %v", err)
	}
	back, err := lvmtext.RotateLV(forward, "lv1", false)
	if err != nil {
		t.Fatalf("RotateLV backward: %v", err)
	}
	if !root.Equal(back) {
		t.Errorf("rendered metadata did not round-trip a rotation")
	}
}

func TestWriteVerifyDetectsShortDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := f.Truncate(4096); err != nil {
		t.Fatal(err)
	}

	if err := writeVerify(f, []byte("hello"), 0); err != nil {
		t.Fatalf("writeVerify: %v", err)
	}

	readback := make([]byte, 5)
	if _, err := f.ReadAt(readback, 0); err != nil {
		t.Fatal(err)
	}
	if string(readback) != "hello" {
		t.Errorf("got %q, want %q", readback, "hello")
	}
}
