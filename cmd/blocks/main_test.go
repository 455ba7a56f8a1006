package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/superfly/blocks/internal/ledger"
)

func TestParseSize(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"0", 0},
		{"512", 512},
		{"512b", 512},
		{"1k", 1024},
		{"4m", 4 * 1024 * 1024},
		{"2g", 2 * 1024 * 1024 * 1024},
		{"1t", 1024 * 1024 * 1024 * 1024},
	}
	for _, c := range cases {
		got, err := parseSize(c.in)
		if err != nil {
			t.Fatalf("parseSize(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("parseSize(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestParseSizeRejectsInvalidInput(t *testing.T) {
	cases := []string{"", "abc", "1kb", "-5", "5.5g"}
	for _, in := range cases {
		if _, err := parseSize(in); err == nil {
			t.Errorf("parseSize(%q): expected error, got nil", in)
		}
	}
}

func TestStripGlobalFlagsDebugOnly(t *testing.T) {
	var debug bool
	var addr string
	got := stripGlobalFlags([]string{"--debug", "to-lvm", "/dev/sda1"}, &debug, &addr)
	if !debug {
		t.Error("expected debug to be set")
	}
	if addr != "" {
		t.Errorf("expected empty metrics addr, got %q", addr)
	}
	want := []string{"to-lvm", "/dev/sda1"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestStripGlobalFlagsMetricsAddrSeparateArg(t *testing.T) {
	var debug bool
	var addr string
	got := stripGlobalFlags([]string{"--metrics-addr", ":9090", "resize", "/dev/sda1", "10g"}, &debug, &addr)
	if addr != ":9090" {
		t.Errorf("metrics addr = %q, want %q", addr, ":9090")
	}
	want := []string{"resize", "/dev/sda1", "10g"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestStripGlobalFlagsMetricsAddrEqualsForm(t *testing.T) {
	var debug bool
	var addr string
	got := stripGlobalFlags([]string{"--metrics-addr=:9090", "rotate", "/dev/sda1"}, &debug, &addr)
	if addr != ":9090" {
		t.Errorf("metrics addr = %q, want %q", addr, ":9090")
	}
	want := []string{"rotate", "/dev/sda1"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestStripGlobalFlagsNoGlobalFlags(t *testing.T) {
	var debug bool
	var addr string
	got := stripGlobalFlags([]string{"to-bcache", "/dev/sda1"}, &debug, &addr)
	if debug || addr != "" {
		t.Errorf("expected no globals set, got debug=%v addr=%q", debug, addr)
	}
	if len(got) != 2 {
		t.Fatalf("got %v, want 2 args", got)
	}
}

func TestScopedResourceExistsDMNode(t *testing.T) {
	ctx := context.Background()
	if scopedResourceExists(ctx, nil, ledger.Entry{Kind: ledger.KindDMNode, Name: "definitely-not-a-real-dm-node"}) {
		t.Error("expected a nonexistent dm node name to report as gone")
	}
}

func TestScopedResourceExistsTempDir(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	present := filepath.Join(dir, "still-here")
	if err := os.WriteFile(present, nil, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if !scopedResourceExists(ctx, nil, ledger.Entry{Kind: ledger.KindTempDir, Name: present}) {
		t.Error("expected an existing path to report as present")
	}
	if scopedResourceExists(ctx, nil, ledger.Entry{Kind: ledger.KindTempDir, Name: filepath.Join(dir, "gone")}) {
		t.Error("expected a removed path to report as gone")
	}
}

func TestReconcileLedgerClearsDanglingEntries(t *testing.T) {
	ctx := context.Background()
	led, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"), nil)
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	defer led.Close()

	if err := led.Record(ledger.Entry{Kind: ledger.KindDMNode, Name: "synthetic-dangling"}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	stale, err := reconcileLedger(ctx, nil, led)
	if err != nil {
		t.Fatalf("reconcileLedger: %v", err)
	}
	if len(stale) != 1 || stale[0].Name != "synthetic-dangling" {
		t.Fatalf("got stale %+v, want one entry named synthetic-dangling", stale)
	}

	entries, err := led.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("got %d entries remaining, want 0", len(entries))
	}
}
