package history

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := New(Config{Path: filepath.Join(t.TempDir(), "history.db")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestBeginAndFinishOk(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	id, err := d.Begin(ctx, "to-lvm", "/dev/sda1")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := d.Finish(ctx, id, nil, ""); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	runs, err := d.Recent(ctx, "/dev/sda1", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}
	if runs[0].Outcome != "ok" {
		t.Errorf("Outcome = %q, want %q", runs[0].Outcome, "ok")
	}
	if runs[0].FinishedAt == nil {
		t.Error("expected FinishedAt to be set")
	}
}

func TestFinishRecordsErrorKind(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	id, err := d.Begin(ctx, "to-bcache", "/dev/sda2")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := d.Finish(ctx, id, errBoom{}, "CantShrink"); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	runs, err := d.Recent(ctx, "/dev/sda2", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}
	if runs[0].Outcome != "error" {
		t.Errorf("Outcome = %q, want %q", runs[0].Outcome, "error")
	}
	if runs[0].ErrorKind != "CantShrink" {
		t.Errorf("ErrorKind = %q, want %q", runs[0].ErrorKind, "CantShrink")
	}
	if runs[0].ErrorMessage != "boom" {
		t.Errorf("ErrorMessage = %q, want %q", runs[0].ErrorMessage, "boom")
	}
}

func TestRecentOrdersMostRecentFirstAndRespectsLimit(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id, err := d.Begin(ctx, "resize", "/dev/sda3")
		if err != nil {
			t.Fatalf("Begin: %v", err)
		}
		if err := d.Finish(ctx, id, nil, ""); err != nil {
			t.Fatalf("Finish: %v", err)
		}
	}

	runs, err := d.Recent(ctx, "/dev/sda3", 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2 (limit respected)", len(runs))
	}
	if runs[0].ID < runs[1].ID {
		t.Errorf("expected most recent run first, got IDs %d then %d", runs[0].ID, runs[1].ID)
	}
}

func TestRecentFiltersByDevice(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	id, err := d.Begin(ctx, "rotate", "/dev/sda4")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := d.Finish(ctx, id, nil, ""); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	runs, err := d.Recent(ctx, "/dev/unrelated", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("got %d runs for unrelated device, want 0", len(runs))
	}
}

type errBoom struct{}

func (errBoom) Error() string { return "boom" }
