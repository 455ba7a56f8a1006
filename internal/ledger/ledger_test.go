package ledger

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndList(t *testing.T) {
	l := openTestLedger(t)

	if err := l.Record(Entry{Kind: KindDMNode, Name: "synthetic-abc"}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	entries, err := l.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].Name != "synthetic-abc" || entries[0].Kind != KindDMNode {
		t.Errorf("got %+v, want Kind=%q Name=%q", entries[0], KindDMNode, "synthetic-abc")
	}
	if entries[0].CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set by Record")
	}
}

func TestForgetRemovesEntry(t *testing.T) {
	l := openTestLedger(t)

	if err := l.Record(Entry{Kind: KindLoopback, Name: "/dev/loop0"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := l.Forget(KindLoopback, "/dev/loop0"); err != nil {
		t.Fatalf("Forget: %v", err)
	}

	entries, err := l.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("got %d entries after Forget, want 0", len(entries))
	}
}

func TestReconcileForgetsOnlyMissingBacking(t *testing.T) {
	l := openTestLedger(t)

	if err := l.Record(Entry{Kind: KindDMNode, Name: "still-here"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := l.Record(Entry{Kind: KindDMNode, Name: "gone"}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	stale, err := l.Reconcile(func(e Entry) bool { return e.Name == "still-here" })
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(stale) != 1 || stale[0].Name != "gone" {
		t.Fatalf("got stale %+v, want exactly one entry named %q", stale, "gone")
	}

	entries, err := l.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "still-here" {
		t.Fatalf("got %+v after Reconcile, want only %q left", entries, "still-here")
	}
}

func TestWithLedgerAndFromContext(t *testing.T) {
	l := openTestLedger(t)

	ctx := WithLedger(context.Background(), l)
	if got := FromContext(ctx); got != l {
		t.Errorf("FromContext returned %p, want %p", got, l)
	}
}

func TestFromContextEmptyWhenUnset(t *testing.T) {
	if got := FromContext(context.Background()); got != nil {
		t.Errorf("FromContext on bare context = %v, want nil", got)
	}
}
