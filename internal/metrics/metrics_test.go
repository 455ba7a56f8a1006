package metrics

import (
	"context"
	"testing"
)

func TestWithCommandRoundTrip(t *testing.T) {
	ctx := WithCommand(context.Background(), "to-lvm")
	if got := CommandFromContext(ctx); got != "to-lvm" {
		t.Errorf("CommandFromContext = %q, want %q", got, "to-lvm")
	}
}

func TestCommandFromContextEmptyWhenUnset(t *testing.T) {
	if got := CommandFromContext(context.Background()); got != "" {
		t.Errorf("CommandFromContext on bare context = %q, want empty", got)
	}
}

func TestStageRecordsADuration(t *testing.T) {
	stop := Stage("test-command", "test-stage")
	stop()

	reg := Registry()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, fam := range families {
		if fam.GetName() == "blocks_pipeline_stage_duration_seconds" {
			found = true
			if len(fam.GetMetric()) == 0 {
				t.Error("expected at least one observation, got none")
			}
		}
	}
	if !found {
		t.Error("expected blocks_pipeline_stage_duration_seconds in registry")
	}
}

func TestResultIncrementsCounter(t *testing.T) {
	Result("test-command", "ok")

	reg := Registry()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, fam := range families {
		if fam.GetName() == "blocks_pipeline_result_total" {
			found = true
		}
	}
	if !found {
		t.Error("expected blocks_pipeline_result_total in registry")
	}
}
