package tracing

import (
	"context"
	"errors"
	"testing"
)

func TestStartPipelineAndStepDoNotPanic(t *testing.T) {
	ctx, span := StartPipeline(context.Background(), "to-lvm", "/dev/sda1")
	defer span.End()

	stepCtx, stepSpan := Step(ctx, "shrink-filesystem")
	if stepCtx == nil {
		t.Fatal("expected a non-nil context from Step")
	}
	End(stepSpan, nil)
}

func TestEndRecordsErrorWithoutPanicking(t *testing.T) {
	_, span := StartPipeline(context.Background(), "resize", "/dev/sda1")
	End(span, errors.New("boom"))
}
