// Package metrics replaces perf.PipelineMetrics's hand-rolled duration
// counters with real prometheus instruments, kept in one registry per
// process so cmd/blocks can serve them on --metrics-addr.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// StageDuration records how long each named pipeline step takes,
	// the real-instrument equivalent of timing.Timer.Stop's
	// duration_ms log field.
	StageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "blocks_pipeline_stage_duration_seconds",
		Help:    "Duration of a pipeline stage, by command and stage name.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
	}, []string{"command", "stage"})

	// ResultTotal counts pipeline runs by command and outcome.
	ResultTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "blocks_pipeline_result_total",
		Help: "Count of pipeline runs, by command and result.",
	}, []string{"command", "result"})
)

// Registry is the process-wide collector set, registered lazily so
// tests that never touch metrics don't pay for it.
func Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(StageDuration, ResultTotal)
	return reg
}

// Stage times a single pipeline step and records it against
// StageDuration when the returned func runs, mirroring perf.Start's
// defer-friendly shape.
func Stage(command, stage string) func() {
	start := time.Now()
	return func() {
		StageDuration.WithLabelValues(command, stage).Observe(time.Since(start).Seconds())
	}
}

// Result records a pipeline run's terminal outcome. result is
// typically "ok", "error", or a blockserr kind name.
func Result(command, result string) {
	ResultTotal.WithLabelValues(command, result).Inc()
}

type contextKey struct{}

// WithCommand stashes the active command name in ctx so deeply nested
// calls can record stage timings without threading the name through
// every function signature — the same convenience
// perf.WithMetrics/MetricsFromContext provided.
func WithCommand(ctx context.Context, command string) context.Context {
	return context.WithValue(ctx, contextKey{}, command)
}

// CommandFromContext returns the command name stashed by WithCommand,
// or "" if none was set.
func CommandFromContext(ctx context.Context) string {
	c, _ := ctx.Value(contextKey{}).(string)
	return c
}
