// Package telemetry provides OpenTelemetry integration for the application.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/arkreview/arkreview/pkg/logger"
)

const (
	// MeterName is the default meter name for the application
	MeterName = "github.com/arkreview/arkreview"
)

// Metrics holds all application metrics
type Metrics struct {
	// Job lifecycle metrics (init -> review shards -> wrapup)
	JobsSubmittedTotal metric.Int64Counter
	JobDuration        metric.Float64Histogram
	ActiveJobs         metric.Int64UpDownCounter
	JobsByStatus       metric.Int64Counter
	ViolationsByRule   metric.Int64Counter

	// HTTP metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Review-tool (devagent) invocation metrics
	DevagentInvocationsTotal metric.Int64Counter
	DevagentInvocationErrors metric.Int64Counter

	// Worktree metrics
	WorktreeCloneTotal    metric.Int64Counter
	WorktreeCloneDuration metric.Float64Histogram
}

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// GetMetrics returns the global metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		var err error
		globalMetrics, err = initMetrics()
		if err != nil {
			logger.Error("Failed to initialize metrics", zap.Error(err))
			// Return empty metrics to avoid nil pointer
			globalMetrics = &Metrics{}
		}
	})
	return globalMetrics
}

// initMetrics initializes all application metrics
func initMetrics() (*Metrics, error) {
	meter := otel.Meter(MeterName)
	m := &Metrics{}

	var err error

	// Job lifecycle metrics
	m.JobsSubmittedTotal, err = meter.Int64Counter(
		"arkreview_jobs_submitted_total",
		metric.WithDescription("Total number of review jobs submitted"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, err
	}

	m.JobDuration, err = meter.Float64Histogram(
		"arkreview_job_duration_seconds",
		metric.WithDescription("Duration of a review job from init to wrapup in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 1800),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveJobs, err = meter.Int64UpDownCounter(
		"arkreview_active_jobs",
		metric.WithDescription("Number of currently active review jobs"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsByStatus, err = meter.Int64Counter(
		"arkreview_jobs_by_status_total",
		metric.WithDescription("Total number of review jobs by terminal status (SUCCESSFUL/FAILED/REVOKED)"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, err
	}

	m.ViolationsByRule, err = meter.Int64Counter(
		"arkreview_violations_by_rule_total",
		metric.WithDescription("Total number of rule violations reported, by canonical rule name"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, err
	}

	// HTTP metrics
	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"arkreview_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"arkreview_http_request_duration_seconds",
		metric.WithDescription("Duration of HTTP requests in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	// Review-tool (devagent) invocation metrics
	m.DevagentInvocationsTotal, err = meter.Int64Counter(
		"arkreview_devagent_invocations_total",
		metric.WithDescription("Total number of external review-tool invocations"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		return nil, err
	}

	m.DevagentInvocationErrors, err = meter.Int64Counter(
		"arkreview_devagent_invocation_errors_total",
		metric.WithDescription("Total number of external review-tool invocations that failed"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	// Worktree metrics
	m.WorktreeCloneTotal, err = meter.Int64Counter(
		"arkreview_worktree_clone_total",
		metric.WithDescription("Total number of worktree clone/populate operations"),
		metric.WithUnit("{clone}"),
	)
	if err != nil {
		return nil, err
	}

	m.WorktreeCloneDuration, err = meter.Float64Histogram(
		"arkreview_worktree_clone_duration_seconds",
		metric.WithDescription("Duration of worktree clone/populate operations in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, err
	}

	logger.Info("Metrics initialized successfully")
	return m, nil
}

// RecordJobSubmitted records that a review job has been submitted (the init
// task was enqueued) for the given rules revision and diff provider.
func (m *Metrics) RecordJobSubmitted(ctx context.Context, rulesRev, provider string) {
	if m.JobsSubmittedTotal == nil {
		return
	}
	m.JobsSubmittedTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("rules_rev", rulesRev),
			attribute.String("provider", provider),
		),
	)
	if m.ActiveJobs != nil {
		m.ActiveJobs.Add(ctx, 1)
	}
}

// RecordJobTerminal records that a job reached a terminal state
// (SUCCESSFUL/FAILED/REVOKED, per the wrapup stage's status aggregation).
func (m *Metrics) RecordJobTerminal(ctx context.Context, status string, durationSeconds float64) {
	if m.ActiveJobs != nil {
		m.ActiveJobs.Add(ctx, -1)
	}
	if m.JobsByStatus != nil {
		m.JobsByStatus.Add(ctx, 1,
			metric.WithAttributes(attribute.String("status", status)),
		)
	}
	if m.JobDuration != nil {
		m.JobDuration.Record(ctx, durationSeconds,
			metric.WithAttributes(attribute.String("status", status)),
		)
	}
}

// RecordViolations records rule violations surfaced by a processed review, by
// canonical rule name.
func (m *Metrics) RecordViolations(ctx context.Context, rule string, count int64) {
	if m.ViolationsByRule == nil {
		return
	}
	m.ViolationsByRule.Add(ctx, count,
		metric.WithAttributes(attribute.String("rule", rule)),
	)
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	if m.HTTPRequestsTotal != nil {
		m.HTTPRequestsTotal.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("method", method),
				attribute.String("path", path),
				attribute.Int("status_code", statusCode),
			),
		)
	}
	if m.HTTPRequestDuration != nil {
		m.HTTPRequestDuration.Record(ctx, durationSeconds,
			metric.WithAttributes(
				attribute.String("method", method),
				attribute.String("path", path),
			),
		)
	}
}

// RecordDevagentInvocation records one external review-tool invocation made
// by a review-shard task.
func (m *Metrics) RecordDevagentInvocation(ctx context.Context, success bool) {
	if m.DevagentInvocationsTotal != nil {
		m.DevagentInvocationsTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.Bool("success", success)),
		)
	}
	if !success && m.DevagentInvocationErrors != nil {
		m.DevagentInvocationErrors.Add(ctx, 1)
	}
}

// RecordWorktreeClone records a worktree populate operation performed by the
// worktree manager.
func (m *Metrics) RecordWorktreeClone(ctx context.Context, provider string, success bool, durationSeconds float64) {
	if m.WorktreeCloneTotal != nil {
		m.WorktreeCloneTotal.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("provider", provider),
				attribute.Bool("success", success),
			),
		)
	}
	if m.WorktreeCloneDuration != nil {
		m.WorktreeCloneDuration.Record(ctx, durationSeconds,
			metric.WithAttributes(
				attribute.String("provider", provider),
				attribute.Bool("success", success),
			),
		)
	}
}
