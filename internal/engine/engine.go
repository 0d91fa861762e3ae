package engine

import (
	"context"
	"net/url"

	"github.com/arkreview/arkreview/internal/broker"
	"github.com/arkreview/arkreview/internal/config"
	"github.com/arkreview/arkreview/internal/diffprovider"
	"github.com/arkreview/arkreview/internal/revoke"
	"github.com/arkreview/arkreview/internal/status"
	"github.com/arkreview/arkreview/internal/store"
	"github.com/arkreview/arkreview/internal/taskinfo"
	"github.com/arkreview/arkreview/pkg/idgen"
	"github.com/arkreview/arkreview/pkg/telemetry"
)

// Engine is the top-level facade an HTTP handler talks to: one Pipeline
// wired into one Broker, plus the status and revoke views over the same
// task graph.
type Engine struct {
	Pipeline *Pipeline
	Broker   *broker.Broker
	Status   *status.Aggregator
	Revoker  *revoke.Revoker
}

// New wires a complete Engine from configuration and its external
// dependencies (relational store, TaskInfo store, diff provider registry).
func New(ctx context.Context, cfg config.ReviewConfig, git config.GitConfig, diffs *diffprovider.Registry, st store.Store, info *taskinfo.Store) *Engine {
	pipeline := NewPipeline(cfg, git, diffs, st, info)
	b := broker.New(ctx, st.Broker(), pipeline, broker.Config{
		MaxWorkers: cfg.MaxWorkers,
		QueueSize:  cfg.QueueSize,
		TTL:        cfg.BrokerTTL,
	})

	return &Engine{
		Pipeline: pipeline,
		Broker:   b,
		Status:   status.New(st.Broker()),
		Revoker:  revoke.New(b),
	}
}

// Submit generates a job id, stashes the submitted PR URLs for the init
// stage to consume, and schedules the job on the broker, returning the job
// id immediately.
func (e *Engine) Submit(urls []string) (string, error) {
	jobID := idgen.NewJobID()
	e.Pipeline.StashSubmission(jobID, urls)
	if err := e.Broker.Submit(jobID); err != nil {
		return "", err
	}

	provider := ""
	if len(urls) > 0 {
		if parsed, err := url.Parse(urls[0]); err == nil {
			provider = parsed.Host
		}
	}
	telemetry.GetMetrics().RecordJobSubmitted(context.Background(), e.Pipeline.review.RulesRef, provider)

	return jobID, nil
}

// Stop shuts down the broker's review worker pool.
func (e *Engine) Stop() {
	e.Broker.Stop()
}
