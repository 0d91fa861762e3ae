// Package status implements the status aggregator: walking the Job/Task
// graph built by internal/broker to synthesise a single {task_status,
// task_result} pair for a client polling by job id, including the
// alternate on-the-fly aggregation mode used while wrapup is still
// pending but some review shards have already finished.
package status

import (
	"encoding/json"

	"github.com/arkreview/arkreview/internal/model"
	"github.com/arkreview/arkreview/internal/reviewworker"
	"github.com/arkreview/arkreview/internal/store"
	"github.com/arkreview/arkreview/internal/wrapup"
	apperrors "github.com/arkreview/arkreview/pkg/errors"
)

// State is the client-facing job status.
type State string

const (
	StatePending    State = "PENDING"
	StateSuccessful State = "SUCCESSFUL"
	StateFailed     State = "FAILED"
	StateRevoked    State = "REVOKED"
)

// Result is the aggregator's output: a state plus an opaque result payload
// (nil, an error string, or a JSON-encoded wrapup.Processed).
type Result struct {
	State  State
	Result string
}

// Aggregator computes job status from the broker's durable task graph.
type Aggregator struct {
	store store.BrokerStore
}

// New builds an Aggregator over the broker's task-graph store.
func New(s store.BrokerStore) *Aggregator {
	return &Aggregator{store: s}
}

// Status computes the job-level status by walking init -> wrapup, without
// inspecting individual review shards.
func (a *Aggregator) Status(jobID string) (*Result, error) {
	initTask, err := a.store.GetTask(jobID)
	if err != nil {
		return nil, apperrors.ErrNotFound("job")
	}

	switch initTask.State {
	case model.TaskStatePending, model.TaskStateStarted:
		return &Result{State: StatePending}, nil
	case model.TaskStateRevoked:
		return &Result{State: StateRevoked}, nil
	case model.TaskStateFailure:
		return &Result{State: StateFailed, Result: initTask.Error}, nil
	}

	job, err := a.store.GetJob(jobID)
	if err != nil {
		return nil, apperrors.ErrNotFound("job")
	}
	if job.WrapupTaskID == "" {
		// init reported SUCCESS but the shard graph hasn't been committed
		// yet (a vanishingly narrow window between the two writes).
		return &Result{State: StatePending}, nil
	}

	wrapupTask, err := a.store.GetTask(job.WrapupTaskID)
	if err != nil {
		return &Result{State: StatePending}, nil
	}

	switch wrapupTask.State {
	case model.TaskStatePending, model.TaskStateStarted:
		return &Result{State: StatePending}, nil
	case model.TaskStateRevoked:
		return &Result{State: StateRevoked}, nil
	case model.TaskStateFailure:
		return &Result{State: StateFailed, Result: wrapupTask.Error}, nil
	case model.TaskStateSuccess:
		return &Result{State: StateSuccessful, Result: wrapupTask.Result}, nil
	}
	return &Result{State: StatePending}, nil
}

// PartialResult recomputes the aggregate on the fly from individual shard
// rows, used when wrapup is still pending but some review shards have
// already completed. Successful shards contribute their violations/errors;
// incomplete shards contribute nothing. Returns nil if init itself hasn't
// succeeded yet.
func (a *Aggregator) PartialResult(jobID string) (*wrapup.Processed, error) {
	initTask, err := a.store.GetTask(jobID)
	if err != nil {
		return nil, apperrors.ErrNotFound("job")
	}
	if initTask.State != model.TaskStateSuccess {
		return nil, nil
	}

	shards, err := a.store.ListTasksByJob(jobID, model.TaskKindReview)
	if err != nil {
		return nil, apperrors.ErrInternal("failed to list review shards", err)
	}

	var allResults [][]reviewworker.Result
	for _, shard := range shards {
		if shard.State != model.TaskStateSuccess || shard.Result == "" {
			continue
		}
		var results []reviewworker.Result
		if err := json.Unmarshal([]byte(shard.Result), &results); err != nil {
			return nil, apperrors.ErrInternal("failed to decode shard result", err)
		}
		allResults = append(allResults, results)
	}

	return wrapup.Process(allResults)
}
