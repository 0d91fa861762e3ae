// Package revoke implements job cancellation: given a job id, revoke the
// init task and, if it already completed, every task reachable from its
// result, the wrapup task and every individual review shard.
// Idempotent: never fails because some subtask is already terminal.
package revoke

import (
	"github.com/arkreview/arkreview/internal/broker"
	"github.com/arkreview/arkreview/internal/model"
)

// Revoker cascades a revocation through a job's task graph via the
// broker.
type Revoker struct {
	broker *broker.Broker
}

// New builds a Revoker over broker b.
func New(b *broker.Broker) *Revoker {
	return &Revoker{broker: b}
}

// Revoke cancels jobID's init task and, if the job graph has already been
// committed (init succeeded), every review shard and the wrapup task too.
func (r *Revoker) Revoke(jobID string) error {
	if err := r.broker.Revoke(jobID, true); err != nil {
		return err
	}

	job, err := r.broker.GetJob(jobID)
	if err != nil {
		// Init hadn't reached SUCCESS yet (no shard graph was ever
		// committed) — revoking the init task above is sufficient.
		return nil
	}

	for _, shardID := range job.ReviewTaskIDs {
		if err := r.broker.Revoke(shardID, true); err != nil {
			return err
		}
	}
	if job.WrapupTaskID != "" {
		if err := r.broker.Revoke(job.WrapupTaskID, true); err != nil {
			return err
		}
	}
	return nil
}

// AllTerminal reports whether every task reachable from jobID is in a
// terminal state.
func AllTerminal(b *broker.Broker, jobID string) (bool, error) {
	init, err := b.GetTask(jobID)
	if err != nil {
		return false, err
	}
	if !terminal(init.State) {
		return false, nil
	}

	job, err := b.GetJob(jobID)
	if err != nil {
		return true, nil
	}
	for _, id := range job.ReviewTaskIDs {
		task, err := b.GetTask(id)
		if err != nil {
			return false, err
		}
		if !terminal(task.State) {
			return false, nil
		}
	}
	if job.WrapupTaskID != "" {
		task, err := b.GetTask(job.WrapupTaskID)
		if err != nil {
			return false, err
		}
		if !terminal(task.State) {
			return false, nil
		}
	}
	return true, nil
}

func terminal(s model.TaskState) bool {
	switch s {
	case model.TaskStateSuccess, model.TaskStateFailure, model.TaskStateRevoked:
		return true
	default:
		return false
	}
}
