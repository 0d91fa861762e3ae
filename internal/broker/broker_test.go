package broker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkreview/arkreview/internal/model"
	"github.com/arkreview/arkreview/internal/store"
	"github.com/arkreview/arkreview/internal/store/storetest"
)

// fakePipeline lets tests control each stage's outcome without wiring the
// real worktree/planner/reviewworker/wrapup packages.
type fakePipeline struct {
	mu         sync.Mutex
	shardCount int
	initErr    error
	reviewErr  error
	wrapupErr  error
	reviewed   []int
	wrapupRan  bool
}

func (f *fakePipeline) RunInit(ctx context.Context, jobID string) (int, error) {
	if f.initErr != nil {
		return 0, f.initErr
	}
	return f.shardCount, nil
}

func (f *fakePipeline) RunReviewShard(ctx context.Context, jobID string, idx, total int) (string, error) {
	if f.reviewErr != nil {
		return "", f.reviewErr
	}
	f.mu.Lock()
	f.reviewed = append(f.reviewed, idx)
	f.mu.Unlock()
	return fmt.Sprintf(`{"idx":%d}`, idx), nil
}

func (f *fakePipeline) RunWrapup(ctx context.Context, jobID string) (string, error) {
	f.mu.Lock()
	f.wrapupRan = true
	f.mu.Unlock()
	if f.wrapupErr != nil {
		return "", f.wrapupErr
	}
	return `{"errors":{},"results":{}}`, nil
}

func waitForState(t *testing.T, s store.BrokerStore, taskID string, want model.TaskState) *model.Task {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, err := s.GetTask(taskID)
		require.NoError(t, err)
		if task.State == want {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach state %s in time", taskID, want)
	return nil
}

func TestBroker_HappyPath(t *testing.T) {
	s, cleanup := storetest.SetupTestDB(t)
	defer cleanup()

	pipeline := &fakePipeline{shardCount: 3}
	b := New(context.Background(), s.Broker(), pipeline, Config{MaxWorkers: 2})
	defer b.Stop()

	jobID := "job00000000000000001"
	require.NoError(t, b.Submit(jobID))

	waitForState(t, s.Broker(), jobID, model.TaskStateSuccess)

	job, err := s.Broker().GetJob(jobID)
	require.NoError(t, err)
	require.Len(t, job.ReviewTaskIDs, 3)

	waitForState(t, s.Broker(), job.WrapupTaskID, model.TaskStateSuccess)

	for _, shardID := range job.ReviewTaskIDs {
		waitForState(t, s.Broker(), shardID, model.TaskStateSuccess)
	}

	pipeline.mu.Lock()
	assert.True(t, pipeline.wrapupRan)
	assert.ElementsMatch(t, []int{0, 1, 2}, pipeline.reviewed)
	pipeline.mu.Unlock()
}

func TestBroker_ZeroShardsStillFiresWrapup(t *testing.T) {
	s, cleanup := storetest.SetupTestDB(t)
	defer cleanup()

	pipeline := &fakePipeline{shardCount: 0}
	b := New(context.Background(), s.Broker(), pipeline, Config{MaxWorkers: 2})
	defer b.Stop()

	jobID := "job00000000000000002"
	require.NoError(t, b.Submit(jobID))

	waitForState(t, s.Broker(), jobID, model.TaskStateSuccess)
	job, err := s.Broker().GetJob(jobID)
	require.NoError(t, err)
	require.Equal(t, 0, job.ShardCount)

	waitForState(t, s.Broker(), job.WrapupTaskID, model.TaskStateSuccess)

	pipeline.mu.Lock()
	assert.True(t, pipeline.wrapupRan)
	pipeline.mu.Unlock()
}

func TestBroker_InitFailureNeverSchedulesReview(t *testing.T) {
	s, cleanup := storetest.SetupTestDB(t)
	defer cleanup()

	pipeline := &fakePipeline{initErr: assert.AnError}
	b := New(context.Background(), s.Broker(), pipeline, Config{MaxWorkers: 2})
	defer b.Stop()

	jobID := "job00000000000000003"
	require.NoError(t, b.Submit(jobID))

	task := waitForState(t, s.Broker(), jobID, model.TaskStateFailure)
	assert.Contains(t, task.Error, assert.AnError.Error())

	job, err := s.Broker().GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, 0, job.ShardCount)
}

func TestBroker_RevokeMarksTaskTerminal(t *testing.T) {
	s, cleanup := storetest.SetupTestDB(t)
	defer cleanup()

	pipeline := &fakePipeline{shardCount: 1}
	b := New(context.Background(), s.Broker(), pipeline, Config{MaxWorkers: 1})
	defer b.Stop()

	jobID := "job00000000000000004"
	require.NoError(t, b.Submit(jobID))
	waitForState(t, s.Broker(), jobID, model.TaskStateSuccess)

	require.NoError(t, b.Revoke(jobID, true))
	task, err := b.GetTask(jobID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateRevoked, task.State)

	// Revoking an already-terminal task again is a no-op, not an error.
	require.NoError(t, b.Revoke(jobID, true))
}

func TestBroker_RevokeUnknownTaskIsNotFound(t *testing.T) {
	s, cleanup := storetest.SetupTestDB(t)
	defer cleanup()

	b := New(context.Background(), s.Broker(), &fakePipeline{}, Config{MaxWorkers: 1})
	defer b.Stop()

	err := b.Revoke("does-not-exist", true)
	assert.Error(t, err)
}
