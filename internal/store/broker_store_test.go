package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkreview/arkreview/internal/model"
)

func TestBrokerStore_CreateAndGetJob(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()

	job := &model.Job{ID: "job000000000000001a", ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, s.Broker().CreateJob(job))

	got, err := s.Broker().GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, 0, got.ShardCount)
}

func TestBrokerStore_GetJob_NotFound(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()

	_, err := s.Broker().GetJob("does-not-exist")
	assert.Error(t, err)
}

func TestBrokerStore_SetJobShards(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()

	job := &model.Job{ID: "job000000000000002a", ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, s.Broker().CreateJob(job))

	reviewIDs := []string{"task001", "task002", "task003"}
	require.NoError(t, s.Broker().SetJobShards(job.ID, reviewIDs, "wrapup001", 3))

	got, err := s.Broker().GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.ShardCount)
	assert.Equal(t, "wrapup001", got.WrapupTaskID)
	assert.Equal(t, model.StringArray(reviewIDs), got.ReviewTaskIDs)
}

func TestBrokerStore_CreateAndGetTask(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()

	job := &model.Job{ID: "job000000000000003a", ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, s.Broker().CreateJob(job))

	task := &model.Task{ID: "task01", JobID: job.ID, Kind: model.TaskKindReview, ShardIndex: 1}
	require.NoError(t, s.Broker().CreateTask(task))

	got, err := s.Broker().GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatePending, got.State)
	assert.Equal(t, 1, got.ShardIndex)
}

func TestBrokerStore_ListTasksByJob(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()

	job := &model.Job{ID: "job000000000000004a", ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, s.Broker().CreateJob(job))

	require.NoError(t, s.Broker().CreateTask(&model.Task{ID: "t-init", JobID: job.ID, Kind: model.TaskKindInit, ShardIndex: -1}))
	require.NoError(t, s.Broker().CreateTask(&model.Task{ID: "t-r0", JobID: job.ID, Kind: model.TaskKindReview, ShardIndex: 0}))
	require.NoError(t, s.Broker().CreateTask(&model.Task{ID: "t-r1", JobID: job.ID, Kind: model.TaskKindReview, ShardIndex: 1}))
	require.NoError(t, s.Broker().CreateTask(&model.Task{ID: "t-wrap", JobID: job.ID, Kind: model.TaskKindWrapup, ShardIndex: -1}))

	reviews, err := s.Broker().ListTasksByJob(job.ID, model.TaskKindReview)
	require.NoError(t, err)
	require.Len(t, reviews, 2)
	assert.Equal(t, 0, reviews[0].ShardIndex)
	assert.Equal(t, 1, reviews[1].ShardIndex)

	all, err := s.Broker().ListTasksByJob(job.ID, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestBrokerStore_UpdateTaskState(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()

	job := &model.Job{ID: "job000000000000005a", ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, s.Broker().CreateJob(job))
	task := &model.Task{ID: "t-upd", JobID: job.ID, Kind: model.TaskKindReview}
	require.NoError(t, s.Broker().CreateTask(task))

	require.NoError(t, s.Broker().UpdateTaskState(task.ID, model.TaskStateSuccess, `[]`, ""))

	got, err := s.Broker().GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateSuccess, got.State)
	assert.Equal(t, "[]", got.Result)
}

func TestBrokerStore_IncrementCompletedShards(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()

	job := &model.Job{ID: "job000000000000006a", ExpiresAt: time.Now().Add(time.Hour), ShardCount: 3}
	require.NoError(t, s.Broker().CreateJob(job))

	completed, total, err := s.Broker().IncrementCompletedShards(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, completed)
	assert.Equal(t, 3, total)

	completed, total, err = s.Broker().IncrementCompletedShards(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, completed)
	assert.Equal(t, 3, total)
}

func TestBrokerStore_IncrementCompletedShards_Concurrent(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()

	job := &model.Job{ID: "job000000000000007a", ExpiresAt: time.Now().Add(time.Hour), ShardCount: 10}
	require.NoError(t, s.Broker().CreateJob(job))

	const n = 10
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, _, err := s.Broker().IncrementCompletedShards(job.ID)
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}

	got, err := s.Broker().GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, n, got.CompletedShards, "every concurrent increment must be observed exactly once")
}

func TestBrokerStore_SweepExpired(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()

	expired := &model.Job{ID: "job-expired00000000a", ExpiresAt: time.Now().Add(-time.Hour)}
	fresh := &model.Job{ID: "job-fresh000000000a", ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, s.Broker().CreateJob(expired))
	require.NoError(t, s.Broker().CreateJob(fresh))
	require.NoError(t, s.Broker().CreateTask(&model.Task{ID: "t-exp", JobID: expired.ID, Kind: model.TaskKindInit}))

	count, err := s.Broker().SweepExpired(time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	_, err = s.Broker().GetJob(expired.ID)
	assert.Error(t, err, "expired job should have been deleted")

	_, err = s.Broker().GetJob(fresh.ID)
	assert.NoError(t, err, "fresh job should survive the sweep")

	tasks, err := s.Broker().ListTasksByJob(expired.ID, "")
	require.NoError(t, err)
	assert.Empty(t, tasks, "expired job's tasks should be deleted alongside it")
}

func TestBrokerStore_SweepExpired_NoneExpired(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()

	job := &model.Job{ID: "job-fresh100000000a", ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, s.Broker().CreateJob(job))

	count, err := s.Broker().SweepExpired(time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}
