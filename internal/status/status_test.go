package status

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkreview/arkreview/internal/model"
	"github.com/arkreview/arkreview/internal/store"
	"github.com/arkreview/arkreview/internal/store/storetest"
)

func seedJob(t *testing.T, s store.Store, jobID string, initState model.TaskState) {
	t.Helper()
	require.NoError(t, s.Broker().CreateJob(&model.Job{ID: jobID, ExpiresAt: time.Now().Add(time.Hour)}))
	require.NoError(t, s.Broker().CreateTask(&model.Task{ID: jobID, JobID: jobID, Kind: model.TaskKindInit, ShardIndex: -1, State: initState}))
}

func TestStatus_InitPending(t *testing.T) {
	s, cleanup := storetest.SetupTestDB(t)
	defer cleanup()
	seedJob(t, s, "j1", model.TaskStatePending)

	agg := New(s.Broker())
	res, err := agg.Status("j1")
	require.NoError(t, err)
	assert.Equal(t, StatePending, res.State)
}

func TestStatus_InitFailed(t *testing.T) {
	s, cleanup := storetest.SetupTestDB(t)
	defer cleanup()
	seedJob(t, s, "j2", model.TaskStateFailure)
	require.NoError(t, s.Broker().UpdateTaskState("j2", model.TaskStateFailure, "", "boom"))

	agg := New(s.Broker())
	res, err := agg.Status("j2")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, "boom", res.Result)
}

func TestStatus_InitRevoked(t *testing.T) {
	s, cleanup := storetest.SetupTestDB(t)
	defer cleanup()
	seedJob(t, s, "j3", model.TaskStateRevoked)

	agg := New(s.Broker())
	res, err := agg.Status("j3")
	require.NoError(t, err)
	assert.Equal(t, StateRevoked, res.State)
}

func TestStatus_WrapupNotReady(t *testing.T) {
	s, cleanup := storetest.SetupTestDB(t)
	defer cleanup()
	seedJob(t, s, "j4", model.TaskStateSuccess)
	require.NoError(t, s.Broker().CreateTask(&model.Task{ID: "w4", JobID: "j4", Kind: model.TaskKindWrapup, ShardIndex: -1, State: model.TaskStatePending}))
	require.NoError(t, s.Broker().SetJobShards("j4", []string{"r4"}, "w4", 1))

	agg := New(s.Broker())
	res, err := agg.Status("j4")
	require.NoError(t, err)
	assert.Equal(t, StatePending, res.State)
}

func TestStatus_WrapupSuccess(t *testing.T) {
	s, cleanup := storetest.SetupTestDB(t)
	defer cleanup()
	seedJob(t, s, "j5", model.TaskStateSuccess)
	require.NoError(t, s.Broker().CreateTask(&model.Task{ID: "w5", JobID: "j5", Kind: model.TaskKindWrapup, ShardIndex: -1, State: model.TaskStateSuccess, Result: `{"errors":{},"results":{}}`}))
	require.NoError(t, s.Broker().SetJobShards("j5", nil, "w5", 0))

	agg := New(s.Broker())
	res, err := agg.Status("j5")
	require.NoError(t, err)
	assert.Equal(t, StateSuccessful, res.State)
	assert.JSONEq(t, `{"errors":{},"results":{}}`, res.Result)
}

func TestStatus_UnknownJob(t *testing.T) {
	s, cleanup := storetest.SetupTestDB(t)
	defer cleanup()

	agg := New(s.Broker())
	_, err := agg.Status("nope")
	assert.Error(t, err)
}

func TestStatus_PartialResultAggregatesSuccessfulShards(t *testing.T) {
	s, cleanup := storetest.SetupTestDB(t)
	defer cleanup()
	seedJob(t, s, "j6", model.TaskStateSuccess)
	require.NoError(t, s.Broker().CreateTask(&model.Task{
		ID: "r6a", JobID: "j6", Kind: model.TaskKindReview, ShardIndex: 0, State: model.TaskStateSuccess,
		Result: `[{"project":"p1","result":{"violations":[{"file":"a","line":1,"rule":"r1","message":"m"}]}}]`,
	}))
	require.NoError(t, s.Broker().CreateTask(&model.Task{
		ID: "r6b", JobID: "j6", Kind: model.TaskKindReview, ShardIndex: 1, State: model.TaskStatePending,
	}))
	require.NoError(t, s.Broker().CreateTask(&model.Task{ID: "w6", JobID: "j6", Kind: model.TaskKindWrapup, ShardIndex: -1, State: model.TaskStatePending}))
	require.NoError(t, s.Broker().SetJobShards("j6", []string{"r6a", "r6b"}, "w6", 2))

	agg := New(s.Broker())
	partial, err := agg.PartialResult("j6")
	require.NoError(t, err)
	require.NotNil(t, partial)
	assert.Len(t, partial.Results["p1"], 1)
}
