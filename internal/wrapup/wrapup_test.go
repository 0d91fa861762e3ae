package wrapup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/arkreview/arkreview/internal/model"
	"github.com/arkreview/arkreview/internal/reviewworker"
	"github.com/arkreview/arkreview/internal/store"
	"github.com/arkreview/arkreview/internal/taskinfo"
)

func TestProcess_GroupsByProjectAndClassifies(t *testing.T) {
	shards := [][]reviewworker.Result{
		{
			{Project: "org/p1", Error: &reviewworker.ErrorResult{Rule: "rule1", Message: "boom"}},
			{Project: "org/p1", Result: &reviewworker.Review{Violations: []reviewworker.Violation{{Rule: "rule2"}}}},
		},
		{
			{Project: "org/p2", Result: &reviewworker.Review{Violations: []reviewworker.Violation{{Rule: "rule3"}}}},
		},
	}

	processed, err := Process(shards)
	require.NoError(t, err)
	require.Len(t, processed.Errors["org/p1"], 1)
	require.Len(t, processed.Results["org/p1"], 1)
	require.Len(t, processed.Results["org/p2"], 1)
}

func TestProcess_EmptyInput(t *testing.T) {
	processed, err := Process(nil)
	require.NoError(t, err)
	assert.Empty(t, processed.Errors)
	assert.Empty(t, processed.Results)
}

func TestProcess_ExclusivityViolationBothSet(t *testing.T) {
	shards := [][]reviewworker.Result{
		{{Project: "org/p1", Error: &reviewworker.ErrorResult{}, Result: &reviewworker.Review{}}},
	}
	_, err := Process(shards)
	assert.Error(t, err)
}

func TestProcess_ExclusivityViolationNeitherSet(t *testing.T) {
	shards := [][]reviewworker.Result{
		{{Project: "org/p1"}},
	}
	_, err := Process(shards)
	assert.Error(t, err)
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(model.AllModels()...))
	return store.NewStore(db)
}

func newTestTaskInfo(t *testing.T) *taskinfo.Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return taskinfo.New(client, time.Hour)
}

func TestPersistErrors_NoErrorsIsNoop(t *testing.T) {
	p := NewPersister(newTestStore(t), newTestTaskInfo(t))
	err := p.PersistErrors(context.Background(), "task-1", &Processed{})
	require.NoError(t, err)
}

func TestPersistErrors_MissingTaskInfo(t *testing.T) {
	p := NewPersister(newTestStore(t), newTestTaskInfo(t))
	processed := &Processed{Errors: map[string][]reviewworker.ErrorResult{
		"org/p1": {{Rule: "rule1", Message: "boom"}},
	}}
	err := p.PersistErrors(context.Background(), "missing-task", processed)
	assert.Error(t, err)
}

func TestPersistErrors_WritesPatchAndError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	info := newTestTaskInfo(t)

	require.NoError(t, info.Set(ctx, "task-2", map[string]string{
		"rules_revision":          "rr1",
		"devagent_revision":       "dr1",
		"rev_org/p1":              "proj-rev",
		"rule1":                   "patch_abc",
		"patch_content_patch_abc": "diff text",
		"patch_context_patch_abc": "context text",
	}))

	p := NewPersister(s, info)
	processed := &Processed{Errors: map[string][]reviewworker.ErrorResult{
		"org/p1": {{Patch: "patch_abc", Rule: "rule1", Message: "boom"}},
	}}

	require.NoError(t, p.PersistErrors(ctx, "task-2", processed))

	var errs []model.PersistedError
	require.NoError(t, s.DB().Find(&errs).Error)
	require.Len(t, errs, 1)
	assert.Equal(t, "org/p1", errs[0].Project)
	assert.Equal(t, "rule1", errs[0].Rule)
	assert.Equal(t, "proj-rev", errs[0].ProjectRev)

	var patches []model.PersistedPatch
	require.NoError(t, s.DB().Find(&patches).Error)
	require.Len(t, patches, 1)
	assert.Equal(t, "patch_abc", patches[0].Name)
	assert.Equal(t, "diff text", patches[0].Content)
}
