package revoke

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkreview/arkreview/internal/broker"
	"github.com/arkreview/arkreview/internal/model"
	"github.com/arkreview/arkreview/internal/store/storetest"
)

// slowPipeline blocks review shards until ctx is cancelled or a fixed
// delay elapses, giving tests a window to revoke a running job.
type slowPipeline struct {
	shardCount int
	delay      time.Duration
}

func (p *slowPipeline) RunInit(ctx context.Context, jobID string) (int, error) {
	return p.shardCount, nil
}

func (p *slowPipeline) RunReviewShard(ctx context.Context, jobID string, idx, total int) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(p.delay):
		return `[]`, nil
	}
}

func (p *slowPipeline) RunWrapup(ctx context.Context, jobID string) (string, error) {
	return `{"errors":{},"results":{}}`, nil
}

func waitForState(t *testing.T, b *broker.Broker, taskID string, want model.TaskState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, err := b.GetTask(taskID)
		require.NoError(t, err)
		if task.State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach state %s in time", taskID, want)
}

func TestRevoke_CascadesThroughRunningJob(t *testing.T) {
	s, cleanup := storetest.SetupTestDB(t)
	defer cleanup()

	pipeline := &slowPipeline{shardCount: 2, delay: time.Hour}
	b := broker.New(context.Background(), s.Broker(), pipeline, broker.Config{MaxWorkers: 2})
	defer b.Stop()

	jobID := "job00000000000000010"
	require.NoError(t, b.Submit(jobID))
	waitForState(t, b, jobID, model.TaskStateSuccess)

	job, err := b.GetJob(jobID)
	require.NoError(t, err)
	require.Len(t, job.ReviewTaskIDs, 2)

	r := New(b)
	require.NoError(t, r.Revoke(jobID))

	for _, id := range job.ReviewTaskIDs {
		waitForState(t, b, id, model.TaskStateRevoked)
	}

	ok, err := AllTerminal(b, jobID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRevoke_JobWithNoShardGraphYet(t *testing.T) {
	s, cleanup := storetest.SetupTestDB(t)
	defer cleanup()

	pipeline := &slowPipeline{shardCount: 0, delay: 0}
	b := broker.New(context.Background(), s.Broker(), pipeline, broker.Config{MaxWorkers: 1})
	defer b.Stop()

	jobID := "job00000000000000011"
	require.NoError(t, b.Submit(jobID))

	r := New(b)
	require.NoError(t, r.Revoke(jobID))
}
