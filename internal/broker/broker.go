// Package broker implements the durable task graph behind a job: one init
// task, N parallel review-shard tasks, and one wrapup task that fires when
// the review shards' completion counter reaches the shard count. Task
// state and results live in Job/Task rows so a client can poll any task id
// until the rows expire.
package broker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arkreview/arkreview/internal/model"
	"github.com/arkreview/arkreview/internal/store"
	"github.com/arkreview/arkreview/pkg/errors"
	"github.com/arkreview/arkreview/pkg/idgen"
	"github.com/arkreview/arkreview/pkg/logger"
	"github.com/arkreview/arkreview/pkg/telemetry"
)

// Pipeline is the set of stage bodies the broker schedules. It is supplied
// by internal/engine, which wires the concrete init/review/wrapup logic
// (worktree population, planner, review worker, wrapup persister) behind
// these three signatures — the broker itself knows nothing about diffs,
// rules, or patches, only how to sequence and persist stage outcomes.
type Pipeline interface {
	// RunInit executes the init stage for jobID and returns the number of
	// review shards it produced. Zero is valid and still fires wrapup.
	RunInit(ctx context.Context, jobID string) (shardCount int, err error)
	// RunReviewShard executes one review shard and returns its
	// JSON-encoded []reviewworker.Result.
	RunReviewShard(ctx context.Context, jobID string, idx, total int) (resultJSON string, err error)
	// RunWrapup executes the wrapup stage and returns its JSON-encoded
	// wrapup.Processed.
	RunWrapup(ctx context.Context, jobID string) (resultJSON string, err error)
}

// reviewJob is one queued review-shard invocation.
type reviewJob struct {
	jobID  string
	taskID string
	idx    int
	total  int
}

// Broker schedules and tracks one job's three-stage task graph.
type Broker struct {
	store    store.BrokerStore
	pipeline Pipeline
	ttl      time.Duration

	reviewCh chan reviewJob
	workerWg sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // taskID -> running stage's cancel func
}

// Config configures the broker's worker pool and TTL.
type Config struct {
	// MaxWorkers bounds concurrent review-shard execution. Default 12.
	MaxWorkers int
	// QueueSize bounds the backlog of review shards awaiting a free
	// worker before Submit starts returning Transient errors.
	QueueSize int
	// TTL is how long a completed job's rows survive before SweepExpired
	// removes them. Default 2h past completion.
	TTL time.Duration
}

// New builds a Broker and starts its review-shard worker pool.
func New(parent context.Context, s store.BrokerStore, pipeline Pipeline, cfg Config) *Broker {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 12
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.MaxWorkers * 8
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * time.Hour
	}

	ctx, cancel := context.WithCancel(parent)
	b := &Broker{
		store:    s,
		pipeline: pipeline,
		ttl:      cfg.TTL,
		reviewCh: make(chan reviewJob, cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
		cancels:  make(map[string]context.CancelFunc),
	}

	for i := 0; i < cfg.MaxWorkers; i++ {
		b.workerWg.Add(1)
		go b.reviewWorker(i)
	}
	return b
}

// Stop cancels every in-flight stage and waits for review workers to exit.
func (b *Broker) Stop() {
	b.cancel()
	b.workerWg.Wait()
}

// Submit creates the job's init task row and runs the init stage on its
// own goroutine, returning immediately. jobID doubles as the init task's
// id, so a job is identified by its init task id.
func (b *Broker) Submit(jobID string) error {
	now := time.Now()
	job := &model.Job{ID: jobID, ExpiresAt: now.Add(b.ttl)}
	if err := b.store.CreateJob(job); err != nil {
		return errors.ErrInternal("failed to create job", err)
	}
	initTask := &model.Task{ID: jobID, JobID: jobID, Kind: model.TaskKindInit, ShardIndex: -1, State: model.TaskStatePending}
	if err := b.store.CreateTask(initTask); err != nil {
		return errors.ErrInternal("failed to create init task", err)
	}

	go b.runInit(jobID)
	return nil
}

func (b *Broker) runInit(jobID string) {
	ctx := b.register(jobID)
	defer b.unregister(jobID)

	b.setState(jobID, model.TaskStateStarted, "", "")

	shardCount, err := b.pipeline.RunInit(ctx, jobID)
	if err != nil {
		logger.Error("init stage failed", zap.String("job_id", jobID), zap.Error(err))
		b.setState(jobID, model.TaskStateFailure, "", err.Error())
		b.recordTerminal(jobID, "FAILED")
		return
	}

	reviewIDs := make([]string, shardCount)
	for i := 0; i < shardCount; i++ {
		reviewIDs[i] = idgen.NewTaskID()
	}
	wrapupID := idgen.NewTaskID()

	for i, id := range reviewIDs {
		task := &model.Task{ID: id, JobID: jobID, Kind: model.TaskKindReview, ShardIndex: i, State: model.TaskStatePending}
		if err := b.store.CreateTask(task); err != nil {
			logger.Error("failed to create review task row", zap.String("job_id", jobID), zap.Error(err))
			b.setState(jobID, model.TaskStateFailure, "", err.Error())
			return
		}
	}
	wrapupTask := &model.Task{ID: wrapupID, JobID: jobID, Kind: model.TaskKindWrapup, ShardIndex: -1, State: model.TaskStatePending}
	if err := b.store.CreateTask(wrapupTask); err != nil {
		logger.Error("failed to create wrapup task row", zap.String("job_id", jobID), zap.Error(err))
		b.setState(jobID, model.TaskStateFailure, "", err.Error())
		return
	}
	if err := b.store.SetJobShards(jobID, reviewIDs, wrapupID, shardCount); err != nil {
		logger.Error("failed to record job shards", zap.String("job_id", jobID), zap.Error(err))
		b.setState(jobID, model.TaskStateFailure, "", err.Error())
		return
	}

	b.setState(jobID, model.TaskStateSuccess, "", "")

	// Zero tasks still fires wrapup immediately: the job's result is an
	// empty review.
	if shardCount == 0 {
		go b.runWrapup(jobID, wrapupID)
		return
	}

	for i, id := range reviewIDs {
		job := reviewJob{jobID: jobID, taskID: id, idx: i, total: shardCount}
		select {
		case b.reviewCh <- job:
		default:
			// Backpressure: the queue is saturated. Mark this shard (and
			// leave the rest for a retry layer above) as Transient-failed
			// rather than blocking the init goroutine indefinitely.
			logger.Warn("review queue saturated, failing shard", zap.String("job_id", jobID), zap.Int("idx", i))
			b.updateTask(id, model.TaskStateFailure, "", errors.ErrTransient("review worker pool saturated", nil).Error())
			b.completeShard(jobID, wrapupID, shardCount)
		}
	}
}

func (b *Broker) reviewWorker(_ int) {
	defer b.workerWg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case job, ok := <-b.reviewCh:
			if !ok {
				return
			}
			b.runReviewShard(job)
		}
	}
}

func (b *Broker) runReviewShard(rj reviewJob) {
	// The shard may have been revoked while it sat in the queue; a
	// terminal row must not be restarted.
	if task, err := b.store.GetTask(rj.taskID); err == nil && isTerminal(task.State) {
		job, jerr := b.store.GetJob(rj.jobID)
		if jerr != nil {
			logger.Error("failed to load job for revoked shard", zap.String("job_id", rj.jobID), zap.Error(jerr))
			return
		}
		b.completeShard(rj.jobID, job.WrapupTaskID, rj.total)
		return
	}

	ctx := b.register(rj.taskID)
	defer b.unregister(rj.taskID)

	b.updateTask(rj.taskID, model.TaskStateStarted, "", "")

	result, err := b.pipeline.RunReviewShard(ctx, rj.jobID, rj.idx, rj.total)
	if err != nil {
		logger.Error("review shard failed", zap.String("job_id", rj.jobID), zap.Int("idx", rj.idx), zap.Error(err))
		b.updateTask(rj.taskID, model.TaskStateFailure, "", err.Error())
	} else {
		b.updateTask(rj.taskID, model.TaskStateSuccess, result, "")
	}

	job, jerr := b.store.GetJob(rj.jobID)
	if jerr != nil {
		logger.Error("failed to load job after shard completion", zap.String("job_id", rj.jobID), zap.Error(jerr))
		return
	}
	b.completeShard(rj.jobID, job.WrapupTaskID, rj.total)
}

// completeShard increments the job's completed-shard counter and, when it
// reaches the shard count, fires the wrapup task.
func (b *Broker) completeShard(jobID, wrapupTaskID string, total int) {
	completed, _, err := b.store.IncrementCompletedShards(jobID)
	if err != nil {
		logger.Error("failed to increment completed shards", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if completed >= total {
		go b.runWrapup(jobID, wrapupTaskID)
	}
}

func (b *Broker) runWrapup(jobID, wrapupTaskID string) {
	// Same restart guard as review shards: a revoked wrapup stays revoked.
	if task, err := b.store.GetTask(wrapupTaskID); err == nil && isTerminal(task.State) {
		return
	}

	ctx := b.register(wrapupTaskID)
	defer b.unregister(wrapupTaskID)

	b.updateTask(wrapupTaskID, model.TaskStateStarted, "", "")

	result, err := b.pipeline.RunWrapup(ctx, jobID)
	if err != nil {
		logger.Error("wrapup stage failed", zap.String("job_id", jobID), zap.Error(err))
		b.updateTask(wrapupTaskID, model.TaskStateFailure, "", err.Error())
		b.recordTerminal(jobID, "FAILED")
		return
	}
	b.updateTask(wrapupTaskID, model.TaskStateSuccess, result, "")
	b.recordTerminal(jobID, "SUCCESSFUL")
}

// recordTerminal emits the job-terminal metric with the job's submit-to-now
// duration.
func (b *Broker) recordTerminal(jobID, status string) {
	var seconds float64
	if job, err := b.store.GetJob(jobID); err == nil {
		seconds = time.Since(job.CreatedAt).Seconds()
	}
	telemetry.GetMetrics().RecordJobTerminal(context.Background(), status, seconds)
}

func (b *Broker) setState(taskID string, state model.TaskState, result, errMsg string) {
	b.updateTask(taskID, state, result, errMsg)
}

func (b *Broker) updateTask(taskID string, state model.TaskState, result, errMsg string) {
	if err := b.store.UpdateTaskState(taskID, state, result, errMsg); err != nil {
		logger.Error("failed to update task state", zap.String("task_id", taskID), zap.Error(err))
	}
}

// register creates a cancellable context for a running stage and records
// its cancel func so Revoke can terminate it.
func (b *Broker) register(taskID string) context.Context {
	ctx, cancel := context.WithCancel(b.ctx)
	b.mu.Lock()
	b.cancels[taskID] = cancel
	b.mu.Unlock()
	return ctx
}

func (b *Broker) unregister(taskID string) {
	b.mu.Lock()
	delete(b.cancels, taskID)
	b.mu.Unlock()
}

// Revoke marks taskID REVOKED and, if terminate is true and the stage is
// currently running, cancels its context. Idempotent: revoking an
// already-terminal task is a no-op on its state.
func (b *Broker) Revoke(taskID string, terminate bool) error {
	task, err := b.store.GetTask(taskID)
	if err != nil {
		return errors.ErrNotFound("task")
	}
	if isTerminal(task.State) {
		return nil
	}

	if terminate {
		b.mu.Lock()
		cancel, ok := b.cancels[taskID]
		b.mu.Unlock()
		if ok {
			cancel()
		}
	}

	if err := b.store.UpdateTaskState(taskID, model.TaskStateRevoked, "", ""); err != nil {
		return err
	}
	if task.Kind == model.TaskKindInit {
		b.recordTerminal(task.JobID, "REVOKED")
	}
	return nil
}

func isTerminal(s model.TaskState) bool {
	switch s {
	case model.TaskStateSuccess, model.TaskStateFailure, model.TaskStateRevoked:
		return true
	default:
		return false
	}
}

// GetTask exposes the broker's view of a single task row.
func (b *Broker) GetTask(taskID string) (*model.Task, error) {
	return b.store.GetTask(taskID)
}

// GetJob exposes the broker's view of a job's graph (review/wrapup task
// ids), used by internal/status and internal/revoke to walk the graph
// from the job id alone.
func (b *Broker) GetJob(jobID string) (*model.Job, error) {
	return b.store.GetJob(jobID)
}

// ListShards returns every review task row for a job, in shard-index
// order.
func (b *Broker) ListShards(jobID string) ([]*model.Task, error) {
	return b.store.ListTasksByJob(jobID, model.TaskKindReview)
}
