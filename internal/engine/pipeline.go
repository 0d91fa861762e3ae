// Package engine wires the domain components (diff providers, worktree,
// planner, review worker, wrapup) behind the broker's Pipeline interface,
// and exposes the single entry point an HTTP handler calls to submit a
// job.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/arkreview/arkreview/internal/config"
	"github.com/arkreview/arkreview/internal/diffprovider"
	"github.com/arkreview/arkreview/internal/model"
	"github.com/arkreview/arkreview/internal/planner"
	"github.com/arkreview/arkreview/internal/reviewworker"
	"github.com/arkreview/arkreview/internal/rules"
	"github.com/arkreview/arkreview/internal/store"
	"github.com/arkreview/arkreview/internal/taskinfo"
	"github.com/arkreview/arkreview/internal/worktree"
	"github.com/arkreview/arkreview/internal/wrapup"
	apperrors "github.com/arkreview/arkreview/pkg/errors"
	"github.com/arkreview/arkreview/pkg/telemetry"
)

// jobState is the per-job, in-process state held between RunInit and the
// later RunReviewShard/RunWrapup calls: a job's worktree handles and
// planned task list carry absolute filesystem paths that have no home in
// the task-info store's flat string schema.
type jobState struct {
	primary *worktree.Manager
	tasks   []planner.Task
	shards  int
}

// Pipeline implements broker.Pipeline over the concrete review stack.
type Pipeline struct {
	review config.ReviewConfig
	git    config.GitConfig

	diffs  *diffprovider.Registry
	store  store.Store
	info   *taskinfo.Store
	worker *reviewworker.Worker

	mu      sync.Mutex
	pending map[string][]string // jobID -> submitted PR URLs, consumed once by RunInit
	jobs    map[string]*jobState
}

// NewPipeline builds a Pipeline over its domain dependencies.
func NewPipeline(review config.ReviewConfig, git config.GitConfig, diffs *diffprovider.Registry, st store.Store, info *taskinfo.Store) *Pipeline {
	return &Pipeline{
		review:  review,
		git:     git,
		diffs:   diffs,
		store:   st,
		info:    info,
		worker:  reviewworker.New(review.DevagentPath, review.RuleBaseURL),
		pending: make(map[string][]string),
		jobs:    make(map[string]*jobState),
	}
}

// StashSubmission records the PR URLs a caller submitted under jobID,
// consumed once by the init stage's next RunInit call. Must be called
// before broker.Submit so the init goroutine can see it.
func (p *Pipeline) StashSubmission(jobID string, urls []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[jobID] = urls
}

func (p *Pipeline) takeSubmission(jobID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	urls := p.pending[jobID]
	delete(p.pending, jobID)
	return urls
}

// RunInit fetches each submitted PR's diff, populates the job's worktree,
// loads the rules manifest, and plans the concrete task list. The shard
// count it returns is min(MaxWorkers, len(tasks)), zero when there is
// nothing to review.
func (p *Pipeline) RunInit(ctx context.Context, jobID string) (shards int, err error) {
	ctx, span := telemetry.StartSpan(ctx, "pipeline.init", telemetry.WithJobAttributes(jobID, ""))
	defer func() {
		telemetry.SetSpanError(span, err)
		span.End()
	}()

	urls := p.takeSubmission(jobID)
	if len(urls) == 0 {
		return 0, apperrors.ErrInvalidInput("no PR URLs submitted for job")
	}

	diffs := make([]diffprovider.Diff, 0, len(urls))
	for _, u := range urls {
		d, err := p.diffs.GetDiff(ctx, u)
		if err != nil {
			return 0, err
		}
		diffs = append(diffs, *d)
	}

	root := filepath.Join(p.review.Workspace, jobID)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return 0, apperrors.ErrInternal(fmt.Sprintf("failed to create job workspace %s", root), err)
	}

	mgrs := make(map[string]*worktree.Manager)
	var primary *worktree.Manager
	mgrFor := func(domain string) (*worktree.Manager, error) {
		if m, ok := mgrs[domain]; ok {
			return m, nil
		}
		opts := worktree.Options{BaseURL: "https://" + domain}
		if remote := p.git.RemoteByDomain(domain); remote != nil {
			opts.Token = remote.Token
		}
		m, err := worktree.New(root, opts)
		if err != nil {
			return nil, err
		}
		mgrs[domain] = m
		if primary == nil {
			primary = m
		}
		return m, nil
	}

	for _, d := range diffs {
		mgr, err := mgrFor(d.Remote)
		if err != nil {
			return 0, err
		}
		// The checkout is pinned to the PR's base revision: the review tool
		// reads the patch file itself and resolves symbols against the
		// unpatched tree.
		if err := mgr.CloneProject(ctx, d.Project, d.Summary.BaseSHA); err != nil {
			return 0, err
		}
	}

	if p.review.RulesProject != "" {
		rulesMgr, err := mgrFor(p.review.RulesDomain)
		if err != nil {
			return 0, err
		}
		if err := rulesMgr.CloneProject(ctx, p.review.RulesProject, p.review.RulesRef); err != nil {
			return 0, err
		}
	}

	if primary == nil {
		return 0, apperrors.ErrInternal("job produced no worktree manager", nil)
	}

	var loadedRules []rules.Rule
	if p.review.RulesProject != "" {
		loaded, err := rules.Load(primary.ProjectDir(p.review.RulesProject))
		if err != nil {
			return 0, err
		}
		loadedRules = loaded
	}

	pl := planner.New(primary, loadedRules, p.review.RulesProject, p.review.DevagentRevision)
	tasks, fields, err := pl.Plan(ctx, jobID, diffs)
	if err != nil {
		return 0, err
	}

	if len(fields) > 0 {
		if err := p.info.Set(ctx, jobID, fields); err != nil {
			return 0, err
		}
	}

	shards = p.review.MaxWorkers
	if shards <= 0 || shards > len(tasks) {
		shards = len(tasks)
	}
	if len(tasks) == 0 {
		shards = 0
	}

	p.mu.Lock()
	p.jobs[jobID] = &jobState{primary: primary, tasks: tasks, shards: shards}
	p.mu.Unlock()

	return shards, nil
}

// RunReviewShard reviews the slice of tasks GetRange assigns to shard idx
// of total.
func (p *Pipeline) RunReviewShard(ctx context.Context, jobID string, idx, total int) (resultJSON string, err error) {
	ctx, span := telemetry.StartSpan(ctx, "pipeline.review",
		telemetry.WithJobAttributes(jobID, ""),
		telemetry.WithShardIndex(idx),
	)
	defer func() {
		telemetry.SetSpanError(span, err)
		span.End()
	}()

	p.mu.Lock()
	st := p.jobs[jobID]
	p.mu.Unlock()
	if st == nil {
		return "", apperrors.ErrInternal(fmt.Sprintf("no planned task list for job %s", jobID), nil)
	}

	results, err := p.worker.Shard(ctx, st.tasks, idx, total)
	if err != nil {
		return "", err
	}

	encoded, err := json.Marshal(results)
	if err != nil {
		return "", apperrors.ErrInternal("failed to encode shard result", err)
	}
	return string(encoded), nil
}

// RunWrapup reads every review shard's persisted result back from the
// broker store, classifies and persists errors, tears down the job's
// worktree, and returns the JSON-encoded summary.
func (p *Pipeline) RunWrapup(ctx context.Context, jobID string) (resultJSON string, err error) {
	ctx, span := telemetry.StartSpan(ctx, "pipeline.wrapup", telemetry.WithJobAttributes(jobID, ""))
	defer func() {
		telemetry.SetSpanError(span, err)
		span.End()
	}()

	shardTasks, err := p.store.Broker().ListTasksByJob(jobID, model.TaskKindReview)
	if err != nil {
		return "", apperrors.ErrInternal("failed to list review shards", err)
	}

	allResults, err := decodeShardResults(shardTasks)
	if err != nil {
		return "", err
	}

	processed, err := wrapup.Process(allResults)
	if err != nil {
		return "", err
	}

	ruleCounts := make(map[string]int64)
	for _, violations := range processed.Results {
		for _, v := range violations {
			ruleCounts[v.Rule]++
		}
	}
	for rule, count := range ruleCounts {
		telemetry.GetMetrics().RecordViolations(ctx, rule, count)
	}

	persister := wrapup.NewPersister(p.store, p.info)
	if err := persister.PersistErrors(ctx, jobID, processed); err != nil {
		return "", err
	}

	p.mu.Lock()
	st := p.jobs[jobID]
	delete(p.jobs, jobID)
	p.mu.Unlock()

	if st != nil && st.primary != nil {
		if err := persister.CleanWorktree(st.primary); err != nil {
			return "", err
		}
	}

	encoded, err := json.Marshal(processed)
	if err != nil {
		return "", apperrors.ErrInternal("failed to encode wrapup result", err)
	}
	return string(encoded), nil
}

func decodeShardResults(shardTasks []*model.Task) ([][]reviewworker.Result, error) {
	var allResults [][]reviewworker.Result
	for _, shard := range shardTasks {
		if shard.State != model.TaskStateSuccess || shard.Result == "" {
			continue
		}
		var results []reviewworker.Result
		if err := json.Unmarshal([]byte(shard.Result), &results); err != nil {
			return nil, apperrors.ErrInternal(fmt.Sprintf("failed to decode shard %s result", shard.ID), err)
		}
		allResults = append(allResults, results)
	}
	return allResults, nil
}
