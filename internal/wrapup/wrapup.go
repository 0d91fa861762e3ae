// Package wrapup implements the wrapup stage: flattening review shard
// results, classifying them into errors vs. alarms, persisting errors,
// and tearing down the job's worktree.
package wrapup

import (
	"context"
	"fmt"

	"github.com/arkreview/arkreview/internal/model"
	"github.com/arkreview/arkreview/internal/reviewworker"
	"github.com/arkreview/arkreview/internal/store"
	"github.com/arkreview/arkreview/internal/taskinfo"
	"github.com/arkreview/arkreview/internal/worktree"
	apperrors "github.com/arkreview/arkreview/pkg/errors"
)

// Processed groups a job's review outcomes by project.
type Processed struct {
	Errors  map[string][]reviewworker.ErrorResult `json:"errors"`
	Results map[string][]reviewworker.Violation   `json:"results"`
}

// Process flattens the per-shard results and groups them by project,
// asserting the error/result exclusivity invariant along the way.
func Process(shards [][]reviewworker.Result) (*Processed, error) {
	errors := make(map[string][]reviewworker.ErrorResult)
	results := make(map[string][]reviewworker.Violation)

	for _, shard := range shards {
		for _, res := range shard {
			hasError := res.Error != nil
			hasResult := res.Result != nil
			if hasError == hasResult {
				return nil, apperrors.ErrInternal(
					fmt.Sprintf("review result for project %s violates error/result exclusivity", res.Project), nil)
			}

			if hasError {
				errors[res.Project] = append(errors[res.Project], *res.Error)
				continue
			}
			results[res.Project] = append(results[res.Project], res.Result.Violations...)
		}
	}

	return &Processed{Errors: errors, Results: results}, nil
}

// Persister writes classified errors to the relational store and tears
// down the job's worktree.
type Persister struct {
	store store.Store
	info  *taskinfo.Store
}

// NewPersister builds a Persister over the job's relational store and
// TaskInfo bundle.
func NewPersister(s store.Store, info *taskinfo.Store) *Persister {
	return &Persister{store: s, info: info}
}

// PersistErrors inserts one PersistedError per classified error, first
// ensuring its patch row exists, all within one transaction. A no-op
// when there are no errors.
func (p *Persister) PersistErrors(ctx context.Context, taskID string, processed *Processed) error {
	if len(processed.Errors) == 0 {
		return nil
	}

	info, err := p.info.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if info == nil {
		return apperrors.ErrNotFound(fmt.Sprintf("task info for task %s", taskID))
	}

	rulesRev := info[taskinfo.FieldRulesRevision]
	devagentRev := info[taskinfo.FieldDevagentRevision]

	return p.store.Transaction(func(tx store.Store) error {
		for project, projectErrors := range processed.Errors {
			projectRev := info["rev_"+project]

			for _, e := range projectErrors {
				patchName, ok := info[e.Rule]
				if !ok || patchName == "" {
					return apperrors.ErrMalformed(fmt.Sprintf("no patch binding for rule %s in task info", e.Rule))
				}
				patchContent := info["patch_content_"+patchName]
				patchContext := info["patch_context_"+patchName]

				if err := tx.Patches().InsertIfNotExists(&model.PersistedPatch{
					Name:    patchName,
					Content: patchContent,
					Context: patchContext,
				}); err != nil {
					return apperrors.ErrInternal("failed to persist patch", err)
				}

				if err := tx.Errors().Create(&model.PersistedError{
					JobID:       taskID,
					RulesRev:    rulesRev,
					DevagentRev: devagentRev,
					Project:     project,
					ProjectRev:  projectRev,
					Patch:       patchName,
					Rule:        e.Rule,
					Message:     e.Message,
				}); err != nil {
					return apperrors.ErrInternal("failed to persist error", err)
				}
			}
		}
		return nil
	})
}

// CleanWorktree destroys wd's working directory regardless of the job's
// outcome. A worktree that is already gone is not an error.
func (p *Persister) CleanWorktree(wd *worktree.Manager) error {
	return wd.Clean()
}
