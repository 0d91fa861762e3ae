// Package planner implements the init stage's rule/diff matching: for
// every changed file it finds the applicable rules, builds the
// deduplicated combined-diff patch and context files, and emits the
// concrete task list plus the task-info bundle consumed by review and
// wrapup.
package planner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/arkreview/arkreview/internal/diffprovider"
	"github.com/arkreview/arkreview/internal/git/workspace"
	"github.com/arkreview/arkreview/internal/patchanalyzer"
	"github.com/arkreview/arkreview/internal/rules"
	"github.com/arkreview/arkreview/internal/taskinfo"
	"github.com/arkreview/arkreview/internal/worktree"
	apperrors "github.com/arkreview/arkreview/pkg/errors"
)

// Task is one concrete external review invocation. Created once in the
// init stage, consumed exactly once by a review worker, never mutated.
type Task struct {
	ProjectRoot string
	Project     string
	PatchPath   string
	ContextPath string
	RulePath    string
	RuleName    string
	RuleDirs    []string
	RuleSkip    []string
	RuleOnce    bool
}

// Planner maps changed files to applicable rules and emits the
// deduplicated task list for one job.
type Planner struct {
	wd               *worktree.Manager
	rules            []rules.Rule
	rulesProject     string
	devagentRevision string
}

// New builds a Planner over wd's already-populated worktree. rulesProject
// is the rules manifest's own project identifier (used to resolve its
// revision for the TaskInfo bundle); devagentRevision is the external
// review tool's own version string.
func New(wd *worktree.Manager, loadedRules []rules.Rule, rulesProject, devagentRevision string) *Planner {
	return &Planner{wd: wd, rules: loadedRules, rulesProject: rulesProject, devagentRevision: devagentRevision}
}

// Plan emits the task list for diffs and the task-info bundle to persist
// alongside it.
func (p *Planner) Plan(ctx context.Context, jobID string, diffs []diffprovider.Diff) ([]Task, map[string]string, error) {
	patchByHash := make(map[string]string)    // sha256 hex -> patch path
	contextByPatch := make(map[string]string) // patch path -> context path

	fields := make(map[string]string)
	fields[taskinfo.FieldRulesRevision] = ""
	fields[taskinfo.FieldDevagentRevision] = p.devagentRevision
	if p.rulesProject != "" {
		rev, err := workspace.GetLocalHeadSHA(ctx, p.wd.ProjectDir(p.rulesProject))
		if err != nil {
			return nil, nil, apperrors.ErrInternal("failed to resolve rules project revision", err)
		}
		fields[taskinfo.FieldRulesRevision] = rev
	}

	var tasks []Task
	seenProjects := make(map[string]bool)

	for _, diff := range diffs {
		combined := combineDiff(diff)
		hash := hashContent(combined)

		patchPath, ok := patchByHash[hash]
		if !ok {
			emitted, err := p.wd.EmitPatch(jobID, combined)
			if err != nil {
				return nil, nil, err
			}
			patchPath = emitted
			patchByHash[hash] = patchPath
		}
		patchBase := filepath.Base(patchPath)
		fields["patch_content_"+patchBase] = combined

		contextPath, ok := contextByPatch[patchPath]
		if !ok {
			report, err := patchanalyzer.Analyze(combined)
			if err != nil {
				return nil, nil, apperrors.ErrMalformed(fmt.Sprintf("failed to analyze patch for %s: %v", diff.Project, err))
			}
			emitted, err := p.wd.EmitContext(jobID, report.Context())
			if err != nil {
				return nil, nil, err
			}
			contextPath = emitted
			contextByPatch[patchPath] = contextPath
			fields["patch_context_"+patchBase] = report.Context()
		}

		projectRoot := p.wd.ProjectDir(diff.Project)
		if _, err := os.Stat(projectRoot); err != nil {
			return nil, nil, apperrors.ErrInternal(fmt.Sprintf("project root %s does not exist", projectRoot), err)
		}

		if !seenProjects[diff.Project] {
			rev, err := workspace.GetLocalHeadSHA(ctx, projectRoot)
			if err != nil {
				return nil, nil, apperrors.ErrInternal(fmt.Sprintf("failed to resolve revision for %s", diff.Project), err)
			}
			fields["rev_"+diff.Project] = rev
			seenProjects[diff.Project] = true
		}

		for _, rule := range p.rules {
			if !applicable(rule, diff) {
				continue
			}

			ruleName := strings.TrimSuffix(filepath.Base(rule.Path), filepath.Ext(rule.Path))
			fields[ruleName] = patchBase

			tasks = append(tasks, Task{
				ProjectRoot: projectRoot,
				Project:     diff.Project,
				PatchPath:   patchPath,
				ContextPath: contextPath,
				RulePath:    rule.Path,
				RuleName:    ruleName,
				RuleDirs:    rule.Dirs,
				RuleSkip:    rule.Skip,
				RuleOnce:    rule.Once,
			})
		}
	}

	return tasks, fields, nil
}

// combineDiff is the per-diff patch text: the "\n\n"-join of the diff's
// per-file patch texts, in provider order.
func combineDiff(diff diffprovider.Diff) string {
	parts := make([]string, 0, len(diff.Files))
	for _, f := range diff.Files {
		parts = append(parts, f.Diff)
	}
	return strings.Join(parts, "\n\n")
}

func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// applicable reports whether rule applies to diff: at least one changed
// file, interpreted as "<project>/<file>", lies under one of rule.Dirs
// and under none of rule.Skip.
func applicable(rule rules.Rule, diff diffprovider.Diff) bool {
	for _, f := range diff.Files {
		full := normalizePath(path.Join(diff.Project, f.Path))

		inDir := false
		for _, dir := range rule.Dirs {
			if IsSubpath(dir, full) {
				inDir = true
				break
			}
		}
		if !inDir {
			continue
		}

		skipped := false
		for _, skip := range rule.Skip {
			if IsSubpath(skip, full) {
				skipped = true
				break
			}
		}
		if !skipped {
			return true
		}
	}
	return false
}

// IsSubpath reports whether child lies under parent: literal prefix on
// the path-segment boundary, using forward-slash POSIX semantics since
// diff paths are repo-relative regardless of host OS.
// Exported for reuse by internal/reviewworker's violation-locality filter.
func IsSubpath(parent, child string) bool {
	parent = path.Clean(normalizePath(parent))
	child = path.Clean(normalizePath(child))
	if parent == "." {
		return true
	}
	return child == parent || strings.HasPrefix(child, parent+"/")
}

// normalizePath applies Unicode NFC normalization so paths that reach this
// package pre-composed (most remotes) and decomposed (diffs touched on an
// HFS+ checkout) compare equal instead of silently missing a rule match.
func normalizePath(p string) string {
	return norm.NFC.String(p)
}
