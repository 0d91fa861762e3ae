// Package reviewworker implements the review stage: deterministic shard
// partitioning over the init stage's task list, external review-tool
// invocation, and violation filtering.
package reviewworker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/arkreview/arkreview/internal/planner"
	apperrors "github.com/arkreview/arkreview/pkg/errors"
	"github.com/arkreview/arkreview/pkg/logger"
	"github.com/arkreview/arkreview/pkg/telemetry"
)

// ErrorResult is a failed task invocation: the external tool reported an
// error instead of a violation list.
type ErrorResult struct {
	Patch   string `json:"patch"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// Violation is one finding from the external review tool. Fields the
// tool emits beyond this known set are kept in Extra rather than dropped:
// the wire contract is not closed, so a newer devagent build adding a
// field must round-trip it unchanged.
type Violation struct {
	File        string                 `json:"file"`
	Line        int                    `json:"line"`
	Severity    string                 `json:"severity,omitempty"`
	Rule        string                 `json:"rule"`
	RuleURL     string                 `json:"rule_url,omitempty"`
	Message     string                 `json:"message"`
	ChangeType  string                 `json:"change_type,omitempty"`
	CodeSnippet string                 `json:"code_snippet,omitempty"`
	Extra       map[string]interface{} `json:"-"`
}

// violationKnownFields names Violation's tagged JSON keys, used to split
// an incoming object between the typed fields and the Extra side-channel.
var violationKnownFields = map[string]bool{
	"file": true, "line": true, "severity": true, "rule": true,
	"rule_url": true, "message": true, "change_type": true, "code_snippet": true,
}

// MarshalJSON re-emits the typed fields alongside whatever Extra carried
// in, so an unrecognised field survives this process untouched.
func (v Violation) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(v.Extra)+8)
	for k, val := range v.Extra {
		out[k] = val
	}
	out["file"] = v.File
	out["line"] = v.Line
	if v.Severity != "" {
		out["severity"] = v.Severity
	}
	out["rule"] = v.Rule
	if v.RuleURL != "" {
		out["rule_url"] = v.RuleURL
	}
	out["message"] = v.Message
	if v.ChangeType != "" {
		out["change_type"] = v.ChangeType
	}
	if v.CodeSnippet != "" {
		out["code_snippet"] = v.CodeSnippet
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the known fields normally and stashes every other
// key in Extra.
func (v *Violation) UnmarshalJSON(data []byte) error {
	type known struct {
		File        string `json:"file"`
		Line        int    `json:"line"`
		Severity    string `json:"severity,omitempty"`
		Rule        string `json:"rule"`
		RuleURL     string `json:"rule_url,omitempty"`
		Message     string `json:"message"`
		ChangeType  string `json:"change_type,omitempty"`
		CodeSnippet string `json:"code_snippet,omitempty"`
	}
	var k known
	if err := json.Unmarshal(data, &k); err != nil {
		return err
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	extra := make(map[string]interface{})
	for key, val := range raw {
		if !violationKnownFields[key] {
			extra[key] = val
		}
	}

	v.File, v.Line, v.Severity, v.Rule = k.File, k.Line, k.Severity, k.Rule
	v.RuleURL, v.Message, v.ChangeType, v.CodeSnippet = k.RuleURL, k.Message, k.ChangeType, k.CodeSnippet
	if len(extra) > 0 {
		v.Extra = extra
	}
	return nil
}

// Review is the parsed, successful external tool output.
type Review struct {
	Violations []Violation `json:"violations"`
}

// Result is exactly one of Error or Review; wrapup asserts the
// exclusivity.
type Result struct {
	Project string       `json:"project"`
	Error   *ErrorResult `json:"error,omitempty"`
	Result  *Review      `json:"result,omitempty"`
}

// Worker runs devagent CLI invocations for the tasks assigned to its
// shard.
type Worker struct {
	devagentPath string
	ruleBaseURL  string
}

// New builds a Worker. devagentPath is the external review CLI's
// executable (resolved via exec.LookPath semantics if relative);
// ruleBaseURL is prefixed to a rule's basename to form violation.rule_url.
func New(devagentPath, ruleBaseURL string) *Worker {
	return &Worker{devagentPath: devagentPath, ruleBaseURL: strings.TrimSuffix(ruleBaseURL, "/")}
}

// GetRange computes shard idx's slice bounds: start/end partition [0, n)
// across k shards, with the first n%k shards taking one extra task.
func GetRange(n, idx, k int) (start, end int, err error) {
	if k <= 0 {
		return 0, 0, apperrors.ErrInvalidInput("invalid group size")
	}
	if idx < 0 || idx >= k {
		return 0, 0, apperrors.ErrInvalidInput("invalid group index")
	}

	per := n / k
	residue := n % k

	start = idx*per + min(idx, residue)
	end = start + per
	if idx < residue {
		end++
	}
	return start, end, nil
}

// Shard runs GetRange(len(tasks), idx, k) and reviews that slice.
func (w *Worker) Shard(ctx context.Context, tasks []planner.Task, idx, k int) ([]Result, error) {
	start, end, err := GetRange(len(tasks), idx, k)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, end-start)
	for _, task := range tasks[start:end] {
		res, err := w.ReviewPatch(ctx, task)
		if err != nil {
			return nil, err
		}
		results = append(results, *FilterViolations(res, task))
	}
	return results, nil
}

// ReviewPatch invokes the external review tool for one task and wraps
// its outcome in a Result.
func (w *Worker) ReviewPatch(ctx context.Context, task planner.Task) (*Result, error) {
	args := []string{"--context", task.ContextPath, "review", "--json", "--rule", task.RulePath, task.PatchPath}
	cmd := exec.CommandContext(ctx, w.devagentPath, args...)
	cmd.Dir = task.ProjectRoot

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Info("invoking external review tool",
		zap.String("project", task.Project),
		zap.String("rule", task.RuleName),
		zap.String("work_dir", task.ProjectRoot),
		zap.Strings("args", args),
	)

	runErr := cmd.Run()

	stderrStr := stderr.String()
	if len(stderrStr) > 0 && strings.Contains(stderrStr, "Error") {
		telemetry.GetMetrics().RecordDevagentInvocation(ctx, false)
		return &Result{
			Project: task.Project,
			Error: &ErrorResult{
				Patch:   filepath.Base(task.PatchPath),
				Rule:    task.RuleName,
				Message: stderrStr,
			},
		}, nil
	}

	if runErr != nil {
		telemetry.GetMetrics().RecordDevagentInvocation(ctx, false)
		return nil, apperrors.ErrInternal(fmt.Sprintf("devagent invocation failed for rule %s", task.RuleName), runErr)
	}

	stdoutStr := stdout.String()
	if len(stdoutStr) == 0 {
		return nil, apperrors.ErrMalformed(fmt.Sprintf("received empty stdout invoking devagent for rule %s (stderr: %s)", task.RuleName, stderrStr))
	}

	var review Review
	if err := json.Unmarshal([]byte(stdoutStr), &review); err != nil {
		return nil, apperrors.ErrMalformed(fmt.Sprintf("devagent stdout for rule %s is not valid JSON: %v", task.RuleName, err))
	}

	for i := range review.Violations {
		review.Violations[i].Rule = task.RuleName
		if w.ruleBaseURL != "" {
			review.Violations[i].RuleURL = fmt.Sprintf("%s/%s.md", w.ruleBaseURL, task.RuleName)
		}
	}

	telemetry.GetMetrics().RecordDevagentInvocation(ctx, true)
	return &Result{Project: task.Project, Result: &review}, nil
}

// FilterViolations drops violations outside the task's rule locality and
// enforces the once policy.
func FilterViolations(res *Result, task planner.Task) *Result {
	if res.Result == nil {
		return res
	}

	filtered := make([]Violation, 0, len(res.Result.Violations))
	for _, v := range res.Result.Violations {
		if isViolationValid(v, task) {
			filtered = append(filtered, v)
		}
	}

	if task.RuleOnce && len(filtered) > 1 {
		filtered = filtered[:1]
	}

	return &Result{
		Project: res.Project,
		Error:   res.Error,
		Result:  &Review{Violations: filtered},
	}
}

func isViolationValid(v Violation, task planner.Task) bool {
	if !strings.Contains(task.RulePath, v.Rule) {
		return false
	}

	alarmFile := path.Join(task.Project, v.File)

	for _, skip := range task.RuleSkip {
		if planner.IsSubpath(skip, alarmFile) {
			return false
		}
	}
	for _, dir := range task.RuleDirs {
		if planner.IsSubpath(dir, alarmFile) {
			return true
		}
	}
	return false
}
