package reviewworker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkreview/arkreview/internal/planner"
)

func TestViolation_RoundTripsUnknownFields(t *testing.T) {
	input := `{"file":"a.go","line":3,"rule":"no-panics","message":"boom","confidence":"high"}`

	var v Violation
	require.NoError(t, json.Unmarshal([]byte(input), &v))
	assert.Equal(t, "high", v.Extra["confidence"])

	out, err := json.Marshal(v)
	require.NoError(t, err)

	var roundTripped map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &roundTripped))
	assert.Equal(t, "high", roundTripped["confidence"])
	assert.Equal(t, "a.go", roundTripped["file"])
}

func TestGetRange_PartitionsWithoutResidue(t *testing.T) {
	start, end, err := GetRange(10, 1, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, start)
	assert.Equal(t, 4, end)
}

func TestGetRange_DistributesResidueToFirstShards(t *testing.T) {
	// 7 tasks over 3 shards: 3,2,2
	s0, e0, err := GetRange(7, 0, 3)
	require.NoError(t, err)
	s1, e1, err := GetRange(7, 1, 3)
	require.NoError(t, err)
	s2, e2, err := GetRange(7, 2, 3)
	require.NoError(t, err)

	assert.Equal(t, [2]int{0, 3}, [2]int{s0, e0})
	assert.Equal(t, [2]int{3, 5}, [2]int{s1, e1})
	assert.Equal(t, [2]int{5, 7}, [2]int{s2, e2})
}

func TestGetRange_PartitionsFullRange(t *testing.T) {
	for _, tc := range []struct{ n, k int }{{0, 1}, {1, 1}, {5, 5}, {11, 4}, {100, 7}} {
		covered := make([]bool, tc.n)
		for idx := 0; idx < tc.k; idx++ {
			start, end, err := GetRange(tc.n, idx, tc.k)
			require.NoError(t, err)
			for i := start; i < end; i++ {
				require.False(t, covered[i], "index %d covered twice (n=%d k=%d)", i, tc.n, tc.k)
				covered[i] = true
			}
		}
		for i, c := range covered {
			assert.True(t, c, "index %d never covered (n=%d k=%d)", i, tc.n, tc.k)
		}
	}
}

func TestGetRange_InvalidIndexOrGroupSize(t *testing.T) {
	_, _, err := GetRange(10, 0, 0)
	assert.Error(t, err)

	_, _, err = GetRange(10, 5, 5)
	assert.Error(t, err)

	_, _, err = GetRange(10, -1, 5)
	assert.Error(t, err)
}

func fakeDevagentScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "devagent.sh")
	script := "#!/bin/sh\n" + body
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestReviewPatch_ParsesViolationsAndSetsCanonicalRule(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	script := fakeDevagentScript(t, `echo '{"violations":[{"file":"dir1/file1","line":1,"rule":"hallucinated","message":"m"}]}'`)
	w := New(script, "https://example.test/rules")

	task := planner.Task{
		Project:     "org/project1",
		ProjectRoot: t.TempDir(),
		PatchPath:   "/tmp/patch_abc",
		ContextPath: "/tmp/context_abc",
		RulePath:    "/rules/REVIEW_RULES/rule1.md",
		RuleName:    "rule1",
		RuleDirs:    []string{"org/project1/dir1"},
	}

	res, err := w.ReviewPatch(context.Background(), task)
	require.NoError(t, err)
	require.NotNil(t, res.Result)
	require.Len(t, res.Result.Violations, 1)
	assert.Equal(t, "rule1", res.Result.Violations[0].Rule)
	assert.Equal(t, "https://example.test/rules/rule1.md", res.Result.Violations[0].RuleURL)
}

func TestReviewPatch_StderrErrorSubstringProducesError(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	script := fakeDevagentScript(t, `echo "Error: tool exploded" 1>&2; exit 1`)
	w := New(script, "")

	task := planner.Task{
		Project:   "org/project1",
		PatchPath: "/tmp/patch_xyz",
		RulePath:  "/rules/rule1.md",
		RuleName:  "rule1",
	}
	task.ProjectRoot = t.TempDir()

	res, err := w.ReviewPatch(context.Background(), task)
	require.NoError(t, err)
	require.NotNil(t, res.Error)
	assert.Equal(t, "rule1", res.Error.Rule)
	assert.Contains(t, res.Error.Message, "Error")
}

func TestReviewPatch_EmptyStdoutIsMalformed(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	script := fakeDevagentScript(t, `true`)
	w := New(script, "")

	task := planner.Task{Project: "org/project1", RuleName: "rule1", ProjectRoot: t.TempDir()}
	_, err := w.ReviewPatch(context.Background(), task)
	assert.Error(t, err)
}

func TestFilterViolations_DropsViolationsOutsideRuleLocality(t *testing.T) {
	task := planner.Task{
		Project:  "org/project1",
		RulePath: "/rules/rule1.md",
		RuleDirs: []string{"org/project1/dir1"},
	}
	res := &Result{Result: &Review{Violations: []Violation{
		{Rule: "rule1", File: "dir1/a.cpp"},
		{Rule: "rule1", File: "dir2/b.cpp"},
	}}}

	filtered := FilterViolations(res, task)
	require.Len(t, filtered.Result.Violations, 1)
	assert.Equal(t, "dir1/a.cpp", filtered.Result.Violations[0].File)
}

func TestFilterViolations_SkipWins(t *testing.T) {
	task := planner.Task{
		Project:  "org/project1",
		RulePath: "/rules/rule1.md",
		RuleDirs: []string{"org/project1/dir1"},
		RuleSkip: []string{"org/project1/dir1/skip"},
	}
	res := &Result{Result: &Review{Violations: []Violation{
		{Rule: "rule1", File: "dir1/skip/a.cpp"},
	}}}

	filtered := FilterViolations(res, task)
	assert.Empty(t, filtered.Result.Violations)
}

func TestFilterViolations_SkipBoundaryIsPathSegment(t *testing.T) {
	task := planner.Task{
		Project:  "p2",
		RulePath: "/rules/rule3.md",
		RuleDirs: []string{"p2/dir3"},
		RuleSkip: []string{"p2/dir3/dir"},
	}
	res := &Result{Result: &Review{Violations: []Violation{
		{Rule: "rule3", File: "dir3/file1"},
		{Rule: "rule3", File: "dir3/dir/file"},
		{Rule: "rule3", File: "dir3/dir_file"},
	}}}

	filtered := FilterViolations(res, task)
	require.Len(t, filtered.Result.Violations, 2)
	assert.Equal(t, "dir3/file1", filtered.Result.Violations[0].File)
	assert.Equal(t, "dir3/dir_file", filtered.Result.Violations[1].File)
}

func TestFilterViolations_OncePolicyKeepsOnlyFirst(t *testing.T) {
	task := planner.Task{
		Project:  "org/project1",
		RulePath: "/rules/rule1.md",
		RuleDirs: []string{"org/project1/dir1"},
		RuleOnce: true,
	}
	res := &Result{Result: &Review{Violations: []Violation{
		{Rule: "rule1", File: "dir1/a.cpp"},
		{Rule: "rule1", File: "dir1/b.cpp"},
	}}}

	filtered := FilterViolations(res, task)
	require.Len(t, filtered.Result.Violations, 1)
	assert.Equal(t, "dir1/a.cpp", filtered.Result.Violations[0].File)
}

func TestFilterViolations_NilResultPassesThrough(t *testing.T) {
	res := &Result{Error: &ErrorResult{Rule: "rule1"}}
	assert.Same(t, res, FilterViolations(res, planner.Task{}))
}
