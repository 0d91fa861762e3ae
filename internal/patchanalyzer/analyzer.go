// Package patchanalyzer parses a unified diff into per-file records and
// derives a human-readable context summary from them.
//
// The analyzer is a pure function over its input: given the same patch text
// it always produces the same FileInfo list and the same summaries. It does
// not touch the filesystem; Classify is a plain function over a path string.
package patchanalyzer

import (
	"bufio"
	"fmt"
	"strings"
)

// FileState is the lifecycle state of one file within a patch.
type FileState string

const (
	StateModified FileState = "modified"
	StateAdded    FileState = "added"
	StateRemoved  FileState = "removed"
	StateRenamed  FileState = "renamed"
)

// FileType classifies a changed file into a project subsystem, inferred
// from its path.
type FileType string

const (
	TypeOther                 FileType = "other"
	TypeRuntime               FileType = "runtime"
	TypeRuntimeETSStdlib      FileType = "runtime ETS stdlib"
	TypeFrontEnd              FileType = "front-end"
	TypeFrontEndParser        FileType = "front-end parser"
	TypeFrontEndChecker       FileType = "front-end checker"
	TypeFrontEndASTVerifier   FileType = "front-end AST verifier"
	TypeFrontEndCodeGenerator FileType = "front-end code generator"
	TypeTest                  FileType = "test"
	TypeUnitTest              FileType = "unit test"
	TypeFrontEndTest          FileType = "front-end test"
	TypeNegativeFrontEndTest  FileType = "negative front-end test"
	TypePositiveFrontEndTest  FileType = "positive front-end test"
	TypeCTSTest               FileType = "CTS test"
	TypeFunctionalTest        FileType = "functional test"
)

const devNull = "/dev/null"

// FileInfo is the parsed-and-enriched record for one file within a patch.
type FileInfo struct {
	OldName string
	NewName string

	AddedLines   int
	RemovedLines int

	AddedAssertions   int
	RemovedAssertions int
	ContextAssertions int

	AddedCTEChecks   int
	RemovedCTEChecks int
	ContextCTEChecks int

	State FileState
	Type  FileType
}

// AddsAssertions reports whether this file's patch adds more assertions
// than it removes.
func (fi FileInfo) AddsAssertions() bool { return fi.AddedAssertions > fi.RemovedAssertions }

// RemovesAssertions reports whether this file's patch removes more
// assertions than it adds.
func (fi FileInfo) RemovesAssertions() bool { return fi.RemovedAssertions > fi.AddedAssertions }

func containsAnyAssertion(line string) bool {
	return strings.Contains(line, "ES2PANDA_ASSERT(") ||
		strings.Contains(line, "arktest.assert") ||
		strings.Contains(line, "ASSERT(")
}

func containsCTECheck(line string) bool {
	return strings.Contains(line, "/* @@")
}

func isCppFile(path string) bool {
	return strings.HasSuffix(path, ".cpp") || strings.HasSuffix(path, ".h")
}

func isETSFile(path string) bool {
	return strings.HasSuffix(path, ".ets") || strings.HasSuffix(path, ".sts")
}

// Classify infers a FileType from a file's new-name path.
func Classify(path string) FileType {
	switch {
	case strings.Contains(path, "/test"):
		t := TypeTest
		switch {
		case isCppFile(path):
			t = TypeUnitTest
		case isETSFile(path):
			switch {
			case strings.Contains(path, "ets2panda/test/ast"):
				t = TypeNegativeFrontEndTest
			case strings.Contains(path, "ets2panda/test/runtime"):
				t = TypePositiveFrontEndTest
			case strings.Contains(path, "ets2panda/test"):
				t = TypeFrontEndTest
			case strings.Contains(path, "tests/ets-templates"):
				t = TypeCTSTest
			case strings.Contains(path, "ets_func_tests"):
				t = TypeFunctionalTest
			}
		}
		return t
	case strings.Contains(path, "ets2panda/"):
		t := TypeFrontEnd
		if isCppFile(path) {
			switch {
			case strings.Contains(path, "ets2panda/parser/"), strings.Contains(path, "ets2panda/ir/"):
				t = TypeFrontEndParser
			case strings.Contains(path, "ets2panda/checker/"):
				t = TypeFrontEndChecker
			case strings.Contains(path, "ets2panda/ast_verifier"):
				t = TypeFrontEndASTVerifier
			case strings.Contains(path, "ETSGen."), strings.Contains(path, "ETSemitter."):
				t = TypeFrontEndCodeGenerator
			}
		}
		return t
	case strings.Contains(path, "static_core/"):
		switch {
		case strings.Contains(path, "stdlib/"):
			return TypeRuntimeETSStdlib
		case isCppFile(path):
			return TypeRuntime
		}
	}
	return TypeOther
}

func inferState(fi *FileInfo) {
	if fi.OldName == devNull {
		fi.State = StateAdded
		return
	}
	if fi.NewName == devNull {
		fi.State = StateRemoved
		return
	}
	if fi.OldName != fi.NewName && fi.AddedLines == 0 && fi.RemovedLines == 0 {
		fi.State = StateRenamed
		return
	}
	fi.State = StateModified
}

// Report is the result of analyzing one patch: one FileInfo per file header
// encountered, in file order.
type Report struct {
	Files []FileInfo
}

// Analyze parses unified-diff text into a Report. Deterministic on its
// input.
func Analyze(patch string) (*Report, error) {
	report := &Report{}

	var cur *FileInfo
	commit := func() {
		if cur == nil {
			return
		}
		inferState(cur)
		cur.Type = Classify(cur.NewName)
		report.Files = append(report.Files, *cur)
		cur = nil
	}

	scanner := bufio.NewScanner(strings.NewReader(patch))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "--- "):
			commit()
			cur = &FileInfo{OldName: stripDiffPrefix(line[4:], "a/")}
		case strings.HasPrefix(line, "+++ "):
			if cur == nil {
				return nil, fmt.Errorf("patchanalyzer: +++ header without preceding --- header")
			}
			cur.NewName = stripDiffPrefix(line[4:], "b/")
		case strings.HasPrefix(line, "@@"):
			if cur == nil {
				return nil, fmt.Errorf("patchanalyzer: hunk header without a file header")
			}
		case strings.HasPrefix(line, "+"):
			if cur == nil {
				continue
			}
			cur.AddedLines++
			if containsAnyAssertion(line) {
				cur.AddedAssertions++
			}
			if containsCTECheck(line) {
				cur.AddedCTEChecks++
			}
		case strings.HasPrefix(line, "-"):
			if cur == nil {
				continue
			}
			cur.RemovedLines++
			if containsAnyAssertion(line) {
				cur.RemovedAssertions++
			}
			if containsCTECheck(line) {
				cur.RemovedCTEChecks++
			}
		case strings.HasPrefix(line, " "):
			if cur == nil {
				continue
			}
			if containsAnyAssertion(line) {
				cur.ContextAssertions++
			}
			if containsCTECheck(line) {
				cur.ContextCTEChecks++
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("patchanalyzer: scan failed: %w", err)
	}
	commit()

	return report, nil
}

func stripDiffPrefix(name, prefix string) string {
	if strings.HasPrefix(name, prefix) {
		return name[len(prefix):]
	}
	return name
}

func contribs(files []FileInfo, match func(FileType) bool) (added, removed int) {
	for _, fi := range files {
		if match(fi.Type) {
			added += fi.AddedLines
			removed += fi.RemovedLines
		}
	}
	return
}

func isFrontEndNonTest(t FileType) bool {
	return strings.Contains(string(t), "front-end") && !strings.Contains(string(t), "test")
}

func isRuntimeNonTest(t FileType) bool {
	return strings.Contains(string(t), "runtime") && !strings.Contains(string(t), "test")
}

// FrontEndSummary summarizes front-end contribution into a human-readable
// paragraph.
func (r *Report) FrontEndSummary() string {
	added, removed := contribs(r.Files, isFrontEndNonTest)
	if added+removed == 0 {
		return "This patch does not contribute to the front-end.\n\n"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "This patch contributes to the front-end main code base.\n\n")
	fmt.Fprintf(&b, "Overall, %d LoC are added, and %d LoC are removed.\n\n", added, removed)

	if a, rm := contribs(r.Files, func(t FileType) bool { return t == TypeFrontEndParser }); a+rm > 0 {
		fmt.Fprintf(&b, "In particular, %d LoC are added to the parser, %d LoC are removed from the parser.\n\n", a, rm)
	}
	if a, rm := contribs(r.Files, func(t FileType) bool { return t == TypeFrontEndChecker }); a+rm > 0 {
		fmt.Fprintf(&b, "In particular, %d LoC are added to the type checker, %d LoC are removed from the type checker.\n\n", a, rm)
	}
	if a, rm := contribs(r.Files, func(t FileType) bool { return t == TypeFrontEndASTVerifier }); a+rm > 0 {
		fmt.Fprintf(&b, "In particular, %d LoC are added to the AST verifier, %d LoC are removed from the AST verifier.\n\n", a, rm)
	}
	if a, rm := contribs(r.Files, func(t FileType) bool { return t == TypeFrontEndCodeGenerator }); a+rm > 0 {
		fmt.Fprintf(&b, "In particular, %d LoC are added to the code generator, %d LoC are removed from the code generator.\n\n", a, rm)
	}
	return b.String()
}

// RuntimeSummary summarizes runtime contribution.
func (r *Report) RuntimeSummary() string {
	added, removed := contribs(r.Files, isRuntimeNonTest)
	if added+removed == 0 {
		return "This patch does not contribute to the runtime.\n\n"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "This patch contributes to the runtime main code base.\n\n")
	fmt.Fprintf(&b, "Overall, %d LoC are added, and %d LoC are removed.\n\n", added, removed)

	if a, rm := contribs(r.Files, func(t FileType) bool { return t == TypeRuntimeETSStdlib }); a+rm > 0 {
		fmt.Fprintf(&b, "In particular, %d LoC are added to the ETS stdlib, %d LoC are removed from the ETS stdlib.\n\n", a, rm)
	}
	return b.String()
}

// TestSummary summarizes test contribution.
func (r *Report) TestSummary() string {
	var added, removed, modified int
	var numAdded, numRemoved, numModified, numWithoutAssertions int
	for _, fi := range r.Files {
		if !strings.Contains(string(fi.Type), "test") {
			continue
		}
		switch fi.State {
		case StateAdded:
			numAdded++
		case StateRemoved:
			numRemoved++
		case StateModified:
			numModified++
		}
		if fi.State == StateModified {
			modified++
		}
		added += fi.AddedLines
		removed += fi.RemovedLines

		if !strings.Contains(string(fi.Type), "positive") {
			continue
		}
		switch {
		case fi.State == StateAdded && fi.AddedAssertions == 0:
			numWithoutAssertions++
		case fi.State == StateRemoved && fi.RemovedAssertions > 0:
			numWithoutAssertions++
		case fi.State == StateModified && fi.RemovesAssertions():
			numWithoutAssertions++
		}
	}

	if numAdded+numRemoved+numModified == 0 {
		return "The patch does not contribute to the tests.\n\n"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "This patch contributes to the tests.\n\n")
	fmt.Fprintf(&b, "Overall, %d LoC are added to the tests, and %d LoC are removed from the tests.\n\n", added, removed)

	fmt.Fprintf(&b, "In particular, the patch ")
	if numAdded > 0 {
		fmt.Fprintf(&b, "adds %d tests", numAdded)
	} else {
		fmt.Fprintf(&b, "does not add tests")
	}
	fmt.Fprintf(&b, ", ")
	if numRemoved > 0 {
		fmt.Fprintf(&b, "removes %d tests", numRemoved)
	} else {
		fmt.Fprintf(&b, "does not remove tests")
	}
	fmt.Fprintf(&b, ", ")
	if numModified > 0 {
		fmt.Fprintf(&b, "modifies %d existing tests", numModified)
	} else {
		fmt.Fprintf(&b, "does not modify existing tests")
	}
	fmt.Fprintf(&b, ".\n\n")

	if numWithoutAssertions > 0 {
		fmt.Fprintf(&b, "The patch has %d positive tests which decrease assertion usage.\n\n", numWithoutAssertions)
	}

	return b.String()
}

// RawSummary returns one short line per file.
func (r *Report) RawSummary() []string {
	lines := make([]string, 0, len(r.Files))
	for _, fi := range r.Files {
		name := fi.NewName
		if fi.State == StateRemoved {
			name = fi.OldName
		}
		lines = append(lines, fmt.Sprintf(
			"%s: %s file (contributes to: %s), %d lines added, %d lines removed, %d assertions added, %d assertions removed, %d CTE checks added, %d CTE checks removed",
			name, fi.State, fi.Type, fi.AddedLines, fi.RemovedLines, fi.AddedAssertions, fi.RemovedAssertions, fi.AddedCTEChecks, fi.RemovedCTEChecks,
		))
	}
	return lines
}

// Context renders the combined human-readable summary persisted as
// patch_context_<name> in the task-info store. Wrapup only requests this
// summary; it never interprets it.
func (r *Report) Context() string {
	var b strings.Builder
	b.WriteString(r.FrontEndSummary())
	b.WriteString(r.RuntimeSummary())
	b.WriteString(r.TestSummary())
	return strings.TrimRight(b.String(), "\n") + "\n"
}
