// Package worktree manages the on-disk checkouts a review job operates
// over: one subdirectory per project, pinned to the diff's revision, plus
// a root scratch directory for combined patches.
package worktree

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/arkreview/arkreview/internal/git/workspace"
	apperrors "github.com/arkreview/arkreview/pkg/errors"
	"github.com/arkreview/arkreview/pkg/logger"
	"github.com/arkreview/arkreview/pkg/telemetry"
)

const (
	cloneRetryUnit = 5 * time.Second
	cloneMaxTries  = 5

	// patchesDirName is the worktree-relative scratch directory combined
	// patches are written under, one file per task.
	patchesDirName = ".patches.d"
)

// Options configures how a project is cloned into a worktree.
type Options struct {
	// BaseURL is the host to clone from, e.g. "https://github.com". The
	// project's "owner/repo" is appended to form the clone URL.
	BaseURL string
	// Token authenticates the fetch via workspace.CredentialHelper's
	// GIT_ASKPASS script.
	Token string
}

// Manager populates and tears down a job's root working directory.
type Manager struct {
	root string
	opts Options
}

// New creates a Manager rooted at root, which must already exist.
func New(root string, opts Options) (*Manager, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, apperrors.ErrInternal(fmt.Sprintf("worktree root %s does not exist", root), err)
	}
	return &Manager{root: root, opts: opts}, nil
}

// Root returns the job's working directory.
func (m *Manager) Root() string { return m.root }

// ProjectDir returns the local checkout path for a "owner/repo"-shaped
// project, creating its parent directories.
func (m *Manager) ProjectDir(project string) string {
	return filepath.Join(m.root, filepath.FromSlash(project))
}

// PatchesDir returns the worktree's scratch directory for combined
// per-task patch files, creating it if absent.
func (m *Manager) PatchesDir() (string, error) {
	dir := filepath.Join(m.root, patchesDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", apperrors.ErrInternal("failed to create patches directory", err)
	}
	return dir, nil
}

// EmitPatch writes content as a new temp file under the worktree's patches
// directory, named so it is traceable to its owning task.
func (m *Manager) EmitPatch(taskID, content string) (string, error) {
	dir, err := m.PatchesDir()
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, fmt.Sprintf("patch_%s_*", taskID))
	if err != nil {
		return "", apperrors.ErrInternal("failed to create patch file", err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return "", apperrors.ErrInternal("failed to write patch file", err)
	}
	return f.Name(), nil
}

// EmitContext writes a patch analyzer summary to a new temp file under the
// worktree's patches directory, the context_path companion to EmitPatch's
// patch_path.
func (m *Manager) EmitContext(taskID, content string) (string, error) {
	dir, err := m.PatchesDir()
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, fmt.Sprintf("context_%s_*", taskID))
	if err != nil {
		return "", apperrors.ErrInternal("failed to create context file", err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return "", apperrors.ErrInternal("failed to write context file", err)
	}
	return f.Name(), nil
}

// CloneProject materialises project at ref under its project
// subdirectory: init an empty repo, add a single origin remote, fetch
// exactly ref at depth 1, and check it out. The fetch is retried with
// linear backoff on transient failure.
func (m *Manager) CloneProject(ctx context.Context, project, ref string) error {
	dir := m.ProjectDir(project)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperrors.ErrInternal(fmt.Sprintf("failed to create project directory %s", dir), err)
	}

	url := fmt.Sprintf("%s/%s.git", strings.TrimSuffix(m.opts.BaseURL, "/"), project)
	if err := m.initRepo(ctx, dir, url); err != nil {
		return err
	}

	var fetchOpts *workspace.FetchOptions
	if m.opts.Token != "" {
		fetchOpts = &workspace.FetchOptions{Token: m.opts.Token}
	}

	operation := func() (struct{}, error) {
		// A crashed previous attempt can leave a stale index lock behind.
		if err := workspace.CleanupGitLock(dir); err != nil {
			return struct{}{}, err
		}
		if err := workspace.FetchRevision(ctx, dir, ref, fetchOpts); err != nil {
			logger.Warn("worktree fetch attempt failed",
				zap.String("project", project),
				zap.String("dir", dir),
				zap.String("ref", ref),
				zap.Error(err),
			)
			return struct{}{}, err
		}
		return struct{}{}, nil
	}

	start := time.Now()
	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(&linearBackOff{unit: cloneRetryUnit}),
		backoff.WithMaxTries(cloneMaxTries),
	)
	telemetry.GetMetrics().RecordWorktreeClone(ctx, m.opts.BaseURL, err == nil, time.Since(start).Seconds())
	if err != nil {
		return apperrors.ErrRemoteReject(fmt.Sprintf("failed to fetch %s@%s after retries", project, ref), err)
	}

	return workspace.CheckoutBranch(ctx, dir, "FETCH_HEAD")
}

// initRepo turns dir into an empty git repo with origin pointing at url.
// Idempotent so a retried job can reuse a half-populated directory.
func (m *Manager) initRepo(ctx context.Context, dir, url string) error {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		return nil
	}

	for _, args := range [][]string{
		{"init", "--quiet", dir},
		{"-C", dir, "remote", "add", "origin", url},
	} {
		cmd := exec.CommandContext(ctx, "git", args...)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return apperrors.ErrInternal(fmt.Sprintf("git %s failed in %s (stderr: %s)", args[0], dir, stderr.String()), err)
		}
	}
	return nil
}

// Clean destroys the entire job working directory. A worktree that is
// already gone is not an error.
func (m *Manager) Clean() error {
	if err := os.RemoveAll(m.root); err != nil {
		return apperrors.ErrInternal(fmt.Sprintf("failed to remove worktree %s", m.root), err)
	}
	return nil
}

// Reset runs git reset --hard and git clean -fd against a project
// checkout.
func (m *Manager) Reset(ctx context.Context, project string) error {
	return workspace.ResetAndClean(ctx, m.ProjectDir(project))
}

// linearBackOff matches diffprovider's backoff shape: attempt i waits
// i*unit before the next try.
type linearBackOff struct {
	unit    time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return time.Duration(b.attempt) * b.unit
}

func (b *linearBackOff) Reset() { b.attempt = 0 }
