// Package diffprovider fetches a normalised Diff for a PR/MR URL, keyed
// by the URL's domain.
package diffprovider

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	apperrors "github.com/arkreview/arkreview/pkg/errors"
)

// DiffSummary is the per-PR aggregate metadata.
type DiffSummary struct {
	TotalFiles   int    `json:"total_files"`
	AddedLines   int    `json:"added_lines"`
	RemovedLines int    `json:"removed_lines"`
	BaseSHA      string `json:"base_sha"`
	HeadSHA      string `json:"head_sha"`
}

// DiffFileEntry is one changed file within a Diff.
type DiffFileEntry struct {
	Path         string `json:"path"`
	Diff         string `json:"diff"`
	AddedLines   int    `json:"added_lines"`
	RemovedLines int    `json:"removed_lines"`
}

// Diff is the normalised, immutable representation of one PR's changes.
// Remote+Project identify where it came from; Project is "owner/repo"-
// shaped and doubles as the worktree subdirectory name.
type Diff struct {
	Remote  string          `json:"remote"`
	Project string          `json:"project"`
	Summary DiffSummary     `json:"summary"`
	Files   []DiffFileEntry `json:"files"`
}

// Provider fetches a Diff for a single PR/MR URL belonging to its domain.
type Provider interface {
	Domain() string
	GetDiff(ctx context.Context, rawURL string) (*Diff, error)
}

// Registry dispatches GetDiff by the URL's host.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry creates an empty domain registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under its own Domain().
func (r *Registry) Register(p Provider) {
	r.providers[p.Domain()] = p
}

// GetDiff resolves the URL's domain and delegates to the matching
// provider, or fails with InvalidURL-flavoured ErrInvalidInput when none
// is registered for that domain.
func (r *Registry) GetDiff(ctx context.Context, rawURL string) (*Diff, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, apperrors.ErrInvalidInput(fmt.Sprintf("invalid PR URL %q: %v", rawURL, err))
	}
	host := strings.ToLower(parsed.Host)
	provider, ok := r.providers[host]
	if !ok {
		return nil, apperrors.ErrInvalidInput(fmt.Sprintf("no diff provider registered for domain %q", host))
	}
	return provider.GetDiff(ctx, rawURL)
}

// Attempt i waits i*retryUnit before the next try, for up to maxAttempts.
const (
	retryUnit   = 5 * time.Second
	maxAttempts = 5
)

// linearBackOff implements backoff.BackOff with a wait that grows
// linearly in the number of attempts already made.
type linearBackOff struct {
	unit    time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return time.Duration(b.attempt) * b.unit
}

func (b *linearBackOff) Reset() { b.attempt = 0 }

// withRetry runs fn with bounded backoff: 5 tries, linear scaling of the
// 5-second unit. Exhaustion is surfaced as a RemoteReject error wrapping
// the last failure.
func withRetry(ctx context.Context, fn func() (*Diff, error)) (*Diff, error) {
	operation := func() (*Diff, error) {
		diff, err := fn()
		if err == nil {
			return diff, nil
		}
		if !apperrors.IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(&linearBackOff{unit: retryUnit}),
		backoff.WithMaxTries(maxAttempts),
	)
	if err != nil {
		// Retry unwraps Permanent errors before returning them, so a
		// non-retryable failure comes back as the original error.
		if appErr, ok := apperrors.AsAppError(err); ok && !apperrors.IsRetryable(appErr) {
			return nil, appErr
		}
		return nil, apperrors.ErrRemoteReject("diff fetch retries exhausted", err)
	}
	return result, nil
}
