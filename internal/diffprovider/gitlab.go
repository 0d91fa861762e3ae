package diffprovider

import (
	"context"
	"fmt"
	"strings"

	gitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/arkreview/arkreview/internal/git/prurl"
	apperrors "github.com/arkreview/arkreview/pkg/errors"
)

// GitLabProvider fetches diffs for gitlab.com merge requests.
type GitLabProvider struct {
	client *gitlab.Client
}

// NewGitLabProvider builds a provider against gitlab.com; token may be
// empty for anonymous access to public projects.
func NewGitLabProvider(token string) (*GitLabProvider, error) {
	client, err := gitlab.NewClient(token)
	if err != nil {
		return nil, apperrors.ErrInternal("failed to construct gitlab client", err)
	}
	return &GitLabProvider{client: client}, nil
}

func (p *GitLabProvider) Domain() string { return "gitlab.com" }

func (p *GitLabProvider) GetDiff(ctx context.Context, rawURL string) (*Diff, error) {
	projectPath, number, err := parseGitLabMRURL(rawURL)
	if err != nil {
		return nil, err
	}

	return withRetry(ctx, func() (*Diff, error) {
		mr, _, err := p.client.MergeRequests.GetMergeRequest(projectPath, int64(number), nil)
		if err != nil {
			return nil, apperrors.ErrTransient("failed to fetch merge request", err)
		}

		changes, _, err := p.client.MergeRequests.ListMergeRequestDiffs(projectPath, int64(number), nil)
		if err != nil {
			return nil, apperrors.ErrTransient("failed to fetch merge request changes", err)
		}

		var files []DiffFileEntry
		var addedTotal, removedTotal int
		for _, change := range changes {
			added, removed := countDiffLines(change.Diff)
			addedTotal += added
			removedTotal += removed
			files = append(files, DiffFileEntry{
				Path:         change.NewPath,
				Diff:         change.Diff,
				AddedLines:   added,
				RemovedLines: removed,
			})
		}

		return &Diff{
			Remote:  "gitlab.com",
			Project: projectPath,
			Summary: DiffSummary{
				TotalFiles:   len(files),
				AddedLines:   addedTotal,
				RemovedLines: removedTotal,
				BaseSHA:      mr.DiffRefs.BaseSha,
				HeadSHA:      mr.DiffRefs.HeadSha,
			},
			Files: files,
		}, nil
	})
}

func countDiffLines(diff string) (added, removed int) {
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
			continue
		case strings.HasPrefix(line, "+"):
			added++
		case strings.HasPrefix(line, "-"):
			removed++
		}
	}
	return
}

func parseGitLabMRURL(rawURL string) (projectPath string, number int, err error) {
	info, perr := prurl.Parse(rawURL)
	if perr != nil || info.Provider != "gitlab" {
		return "", 0, apperrors.ErrInvalidInput(fmt.Sprintf("url %q is not a gitlab merge request url", rawURL))
	}
	return info.Project(), info.Number, nil
}
