package diffprovider

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/arkreview/arkreview/internal/git/prurl"
	apperrors "github.com/arkreview/arkreview/pkg/errors"
)

// GitHubProvider fetches diffs for github.com pull requests. The client
// uses an oauth2 static token source when a token is configured and
// falls back to anonymous access otherwise.
type GitHubProvider struct {
	client *github.Client
}

// NewGitHubProvider builds a provider; token may be empty for anonymous,
// rate-limited access to public repositories.
func NewGitHubProvider(token string) *GitHubProvider {
	var httpClient *http.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = oauth2.NewClient(context.Background(), ts)
	}
	return &GitHubProvider{client: github.NewClient(httpClient)}
}

func (p *GitHubProvider) Domain() string { return "github.com" }

func (p *GitHubProvider) GetDiff(ctx context.Context, rawURL string) (*Diff, error) {
	owner, repo, number, err := parseGitHubPRURL(rawURL)
	if err != nil {
		return nil, err
	}

	return withRetry(ctx, func() (*Diff, error) {
		pr, _, err := p.client.PullRequests.Get(ctx, owner, repo, number)
		if err != nil {
			return nil, apperrors.ErrTransient("failed to fetch pull request", err)
		}

		var files []DiffFileEntry
		var addedTotal, removedTotal int
		opts := &github.ListOptions{PerPage: 100}
		for {
			pages, resp, err := p.client.PullRequests.ListFiles(ctx, owner, repo, number, opts)
			if err != nil {
				return nil, apperrors.ErrTransient("failed to list pull request files", err)
			}
			for _, f := range pages {
				files = append(files, DiffFileEntry{
					Path:         f.GetFilename(),
					Diff:         f.GetPatch(),
					AddedLines:   f.GetAdditions(),
					RemovedLines: f.GetDeletions(),
				})
				addedTotal += f.GetAdditions()
				removedTotal += f.GetDeletions()
			}
			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}

		return &Diff{
			Remote:  "github.com",
			Project: fmt.Sprintf("%s/%s", owner, repo),
			Summary: DiffSummary{
				TotalFiles:   len(files),
				AddedLines:   addedTotal,
				RemovedLines: removedTotal,
				BaseSHA:      pr.GetBase().GetSHA(),
				HeadSHA:      pr.GetHead().GetSHA(),
			},
			Files: files,
		}, nil
	})
}

func parseGitHubPRURL(rawURL string) (owner, repo string, number int, err error) {
	info, perr := prurl.Parse(rawURL)
	if perr != nil || info.Provider != "github" {
		return "", "", 0, apperrors.ErrInvalidInput(fmt.Sprintf("url %q is not a github pull request url", rawURL))
	}
	return info.Owner, info.Repo, info.Number, nil
}
