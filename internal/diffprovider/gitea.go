package diffprovider

import (
	"bufio"
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"code.gitea.io/sdk/gitea"

	apperrors "github.com/arkreview/arkreview/pkg/errors"
)

var giteaPRPattern = regexp.MustCompile(`^/([^/]+)/([^/]+)/pulls/(\d+)`)

// GiteaProvider fetches diffs for a self-hosted gitea instance. Unlike
// GitHub/GitLab, the gitea SDK exposes only the raw unified diff for a
// pull request (GetPullRequestDiff), not a structured per-file list, so
// this adapter splits it into per-file entries itself using the same
// "--- "/"+++ " header grammar the patch analyzer parses.
type GiteaProvider struct {
	client *gitea.Client
	domain string
}

// NewGiteaProvider builds a provider against a self-hosted gitea instance
// at baseURL (its host becomes the registry key).
func NewGiteaProvider(baseURL, token string) (*GiteaProvider, error) {
	var opts []gitea.ClientOption
	if token != "" {
		opts = append(opts, gitea.SetToken(token))
	}
	client, err := gitea.NewClient(baseURL, opts...)
	if err != nil {
		return nil, apperrors.ErrInternal("failed to construct gitea client", err)
	}
	parsed, parseErr := url.Parse(baseURL)
	if parseErr != nil {
		return nil, apperrors.ErrInvalidInput(fmt.Sprintf("invalid gitea base url %q: %v", baseURL, parseErr))
	}
	return &GiteaProvider{client: client, domain: strings.ToLower(parsed.Host)}, nil
}

func (p *GiteaProvider) Domain() string { return p.domain }

func (p *GiteaProvider) GetDiff(ctx context.Context, rawURL string) (*Diff, error) {
	owner, repo, number, err := parseGiteaPRURL(rawURL)
	if err != nil {
		return nil, err
	}

	return withRetry(ctx, func() (*Diff, error) {
		pr, _, err := p.client.GetPullRequest(owner, repo, int64(number))
		if err != nil {
			return nil, apperrors.ErrTransient("failed to fetch pull request", err)
		}

		raw, _, err := p.client.GetPullRequestDiff(owner, repo, int64(number), gitea.PullRequestDiffOptions{})
		if err != nil {
			return nil, apperrors.ErrTransient("failed to fetch pull request diff", err)
		}

		files, addedTotal, removedTotal := splitUnifiedDiff(string(raw))

		var baseSHA, headSHA string
		if pr.Base != nil {
			baseSHA = pr.Base.Sha
		}
		if pr.Head != nil {
			headSHA = pr.Head.Sha
		}

		return &Diff{
			Remote:  p.domain,
			Project: fmt.Sprintf("%s/%s", owner, repo),
			Summary: DiffSummary{
				TotalFiles:   len(files),
				AddedLines:   addedTotal,
				RemovedLines: removedTotal,
				BaseSHA:      baseSHA,
				HeadSHA:      headSHA,
			},
			Files: files,
		}, nil
	})
}

// splitUnifiedDiff breaks a whole-PR unified diff into per-file entries at
// "diff --git" boundaries, counting +/- lines per file along the way.
func splitUnifiedDiff(raw string) (files []DiffFileEntry, addedTotal, removedTotal int) {
	var chunks []string
	var cur strings.Builder

	scanner := bufio.NewScanner(strings.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "diff --git ") && cur.Len() > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
		cur.WriteString(line)
		cur.WriteString("\n")
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}

	newFileHeader := regexp.MustCompile(`(?m)^\+\+\+ (?:b/)?(.+)$`)

	for _, chunk := range chunks {
		path := "unknown"
		if m := newFileHeader.FindStringSubmatch(chunk); len(m) == 2 {
			path = m[1]
		}
		added, removed := countDiffLines(chunk)
		addedTotal += added
		removedTotal += removed
		files = append(files, DiffFileEntry{
			Path:         path,
			Diff:         chunk,
			AddedLines:   added,
			RemovedLines: removed,
		})
	}
	return
}

func parseGiteaPRURL(rawURL string) (owner, repo string, number int, err error) {
	parsed, parseErr := url.Parse(rawURL)
	if parseErr != nil {
		return "", "", 0, apperrors.ErrInvalidInput(fmt.Sprintf("invalid gitea PR url %q: %v", rawURL, parseErr))
	}
	matches := giteaPRPattern.FindStringSubmatch(parsed.Path)
	if len(matches) != 4 {
		return "", "", 0, apperrors.ErrInvalidInput(fmt.Sprintf("url %q is not a gitea pull request url", rawURL))
	}
	number, convErr := strconv.Atoi(matches[3])
	if convErr != nil {
		return "", "", 0, apperrors.ErrInvalidInput(fmt.Sprintf("invalid pull request number in url %q", rawURL))
	}
	return matches[1], strings.TrimSuffix(matches[2], ".git"), number, nil
}
