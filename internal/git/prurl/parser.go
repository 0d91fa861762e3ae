// Package prurl parses PR/MR URLs from the git hosting services the diff
// providers support: github.com, gitlab.com, and self-hosted instances
// registered by host.
package prurl

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// PRInfo contains parsed information from a PR URL.
type PRInfo struct {
	// Provider is the git provider name (github, gitlab, etc.)
	Provider string

	// Host is the full host (e.g., github.com, gitlab.example.com)
	Host string

	// Owner is the repository owner/organization. For GitLab nested
	// groups this is the full group path ("group/subgroup").
	Owner string

	// Repo is the repository name
	Repo string

	// Number is the PR/MR number
	Number int

	// OriginalURL is the original URL that was parsed
	OriginalURL string
}

// Project returns the "owner/repo" project path.
func (info *PRInfo) Project() string {
	return info.Owner + "/" + info.Repo
}

// String returns a human-readable string representation.
func (info *PRInfo) String() string {
	return fmt.Sprintf("%s/%s#%d (%s)", info.Owner, info.Repo, info.Number, info.Provider)
}

// Parser parses PR URLs from different git providers.
type Parser struct {
	// customHostMappings maps custom hosts to provider names
	customHostMappings map[string]string
}

// NewParser creates a new PR URL parser.
func NewParser() *Parser {
	return &Parser{
		customHostMappings: make(map[string]string),
	}
}

// RegisterHost registers a custom host mapping to a provider.
// For example: RegisterHost("git.example.com", "github") for GitHub Enterprise.
func (p *Parser) RegisterHost(host, provider string) {
	p.customHostMappings[strings.ToLower(host)] = provider
}

var (
	githubPRPattern = regexp.MustCompile(`^/([^/]+)/([^/]+)/pull/(\d+)`)
	gitlabMRPattern = regexp.MustCompile(`^/(.+?)/-/merge_requests/(\d+)`)
	// Older GitLab URLs omit the /- separator.
	gitlabLegacyMRPattern = regexp.MustCompile(`^/(.+?)/merge_requests/(\d+)`)
)

// Parse parses a PR URL and returns PRInfo.
// Supported formats:
//   - GitHub: https://github.com/owner/repo/pull/123
//   - GitLab: https://gitlab.com/owner/repo/-/merge_requests/123
//   - GitHub Enterprise: https://github.example.com/owner/repo/pull/123
func (p *Parser) Parse(prURL string) (*PRInfo, error) {
	prURL = strings.TrimSpace(prURL)
	if prURL == "" {
		return nil, fmt.Errorf("empty PR URL")
	}

	parsedURL, err := url.Parse(prURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL format: %w", err)
	}

	host := strings.ToLower(parsedURL.Host)
	if host == "" {
		return nil, fmt.Errorf("missing host in URL")
	}

	provider := p.detectProvider(host, parsedURL.Path)
	if provider == "" {
		return nil, fmt.Errorf("unsupported git provider for host: %s", host)
	}

	var info *PRInfo
	switch provider {
	case "github":
		info, err = p.parseGitHubURL(parsedURL)
	case "gitlab":
		info, err = p.parseGitLabURL(parsedURL)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}

	if err != nil {
		return nil, err
	}

	info.Provider = provider
	info.Host = host
	info.OriginalURL = prURL

	return info, nil
}

// detectProvider determines the git provider from host and path. Custom
// mappings win over host-name heuristics; path shape is the last resort
// for self-hosted instances with opaque host names.
func (p *Parser) detectProvider(host, path string) string {
	if provider, ok := p.customHostMappings[host]; ok {
		return provider
	}

	switch {
	case strings.Contains(host, "github"):
		return "github"
	case strings.Contains(host, "gitlab"):
		return "gitlab"
	case strings.Contains(host, "bitbucket"):
		return "bitbucket"
	}

	if strings.Contains(path, "/pull/") {
		return "github"
	}
	if strings.Contains(path, "/-/merge_requests/") || strings.Contains(path, "/merge_requests/") {
		return "gitlab"
	}

	return ""
}

// parseGitHubURL parses /owner/repo/pull/123, tolerating trailing path
// segments like /files.
func (p *Parser) parseGitHubURL(u *url.URL) (*PRInfo, error) {
	matches := githubPRPattern.FindStringSubmatch(u.Path)
	if len(matches) != 4 {
		return nil, fmt.Errorf("invalid GitHub PR URL format: %s", u.Path)
	}

	prNumber, err := strconv.Atoi(matches[3])
	if err != nil {
		return nil, fmt.Errorf("invalid PR number: %s", matches[3])
	}

	return &PRInfo{
		Owner:  matches[1],
		Repo:   strings.TrimSuffix(matches[2], ".git"),
		Number: prNumber,
	}, nil
}

// parseGitLabURL parses /owner/repo/-/merge_requests/123, including nested
// groups (/group/subgroup/repo/-/merge_requests/123) and the legacy form
// without the /- separator.
func (p *Parser) parseGitLabURL(u *url.URL) (*PRInfo, error) {
	matches := gitlabMRPattern.FindStringSubmatch(u.Path)
	if len(matches) != 3 {
		matches = gitlabLegacyMRPattern.FindStringSubmatch(u.Path)
		if len(matches) != 3 {
			return nil, fmt.Errorf("invalid GitLab MR URL format: %s", u.Path)
		}
	}

	mrNumber, err := strconv.Atoi(matches[2])
	if err != nil {
		return nil, fmt.Errorf("invalid MR number: %s", matches[2])
	}

	pathParts := strings.Split(matches[1], "/")
	if len(pathParts) < 2 {
		return nil, fmt.Errorf("invalid GitLab path: %s", matches[1])
	}

	repo := pathParts[len(pathParts)-1]
	owner := strings.Join(pathParts[:len(pathParts)-1], "/")

	return &PRInfo{
		Owner:  owner,
		Repo:   repo,
		Number: mrNumber,
	}, nil
}

// DefaultParser is the default PR URL parser instance.
var DefaultParser = NewParser()

// Parse is a convenience function using the default parser.
func Parse(prURL string) (*PRInfo, error) {
	return DefaultParser.Parse(prURL)
}
