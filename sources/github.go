package sources

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/deepnoodle-ai/taskpipe/index"
	"github.com/deepnoodle-ai/taskpipe/retry"
)

// GitHubBaseURL is the GitHub REST API endpoint
const GitHubBaseURL = "https://api.github.com"

const (
	githubTextLimit   = 5000
	githubCommitWeeks = 12
)

// GitHub searches repositories by stars and collects their README, latest
// release notes and recent commit activity.
type GitHub struct {
	BaseURL string
	Client  *http.Client
	Token   string
	Limit   int
}

// NewGitHub returns a GitHub source. The token is optional and raises the
// API rate limit.
func NewGitHub(token string) *GitHub {
	return &GitHub{
		BaseURL: GitHubBaseURL,
		Client:  defaultClient(),
		Token:   token,
		Limit:   1,
	}
}

func (g *GitHub) Name() string {
	return NameGitHub
}

type githubSearch struct {
	Items []githubRepo `json:"items"`
}

type githubRepo struct {
	Name      string `json:"name"`
	FullName  string `json:"full_name"`
	HTMLURL   string `json:"html_url"`
	Stars     int    `json:"stargazers_count"`
	UpdatedAt string `json:"updated_at"`
}

func (g *GitHub) header() http.Header {
	h := http.Header{"Accept": {"application/vnd.github+json"}}
	if g.Token != "" {
		h.Set("Authorization", "Bearer "+g.Token)
	}
	return h
}

func (g *GitHub) Fetch(ctx context.Context, q Query) ([]index.Document, error) {
	params := url.Values{
		"q":        {q.Topic},
		"sort":     {"stars"},
		"order":    {"desc"},
		"per_page": {strconv.Itoa(g.Limit)},
	}
	var found githubSearch
	if err := getJSON(ctx, g.Client, g.BaseURL+"/search/repositories?"+params.Encode(), g.header(), &found); err != nil {
		return nil, fmt.Errorf("github search failed: %w", err)
	}

	docs := make([]index.Document, 0, len(found.Items))
	for _, repo := range found.Items {
		readme, err := g.readme(ctx, repo.FullName)
		if err != nil {
			return nil, err
		}
		release, err := g.latestRelease(ctx, repo.FullName)
		if err != nil {
			return nil, err
		}
		commits, err := g.commitCount(ctx, repo.FullName)
		if err != nil {
			return nil, err
		}
		var b strings.Builder
		fmt.Fprintf(&b, "# Repo: %s\n", repo.FullName)
		fmt.Fprintf(&b, "Stars: %d\n", repo.Stars)
		fmt.Fprintf(&b, "Updated at: %s\n", repo.UpdatedAt)
		fmt.Fprintf(&b, "Commit Frequency (%d weeks): %d\n\n", githubCommitWeeks, commits)
		b.WriteString("## README\n" + readme + "\n\n## Release Notes\n" + release)

		docs = append(docs, index.Document{
			Source:  NameGitHub,
			Title:   repo.FullName,
			URL:     repo.HTMLURL,
			Content: cleanText(b.String(), githubTextLimit),
			Metadata: map[string]any{
				"repo":       repo.FullName,
				"stars":      repo.Stars,
				"updated_at": repo.UpdatedAt,
			},
		})
	}
	return docs, nil
}

// optional fetches a repository resource that may not exist. Only errors
// worth retrying are returned.
func (g *GitHub) optional(ctx context.Context, path string, v any) (bool, error) {
	err := getJSON(ctx, g.Client, g.BaseURL+path, g.header(), v)
	if err == nil {
		return true, nil
	}
	var statusErr *retry.StatusError
	if errors.As(err, &statusErr) && !statusErr.IsRecoverable() {
		return false, nil
	}
	if retry.IsRecoverable(err) {
		return false, fmt.Errorf("github request %s failed: %w", path, err)
	}
	return false, nil
}

func (g *GitHub) readme(ctx context.Context, fullName string) (string, error) {
	var res struct {
		Content string `json:"content"`
	}
	if ok, err := g.optional(ctx, "/repos/"+fullName+"/readme", &res); !ok {
		return "", err
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(res.Content, "\n", ""))
	if err != nil {
		return "", nil
	}
	return strings.ToValidUTF8(string(decoded), ""), nil
}

func (g *GitHub) latestRelease(ctx context.Context, fullName string) (string, error) {
	var res struct {
		Body string `json:"body"`
	}
	if ok, err := g.optional(ctx, "/repos/"+fullName+"/releases/latest", &res); !ok {
		return "", err
	}
	return res.Body, nil
}

func (g *GitHub) commitCount(ctx context.Context, fullName string) (int, error) {
	var weeks []struct {
		Total int `json:"total"`
	}
	if ok, err := g.optional(ctx, "/repos/"+fullName+"/stats/commit_activity", &weeks); !ok {
		return 0, err
	}
	if len(weeks) > githubCommitWeeks {
		weeks = weeks[len(weeks)-githubCommitWeeks:]
	}
	total := 0
	for _, w := range weeks {
		total += w.Total
	}
	return total, nil
}
