package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/austindbirch/hookloop/internal/tenant"
)

// Repos is the slice of the GitHub API the quality loop reads
type Repos interface {
	PullRequest(ctx context.Context, tc tenant.Context, number int) (*github.PullRequest, error)
	Issue(ctx context.Context, tc tenant.Context, number int) (*github.Issue, error)
}

// GitHubAPI builds a client per call from the tenant's own token so no
// credential is shared between tenants
type GitHubAPI struct {
	baseURL *url.URL
}

// NewGitHubAPI targets api.github.com when baseURL is empty
func NewGitHubAPI(baseURL string) (*GitHubAPI, error) {
	if baseURL == "" {
		return &GitHubAPI{}, nil
	}
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("parse github base url: %w", err)
	}
	return &GitHubAPI{baseURL: u}, nil
}

func (g *GitHubAPI) client(ctx context.Context, token string) *github.Client {
	var hc *http.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		hc = oauth2.NewClient(ctx, ts)
	}
	c := github.NewClient(hc)
	if g.baseURL != nil {
		c.BaseURL = g.baseURL
	}
	return c
}

func (g *GitHubAPI) PullRequest(ctx context.Context, tc tenant.Context, number int) (*github.PullRequest, error) {
	pr, _, err := g.client(ctx, tc.GitHubToken).PullRequests.Get(ctx, tc.Owner(), tc.Name(), number)
	if err != nil {
		return nil, classifyAPIError(fmt.Sprintf("pull request %s#%d", tc.Repository, number), err)
	}
	return pr, nil
}

func (g *GitHubAPI) Issue(ctx context.Context, tc tenant.Context, number int) (*github.Issue, error) {
	issue, _, err := g.client(ctx, tc.GitHubToken).Issues.Get(ctx, tc.Owner(), tc.Name(), number)
	if err != nil {
		return nil, classifyAPIError(fmt.Sprintf("issue %s#%d", tc.Repository, number), err)
	}
	return issue, nil
}

// classifyAPIError makes missing records and rejected credentials permanent;
// everything else (rate limits, 5xx, network) stays retryable
func classifyAPIError(what string, err error) error {
	var apiErr *github.ErrorResponse
	if errors.As(err, &apiErr) && apiErr.Response != nil {
		switch apiErr.Response.StatusCode {
		case http.StatusNotFound:
			return Permanent(fmt.Errorf("%s not found: %w", what, err))
		case http.StatusUnauthorized:
			return Permanent(fmt.Errorf("%s: credentials rejected: %w", what, err))
		}
	}
	return fmt.Errorf("fetch %s: %w", what, err)
}
