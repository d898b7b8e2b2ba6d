// Package github opens issues through the GitHub REST API.
package github

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	gogithub "github.com/google/go-github/v69/github"
)

// lowRateLimit is the remaining-call count below which a warning is
// logged.
const lowRateLimit = 100

// Client implements expansion.IssueTracker.
type Client struct {
	client *gogithub.Client
	logger *slog.Logger
}

// New creates a client authenticated with token. A non-empty
// enterpriseURL targets a GitHub Enterprise server instead of
// github.com.
func New(httpClient *http.Client, token, enterpriseURL string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := gogithub.NewClient(httpClient).WithAuthToken(token)
	if enterpriseURL != "" {
		var err error
		c, err = c.WithEnterpriseURLs(enterpriseURL, enterpriseURL)
		if err != nil {
			return nil, fmt.Errorf("github: enterprise url: %w", err)
		}
	}
	return &Client{client: c, logger: logger.With("integration", "github")}, nil
}

// splitRepo splits "owner/repo".
func splitRepo(repo string) (string, string, error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo %q: expected owner/repo", repo)
	}
	return parts[0], parts[1], nil
}

// CreateIssue opens an issue in repo and returns its web URL.
func (c *Client) CreateIssue(ctx context.Context, repo, title, body string, labels []string) (string, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return "", err
	}

	req := &gogithub.IssueRequest{
		Title: gogithub.Ptr(title),
		Body:  gogithub.Ptr(body),
	}
	if len(labels) > 0 {
		req.Labels = &labels
	}

	issue, resp, err := c.client.Issues.Create(ctx, owner, name, req)
	if err != nil {
		return "", fmt.Errorf("github: create issue: %w", err)
	}
	c.checkRateLimit(resp)

	c.logger.Debug("github issue created", "repo", repo, "number", issue.GetNumber())
	return issue.GetHTMLURL(), nil
}

func (c *Client) checkRateLimit(resp *gogithub.Response) {
	if resp == nil {
		return
	}
	if resp.Rate.Remaining > 0 && resp.Rate.Remaining < lowRateLimit {
		c.logger.Warn("github rate limit low",
			"remaining", resp.Rate.Remaining,
			"reset", resp.Rate.Reset.Time,
		)
	}
}
