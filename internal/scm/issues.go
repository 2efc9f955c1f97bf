package scm

import (
	"context"

	gh "github.com/google/go-github/v68/github"
)

// Issue is a host-side issue.
type Issue struct {
	Number  int
	HTMLURL string
	Title   string
	State   string
}

// CreateIssue opens an issue on owner/repo.
func (c *Client) CreateIssue(ctx context.Context, owner, repo, title, body string, labels ...string) (Issue, error) {
	req := &gh.IssueRequest{Title: gh.Ptr(title), Body: gh.Ptr(body)}
	if len(labels) > 0 {
		req.Labels = &labels
	}
	return call(ctx, c, "creating issue", owner, repo, func() (Issue, error) {
		is, _, err := c.gh.Issues.Create(ctx, owner, repo, req)
		if err != nil {
			return Issue{}, err
		}
		return issueFromGH(is), nil
	})
}

// GetIssue fetches an issue by number.
func (c *Client) GetIssue(ctx context.Context, owner, repo string, number int) (Issue, error) {
	return call(ctx, c, "fetching issue", owner, repo, func() (Issue, error) {
		is, _, err := c.gh.Issues.Get(ctx, owner, repo, number)
		if err != nil {
			return Issue{}, err
		}
		return issueFromGH(is), nil
	})
}

func issueFromGH(is *gh.Issue) Issue {
	return Issue{
		Number:  is.GetNumber(),
		HTMLURL: is.GetHTMLURL(),
		Title:   is.GetTitle(),
		State:   is.GetState(),
	}
}
