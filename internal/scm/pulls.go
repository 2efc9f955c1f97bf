package scm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gh "github.com/google/go-github/v68/github"

	"github.com/uesteibar/opsdeck/internal/runerr"
)

// PR represents a GitHub pull request.
type PR struct {
	Number   int
	HTMLURL  string
	Title    string
	State    string
	Head     string
	Base     string
	HeadSHA  string
	Merged   bool
	MergeSHA string
	Author   string
	Created  time.Time
}

// PRFile is one file touched by a pull request.
type PRFile struct {
	Filename  string
	Status    string
	Additions int
	Deletions int
	Patch     string
}

// Merge methods accepted by MergePullRequest.
const (
	MergeMethodMerge  = "merge"
	MergeMethodSquash = "squash"
	MergeMethodRebase = "rebase"
)

// CreatePullRequest opens a pull request from head into base.
func (c *Client) CreatePullRequest(ctx context.Context, owner, repo, head, base, title, body string) (PR, error) {
	return call(ctx, c, "creating pull request", owner, repo, func() (PR, error) {
		pr, _, err := c.gh.PullRequests.Create(ctx, owner, repo, &gh.NewPullRequest{
			Title: gh.Ptr(title),
			Head:  gh.Ptr(head),
			Base:  gh.Ptr(base),
			Body:  gh.Ptr(body),
		})
		if err != nil {
			return PR{}, err
		}
		return prFromGH(pr), nil
	})
}

// FindOpenPR returns the open pull request whose head is branch, or nil.
func (c *Client) FindOpenPR(ctx context.Context, owner, repo, branch string) (*PR, error) {
	return call(ctx, c, "finding pull request", owner, repo, func() (*PR, error) {
		prs, _, err := c.gh.PullRequests.List(ctx, owner, repo, &gh.PullRequestListOptions{
			State: "open",
			Head:  owner + ":" + branch,
		})
		if err != nil {
			return nil, err
		}
		if len(prs) == 0 {
			return nil, nil
		}
		p := prFromGH(prs[0])
		return &p, nil
	})
}

// GetPullRequest fetches a single pull request by number.
func (c *Client) GetPullRequest(ctx context.Context, owner, repo string, number int) (PR, error) {
	return call(ctx, c, "fetching pull request", owner, repo, func() (PR, error) {
		pr, _, err := c.gh.PullRequests.Get(ctx, owner, repo, number)
		if err != nil {
			return PR{}, err
		}
		return prFromGH(pr), nil
	})
}

// ListPullRequests lists pull requests in the given state ("open", "closed",
// "all"), newest first, up to limit entries.
func (c *Client) ListPullRequests(ctx context.Context, owner, repo, state string, limit int) ([]PR, error) {
	if limit <= 0 {
		limit = 30
	}
	return call(ctx, c, "listing pull requests", owner, repo, func() ([]PR, error) {
		opts := &gh.PullRequestListOptions{
			State:       state,
			Sort:        "created",
			Direction:   "desc",
			ListOptions: gh.ListOptions{PerPage: min(limit, 100)},
		}
		var all []PR
		for {
			prs, resp, err := c.gh.PullRequests.List(ctx, owner, repo, opts)
			if err != nil {
				return nil, err
			}
			for _, pr := range prs {
				all = append(all, prFromGH(pr))
				if len(all) == limit {
					return all, nil
				}
			}
			if resp.NextPage == 0 {
				return all, nil
			}
			opts.Page = resp.NextPage
		}
	})
}

// ListPullRequestFiles returns every file changed by a pull request.
func (c *Client) ListPullRequestFiles(ctx context.Context, owner, repo string, number int) ([]PRFile, error) {
	return call(ctx, c, "listing pull request files", owner, repo, func() ([]PRFile, error) {
		opts := &gh.ListOptions{PerPage: 100}
		var all []PRFile
		for {
			files, resp, err := c.gh.PullRequests.ListFiles(ctx, owner, repo, number, opts)
			if err != nil {
				return nil, err
			}
			for _, f := range files {
				all = append(all, PRFile{
					Filename:  f.GetFilename(),
					Status:    f.GetStatus(),
					Additions: f.GetAdditions(),
					Deletions: f.GetDeletions(),
					Patch:     f.GetPatch(),
				})
			}
			if resp.NextPage == 0 {
				return all, nil
			}
			opts.Page = resp.NextPage
		}
	})
}

// MergePullRequest merges a pull request. It is never retried: a rejected
// merge (conflicts, failing checks, not mergeable) is returned as a conflict
// error carrying the host's reason.
func (c *Client) MergePullRequest(ctx context.Context, owner, repo string, number int, method, message string) error {
	if method == "" {
		method = MergeMethodMerge
	}
	res, err := once(ctx, c, fmt.Sprintf("merging pull request #%d", number), owner, repo, func() (*gh.PullRequestMergeResult, error) {
		r, _, err := c.gh.PullRequests.Merge(ctx, owner, repo, number, message, &gh.PullRequestOptions{MergeMethod: method})
		return r, err
	})
	if err != nil {
		var he *HostError
		if errors.As(err, &he) && (he.Status == http.StatusMethodNotAllowed || he.Status == http.StatusConflict) {
			return runerr.New(runerr.KindConflict, he.Error(), he)
		}
		return err
	}
	if !res.GetMerged() {
		he := &HostError{Op: fmt.Sprintf("merging pull request #%d", number), Owner: owner, Repo: repo, Message: res.GetMessage()}
		return runerr.New(runerr.KindConflict, he.Error(), he)
	}
	return nil
}

// DefaultBranch returns the repository's default branch.
func (c *Client) DefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	return call(ctx, c, "reading repository", owner, repo, func() (string, error) {
		r, _, err := c.gh.Repositories.Get(ctx, owner, repo)
		if err != nil {
			return "", err
		}
		if r.GetDefaultBranch() == "" {
			return "", fmt.Errorf("repository reports no default branch")
		}
		return r.GetDefaultBranch(), nil
	})
}

// ParsePRURL extracts owner, repo and number from a pull request URL such as
// https://github.com/o/r/pull/42.
func ParsePRURL(raw string) (owner, repo string, number int, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", 0, fmt.Errorf("parsing pull request url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := len(parts) - 2; i >= 2; i-- {
		if parts[i] != "pull" && parts[i] != "pulls" {
			continue
		}
		n, convErr := strconv.Atoi(parts[i+1])
		if convErr != nil {
			break
		}
		return parts[i-2], parts[i-1], n, nil
	}
	return "", "", 0, fmt.Errorf("%q is not a pull request url", raw)
}

func prFromGH(pr *gh.PullRequest) PR {
	p := PR{
		Number:   pr.GetNumber(),
		HTMLURL:  pr.GetHTMLURL(),
		Title:    pr.GetTitle(),
		State:    pr.GetState(),
		Merged:   pr.GetMerged(),
		MergeSHA: pr.GetMergeCommitSHA(),
		Author:   pr.GetUser().GetLogin(),
		Created:  pr.GetCreatedAt().Time,
	}
	if pr.Head != nil {
		p.Head = pr.Head.GetRef()
		p.HeadSHA = pr.Head.GetSHA()
	}
	if pr.Base != nil {
		p.Base = pr.Base.GetRef()
	}
	return p
}
