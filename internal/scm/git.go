package scm

import (
	"context"
	"encoding/base64"
	"fmt"

	gh "github.com/google/go-github/v68/github"
)

// FileChange is one path in a commit. Deleted paths carry no content.
type FileChange struct {
	Path    string
	Content []byte
	Deleted bool
	// Mode defaults to a regular file (100644).
	Mode string
}

// CommitRequest describes a commit built through the Git data API.
type CommitRequest struct {
	Branch    string
	ParentSHA string
	Message   string
	Changes   []FileChange
}

// BranchSHA returns the commit SHA the branch points to.
func (c *Client) BranchSHA(ctx context.Context, owner, repo, branch string) (string, error) {
	return call(ctx, c, "reading branch "+branch, owner, repo, func() (string, error) {
		ref, _, err := c.gh.Git.GetRef(ctx, owner, repo, "heads/"+branch)
		if err != nil {
			return "", err
		}
		return ref.GetObject().GetSHA(), nil
	})
}

// CreateBranch creates branch pointing at fromSHA.
func (c *Client) CreateBranch(ctx context.Context, owner, repo, fromSHA, branch string) error {
	_, err := call(ctx, c, "creating branch "+branch, owner, repo, func() (struct{}, error) {
		_, _, err := c.gh.Git.CreateRef(ctx, owner, repo, &gh.Reference{
			Ref:    gh.Ptr("refs/heads/" + branch),
			Object: &gh.GitObject{SHA: gh.Ptr(fromSHA)},
		})
		return struct{}{}, err
	})
	return err
}

// WriteCommit uploads changed files as blobs, builds one tree on top of the
// parent's tree (deleted paths become entries without a SHA), commits it and
// moves the branch to the new commit. Returns the commit SHA.
func (c *Client) WriteCommit(ctx context.Context, owner, repo string, req CommitRequest) (string, error) {
	if len(req.Changes) == 0 {
		return "", fmt.Errorf("commit on %s has no changes", req.Branch)
	}

	parent, err := call(ctx, c, "reading parent commit", owner, repo, func() (*gh.Commit, error) {
		cm, _, err := c.gh.Git.GetCommit(ctx, owner, repo, req.ParentSHA)
		return cm, err
	})
	if err != nil {
		return "", err
	}

	entries := make([]*gh.TreeEntry, 0, len(req.Changes))
	for _, ch := range req.Changes {
		mode := ch.Mode
		if mode == "" {
			mode = "100644"
		}
		entry := &gh.TreeEntry{Path: gh.Ptr(ch.Path), Mode: gh.Ptr(mode), Type: gh.Ptr("blob")}
		if !ch.Deleted {
			sha, err := c.createBlob(ctx, owner, repo, ch)
			if err != nil {
				return "", err
			}
			entry.SHA = gh.Ptr(sha)
		}
		entries = append(entries, entry)
	}

	tree, err := call(ctx, c, "creating tree", owner, repo, func() (*gh.Tree, error) {
		t, _, err := c.gh.Git.CreateTree(ctx, owner, repo, parent.GetTree().GetSHA(), entries)
		return t, err
	})
	if err != nil {
		return "", err
	}

	commit, err := call(ctx, c, "creating commit", owner, repo, func() (*gh.Commit, error) {
		cm, _, err := c.gh.Git.CreateCommit(ctx, owner, repo, &gh.Commit{
			Message: gh.Ptr(req.Message),
			Tree:    &gh.Tree{SHA: tree.SHA},
			Parents: []*gh.Commit{{SHA: gh.Ptr(req.ParentSHA)}},
		}, nil)
		return cm, err
	})
	if err != nil {
		return "", err
	}

	_, err = call(ctx, c, "updating branch "+req.Branch, owner, repo, func() (struct{}, error) {
		_, _, err := c.gh.Git.UpdateRef(ctx, owner, repo, &gh.Reference{
			Ref:    gh.Ptr("refs/heads/" + req.Branch),
			Object: &gh.GitObject{SHA: commit.SHA},
		}, false)
		return struct{}{}, err
	})
	if err != nil {
		return "", err
	}
	return commit.GetSHA(), nil
}

func (c *Client) createBlob(ctx context.Context, owner, repo string, ch FileChange) (string, error) {
	return call(ctx, c, "uploading "+ch.Path, owner, repo, func() (string, error) {
		b, _, err := c.gh.Git.CreateBlob(ctx, owner, repo, &gh.Blob{
			Content:  gh.Ptr(base64.StdEncoding.EncodeToString(ch.Content)),
			Encoding: gh.Ptr("base64"),
		})
		if err != nil {
			return "", err
		}
		return b.GetSHA(), nil
	})
}
