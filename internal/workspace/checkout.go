package workspace

import (
	"context"
	"fmt"

	"github.com/uesteibar/opsdeck/internal/gitops"
	"github.com/uesteibar/opsdeck/internal/shell"
)

// SyncResult describes how a cached workspace was brought up to date.
type SyncResult struct {
	Cloned bool
	// Stale is set when fetch or reset failed and the previous checkout was
	// kept as is. StaleReason carries the failure.
	Stale       bool
	StaleReason error
}

// Sync brings a cached workspace to origin/branch. A fresh workspace is
// cloned, and a failed clone discards the directory and is returned as an
// error. An existing checkout is fetched and hard reset; failures there
// degrade to a stale result instead of an error.
//
// fetchURL may carry credentials. It is used for the clone or fetch only;
// the checkout's origin is always left pointing at originURL, so nothing
// that later runs in the directory can read the credentials from it.
//
// The runner carries Env and Redact; its Dir is replaced.
func Sync(ctx context.Context, c *Cached, r *shell.Runner, fetchURL, originURL, branch string) (SyncResult, error) {
	runner := &shell.Runner{Dir: c.Path, Env: r.Env, Redact: r.Redact}

	if c.Fresh {
		if err := gitops.Clone(ctx, r, fetchURL, c.Path, gitops.CloneOptions{Branch: branch}); err != nil {
			c.Discard()
			return SyncResult{}, err
		}
		if err := gitops.SetRemoteURL(ctx, runner, originURL); err != nil {
			c.Discard()
			return SyncResult{}, err
		}
		c.Fresh = false
		return SyncResult{Cloned: true}, nil
	}

	if err := gitops.SetRemoteURL(ctx, runner, originURL); err != nil {
		return SyncResult{Stale: true, StaleReason: err}, nil
	}
	if err := gitops.FetchBranch(ctx, runner, fetchURL, branch); err != nil {
		return SyncResult{Stale: true, StaleReason: err}, nil
	}
	if err := gitops.ResetHard(ctx, runner, "origin/"+branch); err != nil {
		return SyncResult{Stale: true, StaleReason: fmt.Errorf("after fetch: %w", err)}, nil
	}
	return SyncResult{}, nil
}
