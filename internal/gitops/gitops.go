package gitops

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/uesteibar/opsdeck/internal/shell"
)

// CloneOptions tunes Clone. Zero values clone the remote default branch with
// full history.
type CloneOptions struct {
	Branch string
	Depth  int
}

// Clone clones remoteURL into dir. The runner's Dir is ignored; its Env and
// Redact settings apply.
func Clone(ctx context.Context, r *shell.Runner, remoteURL, dir string, opts CloneOptions) error {
	args := []string{"clone", "--quiet"}
	if opts.Branch != "" {
		args = append(args, "--branch", opts.Branch)
	}
	if opts.Depth > 0 {
		args = append(args, "--depth", fmt.Sprint(opts.Depth))
	}
	args = append(args, remoteURL, dir)

	cloner := &shell.Runner{Env: r.Env, Redact: r.Redact}
	if _, err := cloner.Run(ctx, "git", args...); err != nil {
		return fmt.Errorf("cloning repository: %w", err)
	}
	return nil
}

// IsCheckout reports whether dir holds a git checkout.
func IsCheckout(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil && info.IsDir()
}

// FetchBranch fetches branch from remote into origin/<branch>. remote is a
// remote name or a URL; a URL is used for this fetch only and is not stored
// in the checkout's config.
func FetchBranch(ctx context.Context, r *shell.Runner, remote, branch string) error {
	refspec := fmt.Sprintf("+refs/heads/%s:refs/remotes/origin/%s", branch, branch)
	if _, err := r.Run(ctx, "git", "fetch", "--quiet", remote, refspec); err != nil {
		return fmt.Errorf("fetching %s: %w", branch, err)
	}
	return nil
}

// ResetHard resets the work tree to ref and removes untracked files, leaving
// an exact copy of ref.
func ResetHard(ctx context.Context, r *shell.Runner, ref string) error {
	if _, err := r.Run(ctx, "git", "reset", "--hard", "--quiet", ref); err != nil {
		return fmt.Errorf("resetting to %s: %w", ref, err)
	}
	if _, err := r.Run(ctx, "git", "clean", "-fdx", "--quiet"); err != nil {
		return fmt.Errorf("cleaning work tree: %w", err)
	}
	return nil
}

// ResetSoft moves HEAD to ref keeping the work tree and index, folding any
// commits made since ref back into uncommitted changes.
func ResetSoft(ctx context.Context, r *shell.Runner, ref string) error {
	if _, err := r.Run(ctx, "git", "reset", "--soft", "--quiet", ref); err != nil {
		return fmt.Errorf("soft reset to %s: %w", ref, err)
	}
	return nil
}

// SetRemoteURL points origin at remoteURL.
func SetRemoteURL(ctx context.Context, r *shell.Runner, remoteURL string) error {
	if _, err := r.Run(ctx, "git", "remote", "set-url", "origin", remoteURL); err != nil {
		return fmt.Errorf("setting origin url: %w", err)
	}
	return nil
}

// ConfigureIdentity sets the commit author for the checkout only.
func ConfigureIdentity(ctx context.Context, r *shell.Runner, name, email string) error {
	if _, err := r.Run(ctx, "git", "config", "user.name", name); err != nil {
		return fmt.Errorf("setting user.name: %w", err)
	}
	if _, err := r.Run(ctx, "git", "config", "user.email", email); err != nil {
		return fmt.Errorf("setting user.email: %w", err)
	}
	return nil
}

// CheckoutNewBranch creates branch at startPoint and checks it out.
func CheckoutNewBranch(ctx context.Context, r *shell.Runner, branch, startPoint string) error {
	if _, err := r.Run(ctx, "git", "checkout", "--quiet", "-b", branch, startPoint); err != nil {
		return fmt.Errorf("creating branch %s from %s: %w", branch, startPoint, err)
	}
	return nil
}

// HeadSHA returns the commit SHA of HEAD.
func HeadSHA(ctx context.Context, r *shell.Runner) (string, error) {
	out, err := r.Run(ctx, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolving HEAD: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// IsAncestor returns true when ancestor is an ancestor of descendant.
func IsAncestor(ctx context.Context, r *shell.Runner, ancestor, descendant string) (bool, error) {
	_, err := r.Run(ctx, "git", "merge-base", "--is-ancestor", ancestor, descendant)
	if err != nil {
		var exitErr *shell.ExitError
		if errors.As(err, &exitErr) && exitErr.Code == 1 {
			return false, nil
		}
		return false, fmt.Errorf("checking ancestry: %w", err)
	}
	return true, nil
}

// ParentCount returns how many parents sha has: 0 for a root commit, 1 for
// a regular commit, 2 or more for a merge.
func ParentCount(ctx context.Context, r *shell.Runner, sha string) (int, error) {
	out, err := r.Run(ctx, "git", "rev-list", "--parents", "-n", "1", sha)
	if err != nil {
		return 0, fmt.Errorf("listing parents of %s: %w", sha, err)
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return 0, fmt.Errorf("listing parents of %s: no such commit", sha)
	}
	return len(fields) - 1, nil
}

// HasCommit reports whether sha names a commit in the repository.
func HasCommit(ctx context.Context, r *shell.Runner, sha string) bool {
	_, err := r.Run(ctx, "git", "cat-file", "-e", sha+"^{commit}")
	return err == nil
}

// Push pushes branch to origin.
func Push(ctx context.Context, r *shell.Runner, branch string) error {
	if _, err := r.Run(ctx, "git", "push", "--quiet", "origin", "HEAD:refs/heads/"+branch); err != nil {
		return fmt.Errorf("pushing %s: %w", branch, err)
	}
	return nil
}

// RevertResult reports which revert strategy produced the commit.
type RevertResult struct {
	Mainline bool
	SHA      string
}

// RevertError is returned when neither revert strategy applied.
type RevertError struct {
	Commit      string
	MainlineErr error
	PlainErr    error
}

func (e *RevertError) Error() string {
	return fmt.Sprintf("reverting %s failed: as merge commit: %v; as plain commit: %v", e.Commit, e.MainlineErr, e.PlainErr)
}

// ErrNotMergeCommit is the merge-aware attempt's failure for a commit with
// fewer than two parents. git accepts -m on such commits, so the parent
// count decides instead.
var ErrNotMergeCommit = errors.New("not a merge commit")

// Revert commits the inverse of sha. It first treats sha as a merge commit
// and reverts against its first parent; that attempt only runs when sha has
// two or more parents. When it fails it aborts any half-applied state and
// reverts sha as a plain commit. There is no third attempt.
func Revert(ctx context.Context, r *shell.Runner, sha string) (RevertResult, error) {
	parents, err := ParentCount(ctx, r, sha)
	if err != nil {
		return RevertResult{}, err
	}
	mainlineErr := ErrNotMergeCommit
	if parents >= 2 {
		_, mainlineErr = r.Run(ctx, "git", "revert", "--no-edit", "-m", "1", sha)
	}
	if mainlineErr == nil {
		head, err := HeadSHA(ctx, r)
		if err != nil {
			return RevertResult{}, err
		}
		return RevertResult{Mainline: true, SHA: head}, nil
	}
	if err := abortRevertIfInProgress(ctx, r); err != nil {
		return RevertResult{}, err
	}

	_, plainErr := r.Run(ctx, "git", "revert", "--no-edit", sha)
	if plainErr != nil {
		if err := abortRevertIfInProgress(ctx, r); err != nil {
			return RevertResult{}, err
		}
		return RevertResult{}, &RevertError{Commit: sha, MainlineErr: mainlineErr, PlainErr: plainErr}
	}
	head, err := HeadSHA(ctx, r)
	if err != nil {
		return RevertResult{}, err
	}
	return RevertResult{SHA: head}, nil
}

// HasRevertInProgress detects a revert stopped on conflicts.
func HasRevertInProgress(ctx context.Context, r *shell.Runner) (bool, error) {
	gitDir, err := r.Run(ctx, "git", "rev-parse", "--absolute-git-dir")
	if err != nil {
		return false, fmt.Errorf("getting git dir: %w", err)
	}
	if _, err := os.Stat(filepath.Join(strings.TrimSpace(gitDir), "REVERT_HEAD")); err == nil {
		return true, nil
	}
	return false, nil
}

func abortRevertIfInProgress(ctx context.Context, r *shell.Runner) error {
	inProgress, err := HasRevertInProgress(ctx, r)
	if err != nil || !inProgress {
		return err
	}
	if _, err := r.Run(ctx, "git", "revert", "--abort"); err != nil {
		return fmt.Errorf("aborting revert: %w", err)
	}
	return nil
}

// Change is one path touched in the work tree.
type Change struct {
	Path    string
	Deleted bool
}

// ChangedFiles lists every modified, added, untracked and deleted path in the
// work tree relative to HEAD. Renames are reported as a deletion of the old
// path plus an addition of the new one.
func ChangedFiles(ctx context.Context, r *shell.Runner) ([]Change, error) {
	if _, err := r.Run(ctx, "git", "add", "-A"); err != nil {
		return nil, fmt.Errorf("staging changes: %w", err)
	}
	out, err := r.Run(ctx, "git", "diff", "--cached", "--name-status", "--no-renames", "-z")
	if err != nil {
		return nil, fmt.Errorf("listing changes: %w", err)
	}

	fields := strings.Split(strings.TrimRight(out, "\x00"), "\x00")
	var changes []Change
	for i := 0; i+1 < len(fields); i += 2 {
		status, path := fields[i], fields[i+1]
		changes = append(changes, Change{Path: path, Deleted: strings.HasPrefix(status, "D")})
	}
	return changes, nil
}

// Commit stages all changes and creates a commit.
func Commit(ctx context.Context, r *shell.Runner, message string) error {
	if _, err := r.Run(ctx, "git", "add", "-A"); err != nil {
		return fmt.Errorf("git add: %w", err)
	}
	if _, err := r.Run(ctx, "git", "commit", "-m", message); err != nil {
		return fmt.Errorf("git commit: %w", err)
	}
	return nil
}

// AuthURL embeds token into an https clone URL. Other schemes are returned
// unchanged.
func AuthURL(repoURL, token string) (string, error) {
	u, err := url.Parse(repoURL)
	if err != nil {
		return "", fmt.Errorf("parsing repository url: %w", err)
	}
	if token == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return repoURL, nil
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String(), nil
}

// ParseRepoURL extracts owner and repo from an https or scp-style git URL.
func ParseRepoURL(repoURL string) (owner, repo string, err error) {
	path := repoURL
	if i := strings.Index(path, "://"); i >= 0 {
		u, perr := url.Parse(repoURL)
		if perr != nil {
			return "", "", fmt.Errorf("parsing repository url: %w", perr)
		}
		path = u.Path
	} else if i := strings.Index(path, ":"); i >= 0 {
		path = path[i+1:]
	}
	path = strings.TrimSuffix(strings.Trim(path, "/"), ".git")
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[len(parts)-2] == "" || parts[len(parts)-1] == "" {
		return "", "", fmt.Errorf("repository url %q has no owner/repo path", repoURL)
	}
	return parts[len(parts)-2], parts[len(parts)-1], nil
}
