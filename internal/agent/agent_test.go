package agent

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"

	"github.com/uesteibar/opsdeck/internal/credentials"
	"github.com/uesteibar/opsdeck/internal/gitops"
	"github.com/uesteibar/opsdeck/internal/runerr"
	"github.com/uesteibar/opsdeck/internal/runlog"
	"github.com/uesteibar/opsdeck/internal/scm"
	"github.com/uesteibar/opsdeck/internal/shell"
	"github.com/uesteibar/opsdeck/internal/workspace"
)

// --- Fakes ---

type mockHost struct {
	mu sync.Mutex

	branches []string
	fromSHAs []string
	commits  []scm.CommitRequest
	created  []string
	existing *scm.PR
	prErr    error
}

func (m *mockHost) GitToken(ctx context.Context) (string, error) { return "tok", nil }

func (m *mockHost) DefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	return "main", nil
}

func (m *mockHost) CreateBranch(ctx context.Context, owner, repo, fromSHA, branch string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.branches = append(m.branches, branch)
	m.fromSHAs = append(m.fromSHAs, fromSHA)
	return nil
}

func (m *mockHost) WriteCommit(ctx context.Context, owner, repo string, req scm.CommitRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commits = append(m.commits, req)
	return "c0ffee", nil
}

func (m *mockHost) FindOpenPR(ctx context.Context, owner, repo, branch string) (*scm.PR, error) {
	return m.existing, nil
}

func (m *mockHost) CreatePullRequest(ctx context.Context, owner, repo, head, base, title, body string) (scm.PR, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.prErr != nil {
		return scm.PR{}, m.prErr
	}
	m.created = append(m.created, head+"->"+base+": "+title)
	return scm.PR{Number: 42, HTMLURL: "https://github.com/acme/api/pull/42"}, nil
}

// --- Helpers ---

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func initOrigin(t *testing.T) (string, string) {
	t.Helper()
	requireGit(t)
	dir := t.TempDir()
	r := &shell.Runner{Dir: dir}
	ctx := context.Background()
	for _, c := range [][]string{
		{"init", "--quiet", "--initial-branch=main"},
		{"config", "user.email", "test@test.com"},
		{"config", "user.name", "Test"},
	} {
		if _, err := r.Run(ctx, "git", c...); err != nil {
			t.Fatalf("git %v: %v", c, err)
		}
	}
	for name, content := range map[string]string{"app.txt": "broken\n", "old.txt": "legacy\n"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := gitops.Commit(ctx, r, "initial"); err != nil {
		t.Fatal(err)
	}
	head, err := gitops.HeadSHA(ctx, r)
	if err != nil {
		t.Fatal(err)
	}
	return dir, head
}

type fixture struct {
	cli     *CLI
	host    *mockHost
	root    string
	head    string
	origin  string
	factory int
}

func newFixture(t *testing.T, script string, mutate func(*Config)) *fixture {
	t.Helper()
	origin, head := initOrigin(t)
	f := &fixture{host: &mockHost{}, root: t.TempDir(), head: head, origin: origin}
	cfg := DefaultConfig()
	cfg.Command = "sh"
	cfg.Args = []string{"-c", script}
	if mutate != nil {
		mutate(&cfg)
	}
	hosts := func(credentials.Run) (Host, error) {
		f.factory++
		return f.host, nil
	}
	f.cli = NewCLI(cfg, hosts, workspace.NewManager(f.root, nil), nil)
	return f
}

func (f *fixture) request() Request {
	return Request{
		IssueURL:    "https://github.com/acme/api/issues/7",
		IssueTitle:  "Null pointer on login",
		IssueBody:   "500 on /login",
		RepoURL:     f.origin,
		Owner:       "acme",
		Repo:        "api",
		BaseBranch:  "main",
		Credentials: credentials.Run{GithubToken: "tok", AIKey: "sk-test", Source: credentials.SourceSession},
	}
}

func (f *fixture) assertReleased(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(f.root, "runs"))
	if err != nil && !os.IsNotExist(err) {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("workspace not released: %d entries left", len(entries))
	}
}

// --- Invoke ---

func TestInvoke_Success_CommitsChangesAndOpensPR(t *testing.T) {
	f := newFixture(t, `cat >/dev/null; echo "Fixed the nil check"; printf 'fixed\n' > app.txt; rm old.txt`, nil)

	var mu sync.Mutex
	var lines []string
	log := func(level runlog.Level, msg string) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, msg)
	}

	res, err := f.cli.Invoke(context.Background(), f.request(), log)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Status != StatusSuccess || res.PRURL != "https://github.com/acme/api/pull/42" || res.PRNumber != 42 {
		t.Errorf("result = %+v", res)
	}
	if res.Summary != "Fixed the nil check" {
		t.Errorf("Summary = %q", res.Summary)
	}

	if len(f.host.branches) != 1 || !strings.HasPrefix(f.host.branches[0], "autofix/issue-7-") {
		t.Fatalf("branches = %v", f.host.branches)
	}
	if f.host.fromSHAs[0] != f.head {
		t.Errorf("branch from %s, want %s", f.host.fromSHAs[0], f.head)
	}
	commit := f.host.commits[0]
	want := []scm.FileChange{
		{Path: "app.txt", Content: []byte("fixed\n")},
		{Path: "old.txt", Deleted: true},
	}
	if diff := cmp.Diff(want, commit.Changes); diff != "" {
		t.Errorf("changes mismatch (-want +got):\n%s", diff)
	}
	if commit.ParentSHA != f.head || commit.Branch != f.host.branches[0] {
		t.Errorf("commit = %+v", commit)
	}
	if len(f.host.created) != 1 || !strings.HasSuffix(f.host.created[0], "->main: Fix: Null pointer on login") {
		t.Errorf("created = %v", f.host.created)
	}
	if !strings.Contains(strings.Join(lines, "\n"), "Fixed the nil check") {
		t.Errorf("agent output not streamed: %v", lines)
	}
	f.assertReleased(t)
}

func TestInvoke_AgentCommits_AreFolded(t *testing.T) {
	script := `cat >/dev/null; printf 'fixed\n' > app.txt; git -c user.name=a -c user.email=a@b commit -qam agent`
	f := newFixture(t, script, nil)

	if _, err := f.cli.Invoke(context.Background(), f.request(), nil); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if f.host.commits[0].ParentSHA != f.head {
		t.Errorf("parent = %s, want original head", f.host.commits[0].ParentSHA)
	}
	if len(f.host.commits[0].Changes) != 1 {
		t.Errorf("changes = %+v", f.host.commits[0].Changes)
	}
}

func TestInvoke_NoChanges_ReturnsAgentFailure(t *testing.T) {
	f := newFixture(t, `cat >/dev/null; echo nothing to do`, nil)

	_, err := f.cli.Invoke(context.Background(), f.request(), nil)
	if !runerr.Is(err, runerr.KindAgent) {
		t.Fatalf("err = %v, want agent failure", err)
	}
	if len(f.host.branches) != 0 {
		t.Error("expected no branch to be created")
	}
	f.assertReleased(t)
}

func TestInvoke_ProtectedPath_ReturnsAgentFailure(t *testing.T) {
	f := newFixture(t, `cat >/dev/null; mkdir -p .github/workflows; echo x > .github/workflows/ci.yml`, nil)

	_, err := f.cli.Invoke(context.Background(), f.request(), nil)
	if !runerr.Is(err, runerr.KindAgent) || !strings.Contains(err.Error(), ".github/workflows/ci.yml") {
		t.Fatalf("err = %v, want protected path failure", err)
	}
}

func TestInvoke_TooManyFiles_ReturnsAgentFailure(t *testing.T) {
	f := newFixture(t, `cat >/dev/null; echo a > a; echo b > b; echo c > c`, func(c *Config) { c.MaxFiles = 2 })

	_, err := f.cli.Invoke(context.Background(), f.request(), nil)
	if !runerr.Is(err, runerr.KindAgent) || !strings.Contains(err.Error(), "limit of 2") {
		t.Fatalf("err = %v, want file limit failure", err)
	}
}

func TestInvoke_AgentExitsNonZero_SurfacesLastStderrLine(t *testing.T) {
	f := newFixture(t, `cat >/dev/null; echo "rate limited" >&2; exit 1`, nil)

	_, err := f.cli.Invoke(context.Background(), f.request(), nil)
	if !runerr.Is(err, runerr.KindAgent) {
		t.Fatalf("err = %v, want agent failure", err)
	}
	if err.Error() != "rate limited" {
		t.Errorf("message = %q, want %q", err.Error(), "rate limited")
	}
	f.assertReleased(t)
}

func TestInvoke_AgentTimeout(t *testing.T) {
	f := newFixture(t, `sleep 5`, func(c *Config) { c.Timeout = 100 * time.Millisecond })

	_, err := f.cli.Invoke(context.Background(), f.request(), nil)
	if !runerr.Is(err, runerr.KindAgent) || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("err = %v, want timeout failure", err)
	}
}

func TestInvoke_MissingAIKey_ReturnsConfigurationError(t *testing.T) {
	f := newFixture(t, `true`, nil)
	req := f.request()
	req.Credentials.AIKey = ""

	_, err := f.cli.Invoke(context.Background(), req, nil)
	if !runerr.Is(err, runerr.KindConfiguration) {
		t.Fatalf("err = %v, want configuration error", err)
	}
	if f.factory != 0 {
		t.Error("expected no host client to be built")
	}
}

func TestInvoke_ExistingPR_IsReused(t *testing.T) {
	f := newFixture(t, `cat >/dev/null; printf 'fixed\n' > app.txt`, nil)
	f.host.existing = &scm.PR{Number: 9, HTMLURL: "https://github.com/acme/api/pull/9"}

	res, err := f.cli.Invoke(context.Background(), f.request(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.PRNumber != 9 || len(f.host.created) != 0 {
		t.Errorf("result = %+v, created = %v", res, f.host.created)
	}
}

func TestInvoke_PRFailure_KeepsHostClassification(t *testing.T) {
	f := newFixture(t, `cat >/dev/null; printf 'fixed\n' > app.txt`, nil)
	f.host.prErr = runerr.New(runerr.KindAuthentication, "Bad credentials", errors.New("401"))

	_, err := f.cli.Invoke(context.Background(), f.request(), nil)
	if !runerr.Is(err, runerr.KindAuthentication) {
		t.Fatalf("err = %v, want authentication error", err)
	}
	f.assertReleased(t)
}

func TestSummarize_TruncatesOnRuneBoundary(t *testing.T) {
	// Each "é" is two bytes, so an odd cut would land mid-rune.
	out := "start " + strings.Repeat("é", maxSummary) + " done"
	got := summarize(out)
	if !utf8.ValidString(got) {
		t.Fatalf("summary is not valid UTF-8: %q", got[:20])
	}
	if !strings.HasPrefix(got, "...") || !strings.HasSuffix(got, " done") {
		t.Errorf("summary = %q..., want the tail with a leading ellipsis", got[:20])
	}
	if len(got) > maxSummary+len("...") {
		t.Errorf("len = %d, want at most %d", len(got), maxSummary+len("..."))
	}
}

func TestSummarize_ShortOutputUnchanged(t *testing.T) {
	if got := summarize("  fixed the login handler\n"); got != "fixed the login handler" {
		t.Errorf("summarize = %q", got)
	}
}

func TestIssueRef(t *testing.T) {
	if got := issueRef("https://github.com/acme/api/issues/12/"); got != "12" {
		t.Errorf("issueRef = %q, want 12", got)
	}
	if got := issueRef("https://tracker/none"); got != "x" {
		t.Errorf("issueRef = %q, want x", got)
	}
}
