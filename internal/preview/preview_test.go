package preview

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/uesteibar/opsdeck/internal/credentials"
	"github.com/uesteibar/opsdeck/internal/db"
	"github.com/uesteibar/opsdeck/internal/gitops"
	"github.com/uesteibar/opsdeck/internal/runerr"
	"github.com/uesteibar/opsdeck/internal/runlog"
	"github.com/uesteibar/opsdeck/internal/shell"
	"github.com/uesteibar/opsdeck/internal/workspace"
)

type mockHost struct{}

func (mockHost) GitToken(ctx context.Context) (string, error) { return "tok", nil }

func (mockHost) DefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	return "main", nil
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func initOrigin(t *testing.T, files map[string]string) *shell.Runner {
	t.Helper()
	requireGit(t)
	r := &shell.Runner{Dir: t.TempDir()}
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
	commitFiles(t, r, files, "initial")
	return r
}

func commitFiles(t *testing.T, r *shell.Runner, files map[string]string, msg string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(r.Dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := gitops.Commit(context.Background(), r, msg); err != nil {
		t.Fatal(err)
	}
}

type fixture struct {
	db      *db.DB
	svc     *Service
	project db.Project
}

func newFixture(t *testing.T, origin string, previewCommand string, cfg Config) *fixture {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	p, err := d.CreateProject(db.Project{
		Name:           "api",
		RepoURL:        origin,
		GithubOwner:    "acme",
		GithubRepo:     "api",
		DefaultBranch:  "main",
		PreviewCommand: previewCommand,
	})
	if err != nil {
		t.Fatal(err)
	}
	hosts := func(credentials.Run) (Host, error) { return mockHost{}, nil }
	svc := New(d, workspace.NewManager(t.TempDir(), nil), hosts, credentials.Defaults{GithubToken: "env"}, cfg, nil)
	return &fixture{db: d, svc: svc, project: p}
}

func TestRun_RepoCommand_RunsAgainstLatestMain(t *testing.T) {
	origin := initOrigin(t, map[string]string{
		"version.txt":  "v1\n",
		RepoConfigPath: "command: cat version.txt\n",
	})
	f := newFixture(t, origin.Dir, "echo project-command", DefaultConfig())
	rec := &runlog.Recorder{}

	res, err := f.svc.Run(context.Background(), Request{ProjectID: f.project.ID}, rec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success || strings.TrimSpace(res.Output) != "v1" || res.Command != "cat version.txt" {
		t.Errorf("result = %+v", res)
	}
	if term := rec.Terminal(); len(term) != 1 || term[0].Status != runlog.StatusSuccess {
		t.Errorf("terminal = %+v", term)
	}

	commitFiles(t, origin, map[string]string{"version.txt": "v2\n"}, "bump")
	res, err = f.svc.Run(context.Background(), Request{ProjectID: f.project.ID}, nil)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if strings.TrimSpace(res.Output) != "v2" || res.Stale {
		t.Errorf("second result = %+v, want refreshed v2", res)
	}

	run, err := f.db.GetRun(res.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != db.RunSuccess || run.Kind != RunKind {
		t.Errorf("run = %+v", run)
	}
}

func TestRun_ProjectCommandFallback(t *testing.T) {
	origin := initOrigin(t, map[string]string{"README.md": "# api\n"})
	f := newFixture(t, origin.Dir, "echo from-project", DefaultConfig())

	res, err := f.svc.Run(context.Background(), Request{ProjectID: f.project.ID}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.TrimSpace(res.Output) != "from-project" {
		t.Errorf("output = %q", res.Output)
	}
}

func TestRun_FailingCommand_IsResultNotError(t *testing.T) {
	origin := initOrigin(t, map[string]string{RepoConfigPath: "command: echo broken; exit 3\n"})
	f := newFixture(t, origin.Dir, "", DefaultConfig())

	res, err := f.svc.Run(context.Background(), Request{ProjectID: f.project.ID}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Success || res.ExitCode != 3 {
		t.Errorf("result = %+v, want exit 3", res)
	}
	run, _ := f.db.GetRun(res.RunID)
	if run.Status != db.RunFailed || !strings.Contains(run.Error, "code 3") {
		t.Errorf("run = %+v", run)
	}
}

func TestRun_Timeout_KillsCommand(t *testing.T) {
	origin := initOrigin(t, map[string]string{RepoConfigPath: "command: sleep 30\n"})
	cfg := DefaultConfig()
	cfg.Limits.Timeout = 200 * time.Millisecond
	f := newFixture(t, origin.Dir, "", cfg)

	start := time.Now()
	res, err := f.svc.Run(context.Background(), Request{ProjectID: f.project.ID}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.TimedOut || res.Success {
		t.Errorf("result = %+v, want timed out", res)
	}
	if time.Since(start) > 10*time.Second {
		t.Error("command was not killed")
	}
}

func TestRun_FetchFailure_RunsStale(t *testing.T) {
	origin := initOrigin(t, map[string]string{"version.txt": "v1\n"})
	f := newFixture(t, origin.Dir, "cat version.txt", DefaultConfig())

	if _, err := f.svc.Run(context.Background(), Request{ProjectID: f.project.ID}, nil); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if err := os.RemoveAll(origin.Dir); err != nil {
		t.Fatal(err)
	}

	rec := &runlog.Recorder{}
	res, err := f.svc.Run(context.Background(), Request{ProjectID: f.project.ID}, rec)
	if err != nil {
		t.Fatalf("stale Run: %v", err)
	}
	if !res.Stale || strings.TrimSpace(res.Output) != "v1" {
		t.Errorf("result = %+v, want stale v1", res)
	}
	if !strings.Contains(strings.Join(rec.Messages(), "\n"), "could not be refreshed") {
		t.Errorf("messages = %v, want stale warning", rec.Messages())
	}
}

func TestRun_NoCommand_Configuration(t *testing.T) {
	origin := initOrigin(t, map[string]string{"README.md": "# api\n"})
	f := newFixture(t, origin.Dir, "", DefaultConfig())

	_, err := f.svc.Run(context.Background(), Request{ProjectID: f.project.ID}, nil)
	if !runerr.Is(err, runerr.KindConfiguration) {
		t.Fatalf("err = %v, want configuration error", err)
	}
}

func TestRun_UnknownProject_Validation(t *testing.T) {
	f := newFixture(t, "/nonexistent", "", DefaultConfig())
	_, err := f.svc.Run(context.Background(), Request{ProjectID: "nope"}, nil)
	if !runerr.Is(err, runerr.KindValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestRun_RepoCommand_SeesNoServerSecrets(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-secret-value")
	t.Setenv("GITHUB_TOKEN", "ghp_secret_value")
	origin := initOrigin(t, map[string]string{
		RepoConfigPath: "command: printf '[%s|%s]\\n' \"$ANTHROPIC_API_KEY\" \"$GITHUB_TOKEN\"; git remote get-url origin\n",
	})
	f := newFixture(t, origin.Dir, "", DefaultConfig())

	for i := 0; i < 2; i++ {
		res, err := f.svc.Run(context.Background(), Request{ProjectID: f.project.ID}, nil)
		if err != nil {
			t.Fatalf("Run %d: %v", i, err)
		}
		lines := strings.Split(strings.TrimSpace(res.Output), "\n")
		if len(lines) != 2 || lines[0] != "[|]" || lines[1] != origin.Dir {
			t.Errorf("run %d output = %q, want empty secrets and the plain origin", i, res.Output)
		}
		if strings.Contains(res.Output, "secret_value") || strings.Contains(res.Output, "secret-value") {
			t.Errorf("run %d output = %q leaks a secret", i, res.Output)
		}
	}
}
