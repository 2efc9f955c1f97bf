package mcptools

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/uesteibar/opsdeck/internal/agent"
	"github.com/uesteibar/opsdeck/internal/autofix"
	"github.com/uesteibar/opsdeck/internal/credentials"
	"github.com/uesteibar/opsdeck/internal/db"
	"github.com/uesteibar/opsdeck/internal/dispatch"
	"github.com/uesteibar/opsdeck/internal/explain"
	"github.com/uesteibar/opsdeck/internal/issue"
	"github.com/uesteibar/opsdeck/internal/prompts"
	"github.com/uesteibar/opsdeck/internal/rollback"
	"github.com/uesteibar/opsdeck/internal/runerr"
	"github.com/uesteibar/opsdeck/internal/runlog"
	"github.com/uesteibar/opsdeck/internal/scm"
)

// --- Fakes ---

type fakeTracking struct{}

func (fakeTracking) CreateIssue(ctx context.Context, owner, repo, title, body string, labels ...string) (scm.Issue, error) {
	return scm.Issue{Number: 7, HTMLURL: "https://github.com/acme/api/issues/7", State: "open"}, nil
}

func (fakeTracking) GetIssue(ctx context.Context, owner, repo string, number int) (scm.Issue, error) {
	return scm.Issue{}, runerr.Configurationf("not found")
}

type fakeInvoker struct{}

func (fakeInvoker) Invoke(ctx context.Context, req agent.Request, log runlog.LogFunc) (agent.Result, error) {
	log(runlog.LevelInfo, "agent working")
	return agent.Result{Status: agent.StatusSuccess, PRURL: "https://github.com/acme/api/pull/42", PRNumber: 42}, nil
}

type fakeRollbacker struct {
	reqs []rollback.ProjectRequest
	err  error
}

func (f *fakeRollbacker) Rollback(ctx context.Context, req rollback.ProjectRequest, sink runlog.Sink) (rollback.ProjectResult, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return rollback.ProjectResult{}, f.err
	}
	return rollback.ProjectResult{Result: rollback.Result{Success: true, PRURL: "https://github.com/acme/api/pull/43", PRNumber: 43}, RunID: "run-rb"}, nil
}

// --- Helpers ---

type fixture struct {
	db         *db.DB
	project    db.Project
	issue      db.Issue
	rollbacker *fakeRollbacker
	dispatcher *dispatch.Dispatcher
	srv        *Server
}

func newFixture(t *testing.T, withDispatcher bool) *fixture {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	project, err := d.CreateProject(db.Project{Name: "api", GithubOwner: "acme", GithubRepo: "api"})
	if err != nil {
		t.Fatal(err)
	}
	sm := issue.New(d)
	is, err := sm.Create(issue.NewIssue{ProjectID: project.ID, Title: "Login fails"})
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{db: d, project: project, issue: is, rollbacker: &fakeRollbacker{}}
	orch := autofix.New(autofix.Deps{
		Store:     d,
		Issues:    sm,
		Hosts:     func(credentials.Run) (autofix.TrackingHost, error) { return fakeTracking{}, nil },
		Invoker:   fakeInvoker{},
		Explainer: explain.NewExplainer(nil, prompts.Renderer{}, 0, nil),
	}, autofix.Config{Defaults: credentials.Defaults{GithubToken: "env-token", AnthropicAPIKey: "sk-test"}})

	deps := Deps{Store: d, Autofix: orch, Rollback: f.rollbacker}
	if withDispatcher {
		f.dispatcher = dispatch.New(dispatch.Config{})
		deps.Dispatcher = f.dispatcher
	}
	f.srv = NewServer(context.Background(), deps)
	return f
}

func callToolReq(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	var b strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

func resultJSON(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := resultText(t, result)
	if err := json.Unmarshal([]byte(text), target); err != nil {
		t.Fatalf("failed to parse result JSON %q: %v", text, err)
	}
}

func TestMCPServer_RegistersTools(t *testing.T) {
	f := newFixture(t, false)
	if f.srv.MCPServer() == nil {
		t.Fatal("MCPServer() returned nil")
	}
}

// --- start_autofix ---

func TestStartAutofix_Dispatched(t *testing.T) {
	f := newFixture(t, true)

	result, err := f.srv.handleStartAutofix(context.Background(), callToolReq("start_autofix", map[string]any{"issue_id": f.issue.ID, "actor": "u1"}))
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(t, result))
	}
	var out map[string]string
	resultJSON(t, result, &out)
	if out["runId"] == "" || out["status"] != db.RunRunning {
		t.Fatalf("out = %v", out)
	}
	f.dispatcher.Wait()

	run, err := f.db.GetRun(out["runId"])
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != db.RunSuccess {
		t.Errorf("run status = %s, want SUCCESS", run.Status)
	}
}

func TestStartAutofix_SyncWithoutDispatcher(t *testing.T) {
	f := newFixture(t, false)

	result, err := f.srv.handleStartAutofix(context.Background(), callToolReq("start_autofix", map[string]any{"issue_id": f.issue.ID}))
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(t, result))
	}
	var out autofix.Result
	resultJSON(t, result, &out)
	if out.PRNumber != 42 {
		t.Errorf("PRNumber = %d, want 42", out.PRNumber)
	}
}

func TestStartAutofix_Errors(t *testing.T) {
	f := newFixture(t, false)

	result, _ := f.srv.handleStartAutofix(context.Background(), callToolReq("start_autofix", nil))
	if !result.IsError {
		t.Error("expected error when issue_id is missing")
	}

	result, _ = f.srv.handleStartAutofix(context.Background(), callToolReq("start_autofix", map[string]any{"issue_id": "missing"}))
	if !result.IsError || !strings.Contains(resultText(t, result), "validation_error") {
		t.Errorf("expected a validation error, got %q", resultText(t, result))
	}
}

// --- start_rollback ---

func TestStartRollback_ResolvesProjectByName(t *testing.T) {
	f := newFixture(t, false)

	result, err := f.srv.handleStartRollback(context.Background(), callToolReq("start_rollback", map[string]any{
		"project":    "api",
		"pr_number":  float64(12),
		"commit_sha": "abc1234",
		"issue_id":   f.issue.ID,
	}))
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(t, result))
	}
	if len(f.rollbacker.reqs) != 1 {
		t.Fatalf("rollback calls = %d, want 1", len(f.rollbacker.reqs))
	}
	want := rollback.ProjectRequest{ProjectID: f.project.ID, PRNumber: 12, CommitSHA: "abc1234", IssueID: f.issue.ID}
	if got := f.rollbacker.reqs[0]; got != want {
		t.Errorf("request = %+v, want %+v", got, want)
	}
}

func TestStartRollback_Errors(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
		err  error
		want string
	}{
		{name: "missing project", args: map[string]any{"pr_number": float64(1), "commit_sha": "abcd"}, want: "project"},
		{name: "missing sha", args: map[string]any{"project": "api", "pr_number": float64(1)}, want: "commit_sha"},
		{name: "unknown project", args: map[string]any{"project": "web", "pr_number": float64(1), "commit_sha": "abcd"}, want: "project not found"},
		{
			name: "conflict",
			args: map[string]any{"project": "api", "pr_number": float64(1), "commit_sha": "abcd"},
			err:  runerr.New(runerr.KindConflict, "revert does not apply cleanly", nil),
			want: "conflict_error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, false)
			f.rollbacker.err = tt.err

			result, err := f.srv.handleStartRollback(context.Background(), callToolReq("start_rollback", tt.args))
			if err != nil {
				t.Fatal(err)
			}
			if !result.IsError {
				t.Fatal("expected a tool error")
			}
			if text := resultText(t, result); !strings.Contains(text, tt.want) {
				t.Errorf("error = %q, want it to mention %q", text, tt.want)
			}
		})
	}
}

// --- get_run ---

func TestGetRun_ReturnsStatusAndLogs(t *testing.T) {
	f := newFixture(t, false)
	if _, err := f.srv.handleStartAutofix(context.Background(), callToolReq("start_autofix", map[string]any{"issue_id": f.issue.ID})); err != nil {
		t.Fatal(err)
	}
	runs, err := f.db.ListRuns(f.issue.ID, 1)
	if err != nil || len(runs) != 1 {
		t.Fatalf("runs = %v, err = %v", runs, err)
	}

	result, err := f.srv.handleGetRun(context.Background(), callToolReq("get_run", map[string]any{"run_id": runs[0].ID}))
	if err != nil {
		t.Fatal(err)
	}
	var out runOut
	resultJSON(t, result, &out)
	if out.Status != db.RunSuccess || out.Kind != autofix.RunKind {
		t.Errorf("out = %+v", out)
	}
	found := false
	for _, l := range out.Logs {
		if strings.Contains(l, "agent working") {
			found = true
		}
	}
	if !found {
		t.Errorf("logs = %v, want the agent's line", out.Logs)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	f := newFixture(t, false)
	result, _ := f.srv.handleGetRun(context.Background(), callToolReq("get_run", map[string]any{"run_id": "missing"}))
	if !result.IsError {
		t.Fatal("expected a tool error")
	}
}
