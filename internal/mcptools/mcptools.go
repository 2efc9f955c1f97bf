// Package mcptools exposes autofix, rollback and run inspection as MCP tools
// over stdio.
package mcptools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/uesteibar/opsdeck/internal/autofix"
	"github.com/uesteibar/opsdeck/internal/db"
	"github.com/uesteibar/opsdeck/internal/dispatch"
	"github.com/uesteibar/opsdeck/internal/rollback"
	"github.com/uesteibar/opsdeck/internal/runerr"
	"github.com/uesteibar/opsdeck/internal/runlog"
)

// Version is reported to MCP clients.
const Version = "1.0.0"

// Store resolves projects and reads runs.
type Store interface {
	GetProject(id string) (db.Project, error)
	GetProjectByName(name string) (db.Project, error)
	GetRun(id string) (db.Run, error)
	ListRunLog(runID string) ([]db.ActivityEntry, error)
}

// Autofixer starts autofix runs.
type Autofixer interface {
	Start(req autofix.Request) (*autofix.Run, error)
}

// Rollbacker reverts merged pull requests.
type Rollbacker interface {
	Rollback(ctx context.Context, req rollback.ProjectRequest, sink runlog.Sink) (rollback.ProjectResult, error)
}

// Server wraps the orchestrators and exposes them as MCP tools.
type Server struct {
	store      Store
	autofix    Autofixer
	rollback   Rollbacker
	dispatcher *dispatch.Dispatcher
	baseCtx    context.Context
	logger     *slog.Logger
}

// Deps groups the tool server's collaborators. Dispatcher is optional;
// without it start_autofix waits for the run to finish.
type Deps struct {
	Store      Store
	Autofix    Autofixer
	Rollback   Rollbacker
	Dispatcher *dispatch.Dispatcher
	Logger     *slog.Logger
}

func NewServer(ctx context.Context, d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:      d.Store,
		autofix:    d.Autofix,
		rollback:   d.Rollback,
		dispatcher: d.Dispatcher,
		baseCtx:    ctx,
		logger:     logger,
	}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("opsdeck", Version, server.WithToolCapabilities(true))
	srv.AddTool(s.startAutofixTool())
	srv.AddTool(s.startRollbackTool())
	srv.AddTool(s.getRunTool())
	return srv
}

// ServeStdio serves the tools on in/out until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.MCPServer())
	return stdio.Listen(ctx, in, out)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

func (s *Server) startAutofixTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("start_autofix",
		mcp.WithDescription("Start an AI autofix for an open issue. The issue is locked immediately; the returned runId can be polled with get_run."),
		mcp.WithString("issue_id", mcp.Required(), mcp.Description("Issue id")),
		mcp.WithString("actor", mcp.Description("User id that receives the review task")),
	)
	return tool, s.handleStartAutofix
}

func (s *Server) handleStartAutofix(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	issueID, err := request.RequireString("issue_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: issue_id"), nil
	}
	run, err := s.autofix.Start(autofix.Request{IssueID: issueID, ActorID: request.GetString("actor", "")})
	if err != nil {
		return toolError("autofix rejected", err), nil
	}

	if s.dispatcher == nil {
		res, err := run.Execute(ctx, nil)
		if err != nil {
			return toolError("autofix failed", err), nil
		}
		return jsonResult(res)
	}

	err = s.dispatcher.Dispatch(s.baseCtx, autofix.JobKey(run.IssueID), func(ctx context.Context) error {
		_, err := run.Execute(ctx, nil)
		return err
	})
	if err != nil {
		s.logger.Warn("dispatching autofix", "issue_id", run.IssueID, "run_id", run.ID, "error", err)
		run.Abort(err)
		return toolError("autofix could not be scheduled", err), nil
	}
	return jsonResult(map[string]string{"runId": run.ID, "issueId": run.IssueID, "status": db.RunRunning})
}

func (s *Server) startRollbackTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("start_rollback",
		mcp.WithDescription("Revert a merged pull request by opening a revert pull request. Waits for the revert PR to exist."),
		mcp.WithString("project", mcp.Required(), mcp.Description("Project id or name")),
		mcp.WithNumber("pr_number", mcp.Required(), mcp.Description("Number of the pull request to roll back")),
		mcp.WithString("commit_sha", mcp.Required(), mcp.Description("Merge or squash commit of that pull request")),
		mcp.WithString("issue_id", mcp.Description("Issue to reopen once the revert PR exists")),
	)
	return tool, s.handleStartRollback
}

func (s *Server) handleStartRollback(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := request.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: project"), nil
	}
	prNumber, err := request.RequireInt("pr_number")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: pr_number"), nil
	}
	sha, err := request.RequireString("commit_sha")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: commit_sha"), nil
	}
	project, err := s.resolveProject(ref)
	if err != nil {
		return toolError("project lookup failed", err), nil
	}

	res, err := s.rollback.Rollback(ctx, rollback.ProjectRequest{
		ProjectID: project.ID,
		PRNumber:  prNumber,
		CommitSHA: sha,
		IssueID:   request.GetString("issue_id", ""),
	}, nil)
	if err != nil {
		return toolError("rollback failed", err), nil
	}
	return jsonResult(res)
}

func (s *Server) getRunTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("get_run",
		mcp.WithDescription("Get a run's status, outcome and log lines."),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run id")),
	)
	return tool, s.handleGetRun
}

type runOut struct {
	ID        string   `json:"id"`
	Kind      string   `json:"kind"`
	IssueID   string   `json:"issueId,omitempty"`
	Status    string   `json:"status"`
	PRURL     string   `json:"prUrl,omitempty"`
	Error     string   `json:"error,omitempty"`
	ErrorKind string   `json:"errorKind,omitempty"`
	Logs      []string `json:"logs"`
}

func (s *Server) handleGetRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := request.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: run_id"), nil
	}
	run, err := s.store.GetRun(runID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("run not found: %s", runID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to load run: %v", err)), nil
	}
	entries, err := s.store.ListRunLog(runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load run log: %v", err)), nil
	}

	out := runOut{
		ID:        run.ID,
		Kind:      run.Kind,
		IssueID:   run.IssueID,
		Status:    run.Status,
		PRURL:     run.PRURL,
		Error:     run.Error,
		ErrorKind: run.ErrorKind,
		Logs:      make([]string, 0, len(entries)),
	}
	for _, e := range entries {
		if e.Detail == "" {
			continue
		}
		out.Logs = append(out.Logs, fmt.Sprintf("[%s] %s", e.Level, e.Detail))
	}
	return jsonResult(out)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (s *Server) resolveProject(ref string) (db.Project, error) {
	p, err := s.store.GetProject(ref)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return db.Project{}, err
	}
	p, err = s.store.GetProjectByName(ref)
	if errors.Is(err, db.ErrNotFound) {
		return db.Project{}, runerr.Validationf("project not found: %s", ref)
	}
	return p, err
}

func toolError(prefix string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s (%s): %s", prefix, runerr.KindOf(err), runerr.Message(err)))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
