package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/uesteibar/opsdeck/internal/autofix"
	"github.com/uesteibar/opsdeck/internal/credentials"
	"github.com/uesteibar/opsdeck/internal/db"
	"github.com/uesteibar/opsdeck/internal/dispatch"
	"github.com/uesteibar/opsdeck/internal/issue"
	"github.com/uesteibar/opsdeck/internal/merge"
	"github.com/uesteibar/opsdeck/internal/preview"
	"github.com/uesteibar/opsdeck/internal/rollback"
	"github.com/uesteibar/opsdeck/internal/runlog"
	"github.com/uesteibar/opsdeck/internal/scm"
)

// Store is the read side of the database used by the API.
type Store interface {
	GetProject(id string) (db.Project, error)
	GetRun(id string) (db.Run, error)
	ListRuns(issueID string, limit int) ([]db.Run, error)
	ListRunLog(runID string) ([]db.ActivityEntry, error)
}

// Issues reads issues and applies manual status changes.
type Issues interface {
	Get(id string) (db.Issue, error)
	SetStatus(id string, target issue.Status, actor string) (db.Issue, error)
}

// Autofixer starts autofix runs.
type Autofixer interface {
	Start(req autofix.Request) (*autofix.Run, error)
}

// Rollbacker reverts merged pull requests.
type Rollbacker interface {
	Rollback(ctx context.Context, req rollback.ProjectRequest, sink runlog.Sink) (rollback.ProjectResult, error)
}

// Merger merges an issue's pull request.
type Merger interface {
	Merge(ctx context.Context, req merge.Request) (db.Issue, error)
}

// Previewer runs a project's preview command.
type Previewer interface {
	Run(ctx context.Context, req preview.Request, sink runlog.Sink) (preview.Result, error)
}

// PullsHost lists pull requests for the dashboard.
type PullsHost interface {
	ListPullRequests(ctx context.Context, owner, repo, state string, limit int) ([]scm.PR, error)
	ListPullRequestFiles(ctx context.Context, owner, repo string, number int) ([]scm.PRFile, error)
}

// PullsHostFactory builds a PullsHost for resolved credentials.
type PullsHostFactory func(creds credentials.Run) (PullsHost, error)

// Config holds server configuration. Store and Issues are required; each
// action endpoint is registered only when its dependency is set.
type Config struct {
	Store    Store
	Issues   Issues
	Autofix  Autofixer
	Rollback Rollbacker
	Merge    Merger
	Preview  Previewer
	Pulls    PullsHostFactory
	Defaults credentials.Defaults
	// Dispatcher runs async autofix requests. Without it ?async=1 is
	// rejected.
	Dispatcher *dispatch.Dispatcher
	// BaseContext parents detached jobs. Defaults to context.Background().
	BaseContext context.Context
	// Hub receives run logs and issue updates. When non-nil /api/ws is
	// served.
	Hub    *Hub
	Logger *slog.Logger
}

// Server wraps the opsdeck HTTP server.
type Server struct {
	mux      *http.ServeMux
	listener net.Listener
	http     *http.Server
}

// New creates a Server bound to the given address (e.g. "127.0.0.1:7750").
// It does not start serving; call Serve() for that.
func New(addr string, cfg Config) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	s := &Server{
		mux:      mux,
		listener: ln,
		http:     &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second},
	}
	s.registerRoutes(cfg)
	return s, nil
}

// Handler exposes the route table, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.mux }

// Addr returns the listener's address (useful when binding to :0 in tests).
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve starts accepting connections. It blocks until the server is closed
// and returns http.ErrServerClosed after Shutdown or Close.
func (s *Server) Serve() error {
	return s.http.Serve(s.listener)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Close stops the server immediately.
func (s *Server) Close() error {
	return s.http.Close()
}

func (s *Server) registerRoutes(cfg Config) {
	api := newAPIHandler(cfg)

	s.mux.HandleFunc("GET /api/status", api.handleStatus)
	if cfg.Store != nil && cfg.Issues != nil {
		s.mux.HandleFunc("GET /api/issues/{id}", api.handleGetIssue)
		s.mux.HandleFunc("PATCH /api/issues/{id}/status", api.handleSetStatus)
		s.mux.HandleFunc("GET /api/runs/{id}", api.handleGetRun)
		s.mux.HandleFunc("GET /api/runs/{id}/logs", api.handleRunLogs)
	}
	if cfg.Autofix != nil {
		s.mux.HandleFunc("POST /api/issues/{id}/autofix", api.handleAutofix)
	}
	if cfg.Merge != nil {
		s.mux.HandleFunc("POST /api/issues/{id}/merge", api.handleMerge)
	}
	if cfg.Rollback != nil {
		s.mux.HandleFunc("POST /api/projects/{id}/rollback", api.handleRollback)
	}
	if cfg.Preview != nil {
		s.mux.HandleFunc("POST /api/projects/{id}/preview", api.handlePreview)
	}
	if cfg.Pulls != nil && cfg.Store != nil {
		s.mux.HandleFunc("GET /api/projects/{id}/pulls", api.handleListPulls)
		s.mux.HandleFunc("GET /api/projects/{id}/pulls/{number}/files", api.handlePullFiles)
	}

	if cfg.Hub != nil {
		s.mux.HandleFunc("GET /api/ws", cfg.Hub.ServeWS)
	}

	// Catch-all for unregistered /api/ routes returns 404.
	s.mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found", "")
	})
}
