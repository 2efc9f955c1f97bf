package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/uesteibar/opsdeck/internal/autofix"
	"github.com/uesteibar/opsdeck/internal/credentials"
	"github.com/uesteibar/opsdeck/internal/db"
	"github.com/uesteibar/opsdeck/internal/issue"
	"github.com/uesteibar/opsdeck/internal/merge"
	"github.com/uesteibar/opsdeck/internal/preview"
	"github.com/uesteibar/opsdeck/internal/projects"
	"github.com/uesteibar/opsdeck/internal/rollback"
	"github.com/uesteibar/opsdeck/internal/runerr"
	"github.com/uesteibar/opsdeck/internal/runlog"
	"github.com/uesteibar/opsdeck/internal/scm"
)

// Request headers carrying the acting user and their GitHub session token.
const (
	HeaderUserID      = "X-User-ID"
	HeaderGithubToken = "X-GitHub-Token"
)

const defaultPullsLimit = 30

type apiHandler struct {
	cfg     Config
	startAt time.Time
	logger  *slog.Logger
}

func newAPIHandler(cfg Config) *apiHandler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	return &apiHandler{cfg: cfg, startAt: time.Now(), logger: cfg.Logger}
}

// sink is where synchronous runs stream their logs besides the store.
func (h *apiHandler) sink() runlog.Sink {
	if h.cfg.Hub == nil {
		return runlog.Discard
	}
	return h.cfg.Hub
}

func (h *apiHandler) publishIssue(is db.Issue) {
	if h.cfg.Hub == nil {
		return
	}
	msg, err := NewWSMessage(MsgIssueUpdated, toIssueResponse(is))
	if err != nil {
		h.logger.Error("encoding issue update", "issue_id", is.ID, "error", err)
		return
	}
	h.cfg.Hub.Broadcast(msg)
}

// apiError is the consistent error response format.
type apiError struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, kind runerr.Kind) {
	writeJSON(w, status, apiError{Error: msg, Kind: string(kind)})
}

// writeRunError reports a classified failure with its kind and the matching
// HTTP status. Unclassified errors are internal and their text is not
// exposed.
func (h *apiHandler) writeRunError(w http.ResponseWriter, r *http.Request, err error) {
	kind := runerr.KindOf(err)
	status := statusFor(kind, err)
	msg := runerr.Message(err)
	if kind == runerr.KindInternal {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		var re *runerr.Error
		if !errors.As(err, &re) || re.Message == "" {
			msg = "internal error"
		}
	}
	writeError(w, status, msg, kind)
}

func statusFor(kind runerr.Kind, err error) int {
	switch kind {
	case runerr.KindValidation:
		if errors.Is(err, issue.ErrLocked) {
			return http.StatusConflict
		}
		return http.StatusBadRequest
	case runerr.KindConfiguration:
		return http.StatusPreconditionFailed
	case runerr.KindAuthentication:
		return http.StatusUnauthorized
	case runerr.KindConflict:
		return http.StatusConflict
	case runerr.KindTransientIO, runerr.KindAgent:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return runerr.Validationf("invalid request body: %v", err)
	}
	return nil
}

type issueResponse struct {
	ID            string  `json:"id"`
	ProjectID     string  `json:"projectId"`
	RequirementID string  `json:"requirementId,omitempty"`
	Title         string  `json:"title"`
	Description   string  `json:"description"`
	Kind          string  `json:"kind"`
	Priority      string  `json:"priority"`
	Status        string  `json:"status"`
	Assignee      string  `json:"assignee,omitempty"`
	PRURL         string  `json:"prUrl,omitempty"`
	PRNumber      int     `json:"prNumber,omitempty"`
	TrackingURL   string  `json:"trackingUrl,omitempty"`
	AIExplanation string  `json:"aiExplanation,omitempty"`
	MergedAt      *string `json:"mergedAt,omitempty"`
	CreatedAt     string  `json:"createdAt"`
	UpdatedAt     string  `json:"updatedAt"`
}

func toIssueResponse(is db.Issue) issueResponse {
	resp := issueResponse{
		ID:            is.ID,
		ProjectID:     is.ProjectID,
		RequirementID: is.RequirementID,
		Title:         is.Title,
		Description:   is.Description,
		Kind:          is.Kind,
		Priority:      is.Priority,
		Status:        is.Status,
		Assignee:      is.Assignee,
		PRURL:         is.PRURL,
		PRNumber:      is.PRNumber,
		TrackingURL:   is.TrackingURL,
		AIExplanation: is.AIExplanation,
		CreatedAt:     is.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     is.UpdatedAt.Format(time.RFC3339),
	}
	if is.MergedAt != nil {
		s := is.MergedAt.Format(time.RFC3339)
		resp.MergedAt = &s
	}
	return resp
}

type runResponse struct {
	ID         string  `json:"id"`
	Kind       string  `json:"kind"`
	IssueID    string  `json:"issueId,omitempty"`
	ProjectID  string  `json:"projectId"`
	Status     string  `json:"status"`
	PRURL      string  `json:"prUrl,omitempty"`
	PRNumber   int     `json:"prNumber,omitempty"`
	Error      string  `json:"error,omitempty"`
	ErrorKind  string  `json:"errorKind,omitempty"`
	StartedAt  string  `json:"startedAt"`
	FinishedAt *string `json:"finishedAt,omitempty"`
}

func toRunResponse(run db.Run) runResponse {
	resp := runResponse{
		ID:        run.ID,
		Kind:      run.Kind,
		IssueID:   run.IssueID,
		ProjectID: run.ProjectID,
		Status:    run.Status,
		PRURL:     run.PRURL,
		PRNumber:  run.PRNumber,
		Error:     run.Error,
		ErrorKind: run.ErrorKind,
		StartedAt: run.StartedAt.Format(time.RFC3339),
	}
	if run.FinishedAt != nil {
		s := run.FinishedAt.Format(time.RFC3339)
		resp.FinishedAt = &s
	}
	return resp
}

// handleStatus returns server health information.
func (h *apiHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status": "ok",
		"uptime": time.Since(h.startAt).Truncate(time.Second).String(),
	}
	if h.cfg.Dispatcher != nil {
		resp["activeRuns"] = h.cfg.Dispatcher.ActiveCount()
	}
	if h.cfg.Hub != nil {
		resp["wsClients"] = h.cfg.Hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetIssue returns an issue with its recent runs.
func (h *apiHandler) handleGetIssue(w http.ResponseWriter, r *http.Request) {
	is, err := h.cfg.Issues.Get(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, "issue not found", runerr.KindValidation)
			return
		}
		h.writeRunError(w, r, err)
		return
	}
	runs, err := h.cfg.Store.ListRuns(is.ID, 10)
	if err != nil {
		h.writeRunError(w, r, fmt.Errorf("listing runs: %w", err))
		return
	}
	runResp := make([]runResponse, len(runs))
	for i, run := range runs {
		runResp[i] = toRunResponse(run)
	}
	writeJSON(w, http.StatusOK, struct {
		issueResponse
		Runs []runResponse `json:"runs"`
	}{toIssueResponse(is), runResp})
}

// handleSetStatus applies a manual status change.
func (h *apiHandler) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	if err := decodeBody(r, &body); err != nil {
		h.writeRunError(w, r, err)
		return
	}
	if body.Status == "" {
		writeError(w, http.StatusBadRequest, "status is required", runerr.KindValidation)
		return
	}
	updated, err := h.cfg.Issues.SetStatus(r.PathValue("id"), issue.Status(body.Status), r.Header.Get(HeaderUserID))
	if err != nil {
		h.writeRunError(w, r, err)
		return
	}
	h.publishIssue(updated)
	writeJSON(w, http.StatusOK, toIssueResponse(updated))
}

// handleAutofix runs an autofix. With ?async=1 the issue is locked
// synchronously, the work is handed to the dispatcher and 202 is returned
// with the run id; progress then arrives on the websocket and at
// /api/runs/{id}.
func (h *apiHandler) handleAutofix(w http.ResponseWriter, r *http.Request) {
	async := r.URL.Query().Get("async") == "1"
	if async && h.cfg.Dispatcher == nil {
		writeError(w, http.StatusBadRequest, "async runs are not enabled on this server", runerr.KindValidation)
		return
	}

	run, err := h.cfg.Autofix.Start(autofix.Request{
		IssueID:      r.PathValue("id"),
		ActorID:      r.Header.Get(HeaderUserID),
		SessionToken: r.Header.Get(HeaderGithubToken),
	})
	if err != nil {
		h.writeRunError(w, r, err)
		return
	}

	if async {
		err := h.cfg.Dispatcher.Dispatch(h.cfg.BaseContext, autofix.JobKey(run.IssueID), func(ctx context.Context) error {
			_, err := run.Execute(ctx, h.sink())
			return err
		})
		if err != nil {
			run.Abort(err)
			h.writeRunError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"runId": run.ID, "issueId": run.IssueID})
		return
	}

	// A synchronous run also stops when the server gives up on in-flight
	// work, so the issue is released before the process exits.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(h.cfg.BaseContext, cancel)
	defer stop()

	res, err := run.Execute(ctx, h.sink())
	if err != nil {
		h.writeRunError(w, r, err)
		return
	}
	if h.cfg.Issues != nil {
		if updated, err := h.cfg.Issues.Get(run.IssueID); err == nil {
			h.publishIssue(updated)
		}
	}
	writeJSON(w, http.StatusOK, res)
}

// handleMerge merges the issue's pull request.
func (h *apiHandler) handleMerge(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Method string `json:"method"`
	}
	if err := decodeBody(r, &body); err != nil {
		h.writeRunError(w, r, err)
		return
	}
	updated, err := h.cfg.Merge.Merge(r.Context(), merge.Request{
		IssueID:      r.PathValue("id"),
		Method:       body.Method,
		SessionToken: r.Header.Get(HeaderGithubToken),
	})
	if err != nil {
		h.writeRunError(w, r, err)
		return
	}
	h.publishIssue(updated)
	writeJSON(w, http.StatusOK, toIssueResponse(updated))
}

// handleRollback reverts a merged pull request of the project.
func (h *apiHandler) handleRollback(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PRNumber  int    `json:"prNumber"`
		CommitSHA string `json:"commitSha"`
		IssueID   string `json:"issueId"`
	}
	if err := decodeBody(r, &body); err != nil {
		h.writeRunError(w, r, err)
		return
	}
	res, err := h.cfg.Rollback.Rollback(r.Context(), rollback.ProjectRequest{
		ProjectID:    r.PathValue("id"),
		PRNumber:     body.PRNumber,
		CommitSHA:    body.CommitSHA,
		IssueID:      body.IssueID,
		SessionToken: r.Header.Get(HeaderGithubToken),
	}, h.sink())
	if err != nil {
		h.writeRunError(w, r, err)
		return
	}
	if body.IssueID != "" && h.cfg.Issues != nil {
		if updated, err := h.cfg.Issues.Get(body.IssueID); err == nil {
			h.publishIssue(updated)
		}
	}
	writeJSON(w, http.StatusOK, res)
}

// handlePreview runs the project's preview command. A failing command is
// still a 200 with success=false.
func (h *apiHandler) handlePreview(w http.ResponseWriter, r *http.Request) {
	res, err := h.cfg.Preview.Run(r.Context(), preview.Request{
		ProjectID:    r.PathValue("id"),
		SessionToken: r.Header.Get(HeaderGithubToken),
	}, h.sink())
	if err != nil {
		h.writeRunError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type pullResponse struct {
	Number    int    `json:"number"`
	URL       string `json:"url"`
	Title     string `json:"title"`
	State     string `json:"state"`
	Head      string `json:"head"`
	Base      string `json:"base"`
	Merged    bool   `json:"merged"`
	MergeSHA  string `json:"mergeSha,omitempty"`
	Author    string `json:"author"`
	CreatedAt string `json:"createdAt"`
}

// handleListPulls lists the project's pull requests. state defaults to
// open; limit defaults to 30.
func (h *apiHandler) handleListPulls(w http.ResponseWriter, r *http.Request) {
	host, owner, repo, err := h.pullsHost(r)
	if err != nil {
		h.writeRunError(w, r, err)
		return
	}
	state := r.URL.Query().Get("state")
	if state == "" {
		state = "open"
	}
	limit := defaultPullsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", runerr.KindValidation)
			return
		}
		limit = n
	}

	prs, err := host.ListPullRequests(r.Context(), owner, repo, state, limit)
	if err != nil {
		h.writeRunError(w, r, scm.RewriteBadCredentials(err))
		return
	}
	result := make([]pullResponse, len(prs))
	for i, pr := range prs {
		result[i] = pullResponse{
			Number:    pr.Number,
			URL:       pr.HTMLURL,
			Title:     pr.Title,
			State:     pr.State,
			Head:      pr.Head,
			Base:      pr.Base,
			Merged:    pr.Merged,
			MergeSHA:  pr.MergeSHA,
			Author:    pr.Author,
			CreatedAt: pr.Created.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, result)
}

type pullFileResponse struct {
	Filename  string `json:"filename"`
	Status    string `json:"status"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Patch     string `json:"patch,omitempty"`
}

// handlePullFiles lists the files changed by one pull request.
func (h *apiHandler) handlePullFiles(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.Atoi(r.PathValue("number"))
	if err != nil || number <= 0 {
		writeError(w, http.StatusBadRequest, "pull request number must be a positive integer", runerr.KindValidation)
		return
	}
	host, owner, repo, err := h.pullsHost(r)
	if err != nil {
		h.writeRunError(w, r, err)
		return
	}
	files, err := host.ListPullRequestFiles(r.Context(), owner, repo, number)
	if err != nil {
		h.writeRunError(w, r, scm.RewriteBadCredentials(err))
		return
	}
	result := make([]pullFileResponse, len(files))
	for i, f := range files {
		result[i] = pullFileResponse(f)
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *apiHandler) pullsHost(r *http.Request) (PullsHost, string, string, error) {
	project, err := h.cfg.Store.GetProject(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, "", "", runerr.Validationf("project %s not found", r.PathValue("id"))
		}
		return nil, "", "", fmt.Errorf("loading project: %w", err)
	}
	owner, repo, _, err := projects.Repository(project)
	if err != nil {
		return nil, "", "", err
	}
	creds := credentials.Resolve(credentials.Sources{
		Session:  r.Header.Get(HeaderGithubToken),
		Project:  project.GithubToken,
		Defaults: h.cfg.Defaults,
	})
	if err := creds.RequireGithub(); err != nil {
		return nil, "", "", err
	}
	host, err := h.cfg.Pulls(creds)
	if err != nil {
		return nil, "", "", runerr.New(runerr.KindConfiguration, fmt.Sprintf("GitHub client: %v", err), err)
	}
	return host, owner, repo, nil
}

// handleGetRun returns one run record.
func (h *apiHandler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.cfg.Store.GetRun(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found", runerr.KindValidation)
			return
		}
		h.writeRunError(w, r, fmt.Errorf("loading run: %w", err))
		return
	}
	resp := toRunResponse(run)
	if h.cfg.Dispatcher != nil && run.IssueID != "" && run.Status == db.RunRunning {
		writeJSON(w, http.StatusOK, struct {
			runResponse
			Active bool `json:"active"`
		}{resp, h.cfg.Dispatcher.IsRunning(autofix.JobKey(run.IssueID))})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type logEntryResponse struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	Event     string `json:"event"`
	Status    string `json:"status,omitempty"`
	CreatedAt string `json:"createdAt"`
}

// handleRunLogs returns the stored log lines of a run in order.
func (h *apiHandler) handleRunLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.cfg.Store.GetRun(id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found", runerr.KindValidation)
			return
		}
		h.writeRunError(w, r, fmt.Errorf("loading run: %w", err))
		return
	}
	entries, err := h.cfg.Store.ListRunLog(id)
	if err != nil {
		h.writeRunError(w, r, fmt.Errorf("listing run log: %w", err))
		return
	}
	result := make([]logEntryResponse, len(entries))
	for i, e := range entries {
		result[i] = logEntryResponse{
			Level:     e.Level,
			Message:   e.Detail,
			Event:     e.EventType,
			Status:    e.ToState,
			CreatedAt: e.CreatedAt.Format(time.RFC3339Nano),
		}
	}
	writeJSON(w, http.StatusOK, result)
}
