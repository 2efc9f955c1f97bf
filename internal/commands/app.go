package commands

import (
	"errors"
	"fmt"

	"github.com/uesteibar/opsdeck/internal/agent"
	"github.com/uesteibar/opsdeck/internal/autofix"
	"github.com/uesteibar/opsdeck/internal/credentials"
	"github.com/uesteibar/opsdeck/internal/db"
	"github.com/uesteibar/opsdeck/internal/explain"
	"github.com/uesteibar/opsdeck/internal/issue"
	"github.com/uesteibar/opsdeck/internal/merge"
	"github.com/uesteibar/opsdeck/internal/notify"
	"github.com/uesteibar/opsdeck/internal/preview"
	"github.com/uesteibar/opsdeck/internal/projects"
	"github.com/uesteibar/opsdeck/internal/prompts"
	"github.com/uesteibar/opsdeck/internal/rollback"
	"github.com/uesteibar/opsdeck/internal/runerr"
	"github.com/uesteibar/opsdeck/internal/workspace"
)

// app is the fully wired service graph.
type app struct {
	db         *db.DB
	defaults   credentials.Defaults
	hosts      hostBuilder
	issues     *issue.StateMachine
	notifier   *notify.Service
	workspaces *workspace.Manager
	autofix    *autofix.Orchestrator
	rollback   *rollback.Service
	merge      *merge.Service
	preview    *preview.Service

	// projectWarnings lists project files that failed to load.
	projectWarnings []string
	projectCount    int
}

// load opens the database, syncs project files and wires every service. It
// is built once per process.
func (e *env) load() (*app, error) {
	if e.app != nil {
		return e.app, nil
	}
	cfg := e.cfg
	logger := e.logger

	defaults, err := credentials.LoadDefaults(cfg.Dir, cfg.Profile)
	if err != nil {
		return nil, runerr.New(runerr.KindConfiguration, err.Error(), err)
	}

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	a := &app{db: database, defaults: defaults, hosts: newHostBuilder(cfg.Github)}

	configs, warnings := projects.LoadAll(cfg.Dir)
	for _, w := range warnings {
		logger.Warn("project config", "warning", w)
	}
	if err := projects.Sync(database, configs); err != nil {
		database.Close()
		return nil, fmt.Errorf("syncing projects: %w", err)
	}
	a.projectWarnings = warnings
	a.projectCount = len(configs)

	var mailer notify.Mailer
	if smtp, ok := cfg.SMTPSettings(); ok {
		m, err := notify.NewSMTPMailer(smtp)
		if err != nil {
			database.Close()
			return nil, runerr.New(runerr.KindConfiguration, fmt.Sprintf("configuring smtp: %v", err), err)
		}
		mailer = m
	}

	renderer := prompts.Renderer{OverrideDir: cfg.PromptsDir}
	a.issues = issue.New(database)
	a.notifier = notify.New(database, mailer, logger)
	a.workspaces = workspace.NewManager(cfg.WorkspaceRoot, logger)

	agentCfg := cfg.AgentSettings()
	agentCfg.Prompts = renderer
	generator := explain.NewAnthropic(
		explain.WithModel(cfg.Explain.Model),
		explain.WithBaseURL(cfg.Explain.BaseURL),
		explain.WithPrompts(renderer),
	)

	a.autofix = autofix.New(autofix.Deps{
		Store:     database,
		Issues:    a.issues,
		Hosts:     a.hosts.tracking,
		Invoker:   agent.NewCLI(agentCfg, a.hosts.agent, a.workspaces, logger),
		Explainer: explain.NewExplainer(generator, renderer, cfg.Explain.Timeout, logger),
		Notifier:  a.notifier,
		Logger:    logger,
	}, autofix.Config{
		Timeout:  cfg.Autofix.Timeout,
		Defaults: defaults,
		Prompts:  renderer,
		Labels:   cfg.Autofix.Labels,
	})

	reverter := rollback.New(a.hosts.rollback, a.workspaces, rollback.Config{
		AuthorName:  cfg.Rollback.AuthorName,
		AuthorEmail: cfg.Rollback.AuthorEmail,
		Prompts:     renderer,
	}, logger)
	a.rollback = rollback.NewService(reverter, database, a.issues, a.notifier, defaults, logger)
	a.merge = merge.New(a.issues, database, a.hosts.merge, a.notifier, defaults, logger)
	a.preview = preview.New(database, a.workspaces, a.hosts.preview, defaults, cfg.PreviewSettings(), logger)

	e.app = a
	return a, nil
}

// resolveProject finds a project by id, then by name.
func (a *app) resolveProject(ref string) (db.Project, error) {
	p, err := a.db.GetProject(ref)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return db.Project{}, err
	}
	p, err = a.db.GetProjectByName(ref)
	if errors.Is(err, db.ErrNotFound) {
		return db.Project{}, runerr.Validationf("project not found: %s", ref)
	}
	return p, err
}
