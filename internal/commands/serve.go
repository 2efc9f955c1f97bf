package commands

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/uesteibar/opsdeck/internal/autofix"
	"github.com/uesteibar/opsdeck/internal/dispatch"
	"github.com/uesteibar/opsdeck/internal/server"
)

const (
	// shutdownGrace bounds how long in-flight runs may finish after a signal.
	shutdownGrace = 30 * time.Second
	// unwindGrace is how long cancelled runs get to record their failure.
	unwindGrace = 5 * time.Second
)

func newServeCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and run log websocket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.serve(cmd.Context())
		},
	}
	cmd.Flags().String("addr", "", "Address to listen on (default from server.addr)")
	cmd.Flags().Int("workers", 0, "Maximum concurrent background runs (default from server.max_workers)")
	return cmd
}

func (e *env) serve(ctx context.Context) error {
	a, err := e.load()
	if err != nil {
		return err
	}
	if a.projectCount == 0 {
		e.logger.Warn("no valid project configs found", "dir", e.cfg.Dir+"/projects/")
	}

	hub := server.NewHub(e.logger)
	dispatcher := dispatch.New(dispatch.Config{MaxWorkers: e.cfg.Server.MaxWorkers, Logger: e.logger})

	// --- Recover runs a previous process left behind ---
	if rec, err := autofix.Recover(a.db, a.issues, dispatcher.IsRunning, e.logger); err != nil {
		e.logger.Warn("recovering interrupted runs", "error", err)
	} else if rec.Issues > 0 || rec.Runs > 0 {
		e.logger.Info("recovered interrupted runs", "issues", rec.Issues, "runs", rec.Runs)
	}

	// Runs outlive the signal context so Shutdown can let them finish.
	runCtx, cancelRuns := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRuns()

	srv, err := server.New(e.cfg.Server.Addr, server.Config{
		Store:       a.db,
		Issues:      a.issues,
		Autofix:     a.autofix,
		Rollback:    a.rollback,
		Merge:       a.merge,
		Preview:     a.preview,
		Pulls:       a.hosts.pulls,
		Defaults:    a.defaults,
		Dispatcher:  dispatcher,
		BaseContext: runCtx,
		Hub:         hub,
		Logger:      e.logger,
	})
	if err != nil {
		return err
	}
	e.ui.Success("opsdeck listening on %s", srv.Addr())

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	e.ui.Info("shutting down, waiting for %d active run(s)", dispatcher.ActiveCount())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	// Past the grace period every run, synchronous requests included, is
	// cancelled and gets unwindGrace to release its issue.
	stop := context.AfterFunc(shutdownCtx, cancelRuns)
	defer stop()
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), shutdownGrace+unwindGrace)
	defer cancelDrain()
	if err := srv.Shutdown(drainCtx); err != nil {
		e.logger.Warn("http shutdown", "error", err)
	}
	dispatcher.Shutdown(shutdownCtx)
	return nil
}
