// Package commands implements the opsdeck command line.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/uesteibar/opsdeck/internal/config"
	"github.com/uesteibar/opsdeck/internal/output"
	"github.com/uesteibar/opsdeck/internal/runerr"
)

// flagKeys binds command flags to configuration keys so a flag wins over the
// file and the environment.
var flagKeys = map[string]string{
	"addr":    "server.addr",
	"workers": "server.max_workers",
}

// env carries the process-wide state shared by every command.
type env struct {
	configDir string
	profile   string
	debug     bool

	ui     *output.UI
	logger *slog.Logger
	v      *viper.Viper
	cfg    *config.Config

	app *app
}

// NewRootCmd builds the command tree.
func NewRootCmd(version string) *cobra.Command {
	e := &env{ui: output.New()}

	root := &cobra.Command{
		Use:   "opsdeck",
		Short: "DevOps dashboard backend: AI autofix, rollback, merge and preview runs",
		Long: `opsdeck drives fixes for tracked issues through GitHub.

It locks an issue, lets a coding agent open a fix pull request, explains the
change, and can revert a merged pull request when the fix misbehaves.`,
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		DisableAutoGenTag: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return e.init(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return e.close()
		},
	}

	defaultDir, err := config.DefaultDir()
	if err != nil {
		defaultDir = ".opsdeck"
	}
	root.PersistentFlags().StringVar(&e.configDir, "config-dir", defaultDir, "Directory holding opsdeck.yaml, credentials.yaml and projects/")
	root.PersistentFlags().StringVar(&e.profile, "profile", "", "Credentials profile (default: profile or default_profile from config)")
	root.PersistentFlags().BoolVar(&e.debug, "debug", false, "Debug logging")

	root.AddCommand(
		newServeCmd(e),
		newMCPCmd(e),
		newAutofixCmd(e),
		newRollbackCmd(e),
		newMergeCmd(e),
		newPreviewCmd(e),
		newPullsCmd(e),
		newIssueCmd(e),
		newProjectsCmd(e),
		newRunsCmd(e),
	)
	return root
}

// Execute runs the command line and exits non-zero on failure.
func Execute(version string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd(version)
	if err := root.ExecuteContext(ctx); err != nil {
		output.New().Error("%s", describe(err))
		os.Exit(1)
	}
}

// describe renders an error with its kind when it is classified.
func describe(err error) string {
	kind := runerr.KindOf(err)
	if kind == runerr.KindInternal {
		return err.Error()
	}
	return fmt.Sprintf("%s (%s)", runerr.Message(err), kind)
}

func (e *env) init(cmd *cobra.Command) error {
	level := slog.LevelWarn
	if cmd.Name() == "serve" {
		level = slog.LevelInfo
	}
	if e.debug {
		level = slog.LevelDebug
	}
	e.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	slog.SetDefault(e.logger)

	e.ui.Out = cmd.OutOrStdout()
	e.ui.ErrOut = cmd.ErrOrStderr()

	e.v = config.NewViper(e.configDir)
	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if key, ok := flagKeys[f.Name]; ok && bindErr == nil {
			bindErr = e.v.BindPFlag(key, f)
		}
	})
	if bindErr != nil {
		return fmt.Errorf("binding flags: %w", bindErr)
	}

	cfg, err := config.Load(e.v, e.configDir)
	if err != nil {
		return err
	}
	if e.profile != "" {
		cfg.Profile = e.profile
	}
	e.cfg = cfg
	e.logger.Debug("configuration loaded", "dir", cfg.Dir, "db", cfg.DBPath)
	return nil
}

func (e *env) close() error {
	if e.app == nil {
		return nil
	}
	err := e.app.db.Close()
	e.app = nil
	return err
}
