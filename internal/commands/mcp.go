package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/uesteibar/opsdeck/internal/dispatch"
	"github.com/uesteibar/opsdeck/internal/mcptools"
)

func newMCPCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve autofix, rollback and run tools over MCP stdio",
		Long: `Start an MCP (Model Context Protocol) server on stdio.

Configure it in an MCP client with:

  {
    "mcpServers": {
      "opsdeck": { "command": "opsdeck", "args": ["mcp"] }
    }
  }

Available tools: start_autofix, start_rollback, get_run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			dispatcher := dispatch.New(dispatch.Config{MaxWorkers: e.cfg.Server.MaxWorkers, Logger: e.logger})
			tools := mcptools.NewServer(context.WithoutCancel(ctx), mcptools.Deps{
				Store:      a.db,
				Autofix:    a.autofix,
				Rollback:   a.rollback,
				Dispatcher: dispatcher,
				Logger:     e.logger,
			})
			err = tools.ServeStdio(ctx, cmd.InOrStdin(), cmd.OutOrStdout())

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			dispatcher.Shutdown(shutdownCtx)
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
}
