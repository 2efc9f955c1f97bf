package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/uesteibar/opsdeck/internal/db"
	"github.com/uesteibar/opsdeck/internal/output"
)

func newRunsCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect autofix, rollback and preview runs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run and its log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.load()
			if err != nil {
				return err
			}
			run, err := a.db.GetRun(args[0])
			if err != nil {
				return err
			}
			entries, err := a.db.ListRunLog(run.ID)
			if err != nil {
				return err
			}

			w := e.ui.Out
			fmt.Fprintf(w, "%s  %s  %s\n", output.Cyan(run.ID), run.Kind, output.StatusColor(run.Status))
			if run.PRURL != "" {
				fmt.Fprintf(w, "PR:     %s\n", run.PRURL)
			}
			if run.Error != "" {
				fmt.Fprintf(w, "Error:  %s (%s)\n", run.Error, run.ErrorKind)
			}
			fmt.Fprintln(w)
			for _, entry := range entries {
				if entry.Detail == "" {
					continue
				}
				fmt.Fprintf(w, "%s  %-5s  %s\n", entry.CreatedAt.Local().Format(time.TimeOnly), entry.Level, entry.Detail)
			}
			return nil
		},
	})
	return cmd
}

func (e *env) runsTable(runs []db.Run) error {
	table := e.ui.Table([]string{"Run", "Kind", "Status", "Started", "PR", "Error"})
	for _, r := range runs {
		_ = table.Append([]string{
			r.ID,
			r.Kind,
			output.StatusColor(r.Status),
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			r.PRURL,
			truncate(r.Error, 40),
		})
	}
	return table.Render()
}
