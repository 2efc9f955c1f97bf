package commands

import (
	"github.com/spf13/cobra"
)

func newProjectsCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "Manage projects configured under <config-dir>/projects",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "sync",
			Short: "Load project files into the database",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := e.load()
				if err != nil {
					return err
				}
				for _, w := range a.projectWarnings {
					e.ui.Warning("%s", w)
				}
				e.ui.Success("Synced %d project(s)", a.projectCount)
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List projects",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := e.load()
				if err != nil {
					return err
				}
				list, err := a.db.ListProjects()
				if err != nil {
					return err
				}
				if len(list) == 0 {
					e.ui.Info("No projects configured")
					return nil
				}
				table := e.ui.Table([]string{"Name", "Repository", "Branch", "Preview", "Token"})
				for _, p := range list {
					token := ""
					if p.GithubToken != "" {
						token = "project"
					}
					_ = table.Append([]string{
						p.Name,
						p.GithubOwner + "/" + p.GithubRepo,
						p.DefaultBranch,
						p.PreviewCommand,
						token,
					})
				}
				return table.Render()
			},
		},
	)
	return cmd
}
