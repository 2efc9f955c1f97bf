package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/uesteibar/opsdeck/internal/credentials"
	"github.com/uesteibar/opsdeck/internal/output"
	"github.com/uesteibar/opsdeck/internal/projects"
	"github.com/uesteibar/opsdeck/internal/scm"
	"github.com/uesteibar/opsdeck/internal/server"
)

func newPullsCmd(e *env) *cobra.Command {
	var (
		state string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "pulls <project> [number]",
		Short: "List a project's pull requests, or the files of one",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.load()
			if err != nil {
				return err
			}
			project, err := a.resolveProject(args[0])
			if err != nil {
				return err
			}
			owner, repo, _, err := projects.Repository(project)
			if err != nil {
				return err
			}
			creds := credentials.Resolve(credentials.Sources{Project: project.GithubToken, Defaults: a.defaults})
			host, err := a.hosts.pulls(creds)
			if err != nil {
				return err
			}

			if len(args) == 2 {
				number, err := strconv.Atoi(args[1])
				if err != nil || number <= 0 {
					return fmt.Errorf("invalid pull request number %q", args[1])
				}
				return e.printPullFiles(cmd, host, owner, repo, number)
			}

			prs, err := host.ListPullRequests(cmd.Context(), owner, repo, state, limit)
			if err != nil {
				return scm.RewriteBadCredentials(err)
			}
			if len(prs) == 0 {
				e.ui.Info("No %s pull requests in %s/%s", state, owner, repo)
				return nil
			}
			table := e.ui.Table([]string{"#", "Title", "Author", "State", "Branch", "Created"})
			for _, pr := range prs {
				st := pr.State
				if pr.Merged {
					st = "merged"
				}
				_ = table.Append([]string{
					strconv.Itoa(pr.Number),
					truncate(pr.Title, 60),
					pr.Author,
					st,
					pr.Head + " → " + pr.Base,
					pr.Created.Format("2006-01-02"),
				})
			}
			return table.Render()
		},
	}
	cmd.Flags().StringVar(&state, "state", "open", "open, closed or all")
	cmd.Flags().IntVar(&limit, "limit", 30, "Maximum number of pull requests")
	return cmd
}

func (e *env) printPullFiles(cmd *cobra.Command, host server.PullsHost, owner, repo string, number int) error {
	files, err := host.ListPullRequestFiles(cmd.Context(), owner, repo, number)
	if err != nil {
		return scm.RewriteBadCredentials(err)
	}
	table := e.ui.Table([]string{"File", "Status", "+", "-"})
	for _, f := range files {
		_ = table.Append([]string{
			f.Filename,
			f.Status,
			strconv.Itoa(f.Additions),
			strconv.Itoa(f.Deletions),
		})
	}
	if err := table.Render(); err != nil {
		return err
	}
	e.ui.Info("%d file(s) in %s", len(files), output.Cyan(fmt.Sprintf("%s/%s#%d", owner, repo, number)))
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
