package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/uesteibar/opsdeck/internal/autofix"
	"github.com/uesteibar/opsdeck/internal/merge"
	"github.com/uesteibar/opsdeck/internal/preview"
	"github.com/uesteibar/opsdeck/internal/rollback"
	"github.com/uesteibar/opsdeck/internal/runerr"
)

func newAutofixCmd(e *env) *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "autofix <issue-id>",
		Short: "Let the coding agent fix an open issue and wait for its pull request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.load()
			if err != nil {
				return err
			}
			run, err := a.autofix.Start(autofix.Request{IssueID: args[0], ActorID: actor})
			if err != nil {
				return err
			}
			e.ui.Info("Run %s started for issue %s", run.ID, run.IssueID)

			res, err := run.Execute(cmd.Context(), e.ui.RunLog())
			if err != nil {
				return err
			}
			e.ui.Success("Pull request #%d: %s", res.PRNumber, res.PRURL)
			if res.TrackingURL != "" {
				e.ui.Info("Tracking issue: %s", res.TrackingURL)
			}
			fmt.Fprintf(e.ui.Out, "\n%s\n", strings.TrimSpace(res.Explanation))
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "User id that receives the review task")
	return cmd
}

func newRollbackCmd(e *env) *cobra.Command {
	var (
		prNumber int
		sha      string
		issueID  string
	)
	cmd := &cobra.Command{
		Use:   "rollback <project>",
		Short: "Open a pull request reverting a merged pull request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.load()
			if err != nil {
				return err
			}
			project, err := a.resolveProject(args[0])
			if err != nil {
				return err
			}
			res, err := a.rollback.Rollback(cmd.Context(), rollback.ProjectRequest{
				ProjectID: project.ID,
				PRNumber:  prNumber,
				CommitSHA: sha,
				IssueID:   issueID,
			}, e.ui.RunLog())
			if err != nil {
				return err
			}
			e.ui.Success("Revert pull request #%d: %s", res.PRNumber, res.PRURL)
			if issueID != "" {
				e.ui.Info("Issue %s reopened", issueID)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&prNumber, "pr", 0, "Number of the merged pull request")
	cmd.Flags().StringVar(&sha, "sha", "", "Merge or squash commit of that pull request")
	cmd.Flags().StringVar(&issueID, "issue", "", "Issue to reopen once the revert exists")
	_ = cmd.MarkFlagRequired("pr")
	_ = cmd.MarkFlagRequired("sha")
	return cmd
}

func newMergeCmd(e *env) *cobra.Command {
	var method string
	cmd := &cobra.Command{
		Use:   "merge <issue-id>",
		Short: "Merge an issue's fix pull request and close the issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.load()
			if err != nil {
				return err
			}
			is, err := a.merge.Merge(cmd.Context(), merge.Request{IssueID: args[0], Method: method})
			if err != nil {
				return err
			}
			e.ui.Success("Merged %s, issue %s is %s", is.PRURL, is.ID, is.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&method, "method", "merge", "Merge method: merge, squash or rebase")
	return cmd
}

func newPreviewCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "preview <project>",
		Short: "Refresh a project's workspace and run its preview command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.load()
			if err != nil {
				return err
			}
			project, err := a.resolveProject(args[0])
			if err != nil {
				return err
			}
			res, err := a.preview.Run(cmd.Context(), preview.Request{ProjectID: project.ID}, e.ui.RunLog())
			if err != nil {
				return err
			}
			if res.Stale {
				e.ui.Warning("workspace could not be refreshed, ran against the previous checkout")
			}
			if out := strings.TrimRight(res.Output, "\n"); out != "" {
				fmt.Fprintln(e.ui.Out, out)
			}
			if res.Truncated {
				e.ui.Warning("output truncated")
			}
			return previewOutcome(e, res)
		},
	}
}

func previewOutcome(e *env, res preview.Result) error {
	switch {
	case res.Success:
		e.ui.Success("%s succeeded in %s", res.Command, res.Duration.Round(time.Millisecond))
		return nil
	case res.TimedOut:
		return runerr.New(runerr.KindAgent, fmt.Sprintf("%s timed out after %s", res.Command, res.Duration.Round(time.Millisecond)), nil)
	default:
		return runerr.New(runerr.KindAgent, fmt.Sprintf("%s exited with status %d", res.Command, res.ExitCode), nil)
	}
}
