package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/uesteibar/opsdeck/internal/db"
	"github.com/uesteibar/opsdeck/internal/issue"
	"github.com/uesteibar/opsdeck/internal/output"
)

func newIssueCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Create, list and inspect tracked issues",
	}
	cmd.AddCommand(
		newIssueCreateCmd(e),
		newIssueListCmd(e),
		newIssueShowCmd(e),
		newIssueStatusCmd(e),
	)
	return cmd
}

func newIssueCreateCmd(e *env) *cobra.Command {
	var in issue.NewIssue
	var projectRef string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an open issue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.load()
			if err != nil {
				return err
			}
			project, err := a.resolveProject(projectRef)
			if err != nil {
				return err
			}
			in.ProjectID = project.ID
			created, err := a.issues.Create(in)
			if err != nil {
				return err
			}
			e.ui.Success("Created issue %s in %s", output.Cyan(created.ID), project.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectRef, "project", "", "Project id or name")
	cmd.Flags().StringVar(&in.Title, "title", "", "Issue title")
	cmd.Flags().StringVar(&in.Description, "description", "", "Issue description")
	cmd.Flags().StringVar(&in.Kind, "type", "bug", "bug, feature or improvement")
	cmd.Flags().StringVar(&in.Priority, "priority", "medium", "low, medium, high or critical")
	cmd.Flags().StringVar(&in.Assignee, "assignee", "", "Assigned user id")
	cmd.Flags().StringVar(&in.RequirementID, "requirement", "", "Requirement id the issue belongs to")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func newIssueListCmd(e *env) *cobra.Command {
	var (
		projectRef string
		statuses   []string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List issues, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.load()
			if err != nil {
				return err
			}
			filter := db.IssueFilter{Statuses: statuses}
			if projectRef != "" {
				project, err := a.resolveProject(projectRef)
				if err != nil {
					return err
				}
				filter.ProjectID = project.ID
			}
			for _, s := range statuses {
				if !issue.ValidStatus(issue.Status(s)) {
					return fmt.Errorf("unknown status %q", s)
				}
			}
			issues, err := a.db.ListIssues(filter)
			if err != nil {
				return err
			}
			if len(issues) == 0 {
				e.ui.Info("No issues found")
				return nil
			}
			table := e.ui.Table([]string{"ID", "Title", "Status", "Priority", "Type", "PR"})
			for _, is := range issues {
				pr := ""
				if is.PRNumber > 0 {
					pr = "#" + strconv.Itoa(is.PRNumber)
				}
				_ = table.Append([]string{
					is.ID,
					truncate(is.Title, 50),
					output.StatusColor(is.Status),
					is.Priority,
					is.Kind,
					pr,
				})
			}
			return table.Render()
		},
	}
	cmd.Flags().StringVar(&projectRef, "project", "", "Only issues of this project (id or name)")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Only issues in these statuses")
	return cmd
}

func newIssueShowCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "show <issue-id>",
		Short: "Show an issue with its recent runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.load()
			if err != nil {
				return err
			}
			is, err := a.issues.Get(args[0])
			if err != nil {
				return err
			}
			w := e.ui.Out
			fmt.Fprintf(w, "%s  %s\n", output.Cyan(is.ID), is.Title)
			fmt.Fprintf(w, "Status:    %s\n", output.StatusColor(is.Status))
			fmt.Fprintf(w, "Priority:  %s (%s)\n", is.Priority, is.Kind)
			if is.Assignee != "" {
				fmt.Fprintf(w, "Assignee:  %s\n", is.Assignee)
			}
			if is.PRURL != "" {
				fmt.Fprintf(w, "PR:        %s\n", is.PRURL)
			}
			if is.TrackingURL != "" {
				fmt.Fprintf(w, "Tracking:  %s\n", is.TrackingURL)
			}
			if is.AIExplanation != "" {
				fmt.Fprintf(w, "\n%s\n", is.AIExplanation)
			}

			runs, err := a.db.ListRuns(is.ID, 10)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				return nil
			}
			fmt.Fprintln(w)
			return e.runsTable(runs)
		},
	}
}

func newIssueStatusCmd(e *env) *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "status <issue-id> <status>",
		Short: "Move an issue to another status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.load()
			if err != nil {
				return err
			}
			is, err := a.issues.SetStatus(args[0], issue.Status(args[1]), actor)
			if err != nil {
				return err
			}
			e.ui.Success("Issue %s is now %s", is.ID, output.StatusColor(is.Status))
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "User making the change")
	return cmd
}
