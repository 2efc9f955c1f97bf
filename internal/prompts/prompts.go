package prompts

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
)

//go:embed templates/*.md
var templateFS embed.FS

// TemplateNames lists all embedded template filenames (without the templates/ prefix).
var TemplateNames = []string{
	"fix_issue.md",
	"tracking_issue.md",
	"fix_pr.md",
	"revert_pr.md",
	"explain_fix.md",
	"explanation_fallback.md",
	"review_task.md",
}

// FixIssueData holds the context for the coding agent's prompt.
type FixIssueData struct {
	IssueURL       string
	Title          string
	Body           string
	Owner          string
	Repo           string
	BaseBranch     string
	MaxFiles       int
	ProtectedPaths []string
}

// TrackingIssueData holds the context for the host tracking issue body.
type TrackingIssueData struct {
	IssueID     string
	Description string
	Kind        string
	Priority    string
}

// FixPRData holds the context for an autofix pull request body.
type FixPRData struct {
	Title       string
	TrackingURL string
	Summary     string
	Files       []string
}

// RevertPRData holds the context for a rollback pull request body.
type RevertPRData struct {
	PRNumber   int
	CommitSHA  string
	BaseBranch string
	Mainline   bool
}

// ExplainData holds what is known about a fix when explaining it.
type ExplainData struct {
	Title       string
	Kind        string
	Description string
	PRURL       string
	PRNumber    int
	Summary     string
	Files       []string
}

// ReviewTaskData holds the context for the follow-up review task.
type ReviewTaskData struct {
	Title       string
	PRURL       string
	Explanation string
}

// Renderer renders the embedded templates. A non-empty OverrideDir is
// searched first for a file with the same name.
type Renderer struct {
	OverrideDir string
}

func (r Renderer) FixIssue(data FixIssueData) (string, error) {
	return render("templates/fix_issue.md", data, r.OverrideDir)
}

func (r Renderer) TrackingIssue(data TrackingIssueData) (string, error) {
	return render("templates/tracking_issue.md", data, r.OverrideDir)
}

func (r Renderer) FixPR(data FixPRData) (string, error) {
	return render("templates/fix_pr.md", data, r.OverrideDir)
}

func (r Renderer) RevertPR(data RevertPRData) (string, error) {
	return render("templates/revert_pr.md", data, r.OverrideDir)
}

func (r Renderer) ExplainFix(data ExplainData) (string, error) {
	return render("templates/explain_fix.md", data, r.OverrideDir)
}

func (r Renderer) ExplanationFallback(data ExplainData) (string, error) {
	return render("templates/explanation_fallback.md", data, r.OverrideDir)
}

func (r Renderer) ReviewTask(data ReviewTaskData) (string, error) {
	return render("templates/review_task.md", data, r.OverrideDir)
}

func render(name string, data any, overrideDir string) (string, error) {
	content, err := readTemplate(name, overrideDir)
	if err != nil {
		return "", err
	}

	tmpl, err := template.New(name).Parse(string(content))
	if err != nil {
		return "", fmt.Errorf("parsing template %s: %w", name, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("executing template %s: %w", name, err)
	}

	return buf.String(), nil
}

// readTemplate returns the template content, preferring an override file on
// disk (overrideDir/<filename>) and falling back to the embedded version.
func readTemplate(name, overrideDir string) ([]byte, error) {
	filename := filepath.Base(name)

	if overrideDir != "" {
		if content, err := os.ReadFile(filepath.Join(overrideDir, filename)); err == nil {
			return content, nil
		}
	}

	content, err := templateFS.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("reading template %s: %w", name, err)
	}
	return content, nil
}
