package prompts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestTemplateNames_AllEmbedded(t *testing.T) {
	for _, name := range TemplateNames {
		if _, err := templateFS.ReadFile("templates/" + name); err != nil {
			t.Errorf("template %s not embedded: %v", name, err)
		}
	}
}

func TestFixIssue_ContainsIssueAndRules(t *testing.T) {
	out, err := Renderer{}.FixIssue(FixIssueData{
		IssueURL:       "https://github.com/acme/api/issues/7",
		Title:          "Null pointer on login",
		Body:           "Stack trace attached",
		Owner:          "acme",
		Repo:           "api",
		BaseBranch:     "main",
		MaxFiles:       20,
		ProtectedPaths: []string{".github/**"},
	})
	if err != nil {
		t.Fatalf("FixIssue failed: %v", err)
	}
	for _, want := range []string{"acme/api", "issues/7", "Null pointer on login", "Stack trace attached", "at most 20 files", "`.github/**`"} {
		if !strings.Contains(out, want) {
			t.Errorf("output should contain %q", want)
		}
	}
}

func TestFixIssue_NoProtectedPaths_OmitsSection(t *testing.T) {
	out, err := Renderer{}.FixIssue(FixIssueData{Title: "x", MaxFiles: 5})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "Never modify") {
		t.Error("expected protected path rule to be omitted")
	}
	if !strings.Contains(out, "(no description provided)") {
		t.Error("expected empty body placeholder")
	}
}

func TestRevertPR_ReferencesPRAndCommit(t *testing.T) {
	out, err := Renderer{}.RevertPR(RevertPRData{PRNumber: 42, CommitSHA: "abc123", BaseBranch: "main"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "#42") || !strings.Contains(out, "abc123") {
		t.Errorf("revert body = %q", out)
	}
	if !strings.Contains(out, "regular commit") {
		t.Error("expected plain revert wording")
	}
}

func TestExplanationFallback_NeverEmpty(t *testing.T) {
	out, err := Renderer{}.ExplanationFallback(ExplainData{Title: "Crash", PRURL: "https://x/pull/3", PRNumber: 3})
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) == "" || !strings.Contains(out, "pull request #3") {
		t.Errorf("fallback = %q", out)
	}
}

func TestExplanationFallback_PluralizesFiles(t *testing.T) {
	out, err := Renderer{}.ExplanationFallback(ExplainData{Title: "t", Files: []string{"a.go"}})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "1 file:") {
		t.Errorf("fallback = %q", out)
	}
}

func TestRenderer_OverrideDirWins(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "fix_pr.md"), []byte("custom {{.TrackingURL}}"), 0644); err != nil {
		t.Fatal(err)
	}
	out, err := Renderer{OverrideDir: dir}.FixPR(FixPRData{TrackingURL: "u"})
	if err != nil {
		t.Fatal(err)
	}
	if out != "custom u" {
		t.Errorf("out = %q, want override", out)
	}
}

func TestRenderer_MissingOverrideFallsBack(t *testing.T) {
	out, err := Renderer{OverrideDir: t.TempDir()}.ReviewTask(ReviewTaskData{Title: "Crash", PRURL: "https://x/pull/1"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "https://x/pull/1") {
		t.Errorf("out = %q", out)
	}
}
