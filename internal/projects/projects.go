package projects

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/uesteibar/opsdeck/internal/db"
	"github.com/uesteibar/opsdeck/internal/gitops"
	"github.com/uesteibar/opsdeck/internal/runerr"
)

type GithubConfig struct {
	Owner         string `yaml:"owner"`
	Repo          string `yaml:"repo"`
	URL           string `yaml:"url"`
	DefaultBranch string `yaml:"default_branch"`
	// TokenEnv names an environment variable holding the project's token,
	// so the token itself never lives in the file.
	TokenEnv string `yaml:"token_env"`
}

type MemberConfig struct {
	UserID string `yaml:"user_id"`
	Email  string `yaml:"email"`
	Role   string `yaml:"role"`
}

type ProjectConfig struct {
	Name           string         `yaml:"name"`
	Github         GithubConfig   `yaml:"github"`
	PreviewCommand string         `yaml:"preview_command"`
	Members        []MemberConfig `yaml:"members"`
}

// Load reads and parses a single project config YAML file.
// Applies defaults for optional fields.
func Load(path string) (ProjectConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ProjectConfig{}, fmt.Errorf("reading project config: %w", err)
	}

	var cfg ProjectConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ProjectConfig{}, fmt.Errorf("parsing project config %s: %w", path, err)
	}

	applyDefaults(&cfg)
	return cfg, nil
}

// LoadAll scans configDir/projects/*.yaml, loads each file, validates it,
// and returns valid configs plus warnings for any invalid ones.
func LoadAll(configDir string) (configs []ProjectConfig, warnings []string) {
	projDir := filepath.Join(configDir, "projects")
	entries, err := os.ReadDir(projDir)
	if err != nil {
		return nil, nil
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		cfg, err := Load(filepath.Join(projDir, name))
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		if err := Validate(cfg); err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		if env := cfg.Github.TokenEnv; env != "" && os.Getenv(env) == "" {
			warnings = append(warnings, fmt.Sprintf("%s: token_env %s is not set, falling back to default credentials", name, env))
		}

		configs = append(configs, cfg)
	}

	return configs, warnings
}

// Validate checks that all required fields are present.
func Validate(cfg ProjectConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("missing required field: name")
	}
	if cfg.Github.Owner == "" {
		return fmt.Errorf("missing required field: github.owner")
	}
	if cfg.Github.Repo == "" {
		return fmt.Errorf("missing required field: github.repo")
	}
	for i, m := range cfg.Members {
		if m.UserID == "" {
			return fmt.Errorf("members[%d]: missing required field: user_id", i)
		}
	}
	return nil
}

func applyDefaults(cfg *ProjectConfig) {
	if cfg.Github.URL == "" && cfg.Github.Owner != "" && cfg.Github.Repo != "" {
		cfg.Github.URL = fmt.Sprintf("https://github.com/%s/%s.git", cfg.Github.Owner, cfg.Github.Repo)
	}
	cfg.Github.URL = expandHome(cfg.Github.URL)
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// Repository resolves the owner, repo and clone URL of a stored project.
// Owner and repo fall back to parsing the URL; the URL falls back to the
// public GitHub location.
func Repository(p db.Project) (owner, repo, repoURL string, err error) {
	owner, repo, repoURL = p.GithubOwner, p.GithubRepo, p.RepoURL
	if (owner == "" || repo == "") && repoURL != "" {
		owner, repo, err = gitops.ParseRepoURL(repoURL)
		if err != nil {
			return "", "", "", runerr.New(runerr.KindConfiguration, fmt.Sprintf("project %s has an invalid repository URL", p.Name), err)
		}
	}
	if owner == "" || repo == "" {
		return "", "", "", runerr.Configurationf("project %s has no GitHub repository configured", p.Name)
	}
	if repoURL == "" {
		repoURL = fmt.Sprintf("https://github.com/%s/%s.git", owner, repo)
	}
	return owner, repo, repoURL, nil
}
