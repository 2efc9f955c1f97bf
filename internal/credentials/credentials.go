// Package credentials resolves the secrets a run needs. Process-wide defaults
// come from the environment and an optional profile file; per-run values come
// from the caller's session and the project record.
package credentials

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/uesteibar/opsdeck/internal/runerr"
)

// App holds GitHub App authentication parameters.
type App struct {
	ClientID       string
	InstallationID int64
	PrivateKeyPath string
}

// Defaults are the fallback credentials shared by every run.
type Defaults struct {
	GithubToken     string
	GithubApp       *App
	AnthropicAPIKey string
}

type profileEntry struct {
	GithubToken             string `yaml:"github_token"`
	AnthropicAPIKey         string `yaml:"anthropic_api_key"`
	GithubAppClientID       string `yaml:"github_app_client_id"`
	GithubAppInstallationID int64  `yaml:"github_app_installation_id"`
	GithubAppPrivateKeyPath string `yaml:"github_app_private_key_path"`
}

type credentialsFile struct {
	DefaultProfile string                  `yaml:"default_profile"`
	Profiles       map[string]profileEntry `yaml:"profiles"`
}

// FileName is the profile file looked up in the config directory.
const FileName = "credentials.yaml"

// LoadDefaults reads <configDir>/credentials.yaml and overlays the
// GITHUB_TOKEN and ANTHROPIC_API_KEY environment variables, which win over
// the profile. A missing file is fine unless profileName was requested.
// GITHUB_TOKEN also disables any App auth from the profile.
func LoadDefaults(configDir, profileName string) (Defaults, error) {
	var d Defaults

	filePath := filepath.Join(configDir, FileName)
	data, err := os.ReadFile(filePath)
	switch {
	case err == nil:
		profile, err := pickProfile(data, filePath, profileName)
		if err != nil {
			return Defaults{}, err
		}
		d.GithubToken = profile.GithubToken
		d.AnthropicAPIKey = profile.AnthropicAPIKey
		if profile.GithubAppClientID != "" {
			d.GithubApp = &App{
				ClientID:       profile.GithubAppClientID,
				InstallationID: profile.GithubAppInstallationID,
				PrivateKeyPath: profile.GithubAppPrivateKeyPath,
			}
		}
	case os.IsNotExist(err):
		if profileName != "" {
			return Defaults{}, fmt.Errorf("credentials file not found: %s", filePath)
		}
	default:
		return Defaults{}, fmt.Errorf("reading credentials file: %w", err)
	}

	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		d.GithubToken = v
		d.GithubApp = nil
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		d.AnthropicAPIKey = v
	}
	return d, nil
}

func pickProfile(data []byte, filePath, profileName string) (profileEntry, error) {
	var cf credentialsFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return profileEntry{}, fmt.Errorf("parsing credentials file: %w", err)
	}
	if profileName == "" {
		profileName = cf.DefaultProfile
	}
	if profileName == "" {
		if len(cf.Profiles) == 0 {
			return profileEntry{}, nil
		}
		return profileEntry{}, fmt.Errorf("no profile name provided and no default_profile set in %s", filePath)
	}
	profile, ok := cf.Profiles[profileName]
	if !ok {
		return profileEntry{}, fmt.Errorf("profile %q not found in %s", profileName, filePath)
	}
	if err := validateGithubAppFields(profile); err != nil {
		return profileEntry{}, fmt.Errorf("profile %q: %w", profileName, err)
	}
	return profile, nil
}

// validateGithubAppFields requires all three github_app_* fields or none.
func validateGithubAppFields(p profileEntry) error {
	var missing []string
	set := 0
	for _, f := range []struct {
		name string
		ok   bool
	}{
		{"github_app_client_id", p.GithubAppClientID != ""},
		{"github_app_installation_id", p.GithubAppInstallationID != 0},
		{"github_app_private_key_path", p.GithubAppPrivateKeyPath != ""},
	} {
		if f.ok {
			set++
		} else {
			missing = append(missing, f.name)
		}
	}
	if set > 0 && set < 3 {
		return fmt.Errorf("incomplete GitHub App config, missing: %v", missing)
	}
	return nil
}

// Source names the layer a GitHub credential was taken from.
type Source string

const (
	SourceNone        Source = ""
	SourceSession     Source = "session"
	SourceProject     Source = "project"
	SourceEnvironment Source = "environment"
	SourceGithubApp   Source = "github_app"
)

// Sources are the candidate credentials for one run.
type Sources struct {
	// Session is the token of the user who triggered the run.
	Session string
	// Project is the token stored on the project record.
	Project  string
	Defaults Defaults
}

// Run is the resolved credential set threaded through one run.
type Run struct {
	GithubToken string
	GithubApp   *App
	AIKey       string
	Source      Source
}

// Resolve picks the GitHub credential with precedence session token, then
// project token, then the default token, then the default App. The AI key
// always comes from the defaults.
func Resolve(s Sources) Run {
	r := Run{AIKey: s.Defaults.AnthropicAPIKey}
	switch {
	case s.Session != "":
		r.GithubToken, r.Source = s.Session, SourceSession
	case s.Project != "":
		r.GithubToken, r.Source = s.Project, SourceProject
	case s.Defaults.GithubToken != "":
		r.GithubToken, r.Source = s.Defaults.GithubToken, SourceEnvironment
	case s.Defaults.GithubApp != nil:
		app := *s.Defaults.GithubApp
		r.GithubApp, r.Source = &app, SourceGithubApp
	}
	return r
}

// HasGithub reports whether any GitHub credential was resolved.
func (r Run) HasGithub() bool { return r.Source != SourceNone }

// RequireGithub returns a configuration error when no GitHub credential is
// available.
func (r Run) RequireGithub() error {
	if r.HasGithub() {
		return nil
	}
	return runerr.Configurationf("no GitHub token available: connect a GitHub account, store a token on the project, or set GITHUB_TOKEN")
}

// RequireAI returns a configuration error when no AI service key is set.
func (r Run) RequireAI() error {
	if r.AIKey != "" {
		return nil
	}
	return runerr.Configurationf("no AI service key configured: set ANTHROPIC_API_KEY or anthropic_api_key in %s", FileName)
}
