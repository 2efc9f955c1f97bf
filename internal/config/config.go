// Package config loads the service configuration from opsdeck.yaml in the
// config directory, OPSDECK_* environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/uesteibar/opsdeck/internal/agent"
	"github.com/uesteibar/opsdeck/internal/explain"
	"github.com/uesteibar/opsdeck/internal/notify"
	"github.com/uesteibar/opsdeck/internal/preview"
	"github.com/uesteibar/opsdeck/internal/runerr"
	"github.com/uesteibar/opsdeck/internal/shell"
)

// FileName is the config file looked up in the config directory.
const FileName = "opsdeck.yaml"

// EnvPrefix prefixes environment overrides, e.g. OPSDECK_SERVER_ADDR.
const EnvPrefix = "OPSDECK"

type Config struct {
	// Dir holds opsdeck.yaml, credentials.yaml and projects/.
	Dir           string         `mapstructure:"-"`
	DBPath        string         `mapstructure:"db_path"`
	WorkspaceRoot string         `mapstructure:"workspace_root"`
	PromptsDir    string         `mapstructure:"prompts_dir"`
	Profile       string         `mapstructure:"profile"`
	Server        ServerConfig   `mapstructure:"server"`
	Github        GithubConfig   `mapstructure:"github"`
	Autofix       AutofixConfig  `mapstructure:"autofix"`
	Agent         AgentConfig    `mapstructure:"agent"`
	Explain       ExplainConfig  `mapstructure:"explain"`
	Rollback      RollbackConfig `mapstructure:"rollback"`
	Preview       PreviewConfig  `mapstructure:"preview"`
	SMTP          SMTPConfig     `mapstructure:"smtp"`
}

type ServerConfig struct {
	Addr       string `mapstructure:"addr"`
	MaxWorkers int    `mapstructure:"max_workers"`
}

type GithubConfig struct {
	// BaseURL points at a GitHub Enterprise API root. Empty means github.com.
	BaseURL   string  `mapstructure:"base_url"`
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

type AutofixConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	Labels  []string      `mapstructure:"labels"`
}

type AgentConfig struct {
	Command        string        `mapstructure:"command"`
	Args           []string      `mapstructure:"args"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxFiles       int           `mapstructure:"max_files"`
	ProtectedPaths []string      `mapstructure:"protected_paths"`
	BranchPrefix   string        `mapstructure:"branch_prefix"`
}

type ExplainConfig struct {
	Model   string        `mapstructure:"model"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type RollbackConfig struct {
	AuthorName  string `mapstructure:"author_name"`
	AuthorEmail string `mapstructure:"author_email"`
}

type PreviewConfig struct {
	Command    string        `mapstructure:"command"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MemoryMB   int           `mapstructure:"memory_mb"`
	CPUSeconds int           `mapstructure:"cpu_seconds"`
	MaxOutput  int           `mapstructure:"max_output"`
}

// SMTPConfig enables mail delivery of notifications when Host is set.
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Auth     string `mapstructure:"auth"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// DefaultDir returns ~/.opsdeck.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, ".opsdeck"), nil
}

// NewViper returns a viper instance with every key defaulted and env
// overrides enabled. Flags may be bound to it before Load.
func NewViper(dir string) *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	ag := agent.DefaultConfig()
	pv := preview.DefaultConfig()

	v.SetDefault("db_path", filepath.Join(dir, "opsdeck.db"))
	v.SetDefault("workspace_root", filepath.Join(dir, "workspaces"))
	v.SetDefault("prompts_dir", "")
	v.SetDefault("profile", "")
	v.SetDefault("server.addr", "127.0.0.1:7750")
	v.SetDefault("server.max_workers", 4)
	v.SetDefault("github.base_url", "")
	v.SetDefault("github.rate_limit", 10.0)
	v.SetDefault("github.rate_burst", 20)
	v.SetDefault("autofix.timeout", 15*time.Minute)
	v.SetDefault("autofix.labels", []string{"opsdeck", "autofix"})
	v.SetDefault("agent.command", ag.Command)
	v.SetDefault("agent.args", ag.Args)
	v.SetDefault("agent.timeout", ag.Timeout)
	v.SetDefault("agent.max_files", ag.MaxFiles)
	v.SetDefault("agent.protected_paths", ag.ProtectedPaths)
	v.SetDefault("agent.branch_prefix", ag.BranchPrefix)
	v.SetDefault("explain.model", explain.DefaultModel)
	v.SetDefault("explain.base_url", "")
	v.SetDefault("explain.timeout", 30*time.Second)
	v.SetDefault("rollback.author_name", "opsdeck")
	v.SetDefault("rollback.author_email", "opsdeck@users.noreply.github.com")
	v.SetDefault("preview.command", pv.DefaultCommand)
	v.SetDefault("preview.timeout", pv.Limits.Timeout)
	v.SetDefault("preview.memory_mb", pv.Limits.MemoryMB)
	v.SetDefault("preview.cpu_seconds", pv.Limits.CPUSeconds)
	v.SetDefault("preview.max_output", pv.Limits.MaxOutput)
	v.SetDefault("smtp.host", "")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.auth", "")
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.from", "")
	return v
}

// Load reads <dir>/opsdeck.yaml into v, if present, and decodes the result.
// A missing file is fine; a malformed one is a configuration error.
func Load(v *viper.Viper, dir string) (*Config, error) {
	v.SetConfigFile(filepath.Join(dir, FileName))
	if err := v.ReadInConfig(); err != nil && !isNotExist(err) {
		return nil, runerr.New(runerr.KindConfiguration, fmt.Sprintf("reading %s: %v", FileName, err), err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, runerr.New(runerr.KindConfiguration, fmt.Sprintf("decoding configuration: %v", err), err)
	}
	cfg.Dir = dir
	cfg.DBPath = expandHome(cfg.DBPath)
	cfg.WorkspaceRoot = expandHome(cfg.WorkspaceRoot)
	cfg.PromptsDir = expandHome(cfg.PromptsDir)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func isNotExist(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
}

func (c *Config) validate() error {
	if c.DBPath == "" {
		return runerr.Configurationf("db_path must not be empty")
	}
	if c.WorkspaceRoot == "" {
		return runerr.Configurationf("workspace_root must not be empty")
	}
	if c.Autofix.Timeout <= 0 {
		return runerr.Configurationf("autofix.timeout must be positive")
	}
	if c.Preview.Timeout <= 0 {
		return runerr.Configurationf("preview.timeout must be positive")
	}
	if c.Server.MaxWorkers <= 0 {
		return runerr.Configurationf("server.max_workers must be positive")
	}
	return nil
}

// AgentSettings converts the agent section.
func (c *Config) AgentSettings() agent.Config {
	return agent.Config{
		Command:        c.Agent.Command,
		Args:           c.Agent.Args,
		Timeout:        c.Agent.Timeout,
		MaxFiles:       c.Agent.MaxFiles,
		ProtectedPaths: c.Agent.ProtectedPaths,
		BranchPrefix:   c.Agent.BranchPrefix,
	}
}

// PreviewSettings converts the preview section.
func (c *Config) PreviewSettings() preview.Config {
	return preview.Config{
		DefaultCommand: c.Preview.Command,
		Limits: shell.Limits{
			Timeout:    c.Preview.Timeout,
			MemoryMB:   c.Preview.MemoryMB,
			CPUSeconds: c.Preview.CPUSeconds,
			MaxOutput:  c.Preview.MaxOutput,
		},
	}
}

// SMTPSettings converts the smtp section. ok is false when mail is off.
func (c *Config) SMTPSettings() (cfg notify.SMTPConfig, ok bool) {
	if c.SMTP.Host == "" {
		return notify.SMTPConfig{}, false
	}
	return notify.SMTPConfig(c.SMTP), true
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
