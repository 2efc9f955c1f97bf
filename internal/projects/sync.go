package projects

import (
	"errors"
	"fmt"
	"os"

	"github.com/uesteibar/opsdeck/internal/db"
)

// Sync synchronizes a list of validated project configs to the SQLite
// projects table. Existing projects (matched by name) are updated;
// new projects are created. Member lists are replaced.
func Sync(database *db.DB, configs []ProjectConfig) error {
	for _, cfg := range configs {
		existing, err := database.GetProjectByName(cfg.Name)
		if err != nil {
			if !errors.Is(err, db.ErrNotFound) {
				return fmt.Errorf("looking up project %q: %w", cfg.Name, err)
			}
			existing, err = database.CreateProject(apply(db.Project{Name: cfg.Name}, cfg))
			if err != nil {
				return fmt.Errorf("creating project %q: %w", cfg.Name, err)
			}
		} else if err := database.UpdateProject(apply(existing, cfg)); err != nil {
			return fmt.Errorf("updating project %q: %w", cfg.Name, err)
		}

		if err := database.SetMembers(existing.ID, members(cfg)); err != nil {
			return fmt.Errorf("setting members of %q: %w", cfg.Name, err)
		}
	}
	return nil
}

func apply(p db.Project, cfg ProjectConfig) db.Project {
	p.RepoURL = cfg.Github.URL
	p.GithubOwner = cfg.Github.Owner
	p.GithubRepo = cfg.Github.Repo
	p.DefaultBranch = cfg.Github.DefaultBranch
	p.PreviewCommand = cfg.PreviewCommand
	if cfg.Github.TokenEnv != "" {
		p.GithubToken = os.Getenv(cfg.Github.TokenEnv)
	}
	return p
}

func members(cfg ProjectConfig) []db.Member {
	out := make([]db.Member, 0, len(cfg.Members))
	for _, m := range cfg.Members {
		out = append(out, db.Member{UserID: m.UserID, Email: m.Email, Role: m.Role})
	}
	return out
}
