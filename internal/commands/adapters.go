package commands

import (
	"fmt"

	"github.com/uesteibar/opsdeck/internal/agent"
	"github.com/uesteibar/opsdeck/internal/autofix"
	"github.com/uesteibar/opsdeck/internal/config"
	"github.com/uesteibar/opsdeck/internal/credentials"
	"github.com/uesteibar/opsdeck/internal/merge"
	"github.com/uesteibar/opsdeck/internal/preview"
	"github.com/uesteibar/opsdeck/internal/rollback"
	"github.com/uesteibar/opsdeck/internal/runerr"
	"github.com/uesteibar/opsdeck/internal/scm"
	"github.com/uesteibar/opsdeck/internal/server"
)

// Compile-time interface checks.
var (
	_ autofix.TrackingHost = (*scm.Client)(nil)
	_ agent.Host           = (*scm.Client)(nil)
	_ rollback.Host        = (*scm.Client)(nil)
	_ merge.Host           = (*scm.Client)(nil)
	_ preview.Host         = (*scm.Client)(nil)
	_ server.PullsHost     = (*scm.Client)(nil)
)

// hostBuilder creates GitHub clients for resolved run credentials. Each
// consumer gets its own factory typed to the interface it declares.
type hostBuilder struct {
	github config.GithubConfig
	// newClient is a variable for testing; defaults to scm.New.
	newClient func(token string, opts ...scm.Option) (*scm.Client, error)
}

func newHostBuilder(cfg config.GithubConfig) hostBuilder {
	return hostBuilder{github: cfg, newClient: scm.New}
}

// options translates credentials and config into client options.
func (b hostBuilder) options(creds credentials.Run) []scm.Option {
	var opts []scm.Option
	if b.github.BaseURL != "" {
		opts = append(opts, scm.WithBaseURL(b.github.BaseURL))
	}
	if b.github.RateLimit > 0 {
		opts = append(opts, scm.WithRateLimit(b.github.RateLimit, b.github.RateBurst))
	}
	if creds.GithubApp != nil {
		opts = append(opts, scm.WithAppAuth(scm.AppCredentials{
			ClientID:       creds.GithubApp.ClientID,
			InstallationID: creds.GithubApp.InstallationID,
			PrivateKeyPath: creds.GithubApp.PrivateKeyPath,
		}))
	}
	return opts
}

func (b hostBuilder) client(creds credentials.Run) (*scm.Client, error) {
	if err := creds.RequireGithub(); err != nil {
		return nil, err
	}
	c, err := b.newClient(creds.GithubToken, b.options(creds)...)
	if err != nil {
		return nil, runerr.New(runerr.KindConfiguration, fmt.Sprintf("creating GitHub client: %v", err), err)
	}
	return c, nil
}

func (b hostBuilder) tracking(creds credentials.Run) (autofix.TrackingHost, error) {
	c, err := b.client(creds)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (b hostBuilder) agent(creds credentials.Run) (agent.Host, error) {
	c, err := b.client(creds)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (b hostBuilder) rollback(creds credentials.Run) (rollback.Host, error) {
	c, err := b.client(creds)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (b hostBuilder) merge(creds credentials.Run) (merge.Host, error) {
	c, err := b.client(creds)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (b hostBuilder) preview(creds credentials.Run) (preview.Host, error) {
	c, err := b.client(creds)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (b hostBuilder) pulls(creds credentials.Run) (server.PullsHost, error) {
	c, err := b.client(creds)
	if err != nil {
		return nil, err
	}
	return c, nil
}
