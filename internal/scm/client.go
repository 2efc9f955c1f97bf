// Package scm is the source-control host adapter. It wraps the GitHub REST
// API with typed results, retries for transient failures and classified
// errors.
package scm

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	jwt "github.com/golang-jwt/jwt/v4"
	gh "github.com/google/go-github/v68/github"
	"golang.org/x/time/rate"

	"github.com/uesteibar/opsdeck/internal/retry"
)

// Client is a typed GitHub API client wrapping go-github.
type Client struct {
	gh           *gh.Client
	token        string
	installation *ghinstallation.Transport
	limiter      *rate.Limiter
	retryBackoff []time.Duration
}

// AppCredentials holds GitHub App authentication parameters.
type AppCredentials struct {
	ClientID       string
	InstallationID int64
	PrivateKeyPath string
}

// Option configures a Client.
type Option func(*clientConfig)

type clientConfig struct {
	baseURL      string
	retryBackoff []time.Duration
	app          *AppCredentials
	rps          float64
	burst        int
	httpClient   *http.Client
}

// readKeyFile is a variable for testing; defaults to os.ReadFile.
var readKeyFile = os.ReadFile

// WithBaseURL points the client at a GitHub Enterprise (or test) API root.
func WithBaseURL(url string) Option {
	return func(c *clientConfig) { c.baseURL = url }
}

// WithRetryBackoff overrides the delays between retried calls.
func WithRetryBackoff(delays ...time.Duration) Option {
	return func(c *clientConfig) { c.retryBackoff = delays }
}

// WithAppAuth authenticates as a GitHub App installation. When set, the token
// passed to New is ignored.
func WithAppAuth(app AppCredentials) Option {
	return func(c *clientConfig) { c.app = &app }
}

// WithRateLimit caps outgoing requests to rps per second with the given burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *clientConfig) {
		c.rps = rps
		c.burst = burst
	}
}

// WithHTTPClient sets the base HTTP client used for token auth.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *clientConfig) { c.httpClient = hc }
}

// New creates a GitHub client authenticated with a personal or OAuth token,
// or as an App installation when WithAppAuth is given.
func New(token string, opts ...Option) (*Client, error) {
	cfg := &clientConfig{rps: 10, burst: 20}
	for _, o := range opts {
		o(cfg)
	}

	c := &Client{
		token:        token,
		retryBackoff: cfg.retryBackoff,
		limiter:      rate.NewLimiter(rate.Limit(cfg.rps), cfg.burst),
	}

	if cfg.app != nil {
		itr, err := newInstallationTransport(cfg.app, cfg.baseURL)
		if err != nil {
			return nil, fmt.Errorf("configuring GitHub App auth: %w", err)
		}
		c.installation = itr
		c.gh = gh.NewClient(&http.Client{Transport: itr})
	} else {
		if token == "" {
			return nil, fmt.Errorf("github token must not be empty")
		}
		c.gh = gh.NewClient(cfg.httpClient).WithAuthToken(token)
	}
	if cfg.baseURL != "" {
		enterprise, err := c.gh.WithEnterpriseURLs(cfg.baseURL, cfg.baseURL)
		if err != nil {
			return nil, fmt.Errorf("setting base url: %w", err)
		}
		c.gh = enterprise
	}
	return c, nil
}

// GitToken returns a token usable for git over https: the configured token,
// or a fresh installation token under App auth.
func (c *Client) GitToken(ctx context.Context) (string, error) {
	if c.installation == nil {
		return c.token, nil
	}
	tok, err := c.installation.Token(ctx)
	if err != nil {
		return "", wrapErr("fetching installation token", "", "", err)
	}
	return tok, nil
}

func newInstallationTransport(app *AppCredentials, baseURL string) (*ghinstallation.Transport, error) {
	keyData, err := readKeyFile(expandHome(app.PrivateKeyPath))
	if err != nil {
		return nil, fmt.Errorf("reading private key %s: %w", app.PrivateKeyPath, err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(keyData)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	// The numeric app id is unused; the signer sets the Client ID as issuer.
	atr, err := ghinstallation.NewAppsTransportWithOptions(http.DefaultTransport, 0,
		ghinstallation.WithSigner(&clientIDSigner{clientID: app.ClientID, method: jwt.SigningMethodRS256, key: key}))
	if err != nil {
		return nil, fmt.Errorf("creating apps transport: %w", err)
	}
	if baseURL != "" {
		atr.BaseURL = baseURL
	}
	itr := ghinstallation.NewFromAppsTransport(atr, app.InstallationID)
	if baseURL != "" {
		itr.BaseURL = baseURL
	}
	return itr, nil
}

// clientIDSigner signs App JWTs with a string Client ID as issuer.
type clientIDSigner struct {
	clientID string
	method   jwt.SigningMethod
	key      any
}

func (s *clientIDSigner) Sign(claims jwt.Claims) (string, error) {
	if rc, ok := claims.(*jwt.RegisteredClaims); ok {
		rc.Issuer = s.clientID
	}
	return jwt.NewWithClaims(s.method, claims).SignedString(s.key)
}

// call runs fn under the rate limiter with retries. Only transient failures
// are retried; op, owner and repo label the classified error.
func call[T any](ctx context.Context, c *Client, op, owner, repo string, fn func() (T, error)) (T, error) {
	opts := []retry.Option{retry.WithRetryIf(isTransient)}
	if len(c.retryBackoff) > 0 {
		opts = append(opts, retry.WithBackoff(c.retryBackoff...))
	}
	return retry.DoVal(ctx, func() (T, error) {
		var zero T
		if err := c.limiter.Wait(ctx); err != nil {
			return zero, retry.Permanent(wrapErr(op, owner, repo, err))
		}
		v, err := fn()
		if err != nil {
			return zero, wrapErr(op, owner, repo, err)
		}
		return v, nil
	}, opts...)
}

// once is call without retries, for operations that must fail loudly.
func once[T any](ctx context.Context, c *Client, op, owner, repo string, fn func() (T, error)) (T, error) {
	var zero T
	if err := c.limiter.Wait(ctx); err != nil {
		return zero, wrapErr(op, owner, repo, err)
	}
	v, err := fn()
	if err != nil {
		return zero, wrapErr(op, owner, repo, err)
	}
	return v, nil
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
