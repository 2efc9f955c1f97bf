package scm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	gh "github.com/google/go-github/v68/github"

	"github.com/uesteibar/opsdeck/internal/runerr"
)

// HostError is a failed GitHub API call with the context needed to act on it.
type HostError struct {
	Op      string
	Owner   string
	Repo    string
	Status  int
	Message string
	Err     error
}

func (e *HostError) Error() string {
	where := ""
	if e.Owner != "" || e.Repo != "" {
		where = " " + e.Owner + "/" + e.Repo
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s%s: %s (HTTP %d)", e.Op, where, e.Message, e.Status)
	}
	return fmt.Sprintf("%s%s: %s", e.Op, where, e.Message)
}

func (e *HostError) Unwrap() error { return e.Err }

// wrapErr turns a go-github error into a classified *runerr.Error whose cause
// is a *HostError.
func wrapErr(op, owner, repo string, err error) error {
	if err == nil {
		return nil
	}
	he := &HostError{Op: op, Owner: owner, Repo: repo, Message: err.Error(), Err: err}

	var ghErr *gh.ErrorResponse
	var rateErr *gh.RateLimitError
	var abuseErr *gh.AbuseRateLimitError
	switch {
	case errors.As(err, &rateErr):
		he.Status = statusOf(rateErr.Response)
		he.Message = rateErr.Message
		return runerr.New(runerr.KindTransientIO, he.Error(), he)
	case errors.As(err, &abuseErr):
		he.Status = statusOf(abuseErr.Response)
		he.Message = abuseErr.Message
		return runerr.New(runerr.KindTransientIO, he.Error(), he)
	case errors.As(err, &ghErr):
		he.Status = statusOf(ghErr.Response)
		he.Message = hostMessage(ghErr)
	}
	return runerr.New(classify(he), he.Error(), he)
}

// classify maps a host failure to a run error kind. A 401 is the structured
// signal for rejected credentials; the "bad credentials" text is checked too
// because some proxies and enterprise versions answer with other statuses.
func classify(he *HostError) runerr.Kind {
	if errors.Is(he.Err, context.Canceled) || errors.Is(he.Err, context.DeadlineExceeded) {
		return runerr.KindTransientIO
	}
	if he.Status == http.StatusUnauthorized || IsBadCredentials(he.Message) {
		return runerr.KindAuthentication
	}
	switch {
	case he.Status == 0:
		return runerr.KindTransientIO
	case he.Status == http.StatusForbidden:
		return runerr.KindAuthentication
	case he.Status == http.StatusNotFound:
		return runerr.KindConfiguration
	case he.Status == http.StatusConflict:
		return runerr.KindConflict
	case he.Status >= 500:
		return runerr.KindTransientIO
	default:
		return runerr.KindValidation
	}
}

// BadCredentialsMessage replaces the host's text when it rejects a token.
const BadCredentialsMessage = "GitHub rejected the repository token (bad credentials). Update the project's access token or reconnect your GitHub account."

// RewriteBadCredentials turns a rejected-token failure into an authentication
// error with an actionable message. Other errors are returned unchanged.
func RewriteBadCredentials(err error) error {
	if err == nil {
		return nil
	}
	var he *HostError
	if (errors.As(err, &he) && he.Status == http.StatusUnauthorized) || IsBadCredentials(err.Error()) {
		return runerr.New(runerr.KindAuthentication, BadCredentialsMessage, err)
	}
	return err
}

// IsBadCredentials matches the host's message for a rejected token.
func IsBadCredentials(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "bad credentials")
}

func isTransient(err error) bool {
	return runerr.KindOf(err).Retryable() && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

func hostMessage(e *gh.ErrorResponse) string {
	msg := e.Message
	var details []string
	for _, d := range e.Errors {
		switch {
		case d.Message != "":
			details = append(details, d.Message)
		case d.Code != "":
			details = append(details, fmt.Sprintf("%s %s", d.Field, d.Code))
		}
	}
	if len(details) > 0 {
		msg += ": " + strings.Join(details, "; ")
	}
	if msg == "" {
		msg = http.StatusText(statusOf(e.Response))
	}
	return msg
}
