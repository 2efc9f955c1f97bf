// Package notify delivers in-app notifications, and optionally mail, to
// project members and individual users.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	gomail "github.com/wneessen/go-mail"
	"golang.org/x/sync/errgroup"

	"github.com/uesteibar/opsdeck/internal/db"
	"github.com/uesteibar/opsdeck/internal/explain"
)

// Notification types.
const (
	TypeAIFixReady   = "ai_fix_ready"
	TypeTaskAssigned = "task_assigned"
	TypeRollback     = "rollback_pr_created"
	TypeIssueMerged  = "issue_merged"
)

// Message is one notification to deliver.
type Message struct {
	Type       string
	Message    string
	Link       string
	ProjectID  string
	IsCritical bool
}

// Store persists notifications and knows who belongs to a project.
type Store interface {
	ListMembers(projectID string) ([]db.Member, error)
	CreateNotification(n db.Notification) (db.Notification, error)
}

// Mailer sends an HTML mail.
type Mailer interface {
	SendHTML(ctx context.Context, to, subject, html string) error
}

// Service fans notifications out to recipients.
type Service struct {
	store  Store
	mailer Mailer
	logger *slog.Logger
}

// New creates a Service. mailer may be nil to disable mail.
func New(store Store, mailer Mailer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, mailer: mailer, logger: logger}
}

// NotifyProjectMembers notifies every member of the message's project.
func (s *Service) NotifyProjectMembers(ctx context.Context, msg Message) error {
	members, err := s.store.ListMembers(msg.ProjectID)
	if err != nil {
		return fmt.Errorf("listing project members: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, m := range members {
		g.Go(func() error {
			return s.deliver(ctx, m.UserID, m.Email, msg)
		})
	}
	return g.Wait()
}

// NotifyUser notifies a single user. The user's mail address is taken from
// their membership of the message's project, if any.
func (s *Service) NotifyUser(ctx context.Context, userID string, msg Message) error {
	var email string
	if msg.ProjectID != "" {
		members, err := s.store.ListMembers(msg.ProjectID)
		if err != nil {
			return fmt.Errorf("listing project members: %w", err)
		}
		for _, m := range members {
			if m.UserID == userID {
				email = m.Email
				break
			}
		}
	}
	return s.deliver(ctx, userID, email, msg)
}

func (s *Service) deliver(ctx context.Context, userID, email string, msg Message) error {
	if _, err := s.store.CreateNotification(db.Notification{
		UserID:     userID,
		ProjectID:  msg.ProjectID,
		Type:       msg.Type,
		Message:    msg.Message,
		Link:       msg.Link,
		IsCritical: msg.IsCritical,
	}); err != nil {
		return fmt.Errorf("creating notification for %s: %w", userID, err)
	}
	if s.mailer == nil || email == "" {
		return nil
	}
	if err := s.mailer.SendHTML(ctx, email, subject(msg), mailBody(msg)); err != nil {
		s.logger.Warn("sending notification mail", "user_id", userID, "type", msg.Type, "error", err)
	}
	return nil
}

func subject(msg Message) string {
	first, _, _ := strings.Cut(msg.Message, "\n")
	if len(first) > 90 {
		first = first[:87] + "..."
	}
	prefix := "[opsdeck]"
	if msg.IsCritical {
		prefix = "[opsdeck][critical]"
	}
	return prefix + " " + first
}

func mailBody(msg Message) string {
	md := msg.Message
	if msg.Link != "" {
		md += fmt.Sprintf("\n\n[Open in opsdeck](%s)", msg.Link)
	}
	return explain.RenderHTML(md)
}

// SMTPConfig configures the SMTP mailer.
type SMTPConfig struct {
	Host     string
	Port     int
	Auth     string
	Username string
	Password string
	From     string
}

// SMTPMailer sends mail through an SMTP relay.
type SMTPMailer struct {
	client *gomail.Client
	from   string
}

var _ Mailer = (*SMTPMailer)(nil)

func NewSMTPMailer(cfg SMTPConfig) (*SMTPMailer, error) {
	authType := gomail.SMTPAuthAutoDiscover
	if cfg.Auth != "" {
		authType = gomail.SMTPAuthType(cfg.Auth)
	}
	port := cfg.Port
	if port == 0 {
		port = 587
	}
	opts := []gomail.Option{gomail.WithPort(port)}
	if cfg.Username != "" {
		opts = append(opts, gomail.WithSMTPAuth(authType), gomail.WithUsername(cfg.Username), gomail.WithPassword(cfg.Password))
	}
	cl, err := gomail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating smtp client: %w", err)
	}
	from := cfg.From
	if from == "" {
		from = cfg.Username
	}
	return &SMTPMailer{client: cl, from: from}, nil
}

func (m *SMTPMailer) SendHTML(ctx context.Context, to, subject, html string) error {
	msg := gomail.NewMsg()
	if err := msg.From(m.from); err != nil {
		return fmt.Errorf("setting sender: %w", err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("setting recipient: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(gomail.TypeTextHTML, html)
	if err := m.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("sending mail: %w", err)
	}
	return nil
}
