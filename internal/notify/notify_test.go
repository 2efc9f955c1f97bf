package notify

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/uesteibar/opsdeck/internal/db"
)

type mockStore struct {
	mu            sync.Mutex
	members       []db.Member
	notifications []db.Notification
	createErr     error
}

func (m *mockStore) ListMembers(projectID string) ([]db.Member, error) {
	return m.members, nil
}

func (m *mockStore) CreateNotification(n db.Notification) (db.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return db.Notification{}, m.createErr
	}
	m.notifications = append(m.notifications, n)
	return n, nil
}

func (m *mockStore) users() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, n := range m.notifications {
		out = append(out, n.UserID)
	}
	sort.Strings(out)
	return out
}

type sentMail struct {
	to, subject, html string
}

type mockMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (m *mockMailer) SendHTML(ctx context.Context, to, subject, html string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{to, subject, html})
	return m.err
}

func TestNotifyProjectMembers_NotifiesEveryMember(t *testing.T) {
	store := &mockStore{members: []db.Member{
		{ProjectID: "p1", UserID: "u1", Email: "u1@example.com"},
		{ProjectID: "p1", UserID: "u2"},
	}}
	mailer := &mockMailer{}
	svc := New(store, mailer, nil)

	err := svc.NotifyProjectMembers(context.Background(), Message{
		Type:       TypeAIFixReady,
		Message:    "AI fix ready for **Null pointer on login**",
		Link:       "https://github.com/acme/api/pull/42",
		ProjectID:  "p1",
		IsCritical: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := store.users(); len(got) != 2 || got[0] != "u1" || got[1] != "u2" {
		t.Errorf("notified = %v, want [u1 u2]", got)
	}
	if len(mailer.sent) != 1 {
		t.Fatalf("mails = %d, want 1 (only members with an address)", len(mailer.sent))
	}
	mail := mailer.sent[0]
	if mail.to != "u1@example.com" || !strings.HasPrefix(mail.subject, "[opsdeck][critical]") {
		t.Errorf("mail = %+v", mail)
	}
	if !strings.Contains(mail.html, "<strong>Null pointer on login</strong>") || !strings.Contains(mail.html, "pull/42") {
		t.Errorf("html = %q", mail.html)
	}
}

func TestNotifyProjectMembers_MailFailureIsSwallowed(t *testing.T) {
	store := &mockStore{members: []db.Member{{UserID: "u1", Email: "u1@example.com"}}}
	svc := New(store, &mockMailer{err: errors.New("smtp down")}, nil)

	if err := svc.NotifyProjectMembers(context.Background(), Message{Type: TypeAIFixReady, Message: "m"}); err != nil {
		t.Fatalf("expected mail failure to be swallowed, got %v", err)
	}
	if len(store.users()) != 1 {
		t.Error("expected in-app notification despite mail failure")
	}
}

func TestNotifyProjectMembers_StoreFailureReturned(t *testing.T) {
	store := &mockStore{members: []db.Member{{UserID: "u1"}}, createErr: errors.New("db locked")}
	err := New(store, nil, nil).NotifyProjectMembers(context.Background(), Message{Type: "x", Message: "m"})
	if err == nil || !strings.Contains(err.Error(), "db locked") {
		t.Fatalf("err = %v, want store failure", err)
	}
}

func TestNotifyUser_UsesMemberAddress(t *testing.T) {
	store := &mockStore{members: []db.Member{{UserID: "u2", Email: "u2@example.com"}}}
	mailer := &mockMailer{}
	svc := New(store, mailer, nil)

	if err := svc.NotifyUser(context.Background(), "u2", Message{Type: TypeTaskAssigned, Message: "Review the fix", ProjectID: "p1"}); err != nil {
		t.Fatal(err)
	}
	if len(store.notifications) != 1 || store.notifications[0].Type != TypeTaskAssigned {
		t.Errorf("notifications = %+v", store.notifications)
	}
	if len(mailer.sent) != 1 || mailer.sent[0].to != "u2@example.com" {
		t.Errorf("sent = %+v", mailer.sent)
	}
}

func TestSubject_TruncatesFirstLine(t *testing.T) {
	got := subject(Message{Message: strings.Repeat("a", 120) + "\nsecond"})
	if len(got) > len("[opsdeck] ")+90 || strings.Contains(got, "second") {
		t.Errorf("subject = %q", got)
	}
}

func TestNewSMTPMailer_ValidConfig(t *testing.T) {
	m, err := NewSMTPMailer(SMTPConfig{Host: "smtp.example.com", Username: "bot@example.com", Password: "pw"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.from != "bot@example.com" {
		t.Errorf("from = %q, want username fallback", m.from)
	}
}
