package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.io/infrasutra/listrelay/internal/inbound"
	"github.io/infrasutra/listrelay/internal/outbound"
	"github.io/infrasutra/listrelay/internal/store"
)

var messageSeq atomic.Int64

type sentMail struct {
	env   outbound.Envelope
	email *inbound.Email
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []sentMail
	fail map[string]bool
}

func (m *recordingMailer) Send(_ context.Context, env outbound.Envelope, raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, to := range env.To {
		if m.fail[to] {
			return errors.New("mailbox unavailable")
		}
	}
	email, err := inbound.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse outbound: %w", err)
	}
	m.sent = append(m.sent, sentMail{env: env, email: email})
	return nil
}

func (m *recordingMailer) recipients() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, s := range m.sent {
		out = append(out, s.env.To...)
	}
	return out
}

func (m *recordingMailer) notices() []sentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []sentMail
	for _, s := range m.sent {
		if s.email.Header.Get("Auto-Submitted") == "auto-replied" {
			out = append(out, s)
		}
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type world struct {
	path   string
	store  *store.Store
	site   store.Site
	group  store.Group
	sender store.Person
	member store.Person
	quiet  store.Person
	mailer *recordingMailer
	clock  *fakeClock
}

func newWorld(t *testing.T) *world {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "listrelay.db")
	st, err := store.Open(ctx, path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	w := &world{
		path:   path,
		store:  st,
		mailer: &recordingMailer{fail: map[string]bool{}},
		clock:  &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
	}
	w.site, err = st.UpsertSite(ctx, store.Site{Name: "Site", Host: "site.org", URL: "https://site.org/"})
	if err != nil {
		t.Fatalf("upsert site: %v", err)
	}
	w.group, err = st.CreateGroup(ctx, store.Group{SiteID: w.site.ID, Name: "Group", Address: "group", MembersSend: true})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	w.sender = w.addPerson(t, "Alice", "a@x.com", true)
	w.member = w.addPerson(t, "Bob", "b@x.com", true)
	w.quiet = w.addPerson(t, "Carol", "c@x.com", false)
	w.addPerson(t, "Dan", "", true)
	return w
}

func (w *world) addPerson(t *testing.T, first, email string, getEmail bool) store.Person {
	t.Helper()
	return w.addPersonTo(t, w.group, store.Person{FirstName: first, LastName: "Example", Email: email, MessagesEnabledFlag: true}, getEmail)
}

func (w *world) addPersonTo(t *testing.T, group store.Group, person store.Person, getEmail bool) store.Person {
	t.Helper()
	ctx := context.Background()
	family, err := w.store.CreateFamily(ctx, store.Family{SiteID: w.site.ID, Name: person.FirstName + " family"})
	if err != nil {
		t.Fatalf("create family: %v", err)
	}
	person.SiteID = w.site.ID
	person.FamilyID = family.ID
	person, err = w.store.CreatePerson(ctx, person)
	if err != nil {
		t.Fatalf("create person: %v", err)
	}
	if group.ID != 0 {
		if err := w.store.AddMembership(ctx, store.Membership{GroupID: group.ID, PersonID: person.ID, GetEmail: getEmail}); err != nil {
			t.Fatalf("add membership: %v", err)
		}
	}
	return person
}

// exec runs a statement on a second connection to the world database, behind
// the store's back.
func (w *world) exec(t *testing.T, query string) {
	t.Helper()
	db, err := sql.Open("sqlite", w.path)
	if err != nil {
		t.Fatalf("open second connection: %v", err)
	}
	defer db.Close()
	if _, err := db.ExecContext(context.Background(), query); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

func (w *world) receiver(opts ...Option) *Receiver {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]Option{WithLogger(logger), WithClock(w.clock.Now)}, opts...)
	return NewReceiver(w.store, w.mailer, opts...)
}

func (w *world) groupMessages(t *testing.T) []store.Message {
	t.Helper()
	messages, err := w.store.GroupMessages(context.Background(), w.group.ID)
	if err != nil {
		t.Fatalf("group messages: %v", err)
	}
	return messages
}

func newEmail(from, subject, body string, to ...string) *inbound.Email {
	email := &inbound.Email{
		From:        inbound.Address{Email: from},
		Subject:     subject,
		MessageID:   fmt.Sprintf("<msg%d@x.com>", messageSeq.Add(1)),
		Header:      inbound.Header{},
		ContentType: "text/plain",
		Body:        body,
	}
	for _, addr := range to {
		email.To = append(email.To, inbound.Address{Email: strings.ToLower(addr)})
	}
	return email
}
