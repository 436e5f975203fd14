package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"chatassist/pkg/ai"
	"chatassist/pkg/domain"
	"chatassist/pkg/identity"
	"chatassist/pkg/storage"
	"chatassist/pkg/store"
	"chatassist/services/chat/internal/session"
)

type echoCompleter struct{}

func (echoCompleter) Complete(_ context.Context, req ai.Request) (ai.Response, error) {
	last := req.Messages[len(req.Messages)-1].Content
	return ai.Response{Text: "echo: " + last, Usage: ai.Usage{TotalTokens: 3}}, nil
}

func (c echoCompleter) StreamComplete(ctx context.Context, req ai.Request) *ai.Stream {
	return ai.NewChunked(c, 0).StreamComplete(ctx, req)
}

type fixture struct {
	app     *App
	store   *store.MemoryStore
	objects *storage.MemoryStore
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	mem := store.NewMemoryStore()
	objects := storage.NewMemoryStore()
	a, err := New(Config{
		Store:     mem,
		Completer: echoCompleter{},
		Objects:   objects,
		Defaults:  session.Options{Temperature: 0.6},
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return fixture{app: a, store: mem, objects: objects}
}

func alice() identity.Identity {
	return identity.Identity{UserID: "alice", Email: "alice@example.com", Role: domain.RoleUser}
}

func (f fixture) send(t *testing.T, id identity.Identity, content string) *session.Controller {
	t.Helper()
	ctrl, _, err := f.app.Session(context.Background(), id, "")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if _, err := ctrl.Send(context.Background(), content); err != nil {
		t.Fatalf("send: %v", err)
	}
	return ctrl
}

func TestNewRejectsUnknownDefaultModel(t *testing.T) {
	_, err := New(Config{
		Store:     store.NewMemoryStore(),
		Completer: echoCompleter{},
		Defaults:  session.Options{Model: "gpt-unknown"},
	})
	if err == nil {
		t.Fatal("expected error for model outside catalog")
	}
}

func TestEnsureUserProvisionsFreeUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u, err := f.app.EnsureUser(ctx, alice())
	if err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	if u.Tier != domain.TierFree || u.Role != domain.RoleUser || !u.Active || u.Email != "alice@example.com" {
		t.Fatalf("unexpected user: %+v", u)
	}
	again, err := f.app.EnsureUser(ctx, alice())
	if err != nil || again.ID != u.ID {
		t.Fatalf("second ensure: %+v, %v", again, err)
	}
	users, _ := f.store.ListUsers(ctx)
	if len(users) != 1 {
		t.Fatalf("expected one user, got %d", len(users))
	}

	u.Active = false
	if _, err := f.store.UpdateUser(ctx, u); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, err := f.app.EnsureUser(ctx, alice()); !errors.Is(err, ErrUserDisabled) {
		t.Fatalf("expected ErrUserDisabled, got %v", err)
	}
	if _, _, err := f.app.Session(ctx, alice(), ""); !errors.Is(err, ErrUserDisabled) {
		t.Fatalf("expected session refusal, got %v", err)
	}
}

func TestSessionPerKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a1, _, err := f.app.Session(ctx, alice(), "")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	a2, _, _ := f.app.Session(ctx, alice(), DefaultSessionKey)
	b, _, _ := f.app.Session(ctx, alice(), "laptop")
	if a1 != a2 {
		t.Fatal("empty key should map to the default session")
	}
	if a1 == b {
		t.Fatal("distinct keys should get distinct sessions")
	}
	if n := f.app.CloseUser("alice"); n != 2 {
		t.Fatalf("expected 2 closed sessions, got %d", n)
	}
	fresh, _, _ := f.app.Session(ctx, alice(), "")
	if fresh == a1 {
		t.Fatal("closed session should be replaced")
	}
}

// newCappedApp returns an app with a small session cap and a clock that
// advances one second per registry access.
func newCappedApp(t *testing.T, maxSessions int) *App {
	t.Helper()
	a, err := New(Config{
		Store:              store.NewMemoryStore(),
		Completer:          echoCompleter{},
		MaxSessionsPerUser: maxSessions,
		SessionIdleTimeout: time.Hour,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return a
}

func isClosed(ctrl *session.Controller) bool {
	select {
	case <-ctrl.Done():
		return true
	default:
		return false
	}
}

func TestSessionCapEvictsLeastRecentlyUsed(t *testing.T) {
	a := newCappedApp(t, 3)
	ctx := context.Background()
	open := func(key string) *session.Controller {
		t.Helper()
		ctrl, _, err := a.Session(ctx, alice(), key)
		if err != nil {
			t.Fatalf("session %s: %v", key, err)
		}
		return ctrl
	}
	k0, k1, k2 := open("k0"), open("k1"), open("k2")
	open("k0")
	open("k3")

	if !isClosed(k1) {
		t.Fatal("least recently used session should be evicted")
	}
	if isClosed(k0) || isClosed(k2) {
		t.Fatal("recently used sessions must stay open")
	}
	if n := len(a.userSessions("alice")); n != 3 {
		t.Fatalf("expected 3 sessions, got %d", n)
	}

	for i := range 1000 {
		open(fmt.Sprintf("rotating-%d", i))
	}
	if n := len(a.userSessions("alice")); n != 3 {
		t.Fatalf("rotating keys grew the registry to %d", n)
	}
}

func TestSessionCapKeepsSubscribedSessions(t *testing.T) {
	a := newCappedApp(t, 2)
	ctx := context.Background()
	for _, key := range []string{"tab-1", "tab-2"} {
		ctrl, _, err := a.Session(ctx, alice(), key)
		if err != nil {
			t.Fatalf("session: %v", err)
		}
		ctrl.Subscribe(func(session.Event) {})
	}
	if _, _, err := a.Session(ctx, alice(), "tab-3"); !errors.Is(err, ErrTooManySessions) {
		t.Fatalf("expected ErrTooManySessions, got %v", err)
	}
	// Other users have their own cap.
	if _, _, err := a.Session(ctx, identity.Identity{UserID: "bob"}, "tab-3"); err != nil {
		t.Fatalf("bob session: %v", err)
	}
}

func TestSweepIdleClosesStaleSessions(t *testing.T) {
	a := newCappedApp(t, 4)
	ctx := context.Background()
	stale, _, err := a.Session(ctx, alice(), "stale")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	watched, _, _ := a.Session(ctx, alice(), "watched")
	unsubscribe := watched.Subscribe(func(session.Event) {})

	if n := a.SweepIdle(); n != 0 {
		t.Fatalf("fresh sessions swept: %d", n)
	}
	base := a.now()
	a.now = func() time.Time { return base.Add(2 * time.Hour) }
	if n := a.SweepIdle(); n != 1 {
		t.Fatalf("expected 1 swept session, got %d", n)
	}
	if !isClosed(stale) || isClosed(watched) {
		t.Fatal("only the unsubscribed session should be swept")
	}

	unsubscribe()
	if n := a.SweepIdle(); n != 1 || !isClosed(watched) {
		t.Fatalf("unsubscribed session should be swept, got %d", n)
	}
}

func TestWatchIdentityClosesSessionsOnLogout(t *testing.T) {
	f := newFixture(t)
	hub := identity.NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctrl, _, err := f.app.Session(ctx, alice(), "")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	watchErr := make(chan error, 1)
	go func() { watchErr <- f.app.WatchIdentity(ctx, hub) }()

	deadline := time.After(5 * time.Second)
	for closed := false; !closed; {
		if err := f.app.Logout(ctx, hub, "alice"); err != nil {
			t.Fatalf("logout: %v", err)
		}
		select {
		case <-ctrl.Done():
			closed = true
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatal("session not closed after logout")
		}
	}

	cancel()
	if err := <-watchErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("watch returned %v", err)
	}
}

func TestLogoutWithoutHub(t *testing.T) {
	f := newFixture(t)
	ctrl, _, _ := f.app.Session(context.Background(), alice(), "")
	if err := f.app.Logout(context.Background(), nil, "alice"); err != nil {
		t.Fatalf("logout: %v", err)
	}
	select {
	case <-ctrl.Done():
	default:
		t.Fatal("session still open")
	}
}

func TestSettingsValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ptr := func(v float64) *float64 { return &v }
	intPtr := func(v int) *int { return &v }
	strPtr := func(v string) *string { return &v }

	tests := []struct {
		name   string
		update SettingsUpdate
		ok     bool
	}{
		{name: "model", update: SettingsUpdate{Model: strPtr("llama-3.1-8b-instant")}, ok: true},
		{name: "unknown model", update: SettingsUpdate{Model: strPtr("gpt-unknown")}},
		{name: "temperature low", update: SettingsUpdate{Temperature: ptr(-0.1)}},
		{name: "temperature high", update: SettingsUpdate{Temperature: ptr(2.1)}},
		{name: "temperature edge", update: SettingsUpdate{Temperature: ptr(2)}, ok: true},
		{name: "max tokens zero", update: SettingsUpdate{MaxTokens: intPtr(0)}},
		{name: "max tokens high", update: SettingsUpdate{MaxTokens: intPtr(32769)}},
		{name: "max tokens edge", update: SettingsUpdate{MaxTokens: intPtr(32768)}, ok: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.app.SaveSettings(ctx, "alice", tt.update)
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidSettings) {
				t.Fatalf("expected ErrInvalidSettings, got %v", err)
			}
		})
	}

	cs, err := f.app.Settings(ctx, "alice")
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if cs.Model != "llama-3.1-8b-instant" || cs.Temperature != 2 || cs.MaxTokens != 32768 {
		t.Fatalf("unexpected settings: %+v", cs)
	}
	opts, err := f.app.Options(ctx, "alice")
	if err != nil || opts.Model != cs.Model || opts.MaxTokens != cs.MaxTokens {
		t.Fatalf("options do not follow settings: %+v, %v", opts, err)
	}
}

func TestSettingsDefaults(t *testing.T) {
	f := newFixture(t)
	cs, err := f.app.Settings(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if cs.Model != ai.DefaultModel || cs.Temperature != 0.6 || cs.MaxTokens != ai.DefaultMaxTokens {
		t.Fatalf("unexpected defaults: %+v", cs)
	}
}

func TestConversationAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ctrl := f.send(t, alice(), "hello")
	convID := ctrl.Snapshot().Conversation.ID

	owner, _ := f.app.EnsureUser(ctx, alice())
	msgs, err := f.app.ConversationMessages(ctx, owner, convID)
	if err != nil || len(msgs) != 2 {
		t.Fatalf("owner messages: %d, %v", len(msgs), err)
	}
	if msgs[1].Content != "echo: hello" {
		t.Fatalf("unexpected reply %q", msgs[1].Content)
	}

	bob, _ := f.app.EnsureUser(ctx, identity.Identity{UserID: "bob"})
	if _, err := f.app.ConversationMessages(ctx, bob, convID); !errors.Is(err, ErrConversationForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	bob.Role = domain.RoleAdmin
	if _, err := f.app.ConversationMessages(ctx, bob, convID); err != nil {
		t.Fatalf("admin read: %v", err)
	}
	if _, err := f.app.ConversationMessages(ctx, owner, "missing"); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	list, err := f.app.ListConversations(ctx, owner)
	if err != nil || len(list) != 1 || list[0].Title != "hello" {
		t.Fatalf("list conversations: %+v, %v", list, err)
	}
}

func TestUsageReport(t *testing.T) {
	f := newFixture(t)
	f.send(t, alice(), "one")
	f.send(t, alice(), "two")
	user, _ := f.app.EnsureUser(context.Background(), alice())

	report, err := f.app.Usage(context.Background(), user, time.Time{})
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if report.Usage.Exchanges != 2 || report.Usage.TokensUsed != 6 {
		t.Fatalf("unexpected summary: %+v", report.Usage)
	}
	if report.Quota.MessagesUsed != 2 || report.Quota.MessagesRemaining != report.Quota.Limits.Messages-2 {
		t.Fatalf("unexpected quota: %+v", report.Quota)
	}
}

func TestExportConversation(t *testing.T) {
	f := newFixture(t)
	ctrl := f.send(t, alice(), "Plan a trip")
	convID := ctrl.Snapshot().Conversation.ID
	user, _ := f.app.EnsureUser(context.Background(), alice())

	exp, err := f.app.ExportConversation(context.Background(), user, convID)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if exp.Key != "exports/alice/"+convID+".md" || !strings.HasPrefix(exp.URL, "mem:///exports/alice/") {
		t.Fatalf("unexpected export: %+v", exp)
	}
	if !strings.Contains(exp.URL, "filename=Plan-a-trip.md") {
		t.Fatalf("filename missing from %s", exp.URL)
	}
	r, contentType, err := f.objects.Get(exp.Key)
	if err != nil {
		t.Fatalf("get object: %v", err)
	}
	body, _ := io.ReadAll(r)
	text := string(body)
	if contentType != markdownContentType {
		t.Fatalf("content type %q", contentType)
	}
	for _, want := range []string{"# Plan a trip", "## You", "Plan a trip", "## Assistant", "echo: Plan a trip"} {
		if !strings.Contains(text, want) {
			t.Fatalf("export missing %q:\n%s", want, text)
		}
	}

	if err := ctrl.DeleteConversation(context.Background(), convID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	f.app.ConversationDeleted(context.Background(), "alice", convID)
	if _, _, err := f.objects.Get(exp.Key); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("export should be removed, got %v", err)
	}
}

func TestExportDisabled(t *testing.T) {
	a, err := New(Config{Store: store.NewMemoryStore(), Completer: echoCompleter{}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := a.ExportConversation(context.Background(), domain.User{ID: "alice"}, "c"); !errors.Is(err, ErrExportDisabled) {
		t.Fatalf("expected ErrExportDisabled, got %v", err)
	}
}

func TestExportFilename(t *testing.T) {
	tests := map[string]string{
		"Plan a trip":  "Plan-a-trip.md",
		"  What's up?": "Whats-up.md",
		"???":          "conv-1.md",
	}
	for title, want := range tests {
		if got := exportFilename(domain.Conversation{ID: "conv-1", Title: title}); got != want {
			t.Fatalf("exportFilename(%q) = %q, want %q", title, got, want)
		}
	}
}
