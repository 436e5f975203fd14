package app

import (
	"context"
	"errors"
	"testing"

	"chatassist/pkg/domain"
	"chatassist/pkg/identity"
	"chatassist/pkg/store"
)

func newAdmin(t *testing.T, f fixture) domain.User {
	t.Helper()
	admin, err := f.app.EnsureUser(context.Background(), identity.Identity{UserID: "root", Role: domain.RoleAdmin})
	if err != nil {
		t.Fatalf("ensure admin: %v", err)
	}
	if !admin.IsAdmin() {
		t.Fatalf("expected admin role, got %s", admin.Role)
	}
	return admin
}

func TestAdminUpdateUserWritesAuditLog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := newAdmin(t, f)
	if _, err := f.app.EnsureUser(ctx, alice()); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	tier := domain.TierPro
	role := domain.RoleUser

	updated, err := f.app.AdminUpdateUser(ctx, admin, "alice", AdminUserUpdate{Tier: &tier, Role: &role})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Tier != domain.TierPro {
		t.Fatalf("tier not updated: %+v", updated)
	}
	logs, err := f.app.AdminLogs(ctx, 10)
	if err != nil {
		t.Fatalf("admin logs: %v", err)
	}
	// The unchanged role is not audited.
	if len(logs) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(logs))
	}
	l := logs[0]
	if l.Action != domain.AdminActionUpdateTier || l.AdminID != "root" || l.TargetUserID != "alice" {
		t.Fatalf("unexpected log: %+v", l)
	}
	if l.Details["from"] != "free" || l.Details["to"] != "pro" {
		t.Fatalf("unexpected details: %+v", l.Details)
	}
}

func TestAdminDisableClosesSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := newAdmin(t, f)
	ctrl, _, err := f.app.Session(ctx, alice(), "")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	inactive := false
	if _, err := f.app.AdminUpdateUser(ctx, admin, "alice", AdminUserUpdate{Active: &inactive}); err != nil {
		t.Fatalf("update: %v", err)
	}
	select {
	case <-ctrl.Done():
	default:
		t.Fatal("session still open after disable")
	}
	if _, _, err := f.app.Session(ctx, alice(), ""); !errors.Is(err, ErrUserDisabled) {
		t.Fatalf("expected ErrUserDisabled, got %v", err)
	}
}

// chargingStore charges the user between the admin's read and write.
type chargingStore struct {
	*store.MemoryStore
	charge store.UsageCharge
}

func (s *chargingStore) PatchUser(ctx context.Context, id string, patch store.UserPatch) (domain.User, error) {
	if _, err := s.AddUserUsage(ctx, id, s.charge); err != nil {
		return domain.User{}, err
	}
	return s.MemoryStore.PatchUser(ctx, id, patch)
}

func TestAdminUpdateUserKeepsConcurrentCharge(t *testing.T) {
	st := &chargingStore{MemoryStore: store.NewMemoryStore(), charge: store.UsageCharge{Messages: 1, Tokens: 30}}
	a, err := New(Config{Store: st, Completer: echoCompleter{}})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	ctx := context.Background()
	admin, err := a.EnsureUser(ctx, identity.Identity{UserID: "root", Role: domain.RoleAdmin})
	if err != nil {
		t.Fatalf("ensure admin: %v", err)
	}
	if _, err := a.EnsureUser(ctx, alice()); err != nil {
		t.Fatalf("ensure user: %v", err)
	}

	tier := domain.TierBasic
	updated, err := a.AdminUpdateUser(ctx, admin, "alice", AdminUserUpdate{Tier: &tier})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Tier != domain.TierBasic || updated.MessageCount != 1 || updated.TokenCount != 30 {
		t.Fatalf("admin edit rolled back counters: %+v", updated)
	}
}

func TestAdminUpdateUserRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := newAdmin(t, f)
	badTier := domain.Tier("gold")
	demote := domain.RoleUser

	tests := []struct {
		name   string
		target string
		update AdminUserUpdate
		want   error
	}{
		{name: "empty", target: "alice", update: AdminUserUpdate{}, want: ErrInvalidUpdate},
		{name: "bad tier", target: "alice", update: AdminUserUpdate{Tier: &badTier}, want: ErrInvalidUpdate},
		{name: "self demote", target: "root", update: AdminUserUpdate{Role: &demote}, want: ErrInvalidUpdate},
		{name: "missing user", target: "ghost", update: AdminUserUpdate{Role: &demote}, want: ErrUserNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.app.AdminUpdateUser(ctx, admin, tt.target, tt.update); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestAdminDeleteConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := newAdmin(t, f)
	ctrl := f.send(t, alice(), "delete me")
	convID := ctrl.Snapshot().Conversation.ID

	if err := f.app.AdminDeleteConversation(ctx, admin, convID); err != nil {
		t.Fatalf("admin delete: %v", err)
	}
	if _, ok, _ := f.store.GetConversation(ctx, convID); ok {
		t.Fatal("conversation still stored")
	}
	if n, _ := f.store.CountMessages(ctx); n != 0 {
		t.Fatalf("expected messages removed, %d left", n)
	}
	if snap := ctrl.Snapshot(); snap.Conversation != nil || len(snap.Messages) != 0 {
		t.Fatalf("session still shows deleted conversation: %+v", snap)
	}
	logs, _ := f.app.AdminLogs(ctx, 10)
	if len(logs) != 1 || logs[0].Action != domain.AdminActionDeleteConversation || logs[0].TargetUserID != "alice" {
		t.Fatalf("unexpected logs: %+v", logs)
	}
	if err := f.app.AdminDeleteConversation(ctx, admin, convID); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDashboardStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := newAdmin(t, f)
	f.send(t, alice(), "one")
	f.send(t, identity.Identity{UserID: "bob"}, "two")
	tier := domain.TierBasic
	if _, err := f.app.AdminUpdateUser(ctx, admin, "bob", AdminUserUpdate{Tier: &tier}); err != nil {
		t.Fatalf("update: %v", err)
	}

	stats, err := f.app.DashboardStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalUsers != 3 || stats.ActiveUsers != 3 {
		t.Fatalf("unexpected user totals: %+v", stats)
	}
	if stats.TotalConversations != 2 || stats.TotalMessages != 4 {
		t.Fatalf("unexpected conversation totals: %+v", stats)
	}
	if stats.TotalTokens != 6 || stats.TokensLast24h != 6 || stats.ExchangesLast24h != 2 {
		t.Fatalf("unexpected token totals: %+v", stats)
	}
	want := map[domain.Tier]int64{domain.TierFree: 2, domain.TierBasic: 1, domain.TierPro: 0}
	if len(stats.Tiers) != 3 {
		t.Fatalf("expected 3 tiers, got %+v", stats.Tiers)
	}
	for _, tc := range stats.Tiers {
		if tc.Users != want[tc.Tier] {
			t.Fatalf("tier %s: got %d users, want %d", tc.Tier, tc.Users, want[tc.Tier])
		}
	}
}
