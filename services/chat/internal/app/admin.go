package app

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"chatassist/pkg/domain"
	"chatassist/pkg/quota"
	"chatassist/pkg/store"
)

// AdminUserUpdate lists the account fields an admin may change.
type AdminUserUpdate struct {
	Role   *domain.UserRole `json:"role"`
	Tier   *domain.Tier     `json:"tier"`
	Active *bool            `json:"isActive"`
}

func (u AdminUserUpdate) empty() bool {
	return u.Role == nil && u.Tier == nil && u.Active == nil
}

func (a *App) ListUsers(ctx context.Context) ([]domain.User, error) {
	users, err := a.store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// AdminUpdateUser applies update to targetID and writes one audit entry per
// changed field. Disabling a user closes their sessions.
func (a *App) AdminUpdateUser(ctx context.Context, admin domain.User, targetID string, update AdminUserUpdate) (domain.User, error) {
	if update.empty() {
		return domain.User{}, fmt.Errorf("%w: role, tier or isActive is required", ErrInvalidUpdate)
	}
	if update.Role != nil && !update.Role.Valid() {
		return domain.User{}, fmt.Errorf("%w: invalid role", ErrInvalidUpdate)
	}
	if update.Tier != nil && !update.Tier.Valid() {
		return domain.User{}, fmt.Errorf("%w: invalid tier", ErrInvalidUpdate)
	}
	if targetID == admin.ID && (update.Role != nil || update.Active != nil) {
		return domain.User{}, fmt.Errorf("%w: admins cannot change their own role or status", ErrInvalidUpdate)
	}
	user, ok, err := a.store.GetUser(ctx, targetID)
	if err != nil {
		return domain.User{}, fmt.Errorf("load user: %w", err)
	}
	if !ok {
		return domain.User{}, ErrUserNotFound
	}

	var logs []domain.AdminLog
	change := func(action domain.AdminAction, from, to string) {
		if from == to {
			return
		}
		logs = append(logs, domain.AdminLog{
			AdminID:      admin.ID,
			Action:       action,
			TargetUserID: user.ID,
			Details:      map[string]string{"from": from, "to": to},
		})
	}
	if update.Role != nil {
		change(domain.AdminActionUpdateRole, string(user.Role), string(*update.Role))
		user.Role = *update.Role
	}
	if update.Tier != nil {
		change(domain.AdminActionUpdateTier, string(user.Tier), string(*update.Tier))
		user.Tier = *update.Tier
	}
	if update.Active != nil {
		change(domain.AdminActionUpdateActive, strconv.FormatBool(user.Active), strconv.FormatBool(*update.Active))
		user.Active = *update.Active
	}
	if len(logs) == 0 {
		return user, nil
	}

	updated, err := a.store.PatchUser(ctx, user.ID, store.UserPatch{
		Role:   update.Role,
		Tier:   update.Tier,
		Active: update.Active,
	})
	if err != nil {
		return domain.User{}, fmt.Errorf("update user: %w", err)
	}
	for _, l := range logs {
		if _, err := a.store.AppendAdminLog(ctx, l); err != nil {
			a.logger.Error("admin log not written", "admin_id", admin.ID, "action", l.Action, "err", err)
		}
	}
	if !updated.Active {
		a.CloseUser(updated.ID)
	}
	a.logger.Info("user updated by admin", "admin_id", admin.ID, "user_id", updated.ID, "changes", len(logs))
	return updated, nil
}

// AdminDeleteConversation deletes any user's conversation and audits it.
func (a *App) AdminDeleteConversation(ctx context.Context, admin domain.User, conversationID string) error {
	conv, err := a.readableConversation(ctx, admin, conversationID)
	if err != nil {
		return err
	}
	if err := a.store.DeleteConversation(ctx, conv.ID); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if _, err := a.store.AppendAdminLog(ctx, domain.AdminLog{
		AdminID:      admin.ID,
		Action:       domain.AdminActionDeleteConversation,
		TargetUserID: conv.UserID,
		Details:      map[string]string{"conversationId": conv.ID, "title": conv.Title},
	}); err != nil {
		a.logger.Error("admin log not written", "admin_id", admin.ID, "action", domain.AdminActionDeleteConversation, "err", err)
	}
	a.ConversationDeleted(ctx, conv.UserID, conv.ID)
	return nil
}

func (a *App) AdminLogs(ctx context.Context, limit int) ([]domain.AdminLog, error) {
	logs, err := a.store.ListAdminLogs(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list admin logs: %w", err)
	}
	return logs, nil
}

// DashboardStats loads the admin overview. The sources are independent and
// fetched concurrently.
func (a *App) DashboardStats(ctx context.Context) (domain.DashboardStats, error) {
	var (
		stats domain.DashboardStats
		users []domain.User
	)
	since := a.now().Add(-24 * time.Hour)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		users, err = a.store.ListUsers(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		stats.TotalConversations, err = a.store.CountConversations(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		stats.TotalMessages, err = a.store.CountMessages(gctx)
		return err
	})
	g.Go(func() error {
		recent, err := a.ledger.Summarize(gctx, "", since)
		if err != nil {
			return err
		}
		stats.TokensLast24h = recent.TokensUsed
		stats.ExchangesLast24h = recent.Exchanges
		stats.CostLast24h = recent.CostEstimate
		return nil
	})
	if err := g.Wait(); err != nil {
		return domain.DashboardStats{}, fmt.Errorf("load dashboard stats: %w", err)
	}

	perTier := make(map[domain.Tier]int64)
	for _, u := range users {
		stats.TotalUsers++
		if u.Active {
			stats.ActiveUsers++
		}
		stats.TotalTokens += u.TokenCount
		perTier[u.Tier]++
	}
	for _, l := range quota.Tiers() {
		stats.Tiers = append(stats.Tiers, domain.TierCount{Tier: l.Tier, Users: perTier[l.Tier]})
	}
	return stats, nil
}
