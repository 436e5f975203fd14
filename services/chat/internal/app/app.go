package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"chatassist/pkg/ai"
	"chatassist/pkg/domain"
	"chatassist/pkg/identity"
	"chatassist/pkg/ledger"
	"chatassist/pkg/quota"
	"chatassist/pkg/storage"
	"chatassist/pkg/store"
	"chatassist/services/chat/internal/session"
)

// DefaultSessionKey names the session of clients that send no X-Session-Id.
const DefaultSessionKey = "default"

const (
	defaultExportURLExpiry    = 15 * time.Minute
	defaultMaxSessionsPerUser = 16
	defaultSessionIdleTimeout = 30 * time.Minute
)

// Config holds runtime configuration for the core application.
type Config struct {
	Store     store.Store
	Completer ai.Completer
	Catalog   ai.Catalog
	// Defaults apply to users without saved settings.
	Defaults session.Options
	// Objects is optional; exports are disabled without it.
	Objects         storage.ObjectStore
	ExportURLExpiry time.Duration
	// MaxSessionsPerUser caps the controllers one user holds. Opening one
	// more closes the least recently used idle controller.
	MaxSessionsPerUser int
	// SessionIdleTimeout is how long an unused controller survives SweepIdle.
	SessionIdleTimeout time.Duration
	Logger             *slog.Logger
}

// App owns the per-session controllers and the account level operations
// around them.
type App struct {
	store           store.Store
	completer       ai.Completer
	catalog         ai.Catalog
	defaults        session.Options
	guard           *quota.Guard
	ledger          *ledger.Ledger
	objects         storage.ObjectStore
	exportURLExpiry time.Duration
	maxSessions     int
	idleTimeout     time.Duration
	logger          *slog.Logger
	now             func() time.Time

	mu       sync.Mutex
	sessions map[sessionKey]*sessionEntry
}

type sessionKey struct {
	userID string
	key    string
}

type sessionEntry struct {
	ctrl     *session.Controller
	lastUsed time.Time
}

func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Completer == nil {
		return nil, errors.New("completer is required")
	}
	catalog := cfg.Catalog
	if len(catalog.Models()) == 0 {
		catalog = ai.NewCatalog(nil)
	}
	defaults := cfg.Defaults
	if strings.TrimSpace(defaults.Model) == "" {
		defaults.Model = ai.DefaultModel
	}
	if defaults.MaxTokens <= 0 {
		defaults.MaxTokens = ai.DefaultMaxTokens
	}
	if !catalog.Contains(defaults.Model) {
		return nil, fmt.Errorf("default model %q is not in the model catalog", defaults.Model)
	}
	expiry := cfg.ExportURLExpiry
	if expiry <= 0 {
		expiry = defaultExportURLExpiry
	}
	maxSessions := cfg.MaxSessionsPerUser
	if maxSessions <= 0 {
		maxSessions = defaultMaxSessionsPerUser
	}
	idleTimeout := cfg.SessionIdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultSessionIdleTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		store:           cfg.Store,
		completer:       cfg.Completer,
		catalog:         catalog,
		defaults:        defaults,
		guard:           quota.NewGuard(),
		ledger:          ledger.New(cfg.Store),
		objects:         cfg.Objects,
		exportURLExpiry: expiry,
		maxSessions:     maxSessions,
		idleTimeout:     idleTimeout,
		logger:          logger,
		now:             func() time.Time { return time.Now().UTC() },
		sessions:        make(map[sessionKey]*sessionEntry),
	}, nil
}

// EnsureUser returns the user behind id, creating a free account on first
// sight. Disabled accounts are refused.
func (a *App) EnsureUser(ctx context.Context, id identity.Identity) (domain.User, error) {
	if !id.Valid() {
		return domain.User{}, errors.New("identity requires a user id")
	}
	user, ok, err := a.store.GetUser(ctx, id.UserID)
	if err != nil {
		return domain.User{}, fmt.Errorf("load user: %w", err)
	}
	if !ok {
		role := id.Role
		if !role.Valid() {
			role = domain.RoleUser
		}
		user, err = a.store.CreateUser(ctx, domain.User{
			ID:     id.UserID,
			Email:  id.Email,
			Tier:   domain.TierFree,
			Role:   role,
			Active: true,
		})
		if err != nil {
			// Another instance may have provisioned the same user.
			existing, found, getErr := a.store.GetUser(ctx, id.UserID)
			if getErr != nil || !found {
				return domain.User{}, fmt.Errorf("create user: %w", err)
			}
			user = existing
		} else {
			a.logger.Info("user provisioned", "user_id", user.ID)
		}
	}
	if !user.Active {
		return domain.User{}, ErrUserDisabled
	}
	return user, nil
}

// Session returns the controller for (user, key), creating it on first use.
// A user at the session cap gives up their least recently used idle
// controller.
func (a *App) Session(ctx context.Context, id identity.Identity, key string) (*session.Controller, domain.User, error) {
	user, err := a.EnsureUser(ctx, id)
	if err != nil {
		return nil, domain.User{}, err
	}
	key = normalizeSessionKey(key)
	k := sessionKey{userID: user.ID, key: key}

	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	if e, ok := a.sessions[k]; ok {
		e.lastUsed = now
		return e.ctrl, user, nil
	}
	if err := a.makeRoomLocked(user.ID); err != nil {
		return nil, domain.User{}, err
	}
	ctrl, err := session.New(session.Config{
		Identity:  id,
		Store:     a.store,
		Completer: a.completer,
		Guard:     a.guard,
		Ledger:    a.ledger,
		Settings:  a,
		Logger:    a.logger.With("session", key),
	})
	if err != nil {
		return nil, domain.User{}, err
	}
	a.sessions[k] = &sessionEntry{ctrl: ctrl, lastUsed: now}
	return ctrl, user, nil
}

// makeRoomLocked closes the least recently used idle controller of userID
// when the user is at the cap.
func (a *App) makeRoomLocked(userID string) error {
	var (
		open   int
		oldest sessionKey
		found  bool
	)
	for k, e := range a.sessions {
		if k.userID != userID {
			continue
		}
		open++
		if !e.ctrl.Idle() {
			continue
		}
		if !found || e.lastUsed.Before(a.sessions[oldest].lastUsed) {
			oldest, found = k, true
		}
	}
	if open < a.maxSessions {
		return nil
	}
	if !found {
		return ErrTooManySessions
	}
	a.sessions[oldest].ctrl.Close()
	delete(a.sessions, oldest)
	a.logger.Info("session evicted", "user_id", userID, "session", oldest.key)
	return nil
}

// SweepIdle closes controllers unused for longer than the idle timeout.
func (a *App) SweepIdle() int {
	cutoff := a.now().Add(-a.idleTimeout)
	a.mu.Lock()
	var closing []*session.Controller
	for k, e := range a.sessions {
		if e.lastUsed.Before(cutoff) && e.ctrl.Idle() {
			closing = append(closing, e.ctrl)
			delete(a.sessions, k)
		}
	}
	a.mu.Unlock()
	for _, ctrl := range closing {
		ctrl.Close()
	}
	return len(closing)
}

// RunJanitor calls SweepIdle every interval until ctx is done.
func (a *App) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = a.idleTimeout / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.SweepIdle(); n > 0 {
				a.logger.Info("idle sessions closed", "count", n)
			}
		}
	}
}

func normalizeSessionKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" || len(key) > 64 {
		return DefaultSessionKey
	}
	return key
}

// CloseUser closes and forgets every controller of userID.
func (a *App) CloseUser(userID string) int {
	a.mu.Lock()
	var closing []*session.Controller
	for k, e := range a.sessions {
		if k.userID == userID {
			closing = append(closing, e.ctrl)
			delete(a.sessions, k)
		}
	}
	a.mu.Unlock()
	for _, ctrl := range closing {
		ctrl.Close()
	}
	return len(closing)
}

// Close closes every controller.
func (a *App) Close() {
	a.mu.Lock()
	closing := make([]*session.Controller, 0, len(a.sessions))
	for k, e := range a.sessions {
		closing = append(closing, e.ctrl)
		delete(a.sessions, k)
	}
	a.mu.Unlock()
	for _, ctrl := range closing {
		ctrl.Close()
	}
}

// userSessions lists the live controllers of userID.
func (a *App) userSessions(userID string) []*session.Controller {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*session.Controller
	for k, e := range a.sessions {
		if k.userID == userID {
			out = append(out, e.ctrl)
		}
	}
	return out
}

// WatchIdentity closes a user's sessions when the hub reports a logout. It
// returns when ctx is done.
func (a *App) WatchIdentity(ctx context.Context, hub identity.Hub) error {
	events, err := hub.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe identity events: %w", err)
	}
	for e := range events {
		switch e.Kind {
		case identity.EventLogout:
			n := a.CloseUser(e.UserID)
			a.logger.Info("identity logout", "user_id", e.UserID, "sessions_closed", n)
		case identity.EventLogin:
			a.logger.Debug("identity login", "user_id", e.UserID)
		}
	}
	return ctx.Err()
}

// Logout announces the logout of userID. Every instance subscribed to hub,
// this one included, closes the user's sessions.
func (a *App) Logout(ctx context.Context, hub identity.Hub, userID string) error {
	if hub == nil {
		a.CloseUser(userID)
		return nil
	}
	return hub.Publish(ctx, identity.Event{Kind: identity.EventLogout, UserID: userID, At: a.now()})
}

// Models lists the selectable models.
func (a *App) Models() []ai.Model { return a.catalog.Models() }

func (a *App) ListConversations(ctx context.Context, user domain.User) ([]domain.Conversation, error) {
	items, err := a.store.ListConversations(ctx, user.ID, store.RecentFirst)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return items, nil
}

// ConversationMessages lists messages in creation order. Admins may read any
// conversation.
func (a *App) ConversationMessages(ctx context.Context, user domain.User, conversationID string) ([]domain.Message, error) {
	if _, err := a.readableConversation(ctx, user, conversationID); err != nil {
		return nil, err
	}
	items, err := a.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list conversation messages: %w", err)
	}
	return items, nil
}

func (a *App) readableConversation(ctx context.Context, user domain.User, conversationID string) (domain.Conversation, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return domain.Conversation{}, ErrConversationNotFound
	}
	conv, ok, err := a.store.GetConversation(ctx, conversationID)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	if !ok {
		return domain.Conversation{}, ErrConversationNotFound
	}
	if conv.UserID != user.ID && !user.IsAdmin() {
		return domain.Conversation{}, ErrConversationForbidden
	}
	return conv, nil
}

// ConversationDeleted tells the user's other sessions that conversationID
// is gone and drops its export.
func (a *App) ConversationDeleted(ctx context.Context, userID, conversationID string) {
	for _, ctrl := range a.userSessions(userID) {
		ctrl.ConversationRemoved(conversationID)
	}
	a.removeExport(ctx, userID, conversationID)
}

// UsageReport is what a user sees on the usage page.
type UsageReport struct {
	Quota quota.Status   `json:"quota"`
	Usage ledger.Summary `json:"usage"`
}

func (a *App) Usage(ctx context.Context, user domain.User, since time.Time) (UsageReport, error) {
	summary, err := a.ledger.Summarize(ctx, user.ID, since)
	if err != nil {
		return UsageReport{}, err
	}
	return UsageReport{Quota: a.guard.Status(user), Usage: summary}, nil
}

// Quota reports where user stands against their tier limits.
func (a *App) Quota(user domain.User) quota.Status { return a.guard.Status(user) }
