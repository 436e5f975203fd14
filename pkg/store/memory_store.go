package store

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"chatassist/pkg/domain"
)

// MemoryStore keeps everything in process. Used for local runs and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	now           func() time.Time
	users         map[string]domain.User
	conversations map[string]domain.Conversation
	messages      map[string]domain.Message
	usage         []domain.UsageLogEntry
	settings      map[string]domain.ChatSettings
	adminLogs     []domain.AdminLog
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:           func() time.Time { return time.Now().UTC() },
		users:         make(map[string]domain.User),
		conversations: make(map[string]domain.Conversation),
		messages:      make(map[string]domain.Message),
		settings:      make(map[string]domain.ChatSettings),
	}
}

func (s *MemoryStore) CreateUser(_ context.Context, u domain.User) (domain.User, error) {
	u, err := prepareUser(u, s.now())
	if err != nil {
		return domain.User{}, fail("create user", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return domain.User{}, fail("create user", fmt.Errorf("user %s already exists", u.ID))
	}
	s.users[u.ID] = u
	return u, nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (domain.User, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	return u, ok, nil
}

func (s *MemoryStore) UpdateUser(_ context.Context, u domain.User) (domain.User, error) {
	if err := validateUser(u); err != nil {
		return domain.User{}, fail("update user", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.users[u.ID]
	if !ok {
		return domain.User{}, fail("update user", ErrNotFound)
	}
	u.CreatedAt = existing.CreatedAt
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = s.now()
	}
	s.users[u.ID] = u
	return u, nil
}

func (s *MemoryStore) PatchUser(_ context.Context, id string, patch UserPatch) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return domain.User{}, fail("update user", ErrNotFound)
	}
	u = applyUserPatch(u, patch, s.now())
	if err := validateUser(u); err != nil {
		return domain.User{}, fail("update user", err)
	}
	s.users[id] = u
	return u, nil
}

func (s *MemoryStore) AddUserUsage(_ context.Context, id string, charge UsageCharge) (domain.User, error) {
	if err := validateCharge(id, charge); err != nil {
		return domain.User{}, fail("charge user", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return domain.User{}, fail("charge user", ErrNotFound)
	}
	u.MessageCount += charge.Messages
	u.TokenCount += charge.Tokens
	u.UpdatedAt = charge.At
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = s.now()
	}
	s.users[id] = u
	return u, nil
}

func (s *MemoryStore) ListUsers(_ context.Context) ([]domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := slices.Collect(maps.Values(s.users))
	slices.SortFunc(users, func(a, b domain.User) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return users, nil
}

func (s *MemoryStore) CreateConversation(_ context.Context, c domain.Conversation) (domain.Conversation, error) {
	c, err := prepareConversation(c, s.now())
	if err != nil {
		return domain.Conversation{}, fail("create conversation", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[c.ID] = c
	return c, nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (domain.Conversation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	return c, ok, nil
}

func (s *MemoryStore) UpdateConversation(_ context.Context, id string, patch ConversationPatch) (domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return domain.Conversation{}, fail("update conversation", ErrNotFound)
	}
	c = applyPatch(c, patch, s.now())
	s.conversations[id] = c
	return c, nil
}

func (s *MemoryStore) DeleteConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; !ok {
		return fail("delete conversation", ErrNotFound)
	}
	maps.DeleteFunc(s.messages, func(_ string, m domain.Message) bool { return m.ConversationID == id })
	delete(s.conversations, id)
	return nil
}

func (s *MemoryStore) ListConversations(_ context.Context, userID string, order Order) ([]domain.Conversation, error) {
	order = order.normalized()
	s.mu.RLock()
	out := make([]domain.Conversation, 0)
	for _, c := range s.conversations {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b domain.Conversation) int {
		ta, tb := a.UpdatedAt, b.UpdatedAt
		if order.Field == OrderByCreated {
			ta, tb = a.CreatedAt, b.CreatedAt
		}
		c := cmp.Or(ta.Compare(tb), cmp.Compare(a.ID, b.ID))
		if order.Desc {
			return -c
		}
		return c
	})
	return out, nil
}

func (s *MemoryStore) CountConversations(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.conversations)), nil
}

func (s *MemoryStore) CreateMessage(_ context.Context, m domain.Message) (domain.Message, error) {
	m, err := prepareMessage(m, s.now())
	if err != nil {
		return domain.Message{}, fail("create message", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[m.ConversationID]; !ok {
		return domain.Message{}, fail("create message", fmt.Errorf("conversation %s: %w", m.ConversationID, ErrNotFound))
	}
	s.messages[m.ID] = m
	return m, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, conversationID string) ([]domain.Message, error) {
	s.mu.RLock()
	out := make([]domain.Message, 0)
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b domain.Message) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (s *MemoryStore) DeleteMessage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[id]; !ok {
		return fail("delete message", ErrNotFound)
	}
	delete(s.messages, id)
	return nil
}

func (s *MemoryStore) CountMessages(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.messages)), nil
}

func (s *MemoryStore) AppendUsageLogEntry(_ context.Context, e domain.UsageLogEntry) (domain.UsageLogEntry, error) {
	e, err := prepareUsageEntry(e, s.now())
	if err != nil {
		return domain.UsageLogEntry{}, fail("append usage", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, e)
	return e, nil
}

func (s *MemoryStore) ListUsageLogEntries(_ context.Context, filter UsageFilter) ([]domain.UsageLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.UsageLogEntry, 0)
	for _, e := range s.usage {
		if filter.UserID != "" && e.UserID != filter.UserID {
			continue
		}
		if !filter.Since.IsZero() && e.CreatedAt.Before(filter.Since) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *MemoryStore) GetChatSettings(_ context.Context, userID string) (domain.ChatSettings, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.settings[userID]
	return cs, ok, nil
}

func (s *MemoryStore) SaveChatSettings(_ context.Context, cs domain.ChatSettings) (domain.ChatSettings, error) {
	cs, err := prepareSettings(cs, s.now())
	if err != nil {
		return domain.ChatSettings{}, fail("save settings", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[cs.UserID] = cs
	return cs, nil
}

func (s *MemoryStore) AppendAdminLog(_ context.Context, l domain.AdminLog) (domain.AdminLog, error) {
	l, err := prepareAdminLog(l, s.now())
	if err != nil {
		return domain.AdminLog{}, fail("append admin log", err)
	}
	l.Details = maps.Clone(l.Details)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adminLogs = append(s.adminLogs, l)
	return l, nil
}

func (s *MemoryStore) ListAdminLogs(_ context.Context, limit int) ([]domain.AdminLog, error) {
	if limit <= 0 {
		limit = defaultAdminLogLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AdminLog, 0, min(limit, len(s.adminLogs)))
	for i := len(s.adminLogs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.adminLogs[i])
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
