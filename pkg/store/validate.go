package store

import (
	"math"
	"strings"
	"time"

	"chatassist/internal/util"
	"chatassist/pkg/domain"
)

func prepareUser(u domain.User, now time.Time) (domain.User, error) {
	if u.ID == "" {
		u.ID = util.NewID()
	}
	if u.Tier == "" {
		u.Tier = domain.TierFree
	}
	if u.Role == "" {
		u.Role = domain.RoleUser
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = u.CreatedAt
	}
	return u, validateUser(u)
}

func validateUser(u domain.User) error {
	switch {
	case strings.TrimSpace(u.ID) == "":
		return invalid("user id is required")
	case !u.Tier.Valid():
		return invalid("user %s has unknown tier %q", u.ID, u.Tier)
	case !u.Role.Valid():
		return invalid("user %s has unknown role %q", u.ID, u.Role)
	case u.MessageCount < 0 || u.TokenCount < 0:
		return invalid("user %s has negative counters", u.ID)
	}
	return nil
}

func prepareConversation(c domain.Conversation, now time.Time) (domain.Conversation, error) {
	if c.ID == "" {
		c.ID = util.NewID()
	}
	if strings.TrimSpace(c.Title) == "" {
		c.Title = domain.DefaultConversationTitle
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	return c, validateConversation(c)
}

func validateConversation(c domain.Conversation) error {
	switch {
	case strings.TrimSpace(c.ID) == "":
		return invalid("conversation id is required")
	case strings.TrimSpace(c.UserID) == "":
		return invalid("conversation %s has no owner", c.ID)
	}
	return nil
}

func prepareMessage(m domain.Message, now time.Time) (domain.Message, error) {
	if m.ID == "" {
		m.ID = util.NewID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	return m, validateMessage(m)
}

func validateMessage(m domain.Message) error {
	switch {
	case strings.TrimSpace(m.ID) == "":
		return invalid("message id is required")
	case strings.TrimSpace(m.ConversationID) == "":
		return invalid("message %s has no conversation", m.ID)
	case strings.TrimSpace(m.UserID) == "":
		return invalid("message %s has no user", m.ID)
	case !m.Role.Valid():
		return invalid("message %s has unknown role %q", m.ID, m.Role)
	case m.PromptTokens < 0 || m.CompletionTokens < 0:
		return invalid("message %s has negative token counts", m.ID)
	}
	return nil
}

func prepareUsageEntry(e domain.UsageLogEntry, now time.Time) (domain.UsageLogEntry, error) {
	if e.ID == "" {
		e.ID = util.NewID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	switch {
	case strings.TrimSpace(e.UserID) == "":
		return e, invalid("usage entry has no user")
	case strings.TrimSpace(e.MessageID) == "":
		return e, invalid("usage entry has no message")
	case e.TokensUsed < 0:
		return e, invalid("usage entry has negative tokens")
	}
	return e, nil
}

func prepareSettings(s domain.ChatSettings, now time.Time) (domain.ChatSettings, error) {
	s.UpdatedAt = now
	switch {
	case strings.TrimSpace(s.UserID) == "":
		return s, invalid("settings have no user")
	case math.IsNaN(s.Temperature) || s.Temperature < 0:
		return s, invalid("settings temperature %v out of range", s.Temperature)
	case s.MaxTokens < 0:
		return s, invalid("settings max tokens %d out of range", s.MaxTokens)
	}
	return s, nil
}

func prepareAdminLog(l domain.AdminLog, now time.Time) (domain.AdminLog, error) {
	if l.ID == "" {
		l.ID = util.NewID()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	if strings.TrimSpace(l.AdminID) == "" || strings.TrimSpace(string(l.Action)) == "" {
		return l, invalid("admin log requires admin id and action")
	}
	return l, nil
}

func applyUserPatch(u domain.User, patch UserPatch, now time.Time) domain.User {
	if patch.Role != nil {
		u.Role = *patch.Role
	}
	if patch.Tier != nil {
		u.Tier = *patch.Tier
	}
	if patch.Active != nil {
		u.Active = *patch.Active
	}
	u.UpdatedAt = patch.UpdatedAt
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = now
	}
	return u
}

func validateCharge(id string, c UsageCharge) error {
	if c.Messages < 0 || c.Tokens < 0 {
		return invalid("usage charge for user %s is negative", id)
	}
	return nil
}

func applyPatch(c domain.Conversation, patch ConversationPatch, now time.Time) domain.Conversation {
	if patch.Title != nil {
		c.Title = *patch.Title
	}
	if patch.Model != nil {
		c.Model = *patch.Model
	}
	c.UpdatedAt = patch.UpdatedAt
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	return c
}
