package store

import (
	"context"
	"time"

	"chatassist/pkg/domain"
)

// Store persists the records the chat core works with. Create operations
// assign missing ids and timestamps and return the stored record. No
// transaction spans multiple calls.
type Store interface {
	// users
	CreateUser(ctx context.Context, u domain.User) (domain.User, error)
	GetUser(ctx context.Context, id string) (domain.User, bool, error)
	UpdateUser(ctx context.Context, u domain.User) (domain.User, error)
	// PatchUser changes the account fields set in patch. Counters are left
	// alone.
	PatchUser(ctx context.Context, id string, patch UserPatch) (domain.User, error)
	// AddUserUsage adds charge to the user's counters in place. Account
	// fields are left alone, and concurrent charges all count.
	AddUserUsage(ctx context.Context, id string, charge UsageCharge) (domain.User, error)
	ListUsers(ctx context.Context) ([]domain.User, error)

	// conversations
	CreateConversation(ctx context.Context, c domain.Conversation) (domain.Conversation, error)
	GetConversation(ctx context.Context, id string) (domain.Conversation, bool, error)
	UpdateConversation(ctx context.Context, id string, patch ConversationPatch) (domain.Conversation, error)
	// DeleteConversation removes the conversation's messages, then the conversation.
	DeleteConversation(ctx context.Context, id string) error
	ListConversations(ctx context.Context, userID string, order Order) ([]domain.Conversation, error)
	CountConversations(ctx context.Context) (int64, error)

	// messages
	CreateMessage(ctx context.Context, m domain.Message) (domain.Message, error)
	// ListMessages returns messages in creation order, ties broken by id.
	ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error)
	DeleteMessage(ctx context.Context, id string) error
	CountMessages(ctx context.Context) (int64, error)

	// usage
	AppendUsageLogEntry(ctx context.Context, e domain.UsageLogEntry) (domain.UsageLogEntry, error)
	ListUsageLogEntries(ctx context.Context, filter UsageFilter) ([]domain.UsageLogEntry, error)

	// settings
	GetChatSettings(ctx context.Context, userID string) (domain.ChatSettings, bool, error)
	SaveChatSettings(ctx context.Context, s domain.ChatSettings) (domain.ChatSettings, error)

	// admin audit
	AppendAdminLog(ctx context.Context, l domain.AdminLog) (domain.AdminLog, error)
	ListAdminLogs(ctx context.Context, limit int) ([]domain.AdminLog, error)

	Close() error
}

// ConversationPatch lists the fields UpdateConversation may change. UpdatedAt
// defaults to now, so an empty patch touches the conversation.
type ConversationPatch struct {
	Title     *string
	Model     *string
	UpdatedAt time.Time
}

// UserPatch lists the account fields an admin may change. UpdatedAt defaults
// to now.
type UserPatch struct {
	Role      *domain.UserRole
	Tier      *domain.Tier
	Active    *bool
	UpdatedAt time.Time
}

// UsageCharge is what one finalized exchange adds to a user's counters.
type UsageCharge struct {
	Messages int64
	Tokens   int64
	At       time.Time
}

type OrderField string

const (
	OrderByUpdated OrderField = "updated_at"
	OrderByCreated OrderField = "created_at"
)

type Order struct {
	Field OrderField
	Desc  bool
}

// RecentFirst is the sidebar order.
var RecentFirst = Order{Field: OrderByUpdated, Desc: true}

func (o Order) normalized() Order {
	if o.Field != OrderByCreated {
		o.Field = OrderByUpdated
	}
	return o
}

// UsageFilter filters usage entries by user and time. Zero values match all.
type UsageFilter struct {
	UserID string
	Since  time.Time
}

const defaultAdminLogLimit = 100
