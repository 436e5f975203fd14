package domain

import "time"

type Tier string

const (
	TierFree  Tier = "free"
	TierBasic Tier = "basic"
	TierPro   Tier = "pro"
)

func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierBasic, TierPro:
		return true
	}
	return false
}

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

func (r UserRole) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

func (r MessageRole) Valid() bool {
	return r == MessageRoleUser || r == MessageRoleAssistant
}

const DefaultConversationTitle = "New Chat"

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Tier         Tier      `json:"tier"`
	MessageCount int64     `json:"messageCount"`
	TokenCount   int64     `json:"tokenCount"`
	Role         UserRole  `json:"role"`
	Active       bool      `json:"isActive"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (u User) IsAdmin() bool { return u.Role == RoleAdmin }

type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Message struct {
	ID               string      `json:"id"`
	ConversationID   string      `json:"conversationId"`
	UserID           string      `json:"userId"`
	Role             MessageRole `json:"role"`
	Content          string      `json:"content"`
	PromptTokens     int64       `json:"promptTokens"`
	CompletionTokens int64       `json:"completionTokens"`
	CreatedAt        time.Time   `json:"createdAt"`
}

// UsageLogEntry is append-only; one per completed exchange.
type UsageLogEntry struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	MessageID    string    `json:"messageId"`
	TokensUsed   int64     `json:"tokensUsed"`
	CostEstimate float64   `json:"costEstimate"`
	CreatedAt    time.Time `json:"createdAt"`
}

type ChatSettings struct {
	UserID      string    `json:"userId"`
	Model       string    `json:"model"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"maxTokens"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type AdminAction string

const (
	AdminActionUpdateRole         AdminAction = "update_role"
	AdminActionUpdateTier         AdminAction = "update_tier"
	AdminActionUpdateActive       AdminAction = "update_active"
	AdminActionDeleteConversation AdminAction = "delete_conversation"
)

type AdminLog struct {
	ID           string            `json:"id"`
	AdminID      string            `json:"adminId"`
	Action       AdminAction       `json:"action"`
	TargetUserID string            `json:"targetUserId"`
	Details      map[string]string `json:"details,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}

type TierCount struct {
	Tier  Tier  `json:"tier"`
	Users int64 `json:"users"`
}

type DashboardStats struct {
	TotalUsers         int64       `json:"totalUsers"`
	ActiveUsers        int64       `json:"activeUsers"`
	TotalConversations int64       `json:"totalConversations"`
	TotalMessages      int64       `json:"totalMessages"`
	TotalTokens        int64       `json:"totalTokens"`
	Tiers              []TierCount `json:"tiers"`
	TokensLast24h      int64       `json:"tokensLast24h"`
	ExchangesLast24h   int64       `json:"exchangesLast24h"`
	CostLast24h        float64     `json:"costLast24h"`
}
