package session

import (
	"chatassist/pkg/domain"
	"chatassist/pkg/quota"
)

type State string

const (
	StateIdle       State = "idle"
	StateSending    State = "sending"
	StateStreaming  State = "streaming"
	StateFinalizing State = "finalizing"
	StateCancelled  State = "cancelled"
)

type EventKind string

const (
	EventState               EventKind = "state"
	EventFragment            EventKind = "fragment"
	EventMessage             EventKind = "message"
	EventMessages            EventKind = "messages"
	EventConversation        EventKind = "conversation"
	EventConversationDeleted EventKind = "conversation_deleted"
	EventError               EventKind = "error"
	EventWarning             EventKind = "warning"
)

// Event is delivered to subscribers in the order it happened. EventMessage
// appends Message to the visible list; EventMessages replaces the list.
type Event struct {
	Kind           EventKind            `json:"kind"`
	TurnID         string               `json:"turnId,omitempty"`
	State          State                `json:"state,omitempty"`
	Fragment       string               `json:"fragment,omitempty"`
	Message        *domain.Message      `json:"message,omitempty"`
	Messages       []domain.Message     `json:"messages,omitempty"`
	Conversation   *domain.Conversation `json:"conversation,omitempty"`
	ConversationID string               `json:"conversationId,omitempty"`
	Code           ErrorCode            `json:"code,omitempty"`
	LimitKind      quota.LimitKind      `json:"limitKind,omitempty"`
	Text           string               `json:"text,omitempty"`
}

// Snapshot is a copy of the controller's visible state.
type Snapshot struct {
	State        State                `json:"state"`
	Conversation *domain.Conversation `json:"conversation"`
	Messages     []domain.Message     `json:"messages"`
	// Draft is the partial assistant text while streaming.
	Draft string `json:"draft,omitempty"`
}
