package ai

import (
	"context"
	"strings"
)

// Role values accepted by chat-completion backends.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultSystemPrompt is prepended to every request unless configured otherwise.
const DefaultSystemPrompt = "You are a helpful, multilingual assistant. Provide concise, accurate responses for general queries, coding assistance, and reasoning tasks. Use JSON mode for structured outputs when requested."

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one completion call. Messages is the ordered history without
// the system instruction.
type Request struct {
	Messages    []ChatMessage
	Model       string
	Temperature float64
	MaxTokens   int
}

type Usage struct {
	PromptTokens     int64 `json:"promptTokens"`
	CompletionTokens int64 `json:"completionTokens"`
	TotalTokens      int64 `json:"totalTokens"`
}

// Total prefers the backend-reported total and falls back to the sum.
func (u Usage) Total() int64 {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.PromptTokens + u.CompletionTokens
}

// Reported is false when the backend sent no usage at all.
func (u Usage) Reported() bool {
	return u.PromptTokens > 0 || u.CompletionTokens > 0 || u.TotalTokens > 0
}

type Response struct {
	Text  string
	Usage Usage
}

// Completer produces chat completions either as one final answer or as an
// ordered fragment stream.
type Completer interface {
	Complete(ctx context.Context, req Request) (Response, error)
	StreamComplete(ctx context.Context, req Request) *Stream
}

// withSystemPrompt returns a fresh slice so the caller's history is untouched.
func withSystemPrompt(systemPrompt string, history []ChatMessage) []ChatMessage {
	out := make([]ChatMessage, 0, len(history)+1)
	if strings.TrimSpace(systemPrompt) != "" {
		out = append(out, ChatMessage{Role: RoleSystem, Content: systemPrompt})
	}
	return append(out, history...)
}
