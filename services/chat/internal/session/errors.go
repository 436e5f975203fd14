package session

import (
	"errors"

	"chatassist/pkg/ai"
	"chatassist/pkg/quota"
)

var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrBusy                 = errors.New("another exchange is in progress")
	ErrNotStreaming         = errors.New("no response is streaming")
	ErrCancelled            = errors.New("exchange cancelled")
	ErrClosed               = errors.New("session closed")
	ErrUserDisabled         = errors.New("user account is disabled")
	ErrConversationNotFound = errors.New("conversation not found")
)

// RetryMessage is shown for completion and storage failures.
const RetryMessage = "failed to send message, please try again"

// ErrorCode classifies a turn failure for subscribers.
type ErrorCode string

const (
	CodeQuotaDenied      ErrorCode = "quota_denied"
	CodeCompletionFailed ErrorCode = "completion_failed"
	CodeStorageFailed    ErrorCode = "storage_failed"
	CodeInvalidInput     ErrorCode = "invalid_input"
	CodeForbidden        ErrorCode = "forbidden"
)

// Classify maps err onto a code and the text a user should see.
func Classify(err error) (ErrorCode, string) {
	var denied *quota.DeniedError
	switch {
	case errors.As(err, &denied):
		return CodeQuotaDenied, denied.Reason
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidInput, err.Error()
	case errors.Is(err, ErrUserDisabled), errors.Is(err, ErrConversationNotFound):
		return CodeForbidden, err.Error()
	case errors.Is(err, ai.ErrCompletion):
		return CodeCompletionFailed, RetryMessage
	default:
		return CodeStorageFailed, RetryMessage
	}
}
