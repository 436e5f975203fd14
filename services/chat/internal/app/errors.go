package app

import (
	"errors"

	"chatassist/services/chat/internal/session"
)

var (
	ErrUserDisabled          = session.ErrUserDisabled
	ErrConversationNotFound  = session.ErrConversationNotFound
	ErrConversationForbidden = errors.New("conversation forbidden")
	ErrUserNotFound          = errors.New("user not found")
	// ErrInvalidSettings wraps every settings validation failure.
	ErrInvalidSettings = errors.New("invalid settings")
	ErrInvalidUpdate   = errors.New("invalid user update")
	// ErrTooManySessions is returned when every session of a user is busy
	// and the user is at the session cap.
	ErrTooManySessions = errors.New("too many open sessions")
	// ErrExportDisabled is returned when no object store is configured.
	ErrExportDisabled = errors.New("export is not configured")
)
