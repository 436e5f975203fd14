// Package identity carries the caller identity and the login/logout event
// stream published by the external identity provider.
package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"chatassist/pkg/domain"
)

// Identity is the stable identity of an authenticated caller.
type Identity struct {
	UserID string          `json:"userId"`
	Email  string          `json:"email,omitempty"`
	Role   domain.UserRole `json:"role,omitempty"`
}

func (i Identity) Valid() bool { return strings.TrimSpace(i.UserID) != "" }

type EventKind string

const (
	EventLogin  EventKind = "login"
	EventLogout EventKind = "logout"
)

type Event struct {
	Kind   EventKind `json:"kind"`
	UserID string    `json:"userId"`
	At     time.Time `json:"at"`
}

func (e Event) validate() error {
	if e.Kind != EventLogin && e.Kind != EventLogout {
		return errors.New("identity event kind must be login or logout")
	}
	if strings.TrimSpace(e.UserID) == "" {
		return errors.New("identity event requires a user id")
	}
	return nil
}

// Hub fans identity events out to every subscriber. Subscribe returns a
// channel that is closed once ctx is done.
type Hub interface {
	Publish(ctx context.Context, e Event) error
	Subscribe(ctx context.Context) (<-chan Event, error)
}

type contextKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok && id.Valid()
}
