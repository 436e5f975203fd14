// Package ratelimit throttles per-user send requests.
package ratelimit

import "context"

// Limiter decides whether key may perform one more action now.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// Unlimited allows everything. Used when no limit is configured.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) bool { return true }
