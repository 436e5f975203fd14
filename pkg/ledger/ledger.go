// Package ledger records token consumption per completed exchange.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatassist/pkg/domain"
	"chatassist/pkg/quota"
	"chatassist/pkg/store"
)

// Appender is the slice of store.Store the ledger writes to.
type Appender interface {
	AppendUsageLogEntry(ctx context.Context, e domain.UsageLogEntry) (domain.UsageLogEntry, error)
	ListUsageLogEntries(ctx context.Context, filter store.UsageFilter) ([]domain.UsageLogEntry, error)
}

// Ledger is append-only.
type Ledger struct {
	store Appender
	now   func() time.Time
}

func New(s Appender) *Ledger {
	return &Ledger{store: s, now: func() time.Time { return time.Now().UTC() }}
}

// Summary aggregates entries for reporting.
type Summary struct {
	UserID       string    `json:"userId,omitempty"`
	Since        time.Time `json:"since,omitzero"`
	Exchanges    int64     `json:"exchanges"`
	TokensUsed   int64     `json:"tokensUsed"`
	CostEstimate float64   `json:"costEstimate"`
}

// Record appends one entry for a finalized assistant message.
func (l *Ledger) Record(ctx context.Context, userID, messageID string, tokensUsed int64) (domain.UsageLogEntry, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(messageID) == "" {
		return domain.UsageLogEntry{}, errors.New("ledger: user and message ids are required")
	}
	if tokensUsed < 0 {
		tokensUsed = 0
	}
	entry, err := l.store.AppendUsageLogEntry(ctx, domain.UsageLogEntry{
		UserID:       userID,
		MessageID:    messageID,
		TokensUsed:   tokensUsed,
		CostEstimate: quota.CostEstimate(tokensUsed),
		CreatedAt:    l.now(),
	})
	if err != nil {
		return domain.UsageLogEntry{}, fmt.Errorf("record usage: %w", err)
	}
	return entry, nil
}

// Summarize totals entries of userID (all users when empty) since the given time.
func (l *Ledger) Summarize(ctx context.Context, userID string, since time.Time) (Summary, error) {
	entries, err := l.store.ListUsageLogEntries(ctx, store.UsageFilter{UserID: userID, Since: since})
	if err != nil {
		return Summary{}, fmt.Errorf("summarize usage: %w", err)
	}
	s := Summary{UserID: userID, Since: since}
	for _, e := range entries {
		s.Exchanges++
		s.TokensUsed += e.TokensUsed
	}
	s.CostEstimate = quota.CostEstimate(s.TokensUsed)
	return s, nil
}
