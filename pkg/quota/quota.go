// Package quota enforces tier limits on message and token usage.
package quota

import (
	"errors"
	"fmt"
	"time"

	"chatassist/pkg/domain"
)

// LimitKind names the counter that tripped a denial.
type LimitKind string

const (
	LimitMessages LimitKind = "messages"
	LimitTokens   LimitKind = "tokens"
)

// costPerMillionTokens is the informational price used for usage estimates.
const costPerMillionTokens = 0.60

var ErrDenied = errors.New("quota exceeded")

// Limits is one row of the tier table.
type Limits struct {
	Tier         domain.Tier `json:"tier"`
	Messages     int64       `json:"messages"`
	Tokens       int64       `json:"tokens"`
	MonthlyPrice int         `json:"monthlyPrice"`
}

var tierTable = map[domain.Tier]Limits{
	domain.TierFree:  {Tier: domain.TierFree, Messages: 1000, Tokens: 50000, MonthlyPrice: 0},
	domain.TierBasic: {Tier: domain.TierBasic, Messages: 10000, Tokens: 500000, MonthlyPrice: 10},
	domain.TierPro:   {Tier: domain.TierPro, Messages: 50000, Tokens: 2500000, MonthlyPrice: 50},
}

// LimitsFor returns the limits of tier; unknown tiers get the free limits.
func LimitsFor(tier domain.Tier) Limits {
	if l, ok := tierTable[tier]; ok {
		return l
	}
	return tierTable[domain.TierFree]
}

// Tiers lists the table in ascending price order.
func Tiers() []Limits {
	return []Limits{tierTable[domain.TierFree], tierTable[domain.TierBasic], tierTable[domain.TierPro]}
}

// DeniedError is returned when a user has used up a limit.
type DeniedError struct {
	Kind   LimitKind
	Reason string
}

func (e *DeniedError) Error() string { return e.Reason }

func (e *DeniedError) Is(target error) bool { return target == ErrDenied }

// Decision is the outcome of Authorize.
type Decision struct {
	Allowed bool
	Kind    LimitKind
	Reason  string
}

// Err returns nil when allowed and a *DeniedError otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &DeniedError{Kind: d.Kind, Reason: d.Reason}
}

// Status summarises where a user stands against their tier.
type Status struct {
	Limits            Limits `json:"limits"`
	MessagesUsed      int64  `json:"messagesUsed"`
	TokensUsed        int64  `json:"tokensUsed"`
	MessagesRemaining int64  `json:"messagesRemaining"`
	TokensRemaining   int64  `json:"tokensRemaining"`
}

// Guard checks limits before an exchange and updates counters after one.
type Guard struct {
	now func() time.Time
}

func NewGuard() *Guard {
	return &Guard{now: time.Now}
}

// Authorize denies when either counter is already at or above its limit.
func (g *Guard) Authorize(user domain.User) Decision {
	limits := LimitsFor(user.Tier)
	if user.MessageCount >= limits.Messages {
		return Decision{
			Kind:   LimitMessages,
			Reason: fmt.Sprintf("message limit reached (%d). Please upgrade your plan.", limits.Messages),
		}
	}
	if user.TokenCount >= limits.Tokens {
		return Decision{
			Kind:   LimitTokens,
			Reason: fmt.Sprintf("token limit reached (%d). Please upgrade your plan.", limits.Tokens),
		}
	}
	return Decision{Allowed: true}
}

// Charge is what one exchange adds to a user's counters.
type Charge struct {
	Messages int64
	Tokens   int64
	At       time.Time
}

// Charge returns one message and tokensUsed tokens. Negative token counts
// are clamped so counters never decrease. The caller persists the result.
func (g *Guard) Charge(tokensUsed int64) Charge {
	return Charge{Messages: 1, Tokens: max(tokensUsed, 0), At: g.now().UTC()}
}

func (g *Guard) Status(user domain.User) Status {
	limits := LimitsFor(user.Tier)
	return Status{
		Limits:            limits,
		MessagesUsed:      user.MessageCount,
		TokensUsed:        user.TokenCount,
		MessagesRemaining: max(limits.Messages-user.MessageCount, 0),
		TokensRemaining:   max(limits.Tokens-user.TokenCount, 0),
	}
}

// CostEstimate is tokens / 1,000,000 x 0.60.
func CostEstimate(tokens int64) float64 {
	return float64(tokens) / 1_000_000 * costPerMillionTokens
}
