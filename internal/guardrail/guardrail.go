package guardrail

import (
	"log/slog"
	"time"

	"appforge/pkg/domain"
)

// PromptCounter is the slice of the store the guardrail needs.
type PromptCounter interface {
	CountUserPromptsSince(userID string, since time.Time) (int, error)
}

// Decision carries the quota verdict plus the header values clients use to
// display usage proactively. Headers are populated even when the limit is not
// reached.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Usage     int
	ResetAt   time.Time
}

// Guardrail enforces the per-user daily message quota. The day window is fixed
// UTC-midnight to UTC-midnight; reset time is the next UTC midnight.
type Guardrail struct {
	counter      PromptCounter
	defaultLimit int
	overrides    map[string]int
	now          func() time.Time
}

// Config wires the guardrail.
type Config struct {
	Counter      PromptCounter
	DefaultLimit int
	Overrides    map[string]int // per-user limit overrides
	Now          func() time.Time
}

// New constructs a guardrail.
func New(cfg Config) *Guardrail {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	limit := cfg.DefaultLimit
	if limit <= 0 {
		limit = 50
	}
	return &Guardrail{
		counter:      cfg.Counter,
		defaultLimit: limit,
		overrides:    cfg.Overrides,
		now:          now,
	}
}

// CheckAndReserve decides whether the user may send one more message and
// returns the header values, with remaining preemptively decremented for the
// message about to be sent. Elevated roles are exempt from the limit but still
// get headers. If the underlying count fails the guardrail fails open:
// availability over strictness.
func (g *Guardrail) CheckAndReserve(userID string, role domain.UserRole) Decision {
	now := g.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	reset := midnight.Add(24 * time.Hour)

	limit := g.defaultLimit
	if override, ok := g.overrides[userID]; ok && override > 0 {
		limit = override
	}

	usage, err := g.counter.CountUserPromptsSince(userID, midnight)
	if err != nil {
		slog.Warn("quota count failed, failing open", "user_id", userID, "err", err)
		return Decision{Allowed: true, Limit: limit, Remaining: limit, Usage: 0, ResetAt: reset}
	}

	remaining := limit - usage - 1
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{
		Allowed:   usage < limit,
		Limit:     limit,
		Remaining: remaining,
		Usage:     usage,
		ResetAt:   reset,
	}
	if role == domain.RoleAdmin {
		d.Allowed = true
	}
	return d
}
