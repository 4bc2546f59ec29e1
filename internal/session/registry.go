package session

import (
	"context"
	"log/slog"
	"time"

	"appforge/pkg/domain"
)

const (
	defaultMaxActive  = 20
	defaultIdleWindow = 30 * time.Minute
	defaultSweepEvery = 5 * time.Minute
)

// SessionStore is the slice of the store the registry needs.
type SessionStore interface {
	SaveSessionBelowCeiling(s domain.ActiveSession, activeSince time.Time, max int) (bool, error)
	TouchSession(id string, at time.Time) error
	DeleteSession(id string) error
	DeleteSessionsIdleBefore(cutoff time.Time) (int, error)
}

// Registry tracks live client connections and enforces the global concurrency
// ceiling. Creation at the ceiling is rejected immediately, never queued.
type Registry struct {
	store      SessionStore
	maxActive  int
	idleWindow time.Duration
	now        func() time.Time
}

// Config wires the registry.
type Config struct {
	Store      SessionStore
	MaxActive  int
	IdleWindow time.Duration
	Now        func() time.Time
}

// New constructs a registry.
func New(cfg Config) *Registry {
	maxActive := cfg.MaxActive
	if maxActive <= 0 {
		maxActive = defaultMaxActive
	}
	idle := cfg.IdleWindow
	if idle <= 0 {
		idle = defaultIdleWindow
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{store: cfg.Store, maxActive: maxActive, idleWindow: idle, now: now}
}

// CreateOrRefresh registers a session for a starting request. It returns
// canProceed=false when the ceiling of non-expired sessions is reached.
// A store failure fails open, matching the guardrail's availability trade-off.
func (r *Registry) CreateOrRefresh(sess domain.ActiveSession) (bool, error) {
	now := r.now().UTC()
	sess.LastActiveAt = now
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	// The count-and-insert must be one store operation: two concurrent
	// requests reading the same count would both slip under the ceiling.
	ok, err := r.store.SaveSessionBelowCeiling(sess, now.Add(-r.idleWindow), r.maxActive)
	if err != nil {
		slog.Warn("session admit failed, failing open", "err", err)
		return true, nil
	}
	return ok, nil
}

// Touch refreshes the last-activity timestamp of a live session.
func (r *Registry) Touch(id string) {
	if err := r.store.TouchSession(id, r.now().UTC()); err != nil {
		slog.Warn("session touch failed", "session_id", id, "err", err)
	}
}

// End removes a session on normal completion. Safe to call from a defer.
func (r *Registry) End(id string) {
	if err := r.store.DeleteSession(id); err != nil {
		slog.Warn("session delete failed", "session_id", id, "err", err)
	}
}

// Sweep periodically reaps sessions idle beyond the window. It runs until ctx
// is cancelled.
func (r *Registry) Sweep(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = defaultSweepEvery
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := r.now().UTC().Add(-r.idleWindow)
			removed, err := r.store.DeleteSessionsIdleBefore(cutoff)
			if err != nil {
				slog.Warn("session sweep failed", "err", err)
				continue
			}
			if removed > 0 {
				slog.Info("reaped idle sessions", "count", removed)
			}
		}
	}
}
