package reminder

import (
	"context"
	"time"

	"memberhub/internal/model"
)

// RosterEntry is one member's reminder-relevant view of an event: their
// attendance status (AttendanceNone when no row exists) and when they were
// last reminded, if ever.
type RosterEntry struct {
	MemberID   int64
	Status     string
	LastSentAt *time.Time
}

type Store interface {
	ListEventRoster(ctx context.Context, eventID int64) ([]RosterEntry, error)
	// MarkRemindersSent upserts last_sent_at for the whole batch in a single
	// transaction.
	MarkRemindersSent(ctx context.Context, eventID int64, memberIDs []int64, sentAt time.Time) error
}

type Config struct {
	ResendInterval time.Duration
}

func DefaultConfig() Config {
	return Config{ResendInterval: 24 * time.Hour}
}

// Engine is pull-based: it owns no scheduling, only the per-recipient resend
// gate. Dispatch itself is the transport's job.
type Engine struct {
	store Store
	cfg   Config
}

func NewEngine(store Store, cfg Config) *Engine {
	return &Engine{store: store, cfg: cfg}
}

// SelectTargets returns the members currently eligible for a follow-up
// reminder: still undecided (or silent), and not reminded within the resend
// interval. Order is unspecified.
func (e *Engine) SelectTargets(ctx context.Context, eventID int64, now time.Time) ([]int64, error) {
	roster, err := e.store.ListEventRoster(ctx, eventID)
	if err != nil {
		return nil, err
	}

	var targets []int64
	for _, entry := range roster {
		if e.eligible(entry, now) {
			targets = append(targets, entry.MemberID)
		}
	}
	return targets, nil
}

func (e *Engine) eligible(entry RosterEntry, now time.Time) bool {
	switch entry.Status {
	case model.AttendanceNone, model.AttendanceUndecided:
	default:
		return false
	}
	if entry.LastSentAt != nil && now.Sub(*entry.LastSentAt) < e.cfg.ResendInterval {
		return false
	}
	return true
}

// MarkSent records dispatch for the members that were actually notified.
// Callers pass only the transport's per-recipient successes.
func (e *Engine) MarkSent(ctx context.Context, eventID int64, memberIDs []int64, now time.Time) error {
	if len(memberIDs) == 0 {
		return nil
	}
	return e.store.MarkRemindersSent(ctx, eventID, memberIDs, now)
}
