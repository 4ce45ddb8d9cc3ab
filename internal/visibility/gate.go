package visibility

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrStale is returned by the store when the member's visibility row no
// longer matches the state the decision was made against.
var ErrStale = errors.New("visibility state changed concurrently")

// casAttempts bounds how many times Set re-reads after a lost compare-and-set.
const casAttempts = 3

type State struct {
	Public         bool       `json:"public"`
	LastEnabledAt  *time.Time `json:"last_enabled_at,omitempty"`
	LastDisabledAt *time.Time `json:"last_disabled_at,omitempty"`
}

// CooldownActiveError rejects a disable→enable transition inside the
// re-entry cooldown window.
type CooldownActiveError struct {
	Remaining time.Duration
}

func (e *CooldownActiveError) Error() string {
	return fmt.Sprintf("directory visibility can be re-enabled in %d day(s)", e.RemainingDays())
}

// RemainingDays rounds the remaining cooldown up to whole days for display.
func (e *CooldownActiveError) RemainingDays() int {
	return int((e.Remaining + 24*time.Hour - 1) / (24 * time.Hour))
}

// LockActiveError rejects an enable→disable transition inside the lock window.
type LockActiveError struct {
	Remaining time.Duration
}

func (e *LockActiveError) Error() string {
	return fmt.Sprintf("directory visibility can be disabled in %d hour(s)", e.RemainingHours())
}

func (e *LockActiveError) RemainingHours() int {
	return int((e.Remaining + time.Hour - 1) / time.Hour)
}

type Store interface {
	GetVisibility(ctx context.Context, memberID int64) (State, error)
	// CompareAndSetVisibility persists next only if the member's row still
	// matches prev, returning ErrStale otherwise.
	CompareAndSetVisibility(ctx context.Context, memberID int64, prev, next State) error
}

type Config struct {
	EnableCooldown time.Duration // after a disable, before the next enable
	DisableLock    time.Duration // after an enable, before the next disable
}

func DefaultConfig() Config {
	return Config{
		EnableCooldown: 7 * 24 * time.Hour,
		DisableLock:    24 * time.Hour,
	}
}

type Gate struct {
	store Store
	cfg   Config
}

func NewGate(store Store, cfg Config) *Gate {
	return &Gate{store: store, cfg: cfg}
}

// Set moves the member's directory visibility to desired. Same-value calls
// are idempotent no-ops. Each successful flip stamps exactly one of the two
// timestamps; the other keeps gating the opposite direction.
func (g *Gate) Set(ctx context.Context, memberID int64, desired bool, now time.Time) (State, error) {
	var lastErr error
	for i := 0; i < casAttempts; i++ {
		cur, err := g.store.GetVisibility(ctx, memberID)
		if err != nil {
			return State{}, err
		}

		if desired == cur.Public {
			return cur, nil
		}

		next, err := g.decide(cur, desired, now)
		if err != nil {
			return State{}, err
		}

		if err := g.store.CompareAndSetVisibility(ctx, memberID, cur, next); err != nil {
			if errors.Is(err, ErrStale) {
				lastErr = err
				continue
			}
			return State{}, err
		}
		return next, nil
	}
	return State{}, lastErr
}

func (g *Gate) decide(cur State, desired bool, now time.Time) (State, error) {
	next := cur
	if desired {
		if cur.LastDisabledAt != nil {
			if since := now.Sub(*cur.LastDisabledAt); since < g.cfg.EnableCooldown {
				return State{}, &CooldownActiveError{Remaining: g.cfg.EnableCooldown - since}
			}
		}
		next.Public = true
		stamp := now
		next.LastEnabledAt = &stamp
		return next, nil
	}

	if cur.LastEnabledAt != nil {
		if since := now.Sub(*cur.LastEnabledAt); since < g.cfg.DisableLock {
			return State{}, &LockActiveError{Remaining: g.cfg.DisableLock - since}
		}
	}
	next.Public = false
	stamp := now
	next.LastDisabledAt = &stamp
	return next, nil
}
