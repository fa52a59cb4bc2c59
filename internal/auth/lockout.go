package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

const maxLockoutSwapAttempts = 16

var errLockoutContention = errors.New("lockout state changed concurrently too many times")

type LockStatus int

const (
	LockOpen LockStatus = iota
	LockLocked
)

func (s LockStatus) String() string {
	if s == LockLocked {
		return "locked"
	}
	return "open"
}

// LockState is the externally visible lockout state of a login name.
type LockState struct {
	Status         LockStatus
	FailedAttempts int
	Until          time.Time
}

func (s LockState) Locked() bool {
	return s.Status == LockLocked
}

type LockoutPolicy struct {
	MaxAttempts int
	Duration    time.Duration
	// Window bounds how far apart failures may be and still count together.
	Window time.Duration
}

func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{MaxAttempts: 5, Duration: 30 * time.Minute, Window: 30 * time.Minute}
}

type lockoutStore interface {
	ReadLockoutState(ctx context.Context, key string) (LockoutState, error)
	CompareAndSwapLockoutState(ctx context.Context, key string, expectedVersion int64, next LockoutState) (bool, error)
}

// LockoutTracker enforces temporary lockout after repeated failed logins.
// Each recorded attempt is one read plus one conditional write; a lost race
// re-reads and re-applies the transition, so concurrent failures are never
// under-counted.
type LockoutTracker struct {
	store  lockoutStore
	policy LockoutPolicy
	clock  clockwork.Clock
}

func NewLockoutTracker(store lockoutStore, policy LockoutPolicy, clock clockwork.Clock) *LockoutTracker {
	defaults := DefaultLockoutPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = defaults.MaxAttempts
	}
	if policy.Duration <= 0 {
		policy.Duration = defaults.Duration
	}
	if policy.Window <= 0 {
		policy.Window = policy.Duration
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &LockoutTracker{store: store, policy: policy, clock: clock}
}

func (t *LockoutTracker) Policy() LockoutPolicy {
	return t.policy
}

// CheckState reports the current state without modifying it.
func (t *LockoutTracker) CheckState(ctx context.Context, key string) (LockState, error) {
	record, err := t.store.ReadLockoutState(ctx, key)
	if err != nil {
		return LockState{}, fmt.Errorf("read lockout state: %w", err)
	}
	return t.stateOf(record, t.now()), nil
}

// RecordAttempt applies one login outcome and returns the resulting state.
// A successful attempt against a record that is still locked leaves it
// locked; callers must then reject the login.
func (t *LockoutTracker) RecordAttempt(ctx context.Context, key string, success bool) (LockState, error) {
	for i := 0; i < maxLockoutSwapAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return LockState{}, err
		}

		current, err := t.store.ReadLockoutState(ctx, key)
		if err != nil {
			return LockState{}, fmt.Errorf("read lockout state: %w", err)
		}

		now := t.now()
		next, changed := nextLockoutState(current, success, now, t.policy)
		if !changed {
			return t.stateOf(current, now), nil
		}

		swapped, err := t.store.CompareAndSwapLockoutState(ctx, key, current.Version, next)
		if err != nil {
			return LockState{}, fmt.Errorf("write lockout state: %w", err)
		}
		if swapped {
			return t.stateOf(next, now), nil
		}
	}

	return LockState{}, errLockoutContention
}

func (t *LockoutTracker) now() time.Time {
	return t.clock.Now().UTC().Truncate(time.Second)
}

func (t *LockoutTracker) stateOf(record LockoutState, now time.Time) LockState {
	if record.LockedUntil != nil {
		if now.Before(*record.LockedUntil) {
			return LockState{Status: LockLocked, FailedAttempts: record.FailedAttempts, Until: *record.LockedUntil}
		}
		return LockState{Status: LockOpen}
	}
	if record.FailedAttempts > 0 && !now.Before(record.WindowStartedAt.Add(t.policy.Window)) {
		return LockState{Status: LockOpen}
	}
	return LockState{Status: LockOpen, FailedAttempts: record.FailedAttempts}
}

// nextLockoutState is the pure transition function. changed is false when
// nothing needs to be written.
func nextLockoutState(current LockoutState, success bool, now time.Time, policy LockoutPolicy) (LockoutState, bool) {
	unlocked := false
	if current.LockedUntil != nil {
		if now.Before(*current.LockedUntil) {
			return current, false
		}
		current = LockoutState{Version: current.Version}
		unlocked = true
	}

	next := LockoutState{Version: current.Version + 1}
	if success {
		if current.FailedAttempts == 0 && !unlocked {
			return current, false
		}
		return next, true
	}

	attempts := current.FailedAttempts
	windowStart := current.WindowStartedAt
	if attempts == 0 || !now.Before(windowStart.Add(policy.Window)) {
		attempts = 0
		windowStart = now
	}
	attempts++

	next.FailedAttempts = attempts
	next.WindowStartedAt = windowStart
	if attempts >= policy.MaxAttempts {
		until := now.Add(policy.Duration)
		next.LockedUntil = &until
	}
	return next, true
}
