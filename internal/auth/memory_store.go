package auth

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// MemoryStore is an in-process Store for local runs and tests. A single
// mutex serializes every operation, which gives the same compare-and-swap
// guarantees as the Postgres store.
type MemoryStore struct {
	mu         sync.Mutex
	accounts   map[string]Account
	byUsername map[string]string
	lockouts   map[string]lockoutRow
	families   map[string]RefreshFamily
	clock      clockwork.Clock
}

type lockoutRow struct {
	state     LockoutState
	updatedAt time.Time
}

// NewMemoryStore stamps rows with clock; nil means the real clock.
func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{
		clock:      clock,
		accounts:   make(map[string]Account),
		byUsername: make(map[string]string),
		lockouts:   make(map[string]lockoutRow),
		families:   make(map[string]RefreshFamily),
	}
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return account, nil
}

func (s *MemoryStore) GetAccountByUsername(_ context.Context, username string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byUsername[username]
	if !ok {
		return Account{}, ErrNotFound
	}
	return s.accounts[id], nil
}

func (s *MemoryStore) UpdateCredential(_ context.Context, id, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	account.PasswordHash = passwordHash
	account.UpdatedAt = s.clock.Now().UTC()
	s.accounts[id] = account
	return nil
}

func (s *MemoryStore) ReadLockoutState(_ context.Context, key string) (LockoutState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return copyLockoutState(s.lockouts[key].state), nil
}

func (s *MemoryStore) CompareAndSwapLockoutState(_ context.Context, key string, expectedVersion int64, next LockoutState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lockouts[key].state.Version != expectedVersion {
		return false, nil
	}
	next = copyLockoutState(next)
	next.Version = expectedVersion + 1
	s.lockouts[key] = lockoutRow{state: next, updatedAt: s.clock.Now().UTC()}
	return true, nil
}

func (s *MemoryStore) CreateRefreshFamily(_ context.Context, family RefreshFamily) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.families[family.ID] = family
	return nil
}

func (s *MemoryStore) ReadRefreshFamily(_ context.Context, id string) (RefreshFamily, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	family, ok := s.families[id]
	if !ok {
		return RefreshFamily{}, ErrNotFound
	}
	return family, nil
}

func (s *MemoryStore) AdvanceRefreshFamily(_ context.Context, id string, expectedVersion int64, expiresAt, now time.Time) (RefreshFamily, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	family, ok := s.families[id]
	if !ok || family.RevokedAt != nil || family.Version != expectedVersion {
		return RefreshFamily{}, false, nil
	}
	family.Version++
	family.ExpiresAt = expiresAt
	family.UpdatedAt = now
	s.families[id] = family
	return family, true, nil
}

func (s *MemoryStore) InvalidateRefreshFamily(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	family, ok := s.families[id]
	if !ok || family.RevokedAt != nil {
		return nil
	}
	revokedAt := at
	family.RevokedAt = &revokedAt
	family.UpdatedAt = at
	s.families[id] = family
	return nil
}

func (s *MemoryStore) InvalidateAccountRefreshFamilies(_ context.Context, accountID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, family := range s.families {
		if family.AccountID != accountID || family.RevokedAt != nil {
			continue
		}
		revokedAt := at
		family.RevokedAt = &revokedAt
		family.UpdatedAt = at
		s.families[id] = family
	}
	return nil
}

func (s *MemoryStore) CreateAccount(_ context.Context, account Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byUsername[account.Username]; taken {
		return ErrUsernameTaken
	}
	s.accounts[account.ID] = account
	s.byUsername[account.Username] = account.ID
	return nil
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	accounts := make([]Account, 0, len(s.accounts))
	for _, account := range s.accounts {
		accounts = append(accounts, account)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].Username < accounts[j].Username
	})
	return accounts, nil
}

func (s *MemoryStore) SetAccountActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	account.Active = active
	account.UpdatedAt = s.clock.Now().UTC()
	s.accounts[id] = account
	return nil
}

func (s *MemoryStore) SetAccountRole(_ context.Context, id string, role Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	account.Role = role
	account.UpdatedAt = s.clock.Now().UTC()
	s.accounts[id] = account
	return nil
}

func (s *MemoryStore) CleanupStaleAuthData(_ context.Context, policy CleanupPolicy, now time.Time) (CleanupResult, error) {
	policy = policy.withDefaults()
	refreshCutoff := now.Add(-policy.RefreshRetention)
	loginCutoff := now.Add(-policy.LoginAttemptRetention)

	s.mu.Lock()
	defer s.mu.Unlock()

	var result CleanupResult
	for id, family := range s.families {
		if result.DeletedRefreshFamilies >= int64(policy.BatchSize) {
			break
		}
		expired := !now.Before(family.ExpiresAt)
		revokedLongAgo := family.RevokedAt != nil && family.RevokedAt.Before(refreshCutoff)
		if expired || revokedLongAgo {
			delete(s.families, id)
			result.DeletedRefreshFamilies++
		}
	}

	for key, row := range s.lockouts {
		if result.DeletedLoginAttempts >= int64(policy.BatchSize) {
			break
		}
		stillLocked := row.state.LockedUntil != nil && now.Before(*row.state.LockedUntil)
		if row.updatedAt.Before(loginCutoff) && !stillLocked {
			delete(s.lockouts, key)
			result.DeletedLoginAttempts++
		}
	}

	return result, nil
}

func copyLockoutState(state LockoutState) LockoutState {
	if state.LockedUntil != nil {
		until := *state.LockedUntil
		state.LockedUntil = &until
	}
	return state
}
