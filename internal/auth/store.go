package auth

import (
	"context"
	"time"
)

// CredentialStore is the narrow persistence surface the auth core relies on.
// Lockout and refresh-family updates are single conditional operations so
// concurrent requests can never both win.
type CredentialStore interface {
	// GetAccount and GetAccountByUsername return ErrNotFound when absent.
	GetAccount(ctx context.Context, id string) (Account, error)
	GetAccountByUsername(ctx context.Context, username string) (Account, error)
	UpdateCredential(ctx context.Context, id, passwordHash string) error

	// ReadLockoutState returns the zero state (Version 0) for unknown keys.
	ReadLockoutState(ctx context.Context, key string) (LockoutState, error)
	// CompareAndSwapLockoutState stores next only if the stored version still
	// equals expectedVersion, and reports whether it did.
	CompareAndSwapLockoutState(ctx context.Context, key string, expectedVersion int64, next LockoutState) (bool, error)

	CreateRefreshFamily(ctx context.Context, family RefreshFamily) error
	// ReadRefreshFamily returns ErrNotFound when absent.
	ReadRefreshFamily(ctx context.Context, id string) (RefreshFamily, error)
	// AdvanceRefreshFamily bumps the version of a live family from
	// expectedVersion and extends its expiry. ok is false when the family is
	// missing, revoked, or at another version.
	AdvanceRefreshFamily(ctx context.Context, id string, expectedVersion int64, expiresAt, now time.Time) (family RefreshFamily, ok bool, err error)
	InvalidateRefreshFamily(ctx context.Context, id string, at time.Time) error
	InvalidateAccountRefreshFamilies(ctx context.Context, accountID string, at time.Time) error
}

// AccountDirectory covers account lifecycle operations used by admins and
// bootstrap. Accounts are deactivated, never deleted.
type AccountDirectory interface {
	// CreateAccount returns ErrUsernameTaken on conflict.
	CreateAccount(ctx context.Context, account Account) error
	ListAccounts(ctx context.Context) ([]Account, error)
	SetAccountActive(ctx context.Context, id string, active bool) error
	SetAccountRole(ctx context.Context, id string, role Role) error
}

type CleanupPolicy struct {
	RefreshRetention      time.Duration
	LoginAttemptRetention time.Duration
	BatchSize             int
}

func (p CleanupPolicy) withDefaults() CleanupPolicy {
	if p.BatchSize <= 0 {
		p.BatchSize = 500
	}
	if p.RefreshRetention <= 0 {
		p.RefreshRetention = 14 * 24 * time.Hour
	}
	if p.LoginAttemptRetention <= 0 {
		p.LoginAttemptRetention = 30 * 24 * time.Hour
	}
	return p
}

// Cleaner removes stale lockout and refresh-family rows. Best effort.
type Cleaner interface {
	CleanupStaleAuthData(ctx context.Context, policy CleanupPolicy, now time.Time) (CleanupResult, error)
}

type Store interface {
	CredentialStore
	AccountDirectory
	Cleaner
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*Repository)(nil)
)
