package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const pgUniqueViolation = "23505"

// Repository is the Postgres Store. Lockout and refresh-family writes are
// single conditional statements; the version column is the only
// concurrency control.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const accountColumns = `id, username, full_name, password_hash, role, is_active, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (Account, error) {
	var account Account
	var role string
	err := row.Scan(
		&account.ID,
		&account.Username,
		&account.FullName,
		&account.PasswordHash,
		&role,
		&account.Active,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	account.Role = Role(role)
	return account, err
}

func (r *Repository) GetAccount(ctx context.Context, id string) (Account, error) {
	account, err := scanAccount(r.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("query account by id: %w", err)
	}

	return account, nil
}

func (r *Repository) GetAccountByUsername(ctx context.Context, username string) (Account, error) {
	account, err := scanAccount(r.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE username = $1
	`, username))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("query account by username: %w", err)
	}

	return account, nil
}

func (r *Repository) UpdateCredential(ctx context.Context, id, passwordHash string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET password_hash = $2, updated_at = NOW()
		WHERE id = $1
	`, id, passwordHash)
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}

	return requireAffected(res)
}

func (r *Repository) CreateAccount(ctx context.Context, account Account) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO accounts (id, username, full_name, password_hash, role, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, account.ID, account.Username, account.FullName, account.PasswordHash, string(account.Role), account.Active, account.CreatedAt.UTC(), account.UpdatedAt.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrUsernameTaken
		}
		return fmt.Errorf("insert account: %w", err)
	}

	return nil
}

func (r *Repository) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	accounts := make([]Account, 0)
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}

	return accounts, nil
}

func (r *Repository) SetAccountActive(ctx context.Context, id string, active bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET is_active = $2, updated_at = NOW()
		WHERE id = $1
	`, id, active)
	if err != nil {
		return fmt.Errorf("update account active flag: %w", err)
	}

	return requireAffected(res)
}

func (r *Repository) SetAccountRole(ctx context.Context, id string, role Role) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET role = $2, updated_at = NOW()
		WHERE id = $1
	`, id, string(role))
	if err != nil {
		return fmt.Errorf("update account role: %w", err)
	}

	return requireAffected(res)
}

func (r *Repository) ReadLockoutState(ctx context.Context, key string) (LockoutState, error) {
	var state LockoutState
	var windowStartedAt sql.NullTime
	var lockedUntil sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT failed_attempts, window_started_at, locked_until, version
		FROM auth_login_attempts
		WHERE login_key = $1
	`, key).Scan(&state.FailedAttempts, &windowStartedAt, &lockedUntil, &state.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LockoutState{}, nil
		}
		return LockoutState{}, fmt.Errorf("query login attempt: %w", err)
	}

	if windowStartedAt.Valid {
		state.WindowStartedAt = windowStartedAt.Time.UTC()
	}
	if lockedUntil.Valid {
		value := lockedUntil.Time.UTC()
		state.LockedUntil = &value
	}

	return state, nil
}

func (r *Repository) CompareAndSwapLockoutState(ctx context.Context, key string, expectedVersion int64, next LockoutState) (bool, error) {
	var windowStartedAt any
	if !next.WindowStartedAt.IsZero() {
		windowStartedAt = next.WindowStartedAt.UTC()
	}
	var lockedUntil any
	if next.LockedUntil != nil {
		lockedUntil = next.LockedUntil.UTC()
	}

	var (
		res sql.Result
		err error
	)
	if expectedVersion == 0 {
		res, err = r.db.ExecContext(ctx, `
			INSERT INTO auth_login_attempts (login_key, failed_attempts, window_started_at, locked_until, version, updated_at)
			VALUES ($1, $2, $3, $4, 1, NOW())
			ON CONFLICT (login_key) DO NOTHING
		`, key, next.FailedAttempts, windowStartedAt, lockedUntil)
	} else {
		res, err = r.db.ExecContext(ctx, `
			UPDATE auth_login_attempts
			SET
				failed_attempts = $3,
				window_started_at = $4,
				locked_until = $5,
				version = version + 1,
				updated_at = NOW()
			WHERE login_key = $1 AND version = $2
		`, key, expectedVersion, next.FailedAttempts, windowStartedAt, lockedUntil)
	}
	if err != nil {
		return false, fmt.Errorf("swap login attempt: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("login attempt rows affected: %w", err)
	}

	return affected == 1, nil
}

const familyColumns = `id, account_id, version, expires_at, revoked_at, created_at, updated_at`

func scanFamily(row rowScanner) (RefreshFamily, error) {
	var family RefreshFamily
	var revokedAt sql.NullTime
	err := row.Scan(
		&family.ID,
		&family.AccountID,
		&family.Version,
		&family.ExpiresAt,
		&revokedAt,
		&family.CreatedAt,
		&family.UpdatedAt,
	)
	if err != nil {
		return RefreshFamily{}, err
	}

	family.ExpiresAt = family.ExpiresAt.UTC()
	if revokedAt.Valid {
		value := revokedAt.Time.UTC()
		family.RevokedAt = &value
	}
	return family, nil
}

func (r *Repository) CreateRefreshFamily(ctx context.Context, family RefreshFamily) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO auth_refresh_families (id, account_id, version, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, family.ID, family.AccountID, family.Version, family.ExpiresAt.UTC(), family.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert refresh family: %w", err)
	}

	return nil
}

func (r *Repository) ReadRefreshFamily(ctx context.Context, id string) (RefreshFamily, error) {
	family, err := scanFamily(r.db.QueryRowContext(ctx, `
		SELECT `+familyColumns+`
		FROM auth_refresh_families
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RefreshFamily{}, ErrNotFound
		}
		return RefreshFamily{}, fmt.Errorf("read refresh family: %w", err)
	}

	return family, nil
}

func (r *Repository) AdvanceRefreshFamily(ctx context.Context, id string, expectedVersion int64, expiresAt, now time.Time) (RefreshFamily, bool, error) {
	family, err := scanFamily(r.db.QueryRowContext(ctx, `
		UPDATE auth_refresh_families
		SET version = version + 1, expires_at = $3, updated_at = $4
		WHERE id = $1 AND version = $2 AND revoked_at IS NULL
		RETURNING `+familyColumns+`
	`, id, expectedVersion, expiresAt.UTC(), now.UTC()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RefreshFamily{}, false, nil
		}
		return RefreshFamily{}, false, fmt.Errorf("advance refresh family: %w", err)
	}

	return family, true, nil
}

func (r *Repository) InvalidateRefreshFamily(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE auth_refresh_families
		SET revoked_at = COALESCE(revoked_at, $2), updated_at = $2
		WHERE id = $1 AND revoked_at IS NULL
	`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("revoke refresh family: %w", err)
	}

	return nil
}

func (r *Repository) InvalidateAccountRefreshFamilies(ctx context.Context, accountID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE auth_refresh_families
		SET revoked_at = $2, updated_at = $2
		WHERE account_id = $1 AND revoked_at IS NULL
	`, accountID, at.UTC())
	if err != nil {
		return fmt.Errorf("revoke account refresh families: %w", err)
	}

	return nil
}

func (r *Repository) CleanupStaleAuthData(ctx context.Context, policy CleanupPolicy, now time.Time) (CleanupResult, error) {
	policy = policy.withDefaults()
	now = now.UTC()

	deletedFamilies, err := r.deleteStaleRefreshFamilies(ctx, now, now.Add(-policy.RefreshRetention), policy.BatchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	deletedLoginAttempts, err := r.deleteStaleLoginAttempts(ctx, now, now.Add(-policy.LoginAttemptRetention), policy.BatchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	return CleanupResult{
		DeletedRefreshFamilies: deletedFamilies,
		DeletedLoginAttempts:   deletedLoginAttempts,
	}, nil
}

func (r *Repository) deleteStaleRefreshFamilies(ctx context.Context, now, cutoff time.Time, batchSize int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM auth_refresh_families
			WHERE expires_at <= $1 OR (revoked_at IS NOT NULL AND revoked_at < $2)
			ORDER BY created_at ASC
			LIMIT $3
		)
		DELETE FROM auth_refresh_families f
		USING stale
		WHERE f.id = stale.id
	`, now, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale refresh families: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale refresh families rows affected: %w", err)
	}

	return affected, nil
}

func (r *Repository) deleteStaleLoginAttempts(ctx context.Context, now, cutoff time.Time, batchSize int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT login_key
			FROM auth_login_attempts
			WHERE updated_at < $2
			  AND (locked_until IS NULL OR locked_until <= $1)
			ORDER BY updated_at ASC
			LIMIT $3
		)
		DELETE FROM auth_login_attempts t
		USING stale
		WHERE t.login_key = stale.login_key
	`, now, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale login attempts: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale login attempts rows affected: %w", err)
	}

	return affected, nil
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
