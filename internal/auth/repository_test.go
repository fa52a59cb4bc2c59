package auth

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visitor-access/internal/db"
)

// openTestRepository needs TEST_DATABASE_URL pointing at a disposable database.
func openTestRepository(t *testing.T) *Repository {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	database, err := sql.Open("pgx", url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	require.NoError(t, db.RunMigrations(context.Background(), database))
	return NewRepository(database)
}

func seedRepositoryAccount(t *testing.T, repo *Repository) Account {
	t.Helper()

	now := time.Now().UTC().Truncate(time.Second)
	account := Account{
		ID:           uuid.NewString(),
		Username:     "repo-" + uuid.NewString()[:8],
		FullName:     "Repository Test",
		PasswordHash: "hash",
		Role:         RoleEmployee,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, repo.CreateAccount(context.Background(), account))
	return account
}

func TestRepository_Accounts(t *testing.T) {
	repo := openTestRepository(t)
	ctx := context.Background()
	account := seedRepositoryAccount(t, repo)

	dup := account
	dup.ID = uuid.NewString()
	assert.ErrorIs(t, repo.CreateAccount(ctx, dup), ErrUsernameTaken)

	loaded, err := repo.GetAccountByUsername(ctx, account.Username)
	require.NoError(t, err)
	assert.Equal(t, account.ID, loaded.ID)
	assert.Equal(t, RoleEmployee, loaded.Role)

	require.NoError(t, repo.SetAccountRole(ctx, account.ID, RoleUSBOfficer))
	require.NoError(t, repo.SetAccountActive(ctx, account.ID, false))
	require.NoError(t, repo.UpdateCredential(ctx, account.ID, "new-hash"))

	loaded, err = repo.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, RoleUSBOfficer, loaded.Role)
	assert.False(t, loaded.Active)
	assert.Equal(t, "new-hash", loaded.PasswordHash)

	assert.ErrorIs(t, repo.SetAccountActive(ctx, uuid.NewString(), true), ErrNotFound)
	_, err = repo.GetAccount(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRepository_LockoutCompareAndSwap(t *testing.T) {
	repo := openTestRepository(t)
	ctx := context.Background()
	key := "lockout-" + uuid.NewString()

	state, err := repo.ReadLockoutState(ctx, key)
	require.NoError(t, err)
	assert.Zero(t, state.Version)

	now := time.Now().UTC().Truncate(time.Second)
	ok, err := repo.CompareAndSwapLockoutState(ctx, key, 0, LockoutState{FailedAttempts: 1, WindowStartedAt: now})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.CompareAndSwapLockoutState(ctx, key, 0, LockoutState{FailedAttempts: 1, WindowStartedAt: now})
	require.NoError(t, err)
	assert.False(t, ok)

	until := now.Add(time.Minute)
	ok, err = repo.CompareAndSwapLockoutState(ctx, key, 1, LockoutState{FailedAttempts: 2, WindowStartedAt: now, LockedUntil: &until})
	require.NoError(t, err)
	assert.True(t, ok)

	state, err = repo.ReadLockoutState(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), state.Version)
	require.NotNil(t, state.LockedUntil)
	assert.True(t, until.Equal(*state.LockedUntil))
}

func TestRepository_ConcurrentLockoutTracking(t *testing.T) {
	repo := openTestRepository(t)
	ctx := context.Background()
	key := "concurrent-" + uuid.NewString()
	tracker := NewLockoutTracker(repo, LockoutPolicy{MaxAttempts: 100, Duration: time.Minute}, nil)

	const workers = 6
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tracker.RecordAttempt(ctx, key, false)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	state, err := repo.ReadLockoutState(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, workers, state.FailedAttempts)
}

func TestRepository_RefreshFamilies(t *testing.T) {
	repo := openTestRepository(t)
	ctx := context.Background()
	account := seedRepositoryAccount(t, repo)
	now := time.Now().UTC().Truncate(time.Second)

	family := RefreshFamily{ID: uuid.NewString(), AccountID: account.ID, Version: 1, ExpiresAt: now.Add(time.Hour), CreatedAt: now}
	require.NoError(t, repo.CreateRefreshFamily(ctx, family))

	advanced, ok, err := repo.AdvanceRefreshFamily(ctx, family.ID, 1, now.Add(2*time.Hour), now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), advanced.Version)

	_, ok, err = repo.AdvanceRefreshFamily(ctx, family.ID, 1, now.Add(2*time.Hour), now)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.InvalidateAccountRefreshFamilies(ctx, account.ID, now))
	loaded, err := repo.ReadRefreshFamily(ctx, family.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.RevokedAt)

	_, ok, err = repo.AdvanceRefreshFamily(ctx, family.ID, 2, now.Add(2*time.Hour), now)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = repo.ReadRefreshFamily(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRepository_CleanupStaleAuthData(t *testing.T) {
	repo := openTestRepository(t)
	ctx := context.Background()
	account := seedRepositoryAccount(t, repo)
	now := time.Now().UTC().Truncate(time.Second)

	expired := RefreshFamily{ID: uuid.NewString(), AccountID: account.ID, Version: 1, ExpiresAt: now.Add(-time.Minute), CreatedAt: now.Add(-time.Hour)}
	live := RefreshFamily{ID: uuid.NewString(), AccountID: account.ID, Version: 1, ExpiresAt: now.Add(time.Hour), CreatedAt: now}
	require.NoError(t, repo.CreateRefreshFamily(ctx, expired))
	require.NoError(t, repo.CreateRefreshFamily(ctx, live))

	result, err := repo.CleanupStaleAuthData(ctx, CleanupPolicy{BatchSize: 10_000}, now)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, result.DeletedRefreshFamilies, int64(1))

	_, err = repo.ReadRefreshFamily(ctx, expired.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = repo.ReadRefreshFamily(ctx, live.ID)
	assert.NoError(t, err)
}
