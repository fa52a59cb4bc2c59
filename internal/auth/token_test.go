package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testTokenConfig() TokenConfig {
	return TokenConfig{
		Secret:     []byte(testSecret),
		Algorithm:  "HS256",
		Issuer:     "visitor-access",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 24 * time.Hour,
	}
}

func newTestIssuer(t *testing.T) (*TokenIssuer, *MemoryStore, *clockwork.FakeClock) {
	t.Helper()

	clock := clockwork.NewFakeClockAt(testEpoch)
	store := NewMemoryStore(clock)
	issuer, err := NewTokenIssuer(store, testTokenConfig(), clock)
	require.NoError(t, err)
	return issuer, store, clock
}

func seedAccount(t *testing.T, store *MemoryStore, id string, role Role) {
	t.Helper()
	require.NoError(t, store.CreateAccount(context.Background(), Account{
		ID:       id,
		Username: "user-" + id,
		Role:     role,
		Active:   true,
	}))
}

func TestNewTokenIssuer_Validation(t *testing.T) {
	store := NewMemoryStore(nil)

	_, err := NewTokenIssuer(store, TokenConfig{}, nil)
	assert.Error(t, err)

	for _, alg := range []string{"RS256", "none", "bogus"} {
		cfg := testTokenConfig()
		cfg.Algorithm = alg
		_, err := NewTokenIssuer(store, cfg, nil)
		assert.Error(t, err, alg)
	}

	issuer, err := NewTokenIssuer(store, TokenConfig{Secret: []byte(testSecret)}, nil)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, issuer.AccessTTL())
}

func TestTokenIssuer_IssueAndVerify(t *testing.T) {
	issuer, _, _ := newTestIssuer(t)

	tokens, err := issuer.Issue(context.Background(), "acc-1", RoleUSBOfficer)
	require.NoError(t, err)
	assert.Equal(t, "Bearer", tokens.TokenType)
	assert.Equal(t, int64(900), tokens.ExpiresIn)
	assert.Equal(t, RoleUSBOfficer, tokens.Role)

	claims, err := issuer.VerifyAccess(tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "acc-1", claims.Subject)
	assert.Equal(t, RoleUSBOfficer, claims.Role)
	assert.Equal(t, "visitor-access", claims.Issuer)
	assert.Equal(t, testEpoch.Add(15*time.Minute).Unix(), claims.ExpiresAt.Unix())
}

func TestTokenIssuer_AccessExpiryBoundary(t *testing.T) {
	issuer, _, clock := newTestIssuer(t)

	tokens, err := issuer.Issue(context.Background(), "acc-1", RoleEmployee)
	require.NoError(t, err)

	clock.Advance(15*time.Minute - time.Second)
	_, err = issuer.VerifyAccess(tokens.AccessToken)
	require.NoError(t, err)

	clock.Advance(time.Second)
	_, err = issuer.VerifyAccess(tokens.AccessToken)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestTokenIssuer_VerifyAccessRejectsForgeries(t *testing.T) {
	issuer, _, _ := newTestIssuer(t)
	ctx := context.Background()

	tokens, err := issuer.Issue(ctx, "acc-1", RoleEmployee)
	require.NoError(t, err)

	otherCfg := testTokenConfig()
	otherCfg.Secret = []byte("ffffffffffffffffffffffffffffffff")
	otherKey, err := NewTokenIssuer(NewMemoryStore(nil), otherCfg, clockwork.NewFakeClockAt(testEpoch))
	require.NoError(t, err)
	forged, err := otherKey.Issue(ctx, "acc-1", RoleAdmin)
	require.NoError(t, err)

	otherIssuerCfg := testTokenConfig()
	otherIssuerCfg.Issuer = "someone-else"
	otherIssuer, err := NewTokenIssuer(NewMemoryStore(nil), otherIssuerCfg, clockwork.NewFakeClockAt(testEpoch))
	require.NoError(t, err)
	foreign, err := otherIssuer.Issue(ctx, "acc-1", RoleAdmin)
	require.NoError(t, err)

	otherAlgCfg := testTokenConfig()
	otherAlgCfg.Algorithm = "HS512"
	otherAlg, err := NewTokenIssuer(NewMemoryStore(nil), otherAlgCfg, clockwork.NewFakeClockAt(testEpoch))
	require.NoError(t, err)
	wrongAlg, err := otherAlg.Issue(ctx, "acc-1", RoleAdmin)
	require.NoError(t, err)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, AccessClaims{
		RegisteredClaims: issuer.registered("acc-1", testEpoch, testEpoch.Add(time.Hour)),
		Role:             RoleAdmin,
		Type:             tokenTypeAccess,
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	badRole, err := jwt.NewWithClaims(jwt.SigningMethodHS256, AccessClaims{
		RegisteredClaims: issuer.registered("acc-1", testEpoch, testEpoch.Add(time.Hour)),
		Role:             Role("root"),
		Type:             tokenTypeAccess,
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	cases := map[string]string{
		"garbage":           "not-a-jwt",
		"empty":             "",
		"wrong signature":   forged.AccessToken,
		"wrong issuer":      foreign.AccessToken,
		"wrong algorithm":   wrongAlg.AccessToken,
		"alg none":          unsigned,
		"refresh as access": tokens.RefreshToken,
		"unknown role":      badRole,
		"tampered":          tokens.AccessToken + "x",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := issuer.VerifyAccess(raw)
			assert.ErrorIs(t, err, ErrTokenInvalid)
		})
	}
}

func TestTokenIssuer_RotateRefresh(t *testing.T) {
	issuer, store, clock := newTestIssuer(t)
	ctx := context.Background()
	seedAccount(t, store, "acc-1", RoleEmployee)

	first, err := issuer.Issue(ctx, "acc-1", RoleEmployee)
	require.NoError(t, err)

	require.NoError(t, store.SetAccountRole(ctx, "acc-1", RoleHeadOfDepartment))
	clock.Advance(time.Minute)

	second, err := issuer.RotateRefresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.Equal(t, RoleHeadOfDepartment, second.Role)

	claims, err := issuer.VerifyAccess(second.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, RoleHeadOfDepartment, claims.Role)

	third, err := issuer.RotateRefresh(ctx, second.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, third.AccessToken)
}

func TestTokenIssuer_RefreshReuseRevokesFamily(t *testing.T) {
	issuer, store, _ := newTestIssuer(t)
	ctx := context.Background()
	seedAccount(t, store, "acc-1", RoleEmployee)

	first, err := issuer.Issue(ctx, "acc-1", RoleEmployee)
	require.NoError(t, err)
	second, err := issuer.RotateRefresh(ctx, first.RefreshToken)
	require.NoError(t, err)

	_, err = issuer.RotateRefresh(ctx, first.RefreshToken)
	var reuse *TokenReuseError
	require.True(t, errors.As(err, &reuse))
	assert.Equal(t, "acc-1", reuse.AccountID)
	assert.ErrorIs(t, err, ErrTokenReused)

	_, err = issuer.RotateRefresh(ctx, second.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestTokenIssuer_ConcurrentRotationHasOneWinner(t *testing.T) {
	issuer, store, _ := newTestIssuer(t)
	ctx := context.Background()
	seedAccount(t, store, "acc-1", RoleEmployee)

	tokens, err := issuer.Issue(ctx, "acc-1", RoleEmployee)
	require.NoError(t, err)

	const workers = 6
	results := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = issuer.RotateRefresh(ctx, tokens.RefreshToken)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, ErrTokenReused)
	}
	assert.Equal(t, 1, wins)
}

func TestTokenIssuer_RefreshExpiry(t *testing.T) {
	issuer, store, clock := newTestIssuer(t)
	ctx := context.Background()
	seedAccount(t, store, "acc-1", RoleEmployee)

	tokens, err := issuer.Issue(ctx, "acc-1", RoleEmployee)
	require.NoError(t, err)

	clock.Advance(24 * time.Hour)
	_, err = issuer.RotateRefresh(ctx, tokens.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenExpired)

	assert.NoError(t, issuer.Revoke(ctx, tokens.RefreshToken))
}

func TestTokenIssuer_RefreshForInactiveAccount(t *testing.T) {
	issuer, store, _ := newTestIssuer(t)
	ctx := context.Background()
	seedAccount(t, store, "acc-1", RoleEmployee)

	tokens, err := issuer.Issue(ctx, "acc-1", RoleEmployee)
	require.NoError(t, err)
	require.NoError(t, store.SetAccountActive(ctx, "acc-1", false))

	_, err = issuer.RotateRefresh(ctx, tokens.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = issuer.RotateRefresh(ctx, tokens.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenInvalid, "a retry is not reported as reuse")
	var reuse *TokenReuseError
	assert.False(t, errors.As(err, &reuse))

	require.NoError(t, store.SetAccountActive(ctx, "acc-1", true))
	_, err = issuer.RotateRefresh(ctx, tokens.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenInvalid, "family stays revoked")
	assert.False(t, errors.As(err, &reuse))
}

// flakyAccountStore fails account lookups while down is set.
type flakyAccountStore struct {
	*MemoryStore
	down bool
}

var errStoreUnavailable = errors.New("store unavailable")

func (s *flakyAccountStore) GetAccount(ctx context.Context, id string) (Account, error) {
	if s.down {
		return Account{}, errStoreUnavailable
	}
	return s.MemoryStore.GetAccount(ctx, id)
}

func TestTokenIssuer_RefreshStoreFailureKeepsTokenUsable(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	store := &flakyAccountStore{MemoryStore: NewMemoryStore(clock)}
	issuer, err := NewTokenIssuer(store, testTokenConfig(), clock)
	require.NoError(t, err)
	ctx := context.Background()
	seedAccount(t, store.MemoryStore, "acc-1", RoleEmployee)

	tokens, err := issuer.Issue(ctx, "acc-1", RoleEmployee)
	require.NoError(t, err)

	store.down = true
	_, err = issuer.RotateRefresh(ctx, tokens.RefreshToken)
	require.ErrorIs(t, err, errStoreUnavailable)
	assert.NotErrorIs(t, err, ErrTokenInvalid)

	store.down = false
	rotated, err := issuer.RotateRefresh(ctx, tokens.RefreshToken)
	require.NoError(t, err, "the retry succeeds with the same token")
	assert.NotEmpty(t, rotated.RefreshToken)
}

func TestTokenIssuer_RevokeAndRevokeAll(t *testing.T) {
	issuer, store, _ := newTestIssuer(t)
	ctx := context.Background()
	seedAccount(t, store, "acc-1", RoleEmployee)

	a, err := issuer.Issue(ctx, "acc-1", RoleEmployee)
	require.NoError(t, err)
	b, err := issuer.Issue(ctx, "acc-1", RoleEmployee)
	require.NoError(t, err)
	c, err := issuer.Issue(ctx, "acc-1", RoleEmployee)
	require.NoError(t, err)

	require.NoError(t, issuer.Revoke(ctx, a.RefreshToken))
	require.NoError(t, issuer.Revoke(ctx, a.RefreshToken))
	_, err = issuer.RotateRefresh(ctx, a.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = issuer.RotateRefresh(ctx, b.RefreshToken)
	require.NoError(t, err)

	require.NoError(t, issuer.RevokeAll(ctx, "acc-1"))
	_, err = issuer.RotateRefresh(ctx, c.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	assert.ErrorIs(t, issuer.Revoke(ctx, a.AccessToken), ErrTokenInvalid)
}
