package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"

	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
)

type AccessClaims struct {
	jwt.RegisteredClaims
	Role Role   `json:"role"`
	Type string `json:"typ"`
}

type RefreshClaims struct {
	jwt.RegisteredClaims
	Type    string `json:"typ"`
	Family  string `json:"fam"`
	Version int64  `json:"ver"`
}

type TokenConfig struct {
	Secret     []byte
	Algorithm  string
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

type issuerStore interface {
	GetAccount(ctx context.Context, id string) (Account, error)
	CreateRefreshFamily(ctx context.Context, family RefreshFamily) error
	ReadRefreshFamily(ctx context.Context, id string) (RefreshFamily, error)
	AdvanceRefreshFamily(ctx context.Context, id string, expectedVersion int64, expiresAt, now time.Time) (RefreshFamily, bool, error)
	InvalidateRefreshFamily(ctx context.Context, id string, at time.Time) error
	InvalidateAccountRefreshFamilies(ctx context.Context, accountID string, at time.Time) error
}

// TokenIssuer mints and verifies HMAC-signed JWTs. Access tokens are
// verified statelessly; refresh tokens are bound to a RefreshFamily whose
// version must match for a rotation to succeed.
type TokenIssuer struct {
	store      issuerStore
	method     jwt.SigningMethod
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	clock      clockwork.Clock
}

func NewTokenIssuer(store issuerStore, cfg TokenConfig, clock clockwork.Clock) (*TokenIssuer, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("token issuer: secret key is required")
	}

	if cfg.Algorithm == "" {
		cfg.Algorithm = jwt.SigningMethodHS256.Alg()
	}
	method := jwt.GetSigningMethod(cfg.Algorithm)
	if _, ok := method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("token issuer: unsupported signing algorithm %q", cfg.Algorithm)
	}

	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = defaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = defaultRefreshTTL
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &TokenIssuer{
		store:      store,
		method:     method,
		secret:     cfg.Secret,
		issuer:     cfg.Issuer,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		clock:      clock,
	}, nil
}

func (t *TokenIssuer) AccessTTL() time.Duration {
	return t.accessTTL
}

// Issue starts a new refresh family and returns its first token pair.
func (t *TokenIssuer) Issue(ctx context.Context, accountID string, role Role) (Tokens, error) {
	now := t.now()

	familyID, err := uuid.NewV7()
	if err != nil {
		return Tokens{}, fmt.Errorf("generate refresh family id: %w", err)
	}
	family := RefreshFamily{
		ID:        familyID.String(),
		AccountID: accountID,
		Version:   1,
		ExpiresAt: now.Add(t.refreshTTL),
		CreatedAt: now,
		UpdatedAt: now,
	}

	tokens, err := t.pair(accountID, role, family, now)
	if err != nil {
		return Tokens{}, err
	}
	if err := t.store.CreateRefreshFamily(ctx, family); err != nil {
		return Tokens{}, fmt.Errorf("create refresh family: %w", err)
	}

	return tokens, nil
}

// VerifyAccess checks signature, algorithm, issuer, type and expiry. It
// never touches the store.
func (t *TokenIssuer) VerifyAccess(raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if _, err := jwt.ParseWithClaims(raw, claims, t.keyFunc, t.parserOptions()...); err != nil {
		return nil, classifyParseError(err)
	}

	if claims.Type != tokenTypeAccess {
		return nil, fmt.Errorf("%w: wrong token type", ErrTokenInvalid)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	if !IsValidRole(claims.Role) {
		return nil, fmt.Errorf("%w: unknown role", ErrTokenInvalid)
	}

	return claims, nil
}

// RotateRefresh exchanges a refresh token for a new pair. The presented
// token is consumed by the same conditional update that authorizes the new
// one, so of two concurrent exchanges exactly one succeeds. The account is
// checked before that update; a rejected or failed exchange leaves the
// presented version current. Presenting an already rotated token revokes
// its family and returns *TokenReuseError.
func (t *TokenIssuer) RotateRefresh(ctx context.Context, raw string) (Tokens, error) {
	claims, err := t.parseRefresh(raw)
	if err != nil {
		return Tokens{}, err
	}

	now := t.now()
	account, err := t.store.GetAccount(ctx, claims.Subject)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Tokens{}, fmt.Errorf("load account for refresh: %w", err)
	}
	if err != nil || !account.Active {
		if err := t.store.InvalidateRefreshFamily(ctx, claims.Family, now); err != nil {
			return Tokens{}, fmt.Errorf("revoke refresh family: %w", err)
		}
		return Tokens{}, fmt.Errorf("%w: account unavailable", ErrTokenInvalid)
	}

	family, ok, err := t.store.AdvanceRefreshFamily(ctx, claims.Family, claims.Version, now.Add(t.refreshTTL), now)
	if err != nil {
		return Tokens{}, fmt.Errorf("advance refresh family: %w", err)
	}
	if !ok {
		return Tokens{}, t.rotationMiss(ctx, claims, now)
	}

	if family.AccountID != account.ID {
		if err := t.store.InvalidateRefreshFamily(ctx, family.ID, now); err != nil {
			return Tokens{}, fmt.Errorf("revoke refresh family: %w", err)
		}
		return Tokens{}, fmt.Errorf("%w: subject mismatch", ErrTokenInvalid)
	}

	return t.pair(account.ID, account.Role, family, now)
}

// Revoke ends the session a refresh token belongs to. Expired tokens are
// already unusable and are ignored.
func (t *TokenIssuer) Revoke(ctx context.Context, raw string) error {
	claims, err := t.parseRefresh(raw)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			return nil
		}
		return err
	}

	if err := t.store.InvalidateRefreshFamily(ctx, claims.Family, t.now()); err != nil {
		return fmt.Errorf("revoke refresh family: %w", err)
	}
	return nil
}

// RevokeAll ends every session of an account.
func (t *TokenIssuer) RevokeAll(ctx context.Context, accountID string) error {
	if err := t.store.InvalidateAccountRefreshFamilies(ctx, accountID, t.now()); err != nil {
		return fmt.Errorf("revoke account refresh families: %w", err)
	}
	return nil
}

func (t *TokenIssuer) rotationMiss(ctx context.Context, claims *RefreshClaims, now time.Time) error {
	family, err := t.store.ReadRefreshFamily(ctx, claims.Family)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: unknown refresh family", ErrTokenInvalid)
		}
		return fmt.Errorf("read refresh family: %w", err)
	}
	if family.AccountID != claims.Subject {
		return fmt.Errorf("%w: subject mismatch", ErrTokenInvalid)
	}

	if claims.Version < family.Version {
		if err := t.store.InvalidateRefreshFamily(ctx, family.ID, now); err != nil {
			return fmt.Errorf("revoke reused refresh family: %w", err)
		}
		return &TokenReuseError{AccountID: family.AccountID, FamilyID: family.ID}
	}
	if family.RevokedAt != nil {
		return fmt.Errorf("%w: refresh family revoked", ErrTokenInvalid)
	}

	return fmt.Errorf("%w: unexpected refresh version", ErrTokenInvalid)
}

func (t *TokenIssuer) parseRefresh(raw string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if _, err := jwt.ParseWithClaims(raw, claims, t.keyFunc, t.parserOptions()...); err != nil {
		return nil, classifyParseError(err)
	}

	if claims.Type != tokenTypeRefresh {
		return nil, fmt.Errorf("%w: wrong token type", ErrTokenInvalid)
	}
	if claims.Subject == "" || claims.Family == "" || claims.Version <= 0 {
		return nil, fmt.Errorf("%w: incomplete refresh claims", ErrTokenInvalid)
	}

	return claims, nil
}

func (t *TokenIssuer) pair(accountID string, role Role, family RefreshFamily, now time.Time) (Tokens, error) {
	access := AccessClaims{
		RegisteredClaims: t.registered(accountID, now, now.Add(t.accessTTL)),
		Role:             role,
		Type:             tokenTypeAccess,
	}
	signedAccess, err := jwt.NewWithClaims(t.method, access).SignedString(t.secret)
	if err != nil {
		return Tokens{}, fmt.Errorf("sign access token: %w", err)
	}

	refresh := RefreshClaims{
		RegisteredClaims: t.registered(accountID, now, family.ExpiresAt),
		Type:             tokenTypeRefresh,
		Family:           family.ID,
		Version:          family.Version,
	}
	signedRefresh, err := jwt.NewWithClaims(t.method, refresh).SignedString(t.secret)
	if err != nil {
		return Tokens{}, fmt.Errorf("sign refresh token: %w", err)
	}

	return Tokens{
		AccessToken:  signedAccess,
		RefreshToken: signedRefresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(t.accessTTL.Seconds()),
		Role:         role,
	}, nil
}

func (t *TokenIssuer) registered(subject string, issuedAt, expiresAt time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Issuer:    t.issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		ID:        uuid.NewString(),
	}
}

func (t *TokenIssuer) keyFunc(*jwt.Token) (any, error) {
	return t.secret, nil
}

func (t *TokenIssuer) parserOptions() []jwt.ParserOption {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{t.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(t.now),
	}
	if t.issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.issuer))
	}
	return opts
}

// now is second-granular; a token is valid while now < exp.
func (t *TokenIssuer) now() time.Time {
	return t.clock.Now().UTC().Truncate(time.Second)
}

func classifyParseError(err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) && !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		return ErrTokenExpired
	}
	return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
}
