package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"visitor-access/internal/observability"
)

// dummyPassword is hashed once so unknown usernames cost a bcrypt compare too.
const dummyPassword = "visitor-access-timing-equalizer"

// Service composes the password policy, lockout tracker, token issuer and
// RBAC table into the login, refresh, authorize and password flows. Every
// per-request failure comes back as an error from this package's taxonomy.
type Service struct {
	store     Store
	issuer    *TokenIssuer
	lockout   *LockoutTracker
	policy    PasswordPolicy
	hasher    PasswordHasher
	logger    *observability.Logger
	clock     clockwork.Clock
	dummyHash string
}

type ServiceOption func(*Service)

func WithHasher(hasher PasswordHasher) ServiceOption {
	return func(s *Service) { s.hasher = hasher }
}

func WithLogger(logger *observability.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

func WithClock(clock clockwork.Clock) ServiceOption {
	return func(s *Service) { s.clock = clock }
}

func NewService(store Store, issuer *TokenIssuer, lockout *LockoutTracker, policy PasswordPolicy, opts ...ServiceOption) (*Service, error) {
	s := &Service{
		store:   store,
		issuer:  issuer,
		lockout: lockout,
		policy:  policy,
		hasher:  BcryptHasher{},
		logger:  observability.NewNopLogger(),
		clock:   clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}

	dummyHash, err := s.hasher.Hash(dummyPassword)
	if err != nil {
		return nil, fmt.Errorf("prepare dummy hash: %w", err)
	}
	s.dummyHash = dummyHash

	return s, nil
}

// Login verifies credentials and issues a token pair. Locked, unknown,
// wrong-password and inactive outcomes are distinct errors here but all
// satisfy IsLoginRejection.
func (s *Service) Login(ctx context.Context, username, password string) (Tokens, error) {
	login := NormalizeUsername(username)
	if login == "" || password == "" {
		return Tokens{}, ErrInvalidCredentials
	}

	state, err := s.lockout.CheckState(ctx, login)
	if err != nil {
		return Tokens{}, err
	}
	if state.Locked() {
		s.logger.Warn("login_rejected_locked", map[string]any{"login": login, "locked_until": state.Until})
		return Tokens{}, &AccountLockedError{Until: state.Until}
	}

	account, err := s.store.GetAccountByUsername(ctx, login)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return Tokens{}, fmt.Errorf("load account: %w", err)
		}
		_, _ = s.hasher.Compare(s.dummyHash, password)
		return Tokens{}, s.rejectLogin(ctx, login, "unknown_username")
	}

	match, err := s.hasher.Compare(account.PasswordHash, password)
	if err != nil {
		return Tokens{}, err
	}
	if !match {
		return Tokens{}, s.rejectLogin(ctx, login, "wrong_password")
	}

	state, err = s.lockout.RecordAttempt(ctx, login, true)
	if err != nil {
		return Tokens{}, err
	}
	if state.Locked() {
		s.logger.Warn("login_rejected_locked", map[string]any{"login": login, "locked_until": state.Until})
		return Tokens{}, &AccountLockedError{Until: state.Until}
	}

	if !account.Active {
		s.logger.Warn("account_inactive", map[string]any{"account_id": account.ID})
		return Tokens{}, ErrAccountInactive
	}

	tokens, err := s.issuer.Issue(ctx, account.ID, account.Role)
	if err != nil {
		return Tokens{}, err
	}

	s.logger.Info("login_succeeded", map[string]any{"account_id": account.ID, "role": string(account.Role)})
	return tokens, nil
}

func (s *Service) rejectLogin(ctx context.Context, login, reason string) error {
	state, err := s.lockout.RecordAttempt(ctx, login, false)
	if err != nil {
		return err
	}

	if state.Locked() {
		s.logger.Warn("account_locked", map[string]any{
			"login":           login,
			"failed_attempts": state.FailedAttempts,
			"locked_until":    state.Until,
		})
	} else {
		s.logger.Info("invalid_credentials", map[string]any{
			"login":           login,
			"reason":          reason,
			"failed_attempts": state.FailedAttempts,
		})
	}

	return ErrInvalidCredentials
}

// Refresh rotates a refresh token. Replay of a rotated token logs the
// account out everywhere and returns ErrSecurityViolation.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return Tokens{}, ErrTokenInvalid
	}

	tokens, err := s.issuer.RotateRefresh(ctx, refreshToken)
	if err == nil {
		return tokens, nil
	}

	var reuse *TokenReuseError
	if !errors.As(err, &reuse) {
		return Tokens{}, err
	}

	s.logger.Warn("refresh_token_reused", map[string]any{"account_id": reuse.AccountID, "family_id": reuse.FamilyID})
	observability.CaptureSecurityEvent("refresh_token_reused", map[string]string{"account_id": reuse.AccountID})

	if revokeErr := s.issuer.RevokeAll(ctx, reuse.AccountID); revokeErr != nil {
		return Tokens{}, fmt.Errorf("force logout after token reuse: %w", revokeErr)
	}
	return Tokens{}, fmt.Errorf("%w: %w", ErrSecurityViolation, err)
}

// Authorize verifies the bearer token and checks the RBAC table.
func (s *Service) Authorize(token string, action Action, resource Resource) (*AccessClaims, error) {
	claims, err := s.issuer.VerifyAccess(token)
	if err != nil {
		return nil, err
	}
	if Authorize(claims.Role, action, resource) != Allow {
		return claims, ErrPermissionDenied
	}
	return claims, nil
}

// VerifyAccess exposes stateless access-token verification.
func (s *Service) VerifyAccess(token string) (*AccessClaims, error) {
	return s.issuer.VerifyAccess(token)
}

// ChangePassword re-hashes the credential and revokes every refresh
// family of the account.
func (s *Service) ChangePassword(ctx context.Context, accountID, oldPassword, newPassword string) error {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if !account.Active {
		return ErrAccountInactive
	}

	state, err := s.lockout.CheckState(ctx, account.Username)
	if err != nil {
		return err
	}
	if state.Locked() {
		return &AccountLockedError{Until: state.Until}
	}

	match, err := s.hasher.Compare(account.PasswordHash, oldPassword)
	if err != nil {
		return err
	}
	if !match {
		return s.rejectLogin(ctx, account.Username, "wrong_old_password")
	}

	state, err = s.lockout.RecordAttempt(ctx, account.Username, true)
	if err != nil {
		return err
	}
	if state.Locked() {
		return &AccountLockedError{Until: state.Until}
	}

	if err := s.policy.Validate(newPassword); err != nil {
		return err
	}
	if newPassword == oldPassword {
		return &PolicyViolation{Reason: "new password must differ from the current one"}
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	if err := s.store.UpdateCredential(ctx, account.ID, hash); err != nil {
		return fmt.Errorf("update credential: %w", err)
	}
	if err := s.issuer.RevokeAll(ctx, account.ID); err != nil {
		return err
	}

	s.logger.Info("password_changed", map[string]any{"account_id": account.ID})
	return nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return ErrTokenInvalid
	}
	return s.issuer.Revoke(ctx, refreshToken)
}

func (s *Service) CreateAccount(ctx context.Context, input NewAccount) (Account, error) {
	username := NormalizeUsername(input.Username)
	if !IsValidUsername(username) {
		return Account{}, ErrInvalidUsername
	}
	if !IsValidRole(input.Role) {
		return Account{}, ErrInvalidRole
	}
	if err := s.policy.Validate(input.Password); err != nil {
		return Account{}, err
	}

	hash, err := s.hasher.Hash(input.Password)
	if err != nil {
		return Account{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Account{}, fmt.Errorf("generate uuid v7: %w", err)
	}

	now := s.clock.Now().UTC()
	account := Account{
		ID:           id.String(),
		Username:     username,
		FullName:     strings.TrimSpace(input.FullName),
		PasswordHash: hash,
		Role:         input.Role,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateAccount(ctx, account); err != nil {
		return Account{}, err
	}

	s.logger.Info("account_created", map[string]any{"account_id": account.ID, "role": string(account.Role)})
	return account, nil
}

func (s *Service) ListAccounts(ctx context.Context) ([]Account, error) {
	return s.store.ListAccounts(ctx)
}

// SetAccountActive toggles the active flag. Deactivation also ends every
// session of the account.
func (s *Service) SetAccountActive(ctx context.Context, id string, active bool) error {
	if err := s.store.SetAccountActive(ctx, id, active); err != nil {
		return err
	}
	if !active {
		if err := s.issuer.RevokeAll(ctx, id); err != nil {
			return err
		}
	}

	s.logger.Info("account_active_changed", map[string]any{"account_id": id, "active": active})
	return nil
}

// SetAccountRole changes the role. Outstanding access tokens keep the old
// role until they expire, refreshed ones carry the new role.
func (s *Service) SetAccountRole(ctx context.Context, id string, role Role) error {
	if !IsValidRole(role) {
		return ErrInvalidRole
	}
	if err := s.store.SetAccountRole(ctx, id, role); err != nil {
		return err
	}

	s.logger.Info("account_role_changed", map[string]any{"account_id": id, "role": string(role)})
	return nil
}

// BootstrapAdmin makes sure the configured admin exists, is active, holds
// the admin role and uses the configured password.
func (s *Service) BootstrapAdmin(ctx context.Context, username, password string) error {
	username = NormalizeUsername(username)
	if username == "" && password == "" {
		return nil
	}
	if username == "" || password == "" {
		return fmt.Errorf("ADMIN_USERNAME and ADMIN_PASSWORD are required together")
	}

	if err := s.policy.Validate(password); err != nil {
		return fmt.Errorf("ADMIN_PASSWORD: %w", err)
	}

	existing, err := s.store.GetAccountByUsername(ctx, username)
	if errors.Is(err, ErrNotFound) {
		_, err = s.CreateAccount(ctx, NewAccount{Username: username, FullName: "Administrator", Password: password, Role: RoleAdmin})
		return err
	}
	if err != nil {
		return fmt.Errorf("load bootstrap admin: %w", err)
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return err
	}
	if err := s.store.UpdateCredential(ctx, existing.ID, hash); err != nil {
		return fmt.Errorf("update bootstrap admin credential: %w", err)
	}
	if err := s.store.SetAccountRole(ctx, existing.ID, RoleAdmin); err != nil {
		return fmt.Errorf("update bootstrap admin role: %w", err)
	}
	if err := s.store.SetAccountActive(ctx, existing.ID, true); err != nil {
		return fmt.Errorf("activate bootstrap admin: %w", err)
	}
	return nil
}
