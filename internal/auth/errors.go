package auth

import (
	"errors"
	"time"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountInactive    = errors.New("account is inactive")
	ErrWeakPassword       = errors.New("weak password")
	ErrTokenExpired       = errors.New("token has expired")
	ErrTokenInvalid       = errors.New("invalid token")
	ErrTokenReused        = errors.New("refresh token reuse detected")
	ErrSecurityViolation  = errors.New("security violation")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrNotFound           = errors.New("account not found")
	ErrUsernameTaken      = errors.New("username already exists")
	ErrInvalidUsername    = errors.New("username format is invalid")
	ErrInvalidRole        = errors.New("unknown role")
)

// AccountLockedError is returned while a login name is locked out.
type AccountLockedError struct {
	Until time.Time
}

func (e *AccountLockedError) Error() string {
	return "account temporarily locked"
}

// PolicyViolation names the first password rule that failed. It unwraps to
// ErrWeakPassword.
type PolicyViolation struct {
	Reason string
}

func (e *PolicyViolation) Error() string {
	return "weak password: " + e.Reason
}

func (e *PolicyViolation) Unwrap() error {
	return ErrWeakPassword
}

// TokenReuseError reports a refresh token presented after it was rotated.
type TokenReuseError struct {
	AccountID string
	FamilyID  string
}

func (e *TokenReuseError) Error() string {
	return ErrTokenReused.Error()
}

func (e *TokenReuseError) Unwrap() error {
	return ErrTokenReused
}

// IsLoginRejection reports whether err must be presented to clients as a
// generic credentials failure.
func IsLoginRejection(err error) bool {
	var locked *AccountLockedError
	return errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrAccountInactive) || errors.As(err, &locked)
}
