package auth

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
)

// bcrypt ignores everything past 72 bytes.
const maxPasswordBytes = 72

type PasswordPolicy struct {
	MinLength     int
	RequireUpper  bool
	RequireLower  bool
	RequireDigit  bool
	RequireSymbol bool
}

func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{MinLength: 8}
}

// Validate returns nil or a *PolicyViolation. Blank passwords are always
// rejected, whatever the configured minimum.
func (p PasswordPolicy) Validate(password string) error {
	if strings.TrimSpace(password) == "" {
		return &PolicyViolation{Reason: "password must not be empty"}
	}
	if !utf8.ValidString(password) {
		return &PolicyViolation{Reason: "password must be valid UTF-8"}
	}
	if n := utf8.RuneCountInString(password); n < p.MinLength {
		return &PolicyViolation{Reason: fmt.Sprintf("password must be at least %d characters", p.MinLength)}
	}
	if len(password) > maxPasswordBytes {
		return &PolicyViolation{Reason: fmt.Sprintf("password must be at most %d bytes", maxPasswordBytes)}
	}

	var upper, lower, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = true
		}
	}

	switch {
	case p.RequireUpper && !upper:
		return &PolicyViolation{Reason: "password must contain an uppercase letter"}
	case p.RequireLower && !lower:
		return &PolicyViolation{Reason: "password must contain a lowercase letter"}
	case p.RequireDigit && !digit:
		return &PolicyViolation{Reason: "password must contain a digit"}
	case p.RequireSymbol && !symbol:
		return &PolicyViolation{Reason: "password must contain a symbol"}
	}

	return nil
}

// PasswordHasher hashes and verifies credentials.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) (bool, error)
}

type BcryptHasher struct {
	Cost int
}

func (h BcryptHasher) Hash(password string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Compare reports a mismatch as (false, nil); only malformed hashes error.
func (h BcryptHasher) Compare(hash, password string) (bool, error) {
	if len(password) > maxPasswordBytes {
		return false, nil
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	return false, fmt.Errorf("compare password: %w", err)
}
