package auth

import (
	"regexp"
	"strings"
	"time"
)

var usernameRegex = regexp.MustCompile(`^[a-z0-9_.-]{3,32}$`)

// NormalizeUsername is the canonical form used for lookups and lockout keys.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func IsValidUsername(username string) bool {
	return usernameRegex.MatchString(username)
}

// Role is a named permission bundle. The set is fixed.
type Role string

const (
	RoleAdmin                Role = "admin"
	RoleHeadOfDepartment     Role = "head_of_department"
	RoleHeadOfManagementUnit Role = "head_of_management_unit"
	RoleUSBOfficer           Role = "usb_officer"
	RoleASOfficer            Role = "as_officer"
	RoleCheckpoint1          Role = "KPP-1"
	RoleCheckpoint2          Role = "KPP-2"
	RoleCheckpoint3          Role = "KPP-3"
	RoleCheckpoint4          Role = "KPP-4"
	RoleEmployee             Role = "employee"
)

var Roles = []Role{
	RoleAdmin,
	RoleHeadOfDepartment,
	RoleHeadOfManagementUnit,
	RoleUSBOfficer,
	RoleASOfficer,
	RoleCheckpoint1,
	RoleCheckpoint2,
	RoleCheckpoint3,
	RoleCheckpoint4,
	RoleEmployee,
}

func IsValidRole(role Role) bool {
	for _, r := range Roles {
		if r == role {
			return true
		}
	}
	return false
}

type Account struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	FullName     string    `json:"full_name"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	Active       bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type NewAccount struct {
	Username string `json:"username"`
	FullName string `json:"full_name"`
	Password string `json:"password"`
	Role     Role   `json:"role"`
}

type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Role         Role   `json:"role,omitempty"`
}

// LockoutState is the persisted failed-login record for one login name.
// Version increases on every successful compare-and-swap.
type LockoutState struct {
	FailedAttempts  int
	WindowStartedAt time.Time
	LockedUntil     *time.Time
	Version         int64
}

// RefreshFamily is the server-side record of one login session. Every
// rotation bumps Version; only the refresh token carrying the current
// version can be exchanged.
type RefreshFamily struct {
	ID        string
	AccountID string
	Version   int64
	ExpiresAt time.Time
	RevokedAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

type CleanupResult struct {
	DeletedRefreshFamilies int64 `json:"deleted_refresh_families"`
	DeletedLoginAttempts   int64 `json:"deleted_login_attempts"`
}
