// Package config loads the service configuration from the environment once
// at startup. The resulting Config is an immutable value passed to every
// constructor; nothing reads the environment after Load returns.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	minSecretKeyLength = 32
)

var supportedAlgorithms = map[string]bool{
	"HS256": true,
	"HS384": true,
	"HS512": true,
}

// Error is a configuration problem. It is fatal at startup.
type Error struct {
	Key    string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Reason)
}

type Config struct {
	Env       string
	Port      string
	LogLevel  string
	SentryDSN string

	StoreDriver       string
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration

	SecretKey       string
	Algorithm       string
	Issuer          string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	PasswordMinLength     int
	PasswordRequireUpper  bool
	PasswordRequireLower  bool
	PasswordRequireDigit  bool
	PasswordRequireSymbol bool
	BcryptCost            int

	MaxLoginAttempts int
	LockoutDuration  time.Duration
	AttemptWindow    time.Duration

	LoginRateLimitMax    int
	LoginRateLimitWindow time.Duration
	// TrustProxyHeaders keys per-IP limits on X-Forwarded-For. Enable only
	// behind a proxy that appends it, such as the serverless platform.
	TrustProxyHeaders bool

	CronSecret            string
	RefreshRetention      time.Duration
	LoginAttemptRetention time.Duration
	CleanupBatchSize      int
	CleanupInterval       time.Duration

	AdminUsername string
	AdminPassword string
}

// FromEnvironment loads the configuration from the process environment.
func FromEnvironment() (Config, error) {
	return Load(os.Getenv)
}

// Load builds a Config from the given lookup function. Every malformed or
// missing required value is reported; the returned error joins *Error values.
func Load(getenv func(string) string) (Config, error) {
	r := &reader{getenv: getenv}

	cfg := Config{
		Env:       r.str("APP_ENV", "development"),
		Port:      r.str("PORT", "8080"),
		LogLevel:  strings.ToLower(r.str("LOG_LEVEL", "info")),
		SentryDSN: r.str("SENTRY_DSN", ""),

		StoreDriver:       strings.ToLower(r.str("STORE_DRIVER", StoreDriverPostgres)),
		DBMaxOpenConns:    r.positiveInt("DB_MAX_OPEN_CONNS", 10),
		DBMaxIdleConns:    r.positiveInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime: r.minutes("DB_CONN_MAX_LIFETIME_MINUTES", 30),
		DBConnMaxIdleTime: r.minutes("DB_CONN_MAX_IDLE_TIME_MINUTES", 10),

		SecretKey:       r.required("SECRET_KEY"),
		Algorithm:       strings.ToUpper(r.str("ALGORITHM", "HS256")),
		Issuer:          r.str("JWT_ISSUER", "visitor-access"),
		AccessTokenTTL:  r.minutes("ACCESS_TOKEN_EXPIRE_MINUTES", 15),
		RefreshTokenTTL: r.days("REFRESH_TOKEN_EXPIRE_DAYS", 7),

		PasswordMinLength:     r.positiveInt("PASSWORD_MIN_LENGTH", 8),
		PasswordRequireUpper:  r.boolean("PASSWORD_REQUIRE_UPPER", false),
		PasswordRequireLower:  r.boolean("PASSWORD_REQUIRE_LOWER", false),
		PasswordRequireDigit:  r.boolean("PASSWORD_REQUIRE_DIGIT", false),
		PasswordRequireSymbol: r.boolean("PASSWORD_REQUIRE_SYMBOL", false),
		BcryptCost:            r.positiveInt("BCRYPT_COST", bcrypt.DefaultCost),

		MaxLoginAttempts: r.positiveInt("MAX_LOGIN_ATTEMPTS", 5),
		LockoutDuration:  r.minutes("LOCKOUT_DURATION_MINUTES", 30),

		LoginRateLimitMax:    r.positiveInt("LOGIN_RATE_LIMIT_MAX", 10),
		LoginRateLimitWindow: r.seconds("LOGIN_RATE_LIMIT_WINDOW_SECONDS", 60),
		TrustProxyHeaders:    r.boolean("TRUST_PROXY_HEADERS", false),

		CronSecret:            r.str("CRON_SECRET", ""),
		RefreshRetention:      r.days("AUTH_REFRESH_RETENTION_DAYS", 14),
		LoginAttemptRetention: r.days("AUTH_LOGIN_ATTEMPT_RETENTION_DAYS", 30),
		CleanupBatchSize:      r.positiveInt("AUTH_CLEANUP_BATCH_SIZE", 500),
		CleanupInterval:       time.Duration(r.nonNegativeInt("AUTH_CLEANUP_INTERVAL_MINUTES", 0)) * time.Minute,

		AdminUsername: r.str("ADMIN_USERNAME", ""),
		AdminPassword: r.raw("ADMIN_PASSWORD"),
	}
	cfg.AttemptWindow = r.minutes("LOGIN_ATTEMPT_WINDOW_MINUTES", int(cfg.LockoutDuration/time.Minute))

	if cfg.SecretKey != "" && len(cfg.SecretKey) < minSecretKeyLength {
		r.fail("SECRET_KEY", fmt.Sprintf("must be at least %d characters", minSecretKeyLength))
	}
	if !supportedAlgorithms[cfg.Algorithm] {
		r.fail("ALGORITHM", fmt.Sprintf("unsupported signing algorithm %q", cfg.Algorithm))
	}
	if cfg.BcryptCost < bcrypt.MinCost || cfg.BcryptCost > bcrypt.MaxCost {
		r.fail("BCRYPT_COST", fmt.Sprintf("must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost))
	}
	switch cfg.StoreDriver {
	case StoreDriverPostgres:
		cfg.DatabaseURL = r.required("DATABASE_URL")
	case StoreDriverMemory:
		cfg.DatabaseURL = r.str("DATABASE_URL", "")
	default:
		r.fail("STORE_DRIVER", fmt.Sprintf("unknown driver %q", cfg.StoreDriver))
	}
	if (cfg.AdminUsername == "") != (cfg.AdminPassword == "") {
		r.fail("ADMIN_USERNAME", "ADMIN_USERNAME and ADMIN_PASSWORD are required together")
	}

	if len(r.errs) > 0 {
		return Config{}, errors.Join(r.errs...)
	}
	return cfg, nil
}

// LogFields returns the settings that are safe to log at startup.
func (c Config) LogFields() map[string]any {
	return map[string]any{
		"env":                     c.Env,
		"store_driver":            c.StoreDriver,
		"algorithm":               c.Algorithm,
		"access_token_ttl_min":    int(c.AccessTokenTTL / time.Minute),
		"refresh_token_ttl_days":  int(c.RefreshTokenTTL / (24 * time.Hour)),
		"max_login_attempts":      c.MaxLoginAttempts,
		"lockout_duration_min":    int(c.LockoutDuration / time.Minute),
		"password_min_length":     c.PasswordMinLength,
		"cleanup_interval_min":    int(c.CleanupInterval / time.Minute),
		"login_rate_limit_max":    c.LoginRateLimitMax,
		"login_rate_limit_window": c.LoginRateLimitWindow.String(),
		"trust_proxy_headers":     c.TrustProxyHeaders,
	}
}

type reader struct {
	getenv func(string) string
	errs   []error
}

func (r *reader) fail(name, reason string) {
	r.errs = append(r.errs, &Error{Key: name, Reason: reason})
}

func (r *reader) raw(name string) string {
	return r.getenv(name)
}

func (r *reader) str(name, fallback string) string {
	value := strings.TrimSpace(r.getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func (r *reader) required(name string) string {
	value := strings.TrimSpace(r.getenv(name))
	if value == "" {
		r.fail(name, "missing required env")
	}
	return value
}

func (r *reader) positiveInt(name string, fallback int) int {
	value := strings.TrimSpace(r.getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		r.fail(name, fmt.Sprintf("must be a positive integer, got %q", value))
		return fallback
	}
	return parsed
}

func (r *reader) nonNegativeInt(name string, fallback int) int {
	value := strings.TrimSpace(r.getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		r.fail(name, fmt.Sprintf("must be a non-negative integer, got %q", value))
		return fallback
	}
	return parsed
}

func (r *reader) boolean(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(r.getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		r.fail(name, fmt.Sprintf("must be a boolean, got %q", value))
		return fallback
	}
}

func (r *reader) seconds(name string, fallback int) time.Duration {
	return time.Duration(r.positiveInt(name, fallback)) * time.Second
}

func (r *reader) minutes(name string, fallback int) time.Duration {
	return time.Duration(r.positiveInt(name, fallback)) * time.Minute
}

func (r *reader) days(name string, fallback int) time.Duration {
	return time.Duration(r.positiveInt(name, fallback)) * 24 * time.Hour
}
