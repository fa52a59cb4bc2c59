package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"

	"visitor-access/internal/account"
	"visitor-access/internal/auth"
	"visitor-access/internal/config"
	"visitor-access/internal/db"
	"visitor-access/internal/maintenance"
	"visitor-access/internal/observability"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
	// Getenv overrides os.Getenv, mainly for tests.
	Getenv func(string) string
}

type Runtime struct {
	Handler http.Handler
	Config  config.Config
	Logger  *observability.Logger
	Close   func() error

	cleaner auth.Cleaner
	clock   clockwork.Clock
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}
	getenv := options.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	cfg, err := config.Load(getenv)
	if err != nil {
		return nil, err
	}

	logger := observability.NewLogger(cfg.LogLevel)
	logger.Info("config_loaded", cfg.LogFields())

	if err := observability.InitSentry(cfg.SentryDSN, cfg.Env); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	clock := clockwork.NewRealClock()
	store, ping, closeStore, err := openStore(cfg, options.RunMigrations, clock)
	if err != nil {
		return nil, err
	}

	issuer, err := auth.NewTokenIssuer(store, auth.TokenConfig{
		Secret:     []byte(cfg.SecretKey),
		Algorithm:  cfg.Algorithm,
		Issuer:     cfg.Issuer,
		AccessTTL:  cfg.AccessTokenTTL,
		RefreshTTL: cfg.RefreshTokenTTL,
	}, clock)
	if err != nil {
		_ = closeStore()
		return nil, fmt.Errorf("init token issuer: %w", err)
	}

	tracker := auth.NewLockoutTracker(store, auth.LockoutPolicy{
		MaxAttempts: cfg.MaxLoginAttempts,
		Duration:    cfg.LockoutDuration,
		Window:      cfg.AttemptWindow,
	}, clock)

	authService, err := auth.NewService(store, issuer, tracker, auth.PasswordPolicy{
		MinLength:     cfg.PasswordMinLength,
		RequireUpper:  cfg.PasswordRequireUpper,
		RequireLower:  cfg.PasswordRequireLower,
		RequireDigit:  cfg.PasswordRequireDigit,
		RequireSymbol: cfg.PasswordRequireSymbol,
	},
		auth.WithHasher(auth.BcryptHasher{Cost: cfg.BcryptCost}),
		auth.WithLogger(logger),
		auth.WithClock(clock),
	)
	if err != nil {
		_ = closeStore()
		return nil, fmt.Errorf("init auth service: %w", err)
	}

	if err := authService.BootstrapAdmin(context.Background(), cfg.AdminUsername, cfg.AdminPassword); err != nil {
		_ = closeStore()
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}

	authHandler := auth.NewHandler(authService)
	accountHandler := account.NewHandler(authService)
	cleanupPolicy := auth.CleanupPolicy{
		RefreshRetention:      cfg.RefreshRetention,
		LoginAttemptRetention: cfg.LoginAttemptRetention,
		BatchSize:             cfg.CleanupBatchSize,
	}
	cleanupHandler := maintenance.NewCleanupHandler(store, logger, cfg.CronSecret, cleanupPolicy, clock)
	loginLimiter := auth.NewLoginRateLimiter(cfg.LoginRateLimitMax, cfg.LoginRateLimitWindow, cfg.TrustProxyHeaders, clock)

	mux := http.NewServeMux()
	mux.Handle("POST /auth/login", loginLimiter.Middleware(http.HandlerFunc(authHandler.Login)))
	mux.HandleFunc("POST /auth/refresh", authHandler.Refresh)
	mux.HandleFunc("POST /auth/logout", authHandler.Logout)
	mux.Handle("POST /auth/password", auth.Middleware(authService, http.HandlerFunc(authHandler.ChangePassword)))
	mux.Handle("GET /auth/me", auth.Middleware(authService, http.HandlerFunc(authHandler.Me)))
	mux.Handle("POST /auth/authorize", auth.Middleware(authService, http.HandlerFunc(authHandler.Authorize)))
	mux.Handle("GET /accounts", auth.RequirePermission(authService, auth.ActionRead, auth.ResourceAccount, http.HandlerFunc(accountHandler.ListAccounts)))
	mux.Handle("POST /accounts", auth.RequirePermission(authService, auth.ActionCreate, auth.ResourceAccount, http.HandlerFunc(accountHandler.CreateAccount)))
	mux.Handle("PUT /accounts/{id}/active", auth.RequirePermission(authService, auth.ActionUpdate, auth.ResourceAccount, http.HandlerFunc(accountHandler.SetActive)))
	mux.Handle("PUT /accounts/{id}/role", auth.RequirePermission(authService, auth.ActionUpdate, auth.ResourceAccount, http.HandlerFunc(accountHandler.SetRole)))
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(ping))

	handler := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, mux))

	return &Runtime{
		Handler: handler,
		Config:  cfg,
		Logger:  logger,
		Close: func() error {
			observability.FlushSentry()
			_ = logger.Sync()
			return closeStore()
		},
		cleaner: store,
		clock:   clock,
	}, nil
}

// StartCleanup runs periodic auth cleanup in the background when an
// interval is configured. It stops with ctx.
func (rt *Runtime) StartCleanup(ctx context.Context) {
	if rt.Config.CleanupInterval <= 0 {
		return
	}

	policy := auth.CleanupPolicy{
		RefreshRetention:      rt.Config.RefreshRetention,
		LoginAttemptRetention: rt.Config.LoginAttemptRetention,
		BatchSize:             rt.Config.CleanupBatchSize,
	}
	go maintenance.RunPeriodic(ctx, rt.cleaner, policy, rt.Config.CleanupInterval, rt.clock, rt.Logger)
}

func openStore(cfg config.Config, runMigrations bool, clock clockwork.Clock) (auth.Store, func(context.Context) error, func() error, error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		noop := func(context.Context) error { return nil }
		return auth.NewMemoryStore(clock), noop, func() error { return nil }, nil
	}

	database, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(cfg.DBMaxOpenConns)
	database.SetMaxIdleConns(cfg.DBMaxIdleConns)
	database.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	database.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := database.PingContext(ctx); err != nil {
		_ = database.Close()
		return nil, nil, nil, fmt.Errorf("ping database: %w", err)
	}

	if runMigrations {
		if err := db.RunMigrations(ctx, database); err != nil {
			_ = database.Close()
			return nil, nil, nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	return auth.NewRepository(database), database.PingContext, database.Close, nil
}

func healthHandler(ping func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
