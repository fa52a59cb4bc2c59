package maintenance

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"visitor-access/internal/auth"
	"visitor-access/internal/observability"
)

type CleanupHandler struct {
	cleaner    auth.Cleaner
	logger     *observability.Logger
	cronSecret string
	policy     auth.CleanupPolicy
	clock      clockwork.Clock
}

func NewCleanupHandler(
	cleaner auth.Cleaner,
	logger *observability.Logger,
	cronSecret string,
	policy auth.CleanupPolicy,
	clock clockwork.Clock,
) *CleanupHandler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &CleanupHandler{
		cleaner:    cleaner,
		logger:     logger,
		cronSecret: strings.TrimSpace(cronSecret),
		policy:     policy,
		clock:      clock,
	}
}

// Handle runs one cleanup pass. It responds 404 when no cron secret is
// configured so the endpoint is invisible by default.
func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || !secretMatches(strings.TrimSpace(parts[1]), h.cronSecret) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	result, err := runOnce(r.Context(), h.cleaner, h.policy, h.clock.Now(), h.logger)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}

// RunPeriodic cleans up every interval until ctx is done. Failures are
// logged and retried on the next tick.
func RunPeriodic(ctx context.Context, cleaner auth.Cleaner, policy auth.CleanupPolicy, interval time.Duration, clock clockwork.Clock, logger *observability.Logger) {
	if interval <= 0 {
		return
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.Chan():
			_, _ = runOnce(ctx, cleaner, policy, now, logger)
		}
	}
}

func runOnce(ctx context.Context, cleaner auth.Cleaner, policy auth.CleanupPolicy, now time.Time, logger *observability.Logger) (auth.CleanupResult, error) {
	result, err := cleaner.CleanupStaleAuthData(ctx, policy, now.UTC())
	if err != nil {
		logger.Error("auth_cleanup_failed", map[string]any{"error": err.Error()})
		return auth.CleanupResult{}, err
	}

	logger.Info("auth_cleanup_completed", map[string]any{
		"deleted_refresh_families": result.DeletedRefreshFamilies,
		"deleted_login_attempts":   result.DeletedLoginAttempts,
	})
	return result, nil
}

func secretMatches(presented, expected string) bool {
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
