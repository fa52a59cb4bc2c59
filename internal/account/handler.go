package account

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"visitor-access/internal/auth"
)

const maxJSONBodyBytes = 1 << 20

// Manager is the account lifecycle surface of auth.Service.
type Manager interface {
	CreateAccount(ctx context.Context, input auth.NewAccount) (auth.Account, error)
	ListAccounts(ctx context.Context) ([]auth.Account, error)
	SetAccountActive(ctx context.Context, id string, active bool) error
	SetAccountRole(ctx context.Context, id string, role auth.Role) error
}

type Handler struct {
	manager Manager
}

func NewHandler(manager Manager) *Handler {
	return &Handler{manager: manager}
}

type activeRequest struct {
	Active *bool `json:"active"`
}

type roleRequest struct {
	Role auth.Role `json:"role"`
}

func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.manager.ListAccounts(r.Context())
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to list accounts")
		return
	}

	writeJSON(w, http.StatusOK, accounts)
}

func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var input auth.NewAccount
	if !decodeJSON(w, r, &input) {
		return
	}

	input.FullName = strings.TrimSpace(input.FullName)
	if !utf8.ValidString(input.FullName) || len(input.FullName) > 150 {
		writeError(w, http.StatusBadRequest, "full_name is invalid")
		return
	}

	created, err := h.manager.CreateAccount(r.Context(), input)
	if err != nil {
		var violation *auth.PolicyViolation
		switch {
		case errors.As(err, &violation):
			writeError(w, http.StatusBadRequest, violation.Reason)
		case errors.Is(err, auth.ErrInvalidUsername), errors.Is(err, auth.ErrInvalidRole):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, auth.ErrUsernameTaken):
			writeError(w, http.StatusConflict, err.Error())
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to create account")
		}
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) SetActive(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}

	var body activeRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Active == nil {
		writeError(w, http.StatusBadRequest, "active is required")
		return
	}
	if !*body.Active && isSelf(r, id) {
		writeError(w, http.StatusBadRequest, "cannot deactivate own account")
		return
	}

	if err := h.manager.SetAccountActive(r.Context(), id, *body.Active); err != nil {
		writeManagerError(w, err, "failed to update account")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) SetRole(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}

	var body roleRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Role != auth.RoleAdmin && isSelf(r, id) {
		writeError(w, http.StatusBadRequest, "cannot change own role")
		return
	}

	if err := h.manager.SetAccountRole(r.Context(), id, body.Role); err != nil {
		writeManagerError(w, err, "failed to update account role")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func accountID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return "", false
	}
	return id, true
}

func isSelf(r *http.Request, id string) bool {
	claims, ok := auth.ClaimsFromContext(r.Context())
	return ok && claims.Subject == id
}

func writeManagerError(w http.ResponseWriter, err error, message string) {
	switch {
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, http.StatusNotFound, "account not found")
	case errors.Is(err, auth.ErrInvalidRole):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, message)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
