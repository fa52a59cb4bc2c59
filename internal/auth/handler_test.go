package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMux(f serviceFixture) http.Handler {
	h := NewHandler(f.service)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", h.Login)
	mux.HandleFunc("POST /auth/refresh", h.Refresh)
	mux.HandleFunc("POST /auth/logout", h.Logout)
	mux.Handle("POST /auth/password", Middleware(f.service, http.HandlerFunc(h.ChangePassword)))
	mux.Handle("GET /auth/me", Middleware(f.service, http.HandlerFunc(h.Me)))
	mux.Handle("POST /auth/authorize", Middleware(f.service, http.HandlerFunc(h.Authorize)))
	mux.Handle("GET /secured", RequirePermission(f.service, ActionRead, ResourceAuditLog, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"role": string(claims.Role)})
	})))
	return mux
}

func doJSON(t *testing.T, handler http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func loginTokens(t *testing.T, handler http.Handler, username, password string) Tokens {
	t.Helper()

	rec := doJSON(t, handler, http.MethodPost, "/auth/login", "", `{"username":"`+username+`","password":"`+password+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var tokens Tokens
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tokens))
	return tokens
}

func TestHandler_LoginRejectionsLookIdentical(t *testing.T) {
	f := newServiceFixture(t)
	mux := newTestMux(f)
	f.createAccount(t, "guard2", RoleCheckpoint2)
	retired := f.createAccount(t, "retired", RoleEmployee)
	require.NoError(t, f.service.SetAccountActive(t.Context(), retired.ID, false))

	for i := 0; i < 5; i++ {
		doJSON(t, mux, http.MethodPost, "/auth/login", "", `{"username":"guard2","password":"nope"}`)
	}

	bodies := []string{
		`{"username":"ghost","password":"whatever"}`,
		`{"username":"guard2","password":"` + testPassword + `"}`,
		`{"username":"retired","password":"` + testPassword + `"}`,
	}
	for _, body := range bodies {
		rec := doJSON(t, mux, http.MethodPost, "/auth/login", "", body)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, body)
		assert.JSONEq(t, `{"error":"invalid credentials"}`, rec.Body.String())
		assert.Empty(t, rec.Header().Get("Retry-After"))
	}
}

func TestHandler_LoginBadBody(t *testing.T) {
	f := newServiceFixture(t)
	mux := newTestMux(f)

	rec := doJSON(t, mux, http.MethodPost, "/auth/login", "", `{"username":"a","password":"b","extra":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/auth/login", "", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_RefreshAndLogout(t *testing.T) {
	f := newServiceFixture(t)
	mux := newTestMux(f)
	f.createAccount(t, "employee3", RoleEmployee)

	tokens := loginTokens(t, mux, "employee3", testPassword)
	assert.Equal(t, int64(45*60), tokens.ExpiresIn)

	rec := doJSON(t, mux, http.MethodPost, "/auth/refresh", "", `{"refresh_token":"`+tokens.RefreshToken+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var rotated Tokens
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rotated))

	rec = doJSON(t, mux, http.MethodPost, "/auth/refresh", "", `{"refresh_token":"`+tokens.RefreshToken+`"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "replay is rejected")

	rec = doJSON(t, mux, http.MethodPost, "/auth/logout", "", `{"refresh_token":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	second := loginTokens(t, mux, "employee3", testPassword)
	rec = doJSON(t, mux, http.MethodPost, "/auth/logout", "", `{"refresh_token":"`+second.RefreshToken+`"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/auth/refresh", "", `{"refresh_token":"`+second.RefreshToken+`"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandler_MeAndAuthorize(t *testing.T) {
	f := newServiceFixture(t)
	mux := newTestMux(f)
	f.createAccount(t, "usb", RoleUSBOfficer)
	tokens := loginTokens(t, mux, "usb", testPassword)

	rec := doJSON(t, mux, http.MethodGet, "/auth/me", tokens.AccessToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var me meResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &me))
	assert.Equal(t, RoleUSBOfficer, me.Role)
	assert.Contains(t, me.Permissions, perm(ActionApprove, ResourceUSBApproval))

	rec = doJSON(t, mux, http.MethodPost, "/auth/authorize", tokens.AccessToken, `{"action":"approve","resource":"usb_approval"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"decision":"allow"}`, rec.Body.String())

	rec = doJSON(t, mux, http.MethodPost, "/auth/authorize", tokens.AccessToken, `{"action":"approve","resource":"as_approval"}`)
	assert.JSONEq(t, `{"decision":"deny"}`, rec.Body.String())

	rec = doJSON(t, mux, http.MethodGet, "/secured", tokens.AccessToken, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"role":"usb_officer"}`, rec.Body.String())
}

func TestMiddleware_Rejections(t *testing.T) {
	f := newServiceFixture(t)
	mux := newTestMux(f)
	f.createAccount(t, "staff", RoleEmployee)
	tokens := loginTokens(t, mux, "staff", testPassword)

	rec := doJSON(t, mux, http.MethodGet, "/auth/me", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("Authorization", "Token abc")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, mux, http.MethodGet, "/auth/me", tokens.RefreshToken, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, mux, http.MethodGet, "/secured", tokens.AccessToken, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	f.clock.Advance(45 * time.Minute)
	rec = doJSON(t, mux, http.MethodGet, "/auth/me", tokens.AccessToken, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"token has expired"}`, rec.Body.String())
}

func TestHandler_ChangePassword(t *testing.T) {
	f := newServiceFixture(t)
	mux := newTestMux(f)
	f.createAccount(t, "hod", RoleHeadOfDepartment)
	tokens := loginTokens(t, mux, "hod", testPassword)

	rec := doJSON(t, mux, http.MethodPost, "/auth/password", tokens.AccessToken, `{"old_password":"`+testPassword+`","new_password":"tiny"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "at least 8")

	rec = doJSON(t, mux, http.MethodPost, "/auth/password", tokens.AccessToken, `{"old_password":"wrong","new_password":"Brand#New22"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/auth/password", tokens.AccessToken, `{"old_password":"`+testPassword+`","new_password":"Brand#New22"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	loginTokens(t, mux, "hod", "Brand#New22")
}
