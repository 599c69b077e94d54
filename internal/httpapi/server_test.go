package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titanplay/backend/internal/identity"
	"github.com/titanplay/backend/internal/kv"
	"github.com/titanplay/backend/internal/ratelimit"
	"github.com/titanplay/backend/internal/session"
)

func newTestRouter(t *testing.T) (*mux.Router, *session.Store, *session.TicketIssuer) {
	t.Helper()
	mem := kv.NewMemoryStore()
	sessions := session.NewStore(mem, session.DefaultOptions())
	tickets := session.NewTicketIssuer(mem, 30*time.Second)
	limiter, err := ratelimit.NewEngine(mem, ratelimit.DefaultConfig(), nil)
	require.NoError(t, err)

	router := mux.NewRouter()
	NewServer(sessions, tickets, identity.NewMockResolver(), limiter, false).Register(router)
	return router, sessions, tickets
}

func doJSON(t *testing.T, router *mux.Router, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, router *mux.Router, token string) loginResponse {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/api/auth/login", "", loginRequest{Token: token, Provider: "Mock"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp loginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestLogin_Success(t *testing.T) {
	router, _, _ := newTestRouter(t)

	resp := login(t, router, "mock:alice")
	assert.True(t, resp.Success)
	assert.Equal(t, "alice", resp.UserID)
	assert.Len(t, resp.SessionID, 32)
	assert.True(t, resp.ExpiresAt.After(time.Now()))
}

func TestLogin_SetsSessionCookie(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/auth/login", "", loginRequest{Token: "mock:alice", Provider: "Mock"})
	require.Equal(t, http.StatusOK, rec.Code)

	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)
	var found *http.Cookie
	for _, c := range cookies {
		if c.Name == SessionCookie {
			found = c
		}
	}
	require.NotNil(t, found)
	assert.True(t, found.HttpOnly)
	assert.NotEmpty(t, found.Value)
}

func TestLogin_BadCredentials(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/auth/login", "", loginRequest{Token: "garbage", Provider: "Mock"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/auth/login", "", loginRequest{Token: "mock:alice", Provider: "NoSuch"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestConnectionTicket_IssueAndRedeem(t *testing.T) {
	router, _, tickets := newTestRouter(t)
	resp := login(t, router, "mock:alice")

	rec := doJSON(t, router, http.MethodPost, "/api/auth/connection-ticket", resp.SessionID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body["ticket"])

	bound, err := tickets.Redeem(context.Background(), body["ticket"])
	require.NoError(t, err)
	assert.Equal(t, resp.SessionID, bound)
}

func TestConnectionTicket_RequiresSession(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/auth/connection-ticket", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/auth/connection-ticket", "not-a-session", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminLogin_RejectsNonAdmin(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/admin/auth/login", "", loginRequest{Token: "mock:alice", Provider: "Mock"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/admin/auth/login", "", loginRequest{Token: "mock:admin-bob", Provider: "Mock"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLogout_InvalidatesSession(t *testing.T) {
	router, sessions, _ := newTestRouter(t)
	resp := login(t, router, "mock:alice")

	rec := doJSON(t, router, http.MethodPost, "/api/admin/auth/logout", resp.SessionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := sessions.Validate(context.Background(), resp.SessionID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRefresh_RotatesTicket(t *testing.T) {
	router, sessions, _ := newTestRouter(t)
	resp := login(t, router, "mock:alice")

	rec := doJSON(t, router, http.MethodPost, "/api/admin/auth/refresh", resp.SessionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var fresh loginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fresh))
	assert.NotEqual(t, resp.SessionID, fresh.SessionID)

	old, err := sessions.Validate(context.Background(), resp.SessionID)
	require.NoError(t, err)
	assert.Nil(t, old, "old bearer must be dead after refresh")

	current, err := sessions.Validate(context.Background(), fresh.SessionID)
	require.NoError(t, err)
	assert.NotNil(t, current)
}

func TestRevokeAll(t *testing.T) {
	router, sessions, _ := newTestRouter(t)
	first := login(t, router, "mock:alice")
	login(t, router, "mock:alice")
	login(t, router, "mock:alice")

	rec := doJSON(t, router, http.MethodPost, "/api/admin/auth/revoke-all", first.SessionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 3, body["revoked"])

	count, err := sessions.Count(context.Background(), "alice")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestAuthSurface_RateLimited(t *testing.T) {
	router, _, _ := newTestRouter(t)

	// The Auth policy allows 10 hits per minute per IP.
	var last *httptest.ResponseRecorder
	for i := 0; i < 11; i++ {
		last = doJSON(t, router, http.MethodPost, "/api/auth/login", "", loginRequest{Token: "mock:alice", Provider: "Mock"})
	}
	require.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.Equal(t, "Auth", last.Header().Get("X-Rate-Limit-Policy"))
	assert.NotEmpty(t, last.Header().Get("Retry-After"))
}
