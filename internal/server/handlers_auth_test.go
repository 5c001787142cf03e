package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"chainvault/internal/api"
	"chainvault/internal/store"
)

func newAuthTestServer(t *testing.T) *Server {
	t.Helper()
	t.Setenv(apiTokenEnvKey, "")
	t.Setenv(adminTokenEnvKey, "")

	st, err := store.Open(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New("127.0.0.1:0", Deps{Store: st}, Options{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func seedUser(t *testing.T, srv *Server, username, password, role string) {
	t.Helper()
	if _, err := srv.authService.CreateUser(context.Background(), username, password, role, time.Now().UTC()); err != nil {
		t.Fatalf("seed user %s: %v", username, err)
	}
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if mutate != nil {
		mutate(req)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestAuthMeOpenMode(t *testing.T) {
	srv := newAuthTestServer(t)
	w := doJSON(t, srv.routes(), http.MethodGet, "/api/auth/me", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}

	var resp api.AuthMeResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode auth me response: %v", err)
	}
	if resp.Authenticated {
		t.Fatal("expected authenticated=false in open mode")
	}
	if resp.AuthType != authTypeOpen {
		t.Fatalf("expected auth_type=open, got %q", resp.AuthType)
	}
}

func TestBrowserSessionLoginFlow(t *testing.T) {
	srv := newAuthTestServer(t)
	seedUser(t, srv, "admin", "password-123", store.AuthUserRoleAdmin)
	h := srv.routes()

	loginW := doJSON(t, h, http.MethodPost, "/api/auth/login", api.AuthCredentials{Username: "admin", Password: "password-123"}, nil)
	if loginW.Code != http.StatusOK {
		t.Fatalf("expected login 200, got %d (%s)", loginW.Code, loginW.Body.String())
	}

	var sessionCookie *http.Cookie
	for _, c := range loginW.Result().Cookies() {
		if c.Name == sessionCookieName {
			sessionCookie = c
			break
		}
	}
	if sessionCookie == nil {
		t.Fatal("expected session cookie on login response")
	}
	if !sessionCookie.HttpOnly || sessionCookie.SameSite != http.SameSiteStrictMode {
		t.Fatalf("expected HttpOnly strict cookie, got %+v", sessionCookie)
	}

	withCookie := func(r *http.Request) { r.AddCookie(sessionCookie) }
	meW := doJSON(t, h, http.MethodGet, "/api/auth/me", nil, withCookie)
	if meW.Code != http.StatusOK {
		t.Fatalf("expected auth me 200, got %d (%s)", meW.Code, meW.Body.String())
	}
	var meResp api.AuthMeResponse
	if err := json.Unmarshal(meW.Body.Bytes(), &meResp); err != nil {
		t.Fatalf("decode auth me response: %v", err)
	}
	if !meResp.Authenticated || meResp.Username != "admin" || meResp.Role != store.AuthUserRoleAdmin {
		t.Fatalf("unexpected me response: %+v", meResp)
	}

	logoutW := doJSON(t, h, http.MethodPost, "/api/auth/logout", nil, withCookie)
	if logoutW.Code != http.StatusNoContent {
		t.Fatalf("expected logout 204, got %d", logoutW.Code)
	}
	meW = doJSON(t, h, http.MethodGet, "/api/auth/me", nil, withCookie)
	if meW.Code != http.StatusUnauthorized {
		t.Fatalf("expected revoked session to be rejected, got %d", meW.Code)
	}
}

func TestLoginRateLimited(t *testing.T) {
	srv := newAuthTestServer(t)
	seedUser(t, srv, "carol", "password-123", "")
	h := srv.routes()

	bad := api.AuthCredentials{Username: "carol", Password: "wrong-password"}
	for i := 0; i < 5; i++ {
		w := doJSON(t, h, http.MethodPost, "/api/auth/login", bad, nil)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i, w.Code)
		}
	}

	w := doJSON(t, h, http.MethodPost, "/api/auth/login", api.AuthCredentials{Username: "carol", Password: "password-123"}, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after repeated failures, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestAdminUserManagement(t *testing.T) {
	srv := newAuthTestServer(t)
	srv.adminToken = "admintoken"
	h := srv.routes()
	asAdmin := func(r *http.Request) { r.Header.Set(headerAdminToken, "admintoken") }

	w := doJSON(t, h, http.MethodPost, "/api/admin/users", api.AdminUserCreateRequest{Username: "Dave", Password: "password-123"}, asAdmin)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", w.Code, w.Body.String())
	}
	var created api.AdminUser
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Username != "dave" || created.Role != store.AuthUserRoleUser {
		t.Fatalf("unexpected user: %+v", created)
	}

	w = doJSON(t, h, http.MethodPost, "/api/admin/users", api.AdminUserCreateRequest{Username: "dave", Password: "password-123"}, asAdmin)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected duplicate to conflict, got %d", w.Code)
	}
	w = doJSON(t, h, http.MethodPost, "/api/admin/users", api.AdminUserCreateRequest{Username: "eve", Password: "password-123", Role: "root"}, asAdmin)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected invalid role to be rejected, got %d", w.Code)
	}

	w = doJSON(t, h, http.MethodPost, "/api/admin/users/dave/disabled", api.AdminUserSetDisabledRequest{Disabled: true}, asAdmin)
	if w.Code != http.StatusOK {
		t.Fatalf("disable: expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	login := doJSON(t, h, http.MethodPost, "/api/auth/login", api.AuthCredentials{Username: "dave", Password: "password-123"}, nil)
	if login.Code != http.StatusUnauthorized {
		t.Fatalf("disabled user should not log in, got %d", login.Code)
	}

	w = doJSON(t, h, http.MethodGet, "/api/admin/users", nil, asAdmin)
	var users []api.AdminUser
	if err := json.Unmarshal(w.Body.Bytes(), &users); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(users) != 1 || !users[0].Disabled {
		t.Fatalf("unexpected users: %+v", users)
	}

	w = doJSON(t, h, http.MethodDelete, "/api/admin/users/dave", nil, asAdmin)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("delete without confirm: expected 400, got %d", w.Code)
	}
	w = doJSON(t, h, http.MethodDelete, "/api/admin/users/dave", nil, func(r *http.Request) {
		asAdmin(r)
		r.Header.Set(headerConfirm, "true")
	})
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d (%s)", w.Code, w.Body.String())
	}
	w = doJSON(t, h, http.MethodPost, "/api/admin/users/dave/disabled", api.AdminUserSetDisabledRequest{}, asAdmin)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for deleted user, got %d", w.Code)
	}
}
