package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chainvault/internal/api"
	internalauth "chainvault/internal/auth"
	"chainvault/internal/store"
)

func (s *Server) handleAuthRegister(w http.ResponseWriter, r *http.Request) {
	if s.authService == nil {
		s.writeErrorReq(w, r, http.StatusNotImplemented, notImplemented(fmt.Errorf("accounts are not configured")))
		return
	}

	var req api.AuthCredentials
	if !s.decodeJSONReq(w, r, &req) {
		return
	}

	user, err := s.authService.Register(r.Context(), req.Username, req.Password, s.opts.AllowRegistration, s.now())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.log().Info("user registered", "user_id", user.ID, "username", user.Username, "role", user.Role)
	s.writeJSON(w, http.StatusCreated, toAPIUser(user))
}

func (s *Server) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	if s.authService == nil {
		s.writeErrorReq(w, r, http.StatusNotImplemented, notImplemented(fmt.Errorf("accounts are not configured")))
		return
	}

	var req api.AuthCredentials
	if !s.decodeJSONReq(w, r, &req) {
		return
	}

	now := s.now()
	key := loginAttemptKey(req.Username, r)
	if ok, wait := s.loginLimiter.Allow(key, now); !ok {
		w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
		s.writeErrorReq(w, r, http.StatusTooManyRequests, makeAPIError(http.StatusTooManyRequests, "resource_exhausted",
			ErrCodeResourceExhausted, fmt.Errorf("too many login attempts; retry later")))
		return
	}

	result, err := s.authService.Login(r.Context(), req.Username, req.Password, now)
	if err != nil {
		if errors.Is(err, internalauth.ErrInvalidCredentials) {
			s.loginLimiter.Fail(key, now)
			s.writeErrorReq(w, r, http.StatusUnauthorized, unauthorized(err))
			return
		}
		s.writeServiceError(w, r, err)
		return
	}
	s.loginLimiter.Reset(key)

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    result.Token,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
		Expires:  result.ExpiresAt,
	})
	s.writeJSON(w, http.StatusOK, api.AuthLoginResponse{
		Token:     result.Token,
		ExpiresAt: result.ExpiresAt,
		Username:  result.User.Username,
		Role:      result.User.Role,
	})
}

func (s *Server) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		token = sessionCookie(r)
	}
	if token != "" && !tokensEqual(token, s.apiToken) {
		if err := s.authService.RevokeSessionToken(r.Context(), token, s.now()); err != nil {
			s.writeStoreError(w, r, err)
			return
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0).UTC(),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAuthMe(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFromContext(r.Context())
	if !ok {
		s.writeErrorReq(w, r, http.StatusUnauthorized, unauthorized(fmt.Errorf("unauthorized")))
		return
	}

	resp := api.AuthMeResponse{
		Authenticated: p.AuthType != authTypeOpen,
		AuthType:      p.AuthType,
	}
	if p.User != nil {
		resp.Username = p.User.Username
		resp.Role = p.User.Role
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func toAPIUser(user *store.AuthUser) api.AuthUser {
	return api.AuthUser{
		ID:        user.ID,
		Username:  user.Username,
		Role:      user.Role,
		CreatedAt: user.CreatedAt,
	}
}

func loginAttemptKey(username string, r *http.Request) string {
	user := strings.ToLower(strings.TrimSpace(username))
	if user == "" {
		user = "<empty>"
	}
	return clientKey(r) + "|" + user
}

func clientKey(r *http.Request) string {
	remote := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	if remote == "" {
		return "<unknown>"
	}
	return remote
}
