package server

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"runtime/debug"
	"slices"
	"strings"
)

const (
	headerAdminToken = "X-Admin-Token"
	headerConfirm    = "X-Confirm"
)

func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.authenticate(r)
		if err != nil {
			s.writeErrorReq(w, r, httpStatusFromError(err), err)
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithPrincipal(r.Context(), p)))
	})
}

// withAdmin accepts the admin token header or any admin principal.
func (s *Server) withAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if presented := strings.TrimSpace(r.Header.Get(headerAdminToken)); presented != "" {
			if s.adminToken == "" || !tokensEqual(presented, s.adminToken) {
				s.writeErrorReq(w, r, http.StatusUnauthorized, unauthorized(fmt.Errorf("invalid admin token")))
				return
			}
			p := principal{AuthType: authTypeAdmin, OwnerID: openOwnerID, Admin: true}
			next.ServeHTTP(w, r.WithContext(contextWithPrincipal(r.Context(), p)))
			return
		}

		p, err := s.authenticate(r)
		if err != nil {
			s.writeErrorReq(w, r, httpStatusFromError(err), err)
			return
		}
		if !p.Admin {
			s.writeErrorReq(w, r, http.StatusForbidden, forbiddenCode(fmt.Errorf("admin access required"), ErrCodeForbidden))
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithPrincipal(r.Context(), p)))
	})
}

func (s *Server) authenticate(r *http.Request) (principal, error) {
	token := bearerToken(r)
	if token == "" {
		token = sessionCookie(r)
	}

	if token != "" && s.apiToken != "" && tokensEqual(token, s.apiToken) {
		return principal{AuthType: authTypeBearer, OwnerID: openOwnerID, Admin: s.adminToken == ""}, nil
	}
	if token != "" && s.authService != nil {
		user, err := s.authService.AuthenticateSessionToken(r.Context(), token, s.now())
		if err != nil {
			return principal{}, storeFailure(err)
		}
		if user != nil {
			return principal{AuthType: authTypeSession, User: user, OwnerID: user.ID, Admin: user.IsAdmin()}, nil
		}
	}

	required, err := s.authService.AuthRequired(r.Context(), s.apiToken != "")
	if err != nil {
		return principal{}, storeFailure(err)
	}
	if !required {
		return principal{AuthType: authTypeOpen, OwnerID: openOwnerID, Admin: s.adminToken == ""}, nil
	}
	return principal{}, unauthorized(fmt.Errorf("authentication required"))
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func sessionCookie(r *http.Request) string {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

func tokensEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.log().Error("handler panic", "panic", rec, "path", r.URL.Path, "stack", string(debug.Stack()))
			s.writeErrorReq(w, r, http.StatusInternalServerError, internalError(fmt.Errorf("panic: %v", rec)))
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Cross-Origin-Resource-Policy", "same-origin")
		next.ServeHTTP(w, r)
	})
}

// withCORS answers preflights and tags responses for allowed origins. An
// empty origin list disables CORS; "*" allows any origin.
func (s *Server) withCORS(next http.Handler) http.Handler {
	origins := s.opts.CORSOrigins
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || len(origins) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		if !slices.Contains(origins, "*") && !slices.Contains(origins, origin) {
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
		h.Set("Access-Control-Expose-Headers", strings.Join(exposedHeaders, ", "))
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Confirm")
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
