package server

import (
	"net/http"
)

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Health and shell.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /favicon.ico", s.handleFavicon)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	// Auth.
	mux.HandleFunc("POST /api/auth/register", s.handleAuthRegister)
	mux.HandleFunc("POST /api/auth/login", s.handleAuthLogin)
	mux.HandleFunc("POST /api/auth/logout", s.handleAuthLogout)
	mux.Handle("GET /api/auth/me", s.withAuth(http.HandlerFunc(s.handleAuthMe)))

	// Files and versions.
	mux.Handle("GET /api/files", s.withAuth(http.HandlerFunc(s.handleListFiles)))
	mux.Handle("POST /api/files", s.withAuth(http.HandlerFunc(s.handleUploadFile)))
	mux.Handle("GET /api/files/{id}", s.withAuth(http.HandlerFunc(s.handleGetFile)))
	mux.Handle("POST /api/files/{id}/versions", s.withAuth(http.HandlerFunc(s.handleUploadVersion)))
	mux.Handle("GET /api/files/{id}/versions", s.withAuth(http.HandlerFunc(s.handleListVersions)))
	mux.Handle("GET /api/files/{id}/versions/{version}", s.withAuth(http.HandlerFunc(s.handleGetVersion)))
	mux.Handle("GET /api/files/{id}/versions/{version}/content", s.withAuth(http.HandlerFunc(s.handleVersionContent)))
	mux.Handle("GET /api/files/{id}/versions/{version}/anchor", s.withAuth(http.HandlerFunc(s.handleGetAnchor)))
	mux.Handle("POST /api/files/{id}/versions/{version}/anchor", s.withAuth(http.HandlerFunc(s.handleAnchorVersion)))
	mux.Handle("GET /api/files/{id}/shares", s.withAuth(http.HandlerFunc(s.handleListShares)))

	// Shares. Redeem and info authenticate with the share token itself.
	mux.Handle("POST /api/share", s.withAuth(http.HandlerFunc(s.handleCreateShare)))
	mux.HandleFunc("GET /api/share/{token}", s.handleRedeemShare)
	mux.HandleFunc("GET /api/share/{token}/info", s.handleShareInfo)
	mux.Handle("DELETE /api/share/{token}", s.withAuth(http.HandlerFunc(s.handleRevokeShare)))

	// Ledger node.
	mux.Handle("POST /api/blockchain/submissions", s.withAuth(http.HandlerFunc(s.handleLedgerSubmit)))
	mux.HandleFunc("GET /api/blockchain/submissions/{id}", s.handleLedgerStatus)
	mux.HandleFunc("GET /api/blockchain/head", s.handleLedgerHead)
	mux.HandleFunc("GET /api/blockchain/roots/{root}", s.handleLedgerCanonical)
	mux.HandleFunc("GET /api/blockchain/blocks/{height}", s.handleLedgerBlock)
	mux.HandleFunc("GET /api/blockchain/verify", s.handleLedgerVerify)

	// Admin.
	mux.Handle("POST /api/admin/gc", s.withAdmin(http.HandlerFunc(s.handleAdminGC)))
	mux.Handle("GET /api/admin/users", s.withAdmin(http.HandlerFunc(s.handleAdminListUsers)))
	mux.Handle("POST /api/admin/users", s.withAdmin(http.HandlerFunc(s.handleAdminCreateUser)))
	mux.Handle("POST /api/admin/users/{username}/disabled", s.withAdmin(http.HandlerFunc(s.handleAdminSetUserDisabled)))
	mux.Handle("DELETE /api/admin/users/{username}", s.withAdmin(http.HandlerFunc(s.handleAdminDeleteUser)))

	mux.HandleFunc("/", s.handleNotFound)

	var handler http.Handler = mux
	handler = s.withCORS(handler)
	handler = s.withSecurityHeaders(handler)
	handler = s.withRequestLogging(handler)
	handler = s.withRecovery(handler)
	return handler
}
