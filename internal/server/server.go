package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"chainvault/internal/anchor"
	"chainvault/internal/blobstore"
	"chainvault/internal/ledger"
	"chainvault/internal/registry"
	"chainvault/internal/share"
	"chainvault/internal/store"
	"chainvault/internal/verify"
)

const (
	apiTokenEnvKey    = "CHAINVAULT_API_TOKEN"
	adminTokenEnvKey  = "CHAINVAULT_ADMIN_TOKEN"
	allowRemoteEnvKey = "CHAINVAULT_ALLOW_REMOTE"
	readHeaderTimeout = 5 * time.Second
	readTimeout       = 5 * time.Minute
	writeTimeout      = 5 * time.Minute
	idleTimeout       = 60 * time.Second
	shutdownTimeout   = 15 * time.Second
	anchorWaitTimeout = 30 * time.Second
)

// Deps are the domain services the HTTP layer drives.
type Deps struct {
	Store    *store.Store
	Content  *blobstore.ContentStore
	Registry *registry.Registry
	Anchors  *anchor.Service
	Verifier *verify.Engine
	Shares   *share.Manager
	// Node is set when this instance runs its own ledger and serves it
	// under /api/blockchain.
	Node ledger.Node
}

// Options are transport settings.
type Options struct {
	AllowRegistration  bool
	CORSOrigins        []string
	MaxUploadBytes     int64
	MultipartMaxMemory int64
	GCBatchSize        int
}

// Server wraps HTTP handlers for the chainvault API.
type Server struct {
	addr         string
	files        *FileService
	shares       *share.Manager
	content      *blobstore.ContentStore
	node         ledger.Node
	db           *store.Store
	authService  *AuthService
	loginLimiter *attemptLimiter
	redeemLimiter *attemptLimiter
	opts         Options
	logger       *slog.Logger
	apiToken     string
	adminToken   string
	startedAt    time.Time
	clock        func() time.Time
}

// New creates a new server instance.
func New(addr string, deps Deps, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 100 << 20
	}
	if opts.MultipartMaxMemory <= 0 {
		opts.MultipartMaxMemory = 8 << 20
	}

	var authService *AuthService
	if deps.Store != nil {
		authService = NewAuthService(deps.Store)
	}

	return &Server{
		addr:         addr,
		files:        NewFileService(deps.Content, deps.Registry, deps.Anchors, deps.Verifier, logger),
		shares:       deps.Shares,
		content:      deps.Content,
		node:         deps.Node,
		db:           deps.Store,
		authService:  authService,
		loginLimiter: newAttemptLimiter(5, 5*time.Minute, 15*time.Minute),
		redeemLimiter: newAttemptLimiter(20, time.Minute, 5*time.Minute),
		opts:         opts,
		logger:       logger.With("component", "server"),
		apiToken:     strings.TrimSpace(os.Getenv(apiTokenEnvKey)),
		adminToken:   strings.TrimSpace(os.Getenv(adminTokenEnvKey)),
		startedAt:    time.Now().UTC(),
		clock:        func() time.Time { return time.Now().UTC() },
	}
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.routes()
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.log().Info("starting server", "addr", s.addr)
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log().Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAddr converts a base API URL into a listen address.
func ListenAddr(apiURL string) (string, error) {
	if apiURL == "" {
		return "", fmt.Errorf("api url is required")
	}
	if u, err := url.Parse(apiURL); err == nil && u.Host != "" {
		host := u.Hostname()
		if !isAllowedListenHost(host) {
			return "", fmt.Errorf("remote listen host %q requires %s=true", host, allowRemoteEnvKey)
		}
		return u.Host, nil
	}

	host, _, err := net.SplitHostPort(apiURL)
	if err == nil && !isAllowedListenHost(host) {
		return "", fmt.Errorf("remote listen host %q requires %s=true", host, allowRemoteEnvKey)
	}

	return apiURL, nil
}

func isAllowedListenHost(host string) bool {
	if host == "" {
		return true
	}
	if strings.EqualFold(strings.TrimSpace(os.Getenv(allowRemoteEnvKey)), "true") {
		return true
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *Server) now() time.Time {
	if s != nil && s.clock != nil {
		return s.clock()
	}
	return time.Now().UTC()
}

func (s *Server) log() *slog.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return slog.Default()
}
