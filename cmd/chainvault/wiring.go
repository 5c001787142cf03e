package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"chainvault/internal/anchor"
	"chainvault/internal/blobstore"
	"chainvault/internal/config"
	"chainvault/internal/ledger"
	"chainvault/internal/lock"
	"chainvault/internal/registry"
	"chainvault/internal/share"
	"chainvault/internal/store"
	"chainvault/internal/verify"
)

// vault is the fully wired service graph behind the HTTP server.
type vault struct {
	store    *store.Store
	locks    lock.Locker
	content  *blobstore.ContentStore
	local    *ledger.LocalLedger
	ledger   *ledger.Client
	registry *registry.Registry
	anchors  *anchor.Service
	verifier *verify.Engine
	shares   *share.Manager

	closers []func() error
}

func openVault(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *vault, err error) {
	v := &vault{}
	defer func() {
		if err != nil {
			_ = v.Close()
		}
	}()

	logger.Info("opening database", "path", cfg.DBPath)
	v.store, err = store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	v.closers = append(v.closers, v.store.Close)

	v.locks, err = openLocker(cfg.Locks, v)
	if err != nil {
		return nil, err
	}

	backend, err := openBlobBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("blob backend ready", "backend", backend.Backend())
	v.content = blobstore.NewContentStore(backend, v.store, v.locks, blobstore.ContentConfig{
		MaxConcurrentWrites: cfg.Blobs.MaxConcurrentWrites,
		WriteQueueDepth:     cfg.Blobs.WriteQueueDepth,
		GCMinAge:            cfg.Blobs.GCMinAge,
	}, logger)

	anchorLedger, err := openLedger(cfg.Ledger, v, logger)
	if err != nil {
		return nil, err
	}
	v.ledger = ledger.NewClient(anchorLedger, ledger.ClientConfig{
		MaxConcurrent:   cfg.Ledger.MaxConcurrentCommits,
		QueueDepth:      cfg.Ledger.CommitQueueDepth,
		PollInterval:    cfg.Ledger.PollInterval,
		FinalizeTimeout: cfg.Ledger.FinalizeTimeout,
		RetryBase:       cfg.Ledger.RetryBase,
		RetryMax:        cfg.Ledger.RetryMax,
		MaxRetries:      uint64(max(cfg.Ledger.MaxRetries, 0)),
	}, logger)

	v.registry = registry.New(v.store, v.content, v.ledger, v.locks, logger)
	v.anchors = anchor.NewService(v.registry, v.ledger, anchor.Config{
		Workers:           cfg.Anchor.Workers,
		QueueSize:         cfg.Anchor.QueueSize,
		ReconcileInterval: cfg.Anchor.ReconcileInterval,
	}, logger)
	v.verifier = verify.NewEngine(v.content, v.ledger, logger)

	key, err := share.LoadOrCreateKey(cfg.Shares.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load share signing key: %w", err)
	}
	signer, err := share.NewSigner(key)
	if err != nil {
		return nil, err
	}
	v.shares = share.NewManager(v.store, v.registry, v.verifier, v.anchors, signer, v.locks, share.Config{
		DefaultTTL:         cfg.Shares.DefaultTTL,
		MaxTTL:             cfg.Shares.MaxTTL,
		DefaultMaxUses:     cfg.Shares.DefaultMaxUses,
		RequireAnchored:    cfg.Shares.RequireAnchored,
		AllowPendingRedeem: cfg.Shares.AllowPendingRedeem,
		ReanchorTimeout:    cfg.Shares.ReanchorTimeout,
	}, logger)

	return v, nil
}

func openLocker(cfg config.LockConfig, v *vault) (lock.Locker, error) {
	if cfg.Backend != "redis" {
		return lock.NewKeyedMutex(), nil
	}
	if cfg.RedisAddr == "" {
		return nil, errors.New("locks.redis_addr is required for the redis lock backend")
	}
	redisCfg := lock.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Prefix:   cfg.Prefix,
		TTL:      cfg.TTL,
	}
	client := lock.NewRedisClient(redisCfg)
	v.closers = append(v.closers, client.Close)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	return lock.NewRedisLocker(client, redisCfg), nil
}

func openBlobBackend(ctx context.Context, cfg *config.Config) (blobstore.BlobStore, error) {
	if cfg.Blobs.Backend != "minio" {
		return blobstore.NewLocalCAS(cfg.Blobs.Dir)
	}
	m := cfg.Blobs.Minio
	return blobstore.NewMinioCAS(ctx, blobstore.MinioConfig{
		Endpoint:  m.Endpoint,
		AccessKey: m.AccessKey,
		SecretKey: m.SecretKey,
		Bucket:    m.Bucket,
		Region:    m.Region,
		UseSSL:    m.UseSSL,
		TempDir:   cfg.DataDir,
	})
}

// openLedger returns the anchor ledger. The local backend also becomes the
// node served under /api/blockchain.
func openLedger(cfg config.LedgerConfig, v *vault, logger *slog.Logger) (ledger.Ledger, error) {
	if cfg.Backend == "remote" {
		return ledger.NewRemote(ledger.RemoteConfig{URL: cfg.URL, Token: cfg.Token})
	}
	local, err := ledger.OpenLocal(ledger.LocalConfig{
		Path:        cfg.Path,
		BatchSize:   cfg.BatchSize,
		BatchWindow: cfg.BatchWindow,
	}, logger)
	if err != nil {
		return nil, err
	}
	v.local = local
	v.closers = append(v.closers, local.Close)
	return local, nil
}

// node is nil unless this process runs the local ledger.
func (v *vault) node() ledger.Node {
	if v.local == nil {
		return nil
	}
	return v.local
}

// Close releases resources in reverse order of acquisition.
func (v *vault) Close() error {
	var errs []error
	for i := len(v.closers) - 1; i >= 0; i-- {
		if err := v.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	v.closers = nil
	return errors.Join(errs...)
}

// logLevel backs the default logger so the level can be settled after
// flags are parsed.
var logLevel = new(slog.LevelVar)

func newCLILogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel}))
}

// levelFlag is the --log-level value. A bad level fails flag parsing.
type levelFlag struct {
	value string
	set   bool
}

func (f *levelFlag) String() string { return f.value }

func (f *levelFlag) Type() string { return "level" }

func (f *levelFlag) Set(raw string) error {
	level, err := parseLevel(raw)
	if err != nil {
		return err
	}
	f.value = strings.ToLower(strings.TrimSpace(raw))
	f.set = true
	logLevel.Set(level)
	return nil
}

// applyConfiguredLevel uses the configured level unless the flag was given.
// An unusable configured level falls back to info and returns a warning.
func applyConfiguredLevel(flag *levelFlag, configured string) string {
	if flag != nil && flag.set {
		return ""
	}
	level, err := parseLevel(configured)
	if err != nil {
		logLevel.Set(slog.LevelInfo)
		return fmt.Sprintf("warning: %v; using info", err)
	}
	logLevel.Set(level)
	return ""
}

func parseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("invalid log level %q", raw)
}
