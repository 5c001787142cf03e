package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ilyakaznacheev/cleanenv"
)

const (
	DefaultAPIURL     = "http://127.0.0.1:7480"
	DefaultDBFileName = "chainvault.db"
	DefaultDataDir    = ".chainvault"
	DefaultLogLevel   = "info"

	DefaultMaxUploadBytes     int64 = 100 * 1024 * 1024
	DefaultMultipartMaxMemory int64 = 8 * 1024 * 1024

	configFileName           = ".chainvault.toml"
	configDirEnvKey          = "CHAINVAULT_CONFIG_DIR"
	trustProjectConfigEnvKey = "CHAINVAULT_TRUST_PROJECT_CONFIG"
)

// BlobConfig selects and tunes the content store backend.
type BlobConfig struct {
	Backend             string        `toml:"backend" env:"CHAINVAULT_BLOB_BACKEND"`
	Dir                 string        `toml:"dir" env:"CHAINVAULT_BLOB_DIR"`
	MaxConcurrentWrites int           `toml:"max_concurrent_writes"`
	WriteQueueDepth     int           `toml:"write_queue_depth"`
	GCMinAge            time.Duration `toml:"gc_min_age"`
	GCBatchSize         int           `toml:"gc_batch_size"`
	Minio               MinioConfig   `toml:"minio"`
}

// MinioConfig holds S3-compatible object storage settings.
type MinioConfig struct {
	Endpoint  string `toml:"endpoint" env:"CHAINVAULT_MINIO_ENDPOINT"`
	AccessKey string `toml:"access_key" env:"CHAINVAULT_MINIO_ACCESS_KEY"`
	SecretKey string `toml:"secret_key" env:"CHAINVAULT_MINIO_SECRET_KEY"`
	Bucket    string `toml:"bucket" env:"CHAINVAULT_MINIO_BUCKET"`
	Region    string `toml:"region"`
	UseSSL    bool   `toml:"use_ssl" env:"CHAINVAULT_MINIO_USE_SSL"`
}

// LedgerConfig selects the anchor ledger and tunes the client.
type LedgerConfig struct {
	Backend              string        `toml:"backend" env:"CHAINVAULT_LEDGER_BACKEND"`
	Path                 string        `toml:"path" env:"CHAINVAULT_LEDGER_PATH"`
	URL                  string        `toml:"url" env:"CHAINVAULT_LEDGER_URL"`
	Token                string        `toml:"token" env:"CHAINVAULT_LEDGER_TOKEN"`
	BatchSize            int           `toml:"batch_size"`
	BatchWindow          time.Duration `toml:"batch_window"`
	PollInterval         time.Duration `toml:"poll_interval"`
	FinalizeTimeout      time.Duration `toml:"finalize_timeout"`
	RetryBase            time.Duration `toml:"retry_base"`
	RetryMax             time.Duration `toml:"retry_max"`
	MaxRetries           int           `toml:"max_retries"`
	MaxConcurrentCommits int           `toml:"max_concurrent_commits"`
	CommitQueueDepth     int           `toml:"commit_queue_depth"`
}

// AnchorConfig tunes the background anchoring workers.
type AnchorConfig struct {
	Workers           int           `toml:"workers"`
	QueueSize         int           `toml:"queue_size"`
	ReconcileInterval time.Duration `toml:"reconcile_interval"`
}

// ShareConfig holds share token policy.
type ShareConfig struct {
	DefaultTTL         time.Duration `toml:"default_ttl"`
	MaxTTL             time.Duration `toml:"max_ttl"`
	DefaultMaxUses     int           `toml:"default_max_uses"`
	RequireAnchored    bool          `toml:"require_anchored" env:"CHAINVAULT_SHARE_REQUIRE_ANCHORED"`
	AllowPendingRedeem bool          `toml:"allow_pending_redeem" env:"CHAINVAULT_SHARE_ALLOW_PENDING"`
	ReanchorTimeout    time.Duration `toml:"reanchor_timeout"`
	KeyPath            string        `toml:"key_path" env:"CHAINVAULT_SHARE_KEY"`
}

// LockConfig selects the keyed lock implementation.
type LockConfig struct {
	Backend       string        `toml:"backend" env:"CHAINVAULT_LOCK_BACKEND"`
	RedisAddr     string        `toml:"redis_addr" env:"CHAINVAULT_REDIS_ADDR"`
	RedisPassword string        `toml:"redis_password" env:"CHAINVAULT_REDIS_PASSWORD"`
	RedisDB       int           `toml:"redis_db"`
	Prefix        string        `toml:"prefix"`
	TTL           time.Duration `toml:"ttl"`
}

// UploadConfig bounds multipart uploads.
type UploadConfig struct {
	MaxUploadBytes     int64 `toml:"max_upload_bytes" env:"CHAINVAULT_MAX_UPLOAD_BYTES"`
	MultipartMaxMemory int64 `toml:"multipart_max_memory"`
}

// Config defines runtime configuration for chainvault.
type Config struct {
	APIURL                   string       `toml:"api_url" env:"CHAINVAULT_API_URL"`
	DBPath                   string       `toml:"db_path" env:"CHAINVAULT_DB"`
	DataDir                  string       `toml:"data_dir" env:"CHAINVAULT_DATA_DIR"`
	LogLevel                 string       `toml:"log_level" env:"CHAINVAULT_LOG_LEVEL"`
	AllowRegistration        bool         `toml:"allow_registration" env:"CHAINVAULT_ALLOW_REGISTRATION"`
	CORSOrigins              []string     `toml:"cors_origins" env:"CHAINVAULT_CORS_ORIGINS"`
	Blobs                    BlobConfig   `toml:"blobs"`
	Ledger                   LedgerConfig `toml:"ledger"`
	Anchor                   AnchorConfig `toml:"anchor"`
	Shares                   ShareConfig  `toml:"shares"`
	Locks                    LockConfig   `toml:"locks"`
	Uploads                  UploadConfig `toml:"uploads"`
	TrustedProjectConfigPath string       `toml:"-"`
}

// Default returns default configuration values.
func Default() Config {
	return Config{
		APIURL:   DefaultAPIURL,
		LogLevel: DefaultLogLevel,
		Blobs: BlobConfig{
			Backend:             "local",
			MaxConcurrentWrites: 8,
			WriteQueueDepth:     64,
			GCMinAge:            time.Hour,
			GCBatchSize:         500,
		},
		Ledger: LedgerConfig{
			Backend:              "local",
			BatchSize:            16,
			BatchWindow:          2 * time.Second,
			PollInterval:         250 * time.Millisecond,
			FinalizeTimeout:      30 * time.Second,
			RetryBase:            100 * time.Millisecond,
			RetryMax:             5 * time.Second,
			MaxRetries:           5,
			MaxConcurrentCommits: 8,
			CommitQueueDepth:     128,
		},
		Anchor: AnchorConfig{
			Workers:           2,
			QueueSize:         256,
			ReconcileInterval: 10 * time.Second,
		},
		Shares: ShareConfig{
			DefaultTTL:      24 * time.Hour,
			MaxTTL:          30 * 24 * time.Hour,
			DefaultMaxUses:  1,
			ReanchorTimeout: 10 * time.Second,
		},
		Locks: LockConfig{
			Backend: "local",
			Prefix:  "chainvault:lock:",
			TTL:     30 * time.Second,
		},
		Uploads: UploadConfig{
			MaxUploadBytes:     DefaultMaxUploadBytes,
			MultipartMaxMemory: DefaultMultipartMaxMemory,
		},
	}
}

func loadFile(path string, cfg *Config) error {
	_, err := loadFileIfExists(path, cfg)
	return err
}

func loadFileIfExists(path string, cfg *Config) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if info.IsDir() {
		return false, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return false, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return true, nil
}

func overrideConfigPath() (string, bool) {
	dir := strings.TrimSpace(os.Getenv(configDirEnvKey))
	if dir == "" {
		return "", false
	}
	return filepath.Join(dir, configFileName), true
}

func trustProjectConfig() bool {
	raw := strings.TrimSpace(os.Getenv(trustProjectConfigEnvKey))
	if raw == "" {
		return false
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false
	}
	return value
}

var allowedKeys = []string{
	"api_url",
	"db_path",
	"data_dir",
	"log_level",
	"allow_registration",
	"cors_origins",
	"blobs.backend",
	"blobs.dir",
	"blobs.max_concurrent_writes",
	"blobs.write_queue_depth",
	"blobs.gc_min_age",
	"blobs.gc_batch_size",
	"blobs.minio.endpoint",
	"blobs.minio.bucket",
	"blobs.minio.region",
	"blobs.minio.use_ssl",
	"ledger.backend",
	"ledger.path",
	"ledger.url",
	"ledger.batch_size",
	"ledger.batch_window",
	"ledger.poll_interval",
	"ledger.finalize_timeout",
	"ledger.max_retries",
	"anchor.workers",
	"anchor.reconcile_interval",
	"shares.default_ttl",
	"shares.max_ttl",
	"shares.default_max_uses",
	"shares.require_anchored",
	"shares.allow_pending_redeem",
	"shares.reanchor_timeout",
	"locks.backend",
	"locks.redis_addr",
	"uploads.max_upload_bytes",
}

var durationKeys = map[string]bool{
	"blobs.gc_min_age":          true,
	"ledger.batch_window":       true,
	"ledger.poll_interval":      true,
	"ledger.finalize_timeout":   true,
	"anchor.reconcile_interval": true,
	"shares.default_ttl":        true,
	"shares.max_ttl":            true,
	"shares.reanchor_timeout":   true,
}

var intKeys = map[string]bool{
	"blobs.max_concurrent_writes": true,
	"blobs.write_queue_depth":     true,
	"blobs.gc_batch_size":         true,
	"ledger.batch_size":           true,
	"ledger.max_retries":          true,
	"anchor.workers":              true,
	"shares.default_max_uses":     true,
	"uploads.max_upload_bytes":    true,
}

var boolKeys = map[string]bool{
	"allow_registration":          true,
	"blobs.minio.use_ssl":         true,
	"shares.require_anchored":     true,
	"shares.allow_pending_redeem": true,
}

// AllowedKeys returns the set of valid config keys.
func AllowedKeys() []string {
	return allowedKeys
}

// IsAllowedKey checks if a key is a valid config key.
func IsAllowedKey(key string) bool {
	for _, k := range allowedKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Get returns the value of a config key.
func (c *Config) Get(key string) (string, error) {
	switch key {
	case "api_url":
		return c.APIURL, nil
	case "db_path":
		return c.DBPath, nil
	case "data_dir":
		return c.DataDir, nil
	case "log_level":
		return c.LogLevel, nil
	case "allow_registration":
		return strconv.FormatBool(c.AllowRegistration), nil
	case "cors_origins":
		return strings.Join(c.CORSOrigins, ","), nil
	case "blobs.backend":
		return c.Blobs.Backend, nil
	case "blobs.dir":
		return c.Blobs.Dir, nil
	case "blobs.max_concurrent_writes":
		return strconv.Itoa(c.Blobs.MaxConcurrentWrites), nil
	case "blobs.write_queue_depth":
		return strconv.Itoa(c.Blobs.WriteQueueDepth), nil
	case "blobs.gc_min_age":
		return c.Blobs.GCMinAge.String(), nil
	case "blobs.gc_batch_size":
		return strconv.Itoa(c.Blobs.GCBatchSize), nil
	case "blobs.minio.endpoint":
		return c.Blobs.Minio.Endpoint, nil
	case "blobs.minio.bucket":
		return c.Blobs.Minio.Bucket, nil
	case "blobs.minio.region":
		return c.Blobs.Minio.Region, nil
	case "blobs.minio.use_ssl":
		return strconv.FormatBool(c.Blobs.Minio.UseSSL), nil
	case "ledger.backend":
		return c.Ledger.Backend, nil
	case "ledger.path":
		return c.Ledger.Path, nil
	case "ledger.url":
		return c.Ledger.URL, nil
	case "ledger.batch_size":
		return strconv.Itoa(c.Ledger.BatchSize), nil
	case "ledger.batch_window":
		return c.Ledger.BatchWindow.String(), nil
	case "ledger.poll_interval":
		return c.Ledger.PollInterval.String(), nil
	case "ledger.finalize_timeout":
		return c.Ledger.FinalizeTimeout.String(), nil
	case "ledger.max_retries":
		return strconv.Itoa(c.Ledger.MaxRetries), nil
	case "anchor.workers":
		return strconv.Itoa(c.Anchor.Workers), nil
	case "anchor.reconcile_interval":
		return c.Anchor.ReconcileInterval.String(), nil
	case "shares.default_ttl":
		return c.Shares.DefaultTTL.String(), nil
	case "shares.max_ttl":
		return c.Shares.MaxTTL.String(), nil
	case "shares.default_max_uses":
		return strconv.Itoa(c.Shares.DefaultMaxUses), nil
	case "shares.require_anchored":
		return strconv.FormatBool(c.Shares.RequireAnchored), nil
	case "shares.allow_pending_redeem":
		return strconv.FormatBool(c.Shares.AllowPendingRedeem), nil
	case "shares.reanchor_timeout":
		return c.Shares.ReanchorTimeout.String(), nil
	case "locks.backend":
		return c.Locks.Backend, nil
	case "locks.redis_addr":
		return c.Locks.RedisAddr, nil
	case "uploads.max_upload_bytes":
		return strconv.FormatInt(c.Uploads.MaxUploadBytes, 10), nil
	default:
		return "", fmt.Errorf("unknown key: %s", key)
	}
}

// GlobalPath returns the path to the global config file.
func GlobalPath() (string, error) {
	if path, ok := overrideConfigPath(); ok {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, configFileName), nil
}

// ProjectPath returns the path to the project config file.
func ProjectPath() (string, error) {
	if path, ok := overrideConfigPath(); ok {
		return path, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(cwd, configFileName), nil
}

// SetKey reads the TOML file at path, sets key=value, and writes it back.
func SetKey(path, key, value string) error {
	if !IsAllowedKey(key) {
		return fmt.Errorf("unknown key: %s", key)
	}

	data := make(map[string]any)
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &data); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}

	parsedValue, err := parseSetValue(key, value)
	if err != nil {
		return err
	}
	if err := setNestedKey(data, strings.Split(key, "."), parsedValue); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(data)
}

// Load reads config from trusted files and applies env overrides.
func Load() (*Config, error) {
	cfg := Default()

	if overridePath, ok := overrideConfigPath(); ok {
		if err := loadFile(overridePath, &cfg); err != nil {
			return nil, err
		}
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			if err := loadFile(filepath.Join(home, configFileName), &cfg); err != nil {
				return nil, err
			}
		}

		if trustProjectConfig() {
			if cwd, err := os.Getwd(); err == nil {
				projectPath := filepath.Join(cwd, configFileName)
				info, statErr := os.Stat(projectPath)
				switch {
				case statErr == nil && !info.IsDir():
					if err := loadFile(projectPath, &cfg); err != nil {
						return nil, err
					}
					cfg.TrustedProjectConfigPath = projectPath
				case statErr != nil && !os.IsNotExist(statErr):
					return nil, statErr
				}
			}
		}
	}

	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// normalize fills derived paths and rejects unknown backends.
func (c *Config) normalize() error {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.DataDir == "" {
		if cwd, err := os.Getwd(); err == nil {
			c.DataDir = filepath.Join(cwd, DefaultDataDir)
		}
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, DefaultDBFileName)
	}
	if c.Blobs.Dir == "" {
		c.Blobs.Dir = filepath.Join(c.DataDir, "blobs")
	}
	if c.Ledger.Path == "" {
		c.Ledger.Path = filepath.Join(c.DataDir, "ledger.db")
	}
	if c.Shares.KeyPath == "" {
		c.Shares.KeyPath = filepath.Join(c.DataDir, "share.key")
	}
	if c.Uploads.MaxUploadBytes <= 0 {
		c.Uploads.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if c.Uploads.MultipartMaxMemory <= 0 {
		c.Uploads.MultipartMaxMemory = DefaultMultipartMaxMemory
	}
	c.CORSOrigins = splitCSV(strings.Join(c.CORSOrigins, ","))

	switch c.Blobs.Backend {
	case "local", "minio":
	default:
		return fmt.Errorf("blobs.backend must be local or minio, got %q", c.Blobs.Backend)
	}
	switch c.Ledger.Backend {
	case "local", "remote":
	default:
		return fmt.Errorf("ledger.backend must be local or remote, got %q", c.Ledger.Backend)
	}
	switch c.Locks.Backend {
	case "local", "redis":
	default:
		return fmt.Errorf("locks.backend must be local or redis, got %q", c.Locks.Backend)
	}
	return nil
}

func parseSetValue(key, value string) (any, error) {
	value = strings.TrimSpace(value)
	switch {
	case durationKeys[key]:
		parsed, err := time.ParseDuration(value)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("%s must be a positive duration like 30s", key)
		}
		return parsed.String(), nil
	case intKeys[key]:
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("%s must be a positive integer", key)
		}
		return parsed, nil
	case boolKeys[key]:
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("%s must be true or false", key)
		}
		return parsed, nil
	case key == "cors_origins":
		return splitCSV(value), nil
	case key == "log_level":
		switch strings.ToLower(value) {
		case "debug", "info", "warn", "warning", "error":
			return strings.ToLower(value), nil
		}
		return nil, fmt.Errorf("log_level must be debug, info, warn or error")
	default:
		return value, nil
	}
}

func setNestedKey(data map[string]any, parts []string, value any) error {
	if len(parts) == 0 {
		return fmt.Errorf("invalid config key")
	}
	if len(parts) == 1 {
		data[parts[0]] = value
		return nil
	}
	childRaw, ok := data[parts[0]]
	if !ok {
		child := map[string]any{}
		data[parts[0]] = child
		return setNestedKey(child, parts[1:], value)
	}
	child, ok := childRaw.(map[string]any)
	if !ok {
		return fmt.Errorf("cannot set nested key %q", strings.Join(parts, "."))
	}
	return setNestedKey(child, parts[1:], value)
}

func splitCSV(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
