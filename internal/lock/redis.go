package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultLockTTL   = 30 * time.Second
	defaultRetryWait = 25 * time.Millisecond
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig configures a RedisLocker.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	Prefix    string
	TTL       time.Duration
	RetryWait time.Duration
}

// RedisLocker is a lease based Locker shared by every instance talking to
// the same Redis. A lease expires after TTL even if its holder crashed.
type RedisLocker struct {
	client    *redis.Client
	prefix    string
	ttl       time.Duration
	retryWait time.Duration
	onLost    func(key string)
}

// NewRedisClient builds a go-redis client from cfg.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewRedisLocker wraps client. Zero TTL and RetryWait take defaults.
func NewRedisLocker(client *redis.Client, cfg RedisConfig) *RedisLocker {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	retryWait := cfg.RetryWait
	if retryWait <= 0 {
		retryWait = defaultRetryWait
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "chainvault:lock:"
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, retryWait: retryWait}
}

// OnLost registers a callback fired when unlock finds the lease already gone.
func (l *RedisLocker) OnLost(fn func(key string)) {
	l.onLost = fn
}

func (l *RedisLocker) buildKey(key string) string {
	return l.prefix + key
}

// Lock polls SET NX until the lease is acquired or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.buildKey(key)
	token := uuid.NewString()

	ticker := time.NewTicker(l.retryWait)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			deleted, err := releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Int()
			if (err != nil || deleted == 0) && l.onLost != nil {
				l.onLost(key)
			}
		})
	}, nil
}

// Ping checks connectivity.
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
