package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseMutualExclusion(t *testing.T, locker Locker) {
	t.Helper()
	ctx := context.Background()

	var inside atomic.Int32
	var maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(ctx, "file:1")
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			if n > maxInside.Load() {
				maxInside.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load())
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	m := NewKeyedMutex()
	exerciseMutualExclusion(t, m)
	assert.Equal(t, 0, m.Len())
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	unlockA, err := m.Lock(ctx, "a")
	require.NoError(t, err)
	defer unlockA()

	unlockB, err := m.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()
}

func TestKeyedMutexContextCancel(t *testing.T) {
	m := NewKeyedMutex()
	unlock, err := m.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = m.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	assert.Equal(t, 0, m.Len())
}

func newTestRedisLocker(t *testing.T, ttl time.Duration) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := NewRedisClient(RedisConfig{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, RedisConfig{TTL: ttl, RetryWait: time.Millisecond}), mr
}

func TestRedisLockerSerializesPerKey(t *testing.T) {
	locker, _ := newTestRedisLocker(t, time.Minute)
	require.NoError(t, locker.Ping(context.Background()))
	exerciseMutualExclusion(t, locker)
}

func TestRedisLockerReleaseOnlyOwnLease(t *testing.T) {
	locker, mr := newTestRedisLocker(t, time.Second)
	ctx := context.Background()

	var lost []string
	locker.OnLost(func(key string) { lost = append(lost, key) })

	unlock, err := locker.Lock(ctx, "share:tok")
	require.NoError(t, err)
	assert.True(t, mr.Exists("chainvault:lock:share:tok"))

	// Lease expires and another holder takes over.
	mr.FastForward(2 * time.Second)
	require.False(t, mr.Exists("chainvault:lock:share:tok"))
	unlockOther, err := locker.Lock(ctx, "share:tok")
	require.NoError(t, err)

	unlock()
	assert.Equal(t, []string{"share:tok"}, lost)
	assert.True(t, mr.Exists("chainvault:lock:share:tok"), "stale unlock must not release another holder's lease")

	unlockOther()
	assert.False(t, mr.Exists("chainvault:lock:share:tok"))
}

func TestRedisLockerContextCancel(t *testing.T) {
	locker, _ := newTestRedisLocker(t, time.Minute)
	unlock, err := locker.Lock(context.Background(), "k")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
