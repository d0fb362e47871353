package redislock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T, opts Options) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, opts, zerolog.Nop()), mr
}

func TestLocker_LockUnlock(t *testing.T) {
	l, mr := newTestLocker(t, DefaultOptions())
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "tx-1")
	require.NoError(t, err)
	assert.True(t, mr.Exists(keyPrefix+"tx-1"))

	unlock()
	unlock()
	assert.False(t, mr.Exists(keyPrefix+"tx-1"))
}

func TestLocker_EmptyKey(t *testing.T) {
	l, _ := newTestLocker(t, DefaultOptions())
	_, err := l.Lock(context.Background(), " ")
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestLocker_Contention(t *testing.T) {
	l, _ := newTestLocker(t, Options{
		Expiry:      5 * time.Second,
		Tries:       2,
		RetryDelay:  10 * time.Millisecond,
		DriftFactor: 0.01,
	})
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "tx-2")
	require.NoError(t, err)

	_, err = l.Lock(ctx, "tx-2")
	assert.ErrorIs(t, err, ErrLockTimeout)

	other, err := l.Lock(ctx, "tx-3")
	require.NoError(t, err)
	other()

	unlock()
	again, err := l.Lock(ctx, "tx-2")
	require.NoError(t, err)
	again()
}

func TestLocker_MutualExclusion(t *testing.T) {
	l, _ := newTestLocker(t, DefaultOptions())
	ctx := context.Background()

	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "tx-shared")
			if !assert.NoError(t, err) {
				return
			}
			n := active.Add(1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			active.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxActive.Load())
}
