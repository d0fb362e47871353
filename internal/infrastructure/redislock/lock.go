// Package redislock serializes transitions of one transaction across engine
// replicas with a Redis backed mutex.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const keyPrefix = "escrow:lock:"

var (
	ErrEmptyKey    = errors.New("lock key cannot be empty")
	ErrLockTimeout = errors.New("lock not acquired")
)

// Options tunes the redsync mutex.
type Options struct {
	Expiry      time.Duration
	Tries       int
	RetryDelay  time.Duration
	DriftFactor float64
}

// DefaultOptions waits up to about ten seconds for a busy transaction.
func DefaultOptions() Options {
	return Options{
		Expiry:      10 * time.Second,
		Tries:       200,
		RetryDelay:  50 * time.Millisecond,
		DriftFactor: 0.01,
	}
}

// Locker implements engine.Locker on top of redsync.
type Locker struct {
	rs     *redsync.Redsync
	opts   Options
	logger zerolog.Logger
}

// New creates a Locker using client as the single redsync pool.
func New(client redis.UniversalClient, opts Options, logger zerolog.Logger) *Locker {
	if opts.Tries < 1 {
		opts = DefaultOptions()
	}
	return &Locker{
		rs:     redsync.New(goredis.NewPool(client)),
		opts:   opts,
		logger: logger.With().Str("component", "redislock").Logger(),
	}
}

// Lock blocks until the mutex for key is held or the tries run out. The
// returned unlock is safe to call more than once.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrEmptyKey
	}
	mutex := l.rs.NewMutex(
		keyPrefix+key,
		redsync.WithExpiry(l.opts.Expiry),
		redsync.WithTries(l.opts.Tries),
		redsync.WithRetryDelay(l.opts.RetryDelay),
		redsync.WithDriftFactor(l.opts.DriftFactor),
	)
	if err := mutex.LockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		}
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		// The caller's context may already be done.
		ctx := context.WithoutCancel(ctx)
		if ok, err := mutex.UnlockContext(ctx); !ok || err != nil {
			l.logger.Warn().Err(err).Str("key", key).Bool("unlock_ok", ok).Msg("failed to release lock")
		}
	}, nil
}
