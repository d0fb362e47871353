// Package breaker builds circuit breakers for outbound collaborator calls.
package breaker

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Config controls when a breaker opens and how long it stays open.
type Config struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
	MinRequests         uint32
	FailureRatio        float64
}

func DefaultConfig() Config {
	return Config{
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
		MinRequests:         10,
		FailureRatio:        0.5,
	}
}

// New creates a breaker that logs its state changes.
func New(name string, cfg Config, logger zerolog.Logger) *gobreaker.CircuitBreaker {
	log := logger.With().Str("breaker", name).Logger()
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}
			if counts.Requests < cfg.MinRequests || counts.Requests == 0 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			switch to {
			case gobreaker.StateOpen:
				log.Error().Str("from", from.String()).Msg("circuit breaker opened, requests will fast-fail")
			case gobreaker.StateHalfOpen:
				log.Info().Str("from", from.String()).Msg("circuit breaker half-open, probing")
			case gobreaker.StateClosed:
				log.Info().Str("from", from.String()).Msg("circuit breaker closed")
			}
		},
	})
}

// Unavailable reports whether err was returned without calling the
// collaborator because the breaker is open or probing.
func Unavailable(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
