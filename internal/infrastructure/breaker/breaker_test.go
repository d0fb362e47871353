package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
)

func TestNew_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := New("docs", Config{MaxRequests: 1, Timeout: time.Hour, ConsecutiveFailures: 3, MinRequests: 100, FailureRatio: 1}, zerolog.Nop())
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		_, err := cb.Execute(func() (interface{}, error) { return nil, boom })
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	called := false
	_, err := cb.Execute(func() (interface{}, error) {
		called = true
		return nil, nil
	})
	assert.False(t, called)
	assert.True(t, Unavailable(err))
	assert.False(t, Unavailable(boom))
}

func TestNew_FailureRatio(t *testing.T) {
	cb := New("webhook", Config{MaxRequests: 1, Timeout: time.Hour, MinRequests: 4, FailureRatio: 0.5}, zerolog.Nop())
	results := []error{nil, errors.New("x"), nil, errors.New("y")}
	for _, r := range results {
		_, _ = cb.Execute(func() (interface{}, error) { return nil, r })
	}
	assert.Equal(t, gobreaker.StateOpen, cb.State())
}
