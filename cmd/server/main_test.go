package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/escrow-hub/escrow-hub/internal/config"
)

func serverConfig(t *testing.T) *config.Config {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	return &config.Config{
		ServerAddr:     addr,
		LedgerBackend:  config.BackendMemory,
		PaymentWindow:  72 * time.Hour,
		RequestTimeout: 5 * time.Second,
		SweepInterval:  time.Minute,
		Auth:           config.AuthConfig{JWTSecret: "server-secret", Issuer: "escrow-hub", TokenTTL: time.Hour},
		Notifications: config.NotificationConfig{
			Interval:     time.Minute,
			TTL:          time.Hour,
			RetryInitial: time.Second,
			RetryMax:     time.Minute,
			UserChannels: []string{"SSE"},
		},
		Documents: config.DocumentConfig{
			ReconcileInterval: time.Minute,
			ReconcileBatch:    10,
			StaticPrefix:      "mem://",
		},
	}
}

func TestRun_ServesUntilCancelled(t *testing.T) {
	cfg := serverConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, zerolog.Nop()) }()

	url := fmt.Sprintf("http://%s/healthz", cfg.ServerAddr)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestRun_StartupError(t *testing.T) {
	cfg := serverConfig(t)
	cfg.SigningKey = "not-hex"

	err := run(context.Background(), cfg, zerolog.Nop())
	assert.ErrorContains(t, err, "startup error")
}
