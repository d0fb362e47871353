package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("POSTGRES_HOST", "db")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8080", cfg.ServerAddr)
	assert.Equal(t, BackendMemory, cfg.LedgerBackend)
	assert.Equal(t, "postgres://escrow:escrow_pass@db:5432/escrow?sslmode=disable", cfg.DatabaseURL)
	assert.Equal(t, 72*time.Hour, cfg.PaymentWindow)
	assert.Equal(t, []string{"SSE"}, cfg.Notifications.UserChannels)
	assert.Empty(t, cfg.Notifications.SystemChannels)
	assert.Equal(t, KYCOff, cfg.KYC.Mode)
	assert.True(t, cfg.AutoMigrate)
	assert.Equal(t, 50, cfg.Documents.ReconcileBatch)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("LEDGER_BACKEND", "Postgres")
	t.Setenv("PAYMENT_WINDOW", "48h")
	t.Setenv("SWEEP_INTERVAL", "not-a-duration")
	t.Setenv("RATE_LIMIT_RPS", "2.5")
	t.Setenv("NOTIFY_USER_CHANNELS", "sse, email")
	t.Setenv("MAILGUN_DOMAIN", "mg.example.com")
	t.Setenv("MAILGUN_API_KEY", "key")
	t.Setenv("KYC_MODE", "static")
	t.Setenv("KYC_ALLOW_LIST", "buyer-1, Seller-1")
	t.Setenv("ESCROW_BANK_IBAN", "DE89370400440532013000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendPostgres, cfg.LedgerBackend)
	assert.Equal(t, 48*time.Hour, cfg.PaymentWindow)
	assert.Equal(t, time.Minute, cfg.SweepInterval, "bad durations fall back to the default")
	assert.Equal(t, 2.5, cfg.RateLimitRPS)
	assert.Equal(t, []string{"SSE", "EMAIL"}, cfg.Notifications.UserChannels)
	assert.Equal(t, []string{"buyer-1", "Seller-1"}, cfg.KYC.AllowList)
	assert.Equal(t, "DE89370400440532013000", cfg.Bank.IBAN)
	assert.Equal(t, "Escrow Hub Treuhand", cfg.Bank.Holder)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{name: "missing jwt secret", env: map[string]string{"JWT_SECRET": ""}, want: "JWT_SECRET"},
		{name: "unknown backend", env: map[string]string{"LEDGER_BACKEND": "mongo"}, want: "LEDGER_BACKEND"},
		{name: "http kyc without url", env: map[string]string{"KYC_MODE": "http"}, want: "KYC_URL"},
		{name: "email without mailgun", env: map[string]string{"NOTIFY_ADMIN_CHANNELS": "EMAIL"}, want: "MAILGUN_DOMAIN"},
		{name: "broker without url", env: map[string]string{"NOTIFY_SYSTEM_CHANNELS": "BROKER"}, want: "AMQP_URL"},
		{name: "webhook without url", env: map[string]string{"NOTIFY_SYSTEM_CHANNELS": "WEBHOOK"}, want: "WEBHOOK_URL"},
		{name: "raft follower without join endpoint", env: map[string]string{"LEDGER_BACKEND": "raft", "RAFT_BOOTSTRAP": "false"}, want: "RAFT_JOIN_ENDPOINT"},
		{name: "zero reconcile batch", env: map[string]string{"DOCUMENT_RECONCILE_BATCH": "0"}, want: "DOCUMENT_RECONCILE_BATCH"},
		{name: "unknown channel", env: map[string]string{"NOTIFY_USER_CHANNELS": "SMS"}, want: "SMS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("JWT_SECRET", "s3cret")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrow.env")
	require.NoError(t, os.WriteFile(path, []byte("JWT_SECRET=from-file\nSERVER_ADDR=127.0.0.1:9999\n"), 0o600))
	t.Setenv("ESCROW_ENV_FILE", path)
	// Already set variables win over the file.
	t.Setenv("SERVER_ADDR", "127.0.0.1:8081")
	t.Setenv("JWT_SECRET", "")
	os.Unsetenv("JWT_SECRET")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Auth.JWTSecret)
	assert.Equal(t, "127.0.0.1:8081", cfg.ServerAddr)

	t.Setenv("ESCROW_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	_, err = Load()
	assert.Error(t, err)
}

func TestAllChannels(t *testing.T) {
	n := NotificationConfig{
		UserChannels:   []string{"SSE", "EMAIL"},
		AdminChannels:  []string{"SSE"},
		SystemChannels: []string{"BROKER", "EMAIL"},
	}
	assert.Equal(t, []string{"SSE", "EMAIL", "BROKER"}, n.AllChannels())
}
