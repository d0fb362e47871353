package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/escrow-hub/escrow-hub/internal/config"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/docservice"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/kyc"
)

func memoryConfig() *config.Config {
	return &config.Config{
		LedgerBackend: config.BackendMemory,
		PaymentWindow: 72 * time.Hour,
		Notifications: config.NotificationConfig{
			TTL:          24 * time.Hour,
			RetryInitial: time.Second,
			RetryMax:     time.Minute,
			UserChannels: []string{"SSE"},
		},
		Documents: config.DocumentConfig{StaticPrefix: "mem://"},
	}
}

func TestBuild_Memory(t *testing.T) {
	app, err := Build(context.Background(), memoryConfig(), zerolog.Nop())
	require.NoError(t, err)
	defer app.Close()

	assert.NotNil(t, app.Ledger)
	assert.NotNil(t, app.Engine)
	assert.NotNil(t, app.Actions)
	assert.NotNil(t, app.Scheduler)
	assert.Equal(t, 72*time.Hour, app.Engine.PaymentWindow())
}

func TestBuild_Errors(t *testing.T) {
	t.Run("bad signing key", func(t *testing.T) {
		cfg := memoryConfig()
		cfg.SigningKey = "zz"
		_, err := Build(context.Background(), cfg, zerolog.Nop())
		assert.ErrorContains(t, err, "LOG_SIGNING_KEY")
	})
	t.Run("unknown channel", func(t *testing.T) {
		cfg := memoryConfig()
		cfg.Notifications.SystemChannels = []string{"SMS"}
		_, err := Build(context.Background(), cfg, zerolog.Nop())
		assert.ErrorContains(t, err, "SMS")
	})
	t.Run("missing policy file", func(t *testing.T) {
		cfg := memoryConfig()
		cfg.PolicyFile = "/nonexistent/policies.yaml"
		_, err := Build(context.Background(), cfg, zerolog.Nop())
		assert.ErrorContains(t, err, "load policies")
	})
}

func TestSigningKey(t *testing.T) {
	key, err := SigningKey("")
	require.NoError(t, err)
	assert.Nil(t, key)

	_, err = SigningKey("abcd")
	assert.Error(t, err, "short keys are rejected")

	key, err = SigningKey(" 000102030405060708090a0b0c0d0e0f ")
	require.NoError(t, err)
	assert.Len(t, key, 16)
}

func TestVerifier(t *testing.T) {
	assert.IsType(t, kyc.Disabled{}, Verifier(config.KYCConfig{Mode: config.KYCOff}, zerolog.Nop()))
	assert.IsType(t, kyc.AllowList{}, Verifier(config.KYCConfig{Mode: config.KYCStatic, AllowList: []string{"u1"}}, zerolog.Nop()))
	assert.IsType(t, &kyc.Client{}, Verifier(config.KYCConfig{Mode: config.KYCHTTP, URL: "http://kyc.local"}, zerolog.Nop()))
}

func TestDocuments(t *testing.T) {
	assert.Equal(t, docservice.Static{Prefix: "s3://docs/"}, Documents(config.DocumentConfig{StaticPrefix: "s3://docs/"}, zerolog.Nop()))
	assert.IsType(t, &docservice.Client{}, Documents(config.DocumentConfig{URL: "http://docs.local", Timeout: time.Second}, zerolog.Nop()))
}

func TestBankAccount(t *testing.T) {
	acct := BankAccount(config.BankConfig{IBAN: "DE89", BIC: "COBADEFF", Holder: "Escrow Hub", Name: "Commerzbank"})
	assert.Equal(t, "DE89", acct.IBAN)
	assert.Equal(t, "COBADEFF", acct.BIC)
	assert.Equal(t, "Escrow Hub", acct.Holder)
	assert.Equal(t, "Commerzbank", acct.Bank)
}
