// Package webhook delivers WEBHOOK notifications as signed HTTP POSTs.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/escrow-hub/escrow-hub/internal/domain/notification"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/breaker"
)

const (
	SignatureHeader = "X-Escrow-Signature"
	TimestampHeader = "X-Escrow-Timestamp"
	EventHeader     = "X-Escrow-Event"
)

// Config configures the webhook endpoint.
type Config struct {
	URL     string
	Secret  string
	Timeout time.Duration
	Headers map[string]string
	Breaker breaker.Config
}

// Sender implements the WEBHOOK channel.
type Sender struct {
	cfg        Config
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	clock      func() time.Time
	logger     zerolog.Logger
}

func NewSender(cfg Config, logger zerolog.Logger) *Sender {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Sender{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    breaker.New("webhook", cfg.Breaker, logger),
		clock:      time.Now,
		logger:     logger.With().Str("service", "webhook").Logger(),
	}
}

// Sign returns the hex HMAC-SHA256 of "<timestamp>.<body>".
func Sign(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign.
func Verify(secret string, timestamp int64, body []byte, signature string) bool {
	expected := Sign(secret, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (s *Sender) Send(ctx context.Context, n *notification.Notification) error {
	if s.cfg.URL == "" {
		return backoff.Permanent(fmt.Errorf("webhook URL not configured"))
	}

	webhookPayload := map[string]interface{}{
		"notification_id": n.NotificationID.String(),
		"transaction_id":  n.TransactionID.String(),
		"seq":             n.Seq,
		"event":           n.Event,
		"title":           n.Title,
		"body":            n.Body,
		"priority":        n.Priority,
		"created_at":      n.CreatedAt,
	}
	if len(n.Payload) > 0 {
		webhookPayload["payload"] = n.Payload
	}
	body, err := json.Marshal(webhookPayload)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to marshal webhook payload: %w", err))
	}

	_, err = s.breaker.Execute(func() (interface{}, error) {
		return nil, s.post(ctx, n, body)
	})
	if breaker.Unavailable(err) {
		return fmt.Errorf("webhook endpoint unavailable: %w", err)
	}
	return err
}

func (s *Sender) post(ctx context.Context, n *notification.Notification, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create webhook request: %w", err))
	}
	ts := s.clock().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, n.Event)
	req.Header.Set(TimestampHeader, strconv.FormatInt(ts, 10))
	if s.cfg.Secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(s.cfg.Secret, ts, body))
	}
	for key, value := range s.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	s.logger.Debug().
		Str("notification_id", n.NotificationID.String()).
		Int("status_code", resp.StatusCode).
		Msg("webhook delivery attempted")

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(fmt.Errorf("webhook rejected with status %d: %s", resp.StatusCode, string(respBody)))
	}
	return fmt.Errorf("webhook failed with status %d: %s", resp.StatusCode, string(respBody))
}
