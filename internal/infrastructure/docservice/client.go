// Package docservice talks to the document collaborator that renders
// purchase contracts and invoices.
package docservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/escrow-hub/escrow-hub/internal/infrastructure/breaker"
)

// Client calls the document service over HTTP. Requests run through a
// circuit breaker; 4xx responses and an open breaker are returned as
// backoff.Permanent errors.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     zerolog.Logger
}

func NewClient(baseURL, token string, timeout time.Duration, cb breaker.Config, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    breaker.New("docservice", cb, logger),
		logger:     logger.With().Str("service", "docservice").Logger(),
	}
}

type generateRequest struct {
	TransactionID uuid.UUID `json:"transactionId"`
}

type generateResponse struct {
	Ref string `json:"ref"`
}

func (c *Client) GenerateContract(ctx context.Context, transactionID uuid.UUID) (string, error) {
	return c.generate(ctx, "/v1/contracts", transactionID)
}

func (c *Client) GenerateInvoice(ctx context.Context, transactionID uuid.UUID) (string, error) {
	return c.generate(ctx, "/v1/invoices", transactionID)
}

func (c *Client) generate(ctx context.Context, path string, transactionID uuid.UUID) (string, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.post(ctx, path, transactionID)
	})
	if err != nil {
		if breaker.Unavailable(err) {
			return "", backoff.Permanent(fmt.Errorf("document service unavailable: %w", err))
		}
		return "", err
	}
	return out.(string), nil
}

func (c *Client) post(ctx context.Context, path string, transactionID uuid.UUID) (string, error) {
	body, err := json.Marshal(generateRequest{TransactionID: transactionID})
	if err != nil {
		return "", backoff.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("failed to create document request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("document request failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	c.logger.Debug().
		Str("transaction_id", transactionID.String()).
		Str("path", path).
		Int("status_code", resp.StatusCode).
		Msg("document request completed")

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return "", backoff.Permanent(fmt.Errorf("document service rejected request with status %d: %s", resp.StatusCode, string(respBody)))
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("document service failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var out generateResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("failed to decode document response: %w", err)
	}
	if out.Ref == "" {
		return "", fmt.Errorf("document service returned an empty reference")
	}
	return out.Ref, nil
}

// Static generates deterministic local references. Used when no document
// service is configured.
type Static struct {
	Prefix string
}

func (s Static) GenerateContract(_ context.Context, transactionID uuid.UUID) (string, error) {
	return s.Prefix + "contracts/" + transactionID.String() + ".pdf", nil
}

func (s Static) GenerateInvoice(_ context.Context, transactionID uuid.UUID) (string, error) {
	return s.Prefix + "invoices/" + transactionID.String() + ".pdf", nil
}
