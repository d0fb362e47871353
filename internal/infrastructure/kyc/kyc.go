// Package kyc answers whether a user passed identity verification.
package kyc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

// Verifier is the KYC collaborator.
type Verifier interface {
	IsVerified(ctx context.Context, userID string) (bool, error)
}

// AllowList verifies a fixed set of users.
type AllowList map[string]bool

// NewAllowList builds an AllowList from ids.
func NewAllowList(ids ...string) AllowList {
	out := make(AllowList, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out[id] = true
		}
	}
	return out
}

func (a AllowList) IsVerified(_ context.Context, userID string) (bool, error) {
	return a[userID], nil
}

// Disabled treats every user as verified.
type Disabled struct{}

func (Disabled) IsVerified(context.Context, string) (bool, error) { return true, nil }

// Client queries the KYC provider over HTTP and caches answers. Verified
// users are cached for ttl, unverified ones for negativeTTL so a freshly
// verified user is picked up quickly.
type Client struct {
	baseURL     string
	token       string
	httpClient  *http.Client
	cache       *cache.Cache
	ttl         time.Duration
	negativeTTL time.Duration
	logger      zerolog.Logger
}

func NewClient(baseURL, token string, ttl, negativeTTL time.Duration, logger zerolog.Logger) *Client {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if negativeTTL <= 0 {
		negativeTTL = 30 * time.Second
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       token,
		httpClient:  &http.Client{Timeout: 5 * time.Second},
		cache:       cache.New(ttl, 2*ttl),
		ttl:         ttl,
		negativeTTL: negativeTTL,
		logger:      logger.With().Str("service", "kyc").Logger(),
	}
}

type statusResponse struct {
	Verified bool `json:"verified"`
}

func (c *Client) IsVerified(ctx context.Context, userID string) (bool, error) {
	if cached, found := c.cache.Get(userID); found {
		return cached.(bool), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/users/"+url.PathEscape(userID)+"/verification", nil)
	if err != nil {
		return false, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("kyc request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		c.cache.Set(userID, false, c.negativeTTL)
		return false, nil
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("kyc provider returned status %d: %s", resp.StatusCode, string(body))
	}

	var out statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("failed to decode kyc response: %w", err)
	}
	ttl := c.ttl
	if !out.Verified {
		ttl = c.negativeTTL
	}
	c.cache.Set(userID, out.Verified, ttl)
	c.logger.Debug().Str("user_id", userID).Bool("verified", out.Verified).Msg("kyc status fetched")
	return out.Verified, nil
}

// Invalidate drops the cached answer for userID.
func (c *Client) Invalidate(userID string) {
	c.cache.Delete(userID)
}
