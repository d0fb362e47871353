package raftledger

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
)

// JoinPath is the cluster join route served by the API.
const JoinPath = "/v1/cluster/join"

// JoinRequest asks an existing member to add this node as a voter.
type JoinRequest struct {
	NodeID   string `json:"node_id"`
	RaftAddr string `json:"raft_addr"`
}

// Join posts req to endpoint until it is accepted or ctx ends. Token is sent
// as a bearer credential.
func Join(ctx context.Context, endpoint, token string, req JoinRequest, retryDelay time.Duration) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	url := strings.TrimRight(endpoint, "/") + JoinPath
	client := &http.Client{Timeout: 5 * time.Second}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryDelay
	b.MaxElapsedTime = 0
	return backoff.Retry(func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := client.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return backoff.Permanent(fmt.Errorf("join rejected with status %d: %s", resp.StatusCode, respBody))
		}
		return fmt.Errorf("join returned status %d: %s", resp.StatusCode, respBody)
	}, backoff.WithContext(b, ctx))
}
