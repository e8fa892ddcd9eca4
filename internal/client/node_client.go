package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/devrev/snapback/internal/errors"
	"github.com/devrev/snapback/internal/model"
)

// NodeClient handles communication with peer content nodes
type NodeClient struct {
	httpClient   *http.Client
	clockTimeout time.Duration
	syncTimeout  time.Duration
}

type clockStatusResponse struct {
	Data model.ClockStatus `json:"data"`
}

type batchClockStatusResponse struct {
	Data model.BatchClockStatus `json:"data"`
}

// NewNodeClient creates a new node client with per-call timeouts
func NewNodeClient(clockTimeout, syncTimeout time.Duration) *NodeClient {
	return &NodeClient{
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		clockTimeout: clockTimeout,
		syncTimeout:  syncTimeout,
	}
}

// GetClockValue returns the user's clock on the node at endpoint
func (c *NodeClient) GetClockValue(ctx context.Context, endpoint, userID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.clockTimeout)
	defer cancel()

	target := fmt.Sprintf("%s/users/clock_status/%s", strings.TrimRight(endpoint, "/"), url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, apperrors.NodeUnavailable(endpoint, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, apperrors.NodeUnavailable(endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, apperrors.NodeUnavailable(endpoint, fmt.Errorf("clock status returned %d", resp.StatusCode))
	}

	var body clockStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, apperrors.NodeUnavailable(endpoint, fmt.Errorf("failed to decode clock status: %w", err))
	}
	return body.Data.ClockValue, nil
}

// GetClockValues returns the clocks of userIDs on the node at endpoint in a
// single request. Users the node did not report are absent from the result.
func (c *NodeClient) GetClockValues(ctx context.Context, endpoint string, userIDs []string) (map[string]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.clockTimeout)
	defer cancel()

	payload, err := json.Marshal(model.BatchClockStatusRequest{WalletPublicKeys: userIDs})
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch clock request: %w", err)
	}

	target := strings.TrimRight(endpoint, "/") + "/users/batch_clock_status"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, apperrors.NodeUnavailable(endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.NodeUnavailable(endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.NodeUnavailable(endpoint, fmt.Errorf("batch clock status returned %d", resp.StatusCode))
	}

	var body batchClockStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, apperrors.NodeUnavailable(endpoint, fmt.Errorf("failed to decode batch clock status: %w", err))
	}

	clocks := make(map[string]int64, len(body.Data.Users))
	for _, u := range body.Data.Users {
		clocks[u.WalletPublicKey] = u.Clock
	}
	return clocks, nil
}

// TriggerSync asks the node at endpoint to sync from the request's primary
func (c *NodeClient) TriggerSync(ctx context.Context, endpoint string, request model.SyncRequest) error {
	ctx, cancel := context.WithTimeout(ctx, c.syncTimeout)
	defer cancel()

	payload, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to encode sync request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(endpoint, "/")+"/sync", bytes.NewReader(payload))
	if err != nil {
		return apperrors.NodeUnavailable(endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.NodeUnavailable(endpoint, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperrors.NodeUnavailable(endpoint, fmt.Errorf("sync request returned %d", resp.StatusCode))
	}
	return nil
}

// Close releases idle connections
func (c *NodeClient) Close() {
	c.httpClient.CloseIdleConnections()
}
