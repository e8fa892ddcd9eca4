package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/devrev/snapback/internal/model"
)

// HTTPSource reads registered nodes from the registry service
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

type serviceProvidersResponse struct {
	Data []model.StorageNode `json:"data"`
}

// NewHTTPSource creates a source for the registry service at baseURL
func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Fetch implements Source
func (s *HTTPSource) Fetch(ctx context.Context, serviceType string) ([]model.StorageNode, error) {
	endpoint := fmt.Sprintf("%s/service_providers?type=%s", s.baseURL, url.QueryEscape(serviceType))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build registry request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry returned status %d", resp.StatusCode)
	}

	var body serviceProvidersResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode registry response: %w", err)
	}

	nodes := make([]model.StorageNode, 0, len(body.Data))
	for _, n := range body.Data {
		if n.ServiceType != "" && n.ServiceType != serviceType {
			continue
		}
		n.ServiceType = serviceType
		nodes = append(nodes, n)
	}
	return nodes, nil
}
