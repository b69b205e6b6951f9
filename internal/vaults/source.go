package vaults

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Descriptor is one entry of the vault API.
type Descriptor struct {
	ID           string `json:"id"`
	Chain        string `json:"chain"`
	VaultAddress string `json:"earnContractAddress"`
	Strategy     string `json:"strategy"`
	Status       string `json:"status"`
	// LastHarvest is seconds since epoch; zero when unknown.
	LastHarvest int64 `json:"lastHarvest,omitempty"`
}

// Source lists the vaults known to the protocol.
type Source interface {
	Fetch(ctx context.Context) ([]Descriptor, error)
}

// HTTPSource reads descriptors from a JSON endpoint.
type HTTPSource struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

func NewHTTPSource(url string, logger *slog.Logger) *HTTPSource {
	return &HTTPSource{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger.With("component", "vault_source"),
	}
}

func (s *HTTPSource) Fetch(ctx context.Context) ([]Descriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create vaults request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch vaults: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch vaults: status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var descs []Descriptor
	if err := json.NewDecoder(resp.Body).Decode(&descs); err != nil {
		return nil, fmt.Errorf("decode vaults: %w", err)
	}
	s.logger.Debug("vaults fetched", "count", len(descs))
	return descs, nil
}
