package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// probeOverseerr validates the API key against /auth/me and reads the
// server version from /status.
func (s *Service) probeOverseerr(ctx context.Context, baseURL, apiKey string) (string, error) {
	baseURL = strings.TrimRight(baseURL, "/")

	if _, err := s.overseerrRequest(ctx, baseURL, apiKey, "/auth/me"); err != nil {
		return "", err
	}

	body, err := s.overseerrRequest(ctx, baseURL, apiKey, "/status")
	if err != nil {
		// Versions before 1.0 have no /status endpoint; the key is valid.
		return "", nil
	}

	var status struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		return "", nil
	}

	return status.Version, nil
}

// overseerrRequest performs a GET against the Overseerr v1 API.
func (s *Service) overseerrRequest(ctx context.Context, baseURL, apiKey, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/api/v1%s", baseURL, endpoint), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("X-Api-Key", apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoConnection, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var msg struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(body, &msg)
		return nil, &APIError{Type: TypeOverseerr, StatusCode: resp.StatusCode, Message: msg.Message}
	}

	return body, nil
}
