package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// tautulliResponse is the envelope of every Tautulli API v2 answer.
type tautulliResponse struct {
	Response struct {
		Result  string          `json:"result"`
		Message *string         `json:"message"`
		Data    json.RawMessage `json:"data"`
	} `json:"response"`
}

// probeTautulli runs get_server_info, which fails for a bad API key.
func (s *Service) probeTautulli(ctx context.Context, baseURL, apiKey string) (string, error) {
	params := url.Values{
		"apikey": {apiKey},
		"cmd":    {"get_server_info"},
	}
	requestURL := fmt.Sprintf("%s/api/v2?%s", strings.TrimRight(baseURL, "/"), params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoConnection, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &APIError{Type: TypeTautulli, StatusCode: resp.StatusCode}
	}

	var result tautulliResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	if result.Response.Result != "success" {
		msg := ""
		if result.Response.Message != nil {
			msg = *result.Response.Message
		}
		// Tautulli answers 200 with result "error" for an invalid key.
		if strings.Contains(strings.ToLower(msg), "apikey") {
			return "", &APIError{Type: TypeTautulli, StatusCode: http.StatusUnauthorized, Message: msg}
		}
		return "", fmt.Errorf("%w: %s", ErrInvalidResponse, msg)
	}

	var info struct {
		Version string `json:"pms_version"`
	}
	_ = json.Unmarshal(result.Response.Data, &info)

	return info.Version, nil
}
