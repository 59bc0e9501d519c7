package integration

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
)

// relayedHeaders are copied from integration responses.
var relayedHeaders = []string{"Content-Type", "Content-Disposition"}

// Forward sends req to the integration id owned by userID with its API key
// attached. The response is relayed whatever its status.
func (s *Service) Forward(ctx context.Context, userID, id int64, req Request) (*Response, error) {
	in, apiKey, err := s.open(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	typ, err := ParseType(in.Type)
	if err != nil {
		return nil, err
	}

	if strings.Contains(req.Path, "..") {
		return nil, ErrBadPath
	}
	if int64(len(req.Body)) > s.maxBody {
		return nil, ErrBodyTooLarge
	}

	target := strings.TrimRight(in.URL, "/") + path.Clean("/"+req.Path)

	query, err := url.ParseQuery(req.RawQuery)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPath, err)
	}
	if typ == TypeTautulli {
		query.Set("apikey", apiKey)
	}
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	out, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	out.Header.Set("X-Api-Key", apiKey)
	out.Header.Set("Accept", "application/json")
	if req.ContentType != "" {
		out.Header.Set("Content-Type", req.ContentType)
	}

	resp, err := s.httpClient.Do(out)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrNoConnection, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(data)) > s.maxBody {
		return nil, ErrBodyTooLarge
	}

	header := make(http.Header)
	for _, k := range relayedHeaders {
		if v := resp.Header.Get(k); v != "" {
			header.Set(k, v)
		}
	}

	s.logger.Debug().
		Int64("integration_id", in.ID).
		Str("method", method).
		Int("status", resp.StatusCode).
		Msg("Forwarded integration request")

	return &Response{Status: resp.StatusCode, Header: header, Body: data}, nil
}
