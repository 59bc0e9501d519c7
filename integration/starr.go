package integration

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golift.io/starr"
	"golift.io/starr/prowlarr"
	"golift.io/starr/radarr"
	"golift.io/starr/sonarr"
)

// probeStarr reads the system status of a Prowlarr, Radarr or Sonarr server.
func (s *Service) probeStarr(ctx context.Context, typ Type, baseURL, apiKey string) (string, error) {
	config := starr.New(apiKey, strings.TrimRight(baseURL, "/"), s.httpClient.Timeout)
	config.Client = s.httpClient

	var (
		version string
		err     error
	)

	switch typ {
	case TypeRadarr:
		var status *radarr.SystemStatus
		if status, err = radarr.New(config).GetSystemStatusContext(ctx); err == nil {
			version = status.Version
		}
	case TypeSonarr:
		var status *sonarr.SystemStatus
		if status, err = sonarr.New(config).GetSystemStatusContext(ctx); err == nil {
			version = status.Version
		}
	case TypeProwlarr:
		var status *prowlarr.SystemStatus
		if status, err = prowlarr.New(config).GetSystemStatusContext(ctx); err == nil {
			version = status.Version
		}
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}

	if err != nil {
		var reqErr *starr.ReqError
		if errors.As(err, &reqErr) {
			return "", &APIError{Type: typ, StatusCode: reqErr.Code}
		}
		return "", fmt.Errorf("%w: %v", ErrNoConnection, err)
	}

	return version, nil
}
