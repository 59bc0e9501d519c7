package integration

import (
	"fmt"
	"net/http"
	"strings"
)

// Type identifies the kind of service behind an integration.
type Type string

const (
	TypeProwlarr  Type = "prowlarr"
	TypeRadarr    Type = "radarr"
	TypeSonarr    Type = "sonarr"
	TypeOverseerr Type = "overseerr"
	TypeTautulli  Type = "tautulli"
)

// Types lists the supported integration types.
var Types = []Type{TypeProwlarr, TypeRadarr, TypeSonarr, TypeOverseerr, TypeTautulli}

// ParseType validates s as an integration type.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Types {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
}

// Status is the result of a successful probe.
type Status struct {
	Type    Type   `json:"type"`
	Version string `json:"version,omitempty"`
}

// Request is a dashboard call forwarded to an integration.
type Request struct {
	Method string
	// Path is relative to the integration base URL.
	Path        string
	RawQuery    string
	Body        []byte
	ContentType string
}

// Response is a relayed integration response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}
