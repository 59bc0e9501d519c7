package integration

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/s0up4200/qbitgate/secret"
	"github.com/s0up4200/qbitgate/store"
)

// DefaultMaxBodyBytes bounds forwarded request and response bodies.
const DefaultMaxBodyBytes = 64 << 20

// Store looks up integrations scoped to their owner.
type Store interface {
	GetIntegration(ctx context.Context, userID, id int64) (*store.Integration, error)
}

// Decrypter opens stored API keys.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// Option configures a Service.
type Option func(*Service)

// WithHTTPClient sets the client used for probes and forwarded requests.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Service) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// WithMaxBodyBytes sets the forwarded body limit.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// Service probes and forwards to stored integrations.
type Service struct {
	store      Store
	secrets    Decrypter
	httpClient *http.Client
	maxBody    int64
	logger     zerolog.Logger
}

// NewService creates a Service.
func NewService(st Store, secrets Decrypter, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:      st,
		secrets:    secrets,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		maxBody:    DefaultMaxBodyBytes,
		logger:     logger.With().Str("component", "integration").Logger(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Probe checks that baseURL answers as a service of type typ and accepts
// apiKey.
func (s *Service) Probe(ctx context.Context, typ Type, baseURL, apiKey string) (*Status, error) {
	var (
		version string
		err     error
	)

	switch typ {
	case TypeProwlarr, TypeRadarr, TypeSonarr:
		version, err = s.probeStarr(ctx, typ, baseURL, apiKey)
	case TypeOverseerr:
		version, err = s.probeOverseerr(ctx, baseURL, apiKey)
	case TypeTautulli:
		version, err = s.probeTautulli(ctx, baseURL, apiKey)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}

	if err != nil {
		s.logger.Debug().Err(err).Str("type", string(typ)).Msg("Integration probe failed")
		return nil, err
	}

	return &Status{Type: typ, Version: version}, nil
}

// Test probes a stored integration.
func (s *Service) Test(ctx context.Context, userID, id int64) (*Status, error) {
	in, apiKey, err := s.open(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	typ, err := ParseType(in.Type)
	if err != nil {
		return nil, err
	}

	return s.Probe(ctx, typ, in.URL, apiKey)
}

// open loads an owned integration and decrypts its API key.
func (s *Service) open(ctx context.Context, userID, id int64) (*store.Integration, string, error) {
	in, err := s.store.GetIntegration(ctx, userID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("load integration: %w", err)
	}

	apiKey, err := s.secrets.Decrypt(in.APIKeyEncrypted)
	if err != nil {
		s.logger.Warn().Int64("integration_id", in.ID).Msg("Stored API key cannot be decrypted")
		return nil, "", fmt.Errorf("integration %d: %w", in.ID, secret.ErrCorruptSecret)
	}

	return in, apiKey, nil
}
