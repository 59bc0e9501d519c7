// Package server exposes the dashboard JSON API.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/s0up4200/qbitgate/auth"
	"github.com/s0up4200/qbitgate/integration"
	"github.com/s0up4200/qbitgate/proxy"
	"github.com/s0up4200/qbitgate/qbittorrent"
	"github.com/s0up4200/qbitgate/secret"
	"github.com/s0up4200/qbitgate/session"
	"github.com/s0up4200/qbitgate/store"
	"github.com/s0up4200/qbitgate/upstream"
)

// Deps are the components the handlers call into.
type Deps struct {
	Store        *store.Store
	Sessions     *session.Manager
	Codec        *secret.Codec
	Upstream     *upstream.Cache
	Proxy        *proxy.Proxy
	Scanner      *qbittorrent.Scanner
	Integrations *integration.Service
}

// Options are the behavioural switches of the HTTP surface.
type Options struct {
	AuthDisabled           bool
	RegistrationDisabled   bool
	SecureCookies          bool
	LoginAttemptsPerMinute int
	HashParams             auth.Params
	MaxBodyBytes           int64
}

// Server is the dashboard API.
type Server struct {
	deps      Deps
	opts      Options
	validator proxy.Validator
	limiter   *loginLimiter
	handler   http.Handler
	logger    zerolog.Logger
}

// New builds the router and middleware chain.
func New(deps Deps, opts Options, logger zerolog.Logger) *Server {
	if opts.LoginAttemptsPerMinute <= 0 {
		opts.LoginAttemptsPerMinute = 10
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = proxy.DefaultMaxBodyBytes
	}
	if opts.HashParams == (auth.Params{}) {
		opts.HashParams = auth.DefaultParams()
	}

	s := &Server{
		deps:    deps,
		opts:    opts,
		limiter: newLoginLimiter(opts.LoginAttemptsPerMinute),
		logger:  logger.With().Str("component", "http").Logger(),
	}

	if opts.AuthDisabled {
		s.validator = session.Guest{UserID: store.GuestUserID}
	} else {
		s.validator = deps.Sessions
	}

	s.handler = s.withRequestLog(s.withRecover(s.routes()))
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("Listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
