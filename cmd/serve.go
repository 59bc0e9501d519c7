package cmd

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/s0up4200/qbitgate/auth"
	"github.com/s0up4200/qbitgate/config"
	"github.com/s0up4200/qbitgate/integration"
	"github.com/s0up4200/qbitgate/proxy"
	"github.com/s0up4200/qbitgate/qbittorrent"
	"github.com/s0up4200/qbitgate/secret"
	"github.com/s0up4200/qbitgate/server"
	"github.com/s0up4200/qbitgate/session"
	"github.com/s0up4200/qbitgate/store"
	"github.com/s0up4200/qbitgate/upstream"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Start the dashboard API server",
	Long:    `Open the database, apply migrations, provision the bootstrap account and serve the dashboard API until interrupted.`,
	PreRunE: initializeApp,
	RunE:    runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// newUpstreamClient builds the HTTP client shared by upstream logins,
// proxied calls and integration probes. It carries no cookie jar.
func newUpstreamClient(cfg config.UpstreamConfig) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed WebUIs
	}

	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	key, err := secret.LoadKey(cfg.Secrets.Key, cfg.Secrets.KeyFile)
	if err != nil {
		return fmt.Errorf("failed to load encryption key: %w", err)
	}
	codec, err := secret.New(key)
	if err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}

	hashParams := auth.DefaultParams()

	boot, err := st.Bootstrap(ctx, store.BootstrapOptions{
		AuthDisabled:         cfg.Auth.Disabled,
		RegistrationDisabled: cfg.Auth.RegistrationDisabled,
		HashParams:           hashParams,
	})
	if err != nil {
		return fmt.Errorf("failed to provision accounts: %w", err)
	}
	if boot.AdminPassword != nil {
		if password, ok := boot.AdminPassword.Reveal(); ok {
			// Printed once, never logged.
			fmt.Fprintf(os.Stderr, "\nCreated user %q with password: %s\nChange it after logging in; it will not be shown again.\n\n", boot.AdminUsername, password)
		}
	}

	sessions := session.NewManager(st, logger,
		session.WithTTL(cfg.Auth.SessionTTL),
		session.WithSweepInterval(cfg.Auth.SweepInterval),
	)
	go sessions.Run(ctx)

	var validator proxy.Validator = sessions
	if cfg.Auth.Disabled {
		validator = session.Guest{UserID: store.GuestUserID}
		logger.Warn().Msg("Dashboard authentication is disabled; every request runs as the guest user")
	}

	client := newUpstreamClient(cfg.Upstream)

	cache := upstream.NewCache(logger,
		upstream.WithHTTPClient(client),
		upstream.WithIdleRefresh(cfg.Upstream.IdleRefresh),
	)

	px := proxy.New(validator, st, codec, cache, logger,
		proxy.WithHTTPClient(client),
		proxy.WithMaxBodyBytes(cfg.Proxy.MaxBodyBytes),
	)

	rules, err := qbittorrent.CompileRules(cfg.Orphans.RuleMap())
	if err != nil {
		return fmt.Errorf("invalid orphan rules: %w", err)
	}

	deps := server.Deps{
		Store:    st,
		Sessions: sessions,
		Codec:    codec,
		Upstream: cache,
		Proxy:    px,
		Scanner:  qbittorrent.NewScanner(st, px, rules, logger, qbittorrent.WithConcurrency(cfg.Orphans.Concurrency)),
		Integrations: integration.NewService(st, codec, logger,
			integration.WithHTTPClient(client),
			integration.WithMaxBodyBytes(cfg.Proxy.MaxBodyBytes),
		),
	}

	srv := server.New(deps, server.Options{
		AuthDisabled:           cfg.Auth.Disabled,
		RegistrationDisabled:   cfg.Auth.RegistrationDisabled,
		SecureCookies:          cfg.Server.SecureCookies,
		LoginAttemptsPerMinute: cfg.Auth.LoginAttemptsPerMinute,
		HashParams:             hashParams,
		MaxBodyBytes:           cfg.Proxy.MaxBodyBytes,
	}, logger)

	logger.Info().Str("version", version).Str("database", cfg.Database.Path).Msg("Starting qbitgate")

	if err := srv.ListenAndServe(ctx, cfg.Server.Addr(), cfg.Server.ShutdownTimeout); err != nil {
		return err
	}

	logger.Info().Msg("Shutdown complete")
	return nil
}
