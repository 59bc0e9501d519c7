package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/viper"

	"github.com/s0up4200/qbitgate/qbittorrent"
)

// EnvPrefix prefixes every environment override, e.g. QBITGATE_SERVER_PORT.
const EnvPrefix = "QBITGATE"

// legacyEnv maps config keys to environment variables older deployments
// used. The prefixed variable still takes precedence.
var legacyEnv = map[string]string{
	"server.port":                "PORT",
	"database.path":              "DATABASE_PATH",
	"auth.disabled":              "DISABLE_AUTH",
	"auth.registration_disabled": "DISABLE_REGISTRATION",
	"secrets.key":                "ENCRYPTION_KEY",
}

// Load loads the configuration from file and environment. A missing config
// file is fine unless configPath names it explicitly.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set default values
	setDefaults(v)
	bindEnv(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config in standard locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")

		// Check current directory first
		v.AddConfigPath(".")

		// Check home directory
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".qbitgate"))
		}

		// Check /etc
		v.AddConfigPath("/etc/qbitgate/")
	}

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if len(cfg.Orphans.Rules) == 0 {
		cfg.Orphans.Rules = defaultOrphanRules()
	}

	// Validate configuration
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.secure_cookies", false)
	v.SetDefault("server.shutdown_timeout", "10s")

	// Auth defaults
	v.SetDefault("auth.disabled", false)
	v.SetDefault("auth.registration_disabled", false)
	v.SetDefault("auth.session_ttl", "168h")
	v.SetDefault("auth.sweep_interval", "1h")
	v.SetDefault("auth.login_attempts_per_minute", 10)

	v.SetDefault("database.path", "./data/qbitgate.db")

	v.SetDefault("secrets.key", "")
	v.SetDefault("secrets.key_file", "./data/secret.key")

	// Upstream defaults
	v.SetDefault("upstream.timeout", "30s")
	v.SetDefault("upstream.idle_refresh", "50m")
	v.SetDefault("upstream.insecure_skip_verify", false)

	v.SetDefault("proxy.max_body_bytes", 64<<20)

	v.SetDefault("orphans.concurrency", qbittorrent.DefaultConcurrency)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.color", true)
}

// bindEnv enables QBITGATE_* overrides and the legacy variable names.
func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, legacy := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		_ = v.BindEnv(key, prefixed, legacy)
	}
}

func defaultOrphanRules() []OrphanRule {
	defaults := qbittorrent.DefaultRules()

	names := make([]string, 0, len(defaults))
	for name := range defaults {
		names = append(names, name)
	}
	slices.Sort(names)

	rules := make([]OrphanRule, 0, len(names))
	for _, name := range names {
		rules = append(rules, OrphanRule{Name: name, Expression: defaults[name]})
	}
	return rules
}

// validate checks if the configuration is valid
func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", cfg.Server.Port)
	}

	if strings.TrimSpace(cfg.Database.Path) == "" {
		return fmt.Errorf("database.path is required")
	}

	if cfg.Secrets.Key == "" && strings.TrimSpace(cfg.Secrets.KeyFile) == "" {
		return fmt.Errorf("one of secrets.key or secrets.key_file is required")
	}

	positive := []struct {
		name  string
		value int64
	}{
		{"server.shutdown_timeout", int64(cfg.Server.ShutdownTimeout)},
		{"auth.session_ttl", int64(cfg.Auth.SessionTTL)},
		{"auth.sweep_interval", int64(cfg.Auth.SweepInterval)},
		{"auth.login_attempts_per_minute", int64(cfg.Auth.LoginAttemptsPerMinute)},
		{"upstream.timeout", int64(cfg.Upstream.Timeout)},
		{"proxy.max_body_bytes", cfg.Proxy.MaxBodyBytes},
		{"orphans.concurrency", int64(cfg.Orphans.Concurrency)},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive", p.name)
		}
	}

	if cfg.Upstream.IdleRefresh < 0 {
		return fmt.Errorf("upstream.idle_refresh must not be negative")
	}

	seen := make(map[string]bool, len(cfg.Orphans.Rules))
	for _, r := range cfg.Orphans.Rules {
		if strings.TrimSpace(r.Name) == "" {
			return fmt.Errorf("orphans.rules: rule without name")
		}
		if strings.TrimSpace(r.Expression) == "" {
			return fmt.Errorf("orphans.rules: rule %q has an empty expression", r.Name)
		}
		if seen[r.Name] {
			return fmt.Errorf("orphans.rules: duplicate rule %q", r.Name)
		}
		seen[r.Name] = true
	}

	// Validate logging level
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[cfg.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s", cfg.Logging.Level)
	}

	// Validate logging format
	validFormats := map[string]bool{
		"console": true,
		"json":    true,
	}
	if !validFormats[cfg.Logging.Format] {
		return fmt.Errorf("invalid logging format: %s", cfg.Logging.Format)
	}

	return nil
}
