package config

import (
	"net"
	"strconv"
	"time"
)

// Config represents the complete configuration structure
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Database DatabaseConfig `mapstructure:"database"`
	Secrets  SecretsConfig  `mapstructure:"secrets"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Proxy    ProxyConfig    `mapstructure:"proxy"`
	Orphans  OrphansConfig  `mapstructure:"orphans"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds the dashboard listener settings
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	SecureCookies   bool          `mapstructure:"secure_cookies"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// AuthConfig controls dashboard authentication
type AuthConfig struct {
	Disabled               bool          `mapstructure:"disabled"`
	RegistrationDisabled   bool          `mapstructure:"registration_disabled"`
	SessionTTL             time.Duration `mapstructure:"session_ttl"`
	SweepInterval          time.Duration `mapstructure:"sweep_interval"`
	LoginAttemptsPerMinute int           `mapstructure:"login_attempts_per_minute"`
}

// DatabaseConfig holds the sqlite location
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// SecretsConfig holds the credential encryption key source. Key wins over
// KeyFile when both are set.
type SecretsConfig struct {
	Key     string `mapstructure:"key"`
	KeyFile string `mapstructure:"key_file"`
}

// UpstreamConfig controls calls to qBittorrent instances
type UpstreamConfig struct {
	Timeout            time.Duration `mapstructure:"timeout"`
	IdleRefresh        time.Duration `mapstructure:"idle_refresh"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
}

// ProxyConfig limits forwarded requests
type ProxyConfig struct {
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
}

// OrphansConfig configures the orphan scanner
type OrphansConfig struct {
	Concurrency int          `mapstructure:"concurrency"`
	Rules       []OrphanRule `mapstructure:"rules"`
}

// OrphanRule names an expression that marks a torrent as orphaned. Rules
// are a list rather than a map so reason names keep their case.
type OrphanRule struct {
	Name       string `mapstructure:"name"`
	Expression string `mapstructure:"expression"`
}

// RuleMap returns the rules keyed by name.
func (o OrphansConfig) RuleMap() map[string]string {
	out := make(map[string]string, len(o.Rules))
	for _, r := range o.Rules {
		out[r.Name] = r.Expression
	}
	return out
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Color  bool   `mapstructure:"color"`
}
