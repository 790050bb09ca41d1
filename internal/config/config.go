// Package config provides configuration management shared across the
// emailrelay-server, emailrelay-forward and emailrelay-pop binaries: one
// TOML file, one Config type. emailrelay-ctl does not read it.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"
)

// ListenerMode defines the operational mode for a listener.
type ListenerMode string

const (
	// ModeSmtp is standard SMTP on port 25.
	ModeSmtp ListenerMode = "smtp"
	// ModeSubmission is authenticated submission on port 587.
	ModeSubmission ListenerMode = "submission"
	// ModeSmtps is implicit TLS on port 465.
	ModeSmtps ListenerMode = "smtps"
	// ModePop3 is plaintext POP3 on port 110; the POP3 server offers no
	// STLS upgrade.
	ModePop3 ListenerMode = "pop3"
	// ModePop3s is implicit TLS POP3 on port 995.
	ModePop3s ListenerMode = "pop3s"
)

// Config holds the complete shared configuration.
type Config struct {
	Hostname    string           `toml:"hostname"`
	LogLevel    string           `toml:"log_level"`
	DomainsPath string           `toml:"domains_path"`
	Listeners   []ListenerConfig `toml:"listeners"`
	TLS         TLSConfig        `toml:"tls"`
	Limits      LimitsConfig     `toml:"limits"`
	Timeouts    TimeoutsConfig   `toml:"timeouts"`
	Auth        AuthConfig       `toml:"auth"`
	Spool       SpoolConfig      `toml:"spool"`
	Filters     FiltersConfig    `toml:"filters"`
	Forward     ForwardConfig    `toml:"forward"`
	Pop         PopConfig        `toml:"pop"`
	Metrics     MetricsConfig    `toml:"metrics"`
}

// ListenerConfig defines settings for a single listener.
type ListenerConfig struct {
	Address string       `toml:"address"`
	Mode    ListenerMode `toml:"mode"`
}

// TLSConfig holds TLS certificate and version settings.
type TLSConfig struct {
	CertFile   string `toml:"cert_file"`
	KeyFile    string `toml:"key_file"`
	MinVersion string `toml:"min_version"`
}

// LimitsConfig defines resource limits for the receiver.
type LimitsConfig struct {
	MaxMessageSize int `toml:"max_message_size"`
	MaxRecipients  int `toml:"max_recipients"`
}

// TimeoutsConfig defines timeout durations.
type TimeoutsConfig struct {
	Connection string `toml:"connection"`
	Command    string `toml:"command"`
}

// MetricsConfig holds configuration for Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// SpoolConfig describes the on-disk layout store.Store is opened against.
type SpoolConfig struct {
	// Directory is the root spool directory (store.Open's dir argument).
	Directory string `toml:"directory"`

	// DeliveryDirectory is the pop-by-name fan-out root the copy filter
	// delivers into. Defaults to Directory when empty, matching the
	// teacher-sibling convention of a single spool tree with per-user
	// sub-directories.
	DeliveryDirectory string `toml:"delivery_directory"`

	// MaxSize caps accepted message size in bytes; 0 means unlimited.
	MaxSize int64 `toml:"max_size"`
}

// FiltersConfig names the server-side and client-side filter chains by a
// small vocabulary of tokens: "msgid", "mx-lookup", "copy", an absolute
// path (an executable filter), or a "host:port" pair (a network filter).
// cmd/emailrelay-server and cmd/emailrelay-forward each resolve their own
// chain from this table independently.
type FiltersConfig struct {
	Server  []string `toml:"server"`
	Client  []string `toml:"client"`
	Timeout string   `toml:"timeout"`
}

// GetTimeout returns the filter timeout, defaulting to 30s.
func (c *FiltersConfig) GetTimeout() time.Duration {
	if c.Timeout == "" {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// ForwardConfig configures the forward client driver's poll loop.
type ForwardConfig struct {
	Upstream     string `toml:"upstream"`
	PollInterval string `toml:"poll_interval"`

	// DedupeRedisAddr, if set, backs the forward driver's transient-failure
	// dedupe cache with a real Redis instance instead of running without one.
	DedupeRedisAddr string `toml:"dedupe_redis_addr"`
	DedupeTTL       string `toml:"dedupe_ttl"`
}

// GetPollInterval returns the poll interval, defaulting to 5s.
func (c *ForwardConfig) GetPollInterval() time.Duration {
	if c.PollInterval == "" {
		return 5 * time.Second
	}
	d, err := time.ParseDuration(c.PollInterval)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// GetDedupeTTL returns the dedupe entry TTL, defaulting to 10m.
func (c *ForwardConfig) GetDedupeTTL() time.Duration {
	if c.DedupeTTL == "" {
		return 10 * time.Minute
	}
	d, err := time.ParseDuration(c.DedupeTTL)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

// PopConfig configures the per-user message view POP3 opens against the
// spool, mirroring GPop::Store's by-name/allow-delete options.
type PopConfig struct {
	ByName      bool `toml:"by_name"`
	ByNameMkdir bool `toml:"by_name_mkdir"`
	AllowDelete bool `toml:"allow_delete"`
}

// AuthConfig holds configuration for SMTP/POP authentication.
type AuthConfig struct {
	Enabled           bool              `toml:"enabled"`
	AgentType         string            `toml:"agent_type"`
	CredentialBackend string            `toml:"credential_backend"`
	KeyBackend        string            `toml:"key_backend"`
	Options           map[string]string `toml:"options"`
	OAuth             OAuthConfig       `toml:"oauth"`
}

// OAuthConfig holds configuration for OAuth 2.0 bearer token authentication
// (RFC 7628), consumed by internal/oauth.Agent.
type OAuthConfig struct {
	Enabled             bool     `toml:"enabled"`
	JWKSURL             string   `toml:"jwks_url"`
	Issuer              string   `toml:"issuer"`
	Audience            string   `toml:"audience"`
	UsernameClaim       string   `toml:"username_claim"`
	JWKSRefreshInterval string   `toml:"jwks_refresh_interval"`
	AllowedDomains      []string `toml:"allowed_domains"`
}

// IsEnabled returns true if authentication is enabled.
func (c *AuthConfig) IsEnabled() bool {
	return c.Enabled && c.AgentType != ""
}

// IsEnabled returns true if OAuth authentication is enabled and configured.
func (c *OAuthConfig) IsEnabled() bool {
	return c.Enabled && c.JWKSURL != ""
}

// GetUsernameClaim returns the configured username claim, defaulting to "email".
func (c *OAuthConfig) GetUsernameClaim() string {
	if c.UsernameClaim == "" {
		return "email"
	}
	return c.UsernameClaim
}

// GetJWKSRefreshInterval returns the JWKS refresh interval, defaulting to 1h.
func (c *OAuthConfig) GetJWKSRefreshInterval() time.Duration {
	if c.JWKSRefreshInterval == "" {
		return 1 * time.Hour
	}
	d, err := time.ParseDuration(c.JWKSRefreshInterval)
	if err != nil {
		return 1 * time.Hour
	}
	return d
}

// Default returns a Config with sensible default values.
func Default() Config {
	return Config{
		Hostname: "localhost",
		LogLevel: "info",
		Listeners: []ListenerConfig{
			{Address: ":25", Mode: ModeSmtp},
		},
		TLS: TLSConfig{
			MinVersion: "1.2",
		},
		Limits: LimitsConfig{
			MaxMessageSize: 26214400, // 25 MB
			MaxRecipients:  100,
		},
		Timeouts: TimeoutsConfig{
			Connection: "5m",
			Command:    "1m",
		},
		Spool: SpoolConfig{
			Directory: "/var/spool/emailrelay",
		},
		Pop: PopConfig{
			ByName:      true,
			ByNameMkdir: true,
			AllowDelete: true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9100",
			Path:    "/metrics",
		},
	}
}

// Validate checks that the configuration is valid and returns an error if
// not. It fails fast at startup rather than mid-run.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return errors.New("hostname is required")
	}

	if len(c.Listeners) == 0 {
		return errors.New("at least one listener is required")
	}

	for i, l := range c.Listeners {
		if l.Address == "" {
			return fmt.Errorf("listener %d: address is required", i)
		}
		if !isValidMode(l.Mode) {
			return fmt.Errorf("listener %d: invalid mode %q", i, l.Mode)
		}
	}

	if c.Limits.MaxMessageSize < 0 {
		return errors.New("max_message_size must not be negative")
	}

	if c.Limits.MaxRecipients <= 0 {
		return errors.New("max_recipients must be positive")
	}

	if c.Timeouts.Connection != "" {
		if _, err := time.ParseDuration(c.Timeouts.Connection); err != nil {
			return fmt.Errorf("invalid connection timeout: %w", err)
		}
	}

	if c.Timeouts.Command != "" {
		if _, err := time.ParseDuration(c.Timeouts.Command); err != nil {
			return fmt.Errorf("invalid command timeout: %w", err)
		}
	}

	if c.TLS.MinVersion != "" {
		if _, ok := minTLSVersions[c.TLS.MinVersion]; !ok {
			return fmt.Errorf("invalid TLS min_version %q (valid: 1.0, 1.1, 1.2, 1.3)", c.TLS.MinVersion)
		}
	}

	if c.Spool.Directory == "" {
		return errors.New("spool.directory is required")
	}

	if c.Spool.MaxSize < 0 {
		return errors.New("spool.max_size must not be negative")
	}

	if c.Filters.Timeout != "" {
		if _, err := time.ParseDuration(c.Filters.Timeout); err != nil {
			return fmt.Errorf("invalid filters.timeout: %w", err)
		}
	}

	if c.Forward.PollInterval != "" {
		if _, err := time.ParseDuration(c.Forward.PollInterval); err != nil {
			return fmt.Errorf("invalid forward.poll_interval: %w", err)
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics.address is required when metrics are enabled")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics.path is required when metrics are enabled")
		}
	}

	if c.Auth.Enabled {
		if c.Auth.AgentType == "" {
			return errors.New("auth.agent_type is required when authentication is enabled")
		}
		if c.Auth.CredentialBackend == "" {
			return errors.New("auth.credential_backend is required when authentication is enabled")
		}
	}

	if c.Auth.OAuth.Enabled {
		if c.Auth.OAuth.JWKSURL == "" {
			return errors.New("auth.oauth.jwks_url is required when OAuth is enabled")
		}
		if c.Auth.OAuth.Issuer == "" {
			return errors.New("auth.oauth.issuer is required when OAuth is enabled")
		}
		if c.Auth.OAuth.Audience == "" {
			return errors.New("auth.oauth.audience is required when OAuth is enabled")
		}
		if c.Auth.OAuth.JWKSRefreshInterval != "" {
			if _, err := time.ParseDuration(c.Auth.OAuth.JWKSRefreshInterval); err != nil {
				return fmt.Errorf("invalid auth.oauth.jwks_refresh_interval: %w", err)
			}
		}
	}

	return nil
}

// MinTLSVersion returns the crypto/tls constant for the configured minimum
// TLS version. Returns tls.VersionTLS12 if not configured or invalid.
func (c *TLSConfig) MinTLSVersion() uint16 {
	if v, ok := minTLSVersions[c.MinVersion]; ok {
		return v
	}
	return tls.VersionTLS12
}

// ConnectionTimeout returns the connection timeout, defaulting to 5m.
func (c *TimeoutsConfig) ConnectionTimeout() time.Duration {
	if c.Connection == "" {
		return 5 * time.Minute
	}
	d, err := time.ParseDuration(c.Connection)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// CommandTimeout returns the command timeout, defaulting to 1m.
func (c *TimeoutsConfig) CommandTimeout() time.Duration {
	if c.Command == "" {
		return 1 * time.Minute
	}
	d, err := time.ParseDuration(c.Command)
	if err != nil {
		return 1 * time.Minute
	}
	return d
}

// DeliveryDir returns the pop-by-name fan-out root, defaulting to the spool
// directory itself when unset.
func (c *SpoolConfig) DeliveryDir() string {
	if c.DeliveryDirectory != "" {
		return c.DeliveryDirectory
	}
	return c.Directory
}

var minTLSVersions = map[string]uint16{
	"1.0": tls.VersionTLS10,
	"1.1": tls.VersionTLS11,
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

func isValidMode(m ListenerMode) bool {
	switch m {
	case ModeSmtp, ModeSubmission, ModeSmtps, ModePop3, ModePop3s:
		return true
	default:
		return false
	}
}
