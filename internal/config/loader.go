package config

import (
	"flag"
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// Flags holds command-line flag values shared by every emailrelay binary.
type Flags struct {
	ConfigPath     string
	Hostname       string
	LogLevel       string
	Listen         string
	TLSCert        string
	TLSKey         string
	MaxMessageSize int
	MaxRecipients  int
	SpoolDir       string
	DomainsPath    string
}

// ParseFlags parses command-line flags and returns a Flags struct.
func ParseFlags() *Flags {
	f := &Flags{}

	flag.StringVar(&f.ConfigPath, "config", "./emailrelay.toml", "Path to configuration file")
	flag.StringVar(&f.Hostname, "hostname", "", "Server hostname")
	flag.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&f.Listen, "listen", "", "Listen address (replaces all config listeners)")
	flag.StringVar(&f.TLSCert, "tls-cert", "", "TLS certificate file path")
	flag.StringVar(&f.TLSKey, "tls-key", "", "TLS key file path")
	flag.IntVar(&f.MaxMessageSize, "max-message-size", 0, "Maximum message size in bytes")
	flag.IntVar(&f.MaxRecipients, "max-recipients", 0, "Maximum recipients per message")
	flag.StringVar(&f.SpoolDir, "spool-dir", "", "Spool directory")
	flag.StringVar(&f.DomainsPath, "domains-path", "", "Path to a file listing local domains, one per line")

	flag.Parse()
	return f
}

// Load parses a TOML configuration file and returns the Config. If the file
// does not exist, returns the default configuration.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	var fileConfig Config
	if err := toml.Unmarshal(data, &fileConfig); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	return mergeConfig(cfg, fileConfig), nil
}

// ApplyFlags merges command-line flag values into the config.
// Non-zero/non-empty flag values override config file values.
func ApplyFlags(cfg Config, f *Flags) Config {
	if f.Hostname != "" {
		cfg.Hostname = f.Hostname
	}

	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}

	if f.Listen != "" {
		// -listen flag replaces ALL listeners with a single listener
		cfg.Listeners = []ListenerConfig{
			{Address: f.Listen, Mode: ModeSmtp},
		}
	}

	if f.TLSCert != "" {
		cfg.TLS.CertFile = f.TLSCert
	}

	if f.TLSKey != "" {
		cfg.TLS.KeyFile = f.TLSKey
	}

	if f.MaxMessageSize > 0 {
		cfg.Limits.MaxMessageSize = f.MaxMessageSize
	}

	if f.MaxRecipients > 0 {
		cfg.Limits.MaxRecipients = f.MaxRecipients
	}

	if f.SpoolDir != "" {
		cfg.Spool.Directory = f.SpoolDir
	}

	if f.DomainsPath != "" {
		cfg.DomainsPath = f.DomainsPath
	}

	return cfg
}

// LoadWithFlags loads configuration from the path specified in flags,
// then applies environment variable overrides and flag overrides.
// Precedence (highest to lowest): flags > environment variables > TOML config > defaults.
func LoadWithFlags(f *Flags) (Config, error) {
	cfg, err := Load(f.ConfigPath)
	if err != nil {
		return cfg, err
	}
	cfg = ApplyEnv(cfg)
	return ApplyFlags(cfg, f), nil
}

// mergeConfig merges non-zero values from src into dst.
func mergeConfig(dst, src Config) Config {
	if src.Hostname != "" {
		dst.Hostname = src.Hostname
	}

	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}

	if src.DomainsPath != "" {
		dst.DomainsPath = src.DomainsPath
	}

	if len(src.Listeners) > 0 {
		dst.Listeners = src.Listeners
	}

	if src.TLS.CertFile != "" {
		dst.TLS.CertFile = src.TLS.CertFile
	}

	if src.TLS.KeyFile != "" {
		dst.TLS.KeyFile = src.TLS.KeyFile
	}

	if src.TLS.MinVersion != "" {
		dst.TLS.MinVersion = src.TLS.MinVersion
	}

	if src.Limits.MaxMessageSize > 0 {
		dst.Limits.MaxMessageSize = src.Limits.MaxMessageSize
	}

	if src.Limits.MaxRecipients > 0 {
		dst.Limits.MaxRecipients = src.Limits.MaxRecipients
	}

	if src.Timeouts.Connection != "" {
		dst.Timeouts.Connection = src.Timeouts.Connection
	}

	if src.Timeouts.Command != "" {
		dst.Timeouts.Command = src.Timeouts.Command
	}

	if src.Metrics.Enabled {
		dst.Metrics.Enabled = src.Metrics.Enabled
	}

	if src.Metrics.Address != "" {
		dst.Metrics.Address = src.Metrics.Address
	}

	if src.Metrics.Path != "" {
		dst.Metrics.Path = src.Metrics.Path
	}

	if src.Spool.Directory != "" {
		dst.Spool.Directory = src.Spool.Directory
	}

	if src.Spool.DeliveryDirectory != "" {
		dst.Spool.DeliveryDirectory = src.Spool.DeliveryDirectory
	}

	if src.Spool.MaxSize != 0 {
		dst.Spool.MaxSize = src.Spool.MaxSize
	}

	if len(src.Filters.Server) > 0 {
		dst.Filters.Server = src.Filters.Server
	}

	if len(src.Filters.Client) > 0 {
		dst.Filters.Client = src.Filters.Client
	}

	if src.Filters.Timeout != "" {
		dst.Filters.Timeout = src.Filters.Timeout
	}

	if src.Forward.Upstream != "" {
		dst.Forward.Upstream = src.Forward.Upstream
	}

	if src.Forward.PollInterval != "" {
		dst.Forward.PollInterval = src.Forward.PollInterval
	}

	if src.Forward.DedupeRedisAddr != "" {
		dst.Forward.DedupeRedisAddr = src.Forward.DedupeRedisAddr
	}

	if src.Forward.DedupeTTL != "" {
		dst.Forward.DedupeTTL = src.Forward.DedupeTTL
	}

	// Pop booleans are merged wholesale: when the file sets at least one
	// [pop] field to true, its whole [pop] section replaces the defaults,
	// so the fields it leaves false are false in the result. A [pop]
	// section whose fields are all false cannot be told apart from an
	// absent one once parsed, and leaves the defaults in place.
	if fileHasPopSection(src) {
		dst.Pop = src.Pop
	}

	if src.Auth.Enabled {
		dst.Auth.Enabled = src.Auth.Enabled
	}
	if src.Auth.AgentType != "" {
		dst.Auth.AgentType = src.Auth.AgentType
	}
	if src.Auth.CredentialBackend != "" {
		dst.Auth.CredentialBackend = src.Auth.CredentialBackend
	}
	if src.Auth.KeyBackend != "" {
		dst.Auth.KeyBackend = src.Auth.KeyBackend
	}
	if len(src.Auth.Options) > 0 {
		if dst.Auth.Options == nil {
			dst.Auth.Options = make(map[string]string)
		}
		for k, v := range src.Auth.Options {
			dst.Auth.Options[k] = v
		}
	}

	if src.Auth.OAuth.Enabled {
		dst.Auth.OAuth.Enabled = src.Auth.OAuth.Enabled
	}
	if src.Auth.OAuth.JWKSURL != "" {
		dst.Auth.OAuth.JWKSURL = src.Auth.OAuth.JWKSURL
	}
	if src.Auth.OAuth.Issuer != "" {
		dst.Auth.OAuth.Issuer = src.Auth.OAuth.Issuer
	}
	if src.Auth.OAuth.Audience != "" {
		dst.Auth.OAuth.Audience = src.Auth.OAuth.Audience
	}
	if src.Auth.OAuth.UsernameClaim != "" {
		dst.Auth.OAuth.UsernameClaim = src.Auth.OAuth.UsernameClaim
	}
	if src.Auth.OAuth.JWKSRefreshInterval != "" {
		dst.Auth.OAuth.JWKSRefreshInterval = src.Auth.OAuth.JWKSRefreshInterval
	}
	if len(src.Auth.OAuth.AllowedDomains) > 0 {
		dst.Auth.OAuth.AllowedDomains = src.Auth.OAuth.AllowedDomains
	}

	return dst
}

// fileHasPopSection reports whether the parsed file config set any [pop]
// field to true. An empty section, or one whose fields are all false,
// reports false, the same as an absent section.
func fileHasPopSection(src Config) bool {
	return src.Pop.ByName || src.Pop.ByNameMkdir || src.Pop.AllowDelete
}
