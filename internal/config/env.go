package config

import "os"

// ApplyEnv applies environment variable overrides to the configuration.
// Environment variables take precedence over TOML config but are overridden by command-line flags.
func ApplyEnv(cfg Config) Config {
	if v := os.Getenv("EMAILRELAY_HOSTNAME"); v != "" {
		cfg.Hostname = v
	}
	if v := os.Getenv("EMAILRELAY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("EMAILRELAY_TLS_CERT_FILE"); v != "" {
		cfg.TLS.CertFile = v
	}
	if v := os.Getenv("EMAILRELAY_TLS_KEY_FILE"); v != "" {
		cfg.TLS.KeyFile = v
	}
	if v := os.Getenv("EMAILRELAY_SPOOL_DIRECTORY"); v != "" {
		cfg.Spool.Directory = v
	}
	if v := os.Getenv("EMAILRELAY_SPOOL_DELIVERY_DIRECTORY"); v != "" {
		cfg.Spool.DeliveryDirectory = v
	}
	if v := os.Getenv("EMAILRELAY_FORWARD_UPSTREAM"); v != "" {
		cfg.Forward.Upstream = v
	}
	if v := os.Getenv("EMAILRELAY_FORWARD_POLL_INTERVAL"); v != "" {
		cfg.Forward.PollInterval = v
	}

	return cfg
}
