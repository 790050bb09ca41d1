package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.toml")
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}

	expected := Default()
	if cfg.Hostname != expected.Hostname {
		t.Errorf("expected hostname %q, got %q", expected.Hostname, cfg.Hostname)
	}
}

func TestLoadValidTOML(t *testing.T) {
	content := `
hostname = "mail.example.com"
log_level = "debug"

[tls]
cert_file = "/etc/ssl/cert.pem"
key_file = "/etc/ssl/key.pem"
min_version = "1.3"

[limits]
max_message_size = 10485760
max_recipients = 50

[timeouts]
connection = "10m"
command = "2m"

[[listeners]]
address = ":25"
mode = "smtp"

[[listeners]]
address = ":587"
mode = "submission"
`

	path := createTempConfig(t, content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Hostname != "mail.example.com" {
		t.Errorf("hostname = %q, want 'mail.example.com'", cfg.Hostname)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("log_level = %q, want 'debug'", cfg.LogLevel)
	}

	if cfg.TLS.CertFile != "/etc/ssl/cert.pem" {
		t.Errorf("tls.cert_file = %q, want '/etc/ssl/cert.pem'", cfg.TLS.CertFile)
	}

	if cfg.TLS.KeyFile != "/etc/ssl/key.pem" {
		t.Errorf("tls.key_file = %q, want '/etc/ssl/key.pem'", cfg.TLS.KeyFile)
	}

	if cfg.TLS.MinVersion != "1.3" {
		t.Errorf("tls.min_version = %q, want '1.3'", cfg.TLS.MinVersion)
	}

	if cfg.Limits.MaxMessageSize != 10485760 {
		t.Errorf("limits.max_message_size = %d, want 10485760", cfg.Limits.MaxMessageSize)
	}

	if cfg.Limits.MaxRecipients != 50 {
		t.Errorf("limits.max_recipients = %d, want 50", cfg.Limits.MaxRecipients)
	}

	if cfg.Timeouts.Connection != "10m" {
		t.Errorf("timeouts.connection = %q, want '10m'", cfg.Timeouts.Connection)
	}

	if cfg.Timeouts.Command != "2m" {
		t.Errorf("timeouts.command = %q, want '2m'", cfg.Timeouts.Command)
	}

	if len(cfg.Listeners) != 2 {
		t.Fatalf("expected 2 listeners, got %d", len(cfg.Listeners))
	}

	if cfg.Listeners[0].Address != ":25" || cfg.Listeners[0].Mode != ModeSmtp {
		t.Errorf("listener[0] = %+v, want address=':25' mode='smtp'", cfg.Listeners[0])
	}

	if cfg.Listeners[1].Address != ":587" || cfg.Listeners[1].Mode != ModeSubmission {
		t.Errorf("listener[1] = %+v, want address=':587' mode='submission'", cfg.Listeners[1])
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	content := `
hostname = "broken
`

	path := createTempConfig(t, content)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid TOML, got nil")
	}
}

func TestLoadPartialConfig(t *testing.T) {
	content := `
hostname = "partial.example.com"
`

	path := createTempConfig(t, content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Hostname != "partial.example.com" {
		t.Errorf("hostname = %q, want 'partial.example.com'", cfg.Hostname)
	}

	defaults := Default()
	if cfg.LogLevel != defaults.LogLevel {
		t.Errorf("log_level = %q, want default %q", cfg.LogLevel, defaults.LogLevel)
	}

	if cfg.Limits.MaxMessageSize != defaults.Limits.MaxMessageSize {
		t.Errorf("max_message_size = %d, want default %d", cfg.Limits.MaxMessageSize, defaults.Limits.MaxMessageSize)
	}
}

func TestApplyFlags(t *testing.T) {
	cfg := Default()

	flags := &Flags{
		Hostname:       "flag.example.com",
		LogLevel:       "debug",
		TLSCert:        "/flag/cert.pem",
		TLSKey:         "/flag/key.pem",
		MaxMessageSize: 5000000,
		MaxRecipients:  25,
	}

	result := ApplyFlags(cfg, flags)

	if result.Hostname != "flag.example.com" {
		t.Errorf("hostname = %q, want 'flag.example.com'", result.Hostname)
	}

	if result.LogLevel != "debug" {
		t.Errorf("log_level = %q, want 'debug'", result.LogLevel)
	}

	if result.TLS.CertFile != "/flag/cert.pem" {
		t.Errorf("tls.cert_file = %q, want '/flag/cert.pem'", result.TLS.CertFile)
	}

	if result.TLS.KeyFile != "/flag/key.pem" {
		t.Errorf("tls.key_file = %q, want '/flag/key.pem'", result.TLS.KeyFile)
	}

	if result.Limits.MaxMessageSize != 5000000 {
		t.Errorf("max_message_size = %d, want 5000000", result.Limits.MaxMessageSize)
	}

	if result.Limits.MaxRecipients != 25 {
		t.Errorf("max_recipients = %d, want 25", result.Limits.MaxRecipients)
	}
}

func TestApplyFlagsEmptyValuesDoNotOverride(t *testing.T) {
	cfg := Default()
	cfg.Hostname = "original.example.com"
	cfg.LogLevel = "warn"
	cfg.Limits.MaxMessageSize = 1000000
	cfg.Limits.MaxRecipients = 50

	flags := &Flags{
		Hostname:       "",
		LogLevel:       "",
		MaxMessageSize: 0,
		MaxRecipients:  0,
	}

	result := ApplyFlags(cfg, flags)

	if result.Hostname != "original.example.com" {
		t.Errorf("hostname = %q, want 'original.example.com' (should not be overridden)", result.Hostname)
	}

	if result.LogLevel != "warn" {
		t.Errorf("log_level = %q, want 'warn' (should not be overridden)", result.LogLevel)
	}

	if result.Limits.MaxMessageSize != 1000000 {
		t.Errorf("max_message_size = %d, want 1000000 (should not be overridden)", result.Limits.MaxMessageSize)
	}

	if result.Limits.MaxRecipients != 50 {
		t.Errorf("max_recipients = %d, want 50 (should not be overridden)", result.Limits.MaxRecipients)
	}
}

func TestApplyFlagsListenReplacesAllListeners(t *testing.T) {
	cfg := Default()
	cfg.Listeners = []ListenerConfig{
		{Address: ":25", Mode: ModeSmtp},
		{Address: ":587", Mode: ModeSubmission},
		{Address: ":465", Mode: ModeSmtps},
	}

	flags := &Flags{
		Listen: ":2525",
	}

	result := ApplyFlags(cfg, flags)

	if len(result.Listeners) != 1 {
		t.Fatalf("expected 1 listener, got %d", len(result.Listeners))
	}

	if result.Listeners[0].Address != ":2525" {
		t.Errorf("listener address = %q, want ':2525'", result.Listeners[0].Address)
	}

	if result.Listeners[0].Mode != ModeSmtp {
		t.Errorf("listener mode = %q, want 'smtp'", result.Listeners[0].Mode)
	}
}

func TestLoadMetricsConfig(t *testing.T) {
	content := `
hostname = "mail.example.com"

[metrics]
enabled = true
address = ":9200"
path = "/custom-metrics"
`

	path := createTempConfig(t, content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if !cfg.Metrics.Enabled {
		t.Errorf("metrics.enabled = %v, want true", cfg.Metrics.Enabled)
	}

	if cfg.Metrics.Address != ":9200" {
		t.Errorf("metrics.address = %q, want ':9200'", cfg.Metrics.Address)
	}

	if cfg.Metrics.Path != "/custom-metrics" {
		t.Errorf("metrics.path = %q, want '/custom-metrics'", cfg.Metrics.Path)
	}
}

func TestLoadMetricsConfigPartial(t *testing.T) {
	content := `
hostname = "mail.example.com"

[metrics]
enabled = true
`

	path := createTempConfig(t, content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if !cfg.Metrics.Enabled {
		t.Errorf("metrics.enabled = %v, want true", cfg.Metrics.Enabled)
	}

	defaults := Default()
	if cfg.Metrics.Address != defaults.Metrics.Address {
		t.Errorf("metrics.address = %q, want default %q", cfg.Metrics.Address, defaults.Metrics.Address)
	}

	if cfg.Metrics.Path != defaults.Metrics.Path {
		t.Errorf("metrics.path = %q, want default %q", cfg.Metrics.Path, defaults.Metrics.Path)
	}
}

func TestFlagPriorityOverConfig(t *testing.T) {
	content := `
hostname = "config.example.com"
log_level = "info"

[limits]
max_message_size = 10000000
max_recipients = 100
`

	path := createTempConfig(t, content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	flags := &Flags{
		Hostname:       "flag.example.com",
		MaxMessageSize: 5000000,
	}

	result := ApplyFlags(cfg, flags)

	if result.Hostname != "flag.example.com" {
		t.Errorf("hostname = %q, want 'flag.example.com' (flag should override)", result.Hostname)
	}

	if result.Limits.MaxMessageSize != 5000000 {
		t.Errorf("max_message_size = %d, want 5000000 (flag should override)", result.Limits.MaxMessageSize)
	}

	if result.LogLevel != "info" {
		t.Errorf("log_level = %q, want 'info' (config value should remain)", result.LogLevel)
	}

	if result.Limits.MaxRecipients != 100 {
		t.Errorf("max_recipients = %d, want 100 (config value should remain)", result.Limits.MaxRecipients)
	}
}

func TestLoadDomainsPath(t *testing.T) {
	content := `
hostname = "mail.example.com"
domains_path = "/etc/mail/domains"

[[listeners]]
address = ":25"
mode = "smtp"
`
	path := createTempConfig(t, content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.DomainsPath != "/etc/mail/domains" {
		t.Errorf("DomainsPath = %q, want /etc/mail/domains", cfg.DomainsPath)
	}
}

func TestLoadSpoolConfig(t *testing.T) {
	content := `
hostname = "mail.example.com"

[spool]
directory = "/var/spool/emailrelay"
delivery_directory = "/var/spool/emailrelay/users"
max_size = 52428800
`
	path := createTempConfig(t, content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Spool.Directory != "/var/spool/emailrelay" {
		t.Errorf("spool.directory = %q", cfg.Spool.Directory)
	}
	if cfg.Spool.DeliveryDirectory != "/var/spool/emailrelay/users" {
		t.Errorf("spool.delivery_directory = %q", cfg.Spool.DeliveryDirectory)
	}
	if cfg.Spool.MaxSize != 52428800 {
		t.Errorf("spool.max_size = %d", cfg.Spool.MaxSize)
	}
}

func TestLoadFiltersAndForwardConfig(t *testing.T) {
	content := `
hostname = "mail.example.com"

[filters]
server = ["msgid", "mx-lookup"]
client = ["copy"]
timeout = "45s"

[forward]
upstream = "relay.example.com:25"
poll_interval = "10s"
`
	path := createTempConfig(t, content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(cfg.Filters.Server) != 2 || cfg.Filters.Server[0] != "msgid" || cfg.Filters.Server[1] != "mx-lookup" {
		t.Errorf("filters.server = %v", cfg.Filters.Server)
	}
	if len(cfg.Filters.Client) != 1 || cfg.Filters.Client[0] != "copy" {
		t.Errorf("filters.client = %v", cfg.Filters.Client)
	}
	if cfg.Filters.Timeout != "45s" {
		t.Errorf("filters.timeout = %q", cfg.Filters.Timeout)
	}
	if cfg.Forward.Upstream != "relay.example.com:25" {
		t.Errorf("forward.upstream = %q", cfg.Forward.Upstream)
	}
	if cfg.Forward.PollInterval != "10s" {
		t.Errorf("forward.poll_interval = %q", cfg.Forward.PollInterval)
	}
}

func TestLoadPopConfig(t *testing.T) {
	content := `
hostname = "mail.example.com"

[pop]
by_name = false
by_name_mkdir = false
allow_delete = true
`
	path := createTempConfig(t, content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Pop.ByName {
		t.Error("pop.by_name should be false")
	}
	if cfg.Pop.ByNameMkdir {
		t.Error("pop.by_name_mkdir should be false")
	}
	if !cfg.Pop.AllowDelete {
		t.Error("pop.allow_delete should be true")
	}
}

func createTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to create temp config: %v", err)
	}
	return path
}
