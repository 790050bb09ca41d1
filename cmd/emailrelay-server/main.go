// Command emailrelay-server runs the SMTP receiver: it accepts mail over
// plain SMTP, submission, and SMTPS, runs the configured server-side filter
// chain at end-of-DATA, and spools the result for emailrelay-forward to pick
// up.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	auth "github.com/infodancer/auth"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/infodancer/emailrelay/internal/config"
	"github.com/infodancer/emailrelay/internal/filter"
	"github.com/infodancer/emailrelay/internal/logging"
	"github.com/infodancer/emailrelay/internal/metrics"
	"github.com/infodancer/emailrelay/internal/oauth"
	"github.com/infodancer/emailrelay/internal/receiver"
	"github.com/infodancer/emailrelay/internal/store"
)

func main() {
	flags := config.ParseFlags()
	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel)

	var tlsConfig *tls.Config
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error loading TLS certificate: %v\n", err)
			os.Exit(1)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   cfg.TLS.MinTLSVersion(),
		}
	}

	var collector metrics.Collector = &metrics.NoopCollector{}
	if cfg.Metrics.Enabled {
		collector = metrics.NewPrometheusCollector(prometheus.DefaultRegisterer)
	}

	st, err := store.Open(cfg.Spool.Directory, store.NewRuntime(logger), cfg.Spool.MaxSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening spool: %v\n", err)
		os.Exit(1)
	}
	st.SetCollector(collector)

	chain, err := filter.BuildChain(cfg.Filters.Server, filter.ChainSpec{
		Hostname: cfg.Hostname,
		SMTPPort: "25",
		Timeout:  cfg.Filters.GetTimeout(),
		Logger:   logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error building server-side filter chain: %v\n", err)
		os.Exit(1)
	}

	var authAgent auth.AuthenticationAgent
	if cfg.Auth.IsEnabled() {
		authAgent, err = auth.OpenAuthAgent(auth.AuthAgentConfig{
			Type:              cfg.Auth.AgentType,
			CredentialBackend: cfg.Auth.CredentialBackend,
			KeyBackend:        cfg.Auth.KeyBackend,
			Options:           cfg.Auth.Options,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "error creating authentication agent: %v\n", err)
			os.Exit(1)
		}
		defer func() {
			if err := authAgent.Close(); err != nil {
				logger.Error("error closing auth agent", "error", err)
			}
		}()
		logger.Info("authentication enabled", "type", cfg.Auth.AgentType)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var oauthAgent oauth.Agent
	if cfg.Auth.OAuth.IsEnabled() {
		jwtAgent, err := oauth.NewJWTAgent(ctx, oauth.JWTAgentConfig{
			JWKSURL:         cfg.Auth.OAuth.JWKSURL,
			Issuer:          cfg.Auth.OAuth.Issuer,
			Audience:        cfg.Auth.OAuth.Audience,
			UsernameClaim:   cfg.Auth.OAuth.GetUsernameClaim(),
			RefreshInterval: cfg.Auth.OAuth.GetJWKSRefreshInterval(),
			AllowedDomains:  cfg.Auth.OAuth.AllowedDomains,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "error creating oauth agent: %v\n", err)
			os.Exit(1)
		}
		defer func() {
			if err := jwtAgent.Close(); err != nil {
				logger.Error("error closing oauth agent", "error", err)
			}
		}()
		oauthAgent = jwtAgent
		logger.Info("oauth authentication enabled", "issuer", cfg.Auth.OAuth.Issuer)
	}

	backend := receiver.NewBackend(receiver.Config{
		Hostname:      cfg.Hostname,
		Store:         st,
		Chain:         chain,
		AuthAgent:     authAgent,
		OAuthAgent:    oauthAgent,
		Collector:     collector,
		MaxRecipients: cfg.Limits.MaxRecipients,
		LocalDomains:  readLocalDomains(cfg.DomainsPath, logger),
		Logger:        logger,
	})

	srv, err := receiver.NewServer(receiver.ServerConfig{
		Backend:        backend,
		Listeners:      cfg.Listeners,
		Hostname:       cfg.Hostname,
		TLSConfig:      tlsConfig,
		ReadTimeout:    cfg.Timeouts.ConnectionTimeout(),
		WriteTimeout:   cfg.Timeouts.ConnectionTimeout(),
		MaxMessageSize: cfg.Limits.MaxMessageSize,
		MaxRecipients:  cfg.Limits.MaxRecipients,
		Logger:         logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating server: %v\n", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewPrometheusServer(cfg.Metrics.Address, cfg.Metrics.Path)
		go func() {
			if err := metricsServer.Start(ctx); err != nil && err != context.Canceled {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	logger.Info("starting emailrelay-server", "hostname", cfg.Hostname, "listeners", len(cfg.Listeners))

	if err := srv.Run(ctx); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

// readLocalDomains loads the set of recipient domains delivered in-process
// rather than only ever relayed onward, one per line. A blank path means
// every recipient is treated as remote.
func readLocalDomains(domainsPath string, logger *slog.Logger) []string {
	if domainsPath == "" {
		return nil
	}
	data, err := os.ReadFile(domainsPath)
	if err != nil {
		logger.Warn("cannot read domains file", "path", domainsPath, "error", err)
		return nil
	}
	var domains []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			domains = append(domains, line)
		}
	}
	return domains
}
