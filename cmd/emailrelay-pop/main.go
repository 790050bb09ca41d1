// Command emailrelay-pop serves POP3 (and POP3S) against the delivery
// spool populated by internal/delivery, the counterpart to
// emailrelay-server's receiving side and emailrelay-forward's sending side.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	auth "github.com/infodancer/auth"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/infodancer/emailrelay/internal/config"
	"github.com/infodancer/emailrelay/internal/logging"
	"github.com/infodancer/emailrelay/internal/metrics"
	"github.com/infodancer/emailrelay/internal/popserver"
	"github.com/infodancer/emailrelay/internal/server"
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

	var collector metrics.Collector = &metrics.NoopCollector{}
	if cfg.Metrics.Enabled {
		collector = metrics.NewPrometheusCollector(prometheus.DefaultRegisterer)
	}

	if !cfg.Auth.IsEnabled() {
		fmt.Fprintln(os.Stderr, "error: emailrelay-pop requires [auth] to be enabled")
		os.Exit(1)
	}
	authAgent, err := auth.OpenAuthAgent(auth.AuthAgentConfig{
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

	srv, err := server.New(&cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating server: %v\n", err)
		os.Exit(1)
	}

	deliveryDir := cfg.Spool.DeliveryDir()
	srv.SetHandler(popserver.Handler(cfg.Hostname, deliveryDir, authAgent, collector, popserver.Options{
		ByName:      cfg.Pop.ByName,
		ByNameMkdir: cfg.Pop.ByNameMkdir,
		AllowDelete: cfg.Pop.AllowDelete,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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

	logger.Info("starting emailrelay-pop", "hostname", cfg.Hostname, "spool", deliveryDir, "listeners", len(cfg.Listeners))

	if err := srv.Run(ctx); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}
