// Command emailrelay-forward polls the spool on a timer, runs the
// configured client-side filter chain against each message, and forwards
// survivors to the upstream SMTP server, the counterpart to
// emailrelay-server's receiving side.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/infodancer/emailrelay/internal/config"
	"github.com/infodancer/emailrelay/internal/filter"
	"github.com/infodancer/emailrelay/internal/forward"
	"github.com/infodancer/emailrelay/internal/logging"
	"github.com/infodancer/emailrelay/internal/metrics"
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

	chain, err := filter.BuildChain(cfg.Filters.Client, filter.ChainSpec{
		Hostname: cfg.Hostname,
		SMTPPort: "25",
		Timeout:  cfg.Filters.GetTimeout(),
		Logger:   logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error building client-side filter chain: %v\n", err)
		os.Exit(1)
	}

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

	opts := []forward.Option{
		forward.WithChain(chain),
		forward.WithTLSConfig(tlsConfig),
		forward.WithTimeout(cfg.Timeouts.ConnectionTimeout()),
		forward.WithCollector(collector),
	}
	if cfg.Forward.Upstream != "" {
		opts = append(opts, forward.WithStaticUpstream(cfg.Forward.Upstream))
	}
	if cfg.Forward.DedupeRedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Forward.DedupeRedisAddr})
		opts = append(opts, forward.WithDedupe(forward.NewDedupe(rdb, cfg.Forward.GetDedupeTTL())))
		logger.Info("forward dedupe cache enabled", "addr", cfg.Forward.DedupeRedisAddr)
	}

	driver := forward.New(st, cfg.Hostname, "25", logger, opts...)

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

	pollInterval := cfg.Forward.GetPollInterval()
	logger.Info("starting emailrelay-forward", "upstream", cfg.Forward.Upstream, "poll_interval", pollInterval)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	runTick(ctx, driver, logger)
	for {
		select {
		case <-ctx.Done():
			logger.Info("emailrelay-forward stopped")
			return
		case <-ticker.C:
			runTick(ctx, driver, logger)
		}
	}
}

func runTick(ctx context.Context, driver *forward.Driver, logger *slog.Logger) {
	attempted, err := driver.Tick(ctx)
	if err != nil {
		logger.Warn("forward tick failed", "error", err)
		return
	}
	if attempted > 0 {
		logger.Debug("forward tick complete", "attempted", attempted)
	}
}
