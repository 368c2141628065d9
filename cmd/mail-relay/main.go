// Command mail-relay is the Relay process: it drains the relay spool
// Delivery stages and hands each message off to its destination mail
// exchangers. Grounded on original_source/relay.c's relay_loop, started
// and supervised as a child of cmd/mail-delivery.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/infodancer/smtpd/internal/config"
	"github.com/infodancer/smtpd/internal/dnscache"
	"github.com/infodancer/smtpd/internal/logging"
	"github.com/infodancer/smtpd/internal/metrics"
	"github.com/infodancer/smtpd/internal/relay"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "mail-relay:", err)
		os.Exit(1)
	}
}

func run() error {
	flags := config.ParseFlags()
	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel)

	collector, _ := metrics.New(metrics.Config{
		Enabled: cfg.Metrics.Enabled,
		Address: cfg.Metrics.Address,
		Path:    cfg.Metrics.Path,
	})

	resolver := dnscache.NewResolver(cfg.DNS.Resolvers, cfg.DNS.QueryTimeoutDuration())
	cache := dnscache.New(cfg.DNS.MaxEntries, cfg.DNS.NegativeIntervalDuration(), resolver)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := &relay.Relay{
		RelayDir:     cfg.RelayDirectory,
		ErrorDir:     cfg.ErrorDirectory,
		Hostname:     cfg.Hostname,
		DNSCache:     cache,
		Metrics:      collector,
		Log:          logger,
		ScanInterval: cfg.Relay.ScanIntervalDuration(),
		BurstSize:    cfg.Relay.BurstSize,
	}

	logger.Info("relay process starting", "relay_directory", cfg.RelayDirectory)

	return r.Run(ctx)
}
