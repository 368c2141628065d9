// Command mail-delivery is the Delivery process: it scans the
// received-message spool, delivers local recipients under the domains
// tree, and stages relay-bound copies for cmd/mail-relay, which it
// starts and supervises as a child process.
//
// Grounded on original_source/delivery.c's deliver_loop: fork the relay
// process, install signal handlers (SIGTERM/SIGINT to stop, SIGUSR1 to
// wake the scan early), and loop until told to stop.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/infodancer/smtpd/internal/config"
	"github.com/infodancer/smtpd/internal/delivery"
	"github.com/infodancer/smtpd/internal/domainlist"
	"github.com/infodancer/smtpd/internal/logging"
	"github.com/infodancer/smtpd/internal/metrics"
	"github.com/infodancer/smtpd/internal/parser"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "mail-delivery:", err)
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

	served, err := domainlist.Load(cfg.DomainsDirectory, parser.ValidDomain, parser.ValidLocalPart)
	if err != nil {
		return fmt.Errorf("loading served domains: %w", err)
	}

	collector, metricsServer := metrics.New(metrics.Config{
		Enabled: cfg.Metrics.Enabled,
		Address: cfg.Metrics.Address,
		Path:    cfg.Metrics.Path,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wakeup := make(chan os.Signal, 1)
	signal.Notify(wakeup, syscall.SIGUSR1)
	defer signal.Stop(wakeup)

	relayArgs := []string{}
	if flags.ConfigPath != "" {
		relayArgs = append(relayArgs, "-config", flags.ConfigPath)
	}
	relayCmd := exec.CommandContext(ctx, relayBinaryPath(), relayArgs...)
	relayCmd.Stdout = os.Stdout
	relayCmd.Stderr = os.Stderr

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := relayCmd.Start(); err != nil {
			return fmt.Errorf("starting relay process: %w", err)
		}
		logger.Info("relay process started", slog.Int("pid", relayCmd.Process.Pid))
		err := relayCmd.Wait()
		if gctx.Err() != nil {
			return nil
		}
		return err
	})

	if cfg.Metrics.Enabled {
		group.Go(func() error { return metricsServer.Start(gctx) })
	}

	wake := make(chan struct{}, 1)
	d := &delivery.Delivery{
		ReceivedDir: cfg.ReceivedDirectory,
		DomainsDir:  cfg.DomainsDirectory,
		RelayDir:    cfg.RelayDirectory,
		ErrorDir:    cfg.ErrorDirectory,
		Served:      served,
		Metrics:     collector,
		Log:         logger,
		Wake:        wake,
	}

	group.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-wakeup:
				logger.Debug("delivery woke on SIGUSR1")
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		}
	})

	group.Go(func() error {
		return d.Run(gctx)
	})

	if err := group.Wait(); err != nil {
		return err
	}
	return metricsServer.Shutdown(context.Background())
}

// relayBinaryPath locates the mail-relay binary alongside this one, the
// way the original's fork() inherited the already-loaded binary image;
// Go processes instead exec a sibling executable built from cmd/mail-relay.
func relayBinaryPath() string {
	if exe, err := os.Executable(); err == nil {
		return filepath.Join(filepath.Dir(exe), "mail-relay")
	}
	return "mail-relay"
}
