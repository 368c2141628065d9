// Command smtpd is the Receiver process: it accepts inbound SMTP
// connections, runs the per-connection command state machine, and
// spools accepted messages for cmd/mail-delivery, which it starts and
// supervises as a child process.
//
// Grounded on original_source/main.c's parent process: load
// configuration, bind the listening socket, fork the delivery process,
// install signal handlers, and accept connections until told to stop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/infodancer/smtpd/internal/config"
	"github.com/infodancer/smtpd/internal/dnscache"
	"github.com/infodancer/smtpd/internal/domainlist"
	"github.com/infodancer/smtpd/internal/iplist"
	"github.com/infodancer/smtpd/internal/logging"
	"github.com/infodancer/smtpd/internal/metrics"
	"github.com/infodancer/smtpd/internal/parser"
	"github.com/infodancer/smtpd/internal/receiver"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "smtpd:", err)
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

	relayIPs, err := iplist.Load(cfg.IPsForRelay)
	if err != nil {
		return fmt.Errorf("loading relay IP list: %w", err)
	}

	idleTime, err := cfg.MaxIdleTimeDuration()
	if err != nil {
		return fmt.Errorf("invalid max_idle_time: %w", err)
	}

	collector, metricsServer := metrics.New(metrics.Config{
		Enabled: cfg.Metrics.Enabled,
		Address: cfg.Metrics.Address,
		Path:    cfg.Metrics.Path,
	})

	resolver := dnscache.NewResolver(cfg.DNS.Resolvers, cfg.DNS.QueryTimeoutDuration())
	cache := dnscache.New(cfg.DNS.MaxEntries, cfg.DNS.NegativeIntervalDuration(), resolver)

	var mailLog *logging.MailLog
	if cfg.LogMails {
		mailLog, err = logging.OpenMailLog(cfg.LogFile)
		if err != nil {
			return fmt.Errorf("opening mail log: %w", err)
		}
		defer mailLog.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deliveryArgs := []string{}
	if flags.ConfigPath != "" {
		deliveryArgs = append(deliveryArgs, "-config", flags.ConfigPath)
	}
	deliveryCmd := exec.CommandContext(ctx, deliveryBinaryPath(), deliveryArgs...)
	deliveryCmd.Stdout = os.Stdout
	deliveryCmd.Stderr = os.Stderr

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := deliveryCmd.Start(); err != nil {
			return fmt.Errorf("starting delivery process: %w", err)
		}
		logger.Info("delivery process started", "pid", deliveryCmd.Process.Pid)
		err := deliveryCmd.Wait()
		if gctx.Err() != nil {
			return nil
		}
		return err
	})

	if cfg.Metrics.Enabled {
		group.Go(func() error { return metricsServer.Start(gctx) })
	}

	r := &receiver.Receiver{
		Hostname:        cfg.Hostname,
		ProductName:     cfg.ProductName,
		IncomingDir:     cfg.IncomingDirectory,
		ReceivedDir:     cfg.ReceivedDirectory,
		Served:          served,
		RelayIPs:        relayIPs,
		DNSCache:        cache,
		Metrics:         collector,
		Log:             logger,
		MailLog:         mailLog,
		MaxIdleTime:     idleTime,
		MaxMessageSize:  cfg.MaxMessageSize,
		MaxRecipients:   cfg.MaxRecipients,
		MaxTransactions: cfg.MaxTransactions,
		Postmaster:      cfg.Postmaster,
		NotifyDelivery: func() {
			if deliveryCmd.Process != nil {
				deliveryCmd.Process.Signal(syscall.SIGUSR1)
			}
		},
	}

	l := &receiver.Listener{
		Address:  fmt.Sprintf(":%d", cfg.Port),
		Receiver: r,
		PostBind: func() error { return dropPrivileges(cfg.User) },
	}

	group.Go(func() error {
		return l.Start(gctx)
	})

	logger.Info("smtpd starting", "hostname", cfg.Hostname, "port", cfg.Port)

	if err := group.Wait(); err != nil {
		return err
	}
	return metricsServer.Shutdown(context.Background())
}

// deliveryBinaryPath locates the mail-delivery binary alongside this
// one, the way the original's fork() inherited the already-loaded
// binary image; Go processes instead exec a sibling executable built
// from cmd/mail-delivery.
func deliveryBinaryPath() string {
	if exe, err := os.Executable(); err == nil {
		return filepath.Join(filepath.Dir(exe), "mail-delivery")
	}
	return "mail-delivery"
}
