// Package delivery implements the Delivery process: it scans the
// received-message spool, splits each message's recipients into local
// mailboxes and a relay hand-off, and fans the message body out to
// every destination file. Grounded on original_source/delivery.c's
// deliver()/deliver_mail(), adapted from a single-threaded directory
// scan into a periodic, context-cancellable loop.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/infodancer/smtpd/internal/domainlist"
	"github.com/infodancer/smtpd/internal/instream"
	"github.com/infodancer/smtpd/internal/mailtx"
	"github.com/infodancer/smtpd/internal/metrics"
	"github.com/infodancer/smtpd/internal/spool"
)

// ScanInterval is how often the loop re-scans the received directory,
// matching the original's DELIVER_EVERY constant (5 seconds).
const ScanInterval = 5 * time.Second

// Delivery processes spooled messages out of ReceivedDir, delivering
// local recipients under DomainsDir and staging relay-bound copies
// under RelayDir, moving anything it can't process into ErrorDir.
type Delivery struct {
	ReceivedDir string
	DomainsDir  string
	RelayDir    string
	ErrorDir    string

	Served    *domainlist.List
	Metrics   metrics.Collector
	Log       *slog.Logger
	StreamBuf int

	// Wake, when non-nil, triggers an immediate scan between ticks; the
	// Receiver's SIGUSR1 liveness hint is forwarded here.
	Wake <-chan struct{}
}

// Run scans ReceivedDir every ScanInterval until ctx is canceled. It
// also runs one scan immediately on entry, the way the original ran
// deliver() before its first sleep(DELIVER_EVERY).
func (d *Delivery) Run(ctx context.Context) error {
	if err := d.scan(); err != nil {
		return err
	}

	ticker := time.NewTicker(ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.Wake:
			if err := d.scan(); err != nil {
				return err
			}
		case <-ticker.C:
			if err := d.scan(); err != nil {
				return err
			}
		}
	}
}

// scan delivers every message currently in ReceivedDir, mirroring
// deliver()'s readdir loop: on success the source is unlinked, on
// failure it's moved to ErrorDir.
func (d *Delivery) scan() error {
	entries, err := os.ReadDir(d.ReceivedDir)
	if err != nil {
		return fmt.Errorf("delivery: reading received directory: %w", err)
	}

	for _, ent := range entries {
		name := ent.Name()
		if len(name) > 0 && name[0] == '.' {
			continue
		}
		if ent.IsDir() || !spool.HasMessageExtension(name) {
			continue
		}

		path := filepath.Join(d.ReceivedDir, name)
		if err := d.deliverMail(path, name); err != nil {
			d.logger().Warn("delivery failed, moving to error directory",
				slog.String("file", name), slog.Any("error", err))
			errPath := filepath.Join(d.ErrorDir, name)
			if rerr := os.Rename(path, errPath); rerr != nil {
				d.logger().Error("couldn't move failed message to error directory",
					slog.String("file", name), slog.Any("error", rerr))
			}
			if d.Metrics != nil {
				d.Metrics.LocalDeliveryCompleted(false)
			}
			continue
		}

		if err := os.Remove(path); err != nil {
			d.logger().Error("couldn't remove delivered message", slog.String("file", name), slog.Any("error", err))
		}
		if d.Metrics != nil {
			d.Metrics.LocalDeliveryCompleted(true)
		}
	}

	return nil
}

// deliverMail delivers a single spooled message, grounded on
// deliver_mail: read the pre-header, open one output file per local
// recipient plus (if needed) one relay-spool file, write the relay
// pre-header, then copy the body to every open file in one pass.
func (d *Delivery) deliverMail(path, filename string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening message: %w", err)
	}
	defer f.Close()

	bufSize := d.StreamBuf
	if bufSize <= 0 {
		bufSize = 16 * 1024
	}
	s := instream.New(f, bufSize)

	local, relay, err := spool.ReadPreHeader(s, d.Served)
	if err != nil {
		return fmt.Errorf("reading pre-header: %w", err)
	}
	if local.ReversePath == "" && relay.ReversePath == "" {
		return errors.New("message has no reverse-path")
	}

	if local.RecipientCount() == 0 && relay.RecipientCount() == 0 {
		return errors.New("message has no recipients")
	}

	var files []*os.File
	var writers []io.Writer
	var paths []string
	ok := false
	defer func() {
		for _, cf := range files {
			cf.Close()
		}
		if !ok {
			for _, p := range paths {
				if rerr := os.Remove(p); rerr != nil && !os.IsNotExist(rerr) {
					d.logger().Error("couldn't remove partial delivery output",
						slog.String("file", p), slog.Any("error", rerr))
				}
			}
		}
	}()

	openAndTrack := func(path string) (*os.File, error) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		of, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, err
		}
		files = append(files, of)
		writers = append(writers, of)
		paths = append(paths, path)
		return of, nil
	}

	for _, domainName := range local.Forward.Domains() {
		dom := local.Forward.Domain(domainName)
		for _, lp := range dom.LocalParts() {
			path := spool.DeliveryPath(d.DomainsDir, domainName, lp, filename)
			if _, err := openAndTrack(path); err != nil {
				if d.Metrics != nil {
					d.Metrics.SpoolFanoutFailed("open_files")
				}
				return fmt.Errorf("opening delivery file for %s@%s: %w", lp, domainName, err)
			}
		}
	}

	if relay.RecipientCount() > 0 {
		relayPath := spool.RelayPath(d.RelayDir, filename)
		rf, err := openAndTrack(relayPath)
		if err != nil {
			if d.Metrics != nil {
				d.Metrics.SpoolFanoutFailed("open_files")
			}
			return fmt.Errorf("opening relay spool file: %w", err)
		}
		reversePath := local.ReversePath
		if reversePath == "" {
			reversePath = relay.ReversePath
		}
		if err := spool.WriteRelayPreHeader(rf, reversePath, relay); err != nil {
			if d.Metrics != nil {
				d.Metrics.SpoolFanoutFailed("write_relay_pre_header")
			}
			return fmt.Errorf("writing relay pre-header: %w", err)
		}
	}

	if _, err := spool.CopyToRecipients(s, writers); err != nil {
		if d.Metrics != nil {
			d.Metrics.SpoolFanoutFailed("copy_file_to_recipients")
		}
		return fmt.Errorf("copying message to recipients: %w", err)
	}

	ok = true
	return nil
}

func (d *Delivery) logger() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return slog.Default()
}

// SplitRecipients is a convenience used by callers assembling a
// mailtx.Transaction pair outside of a pre-header read (e.g. tests),
// mirroring the served/not-served split read_pre_header performs
// inline per RCPT line.
func SplitRecipients(served *domainlist.List, addresses []string) (local, relay *mailtx.Transaction, err error) {
	local = mailtx.New()
	relay = mailtx.New()
	for _, addr := range addresses {
		lp, dom, ok := mailtx.SplitAddress(addr)
		if !ok {
			return nil, nil, fmt.Errorf("delivery: invalid address %q", addr)
		}
		if served != nil && served.Lookup(lp, dom) {
			local.AddForwardPath(lp, dom)
		} else {
			relay.AddForwardPath(lp, dom)
		}
	}
	return local, relay, nil
}
