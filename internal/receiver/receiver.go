// Package receiver implements the Receiver process: it accepts SMTP
// connections, runs the command state machine over each one, and
// spools accepted messages into IncomingDir/ReceivedDir for
// cmd/mail-delivery to pick up. Grounded on
// original_source/connection.h + handle_connection.c, adapted from a
// single epoll-multiplexed accept loop into one goroutine per
// connection, the way internal/delivery and internal/relay already
// replaced the original's other epoll loops with context-supervised
// goroutines.
package receiver

import (
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/infodancer/smtpd/internal/dnscache"
	"github.com/infodancer/smtpd/internal/domainlist"
	"github.com/infodancer/smtpd/internal/iplist"
	"github.com/infodancer/smtpd/internal/logging"
	"github.com/infodancer/smtpd/internal/mailtx"
	"github.com/infodancer/smtpd/internal/metrics"
	"github.com/infodancer/smtpd/internal/spool"
)

// Receiver holds the configuration and shared collaborators every
// connection's session needs. One Receiver serves every connection a
// Listener accepts.
type Receiver struct {
	Hostname    string
	ProductName string

	IncomingDir string
	ReceivedDir string

	Served   *domainlist.List
	RelayIPs *iplist.List
	DNSCache *dnscache.Cache

	Metrics metrics.Collector
	Log     *slog.Logger

	// MailLog, when non-nil, records one line per accepted message in
	// the stable LogMails format.
	MailLog *logging.MailLog

	MaxIdleTime     time.Duration
	MaxMessageSize  int64
	MaxRecipients   int
	MaxTransactions int

	// Postmaster is "local@domain", the mailbox a bare "postmaster"
	// forward-path (no domain) resolves to, grounded on
	// server.postmaster in handle_connection.c's RCPT case.
	Postmaster string

	// NotifyDelivery is called once per message successfully spooled
	// into ReceivedDir, standing in for the original's
	// kill(server.delivery_pid, SIGUSR1).
	NotifyDelivery func()

	now func() time.Time

	fileMu      sync.Mutex
	fileCounter uint64
}

func (r *Receiver) logger() *slog.Logger {
	if r.Log != nil {
		return r.Log
	}
	return slog.Default()
}

func (r *Receiver) clock() func() time.Time {
	if r.now != nil {
		return r.now
	}
	return time.Now
}

func (r *Receiver) idleTimeout() time.Duration {
	if r.MaxIdleTime > 0 {
		return r.MaxIdleTime
	}
	return 300 * time.Second
}

// postmasterAddress splits the configured Postmaster setting into its
// local-part/domain, used when a RCPT TO arrives with the bare
// "postmaster" forward-path form.
func (r *Receiver) postmasterAddress() (local, domain string) {
	local, domain, ok := mailtx.SplitAddress(r.Postmaster)
	if !ok {
		return "postmaster", r.firstDomain()
	}
	return local, domain
}

// firstDomain returns the lexicographically-first served domain, used
// as the identity this server announces in its greeting/EHLO/HELO/QUIT
// responses, grounded on domainlist_get_first_domain.
func (r *Receiver) firstDomain() string {
	if r.Served != nil {
		if d, ok := r.Served.FirstDomain(); ok {
			return d
		}
	}
	return r.Hostname
}

// allocateFilename probes IncomingDir for an unused "<timestamp>-<n>"
// spool name, mirroring prepare_message_file's stat-until-free loop
// over the shared server.nfile counter.
func (r *Receiver) allocateFilename() (name string, err error) {
	r.fileMu.Lock()
	defer r.fileMu.Unlock()
	return spool.NextFilename(r.IncomingDir, r.clock()().Unix(), &r.fileCounter)
}

// relayAllowed reports whether remoteAddr (a "host:port" string as
// returned by net.Conn.RemoteAddr) may relay through this server for
// domains it doesn't serve, grounded on the ip_list_search guard in
// handle_connection.c's RCPT case.
func (r *Receiver) relayAllowed(remoteAddr string) bool {
	if r.RelayIPs == nil {
		return false
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return r.RelayIPs.Contains(ip)
}
