// Package relay implements the Relay process: it scans the relay spool
// for messages the Delivery process couldn't complete locally, resolves
// each forward-path domain's mail exchanger, and speaks client-side
// SMTP to hand the message off. Grounded on original_source/relay.c's
// do_relay()/send_messages(), adapted from its epoll-multiplexed
// session table into one blocking client session per destination host;
// each scan serves its hosts one after another in the calling goroutine.
package relay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/infodancer/smtpd/internal/dnscache"
	"github.com/infodancer/smtpd/internal/instream"
	"github.com/infodancer/smtpd/internal/logging"
	"github.com/infodancer/smtpd/internal/metrics"
	"github.com/infodancer/smtpd/internal/spool"
)

// ScanInterval is the default burst interval, matching the original's
// RELAY_EVERY constant (2 seconds); callers normally override it from
// config.RelayConfig.ScanIntervalDuration.
const ScanInterval = 2 * time.Second

// DefaultBurstSize bounds how many spooled messages one scan considers,
// matching the original's MAX_MESSAGES_PER_BURST.
const DefaultBurstSize = 10

// smtpPort is the port a relay session dials, matching the original's
// SMTP_DEFAULT_PORT.
const smtpPort = 25

// Relay drains RelayDir, delivering each message's forward-paths to
// their resolved mail exchangers.
type Relay struct {
	RelayDir string
	ErrorDir string
	Hostname string // announced in HELO, the way the original used server.hostname

	DNSCache *dnscache.Cache
	Metrics  metrics.Collector
	Log      *slog.Logger

	ScanInterval   time.Duration
	BurstSize      int
	DialTimeout    time.Duration
	CommandTimeout time.Duration
	StreamBuf      int

	// dial is overridable in tests; defaults to net.Dialer.DialContext.
	dial func(ctx context.Context, host string, port int) (net.Conn, error)
}

// job is one domain's worth of a single spooled message: its body is
// shared by value across every domain the message addresses, mirroring
// how the original read the message once and replayed it per
// transaction from a shared input_stream.
type job struct {
	sourcePath string
	sourceName string
	domain     string
	reverse    string
	recipients []string
	body       []byte
}

// Run drains RelayDir every ScanInterval (or cfg-provided interval)
// until ctx is canceled, performing one scan immediately on entry the
// way relay_loop() called do_relay() before its first sleep().
func (r *Relay) Run(ctx context.Context) error {
	interval := r.ScanInterval
	if interval <= 0 {
		interval = ScanInterval
	}

	if err := r.scan(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.scan(ctx); err != nil {
				return err
			}
		}
	}
}

// scan performs one relay burst: read up to BurstSize spooled messages,
// group their forward-paths by resolved destination host, then deliver
// each host's jobs over one connection, mirroring do_relay()'s
// build-the-session-table-then-send_messages() shape.
func (r *Relay) scan(ctx context.Context) error {
	burst := r.BurstSize
	if burst <= 0 {
		burst = DefaultBurstSize
	}

	entries, err := os.ReadDir(r.RelayDir)
	if err != nil {
		return fmt.Errorf("relay: reading relay directory: %w", err)
	}

	type spooled struct {
		path string
		name string
	}
	var messages []spooled
	for _, ent := range entries {
		if len(messages) >= burst {
			break
		}
		name := ent.Name()
		if len(name) > 0 && name[0] == '.' {
			continue
		}
		if ent.IsDir() || !spool.HasMessageExtension(name) {
			continue
		}
		messages = append(messages, spooled{path: filepath.Join(r.RelayDir, name), name: name})
	}

	if len(messages) == 0 {
		return nil
	}

	byHost := make(map[string][]*job)
	candidatesByHost := make(map[string][]string)
	outcomes := make(map[string]bool) // sourcePath -> all domains delivered so far

	for _, m := range messages {
		jobs, err := r.readMessage(m.path, m.name)
		if err != nil {
			r.logger().Warn("couldn't read spooled message, moving to error directory",
				slog.String("file", m.name), slog.Any("error", err))
			r.moveToError(m.path, m.name)
			continue
		}
		if len(jobs) == 0 {
			continue
		}

		outcomes[m.path] = true

		for _, j := range jobs {
			host, candidates, err := r.resolveHost(ctx, j.domain)
			if err != nil {
				r.logger().Warn("domain unreachable, dropping forward-path",
					slog.String("domain", j.domain), slog.Any("error", err))
				if r.Metrics != nil {
					r.Metrics.RelayAttempted(j.domain)
					r.Metrics.RelayCompleted(j.domain, false)
				}
				outcomes[m.path] = false
				continue
			}
			byHost[host] = append(byHost[host], j)
			candidatesByHost[host] = candidates
		}
	}

	for host, jobs := range byHost {
		failed := r.deliverHost(ctx, candidatesByHost[host], jobs)
		for _, path := range failed {
			outcomes[path] = false
		}
	}

	for _, m := range messages {
		delivered, attempted := outcomes[m.path]
		if !attempted {
			continue
		}
		if delivered {
			if err := os.Remove(m.path); err != nil {
				r.logger().Error("couldn't remove relayed message", slog.String("file", m.name), slog.Any("error", err))
			}
		} else {
			r.moveToError(m.path, m.name)
		}
	}

	return nil
}

func (r *Relay) moveToError(path, name string) {
	if err := os.Rename(path, filepath.Join(r.ErrorDir, name)); err != nil {
		r.logger().Error("couldn't move message to error directory", slog.String("file", name), slog.Any("error", err))
	}
}

// readMessage parses a spooled message's pre-header and reads its body
// once, returning one job per forward-path domain. Passing a nil served
// list to spool.ReadPreHeader routes every recipient into the relay
// transaction, since nothing is locally served here.
func (r *Relay) readMessage(path, name string) ([]*job, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening message: %w", err)
	}
	defer f.Close()

	bufSize := r.StreamBuf
	if bufSize <= 0 {
		bufSize = 16 * 1024
	}
	s := instream.New(f, bufSize)

	_, relay, err := spool.ReadPreHeader(s, nil)
	if err != nil {
		return nil, fmt.Errorf("reading pre-header: %w", err)
	}
	if relay.ReversePath == "" || relay.RecipientCount() == 0 {
		return nil, errors.New("message has no reverse-path or no recipients")
	}

	var body bytes.Buffer
	if _, err := spool.CopyToRecipients(s, []io.Writer{&body}); err != nil {
		return nil, fmt.Errorf("reading message body: %w", err)
	}
	bodyBytes := body.Bytes()

	var jobs []*job
	for _, domain := range relay.Forward.Domains() {
		dom := relay.Forward.Domain(domain)
		jobs = append(jobs, &job{
			sourcePath: path,
			sourceName: name,
			domain:     domain,
			reverse:    relay.ReversePath,
			recipients: dom.LocalParts(),
			body:       bodyBytes,
		})
	}

	return jobs, nil
}

// resolveHost picks the host to dial for domain, consulting DNSCache
// and recording the cache-hit/miss metrics. It returns the primary
// (first-preference) host, used as the grouping key so messages bound
// for the same dnscache entry share one upstream session, alongside the
// full ordered candidate list connect() falls back through on a failed
// connect, mirroring connect_to_smtp_server's walk of the whole rr_list.
func (r *Relay) resolveHost(ctx context.Context, domain string) (host string, candidates []string, err error) {
	before := r.DNSCache.Len()
	candidates, err = dnscache.ResolveRelayTargets(ctx, r.DNSCache, domain)
	if r.Metrics != nil {
		if r.DNSCache.Len() > before {
			r.Metrics.DNSCacheMiss()
		} else {
			r.Metrics.DNSCacheHit()
		}
	}
	if err != nil {
		return "", nil, err
	}
	return candidates[0], candidates, nil
}

// deliverHost runs every job addressed to candidates[0] over one
// connection, pipelining one MAIL/RCPT/DATA transaction per job the way
// the original queued multiple transactions onto a session already
// connected to the same dnscache entry. It returns the source paths of
// jobs that failed to deliver.
func (r *Relay) deliverHost(ctx context.Context, candidates []string, jobs []*job) (failed []string) {
	sess, err := r.connect(ctx, candidates)
	if err != nil {
		r.logger().Warn("couldn't connect to any relay target", slog.Any("candidates", candidates), slog.Any("error", err))
		for _, j := range jobs {
			if r.Metrics != nil {
				r.Metrics.RelayAttempted(j.domain)
				r.Metrics.RelayCompleted(j.domain, false)
			}
			failed = append(failed, j.sourcePath)
		}
		return failed
	}
	defer sess.quit()

	for _, j := range jobs {
		if r.Metrics != nil {
			r.Metrics.RelayAttempted(j.domain)
		}
		err := sess.deliver(j)
		if r.Metrics != nil {
			r.Metrics.RelayCompleted(j.domain, err == nil)
		}
		if err != nil {
			r.logger().Warn("relay delivery failed",
				slog.String("domain", j.domain), slog.String("host", sess.host), slog.Any("error", err))
			failed = append(failed, j.sourcePath)
		}
	}

	return failed
}

func (r *Relay) logger() *slog.Logger {
	if r.Log != nil {
		return r.Log
	}
	return slog.Default()
}

func (r *Relay) dialTimeout() time.Duration {
	if r.DialTimeout > 0 {
		return r.DialTimeout
	}
	return 30 * time.Second
}

func (r *Relay) commandTimeout() time.Duration {
	if r.CommandTimeout > 0 {
		return r.CommandTimeout
	}
	return 2 * time.Minute
}

// connect tries each of candidates in order, dialing the SMTP port and
// exchanging the greeting/HELO, grounded on connect_to_smtp_server
// (minus its epoll non-blocking connect dance, which a blocking
// net.DialTimeout replaces) plus the HELO the original's
// handle_session.c composed once connected. connect_to_smtp_server walked
// the whole rr_list trying the next host after a failed connect; this
// does the same, returning the first candidate that accepts a
// connection and answers the greeting and HELO.
func (r *Relay) connect(ctx context.Context, candidates []string) (*session, error) {
	var lastErr error
	for _, host := range candidates {
		sess, err := r.connectOne(ctx, host)
		if err == nil {
			return sess, nil
		}
		r.logger().Warn("couldn't connect to relay candidate", slog.String("host", host), slog.Any("error", err))
		lastErr = err
	}
	return nil, lastErr
}

func (r *Relay) connectOne(ctx context.Context, host string) (*session, error) {
	dial := r.dial
	if dial == nil {
		dial = func(ctx context.Context, host string, port int) (net.Conn, error) {
			d := net.Dialer{Timeout: r.dialTimeout()}
			return d.DialContext(ctx, "tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
		}
	}

	conn, err := dial(ctx, host, smtpPort)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		setTCPNoDelay(tc)
	}

	logger := logging.WithConnection(r.logger(), host)
	sess := &session{conn: conn, host: host, reader: bufio.NewReader(conn), writer: bufio.NewWriter(conn), timeout: r.commandTimeout(), log: logger}

	if err := sess.setDeadline(); err != nil {
		conn.Close()
		return nil, err
	}
	if _, _, err := sess.readReply(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("greeting: %w", err)
	}

	hostname := r.Hostname
	if hostname == "" {
		hostname = "localhost"
	}
	if err := sess.command(fmt.Sprintf("HELO %s", hostname), 250); err != nil {
		conn.Close()
		return nil, fmt.Errorf("helo: %w", err)
	}

	return sess, nil
}

// session is one client-side SMTP connection to a relay target,
// handling one or more MAIL/RCPT/DATA transactions in sequence.
type session struct {
	conn    net.Conn
	host    string
	reader  *bufio.Reader
	writer  *bufio.Writer
	timeout time.Duration
	log     *slog.Logger
}

// deliver runs one full MAIL FROM/RCPT TO/DATA transaction for j.
func (s *session) deliver(j *job) error {
	if err := s.command(fmt.Sprintf("MAIL FROM:%s", j.reverse), 250); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}

	accepted := 0
	for _, local := range j.recipients {
		if err := s.command(fmt.Sprintf("RCPT TO:<%s@%s>", local, j.domain), 250, 251); err != nil {
			s.log.Warn("recipient rejected", slog.String("recipient", local+"@"+j.domain), slog.Any("error", err))
			continue
		}
		accepted++
	}
	if accepted == 0 {
		s.command("RSET", 250)
		return errors.New("every recipient was rejected")
	}

	if err := s.command("DATA", 354); err != nil {
		return fmt.Errorf("data: %w", err)
	}

	cork(s.conn, true)
	err := s.writeData(j.body)
	cork(s.conn, false)
	if err != nil {
		return fmt.Errorf("writing message body: %w", err)
	}

	if err := s.endData(250); err != nil {
		return fmt.Errorf("message not accepted: %w", err)
	}

	return nil
}

// writeData forwards body byte-for-byte. The spool already holds the
// dot-stuffed wire form the client sent (the receiver writes DATA lines
// verbatim), so the relay copies it unchanged the way send_message
// streamed the file over sendfile, with only the terminating dot line
// appended afterward by endData.
func (s *session) writeData(body []byte) error {
	_, err := s.writer.Write(body)
	return err
}

// endData sends the terminating "." line and reads the server's final
// reply, expecting one of want.
func (s *session) endData(want ...int) error {
	if err := s.setDeadline(); err != nil {
		return err
	}
	if _, err := s.writer.WriteString(".\r\n"); err != nil {
		return err
	}
	if err := s.writer.Flush(); err != nil {
		return err
	}
	code, _, err := s.readReply()
	if err != nil {
		return err
	}
	return expectCode(code, want)
}

// command writes line terminated by CRLF and reads the reply, failing
// unless its code matches one of want.
func (s *session) command(line string, want ...int) error {
	if err := s.setDeadline(); err != nil {
		return err
	}
	if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
		return err
	}
	if err := s.writer.Flush(); err != nil {
		return err
	}
	code, _, err := s.readReply()
	if err != nil {
		return err
	}
	return expectCode(code, want)
}

func expectCode(code int, want []int) error {
	for _, w := range want {
		if code == w {
			return nil
		}
	}
	return fmt.Errorf("unexpected reply code %d", code)
}

// maxReplyLines caps a multi-line reply; a peer still sending
// continuation lines past it is treated as malformed and the session
// aborted, matching the original's hard stop at 20 lines.
const maxReplyLines = 20

// readReply reads one possibly-multiline SMTP reply ("NNN-text" lines
// followed by a terminating "NNN text" line) and returns its code.
func (s *session) readReply() (code int, lines []string, err error) {
	for {
		if len(lines) >= maxReplyLines {
			return 0, nil, fmt.Errorf("reply exceeded %d continuation lines", maxReplyLines)
		}
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return 0, nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if len(line) < 4 {
			return 0, nil, fmt.Errorf("malformed reply line %q", line)
		}
		var lineCode int
		if _, err := fmt.Sscanf(line[:3], "%d", &lineCode); err != nil {
			return 0, nil, fmt.Errorf("malformed reply code %q", line[:3])
		}
		lines = append(lines, line[4:])
		if line[3] == ' ' {
			return lineCode, lines, nil
		}
	}
}

func (s *session) setDeadline() error {
	return s.conn.SetDeadline(time.Now().Add(s.timeout))
}

func (s *session) quit() {
	_ = s.command("QUIT", 221)
	s.conn.Close()
}

// setTCPNoDelay disables the Nagle algorithm on tc, matching
// connect_to_smtp_server's setsockopt(TCP_NODELAY) call. Best-effort:
// a platform without the syscall simply keeps Nagle's default batching.
func setTCPNoDelay(tc *net.TCPConn) {
	raw, err := tc.SyscallConn()
	if err != nil {
		return
	}
	raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	})
}

// cork toggles TCP_CORK around a DATA body write so the kernel batches
// it into as few segments as possible instead of flushing on every
// bufio.Writer chunk, the closest idiomatic analog to the original's
// sendfile-based zero-copy body transmission.
func cork(conn net.Conn, on bool) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return
	}
	val := 0
	if on {
		val = 1
	}
	raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_CORK, val)
	})
}
