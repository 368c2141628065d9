package receiver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/infodancer/smtpd/internal/buffer"
	"github.com/infodancer/smtpd/internal/dnscache"
	"github.com/infodancer/smtpd/internal/instream"
	"github.com/infodancer/smtpd/internal/mailtx"
	"github.com/infodancer/smtpd/internal/parser"
	"github.com/infodancer/smtpd/internal/spool"
	"github.com/infodancer/smtpd/internal/streamcopy"
)

// commandLineMax bounds a command or body line read: a line of up to
// parser.LineMax bytes including its CRLF is accepted whole, one byte
// more overruns the read and is discarded, matching the original's
// fixed TEXT_LINE_MAXLEN connection->input buffer.
const commandLineMax = parser.LineMax + 1

// writeTimeout bounds a single reply write, guarding against a client
// that stops reading.
const writeTimeout = 30 * time.Second

// errWriteFailed signals a local disk write failure partway through a
// DATA/BDAT body, distinct from a connection-level error: the session
// keeps consuming the client's bytes (so the protocol stays in sync)
// but reports failure once the body finishes.
var errWriteFailed = errors.New("receiver: local write failed")

// session is the per-connection state machine, translating
// handle_command's single-threaded epoll dispatch into one blocking
// goroutine per connection (spec.md §9's REDESIGN FLAG). A blocking
// read replaces EAGAIN/EPOLLIN readiness; a read-deadline timeout
// replaces the original's idle-connection reaping.
type session struct {
	r      *Receiver
	conn   net.Conn
	stream *instream.Stream
	outBuf *buffer.Buffer
	log    *slog.Logger

	clientDomain  string // set by EHLO/HELO; "" means neither has been issued yet
	tx            *mailtx.Transaction
	ntransactions int

	file           *os.File
	fileName       string
	filesize       int64
	bdatInProgress bool

	quit bool
}

func newSession(r *Receiver, conn net.Conn, log *slog.Logger) *session {
	return &session{
		r:      r,
		conn:   conn,
		stream: instream.New(conn, 4096),
		outBuf: buffer.New(256),
		log:    log,
		tx:     mailtx.New(),
	}
}

// run drives the connection from greeting to close. A body still being
// captured when the session ends abnormally (idle timeout, peer
// disconnect, read error) is closed and unlinked on the way out, the
// way connection_free dropped any open incoming file at teardown.
func (s *session) run(ctx context.Context) {
	defer s.clearIncomingFile()

	if err := s.reply(reply220Fmt, s.r.firstDomain(), s.r.ProductName); err != nil {
		return
	}

	for !s.quit {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.r.idleTimeout())); err != nil {
			return
		}

		line, done, err := s.stream.Fgets(commandLineMax)
		if err != nil {
			// An idle timeout closes the connection silently, the way
			// the original's per-tick last_read_write sweep did.
			return
		}
		if !done {
			// Either the peer closed mid-line, or the line overran the
			// buffer without a terminator. In the latter case discard
			// the remainder of the physical line before replying, the
			// way discard_command_line does.
			if s.stream.EOF() {
				return
			}
			if derr := s.discardRestOfLine(); derr != nil {
				return
			}
			if s.reply(reply500) != nil {
				return
			}
			continue
		}

		cmd, code, ok := parser.ParseCommand(string(line))
		if !ok {
			var text string
			if code == parser.ReplySyntaxError {
				text = reply501For(cmd.Verb)
			} else {
				text = reply500
			}
			if s.reply(text) != nil {
				return
			}
			continue
		}

		if s.r.Metrics != nil {
			s.r.Metrics.CommandProcessed(cmd.Verb.String())
		}

		if err := s.dispatch(ctx, cmd); err != nil {
			return
		}
	}
}

// discardRestOfLine reads and drops bytes up to the next newline,
// mirroring discard_command_line's retry loop for an over-long line.
func (s *session) discardRestOfLine() error {
	for {
		done, err := s.stream.DiscardLine()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if s.stream.EOF() {
			return io.ErrUnexpectedEOF
		}
	}
}

// reply formats one SMTP response into the session's output buffer,
// the shared I/O surface spec.md §3's Connection.output_buffer
// specifies, and writes it to the wire in a single call.
func (s *session) reply(format string, args ...any) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	s.outBuf.Reset()
	if len(args) > 0 {
		s.outBuf.Appendf(format, args...)
	} else {
		s.outBuf.AppendString(format)
	}
	_, err := s.conn.Write(s.outBuf.Bytes())
	return err
}

// dispatch runs one parsed command through the same validation order
// and reply selection as handle_command's switch.
func (s *session) dispatch(ctx context.Context, cmd parser.Command) error {
	switch cmd.Verb {
	case parser.EHLO, parser.HELO:
		return s.handleGreeting(cmd)
	case parser.EXPN, parser.HELP, parser.VRFY:
		return s.reply(reply502)
	case parser.NOOP:
		return s.reply(reply250OK)
	case parser.QUIT:
		s.quit = true
		return s.reply(reply221Fmt, s.r.firstDomain())
	case parser.RSET:
		s.resetTransaction()
		return s.reply(replyResetState)
	case parser.MAIL:
		return s.handleMail(cmd)
	case parser.RCPT:
		return s.handleRcpt(ctx, cmd)
	case parser.DATA:
		return s.handleData(ctx)
	case parser.BDAT:
		return s.handleBdat(ctx, cmd)
	}
	return s.reply(reply500)
}

func (s *session) handleGreeting(cmd parser.Command) error {
	domain, ok := parser.ParseDomain(cmd.Argument)
	if !ok {
		return s.reply(replyInvalidDomainName)
	}

	s.clientDomain = domain
	s.resetTransaction()

	if cmd.Verb == parser.EHLO {
		return s.reply(replyEHLOFmt, s.r.firstDomain(), s.r.MaxMessageSize)
	}
	return s.reply(replyHELOFmt, s.r.firstDomain())
}

func (s *session) handleMail(cmd parser.Command) error {
	if s.tx.ReversePath != "" {
		return s.reply(replySenderAlreadySpecified)
	}
	if s.clientDomain == "" {
		return s.reply(replyNeedHelo)
	}

	addr, ok := parser.ParseReversePath(cmd.Argument)
	if !ok {
		return s.reply(replyBadSender)
	}

	if s.ntransactions >= s.r.MaxTransactions {
		return s.reply(replyTooManyTransactionsFmt, s.clientDomain)
	}
	if addr.Size >= 0 && addr.Size > s.r.MaxMessageSize {
		return s.reply(reply552)
	}

	s.tx.ReversePath = mailtx.SetReversePath(addr.Local, addr.Domain)
	return s.reply(replySenderOK)
}

func (s *session) handleRcpt(ctx context.Context, cmd parser.Command) error {
	if s.bdatInProgress {
		return s.reply(replyMailTransactionInProgress)
	}
	if s.tx.ReversePath == "" {
		return s.reply(replyNeedMail)
	}

	addr, ok := parser.ParseForwardPath(cmd.Argument)
	if !ok {
		return s.reply(replyBadRecipient)
	}
	if s.tx.RecipientCount() >= s.r.MaxRecipients {
		return s.reply(replyTooManyRecipients)
	}

	local, domain := addr.Local, addr.Domain
	if addr.Postmaster {
		local, domain = s.r.postmasterAddress()
	} else if !s.r.Served.Lookup(local, domain) {
		if !s.r.relayAllowed(s.conn.RemoteAddr().String()) || !s.domainReachable(ctx, domain) {
			if s.r.Metrics != nil {
				s.r.Metrics.MessageRejected("unknown_recipient")
			}
			return s.reply(reply550)
		}
	}

	s.tx.AddForwardPath(local, domain)
	return s.reply(replyRecipientOK)
}

// domainReachable reports whether domain has a usable mail exchanger,
// grounded on domain_is_reachable: an MX hit is sufficient on its own,
// while an A-only domain must answer a real connection attempt before
// it is accepted as a relay destination.
func (s *session) domainReachable(ctx context.Context, domain string) bool {
	if s.r.DNSCache == nil {
		return false
	}
	hosts, status := s.r.DNSCache.LookupMX(ctx, domain)
	if status == dnscache.StatusSuccess && len(hosts) > 0 {
		return true
	}
	if status != dnscache.StatusHostNotFound && status != dnscache.StatusNoData {
		return false
	}

	hosts, status = s.r.DNSCache.LookupHost(ctx, domain)
	if status != dnscache.StatusSuccess || len(hosts) == 0 {
		return false
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", net.JoinHostPort(hosts[0].Name, "25"))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (s *session) handleData(ctx context.Context) error {
	if s.bdatInProgress {
		return s.reply(replyMailTransactionInProgress)
	}
	if s.tx.RecipientCount() == 0 {
		return s.reply(replyNeedRcpt)
	}

	discarding := s.openIncomingFile() != nil
	if err := s.reply(reply354); err != nil {
		return err
	}

	return s.receiveDataBody(discarding)
}

// receiveDataBody reads body lines until a lone "." terminator,
// mirroring handle_data_command's per-line write loop. A write or
// size-limit failure switches to discard-but-keep-reading, the
// blocking-model consolidation of discard_data.
func (s *session) receiveDataBody(discarding bool) error {
	var diskFull, tooLarge bool

	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.r.idleTimeout())); err != nil {
			return err
		}
		line, done, err := s.stream.Fgets(commandLineMax)
		if err != nil {
			return err
		}
		if done && isDotTerminator(line) {
			break
		}
		if !done && s.stream.EOF() {
			return io.ErrUnexpectedEOF
		}

		if !discarding {
			if _, werr := s.file.Write(line); werr != nil {
				discarding, diskFull = true, true
			} else {
				s.filesize += int64(len(line))
				if s.filesize > s.r.MaxMessageSize {
					discarding, tooLarge = true, true
				}
			}
		}
	}

	return s.finishBody(diskFull, tooLarge)
}

func (s *session) handleBdat(ctx context.Context, cmd parser.Command) error {
	if s.tx.RecipientCount() == 0 {
		return s.reply(replyNeedRcpt)
	}
	spec, ok := parser.ParseBDAT(cmd.Argument)
	if !ok {
		return s.reply(replyBdatSyntax)
	}

	// a disk error on an earlier chunk already left us discarding for
	// the rest of this transfer
	discarding := s.bdatInProgress && s.file == nil
	if !s.bdatInProgress {
		discarding = s.openIncomingFile() != nil
	}

	copied, cerr := s.copyBDATChunk(spec.ChunkSize, discarding)
	if cerr != nil && !errors.Is(cerr, errWriteFailed) {
		return cerr
	}
	diskFull := errors.Is(cerr, errWriteFailed)
	if diskFull {
		// The failed file is useless from here on; drop it so later
		// chunks of this transfer take the discard path.
		s.clearIncomingFile()
		discarding = true
	}
	if !discarding {
		s.filesize += copied
	}

	tooLarge := !discarding && s.filesize > s.r.MaxMessageSize
	if tooLarge {
		s.resetTransaction()
		return s.reply(reply552)
	}

	if !spec.Last {
		s.bdatInProgress = true
		if discarding {
			// The chunk was consumed off the wire but went nowhere;
			// report the staged failure instead of claiming success.
			return s.reply(replyInsufficientDiskSpace)
		}
		return s.reply(reply250OK)
	}

	s.bdatInProgress = false
	return s.finishBody(diskFull, false)
}

// finishBody closes out a DATA/BDAT body: on success it renames the
// incoming file into place, notifies Delivery, and replies accepted;
// on failure it resets the transaction and reports the reason.
func (s *session) finishBody(diskFull, tooLarge bool) error {
	switch {
	case tooLarge:
		s.resetTransaction()
		if s.r.Metrics != nil {
			s.r.Metrics.MessageRejected("size")
		}
		return s.reply(reply552)
	case diskFull || s.file == nil:
		s.resetTransaction()
		if s.r.Metrics != nil {
			s.r.Metrics.MessageRejected("disk")
		}
		return s.reply(replyInsufficientDiskSpace)
	}

	if err := s.file.Close(); err != nil {
		s.resetTransaction()
		return s.reply(replyInsufficientDiskSpace)
	}
	s.file = nil

	oldPath := filepath.Join(s.r.IncomingDir, s.fileName)
	newPath := filepath.Join(s.r.ReceivedDir, s.fileName)
	if err := os.Rename(oldPath, newPath); err != nil {
		s.log.Error("moving spooled message failed", "error", err, "file", s.fileName)
		os.Remove(oldPath)
		s.fileName = ""
		s.resetTransaction()
		return s.reply(replyInsufficientDiskSpace)
	}
	if s.r.NotifyDelivery != nil {
		s.r.NotifyDelivery()
	}

	if s.r.Metrics != nil {
		s.r.Metrics.MessageAccepted(s.filesize)
	}
	if s.r.MailLog != nil {
		if err := s.r.MailLog.Record(s.peerHost(), s.r.clock()(), s.tx.ReversePath, s.tx.Recipients(), s.filesize); err != nil {
			s.log.Warn("writing mail log entry failed", "error", err)
		}
	}

	s.ntransactions++
	s.tx = mailtx.New()
	s.fileName = ""
	s.filesize = 0

	return s.reply(replyMessageAccepted)
}

// openIncomingFile allocates a fresh spool filename, opens it, and
// writes the pre-header plus a synthesized Received header, the way
// prepare_message_file does. A non-nil return means the file could not
// be prepared and the body should be discarded rather than written.
func (s *session) openIncomingFile() error {
	name, err := s.r.allocateFilename()
	if err != nil {
		return err
	}

	f, err := os.OpenFile(filepath.Join(s.r.IncomingDir, name), os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}

	if err := spool.WritePreHeader(f, s.tx.ReversePath, s.tx.Recipients()); err != nil {
		f.Close()
		os.Remove(filepath.Join(s.r.IncomingDir, name))
		return err
	}

	received := fmt.Sprintf("Received: FROM %s\r\n\tBY %s;\r\n\t%s GMT\r\n",
		s.peerHost(), s.r.firstDomain(), s.r.clock()().UTC().Format("Mon, 2 Jan 2006 15:04:05"))
	if _, err := io.WriteString(f, received); err != nil {
		f.Close()
		os.Remove(filepath.Join(s.r.IncomingDir, name))
		return err
	}

	s.file = f
	s.fileName = name
	s.filesize = 0
	return nil
}

func (s *session) peerHost() string {
	host, _, err := net.SplitHostPort(s.conn.RemoteAddr().String())
	if err != nil {
		return s.conn.RemoteAddr().String()
	}
	return host
}

// copyBDATChunk reads exactly chunkSize bytes from the stream. When
// discard is true the bytes are read and dropped (still consumed, so
// the connection stays in sync with the client); otherwise they are
// written to the open incoming file via streamcopy.Chunk, the bounded
// stream-to-descriptor pipe spec.md §2 specifies for this exact
// concern. A write failure is reported as errWriteFailed once the
// chunk finishes, since the declared byte count must still be drained
// off the wire.
func (s *session) copyBDATChunk(chunkSize int64, discard bool) (int64, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.r.idleTimeout())); err != nil {
		return 0, err
	}

	if discard {
		if err := s.stream.Skip(chunkSize); err != nil {
			return 0, err
		}
		if chunkSize > 0 && s.stream.EOF() {
			return 0, io.ErrUnexpectedEOF
		}
		return 0, nil
	}

	writeFailed := false
	write := func(p []byte) (int, error) {
		if writeFailed {
			return len(p), nil
		}
		n, err := s.file.Write(p)
		if err != nil {
			writeFailed = true
			return len(p), nil
		}
		return n, nil
	}

	total, err := streamcopy.Chunk(s.stream, write, chunkSize)
	if err != nil {
		return total, err
	}
	if total < chunkSize {
		return total, io.ErrUnexpectedEOF
	}
	if writeFailed {
		return total, errWriteFailed
	}
	return total, nil
}

// resetTransaction discards the in-progress mail transaction and any
// partially-written incoming file, grounded on reset_mail_transaction.
func (s *session) resetTransaction() {
	s.tx = mailtx.New()
	s.clearIncomingFile()
	s.bdatInProgress = false
}

func (s *session) clearIncomingFile() {
	if s.file == nil {
		return
	}
	name := s.fileName
	s.file.Close()
	s.file = nil
	if name != "" {
		os.Remove(filepath.Join(s.r.IncomingDir, name))
	}
	s.fileName = ""
	s.filesize = 0
}

// isDotTerminator reports whether line is the lone "." (with or
// without a trailing CR) that ends a DATA/BDAT-by-dot-stuffed body.
func isDotTerminator(line []byte) bool {
	switch len(line) {
	case 2:
		return line[0] == '.' && line[1] == '\n'
	case 3:
		return line[0] == '.' && line[1] == '\r' && line[2] == '\n'
	}
	return false
}
