// Package spool implements the on-disk message handoff between the
// Receiver, Delivery, and Relay processes: filename allocation, the
// MAIL/RCPT pre-header written ahead of a spooled message body, and
// the fan-out copy that writes one read to many recipient files.
// Grounded on original_source/delivery.c (read_pre_header, open_files,
// write_relay_pre_header, copy_file_to_recipients) and the filename
// scheme in original_source/handle_connection.c.
package spool

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/infodancer/smtpd/internal/domainlist"
	"github.com/infodancer/smtpd/internal/instream"
	"github.com/infodancer/smtpd/internal/mailtx"
	"github.com/infodancer/smtpd/internal/parser"
	"github.com/infodancer/smtpd/internal/streamcopy"
)

// MessageExtension is the suffix marking a spooled message file,
// matching the original's MESSAGE_EXTENSION.
const MessageExtension = ".eml"

// preHeaderLineMax bounds a single pre-header line the way
// parser.LineMax bounds a wire command line, since the pre-header uses
// the same MAIL/RCPT grammar.
const preHeaderLineMax = parser.LineMax + 2

// NextFilename allocates an unused "<timestamp>-<n>.eml" name under
// dir, probing successive counter values the way the original's
// open_incoming_file loop called stat() until it found a free slot.
// counter is advanced in place so repeated calls within one process
// don't retry the same values.
func NextFilename(dir string, timestamp int64, counter *uint64) (string, error) {
	for {
		name := Filename(timestamp, *counter)
		*counter++
		if _, err := os.Stat(filepath.Join(dir, name)); os.IsNotExist(err) {
			return name, nil
		} else if err != nil {
			return "", err
		}
	}
}

// Filename formats the "<timestamp>-<n>.eml" spool filename.
func Filename(timestamp int64, n uint64) string {
	return fmt.Sprintf("%d-%d%s", timestamp, n, MessageExtension)
}

// HasMessageExtension reports whether name ends in MessageExtension,
// the filter the Delivery scan loop applies to skip non-message
// directory entries (dotfiles, temp files).
func HasMessageExtension(name string) bool {
	return strings.HasSuffix(name, MessageExtension)
}

// WritePreHeader writes the MAIL FROM / RCPT TO lines a Receiver
// prepends to a spooled message, terminated by a blank line.
func WritePreHeader(w io.Writer, reversePath string, recipients []string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "MAIL FROM:%s\r\n", reversePath)
	for _, r := range recipients {
		fmt.Fprintf(&b, "RCPT TO:<%s>\r\n", r)
	}
	b.WriteString("\r\n")
	_, err := io.WriteString(w, b.String())
	return err
}

// WriteRelayPreHeader writes the pre-header Delivery hands to Relay,
// grounded on write_relay_pre_header.
func WriteRelayPreHeader(w io.Writer, reversePath string, relay *mailtx.Transaction) error {
	return WritePreHeader(w, reversePath, relay.Recipients())
}

// ReadPreHeader parses the MAIL FROM / RCPT TO lines at the front of a
// spooled message, splitting recipients into a delivery transaction
// (domains served locally, per served) and a relay transaction
// (everything else), grounded on read_pre_header.
func ReadPreHeader(s *instream.Stream, served *domainlist.List) (delivery, relay *mailtx.Transaction, err error) {
	delivery = mailtx.New()
	relay = mailtx.New()

	for {
		line, done, rerr := s.Fgets(preHeaderLineMax)
		if rerr != nil {
			return nil, nil, rerr
		}
		if !done {
			return nil, nil, fmt.Errorf("spool: truncated pre-header line")
		}

		text := string(line)
		if text == "\n" || text == "\r\n" {
			return delivery, relay, nil
		}
		if !strings.HasSuffix(text, "\r\n") {
			text = strings.TrimRight(text, "\n") + "\r\n"
		}

		cmd, _, ok := parser.ParseCommand(text)
		if !ok {
			return nil, nil, fmt.Errorf("spool: malformed pre-header line %q", text)
		}

		switch cmd.Verb {
		case parser.MAIL:
			if delivery.ReversePath != "" {
				return nil, nil, fmt.Errorf("spool: duplicate MAIL FROM in pre-header")
			}
			addr, ok := parser.ParseReversePath(cmd.Argument)
			if !ok {
				return nil, nil, fmt.Errorf("spool: invalid reverse-path %q", cmd.Argument)
			}
			rp := mailtx.SetReversePath(addr.Local, addr.Domain)
			delivery.ReversePath = rp
			relay.ReversePath = rp
		case parser.RCPT:
			addr, ok := parser.ParseForwardPath(cmd.Argument)
			if !ok {
				return nil, nil, fmt.Errorf("spool: invalid forward-path %q", cmd.Argument)
			}
			if served != nil && served.Lookup(addr.Local, addr.Domain) {
				delivery.AddForwardPath(addr.Local, addr.Domain)
			} else {
				relay.AddForwardPath(addr.Local, addr.Domain)
			}
		default:
			return nil, nil, fmt.Errorf("spool: unexpected pre-header verb %v in line %q", cmd.Verb, text)
		}
	}
}

// DeliveryPath is the path a locally delivered message is written to,
// mirroring open_files' "<domains>/<domain>/<local-part>/<filename>"
// layout.
func DeliveryPath(domainsDir, domain, localPart, filename string) string {
	return filepath.Join(domainsDir, domain, localPart, filename)
}

// RelayPath is the path a relay-bound copy is spooled to.
func RelayPath(relayDir, filename string) string {
	return filepath.Join(relayDir, filename)
}

// CopyToRecipients streams s to every writer, reading once per chunk
// and writing that chunk to all recipients before reading the next,
// mirroring copy_file_to_recipients. The actual read/fan-out loop lives
// in streamcopy.FanOut, the shared stream-to-descriptor pipe spec.md §2
// specifies for this exact concern.
func CopyToRecipients(s *instream.Stream, writers []io.Writer) (int64, error) {
	return streamcopy.FanOut(s, writers)
}
