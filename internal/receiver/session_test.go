package receiver

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/infodancer/smtpd/internal/domainlist"
	"github.com/infodancer/smtpd/internal/iplist"
	"github.com/infodancer/smtpd/internal/logging"
)

// testConn wires a real in-process socket pair so SetReadDeadline and
// SetWriteDeadline behave exactly as they would against a real client,
// the way relay_test.go drives a loopback fakeSMTPServer rather than a
// net.Pipe (whose deadlines are no-ops).
func testConn(t *testing.T) (server, client net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	done := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			done <- nil
			return
		}
		done <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	server = <-done
	if server == nil {
		t.Fatal("accept failed")
	}
	return server, client
}

func newTestReceiver(t *testing.T) *Receiver {
	t.Helper()
	root := t.TempDir()
	incoming := filepath.Join(root, "incoming")
	received := filepath.Join(root, "received")
	for _, d := range []string{incoming, received} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	served := domainlist.New()
	served.AddPath("example.org", "alice")

	return &Receiver{
		Hostname:        "mail.example.org",
		ProductName:     "test-smtpd",
		IncomingDir:     incoming,
		ReceivedDir:     received,
		Served:          served,
		RelayIPs:        iplist.New(),
		MaxIdleTime:     2 * time.Second,
		MaxMessageSize:  1 << 20,
		MaxRecipients:   10,
		MaxTransactions: 10,
		Postmaster:      "abuse@example.org",
	}
}

// driveSession runs a session against one end of a real socket pair
// while a client goroutine plays a fixed command script against the
// other end, collecting every reply line so the test can assert on
// them once the script completes. Each script entry is written whole
// before the next reply line is read, so a multi-line DATA body must
// be passed as one concatenated entry ending in the dot terminator.
func driveSession(t *testing.T, r *Receiver, script []string) []string {
	t.Helper()
	server, client := testConn(t)
	defer client.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s := newSession(r, server, slog.Default())
		s.run(context.Background())
	}()

	cr := bufio.NewReader(client)
	var replies []string
	readReply := func() string {
		var full strings.Builder
		for {
			line, err := cr.ReadString('\n')
			if err != nil {
				t.Fatalf("reading reply: %v", err)
			}
			full.WriteString(line)
			// a multi-line reply (e.g. EHLO) uses "nnn-" on every line
			// but the last, which uses "nnn "
			if len(line) < 4 || line[3] != '-' {
				return full.String()
			}
		}
	}
	replies = append(replies, readReply()) // greeting

	for _, cmd := range script {
		if _, err := client.Write([]byte(cmd)); err != nil {
			t.Fatalf("writing command %q: %v", cmd, err)
		}
		replies = append(replies, readReply())
	}

	client.Close()
	<-done
	return replies
}

func TestSessionHappyPathAcceptsMessage(t *testing.T) {
	r := newTestReceiver(t)
	script := []string{
		"EHLO client.example.com\r\n",
		"MAIL FROM:<bob@example.com>\r\n",
		"RCPT TO:<alice@example.org>\r\n",
		"DATA\r\n",
		"Subject: hi\r\n\r\nbody text\r\n.\r\n",
		"QUIT\r\n",
	}
	replies := driveSession(t, r, script)

	if !strings.HasPrefix(replies[0], "220 ") {
		t.Fatalf("unexpected greeting: %q", replies[0])
	}
	if !strings.HasPrefix(replies[1], "250-example.org") {
		t.Fatalf("unexpected EHLO reply: %q", replies[1])
	}
	if !strings.HasPrefix(replies[2], "250 2.1.0") {
		t.Fatalf("unexpected MAIL reply: %q", replies[2])
	}
	if !strings.HasPrefix(replies[3], "250 2.1.5") {
		t.Fatalf("unexpected RCPT reply: %q", replies[3])
	}
	if !strings.HasPrefix(replies[4], "354 ") {
		t.Fatalf("unexpected DATA reply: %q", replies[4])
	}
	last := replies[len(replies)-1]
	if !strings.Contains(last, "Message accepted") && !strings.HasPrefix(last, "221 ") {
		t.Fatalf("unexpected tail reply: %q", last)
	}

	accepted := replies[len(replies)-2]
	if !strings.HasPrefix(accepted, "250 2.0.0 Message accepted") {
		t.Fatalf("message not accepted: %q", accepted)
	}

	entries, err := os.ReadDir(r.ReceivedDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one spooled message, got %d", len(entries))
	}
}

func TestSessionRcptBeforeMailRejected(t *testing.T) {
	r := newTestReceiver(t)
	replies := driveSession(t, r, []string{
		"EHLO client.example.com\r\n",
		"RCPT TO:<alice@example.org>\r\n",
		"QUIT\r\n",
	})
	if !strings.HasPrefix(replies[2], "503") {
		t.Fatalf("expected 503 Need MAIL, got %q", replies[2])
	}
}

func TestSessionMailBeforeHeloRejected(t *testing.T) {
	r := newTestReceiver(t)
	replies := driveSession(t, r, []string{
		"MAIL FROM:<bob@example.com>\r\n",
		"QUIT\r\n",
	})
	if !strings.HasPrefix(replies[1], "503") {
		t.Fatalf("expected 503 Polite people, got %q", replies[1])
	}
}

func TestSessionUnknownRecipientRejectedWithoutRelay(t *testing.T) {
	r := newTestReceiver(t)
	replies := driveSession(t, r, []string{
		"EHLO client.example.com\r\n",
		"MAIL FROM:<bob@example.com>\r\n",
		"RCPT TO:<nobody@unknown.test>\r\n",
		"QUIT\r\n",
	})
	if !strings.HasPrefix(replies[3], "550") {
		t.Fatalf("expected 550 Addressee unknown, got %q", replies[3])
	}
}

func TestSessionPostmasterWithoutDomainResolves(t *testing.T) {
	r := newTestReceiver(t)
	replies := driveSession(t, r, []string{
		"EHLO client.example.com\r\n",
		"MAIL FROM:<bob@example.com>\r\n",
		"RCPT TO:<postmaster>\r\n",
		"QUIT\r\n",
	})
	if !strings.HasPrefix(replies[3], "250 2.1.5") {
		t.Fatalf("expected postmaster recipient accepted, got %q", replies[3])
	}
}

func TestSessionBdatChunkedMessage(t *testing.T) {
	r := newTestReceiver(t)
	body := "Subject: chunked\r\n\r\nhello\r\n"

	server, client := testConn(t)
	defer client.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s := newSession(r, server, slog.Default())
		s.run(context.Background())
	}()

	cr := bufio.NewReader(client)
	readReply := func() string {
		var full strings.Builder
		for {
			line, err := cr.ReadString('\n')
			if err != nil {
				t.Fatalf("reading reply: %v", err)
			}
			full.WriteString(line)
			if len(line) < 4 || line[3] != '-' {
				return full.String()
			}
		}
	}
	write := func(s string) {
		if _, err := client.Write([]byte(s)); err != nil {
			t.Fatalf("write %q: %v", s, err)
		}
	}

	readReply() // greeting
	write("EHLO client.example.com\r\n")
	readReply()
	write("MAIL FROM:<bob@example.com>\r\n")
	readReply()
	write("RCPT TO:<alice@example.org>\r\n")
	readReply()

	// a BDAT command's reply isn't sent until the declared chunk bytes
	// have been read off the wire, so the command line and its body
	// must be written together (or at least without waiting on a reply
	// in between).
	write("BDAT 10\r\n" + body[:10])
	chunkReply := readReply()
	if !strings.HasPrefix(chunkReply, "250") {
		t.Fatalf("unexpected first BDAT reply: %q", chunkReply)
	}

	write("BDAT " + itoa(len(body)-10) + " LAST\r\n" + body[10:])
	finalReply := readReply()
	if !strings.HasPrefix(finalReply, "250 2.0.0 Message accepted") {
		t.Fatalf("expected message accepted, got %q", finalReply)
	}

	write("QUIT\r\n")
	readReply()
	client.Close()
	<-done

	entries, err := os.ReadDir(r.ReceivedDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one spooled message, got %d", len(entries))
	}
}

func TestSessionDisconnectMidDataUnlinksIncomingFile(t *testing.T) {
	r := newTestReceiver(t)
	server, client := testConn(t)
	defer client.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer server.Close()
		s := newSession(r, server, slog.Default())
		s.run(context.Background())
	}()

	cr := bufio.NewReader(client)
	readReply := func() {
		for {
			line, err := cr.ReadString('\n')
			if err != nil {
				t.Errorf("reading reply: %v", err)
				return
			}
			if len(line) < 4 || line[3] != '-' {
				return
			}
		}
	}
	write := func(s string) {
		if _, err := client.Write([]byte(s)); err != nil {
			t.Fatalf("write %q: %v", s, err)
		}
	}

	readReply() // greeting
	write("EHLO client.example.com\r\n")
	readReply()
	write("MAIL FROM:<bob@example.com>\r\n")
	readReply()
	write("RCPT TO:<alice@example.org>\r\n")
	readReply()
	write("DATA\r\n")
	readReply()

	// Drop the connection mid-body, before the dot terminator.
	write("partial body line\r\n")
	client.Close()
	<-done

	for _, dir := range []string{r.IncomingDir, r.ReceivedDir} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 0 {
			t.Errorf("expected %s empty after mid-body disconnect, found %d entries", dir, len(entries))
		}
	}
}

func TestSessionBdatWithoutArgumentGets501(t *testing.T) {
	r := newTestReceiver(t)
	replies := driveSession(t, r, []string{
		"EHLO client.example.com\r\n",
		"BDAT\r\n",
		"QUIT\r\n",
	})
	if !strings.HasPrefix(replies[2], "501") || !strings.Contains(replies[2], "BDAT") {
		t.Fatalf("expected BDAT-specific 501, got %q", replies[2])
	}
}

func TestSessionRecordsMailLogLine(t *testing.T) {
	r := newTestReceiver(t)
	logPath := filepath.Join(t.TempDir(), "mail.log")
	ml, err := logging.OpenMailLog(logPath)
	if err != nil {
		t.Fatal(err)
	}
	defer ml.Close()
	r.MailLog = ml

	driveSession(t, r, []string{
		"EHLO client.example.com\r\n",
		"MAIL FROM:<bob@example.com>\r\n",
		"RCPT TO:<alice@example.org>\r\n",
		"DATA\r\n",
		"Hi\r\n.\r\n",
		"QUIT\r\n",
	})

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	line := string(data)
	if !strings.Contains(line, "[<bob@example.com>]") {
		t.Errorf("mail log missing reverse-path: %q", line)
	}
	if !strings.Contains(line, "[alice@example.org]") {
		t.Errorf("mail log missing recipient: %q", line)
	}
}

func TestSessionIdleTimeoutClosesSilently(t *testing.T) {
	r := newTestReceiver(t)
	r.MaxIdleTime = 200 * time.Millisecond

	server, client := testConn(t)
	defer client.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer server.Close()
		s := newSession(r, server, slog.Default())
		s.run(context.Background())
	}()

	cr := bufio.NewReader(client)
	if _, err := cr.ReadString('\n'); err != nil {
		t.Fatalf("greeting: %v", err)
	}

	// Send nothing; the idle timeout must close the connection with no
	// further reply.
	line, err := cr.ReadString('\n')
	if err == nil {
		t.Fatalf("expected silent close, got reply %q", line)
	}
	<-done
}

func TestSessionRsetClearsTransaction(t *testing.T) {
	r := newTestReceiver(t)
	replies := driveSession(t, r, []string{
		"EHLO client.example.com\r\n",
		"MAIL FROM:<bob@example.com>\r\n",
		"RSET\r\n",
		"RCPT TO:<alice@example.org>\r\n",
		"QUIT\r\n",
	})
	if !strings.HasPrefix(replies[3], "250 2.0.0 Reset") {
		t.Fatalf("unexpected RSET reply: %q", replies[3])
	}
	if !strings.HasPrefix(replies[4], "503") {
		t.Fatalf("expected RCPT after RSET to need MAIL again, got %q", replies[4])
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := make([]byte, 0, 8)
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
