package relay

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/infodancer/smtpd/internal/dnscache"
)

// fakeResolver always answers with one MX host, the loopback listener
// a test spins up to stand in for a real relay target.
type fakeResolver struct {
	host string
}

func (f *fakeResolver) LookupMX(ctx context.Context, name string) ([]dnscache.Host, dnscache.Status) {
	return []dnscache.Host{{Name: f.host, Preference: 10, TTL: 300}}, dnscache.StatusSuccess
}

func (f *fakeResolver) LookupHost(ctx context.Context, name string) ([]dnscache.Host, dnscache.Status) {
	return []dnscache.Host{{Name: f.host, TTL: 300}}, dnscache.StatusSuccess
}

// fakeSMTPServer accepts one connection, speaks just enough SMTP to
// accept every transaction, and records what it received.
type fakeSMTPServer struct {
	ln      net.Listener
	reverse []string
	rcpts   [][]string
	data    []string
}

func startFakeSMTPServer(t *testing.T, rejectRcpt bool) *fakeSMTPServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := &fakeSMTPServer{ln: ln}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		w := bufio.NewWriter(conn)
		r := bufio.NewReader(conn)
		reply := func(line string) {
			w.WriteString(line + "\r\n")
			w.Flush()
		}

		reply("220 fake.example.org ESMTP")
		var rcpts []string
		inData := false
		var dataBuf strings.Builder

		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")

			if inData {
				if line == "." {
					inData = false
					srv.data = append(srv.data, dataBuf.String())
					dataBuf.Reset()
					reply("250 OK queued")
					continue
				}
				dataBuf.WriteString(line + "\n")
				continue
			}

			upper := strings.ToUpper(line)
			switch {
			case strings.HasPrefix(upper, "HELO"), strings.HasPrefix(upper, "EHLO"):
				reply("250 fake.example.org")
			case strings.HasPrefix(upper, "MAIL FROM:"):
				srv.reverse = append(srv.reverse, line[len("MAIL FROM:"):])
				reply("250 OK")
			case strings.HasPrefix(upper, "RCPT TO:"):
				if rejectRcpt {
					reply("550 no such user")
					continue
				}
				rcpts = append(rcpts, line[len("RCPT TO:"):])
				reply("250 OK")
			case upper == "DATA":
				srv.rcpts = append(srv.rcpts, rcpts)
				rcpts = nil
				inData = true
				reply("354 go ahead")
			case upper == "QUIT":
				reply("221 bye")
				return
			case upper == "RSET":
				reply("250 OK")
			default:
				reply("500 unrecognized")
			}
		}
	}()

	return srv
}

func (s *fakeSMTPServer) addr() string {
	return s.ln.Addr().String()
}

func writeRelaySpoolFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newRelay(t *testing.T, relayDir, errDir string, resolver dnscache.Resolver, serverAddr string) *Relay {
	t.Helper()

	cache := dnscache.New(64, time.Minute, resolver)
	return &Relay{
		RelayDir: relayDir,
		ErrorDir: errDir,
		Hostname: "relay.example.org",
		DNSCache: cache,
		dial: func(ctx context.Context, dialHost string, dialPort int) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", serverAddr)
		},
	}
}

func TestDeliverHostSuccessRemovesSpoolFile(t *testing.T) {
	root := t.TempDir()
	relayDir := filepath.Join(root, "relay")
	errDir := filepath.Join(root, "error")
	for _, d := range []string{relayDir, errDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	srv := startFakeSMTPServer(t, false)

	msg := "MAIL FROM:<bob@example.org>\r\n" +
		"RCPT TO:<carol@remote.net>\r\n" +
		"\r\n" +
		"Subject: hi\r\n\r\nbody text\r\n"
	writeRelaySpoolFile(t, relayDir, "1-1.eml", msg)

	r := newRelay(t, relayDir, errDir, &fakeResolver{host: "mx.remote.net"}, srv.addr())

	if err := r.scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}

	if _, err := os.Stat(filepath.Join(relayDir, "1-1.eml")); !os.IsNotExist(err) {
		t.Errorf("expected spooled message removed after successful relay")
	}
	if len(srv.data) != 1 || !strings.Contains(srv.data[0], "body text") {
		t.Errorf("server didn't receive expected body: %#v", srv.data)
	}
	if len(srv.reverse) != 1 || srv.reverse[0] != "<bob@example.org>" {
		t.Errorf("unexpected reverse-path recorded: %#v", srv.reverse)
	}
}

func TestDeliverHostRejectedRecipientMovesToError(t *testing.T) {
	root := t.TempDir()
	relayDir := filepath.Join(root, "relay")
	errDir := filepath.Join(root, "error")
	for _, d := range []string{relayDir, errDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	srv := startFakeSMTPServer(t, true)

	msg := "MAIL FROM:<bob@example.org>\r\n" +
		"RCPT TO:<carol@remote.net>\r\n" +
		"\r\n" +
		"body\r\n"
	writeRelaySpoolFile(t, relayDir, "2-1.eml", msg)

	r := newRelay(t, relayDir, errDir, &fakeResolver{host: "mx.remote.net"}, srv.addr())

	if err := r.scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}

	if _, err := os.Stat(filepath.Join(errDir, "2-1.eml")); err != nil {
		t.Errorf("expected message moved to error directory: %v", err)
	}
}

// fakeMultiResolver answers MX queries with a dead host before the
// real one, so deliverHost's candidate walk has to fail over.
type fakeMultiResolver struct {
	deadHost string
	liveHost string
}

func (f *fakeMultiResolver) LookupMX(ctx context.Context, name string) ([]dnscache.Host, dnscache.Status) {
	return []dnscache.Host{
		{Name: f.deadHost, Preference: 10, TTL: 300},
		{Name: f.liveHost, Preference: 20, TTL: 300},
	}, dnscache.StatusSuccess
}

func (f *fakeMultiResolver) LookupHost(ctx context.Context, name string) ([]dnscache.Host, dnscache.Status) {
	return nil, dnscache.StatusNoData
}

func TestDeliverHostFallsBackToNextCandidate(t *testing.T) {
	root := t.TempDir()
	relayDir := filepath.Join(root, "relay")
	errDir := filepath.Join(root, "error")
	for _, d := range []string{relayDir, errDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	srv := startFakeSMTPServer(t, false)

	msg := "MAIL FROM:<bob@example.org>\r\n" +
		"RCPT TO:<carol@remote.net>\r\n" +
		"\r\n" +
		"body text\r\n"
	writeRelaySpoolFile(t, relayDir, "4-1.eml", msg)

	cache := dnscache.New(64, time.Minute, &fakeMultiResolver{deadHost: "mx1.remote.net", liveHost: "mx2.remote.net"})
	r := &Relay{
		RelayDir: relayDir,
		ErrorDir: errDir,
		Hostname: "relay.example.org",
		DNSCache: cache,
		dial: func(ctx context.Context, dialHost string, dialPort int) (net.Conn, error) {
			if dialHost == "mx1.remote.net" {
				return nil, errors.New("connection refused")
			}
			var d net.Dialer
			return d.DialContext(ctx, "tcp", srv.addr())
		},
	}

	if err := r.scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}

	if _, err := os.Stat(filepath.Join(relayDir, "4-1.eml")); !os.IsNotExist(err) {
		t.Errorf("expected spooled message removed after falling back to the live candidate")
	}
	if len(srv.data) != 1 {
		t.Errorf("expected the live candidate to receive the message, got %#v", srv.data)
	}
}

func TestDeliverHostForwardsBodyVerbatim(t *testing.T) {
	root := t.TempDir()
	relayDir := filepath.Join(root, "relay")
	errDir := filepath.Join(root, "error")
	for _, d := range []string{relayDir, errDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	srv := startFakeSMTPServer(t, false)

	// The spool body is already in dot-stuffed wire form; the relay must
	// not stuff it again.
	msg := "MAIL FROM:<bob@example.org>\r\n" +
		"RCPT TO:<carol@remote.net>\r\n" +
		"\r\n" +
		"Subject: hi\r\n\r\n..stuffed\r\nplain\r\n"
	writeRelaySpoolFile(t, relayDir, "5-1.eml", msg)

	r := newRelay(t, relayDir, errDir, &fakeResolver{host: "mx.remote.net"}, srv.addr())

	if err := r.scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}

	if len(srv.data) != 1 {
		t.Fatalf("expected one delivered message, got %#v", srv.data)
	}
	if !strings.Contains(srv.data[0], "\n..stuffed\n") {
		t.Errorf("dot-stuffed line not forwarded verbatim: %q", srv.data[0])
	}
	if strings.Contains(srv.data[0], "...stuffed") {
		t.Errorf("body was double-stuffed: %q", srv.data[0])
	}
}

func TestReadMessageSplitsByDomain(t *testing.T) {
	root := t.TempDir()
	relayDir := filepath.Join(root, "relay")
	if err := os.MkdirAll(relayDir, 0o755); err != nil {
		t.Fatal(err)
	}

	msg := "MAIL FROM:<bob@example.org>\r\n" +
		"RCPT TO:<a@one.net>\r\n" +
		"RCPT TO:<b@two.net>\r\n" +
		"\r\n" +
		"body\r\n"
	path := writeRelaySpoolFile(t, relayDir, "3-1.eml", msg)

	r := &Relay{}
	jobs, err := r.readMessage(path, "3-1.eml")
	if err != nil {
		t.Fatalf("readMessage: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	domains := map[string]bool{jobs[0].domain: true, jobs[1].domain: true}
	if !domains["one.net"] || !domains["two.net"] {
		t.Errorf("unexpected domains: %#v", domains)
	}
}
