package receiver

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/infodancer/smtpd/internal/logging"
)

// Listener accepts connections on one address and runs a session over
// each, adapted from internal/server.Listener's accept-loop shape
// (stripped of its TLS-mode branch: STARTTLS is out of scope here).
type Listener struct {
	Address  string
	Receiver *Receiver

	// PostBind, when non-nil, runs once the listening socket is bound,
	// before any connection is accepted. cmd/smtpd uses it to drop root
	// privileges after binding a privileged port.
	PostBind func() error

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
	closed   bool
	log      *slog.Logger
}

// Start opens the listening socket and accepts connections until ctx
// is canceled, then waits for every in-flight session to finish.
func (l *Listener) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.Address)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()

	if l.PostBind != nil {
		if err := l.PostBind(); err != nil {
			ln.Close()
			return err
		}
	}

	l.log = logging.WithListener(l.Receiver.logger(), l.Address, "smtp")
	l.log.Info("listener started")

	go l.acceptLoop(ctx)

	<-ctx.Done()
	err = l.Close()
	l.wg.Wait()
	return err
}

func (l *Listener) acceptLoop(ctx context.Context) {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if closed {
				return
			}
			l.log.Error("accept failed", "error", err)
			return
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handleConnection(ctx, conn)
		}()
	}
}

func (l *Listener) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	logger := logging.WithConnection(l.log, conn.RemoteAddr().String())

	if l.Receiver.Metrics != nil {
		l.Receiver.Metrics.ConnectionOpened()
		defer l.Receiver.Metrics.ConnectionClosed()
	}

	s := newSession(l.Receiver, conn, logger)
	s.run(ctx)
}

// Close stops accepting new connections; in-flight sessions are left
// to finish on their own.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.listener != nil {
		return l.listener.Close()
	}
	return nil
}
