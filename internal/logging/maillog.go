package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// mailLogTimeLayout matches the timestamp the log line carries,
// "Day, D Mon YYYY HH:MM:SS".
const mailLogTimeLayout = "Mon, 2 Jan 2006 15:04:05"

// MailLog appends one line per accepted message to a dedicated log
// file. Its format is a stable external contract, separate from the
// slog stream:
//
//	[<peer-ip>] [<Day, DD Mon YYYY HH:MM:SS>] [<reverse-path>] [<rcpt1>, <rcpt2>, ...] [<size>]
type MailLog struct {
	mu sync.Mutex
	f  *os.File
}

// OpenMailLog opens (creating if needed) the mail log at path for
// appending.
func OpenMailLog(path string) (*MailLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("logging: opening mail log: %w", err)
	}
	return &MailLog{f: f}, nil
}

// Record appends one accepted-message line.
func (l *MailLog) Record(peerIP string, when time.Time, reversePath string, recipients []string, size int64) error {
	line := fmt.Sprintf("[%s] [%s] [%s] [%s] [%d]\n",
		peerIP, when.Format(mailLogTimeLayout), reversePath, strings.Join(recipients, ", "), size)
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.f.WriteString(line)
	return err
}

// Close closes the underlying file.
func (l *MailLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
