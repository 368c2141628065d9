// Package streamcopy pipes a fixed byte count from an instream.Stream to
// a descriptor (a BDAT chunk, or a pre-header-bounded message body),
// tracking how many bytes were written so callers can enforce
// MaxMessageSize mid-stream.
//
// The original's stream_copy.h also offered a needle-delimited variant
// for the DATA "\r\n.\r\n" terminator; this package doesn't, because dot
// transparency (RFC 5321 §4.5.2: a leading "." on a body line doubles to
// "..") makes terminator detection a per-line decision, not a raw byte
// scan — receiver/session.go's receiveDataBody already does this by
// reading lines via instream.Stream.Fgets and checking each one with
// isDotTerminator, the same job handle_data_command did line-by-line in
// the original rather than through a generic needle search.
package streamcopy

import (
	"errors"
	"io"

	"github.com/infodancer/smtpd/internal/instream"
)

// Chunk copies exactly n bytes from s to w. It returns the number of
// bytes actually written, which is less than n only on EOF or error.
func Chunk(s *instream.Stream, w func([]byte) (int, error), n int64) (int64, error) {
	const stride = 32 * 1024
	var written int64
	buf := make([]byte, stride)
	for written < n {
		want := n - written
		if want > stride {
			want = stride
		}
		rn, rerr := s.Fread(buf[:want])
		if rn > 0 {
			wn, werr := w(buf[:rn])
			written += int64(wn)
			if werr != nil {
				return written, werr
			}
			if wn != rn {
				return written, errors.New("streamcopy: short write")
			}
		}
		if rerr != nil {
			return written, rerr
		}
		if rn == 0 {
			return written, nil
		}
	}
	return written, nil
}

// FanOut copies s to every writer in writers, reading once per chunk and
// writing that chunk to all of them before reading the next, so every
// recipient receives an identical byte stream. Used by
// spool.CopyToRecipients to fan a delivered message's body out to every
// local mailbox and/or relay-spool copy in one pass over the source.
func FanOut(s *instream.Stream, writers []io.Writer) (int64, error) {
	buf := make([]byte, 20*1024)
	var total int64
	for {
		n, err := s.Fread(buf)
		if n > 0 {
			for _, w := range writers {
				if _, werr := w.Write(buf[:n]); werr != nil {
					return total, werr
				}
			}
			total += int64(n)
		}
		if err != nil {
			return total, err
		}
		if n < len(buf) {
			return total, nil
		}
	}
}
