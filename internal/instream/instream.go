// Package instream implements a buffered reader over a connection or file
// that reproduces the original receiver's InputStream contract: a single
// read per refill, sticky EOF/error flags, and resumable line/byte reads
// that tolerate partial data. In the original single-threaded, edge-
// triggered design EAGAIN/EINTR were non-fatal suspension points; in this
// goroutine-per-connection rewrite the equivalent suspension point is a
// read deadline timeout, surfaced to the caller as ErrTimeout rather than
// folded into the sticky error flag, so idle-timeout handling can be told
// apart from a genuine I/O failure.
package instream

import (
	"bytes"
	"errors"
	"io"
	"net"
)

// ErrTimeout is returned by Refill (and propagated by Fgets/Fread/Skip)
// when the underlying reader's deadline expired. It is not sticky: the
// caller decides whether to retry or close the connection.
var ErrTimeout = errors.New("instream: read deadline exceeded")

// Stream wraps an io.Reader with a fixed-capacity buffer and sticky
// end-of-file / error flags, mirroring input_stream_t.
type Stream struct {
	r       io.Reader
	buf     []byte
	readPtr int
	readEnd int
	eof     bool
	err     error
}

// New wraps r in a Stream with the given internal buffer size.
func New(r io.Reader, size int) *Stream {
	if size <= 0 {
		size = 4096
	}
	return &Stream{r: r, buf: make([]byte, size)}
}

// EOF reports whether the sticky end-of-file flag is set.
func (s *Stream) EOF() bool { return s.eof }

// Err returns the sticky error, if any.
func (s *Stream) Err() error { return s.err }

// ClearSticky clears the sticky EOF/error flags, e.g. after a RSET that
// reuses the connection's buffer for a fresh command read.
func (s *Stream) ClearSticky() {
	s.eof = false
	s.err = nil
}

// buffered returns the number of unread bytes currently in the buffer.
func (s *Stream) buffered() int { return s.readEnd - s.readPtr }

// refill issues exactly one Read call. On a short/partial read it
// advances readEnd; on io.EOF it sets the sticky eof flag; on a timeout
// it returns ErrTimeout without marking anything sticky; any other error
// is recorded as the sticky error.
func (s *Stream) refill() error {
	if s.buffered() > 0 {
		return nil
	}
	if s.eof || s.err != nil {
		return s.err
	}
	s.readPtr = 0
	s.readEnd = 0
	n, err := s.r.Read(s.buf)
	if n > 0 {
		s.readEnd = n
	}
	if err == nil {
		return nil
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return ErrTimeout
	}
	if errors.Is(err, io.EOF) {
		s.eof = true
		return nil
	}
	s.err = err
	return err
}

// Fgets reads a line up to and including the first '\n', or up to max-1
// bytes, whichever comes first. It always returns whatever bytes were
// collected (without a trailing NUL, unlike the C original, since Go
// slices carry their own length) so a caller can resume a partial read
// across suspension points. done reports whether a newline terminated
// the line; when done is false and err is nil, the caller should call
// Fgets again once more data is expected.
func (s *Stream) Fgets(max int) (line []byte, done bool, err error) {
	var out []byte
	for len(out) < max-1 {
		if s.buffered() == 0 {
			if rerr := s.refill(); rerr != nil {
				return out, false, rerr
			}
			if s.buffered() == 0 {
				// EOF or would-block with nothing buffered.
				if s.eof {
					return out, false, nil
				}
				return out, false, nil
			}
		}
		chunk := s.buf[s.readPtr:s.readEnd]
		remaining := max - 1 - len(out)
		if i := bytes.IndexByte(chunk, '\n'); i >= 0 && i+1 <= remaining {
			out = append(out, chunk[:i+1]...)
			s.readPtr += i + 1
			return out, true, nil
		}
		if remaining >= len(chunk) {
			out = append(out, chunk...)
			s.readPtr = s.readEnd
			continue
		}
		out = append(out, chunk[:remaining]...)
		s.readPtr += remaining
		return out, false, nil
	}
	return out, false, nil
}

// Fread reads exactly count bytes into dst (which must have length count),
// draining any already-buffered bytes first, then reading directly from
// the underlying reader for the remainder. It returns the number of
// bytes actually collected, which is less than count only on EOF or
// error (ErrTimeout included).
func (s *Stream) Fread(dst []byte) (int, error) {
	n := 0
	if s.buffered() > 0 {
		k := copy(dst, s.buf[s.readPtr:s.readEnd])
		s.readPtr += k
		n += k
	}
	for n < len(dst) {
		if s.eof {
			return n, nil
		}
		if s.err != nil {
			return n, s.err
		}
		rn, err := s.r.Read(dst[n:])
		n += rn
		if err == nil {
			continue
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n, ErrTimeout
		}
		if errors.Is(err, io.EOF) {
			s.eof = true
			return n, nil
		}
		s.err = err
		return n, err
	}
	return n, nil
}

// Skip discards exactly count bytes from the stream, in chunks bounded
// by the internal buffer size.
func (s *Stream) Skip(count int64) error {
	for count > 0 {
		if s.buffered() > 0 {
			k := int64(s.buffered())
			if k > count {
				k = count
			}
			s.readPtr += int(k)
			count -= k
			continue
		}
		if err := s.refill(); err != nil {
			return err
		}
		if s.buffered() == 0 {
			if s.eof {
				return nil
			}
			return nil
		}
	}
	return nil
}

// DiscardLine discards bytes up to and including the next '\n',
// returning once the newline is found, EOF is reached, or an error
// (including ErrTimeout) occurs. It is used to drain an over-long
// command line after switching into DISCARDING_COMMAND_LINE.
func (s *Stream) DiscardLine() (done bool, err error) {
	for {
		if s.buffered() == 0 {
			if rerr := s.refill(); rerr != nil {
				return false, rerr
			}
			if s.buffered() == 0 {
				return false, nil
			}
		}
		chunk := s.buf[s.readPtr:s.readEnd]
		if i := bytes.IndexByte(chunk, '\n'); i >= 0 {
			s.readPtr += i + 1
			return true, nil
		}
		s.readPtr = s.readEnd
	}
}
