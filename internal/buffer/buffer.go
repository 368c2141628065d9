// Package buffer implements a growable byte buffer with formatted append,
// the shared I/O surface used throughout the receiver and relay engines
// for composing replies and pre-headers before a single write to the wire
// or to a spool file.
package buffer

import "fmt"

// DefaultIncrement is the growth step used when no increment is supplied.
const DefaultIncrement = 512

// Buffer is a contiguous, owned, mutable byte region. Growth happens in
// multiples of the configured increment; it never shrinks on its own.
type Buffer struct {
	data      []byte
	increment int
}

// New returns an empty Buffer that grows in multiples of increment.
// A non-positive increment falls back to DefaultIncrement.
func New(increment int) *Buffer {
	if increment <= 0 {
		increment = DefaultIncrement
	}
	return &Buffer{increment: increment}
}

// Len returns the number of bytes currently held.
func (b *Buffer) Len() int { return len(b.data) }

// Cap returns the current capacity.
func (b *Buffer) Cap() int { return cap(b.data) }

// Bytes returns the buffer's contents. The slice is valid until the next
// mutating call.
func (b *Buffer) Bytes() []byte { return b.data }

// String returns the buffer's contents as a string.
func (b *Buffer) String() string { return string(b.data) }

// Reset empties the buffer without releasing its capacity.
func (b *Buffer) Reset() { b.data = b.data[:0] }

// grow ensures capacity for n additional bytes, growing in multiples of
// the increment.
func (b *Buffer) grow(n int) {
	need := len(b.data) + n
	if need <= cap(b.data) {
		return
	}
	newCap := cap(b.data)
	if newCap == 0 {
		newCap = b.increment
	}
	for newCap < need {
		newCap += b.increment
	}
	grown := make([]byte, len(b.data), newCap)
	copy(grown, b.data)
	b.data = grown
}

// AppendByte appends a single byte.
func (b *Buffer) AppendByte(c byte) {
	b.grow(1)
	b.data = append(b.data, c)
}

// AppendString appends s verbatim.
func (b *Buffer) AppendString(s string) {
	b.grow(len(s))
	b.data = append(b.data, s...)
}

// AppendBytes appends p verbatim.
func (b *Buffer) AppendBytes(p []byte) {
	b.grow(len(p))
	b.data = append(b.data, p...)
}

// AppendBoundedString appends at most max bytes of s.
func (b *Buffer) AppendBoundedString(s string, max int) {
	if len(s) > max {
		s = s[:max]
	}
	b.AppendString(s)
}

// Appendf formats according to format and appends the result, growing as
// needed. It mirrors the original C implementation's grow-and-retry
// vsnprintf loop, expressed idiomatically via fmt.Appendf.
func (b *Buffer) Appendf(format string, args ...any) {
	b.AppendBytes(fmt.Appendf(nil, format, args...))
}
