// Package stringlist implements a sorted string set with an associated
// 32-bit payload per entry, grounded on the original's arena-backed
// stringlist_t. The Go rewrite drops the arena (per spec.md §9's
// "Parent/child lists" note: the arena existed to avoid per-entry
// allocation in C, which Go's slice-of-struct already provides) and
// keeps the sorted-insertion/binary-search contract.
package stringlist

import "sort"

// Entry is one (string, payload) pair.
type Entry struct {
	Key     string
	Payload int32
}

// List is a case-sensitive sorted set of strings, each carrying an
// int32 payload. Insertion maintains sort order; Search is O(log n).
type List struct {
	entries []Entry
}

// New returns an empty List.
func New() *List { return &List{} }

// Len returns the number of entries.
func (l *List) Len() int { return len(l.entries) }

// Entries returns the sorted entries. The slice must not be mutated by
// the caller.
func (l *List) Entries() []Entry { return l.entries }

// Search returns the index of key and true if present, or the insertion
// point and false otherwise.
func (l *List) Search(key string) (int, bool) {
	i := sort.Search(len(l.entries), func(i int) bool { return l.entries[i].Key >= key })
	if i < len(l.entries) && l.entries[i].Key == key {
		return i, true
	}
	return i, false
}

// Insert adds key with the given payload, maintaining sort order. If key
// is already present its payload is overwritten and false is returned
// (no new entry added).
func (l *List) Insert(key string, payload int32) bool {
	i, found := l.Search(key)
	if found {
		l.entries[i].Payload = payload
		return false
	}
	l.entries = append(l.entries, Entry{})
	copy(l.entries[i+1:], l.entries[i:])
	l.entries[i] = Entry{Key: key, Payload: payload}
	return true
}

// Contains reports whether key is present.
func (l *List) Contains(key string) bool {
	_, found := l.Search(key)
	return found
}

// Get returns the payload for key and true if present.
func (l *List) Get(key string) (int32, bool) {
	i, found := l.Search(key)
	if !found {
		return 0, false
	}
	return l.entries[i].Payload, true
}
