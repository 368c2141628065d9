// Package iplist implements a sorted list of (IP, prefix mask) entries
// used for relay authorization, grounded on original_source/ip_list.h.
// The original stores a raw uint32 IP plus a uint32 mask; this rewrite
// keeps the shape but expresses it with net.IPNet so parsing and
// matching reuse the standard library's CIDR logic instead of hand
// rolled bit arithmetic.
package iplist

import (
	"bytes"
	"fmt"
	"net"
	"sort"
	"strings"
)

// List is an allow-list of IPv4 networks.
type List struct {
	nets []*net.IPNet
}

// New returns an empty List.
func New() *List { return &List{} }

// Add parses entry, which is either a bare dotted-quad ("A.B.C.D",
// treated as a /32) or a "A.B.C.D/prefix" CIDR, and adds it.
func (l *List) Add(entry string) error {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return fmt.Errorf("iplist: empty entry")
	}
	if !strings.Contains(entry, "/") {
		entry += "/32"
	}
	_, ipnet, err := net.ParseCIDR(entry)
	if err != nil {
		return fmt.Errorf("iplist: invalid entry %q: %w", entry, err)
	}
	i := sort.Search(len(l.nets), func(i int) bool {
		if c := bytes.Compare(l.nets[i].IP, ipnet.IP); c != 0 {
			return c > 0
		}
		return bytes.Compare(l.nets[i].Mask, ipnet.Mask) >= 0
	})
	l.nets = append(l.nets, nil)
	copy(l.nets[i+1:], l.nets[i:])
	l.nets[i] = ipnet
	return nil
}

// Contains reports whether ip matches any network in the list.
func (l *List) Contains(ip net.IP) bool {
	ip4 := ip.To4()
	if ip4 == nil {
		return false
	}
	for _, n := range l.nets {
		if n.Contains(ip4) {
			return true
		}
	}
	return false
}

// Len returns the number of entries.
func (l *List) Len() int { return len(l.nets) }

// Load builds a List from a slice of "A.B.C.D[/prefix]" strings, the
// shape of the configured IPsForRelay key (spec.md §6).
func Load(entries []string) (*List, error) {
	l := New()
	for _, e := range entries {
		if err := l.Add(e); err != nil {
			return nil, err
		}
	}
	return l, nil
}
