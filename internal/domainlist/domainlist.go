// Package domainlist implements the two-level sorted index
// {domain -> {local-parts}} described in spec.md §3, grounded on
// original_source/domainlist.h. It serves two roles in this system: the
// Receiver/Delivery's served-domains mailbox index (loaded by scanning
// the domains/ directory tree) and, reused structurally, a
// MailTransaction's set of forward-paths (spec.md §3's MailTransaction
// note that forward_paths is itself a DomainList).
//
// The C original backs both levels with an arena of off_t offsets to
// avoid per-record allocation; per spec.md §9's guidance this becomes
// plain Go slices and maps with ordinary ownership, no arena needed.
package domainlist

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/infodancer/smtpd/internal/stringlist"
)

// Domain holds one domain's sorted local-part set, backed by
// stringlist.List the way the original's domain record kept its
// local-part set as a stringlist_t (the payload slot goes unused here;
// only membership and order matter for this index).
type Domain struct {
	Name       string
	localParts *stringlist.List
}

// LocalParts returns the sorted local-part list.
func (d *Domain) LocalParts() []string {
	if d.localParts == nil {
		return nil
	}
	entries := d.localParts.Entries()
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Key
	}
	return names
}

// HasLocalPart reports whether local is present in this domain.
func (d *Domain) HasLocalPart(local string) bool {
	if d.localParts == nil {
		return false
	}
	return d.localParts.Contains(normalize(local))
}

// AddLocalPart inserts local into this domain's sorted set. Returns
// false if it was already present.
func (d *Domain) AddLocalPart(local string) bool {
	if d.localParts == nil {
		d.localParts = stringlist.New()
	}
	return d.localParts.Insert(normalize(local), 0)
}

// List is the outer sorted index, mapping normalized domain names to
// Domain records.
type List struct {
	names   []string
	domains map[string]*Domain
}

// New returns an empty List.
func New() *List {
	return &List{domains: make(map[string]*Domain)}
}

func normalize(s string) string { return strings.ToLower(s) }

func search(sorted []string, key string) (int, bool) {
	i := sort.SearchStrings(sorted, key)
	if i < len(sorted) && sorted[i] == key {
		return i, true
	}
	return i, false
}

// Len returns the number of domains.
func (l *List) Len() int { return len(l.names) }

// Domains returns the sorted domain names. The slice must not be
// mutated by the caller.
func (l *List) Domains() []string { return l.names }

// Domain returns the domain record for name, or nil if not present.
// Lookup is case-insensitive.
func (l *List) Domain(name string) *Domain {
	return l.domains[normalize(name)]
}

// AddDomain inserts an empty domain record for name if not already
// present, and returns it.
func (l *List) AddDomain(name string) *Domain {
	key := normalize(name)
	if d, ok := l.domains[key]; ok {
		return d
	}
	i, _ := search(l.names, key)
	l.names = append(l.names, "")
	copy(l.names[i+1:], l.names[i:])
	l.names[i] = key
	d := &Domain{Name: key}
	l.domains[key] = d
	return d
}

// AddPath inserts (domain, local-part), creating the domain record if
// needed. Returns true if the local-part was newly added.
func (l *List) AddPath(domainName, localPart string) bool {
	return l.AddDomain(domainName).AddLocalPart(localPart)
}

// Lookup reports whether (localPart, domainName) is a known mailbox:
// the domain must be served and the local-part must be listed under it.
func (l *List) Lookup(localPart, domainName string) bool {
	d := l.Domain(domainName)
	if d == nil {
		return false
	}
	return d.HasLocalPart(localPart)
}

// FirstDomain returns the lexicographically-first served domain name,
// used by the Receiver as the identity it announces in its greeting and
// EHLO/HELO replies (original_source/domainlist.h:
// domainlist_get_first_domain).
func (l *List) FirstDomain() (string, bool) {
	if len(l.names) == 0 {
		return "", false
	}
	return l.names[0], true
}

// Load rebuilds a List by scanning directory for the
// domain/local-part directory-is-the-database layout spec.md §6
// describes: each subdirectory of directory is a served domain, and
// each subdirectory of a domain is a local mailbox. Entries whose name
// fails validate are skipped with no error; validate should be the same
// grammar accepted on the wire (see internal/parser.ValidDomain /
// ValidLocalPart).
func Load(directory string, validateDomain, validateLocalPart func(string) bool) (*List, error) {
	l := New()
	domainEntries, err := os.ReadDir(directory)
	if err != nil {
		return nil, err
	}
	for _, de := range domainEntries {
		if !de.IsDir() || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		if validateDomain != nil && !validateDomain(de.Name()) {
			continue
		}
		domainPath := filepath.Join(directory, de.Name())
		lpEntries, err := os.ReadDir(domainPath)
		if err != nil {
			continue
		}
		d := l.AddDomain(de.Name())
		for _, lp := range lpEntries {
			if !lp.IsDir() || strings.HasPrefix(lp.Name(), ".") {
				continue
			}
			if validateLocalPart != nil && !validateLocalPart(lp.Name()) {
				continue
			}
			d.AddLocalPart(lp.Name())
		}
	}
	return l, nil
}
