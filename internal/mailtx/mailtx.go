// Package mailtx implements MailTransaction, the reverse-path plus
// forward-paths bundle described in spec.md §3, grounded on
// original_source/mail_transaction.h. forward_paths reuses
// internal/domainlist.List exactly as the original reuses domainlist_t,
// giving the recipient set its sorted, no-duplicate invariant for free.
package mailtx

import (
	"fmt"
	"strings"

	"github.com/infodancer/smtpd/internal/domainlist"
)

// NullReversePath is the literal preserved for a MAIL FROM:<> sender.
const NullReversePath = "<>"

// Transaction is one MAIL...RCPT...DATA/BDAT sequence.
type Transaction struct {
	ReversePath string
	Forward     *domainlist.List
}

// New returns an empty Transaction.
func New() *Transaction {
	return &Transaction{Forward: domainlist.New()}
}

// Reset clears the transaction back to its zero state, as happens on
// RSET or a fresh EHLO/HELO.
func (t *Transaction) Reset() {
	t.ReversePath = ""
	t.Forward = domainlist.New()
}

// SetReversePath returns the reverse-path formatted from its
// local-part/domain components ("<local@domain>"). An empty local and
// domain denotes the null reverse-path, returned as NullReversePath.
func SetReversePath(local, domain string) string {
	if local == "" && domain == "" {
		return NullReversePath
	}
	return fmt.Sprintf("<%s@%s>", local, domain)
}

// AddForwardPath adds a recipient (local-part, domain) pair to the
// transaction's forward-paths set. Returns false if already present.
func (t *Transaction) AddForwardPath(local, domain string) bool {
	return t.Forward.AddPath(domain, local)
}

// RecipientCount returns the total number of forward-paths across all
// domains in the transaction.
func (t *Transaction) RecipientCount() int {
	n := 0
	for _, d := range t.Forward.Domains() {
		n += len(t.Forward.Domain(d).LocalParts())
	}
	return n
}

// Recipients returns every forward-path formatted as "local@domain", in
// sorted-by-domain-then-local-part order.
func (t *Transaction) Recipients() []string {
	var out []string
	for _, d := range t.Forward.Domains() {
		for _, lp := range t.Forward.Domain(d).LocalParts() {
			out = append(out, fmt.Sprintf("%s@%s", lp, d))
		}
	}
	return out
}

// SplitAddress splits "local@domain" into its components. It does not
// perform grammar validation; use internal/parser for that on
// wire-sourced input.
func SplitAddress(addr string) (local, domain string, ok bool) {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return "", "", false
	}
	return addr[:i], addr[i+1:], true
}
