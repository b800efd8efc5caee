// Package idgen generates identifiers for ledger rows.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Prefixes for the ids handed out to API callers.
const (
	PrefixOrder   = "ord_"
	PrefixOffer   = "ofr_"
	PrefixMessage = "msg_"
	PrefixDispute = "dsp_"
	PrefixEscrow  = "esc_"
)

// New returns a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 hex chars of a random UUID.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Order returns a new order id.
func Order() string { return WithPrefix(PrefixOrder) }

// Offer returns a new offer id.
func Offer() string { return WithPrefix(PrefixOffer) }

// Message returns a new audit message id.
func Message() string { return WithPrefix(PrefixMessage) }

// Dispute returns a new dispute id.
func Dispute() string { return WithPrefix(PrefixDispute) }

// Escrow returns a new escrow record id.
func Escrow() string { return WithPrefix(PrefixEscrow) }

// HasPrefix reports whether id was minted with prefix and carries a valid body.
func HasPrefix(id, prefix string) bool {
	if !strings.HasPrefix(id, prefix) {
		return false
	}
	_, err := uuid.Parse(strings.TrimPrefix(id, prefix))
	return err == nil
}
