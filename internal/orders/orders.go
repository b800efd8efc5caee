// Package orders implements the P2P order lifecycle: the transition table,
// the engine that drives it, the dispute manager, the append-only audit
// trail, and the sweeper that times out stalled orders.
//
// An order only changes through Store.Apply, which performs a conditional
// update on the expected source status and writes the audit message (plus
// any escrow record or dispute) in the same transaction. Losing that race is
// reported as ErrConflict and is never retried by the engine.
package orders

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/p2pescrow/internal/chain"
	"github.com/mbd888/p2pescrow/internal/pagination"
	"github.com/shopspring/decimal"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrDisputeNotFound   = errors.New("dispute not found")
	ErrInvalidTransition = errors.New("transition not allowed from current status")
	ErrUnauthorized      = errors.New("not authorized for this order")
	ErrConflict          = errors.New("order was modified concurrently")
	ErrDisputeOpen       = errors.New("an open dispute already exists for this order")
	ErrEscrowRecorded    = errors.New("escrow movement already recorded for this order")
	ErrAmountOutOfRange  = errors.New("amount outside offer bounds")
	ErrOfferUnavailable  = errors.New("offer is not accepting orders")
	ErrInvalidOrder      = errors.New("invalid order")
	ErrNotArbiter        = errors.New("caller is not an arbiter")
	ErrEscrowMismatch    = errors.New("escrow record does not match order")
)

// SystemActor is the sender and opener id used for automated events.
const SystemActor = "system"

// Audit message bodies written by the engine.
const (
	BodyEscrowLocked     = "ESCROW_LOCKED"
	BodyPaidMarked       = "PAID_MARKED"
	BodyEscrowReleased   = "ESCROW_RELEASED"
	BodyEscrowRefunded   = "ESCROW_REFUNDED"
	BodyTimeoutEscrow    = "TIMEOUT_ESCROW"
	BodyExpiredNoPayment = "EXPIRED_NO_PAYMENT"
	BodyDisputeAutoOpen  = "DISPUTE_AUTO_OPEN"
	BodyDisputeOpened    = "DISPUTE_OPENED"
	BodyDisputeResolved  = "DISPUTE_RESOLVED"
	BodyCancelled        = "CANCELLED"
	BodyOrderCreated     = "ORDER_CREATED"

	// ResolvedNoCustody suffixes a resolution message when no escrow was
	// held, so nothing moved on chain.
	ResolvedNoCustody = "NO_CUSTODY"
)

// ReasonAutoDisputeTimeout is the reason on disputes opened by the sweeper.
const ReasonAutoDisputeTimeout = "AUTO_DISPUTE_TIMEOUT"

// Order is one trade between a maker and a taker.
type Order struct {
	ID               string          `json:"id"`
	OfferID          string          `json:"offerId"`
	MakerID          string          `json:"makerId"`
	TakerID          string          `json:"takerId"`
	AssetType        chain.Asset     `json:"assetType"`
	AmountAsset      decimal.Decimal `json:"amountAsset"`
	AmountFiat       decimal.Decimal `json:"amountFiat"`
	PriceFiatPerUnit decimal.Decimal `json:"priceFiatPerUnit"`
	PaymentMethod    string          `json:"paymentMethod"`
	MakerAddress     string          `json:"makerAddress,omitempty"`
	TakerAddress     string          `json:"takerAddress"`
	Status           Status          `json:"status"`
	CreatedAt        time.Time       `json:"createdAt"`
	EscrowAt         *time.Time      `json:"escrowAt,omitempty"`
	PayerDeclaredAt  *time.Time      `json:"payerDeclaredAt,omitempty"`
	ResolvedAt       *time.Time      `json:"resolvedAt,omitempty"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// IsParty reports whether userID is the maker or the taker.
func (o *Order) IsParty(userID string) bool {
	return userID != "" && (userID == o.MakerID || userID == o.TakerID)
}

func (o *Order) clone() *Order {
	cp := *o
	cp.EscrowAt = copyTime(o.EscrowAt)
	cp.PayerDeclaredAt = copyTime(o.PayerDeclaredAt)
	cp.ResolvedAt = copyTime(o.ResolvedAt)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// MessageKind distinguishes human and automated audit entries.
type MessageKind string

const (
	KindUser   MessageKind = "user"
	KindSystem MessageKind = "system"
)

// Message is an append-only audit entry.
type Message struct {
	ID        string      `json:"id"`
	OrderID   string      `json:"orderId"`
	SenderID  string      `json:"senderId"`
	Kind      MessageKind `json:"kind"`
	Body      string      `json:"body"`
	CreatedAt time.Time   `json:"createdAt"`
}

// EscrowRecord proves one custody movement on chain.
type EscrowRecord struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"orderId"`
	Direction   chain.Direction `json:"direction"`
	TxHash      string          `json:"txHash"`
	BlockNumber uint64          `json:"blockNumber"`
	Address     string          `json:"address"` // source of a lock, recipient otherwise
	Amount      decimal.Decimal `json:"amount"`
	AssetType   chain.Asset     `json:"assetType"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// settles reports whether the record ends custody (release or refund).
func (r *EscrowRecord) settles() bool {
	return r.Direction != chain.DirectionLock
}

// EscrowHeld reports whether records show the asset locked and not yet
// released or refunded.
func EscrowHeld(records []*EscrowRecord) bool {
	locked, settled := false, false
	for _, r := range records {
		if r.settles() {
			settled = true
		} else {
			locked = true
		}
	}
	return locked && !settled
}

// lockAddress returns the address the held asset was locked from.
func lockAddress(records []*EscrowRecord) string {
	for _, r := range records {
		if r.Direction == chain.DirectionLock {
			return r.Address
		}
	}
	return ""
}

// DisputeStatus is the state of a dispute.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeResolved DisputeStatus = "resolved"
)

// Outcome is an arbiter's ruling on a dispute.
type Outcome string

const (
	OutcomeRelease Outcome = "release"
	OutcomeRefund  Outcome = "refund"
)

// Dispute freezes an order until an arbiter rules on it.
type Dispute struct {
	ID           string        `json:"id"`
	OrderID      string        `json:"orderId"`
	OpenedByID   string        `json:"openedById"`
	Reason       string        `json:"reason"`
	Evidence     string        `json:"evidence,omitempty"`
	Status       DisputeStatus `json:"status"`
	Outcome      Outcome       `json:"outcome,omitempty"`
	ResolvedByID string        `json:"resolvedById,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	ResolvedAt   *time.Time    `json:"resolvedAt,omitempty"`
}

// Change is one atomic unit of work against the ledger.
//
// When Order is set, the stored order is replaced only if its status still
// equals From; otherwise Apply returns ErrConflict and writes nothing. When
// Order is nil, only the appended records are written.
type Change struct {
	Order          *Order
	From           Status
	Trigger        Trigger
	Message        *Message
	Escrow         *EscrowRecord
	OpenDispute    *Dispute
	ResolveDispute *Dispute
}

// Store is the order ledger.
type Store interface {
	Create(ctx context.Context, o *Order, msg *Message) error
	Get(ctx context.Context, id string) (*Order, error)
	Apply(ctx context.Context, c *Change) error

	// ListStale returns orders in status whose age anchor (createdAt,
	// escrowAt or payerDeclaredAt) is strictly before cutoff, oldest first.
	ListStale(ctx context.Context, status Status, cutoff time.Time, limit int) ([]*Order, error)
	// ListByParty returns orders where userID is maker or taker, newest first.
	ListByParty(ctx context.Context, userID string, statuses []Status, after *pagination.Cursor, limit int) ([]*Order, error)

	Messages(ctx context.Context, orderID string) ([]*Message, error)
	EscrowRecords(ctx context.Context, orderID string) ([]*EscrowRecord, error)
	Disputes(ctx context.Context, orderID string) ([]*Dispute, error)
	GetDispute(ctx context.Context, id string) (*Dispute, error)
}

// staleAnchor returns the timestamp a sweep measures age from.
func staleAnchor(o *Order) *time.Time {
	switch o.Status {
	case StatusAwaitingEscrow:
		return &o.CreatedAt
	case StatusAwaitingFiatPayment:
		return o.EscrowAt
	case StatusAwaitingConfirmation:
		return o.PayerDeclaredAt
	}
	return nil
}
