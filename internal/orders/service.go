package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/p2pescrow/internal/chain"
	"github.com/mbd888/p2pescrow/internal/idgen"
	"github.com/mbd888/p2pescrow/internal/metrics"
	"github.com/mbd888/p2pescrow/internal/offers"
	"github.com/mbd888/p2pescrow/internal/pagination"
	"github.com/mbd888/p2pescrow/internal/traces"
	"github.com/mbd888/p2pescrow/internal/validation"
	"github.com/shopspring/decimal"
)

// Escrow moves custody on chain. *chain.Coordinator implements it.
type Escrow interface {
	Lock(ctx context.Context, orderID, makerAddr string, amount decimal.Decimal, asset chain.Asset) chain.Result
	Release(ctx context.Context, orderID, takerAddr string, amount decimal.Decimal, asset chain.Asset) chain.Result
	Refund(ctx context.Context, orderID, makerAddr string, amount decimal.Decimal, asset chain.Asset) chain.Result
}

// OfferSource resolves the offer an order is taken from.
type OfferSource interface {
	Get(ctx context.Context, id string) (*offers.Offer, error)
}

// Timeouts bound how long an order may wait in each non-terminal status.
type Timeouts struct {
	Escrow  time.Duration
	Payment time.Duration
	Confirm time.Duration
}

// DefaultTimeouts returns 10 minutes to lock and 30 minutes each to pay and
// to confirm.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Escrow:  10 * time.Minute,
		Payment: 30 * time.Minute,
		Confirm: 30 * time.Minute,
	}
}

const maxReasonLength = 500

// CreateRequest takes an offer. Exactly one of AmountFiat and AmountAsset
// is set; the other is derived from the offer price.
type CreateRequest struct {
	OfferID      string `json:"offerId" binding:"required"`
	AmountFiat   string `json:"amountFiat"`
	AmountAsset  string `json:"amountAsset"`
	TakerAddress string `json:"takerAddress" binding:"required"`
}

// Page is one page of a party's orders.
type Page struct {
	Orders     []*Order `json:"orders"`
	NextCursor string   `json:"nextCursor,omitempty"`
	HasMore    bool     `json:"hasMore"`
}

// Service is the order state machine engine.
type Service struct {
	store    Store
	offers   OfferSource
	escrow   Escrow
	timeouts Timeouts
	arbiters map[string]bool
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithTimeouts(t Timeouts) Option {
	return func(s *Service) { s.timeouts = t }
}

func WithArbiters(ids ...string) Option {
	return func(s *Service) {
		for _, id := range ids {
			if id = strings.TrimSpace(id); id != "" {
				s.arbiters[id] = true
			}
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates the order engine.
func NewService(store Store, offerSource OfferSource, escrow Escrow, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:    store,
		offers:   offerSource,
		escrow:   escrow,
		timeouts: DefaultTimeouts(),
		arbiters: make(map[string]bool),
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Timeouts returns the configured status timeouts.
func (s *Service) Timeouts() Timeouts { return s.timeouts }

// IsArbiter reports whether userID may resolve disputes.
func (s *Service) IsArbiter(userID string) bool { return s.arbiters[userID] }

// Create opens an order against an active offer in AWAITING_ESCROW.
func (s *Service) Create(ctx context.Context, takerID string, req CreateRequest) (*Order, error) {
	if takerID == "" {
		return nil, ErrUnauthorized
	}
	offer, err := s.offers.Get(ctx, req.OfferID)
	if err != nil {
		return nil, err
	}
	if !offer.Active() {
		return nil, ErrOfferUnavailable
	}
	if offer.OwnerID == takerID {
		return nil, fmt.Errorf("%w: cannot take your own offer", ErrInvalidOrder)
	}
	if !validation.IsValidAddress(req.TakerAddress) {
		return nil, fmt.Errorf("%w: invalid taker address", ErrInvalidOrder)
	}

	fiat, asset, err := deriveAmounts(offer.PriceFiatPerUnit, req.AmountFiat, req.AmountAsset)
	if err != nil {
		return nil, err
	}
	if !offer.InBounds(fiat) {
		return nil, fmt.Errorf("%w: %s not in [%s, %s]", ErrAmountOutOfRange, fiat, offer.MinFiat, offer.MaxFiat)
	}

	now := s.now().UTC()
	o := &Order{
		ID:               idgen.Order(),
		OfferID:          offer.ID,
		MakerID:          offer.OwnerID,
		TakerID:          takerID,
		AssetType:        offer.AssetType,
		AmountAsset:      asset,
		AmountFiat:       fiat,
		PriceFiatPerUnit: offer.PriceFiatPerUnit,
		PaymentMethod:    offer.PaymentMethod,
		TakerAddress:     validation.NormalizeAddress(req.TakerAddress),
		Status:           StatusAwaitingEscrow,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	msg := newMessage(o.ID, SystemActor, KindSystem, BodyOrderCreated, now)
	if err := s.store.Create(ctx, o, msg); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	metrics.OrdersCreatedTotal.WithLabelValues(string(o.AssetType)).Inc()
	s.logger.Info("order created",
		"order_id", o.ID, "offer_id", offer.ID, "maker", o.MakerID, "taker", takerID,
		"amount_fiat", fiat.String(), "amount_asset", asset.String())
	return o, nil
}

// deriveAmounts fills in whichever side of the trade was not supplied.
func deriveAmounts(price decimal.Decimal, fiatIn, assetIn string) (fiat, asset decimal.Decimal, err error) {
	fiatIn, assetIn = strings.TrimSpace(fiatIn), strings.TrimSpace(assetIn)
	switch {
	case fiatIn != "" && assetIn != "":
		return fiat, asset, fmt.Errorf("%w: set amountFiat or amountAsset, not both", ErrInvalidOrder)
	case fiatIn != "":
		fiat, err = parseAmount("amountFiat", fiatIn, offers.FiatDecimals)
		if err != nil {
			return fiat, asset, err
		}
		asset = fiat.DivRound(price, chain.BaseUnitDecimals)
	case assetIn != "":
		asset, err = parseAmount("amountAsset", assetIn, chain.BaseUnitDecimals)
		if err != nil {
			return fiat, asset, err
		}
		fiat = asset.Mul(price).Round(offers.FiatDecimals)
	default:
		return fiat, asset, fmt.Errorf("%w: amountFiat or amountAsset is required", ErrInvalidOrder)
	}
	if !asset.IsPositive() || !fiat.IsPositive() {
		return fiat, asset, fmt.Errorf("%w: amount too small", ErrInvalidOrder)
	}
	return fiat, asset, nil
}

func parseAmount(field, v string, scale int32) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return d, fmt.Errorf("%w: %s is not a number", ErrInvalidOrder, field)
	}
	if !d.IsPositive() {
		return d, fmt.Errorf("%w: %s must be positive", ErrInvalidOrder, field)
	}
	if !d.Equal(d.Truncate(scale)) {
		return d, fmt.Errorf("%w: %s has more than %d decimals", ErrInvalidOrder, field, scale)
	}
	return d, nil
}

// Lock asks the chain to take the maker's asset into escrow and, once the
// lock is final, moves the order to AWAITING_FIAT_PAYMENT.
func (s *Service) Lock(ctx context.Context, orderID, callerID, makerAddress string) (*Order, *EscrowRecord, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	if callerID != o.MakerID {
		return nil, nil, ErrUnauthorized
	}
	if _, err := s.next(o, TriggerEscrowConfirmed); err != nil {
		return nil, nil, err
	}
	if !validation.IsValidAddress(makerAddress) {
		return nil, nil, fmt.Errorf("%w: invalid maker address", ErrInvalidOrder)
	}
	makerAddress = validation.NormalizeAddress(makerAddress)

	receipt, err := s.escrow.Lock(ctx, o.ID, makerAddress, o.AmountAsset, o.AssetType).Unwrap()
	if err != nil {
		return nil, nil, err
	}

	rec := s.recordFor(o, receipt)
	updated, applied, err := s.confirmEscrow(ctx, o.ID, rec, makerAddress)
	if err != nil {
		s.diverged(ctx, o, rec, err)
		return nil, nil, err
	}
	if !applied {
		stored := s.storedRecord(ctx, o.ID, chain.DirectionLock, "")
		if stored == nil {
			s.diverged(ctx, updated, rec, ErrConflict)
			return updated, rec, ErrConflict
		}
		return updated, stored, nil
	}
	return updated, rec, nil
}

// EscrowConfirmed records a finalized lock. It is idempotent: once the order
// has left AWAITING_ESCROW the call is logged and ignored, and the bool
// result reports whether this call made the transition.
func (s *Service) EscrowConfirmed(ctx context.Context, orderID string, rec EscrowRecord) (*Order, bool, error) {
	if rec.OrderID != orderID || rec.Direction != chain.DirectionLock || rec.TxHash == "" {
		return nil, false, ErrEscrowMismatch
	}
	return s.confirmEscrow(ctx, orderID, &rec, "")
}

func (s *Service) confirmEscrow(ctx context.Context, orderID string, rec *EscrowRecord, makerAddress string) (*Order, bool, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, false, err
	}
	if o.Status != StatusAwaitingEscrow {
		s.logger.Info("escrow confirmation ignored", "order_id", o.ID, "status", o.Status, "tx_hash", rec.TxHash)
		return o, false, nil
	}
	if !rec.AssetType.Valid() {
		rec.AssetType = o.AssetType
	}
	if rec.Amount.IsZero() {
		rec.Amount = o.AmountAsset
	}
	if rec.AssetType != o.AssetType || !rec.Amount.Equal(o.AmountAsset) {
		return nil, false, ErrEscrowMismatch
	}

	now := s.now().UTC()
	c, err := s.change(o, TriggerEscrowConfirmed, now)
	if err != nil {
		return nil, false, err
	}
	c.Order.EscrowAt = &now
	if makerAddress != "" {
		c.Order.MakerAddress = makerAddress
	}
	if rec.ID == "" {
		rec.ID = idgen.Escrow()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	c.Escrow = rec
	c.Message = newMessage(o.ID, SystemActor, KindSystem, BodyEscrowLocked+":"+rec.TxHash, now)

	if err := s.apply(ctx, c); err != nil {
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrEscrowRecorded) {
			s.logger.Debug("escrow confirmation lost race", "order_id", o.ID, "error", err)
			current, getErr := s.store.Get(ctx, o.ID)
			if getErr != nil {
				return nil, false, getErr
			}
			return current, false, nil
		}
		return nil, false, err
	}
	return c.Order, true, nil
}

// DeclarePaid is the taker's claim that the fiat payment was sent.
func (s *Service) DeclarePaid(ctx context.Context, orderID, callerID string) (*Order, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if callerID != o.TakerID {
		return nil, ErrUnauthorized
	}
	now := s.now().UTC()
	c, err := s.change(o, TriggerDeclarePaid, now)
	if err != nil {
		return nil, err
	}
	c.Order.PayerDeclaredAt = &now
	c.Message = newMessage(o.ID, callerID, KindUser, BodyPaidMarked, now)
	if err := s.apply(ctx, c); err != nil {
		return nil, err
	}
	return c.Order, nil
}

// ConfirmReceived is the maker's confirmation that the fiat arrived. It
// releases the escrow to the taker and completes the order.
func (s *Service) ConfirmReceived(ctx context.Context, orderID, callerID string) (*Order, *EscrowRecord, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	if callerID != o.MakerID {
		return nil, nil, ErrUnauthorized
	}
	if _, err := s.next(o, TriggerConfirmReceived); err != nil {
		return nil, nil, err
	}

	receipt, err := s.escrow.Release(ctx, o.ID, o.TakerAddress, o.AmountAsset, o.AssetType).Unwrap()
	if err != nil {
		return nil, nil, err
	}

	now := s.now().UTC()
	rec := s.recordFor(o, receipt)
	c, err := s.change(o, TriggerConfirmReceived, now)
	if err != nil {
		return nil, nil, err
	}
	c.Escrow = rec
	c.Message = newMessage(o.ID, callerID, KindUser, BodyEscrowReleased+":"+receipt.TxHash, now)
	if err := s.apply(ctx, c); err != nil {
		if current, stored := s.alreadyReleased(ctx, o.ID, receipt.TxHash, err); stored != nil {
			return current, stored, nil
		}
		s.diverged(ctx, o, rec, err)
		return nil, nil, err
	}
	return c.Order, rec, nil
}

// Cancel lets either party abandon an order before the escrow is locked.
func (s *Service) Cancel(ctx context.Context, orderID, callerID string) (*Order, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.IsParty(callerID) {
		return nil, ErrUnauthorized
	}
	now := s.now().UTC()
	c, err := s.change(o, TriggerCancel, now)
	if err != nil {
		return nil, err
	}
	c.Message = newMessage(o.ID, callerID, KindUser, BodyCancelled, now)
	if err := s.apply(ctx, c); err != nil {
		return nil, err
	}
	return c.Order, nil
}

// Get returns an order visible to its parties and to arbiters.
func (s *Service) Get(ctx context.Context, orderID, callerID string) (*Order, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.IsParty(callerID) && !s.IsArbiter(callerID) {
		return nil, ErrUnauthorized
	}
	return o, nil
}

// ListMine pages through the caller's orders. filter is "ACTIVE", "HIST" or
// empty for both.
func (s *Service) ListMine(ctx context.Context, userID, filter, cursor string, limit int) (*Page, error) {
	var statuses []Status
	switch strings.ToUpper(filter) {
	case "":
	case "ACTIVE":
		statuses = ActiveStatuses
	case "HIST":
		statuses = HistoryStatuses
	default:
		return nil, fmt.Errorf("%w: unknown status filter %q", ErrInvalidOrder, filter)
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, err
	}
	items, err := s.store.ListByParty(ctx, userID, statuses, after, limit+1)
	if err != nil {
		return nil, err
	}
	items, next, more := pagination.ComputePage(items, limit, func(o *Order) (time.Time, string) {
		return o.CreatedAt, o.ID
	})
	if items == nil {
		items = []*Order{}
	}
	return &Page{Orders: items, NextCursor: next, HasMore: more}, nil
}

// Messages returns the order's audit trail in insertion order.
func (s *Service) Messages(ctx context.Context, orderID, callerID string) ([]*Message, error) {
	if _, err := s.Get(ctx, orderID, callerID); err != nil {
		return nil, err
	}
	return s.store.Messages(ctx, orderID)
}

// EscrowRecords returns the order's custody movements.
func (s *Service) EscrowRecords(ctx context.Context, orderID, callerID string) ([]*EscrowRecord, error) {
	if _, err := s.Get(ctx, orderID, callerID); err != nil {
		return nil, err
	}
	return s.store.EscrowRecords(ctx, orderID)
}

// PostMessage appends a chat line from a party. It never changes status.
func (s *Service) PostMessage(ctx context.Context, orderID, callerID, body string) (*Message, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.IsParty(callerID) {
		return nil, ErrUnauthorized
	}
	body = strings.TrimSpace(body)
	if body == "" || len(body) > validation.MaxMessageLength {
		return nil, fmt.Errorf("%w: message must be 1-%d characters", ErrInvalidOrder, validation.MaxMessageLength)
	}
	msg := newMessage(o.ID, callerID, KindUser, body, s.now().UTC())
	if err := s.store.Apply(ctx, &Change{Message: msg}); err != nil {
		return nil, err
	}
	return msg, nil
}

// next checks a trigger against the transition table without writing.
func (s *Service) next(o *Order, t Trigger) (Status, error) {
	to, err := Next(o.Status, t)
	if err != nil {
		return o.Status, fmt.Errorf("%w: %s from %s", err, t, o.Status)
	}
	return to, nil
}

// change builds the status half of a Change. Callers add the message and
// any records before applying it.
func (s *Service) change(o *Order, t Trigger, now time.Time) (*Change, error) {
	to, err := s.next(o, t)
	if err != nil {
		return nil, err
	}
	next := o.clone()
	next.Status = to
	next.UpdatedAt = now
	if to.IsTerminal() {
		next.ResolvedAt = &now
	}
	return &Change{Order: next, From: o.Status, Trigger: t}, nil
}

// apply commits a change and records the transition.
func (s *Service) apply(ctx context.Context, c *Change) error {
	ctx, span := traces.StartSpan(ctx, "orders.transition",
		traces.OrderID(c.Order.ID), traces.Trigger(string(c.Trigger)))
	err := s.store.Apply(ctx, c)
	traces.End(span, err)

	if err != nil {
		if errors.Is(err, ErrConflict) {
			s.logger.Debug("transition lost optimistic race",
				"order_id", c.Order.ID, "from", c.From, "trigger", c.Trigger)
		}
		return err
	}
	metrics.OrderTransitionsTotal.WithLabelValues(string(c.From), string(c.Order.Status), string(c.Trigger)).Inc()
	s.logger.Info("order transitioned",
		"order_id", c.Order.ID, "from", c.From, "to", c.Order.Status, "trigger", c.Trigger)
	return nil
}

func (s *Service) recordFor(o *Order, r chain.Receipt) *EscrowRecord {
	return &EscrowRecord{
		ID:          idgen.Escrow(),
		OrderID:     o.ID,
		Direction:   r.Direction,
		TxHash:      r.TxHash,
		BlockNumber: r.BlockNumber,
		Address:     r.To,
		Amount:      o.AmountAsset,
		AssetType:   o.AssetType,
		CreatedAt:   s.now().UTC(),
	}
}

// storedRecord returns the persisted escrow record for direction d, or nil.
// An empty txHash matches any record in that direction.
func (s *Service) storedRecord(ctx context.Context, orderID string, d chain.Direction, txHash string) *EscrowRecord {
	records, err := s.store.EscrowRecords(ctx, orderID)
	if err != nil {
		return nil
	}
	for _, r := range records {
		if r.Direction == d && (txHash == "" || r.TxHash == txHash) {
			return r
		}
	}
	return nil
}

// alreadyReleased reports a confirm that lost to a concurrent confirm of the
// same release. Both saw the same finalized transaction, so nothing diverged.
func (s *Service) alreadyReleased(ctx context.Context, orderID, txHash string, cause error) (*Order, *EscrowRecord) {
	if !errors.Is(cause, ErrConflict) {
		return nil, nil
	}
	current, err := s.store.Get(ctx, orderID)
	if err != nil || current.Status != StatusReleased {
		return nil, nil
	}
	stored := s.storedRecord(ctx, orderID, chain.DirectionRelease, txHash)
	if stored == nil {
		return nil, nil
	}
	s.logger.Debug("release already committed by a concurrent confirm",
		"order_id", orderID, "tx_hash", txHash)
	return current, stored
}

// diverged handles a custody movement that finalized on chain but whose
// status transition could not be committed. The escrow record is still
// appended so the ledger reflects where the funds are.
func (s *Service) diverged(ctx context.Context, o *Order, rec *EscrowRecord, cause error) {
	metrics.StateDivergenceTotal.WithLabelValues(string(rec.Direction)).Inc()
	s.logger.Error("CRITICAL: escrow moved on chain but order state was not updated",
		"order_id", o.ID, "status", o.Status, "direction", rec.Direction,
		"tx_hash", rec.TxHash, "error", cause)

	if !errors.Is(cause, ErrConflict) {
		// The store itself failed; a retry of the same call returns the
		// finalized receipt and commits then.
		return
	}
	body := BodyEscrowLocked
	switch rec.Direction {
	case chain.DirectionRelease:
		body = BodyEscrowReleased
	case chain.DirectionRefund:
		body = BodyEscrowRefunded
	}
	msg := newMessage(o.ID, SystemActor, KindSystem, body+":"+rec.TxHash, s.now().UTC())
	if err := s.store.Apply(ctx, &Change{Escrow: rec, Message: msg}); err != nil && !errors.Is(err, ErrEscrowRecorded) {
		s.logger.Error("CRITICAL: failed to record diverged escrow movement",
			"order_id", o.ID, "tx_hash", rec.TxHash, "error", err)
	}
}

func newMessage(orderID, senderID string, kind MessageKind, body string, now time.Time) *Message {
	return &Message{
		ID:        idgen.Message(),
		OrderID:   orderID,
		SenderID:  senderID,
		Kind:      kind,
		Body:      body,
		CreatedAt: now,
	}
}
