package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mbd888/p2pescrow/internal/chain"
	"github.com/mbd888/p2pescrow/internal/idgen"
	"github.com/mbd888/p2pescrow/internal/metrics"
	"github.com/mbd888/p2pescrow/internal/validation"
)

// OpenDisputeRequest carries a party's complaint.
type OpenDisputeRequest struct {
	Reason   string `json:"reason" binding:"required"`
	Evidence string `json:"evidence"`
}

// ResolveRequest carries an arbiter's ruling.
type ResolveRequest struct {
	Outcome Outcome `json:"outcome" binding:"required"`
}

// OpenDispute freezes the order in DISPUTE_OPEN. Either party may open a
// dispute from any status, including a settled one, but never while another
// dispute on the order is still open.
func (s *Service) OpenDispute(ctx context.Context, orderID, callerID string, req OpenDisputeRequest) (*Order, *Dispute, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	if !o.IsParty(callerID) {
		return nil, nil, ErrUnauthorized
	}
	if o.Status == StatusDisputeOpen {
		return nil, nil, ErrDisputeOpen
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" || len(reason) > maxReasonLength {
		return nil, nil, fmt.Errorf("%w: reason must be 1-%d characters", ErrInvalidOrder, maxReasonLength)
	}
	if len(req.Evidence) > validation.MaxMessageLength {
		return nil, nil, fmt.Errorf("%w: evidence too long", ErrInvalidOrder)
	}

	now := s.now().UTC()
	c, err := s.change(o, TriggerOpenDispute, now)
	if err != nil {
		return nil, nil, err
	}
	d := &Dispute{
		ID:         idgen.Dispute(),
		OrderID:    o.ID,
		OpenedByID: callerID,
		Reason:     reason,
		Evidence:   strings.TrimSpace(req.Evidence),
		Status:     DisputeOpen,
		CreatedAt:  now,
	}
	c.OpenDispute = d
	c.Message = newMessage(o.ID, callerID, KindUser, BodyDisputeOpened, now)
	if err := s.apply(ctx, c); err != nil {
		return nil, nil, err
	}
	metrics.DisputesOpenedTotal.WithLabelValues("user").Inc()
	return c.Order, d, nil
}

// ResolveDispute applies an arbiter's ruling. If the escrow is still held
// it is released to the taker or refunded to the maker first; the order
// then ends RELEASED or CANCELLED and the dispute is marked resolved.
func (s *Service) ResolveDispute(ctx context.Context, disputeID, arbiterID string, req ResolveRequest) (*Order, *Dispute, error) {
	if !s.IsArbiter(arbiterID) {
		return nil, nil, ErrNotArbiter
	}
	var trigger Trigger
	switch req.Outcome {
	case OutcomeRelease:
		trigger = TriggerResolveRelease
	case OutcomeRefund:
		trigger = TriggerResolveRefund
	default:
		return nil, nil, fmt.Errorf("%w: outcome must be release or refund", ErrInvalidOrder)
	}

	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, nil, err
	}
	if d.Status != DisputeOpen {
		return nil, nil, fmt.Errorf("%w: dispute already resolved", ErrInvalidTransition)
	}
	o, err := s.store.Get(ctx, d.OrderID)
	if err != nil {
		return nil, nil, err
	}
	if _, err := s.next(o, trigger); err != nil {
		return nil, nil, err
	}

	records, err := s.store.EscrowRecords(ctx, o.ID)
	if err != nil {
		return nil, nil, err
	}
	var rec *EscrowRecord
	if EscrowHeld(records) {
		var res chain.Result
		if req.Outcome == OutcomeRelease {
			res = s.escrow.Release(ctx, o.ID, o.TakerAddress, o.AmountAsset, o.AssetType)
		} else {
			res = s.escrow.Refund(ctx, o.ID, lockAddress(records), o.AmountAsset, o.AssetType)
		}
		receipt, err := res.Unwrap()
		if err != nil {
			return nil, nil, err
		}
		rec = s.recordFor(o, receipt)
	}

	now := s.now().UTC()
	c, err := s.change(o, trigger, now)
	if err != nil {
		return nil, nil, err
	}
	resolved := *d
	resolved.Status = DisputeResolved
	resolved.Outcome = req.Outcome
	resolved.ResolvedByID = arbiterID
	resolved.ResolvedAt = &now
	c.ResolveDispute = &resolved
	c.Escrow = rec
	body := BodyDisputeResolved + ":" + string(req.Outcome)
	if rec == nil {
		body += ":" + ResolvedNoCustody
	}
	c.Message = newMessage(o.ID, arbiterID, KindUser, body, now)

	if err := s.apply(ctx, c); err != nil {
		if rec != nil {
			s.diverged(ctx, o, rec, err)
		}
		return nil, nil, err
	}
	s.logger.Info("dispute resolved",
		"order_id", o.ID, "dispute_id", d.ID, "outcome", req.Outcome, "arbiter", arbiterID, "escrow_moved", rec != nil)
	return c.Order, &resolved, nil
}

// Disputes returns every dispute ever opened on the order.
func (s *Service) Disputes(ctx context.Context, orderID, callerID string) ([]*Dispute, error) {
	if _, err := s.Get(ctx, orderID, callerID); err != nil {
		return nil, err
	}
	return s.store.Disputes(ctx, orderID)
}

// applyTimeout moves a stalled order along its timeout edge. The store's
// conditional update makes it lose cleanly to any concurrent transition.
func (s *Service) applyTimeout(ctx context.Context, o *Order) (Trigger, error) {
	var (
		trigger Trigger
		body    string
	)
	switch o.Status {
	case StatusAwaitingEscrow:
		trigger, body = TriggerTimeoutNoEscrow, BodyTimeoutEscrow
	case StatusAwaitingFiatPayment:
		trigger, body = TriggerTimeoutNoPayment, BodyExpiredNoPayment
	case StatusAwaitingConfirmation:
		trigger, body = TriggerTimeoutNoConfirmation, BodyDisputeAutoOpen
	default:
		return "", fmt.Errorf("%w: no timeout from %s", ErrInvalidTransition, o.Status)
	}

	now := s.now().UTC()
	c, err := s.change(o, trigger, now)
	if err != nil {
		return trigger, err
	}
	c.Message = newMessage(o.ID, SystemActor, KindSystem, body, now)
	if trigger == TriggerTimeoutNoConfirmation {
		c.OpenDispute = &Dispute{
			ID:         idgen.Dispute(),
			OrderID:    o.ID,
			OpenedByID: SystemActor,
			Reason:     ReasonAutoDisputeTimeout,
			Status:     DisputeOpen,
			CreatedAt:  now,
		}
	}
	if err := s.apply(ctx, c); err != nil {
		return trigger, err
	}
	if trigger == TriggerTimeoutNoConfirmation {
		metrics.DisputesOpenedTotal.WithLabelValues("timeout").Inc()
	}
	return trigger, nil
}

// benign reports whether err means another actor got to the order first.
func benign(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrDisputeOpen)
}
