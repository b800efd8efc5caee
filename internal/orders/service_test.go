package orders

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/p2pescrow/internal/chain"
	"github.com/mbd888/p2pescrow/internal/metrics"
	"github.com/mbd888/p2pescrow/internal/offers"
	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreate_DerivesAmounts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	o := h.create(t, "50")
	assert.Equal(t, StatusAwaitingEscrow, o.Status)
	assert.Equal(t, "maker", o.MakerID)
	assert.Equal(t, "taker", o.TakerID)
	assert.True(t, o.AmountAsset.Equal(decimal.NewFromInt(10)), o.AmountAsset.String())
	assert.Equal(t, offers.DefaultPaymentMethod, o.PaymentMethod)
	assert.Equal(t, []string{BodyOrderCreated}, h.bodies(t, o.ID, BodyOrderCreated))

	o, err := h.svc.Create(ctx, "taker", CreateRequest{
		OfferID: h.offer.ID, AmountAsset: "2.5", TakerAddress: takerAddr,
	})
	require.NoError(t, err)
	assert.True(t, o.AmountFiat.Equal(decimal.RequireFromString("12.5")), o.AmountFiat.String())

	// Bounds are inclusive.
	_ = h.create(t, "10")
	_ = h.create(t, "1000")
}

func TestCreate_Rejects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		taker  string
		req    CreateRequest
		target error
	}{
		{"below min", "taker", CreateRequest{AmountFiat: "9.99"}, ErrAmountOutOfRange},
		{"above max", "taker", CreateRequest{AmountFiat: "1000.01"}, ErrAmountOutOfRange},
		{"both amounts", "taker", CreateRequest{AmountFiat: "50", AmountAsset: "10"}, ErrInvalidOrder},
		{"no amount", "taker", CreateRequest{}, ErrInvalidOrder},
		{"fiat scale", "taker", CreateRequest{AmountFiat: "50.001"}, ErrInvalidOrder},
		{"own offer", "maker", CreateRequest{AmountFiat: "50"}, ErrInvalidOrder},
		{"anonymous", "", CreateRequest{AmountFiat: "50"}, ErrUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.req.OfferID = h.offer.ID
			tc.req.TakerAddress = takerAddr
			_, err := h.svc.Create(ctx, tc.taker, tc.req)
			assert.ErrorIs(t, err, tc.target)
		})
	}

	_, err := h.svc.Create(ctx, "taker", CreateRequest{OfferID: h.offer.ID, AmountFiat: "50", TakerAddress: "nope"})
	assert.ErrorIs(t, err, ErrInvalidOrder)

	_, err = h.svc.Create(ctx, "taker", CreateRequest{OfferID: "ofr_missing", AmountFiat: "50", TakerAddress: takerAddr})
	assert.ErrorIs(t, err, offers.ErrOfferNotFound)

	_, err = h.offers.Toggle(ctx, h.offer.ID, "maker")
	require.NoError(t, err)
	_, err = h.svc.Create(ctx, "taker", CreateRequest{OfferID: h.offer.ID, AmountFiat: "50", TakerAddress: takerAddr})
	assert.ErrorIs(t, err, ErrOfferUnavailable)
}

// Scenario D: create, lock, declare paid, confirm.
func TestHappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	o := h.create(t, "50")
	o, lockRec, err := h.svc.Lock(ctx, o.ID, "maker", makerAddr)
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingFiatPayment, o.Status)
	require.NotNil(t, o.EscrowAt)
	assert.Equal(t, chain.DirectionLock, lockRec.Direction)
	assert.NotEmpty(t, lockRec.TxHash)
	held, ok := h.pallet.Held(o.ID)
	require.True(t, ok)
	assert.True(t, held.Equal(decimal.NewFromInt(10)))

	o, err = h.svc.DeclarePaid(ctx, o.ID, "taker")
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingConfirmation, o.Status)
	require.NotNil(t, o.PayerDeclaredAt)

	o, relRec, err := h.svc.ConfirmReceived(ctx, o.ID, "maker")
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, o.Status)
	require.NotNil(t, o.ResolvedAt)
	assert.Equal(t, chain.DirectionRelease, relRec.Direction)
	assert.Equal(t, takerAddr, relRec.Address)
	_, ok = h.pallet.Held(o.ID)
	assert.False(t, ok)

	assert.Equal(t, 1, h.records(t, o.ID, chain.DirectionLock))
	assert.Equal(t, 1, h.records(t, o.ID, chain.DirectionRelease))
	assert.Equal(t, []string{BodyEscrowLocked + ":" + lockRec.TxHash}, h.bodies(t, o.ID, BodyEscrowLocked))
	assert.Len(t, h.bodies(t, o.ID, BodyPaidMarked), 1)
	assert.Equal(t, []string{BodyEscrowReleased + ":" + relRec.TxHash}, h.bodies(t, o.ID, BodyEscrowReleased))

	msgs, err := h.svc.Messages(ctx, o.ID, "taker")
	require.NoError(t, err)
	require.Len(t, msgs, 4) // created, locked, paid, released
	assert.Equal(t, KindSystem, msgs[1].Kind)
	assert.Equal(t, SystemActor, msgs[1].SenderID)
	assert.Equal(t, KindUser, msgs[2].Kind)
	assert.Equal(t, "taker", msgs[2].SenderID)
}

func TestEscrowConfirmed_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.create(t, "50")

	rec := EscrowRecord{OrderID: o.ID, Direction: chain.DirectionLock, TxHash: "0xfeed", BlockNumber: 7, Address: makerAddr}

	first, applied, err := h.svc.EscrowConfirmed(ctx, o.ID, rec)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, StatusAwaitingFiatPayment, first.Status)

	second, applied, err := h.svc.EscrowConfirmed(ctx, o.ID, rec)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, StatusAwaitingFiatPayment, second.Status)
	assert.Equal(t, first.EscrowAt, second.EscrowAt)

	assert.Len(t, h.bodies(t, o.ID, BodyEscrowLocked), 1)
	assert.Equal(t, 1, h.records(t, o.ID, chain.DirectionLock))

	_, _, err = h.svc.EscrowConfirmed(ctx, o.ID, EscrowRecord{OrderID: "ord_other", Direction: chain.DirectionLock, TxHash: "0x1"})
	assert.ErrorIs(t, err, ErrEscrowMismatch)
}

func TestLock_Guards(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.create(t, "50")

	_, _, err := h.svc.Lock(ctx, o.ID, "taker", makerAddr)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, _, err = h.svc.Lock(ctx, o.ID, "maker", "0x123")
	assert.ErrorIs(t, err, ErrInvalidOrder)

	_, _, err = h.svc.Lock(ctx, "ord_missing", "maker", makerAddr)
	assert.ErrorIs(t, err, ErrOrderNotFound)

	_, _, err = h.svc.Lock(ctx, o.ID, "maker", makerAddr)
	require.NoError(t, err)
	_, _, err = h.svc.Lock(ctx, o.ID, "maker", makerAddr)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, 1, h.pallet.Prepared())
}

func TestLock_ChainFailureLeavesOrderRetryable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.create(t, "50")

	h.pallet.FailNext(chain.FailureRejected)
	_, _, err := h.svc.Lock(ctx, o.ID, "maker", makerAddr)
	require.Error(t, err)
	assert.ErrorIs(t, err, chain.ErrRejected)
	assert.Equal(t, StatusAwaitingEscrow, h.status(t, o.ID))
	assert.Equal(t, 0, h.records(t, o.ID, chain.DirectionLock))
	assert.Empty(t, h.bodies(t, o.ID, BodyEscrowLocked))

	o, _, err = h.svc.Lock(ctx, o.ID, "maker", makerAddr)
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingFiatPayment, o.Status)
}

func TestDeclarePaid_Guards(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	o := h.create(t, "50")
	_, err := h.svc.DeclarePaid(ctx, o.ID, "taker")
	assert.ErrorIs(t, err, ErrInvalidTransition, "cannot pay before escrow")

	o = h.locked(t)
	_, err = h.svc.DeclarePaid(ctx, o.ID, "maker")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = h.svc.DeclarePaid(ctx, o.ID, "taker")
	require.NoError(t, err)
	_, err = h.svc.DeclarePaid(ctx, o.ID, "taker")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Len(t, h.bodies(t, o.ID, BodyPaidMarked), 1)
}

func TestConfirmReceived_Guards(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	o := h.locked(t)
	_, _, err := h.svc.ConfirmReceived(ctx, o.ID, "maker")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	o = h.paid(t)
	_, _, err = h.svc.ConfirmReceived(ctx, o.ID, "taker")
	assert.ErrorIs(t, err, ErrUnauthorized)

	h.pallet.FailNext(chain.FailureInsufficientFunds)
	_, _, err = h.svc.ConfirmReceived(ctx, o.ID, "maker")
	assert.ErrorIs(t, err, chain.ErrInsufficientFunds)
	assert.Equal(t, StatusAwaitingConfirmation, h.status(t, o.ID))

	_, _, err = h.svc.ConfirmReceived(ctx, o.ID, "maker")
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, h.status(t, o.ID))
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	o := h.create(t, "50")
	_, err := h.svc.Cancel(ctx, o.ID, "stranger")
	assert.ErrorIs(t, err, ErrUnauthorized)

	o, err = h.svc.Cancel(ctx, o.ID, "taker")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, o.Status)
	assert.Equal(t, []string{BodyCancelled}, h.bodies(t, o.ID, BodyCancelled))

	locked := h.locked(t)
	_, err = h.svc.Cancel(ctx, locked.ID, "maker")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestOpenDispute(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.locked(t)

	_, _, err := h.svc.OpenDispute(ctx, o.ID, "stranger", OpenDisputeRequest{Reason: "x"})
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, _, err = h.svc.OpenDispute(ctx, o.ID, "taker", OpenDisputeRequest{Reason: "   "})
	assert.ErrorIs(t, err, ErrInvalidOrder)

	o, d, err := h.svc.OpenDispute(ctx, o.ID, "taker", OpenDisputeRequest{Reason: "maker unresponsive", Evidence: "screenshot"})
	require.NoError(t, err)
	assert.Equal(t, StatusDisputeOpen, o.Status)
	assert.Equal(t, DisputeOpen, d.Status)
	assert.Equal(t, "taker", d.OpenedByID)
	assert.Len(t, h.bodies(t, o.ID, BodyDisputeOpened), 1)

	_, _, err = h.svc.OpenDispute(ctx, o.ID, "maker", OpenDisputeRequest{Reason: "me too"})
	assert.ErrorIs(t, err, ErrDisputeOpen)

	disputes, err := h.svc.Disputes(ctx, o.ID, "maker")
	require.NoError(t, err)
	assert.Len(t, disputes, 1)
}

func TestResolveDispute_Refund(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.locked(t)
	_, d, err := h.svc.OpenDispute(ctx, o.ID, "maker", OpenDisputeRequest{Reason: "no payment"})
	require.NoError(t, err)

	_, _, err = h.svc.ResolveDispute(ctx, d.ID, "taker", ResolveRequest{Outcome: OutcomeRefund})
	assert.ErrorIs(t, err, ErrNotArbiter)
	_, _, err = h.svc.ResolveDispute(ctx, d.ID, arbiterID, ResolveRequest{Outcome: "split"})
	assert.ErrorIs(t, err, ErrInvalidOrder)

	o, resolved, err := h.svc.ResolveDispute(ctx, d.ID, arbiterID, ResolveRequest{Outcome: OutcomeRefund})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, o.Status)
	assert.Equal(t, DisputeResolved, resolved.Status)
	assert.Equal(t, OutcomeRefund, resolved.Outcome)
	assert.Equal(t, arbiterID, resolved.ResolvedByID)
	assert.Equal(t, 1, h.records(t, o.ID, chain.DirectionRefund))
	_, ok := h.pallet.Held(o.ID)
	assert.False(t, ok)
	assert.Equal(t, []string{BodyDisputeResolved + ":refund"}, h.bodies(t, o.ID, BodyDisputeResolved))

	_, _, err = h.svc.ResolveDispute(ctx, d.ID, arbiterID, ResolveRequest{Outcome: OutcomeRefund})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// Arbiters can read the order they ruled on.
	_, err = h.svc.Get(ctx, o.ID, arbiterID)
	assert.NoError(t, err)
}

func TestResolveDispute_Release(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.paid(t)
	_, d, err := h.svc.OpenDispute(ctx, o.ID, "taker", OpenDisputeRequest{Reason: "paid, no release"})
	require.NoError(t, err)

	o, _, err = h.svc.ResolveDispute(ctx, d.ID, arbiterID, ResolveRequest{Outcome: OutcomeRelease})
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, o.Status)
	assert.Equal(t, 1, h.records(t, o.ID, chain.DirectionRelease))
}

// A settled order can be reopened by a dispute; that is the only way back
// out of a terminal status.
func TestRetroactiveDispute(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.paid(t)
	o, _, err := h.svc.ConfirmReceived(ctx, o.ID, "maker")
	require.NoError(t, err)

	_, err = h.svc.Cancel(ctx, o.ID, "maker")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	o, d, err := h.svc.OpenDispute(ctx, o.ID, "maker", OpenDisputeRequest{Reason: "chargeback on fiat"})
	require.NoError(t, err)
	assert.Equal(t, StatusDisputeOpen, o.Status)

	prepared := h.pallet.Prepared()
	o, _, err = h.svc.ResolveDispute(ctx, d.ID, arbiterID, ResolveRequest{Outcome: OutcomeRelease})
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, o.Status)
	assert.Equal(t, prepared, h.pallet.Prepared(), "nothing held, nothing moved")
	assert.Equal(t, 1, h.records(t, o.ID, chain.DirectionRelease))
	assert.Equal(t, []string{BodyDisputeResolved + ":release:" + ResolvedNoCustody},
		h.bodies(t, o.ID, BodyDisputeResolved))
}

func TestResolveDispute_BeforeLockRecordsNoCustody(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.create(t, "50")
	_, d, err := h.svc.OpenDispute(ctx, o.ID, "taker", OpenDisputeRequest{Reason: "offer terms changed"})
	require.NoError(t, err)

	o, _, err = h.svc.ResolveDispute(ctx, d.ID, arbiterID, ResolveRequest{Outcome: OutcomeRelease})
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, o.Status)
	assert.Equal(t, 0, h.records(t, o.ID, chain.DirectionRelease))
	assert.Equal(t, []string{BodyDisputeResolved + ":release:" + ResolvedNoCustody},
		h.bodies(t, o.ID, BodyDisputeResolved))
}

type hookEscrow struct {
	Escrow
	beforeLock    func()
	beforeRelease func()
}

func newHookHarness(t *testing.T) (*harness, *hookEscrow) {
	t.Helper()
	pallet := chain.NewSimulatedPallet()
	hook := &hookEscrow{Escrow: chain.NewCoordinator(pallet, chain.NewMemoryAttemptStore(), quietLogger())}
	h := newHarnessWith(t, nil, hook)
	h.pallet = pallet
	return h, hook
}

func divergences(t *testing.T, d chain.Direction) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, metrics.StateDivergenceTotal.WithLabelValues(string(d)).Write(m))
	return m.GetCounter().GetValue()
}

func (e *hookEscrow) Release(ctx context.Context, orderID, addr string, amount decimal.Decimal, asset chain.Asset) chain.Result {
	if e.beforeRelease != nil {
		e.beforeRelease()
	}
	return e.Escrow.Release(ctx, orderID, addr, amount, asset)
}

func (e *hookEscrow) Lock(ctx context.Context, orderID, addr string, amount decimal.Decimal, asset chain.Asset) chain.Result {
	if e.beforeLock != nil {
		e.beforeLock()
	}
	return e.Escrow.Lock(ctx, orderID, addr, amount, asset)
}

func TestLock_LosesRaceToTimeout(t *testing.T) {
	h, hook := newHookHarness(t)
	ctx := context.Background()

	o := h.create(t, "50")
	hook.beforeLock = func() {
		h.clock.Advance(11 * time.Minute)
		_, ok := NewSweeper(h.svc, quietLogger()).Sweep(ctx)
		require.True(t, ok)
	}

	_, _, err := h.svc.Lock(ctx, o.ID, "maker", makerAddr)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, StatusCancelled, h.status(t, o.ID))

	// The funds are on chain, so the ledger must say so.
	recs, err := h.store.EscrowRecords(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, EscrowHeld(recs))
	assert.Len(t, h.bodies(t, o.ID, BodyEscrowLocked), 1)

	// The maker disputes the cancelled order and gets the asset back.
	_, d, err := h.svc.OpenDispute(ctx, o.ID, "maker", OpenDisputeRequest{Reason: "locked after cancel"})
	require.NoError(t, err)
	o, _, err = h.svc.ResolveDispute(ctx, d.ID, arbiterID, ResolveRequest{Outcome: OutcomeRefund})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, o.Status)
	_, held := h.pallet.Held(o.ID)
	assert.False(t, held)
}

func TestPostMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.create(t, "50")

	msg, err := h.svc.PostMessage(ctx, o.ID, "taker", "  PIX sent?  ")
	require.NoError(t, err)
	assert.Equal(t, "PIX sent?", msg.Body)
	assert.Equal(t, KindUser, msg.Kind)

	_, err = h.svc.PostMessage(ctx, o.ID, "stranger", "hi")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = h.svc.PostMessage(ctx, o.ID, "maker", " ")
	assert.ErrorIs(t, err, ErrInvalidOrder)

	_, err = h.svc.Messages(ctx, o.ID, "stranger")
	assert.ErrorIs(t, err, ErrUnauthorized)

	assert.Equal(t, StatusAwaitingEscrow, h.status(t, o.ID))
}

func TestListMine(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		h.clock.Advance(time.Second)
		ids = append(ids, h.create(t, "50").ID)
	}
	_, err := h.svc.Cancel(ctx, ids[0], "taker")
	require.NoError(t, err)

	page, err := h.svc.ListMine(ctx, "taker", "", "", 2)
	require.NoError(t, err)
	require.Len(t, page.Orders, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, ids[2], page.Orders[0].ID)

	next, err := h.svc.ListMine(ctx, "taker", "", page.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, next.Orders, 1)
	assert.Equal(t, ids[0], next.Orders[0].ID)
	assert.False(t, next.HasMore)

	active, err := h.svc.ListMine(ctx, "maker", "ACTIVE", "", 10)
	require.NoError(t, err)
	assert.Len(t, active.Orders, 2)

	hist, err := h.svc.ListMine(ctx, "maker", "hist", "", 10)
	require.NoError(t, err)
	require.Len(t, hist.Orders, 1)
	assert.Equal(t, ids[0], hist.Orders[0].ID)

	_, err = h.svc.ListMine(ctx, "maker", "OPEN", "", 10)
	assert.ErrorIs(t, err, ErrInvalidOrder)

	none, err := h.svc.ListMine(ctx, "nobody", "", "", 10)
	require.NoError(t, err)
	assert.NotNil(t, none.Orders)
	assert.Empty(t, none.Orders)
}

func TestConfirmReceived_ConcurrentConfirmsDoNotDiverge(t *testing.T) {
	h, hook := newHookHarness(t)
	ctx := context.Background()
	o := h.paid(t)

	// Hold both callers at the chain boundary so both pass the status guard.
	var entered sync.WaitGroup
	entered.Add(2)
	hook.beforeRelease = func() {
		entered.Done()
		entered.Wait()
	}
	before := divergences(t, chain.DirectionRelease)

	recs := make([]*EscrowRecord, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range recs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, recs[i], errs[i] = h.svc.ConfirmReceived(ctx, o.ID, "maker")
		}()
	}
	wg.Wait()

	for i := range recs {
		require.NoError(t, errs[i])
		require.NotNil(t, recs[i])
	}
	assert.Equal(t, recs[0].TxHash, recs[1].TxHash)
	assert.Equal(t, StatusReleased, h.status(t, o.ID))
	assert.Equal(t, 1, h.records(t, o.ID, chain.DirectionRelease))
	assert.Len(t, h.bodies(t, o.ID, BodyEscrowReleased), 1)
	assert.Equal(t, before, divergences(t, chain.DirectionRelease))
}

func TestLock_DuplicateReturnsStoredRecord(t *testing.T) {
	h, hook := newHookHarness(t)
	ctx := context.Background()
	o := h.create(t, "50")

	var first *EscrowRecord
	hook.beforeLock = func() {
		hook.beforeLock = nil
		var err error
		_, first, err = h.svc.Lock(ctx, o.ID, "maker", makerAddr)
		require.NoError(t, err)
	}
	before := divergences(t, chain.DirectionLock)

	updated, rec, err := h.svc.Lock(ctx, o.ID, "maker", makerAddr)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, StatusAwaitingFiatPayment, updated.Status)
	assert.Equal(t, first.ID, rec.ID)
	assert.Equal(t, first.TxHash, rec.TxHash)
	assert.Equal(t, 1, h.records(t, o.ID, chain.DirectionLock))
	assert.Equal(t, before, divergences(t, chain.DirectionLock))
}
