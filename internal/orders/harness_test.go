package orders

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/p2pescrow/internal/chain"
	"github.com/mbd888/p2pescrow/internal/offers"
	"github.com/stretchr/testify/require"
)

const (
	makerAddr = "0x1111111111111111111111111111111111111111"
	takerAddr = "0x2222222222222222222222222222222222222222"
	arbiterID = "arbiter-1"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	svc    *Service
	store  *MemoryStore
	offers *offers.Service
	pallet *chain.SimulatedPallet
	clock  *testClock
	offer  *offers.Offer
}

// newHarness wires the engine to an in-memory ledger, an in-memory offer
// book and a coordinator over the simulated pallet.
func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, nil, nil)
}

// newHarnessWith lets a test wrap the store or replace the escrow.
func newHarnessWith(t *testing.T, wrap func(*MemoryStore) Store, escrow Escrow) *harness {
	t.Helper()
	clock := &testClock{now: t0}
	offerSvc := offers.NewService(offers.NewMemoryStore(), quietLogger()).WithClock(clock.Now)
	offer, err := offerSvc.Create(context.Background(), "maker", offers.CreateRequest{
		AssetType:        "native",
		PriceFiatPerUnit: "5",
		MinFiat:          "10",
		MaxFiat:          "1000",
	})
	require.NoError(t, err)

	pallet := chain.NewSimulatedPallet()
	if escrow == nil {
		escrow = chain.NewCoordinator(pallet, chain.NewMemoryAttemptStore(), quietLogger())
	}
	mem := NewMemoryStore()
	var store Store = mem
	if wrap != nil {
		store = wrap(mem)
	}
	svc := NewService(store, offerSvc, escrow, quietLogger(),
		WithClock(clock.Now), WithArbiters(arbiterID))

	return &harness{svc: svc, store: mem, offers: offerSvc, pallet: pallet, clock: clock, offer: offer}
}

func (h *harness) create(t *testing.T, fiat string) *Order {
	t.Helper()
	o, err := h.svc.Create(context.Background(), "taker", CreateRequest{
		OfferID:      h.offer.ID,
		AmountFiat:   fiat,
		TakerAddress: takerAddr,
	})
	require.NoError(t, err)
	return o
}

func (h *harness) locked(t *testing.T) *Order {
	t.Helper()
	o := h.create(t, "50")
	o, _, err := h.svc.Lock(context.Background(), o.ID, "maker", makerAddr)
	require.NoError(t, err)
	return o
}

func (h *harness) paid(t *testing.T) *Order {
	t.Helper()
	o := h.locked(t)
	o, err := h.svc.DeclarePaid(context.Background(), o.ID, "taker")
	require.NoError(t, err)
	return o
}

func (h *harness) status(t *testing.T, id string) Status {
	t.Helper()
	o, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return o.Status
}

// bodies returns message bodies with the given prefix.
func (h *harness) bodies(t *testing.T, id, prefix string) []string {
	t.Helper()
	msgs, err := h.store.Messages(context.Background(), id)
	require.NoError(t, err)
	var out []string
	for _, m := range msgs {
		if strings.HasPrefix(m.Body, prefix) {
			out = append(out, m.Body)
		}
	}
	return out
}

func (h *harness) records(t *testing.T, id string, d chain.Direction) int {
	t.Helper()
	recs, err := h.store.EscrowRecords(context.Background(), id)
	require.NoError(t, err)
	n := 0
	for _, r := range recs {
		if r.Direction == d {
			n++
		}
	}
	return n
}
