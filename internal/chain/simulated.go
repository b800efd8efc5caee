package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// SimulatedPallet is an in-process escrow contract used when no RPC endpoint
// is configured, and by tests. It keeps per-order custody so a double lock or
// a release without a lock is rejected like the real contract would.
type SimulatedPallet struct {
	mu         sync.Mutex
	block      uint64
	nonce      uint64
	held       map[string]decimal.Decimal // orderID → locked amount
	mined      map[string]uint64          // txHash → block
	broadcasts map[string]int             // txHash → Broadcast calls
	prepared   int
	failNext   []FailureKind
	hangNext   int
}

func NewSimulatedPallet() *SimulatedPallet {
	return &SimulatedPallet{
		held:       make(map[string]decimal.Decimal),
		mined:      make(map[string]uint64),
		broadcasts: make(map[string]int),
	}
}

var _ Pallet = (*SimulatedPallet)(nil)

type simPayload struct {
	Nonce     uint64    `json:"nonce"`
	OrderID   string    `json:"orderId"`
	Direction Direction `json:"direction"`
	To        string    `json:"to"`
	Amount    string    `json:"amount"`
	Asset     Asset     `json:"asset"`
}

// FailNext makes the next Broadcast fail with kind. Calls queue.
func (s *SimulatedPallet) FailNext(kind FailureKind) {
	s.mu.Lock()
	s.failNext = append(s.failNext, kind)
	s.mu.Unlock()
}

// HangNext makes the next n AwaitFinality calls block until ctx ends, as if
// the transaction never reached finality in time.
func (s *SimulatedPallet) HangNext(n int) {
	s.mu.Lock()
	s.hangNext += n
	s.mu.Unlock()
}

// Held returns the amount escrowed for orderID.
func (s *SimulatedPallet) Held(orderID string) (decimal.Decimal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.held[orderID]
	return d, ok
}

// Prepared returns how many transactions were signed.
func (s *SimulatedPallet) Prepared() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prepared
}

// Broadcasts returns how many times txHash was broadcast.
func (s *SimulatedPallet) Broadcasts(txHash string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broadcasts[txHash]
}

func (s *SimulatedPallet) Prepare(_ context.Context, call Call) (SubmittedTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prepared++
	nonce := s.nonce
	s.nonce++
	payload, err := json.Marshal(simPayload{
		Nonce: nonce, OrderID: call.OrderID, Direction: call.Direction,
		To: call.To, Amount: call.Amount.String(), Asset: call.Asset,
	})
	if err != nil {
		return SubmittedTx{}, Rejected("prepare", err)
	}
	return SubmittedTx{
		Key:         call.Key(),
		TxHash:      crypto.Keccak256Hash(payload).Hex(),
		Nonce:       nonce,
		Payload:     payload,
		SubmittedAt: time.Now(),
	}, nil
}

func (s *SimulatedPallet) Broadcast(_ context.Context, tx SubmittedTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.broadcasts[tx.TxHash]++
	if len(s.failNext) > 0 {
		kind := s.failNext[0]
		s.failNext = s.failNext[1:]
		return &Error{Kind: kind, Op: "broadcast", TxHash: tx.TxHash, Err: errors.New("simulated failure")}
	}
	if _, ok := s.mined[tx.TxHash]; ok {
		return nil // already known
	}

	var p simPayload
	if err := json.Unmarshal(tx.Payload, &p); err != nil {
		return Rejected("broadcast", fmt.Errorf("malformed payload: %w", err))
	}
	amount, err := decimal.NewFromString(p.Amount)
	if err != nil {
		return Rejected("broadcast", err)
	}

	switch p.Direction {
	case DirectionLock:
		if _, ok := s.held[p.OrderID]; ok {
			return Rejected("broadcast", fmt.Errorf("order %s already locked", p.OrderID))
		}
		s.held[p.OrderID] = amount
	case DirectionRelease, DirectionRefund:
		held, ok := s.held[p.OrderID]
		if !ok {
			return Rejected("broadcast", fmt.Errorf("order %s has no escrow", p.OrderID))
		}
		if !held.Equal(amount) {
			return Rejected("broadcast", fmt.Errorf("order %s holds %s, not %s", p.OrderID, held, amount))
		}
		delete(s.held, p.OrderID)
	default:
		return Rejected("broadcast", fmt.Errorf("unknown direction %q", p.Direction))
	}

	s.block++
	s.mined[tx.TxHash] = s.block
	return nil
}

func (s *SimulatedPallet) AwaitFinality(ctx context.Context, tx SubmittedTx) (Receipt, error) {
	s.mu.Lock()
	if s.hangNext > 0 {
		s.hangNext--
		s.mu.Unlock()
		<-ctx.Done()
		return Receipt{}, Unavailable("await", ctx.Err())
	}
	block, ok := s.mined[tx.TxHash]
	s.mu.Unlock()

	if !ok {
		return Receipt{}, Unavailable("await", fmt.Errorf("tx %s unknown", tx.TxHash))
	}
	return Receipt{TxHash: tx.TxHash, BlockNumber: block}, nil
}
