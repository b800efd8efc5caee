package chain

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var ErrAttemptNotFound = errors.New("chain: attempt not found")

// AttemptStatus tracks a submission through finality.
type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "pending"
	AttemptFinalized AttemptStatus = "finalized"
)

// Attempt is the durable record behind an idempotency key.
type Attempt struct {
	Key         string
	OrderID     string
	Direction   Direction
	To          string
	Amount      decimal.Decimal
	Asset       Asset
	Tx          SubmittedTx
	Status      AttemptStatus
	BlockNumber uint64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func newAttempt(call Call, tx SubmittedTx, now time.Time) *Attempt {
	return &Attempt{
		Key:       call.Key(),
		OrderID:   call.OrderID,
		Direction: call.Direction,
		To:        call.To,
		Amount:    call.Amount,
		Asset:     call.Asset,
		Tx:        tx,
		Status:    AttemptPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// matches reports whether call asks for the same movement as the attempt.
func (a *Attempt) matches(call Call) bool {
	return a.To == call.To && a.Asset == call.Asset && a.Amount.Equal(call.Amount)
}

func (a *Attempt) receipt() Receipt {
	return Receipt{
		TxHash:      a.Tx.TxHash,
		BlockNumber: a.BlockNumber,
		Amount:      a.Amount,
		Asset:       a.Asset,
		Direction:   a.Direction,
		To:          a.To,
	}
}

// AttemptStore persists attempts keyed by Call.Key.
type AttemptStore interface {
	Get(ctx context.Context, key string) (*Attempt, error)
	Save(ctx context.Context, a *Attempt) error // upsert
	Delete(ctx context.Context, key string) error
}

// MemoryAttemptStore is an in-memory AttemptStore for development and tests.
type MemoryAttemptStore struct {
	mu       sync.RWMutex
	attempts map[string]*Attempt
}

func NewMemoryAttemptStore() *MemoryAttemptStore {
	return &MemoryAttemptStore{attempts: make(map[string]*Attempt)}
}

var _ AttemptStore = (*MemoryAttemptStore)(nil)

func (m *MemoryAttemptStore) Get(_ context.Context, key string) (*Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.attempts[key]
	if !ok {
		return nil, ErrAttemptNotFound
	}
	return copyAttempt(a), nil
}

func (m *MemoryAttemptStore) Save(_ context.Context, a *Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.attempts[a.Key] = copyAttempt(a)
	return nil
}

func (m *MemoryAttemptStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.attempts, key)
	return nil
}

func copyAttempt(a *Attempt) *Attempt {
	cp := *a
	cp.Tx.Payload = append([]byte(nil), a.Tx.Payload...)
	return &cp
}
