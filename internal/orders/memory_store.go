package orders

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/p2pescrow/internal/pagination"
)

// MemoryStore is an in-memory order ledger for demo/development mode.
// Apply holds a single lock for the whole change, giving it the same
// all-or-nothing behaviour as the Postgres transaction.
type MemoryStore struct {
	mu       sync.RWMutex
	orders   map[string]*Order
	messages map[string][]*Message
	escrow   map[string][]*EscrowRecord
	disputes map[string]*Dispute
	byOrder  map[string][]string
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:   make(map[string]*Order),
		messages: make(map[string][]*Message),
		escrow:   make(map[string][]*EscrowRecord),
		disputes: make(map[string]*Dispute),
		byOrder:  make(map[string][]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, o *Order, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.orders[o.ID] = o.clone()
	if msg != nil {
		cp := *msg
		m.messages[o.ID] = append(m.messages[o.ID], &cp)
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return o.clone(), nil
}

func (m *MemoryStore) Apply(ctx context.Context, c *Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	orderID := changeOrderID(c)
	current, ok := m.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}

	// Validate everything before the first write.
	if c.Order != nil && current.Status != c.From {
		return ErrConflict
	}
	if c.Escrow != nil {
		for _, r := range m.escrow[orderID] {
			if r.settles() == c.Escrow.settles() {
				return ErrEscrowRecorded
			}
		}
	}
	if c.OpenDispute != nil {
		for _, id := range m.byOrder[orderID] {
			if m.disputes[id].Status == DisputeOpen {
				return ErrDisputeOpen
			}
		}
	}
	if c.ResolveDispute != nil {
		d, ok := m.disputes[c.ResolveDispute.ID]
		if !ok {
			return ErrDisputeNotFound
		}
		if d.Status != DisputeOpen {
			return ErrConflict
		}
	}

	if c.Order != nil {
		m.orders[orderID] = c.Order.clone()
	}
	if c.Escrow != nil {
		cp := *c.Escrow
		m.escrow[orderID] = append(m.escrow[orderID], &cp)
	}
	if c.OpenDispute != nil {
		cp := *c.OpenDispute
		m.disputes[cp.ID] = &cp
		m.byOrder[orderID] = append(m.byOrder[orderID], cp.ID)
	}
	if c.ResolveDispute != nil {
		cp := *c.ResolveDispute
		cp.ResolvedAt = copyTime(c.ResolveDispute.ResolvedAt)
		m.disputes[cp.ID] = &cp
	}
	if c.Message != nil {
		cp := *c.Message
		m.messages[orderID] = append(m.messages[orderID], &cp)
	}
	return nil
}

func (m *MemoryStore) ListStale(ctx context.Context, status Status, cutoff time.Time, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if o.Status != status {
			continue
		}
		anchor := staleAnchor(o)
		if anchor == nil || !anchor.Before(cutoff) {
			continue
		}
		result = append(result, o.clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return staleAnchor(result[i]).Before(*staleAnchor(result[j]))
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, userID string, statuses []Status, after *pagination.Cursor, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if !o.IsParty(userID) {
			continue
		}
		if len(statuses) > 0 && !slices.Contains(statuses, o.Status) {
			continue
		}
		if !after.After(o.CreatedAt, o.ID) {
			continue
		}
		result = append(result, o.clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) Messages(ctx context.Context, orderID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Message, 0, len(m.messages[orderID]))
	for _, msg := range m.messages[orderID] {
		cp := *msg
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) EscrowRecords(ctx context.Context, orderID string) ([]*EscrowRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*EscrowRecord, 0, len(m.escrow[orderID]))
	for _, r := range m.escrow[orderID] {
		cp := *r
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) Disputes(ctx context.Context, orderID string) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Dispute, 0, len(m.byOrder[orderID]))
	for _, id := range m.byOrder[orderID] {
		cp := *m.disputes[id]
		cp.ResolvedAt = copyTime(cp.ResolvedAt)
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	cp := *d
	cp.ResolvedAt = copyTime(d.ResolvedAt)
	return &cp, nil
}

// changeOrderID returns the order a change touches.
func changeOrderID(c *Change) string {
	switch {
	case c.Order != nil:
		return c.Order.ID
	case c.Message != nil:
		return c.Message.OrderID
	case c.Escrow != nil:
		return c.Escrow.OrderID
	case c.OpenDispute != nil:
		return c.OpenDispute.OrderID
	case c.ResolveDispute != nil:
		return c.ResolveDispute.OrderID
	}
	return ""
}
