package offers

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/p2pescrow/internal/chain"
	"github.com/mbd888/p2pescrow/internal/pagination"
)

// MemoryStore is an in-memory offer store for development and testing.
type MemoryStore struct {
	mu     sync.RWMutex
	offers map[string]*Offer
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{offers: make(map[string]*Offer)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(_ context.Context, o *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *o
	m.offers[o.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, o *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.offers[o.ID]; !ok {
		return ErrOfferNotFound
	}
	cp := *o
	m.offers[o.ID] = &cp
	return nil
}

func (m *MemoryStore) ListActive(_ context.Context, asset chain.Asset, after *pagination.Cursor, limit int) ([]*Offer, error) {
	return m.list(after, limit, func(o *Offer) bool {
		return o.Status == StatusActive && (asset == "" || o.AssetType == asset)
	}), nil
}

func (m *MemoryStore) ListByOwner(_ context.Context, ownerID string, after *pagination.Cursor, limit int) ([]*Offer, error) {
	return m.list(after, limit, func(o *Offer) bool { return o.OwnerID == ownerID }), nil
}

func (m *MemoryStore) list(after *pagination.Cursor, limit int, keep func(*Offer) bool) []*Offer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Offer
	for _, o := range m.offers {
		if keep(o) && after.After(o.CreatedAt, o.ID) {
			cp := *o
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}
