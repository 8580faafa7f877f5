package receipts

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/mbd888/escrowd/internal/events"
)

// MemoryStore is an in-memory receipt store for demo/development mode.
type MemoryStore struct {
	receipts    map[string]*Receipt
	byReference map[string]string
	mu          sync.RWMutex
}

// NewMemoryStore creates a new in-memory receipt store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		receipts:    make(map[string]*Receipt),
		byReference: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, r *Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byReference[r.Reference]; ok {
		return ErrDuplicateReference
	}
	m.receipts[r.ID] = clone(r)
	m.byReference[r.Reference] = r.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.receipts[id]
	if !ok {
		return nil, ErrReceiptNotFound
	}
	return clone(r), nil
}

func (m *MemoryStore) GetByReference(ctx context.Context, reference string) (*Receipt, error) {
	m.mu.RLock()
	id, ok := m.byReference[reference]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrReceiptNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) ListByParty(_ context.Context, party string, limit int) ([]*Receipt, error) {
	result := m.list(func(r *Receipt) bool { return r.Involves(party) })
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByTransaction(_ context.Context, transactionID uint64) ([]*Receipt, error) {
	result := m.list(func(r *Receipt) bool { return r.TransactionID == transactionID })
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) list(match func(*Receipt) bool) []*Receipt {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Receipt
	for _, r := range m.receipts {
		if match(r) {
			result = append(result, clone(r))
		}
	}
	// stable base order for receipts issued at the same instant
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func clone(r *Receipt) *Receipt {
	cp := *r
	cp.Legs = slices.Clone(r.Legs)
	if cp.Legs == nil {
		cp.Legs = []events.Movement{}
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
