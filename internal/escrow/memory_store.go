package escrow

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/escrowd/internal/idgen"
)

// MemoryStore is an in-memory transaction store for demo/development mode.
type MemoryStore struct {
	records map[uint64]*Record
	seq     *idgen.Sequence
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[uint64]*Record),
		seq:     idgen.NewSequence(0),
	}
}

func (m *MemoryStore) Create(_ context.Context, r *Record) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.seq.Next()
	r.ID = id
	m.records[id] = r.Clone()
	return id, nil
}

func (m *MemoryStore) Get(_ context.Context, id uint64) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, r *Record, prev State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.records[r.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.State != prev {
		return ErrStaleRecord
	}
	m.records[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) Counter(context.Context) (uint64, error) {
	return m.seq.Current(), nil
}

func (m *MemoryStore) ListByParty(_ context.Context, party string, limit int) ([]*Record, error) {
	party = normalize(party)
	return m.list(limit, func(r *Record) bool {
		return r.Purchaser == party || r.Merchant == party
	}), nil
}

func (m *MemoryStore) ListByState(_ context.Context, state State, limit int) ([]*Record, error) {
	return m.list(limit, func(r *Record) bool { return r.State == state }), nil
}

func (m *MemoryStore) Totals(context.Context) (Totals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var t Totals
	for _, r := range m.records {
		switch {
		case r.State.Locked():
			t.Locked += r.Amount
			t.Open++
		case r.State == StateFrozen:
			t.Frozen += r.Amount
		}
	}
	return t, nil
}

// list returns matching records, newest first.
func (m *MemoryStore) list(limit int, match func(*Record) bool) []*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, r := range m.records {
		if match(r) {
			result = append(result, r.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}
