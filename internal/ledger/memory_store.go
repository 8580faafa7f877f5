package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/escrowd/internal/idgen"
)

// MemoryStore is an in-memory ledger store for development and tests.
type MemoryStore struct {
	balances map[string]*Balance
	entries  []*Entry
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*Balance),
		entries:  make([]*Entry, 0),
	}
}

func (m *MemoryStore) GetBalance(_ context.Context, account string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[account]; ok {
		cp := *bal
		return &cp, nil
	}
	return &Balance{Account: account, UpdatedAt: time.Now()}, nil
}

func (m *MemoryStore) Credit(_ context.Context, account string, amount uint64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	bal := m.balanceLocked(account)
	if bal.Balance+amount < bal.Balance {
		return ErrInvalidAmount
	}
	bal.Balance += amount
	bal.UpdatedAt = now

	m.entries = append(m.entries, &Entry{
		ID:        idgen.WithPrefix("ent_"),
		Account:   account,
		Direction: Credit,
		Amount:    amount,
		Reference: reference,
		CreatedAt: now,
	})
	return nil
}

// Apply stages every leg against a scratch copy of the touched balances and
// only writes back once all legs succeed.
func (m *MemoryStore) Apply(_ context.Context, reference string, legs []Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	staged := make(map[string]uint64)
	get := func(account string) uint64 {
		if v, ok := staged[account]; ok {
			return v
		}
		if bal, ok := m.balances[account]; ok {
			return bal.Balance
		}
		return 0
	}

	for _, leg := range legs {
		from := get(leg.From)
		if from < leg.Amount {
			return ErrInsufficientFunds
		}
		staged[leg.From] = from - leg.Amount
		to := get(leg.To)
		if to+leg.Amount < to {
			return ErrInvalidAmount
		}
		staged[leg.To] = to + leg.Amount
	}

	now := time.Now()
	for account, v := range staged {
		bal := m.balanceLocked(account)
		bal.Balance = v
		bal.UpdatedAt = now
	}
	for _, leg := range legs {
		m.entries = append(m.entries,
			&Entry{
				ID:           idgen.WithPrefix("ent_"),
				Account:      leg.From,
				Direction:    Debit,
				Amount:       leg.Amount,
				Counterparty: leg.To,
				Reference:    reference,
				CreatedAt:    now,
			},
			&Entry{
				ID:           idgen.WithPrefix("ent_"),
				Account:      leg.To,
				Direction:    Credit,
				Amount:       leg.Amount,
				Counterparty: leg.From,
				Reference:    reference,
				CreatedAt:    now,
			},
		)
	}
	return nil
}

func (m *MemoryStore) GetHistory(_ context.Context, account string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if m.entries[i].Account == account {
			cp := *m.entries[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) balanceLocked(account string) *Balance {
	bal, ok := m.balances[account]
	if !ok {
		bal = &Balance{Account: account}
		m.balances[account] = bal
	}
	return bal
}

var _ Store = (*MemoryStore)(nil)
