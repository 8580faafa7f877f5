package escrow

import (
	"context"
	"time"
)

// Record is one escrowed transaction between a purchaser and a merchant.
// Heights are read from the configured time source.
type Record struct {
	ID              uint64    `json:"id"`
	Purchaser       string    `json:"purchaser"`
	Merchant        string    `json:"merchant"`
	ItemRef         string    `json:"itemRef,omitempty"`
	Amount          uint64    `json:"amount"`
	State           State     `json:"state"`
	CreatedHeight   uint64    `json:"createdHeight"`
	Expiration      uint64    `json:"expiration"`
	UpdatedHeight   uint64    `json:"updatedHeight"`
	PurchaserAmount uint64    `json:"purchaserAmount,omitempty"`
	MerchantAmount  uint64    `json:"merchantAmount,omitempty"`
	DisputePercent  *uint64   `json:"disputePercent,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// IsTerminal returns true if the record is in a final state.
func (r *Record) IsTerminal() bool {
	return r.State.IsTerminal()
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	cp := *r
	if r.DisputePercent != nil {
		p := *r.DisputePercent
		cp.DisputePercent = &p
	}
	return &cp
}

// Totals sums payment amounts by custody status.
type Totals struct {
	// Locked is the sum over pending, approved and disputed records.
	Locked uint64 `json:"locked"`
	// Frozen is the sum over frozen records; these funds stay in custody.
	Frozen uint64 `json:"frozen"`
	Open   int    `json:"open"`
}

// Store persists transaction records.
//
// Create assigns the next id (counter+1) and advances the counter in the same
// atomic step. Update is a full replace conditioned on the stored state still
// being prev; otherwise it returns ErrStaleRecord.
type Store interface {
	Create(ctx context.Context, r *Record) (uint64, error)
	Get(ctx context.Context, id uint64) (*Record, error)
	Update(ctx context.Context, r *Record, prev State) error
	Counter(ctx context.Context) (uint64, error)
	ListByParty(ctx context.Context, party string, limit int) ([]*Record, error)
	ListByState(ctx context.Context, state State, limit int) ([]*Record, error)
	Totals(ctx context.Context) (Totals, error)
}
