// Package reconciliation audits money conservation: every unit held by the
// escrow custodian must be accounted for by a locked or frozen transaction.
package reconciliation

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mbd888/escrowd/internal/escrow"
)

// BalanceReader returns ledger balances and names the custodian account.
type BalanceReader interface {
	Custodian() string
	Balance(ctx context.Context, account string) (uint64, error)
}

// TotalsReader sums transaction amounts by custody status.
type TotalsReader interface {
	Totals(ctx context.Context) (escrow.Totals, error)
}

// Quiescer pauses settlement while fn runs. The escrow service implements
// it; when the totals source does, both sides are read inside one pause.
type Quiescer interface {
	Quiesce(ctx context.Context, fn func(ctx context.Context) error) error
}

// Result holds the outcome of a conservation check.
type Result struct {
	Match            bool      `json:"match"`
	Custodian        string    `json:"custodian"`
	CustodianBalance uint64    `json:"custodianBalance"`
	LockedTotal      uint64    `json:"lockedTotal"`
	FrozenTotal      uint64    `json:"frozenTotal"`
	OpenTransactions int       `json:"openTransactions"`
	Surplus          uint64    `json:"surplus,omitempty"`
	Shortfall        uint64    `json:"shortfall,omitempty"`
	CheckedAt        time.Time `json:"checkedAt"`
}

// Service compares the custodian balance against transaction totals.
type Service struct {
	ledger BalanceReader
	totals TotalsReader
	last   atomic.Pointer[Result]
	now    func() time.Time
}

// NewService creates a reconciliation service.
func NewService(ledger BalanceReader, totals TotalsReader) *Service {
	return &Service{
		ledger: ledger,
		totals: totals,
		now:    time.Now,
	}
}

// Check reads both sides and reports whether they agree. Frozen funds stay
// with the custodian, so the expected balance is locked plus frozen.
func (s *Service) Check(ctx context.Context) (*Result, error) {
	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	var (
		totals escrow.Totals
		bal    uint64
	)
	read := func(ctx context.Context) error {
		var err error
		if totals, err = s.totals.Totals(ctx); err != nil {
			return fmt.Errorf("failed to sum transaction totals: %w", err)
		}
		if bal, err = s.ledger.Balance(ctx, s.ledger.Custodian()); err != nil {
			return fmt.Errorf("failed to read custodian balance: %w", err)
		}
		return nil
	}
	var err error
	if q, ok := s.totals.(Quiescer); ok {
		err = q.Quiesce(ctx, read)
	} else {
		err = read(ctx)
	}
	if err != nil {
		reconcileErrors.Inc()
		return nil, err
	}

	res := &Result{
		Custodian:        s.ledger.Custodian(),
		CustodianBalance: bal,
		LockedTotal:      totals.Locked,
		FrozenTotal:      totals.Frozen,
		OpenTransactions: totals.Open,
		CheckedAt:        s.now(),
	}

	expected := totals.Locked + totals.Frozen
	if expected < totals.Locked {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("custody totals overflow: locked=%d frozen=%d", totals.Locked, totals.Frozen)
	}
	switch {
	case bal > expected:
		res.Surplus = bal - expected
	case bal < expected:
		res.Shortfall = expected - bal
	default:
		res.Match = true
	}

	custodianBalance.Set(float64(bal))
	lockedTotal.Set(float64(totals.Locked))
	frozenTotal.Set(float64(totals.Frozen))
	if res.Match {
		conservationHolds.Set(1)
	} else {
		conservationHolds.Set(0)
	}

	s.last.Store(res)
	return res, nil
}

// Last returns the most recent result, or nil before the first check.
func (s *Service) Last() *Result {
	return s.last.Load()
}
