// Package ledger holds non-negative account balances and moves funds between
// accounts.
//
// Every movement is a set of legs applied as one unit: either every leg's
// debit and credit is visible, or none is. One reserved account, the escrow
// custodian, holds all funds currently in transit and can only be credited
// by transfers, never by deposits.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/escrowd/internal/traces"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidAccount    = errors.New("invalid account")
	ErrReservedAccount   = errors.New("account is reserved")
)

// Entry directions.
const (
	Debit  = "debit"
	Credit = "credit"
)

// Transfer is a single leg: amount moves from From to To.
type Transfer struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

// Entry is one side of a leg, recorded in the journal.
type Entry struct {
	ID           string    `json:"id"`
	Account      string    `json:"account"`
	Direction    string    `json:"direction"`
	Amount       uint64    `json:"amount"`
	Counterparty string    `json:"counterparty,omitempty"`
	Reference    string    `json:"reference,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Balance is an account's current balance.
type Balance struct {
	Account   string    `json:"account"`
	Balance   uint64    `json:"balance"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists balances and the journal.
//
// Apply must be atomic: if any leg would overdraw its source account the
// store returns ErrInsufficientFunds and leaves every balance unchanged.
type Store interface {
	GetBalance(ctx context.Context, account string) (*Balance, error)
	Apply(ctx context.Context, reference string, legs []Transfer) error
	Credit(ctx context.Context, account string, amount uint64, reference string) error
	GetHistory(ctx context.Context, account string, limit int) ([]*Entry, error)
}

// Ledger validates movements and delegates persistence to a Store.
type Ledger struct {
	store     Store
	custodian string
}

// New creates a ledger. custodian names the reserved escrow account.
func New(store Store, custodian string) *Ledger {
	return &Ledger{store: store, custodian: normalize(custodian)}
}

// Custodian returns the reserved escrow account identifier.
func (l *Ledger) Custodian() string {
	return l.custodian
}

// Balance returns an account's balance. Unknown accounts have a zero balance.
func (l *Ledger) Balance(ctx context.Context, account string) (uint64, error) {
	bal, err := l.store.GetBalance(ctx, normalize(account))
	if err != nil {
		return 0, err
	}
	return bal.Balance, nil
}

// Deposit credits funds from outside the system to an account.
func (l *Ledger) Deposit(ctx context.Context, account string, amount uint64, reference string) (err error) {
	ctx, span := traces.StartSpan(ctx, "ledger.deposit", traces.Reference(reference), traces.Amount(amount))
	defer func() { traces.End(span, err) }()

	account = normalize(account)
	if account == "" {
		return ErrInvalidAccount
	}
	if account == l.custodian {
		return ErrReservedAccount
	}
	if amount == 0 {
		return ErrInvalidAmount
	}
	return l.store.Credit(ctx, account, amount, reference)
}

// Transfer moves amount from one account to another.
func (l *Ledger) Transfer(ctx context.Context, from, to string, amount uint64, reference string) error {
	return l.Settle(ctx, reference, Transfer{From: from, To: to, Amount: amount})
}

// Settle applies all legs atomically. Zero-amount legs are dropped; a settle
// with no remaining legs is a no-op.
func (l *Ledger) Settle(ctx context.Context, reference string, legs ...Transfer) (err error) {
	ctx, span := traces.StartSpan(ctx, "ledger.settle", traces.Reference(reference), traces.Legs(len(legs)))
	defer func() { traces.End(span, err) }()

	applied := make([]Transfer, 0, len(legs))
	for _, leg := range legs {
		leg.From = normalize(leg.From)
		leg.To = normalize(leg.To)
		if leg.From == "" || leg.To == "" || leg.From == leg.To {
			return fmt.Errorf("%w: %q -> %q", ErrInvalidAccount, leg.From, leg.To)
		}
		if leg.Amount == 0 {
			continue
		}
		applied = append(applied, leg)
	}
	if len(applied) == 0 {
		return nil
	}
	return l.store.Apply(ctx, reference, applied)
}

// History returns journal entries for an account, newest first.
func (l *Ledger) History(ctx context.Context, account string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.GetHistory(ctx, normalize(account), limit)
}

// Reverse returns the legs that undo legs, in reverse order.
func Reverse(legs []Transfer) []Transfer {
	out := make([]Transfer, len(legs))
	for i, leg := range legs {
		out[len(legs)-1-i] = Transfer{From: leg.To, To: leg.From, Amount: leg.Amount}
	}
	return out
}

func normalize(account string) string {
	return strings.ToLower(strings.TrimSpace(account))
}
