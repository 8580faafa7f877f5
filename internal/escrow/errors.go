package escrow

import (
	"errors"

	"github.com/mbd888/escrowd/internal/ledger"
)

var (
	ErrAccessDenied         = errors.New("caller is not permitted to perform this action")
	ErrNotFound             = errors.New("transaction not found")
	ErrInvalidTransactionID = errors.New("transaction id was never issued")
	ErrAlreadyFinalized     = errors.New("transaction is already finalized")
	ErrInvalidState         = errors.New("action not allowed from the current state")
	ErrPaymentFailure       = errors.New("fund transfer failed")
	ErrInsufficientFunds    = ledger.ErrInsufficientFunds
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidCounterparty  = errors.New("invalid counterparty")
	ErrDealExpired          = errors.New("transaction deadline has passed")
	ErrNotYetExpired        = errors.New("transaction deadline has not passed")

	// ErrStaleRecord is returned by Store.Update when the stored state no
	// longer matches the state the caller read.
	ErrStaleRecord = errors.New("transaction record changed concurrently")
)

var kinds = []struct {
	err  error
	kind string
}{
	{ErrAccessDenied, "access_denied"},
	{ErrInvalidTransactionID, "invalid_transaction_id"},
	{ErrNotFound, "not_found"},
	{ErrAlreadyFinalized, "already_finalized"},
	{ErrInvalidState, "invalid_state"},
	{ErrInsufficientFunds, "insufficient_funds"},
	{ErrPaymentFailure, "payment_failure"},
	{ErrInvalidAmount, "invalid_amount"},
	{ErrInvalidCounterparty, "invalid_counterparty"},
	{ErrDealExpired, "deal_expired"},
	{ErrNotYetExpired, "not_yet_expired"},
	{ErrStaleRecord, "stale_record"},
}

// Kind returns a stable snake_case code for err, "ok" for nil, and
// "internal" for errors outside the escrow error set.
func Kind(err error) string {
	if err == nil {
		return "ok"
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "internal"
}
