// Package receipts issues signed proofs for every settlement that moved
// funds.
//
// Each ledger reference of the form tx:<id>:<op> gets exactly one receipt.
// Purchasers and merchants can verify a receipt's HMAC-SHA256 signature
// against the service without trusting the transport it arrived over.
package receipts

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/escrowd/internal/events"
)

var (
	ErrReceiptNotFound    = errors.New("receipts: not found")
	ErrDuplicateReference = errors.New("receipts: reference already has a receipt")
	ErrSigningDisabled    = errors.New("receipts: signing disabled (no HMAC secret configured)")
)

// Receipt is a signed proof that a settlement moved funds.
type Receipt struct {
	ID            string            `json:"id"`
	Reference     string            `json:"reference"` // ledger reference, tx:<id>:<op>
	TransactionID uint64            `json:"transactionId"`
	Event         string            `json:"event"`
	Purchaser     string            `json:"purchaser"`
	Merchant      string            `json:"merchant"`
	Amount        uint64            `json:"amount"` // sum of legs
	Legs          []events.Movement `json:"legs"`
	PayloadHash   string            `json:"payloadHash"` // SHA-256 of the canonical payload
	Signature     string            `json:"signature"`   // HMAC-SHA256 of the canonical payload
	IssuedAt      time.Time         `json:"issuedAt"`
	ExpiresAt     time.Time         `json:"expiresAt"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// Involves reports whether party sent or received any leg, or is a
// counterparty of the transaction.
func (r *Receipt) Involves(party string) bool {
	if party == "" {
		return false
	}
	if r.Purchaser == party || r.Merchant == party {
		return true
	}
	for _, leg := range r.Legs {
		if leg.From == party || leg.To == party {
			return true
		}
	}
	return false
}

// VerifyRequest is the input for verifying a receipt signature.
type VerifyRequest struct {
	ReceiptID string `json:"receiptId"`
}

// VerifyResponse is the result of receipt verification.
type VerifyResponse struct {
	Valid     bool   `json:"valid"`
	ReceiptID string `json:"receiptId"`
	Expired   bool   `json:"expired,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Store persists receipts. Create returns ErrDuplicateReference when the
// reference already has one.
type Store interface {
	Create(ctx context.Context, r *Receipt) error
	Get(ctx context.Context, id string) (*Receipt, error)
	GetByReference(ctx context.Context, reference string) (*Receipt, error)
	ListByParty(ctx context.Context, party string, limit int) ([]*Receipt, error)
	ListByTransaction(ctx context.Context, transactionID uint64) ([]*Receipt, error)
}

// payload is the canonical struct that is hashed and signed. Field order is
// fixed by the struct, so its JSON encoding is deterministic.
type payload struct {
	Amount        uint64            `json:"amount"`
	Event         string            `json:"event"`
	Legs          []events.Movement `json:"legs"`
	Merchant      string            `json:"merchant"`
	Purchaser     string            `json:"purchaser"`
	Reference     string            `json:"reference"`
	TransactionID uint64            `json:"transactionId"`
}

func payloadOf(r *Receipt) payload {
	return payload{
		Amount:        r.Amount,
		Event:         r.Event,
		Legs:          r.Legs,
		Merchant:      r.Merchant,
		Purchaser:     r.Purchaser,
		Reference:     r.Reference,
		TransactionID: r.TransactionID,
	}
}
