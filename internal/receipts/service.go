package receipts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/escrowd/internal/events"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/logging"
)

// Service signs, stores and verifies receipts. It is an events.Sink: every
// event that moved funds yields one receipt.
type Service struct {
	store  Store
	signer *Signer
	now    func() time.Time
}

// NewService creates a new receipt service. If signer is nil, Emit and
// Issue do nothing.
func NewService(store Store, signer *Signer) *Service {
	return &Service{
		store:  store,
		signer: signer,
		now:    time.Now,
	}
}

// Enabled reports whether receipts are being signed.
func (s *Service) Enabled() bool {
	return s != nil && s.signer != nil
}

// Emit issues the receipt for a settlement event. Events that moved no funds
// are ignored, as is a reference that already has a receipt.
func (s *Service) Emit(ctx context.Context, evt events.Event) error {
	if !s.Enabled() || evt.Reference == "" || len(evt.Movements) == 0 {
		return nil
	}
	_, err := s.Issue(ctx, evt)
	if errors.Is(err, ErrDuplicateReference) {
		return nil
	}
	return err
}

// Issue signs and persists the receipt for evt.
func (s *Service) Issue(ctx context.Context, evt events.Event) (*Receipt, error) {
	if !s.Enabled() {
		return nil, ErrSigningDisabled
	}
	if evt.Reference == "" || len(evt.Movements) == 0 {
		return nil, fmt.Errorf("receipts: event %s moved no funds", evt.Name)
	}

	now := s.now().UTC()
	r := &Receipt{
		ID:            idgen.WithPrefix("rcpt_"),
		Reference:     evt.Reference,
		TransactionID: evt.TransactionID,
		Event:         evt.Name,
		Purchaser:     strings.ToLower(evt.Purchaser),
		Merchant:      strings.ToLower(evt.Merchant),
		Amount:        evt.Moved(),
		Legs:          evt.Movements,
		IssuedAt:      now,
		ExpiresAt:     now.Add(signatureValidity),
		CreatedAt:     now,
	}
	sig, hash, err := s.signer.Sign(payloadOf(r))
	if err != nil {
		return nil, fmt.Errorf("receipts: failed to sign: %w", err)
	}
	r.Signature = sig
	r.PayloadHash = hash

	if err := s.store.Create(ctx, r); err != nil {
		return nil, err
	}
	logging.L(ctx).Debug("receipt issued",
		"receipt_id", r.ID, "reference", r.Reference, "transaction_id", r.TransactionID, "amount", r.Amount)
	return r, nil
}

// Get returns a receipt by ID.
func (s *Service) Get(ctx context.Context, id string) (*Receipt, error) {
	return s.store.Get(ctx, id)
}

// GetByReference returns the receipt for a ledger reference.
func (s *Service) GetByReference(ctx context.Context, reference string) (*Receipt, error) {
	return s.store.GetByReference(ctx, reference)
}

// ListByParty returns receipts involving party, newest first.
func (s *Service) ListByParty(ctx context.Context, party string, limit int) ([]*Receipt, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByParty(ctx, strings.ToLower(strings.TrimSpace(party)), limit)
}

// ListByTransaction returns a transaction's receipts in settlement order.
func (s *Service) ListByTransaction(ctx context.Context, transactionID uint64) ([]*Receipt, error) {
	return s.store.ListByTransaction(ctx, transactionID)
}

// Verify checks whether a receipt's signature is valid.
func (s *Service) Verify(ctx context.Context, receiptID string) (*VerifyResponse, error) {
	resp := &VerifyResponse{ReceiptID: receiptID}
	if !s.Enabled() {
		resp.Error = ErrSigningDisabled.Error()
		return resp, nil
	}

	r, err := s.store.Get(ctx, receiptID)
	if errors.Is(err, ErrReceiptNotFound) {
		resp.Error = ErrReceiptNotFound.Error()
		return resp, nil
	}
	if err != nil {
		return nil, err
	}

	resp.Valid = s.signer.Verify(payloadOf(r), r.Signature)
	if !resp.Valid {
		resp.Error = "signature verification failed"
		return resp, nil
	}
	resp.Expired = s.now().After(r.ExpiresAt)
	return resp, nil
}
