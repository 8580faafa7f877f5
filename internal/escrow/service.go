// Package escrow custodies funds between a purchaser and a merchant for a
// bounded window and settles them through role-gated transitions.
//
// Flow:
//  1. Purchaser creates → funds moved: purchaser → custodian (Pending)
//  2. Merchant approves → no movement (Approved)
//  3. Purchaser or admin completes → custodian → merchant (Completed)
//  4. Purchaser aborts, admin returns, or the deadline passes and the
//     purchaser recovers → custodian → purchaser
//  5. Either party disputes → admin resolves with a percentage split
//
// Every call runs under a per-transaction lock: load, check, move funds,
// write the record, then emit one event.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/escrowd/internal/clock"
	"github.com/mbd888/escrowd/internal/events"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/retry"
	"github.com/mbd888/escrowd/internal/syncutil"
	"github.com/mbd888/escrowd/internal/traces"
)

// LedgerService is the subset of the account ledger the state machine needs.
type LedgerService interface {
	Custodian() string
	Settle(ctx context.Context, reference string, legs ...ledger.Transfer) error
}

// Config is fixed at deployment.
type Config struct {
	Admin    string
	Deadline Deadline
}

// CreateRequest contains the parameters for creating a transaction. The
// caller becomes the purchaser.
type CreateRequest struct {
	Merchant string `json:"merchant"`
	ItemRef  string `json:"itemRef"`
	Amount   uint64 `json:"amount"`
	Lifetime uint64 `json:"lifetime"` // Height units; 0 selects the default
}

// Service implements the escrow state machine.
type Service struct {
	store    Store
	ledger   LedgerService
	clock    clock.Source
	sink     events.Sink
	admin    string
	deadline Deadline
	locks    *syncutil.KeyedMutex
	createMu syncutil.Mutex
	settling sync.RWMutex // shared from settle to record write; exclusive in Quiesce
	now      func() time.Time
}

// NewService creates a new escrow service.
func NewService(store Store, ledger LedgerService, clk clock.Source, cfg Config) *Service {
	return &Service{
		store:    store,
		ledger:   ledger,
		clock:    clk,
		sink:     events.Nop{},
		admin:    normalize(cfg.Admin),
		deadline: cfg.Deadline,
		locks:    syncutil.NewKeyedMutex(),
		now:      time.Now,
	}
}

// WithSink sets the sink that receives one event per successful call.
func (s *Service) WithSink(sink events.Sink) *Service {
	if sink != nil {
		s.sink = sink
	}
	return s
}

// Admin returns the fixed admin identity.
func (s *Service) Admin() string {
	return s.admin
}

// Deadline returns the configured lifetime and extension bounds.
func (s *Service) Deadline() Deadline {
	return s.deadline
}

// Create locks amount from the caller into custody and records a Pending
// transaction with the next id. The counter only advances when both the
// transfer and the record write succeed.
func (s *Service) Create(ctx context.Context, caller string, req CreateRequest) (rec *Record, err error) {
	const op = "create"
	started := time.Now()
	ctx, span := traces.StartSpan(ctx, "escrow.create",
		traces.Caller(caller), traces.Operation(op), traces.Amount(req.Amount))
	var moved uint64
	defer func() {
		metrics.ObserveTransition(op, Kind(err), started, moved)
		traces.End(span, err)
	}()

	purchaser := normalize(caller)
	merchant := normalize(req.Merchant)
	custodian := normalize(s.ledger.Custodian())

	if req.Amount == 0 {
		return nil, ErrInvalidAmount
	}
	if purchaser == "" || merchant == "" ||
		merchant == purchaser || merchant == custodian || purchaser == custodian {
		return nil, ErrInvalidCounterparty
	}

	height, err := s.height(ctx)
	if err != nil {
		return nil, err
	}
	expiration, err := s.deadline.Expiration(height, req.Lifetime)
	if err != nil {
		return nil, err
	}

	rec, ref, legs, err := s.insert(ctx, &Record{
		Purchaser:     purchaser,
		Merchant:      merchant,
		ItemRef:       req.ItemRef,
		Amount:        req.Amount,
		State:         StatePending,
		CreatedHeight: height,
		Expiration:    expiration,
		UpdatedHeight: height,
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(traces.TransactionID(rec.ID))
	moved = req.Amount
	logging.L(ctx).Info("escrow transaction created",
		"transaction_id", rec.ID, "purchaser", purchaser, "merchant", merchant,
		"amount", req.Amount, "expiration", expiration)
	s.emit(ctx, EventCreated, purchaser, ref, rec, legs, height)
	return rec, nil
}

// insert moves the payment into custody and writes rec under the create
// lock. The lock is released before the caller emits.
func (s *Service) insert(ctx context.Context, rec *Record) (*Record, string, []ledger.Transfer, error) {
	const op = "create"
	unlock, err := s.createMu.LockContext(ctx)
	if err != nil {
		return nil, "", nil, err
	}
	defer unlock()

	counter, err := s.store.Counter(ctx)
	if err != nil {
		return nil, "", nil, fmt.Errorf("failed to read transaction counter: %w", err)
	}
	id := counter + 1
	ref := reference(id, op)
	legs := []ledger.Transfer{{From: rec.Purchaser, To: normalize(s.ledger.Custodian()), Amount: rec.Amount}}

	s.settling.RLock()
	defer s.settling.RUnlock()

	if err := s.settle(ctx, ref, legs); err != nil {
		return nil, "", nil, err
	}

	now := s.now()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if _, err := s.store.Create(ctx, rec); err != nil {
		if s.created(ctx, id, rec) {
			logging.L(ctx).Warn("record write reported failure but committed",
				"transaction_id", id, "operation", op, "error", err)
			rec.ID = id
			return rec, ref, legs, nil
		}
		s.compensate(ctx, op, id, ref, legs)
		return nil, "", nil, fmt.Errorf("failed to create transaction record: %w", err)
	}
	if rec.ID != id {
		logging.L(ctx).Warn("transaction id differs from reserved reference",
			"transaction_id", rec.ID, "reference", ref)
	}
	return rec, ref, legs, nil
}

// Approve marks a Pending transaction as accepted by the merchant.
func (s *Service) Approve(ctx context.Context, id uint64, caller string) (*Record, error) {
	return s.transition(ctx, ActionApprove, id, caller, nil)
}

// Complete releases the funds to the merchant.
func (s *Service) Complete(ctx context.Context, id uint64, caller string) (*Record, error) {
	return s.transition(ctx, ActionComplete, id, caller, func(r *Record) ([]ledger.Transfer, error) {
		r.MerchantAmount = r.Amount
		return []ledger.Transfer{{From: s.ledger.Custodian(), To: r.Merchant, Amount: r.Amount}}, nil
	})
}

// Abort returns the funds to the purchaser before the merchant approves.
func (s *Service) Abort(ctx context.Context, id uint64, caller string) (*Record, error) {
	return s.transition(ctx, ActionAbort, id, caller, s.refund)
}

// AdminReturn lets the admin return a Pending transaction's funds to the
// purchaser regardless of the deadline.
func (s *Service) AdminReturn(ctx context.Context, id uint64, caller string) (*Record, error) {
	return s.transition(ctx, ActionAdminReturn, id, caller, s.refund)
}

// RecoverExpired returns the funds to the purchaser once the deadline has
// passed.
func (s *Service) RecoverExpired(ctx context.Context, id uint64, caller string) (*Record, error) {
	return s.transition(ctx, ActionRecoverExpired, id, caller, s.refund)
}

// OpenDispute hands the transaction to the admin for arbitration.
func (s *Service) OpenDispute(ctx context.Context, id uint64, caller string) (*Record, error) {
	return s.transition(ctx, ActionOpenDispute, id, caller, nil)
}

// ResolveDispute splits a disputed payment: percent of it (rounded down) goes
// back to the purchaser and the remainder to the merchant. Both legs settle
// as one unit.
func (s *Service) ResolveDispute(ctx context.Context, id uint64, caller string, percent uint64) (*Record, error) {
	if percent > MaxDisputePercent {
		s.reject(ctx, ActionResolveDispute, ErrInvalidAmount)
		return nil, ErrInvalidAmount
	}
	return s.transition(ctx, ActionResolveDispute, id, caller, func(r *Record) ([]ledger.Transfer, error) {
		toPurchaser, toMerchant, err := SplitDispute(r.Amount, percent)
		if err != nil {
			return nil, err
		}
		p := percent
		r.DisputePercent = &p
		r.PurchaserAmount = toPurchaser
		r.MerchantAmount = toMerchant
		custodian := s.ledger.Custodian()
		return []ledger.Transfer{
			{From: custodian, To: r.Purchaser, Amount: toPurchaser},
			{From: custodian, To: r.Merchant, Amount: toMerchant},
		}, nil
	})
}

// Freeze halts the transaction permanently. Funds stay with the custodian
// and no operation releases them.
func (s *Service) Freeze(ctx context.Context, id uint64, caller string) (*Record, error) {
	return s.transition(ctx, ActionFreeze, id, caller, nil)
}

// ExtendDeadline pushes the expiration back by delta, 1 <= delta <= the
// configured maximum extension. The state is unchanged.
func (s *Service) ExtendDeadline(ctx context.Context, id uint64, caller string, delta uint64) (*Record, error) {
	if delta == 0 || delta > s.deadline.MaxExtension {
		s.reject(ctx, ActionExtendDeadline, ErrInvalidAmount)
		return nil, ErrInvalidAmount
	}
	return s.transition(ctx, ActionExtendDeadline, id, caller, func(r *Record) ([]ledger.Transfer, error) {
		expiration, err := s.deadline.Extend(r.Expiration, delta)
		if err != nil {
			return nil, err
		}
		r.Expiration = expiration
		return nil, nil
	})
}

// Get returns a transaction by id.
func (s *Service) Get(ctx context.Context, id uint64) (*Record, error) {
	return s.load(ctx, id)
}

// ListByParty returns transactions where party is purchaser or merchant,
// newest first.
func (s *Service) ListByParty(ctx context.Context, party string, limit int) ([]*Record, error) {
	return s.store.ListByParty(ctx, normalize(party), limit)
}

// ListByState returns transactions in state, newest first.
func (s *Service) ListByState(ctx context.Context, state State, limit int) ([]*Record, error) {
	return s.store.ListByState(ctx, state, limit)
}

// Totals returns the locked and frozen sums across all transactions.
func (s *Service) Totals(ctx context.Context) (Totals, error) {
	return s.store.Totals(ctx)
}

// Quiesce runs fn while no call is between moving funds and writing its
// record, so custody totals and ledger balances read inside fn agree.
func (s *Service) Quiesce(ctx context.Context, fn func(ctx context.Context) error) error {
	s.settling.Lock()
	defer s.settling.Unlock()
	return fn(ctx)
}

func (s *Service) refund(r *Record) ([]ledger.Transfer, error) {
	r.PurchaserAmount = r.Amount
	return []ledger.Transfer{{From: s.ledger.Custodian(), To: r.Purchaser, Amount: r.Amount}}, nil
}

// settleFunc updates the working copy of a record and returns the legs that
// must move with it.
type settleFunc func(r *Record) ([]ledger.Transfer, error)

// transition runs one operation on an existing record. Checks short-circuit
// in order: id, authorization, terminal state, allowed-from state, deadline.
func (s *Service) transition(ctx context.Context, action Action, id uint64, caller string, apply settleFunc) (rec *Record, err error) {
	op := action.String()
	started := time.Now()
	ctx, span := traces.StartSpan(ctx, "escrow."+op,
		traces.TransactionID(id), traces.Caller(caller), traces.Operation(op))
	var moved uint64
	defer func() {
		metrics.ObserveTransition(op, Kind(err), started, moved)
		traces.End(span, err)
	}()

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !Authorize(action, caller, cur.Purchaser, cur.Merchant, s.admin) {
		return nil, ErrAccessDenied
	}
	// Resolving reports InvalidState for every non-disputed record,
	// finalized ones included.
	if cur.IsTerminal() && action != ActionResolveDispute {
		return nil, ErrAlreadyFinalized
	}
	if !action.AllowedFrom(cur.State) {
		return nil, ErrInvalidState
	}

	height, err := s.height(ctx)
	if err != nil {
		return nil, err
	}
	if err := transitions[action].deadline.check(cur, height); err != nil {
		return nil, err
	}

	next := cur.Clone()
	if action != ActionExtendDeadline {
		next.State = action.Target()
	}
	var legs []ledger.Transfer
	if apply != nil {
		if legs, err = apply(next); err != nil {
			return nil, err
		}
	}
	next.UpdatedHeight = height
	next.UpdatedAt = s.now()

	ref := reference(id, op)
	if err := s.commit(ctx, op, ref, next, cur.State, legs); err != nil {
		return nil, err
	}

	moved = total(legs)
	span.SetAttributes(traces.State(next.State.String()))
	logging.L(ctx).Info("escrow transition",
		"transaction_id", id, "operation", op, "caller", normalize(caller),
		"from", cur.State.String(), "to", next.State.String(), "moved", moved)
	s.emit(ctx, action.Event(), caller, ref, next, legs, height)
	return next, nil
}

// load resolves id, distinguishing ids never issued from missing records.
func (s *Service) load(ctx context.Context, id uint64) (*Record, error) {
	counter, err := s.store.Counter(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read transaction counter: %w", err)
	}
	if id == 0 || id > counter {
		return nil, ErrInvalidTransactionID
	}
	return s.store.Get(ctx, id)
}

func (s *Service) height(ctx context.Context) (uint64, error) {
	h, err := s.clock.Height(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read height: %w", err)
	}
	metrics.ChainHeight.Set(float64(h))
	return h, nil
}

func (s *Service) settle(ctx context.Context, ref string, legs []ledger.Transfer) error {
	if len(legs) == 0 {
		return nil
	}
	if err := s.ledger.Settle(ctx, ref, legs...); err != nil {
		return fmt.Errorf("%w: %w", ErrPaymentFailure, err)
	}
	return nil
}

// commit moves legs and writes next as one step from the audit's point of
// view. A failed write reverses the legs.
func (s *Service) commit(ctx context.Context, op, ref string, next *Record, prev State, legs []ledger.Transfer) error {
	s.settling.RLock()
	defer s.settling.RUnlock()

	if err := s.settle(ctx, ref, legs); err != nil {
		return err
	}
	if err := s.persist(ctx, next, prev); err != nil {
		s.compensate(ctx, op, next.ID, ref, legs)
		return fmt.Errorf("failed to update transaction %d: %w", next.ID, err)
	}
	return nil
}

// persist writes the record, retrying transient failures. A stale or missing
// record is not retried. When a write reported failure but the stored record
// already equals r, the earlier attempt committed and the write succeeded.
func (s *Service) persist(ctx context.Context, r *Record, prev State) error {
	err := retry.RecordWrite.Do(ctx, func() error {
		err := s.store.Update(ctx, r, prev)
		if errors.Is(err, ErrStaleRecord) || errors.Is(err, ErrNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	stored, gerr := s.store.Get(context.WithoutCancel(ctx), r.ID)
	if gerr != nil || !sameUpdate(stored, r) {
		return err
	}
	logging.L(ctx).Warn("record write reported failure but committed",
		"transaction_id", r.ID, "state", r.State.String(), "error", err)
	return nil
}

// created reports whether a failed Create left rec stored under id.
func (s *Service) created(ctx context.Context, id uint64, rec *Record) bool {
	stored, err := s.store.Get(context.WithoutCancel(ctx), id)
	if err != nil {
		return false
	}
	return stored.Purchaser == rec.Purchaser && stored.Merchant == rec.Merchant &&
		stored.ItemRef == rec.ItemRef && stored.Amount == rec.Amount &&
		stored.State == rec.State && stored.CreatedHeight == rec.CreatedHeight &&
		stored.Expiration == rec.Expiration
}

// sameUpdate compares the fields a transition writes. Timestamps are left
// out since engines round them.
func sameUpdate(a, b *Record) bool {
	if (a.DisputePercent == nil) != (b.DisputePercent == nil) {
		return false
	}
	if a.DisputePercent != nil && *a.DisputePercent != *b.DisputePercent {
		return false
	}
	return a.State == b.State && a.Expiration == b.Expiration &&
		a.UpdatedHeight == b.UpdatedHeight &&
		a.PurchaserAmount == b.PurchaserAmount && a.MerchantAmount == b.MerchantAmount
}

// compensate reverses legs after the record write failed, so the ledger
// matches the unchanged record.
func (s *Service) compensate(ctx context.Context, op string, id uint64, ref string, legs []ledger.Transfer) {
	if len(legs) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := s.ledger.Settle(ctx, ref+":reverse", ledger.Reverse(legs)...); err != nil {
		metrics.CompensationsTotal.WithLabelValues(op, "failed").Inc()
		logging.L(ctx).Error("CRITICAL: compensating transfer failed, ledger and record disagree",
			"transaction_id", id, "operation", op, "reference", ref, "error", err)
		return
	}
	metrics.CompensationsTotal.WithLabelValues(op, "ok").Inc()
	logging.L(ctx).Error("record write failed, funds returned",
		"transaction_id", id, "operation", op, "reference", ref)
}

// emit sends the event for a durable transition. Sink failures are logged
// and counted; the transition has already happened.
func (s *Service) emit(ctx context.Context, name, caller, ref string, r *Record, legs []ledger.Transfer, height uint64) {
	movements := make([]events.Movement, 0, len(legs))
	for _, leg := range legs {
		if leg.Amount == 0 {
			continue
		}
		movements = append(movements, events.Movement{From: normalize(leg.From), To: normalize(leg.To), Amount: leg.Amount})
	}
	if len(movements) == 0 {
		ref = ""
	}
	evt := events.Event{
		ID:            idgen.WithPrefix("evt_"),
		Name:          name,
		TransactionID: r.ID,
		Caller:        normalize(caller),
		Purchaser:     r.Purchaser,
		Merchant:      r.Merchant,
		State:         r.State.String(),
		Amount:        r.Amount,
		Movements:     movements,
		Reference:     ref,
		Expiration:    r.Expiration,
		Height:        height,
		EmittedAt:     s.now(),
	}
	if err := s.sink.Emit(ctx, evt); err != nil {
		metrics.EventEmitFailuresTotal.WithLabelValues(name).Inc()
		logging.L(ctx).Error("failed to emit escrow event",
			"transaction_id", r.ID, "event", name, "error", err)
	}
}

// reject records a call that failed argument validation before any lookup.
func (s *Service) reject(ctx context.Context, action Action, err error) {
	metrics.ObserveTransition(action.String(), Kind(err), time.Now(), 0)
	logging.L(ctx).Debug("escrow call rejected", "operation", action.String(), "error", err)
}

func reference(id uint64, op string) string {
	return fmt.Sprintf("tx:%d:%s", id, op)
}

func total(legs []ledger.Transfer) uint64 {
	var sum uint64
	for _, leg := range legs {
		sum += leg.Amount
	}
	return sum
}
