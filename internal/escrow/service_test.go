package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/clock"
	"github.com/mbd888/escrowd/internal/events"
	"github.com/mbd888/escrowd/internal/ledger"
)

const (
	testAdmin     = "admin"
	testCustodian = "escrow:custodian"
	purchaser     = "alice"
	merchant      = "bob"
	stranger      = "eve"
	startHeight   = 100
)

type harness struct {
	svc    *Service
	ledger *ledger.Ledger
	store  Store
	clock  *clock.Manual
	events *events.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithStore(t, NewMemoryStore())
}

func newHarnessWithStore(t *testing.T, store Store) *harness {
	t.Helper()
	l := ledger.New(ledger.NewMemoryStore(), testCustodian)
	ctx := context.Background()
	require.NoError(t, l.Deposit(ctx, purchaser, 10_000, "seed"))
	require.NoError(t, l.Deposit(ctx, merchant, 10_000, "seed"))

	clk := clock.NewManual(startHeight)
	rec := events.NewRecorder(0)
	svc := NewService(store, l, clk, Config{Admin: testAdmin, Deadline: DefaultDeadline()}).WithSink(rec)
	return &harness{svc: svc, ledger: l, store: store, clock: clk, events: rec}
}

func (h *harness) balance(t *testing.T, account string) uint64 {
	t.Helper()
	b, err := h.ledger.Balance(context.Background(), account)
	require.NoError(t, err)
	return b
}

func (h *harness) create(t *testing.T, amount uint64) *Record {
	t.Helper()
	rec, err := h.svc.Create(context.Background(), purchaser, CreateRequest{Merchant: merchant, Amount: amount})
	require.NoError(t, err)
	return rec
}

func (h *harness) get(t *testing.T, id uint64) *Record {
	t.Helper()
	rec, err := h.svc.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

// assertConserved checks that the custodian holds exactly the locked and
// frozen payment amounts.
func (h *harness) assertConserved(t *testing.T) {
	t.Helper()
	totals, err := h.svc.Totals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, totals.Locked+totals.Frozen, h.balance(t, testCustodian), "custodian balance must equal funds in custody")
}

func eventNames(rec *events.Recorder) []string {
	var names []string
	for _, e := range rec.Events() {
		names = append(names, e.Name)
	}
	return names
}

func TestCreateAndComplete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec := h.create(t, 500)
	assert.Equal(t, uint64(1), rec.ID)
	assert.Equal(t, StatePending, rec.State)
	assert.Equal(t, uint64(startHeight), rec.CreatedHeight)
	assert.Equal(t, uint64(startHeight+1008), rec.Expiration)
	assert.Equal(t, uint64(500), h.balance(t, testCustodian))
	assert.Equal(t, uint64(9_500), h.balance(t, purchaser))
	h.assertConserved(t)

	done, err := h.svc.Complete(ctx, rec.ID, purchaser)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, done.State)
	assert.Equal(t, uint64(500), done.MerchantAmount)
	assert.Equal(t, uint64(10_500), h.balance(t, merchant))
	assert.Zero(t, h.balance(t, testCustodian))
	h.assertConserved(t)

	_, err = h.svc.Complete(ctx, rec.ID, purchaser)
	assert.ErrorIs(t, err, ErrAlreadyFinalized)
	assert.Equal(t, uint64(10_500), h.balance(t, merchant))

	assert.Equal(t, []string{"created", "completed"}, eventNames(h.events))
	completed := h.events.Events()[1]
	assert.Equal(t, uint64(1), completed.TransactionID)
	assert.Equal(t, purchaser, completed.Caller)
	assert.Equal(t, uint64(500), completed.Moved())
	require.Len(t, completed.Movements, 1)
	assert.Equal(t, merchant, completed.Movements[0].To)
}

func TestCreate_InvalidCounterparty(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		caller   string
		merchant string
	}{
		{"merchant is purchaser", purchaser, purchaser},
		{"merchant is purchaser, different case", purchaser, "ALICE"},
		{"merchant is custodian", purchaser, testCustodian},
		{"purchaser is custodian", testCustodian, merchant},
		{"empty merchant", purchaser, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.Create(ctx, tt.caller, CreateRequest{Merchant: tt.merchant, Amount: 100})
			assert.ErrorIs(t, err, ErrInvalidCounterparty)
		})
	}

	counter, err := h.store.Counter(ctx)
	require.NoError(t, err)
	assert.Zero(t, counter)
	assert.Equal(t, uint64(10_000), h.balance(t, purchaser))
	assert.Zero(t, h.balance(t, testCustodian))
	assert.Empty(t, h.events.Events())
}

func TestCreate_InvalidArguments(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Create(ctx, purchaser, CreateRequest{Merchant: merchant, Amount: 0})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = h.svc.Create(ctx, purchaser, CreateRequest{Merchant: merchant, Amount: 10, Lifetime: 52561})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	rec, err := h.svc.Create(ctx, purchaser, CreateRequest{Merchant: merchant, Amount: 10, Lifetime: 5})
	require.NoError(t, err)
	assert.Equal(t, uint64(startHeight+5), rec.Expiration)
}

func TestCreate_InsufficientFunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Create(ctx, purchaser, CreateRequest{Merchant: merchant, Amount: 10_001})
	assert.ErrorIs(t, err, ErrPaymentFailure)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, "insufficient_funds", Kind(err))

	counter, err := h.store.Counter(ctx)
	require.NoError(t, err)
	assert.Zero(t, counter)
	assert.Equal(t, uint64(10_000), h.balance(t, purchaser))
}

func TestDisputeResolution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec := h.create(t, 1000)
	_, err := h.svc.Approve(ctx, rec.ID, merchant)
	require.NoError(t, err)

	disputed, err := h.svc.OpenDispute(ctx, rec.ID, merchant)
	require.NoError(t, err)
	assert.Equal(t, StateDisputed, disputed.State)
	h.assertConserved(t)

	_, err = h.svc.ResolveDispute(ctx, rec.ID, merchant, 60)
	assert.ErrorIs(t, err, ErrAccessDenied)

	resolved, err := h.svc.ResolveDispute(ctx, rec.ID, testAdmin, 60)
	require.NoError(t, err)
	assert.Equal(t, StateResolved, resolved.State)
	assert.Equal(t, uint64(600), resolved.PurchaserAmount)
	assert.Equal(t, uint64(400), resolved.MerchantAmount)
	require.NotNil(t, resolved.DisputePercent)
	assert.Equal(t, uint64(60), *resolved.DisputePercent)

	assert.Equal(t, uint64(9_000+600), h.balance(t, purchaser))
	assert.Equal(t, uint64(10_000+400), h.balance(t, merchant))
	assert.Zero(t, h.balance(t, testCustodian))
	h.assertConserved(t)

	_, err = h.svc.ResolveDispute(ctx, rec.ID, testAdmin, 60)
	assert.ErrorIs(t, err, ErrInvalidState)

	assert.Equal(t, []string{"created", "approved", "dispute_opened", "dispute_resolved"}, eventNames(h.events))
}

func TestResolveDispute_ExtremePercents(t *testing.T) {
	for _, percent := range []uint64{0, 100} {
		t.Run(fmt.Sprint(percent), func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			rec := h.create(t, 999)
			_, err := h.svc.OpenDispute(ctx, rec.ID, purchaser)
			require.NoError(t, err)

			resolved, err := h.svc.ResolveDispute(ctx, rec.ID, testAdmin, percent)
			require.NoError(t, err)
			assert.Equal(t, uint64(999), resolved.PurchaserAmount+resolved.MerchantAmount)
			assert.Equal(t, 999*percent/100, resolved.PurchaserAmount)
			h.assertConserved(t)
		})
	}
}

func TestResolveDispute_PercentValidatedFirst(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.ResolveDispute(context.Background(), 42, stranger, 101)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestRecoverExpired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.svc.Create(ctx, purchaser, CreateRequest{Merchant: merchant, Amount: 300, Lifetime: 10})
	require.NoError(t, err)
	require.Equal(t, uint64(startHeight+10), rec.Expiration)

	h.clock.Set(startHeight + 10)
	_, err = h.svc.RecoverExpired(ctx, rec.ID, purchaser)
	assert.ErrorIs(t, err, ErrNotYetExpired, "deadline is inclusive")

	h.clock.Advance(1)
	_, err = h.svc.RecoverExpired(ctx, rec.ID, merchant)
	assert.ErrorIs(t, err, ErrAccessDenied)

	_, err = h.svc.Complete(ctx, rec.ID, purchaser)
	assert.ErrorIs(t, err, ErrDealExpired)

	recovered, err := h.svc.RecoverExpired(ctx, rec.ID, purchaser)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, recovered.State)
	assert.Equal(t, uint64(10_000), h.balance(t, purchaser))
	h.assertConserved(t)
}

func TestRecoverExpired_ByAdminFromApproved(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.svc.Create(ctx, purchaser, CreateRequest{Merchant: merchant, Amount: 300, Lifetime: 1})
	require.NoError(t, err)
	_, err = h.svc.Approve(ctx, rec.ID, merchant)
	require.NoError(t, err)

	h.clock.Advance(2)
	recovered, err := h.svc.RecoverExpired(ctx, rec.ID, testAdmin)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, recovered.State)
	assert.Equal(t, uint64(300), recovered.PurchaserAmount)
}

func TestExtendDeadline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.create(t, 100)

	_, err := h.svc.ExtendDeadline(ctx, rec.ID, purchaser, 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = h.svc.ExtendDeadline(ctx, rec.ID, purchaser, 1441)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	extended, err := h.svc.ExtendDeadline(ctx, rec.ID, merchant, 100)
	require.NoError(t, err)
	assert.Equal(t, rec.Expiration+100, extended.Expiration)
	assert.Equal(t, StatePending, extended.State)

	extended, err = h.svc.ExtendDeadline(ctx, rec.ID, testAdmin, 1440)
	require.NoError(t, err)
	assert.Equal(t, rec.Expiration+1540, extended.Expiration)

	_, err = h.svc.ExtendDeadline(ctx, rec.ID, stranger, 10)
	assert.ErrorIs(t, err, ErrAccessDenied)

	assert.Equal(t, rec.Expiration+1540, h.get(t, rec.ID).Expiration)
	assert.Equal(t, []string{"created", "deadline_extended", "deadline_extended"}, eventNames(h.events))
}

func TestExtendDeadline_RevivesExpiredRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec, err := h.svc.Create(ctx, purchaser, CreateRequest{Merchant: merchant, Amount: 100, Lifetime: 1})
	require.NoError(t, err)

	h.clock.Advance(5)
	_, err = h.svc.Approve(ctx, rec.ID, merchant)
	require.ErrorIs(t, err, ErrDealExpired)

	_, err = h.svc.ExtendDeadline(ctx, rec.ID, purchaser, 10)
	require.NoError(t, err)
	_, err = h.svc.Approve(ctx, rec.ID, merchant)
	assert.NoError(t, err)
}

func TestAbortAndAdminReturn(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.create(t, 100)
	_, err := h.svc.Abort(ctx, first.ID, merchant)
	assert.ErrorIs(t, err, ErrAccessDenied)
	aborted, err := h.svc.Abort(ctx, first.ID, purchaser)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, aborted.State)

	second := h.create(t, 200)
	_, err = h.svc.AdminReturn(ctx, second.ID, purchaser)
	assert.ErrorIs(t, err, ErrAccessDenied)

	h.clock.Advance(5000)
	returned, err := h.svc.AdminReturn(ctx, second.ID, testAdmin)
	require.NoError(t, err, "admin return ignores the deadline")
	assert.Equal(t, StateRefunded, returned.State)

	third := h.create(t, 50)
	_, err = h.svc.Approve(ctx, third.ID, merchant)
	require.NoError(t, err)
	_, err = h.svc.Abort(ctx, third.ID, purchaser)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = h.svc.AdminReturn(ctx, third.ID, testAdmin)
	assert.ErrorIs(t, err, ErrInvalidState)

	assert.Equal(t, uint64(10_000-50), h.balance(t, purchaser))
	h.assertConserved(t)
}

func TestFreeze_KeepsFundsInCustody(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec := h.create(t, 700)
	frozen, err := h.svc.Freeze(ctx, rec.ID, merchant)
	require.NoError(t, err)
	assert.Equal(t, StateFrozen, frozen.State)
	assert.Equal(t, uint64(700), h.balance(t, testCustodian))

	totals, err := h.svc.Totals(ctx)
	require.NoError(t, err)
	assert.Zero(t, totals.Locked)
	assert.Equal(t, uint64(700), totals.Frozen)

	for _, caller := range []string{purchaser, merchant, testAdmin} {
		_, err = h.svc.AdminReturn(ctx, rec.ID, caller)
		assert.Error(t, err)
		_, err = h.svc.Complete(ctx, rec.ID, caller)
		assert.Error(t, err)
	}
	assert.Equal(t, uint64(700), h.balance(t, testCustodian))
	h.assertConserved(t)
}

func TestIDAddressability(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, 10)

	_, err := h.svc.Get(ctx, 0)
	assert.ErrorIs(t, err, ErrInvalidTransactionID)
	_, err = h.svc.Approve(ctx, 2, merchant)
	assert.ErrorIs(t, err, ErrInvalidTransactionID)

	gappy := &gapStore{MemoryStore: NewMemoryStore()}
	g := newHarnessWithStore(t, gappy)
	g.create(t, 10)
	gappy.extra = 1
	_, err = g.svc.Approve(ctx, 2, merchant)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPreconditionOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	done := h.create(t, 10)
	_, err := h.svc.Complete(ctx, done.ID, purchaser)
	require.NoError(t, err)

	_, err = h.svc.Approve(ctx, done.ID, stranger)
	assert.ErrorIs(t, err, ErrAccessDenied, "authorization before terminal check")
	_, err = h.svc.Approve(ctx, done.ID, merchant)
	assert.ErrorIs(t, err, ErrAlreadyFinalized)

	approved := h.create(t, 10)
	_, err = h.svc.Approve(ctx, approved.ID, merchant)
	require.NoError(t, err)

	h.clock.Advance(2000)
	_, err = h.svc.Approve(ctx, approved.ID, merchant)
	assert.ErrorIs(t, err, ErrInvalidState, "state before deadline")
	_, err = h.svc.OpenDispute(ctx, approved.ID, merchant)
	assert.ErrorIs(t, err, ErrDealExpired)
}

func TestTransitionClosure(t *testing.T) {
	ctx := context.Background()

	type call func(h *harness, id uint64, caller string) error
	calls := map[Action]call{
		ActionApprove: func(h *harness, id uint64, c string) error { _, err := h.svc.Approve(ctx, id, c); return err },
		ActionComplete: func(h *harness, id uint64, c string) error {
			_, err := h.svc.Complete(ctx, id, c)
			return err
		},
		ActionAbort:       func(h *harness, id uint64, c string) error { _, err := h.svc.Abort(ctx, id, c); return err },
		ActionAdminReturn: func(h *harness, id uint64, c string) error { _, err := h.svc.AdminReturn(ctx, id, c); return err },
		ActionRecoverExpired: func(h *harness, id uint64, c string) error {
			_, err := h.svc.RecoverExpired(ctx, id, c)
			return err
		},
		ActionOpenDispute: func(h *harness, id uint64, c string) error { _, err := h.svc.OpenDispute(ctx, id, c); return err },
		ActionResolveDispute: func(h *harness, id uint64, c string) error {
			_, err := h.svc.ResolveDispute(ctx, id, c, 50)
			return err
		},
		ActionFreeze: func(h *harness, id uint64, c string) error { _, err := h.svc.Freeze(ctx, id, c); return err },
		ActionExtendDeadline: func(h *harness, id uint64, c string) error {
			_, err := h.svc.ExtendDeadline(ctx, id, c, 10)
			return err
		},
	}

	// reach drives a fresh record into state.
	reach := map[State]func(h *harness, id uint64){
		StatePending:   func(*harness, uint64) {},
		StateApproved:  func(h *harness, id uint64) { _, _ = h.svc.Approve(ctx, id, merchant) },
		StateCompleted: func(h *harness, id uint64) { _, _ = h.svc.Complete(ctx, id, purchaser) },
		StateCancelled: func(h *harness, id uint64) { _, _ = h.svc.Abort(ctx, id, purchaser) },
		StateRefunded:  func(h *harness, id uint64) { _, _ = h.svc.AdminReturn(ctx, id, testAdmin) },
		StateDisputed:  func(h *harness, id uint64) { _, _ = h.svc.OpenDispute(ctx, id, purchaser) },
		StateResolved: func(h *harness, id uint64) {
			_, _ = h.svc.OpenDispute(ctx, id, purchaser)
			_, _ = h.svc.ResolveDispute(ctx, id, testAdmin, 50)
		},
		StateFrozen: func(h *harness, id uint64) { _, _ = h.svc.Freeze(ctx, id, purchaser) },
		StateExpired: func(h *harness, id uint64) {
			h.clock.Advance(2000)
			_, _ = h.svc.RecoverExpired(ctx, id, purchaser)
		},
	}

	for _, state := range States {
		for _, action := range Actions {
			for _, caller := range []string{purchaser, merchant, testAdmin, stranger} {
				name := fmt.Sprintf("%s/%s/%s", state, action, caller)
				t.Run(name, func(t *testing.T) {
					h := newHarness(t)
					rec := h.create(t, 100)
					reach[state](h, rec.ID)
					before := h.get(t, rec.ID)
					require.Equal(t, state, before.State)
					custody := h.balance(t, testCustodian)

					err := calls[action](h, rec.ID, caller)

					allowed := Authorize(action, caller, purchaser, merchant, testAdmin)
					switch {
					case !allowed:
						assert.ErrorIs(t, err, ErrAccessDenied)
					case state.IsTerminal() && action != ActionResolveDispute:
						assert.ErrorIs(t, err, ErrAlreadyFinalized)
					case !action.AllowedFrom(state):
						assert.ErrorIs(t, err, ErrInvalidState)
					case action == ActionRecoverExpired && !HasExpired(before, startHeight):
						assert.ErrorIs(t, err, ErrNotYetExpired)
					default:
						require.NoError(t, err)
					}

					after := h.get(t, rec.ID)
					if err != nil {
						assert.Equal(t, before, after, "failed call must not change the record")
						assert.Equal(t, custody, h.balance(t, testCustodian))
					} else if action != ActionExtendDeadline {
						assert.Equal(t, action.Target(), after.State)
					}
					if state.IsTerminal() {
						assert.Equal(t, state, after.State)
					}
					h.assertConserved(t)
				})
			}
		}
	}
}

func TestRecordWriteFailure_Compensates(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	h := newHarnessWithStore(t, store)
	ctx := context.Background()

	rec := h.create(t, 400)
	store.failUpdates = true

	_, err := h.svc.Complete(ctx, rec.ID, purchaser)
	require.Error(t, err)
	assert.ErrorIs(t, err, errStoreDown)

	assert.Equal(t, StatePending, h.get(t, rec.ID).State)
	assert.Equal(t, uint64(10_000), h.balance(t, merchant), "merchant credit reversed")
	assert.Equal(t, uint64(400), h.balance(t, testCustodian))
	h.assertConserved(t)
	assert.Equal(t, []string{"created"}, eventNames(h.events), "no event for a failed call")

	store.failUpdates = false
	_, err = h.svc.Complete(ctx, rec.ID, purchaser)
	require.NoError(t, err)
}

func TestRecordWriteFailure_RetriesOnce(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	h := newHarnessWithStore(t, store)
	ctx := context.Background()

	rec := h.create(t, 400)
	store.failNext = 1

	done, err := h.svc.Complete(ctx, rec.ID, purchaser)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, done.State)
	assert.Equal(t, uint64(10_400), h.balance(t, merchant))
}

func TestCreateWriteFailure_Compensates(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), failCreates: true}
	h := newHarnessWithStore(t, store)
	ctx := context.Background()

	_, err := h.svc.Create(ctx, purchaser, CreateRequest{Merchant: merchant, Amount: 250})
	require.ErrorIs(t, err, errStoreDown)

	counter, err := store.Counter(ctx)
	require.NoError(t, err)
	assert.Zero(t, counter)
	assert.Equal(t, uint64(10_000), h.balance(t, purchaser))
	assert.Zero(t, h.balance(t, testCustodian))
}

func TestRecordWriteCommittedButReportedFailure(t *testing.T) {
	store := &lossyAckStore{MemoryStore: NewMemoryStore()}
	h := newHarnessWithStore(t, store)
	ctx := context.Background()

	rec := h.create(t, 400)
	store.dropUpdateAck = 1

	done, err := h.svc.Complete(ctx, rec.ID, purchaser)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, done.State)
	assert.Equal(t, StateCompleted, h.get(t, rec.ID).State)
	assert.Equal(t, uint64(10_400), h.balance(t, merchant), "merchant keeps the payment")
	assert.Zero(t, h.balance(t, testCustodian))
	h.assertConserved(t)
	assert.Equal(t, []string{"created", "completed"}, eventNames(h.events))
}

func TestCreateCommittedButReportedFailure(t *testing.T) {
	store := &lossyAckStore{MemoryStore: NewMemoryStore(), dropCreateAck: 1}
	h := newHarnessWithStore(t, store)
	ctx := context.Background()

	rec, err := h.svc.Create(ctx, purchaser, CreateRequest{Merchant: merchant, Amount: 250, ItemRef: "sku-9"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.ID)
	assert.Equal(t, uint64(9_750), h.balance(t, purchaser))
	assert.Equal(t, uint64(250), h.balance(t, testCustodian))
	h.assertConserved(t)

	next := h.create(t, 50)
	assert.Equal(t, uint64(2), next.ID)
}

func TestCreate_SlowSinkDoesNotHoldCreateLock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	h.svc.WithSink(sinkFunc(func(_ context.Context, e events.Event) error {
		if e.TransactionID == 1 {
			close(entered)
			<-release
		}
		return nil
	}))

	first := make(chan error, 1)
	go func() {
		_, err := h.svc.Create(ctx, purchaser, CreateRequest{Merchant: merchant, Amount: 10})
		first <- err
	}()
	<-entered

	second := make(chan *Record, 1)
	go func() {
		rec, err := h.svc.Create(ctx, purchaser, CreateRequest{Merchant: merchant, Amount: 20})
		if err == nil {
			second <- rec
		}
	}()
	select {
	case rec := <-second:
		assert.Equal(t, uint64(2), rec.ID)
	case <-time.After(time.Second):
		t.Fatal("create waited on another call's event delivery")
	}

	close(release)
	require.NoError(t, <-first)
}

func TestQuiesce_BlocksSettlement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.create(t, 300)

	entered := make(chan struct{})
	release := make(chan struct{})
	quiesced := make(chan error, 1)
	go func() {
		quiesced <- h.svc.Quiesce(ctx, func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	completed := make(chan error, 1)
	go func() {
		_, err := h.svc.Complete(ctx, rec.ID, purchaser)
		completed <- err
	}()

	select {
	case <-completed:
		t.Fatal("settlement ran while quiesced")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, uint64(300), h.balance(t, testCustodian))

	close(release)
	require.NoError(t, <-quiesced)
	require.NoError(t, <-completed)
	assert.Zero(t, h.balance(t, testCustodian))
}

func TestEventSinkFailureDoesNotFailCall(t *testing.T) {
	h := newHarness(t)
	rec := events.NewRecorder(0)
	h.svc.WithSink(events.Multi{sinkFunc(func(context.Context, events.Event) error {
		return errors.New("broker down")
	}), rec})

	created := h.create(t, 10)
	_, err := h.svc.Approve(context.Background(), created.ID, merchant)
	require.NoError(t, err)
	assert.Equal(t, []string{"created", "approved"}, eventNames(rec))
}

func TestConcurrentCreate_UniqueSequentialIDs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const n = 50

	ids := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := h.svc.Create(ctx, purchaser, CreateRequest{Merchant: merchant, Amount: 10})
			if err == nil {
				ids <- rec.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint64]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	require.Len(t, seen, n)
	for id := uint64(1); id <= n; id++ {
		assert.True(t, seen[id], "missing id %d", id)
	}
	counter, err := h.store.Counter(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(n), counter)
	h.assertConserved(t)
}

func TestConcurrentSettlement_ExactlyOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.create(t, 1000)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = h.svc.Complete(ctx, rec.ID, purchaser)
			} else {
				_, err = h.svc.Abort(ctx, rec.ID, purchaser)
			}
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, uint64(20_000), h.balance(t, purchaser)+h.balance(t, merchant))
	assert.Zero(t, h.balance(t, testCustodian))
	h.assertConserved(t)
}

func TestListQueries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.create(t, 10)
	second := h.create(t, 20)
	_, err := h.svc.Approve(ctx, second.ID, merchant)
	require.NoError(t, err)

	byParty, err := h.svc.ListByParty(ctx, "BOB", 10)
	require.NoError(t, err)
	require.Len(t, byParty, 2)
	assert.Equal(t, second.ID, byParty[0].ID, "newest first")

	pending, err := h.svc.ListByState(ctx, StatePending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, first.ID, pending[0].ID)
}

type sinkFunc func(context.Context, events.Event) error

func (f sinkFunc) Emit(ctx context.Context, e events.Event) error { return f(ctx, e) }

var errStoreDown = errors.New("store unavailable")

type flakyStore struct {
	*MemoryStore
	mu          sync.Mutex
	failUpdates bool
	failCreates bool
	failNext    int
}

func (f *flakyStore) Create(ctx context.Context, r *Record) (uint64, error) {
	if f.failCreates {
		return 0, errStoreDown
	}
	return f.MemoryStore.Create(ctx, r)
}

func (f *flakyStore) Update(ctx context.Context, r *Record, prev State) error {
	f.mu.Lock()
	fail := f.failUpdates || f.failNext > 0
	if f.failNext > 0 {
		f.failNext--
	}
	f.mu.Unlock()
	if fail {
		return errStoreDown
	}
	return f.MemoryStore.Update(ctx, r, prev)
}

// lossyAckStore applies a write and then reports it as failed, the way a
// connection reset after commit looks to the caller.
type lossyAckStore struct {
	*MemoryStore
	dropUpdateAck int
	dropCreateAck int
}

func (l *lossyAckStore) Create(ctx context.Context, r *Record) (uint64, error) {
	id, err := l.MemoryStore.Create(ctx, r)
	if err == nil && l.dropCreateAck > 0 {
		l.dropCreateAck--
		return 0, errors.New("connection reset after commit")
	}
	return id, err
}

func (l *lossyAckStore) Update(ctx context.Context, r *Record, prev State) error {
	err := l.MemoryStore.Update(ctx, r, prev)
	if err == nil && l.dropUpdateAck > 0 {
		l.dropUpdateAck--
		return errors.New("connection reset after commit")
	}
	return err
}

// gapStore reports a counter ahead of the stored records.
type gapStore struct {
	*MemoryStore
	extra uint64
}

func (g *gapStore) Counter(ctx context.Context) (uint64, error) {
	c, err := g.MemoryStore.Counter(ctx)
	return c + g.extra, err
}
