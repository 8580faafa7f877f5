// Package events carries escrow domain events to external consumers.
//
// Sinks are write-only. The escrow service emits exactly one event per
// successful mutating call, after the mutation is durable; indexers rebuild
// transaction history from the stream.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Movement is one leg of funds moved by a transition.
type Movement struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

// Event is the structured payload sent to every sink.
type Event struct {
	ID            string     `json:"id"`
	Name          string     `json:"event"`
	TransactionID uint64     `json:"transactionId"`
	Caller        string     `json:"caller"`
	Purchaser     string     `json:"purchaser"`
	Merchant      string     `json:"merchant"`
	State         string     `json:"state"`
	Amount        uint64     `json:"amount"`
	Movements     []Movement `json:"movements,omitempty"`
	Reference     string     `json:"reference,omitempty"` // ledger settlement reference, set when funds moved
	Expiration    uint64     `json:"expiration"`
	Height        uint64     `json:"height"`
	EmittedAt     time.Time  `json:"emittedAt"`
}

// Moved returns the total amount moved by the event's legs.
func (e Event) Moved() uint64 {
	var total uint64
	for _, m := range e.Movements {
		total += m.Amount
	}
	return total
}

// Involves reports whether party is the purchaser or merchant.
func (e Event) Involves(party string) bool {
	return party != "" && (e.Purchaser == party || e.Merchant == party)
}

// Sink receives events.
type Sink interface {
	Emit(ctx context.Context, evt Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(context.Context, Event) error { return nil }

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs at Info.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(ctx context.Context, evt Event) error {
	s.logger.InfoContext(ctx, "escrow event",
		"event", evt.Name,
		"transaction_id", evt.TransactionID,
		"caller", evt.Caller,
		"purchaser", evt.Purchaser,
		"merchant", evt.Merchant,
		"state", evt.State,
		"amount", evt.Amount,
		"moved", evt.Moved(),
		"height", evt.Height,
	)
	return nil
}

// Multi fans an event out to several sinks. Every sink is attempted; the
// returned error joins the individual failures.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, evt Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps the most recent events in memory.
type Recorder struct {
	mu     sync.RWMutex
	events []Event
	limit  int
}

// DefaultRecorderLimit bounds the in-memory history.
const DefaultRecorderLimit = 1000

// NewRecorder creates a recorder retaining up to limit events.
func NewRecorder(limit int) *Recorder {
	if limit <= 0 {
		limit = DefaultRecorderLimit
	}
	return &Recorder{limit: limit}
}

func (r *Recorder) Emit(_ context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, evt)
	if over := len(r.events) - r.limit; over > 0 {
		r.events = append([]Event(nil), r.events[over:]...)
	}
	return nil
}

// Events returns a copy of the retained events, oldest first.
func (r *Recorder) Events() []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Event(nil), r.events...)
}

// ForTransaction returns retained events for one transaction, oldest first.
func (r *Recorder) ForTransaction(id uint64) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Event
	for _, e := range r.events {
		if e.TransactionID == id {
			out = append(out, e)
		}
	}
	return out
}

// Recent returns up to n of the newest events, newest first.
func (r *Recorder) Recent(n int) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || n > len(r.events) {
		n = len(r.events)
	}
	out := make([]Event, 0, n)
	for i := len(r.events) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, r.events[i])
	}
	return out
}

// ForParty returns up to n of the newest retained events involving party,
// newest first.
func (r *Recorder) ForParty(party string, n int) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Event
	for i := len(r.events) - 1; i >= 0 && (n <= 0 || len(out) < n); i-- {
		if r.events[i].Involves(party) {
			out = append(out, r.events[i])
		}
	}
	return out
}
