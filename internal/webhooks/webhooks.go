// Package webhooks notifies parties of escrow events over HTTP.
//
// A party registers a URL and receives a signed POST for every event on a
// transaction where it is the purchaser or the merchant. Deliveries are
// asynchronous, retried, and guarded per URL by a circuit breaker; a
// subscription that keeps failing is deactivated.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/escrowd/internal/circuitbreaker"
	"github.com/mbd888/escrowd/internal/events"
	"github.com/mbd888/escrowd/internal/retry"
)

// Delivery headers.
const (
	HeaderEvent     = "X-Escrow-Event"
	HeaderDelivery  = "X-Escrow-Delivery"
	HeaderTimestamp = "X-Escrow-Timestamp"
	HeaderSignature = "X-Escrow-Signature"
)

// DefaultMaxFailures deactivates a subscription after this many consecutive
// failed deliveries.
const DefaultMaxFailures = 10

var (
	ErrNotFound     = errors.New("webhook not found")
	ErrInvalidURL   = errors.New("invalid webhook url")
	ErrCircuitOpen  = errors.New("webhook destination circuit open")
	errNonRetryable = errors.New("non-retryable response")
)

var deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "escrowd",
	Subsystem: "webhook",
	Name:      "deliveries_total",
	Help:      "Webhook delivery attempts by event and result.",
}, []string{"event", "result"})

func init() {
	prometheus.MustRegister(deliveriesTotal)
}

// Subscription is one party's registered endpoint.
type Subscription struct {
	ID                  string     `json:"id"`
	Party               string     `json:"party"`
	URL                 string     `json:"url"`
	Secret              string     `json:"-"` // Used for HMAC signing
	Events              []string   `json:"events"`
	Active              bool       `json:"active"`
	CreatedAt           time.Time  `json:"createdAt"`
	LastSuccess         *time.Time `json:"lastSuccess,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
}

// Matches reports whether the subscription wants events named name. An
// empty event list subscribes to everything.
func (s *Subscription) Matches(name string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == name {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByParty(ctx context.Context, party string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// ValidateURL accepts absolute http and https URLs without credentials.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidURL)
	}
	if u.User != nil {
		return fmt.Errorf("%w: credentials are not allowed", ErrInvalidURL)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Dispatcher is an events.Sink that delivers events to party webhooks.
type Dispatcher struct {
	store       Store
	client      *http.Client
	breaker     *circuitbreaker.Breaker
	policy      retry.Policy
	logger      *slog.Logger
	maxFailures int
	timeout     time.Duration
	wg          sync.WaitGroup
	mu          sync.Mutex // serializes subscription status writes
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		breaker:     circuitbreaker.New(5, time.Minute),
		policy:      retry.Publish,
		logger:      logger,
		maxFailures: DefaultMaxFailures,
		timeout:     30 * time.Second,
	}
}

// Breaker exposes the per-URL breaker so callers can attach metrics.
func (d *Dispatcher) Breaker() *circuitbreaker.Breaker {
	return d.breaker
}

// Emit schedules delivery of evt to every active subscription of the
// transaction's purchaser and merchant. It returns once the deliveries are
// queued; only a subscription lookup failure is reported.
func (d *Dispatcher) Emit(ctx context.Context, evt events.Event) error {
	subs, err := d.subscribers(ctx, evt)
	if err != nil {
		return fmt.Errorf("failed to get subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	for _, sub := range subs {
		d.wg.Add(1)
		go func(sub *Subscription) {
			defer d.wg.Done()
			// The request that triggered the event may finish before delivery.
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
			defer cancel()
			d.deliver(dctx, sub, evt, payload)
		}(sub)
	}
	return nil
}

// Wait blocks until queued deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) subscribers(ctx context.Context, evt events.Event) ([]*Subscription, error) {
	seen := make(map[string]bool)
	var out []*Subscription
	for _, party := range []string{evt.Purchaser, evt.Merchant} {
		if party == "" {
			continue
		}
		subs, err := d.store.ListByParty(ctx, party)
		if err != nil {
			return nil, err
		}
		for _, sub := range subs {
			if seen[sub.ID] || !sub.Active || !sub.Matches(evt.Name) {
				continue
			}
			seen[sub.ID] = true
			out = append(out, sub)
		}
	}
	return out, nil
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, evt events.Event, payload []byte) {
	if !d.breaker.Allow(sub.URL) {
		deliveriesTotal.WithLabelValues(evt.Name, "circuit_open").Inc()
		d.recordFailure(ctx, sub, ErrCircuitOpen.Error())
		return
	}

	err := d.policy.Do(ctx, func() error {
		return d.post(ctx, sub, evt, payload)
	})
	if err != nil {
		d.breaker.RecordFailure(sub.URL)
		deliveriesTotal.WithLabelValues(evt.Name, "failure").Inc()
		d.logger.Warn("webhook delivery failed",
			"webhook_id", sub.ID,
			"party", sub.Party,
			"event", evt.Name,
			"transaction_id", evt.TransactionID,
			"error", err,
		)
		d.recordFailure(ctx, sub, err.Error())
		return
	}

	d.breaker.RecordSuccess(sub.URL)
	deliveriesTotal.WithLabelValues(evt.Name, "success").Inc()
	d.recordSuccess(ctx, sub)
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, evt events.Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, evt.Name)
	req.Header.Set(HeaderDelivery, evt.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(evt.EmittedAt.Unix(), 10))
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return retry.Permanent(fmt.Errorf("%w: status %d", errNonRetryable, resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()

	current, err := d.store.Get(ctx, sub.ID)
	if err != nil {
		return // deleted while in flight
	}
	now := time.Now()
	current.LastSuccess = &now
	current.LastError = ""
	current.ConsecutiveFailures = 0
	if err := d.store.Update(ctx, current); err != nil {
		d.logger.Error("webhook status update failed", "webhook_id", sub.ID, "error", err)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, sub *Subscription, msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	current, err := d.store.Get(ctx, sub.ID)
	if err != nil {
		return
	}
	current.LastError = msg
	current.ConsecutiveFailures++
	if current.ConsecutiveFailures >= d.maxFailures && current.Active {
		current.Active = false
		d.logger.Warn("webhook deactivated",
			"webhook_id", current.ID,
			"party", current.Party,
			"failures", current.ConsecutiveFailures,
		)
	}
	if err := d.store.Update(ctx, current); err != nil {
		d.logger.Error("webhook status update failed", "webhook_id", sub.ID, "error", err)
	}
}

// MemoryStore is an in-memory Store. It hands out copies so callers never
// share a subscription with the store.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.subs[sub.ID]; exists {
		return fmt.Errorf("webhook %s already exists", sub.ID)
	}
	m.subs[sub.ID] = cloneSubscription(sub)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return cloneSubscription(sub), nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListByParty(_ context.Context, party string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if strings.EqualFold(sub.Party, party) {
			result = append(result, cloneSubscription(sub))
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrNotFound
	}
	m.subs[sub.ID] = cloneSubscription(sub)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}

func cloneSubscription(s *Subscription) *Subscription {
	cp := *s
	cp.Events = append([]string(nil), s.Events...)
	if s.LastSuccess != nil {
		t := *s.LastSuccess
		cp.LastSuccess = &t
	}
	return &cp
}
