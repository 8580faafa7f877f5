package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mbd888/escrowd/internal/circuitbreaker"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/retry"
)

var (
	// ErrBrokerUnavailable is returned while the breaker for the broker is open.
	ErrBrokerUnavailable = errors.New("event broker unavailable")
	// ErrPublishBacklogFull is returned by Emit when the publish queue is full.
	ErrPublishBacklogFull = errors.New("event publish queue full")
	// ErrSinkClosed is returned by Emit after Close.
	ErrSinkClosed = errors.New("event sink closed")
)

// DefaultPublishQueue bounds the events waiting for the broker.
const DefaultPublishQueue = 1024

// Publisher is the subset of *amqp.Channel the sink uses.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPSink publishes events to a RabbitMQ topic exchange with routing key
// "escrow.<event>". Emit only enqueues; one worker publishes in order, so a
// slow broker never holds up the caller.
type AMQPSink struct {
	publisher Publisher
	exchange  string
	breaker   *circuitbreaker.Breaker
	policy    retry.Policy
	logger    *slog.Logger
	closer    func() error

	mu     sync.RWMutex // guards closed and sends on queue
	closed bool
	queue  chan Event
	done   chan struct{}
}

// NewAMQPSink wraps an existing channel and starts the publish worker.
func NewAMQPSink(p Publisher, exchange string) *AMQPSink {
	return newAMQPSink(p, exchange, DefaultPublishQueue)
}

func newAMQPSink(p Publisher, exchange string, queue int) *AMQPSink {
	s := &AMQPSink{
		publisher: p,
		exchange:  exchange,
		breaker:   circuitbreaker.New(5, 30*time.Second),
		policy:    retry.Publish,
		logger:    slog.Default(),
		queue:     make(chan Event, queue),
		done:      make(chan struct{}),
	}
	go s.run()
	return s
}

// DialAMQP connects to url and declares a durable topic exchange.
func DialAMQP(url, exchange string) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	s := NewAMQPSink(ch, exchange)
	s.closer = conn.Close
	return s, nil
}

// WithLogger sets the logger used for publish failures.
func (s *AMQPSink) WithLogger(logger *slog.Logger) *AMQPSink {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// Breaker exposes the sink's breaker so callers can attach metrics.
func (s *AMQPSink) Breaker() *circuitbreaker.Breaker {
	return s.breaker
}

// Emit queues evt for publishing. It never waits for the broker.
func (s *AMQPSink) Emit(_ context.Context, evt Event) error {
	if !s.breaker.Allow(s.exchange) {
		return ErrBrokerUnavailable
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.queue <- evt:
		return nil
	default:
		return ErrPublishBacklogFull
	}
}

// Pending returns the number of events waiting for the broker.
func (s *AMQPSink) Pending() int {
	return len(s.queue)
}

func (s *AMQPSink) run() {
	defer close(s.done)
	for evt := range s.queue {
		if err := s.publish(context.Background(), evt); err != nil {
			metrics.EventEmitFailuresTotal.WithLabelValues(evt.Name).Inc()
			s.logger.Error("failed to publish escrow event",
				"event_id", evt.ID, "event", evt.Name, "transaction_id", evt.TransactionID, "error", err)
		}
	}
}

func (s *AMQPSink) publish(ctx context.Context, evt Event) error {
	if !s.breaker.Allow(s.exchange) {
		return ErrBrokerUnavailable
	}

	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    evt.ID,
		Timestamp:    evt.EmittedAt,
		Type:         evt.Name,
		Body:         body,
	}

	err = s.policy.Do(ctx, func() error {
		return s.publisher.PublishWithContext(ctx, s.exchange, "escrow."+evt.Name, false, false, msg)
	})
	if err != nil {
		s.breaker.RecordFailure(s.exchange)
		return fmt.Errorf("failed to publish %s: %w", evt.Name, err)
	}
	s.breaker.RecordSuccess(s.exchange)
	return nil
}

// Close stops accepting events, waits for queued ones to be published or
// until ctx ends, and closes the broker connection when the sink owns it.
func (s *AMQPSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	closer := s.closer
	s.closer = nil
	s.mu.Unlock()

	var err error
	select {
	case <-s.done:
	case <-ctx.Done():
		err = fmt.Errorf("%d events left unpublished: %w", len(s.queue), ctx.Err())
	}
	if closer != nil {
		err = errors.Join(err, closer())
	}
	return err
}
