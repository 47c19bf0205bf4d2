// Package notify publishes url_changed events to RabbitMQ once a settlement
// has committed, so caches and search indexes can pick up the new URLs.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ligustah/cdnmigrate/internal/outcome"
)

// EventURLChanged is the type of every published event.
const EventURLChanged = "url_changed"

// Event announces that one record now points at a new URL.
type Event struct {
	Type       string    `json:"type"`
	RunID      string    `json:"run_id"`
	Table      string    `json:"table"`
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	OccurredAt time.Time `json:"occurred_at"`
}

// channel is the subset of *amqp.Channel used for publishing.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher sends events to a durable queue.
type Publisher struct {
	conn   *amqp.Connection
	ch     channel
	queue  string
	logger *slog.Logger
	now    func() time.Time
}

// Options configures Dial.
type Options struct {
	// Attempts is the number of connection attempts.
	// Default: 5
	Attempts int

	// Delay is the wait between attempts.
	// Default: 2s
	Delay time.Duration

	Logger *slog.Logger
}

// Dial connects to url and declares queue as durable.
func Dial(ctx context.Context, url, queue string, opts Options) (*Publisher, error) {
	if opts.Attempts <= 0 {
		opts.Attempts = 5
	}
	if opts.Delay <= 0 {
		opts.Delay = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	conn, err := connectWithRetry(ctx, url, opts)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("notify: open channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("notify: declare queue %s: %w", queue, err)
	}

	p := newPublisher(ch, queue, opts.Logger)
	p.conn = conn
	return p, nil
}

func newPublisher(ch channel, queue string, logger *slog.Logger) *Publisher {
	return &Publisher{ch: ch, queue: queue, logger: logger, now: time.Now}
}

func connectWithRetry(ctx context.Context, url string, opts Options) (*amqp.Connection, error) {
	var err error
	for i := 0; i < opts.Attempts; i++ {
		var conn *amqp.Connection
		conn, err = amqp.Dial(url)
		if err == nil {
			return conn, nil
		}

		opts.Logger.Warn("rabbitmq connect failed", "attempt", i+1, "of", opts.Attempts, "error", err)
		if i < opts.Attempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(opts.Delay):
			}
		}
	}
	return nil, fmt.Errorf("notify: connect after %d attempts: %w", opts.Attempts, err)
}

// Publish sends ev as a persistent JSON message.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}

	err = p.ch.PublishWithContext(ctx,
		"",      // default exchange
		p.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Type:         ev.Type,
			MessageId:    ev.RunID + ":" + ev.ID,
			Timestamp:    ev.OccurredAt,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("notify: publish %s: %w", ev.ID, err)
	}
	return nil
}

// PublishUpdates sends one url_changed event per committed update and
// returns how many were published. It stops at the first error.
func (p *Publisher) PublishUpdates(ctx context.Context, runID, table string, updates []outcome.Update) (int, error) {
	at := p.now().UTC()
	for i, u := range updates {
		ev := Event{
			Type:       EventURLChanged,
			RunID:      runID,
			Table:      table,
			ID:         u.ID,
			URL:        u.URL,
			OccurredAt: at,
		}
		if err := p.Publish(ctx, ev); err != nil {
			return i, err
		}
	}
	p.logger.Debug("published url_changed events", "count", len(updates), "queue", p.queue)
	return len(updates), nil
}

// Close closes the channel and connection.
func (p *Publisher) Close() error {
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
