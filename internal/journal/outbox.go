package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/acth/cross-asset-engine/internal/exec"
	"github.com/acth/cross-asset-engine/internal/market"
)

// PublishFunc delivers one event payload to a topic.
type PublishFunc func(ctx context.Context, topic, key string, payload []byte) error

const drainBatchSize = 100

// Outbox implements exec.EventSink by staging events in sqlite before a
// background loop publishes them. Enqueueing never fails on a broker
// outage, so the trading path is decoupled from Kafka availability, and
// unpublished events survive restarts.
type Outbox struct {
	db       *sql.DB
	logger   *zap.Logger
	notify   chan struct{}
	interval time.Duration
}

// OpenOutbox creates or opens the outbox database.
func OpenOutbox(path string, logger *zap.Logger) (*Outbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox database: %w", err)
	}

	o := &Outbox{
		db:       db,
		logger:   logger,
		notify:   make(chan struct{}, 1),
		interval: time.Second,
	}
	if err := o.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run outbox migrations: %w", err)
	}
	return o, nil
}

func (o *Outbox) migrate() error {
	query := `CREATE TABLE IF NOT EXISTS outbox_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		topic TEXT NOT NULL,
		key TEXT NOT NULL,
		payload BLOB NOT NULL,
		published INTEGER NOT NULL DEFAULT 0,
		created_unix_millis INTEGER NOT NULL
	)`
	if _, err := o.db.Exec(query); err != nil {
		return fmt.Errorf("failed to execute migration: %w", err)
	}
	return nil
}

// OrderEvent implements exec.EventSink.
func (o *Outbox) OrderEvent(ctx context.Context, order market.ApprovedOrder, outcome exec.Outcome, reason string) error {
	return o.enqueue(ctx, TopicOrders, order.IdempotencyKey, OrderEventMsg{
		IdempotencyKey: order.IdempotencyKey,
		Pair:           order.Pair.Key(),
		Symbol:         order.Symbol,
		Venue:          order.Venue,
		Side:           string(order.Side),
		Quantity:       order.Quantity.String(),
		Price:          order.Price.String(),
		Outcome:        string(outcome),
		Reason:         reason,
		TsUnixMillis:   time.Now().UnixMilli(),
	})
}

// FillEvent implements exec.EventSink.
func (o *Outbox) FillEvent(ctx context.Context, fill market.Fill, pairKey string) error {
	return o.enqueue(ctx, TopicFills, fill.IdempotencyKey, FillEventMsg{
		IdempotencyKey: fill.IdempotencyKey,
		Pair:           pairKey,
		Symbol:         fill.Symbol,
		Venue:          fill.Venue,
		Quantity:       fill.Quantity.String(),
		Price:          fill.Price.String(),
		RealizedPnL:    fill.RealizedPnL.String(),
		TsUnixMillis:   fill.Timestamp.UnixMilli(),
	})
}

// AnomalyEvent implements exec.EventSink.
func (o *Outbox) AnomalyEvent(ctx context.Context, fill market.Fill, detail string) error {
	return o.enqueue(ctx, TopicAnomalies, fill.IdempotencyKey, AnomalyMsg{
		IdempotencyKey: fill.IdempotencyKey,
		Symbol:         fill.Symbol,
		Venue:          fill.Venue,
		Detail:         detail,
		TsUnixMillis:   time.Now().UnixMilli(),
	})
}

func (o *Outbox) enqueue(ctx context.Context, topic, key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = o.db.ExecContext(ctx,
		`INSERT INTO outbox_events (topic, key, payload, published, created_unix_millis)
		 VALUES (?, ?, ?, 0, ?)`,
		topic, key, payload, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue event: %w", err)
	}

	select {
	case o.notify <- struct{}{}:
	default:
	}
	return nil
}

// Run drains unpublished events until ctx is cancelled. A publish failure
// ends the batch; the remaining rows are retried on the next tick, so
// events reach the broker in insertion order.
func (o *Outbox) Run(ctx context.Context, publish PublishFunc) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.notify:
		case <-ticker.C:
		}
		if err := o.drainOnce(ctx, publish); err != nil && ctx.Err() == nil {
			o.logger.Warn("outbox drain interrupted", zap.Error(err))
		}
	}
}

func (o *Outbox) drainOnce(ctx context.Context, publish PublishFunc) error {
	rows, err := o.db.QueryContext(ctx,
		`SELECT id, topic, key, payload FROM outbox_events
		 WHERE published = 0 ORDER BY id ASC LIMIT ?`, drainBatchSize)
	if err != nil {
		return fmt.Errorf("failed to query outbox: %w", err)
	}

	type pending struct {
		id      int64
		topic   string
		key     string
		payload []byte
	}
	var batch []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.topic, &p.key, &p.payload); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan outbox row: %w", err)
		}
		batch = append(batch, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, p := range batch {
		if err := publish(ctx, p.topic, p.key, p.payload); err != nil {
			return fmt.Errorf("failed to publish event %d: %w", p.id, err)
		}
		if _, err := o.db.ExecContext(ctx,
			`UPDATE outbox_events SET published = 1 WHERE id = ?`, p.id); err != nil {
			return fmt.Errorf("failed to mark event %d published: %w", p.id, err)
		}
	}
	return nil
}

// Pending returns the number of unpublished events.
func (o *Outbox) Pending(ctx context.Context) (int, error) {
	var n int
	err := o.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox_events WHERE published = 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending events: %w", err)
	}
	return n, nil
}

// Close closes the outbox database.
func (o *Outbox) Close() error {
	if o.db != nil {
		return o.db.Close()
	}
	return nil
}
