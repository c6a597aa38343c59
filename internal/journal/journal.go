// Package journal publishes trade events to Kafka for downstream audit
// consumers. It is optional: with no brokers configured the engine uses the
// no-op sink.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/acth/cross-asset-engine/internal/exec"
	"github.com/acth/cross-asset-engine/internal/market"
)

// Topic names.
const (
	TopicOrders    = "trades.orders"
	TopicFills     = "trades.fills"
	TopicAnomalies = "trades.anomalies"
)

// OrderEventMsg is the journalled order outcome.
type OrderEventMsg struct {
	IdempotencyKey string `json:"idempotency_key"`
	Pair           string `json:"pair"`
	Symbol         string `json:"symbol"`
	Venue          string `json:"venue"`
	Side           string `json:"side"`
	Quantity       string `json:"quantity"`
	Price          string `json:"price"`
	Outcome        string `json:"outcome"`
	Reason         string `json:"reason"`
	TsUnixMillis   int64  `json:"ts_unix_millis"`
}

// FillEventMsg is the journalled fill.
type FillEventMsg struct {
	IdempotencyKey string `json:"idempotency_key"`
	Pair           string `json:"pair"`
	Symbol         string `json:"symbol"`
	Venue          string `json:"venue"`
	Quantity       string `json:"quantity"`
	Price          string `json:"price"`
	RealizedPnL    string `json:"realized_pnl"`
	TsUnixMillis   int64  `json:"ts_unix_millis"`
}

// AnomalyMsg is a reconciliation anomaly record.
type AnomalyMsg struct {
	IdempotencyKey string `json:"idempotency_key"`
	Symbol         string `json:"symbol"`
	Venue          string `json:"venue"`
	Detail         string `json:"detail"`
	TsUnixMillis   int64  `json:"ts_unix_millis"`
}

// Producer publishes JSON trade events. Implements exec.EventSink.
type Producer struct {
	client       *kgo.Client
	logger       *zap.Logger
	produceCount int64
	errorCount   int64
}

// NewProducer creates a Kafka-backed event sink.
func NewProducer(brokers []string, logger *zap.Logger) (*Producer, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	p := &Producer{client: client, logger: logger}
	logger.Info("journal producer initialized", zap.Strings("brokers", brokers))

	go p.logStats()
	return p, nil
}

// OrderEvent implements exec.EventSink.
func (p *Producer) OrderEvent(ctx context.Context, order market.ApprovedOrder, outcome exec.Outcome, reason string) error {
	return p.produceJSON(ctx, TopicOrders, order.IdempotencyKey, OrderEventMsg{
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
func (p *Producer) FillEvent(ctx context.Context, fill market.Fill, pairKey string) error {
	return p.produceJSON(ctx, TopicFills, fill.IdempotencyKey, FillEventMsg{
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
func (p *Producer) AnomalyEvent(ctx context.Context, fill market.Fill, detail string) error {
	return p.produceJSON(ctx, TopicAnomalies, fill.IdempotencyKey, AnomalyMsg{
		IdempotencyKey: fill.IdempotencyKey,
		Symbol:         fill.Symbol,
		Venue:          fill.Venue,
		Detail:         detail,
		TsUnixMillis:   time.Now().UnixMilli(),
	})
}

func (p *Producer) produceJSON(ctx context.Context, topic, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		atomic.AddInt64(&p.errorCount, 1)
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return p.Publish(ctx, topic, key, data)
}

// Publish produces a pre-encoded payload. The outbox drain loop uses this
// directly.
func (p *Producer) Publish(ctx context.Context, topic, key string, payload []byte) error {
	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: payload,
	}

	produceCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result := p.client.ProduceSync(produceCtx, record)
	if result.FirstErr() != nil {
		atomic.AddInt64(&p.errorCount, 1)
		return fmt.Errorf("failed to produce message: %w", result.FirstErr())
	}

	atomic.AddInt64(&p.produceCount, 1)
	return nil
}

// Close closes the producer.
func (p *Producer) Close() {
	if p.client != nil {
		p.client.Close()
	}
}

func (p *Producer) logStats() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		p.logger.Info("journal stats",
			zap.Int64("produced", atomic.LoadInt64(&p.produceCount)),
			zap.Int64("errors", atomic.LoadInt64(&p.errorCount)),
		)
	}
}

// Nop is the disabled sink.
type Nop struct{}

// OrderEvent implements exec.EventSink.
func (Nop) OrderEvent(context.Context, market.ApprovedOrder, exec.Outcome, string) error { return nil }

// FillEvent implements exec.EventSink.
func (Nop) FillEvent(context.Context, market.Fill, string) error { return nil }

// AnomalyEvent implements exec.EventSink.
func (Nop) AnomalyEvent(context.Context, market.Fill, string) error { return nil }
