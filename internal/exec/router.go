// Package exec submits approved orders exactly-once in effect and
// reconciles asynchronous fills back to their originating intents.
package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acth/cross-asset-engine/internal/backoff"
	"github.com/acth/cross-asset-engine/internal/market"
	"github.com/acth/cross-asset-engine/internal/risk"
	"github.com/acth/cross-asset-engine/internal/store"
	"github.com/acth/cross-asset-engine/internal/venue"
)

// Outcome is the resolved result of a submission. Every submission resolves
// to exactly one of these; none is silently abandoned.
type Outcome string

const (
	OutcomeAccepted        Outcome = "ACCEPTED"
	OutcomeDuplicate       Outcome = "DUPLICATE"
	OutcomeRejected        Outcome = "REJECTED"
	OutcomeTimedOutUnknown Outcome = "TIMED_OUT_UNKNOWN"
)

// OutcomeRecorder receives realized fills; the strategy adapter implements
// it.
type OutcomeRecorder interface {
	RecordOutcome(pair market.Pair, fill market.Fill)
}

// EventSink journals execution events. Implementations must tolerate being
// called from the pipeline goroutine; failures are logged, not propagated.
type EventSink interface {
	OrderEvent(ctx context.Context, order market.ApprovedOrder, outcome Outcome, reason string) error
	FillEvent(ctx context.Context, fill market.Fill, pairKey string) error
	AnomalyEvent(ctx context.Context, fill market.Fill, detail string) error
}

// Router drives submissions and fill reconciliation.
type Router struct {
	clients  map[string]venue.Client
	ledger   *Ledger
	riskMgr  *risk.Manager
	recorder OutcomeRecorder
	persist  *store.Adapter
	sink     EventSink
	policy   backoff.Policy
	logger   *zap.Logger

	inflight sync.WaitGroup
}

// NewRouter creates an execution router.
func NewRouter(clients []venue.Client, ledger *Ledger, riskMgr *risk.Manager, recorder OutcomeRecorder, persist *store.Adapter, sink EventSink, policy backoff.Policy, logger *zap.Logger) (*Router, error) {
	if len(clients) == 0 {
		return nil, fmt.Errorf("execution router needs at least one venue client")
	}
	if ledger == nil || riskMgr == nil || recorder == nil {
		return nil, fmt.Errorf("execution router needs a ledger, risk manager and outcome recorder")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	byName := make(map[string]venue.Client, len(clients))
	for _, c := range clients {
		byName[c.Name()] = c
	}
	return &Router{
		clients:  byName,
		ledger:   ledger,
		riskMgr:  riskMgr,
		recorder: recorder,
		persist:  persist,
		sink:     sink,
		policy:   policy,
		logger:   logger,
	}, nil
}

// Submit places an approved order. The dedup ledger makes a repeated call
// with the same idempotency key a no-op; transient venue failures retry
// with backoff, business rejections are terminal, and exhausted retries
// resolve to TimedOutUnknown and are persisted for manual reconciliation.
func (r *Router) Submit(ctx context.Context, order market.ApprovedOrder) (Outcome, error) {
	r.inflight.Add(1)
	defer r.inflight.Done()

	entry, duplicate, err := r.ledger.Record(ctx, order)
	if err != nil {
		return "", fmt.Errorf("recording submission: %w", err)
	}
	if duplicate {
		r.logger.Info("duplicate submission suppressed",
			zap.String("idempotency_key", order.IdempotencyKey),
			zap.String("status", string(entry.Status)),
		)
		return OutcomeDuplicate, nil
	}

	client, ok := r.clients[order.Venue]
	if !ok {
		r.resolve(ctx, order, OutcomeRejected, fmt.Sprintf("unknown venue %q", order.Venue), "")
		r.riskMgr.ReleaseOrder(order)
		return OutcomeRejected, fmt.Errorf("unknown venue %q: %w", order.Venue, venue.ErrRejected)
	}

	var ack venue.Ack
	err = r.policy.Retry(ctx, func(err error) bool {
		return errors.Is(err, venue.ErrUnavailable) || errors.Is(err, venue.ErrRateLimited)
	}, func() error {
		var submitErr error
		ack, submitErr = client.SubmitOrder(ctx, order)
		return submitErr
	})

	switch {
	case err == nil:
		r.resolve(ctx, order, OutcomeAccepted, "", ack.VenueOrderID)
		return OutcomeAccepted, nil
	case errors.Is(err, venue.ErrRejected):
		r.resolve(ctx, order, OutcomeRejected, err.Error(), "")
		r.riskMgr.ReleaseOrder(order)
		return OutcomeRejected, err
	default:
		// Outcome unknown: the venue may or may not have accepted one of
		// the attempts. The reservation stays held and the entry is kept
		// for manual reconciliation.
		r.resolve(ctx, order, OutcomeTimedOutUnknown, err.Error(), "")
		return OutcomeTimedOutUnknown, err
	}
}

func (r *Router) resolve(ctx context.Context, order market.ApprovedOrder, outcome Outcome, reason, venueOrderID string) {
	status := map[Outcome]Status{
		OutcomeAccepted:        StatusAccepted,
		OutcomeRejected:        StatusRejected,
		OutcomeTimedOutUnknown: StatusTimedOutUnknown,
	}[outcome]
	if err := r.ledger.UpdateStatus(ctx, order.IdempotencyKey, status, reason, venueOrderID); err != nil {
		r.logger.Error("failed to update ledger", zap.Error(err))
	}

	r.logger.Info("submission resolved",
		zap.String("idempotency_key", order.IdempotencyKey),
		zap.String("pair", order.Pair.Key()),
		zap.String("outcome", string(outcome)),
		zap.String("reason", reason),
	)

	if r.persist != nil {
		doc := store.Document{
			"symbol":     order.Symbol,
			"venue":      order.Venue,
			"side":       string(order.Side),
			"quantity":   order.Quantity.String(),
			"price":      order.Price.String(),
			"outcome":    string(outcome),
			"reason":     reason,
			"venue_oid":  venueOrderID,
			"created_at": order.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
		if err := r.persist.Set(ctx, store.CollectionTradingLogs, order.IdempotencyKey, doc, true); err != nil {
			r.logger.Error("failed to persist trading log", zap.Error(err))
		}
	}
	if r.sink != nil {
		if err := r.sink.OrderEvent(ctx, order, outcome, reason); err != nil {
			r.logger.Warn("failed to journal order event", zap.Error(err))
		}
	}
}

// Reconcile matches a fill to its pending order by idempotency key. On a
// match it realizes PnL against the position book, feeds the outcome to the
// strategy adapter and persists the fill. Unmatched fills are recorded as
// anomalies, never dropped.
func (r *Router) Reconcile(ctx context.Context, fill market.Fill) error {
	entry, err := r.ledger.Get(ctx, fill.IdempotencyKey)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("looking up submission for fill %s: %w", fill.IdempotencyKey, err)
	}
	if err != nil {
		r.logger.Warn("reconciliation anomaly: unmatched fill",
			zap.String("idempotency_key", fill.IdempotencyKey),
			zap.String("symbol", fill.Symbol),
			zap.String("venue", fill.Venue),
		)
		if r.sink != nil {
			if sinkErr := r.sink.AnomalyEvent(ctx, fill, "no submission for idempotency key"); sinkErr != nil {
				r.logger.Warn("failed to journal anomaly", zap.Error(sinkErr))
			}
		}
		if r.persist != nil {
			doc := store.Document{
				"anomaly":  "unmatched_fill",
				"symbol":   fill.Symbol,
				"venue":    fill.Venue,
				"quantity": fill.Quantity.String(),
				"price":    fill.Price.String(),
			}
			if err := r.persist.Set(ctx, store.CollectionTradingLogs, "anomaly-"+fill.IdempotencyKey, doc, true); err != nil {
				r.logger.Error("failed to persist anomaly", zap.Error(err))
			}
		}
		return nil
	}

	// Venues replay execution reports on stream reconnects. A submission
	// already marked filled has had its book, strategy and journal effects
	// applied; replaying it would double the position.
	if entry.Status == StatusFilled {
		r.logger.Debug("duplicate fill ignored",
			zap.String("idempotency_key", fill.IdempotencyKey),
			zap.String("venue", fill.Venue),
		)
		return nil
	}

	pair, err := parsePairKey(entry.PairKey)
	if err != nil {
		return fmt.Errorf("ledger entry %s has malformed pair: %w", entry.IdempotencyKey, err)
	}

	realized := r.riskMgr.Book().ApplyFill(fill.Symbol, entry.Side, fill.Quantity, fill.Price, entry.Price)
	fill.RealizedPnL = realized

	if err := r.ledger.UpdateStatus(ctx, fill.IdempotencyKey, StatusFilled, "", entry.VenueOrderID); err != nil {
		r.logger.Error("failed to mark submission filled", zap.Error(err))
	}

	r.recorder.RecordOutcome(pair, fill)

	if r.persist != nil {
		doc := store.Document{
			"fill_quantity": fill.Quantity.String(),
			"fill_price":    fill.Price.String(),
			"realized_pnl":  realized.String(),
			"filled_at":     fill.Timestamp.UTC().Format(time.RFC3339Nano),
			"outcome":       string(StatusFilled),
		}
		if err := r.persist.Set(ctx, store.CollectionTradingLogs, fill.IdempotencyKey, doc, true); err != nil {
			r.logger.Error("failed to persist fill", zap.Error(err))
		}
	}
	if r.sink != nil {
		if err := r.sink.FillEvent(ctx, fill, entry.PairKey); err != nil {
			r.logger.Warn("failed to journal fill event", zap.Error(err))
		}
	}

	r.logger.Info("fill reconciled",
		zap.String("idempotency_key", fill.IdempotencyKey),
		zap.String("pair", entry.PairKey),
		zap.String("realized_pnl", realized.String()),
	)
	return nil
}

// Drain waits for in-flight submissions to resolve, up to the timeout.
// Part of graceful shutdown: no submission is abandoned mid-flight.
func (r *Router) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func parsePairKey(key string) (market.Pair, error) {
	for i := 0; i < len(key); i++ {
		if key[i] == '-' {
			return market.NewPair(key[:i], key[i+1:])
		}
	}
	return market.Pair{}, fmt.Errorf("malformed pair key %q", key)
}
