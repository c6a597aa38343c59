// Package pipeline is the serialized stage from snapshots to orders:
// correlation update, strategy proposal, risk evaluation and submission all
// run on one consumer goroutine, so per-pair statistics and weights are
// never mutated concurrently.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/acth/cross-asset-engine/internal/corr"
	"github.com/acth/cross-asset-engine/internal/exec"
	"github.com/acth/cross-asset-engine/internal/ingest"
	"github.com/acth/cross-asset-engine/internal/market"
	"github.com/acth/cross-asset-engine/internal/risk"
	"github.com/acth/cross-asset-engine/internal/store"
	"github.com/acth/cross-asset-engine/internal/strategy"
)

const strategyStateKey = "strategy"

// Config holds pipeline settings.
type Config struct {
	QueueCapacity int
	// Equity is the account equity the risk budget is computed against.
	Equity float64
	// PersistInterval is how often strategy and correlation state snapshots
	// are written to the state store.
	PersistInterval time.Duration
}

// Pipeline wires the engine core together.
type Pipeline struct {
	cfg       Config
	queue     *Queue
	corrEng   *corr.Engine
	strat     *strategy.Adapter
	riskMgr   *risk.Manager
	router    *exec.Router
	ingestors map[string]*ingest.Ingestor // by venue name
	persist   *store.Adapter
	logger    *zap.Logger
}

// New creates the pipeline stage.
func New(cfg Config, queue *Queue, corrEng *corr.Engine, strat *strategy.Adapter, riskMgr *risk.Manager, router *exec.Router, ingestors []*ingest.Ingestor, persist *store.Adapter, logger *zap.Logger) *Pipeline {
	byVenue := make(map[string]*ingest.Ingestor, len(ingestors))
	for _, in := range ingestors {
		byVenue[in.Venue()] = in
	}
	if cfg.PersistInterval <= 0 {
		cfg.PersistInterval = 30 * time.Second
	}
	return &Pipeline{
		cfg:       cfg,
		queue:     queue,
		corrEng:   corrEng,
		strat:     strat,
		riskMgr:   riskMgr,
		router:    router,
		ingestors: byVenue,
		persist:   persist,
		logger:    logger,
	}
}

// Queue returns the aggregation queue producers publish into.
func (p *Pipeline) Queue() *Queue { return p.queue }

// HandleSnapshot folds one snapshot into the correlation engine and walks
// every candidate pair touching its symbol through proposal, risk
// evaluation and submission.
func (p *Pipeline) HandleSnapshot(ctx context.Context, snap market.Snapshot) {
	p.corrEng.Update(snap)

	limits := p.riskMgr.Limits()
	now := time.Now()
	for pair, coef := range p.corrEng.Candidates(limits) {
		if !pair.Has(snap.Symbol) {
			continue
		}
		if !p.fresh(pair.A, now) || !p.fresh(pair.B, now) {
			continue
		}

		intent, ok := p.strat.Propose(pair, coef, snap.Venue, now)
		if !ok {
			continue
		}

		refPrice, err := p.refPrice(intent.Symbol, intent.Venue, now)
		if err != nil {
			p.logger.Debug("no fresh reference price",
				zap.String("symbol", intent.Symbol),
				zap.Error(err),
			)
			continue
		}

		order, err := p.riskMgr.Evaluate(intent, refPrice, p.cfg.Equity)
		if err != nil {
			var rej *risk.Rejection
			if errors.As(err, &rej) {
				p.logger.Info("intent rejected",
					zap.String("pair", pair.Key()),
					zap.String("reason", string(rej.Reason)),
					zap.String("detail", rej.Detail),
				)
			} else {
				p.logger.Error("risk evaluation failed", zap.Error(err))
			}
			continue
		}

		if _, err := p.router.Submit(ctx, order); err != nil {
			p.logger.Warn("submission did not complete cleanly",
				zap.String("idempotency_key", order.IdempotencyKey),
				zap.Error(err),
			)
		}
	}
}

func (p *Pipeline) fresh(symbol string, now time.Time) bool {
	for _, in := range p.ingestors {
		if in.Fresh(symbol, now) {
			return true
		}
	}
	return false
}

// refPrice prefers the intent's venue, falling back to any venue with a
// fresh snapshot for the symbol.
func (p *Pipeline) refPrice(symbol, venueName string, now time.Time) (float64, error) {
	if in, ok := p.ingestors[venueName]; ok {
		if snap, err := in.Latest(symbol, now); err == nil {
			return snap.Price, nil
		}
	}
	for _, in := range p.ingestors {
		if snap, err := in.Latest(symbol, now); err == nil {
			return snap.Price, nil
		}
	}
	return 0, ingest.ErrStale
}

// HandleFill reconciles one fill.
func (p *Pipeline) HandleFill(ctx context.Context, fill market.Fill) {
	if err := p.router.Reconcile(ctx, fill); err != nil {
		p.logger.Error("reconciliation failed",
			zap.String("idempotency_key", fill.IdempotencyKey),
			zap.Error(err),
		)
	}
}

// Run consumes the queue until ctx is done, persisting state snapshots on
// the persist interval.
func (p *Pipeline) Run(ctx context.Context) {
	p.logger.Info("pipeline starting")
	persistTicker := time.NewTicker(p.cfg.PersistInterval)
	defer persistTicker.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.queue.Drain(ctx, func(e Event) {
			switch {
			case e.Snapshot != nil:
				p.HandleSnapshot(ctx, *e.Snapshot)
			case e.Fill != nil:
				p.HandleFill(ctx, *e.Fill)
			}
		})
	}()

	for {
		select {
		case <-done:
			p.SaveState(context.Background())
			p.logger.Info("pipeline stopped")
			return
		case <-persistTicker.C:
			p.SaveState(ctx)
		}
	}
}

// SaveState persists the strategy weights and available correlation
// entries so the pipeline is resumable after a crash.
func (p *Pipeline) SaveState(ctx context.Context) {
	if p.persist == nil {
		return
	}

	states := p.strat.Export()
	raw, err := json.Marshal(states)
	if err != nil {
		p.logger.Error("failed to marshal strategy state", zap.Error(err))
		return
	}
	var doc store.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		p.logger.Error("failed to round-trip strategy state", zap.Error(err))
		return
	}
	if err := p.persist.Set(ctx, store.CollectionSystemState, strategyStateKey, doc, false); err != nil {
		p.logger.Error("failed to persist strategy state", zap.Error(err))
	}

	for _, entry := range p.corrEng.Entries() {
		doc := store.Document{
			"coefficient":  entry.Coefficient,
			"window":       entry.Window,
			"sample_count": entry.Samples,
			"last_updated": entry.LastUpdated.UTC().Format(time.RFC3339Nano),
		}
		if err := p.persist.Set(ctx, store.CollectionCorrelation, entry.Pair.Key(), doc, true); err != nil {
			p.logger.Error("failed to persist correlation entry",
				zap.String("pair", entry.Pair.Key()),
				zap.Error(err),
			)
		}
	}
}

// LoadState restores persisted strategy weights at startup. A missing
// document is a clean first start, not an error.
func (p *Pipeline) LoadState(ctx context.Context) error {
	if p.persist == nil {
		return nil
	}

	doc, err := p.persist.Get(ctx, store.CollectionSystemState, strategyStateKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	delete(doc, store.RevisionField)
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var states map[string]strategy.State
	if err := json.Unmarshal(raw, &states); err != nil {
		return err
	}
	p.strat.Restore(states)
	p.logger.Info("restored strategy state", zap.Int("pairs", len(states)))
	return nil
}
