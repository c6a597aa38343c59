// Package ingest polls venues and normalizes their tickers into a single
// time-ordered snapshot stream.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/acth/cross-asset-engine/internal/backoff"
	"github.com/acth/cross-asset-engine/internal/market"
	"github.com/acth/cross-asset-engine/internal/venue"
)

// ErrStale marks a snapshot considered too old to feed correlation input.
var ErrStale = errors.New("snapshot is stale")

// Config holds ingestor settings.
type Config struct {
	UpdateInterval time.Duration
	// Freshness is the maximum snapshot age before a symbol is excluded
	// from correlation input.
	Freshness time.Duration
	Backoff   backoff.Policy
}

// Ingestor polls one venue for a fixed symbol set. One Ingestor runs per
// venue feed; each is its own worker.
type Ingestor struct {
	client  venue.Client
	symbols []string
	cfg     Config
	logger  *zap.Logger

	connState atomic.Int32

	mu     sync.Mutex
	lastTs map[string]time.Time
	latest map[string]market.Snapshot
	seq    map[string]uint64

	polled  atomic.Int64
	dropped atomic.Int64
	errs    atomic.Int64
}

// New creates an ingestor for one venue.
func New(client venue.Client, symbols []string, cfg Config, logger *zap.Logger) (*Ingestor, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("ingestor needs at least one symbol")
	}
	if cfg.UpdateInterval <= 0 {
		return nil, fmt.Errorf("ingestor update interval must be positive, got %v", cfg.UpdateInterval)
	}
	if cfg.Freshness <= 0 {
		return nil, fmt.Errorf("ingestor freshness threshold must be positive, got %v", cfg.Freshness)
	}
	if err := cfg.Backoff.Validate(); err != nil {
		return nil, err
	}
	return &Ingestor{
		client:  client,
		symbols: symbols,
		cfg:     cfg,
		logger:  logger.With(zap.String("venue", client.Name())),
		lastTs:  make(map[string]time.Time),
		latest:  make(map[string]market.Snapshot),
		seq:     make(map[string]uint64),
	}, nil
}

// Venue returns the venue this ingestor polls.
func (in *Ingestor) Venue() string { return in.client.Name() }

// SetConnState is called by the health monitor on state transitions.
func (in *Ingestor) SetConnState(s market.ConnState) {
	in.connState.Store(int32(s))
}

// ConnState returns the venue's current connection state.
func (in *Ingestor) ConnState() market.ConnState {
	return market.ConnState(in.connState.Load())
}

// Poll fetches every symbol once and returns the fresh snapshots. It fails
// with venue.ErrUnavailable when the venue connection is offline. Rate
// limiting is absorbed by the backoff policy; only exhausting the policy's
// attempts surfaces an error for that symbol, and other symbols still
// proceed.
func (in *Ingestor) Poll(ctx context.Context) ([]market.Snapshot, error) {
	if in.ConnState() == market.Offline {
		return nil, fmt.Errorf("venue %s is offline: %w", in.client.Name(), venue.ErrUnavailable)
	}

	var snaps []market.Snapshot
	var firstErr error
	for _, symbol := range in.symbols {
		snap, err := in.pollSymbol(ctx, symbol)
		if err != nil {
			in.errs.Add(1)
			in.logger.Warn("symbol poll failed",
				zap.String("symbol", symbol),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if snap != nil {
			snaps = append(snaps, *snap)
		}
	}
	if len(snaps) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return snaps, nil
}

// pollSymbol fetches one ticker with bounded retries and converts it into a
// sequenced snapshot. Returns (nil, nil) when the observation is a
// duplicate or out of order and was dropped.
func (in *Ingestor) pollSymbol(ctx context.Context, symbol string) (*market.Snapshot, error) {
	var ticker market.Ticker
	retryable := func(err error) bool {
		return errors.Is(err, venue.ErrRateLimited) || errors.Is(err, venue.ErrUnavailable)
	}
	err := in.cfg.Backoff.Retry(ctx, retryable, func() error {
		var fetchErr error
		ticker, fetchErr = in.client.FetchTicker(ctx, symbol)
		return fetchErr
	})
	if err != nil {
		return nil, err
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	// Out-of-order and duplicate observations are dropped so downstream
	// consumers see non-decreasing timestamps per symbol.
	if last, ok := in.lastTs[symbol]; ok && !ticker.Timestamp.After(last) {
		in.dropped.Add(1)
		return nil, nil
	}

	in.seq[symbol]++
	snap, err := market.NewSnapshot(symbol, in.client.Name(), ticker.Price, ticker.Volume, ticker.Timestamp, in.seq[symbol])
	if err != nil {
		return nil, fmt.Errorf("normalized ticker rejected: %w", err)
	}
	in.lastTs[symbol] = ticker.Timestamp
	in.latest[symbol] = snap
	in.polled.Add(1)
	return &snap, nil
}

// Fresh reports whether the symbol's latest snapshot is recent enough for
// correlation input.
func (in *Ingestor) Fresh(symbol string, now time.Time) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	snap, ok := in.latest[symbol]
	if !ok {
		return false
	}
	return now.Sub(snap.Timestamp) <= in.cfg.Freshness
}

// Latest returns the most recent snapshot for a symbol, failing with
// ErrStale when it is older than the freshness threshold.
func (in *Ingestor) Latest(symbol string, now time.Time) (market.Snapshot, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	snap, ok := in.latest[symbol]
	if !ok {
		return market.Snapshot{}, fmt.Errorf("no snapshot for %s yet: %w", symbol, ErrStale)
	}
	if now.Sub(snap.Timestamp) > in.cfg.Freshness {
		return market.Snapshot{}, fmt.Errorf("snapshot for %s from %s: %w", symbol, snap.Timestamp, ErrStale)
	}
	return snap, nil
}

// Run polls on the update interval and emits snapshots until ctx is done.
func (in *Ingestor) Run(ctx context.Context, emit func(market.Snapshot)) {
	in.logger.Info("ingestor starting",
		zap.Strings("symbols", in.symbols),
		zap.Duration("interval", in.cfg.UpdateInterval),
	)

	ticker := time.NewTicker(in.cfg.UpdateInterval)
	defer ticker.Stop()
	stats := time.NewTicker(30 * time.Second)
	defer stats.Stop()

	for {
		select {
		case <-ctx.Done():
			in.logger.Info("ingestor stopping")
			return
		case <-stats.C:
			in.logger.Info("ingestor stats",
				zap.Int64("polled", in.polled.Load()),
				zap.Int64("dropped", in.dropped.Load()),
				zap.Int64("errors", in.errs.Load()),
			)
		case <-ticker.C:
			snaps, err := in.Poll(ctx)
			if err != nil {
				in.logger.Warn("poll cycle failed", zap.Error(err))
				continue
			}
			for _, s := range snaps {
				emit(s)
			}
		}
	}
}
