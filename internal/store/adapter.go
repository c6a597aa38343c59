package store

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/acth/cross-asset-engine/internal/backoff"
	"github.com/acth/cross-asset-engine/internal/market"
)

// AdapterConfig holds the retry/offline policy for the state store.
type AdapterConfig struct {
	// InitBackoff bounds connection attempts at startup; exhausting it
	// either switches to offline mode or fails fatally.
	InitBackoff backoff.Policy
	// WriteBackoff bounds individual get/set retries.
	WriteBackoff backoff.Policy
	// OfflineAllowed permits degraded operation on the local queue when the
	// store is unreachable.
	OfflineAllowed bool
}

// Adapter wraps the durable DocumentStore with bounded retry, revision
// stamping, and the offline fallback queue. It is constructed explicitly by
// the composition root and passed to every component that persists state;
// there is no package-level instance.
type Adapter struct {
	remote DocumentStore
	queue  *OfflineQueue
	cfg    AdapterConfig
	logger *zap.Logger

	state   atomic.Int32
	lastRev atomic.Int64
}

// NewAdapter creates a state store adapter.
func NewAdapter(remote DocumentStore, queue *OfflineQueue, cfg AdapterConfig, logger *zap.Logger) (*Adapter, error) {
	if remote == nil {
		return nil, fmt.Errorf("state store adapter needs a document store")
	}
	if queue == nil {
		return nil, fmt.Errorf("state store adapter needs an offline queue")
	}
	if err := cfg.InitBackoff.Validate(); err != nil {
		return nil, fmt.Errorf("init backoff: %w", err)
	}
	if err := cfg.WriteBackoff.Validate(); err != nil {
		return nil, fmt.Errorf("write backoff: %w", err)
	}
	return &Adapter{remote: remote, queue: queue, cfg: cfg, logger: logger}, nil
}

// ConnState returns the store connection state.
func (a *Adapter) ConnState() market.ConnState {
	return market.ConnState(a.state.Load())
}

// SetConnState is driven by the health monitor on probe transitions.
func (a *Adapter) SetConnState(s market.ConnState) {
	a.state.Store(int32(s))
}

// nextRevision returns a monotonic revision stamp. Wall-clock based so
// revisions stay comparable across restarts, bumped past the last issued
// value to stay strictly increasing within a process.
func (a *Adapter) nextRevision() int64 {
	for {
		now := time.Now().UnixNano()
		last := a.lastRev.Load()
		if now <= last {
			now = last + 1
		}
		if a.lastRev.CompareAndSwap(last, now) {
			return now
		}
	}
}

// Initialize connects to the durable store, retrying up to the policy's
// attempt cap with backoff. On exhaustion it switches to offline mode if
// permitted, otherwise reports a fatal error.
func (a *Adapter) Initialize(ctx context.Context) error {
	attempt := 0
	err := a.cfg.InitBackoff.Retry(ctx, func(err error) bool {
		return errors.Is(err, ErrUnavailable)
	}, func() error {
		attempt++
		if err := a.remote.Ping(ctx); err != nil {
			a.logger.Error("store connection attempt failed",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return err
		}
		// Probe write proves we can persist, not just reach the server.
		probe := Document{
			"timestamp":   time.Now().UTC().Format(time.RFC3339Nano),
			"status":      "connected",
			"attempt":     attempt,
			RevisionField: a.nextRevision(),
		}
		return a.remote.Set(ctx, CollectionSystemHealth, "connection_test", probe, true)
	})
	if err == nil {
		a.state.Store(int32(market.Connected))
		a.logger.Info("state store connection established")
		return nil
	}

	if a.cfg.OfflineAllowed {
		a.state.Store(int32(market.Offline))
		a.logger.Warn("all store connection attempts failed, proceeding in offline mode",
			zap.Int("attempts", attempt),
		)
		return nil
	}
	return fmt.Errorf("failed to connect to state store after %d attempts: %w", attempt, err)
}

// Set persists a document, stamping it with a monotonic revision. While
// offline (or when the bounded retries exhaust) the write is queued locally
// in arrival order for replay on reconnection.
func (a *Adapter) Set(ctx context.Context, collection, key string, doc Document, merge bool) error {
	stamped := make(Document, len(doc)+1)
	for k, v := range doc {
		stamped[k] = v
	}
	stamped[RevisionField] = a.nextRevision()

	if a.ConnState() == market.Offline {
		return a.queue.Enqueue(ctx, collection, key, stamped, merge)
	}

	err := a.cfg.WriteBackoff.Retry(ctx, func(err error) bool {
		return errors.Is(err, ErrUnavailable)
	}, func() error {
		return a.remote.Set(ctx, collection, key, stamped, merge)
	})
	if err == nil {
		return nil
	}

	a.logger.Warn("store write failed, queueing locally",
		zap.String("collection", collection),
		zap.String("key", key),
		zap.Error(err),
	)
	a.state.CompareAndSwap(int32(market.Connected), int32(market.Degraded))
	return a.queue.Enqueue(ctx, collection, key, stamped, merge)
}

// Get reads a document, falling back to the local copy while offline or
// when the store is unreachable.
func (a *Adapter) Get(ctx context.Context, collection, key string) (Document, error) {
	if a.ConnState() == market.Offline {
		return a.queue.Get(ctx, collection, key)
	}

	var doc Document
	err := a.cfg.WriteBackoff.Retry(ctx, func(err error) bool {
		return errors.Is(err, ErrUnavailable)
	}, func() error {
		var getErr error
		doc, getErr = a.remote.Get(ctx, collection, key)
		return getErr
	})
	if err == nil {
		return doc, nil
	}
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	a.logger.Warn("store read failed, serving local copy",
		zap.String("collection", collection),
		zap.String("key", key),
		zap.Error(err),
	)
	return a.queue.Get(ctx, collection, key)
}

// Ping probes the durable store. Used by the health monitor.
func (a *Adapter) Ping(ctx context.Context) error {
	return a.remote.Ping(ctx)
}

// Flush replays queued offline writes in original order. Called by the
// health monitor once a probe succeeds after an outage. Stops at the first
// failure so ordering is preserved for the next attempt.
func (a *Adapter) Flush(ctx context.Context) error {
	for {
		pending, err := a.queue.Pending(ctx, 100)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			a.state.Store(int32(market.Connected))
			return nil
		}
		for _, w := range pending {
			if err := a.remote.Set(ctx, w.Collection, w.Key, w.Doc, w.Merge); err != nil {
				return fmt.Errorf("replaying queued write %d: %w", w.ID, err)
			}
			if err := a.queue.Delete(ctx, w.ID); err != nil {
				return err
			}
		}
		a.logger.Info("replayed queued offline writes", zap.Int("count", len(pending)))
	}
}

// QueueDepth reports how many writes await replay.
func (a *Adapter) QueueDepth(ctx context.Context) (int, error) {
	return a.queue.Depth(ctx)
}

// Close closes both the remote store and the local queue.
func (a *Adapter) Close() error {
	remoteErr := a.remote.Close()
	queueErr := a.queue.Close()
	if remoteErr != nil {
		return remoteErr
	}
	return queueErr
}
