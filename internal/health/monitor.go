// Package health supervises external connections: it heartbeats every
// registered dependency, walks its connection state between CONNECTED,
// DEGRADED and OFFLINE, and drives recovery routines on reconnect.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acth/cross-asset-engine/internal/market"
	"github.com/acth/cross-asset-engine/internal/store"
)

// Probe checks one dependency. A nil error is a healthy heartbeat.
type Probe func(ctx context.Context) error

type target struct {
	name     string
	probe    Probe
	listener func(market.ConnState)
	recover  func(ctx context.Context) error
	state    market.ConnState
}

// Monitor heartbeats all registered dependencies on a fixed interval.
// A probe failure downgrades one step (CONNECTED to DEGRADED to OFFLINE);
// a success restores CONNECTED and runs the dependency's recovery routine,
// which for the state store flushes queued offline writes in order.
type Monitor struct {
	interval     time.Duration
	probeTimeout time.Duration
	persist      *store.Adapter
	server       *Server
	logger       *zap.Logger

	mu      sync.Mutex
	targets []*target
}

// NewMonitor creates a health monitor. The server may be nil in tests.
func NewMonitor(interval, probeTimeout time.Duration, persist *store.Adapter, server *Server, logger *zap.Logger) (*Monitor, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("heartbeat interval must be positive, got %v", interval)
	}
	if probeTimeout <= 0 || probeTimeout > interval {
		return nil, fmt.Errorf("probe timeout must be in (0, interval], got %v", probeTimeout)
	}
	return &Monitor{
		interval:     interval,
		probeTimeout: probeTimeout,
		persist:      persist,
		server:       server,
		logger:       logger,
	}, nil
}

// Register adds a dependency at its current connection state, so a store
// that settled in offline mode during startup stays offline until a probe
// actually succeeds. The listener receives subsequent state transitions
// only; recover (optional) runs after a successful probe that leaves a
// non-connected state.
func (m *Monitor) Register(name string, initial market.ConnState, probe Probe, listener func(market.ConnState), recoverFn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &target{name: name, probe: probe, listener: listener, recover: recoverFn, state: initial}
	m.targets = append(m.targets, t)
	if m.server != nil {
		m.server.SetDependencyState(name, initial)
	}
}

// State returns a dependency's current state.
func (m *Monitor) State(name string) market.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.targets {
		if t.name == name {
			return t.state
		}
	}
	return market.Offline
}

// HeartbeatOnce probes every dependency one time. Exposed for tests; Run
// calls it on the interval.
func (m *Monitor) HeartbeatOnce(ctx context.Context) {
	m.mu.Lock()
	targets := make([]*target, len(m.targets))
	copy(targets, m.targets)
	m.mu.Unlock()

	for _, t := range targets {
		probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
		err := t.probe(probeCtx)
		cancel()

		m.mu.Lock()
		prev := t.state
		if err != nil {
			if t.state < market.Offline {
				t.state++
			}
		} else {
			t.state = market.Connected
		}
		next := t.state
		m.mu.Unlock()

		if next != prev {
			m.logger.Warn("dependency state transition",
				zap.String("dependency", t.name),
				zap.String("from", prev.String()),
				zap.String("to", next.String()),
				zap.Error(err),
			)
			if t.listener != nil {
				t.listener(next)
			}
			if m.server != nil {
				m.server.SetDependencyState(t.name, next)
			}
		}

		if err == nil && prev != market.Connected && t.recover != nil {
			if recErr := t.recover(ctx); recErr != nil {
				m.logger.Error("recovery routine failed",
					zap.String("dependency", t.name),
					zap.Error(recErr),
				)
			}
		}
	}

	m.writeHeartbeat(ctx)
}

// writeHeartbeat persists system_state/main with the aggregated mode.
func (m *Monitor) writeHeartbeat(ctx context.Context) {
	if m.persist == nil {
		return
	}

	mode := "online"
	m.mu.Lock()
	for _, t := range m.targets {
		switch t.state {
		case market.Offline:
			mode = "offline"
		case market.Degraded:
			if mode == "online" {
				mode = "degraded"
			}
		}
	}
	m.mu.Unlock()

	doc := store.Document{
		"mode":           mode,
		"last_heartbeat": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := m.persist.Set(ctx, store.CollectionSystemState, "main", doc, true); err != nil {
		m.logger.Error("failed to persist heartbeat", zap.Error(err))
	}
}

// Run heartbeats until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("health monitor starting", zap.Duration("interval", m.interval))
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("health monitor stopping")
			return
		case <-ticker.C:
			m.HeartbeatOnce(ctx)
		}
	}
}
