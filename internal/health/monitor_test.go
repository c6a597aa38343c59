package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/acth/cross-asset-engine/internal/market"
)

// flakyProbe fails while failing is true.
type flakyProbe struct {
	mu      sync.Mutex
	failing bool
	calls   int
}

func (p *flakyProbe) probe(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failing {
		return errors.New("probe failed")
	}
	return nil
}

func (p *flakyProbe) setFailing(f bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failing = f
}

func newTestMonitor(t *testing.T) *Monitor {
	t.Helper()
	m, err := NewMonitor(time.Second, time.Second, nil, nil, zap.NewNop())
	require.NoError(t, err)
	return m
}

func TestDowngradeIsStepwise(t *testing.T) {
	m := newTestMonitor(t)
	p := &flakyProbe{failing: true}

	var transitions []market.ConnState
	m.Register("venue", market.Connected, p.probe, func(s market.ConnState) {
		transitions = append(transitions, s)
	}, nil)
	require.Equal(t, market.Connected, m.State("venue"))

	ctx := context.Background()

	// One failure is a degradation, not an outage.
	m.HeartbeatOnce(ctx)
	assert.Equal(t, market.Degraded, m.State("venue"))

	m.HeartbeatOnce(ctx)
	assert.Equal(t, market.Offline, m.State("venue"))

	// Further failures stay pinned at offline.
	m.HeartbeatOnce(ctx)
	assert.Equal(t, market.Offline, m.State("venue"))

	assert.Equal(t, []market.ConnState{market.Degraded, market.Offline}, transitions)
}

func TestRecoveryJumpsStraightToConnected(t *testing.T) {
	m := newTestMonitor(t)
	p := &flakyProbe{failing: true}
	m.Register("venue", market.Connected, p.probe, nil, nil)

	ctx := context.Background()
	m.HeartbeatOnce(ctx)
	m.HeartbeatOnce(ctx)
	require.Equal(t, market.Offline, m.State("venue"))

	// A single success restores full health, no stepwise upgrade.
	p.setFailing(false)
	m.HeartbeatOnce(ctx)
	assert.Equal(t, market.Connected, m.State("venue"))
}

func TestRecoverRoutineRunsOnReconnect(t *testing.T) {
	m := newTestMonitor(t)
	p := &flakyProbe{failing: true}

	recoveries := 0
	m.Register("store", market.Connected, p.probe, nil, func(ctx context.Context) error {
		recoveries++
		return nil
	})

	ctx := context.Background()
	m.HeartbeatOnce(ctx)
	require.Equal(t, market.Degraded, m.State("store"))
	assert.Zero(t, recoveries, "no recovery while still failing")

	p.setFailing(false)
	m.HeartbeatOnce(ctx)
	assert.Equal(t, 1, recoveries, "reconnect triggers the recovery routine")

	// Steady healthy state does not re-run recovery.
	m.HeartbeatOnce(ctx)
	assert.Equal(t, 1, recoveries)
}

func TestListenerFiresOnlyOnTransitions(t *testing.T) {
	m := newTestMonitor(t)
	p := &flakyProbe{}

	var transitions []market.ConnState
	m.Register("venue", market.Connected, p.probe, func(s market.ConnState) {
		transitions = append(transitions, s)
	}, nil)

	ctx := context.Background()
	m.HeartbeatOnce(ctx)
	m.HeartbeatOnce(ctx)
	assert.Empty(t, transitions,
		"steady state produces no transition callbacks")
}

func TestRegisterPreservesInitialState(t *testing.T) {
	m := newTestMonitor(t)
	p := &flakyProbe{failing: true}

	// A store that exhausted its connection attempts registers in offline
	// mode. Registration must not flip it back to connected behind the
	// adapter's back.
	var transitions []market.ConnState
	m.Register("store", market.Offline, p.probe, func(s market.ConnState) {
		transitions = append(transitions, s)
	}, nil)
	assert.Equal(t, market.Offline, m.State("store"))
	assert.Empty(t, transitions, "registration is not a transition")

	ctx := context.Background()
	m.HeartbeatOnce(ctx)
	assert.Equal(t, market.Offline, m.State("store"), "failed probes keep it offline")

	// Only an actually successful probe restores the connection.
	p.setFailing(false)
	m.HeartbeatOnce(ctx)
	assert.Equal(t, market.Connected, m.State("store"))
	assert.Equal(t, []market.ConnState{market.Connected}, transitions)
}

func TestStateUnknownDependency(t *testing.T) {
	m := newTestMonitor(t)
	assert.Equal(t, market.Offline, m.State("nope"))
}

func TestNewMonitorValidation(t *testing.T) {
	_, err := NewMonitor(0, time.Second, nil, nil, zap.NewNop())
	assert.Error(t, err)

	_, err = NewMonitor(time.Second, 2*time.Second, nil, nil, zap.NewNop())
	assert.Error(t, err, "probe timeout cannot exceed the interval")
}
