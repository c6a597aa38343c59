// Package strategy maintains per-pair signal weights and adapts them from
// realized trade outcomes.
//
// The update law is a deliberately simple exponential tracker,
// w <- w + lr*(reward - w), so weight drift stays auditable. Weights are
// clamped after every update and outcome application is idempotent per
// fill, so replayed or duplicated fills cannot double-update.
package strategy

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acth/cross-asset-engine/internal/market"
)

// Config holds the strategy policy knobs. LearningRate is fixed
// configuration, not itself adapted.
type Config struct {
	LearningRate        float64
	ActivationThreshold float64
	// RewardDecay is the per-update decay applied to the cumulative reward
	// diagnostic, in (0,1].
	RewardDecay float64
	// WeightClamp bounds weights to [-WeightClamp, WeightClamp].
	WeightClamp float64
}

// Validate rejects unusable configurations.
func (c Config) Validate() error {
	if c.LearningRate <= 0 || c.LearningRate > 1 {
		return fmt.Errorf("learning rate must be in (0,1], got %v", c.LearningRate)
	}
	if c.ActivationThreshold < 0 {
		return fmt.Errorf("activation threshold cannot be negative, got %v", c.ActivationThreshold)
	}
	if c.RewardDecay <= 0 || c.RewardDecay > 1 {
		return fmt.Errorf("reward decay must be in (0,1], got %v", c.RewardDecay)
	}
	if c.WeightClamp <= 0 {
		return fmt.Errorf("weight clamp must be positive, got %v", c.WeightClamp)
	}
	return nil
}

// State is the adapter's per-pair learning state. The persisted snapshot of
// all states lives in the state store.
type State struct {
	Weight           float64   `json:"weight"`
	CumulativeReward float64   `json:"cumulative_reward"`
	LastUpdate       time.Time `json:"last_update"`
	Updates          int       `json:"updates"`
}

// Adapter owns all pair weights. Weight mutation happens only on the
// pipeline goroutine; the mutex exists so the persistence loop can snapshot
// states concurrently.
type Adapter struct {
	cfg    Config
	limits market.RiskLimits
	logger *zap.Logger

	mu     sync.Mutex
	states map[market.Pair]*State
	seen   map[string]struct{} // applied fill idempotency keys
}

// New creates a strategy adapter.
func New(cfg Config, limits market.RiskLimits, logger *zap.Logger) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		cfg:    cfg,
		limits: limits,
		logger: logger,
		states: make(map[market.Pair]*State),
		seen:   make(map[string]struct{}),
	}, nil
}

func (a *Adapter) state(pair market.Pair) *State {
	s, ok := a.states[pair]
	if !ok {
		// Neutral starting weight: no signal until outcomes teach one.
		s = &State{}
		a.states[pair] = s
	}
	return s
}

// Weight returns the pair's current weight.
func (a *Adapter) Weight(pair market.Pair) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state(pair).Weight
}

// Propose emits a trade intent for a correlation-candidate pair whose
// weight clears the activation threshold. Direction is the sign of the
// weight; size grows with |weight| and is capped at the max position size.
func (a *Adapter) Propose(pair market.Pair, coefficient float64, venueName string, now time.Time) (market.TradeIntent, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.state(pair)
	mag := math.Abs(s.Weight)
	if mag <= a.cfg.ActivationThreshold {
		return market.TradeIntent{}, false
	}

	dir := market.SideBuy
	if s.Weight < 0 {
		dir = market.SideSell
	}

	size := math.Min(a.limits.MaxPositionSize, mag/a.cfg.WeightClamp*a.limits.MaxPositionSize)
	confidence := math.Min(1, mag/a.cfg.WeightClamp)

	intent, err := market.NewTradeIntent(pair, pair.A, venueName, dir, size, confidence, s.Weight, now)
	if err != nil {
		a.logger.Warn("proposed intent rejected by constructor",
			zap.String("pair", pair.Key()),
			zap.Error(err),
		)
		return market.TradeIntent{}, false
	}

	a.logger.Debug("intent proposed",
		zap.String("pair", pair.Key()),
		zap.String("direction", string(dir)),
		zap.Float64("weight", s.Weight),
		zap.Float64("coefficient", coefficient),
		zap.Float64("size", size),
	)
	return intent, true
}

// RecordOutcome applies one fill's realized, size-normalized PnL to the
// originating pair's weight. Replaying the same fill is a no-op.
func (a *Adapter) RecordOutcome(pair market.Pair, fill market.Fill) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, dup := a.seen[fill.IdempotencyKey]; dup {
		a.logger.Debug("duplicate fill ignored",
			zap.String("idempotency_key", fill.IdempotencyKey),
		)
		return
	}
	a.seen[fill.IdempotencyKey] = struct{}{}

	notional := fill.Quantity.Mul(fill.Price)
	if notional.IsZero() {
		return
	}
	reward, _ := fill.RealizedPnL.Div(notional).Float64()

	s := a.state(pair)
	s.Weight = clamp(s.Weight+a.cfg.LearningRate*(reward-s.Weight), a.cfg.WeightClamp)
	s.CumulativeReward = s.CumulativeReward*a.cfg.RewardDecay + reward
	s.LastUpdate = fill.Timestamp
	s.Updates++

	a.logger.Info("weight updated",
		zap.String("pair", pair.Key()),
		zap.Float64("reward", reward),
		zap.Float64("weight", s.Weight),
		zap.Int("updates", s.Updates),
	)
}

func clamp(w, bound float64) float64 {
	if w > bound {
		return bound
	}
	if w < -bound {
		return -bound
	}
	return w
}

// Export snapshots every pair state for persistence.
func (a *Adapter) Export() map[string]State {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]State, len(a.states))
	for pair, s := range a.states {
		out[pair.Key()] = *s
	}
	return out
}

// Restore replaces pair states from a persisted snapshot, typically at
// startup. Unparseable keys are skipped and logged.
func (a *Adapter) Restore(states map[string]State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key, s := range states {
		pair, err := parsePairKey(key)
		if err != nil {
			a.logger.Warn("skipping unparseable pair key", zap.String("key", key), zap.Error(err))
			continue
		}
		copied := s
		copied.Weight = clamp(copied.Weight, a.cfg.WeightClamp)
		a.states[pair] = &copied
	}
}

// SetWeight force-sets a pair's weight, clamped. Used by tests and by
// operational tooling to reset drifted weights.
func (a *Adapter) SetWeight(pair market.Pair, w float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state(pair).Weight = clamp(w, a.cfg.WeightClamp)
}

func parsePairKey(key string) (market.Pair, error) {
	for i := 0; i < len(key); i++ {
		if key[i] == '-' {
			return market.NewPair(key[:i], key[i+1:])
		}
	}
	return market.Pair{}, fmt.Errorf("malformed pair key %q", key)
}
