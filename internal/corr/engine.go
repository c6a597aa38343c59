// Package corr maintains rolling-window pairwise correlation estimates over
// the normalized snapshot stream.
//
// Snapshots from different venues arrive at different rates, so each
// symbol's prices are resampled onto a shared cadence grid by linear
// interpolation between bracketing observations (never extrapolated). Pair
// statistics are kept as incremental running sums so an update costs
// O(pairs touching the symbol), independent of window length.
package corr

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/acth/cross-asset-engine/internal/market"
)

// Config holds correlation engine settings.
type Config struct {
	// Window is the ring capacity: how many cadence buckets of history a
	// pair's statistics cover.
	Window int
	// MinSamples is the overlap count below which a pair's correlation is
	// unavailable.
	MinSamples int
	// Cadence is the shared sampling grid spacing.
	Cadence time.Duration
}

// Validate rejects unusable configurations.
func (c Config) Validate() error {
	if c.Window < 2 {
		return fmt.Errorf("correlation window must be >= 2, got %d", c.Window)
	}
	if c.MinSamples < 2 || c.MinSamples > c.Window {
		return fmt.Errorf("min samples must be in [2,window], got %d", c.MinSamples)
	}
	if c.Cadence <= 0 {
		return fmt.Errorf("cadence must be positive, got %v", c.Cadence)
	}
	return nil
}

// Entry is one persisted pair statistic, the correlation matrix cell.
type Entry struct {
	Pair        market.Pair
	Coefficient float64
	Window      int
	Samples     int
	LastUpdated time.Time
}

type series struct {
	hasRaw     bool
	rawTs      time.Time
	rawPrice   float64
	samples    map[int64]float64 // cadence bucket -> interpolated price
	lastBucket int64
	volume     float64
	lastSeen   time.Time
}

type pairPoint struct {
	bucket int64
	x, y   float64
}

type pairStat struct {
	points                          []pairPoint
	sumX, sumY, sumXX, sumYY, sumXY float64
	lastUpdated                     time.Time
}

// Engine computes pair correlations. Not safe for concurrent use: updates
// must come from the single pipeline stage that owns pair state.
type Engine struct {
	cfg    Config
	logger *zap.Logger

	symbols map[string]*series
	pairs   map[market.Pair]*pairStat
}

// New creates a correlation engine.
func New(cfg Config, logger *zap.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:     cfg,
		logger:  logger,
		symbols: make(map[string]*series),
		pairs:   make(map[market.Pair]*pairStat),
	}, nil
}

// Update folds one snapshot into the statistics of every pair touching its
// symbol.
func (e *Engine) Update(snap market.Snapshot) {
	s, ok := e.symbols[snap.Symbol]
	if !ok {
		s = &series{samples: make(map[int64]float64), lastBucket: math.MinInt64}
		e.symbols[snap.Symbol] = s
	}

	s.volume = snap.Volume
	s.lastSeen = snap.Timestamp

	newBuckets := e.resample(s, snap)
	if len(newBuckets) == 0 {
		return
	}

	for other, os := range e.symbols {
		if other == snap.Symbol {
			continue
		}
		pair, err := market.NewPair(snap.Symbol, other)
		if err != nil {
			continue
		}
		ps, ok := e.pairs[pair]
		if !ok {
			ps = &pairStat{}
			e.pairs[pair] = ps
			e.logger.Debug("tracking new pair", zap.String("pair", pair.Key()))
		}
		for _, b := range newBuckets {
			yp, ok := os.samples[b]
			if !ok {
				continue
			}
			x, y := s.samples[b], yp
			if pair.A != snap.Symbol {
				// Keep (x,y) assignment stable per pair regardless of which
				// leg updated.
				x, y = y, x
			}
			ps.add(pairPoint{bucket: b, x: x, y: y})
			ps.evict(b - int64(e.cfg.Window) + 1)
			ps.lastUpdated = snap.Timestamp
		}
	}
}

// resample advances the symbol's cadence grid using linear interpolation
// between the previous raw observation and this one, and returns the newly
// filled buckets.
func (e *Engine) resample(s *series, snap market.Snapshot) []int64 {
	cadence := e.cfg.Cadence.Nanoseconds()
	ts := snap.Timestamp.UnixNano()

	if !s.hasRaw {
		s.hasRaw = true
		s.rawTs = snap.Timestamp
		s.rawPrice = snap.Price
		return nil
	}

	t0 := s.rawTs.UnixNano()
	p0 := s.rawPrice
	if ts <= t0 {
		return nil
	}

	var filled []int64
	firstBucket := t0/cadence + 1
	lastBucket := ts / cadence
	for b := firstBucket; b <= lastBucket; b++ {
		if b <= s.lastBucket {
			continue
		}
		tb := b * cadence
		frac := float64(tb-t0) / float64(ts-t0)
		s.samples[b] = p0 + (snap.Price-p0)*frac
		s.lastBucket = b
		filled = append(filled, b)
	}

	// Prune aligned samples that fell out of every possible window.
	min := s.lastBucket - int64(e.cfg.Window)
	for b := range s.samples {
		if b < min {
			delete(s.samples, b)
		}
	}

	s.rawTs = snap.Timestamp
	s.rawPrice = snap.Price
	return filled
}

func (ps *pairStat) add(p pairPoint) {
	ps.points = append(ps.points, p)
	ps.sumX += p.x
	ps.sumY += p.y
	ps.sumXX += p.x * p.x
	ps.sumYY += p.y * p.y
	ps.sumXY += p.x * p.y
}

func (ps *pairStat) evict(minBucket int64) {
	i := 0
	for ; i < len(ps.points) && ps.points[i].bucket < minBucket; i++ {
		p := ps.points[i]
		ps.sumX -= p.x
		ps.sumY -= p.y
		ps.sumXX -= p.x * p.x
		ps.sumYY -= p.y * p.y
		ps.sumXY -= p.x * p.y
	}
	if i > 0 {
		ps.points = append(ps.points[:0], ps.points[i:]...)
	}
}

func (ps *pairStat) coefficient(minSamples int) (float64, bool) {
	n := float64(len(ps.points))
	if len(ps.points) < minSamples {
		return 0, false
	}
	varX := n*ps.sumXX - ps.sumX*ps.sumX
	varY := n*ps.sumYY - ps.sumY*ps.sumY
	// Zero variance means correlation is undefined, not zero.
	if varX <= 0 || varY <= 0 {
		return 0, false
	}
	r := (n*ps.sumXY - ps.sumX*ps.sumY) / math.Sqrt(varX*varY)
	if math.IsNaN(r) {
		return 0, false
	}
	// Floating point drift in the running sums can push |r| slightly past 1.
	return math.Max(-1, math.Min(1, r)), true
}

// Correlation returns the pair's coefficient, or ok=false while it is
// unavailable (insufficient overlap or zero variance).
func (e *Engine) Correlation(a, b string) (float64, bool) {
	pair, err := market.NewPair(a, b)
	if err != nil {
		return 0, false
	}
	ps, ok := e.pairs[pair]
	if !ok {
		return 0, false
	}
	return ps.coefficient(e.cfg.MinSamples)
}

// Samples returns the pair's current overlap count.
func (e *Engine) Samples(pair market.Pair) int {
	ps, ok := e.pairs[pair]
	if !ok {
		return 0
	}
	return len(ps.points)
}

// Volume returns the symbol's most recent canonical volume.
func (e *Engine) Volume(symbol string) float64 {
	s, ok := e.symbols[symbol]
	if !ok {
		return 0
	}
	return s.volume
}

// Candidate reports whether the pair is eligible for strategy action:
// correlation available, |coefficient| below the max threshold (the
// strategy targets decorrelated pairs, not redundant exposure), and both
// legs clearing the volume threshold.
func (e *Engine) Candidate(pair market.Pair, limits market.RiskLimits) (float64, bool) {
	coef, ok := e.Correlation(pair.A, pair.B)
	if !ok {
		return 0, false
	}
	if math.Abs(coef) >= limits.MaxCorrelation {
		return coef, false
	}
	if e.Volume(pair.A) < limits.MinVolume || e.Volume(pair.B) < limits.MinVolume {
		return coef, false
	}
	return coef, true
}

// Candidates returns every eligible pair with its coefficient.
func (e *Engine) Candidates(limits market.RiskLimits) map[market.Pair]float64 {
	out := make(map[market.Pair]float64)
	for pair := range e.pairs {
		if coef, ok := e.Candidate(pair, limits); ok {
			out[pair] = coef
		}
	}
	return out
}

// Entries snapshots every pair's statistics for persistence.
func (e *Engine) Entries() []Entry {
	out := make([]Entry, 0, len(e.pairs))
	for pair, ps := range e.pairs {
		coef, ok := ps.coefficient(e.cfg.MinSamples)
		if !ok {
			continue
		}
		out = append(out, Entry{
			Pair:        pair,
			Coefficient: coef,
			Window:      e.cfg.Window,
			Samples:     len(ps.points),
			LastUpdated: ps.lastUpdated,
		})
	}
	return out
}
