package corr

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/acth/cross-asset-engine/internal/market"
)

var testBase = time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, window, minSamples int) *Engine {
	t.Helper()
	e, err := New(Config{
		Window:     window,
		MinSamples: minSamples,
		Cadence:    time.Second,
	}, zap.NewNop())
	require.NoError(t, err)
	return e
}

// feed pushes grid-aligned snapshots, one per cadence step starting at
// testBase+1s. Grid-aligned observations survive resampling unchanged.
func feed(t *testing.T, e *Engine, symbol string, volume float64, prices ...float64) {
	t.Helper()
	for i, p := range prices {
		ts := testBase.Add(time.Duration(i+1) * time.Second)
		snap, err := market.NewSnapshot(symbol, "test", p, volume, ts, uint64(i+1))
		require.NoError(t, err)
		e.Update(snap)
	}
}

func naivePearson(x, y []float64) float64 {
	n := float64(len(x))
	var sx, sy, sxx, syy, sxy float64
	for i := range x {
		sx += x[i]
		sy += y[i]
		sxx += x[i] * x[i]
		syy += y[i] * y[i]
		sxy += x[i] * y[i]
	}
	return (n*sxy - sx*sy) / math.Sqrt((n*sxx-sx*sx)*(n*syy-sy*sy))
}

func TestCorrelationMatchesNaiveComputation(t *testing.T) {
	e := newTestEngine(t, 100, 3)

	// The first observation only primes the interpolator, so samples are
	// prices[1:].
	xPrices := []float64{100, 102, 103, 102, 105, 101, 104, 103, 106, 102}
	yPrices := []float64{50, 51, 54, 52, 53, 56, 51, 55, 52, 54}
	feed(t, e, "BTC", 2e6, xPrices...)
	feed(t, e, "ETH", 2e6, yPrices...)

	got, ok := e.Correlation("BTC", "ETH")
	require.True(t, ok)

	want := naivePearson(xPrices[1:], yPrices[1:])
	assert.InDelta(t, want, got, 1e-9)
}

func TestCorrelationIsSymmetric(t *testing.T) {
	e := newTestEngine(t, 100, 3)
	feed(t, e, "BTC", 2e6, 100, 102, 101, 105, 103)
	feed(t, e, "ETH", 2e6, 50, 49, 52, 50, 53)

	ab, okAB := e.Correlation("BTC", "ETH")
	ba, okBA := e.Correlation("ETH", "BTC")
	require.True(t, okAB)
	require.True(t, okBA)
	assert.Equal(t, ab, ba)
}

func TestCorrelationUnavailableBelowMinSamples(t *testing.T) {
	e := newTestEngine(t, 100, 4)

	// 4 snapshots yield 3 overlapping samples, one short of the minimum.
	feed(t, e, "BTC", 2e6, 100, 102, 101, 105)
	feed(t, e, "ETH", 2e6, 50, 49, 52, 50)

	_, ok := e.Correlation("BTC", "ETH")
	assert.False(t, ok, "below min samples the coefficient is unavailable")

	// One more observation each reaches the threshold exactly.
	ts := testBase.Add(5 * time.Second)
	snap, err := market.NewSnapshot("BTC", "test", 104, 2e6, ts, 5)
	require.NoError(t, err)
	e.Update(snap)
	snap, err = market.NewSnapshot("ETH", "test", 53, 2e6, ts, 5)
	require.NoError(t, err)
	e.Update(snap)

	_, ok = e.Correlation("BTC", "ETH")
	assert.True(t, ok, "exactly min samples is sufficient")
}

func TestZeroVarianceIsUnavailableNotZero(t *testing.T) {
	e := newTestEngine(t, 100, 3)

	// Constant prices have zero variance: the coefficient is undefined.
	feed(t, e, "BTC", 2e6, 100, 100, 100, 100, 100, 100)
	feed(t, e, "ETH", 2e6, 50, 51, 52, 53, 54, 55)

	_, ok := e.Correlation("BTC", "ETH")
	assert.False(t, ok)
}

func TestCorrelationUnknownPair(t *testing.T) {
	e := newTestEngine(t, 100, 3)
	_, ok := e.Correlation("BTC", "ETH")
	assert.False(t, ok)
	_, ok = e.Correlation("BTC", "BTC")
	assert.False(t, ok)
}

func TestResampleInterpolatesBetweenObservations(t *testing.T) {
	e := newTestEngine(t, 100, 2)

	// BTC reports at 1s and 3s only; the 2s bucket must be interpolated,
	// never extrapolated.
	snap, err := market.NewSnapshot("BTC", "test", 100, 2e6, testBase.Add(1*time.Second), 1)
	require.NoError(t, err)
	e.Update(snap)
	snap, err = market.NewSnapshot("BTC", "test", 110, 2e6, testBase.Add(3*time.Second), 2)
	require.NoError(t, err)
	e.Update(snap)

	feed(t, e, "ETH", 2e6, 50, 49, 48)

	pair, err := market.NewPair("BTC", "ETH")
	require.NoError(t, err)
	assert.Equal(t, 2, e.Samples(pair), "buckets at 2s and 3s should overlap")

	// BTC rises linearly (105 interpolated, 110) while ETH falls, so the
	// two-point coefficient is exactly -1.
	got, ok := e.Correlation("BTC", "ETH")
	require.True(t, ok)
	assert.InDelta(t, -1.0, got, 1e-9)
}

func TestStaleObservationIgnored(t *testing.T) {
	e := newTestEngine(t, 100, 2)
	feed(t, e, "BTC", 2e6, 100, 101, 102)
	feed(t, e, "ETH", 2e6, 50, 51, 52)

	pair, err := market.NewPair("BTC", "ETH")
	require.NoError(t, err)
	before := e.Samples(pair)

	old, err := market.NewSnapshot("BTC", "test", 90, 2e6, testBase.Add(1*time.Second), 9)
	require.NoError(t, err)
	e.Update(old)

	assert.Equal(t, before, e.Samples(pair), "observations older than the last raw point add nothing")
}

func TestWindowEviction(t *testing.T) {
	e := newTestEngine(t, 5, 2)

	prices := make([]float64, 20)
	for i := range prices {
		prices[i] = 100 + float64(i%7)
	}
	feed(t, e, "BTC", 2e6, prices...)
	feed(t, e, "ETH", 2e6, prices...)

	pair, err := market.NewPair("BTC", "ETH")
	require.NoError(t, err)
	assert.LessOrEqual(t, e.Samples(pair), 5, "overlap never exceeds the window")
}

func TestCandidateExcludesHighAbsoluteCorrelation(t *testing.T) {
	e := newTestEngine(t, 100, 3)
	limits := market.RiskLimits{
		MaxPositionSize: 10000,
		RiskPerTrade:    0.02,
		MaxCorrelation:  0.85,
		MinVolume:       1e6,
	}

	// Perfectly anti-correlated legs: |r| = 1 is just as redundant as +1.
	feed(t, e, "BTC", 2e6, 100, 101, 102, 103, 104, 105)
	feed(t, e, "ETH", 2e6, 55, 54, 53, 52, 51, 50)

	pair, err := market.NewPair("BTC", "ETH")
	require.NoError(t, err)
	coef, ok := e.Candidate(pair, limits)
	assert.False(t, ok)
	assert.InDelta(t, -1.0, coef, 1e-9)
}

func TestCandidateRequiresVolumeOnBothLegs(t *testing.T) {
	e := newTestEngine(t, 100, 3)
	limits := market.RiskLimits{
		MaxPositionSize: 10000,
		RiskPerTrade:    0.02,
		MaxCorrelation:  0.85,
		MinVolume:       1e6,
	}

	// Weakly correlated pair, but ETH volume is below the floor.
	feed(t, e, "BTC", 2e6, 100, 102, 103, 102, 105, 101, 104, 103, 106, 102)
	feed(t, e, "ETH", 5e5, 50, 51, 54, 52, 53, 56, 51, 55, 52, 54)

	pair, err := market.NewPair("BTC", "ETH")
	require.NoError(t, err)
	_, ok := e.Candidate(pair, limits)
	assert.False(t, ok)

	// Raising the thin leg's volume makes the pair eligible.
	ts := testBase.Add(11 * time.Second)
	snap, err := market.NewSnapshot("ETH", "test", 53, 2e6, ts, 11)
	require.NoError(t, err)
	e.Update(snap)
	snap, err = market.NewSnapshot("BTC", "test", 103, 2e6, ts, 11)
	require.NoError(t, err)
	e.Update(snap)

	_, ok = e.Candidate(pair, limits)
	assert.True(t, ok)

	cands := e.Candidates(limits)
	assert.Contains(t, cands, pair)
}

func TestEntriesSkipUnavailablePairs(t *testing.T) {
	e := newTestEngine(t, 100, 5)
	feed(t, e, "BTC", 2e6, 100, 102, 101)
	feed(t, e, "ETH", 2e6, 50, 49, 52)

	assert.Empty(t, e.Entries(), "pairs without an available coefficient are not persisted")

	feed(t, e, "BTC", 2e6, 100, 102, 101, 105, 103, 104, 102)
	feed(t, e, "ETH", 2e6, 50, 49, 52, 50, 53, 51, 54)

	entries := e.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "BTC-ETH", entries[0].Pair.Key())
	assert.Equal(t, 100, entries[0].Window)
	assert.GreaterOrEqual(t, entries[0].Samples, 5)
}

func TestVolumeTracksLatestSnapshot(t *testing.T) {
	e := newTestEngine(t, 100, 3)
	feed(t, e, "BTC", 1e6, 100)
	assert.Equal(t, 1e6, e.Volume("BTC"))

	snap, err := market.NewSnapshot("BTC", "test", 101, 3e6, testBase.Add(2*time.Second), 2)
	require.NoError(t, err)
	e.Update(snap)
	assert.Equal(t, 3e6, e.Volume("BTC"))

	assert.Zero(t, e.Volume("SOL"))
}
