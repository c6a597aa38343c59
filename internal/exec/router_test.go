package exec

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/acth/cross-asset-engine/internal/backoff"
	"github.com/acth/cross-asset-engine/internal/market"
	"github.com/acth/cross-asset-engine/internal/risk"
	"github.com/acth/cross-asset-engine/internal/venue"
	"github.com/acth/cross-asset-engine/internal/venue/fake"
)

type staticView struct{}

func (staticView) Correlation(a, b string) (float64, bool) { return 0.3, true }
func (staticView) Volume(symbol string) float64            { return 2e6 }

type recordedOutcome struct {
	pair market.Pair
	fill market.Fill
}

type fakeRecorder struct {
	mu       sync.Mutex
	outcomes []recordedOutcome
}

func (r *fakeRecorder) RecordOutcome(pair market.Pair, fill market.Fill) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, recordedOutcome{pair: pair, fill: fill})
}

func (r *fakeRecorder) all() []recordedOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedOutcome(nil), r.outcomes...)
}

type sinkEvent struct {
	kind    string
	outcome Outcome
	detail  string
}

type fakeSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

func (s *fakeSink) OrderEvent(_ context.Context, _ market.ApprovedOrder, outcome Outcome, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sinkEvent{kind: "order", outcome: outcome, detail: reason})
	return nil
}

func (s *fakeSink) FillEvent(_ context.Context, _ market.Fill, pairKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sinkEvent{kind: "fill", detail: pairKey})
	return nil
}

func (s *fakeSink) AnomalyEvent(_ context.Context, _ market.Fill, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sinkEvent{kind: "anomaly", detail: detail})
	return nil
}

func (s *fakeSink) byKind(kind string) []sinkEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sinkEvent
	for _, e := range s.events {
		if e.kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type routerFixture struct {
	router   *Router
	venue    *fake.Venue
	ledger   *Ledger
	riskMgr  *risk.Manager
	recorder *fakeRecorder
	sink     *fakeSink
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()

	v := fake.New("test", nil)
	ledger := openTestLedger(t)
	limits := market.RiskLimits{
		MaxPositionSize: 10000,
		RiskPerTrade:    0.02,
		MaxCorrelation:  0.85,
		MinVolume:       1e6,
		MinOrderSize:    10,
	}
	riskMgr, err := risk.NewManager(limits, staticView{}, risk.NewBook(), zap.NewNop())
	require.NoError(t, err)

	recorder := &fakeRecorder{}
	sink := &fakeSink{}
	policy := backoff.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	router, err := NewRouter([]venue.Client{v}, ledger, riskMgr, recorder, nil, sink, policy, zap.NewNop())
	require.NoError(t, err)

	return &routerFixture{
		router:   router,
		venue:    v,
		ledger:   ledger,
		riskMgr:  riskMgr,
		recorder: recorder,
		sink:     sink,
	}
}

// approve runs a buy intent through the risk manager so the order carries a
// live reservation, matching the production submission path.
func (f *routerFixture) approve(t *testing.T, dir market.Side) market.ApprovedOrder {
	t.Helper()
	pair, err := market.NewPair("BTC", "ETH")
	require.NoError(t, err)
	intent, err := market.NewTradeIntent(pair, "BTC", "test", dir, 6000, 0.6, 0.6, time.Now())
	require.NoError(t, err)
	order, err := f.riskMgr.Evaluate(intent, 50000, 100000)
	require.NoError(t, err)
	return order
}

func TestSubmitAccepted(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	order := f.approve(t, market.SideBuy)

	outcome, err := f.router.Submit(ctx, order)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, outcome)

	entry, err := f.ledger.Get(ctx, order.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, entry.Status)
	assert.NotEmpty(t, entry.VenueOrderID)

	require.Len(t, f.venue.Orders(), 1)
	events := f.sink.byKind("order")
	require.Len(t, events, 1)
	assert.Equal(t, OutcomeAccepted, events[0].outcome)
}

func TestSubmitSameOrderTwiceIsDuplicate(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	order := f.approve(t, market.SideBuy)

	outcome, err := f.router.Submit(ctx, order)
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, outcome)

	outcome, err = f.router.Submit(ctx, order)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	assert.Len(t, f.venue.Orders(), 1, "the venue must see the order once")
}

func TestSubmitRetriesTransientFailures(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	order := f.approve(t, market.SideBuy)

	f.venue.QueueSubmitErrors(venue.ErrUnavailable, venue.ErrRateLimited)

	outcome, err := f.router.Submit(ctx, order)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, outcome, "two transient failures fit inside three attempts")
	assert.Len(t, f.venue.Orders(), 1)
}

func TestSubmitRejectionIsTerminalAndReleasesReservation(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	order := f.approve(t, market.SideBuy)
	require.True(t, f.riskMgr.Book().Exposure("BTC").IsPositive())

	f.venue.QueueSubmitErrors(venue.ErrRejected)

	outcome, err := f.router.Submit(ctx, order)
	require.ErrorIs(t, err, venue.ErrRejected)
	assert.Equal(t, OutcomeRejected, outcome)
	assert.Empty(t, f.venue.Orders(), "rejections must not be retried")

	entry, lerr := f.ledger.Get(ctx, order.IdempotencyKey)
	require.NoError(t, lerr)
	assert.Equal(t, StatusRejected, entry.Status)

	assert.True(t, f.riskMgr.Book().Exposure("BTC").IsZero(),
		"a definitive rejection returns the reserved exposure")
}

func TestSubmitExhaustionIsTimedOutUnknown(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	order := f.approve(t, market.SideBuy)

	f.venue.QueueSubmitErrors(venue.ErrUnavailable, venue.ErrUnavailable, venue.ErrUnavailable)

	outcome, err := f.router.Submit(ctx, order)
	require.Error(t, err)
	assert.Equal(t, OutcomeTimedOutUnknown, outcome)

	// The venue may have accepted an attempt we never heard back about, so
	// the reservation is kept and the entry is queued for reconciliation.
	assert.True(t, f.riskMgr.Book().Exposure("BTC").IsPositive())

	unresolved, err := f.ledger.Unresolved(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unresolved, 1)
	assert.Equal(t, order.IdempotencyKey, unresolved[0].IdempotencyKey)
}

func TestSubmitUnknownVenue(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	pair, err := market.NewPair("BTC", "ETH")
	require.NoError(t, err)
	order, err := market.NewApprovedOrder(pair, "BTC", "nowhere", market.SideBuy,
		decimal.NewFromFloat(0.04), decimal.NewFromInt(50000), true, time.Now())
	require.NoError(t, err)

	outcome, err := f.router.Submit(ctx, order)
	require.Error(t, err)
	assert.Equal(t, OutcomeRejected, outcome)
}

func TestReconcileMatchedFillRealizesPnL(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	// Seed a long 0.04 BTC @ 50000, then sell it at 55000.
	book := f.riskMgr.Book()
	_, ok := book.Reserve("BTC", market.SideBuy, decimal.NewFromInt(2000), decimal.NewFromInt(10000))
	require.True(t, ok)
	book.ApplyFill("BTC", market.SideBuy, decimal.NewFromFloat(0.04), decimal.NewFromInt(50000), decimal.NewFromInt(50000))

	order := f.approve(t, market.SideSell)
	outcome, err := f.router.Submit(ctx, order)
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, outcome)

	fill, err := market.NewFill(order.IdempotencyKey, "BTC", "test",
		order.Quantity, decimal.NewFromInt(55000), time.Now(), decimal.Zero)
	require.NoError(t, err)
	require.NoError(t, f.router.Reconcile(ctx, fill))

	outcomes := f.recorder.all()
	require.Len(t, outcomes, 1)
	assert.Equal(t, "BTC-ETH", outcomes[0].pair.Key())
	// (55000 - 50000) * 0.04 = 200
	assert.True(t, outcomes[0].fill.RealizedPnL.Equal(decimal.NewFromInt(200)),
		"got %s", outcomes[0].fill.RealizedPnL)

	entry, err := f.ledger.Get(ctx, order.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, entry.Status)

	fills := f.sink.byKind("fill")
	require.Len(t, fills, 1)
	assert.Equal(t, "BTC-ETH", fills[0].detail)
}

func TestReconcileReplayedFillIsIgnored(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	order := f.approve(t, market.SideBuy)

	outcome, err := f.router.Submit(ctx, order)
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, outcome)

	fill, err := market.NewFill(order.IdempotencyKey, "BTC", "test",
		order.Quantity, decimal.NewFromInt(55000), time.Now(), decimal.Zero)
	require.NoError(t, err)
	require.NoError(t, f.router.Reconcile(ctx, fill))

	book := f.riskMgr.Book()
	position := book.Positions()["BTC"]
	exposure := book.Exposure("BTC")

	// Venue streams replay execution reports after a reconnect. The second
	// delivery must leave the book, strategy and journal untouched.
	require.NoError(t, f.router.Reconcile(ctx, fill))

	assert.True(t, book.Positions()["BTC"].Equal(position),
		"replayed fill doubled the position: %s", book.Positions()["BTC"])
	assert.True(t, book.Exposure("BTC").Equal(exposure),
		"replayed fill moved exposure: %s", book.Exposure("BTC"))
	assert.Len(t, f.recorder.all(), 1, "strategy saw the fill twice")
	assert.Len(t, f.sink.byKind("fill"), 1, "journal saw the fill twice")
}

func TestReconcileFillAwayFromReferenceClearsReservation(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	order := f.approve(t, market.SideBuy)

	outcome, err := f.router.Submit(ctx, order)
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, outcome)

	// The market moved between approval and execution: reserved at 50000,
	// filled at 55000. The release must match the reservation, not the fill.
	fill, err := market.NewFill(order.IdempotencyKey, "BTC", "test",
		order.Quantity, decimal.NewFromInt(55000), time.Now(), decimal.Zero)
	require.NoError(t, err)
	require.NoError(t, f.router.Reconcile(ctx, fill))

	book := f.riskMgr.Book()
	want := order.Quantity.Mul(decimal.NewFromInt(55000))
	assert.True(t, book.Exposure("BTC").Equal(want),
		"exposure %s carries reservation residue, want %s", book.Exposure("BTC"), want)
}

func TestReconcileLedgerFailureIsAnError(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	require.NoError(t, f.ledger.Close())

	fill, err := market.NewFill("some-key", "BTC", "test",
		decimal.NewFromFloat(0.01), decimal.NewFromInt(50000), time.Now(), decimal.Zero)
	require.NoError(t, err)

	require.Error(t, f.router.Reconcile(ctx, fill),
		"a broken ledger is a failure, not an unmatched fill")
	assert.Empty(t, f.sink.byKind("anomaly"),
		"database errors must not masquerade as anomalies")
}

func TestReconcileUnmatchedFillIsAnomalyNotError(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	fill, err := market.NewFill("ghost-key", "BTC", "test",
		decimal.NewFromFloat(0.01), decimal.NewFromInt(50000), time.Now(), decimal.Zero)
	require.NoError(t, err)

	require.NoError(t, f.router.Reconcile(ctx, fill), "anomalies are recorded, not propagated")
	assert.Empty(t, f.recorder.all(), "unmatched fills must not reach the strategy")

	anomalies := f.sink.byKind("anomaly")
	require.Len(t, anomalies, 1)
}

func TestDrainReturnsWhenIdle(t *testing.T) {
	f := newRouterFixture(t)
	assert.True(t, f.router.Drain(100*time.Millisecond))
}
