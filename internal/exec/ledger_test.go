package exec

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acth/cross-asset-engine/internal/market"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := OpenLedger(filepath.Join(t.TempDir(), "orders.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func testOrder(t *testing.T) market.ApprovedOrder {
	t.Helper()
	pair, err := market.NewPair("BTC", "ETH")
	require.NoError(t, err)
	order, err := market.NewApprovedOrder(pair, "BTC", "test", market.SideBuy,
		decimal.NewFromFloat(0.04), decimal.NewFromInt(50000), true, time.Now())
	require.NoError(t, err)
	return order
}

func TestRecordAndGet(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	order := testOrder(t)

	entry, duplicate, err := l.Record(ctx, order)
	require.NoError(t, err)
	assert.False(t, duplicate)
	assert.Equal(t, StatusPending, entry.Status)
	assert.Equal(t, "BTC-ETH", entry.PairKey)
	assert.True(t, entry.Quantity.Equal(order.Quantity))
	assert.True(t, entry.Price.Equal(order.Price))

	got, err := l.Get(ctx, order.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, entry.IdempotencyKey, got.IdempotencyKey)
}

func TestRecordDuplicateKey(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	order := testOrder(t)

	_, duplicate, err := l.Record(ctx, order)
	require.NoError(t, err)
	require.False(t, duplicate)

	entry, duplicate, err := l.Record(ctx, order)
	require.NoError(t, err)
	assert.True(t, duplicate, "same idempotency key must be reported as duplicate")
	assert.Equal(t, order.IdempotencyKey, entry.IdempotencyKey)
}

func TestGetUnknownKey(t *testing.T) {
	l := openTestLedger(t)

	_, err := l.Get(context.Background(), "no-such-key")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, sql.ErrNoRows,
		"callers distinguish not-found from database failure, so the raw driver error must not leak")
}

func TestUpdateStatusAndUnresolved(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	stuck := testOrder(t)
	_, _, err := l.Record(ctx, stuck)
	require.NoError(t, err)
	fine := testOrder(t)
	_, _, err = l.Record(ctx, fine)
	require.NoError(t, err)

	require.NoError(t, l.UpdateStatus(ctx, stuck.IdempotencyKey, StatusTimedOutUnknown, "exhausted 3 attempts", ""))
	require.NoError(t, l.UpdateStatus(ctx, fine.IdempotencyKey, StatusAccepted, "", "venue-1"))

	unresolved, err := l.Unresolved(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unresolved, 1)
	assert.Equal(t, stuck.IdempotencyKey, unresolved[0].IdempotencyKey)
	assert.Equal(t, StatusTimedOutUnknown, unresolved[0].Status)
	assert.Equal(t, "exhausted 3 attempts", unresolved[0].Reason)

	got, err := l.Get(ctx, fine.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, got.Status)
	assert.Equal(t, "venue-1", got.VenueOrderID)
}

func TestLedgerSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orders.db")
	ctx := context.Background()

	l, err := OpenLedger(path)
	require.NoError(t, err)
	order := testOrder(t)
	_, _, err = l.Record(ctx, order)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	reopened, err := OpenLedger(path)
	require.NoError(t, err)
	defer reopened.Close()

	_, duplicate, err := reopened.Record(ctx, order)
	require.NoError(t, err)
	assert.True(t, duplicate, "dedup must survive a restart")
}
