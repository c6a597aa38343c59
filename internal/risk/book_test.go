package risk

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acth/cross-asset-engine/internal/market"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestReserveWithinLimit(t *testing.T) {
	b := NewBook()

	projected, ok := b.Reserve("BTC", market.SideBuy, d(4000), d(10000))
	require.True(t, ok)
	assert.True(t, projected.Equal(d(4000)))

	projected, ok = b.Reserve("BTC", market.SideBuy, d(6000), d(10000))
	require.True(t, ok, "exactly at the limit is allowed")
	assert.True(t, projected.Equal(d(10000)))

	_, ok = b.Reserve("BTC", market.SideBuy, d(1), d(10000))
	assert.False(t, ok, "anything past the limit is refused")
}

func TestReserveIsSigned(t *testing.T) {
	b := NewBook()

	_, ok := b.Reserve("BTC", market.SideBuy, d(8000), d(10000))
	require.True(t, ok)

	// A sell offsets the buy reservation, so net exposure shrinks.
	projected, ok := b.Reserve("BTC", market.SideSell, d(5000), d(10000))
	require.True(t, ok)
	assert.True(t, projected.Equal(d(3000)))
}

func TestReleaseRestoresHeadroom(t *testing.T) {
	b := NewBook()

	_, ok := b.Reserve("BTC", market.SideBuy, d(10000), d(10000))
	require.True(t, ok)
	_, ok = b.Reserve("BTC", market.SideBuy, d(100), d(10000))
	require.False(t, ok)

	b.Release("BTC", market.SideBuy, d(10000))
	_, ok = b.Reserve("BTC", market.SideBuy, d(100), d(10000))
	assert.True(t, ok)
}

func TestHeadroom(t *testing.T) {
	b := NewBook()

	assert.True(t, b.Headroom("BTC", market.SideBuy, d(10000)).Equal(d(10000)))

	_, ok := b.Reserve("BTC", market.SideBuy, d(7000), d(10000))
	require.True(t, ok)
	assert.True(t, b.Headroom("BTC", market.SideBuy, d(10000)).Equal(d(3000)))

	// The opposite side has more room because it nets against the long.
	assert.True(t, b.Headroom("BTC", market.SideSell, d(10000)).Equal(d(17000)))
}

func TestConcurrentReservationsNeverExceedLimit(t *testing.T) {
	b := NewBook()
	maxExposure := d(10000)

	var wg sync.WaitGroup
	granted := make(chan decimal.Decimal, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := b.Reserve("BTC", market.SideBuy, d(500), maxExposure); ok {
				granted <- d(500)
			}
		}()
	}
	wg.Wait()
	close(granted)

	total := decimal.Zero
	for n := range granted {
		total = total.Add(n)
	}
	assert.True(t, total.LessThanOrEqual(maxExposure),
		"granted reservations sum to %s, limit %s", total, maxExposure)
	assert.True(t, total.Equal(d(10000)), "all available headroom should be granted")
}

func TestApplyFillExtendsPosition(t *testing.T) {
	b := NewBook()

	_, ok := b.Reserve("BTC", market.SideBuy, d(5000), d(100000))
	require.True(t, ok)
	realized := b.ApplyFill("BTC", market.SideBuy, d(0.1), d(50000), d(50000))
	assert.True(t, realized.IsZero(), "extending a position realizes nothing")

	// Averaging: 0.1 @ 50000 then 0.1 @ 60000 -> avg 55000.
	_, ok = b.Reserve("BTC", market.SideBuy, d(6000), d(100000))
	require.True(t, ok)
	realized = b.ApplyFill("BTC", market.SideBuy, d(0.1), d(60000), d(60000))
	assert.True(t, realized.IsZero())

	positions := b.Positions()
	require.Contains(t, positions, "BTC")
	assert.True(t, positions["BTC"].Equal(d(0.2)))
	assert.True(t, b.Exposure("BTC").Equal(d(11000)),
		"fills convert reservations into position exposure")
}

func TestApplyFillReleasesAtReservationPrice(t *testing.T) {
	b := NewBook()

	// Reserve 0.04 @ 50000, then fill 0.04 at 55000. Releasing at the fill
	// price would leave a -200 reservation behind forever.
	_, ok := b.Reserve("BTC", market.SideBuy, d(2000), d(100000))
	require.True(t, ok)
	b.ApplyFill("BTC", market.SideBuy, d(0.04), d(55000), d(50000))

	assert.True(t, b.Exposure("BTC").Equal(d(2200)),
		"exposure %s should be the position notional alone", b.Exposure("BTC"))
}

func TestApplyFillRealizesOnReduce(t *testing.T) {
	b := NewBook()

	b.ApplyFill("BTC", market.SideBuy, d(0.2), d(50000), d(50000))

	// Sell half at a higher price: realize (55000-50000)*0.1 = 500.
	realized := b.ApplyFill("BTC", market.SideSell, d(0.1), d(55000), d(55000))
	assert.True(t, realized.Equal(d(500)), "got %s", realized)

	// Sell the rest at a loss: realize (45000-50000)*0.1 = -500.
	realized = b.ApplyFill("BTC", market.SideSell, d(0.1), d(45000), d(45000))
	assert.True(t, realized.Equal(d(-500)), "got %s", realized)
	assert.Empty(t, b.Positions(), "flat positions drop out")
}

func TestApplyFillShortSide(t *testing.T) {
	b := NewBook()

	b.ApplyFill("ETH", market.SideSell, d(1), d(3000), d(3000))

	// Covering a short below entry is a gain: (3000-2900)*1 = 100.
	realized := b.ApplyFill("ETH", market.SideBuy, d(1), d(2900), d(2900))
	assert.True(t, realized.Equal(d(100)), "got %s", realized)
}

func TestApplyFillFlipsThroughZero(t *testing.T) {
	b := NewBook()

	b.ApplyFill("BTC", market.SideBuy, d(0.1), d(50000), d(50000))

	// Sell 0.3: close 0.1 (realizing) and open a 0.2 short at the fill
	// price.
	realized := b.ApplyFill("BTC", market.SideSell, d(0.3), d(52000), d(52000))
	assert.True(t, realized.Equal(d(200)), "got %s", realized)

	positions := b.Positions()
	require.Contains(t, positions, "BTC")
	assert.True(t, positions["BTC"].Equal(d(-0.2)))

	// The short's entry is the flip price.
	realized = b.ApplyFill("BTC", market.SideBuy, d(0.2), d(51000), d(51000))
	assert.True(t, realized.Equal(d(200)), "cover 0.2 @ 51000 from 52000 entry, got %s", realized)
}
