package journal

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/acth/cross-asset-engine/internal/exec"
	"github.com/acth/cross-asset-engine/internal/market"
)

func openTestOutbox(t *testing.T) *Outbox {
	t.Helper()
	o, err := OpenOutbox(filepath.Join(t.TempDir(), "journal.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { o.Close() })
	return o
}

func testOutboxOrder(t *testing.T) market.ApprovedOrder {
	t.Helper()
	pair, err := market.NewPair("BTC", "ETH")
	require.NoError(t, err)
	order, err := market.NewApprovedOrder(pair, "BTC", "paper", market.SideBuy,
		decimal.NewFromFloat(0.04), decimal.NewFromInt(50000), false, time.Now())
	require.NoError(t, err)
	return order
}

// capture collects publishes in order; failAt > 0 fails the nth call.
type capture struct {
	mu     sync.Mutex
	keys   []string
	topics []string
	failAt int
	calls  int
}

func (c *capture) publish(_ context.Context, topic, key string, _ []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.failAt > 0 && c.calls == c.failAt {
		return errors.New("broker unavailable")
	}
	c.topics = append(c.topics, topic)
	c.keys = append(c.keys, key)
	return nil
}

func TestOutboxDrainsInInsertionOrder(t *testing.T) {
	o := openTestOutbox(t)
	ctx := context.Background()

	order := testOutboxOrder(t)
	for i := 1; i <= 3; i++ {
		order.IdempotencyKey = fmt.Sprintf("key-%d", i)
		require.NoError(t, o.OrderEvent(ctx, order, exec.OutcomeAccepted, ""))
	}

	pub := &capture{}
	require.NoError(t, o.drainOnce(ctx, pub.publish))

	assert.Equal(t, []string{"key-1", "key-2", "key-3"}, pub.keys,
		"events must reach the broker in insertion order")
	assert.Equal(t, []string{TopicOrders, TopicOrders, TopicOrders}, pub.topics)

	pending, err := o.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pending, "published events must not be re-delivered")
}

func TestOutboxMixedTopics(t *testing.T) {
	o := openTestOutbox(t)
	ctx := context.Background()

	order := testOutboxOrder(t)
	require.NoError(t, o.OrderEvent(ctx, order, exec.OutcomeRejected, "thin volume"))

	fill, err := market.NewFill(order.IdempotencyKey, "BTC", "paper",
		decimal.NewFromFloat(0.04), decimal.NewFromInt(50000), time.Now(), decimal.Zero)
	require.NoError(t, err)
	require.NoError(t, o.FillEvent(ctx, fill, order.Pair.Key()))
	require.NoError(t, o.AnomalyEvent(ctx, fill, "no matching submission"))

	pub := &capture{}
	require.NoError(t, o.drainOnce(ctx, pub.publish))
	assert.Equal(t, []string{TopicOrders, TopicFills, TopicAnomalies}, pub.topics)
}

func TestOutboxRetainsEventsPastPublishFailure(t *testing.T) {
	o := openTestOutbox(t)
	ctx := context.Background()

	order := testOutboxOrder(t)
	for i := 1; i <= 3; i++ {
		order.IdempotencyKey = fmt.Sprintf("key-%d", i)
		require.NoError(t, o.OrderEvent(ctx, order, exec.OutcomeAccepted, ""))
	}

	// Second publish fails: the first event is marked published, the rest
	// stay pending for the next drain.
	pub := &capture{failAt: 2}
	err := o.drainOnce(ctx, pub.publish)
	require.Error(t, err)
	assert.Equal(t, []string{"key-1"}, pub.keys)

	pending, err := o.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)

	// Next drain picks up where the failure left off.
	pub2 := &capture{}
	require.NoError(t, o.drainOnce(ctx, pub2.publish))
	assert.Equal(t, []string{"key-2", "key-3"}, pub2.keys)
}

func TestOutboxSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.db")
	ctx := context.Background()

	o, err := OpenOutbox(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, o.OrderEvent(ctx, testOutboxOrder(t), exec.OutcomeAccepted, ""))
	require.NoError(t, o.Close())

	reopened, err := OpenOutbox(path, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	pending, err := reopened.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending, "unpublished events must survive a restart")
}

func TestOutboxRunDrainsOnNotify(t *testing.T) {
	o := openTestOutbox(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pub := &capture{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		o.Run(ctx, pub.publish)
	}()

	require.NoError(t, o.OrderEvent(ctx, testOutboxOrder(t), exec.OutcomeAccepted, ""))

	require.Eventually(t, func() bool {
		pending, err := o.Pending(context.Background())
		return err == nil && pending == 0
	}, 3*time.Second, 10*time.Millisecond, "Run should drain the enqueued event")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on context cancellation")
	}
}
