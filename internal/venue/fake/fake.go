// Package fake provides a deterministic in-memory venue for tests and
// paper-trading mode.
package fake

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/acth/cross-asset-engine/internal/chaos"
	"github.com/acth/cross-asset-engine/internal/market"
	"github.com/acth/cross-asset-engine/internal/venue"
)

// Venue is an in-memory venue.Client. Tickers are set by tests or walked by
// paper mode; orders are deduped by idempotency key exactly like a real
// venue honoring client order IDs.
type Venue struct {
	name  string
	chaos *chaos.Chaos

	mu        sync.Mutex
	tickers   map[string]market.Ticker
	errQueue  []error // consumed first by every FetchTicker call
	submitErr []error // consumed first by every SubmitOrder call
	orders    map[string]market.ApprovedOrder
	autoFill  bool
	seq       int64

	fillsMu sync.Mutex
	fills   []chan market.Fill
}

// New creates a fake venue. A nil chaos disables failure injection.
func New(name string, c *chaos.Chaos) *Venue {
	return &Venue{
		name:    name,
		chaos:   c,
		tickers: make(map[string]market.Ticker),
		orders:  make(map[string]market.ApprovedOrder),
	}
}

// Name implements venue.Client.
func (v *Venue) Name() string { return v.name }

// SetTicker installs the ticker returned for symbol.
func (v *Venue) SetTicker(symbol string, price, volume float64, ts time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tickers[symbol] = market.Ticker{Price: price, Volume: volume, Timestamp: ts}
}

// QueueFetchErrors makes the next FetchTicker calls fail in order with the
// given errors before normal behavior resumes.
func (v *Venue) QueueFetchErrors(errs ...error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.errQueue = append(v.errQueue, errs...)
}

// QueueSubmitErrors makes the next SubmitOrder calls fail in order.
func (v *Venue) QueueSubmitErrors(errs ...error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.submitErr = append(v.submitErr, errs...)
}

// SetAutoFill makes every accepted order produce an immediate full fill at
// the order price (or last ticker price for market orders).
func (v *Venue) SetAutoFill(on bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.autoFill = on
}

// FetchTicker implements venue.Client.
func (v *Venue) FetchTicker(ctx context.Context, symbol string) (market.Ticker, error) {
	if v.chaos != nil {
		if err := v.chaos.MaybeDelay(ctx, v.name, "fetch_ticker"); err != nil {
			return market.Ticker{}, err
		}
		if v.chaos.MaybeRateLimit(v.name, "fetch_ticker") {
			return market.Ticker{}, venue.ErrRateLimited
		}
		if v.chaos.MaybeDrop(v.name, "fetch_ticker") {
			return market.Ticker{}, venue.ErrUnavailable
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.errQueue) > 0 {
		err := v.errQueue[0]
		v.errQueue = v.errQueue[1:]
		return market.Ticker{}, err
	}
	t, ok := v.tickers[symbol]
	if !ok {
		return market.Ticker{}, venue.ErrUnavailable
	}
	return t, nil
}

// SubmitOrder implements venue.Client with idempotency-key dedup.
func (v *Venue) SubmitOrder(ctx context.Context, order market.ApprovedOrder) (venue.Ack, error) {
	if v.chaos != nil {
		if err := v.chaos.MaybeDelay(ctx, v.name, "submit_order"); err != nil {
			return venue.Ack{}, err
		}
		if v.chaos.MaybeDrop(v.name, "submit_order") {
			return venue.Ack{}, venue.ErrUnavailable
		}
	}

	v.mu.Lock()
	if len(v.submitErr) > 0 {
		err := v.submitErr[0]
		v.submitErr = v.submitErr[1:]
		v.mu.Unlock()
		return venue.Ack{}, err
	}
	if _, seen := v.orders[order.IdempotencyKey]; seen {
		v.mu.Unlock()
		return venue.Ack{Duplicate: true}, nil
	}
	v.orders[order.IdempotencyKey] = order
	v.seq++
	id := v.seq
	autoFill := v.autoFill
	price := order.Price
	if order.Market {
		if t, ok := v.tickers[order.Symbol]; ok {
			price = decimal.NewFromFloat(t.Price)
		}
	}
	v.mu.Unlock()

	if autoFill {
		fill, err := market.NewFill(order.IdempotencyKey, order.Symbol, v.name,
			order.Quantity, price, time.Now(), decimal.Zero)
		if err == nil {
			v.EmitFill(fill)
		}
	}
	return venue.Ack{VenueOrderID: "fake-" + strconv.FormatInt(id, 10)}, nil
}

// Orders returns a copy of all accepted orders.
func (v *Venue) Orders() []market.ApprovedOrder {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]market.ApprovedOrder, 0, len(v.orders))
	for _, o := range v.orders {
		out = append(out, o)
	}
	return out
}

// StreamFills implements venue.Client.
func (v *Venue) StreamFills(ctx context.Context) (<-chan market.Fill, error) {
	ch := make(chan market.Fill, 64)
	v.fillsMu.Lock()
	v.fills = append(v.fills, ch)
	v.fillsMu.Unlock()

	go func() {
		<-ctx.Done()
		v.fillsMu.Lock()
		for i, c := range v.fills {
			if c == ch {
				v.fills = append(v.fills[:i], v.fills[i+1:]...)
				break
			}
		}
		v.fillsMu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// EmitFill delivers a fill to every open stream.
func (v *Venue) EmitFill(fill market.Fill) {
	v.fillsMu.Lock()
	defer v.fillsMu.Unlock()
	for _, ch := range v.fills {
		select {
		case ch <- fill:
		default:
		}
	}
}
