package risk

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/acth/cross-asset-engine/internal/market"
)

type position struct {
	qty      decimal.Decimal // signed base quantity
	avgPrice decimal.Decimal
	reserved decimal.Decimal // signed notional approved but not yet filled
}

// Book tracks per-symbol exposure. It is the one piece of mutable shared
// state that demands strict mutual exclusion: approval decisions reserve
// exposure inside the same critical section that reads it, so concurrent
// proposals cannot jointly exceed a limit.
type Book struct {
	mu        sync.Mutex
	positions map[string]*position
}

// NewBook creates an empty position book.
func NewBook() *Book {
	return &Book{positions: make(map[string]*position)}
}

func (b *Book) pos(symbol string) *position {
	p, ok := b.positions[symbol]
	if !ok {
		p = &position{}
		b.positions[symbol] = p
	}
	return p
}

// signedNotional returns the order's notional with buy positive, sell
// negative.
func signedNotional(side market.Side, notional decimal.Decimal) decimal.Decimal {
	if side == market.SideSell {
		return notional.Neg()
	}
	return notional
}

// Exposure returns the symbol's current absolute notional exposure
// including reservations.
func (b *Book) Exposure(symbol string) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exposureLocked(symbol)
}

func (b *Book) exposureLocked(symbol string) decimal.Decimal {
	p, ok := b.positions[symbol]
	if !ok {
		return decimal.Zero
	}
	return p.qty.Mul(p.avgPrice).Add(p.reserved).Abs()
}

// Reserve atomically checks that adding the order's notional keeps the
// symbol's exposure within maxExposure and records the reservation. It
// returns the projected exposure and whether the reservation was taken.
func (b *Book) Reserve(symbol string, side market.Side, notional, maxExposure decimal.Decimal) (decimal.Decimal, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := b.pos(symbol)
	current := p.qty.Mul(p.avgPrice).Add(p.reserved)
	projected := current.Add(signedNotional(side, notional)).Abs()
	if projected.GreaterThan(maxExposure) {
		return projected, false
	}
	p.reserved = p.reserved.Add(signedNotional(side, notional))
	return projected, true
}

// Headroom returns how much notional an order on the given side could add
// before the symbol's exposure exceeds maxExposure. Used for resizing.
func (b *Book) Headroom(symbol string, side market.Side, maxExposure decimal.Decimal) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := b.pos(symbol)
	current := p.qty.Mul(p.avgPrice).Add(p.reserved)
	if side == market.SideSell {
		current = current.Neg()
	}
	head := maxExposure.Sub(current)
	if head.IsNegative() {
		return decimal.Zero
	}
	return head
}

// Release drops a reservation after a terminal non-fill outcome (rejection
// or timed-out-unknown resolved manually).
func (b *Book) Release(symbol string, side market.Side, notional decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.pos(symbol)
	p.reserved = p.reserved.Sub(signedNotional(side, notional))
}

// ApplyFill converts a reservation into position, updating the average
// entry price, and returns the realized PnL contribution (average-cost
// accounting: reducing a position realizes the price difference on the
// reduced quantity). The reservation was taken at reservePrice, so the
// release is qty at that price, not at the fill price: a market order
// filled away from the reference price must not leave a residual
// reservation behind. Partial fills release their fraction.
func (b *Book) ApplyFill(symbol string, side market.Side, qty, price, reservePrice decimal.Decimal) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := b.pos(symbol)
	notional := qty.Mul(price)
	p.reserved = p.reserved.Sub(signedNotional(side, qty.Mul(reservePrice)))

	signedQty := qty
	if side == market.SideSell {
		signedQty = qty.Neg()
	}

	realized := decimal.Zero
	switch {
	case p.qty.IsZero() || p.qty.Sign() == signedQty.Sign():
		// Extending: new average entry price, nothing realized.
		total := p.qty.Abs().Mul(p.avgPrice).Add(notional)
		p.qty = p.qty.Add(signedQty)
		if !p.qty.IsZero() {
			p.avgPrice = total.Div(p.qty.Abs())
		}
	default:
		reduce := decimal.Min(p.qty.Abs(), qty)
		diff := price.Sub(p.avgPrice)
		if p.qty.Sign() < 0 {
			diff = diff.Neg()
		}
		realized = diff.Mul(reduce)
		p.qty = p.qty.Add(signedQty)
		if p.qty.IsZero() {
			p.avgPrice = decimal.Zero
		} else if p.qty.Sign() == signedQty.Sign() {
			// Flipped through zero: remainder opens at the fill price.
			p.avgPrice = price
		}
	}
	return realized
}

// Positions returns a copy of current signed base quantities per symbol.
func (b *Book) Positions() map[string]decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(b.positions))
	for symbol, p := range b.positions {
		if !p.qty.IsZero() {
			out[symbol] = p.qty
		}
	}
	return out
}
