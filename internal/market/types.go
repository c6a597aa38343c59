package market

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ConnState describes the health of an external dependency connection.
type ConnState int32

const (
	Connected ConnState = iota
	Degraded
	Offline
)

func (s ConnState) String() string {
	switch s {
	case Connected:
		return "CONNECTED"
	case Degraded:
		return "DEGRADED"
	case Offline:
		return "OFFLINE"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}

// Side is the direction of an order or intent.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Snapshot is one normalized price/volume observation for a symbol at a
// venue. Immutable once produced.
type Snapshot struct {
	Symbol    string
	Venue     string
	Price     float64
	Volume    float64
	Timestamp time.Time
	Sequence  uint64
}

// NewSnapshot validates and builds a Snapshot.
func NewSnapshot(symbol, venue string, price, volume float64, ts time.Time, seq uint64) (Snapshot, error) {
	if symbol == "" {
		return Snapshot{}, fmt.Errorf("snapshot symbol cannot be empty")
	}
	if venue == "" {
		return Snapshot{}, fmt.Errorf("snapshot venue cannot be empty")
	}
	if price <= 0 {
		return Snapshot{}, fmt.Errorf("snapshot price must be positive, got %v", price)
	}
	if volume < 0 {
		return Snapshot{}, fmt.Errorf("snapshot volume cannot be negative, got %v", volume)
	}
	if ts.IsZero() {
		return Snapshot{}, fmt.Errorf("snapshot timestamp cannot be zero")
	}
	return Snapshot{
		Symbol:    symbol,
		Venue:     venue,
		Price:     price,
		Volume:    volume,
		Timestamp: ts,
		Sequence:  seq,
	}, nil
}

// Ticker is the raw fetch result from a venue, already converted to
// canonical units by the venue client.
type Ticker struct {
	Price     float64
	Volume    float64
	Timestamp time.Time
}

// Pair is an unordered combination of two symbols. The constructor stores
// the symbols in canonical order so Pair{"BTC","ETH"} and Pair{"ETH","BTC"}
// compare equal and share one key.
type Pair struct {
	A string
	B string
}

// NewPair validates and canonicalizes a symbol pair.
func NewPair(a, b string) (Pair, error) {
	if a == "" || b == "" {
		return Pair{}, fmt.Errorf("pair symbols cannot be empty")
	}
	if a == b {
		return Pair{}, fmt.Errorf("pair symbols must differ, got %q twice", a)
	}
	if a > b {
		a, b = b, a
	}
	return Pair{A: a, B: b}, nil
}

// Key returns the canonical string form, e.g. "BTC-ETH".
func (p Pair) Key() string {
	return p.A + "-" + p.B
}

// Has reports whether the pair contains the symbol.
func (p Pair) Has(symbol string) bool {
	return p.A == symbol || p.B == symbol
}

// Other returns the pair's other symbol.
func (p Pair) Other(symbol string) string {
	if p.A == symbol {
		return p.B
	}
	return p.A
}

// TradeIntent is a proposed, not-yet-approved trade for a pair. The risk
// manager may resize or reject it.
type TradeIntent struct {
	Pair       Pair
	Symbol     string // leg being traded
	Venue      string
	Direction  Side
	Size       float64
	Confidence float64
	Weight     float64 // strategy weight that generated the intent
	Timestamp  time.Time
}

// NewTradeIntent validates and builds a TradeIntent.
func NewTradeIntent(pair Pair, symbol, venue string, dir Side, size, confidence, weight float64, ts time.Time) (TradeIntent, error) {
	if !pair.Has(symbol) {
		return TradeIntent{}, fmt.Errorf("intent symbol %q is not part of pair %s", symbol, pair.Key())
	}
	if dir != SideBuy && dir != SideSell {
		return TradeIntent{}, fmt.Errorf("intent direction must be BUY or SELL, got %q", dir)
	}
	if size <= 0 {
		return TradeIntent{}, fmt.Errorf("intent size must be positive, got %v", size)
	}
	if confidence < 0 || confidence > 1 {
		return TradeIntent{}, fmt.Errorf("intent confidence must be in [0,1], got %v", confidence)
	}
	return TradeIntent{
		Pair:       pair,
		Symbol:     symbol,
		Venue:      venue,
		Direction:  dir,
		Size:       size,
		Confidence: confidence,
		Weight:     weight,
		Timestamp:  ts,
	}, nil
}

// ApprovedOrder is a risk-approved order ready for submission. Terminal
// once a fill or definitive rejection is recorded. Quantity and Price use
// decimal arithmetic on the execution path; Price zero means market.
type ApprovedOrder struct {
	IdempotencyKey string
	Pair           Pair
	Symbol         string
	Venue          string
	Side           Side
	Quantity       decimal.Decimal
	Price          decimal.Decimal
	Market         bool
	CreatedAt      time.Time
}

// NewApprovedOrder validates and builds an ApprovedOrder with a fresh
// idempotency key.
func NewApprovedOrder(pair Pair, symbol, venue string, side Side, qty, price decimal.Decimal, market bool, ts time.Time) (ApprovedOrder, error) {
	if !pair.Has(symbol) {
		return ApprovedOrder{}, fmt.Errorf("order symbol %q is not part of pair %s", symbol, pair.Key())
	}
	if side != SideBuy && side != SideSell {
		return ApprovedOrder{}, fmt.Errorf("order side must be BUY or SELL, got %q", side)
	}
	if !qty.IsPositive() {
		return ApprovedOrder{}, fmt.Errorf("order quantity must be positive, got %s", qty)
	}
	if !market && !price.IsPositive() {
		return ApprovedOrder{}, fmt.Errorf("limit order price must be positive, got %s", price)
	}
	return ApprovedOrder{
		IdempotencyKey: uuid.New().String(),
		Pair:           pair,
		Symbol:         symbol,
		Venue:          venue,
		Side:           side,
		Quantity:       qty,
		Price:          price,
		Market:         market,
		CreatedAt:      ts,
	}, nil
}

// Fill is an executed quantity reported back by a venue, matched to its
// order by idempotency key.
type Fill struct {
	IdempotencyKey string
	Symbol         string
	Venue          string
	Quantity       decimal.Decimal
	Price          decimal.Decimal
	Timestamp      time.Time
	RealizedPnL    decimal.Decimal
}

// NewFill validates and builds a Fill.
func NewFill(key, symbol, venue string, qty, price decimal.Decimal, ts time.Time, pnl decimal.Decimal) (Fill, error) {
	if key == "" {
		return Fill{}, fmt.Errorf("fill idempotency key cannot be empty")
	}
	if !qty.IsPositive() {
		return Fill{}, fmt.Errorf("fill quantity must be positive, got %s", qty)
	}
	if !price.IsPositive() {
		return Fill{}, fmt.Errorf("fill price must be positive, got %s", price)
	}
	return Fill{
		IdempotencyKey: key,
		Symbol:         symbol,
		Venue:          venue,
		Quantity:       qty,
		Price:          price,
		Timestamp:      ts,
		RealizedPnL:    pnl,
	}, nil
}

// RiskLimits is the process-wide risk configuration. Read-only after load.
type RiskLimits struct {
	MaxPositionSize float64
	RiskPerTrade    float64
	MaxCorrelation  float64
	MinVolume       float64
	MinOrderSize    float64
}

// Validate rejects out-of-range limit values.
func (l RiskLimits) Validate() error {
	if l.MaxPositionSize <= 0 {
		return fmt.Errorf("max position size must be positive, got %v", l.MaxPositionSize)
	}
	if l.RiskPerTrade <= 0 || l.RiskPerTrade > 1 {
		return fmt.Errorf("risk per trade must be in (0,1], got %v", l.RiskPerTrade)
	}
	if l.MaxCorrelation < 0 || l.MaxCorrelation > 1 {
		return fmt.Errorf("max correlation threshold must be in [0,1], got %v", l.MaxCorrelation)
	}
	if l.MinVolume < 0 {
		return fmt.Errorf("min volume threshold cannot be negative, got %v", l.MinVolume)
	}
	if l.MinOrderSize < 0 {
		return fmt.Errorf("min order size cannot be negative, got %v", l.MinOrderSize)
	}
	return nil
}
