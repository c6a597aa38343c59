// Package risk gatekeeps trade intents against process-wide exposure
// limits before anything becomes an order.
package risk

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/acth/cross-asset-engine/internal/market"
)

// Reason codes for rejections.
type Reason string

const (
	ReasonCorrelation Reason = "CORRELATION_LIMIT"
	ReasonVolume      Reason = "MIN_VOLUME"
	ReasonExposure    Reason = "MAX_EXPOSURE"
	ReasonRiskBudget  Reason = "RISK_BUDGET"
	ReasonBelowMin    Reason = "BELOW_MIN_SIZE"
)

// Rejection is a business "no" under current limits. Never retried.
type Rejection struct {
	Reason Reason
	Detail string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("risk violation %s: %s", r.Reason, r.Detail)
}

// MarketView is what the risk manager re-checks at evaluation time, so
// decisions never ride on a stale proposal-time correlation.
type MarketView interface {
	Correlation(a, b string) (float64, bool)
	Volume(symbol string) float64
}

// Manager enforces RiskLimits. Limits are read-only after construction.
type Manager struct {
	limits market.RiskLimits
	view   MarketView
	book   *Book
	logger *zap.Logger
}

// NewManager creates a risk manager.
func NewManager(limits market.RiskLimits, view MarketView, book *Book, logger *zap.Logger) (*Manager, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	if view == nil || book == nil {
		return nil, fmt.Errorf("risk manager needs a market view and a position book")
	}
	return &Manager{limits: limits, view: view, book: book, logger: logger}, nil
}

// Limits returns the process-wide limits.
func (m *Manager) Limits() market.RiskLimits { return m.limits }

// Book returns the position book shared with the execution router.
func (m *Manager) Book() *Book { return m.book }

// Evaluate runs the ordered checks (correlation, volume, exposure, risk
// budget), short-circuiting on the first failure. An intent that exceeds a
// limit is shrunk to fit when the shrunk size stays meaningful; otherwise
// it is rejected with a reason code. On approval the order's notional is
// reserved in the book, so concurrent evaluations see it.
func (m *Manager) Evaluate(intent market.TradeIntent, refPrice float64, equity float64) (market.ApprovedOrder, error) {
	// (a) correlation, re-verified now.
	coef, ok := m.view.Correlation(intent.Pair.A, intent.Pair.B)
	if !ok {
		return market.ApprovedOrder{}, &Rejection{
			Reason: ReasonCorrelation,
			Detail: fmt.Sprintf("correlation for %s unavailable", intent.Pair.Key()),
		}
	}
	if math.Abs(coef) >= m.limits.MaxCorrelation {
		return market.ApprovedOrder{}, &Rejection{
			Reason: ReasonCorrelation,
			Detail: fmt.Sprintf("|%.4f| >= %.4f for %s", coef, m.limits.MaxCorrelation, intent.Pair.Key()),
		}
	}

	// (b) minimum volume on both legs.
	for _, symbol := range []string{intent.Pair.A, intent.Pair.B} {
		if v := m.view.Volume(symbol); v < m.limits.MinVolume {
			return market.ApprovedOrder{}, &Rejection{
				Reason: ReasonVolume,
				Detail: fmt.Sprintf("%s volume %.0f below %.0f", symbol, v, m.limits.MinVolume),
			}
		}
	}

	if refPrice <= 0 {
		return market.ApprovedOrder{}, fmt.Errorf("reference price must be positive, got %v", refPrice)
	}

	// (d)-precheck: risk budget caps the notional before exposure is
	// reserved, so the reservation reflects the final size.
	size := intent.Size
	budget := m.limits.RiskPerTrade * equity
	if size > budget {
		size = budget
	}
	if size < m.limits.MinOrderSize {
		return market.ApprovedOrder{}, &Rejection{
			Reason: ReasonRiskBudget,
			Detail: fmt.Sprintf("budget %.2f leaves size below minimum %.2f", budget, m.limits.MinOrderSize),
		}
	}

	// (c) aggregate exposure, atomically reserved.
	notional := decimal.NewFromFloat(size)
	maxExposure := decimal.NewFromFloat(m.limits.MaxPositionSize)
	if _, ok := m.book.Reserve(intent.Symbol, intent.Direction, notional, maxExposure); !ok {
		head := m.book.Headroom(intent.Symbol, intent.Direction, maxExposure)
		minSize := decimal.NewFromFloat(m.limits.MinOrderSize)
		if head.LessThan(minSize) {
			return market.ApprovedOrder{}, &Rejection{
				Reason: ReasonExposure,
				Detail: fmt.Sprintf("%s exposure headroom %s below minimum %s", intent.Symbol, head, minSize),
			}
		}
		notional = head
		if _, ok := m.book.Reserve(intent.Symbol, intent.Direction, notional, maxExposure); !ok {
			// A concurrent approval consumed the headroom between the two
			// calls.
			return market.ApprovedOrder{}, &Rejection{
				Reason: ReasonExposure,
				Detail: fmt.Sprintf("%s exposure headroom consumed concurrently", intent.Symbol),
			}
		}
		m.logger.Info("intent resized to exposure headroom",
			zap.String("pair", intent.Pair.Key()),
			zap.String("notional", notional.String()),
		)
	}

	price := decimal.NewFromFloat(refPrice)
	qty := notional.Div(price).Round(8)
	// Quantity rounding nudges the order notional off the reserved amount.
	// Settle the difference now so the held reservation is exactly
	// qty*price, the value fills and releases are later booked against.
	if residual := notional.Sub(qty.Mul(price)); !residual.IsZero() {
		m.book.Release(intent.Symbol, intent.Direction, residual)
	}
	order, err := market.NewApprovedOrder(intent.Pair, intent.Symbol, intent.Venue, intent.Direction, qty, price, true, time.Now())
	if err != nil {
		m.book.Release(intent.Symbol, intent.Direction, qty.Mul(price))
		return market.ApprovedOrder{}, fmt.Errorf("building order: %w", err)
	}

	m.logger.Info("intent approved",
		zap.String("pair", intent.Pair.Key()),
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.String("quantity", order.Quantity.String()),
		zap.String("idempotency_key", order.IdempotencyKey),
	)
	return order, nil
}

// ReleaseOrder returns an approved order's reserved exposure to the book
// after a terminal non-fill outcome.
func (m *Manager) ReleaseOrder(order market.ApprovedOrder) {
	m.book.Release(order.Symbol, order.Side, order.Quantity.Mul(order.Price))
}
