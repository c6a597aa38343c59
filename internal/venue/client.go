// Package venue defines the exchange client capability. The rest of the
// engine depends only on the Client interface, never on a per-venue switch.
package venue

import (
	"context"
	"errors"

	"github.com/acth/cross-asset-engine/internal/market"
)

var (
	// ErrUnavailable means the venue cannot be reached right now. Transient;
	// callers retry with backoff.
	ErrUnavailable = errors.New("venue unavailable")

	// ErrRateLimited means the venue signalled throttling. Transient; callers
	// must back off before retrying, never surface it as fatal.
	ErrRateLimited = errors.New("venue rate limited")

	// ErrRejected is a venue-side business rejection of an order. Terminal,
	// never retried.
	ErrRejected = errors.New("order rejected by venue")
)

// Ack is the venue's acknowledgement of an order submission.
type Ack struct {
	VenueOrderID string
	Duplicate    bool // venue recognized the idempotency key and did nothing
}

// Client is the per-venue exchange capability consumed by the ingestor and
// the execution router. Implementations normalize all prices and volumes to
// canonical units before returning them.
type Client interface {
	// Name returns the venue identifier, e.g. "binance".
	Name() string

	// FetchTicker returns the current price/volume for a canonical symbol.
	// Fails with ErrUnavailable or ErrRateLimited.
	FetchTicker(ctx context.Context, symbol string) (market.Ticker, error)

	// SubmitOrder places an order using its idempotency key as the client
	// order ID, so a retried submission after an unknown outcome is a no-op
	// if the original succeeded.
	SubmitOrder(ctx context.Context, order market.ApprovedOrder) (Ack, error)

	// StreamFills returns a channel of fills for this venue's orders. The
	// stream is restartable: implementations reconnect internally until the
	// context is cancelled, and close the channel only on cancellation.
	StreamFills(ctx context.Context) (<-chan market.Fill, error)
}
