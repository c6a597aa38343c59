// Package binance implements the venue client against the Binance spot API.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/acth/cross-asset-engine/internal/market"
	"github.com/acth/cross-asset-engine/internal/venue"
)

const (
	defaultRESTBase = "https://api.binance.com"
	defaultWSBase   = "wss://stream.binance.com:9443"
)

// Config holds Binance client configuration.
type Config struct {
	APIKey    string
	APISecret string
	RESTBase  string
	WSBase    string
	// SymbolMap maps canonical symbols to venue symbols, e.g. BTC -> BTCUSDT.
	SymbolMap map[string]string
}

// Client talks to Binance. Safe for concurrent use.
type Client struct {
	cfg    Config
	http   *fasthttp.Client
	logger *zap.Logger
}

// New creates a Binance client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if len(cfg.SymbolMap) == 0 {
		return nil, fmt.Errorf("binance symbol map cannot be empty")
	}
	if cfg.RESTBase == "" {
		cfg.RESTBase = defaultRESTBase
	}
	if cfg.WSBase == "" {
		cfg.WSBase = defaultWSBase
	}
	return &Client{
		cfg:    cfg,
		http:   &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second},
		logger: logger,
	}, nil
}

// Name implements venue.Client.
func (c *Client) Name() string { return "binance" }

func (c *Client) venueSymbol(symbol string) (string, error) {
	vs, ok := c.cfg.SymbolMap[symbol]
	if !ok {
		return "", fmt.Errorf("no binance mapping for symbol %q", symbol)
	}
	return vs, nil
}

// FetchTicker implements venue.Client.
func (c *Client) FetchTicker(ctx context.Context, symbol string) (market.Ticker, error) {
	vs, err := c.venueSymbol(symbol)
	if err != nil {
		return market.Ticker{}, err
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.cfg.RESTBase + "/api/v3/ticker/24hr")
	req.Header.SetMethod(fasthttp.MethodGet)
	req.URI().QueryArgs().Set("symbol", vs)

	if err := c.do(ctx, req, resp); err != nil {
		return market.Ticker{}, err
	}
	if err := classifyStatus(resp.StatusCode()); err != nil {
		return market.Ticker{}, err
	}

	body := gjson.ParseBytes(resp.Body())
	price := body.Get("lastPrice").Float()
	// quoteVolume is already in quote-currency units; base volume would need
	// a price conversion to compare against the volume threshold.
	volume := body.Get("quoteVolume").Float()
	closeTime := body.Get("closeTime").Int()
	if price <= 0 {
		return market.Ticker{}, fmt.Errorf("binance returned non-positive price for %s: %w", vs, venue.ErrUnavailable)
	}

	ts := time.UnixMilli(closeTime)
	if closeTime == 0 {
		ts = time.Now()
	}
	return market.Ticker{Price: price, Volume: volume, Timestamp: ts}, nil
}

// SubmitOrder implements venue.Client. The order's idempotency key becomes
// newClientOrderId, which Binance dedups server-side.
func (c *Client) SubmitOrder(ctx context.Context, order market.ApprovedOrder) (venue.Ack, error) {
	vs, err := c.venueSymbol(order.Symbol)
	if err != nil {
		return venue.Ack{}, err
	}

	args := fasthttp.AcquireArgs()
	defer fasthttp.ReleaseArgs(args)
	args.Set("symbol", vs)
	args.Set("side", string(order.Side))
	args.Set("newClientOrderId", order.IdempotencyKey)
	args.Set("quantity", order.Quantity.String())
	if order.Market {
		args.Set("type", "MARKET")
	} else {
		args.Set("type", "LIMIT")
		args.Set("timeInForce", "GTC")
		args.Set("price", order.Price.String())
	}
	args.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	args.Set("signature", c.sign(args.String()))

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.cfg.RESTBase + "/api/v3/order")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	req.Header.SetContentType("application/x-www-form-urlencoded")
	req.SetBodyString(args.String())

	if err := c.do(ctx, req, resp); err != nil {
		return venue.Ack{}, err
	}

	status := resp.StatusCode()
	body := gjson.ParseBytes(resp.Body())
	switch {
	case status == fasthttp.StatusOK:
		return venue.Ack{VenueOrderID: body.Get("orderId").String()}, nil
	case status == 429 || status == 418:
		return venue.Ack{}, venue.ErrRateLimited
	case status >= 500:
		return venue.Ack{}, fmt.Errorf("binance %d: %w", status, venue.ErrUnavailable)
	case body.Get("code").Int() == -2010 && strings.Contains(body.Get("msg").String(), "Duplicate"):
		// Same client order ID already accepted; treat as idempotent no-op.
		return venue.Ack{Duplicate: true}, nil
	default:
		return venue.Ack{}, fmt.Errorf("binance code %d %s: %w",
			body.Get("code").Int(), body.Get("msg").String(), venue.ErrRejected)
	}
}

// StreamFills implements venue.Client via the user data stream. The
// goroutine reconnects with a short pause until ctx is cancelled.
func (c *Client) StreamFills(ctx context.Context) (<-chan market.Fill, error) {
	out := make(chan market.Fill, 64)
	go func() {
		defer close(out)
		for {
			if ctx.Err() != nil {
				return
			}
			if err := c.streamOnce(ctx, out); err != nil && ctx.Err() == nil {
				c.logger.Warn("binance fill stream disconnected, reconnecting",
					zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}()
	return out, nil
}

func (c *Client) streamOnce(ctx context.Context, out chan<- market.Fill) error {
	listenKey, err := c.listenKey(ctx)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.WSBase+"/ws/"+listenKey, nil)
	if err != nil {
		return fmt.Errorf("dial user data stream: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		ev := gjson.ParseBytes(message)
		if ev.Get("e").String() != "executionReport" {
			continue
		}
		lastQty := ev.Get("l").String()
		if ev.Get("x").String() != "TRADE" || lastQty == "0" || lastQty == "" {
			continue
		}
		qty, err := decimal.NewFromString(lastQty)
		if err != nil {
			continue
		}
		price, err := decimal.NewFromString(ev.Get("L").String())
		if err != nil {
			continue
		}
		fill, err := market.NewFill(
			ev.Get("c").String(),
			canonicalFromVenue(c.cfg.SymbolMap, ev.Get("s").String()),
			c.Name(),
			qty, price,
			time.UnixMilli(ev.Get("T").Int()),
			decimal.Zero, // realized PnL is computed against the position book
		)
		if err != nil {
			c.logger.Warn("dropping malformed execution report", zap.Error(err))
			continue
		}
		select {
		case out <- fill:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) listenKey(ctx context.Context) (string, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.cfg.RESTBase + "/api/v3/userDataStream")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)

	if err := c.do(ctx, req, resp); err != nil {
		return "", err
	}
	if err := classifyStatus(resp.StatusCode()); err != nil {
		return "", err
	}
	key := gjson.GetBytes(resp.Body(), "listenKey").String()
	if key == "" {
		return "", fmt.Errorf("empty listenKey: %w", venue.ErrUnavailable)
	}
	return key, nil
}

func (c *Client) do(ctx context.Context, req *fasthttp.Request, resp *fasthttp.Response) error {
	deadline, ok := ctx.Deadline()
	var err error
	if ok {
		err = c.http.DoDeadline(req, resp, deadline)
	} else {
		err = c.http.Do(req, resp)
	}
	if err != nil {
		return fmt.Errorf("binance request failed: %w: %s", venue.ErrUnavailable, err)
	}
	return nil
}

func (c *Client) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func classifyStatus(status int) error {
	switch {
	case status == 429 || status == 418:
		return venue.ErrRateLimited
	case status >= 400:
		return fmt.Errorf("binance status %d: %w", status, venue.ErrUnavailable)
	default:
		return nil
	}
}

func canonicalFromVenue(symbolMap map[string]string, venueSymbol string) string {
	for canonical, vs := range symbolMap {
		if vs == venueSymbol {
			return canonical
		}
	}
	return venueSymbol
}
