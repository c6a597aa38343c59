// Package kraken implements the venue client against the Kraken REST and
// websocket APIs.
package kraken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
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
	defaultRESTBase = "https://api.kraken.com"
	defaultWSAuth   = "wss://ws-auth.kraken.com"
)

// Config holds Kraken client configuration.
type Config struct {
	APIKey    string
	APISecret string // base64, as issued by Kraken
	RESTBase  string
	WSAuth    string
	// SymbolMap maps canonical symbols to Kraken pairs, e.g. BTC -> XBTUSD.
	SymbolMap map[string]string
}

// Client talks to Kraken. Safe for concurrent use.
type Client struct {
	cfg    Config
	http   *fasthttp.Client
	logger *zap.Logger
}

// New creates a Kraken client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if len(cfg.SymbolMap) == 0 {
		return nil, fmt.Errorf("kraken symbol map cannot be empty")
	}
	if cfg.RESTBase == "" {
		cfg.RESTBase = defaultRESTBase
	}
	if cfg.WSAuth == "" {
		cfg.WSAuth = defaultWSAuth
	}
	return &Client{
		cfg:    cfg,
		http:   &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second},
		logger: logger,
	}, nil
}

// Name implements venue.Client.
func (c *Client) Name() string { return "kraken" }

func (c *Client) venueSymbol(symbol string) (string, error) {
	vs, ok := c.cfg.SymbolMap[symbol]
	if !ok {
		return "", fmt.Errorf("no kraken mapping for symbol %q", symbol)
	}
	return vs, nil
}

// FetchTicker implements venue.Client. Kraken reports the last trade price
// in c[0] and the 24h base volume in v[1]; volume is converted to quote
// units so thresholds compare like-for-like across venues.
func (c *Client) FetchTicker(ctx context.Context, symbol string) (market.Ticker, error) {
	vs, err := c.venueSymbol(symbol)
	if err != nil {
		return market.Ticker{}, err
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.cfg.RESTBase + "/0/public/Ticker")
	req.Header.SetMethod(fasthttp.MethodGet)
	req.URI().QueryArgs().Set("pair", vs)

	if err := c.do(ctx, req, resp); err != nil {
		return market.Ticker{}, err
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return market.Ticker{}, fmt.Errorf("kraken status %d: %w", resp.StatusCode(), venue.ErrUnavailable)
	}

	body := gjson.ParseBytes(resp.Body())
	if err := krakenError(body); err != nil {
		return market.Ticker{}, err
	}

	var price, baseVolume float64
	body.Get("result").ForEach(func(_, pair gjson.Result) bool {
		price = pair.Get("c.0").Float()
		baseVolume = pair.Get("v.1").Float()
		return false
	})
	if price <= 0 {
		return market.Ticker{}, fmt.Errorf("kraken returned non-positive price for %s: %w", vs, venue.ErrUnavailable)
	}

	quoteVolume, _ := decimal.NewFromFloat(baseVolume).Mul(decimal.NewFromFloat(price)).Float64()
	return market.Ticker{Price: price, Volume: quoteVolume, Timestamp: time.Now()}, nil
}

// SubmitOrder implements venue.Client. The idempotency key is passed as
// cl_ord_id so Kraken rejects a duplicate rather than double-filling.
func (c *Client) SubmitOrder(ctx context.Context, order market.ApprovedOrder) (venue.Ack, error) {
	vs, err := c.venueSymbol(order.Symbol)
	if err != nil {
		return venue.Ack{}, err
	}

	args := fasthttp.AcquireArgs()
	defer fasthttp.ReleaseArgs(args)
	args.Set("nonce", strconv.FormatInt(time.Now().UnixMicro(), 10))
	args.Set("pair", vs)
	args.Set("type", strings.ToLower(string(order.Side)))
	args.Set("volume", order.Quantity.String())
	args.Set("cl_ord_id", order.IdempotencyKey)
	if order.Market {
		args.Set("ordertype", "market")
	} else {
		args.Set("ordertype", "limit")
		args.Set("price", order.Price.String())
	}

	body, err := c.private(ctx, "/0/private/AddOrder", args.String())
	if err != nil {
		return venue.Ack{}, err
	}

	errs := body.Get("error").Array()
	for _, e := range errs {
		msg := e.String()
		switch {
		case strings.Contains(msg, "Rate limit"):
			return venue.Ack{}, venue.ErrRateLimited
		case strings.Contains(msg, "Duplicate"):
			return venue.Ack{Duplicate: true}, nil
		case strings.HasPrefix(msg, "EService"):
			return venue.Ack{}, fmt.Errorf("kraken %s: %w", msg, venue.ErrUnavailable)
		default:
			return venue.Ack{}, fmt.Errorf("kraken %s: %w", msg, venue.ErrRejected)
		}
	}
	return venue.Ack{VenueOrderID: body.Get("result.txid.0").String()}, nil
}

// StreamFills implements venue.Client via the authenticated ownTrades feed.
func (c *Client) StreamFills(ctx context.Context) (<-chan market.Fill, error) {
	out := make(chan market.Fill, 64)
	go func() {
		defer close(out)
		for {
			if ctx.Err() != nil {
				return
			}
			if err := c.streamOnce(ctx, out); err != nil && ctx.Err() == nil {
				c.logger.Warn("kraken fill stream disconnected, reconnecting",
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
	args := fasthttp.AcquireArgs()
	args.Set("nonce", strconv.FormatInt(time.Now().UnixMicro(), 10))
	payload := args.String()
	fasthttp.ReleaseArgs(args)

	body, err := c.private(ctx, "/0/private/GetWebSocketsToken", payload)
	if err != nil {
		return err
	}
	if err := krakenError(body); err != nil {
		return err
	}
	token := body.Get("result.token").String()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.WSAuth, nil)
	if err != nil {
		return fmt.Errorf("dial ownTrades stream: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	sub := fmt.Sprintf(`{"event":"subscribe","subscription":{"name":"ownTrades","token":%q}}`, token)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(sub)); err != nil {
		return err
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		ev := gjson.ParseBytes(message)
		if !ev.IsArray() || ev.Get("1").String() == "" {
			continue
		}
		if !strings.Contains(string(message), "ownTrades") {
			continue
		}
		ev.Get("0").ForEach(func(_, entry gjson.Result) bool {
			entry.ForEach(func(_, trade gjson.Result) bool {
				c.emitFill(ctx, trade, out)
				return true
			})
			return true
		})
	}
}

func (c *Client) emitFill(ctx context.Context, trade gjson.Result, out chan<- market.Fill) {
	qty, err := decimal.NewFromString(trade.Get("vol").String())
	if err != nil {
		return
	}
	price, err := decimal.NewFromString(trade.Get("price").String())
	if err != nil {
		return
	}
	sec := trade.Get("time").Float()
	fill, err := market.NewFill(
		trade.Get("cl_ord_id").String(),
		canonicalFromVenue(c.cfg.SymbolMap, trade.Get("pair").String()),
		c.Name(),
		qty, price,
		time.Unix(int64(sec), int64((sec-float64(int64(sec)))*1e9)),
		decimal.Zero,
	)
	if err != nil {
		c.logger.Warn("dropping malformed ownTrades entry", zap.Error(err))
		return
	}
	select {
	case out <- fill:
	case <-ctx.Done():
	}
}

// private executes a signed private REST call and returns the parsed body.
func (c *Client) private(ctx context.Context, path, payload string) (gjson.Result, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.cfg.RESTBase + path)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/x-www-form-urlencoded")
	req.Header.Set("API-Key", c.cfg.APIKey)
	sig, err := c.sign(path, payload)
	if err != nil {
		return gjson.Result{}, err
	}
	req.Header.Set("API-Sign", sig)
	req.SetBodyString(payload)

	if err := c.do(ctx, req, resp); err != nil {
		return gjson.Result{}, err
	}
	if resp.StatusCode() == 429 {
		return gjson.Result{}, venue.ErrRateLimited
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return gjson.Result{}, fmt.Errorf("kraken status %d: %w", resp.StatusCode(), venue.ErrUnavailable)
	}
	return gjson.ParseBytes(resp.Body()), nil
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
		return fmt.Errorf("kraken request failed: %w: %s", venue.ErrUnavailable, err)
	}
	return nil
}

// sign computes the Kraken API-Sign header: HMAC-SHA512 over
// path + SHA256(nonce + payload), keyed by the base64-decoded secret.
func (c *Client) sign(path, payload string) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(c.cfg.APISecret)
	if err != nil {
		return "", fmt.Errorf("kraken secret is not valid base64: %w", err)
	}
	nonce := nonceFrom(payload)
	digest := sha256.Sum256([]byte(nonce + payload))
	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(path))
	mac.Write(digest[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

func nonceFrom(payload string) string {
	for _, kv := range strings.Split(payload, "&") {
		if v, ok := strings.CutPrefix(kv, "nonce="); ok {
			return v
		}
	}
	return ""
}

func krakenError(body gjson.Result) error {
	for _, e := range body.Get("error").Array() {
		msg := e.String()
		if strings.Contains(msg, "Rate limit") {
			return venue.ErrRateLimited
		}
		return fmt.Errorf("kraken %s: %w", msg, venue.ErrUnavailable)
	}
	return nil
}

func canonicalFromVenue(symbolMap map[string]string, venueSymbol string) string {
	for canonical, vs := range symbolMap {
		if vs == venueSymbol {
			return canonical
		}
	}
	return venueSymbol
}
