package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"binance-cvd-pipeline/database"
	"binance-cvd-pipeline/helpers"
	"binance-cvd-pipeline/ratelimit"
)

// Endpoints holds the three venue base URLs
type Endpoints struct {
	SpotURL  string
	USDMURL  string
	CoinMURL string
}

// Client is a thin venue-aware wrapper around the rate limiter
type Client struct {
	http      *http.Client
	limiter   *ratelimit.Limiter
	endpoints Endpoints
}

const requestTimeout = 10 * time.Second

// usedWeightHeader is the server-side usage feedback header
const usedWeightHeader = "X-MBX-USED-WEIGHT-1M"

// NewClient creates a REST client and registers the per-venue limiter
// buckets. buffer shaves a fraction off the declared capacities so the
// process never runs right at the exchange's limit.
func NewClient(endpoints Endpoints, limiter *ratelimit.Limiter, buffer float64) *Client {
	scale := func(capacity int) int {
		c := int(float64(capacity) * (1 - buffer))
		if c < 1 {
			c = 1
		}
		return c
	}

	limiter.Register(EndpointSpot, ratelimit.EndpointConfig{
		Capacity:       scale(capacitySpot),
		RefillInterval: time.Minute,
		HighWaterMark:  0.8,
	})
	limiter.Register(EndpointUSDTM, ratelimit.EndpointConfig{
		Capacity:       scale(capacityFutures),
		RefillInterval: time.Minute,
		HighWaterMark:  0.8,
	})
	limiter.Register(EndpointCoinM, ratelimit.EndpointConfig{
		Capacity:       scale(capacityFutures),
		RefillInterval: time.Minute,
		HighWaterMark:  0.8,
	})

	return &Client{
		http:      &http.Client{Timeout: requestTimeout},
		limiter:   limiter,
		endpoints: endpoints,
	}
}

func (c *Client) baseURL(venue string) (string, error) {
	switch venue {
	case VenueSpot:
		return c.endpoints.SpotURL, nil
	case VenueUSDTM:
		return c.endpoints.USDMURL, nil
	case VenueCoinM:
		return c.endpoints.CoinMURL, nil
	}
	return "", fmt.Errorf("unknown venue %q", venue)
}

// get issues one rate-limited GET and decodes the JSON body into out
func (c *Client) get(ctx context.Context, venue, path string, params url.Values, weight int, out interface{}) error {
	base, err := c.baseURL(venue)
	if err != nil {
		return err
	}
	endpoint, err := EndpointFor(venue)
	if err != nil {
		return err
	}

	fullURL := base + path
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}

	req := ratelimit.Request{Identifier: path, Weight: weight}
	return c.limiter.Execute(ctx, endpoint, req, func(ctx context.Context) error {
		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()

		httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, fullURL, nil)
		if err != nil {
			return fmt.Errorf("failed to build request %s: %w", path, err)
		}

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return fmt.Errorf("request %s failed: %w", path, err)
		}
		defer resp.Body.Close()

		// 418 is the exchange's IP-ban escalation of 429
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot {
			io.Copy(io.Discard, resp.Body)
			return &ratelimit.RateLimitedError{
				Err: fmt.Errorf("%s returned status %d", path, resp.StatusCode),
			}
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, string(body))
		}

		if used := resp.Header.Get(usedWeightHeader); used != "" {
			if n, err := strconv.Atoi(used); err == nil {
				c.limiter.ReportUsage(endpoint, n)
			}
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", path, err)
		}
		return nil
	})
}

// ============================================================================
// Candles
// ============================================================================

func klinesPath(venue string) (string, error) {
	switch venue {
	case VenueSpot:
		return "/api/v3/klines", nil
	case VenueUSDTM:
		return "/fapi/v1/klines", nil
	case VenueCoinM:
		return "/dapi/v1/klines", nil
	}
	return "", fmt.Errorf("unknown venue %q", venue)
}

// FetchCandles pulls klines for one symbol and interval, ordered by open
// time ascending. startTimeMs of zero means "latest window".
func (c *Client) FetchCandles(ctx context.Context, symbol, interval, venue string, startTimeMs int64) ([]database.Candle, error) {
	if database.CandleTableFor(interval) == "" {
		return nil, fmt.Errorf("unsupported candle interval %q", interval)
	}
	path, err := klinesPath(venue)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if startTimeMs > 0 {
		params.Set("startTime", strconv.FormatInt(startTimeMs, 10))
	}

	// Klines arrive as arrays of mixed strings and numbers
	var raw [][]interface{}
	if err := c.get(ctx, venue, path, params, WeightKlines, &raw); err != nil {
		return nil, err
	}

	candles := make([]database.Candle, 0, len(raw))
	for _, row := range raw {
		if len(row) < 9 {
			continue
		}
		openTime, ok := helpers.Int64FromAny(row[0])
		if !ok {
			continue
		}
		open, _ := helpers.FloatFromAny(row[1])
		high, _ := helpers.FloatFromAny(row[2])
		low, _ := helpers.FloatFromAny(row[3])
		closePx, _ := helpers.FloatFromAny(row[4])
		volume, _ := helpers.FloatFromAny(row[5])
		closeTime, _ := helpers.Int64FromAny(row[6])
		quoteVol, _ := helpers.FloatFromAny(row[7])
		tradeCount, _ := helpers.Int64FromAny(row[8])

		candles = append(candles, database.Candle{
			Symbol:      symbol,
			OpenTime:    openTime,
			Open:        open,
			High:        high,
			Low:         low,
			Close:       closePx,
			Volume:      volume,
			QuoteVolume: quoteVol,
			TradeCount:  tradeCount,
			CloseTime:   closeTime,
		})
	}

	sort.Slice(candles, func(i, j int) bool { return candles[i].OpenTime < candles[j].OpenTime })
	return candles, nil
}

// ============================================================================
// Aggregated trades
// ============================================================================

// AggTradeOptions narrows an aggregated-trade pull
type AggTradeOptions struct {
	StartTimeMs int64
	EndTimeMs   int64
	FromID      int64
	Limit       int
}

type wireAggTrade struct {
	AggregateID  int64       `json:"a"`
	Price        interface{} `json:"p"`
	Quantity     interface{} `json:"q"`
	FirstTradeID int64       `json:"f"`
	LastTradeID  int64       `json:"l"`
	TradeTime    int64       `json:"T"`
	IsBuyerMaker bool        `json:"m"`
	IsBestMatch  bool        `json:"M"`
}

// FetchAggregatedTrades pulls compressed trades for spot or USDT-margined
// symbols, ordered by trade time ascending. Limit is capped at 1000.
func (c *Client) FetchAggregatedTrades(ctx context.Context, symbol, venue string, opts AggTradeOptions) ([]database.AggregatedTrade, error) {
	var path string
	var weight int
	switch venue {
	case VenueSpot:
		path, weight = "/api/v3/aggTrades", WeightAggTradesSpot
	case VenueUSDTM:
		path, weight = "/fapi/v1/aggTrades", WeightAggTradesUSDM
	default:
		return nil, fmt.Errorf("aggregated trades unsupported on venue %q", venue)
	}

	limit := opts.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(limit))
	if opts.StartTimeMs > 0 {
		params.Set("startTime", strconv.FormatInt(opts.StartTimeMs, 10))
	}
	if opts.EndTimeMs > 0 {
		params.Set("endTime", strconv.FormatInt(opts.EndTimeMs, 10))
	}
	if opts.FromID > 0 {
		params.Set("fromId", strconv.FormatInt(opts.FromID, 10))
	}

	var raw []wireAggTrade
	if err := c.get(ctx, venue, path, params, weight, &raw); err != nil {
		return nil, err
	}

	trades := make([]database.AggregatedTrade, 0, len(raw))
	for _, t := range raw {
		price, ok := helpers.FloatFromAny(t.Price)
		if !ok {
			continue
		}
		qty, ok := helpers.FloatFromAny(t.Quantity)
		if !ok {
			continue
		}
		trades = append(trades, database.AggregatedTrade{
			Symbol:       symbol,
			Venue:        venue,
			TradeID:      t.AggregateID,
			Price:        price,
			Quantity:     qty,
			FirstTradeID: t.FirstTradeID,
			LastTradeID:  t.LastTradeID,
			TradeTime:    t.TradeTime,
			IsBuyerMaker: t.IsBuyerMaker,
			IsBestMatch:  t.IsBestMatch,
			Source:       "rest",
		})
	}

	sort.Slice(trades, func(i, j int) bool { return trades[i].TradeTime < trades[j].TradeTime })
	return trades, nil
}

// ============================================================================
// Top trader long/short ratios
// ============================================================================

type wireRatio struct {
	Symbol         string      `json:"symbol"`
	LongShortRatio interface{} `json:"longShortRatio"`
	LongAccount    interface{} `json:"longAccount"`
	ShortAccount   interface{} `json:"shortAccount"`
	Timestamp      int64       `json:"timestamp"`
}

func (c *Client) fetchTopTrader(ctx context.Context, symbol, path string) ([]database.RatioSample, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("period", "5m")
	params.Set("limit", "12")

	var raw []wireRatio
	if err := c.get(ctx, VenueUSDTM, path, params, WeightTopTrader, &raw); err != nil {
		return nil, err
	}

	samples := make([]database.RatioSample, 0, len(raw))
	for _, r := range raw {
		ratio, ok := helpers.FloatFromAny(r.LongShortRatio)
		if !ok {
			continue
		}
		long, _ := helpers.FloatFromAny(r.LongAccount)
		short, _ := helpers.FloatFromAny(r.ShortAccount)
		samples = append(samples, database.RatioSample{
			Symbol:         symbol,
			Timestamp:      r.Timestamp,
			LongShortRatio: ratio,
			LongRatio:      long,
			ShortRatio:     short,
		})
	}

	sort.Slice(samples, func(i, j int) bool { return samples[i].Timestamp < samples[j].Timestamp })
	return samples, nil
}

// FetchTopTraderPositions pulls the top-trader position long/short ratio
// series (USDT-margined only)
func (c *Client) FetchTopTraderPositions(ctx context.Context, symbol string) ([]database.RatioSample, error) {
	return c.fetchTopTrader(ctx, symbol, "/futures/data/topLongShortPositionRatio")
}

// FetchTopTraderAccounts pulls the top-trader account long/short ratio
// series (USDT-margined only)
func (c *Client) FetchTopTraderAccounts(ctx context.Context, symbol string) ([]database.RatioSample, error) {
	return c.fetchTopTrader(ctx, symbol, "/futures/data/topLongShortAccountRatio")
}
