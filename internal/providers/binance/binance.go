// Package binance fetches spot tickers and candles from the Binance public
// market data API. It needs no key.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"tokenfeed/internal/fetcher"
	"tokenfeed/internal/market"
	"tokenfeed/internal/providers/wire"
	"tokenfeed/internal/ratelimit"
	"tokenfeed/internal/source"
)

const (
	// SourceID identifies Binance in chains and cache entries.
	SourceID = "binance"

	// DefaultBaseURL is the spot API root.
	DefaultBaseURL = "https://api.binance.com"
)

// intervals maps candle widths in minutes onto Binance interval codes.
var intervals = map[int]string{
	1:    "1m",
	3:    "3m",
	5:    "5m",
	15:   "15m",
	30:   "30m",
	60:   "1h",
	120:  "2h",
	240:  "4h",
	360:  "6h",
	480:  "8h",
	720:  "12h",
	1440: "1d",
}

type ticker24hr struct {
	Symbol             string       `json:"symbol"`
	LastPrice          wire.Decimal `json:"lastPrice"`
	PriceChangePercent wire.Decimal `json:"priceChangePercent"`
	QuoteVolume        wire.Decimal `json:"quoteVolume"`
}

// Client talks to the Binance API.
type Client struct {
	http     fetcher.Getter
	registry *market.Registry
	now      func() time.Time
}

// NewClient creates a client for baseURL, or the production API if empty.
func NewClient(baseURL string, registry *market.Registry) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return NewClientWithGetter(fetcher.NewHTTPClient(baseURL), registry)
}

// NewClientWithGetter creates a client on top of an existing transport
func NewClientWithGetter(g fetcher.Getter, registry *market.Registry) *Client {
	return &Client{http: g, registry: registry, now: time.Now}
}

// Close releases the underlying HTTP transport, if it holds one.
func (c *Client) Close() error {
	if closer, ok := c.http.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// PriceSource returns the price descriptor
func (c *Client) PriceSource() source.Descriptor { return priceSource{c} }

// KlineSource returns the candle descriptor
func (c *Client) KlineSource() source.Descriptor { return klineSource{c} }

type priceSource struct{ c *Client }

func (priceSource) ID() string                     { return SourceID }
func (priceSource) Class() ratelimit.EndpointClass { return ratelimit.ClassBinance }

func (s priceSource) request(q market.Query) (fetcher.Request, error) {
	pq, ok := q.(market.PriceQuery)
	if !ok {
		return fetcher.Request{}, source.ErrUnsupported
	}
	tok, _ := s.c.registry.BySymbol(pq.Symbol)
	if tok.Binance == "" {
		return fetcher.Request{}, fmt.Errorf("%s is not listed on binance: %w", pq.Symbol, source.ErrUnsupported)
	}
	return fetcher.Request{
		Path:  "/api/v3/ticker/24hr",
		Query: map[string]string{"symbol": tok.Binance},
	}, nil
}

func (s priceSource) Supports(q market.Query) bool {
	_, err := s.request(q)
	return err == nil
}

func (s priceSource) Fetch(ctx context.Context, q market.Query) ([]byte, error) {
	req, err := s.request(q)
	if err != nil {
		return nil, err
	}
	return s.c.http.Get(ctx, req)
}

func (s priceSource) Normalize(q market.Query, raw []byte) (any, error) {
	var t ticker24hr
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fetcher.NewShapeError("decode binance ticker", err)
	}

	p := market.Price{
		PriceUSD:     t.LastPrice.Decimal,
		Change24h:    t.PriceChangePercent.Decimal,
		Volume24hUSD: t.QuoteVolume.Decimal,
		UpdatedAt:    s.c.now().UTC(),
	}
	if pq, ok := q.(market.PriceQuery); ok {
		tok, _ := s.c.registry.BySymbol(pq.Symbol)
		p.Symbol = strings.ToUpper(pq.Symbol)
		p.Name = tok.Name
		p.TokenID = tok.TokenID()
	}
	return p, nil
}

func (priceSource) Valid(payload any) bool {
	p, ok := payload.(market.Price)
	return ok && p.Valid()
}

type klineSource struct{ c *Client }

func (klineSource) ID() string                     { return SourceID }
func (klineSource) Class() ratelimit.EndpointClass { return ratelimit.ClassBinance }

func (s klineSource) request(q market.Query) (fetcher.Request, error) {
	kq, ok := q.(market.KlineQuery)
	if !ok {
		return fetcher.Request{}, source.ErrUnsupported
	}
	tok, ok := s.c.registry.ByTokenID(kq.TokenID())
	if !ok || tok.Binance == "" {
		return fetcher.Request{}, fmt.Errorf("%s is not listed on binance: %w", kq.TokenID(), source.ErrUnsupported)
	}
	interval, ok := intervals[kq.IntervalMinutes]
	if !ok {
		return fetcher.Request{}, fmt.Errorf("interval %dm: %w", kq.IntervalMinutes, source.ErrUnsupported)
	}

	query := map[string]string{
		"symbol":   tok.Binance,
		"interval": interval,
	}
	if kq.Limit > 0 {
		query["limit"] = strconv.Itoa(kq.Limit)
	}
	return fetcher.Request{Path: "/api/v3/klines", Query: query}, nil
}

func (s klineSource) Supports(q market.Query) bool {
	_, err := s.request(q)
	return err == nil
}

func (s klineSource) Fetch(ctx context.Context, q market.Query) ([]byte, error) {
	req, err := s.request(q)
	if err != nil {
		return nil, err
	}
	return s.c.http.Get(ctx, req)
}

// Normalize decodes kline rows of the form
// [openTime, open, high, low, close, volume, closeTime, ...].
func (s klineSource) Normalize(q market.Query, raw []byte) (any, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fetcher.NewShapeError("decode binance klines", err)
	}

	k := market.Klines{Candles: make([]market.Candle, 0, len(rows))}
	if kq, ok := q.(market.KlineQuery); ok {
		k.TokenID = kq.TokenID()
		k.IntervalMinutes = kq.IntervalMinutes
	}

	for i, row := range rows {
		if len(row) < 6 {
			return nil, fetcher.NewShapeError(fmt.Sprintf("binance kline row %d has %d fields", i, len(row)), nil)
		}
		at, err := wire.UnixTime(row[0])
		if err != nil {
			return nil, fetcher.NewShapeError("decode binance kline time", err)
		}

		var ohlcv [5]wire.Decimal
		for j := range ohlcv {
			if err := json.Unmarshal(row[j+1], &ohlcv[j]); err != nil {
				return nil, fetcher.NewShapeError(fmt.Sprintf("decode binance kline row %d", i), err)
			}
		}

		k.Candles = append(k.Candles, market.Candle{
			OpenTime: at,
			Open:     ohlcv[0].Decimal,
			High:     ohlcv[1].Decimal,
			Low:      ohlcv[2].Decimal,
			Close:    ohlcv[3].Decimal,
			Volume:   ohlcv[4].Decimal,
		})
	}
	market.SortCandles(k.Candles)
	return k, nil
}

func (klineSource) Valid(payload any) bool {
	k, ok := payload.(market.Klines)
	return ok && k.Valid()
}
