// Package ave fetches token prices, topic rankings and candles from the AVE
// on-chain market data API.
package ave

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

// SourceID identifies AVE in chains and cache entries.
const SourceID = "ave"

// DefaultBaseURL is the production API root.
const DefaultBaseURL = "https://prod.ave-api.com"

// tokenResponse is one token as returned by the token detail and rank endpoints
type tokenResponse struct {
	Token           string       `json:"token"`
	Chain           string       `json:"chain"`
	Symbol          string       `json:"symbol"`
	Name            string       `json:"name"`
	CurrentPriceUSD wire.Decimal `json:"current_price_usd"`
	PriceChange24h  wire.Decimal `json:"price_change_24h"`
	TxVolumeU24h    wire.Decimal `json:"tx_volume_u_24h"`
	MarketCap       wire.Decimal `json:"market_cap"`
}

func (t tokenResponse) tokenID() string {
	if t.Token == "" || t.Chain == "" {
		return ""
	}
	return market.TokenID(t.Token, t.Chain)
}

// klinePoint is one candle as returned by the kline endpoint
type klinePoint struct {
	Open   wire.Decimal    `json:"open"`
	High   wire.Decimal    `json:"high"`
	Low    wire.Decimal    `json:"low"`
	Close  wire.Decimal    `json:"close"`
	Volume wire.Decimal    `json:"volume"`
	Time   json.RawMessage `json:"time"`
}

// Client talks to the AVE API. It exposes one source descriptor per query type.
type Client struct {
	http     fetcher.Getter
	registry *market.Registry
	now      func() time.Time
}

// NewClient creates a client authenticating with apiKey
func NewClient(apiKey, baseURL string, registry *market.Registry) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	client := fetcher.NewHTTPClient(baseURL).SetHeader("X-API-KEY", apiKey)
	return NewClientWithGetter(client, registry)
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

// RankingSource returns the topic ranking descriptor
func (c *Client) RankingSource() source.Descriptor { return rankingSource{c} }

// KlineSource returns the candle descriptor
func (c *Client) KlineSource() source.Descriptor { return klineSource{c} }

type priceSource struct{ c *Client }

func (priceSource) ID() string                     { return SourceID }
func (priceSource) Class() ratelimit.EndpointClass { return ratelimit.ClassAve }

func (s priceSource) request(q market.Query) (fetcher.Request, error) {
	pq, ok := q.(market.PriceQuery)
	if !ok {
		return fetcher.Request{}, source.ErrUnsupported
	}
	tok, _ := s.c.registry.BySymbol(pq.Symbol)
	id := tok.TokenID()
	if id == "" {
		return fetcher.Request{}, fmt.Errorf("%s has no on-chain address: %w", pq.Symbol, source.ErrUnsupported)
	}
	return fetcher.Request{Path: "/v2/tokens/" + id}, nil
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
	body, err := unwrap(raw)
	if err != nil {
		return nil, err
	}

	var t tokenResponse
	if err := json.Unmarshal(body, &t); err != nil {
		return nil, fetcher.NewShapeError("decode ave token", err)
	}

	symbol := strings.ToUpper(t.Symbol)
	if pq, ok := q.(market.PriceQuery); ok {
		symbol = strings.ToUpper(pq.Symbol)
	}

	return market.Price{
		Symbol:       symbol,
		Name:         t.Name,
		TokenID:      t.tokenID(),
		PriceUSD:     t.CurrentPriceUSD.Decimal,
		Change24h:    t.PriceChange24h.Decimal,
		Volume24hUSD: t.TxVolumeU24h.Decimal,
		MarketCapUSD: t.MarketCap.Decimal,
		UpdatedAt:    s.c.now().UTC(),
	}, nil
}

func (priceSource) Valid(payload any) bool {
	p, ok := payload.(market.Price)
	return ok && p.Valid()
}

type rankingSource struct{ c *Client }

func (rankingSource) ID() string                     { return SourceID }
func (rankingSource) Class() ratelimit.EndpointClass { return ratelimit.ClassAve }

func (rankingSource) Supports(q market.Query) bool {
	_, ok := q.(market.RankingQuery)
	return ok
}

func (s rankingSource) Fetch(ctx context.Context, q market.Query) ([]byte, error) {
	rq, ok := q.(market.RankingQuery)
	if !ok {
		return nil, source.ErrUnsupported
	}
	return s.c.http.Get(ctx, fetcher.Request{
		Path:  "/v2/ranks",
		Query: map[string]string{"topic": strings.ToLower(rq.Topic)},
	})
}

func (s rankingSource) Normalize(q market.Query, raw []byte) (any, error) {
	body, err := unwrap(raw)
	if err != nil {
		return nil, err
	}

	// some rank responses nest the list one level deeper
	if wire.IsObject(body) {
		var nested struct {
			Tokens json.RawMessage `json:"tokens"`
		}
		if err := json.Unmarshal(body, &nested); err == nil && wire.IsArray(nested.Tokens) {
			body = nested.Tokens
		}
	}

	var rows []tokenResponse
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fetcher.NewShapeError("decode ave ranks", err)
	}

	r := market.Ranking{Tokens: make([]market.RankedToken, 0, len(rows))}
	if rq, ok := q.(market.RankingQuery); ok {
		r.Topic = strings.ToLower(rq.Topic)
	}
	for i, row := range rows {
		r.Tokens = append(r.Tokens, market.RankedToken{
			Rank:         i + 1,
			Symbol:       strings.ToUpper(row.Symbol),
			Name:         row.Name,
			TokenID:      row.tokenID(),
			PriceUSD:     row.CurrentPriceUSD.Decimal,
			Change24h:    row.PriceChange24h.Decimal,
			Volume24hUSD: row.TxVolumeU24h.Decimal,
			MarketCapUSD: row.MarketCap.Decimal,
		})
	}
	return r, nil
}

func (rankingSource) Valid(payload any) bool {
	r, ok := payload.(market.Ranking)
	return ok && r.Valid()
}

type klineSource struct{ c *Client }

func (klineSource) ID() string                     { return SourceID }
func (klineSource) Class() ratelimit.EndpointClass { return ratelimit.ClassAve }

func (klineSource) Supports(q market.Query) bool {
	_, ok := q.(market.KlineQuery)
	return ok
}

func (s klineSource) Fetch(ctx context.Context, q market.Query) ([]byte, error) {
	kq, ok := q.(market.KlineQuery)
	if !ok {
		return nil, source.ErrUnsupported
	}
	return s.c.http.Get(ctx, fetcher.Request{
		Path: "/v2/klines/token/" + kq.TokenID(),
		Query: map[string]string{
			"interval": strconv.Itoa(kq.IntervalMinutes),
			"limit":    strconv.Itoa(kq.Limit),
		},
	})
}

func (s klineSource) Normalize(q market.Query, raw []byte) (any, error) {
	body, err := unwrap(raw)
	if err != nil {
		return nil, err
	}

	if wire.IsObject(body) {
		var nested struct {
			Points json.RawMessage `json:"points"`
		}
		if err := json.Unmarshal(body, &nested); err != nil {
			return nil, fetcher.NewShapeError("decode ave klines", err)
		}
		body = nested.Points
	}

	var points []klinePoint
	if err := json.Unmarshal(body, &points); err != nil {
		return nil, fetcher.NewShapeError("decode ave klines", err)
	}

	k := market.Klines{Candles: make([]market.Candle, 0, len(points))}
	if kq, ok := q.(market.KlineQuery); ok {
		k.TokenID = kq.TokenID()
		k.IntervalMinutes = kq.IntervalMinutes
	}
	for _, p := range points {
		at, err := wire.UnixTime(p.Time)
		if err != nil {
			return nil, fetcher.NewShapeError("decode ave kline time", err)
		}
		k.Candles = append(k.Candles, market.Candle{
			OpenTime: at,
			Open:     p.Open.Decimal,
			High:     p.High.Decimal,
			Low:      p.Low.Decimal,
			Close:    p.Close.Decimal,
			Volume:   p.Volume.Decimal,
		})
	}
	market.SortCandles(k.Candles)
	return k, nil
}

func (klineSource) Valid(payload any) bool {
	k, ok := payload.(market.Klines)
	return ok && k.Valid()
}
