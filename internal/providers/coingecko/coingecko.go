// Package coingecko fetches prices and market-cap rankings from the
// CoinGecko public API.
package coingecko

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
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
	// SourceID identifies CoinGecko in chains and cache entries.
	SourceID = "coingecko"

	// DefaultBaseURL is the public API root.
	DefaultBaseURL = "https://api.coingecko.com/api/v3"

	// rankingSize is how many rows a ranking query asks for.
	rankingSize = 50
)

// topicOrders maps ranking topics onto /coins/markets sort orders. Gainers
// and losers are ranked locally from the volume-ordered list.
var topicOrders = map[string]string{
	"hot":        "volume_desc",
	"trending":   "volume_desc",
	"gainers":    "volume_desc",
	"losers":     "volume_desc",
	"market_cap": "market_cap_desc",
	"top":        "market_cap_desc",
}

// coinMarket is one row of /coins/markets
type coinMarket struct {
	ID                       string       `json:"id"`
	Symbol                   string       `json:"symbol"`
	Name                     string       `json:"name"`
	CurrentPrice             wire.Decimal `json:"current_price"`
	PriceChangePercentage24h wire.Decimal `json:"price_change_percentage_24h"`
	TotalVolume              wire.Decimal `json:"total_volume"`
	MarketCap                wire.Decimal `json:"market_cap"`
}

// errorResponse is the body CoinGecko sends with some 200 responses when the
// key is over quota.
type errorResponse struct {
	Status struct {
		ErrorCode    int    `json:"error_code"`
		ErrorMessage string `json:"error_message"`
	} `json:"status"`
}

// Client talks to the CoinGecko API.
type Client struct {
	http     fetcher.Getter
	registry *market.Registry
	now      func() time.Time
}

// NewClient creates a client. An empty apiKey uses the keyless public tier.
func NewClient(apiKey, baseURL string, registry *market.Registry) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	client := fetcher.NewHTTPClient(baseURL).SetHeader("x-cg-demo-api-key", apiKey)
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

func marketsRequest(query map[string]string) fetcher.Request {
	query["vs_currency"] = "usd"
	return fetcher.Request{Path: "/coins/markets", Query: query}
}

func decodeMarkets(raw []byte) ([]coinMarket, error) {
	if wire.IsObject(raw) {
		var e errorResponse
		if err := json.Unmarshal(raw, &e); err == nil && e.Status.ErrorCode != 0 {
			if e.Status.ErrorCode == 429 {
				return nil, fetcher.NewRateLimitError(429)
			}
			return nil, fetcher.NewShapeError(fmt.Sprintf("coingecko error %d: %s", e.Status.ErrorCode, e.Status.ErrorMessage), nil)
		}
	}

	var rows []coinMarket
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fetcher.NewShapeError("decode coingecko markets", err)
	}
	return rows, nil
}

type priceSource struct{ c *Client }

func (priceSource) ID() string                     { return SourceID }
func (priceSource) Class() ratelimit.EndpointClass { return ratelimit.ClassCoinGecko }

func (s priceSource) request(q market.Query) (fetcher.Request, error) {
	pq, ok := q.(market.PriceQuery)
	if !ok {
		return fetcher.Request{}, source.ErrUnsupported
	}
	tok, _ := s.c.registry.BySymbol(pq.Symbol)
	if tok.CoinGeckoID == "" {
		return fetcher.Request{}, fmt.Errorf("%s has no coingecko id: %w", pq.Symbol, source.ErrUnsupported)
	}
	return marketsRequest(map[string]string{"ids": tok.CoinGeckoID}), nil
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
	rows, err := decodeMarkets(raw)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fetcher.NewShapeError("coingecko returned no market rows", nil)
	}

	row := rows[0]
	symbol := strings.ToUpper(row.Symbol)
	var tokenID string
	if pq, ok := q.(market.PriceQuery); ok {
		symbol = strings.ToUpper(pq.Symbol)
		tok, _ := s.c.registry.BySymbol(pq.Symbol)
		tokenID = tok.TokenID()
	}

	return market.Price{
		Symbol:       symbol,
		Name:         row.Name,
		TokenID:      tokenID,
		PriceUSD:     row.CurrentPrice.Decimal,
		Change24h:    row.PriceChangePercentage24h.Decimal,
		Volume24hUSD: row.TotalVolume.Decimal,
		MarketCapUSD: row.MarketCap.Decimal,
		UpdatedAt:    s.c.now().UTC(),
	}, nil
}

func (priceSource) Valid(payload any) bool {
	p, ok := payload.(market.Price)
	return ok && p.Valid()
}

type rankingSource struct{ c *Client }

func (rankingSource) ID() string                     { return SourceID }
func (rankingSource) Class() ratelimit.EndpointClass { return ratelimit.ClassCoinGecko }

func (s rankingSource) request(q market.Query) (fetcher.Request, error) {
	rq, ok := q.(market.RankingQuery)
	if !ok {
		return fetcher.Request{}, source.ErrUnsupported
	}
	order, ok := topicOrders[strings.ToLower(rq.Topic)]
	if !ok {
		return fetcher.Request{}, fmt.Errorf("topic %q: %w", rq.Topic, source.ErrUnsupported)
	}
	return marketsRequest(map[string]string{
		"order":    order,
		"per_page": strconv.Itoa(rankingSize),
		"page":     "1",
	}), nil
}

func (s rankingSource) Supports(q market.Query) bool {
	_, err := s.request(q)
	return err == nil
}

func (s rankingSource) Fetch(ctx context.Context, q market.Query) ([]byte, error) {
	req, err := s.request(q)
	if err != nil {
		return nil, err
	}
	return s.c.http.Get(ctx, req)
}

func (s rankingSource) Normalize(q market.Query, raw []byte) (any, error) {
	rows, err := decodeMarkets(raw)
	if err != nil {
		return nil, err
	}

	var topic string
	if rq, ok := q.(market.RankingQuery); ok {
		topic = strings.ToLower(rq.Topic)
	}

	switch topic {
	case "gainers":
		slices.SortStableFunc(rows, func(a, b coinMarket) int {
			return b.PriceChangePercentage24h.Cmp(a.PriceChangePercentage24h.Decimal)
		})
	case "losers":
		slices.SortStableFunc(rows, func(a, b coinMarket) int {
			return a.PriceChangePercentage24h.Cmp(b.PriceChangePercentage24h.Decimal)
		})
	}

	r := market.Ranking{Topic: topic, Tokens: make([]market.RankedToken, 0, len(rows))}
	for i, row := range rows {
		var tokenID string
		if tok, ok := s.c.registry.BySymbol(row.Symbol); ok && tok.CoinGeckoID == row.ID {
			tokenID = tok.TokenID()
		}
		r.Tokens = append(r.Tokens, market.RankedToken{
			Rank:         i + 1,
			Symbol:       strings.ToUpper(row.Symbol),
			Name:         row.Name,
			TokenID:      tokenID,
			PriceUSD:     row.CurrentPrice.Decimal,
			Change24h:    row.PriceChangePercentage24h.Decimal,
			Volume24hUSD: row.TotalVolume.Decimal,
			MarketCapUSD: row.MarketCap.Decimal,
		})
	}
	return r, nil
}

func (rankingSource) Valid(payload any) bool {
	r, ok := payload.(market.Ranking)
	return ok && r.Valid()
}
