// Package okx fetches spot tickers from the OKX public market API.
package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tokenfeed/internal/fetcher"
	"tokenfeed/internal/market"
	"tokenfeed/internal/providers/wire"
	"tokenfeed/internal/ratelimit"
	"tokenfeed/internal/source"
)

const (
	// SourceID identifies OKX in chains and cache entries.
	SourceID = "okx"

	// DefaultBaseURL is the public API root.
	DefaultBaseURL = "https://www.okx.com"

	// codeRateLimited is returned inside a 200 body when the caller is throttled.
	codeRateLimited = "50011"
)

var hundred = decimal.NewFromInt(100)

type tickerResponse struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data []struct {
		InstID    string       `json:"instId"`
		Last      wire.Decimal `json:"last"`
		Open24h   wire.Decimal `json:"open24h"`
		VolCcy24h wire.Decimal `json:"volCcy24h"`
	} `json:"data"`
}

// Client talks to the OKX API.
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

type priceSource struct{ c *Client }

func (priceSource) ID() string                     { return SourceID }
func (priceSource) Class() ratelimit.EndpointClass { return ratelimit.ClassOKX }

func (s priceSource) request(q market.Query) (fetcher.Request, error) {
	pq, ok := q.(market.PriceQuery)
	if !ok {
		return fetcher.Request{}, source.ErrUnsupported
	}
	tok, _ := s.c.registry.BySymbol(pq.Symbol)
	if tok.OKX == "" {
		return fetcher.Request{}, fmt.Errorf("%s is not listed on okx: %w", pq.Symbol, source.ErrUnsupported)
	}
	return fetcher.Request{
		Path:  "/api/v5/market/ticker",
		Query: map[string]string{"instId": tok.OKX},
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
	var resp tickerResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fetcher.NewShapeError("decode okx ticker", err)
	}

	// OKX returns code "0" for success
	switch resp.Code {
	case "0":
	case codeRateLimited:
		return nil, fetcher.NewRateLimitError(429)
	default:
		return nil, fetcher.NewShapeError(fmt.Sprintf("okx error code %s: %s", resp.Code, resp.Msg), nil)
	}
	if len(resp.Data) == 0 {
		return nil, fetcher.NewShapeError("okx returned no ticker", nil)
	}

	t := resp.Data[0]
	p := market.Price{
		PriceUSD:  t.Last.Decimal,
		UpdatedAt: s.c.now().UTC(),
	}
	// 24h change is (last/open24h - 1) * 100
	if t.Open24h.IsPositive() {
		p.Change24h = t.Last.Div(t.Open24h.Decimal).Sub(decimal.NewFromInt(1)).Mul(hundred).Round(4)
	}
	// volCcy24h is quoted in the quote currency for spot pairs
	if strings.HasSuffix(t.InstID, "-USDT") || strings.HasSuffix(t.InstID, "-USDC") || strings.HasSuffix(t.InstID, "-USD") {
		p.Volume24hUSD = t.VolCcy24h.Decimal
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
