package market

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Price is the normalized spot quote for one token.
type Price struct {
	Symbol       string          `json:"symbol"`
	Name         string          `json:"name,omitempty"`
	TokenID      string          `json:"token_id,omitempty"`
	PriceUSD     decimal.Decimal `json:"price_usd"`
	Change24h    decimal.Decimal `json:"change_24h"`
	Volume24hUSD decimal.Decimal `json:"volume_24h_usd"`
	MarketCapUSD decimal.Decimal `json:"market_cap_usd"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Valid reports whether p carries a usable price.
func (p Price) Valid() bool {
	return p.PriceUSD.IsPositive()
}

// RankedToken is one row of a topic ranking.
type RankedToken struct {
	Rank         int             `json:"rank"`
	Symbol       string          `json:"symbol"`
	Name         string          `json:"name,omitempty"`
	TokenID      string          `json:"token_id,omitempty"`
	PriceUSD     decimal.Decimal `json:"price_usd"`
	Change24h    decimal.Decimal `json:"change_24h"`
	Volume24hUSD decimal.Decimal `json:"volume_24h_usd"`
	MarketCapUSD decimal.Decimal `json:"market_cap_usd"`
}

// Ranking is the ordered token list for a topic.
type Ranking struct {
	Topic  string        `json:"topic"`
	Tokens []RankedToken `json:"tokens"`
}

// Valid reports whether r lists at least one identifiable token.
func (r Ranking) Valid() bool {
	if len(r.Tokens) == 0 {
		return false
	}
	for _, t := range r.Tokens {
		if t.Symbol == "" && t.TokenID == "" {
			return false
		}
	}
	return true
}

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime time.Time       `json:"open_time"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}

// Klines is a candle series, oldest first.
type Klines struct {
	TokenID         string   `json:"token_id"`
	IntervalMinutes int      `json:"interval_minutes"`
	Candles         []Candle `json:"candles"`
}

// Valid reports whether k is non-empty, strictly time-ordered and every bar
// is internally consistent.
func (k Klines) Valid() bool {
	if len(k.Candles) == 0 {
		return false
	}
	for i, c := range k.Candles {
		if c.High.LessThan(c.Low) || !c.Close.IsPositive() {
			return false
		}
		if i > 0 && !c.OpenTime.After(k.Candles[i-1].OpenTime) {
			return false
		}
	}
	return true
}

// SortCandles orders candles oldest first. Some upstreams return newest first.
func SortCandles(candles []Candle) {
	slices.SortStableFunc(candles, func(a, b Candle) int {
		return a.OpenTime.Compare(b.OpenTime)
	})
}
