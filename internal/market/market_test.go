package market

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryKeys(t *testing.T) {
	tests := []struct {
		name  string
		query Query
		key   string
		typ   QueryType
	}{
		{"price", PriceQuery{Symbol: "xai"}, "price:XAI", QueryPrice},
		{"ranking", RankingQuery{Topic: "Hot"}, "tokens_topic:hot", QueryRanking},
		{
			"kline",
			KlineQuery{Address: "0xabc", Chain: "BSC", IntervalMinutes: 15, Limit: 100},
			"kline:0xabc-bsc:15:100",
			QueryKline,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.key, tt.query.Key())
			assert.Equal(t, tt.typ, tt.query.Type())
		})
	}
}

func TestParseTokenID(t *testing.T) {
	addr, chain, err := ParseTokenID("0xabc-eth")
	require.NoError(t, err)
	assert.Equal(t, "0xabc", addr)
	assert.Equal(t, "eth", chain)

	addr, chain, err = ParseTokenID("So111-wrapped-SOLANA")
	require.NoError(t, err)
	assert.Equal(t, "So111-wrapped", addr)
	assert.Equal(t, "solana", chain)

	for _, bad := range []string{"", "nodash", "-eth", "0xabc-"} {
		_, _, err := ParseTokenID(bad)
		assert.Error(t, err, bad)
	}
}

func TestPrice_Valid(t *testing.T) {
	assert.True(t, Price{PriceUSD: decimal.RequireFromString("0.0001")}.Valid())
	assert.False(t, Price{}.Valid())
	assert.False(t, Price{PriceUSD: decimal.NewFromInt(-1)}.Valid())
}

func TestRanking_Valid(t *testing.T) {
	assert.False(t, Ranking{Topic: "hot"}.Valid())
	assert.False(t, Ranking{Tokens: []RankedToken{{Rank: 1}}}.Valid())
	assert.True(t, Ranking{Tokens: []RankedToken{{Rank: 1, Symbol: "XAI"}}}.Valid())
	assert.True(t, Ranking{Tokens: []RankedToken{{Rank: 1, TokenID: "0xabc-eth"}}}.Valid())
}

func TestKlines_Valid(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	bar := func(at time.Time, low, high, close string) Candle {
		return Candle{
			OpenTime: at,
			Open:     decimal.RequireFromString(close),
			High:     decimal.RequireFromString(high),
			Low:      decimal.RequireFromString(low),
			Close:    decimal.RequireFromString(close),
		}
	}

	ok := Klines{Candles: []Candle{
		bar(t0, "1", "2", "1.5"),
		bar(t0.Add(time.Minute), "1", "3", "2"),
	}}
	assert.True(t, ok.Valid())

	assert.False(t, Klines{}.Valid())
	assert.False(t, Klines{Candles: []Candle{bar(t0, "2", "1", "1.5")}}.Valid(), "high below low")
	assert.False(t, Klines{Candles: []Candle{bar(t0, "0", "1", "0")}}.Valid(), "zero close")
	assert.False(t, Klines{Candles: []Candle{
		bar(t0, "1", "2", "1.5"),
		bar(t0, "1", "2", "1.5"),
	}}.Valid(), "duplicate open time")
}

func TestRegistry(t *testing.T) {
	r := NewRegistry([]Token{
		{Symbol: "XAI", CoinGeckoID: "xai-blockchain", Binance: "XAIUSDT", Address: "0xXAI", Chain: "arbitrum"},
		{Symbol: "pepe", Binance: "PEPEUSDT"},
	})

	tok, ok := r.BySymbol("xai")
	require.True(t, ok)
	assert.Equal(t, "xai-blockchain", tok.CoinGeckoID)
	assert.Equal(t, "0xXAI-arbitrum", tok.TokenID())

	tok, ok = r.ByTokenID("0xxai-ARBITRUM")
	require.True(t, ok)
	assert.Equal(t, "XAI", tok.Symbol)

	tok, ok = r.BySymbol("PEPE")
	require.True(t, ok)
	assert.Empty(t, tok.TokenID())

	tok, ok = r.BySymbol("doge")
	assert.False(t, ok)
	assert.Equal(t, "DOGE", tok.Symbol)

	assert.ElementsMatch(t, []string{"XAI", "PEPE"}, r.Symbols())

	var nilRegistry *Registry
	_, ok = nilRegistry.ByTokenID("x-eth")
	assert.False(t, ok)
}

func TestSortCandles(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	candles := []Candle{{OpenTime: t0.Add(2 * time.Minute)}, {OpenTime: t0}, {OpenTime: t0.Add(time.Minute)}}

	SortCandles(candles)

	assert.Equal(t, t0, candles[0].OpenTime)
	assert.Equal(t, t0.Add(time.Minute), candles[1].OpenTime)
	assert.Equal(t, t0.Add(2*time.Minute), candles[2].OpenTime)
}
