package market

import (
	"fmt"
	"strings"
)

// QueryType names a class of logical query. Each type has its own source
// chain and cache policy.
type QueryType string

const (
	QueryPrice   QueryType = "price"
	QueryRanking QueryType = "ranking"
	QueryKline   QueryType = "kline"
)

// Query is a logical request for market data. Key is unique per distinct
// query and is used verbatim as the cache key.
type Query interface {
	Type() QueryType
	Key() string
}

// PriceQuery asks for the current price of a token by symbol.
type PriceQuery struct {
	Symbol string
}

func (q PriceQuery) Type() QueryType { return QueryPrice }

func (q PriceQuery) Key() string {
	return "price:" + strings.ToUpper(q.Symbol)
}

// RankingQuery asks for the top tokens of a topic such as "hot" or "gainers".
type RankingQuery struct {
	Topic string
}

func (q RankingQuery) Type() QueryType { return QueryRanking }

func (q RankingQuery) Key() string {
	return "tokens_topic:" + strings.ToLower(q.Topic)
}

// KlineQuery asks for candles of an on-chain token.
type KlineQuery struct {
	Address         string
	Chain           string
	IntervalMinutes int
	Limit           int
}

func (q KlineQuery) Type() QueryType { return QueryKline }

// TokenID is the "{address}-{chain}" identifier used by on-chain data providers.
func (q KlineQuery) TokenID() string {
	return TokenID(q.Address, q.Chain)
}

func (q KlineQuery) Key() string {
	return fmt.Sprintf("kline:%s:%d:%d", q.TokenID(), q.IntervalMinutes, q.Limit)
}

// TokenID joins an address and chain into "{address}-{chain}".
func TokenID(address, chain string) string {
	return address + "-" + strings.ToLower(chain)
}

// ParseTokenID splits "{address}-{chain}". The chain is the part after the
// last dash, so addresses containing dashes survive.
func ParseTokenID(id string) (address, chain string, err error) {
	i := strings.LastIndex(id, "-")
	if i <= 0 || i == len(id)-1 {
		return "", "", fmt.Errorf("invalid token id %q: want {address}-{chain}", id)
	}
	return id[:i], strings.ToLower(id[i+1:]), nil
}
