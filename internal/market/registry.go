package market

import "strings"

// Token maps one logical token onto each provider's own identifier.
// Empty fields mean the provider does not list the token.
type Token struct {
	Symbol      string `mapstructure:"symbol"`
	Name        string `mapstructure:"name"`
	CoinGeckoID string `mapstructure:"coingecko_id"`
	Binance     string `mapstructure:"binance"`
	OKX         string `mapstructure:"okx"`
	Address     string `mapstructure:"address"`
	Chain       string `mapstructure:"chain"`
}

// TokenID returns the on-chain identifier, or "" if the token has none.
func (t Token) TokenID() string {
	if t.Address == "" || t.Chain == "" {
		return ""
	}
	return TokenID(t.Address, t.Chain)
}

// Registry looks tokens up by symbol or on-chain id. It is built once at
// startup and read-only afterwards.
type Registry struct {
	bySymbol  map[string]Token
	byTokenID map[string]Token
}

// NewRegistry indexes tokens. Later duplicates win.
func NewRegistry(tokens []Token) *Registry {
	r := &Registry{
		bySymbol:  make(map[string]Token, len(tokens)),
		byTokenID: make(map[string]Token, len(tokens)),
	}
	for _, t := range tokens {
		if t.Symbol != "" {
			r.bySymbol[strings.ToUpper(t.Symbol)] = t
		}
		if id := t.TokenID(); id != "" {
			r.byTokenID[strings.ToLower(id)] = t
		}
	}
	return r
}

// BySymbol finds a token by ticker symbol, case-insensitively. Unknown
// symbols resolve to a bare Token carrying only the symbol.
func (r *Registry) BySymbol(symbol string) (Token, bool) {
	if r != nil {
		if t, ok := r.bySymbol[strings.ToUpper(symbol)]; ok {
			return t, true
		}
	}
	return Token{Symbol: strings.ToUpper(symbol)}, false
}

// ByTokenID finds a token by "{address}-{chain}", case-insensitively.
func (r *Registry) ByTokenID(id string) (Token, bool) {
	if r == nil {
		return Token{}, false
	}
	t, ok := r.byTokenID[strings.ToLower(id)]
	return t, ok
}

// Symbols lists every registered symbol.
func (r *Registry) Symbols() []string {
	out := make([]string, 0, len(r.bySymbol))
	for s := range r.bySymbol {
		out = append(out, s)
	}
	return out
}
