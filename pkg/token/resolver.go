package token

import (
	"context"
	"fmt"
	"strings"

	"github.com/84hero/holding-mirror/pkg/event"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru"
)

// Descriptor describes a token as the reward engine and the store need it.
type Descriptor struct {
	Address  common.Address `json:"address"`
	Symbol   string         `json:"symbol"`
	Decimals int32          `json:"decimals"`
	PriceUSD float64        `json:"price_usd"`
	// Priced is false until a feed has produced a price for Symbol.
	Priced bool `json:"priced"`
}

// Lookup fetches symbol and decimals of a token from an external registry.
type Lookup interface {
	LookupToken(ctx context.Context, addr common.Address) (symbol string, decimals int32, err error)
}

// Native describes the native asset that the zero address stands for.
type Native struct {
	Symbol   string
	Decimals int32
}

// UnknownSymbol is reported for tokens the registry could not resolve.
const UnknownSymbol = "UNKNOWN"

const fallbackDecimals = 8

// Resolver maps token addresses to symbol and decimals.
// Successful lookups are cached; the cache is bounded so arbitrary tokens cannot grow it forever.
type Resolver struct {
	source Lookup
	native Native
	cache  *lru.Cache
}

// NewResolver creates a resolver with a cache holding up to size entries.
func NewResolver(source Lookup, native Native, size int) (*Resolver, error) {
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("token cache: %w", err)
	}
	if native.Symbol == "" {
		native = Native{Symbol: "HBAR", Decimals: 8}
	}
	return &Resolver{source: source, native: native, cache: cache}, nil
}

// Resolve returns the descriptor for addr without price information.
// The native sentinel never reaches the network. Lookup failures yield
// an UNKNOWN descriptor that is not cached, so the next call retries.
func (r *Resolver) Resolve(ctx context.Context, addr common.Address) Descriptor {
	if addr == event.NativeToken {
		return Descriptor{Address: addr, Symbol: r.native.Symbol, Decimals: r.native.Decimals}
	}
	if v, ok := r.cache.Get(addr); ok {
		return v.(Descriptor)
	}

	symbol, decimals, err := r.source.LookupToken(ctx, addr)
	if err != nil {
		log.Warn("Token lookup failed", "token", addr.Hex(), "err", err)
		return Descriptor{Address: addr, Symbol: UnknownSymbol, Decimals: fallbackDecimals}
	}
	d := Descriptor{Address: addr, Symbol: strings.ToUpper(symbol), Decimals: decimals}
	r.cache.Add(addr, d)
	return d
}

// Cached reports how many tokens are memoized.
func (r *Resolver) Cached() int {
	return r.cache.Len()
}
