package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

// ErrPriceUnavailable is returned by feeds that fail or serve stale data.
var ErrPriceUnavailable = errors.New("price unavailable")

// Feed is a source of USD prices keyed by upper-case symbol.
type Feed interface {
	Name() string
	Prices(ctx context.Context) (map[string]float64, error)
}

// Quote is the last good price seen for a symbol.
type Quote struct {
	USD       float64
	Source    string
	UpdatedAt time.Time
}

// FailureFunc is notified whenever a feed refresh fails.
type FailureFunc func(feed string, err error)

// PriceBook caches prices from several feeds. A failing feed leaves the
// previous quotes in place; a symbol that was never quoted stays unpriced.
type PriceBook struct {
	feeds    []Feed
	interval time.Duration
	onFail   FailureFunc

	mu     sync.RWMutex
	quotes map[string]Quote
}

// NewPriceBook creates a price book refreshed every interval by Run.
func NewPriceBook(interval time.Duration, feeds ...Feed) *PriceBook {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &PriceBook{feeds: feeds, interval: interval, quotes: make(map[string]Quote)}
}

// OnFailure registers a hook for refresh failures (metrics).
func (b *PriceBook) OnFailure(fn FailureFunc) {
	b.onFail = fn
}

// Refresh queries every feed once. Errors are joined and returned after all
// feeds were tried; successful feeds are applied regardless.
func (b *PriceBook) Refresh(ctx context.Context) error {
	var errs []error
	for _, f := range b.feeds {
		prices, err := f.Prices(ctx)
		if err != nil {
			log.Warn("Price refresh failed, keeping cached prices", "feed", f.Name(), "err", err)
			if b.onFail != nil {
				b.onFail(f.Name(), err)
			}
			errs = append(errs, fmt.Errorf("%s: %w", f.Name(), err))
			continue
		}
		now := time.Now()
		b.mu.Lock()
		for sym, usd := range prices {
			b.quotes[sym] = Quote{USD: usd, Source: f.Name(), UpdatedAt: now}
		}
		b.mu.Unlock()
		log.Debug("Prices refreshed", "feed", f.Name(), "count", len(prices))
	}
	return errors.Join(errs...)
}

// Run refreshes immediately and then on every interval until ctx is done.
func (b *PriceBook) Run(ctx context.Context) {
	_ = b.Refresh(ctx)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = b.Refresh(ctx)
		}
	}
}

// Price returns the cached USD price of symbol.
func (b *PriceBook) Price(symbol string) (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.quotes[symbol]
	return q.USD, ok
}

// Quote returns the full cached quote of symbol.
func (b *PriceBook) Quote(symbol string) (Quote, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.quotes[symbol]
	return q, ok
}

// Annotate fills the price fields of d from the cache.
func (b *PriceBook) Annotate(d Descriptor) Descriptor {
	if usd, ok := b.Price(d.Symbol); ok {
		d.PriceUSD = usd
		d.Priced = true
	} else {
		d.PriceUSD = 0
		d.Priced = false
	}
	return d
}

// Describe resolves addr and attaches the cached price.
func (b *PriceBook) Describe(ctx context.Context, r *Resolver, addr common.Address) Descriptor {
	return b.Annotate(r.Resolve(ctx, addr))
}
