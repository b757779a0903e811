// Package marketdata resolves underlying prices for settlement, backed
// by the Alpaca market-data API with a short-lived in-process cache.
package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"spreadlab/internal/backtest"
	"spreadlab/internal/config"
	"spreadlab/internal/util"
)

const (
	retryAttempts  = 3
	retryBaseDelay = 500 * time.Millisecond
)

// fetchFunc fetches the latest trade price for a symbol.
type fetchFunc func(ctx context.Context, symbol string) (float64, error)

type cachedPrice struct {
	price   float64
	fetched time.Time
}

// Source serves latest underlying prices. Lookups are rate limited,
// retried with backoff, and cached for a short TTL so one monitoring
// cycle touching many strategies on the same symbol costs one API call.
type Source struct {
	fetch   fetchFunc
	limiter *util.RateLimiter
	ttl     time.Duration
	log     *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedPrice

	now func() time.Time
}

// NewAlpacaSource creates a Source backed by the Alpaca market-data API.
func NewAlpacaSource(cfg config.Alpaca, mon config.Monitor, log *slog.Logger) *Source {
	opts := marketdata.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
	}
	if cfg.DataURL != "" {
		opts.BaseURL = cfg.DataURL
	}
	client := marketdata.NewClient(opts)

	fetch := func(_ context.Context, symbol string) (float64, error) {
		trade, err := client.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
		if err != nil {
			return 0, fmt.Errorf("GetLatestTrade(%s): %w", symbol, err)
		}
		if trade == nil {
			return 0, fmt.Errorf("GetLatestTrade(%s): no trade data", symbol)
		}
		return trade.Price, nil
	}

	return newSource(fetch, mon, log)
}

func newSource(fetch fetchFunc, mon config.Monitor, log *slog.Logger) *Source {
	ttl := mon.PriceCacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	perMin := mon.RateLimitPerMin
	if perMin <= 0 {
		perMin = 200
	}
	return &Source{
		fetch:   fetch,
		limiter: util.NewRateLimiter(perMin),
		ttl:     ttl,
		log:     log.With("component", "marketdata"),
		cache:   make(map[string]cachedPrice),
		now:     time.Now,
	}
}

// LatestPrice returns the most recent trade price for symbol, serving
// from cache when a lookup happened within the TTL.
func (s *Source) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	symbol = strings.ToUpper(symbol)

	s.mu.Lock()
	if c, ok := s.cache[symbol]; ok && s.now().Sub(c.fetched) < s.ttl {
		s.mu.Unlock()
		return c.price, nil
	}
	s.mu.Unlock()

	if err := s.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	var price float64
	err := util.Retry(ctx, retryAttempts, retryBaseDelay, func() error {
		p, err := s.fetch(ctx, symbol)
		if err != nil {
			return err
		}
		price = p
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("fetching price for %s: %w", symbol, err)
	}

	s.mu.Lock()
	s.cache[symbol] = cachedPrice{price: price, fetched: s.now()}
	s.mu.Unlock()

	s.log.Debug("price fetched", "symbol", symbol, "price", price)
	return price, nil
}

// PriceFunc adapts the source to the tracker's lookup contract, binding
// the given context to every call.
func (s *Source) PriceFunc(ctx context.Context) backtest.PriceFunc {
	return func(symbol string) (float64, error) {
		return s.LatestPrice(ctx, symbol)
	}
}
