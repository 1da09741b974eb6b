package dataprovider

import (
	"context"
	"fmt"
	"time"

	"github.com/wonny/rotor/internal/contracts"
	"github.com/wonny/rotor/pkg/logger"
	"github.com/wonny/rotor/pkg/redis"
)

// Daily bars only change after the close, so a few hours of TTL is safe.
const defaultBarTTL = 4 * time.Hour

// CachedProvider wraps a provider with a Redis-backed bar cache. With Redis
// disabled every call passes straight through.
type CachedProvider struct {
	inner  contracts.DataProvider
	cache  *redis.Cache
	ttl    time.Duration
	logger *logger.Logger
}

// NewCachedProvider decorates inner with caching.
func NewCachedProvider(inner contracts.DataProvider, cache *redis.Cache, log *logger.Logger) *CachedProvider {
	return &CachedProvider{
		inner:  inner,
		cache:  cache,
		ttl:    defaultBarTTL,
		logger: log,
	}
}

func (p *CachedProvider) Name() string {
	return p.inner.Name()
}

func (p *CachedProvider) IsAvailable() bool {
	return p.inner.IsAvailable()
}

func (p *CachedProvider) Fetch(ctx context.Context, symbol string, lookbackDays int) (contracts.BarSeries, error) {
	key := fmt.Sprintf("bars:%s:%d", symbol, lookbackDays)

	var cached contracts.BarSeries
	hit, err := p.cache.Get(ctx, key, &cached)
	if err != nil {
		p.logger.WithError(err).WithField("symbol", symbol).Warn("Bar cache read failed")
	}
	if hit && !cached.Empty() {
		p.logger.WithFields(map[string]interface{}{
			"symbol": symbol,
			"bars":   cached.Len(),
		}).Debug("Bar cache hit")
		return cached, nil
	}

	series, err := p.inner.Fetch(ctx, symbol, lookbackDays)
	if err != nil {
		return nil, err
	}

	if !series.Empty() {
		if err := p.cache.Set(ctx, key, series, p.ttl); err != nil {
			p.logger.WithError(err).WithField("symbol", symbol).Warn("Bar cache write failed")
		}
	}
	return series, nil
}

var _ contracts.DataProvider = (*CachedProvider)(nil)
