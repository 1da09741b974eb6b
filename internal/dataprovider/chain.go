package dataprovider

import (
	"context"
	"fmt"

	"github.com/wonny/rotor/internal/contracts"
	"github.com/wonny/rotor/pkg/logger"
)

// Chain tries providers in order and returns the first non-empty series.
// A provider that errors or comes back empty just moves the chain along;
// only when every source fails does the caller see an error.
type Chain struct {
	providers []contracts.DataProvider
	logger    *logger.Logger
}

// NewChain creates a provider chain. Order matters: put the cheapest or
// most trusted source first.
func NewChain(log *logger.Logger, providers ...contracts.DataProvider) *Chain {
	return &Chain{providers: providers, logger: log}
}

func (c *Chain) Name() string {
	return "chain"
}

// IsAvailable reports whether any provider in the chain is usable.
func (c *Chain) IsAvailable() bool {
	for _, p := range c.providers {
		if p.IsAvailable() {
			return true
		}
	}
	return false
}

// Fetch walks the chain until a provider returns data.
func (c *Chain) Fetch(ctx context.Context, symbol string, lookbackDays int) (contracts.BarSeries, error) {
	var lastErr error

	for _, p := range c.providers {
		if !p.IsAvailable() {
			continue
		}

		series, err := p.Fetch(ctx, symbol, lookbackDays)
		if err != nil {
			c.logger.WithError(err).WithFields(map[string]interface{}{
				"provider": p.Name(),
				"symbol":   symbol,
			}).Warn("Provider failed, trying next")
			lastErr = err
			continue
		}
		if series.Empty() {
			c.logger.WithFields(map[string]interface{}{
				"provider": p.Name(),
				"symbol":   symbol,
			}).Debug("Provider returned no data, trying next")
			continue
		}

		c.logger.WithFields(map[string]interface{}{
			"provider": p.Name(),
			"symbol":   symbol,
			"bars":     series.Len(),
		}).Debug("Fetched historical data")
		return series, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("all providers failed for %s: %w", symbol, lastErr)
	}
	return nil, fmt.Errorf("no provider returned data for %s", symbol)
}

var _ contracts.DataProvider = (*Chain)(nil)
