package dataprovider

import (
	"context"

	"github.com/wonny/rotor/internal/contracts"
)

// BrokerProvider serves historical bars from the broker session. It is the
// primary source while the session is up; the chain falls through to web
// sources when it is not.
type BrokerProvider struct {
	broker contracts.Broker
}

// NewBrokerProvider wraps a broker as a data source.
func NewBrokerProvider(b contracts.Broker) *BrokerProvider {
	return &BrokerProvider{broker: b}
}

func (p *BrokerProvider) Name() string {
	return "broker"
}

func (p *BrokerProvider) IsAvailable() bool {
	return p.broker.IsConnected()
}

func (p *BrokerProvider) Fetch(ctx context.Context, symbol string, lookbackDays int) (contracts.BarSeries, error) {
	return p.broker.GetHistoricalData(ctx, symbol, lookbackDays)
}

var _ contracts.DataProvider = (*BrokerProvider)(nil)
