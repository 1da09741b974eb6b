package contracts

import "time"

// Position is the orchestrator's view of one holding. Owned exclusively by
// the orchestrator's position table and mutated only on open/close.
// HasPosition=false implies the quantity is logically zero and no risk rule
// fires for the symbol.
type Position struct {
	Symbol      string    `json:"symbol"`
	HasPosition bool      `json:"has_position"`
	EntryPrice  float64   `json:"entry_price"`
	EntryTime   time.Time `json:"entry_time"`
	Quantity    int       `json:"quantity"`
	Strategy    string    `json:"strategy"` // strategy that opened the position
}

// PnLPct returns the unrealized return relative to entry. Zero when the
// position is closed or the entry price is unusable.
func (p *Position) PnLPct(currentPrice float64) float64 {
	if !p.HasPosition || p.EntryPrice <= 0 {
		return 0
	}
	return (currentPrice - p.EntryPrice) / p.EntryPrice
}

// BrokerPosition is the venue-reported holding used to reconcile the
// orchestrator's table against authoritative state.
type BrokerPosition struct {
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"`
	AvgCost  float64 `json:"avg_cost"`
	Account  string  `json:"account,omitempty"`
}

// AccountSnapshot is a point-in-time read of account state, refreshed at the
// start of each cycle. The underlying feed is asynchronous; consumers treat
// the snapshot as consistent but possibly stale.
type AccountSnapshot struct {
	Cash           float64                   `json:"cash"`
	BuyingPower    float64                   `json:"buying_power"`
	NetLiquidation float64                   `json:"net_liquidation"`
	Positions      map[string]BrokerPosition `json:"positions"`
	TakenAt        time.Time                 `json:"taken_at"`
}
