package contracts

import (
	"context"
	"time"
)

// Quote is the current per-symbol market snapshot maintained by the broker
// session (running high/low since the first request, last trade, top of book).
type Quote struct {
	Symbol    string    `json:"symbol"`
	Last      float64   `json:"last"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Volume    int64     `json:"volume"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Broker is the capability surface the orchestrator trades through. Both the
// live session and the simulator implement it; the orchestrator never depends
// on a concrete variant.
type Broker interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	// GetQuote returns the current market snapshot for a symbol, or an
	// error after a bounded wait if the feed stalls.
	GetQuote(ctx context.Context, symbol string) (*Quote, error)

	// GetHistoricalData fetches daily bars covering the lookback window.
	GetHistoricalData(ctx context.Context, symbol string, lookbackDays int) (BarSeries, error)

	// GetAccount returns a point-in-time account snapshot including all
	// venue-reported positions.
	GetAccount(ctx context.Context) (*AccountSnapshot, error)

	// GetPosition returns the venue-reported quantity for a symbol
	// (zero when flat).
	GetPosition(ctx context.Context, symbol string) (float64, error)

	// PlaceOrder submits an order and returns its id. The id is valid even
	// if the fill has not occurred yet; status is read via GetOrderStatus.
	PlaceOrder(ctx context.Context, req OrderRequest) (int64, error)
	CancelOrder(ctx context.Context, orderID int64) error
	ModifyOrder(ctx context.Context, orderID int64, req OrderRequest) error

	// ClosePosition flattens a symbol and returns the closing order id,
	// or 0 when there was nothing to close.
	ClosePosition(ctx context.Context, symbol string) (int64, error)

	// ValidateOrder runs the broker-side pre-trade checks. A false result
	// carries a human-readable reason.
	ValidateOrder(ctx context.Context, req OrderRequest) (bool, string)

	// GetOrderStatus reads the callback-maintained status table.
	GetOrderStatus(orderID int64) (OrderStatus, bool)
}

// DataProvider is one source of historical bars. Providers are tried in
// configured order; the first non-empty result wins.
type DataProvider interface {
	Name() string
	IsAvailable() bool
	Fetch(ctx context.Context, symbol string, lookbackDays int) (BarSeries, error)
}

// Strategy scores a price series. Strategies are stateless across calls; all
// needed history is passed in.
type Strategy interface {
	Name() string

	// RequiredBars is the minimum series length the strategy needs.
	RequiredBars() int

	// Evaluate returns the discrete signal plus the full details
	// (score, price, reason) for ranking and journaling.
	Evaluate(series BarSeries, symbol string) (Signal, SignalDetails, error)
}
