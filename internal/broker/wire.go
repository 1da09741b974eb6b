package broker

import (
	"time"

	"github.com/wonny/rotor/internal/contracts"
)

// ============================================================================
// Wire Protocol
// ============================================================================

// Message kinds sent by the gateway. Every reply to a request echoes the
// req_id the client assigned, so replies can be routed back to the caller.
const (
	msgSession     = "session"
	msgTick        = "tick"
	msgBars        = "bars"
	msgAccount     = "account"
	msgPositions   = "positions"
	msgOrderStatus = "order_status"
	msgError       = "error"
	msgPong        = "pong"
)

// Request kinds sent to the gateway.
const (
	reqSubscribe   = "subscribe"
	reqSnapshot    = "snapshot"
	reqHistorical  = "historical"
	reqAccount     = "account"
	reqPositions   = "positions"
	reqPlaceOrder  = "place_order"
	reqCancelOrder = "cancel_order"
	reqModifyOrder = "modify_order"
)

// request is the envelope for every outbound frame.
type request struct {
	Type    string  `json:"type"`
	ReqID   int64   `json:"req_id"`
	Symbol  string  `json:"symbol,omitempty"`
	Days    int     `json:"days,omitempty"`
	Account string  `json:"account,omitempty"`
	OrderID int64   `json:"order_id,omitempty"`
	Side    string  `json:"side,omitempty"`
	Qty     int     `json:"qty,omitempty"`
	Kind    string  `json:"kind,omitempty"`
	Limit   float64 `json:"limit,omitempty"`
	Stop    float64 `json:"stop,omitempty"`
}

// message is the envelope for every inbound frame. Only the fields relevant
// to the Type are populated by the gateway.
type message struct {
	Type  string `json:"type"`
	ReqID int64  `json:"req_id,omitempty"`

	// session
	NextOrderID int64  `json:"next_order_id,omitempty"`
	Account     string `json:"account,omitempty"`

	// tick
	Symbol string  `json:"symbol,omitempty"`
	Last   float64 `json:"last,omitempty"`
	Bid    float64 `json:"bid,omitempty"`
	Ask    float64 `json:"ask,omitempty"`
	High   float64 `json:"high,omitempty"`
	Low    float64 `json:"low,omitempty"`
	Volume int64   `json:"volume,omitempty"`

	// bars
	Bars []wireBar `json:"bars,omitempty"`

	// account
	Cash           float64 `json:"cash,omitempty"`
	BuyingPower    float64 `json:"buying_power,omitempty"`
	NetLiquidation float64 `json:"net_liquidation,omitempty"`

	// positions
	Positions []wirePosition `json:"positions,omitempty"`

	// order_status
	OrderID   int64   `json:"order_id,omitempty"`
	Status    string  `json:"status,omitempty"`
	Filled    float64 `json:"filled,omitempty"`
	AvgPrice  float64 `json:"avg_price,omitempty"`
	Remaining float64 `json:"remaining,omitempty"`

	// error
	Code   int    `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type wireBar struct {
	Time   int64   `json:"t"`
	Open   float64 `json:"o"`
	High   float64 `json:"h"`
	Low    float64 `json:"l"`
	Close  float64 `json:"c"`
	Volume int64   `json:"v"`
}

type wirePosition struct {
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"qty"`
	AvgCost  float64 `json:"avg_cost"`
	Account  string  `json:"account,omitempty"`
}

func (b wireBar) toBar() contracts.Bar {
	return contracts.Bar{
		Time:   time.Unix(b.Time, 0).UTC(),
		Open:   b.Open,
		High:   b.High,
		Low:    b.Low,
		Close:  b.Close,
		Volume: b.Volume,
	}
}

func toBarSeries(bars []wireBar) contracts.BarSeries {
	series := make(contracts.BarSeries, 0, len(bars))
	for _, b := range bars {
		series = append(series, b.toBar())
	}
	return series
}

func parseOrderStatus(s string) contracts.OrderStatus {
	switch s {
	case "PendingSubmit", "PreSubmitted", "PENDING":
		return contracts.StatusPending
	case "Submitted", "SUBMITTED":
		return contracts.StatusSubmitted
	case "PartiallyFilled", "PARTIALLY_FILLED":
		return contracts.StatusPartiallyFilled
	case "Filled", "FILLED":
		return contracts.StatusFilled
	case "Cancelled", "ApiCancelled", "CANCELLED":
		return contracts.StatusCancelled
	case "Rejected", "Inactive", "REJECTED":
		return contracts.StatusRejected
	default:
		return contracts.StatusSubmitted
	}
}
