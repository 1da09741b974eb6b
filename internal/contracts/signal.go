package contracts

import "time"

// Signal is a discrete trading decision emitted by a strategy or risk rule.
type Signal string

const (
	SignalBuy  Signal = "BUY"
	SignalSell Signal = "SELL"
	SignalHold Signal = "HOLD"
)

// SignalDetails carries the full analysis result for one symbol in one cycle.
// Produced once per symbol per cycle and never mutated afterwards; ranking,
// risk checks, and the journal all read the same value.
type SignalDetails struct {
	Symbol    string    `json:"symbol"`
	Signal    Signal    `json:"signal"`
	Score     float64   `json:"score"` // continuous ranking value, higher is better
	Price     float64   `json:"price"` // last close used for the decision
	Reason    string    `json:"reason"`
	Strategy  string    `json:"strategy"`
	Timestamp time.Time `json:"timestamp"`
}

// IsActionable reports whether the signal asks for a trade.
func (s Signal) IsActionable() bool {
	return s == SignalBuy || s == SignalSell
}
