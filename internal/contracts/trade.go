package contracts

import "time"

// TradeRecord is one append-only journal entry. Created on every open and
// close; never mutated or deleted.
type TradeRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol"`
	Action    OrderSide `json:"action"`
	Price     float64   `json:"price"`
	Quantity  int       `json:"quantity"`
	Strategy  string    `json:"strategy"`
	Reason    string    `json:"reason"`
	DryRun    bool      `json:"dry_run"`
}
