package contracts

import (
	"testing"
	"time"
)

func TestPosition_PnLPct(t *testing.T) {
	pos := &Position{
		Symbol:      "SPY",
		HasPosition: true,
		EntryPrice:  100,
		EntryTime:   time.Now(),
		Quantity:    10,
	}

	if got := pos.PnLPct(94); got != -0.06 {
		t.Errorf("PnLPct(94) = %v, want -0.06", got)
	}
	if got := pos.PnLPct(115); got != 0.15 {
		t.Errorf("PnLPct(115) = %v, want 0.15", got)
	}
}

func TestPosition_PnLPct_Closed(t *testing.T) {
	pos := &Position{Symbol: "SPY", HasPosition: false, EntryPrice: 100}

	if got := pos.PnLPct(50); got != 0 {
		t.Errorf("PnLPct on closed position = %v, want 0", got)
	}
}

func TestOrderStatus_IsTerminal(t *testing.T) {
	terminal := []OrderStatus{StatusFilled, StatusCancelled, StatusRejected}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}

	open := []OrderStatus{StatusPending, StatusSubmitted, StatusPartiallyFilled}
	for _, s := range open {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestSignal_IsActionable(t *testing.T) {
	if !SignalBuy.IsActionable() || !SignalSell.IsActionable() {
		t.Error("BUY and SELL should be actionable")
	}
	if SignalHold.IsActionable() {
		t.Error("HOLD should not be actionable")
	}
}

func TestBarSeries_Helpers(t *testing.T) {
	series := BarSeries{
		{Close: 1}, {Close: 2}, {Close: 3},
	}

	if series.Len() != 3 || series.Empty() {
		t.Fatalf("unexpected length: %d", series.Len())
	}
	if series.Last().Close != 3 {
		t.Errorf("Last().Close = %v, want 3", series.Last().Close)
	}

	closes := series.Closes()
	if len(closes) != 3 || closes[0] != 1 || closes[2] != 3 {
		t.Errorf("Closes() = %v", closes)
	}

	tail := series.Tail(2)
	if tail.Len() != 2 || tail[0].Close != 2 {
		t.Errorf("Tail(2) = %v", tail)
	}
	if series.Tail(10).Len() != 3 {
		t.Error("Tail larger than series should return whole series")
	}
}
