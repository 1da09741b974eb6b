package strategy

import (
	"fmt"
	"time"

	"github.com/wonny/rotor/internal/contracts"
)

const (
	defaultShortWindow = 50
	defaultLongWindow  = 120
)

// SMACross is a trend-following strategy that signals on moving-average
// crossovers. A fresh golden cross scores higher than an established
// uptrend, so newly crossing symbols outrank symbols that crossed long ago.
type SMACross struct {
	shortWindow int
	longWindow  int
}

// NewSMACross creates the crossover strategy. Zero windows fall back to the
// 50/120 defaults; short must stay below long.
func NewSMACross(shortWindow, longWindow int) *SMACross {
	if shortWindow <= 0 {
		shortWindow = defaultShortWindow
	}
	if longWindow <= shortWindow {
		longWindow = defaultLongWindow
	}
	return &SMACross{shortWindow: shortWindow, longWindow: longWindow}
}

func (s *SMACross) Name() string {
	return "sma_cross"
}

// RequiredBars adds a buffer beyond the long window so the previous bar's
// averages are well defined.
func (s *SMACross) RequiredBars() int {
	return s.longWindow + 10
}

func (s *SMACross) Evaluate(series contracts.BarSeries, symbol string) (contracts.Signal, contracts.SignalDetails, error) {
	if series.Len() < s.RequiredBars() {
		return contracts.SignalHold, contracts.SignalDetails{}, fmt.Errorf(
			"%s: need %d bars, have %d", symbol, s.RequiredBars(), series.Len())
	}

	closes := series.Closes()
	n := len(closes)

	smaShort := sma(closes, n-1, s.shortWindow)
	smaLong := sma(closes, n-1, s.longWindow)
	prevShort := sma(closes, n-2, s.shortWindow)
	prevLong := sma(closes, n-2, s.longWindow)
	price := closes[n-1]

	maSpread := (smaShort - smaLong) / smaLong * 100
	priceVsShort := (price - smaShort) / smaShort * 100

	signal := contracts.SignalHold
	score := 0.0
	reason := ""

	switch {
	case smaShort > smaLong && prevShort <= prevLong:
		// golden cross
		if price >= smaShort {
			signal = contracts.SignalBuy
			reason = fmt.Sprintf("golden cross: %d-MA crossed above %d-MA", s.shortWindow, s.longWindow)
			score = clamp(70+maSpread*10+priceVsShort*5, -100, 100)
		}
	case smaShort < smaLong && prevShort >= prevLong:
		// death cross
		signal = contracts.SignalSell
		reason = fmt.Sprintf("death cross: %d-MA crossed below %d-MA", s.shortWindow, s.longWindow)
		score = clamp(-70+maSpread*10+priceVsShort*5, -100, 100)
	case smaShort > smaLong && price >= smaShort:
		signal = contracts.SignalBuy
		reason = fmt.Sprintf("uptrend: price above %d-MA, %d-MA above %d-MA", s.shortWindow, s.shortWindow, s.longWindow)
		score = clamp(30+maSpread*15+priceVsShort*3, -100, 100)
	case smaShort < smaLong:
		signal = contracts.SignalSell
		reason = fmt.Sprintf("downtrend: %d-MA below %d-MA", s.shortWindow, s.longWindow)
		score = clamp(-30+maSpread*15+priceVsShort*3, -100, 100)
	}

	details := contracts.SignalDetails{
		Symbol:    symbol,
		Signal:    signal,
		Score:     score,
		Price:     price,
		Reason:    reason,
		Strategy:  s.Name(),
		Timestamp: time.Now(),
	}
	return signal, details, nil
}

// sma is the simple moving average of the window ending at index end.
func sma(closes []float64, end, window int) float64 {
	start := end - window + 1
	if start < 0 || end >= len(closes) {
		return 0
	}
	sum := 0.0
	for i := start; i <= end; i++ {
		sum += closes[i]
	}
	return sum / float64(window)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
