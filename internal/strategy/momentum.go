package strategy

import (
	"fmt"
	"time"

	"github.com/wonny/rotor/internal/contracts"
)

const (
	defaultRSIPeriod     = 14
	defaultRSIOversold   = 30.0
	defaultRSIOverbought = 70.0
	defaultROCPeriod     = 20
)

// Momentum signals on RSI extremes combined with the price rate of change.
// It buys oversold dips, exits overbought runs, and rides positive momentum
// in between.
type Momentum struct {
	rsiPeriod     int
	rsiOversold   float64
	rsiOverbought float64
	rocPeriod     int
}

// NewMomentum creates the momentum strategy with 14-period RSI and
// 20-period rate of change.
func NewMomentum() *Momentum {
	return &Momentum{
		rsiPeriod:     defaultRSIPeriod,
		rsiOversold:   defaultRSIOversold,
		rsiOverbought: defaultRSIOverbought,
		rocPeriod:     defaultROCPeriod,
	}
}

func (m *Momentum) Name() string {
	return "momentum"
}

func (m *Momentum) RequiredBars() int {
	longest := m.rsiPeriod
	if m.rocPeriod > longest {
		longest = m.rocPeriod
	}
	return longest + 20
}

func (m *Momentum) Evaluate(series contracts.BarSeries, symbol string) (contracts.Signal, contracts.SignalDetails, error) {
	if series.Len() < m.RequiredBars() {
		return contracts.SignalHold, contracts.SignalDetails{}, fmt.Errorf(
			"%s: need %d bars, have %d", symbol, m.RequiredBars(), series.Len())
	}

	closes := series.Closes()
	n := len(closes)

	rsi := rsi(closes, m.rsiPeriod)
	roc := (closes[n-1]/closes[n-1-m.rocPeriod] - 1) * 100
	price := closes[n-1]

	signal := contracts.SignalHold
	score := 0.0
	reason := ""

	switch {
	case rsi < m.rsiOversold && roc < 0:
		signal = contracts.SignalBuy
		reason = fmt.Sprintf("oversold: RSI=%.1f < %.0f, ROC=%.2f%%", rsi, m.rsiOversold, roc)
		score = clamp(70+(m.rsiOversold-rsi), -100, 100)
	case rsi > m.rsiOverbought && roc > 5:
		signal = contracts.SignalSell
		reason = fmt.Sprintf("overbought: RSI=%.1f > %.0f, ROC=%.2f%%", rsi, m.rsiOverbought, roc)
		score = clamp(-70-(rsi-m.rsiOverbought), -100, 100)
	case rsi > 50 && roc > 0:
		signal = contracts.SignalBuy
		reason = fmt.Sprintf("momentum: RSI=%.1f, positive ROC=%.2f%%", rsi, roc)
		score = clamp(30+roc*2, -100, 100)
	}

	details := contracts.SignalDetails{
		Symbol:    symbol,
		Signal:    signal,
		Score:     score,
		Price:     price,
		Reason:    reason,
		Strategy:  m.Name(),
		Timestamp: time.Now(),
	}
	return signal, details, nil
}

// rsi is the simple-average RSI over the last period closes.
func rsi(closes []float64, period int) float64 {
	n := len(closes)
	if n < period+1 {
		return 50
	}

	var gain, loss float64
	for i := n - period; i < n; i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			gain += delta
		} else {
			loss -= delta
		}
	}

	if loss == 0 {
		if gain == 0 {
			return 50
		}
		return 100
	}

	rs := gain / loss
	return 100 - 100/(1+rs)
}
