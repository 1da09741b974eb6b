package risk

import (
	"fmt"
	"time"

	"github.com/wonny/rotor/internal/contracts"
	"github.com/wonny/rotor/pkg/config"
	"github.com/wonny/rotor/pkg/logger"
)

// Manager applies exit rules to open positions. Its checks are pure
// arithmetic over the entry price and the current price, so they run on
// every cycle regardless of what the active strategy says.
type Manager struct {
	stopLossPct   float64
	takeProfitPct float64
	logger        *logger.Logger
}

// NewManager creates a risk manager from trading configuration.
func NewManager(cfg *config.TradingConfig, log *logger.Logger) *Manager {
	return &Manager{
		stopLossPct:   cfg.StopLossPct,
		takeProfitPct: cfg.TakeProfitPct,
		logger:        log,
	}
}

// Evaluate checks an open position against the stop-loss and take-profit
// thresholds. It returns a SELL signal when either is breached, and nil
// when the position may stay open.
//
// Thresholds are inclusive: a position exactly at the stop is closed.
func (m *Manager) Evaluate(pos *contracts.Position, currentPrice float64) *contracts.SignalDetails {
	if pos == nil || !pos.HasPosition || currentPrice <= 0 {
		return nil
	}

	pnlPct := pos.PnLPct(currentPrice)

	if pnlPct <= -m.stopLossPct {
		m.logger.WithFields(map[string]interface{}{
			"symbol":  pos.Symbol,
			"entry":   pos.EntryPrice,
			"current": currentPrice,
			"pnl_pct": pnlPct,
		}).Warn("Stop-loss triggered")

		return &contracts.SignalDetails{
			Symbol:    pos.Symbol,
			Signal:    contracts.SignalSell,
			Price:     currentPrice,
			Reason:    fmt.Sprintf("stop-loss: %.2f%% <= -%.2f%%", pnlPct*100, m.stopLossPct*100),
			Strategy:  "risk",
			Timestamp: time.Now(),
		}
	}

	if pnlPct >= m.takeProfitPct {
		m.logger.WithFields(map[string]interface{}{
			"symbol":  pos.Symbol,
			"entry":   pos.EntryPrice,
			"current": currentPrice,
			"pnl_pct": pnlPct,
		}).Info("Take-profit triggered")

		return &contracts.SignalDetails{
			Symbol:    pos.Symbol,
			Signal:    contracts.SignalSell,
			Price:     currentPrice,
			Reason:    fmt.Sprintf("take-profit: %.2f%% >= %.2f%%", pnlPct*100, m.takeProfitPct*100),
			Strategy:  "risk",
			Timestamp: time.Now(),
		}
	}

	return nil
}
