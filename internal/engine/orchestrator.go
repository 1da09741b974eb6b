package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/wonny/rotor/internal/contracts"
	"github.com/wonny/rotor/internal/journal"
	"github.com/wonny/rotor/internal/risk"
	"github.com/wonny/rotor/pkg/config"
	"github.com/wonny/rotor/pkg/logger"
)

// tickSize is the price increment above the last trade used for entry
// limit orders.
const tickSize = 0.01

// Orchestrator runs the per-cycle decision pipeline: refresh account state,
// analyze the symbol universe, enforce exits, then rotate freed capital into
// the strongest candidates.
type Orchestrator struct {
	cfg      *config.TradingConfig
	broker   contracts.Broker
	data     contracts.DataProvider
	strategy contracts.Strategy
	risk     *risk.Manager
	journal  *journal.Journal
	logger   *logger.Logger

	positions map[string]*contracts.Position
	mu        sync.Mutex
}

// CycleResult summarizes one pipeline run.
type CycleResult struct {
	Started         time.Time
	Duration        time.Duration
	CompletedSteps  []string
	Signals         map[string]contracts.SignalDetails
	RiskExits       []string
	WeakExits       []string
	Opened          []string
	BuyingPower     float64
	NetLiquidation  float64
	OrdersSubmitted int
}

// NewOrchestrator creates the trading pipeline.
func NewOrchestrator(
	cfg *config.TradingConfig,
	broker contracts.Broker,
	data contracts.DataProvider,
	strat contracts.Strategy,
	riskManager *risk.Manager,
	tradeJournal *journal.Journal,
	log *logger.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		broker:    broker,
		data:      data,
		strategy:  strat,
		risk:      riskManager,
		journal:   tradeJournal,
		logger:    log,
		positions: make(map[string]*contracts.Position),
	}
}

// Positions returns a copy of the current position table.
func (o *Orchestrator) Positions() []contracts.Position {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]contracts.Position, 0, len(o.positions))
	for _, pos := range o.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Cycle executes one full pipeline run. Per-symbol failures are logged and
// skipped; only account-level failures abort the cycle.
func (o *Orchestrator) Cycle(ctx context.Context) (*CycleResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	start := time.Now()
	result := &CycleResult{
		Started:        start,
		CompletedSteps: make([]string, 0, 8),
		Signals:        make(map[string]contracts.SignalDetails),
	}

	o.logger.WithFields(map[string]interface{}{
		"strategy": o.strategy.Name(),
		"symbols":  len(o.cfg.Symbols),
		"dry_run":  o.cfg.DryRun,
	}).Info("Starting trading cycle")

	// 1. account refresh
	snapshot, err := o.refreshAccount(ctx)
	if err != nil {
		return result, fmt.Errorf("account refresh failed: %w", err)
	}
	result.CompletedSteps = append(result.CompletedSteps, "refresh")

	// 2. universe
	universe := o.buildUniverse()
	result.CompletedSteps = append(result.CompletedSteps, "universe")

	// 3. analysis with risk override
	closeOrders := o.analyze(ctx, universe, result)
	result.CompletedSteps = append(result.CompletedSteps, "analyze")

	// 4. ranking
	candidates := o.rankCandidates(result.Signals)
	result.CompletedSteps = append(result.CompletedSteps, "rank")

	// 5. rotate out weak holdings before opening anything new
	closeOrders = append(closeOrders, o.closeWeak(ctx, result)...)
	result.CompletedSteps = append(result.CompletedSteps, "close_weak")

	// 6. wait for closing fills, then re-read buying power
	snapshot, err = o.settleAndRefresh(ctx, closeOrders, snapshot)
	if err != nil {
		return result, fmt.Errorf("buying power refresh failed: %w", err)
	}
	result.BuyingPower = snapshot.BuyingPower
	result.NetLiquidation = snapshot.NetLiquidation
	result.CompletedSteps = append(result.CompletedSteps, "settle")

	// 7-8. allocate and open
	o.openPositions(ctx, candidates, snapshot, result)
	result.CompletedSteps = append(result.CompletedSteps, "allocate", "open")

	result.Duration = time.Since(start)
	o.logger.WithFields(map[string]interface{}{
		"duration_ms":  result.Duration.Milliseconds(),
		"signals":      len(result.Signals),
		"risk_exits":   len(result.RiskExits),
		"weak_exits":   len(result.WeakExits),
		"opened":       len(result.Opened),
		"orders":       result.OrdersSubmitted,
		"positions":    len(o.positions),
		"buying_power": result.BuyingPower,
	}).Info("Trading cycle completed")

	return result, nil
}

// refreshAccount reconciles the position table with what the venue reports.
// Positions opened outside this process are adopted at their average cost;
// positions the venue no longer reports are dropped.
func (o *Orchestrator) refreshAccount(ctx context.Context) (*contracts.AccountSnapshot, error) {
	snapshot, err := o.broker.GetAccount(ctx)
	if err != nil {
		return nil, err
	}

	for symbol, bp := range snapshot.Positions {
		if bp.Quantity <= 0 {
			continue
		}
		if _, known := o.positions[symbol]; !known {
			o.logger.WithFields(map[string]interface{}{
				"symbol":   symbol,
				"qty":      bp.Quantity,
				"avg_cost": bp.AvgCost,
			}).Info("Adopting venue-reported position")
			o.positions[symbol] = &contracts.Position{
				Symbol:      symbol,
				HasPosition: true,
				EntryPrice:  bp.AvgCost,
				EntryTime:   snapshot.TakenAt,
				Quantity:    int(bp.Quantity),
				Strategy:    o.strategy.Name(),
			}
		}
	}

	for symbol := range o.positions {
		if bp, ok := snapshot.Positions[symbol]; !ok || bp.Quantity <= 0 {
			o.logger.WithField("symbol", symbol).Info("Venue no longer reports position, dropping")
			delete(o.positions, symbol)
		}
	}

	o.logger.WithFields(map[string]interface{}{
		"cash":            snapshot.Cash,
		"buying_power":    snapshot.BuyingPower,
		"net_liquidation": snapshot.NetLiquidation,
		"positions":       len(o.positions),
	}).Debug("Account refreshed")

	return snapshot, nil
}

// buildUniverse merges the configured watchlist with currently held symbols,
// so holdings dropped from the watchlist still get exit management.
func (o *Orchestrator) buildUniverse() []string {
	seen := make(map[string]bool, len(o.cfg.Symbols)+len(o.positions))
	universe := make([]string, 0, len(o.cfg.Symbols)+len(o.positions))

	for _, symbol := range o.cfg.Symbols {
		if !seen[symbol] {
			seen[symbol] = true
			universe = append(universe, symbol)
		}
	}
	for symbol := range o.positions {
		if !seen[symbol] {
			seen[symbol] = true
			universe = append(universe, symbol)
		}
	}

	sort.Strings(universe)
	return universe
}

// analyze evaluates every symbol in the universe. Exit rules outrank the
// strategy: a position past its stop or target is closed on the spot, before
// ranking even happens. Returns the order ids of any risk exits.
func (o *Orchestrator) analyze(ctx context.Context, universe []string, result *CycleResult) []int64 {
	var closeOrders []int64

	for _, symbol := range universe {
		pos := o.positions[symbol]
		series, fetchErr := o.data.Fetch(ctx, symbol, o.cfg.LookbackDays)

		if pos != nil {
			price := o.currentPrice(ctx, symbol)
			if price <= 0 && fetchErr == nil && !series.Empty() {
				price = series.Last().Close
			}
			if exit := o.risk.Evaluate(pos, price); exit != nil {
				if orderID, ok := o.closePosition(ctx, symbol, exit); ok {
					result.RiskExits = append(result.RiskExits, symbol)
					if orderID != 0 {
						closeOrders = append(closeOrders, orderID)
					}
				}
				continue
			}
		}

		if fetchErr != nil {
			o.logger.WithError(fetchErr).WithField("symbol", symbol).Warn("Historical data unavailable, skipping")
			continue
		}

		_, details, err := o.strategy.Evaluate(series, symbol)
		if err != nil {
			o.logger.WithError(err).WithField("symbol", symbol).Warn("Strategy evaluation failed, skipping")
			continue
		}

		result.Signals[symbol] = details

		o.logger.WithFields(map[string]interface{}{
			"symbol": symbol,
			"signal": details.Signal,
			"score":  details.Score,
			"reason": details.Reason,
		}).Debug("Symbol analyzed")
	}

	return closeOrders
}

// currentPrice gets the freshest price available for exit checks, falling
// back to zero (which disables the check) when no quote can be had.
func (o *Orchestrator) currentPrice(ctx context.Context, symbol string) float64 {
	quote, err := o.broker.GetQuote(ctx, symbol)
	if err != nil {
		o.logger.WithError(err).WithField("symbol", symbol).Warn("No quote for exit check")
		return 0
	}
	return quote.Last
}

// rankCandidates filters for actionable buys not already held and orders
// them strongest first.
func (o *Orchestrator) rankCandidates(signals map[string]contracts.SignalDetails) []contracts.SignalDetails {
	candidates := make([]contracts.SignalDetails, 0, len(signals))
	for symbol, details := range signals {
		if details.Signal != contracts.SignalBuy || details.Score <= 0 {
			continue
		}
		if _, held := o.positions[symbol]; held {
			continue
		}
		candidates = append(candidates, details)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Symbol < candidates[j].Symbol
	})

	if len(candidates) > 0 {
		o.logger.WithFields(map[string]interface{}{
			"candidates": len(candidates),
			"top_symbol": candidates[0].Symbol,
			"top_score":  candidates[0].Score,
		}).Info("Ranked entry candidates")
	}

	return candidates
}

// closeWeak exits holdings whose signal turned negative or fell below the
// weakness threshold, freeing capital before new entries are sized.
func (o *Orchestrator) closeWeak(ctx context.Context, result *CycleResult) []int64 {
	var closeOrders []int64

	for _, symbol := range sortedKeys(o.positions) {
		details, ok := result.Signals[symbol]
		if !ok {
			continue
		}

		weak := details.Signal == contracts.SignalSell || details.Score < o.cfg.WeakScore
		if !weak {
			continue
		}

		exit := details
		exit.Signal = contracts.SignalSell
		if exit.Reason == "" {
			exit.Reason = fmt.Sprintf("weak signal: score %.1f below %.1f", details.Score, o.cfg.WeakScore)
		}

		if orderID, ok := o.closePosition(ctx, symbol, &exit); ok {
			result.WeakExits = append(result.WeakExits, symbol)
			if orderID != 0 {
				closeOrders = append(closeOrders, orderID)
			}
		}
	}

	return closeOrders
}

// closePosition flattens one holding and journals the exit.
func (o *Orchestrator) closePosition(ctx context.Context, symbol string, exit *contracts.SignalDetails) (int64, bool) {
	pos := o.positions[symbol]
	if pos == nil {
		return 0, false
	}

	orderID, err := o.broker.ClosePosition(ctx, symbol)
	if err != nil {
		o.logger.WithError(err).WithField("symbol", symbol).Error("Close failed, keeping position")
		return 0, false
	}

	o.logger.WithFields(map[string]interface{}{
		"symbol":   symbol,
		"order_id": orderID,
		"qty":      pos.Quantity,
		"reason":   exit.Reason,
	}).Info("Position closed")

	o.journalTrade(&contracts.TradeRecord{
		Timestamp: time.Now(),
		Symbol:    symbol,
		Action:    contracts.OrderSideSell,
		Price:     exit.Price,
		Quantity:  pos.Quantity,
		Strategy:  exit.Strategy,
		Reason:    exit.Reason,
	})

	delete(o.positions, symbol)
	return orderID, true
}

// settleAndRefresh waits a bounded time for closing orders to reach a
// terminal state, then re-reads the account so freed capital is reflected
// in the buying power used for sizing.
func (o *Orchestrator) settleAndRefresh(ctx context.Context, closeOrders []int64, prev *contracts.AccountSnapshot) (*contracts.AccountSnapshot, error) {
	if len(closeOrders) == 0 {
		return prev, nil
	}

	deadline := time.Now().Add(o.cfg.FillWait)
	for time.Now().Before(deadline) {
		if o.allTerminal(closeOrders) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	snapshot, err := o.broker.GetAccount(ctx)
	if err != nil {
		return nil, err
	}

	o.logger.WithFields(map[string]interface{}{
		"closed_orders": len(closeOrders),
		"buying_power":  snapshot.BuyingPower,
	}).Debug("Re-read buying power after exits")

	return snapshot, nil
}

func (o *Orchestrator) allTerminal(orderIDs []int64) bool {
	for _, id := range orderIDs {
		status, ok := o.broker.GetOrderStatus(id)
		if !ok || !status.IsTerminal() {
			return false
		}
	}
	return true
}

// openPositions sizes the top candidates with an equal split of buying
// power, capped by the exposure ceiling, and submits limit orders one tick
// above the last price.
func (o *Orchestrator) openPositions(ctx context.Context, candidates []contracts.SignalDetails, snapshot *contracts.AccountSnapshot, result *CycleResult) {
	if len(candidates) == 0 {
		return
	}

	slots := o.cfg.MaxNewPositions
	if len(candidates) < slots {
		slots = len(candidates)
	}

	budget := snapshot.BuyingPower
	if ceiling := o.cfg.MaxExposure*snapshot.NetLiquidation - o.currentExposure(snapshot); ceiling < budget {
		budget = ceiling
	}
	if budget <= 0 {
		o.logger.WithFields(map[string]interface{}{
			"max_exposure":    o.cfg.MaxExposure,
			"net_liquidation": snapshot.NetLiquidation,
		}).Info("Exposure ceiling reached, no new entries")
		return
	}

	perSlot := budget / float64(slots)
	if perSlot < o.cfg.MinOrderValue {
		o.logger.WithFields(map[string]interface{}{
			"per_slot":  perSlot,
			"min_order": o.cfg.MinOrderValue,
		}).Info("Allocation below minimum order value, no new entries")
		return
	}

	for _, details := range candidates[:slots] {
		limitPrice := details.Price + tickSize
		qty := int(math.Floor(perSlot / limitPrice))
		if qty <= 0 || float64(qty)*limitPrice < o.cfg.MinOrderValue {
			o.logger.WithFields(map[string]interface{}{
				"symbol":   details.Symbol,
				"per_slot": perSlot,
				"price":    limitPrice,
			}).Debug("Allocation too small for one share, skipping")
			continue
		}

		req := contracts.OrderRequest{
			Symbol:     details.Symbol,
			Side:       contracts.OrderSideBuy,
			Qty:        qty,
			Type:       contracts.OrderTypeLimit,
			LimitPrice: limitPrice,
		}

		if ok, reason := o.broker.ValidateOrder(ctx, req); !ok {
			o.logger.WithFields(map[string]interface{}{
				"symbol": details.Symbol,
				"reason": reason,
			}).Warn("Order rejected by pre-trade checks, skipping")
			continue
		}

		orderID, err := o.broker.PlaceOrder(ctx, req)
		if err != nil {
			o.logger.WithError(err).WithField("symbol", details.Symbol).Error("Entry order failed")
			continue
		}
		result.OrdersSubmitted++

		o.logger.WithFields(map[string]interface{}{
			"symbol":   details.Symbol,
			"order_id": orderID,
			"qty":      qty,
			"limit":    limitPrice,
			"score":    details.Score,
		}).Info("Position opened")

		o.positions[details.Symbol] = &contracts.Position{
			Symbol:      details.Symbol,
			HasPosition: true,
			EntryPrice:  limitPrice,
			EntryTime:   time.Now(),
			Quantity:    qty,
			Strategy:    details.Strategy,
		}
		result.Opened = append(result.Opened, details.Symbol)

		o.journalTrade(&contracts.TradeRecord{
			Timestamp: time.Now(),
			Symbol:    details.Symbol,
			Action:    contracts.OrderSideBuy,
			Price:     limitPrice,
			Quantity:  qty,
			Strategy:  details.Strategy,
			Reason:    details.Reason,
		})
	}
}

// currentExposure values held positions at market when the snapshot has a
// price, at cost otherwise.
func (o *Orchestrator) currentExposure(snapshot *contracts.AccountSnapshot) float64 {
	exposure := 0.0
	for _, bp := range snapshot.Positions {
		exposure += bp.Quantity * bp.AvgCost
	}
	return exposure
}

func (o *Orchestrator) journalTrade(trade *contracts.TradeRecord) {
	trade.DryRun = o.cfg.DryRun
	if err := o.journal.Record(trade); err != nil {
		o.logger.WithError(err).WithField("symbol", trade.Symbol).Error("Journal write failed")
	}
}

func sortedKeys(m map[string]*contracts.Position) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
