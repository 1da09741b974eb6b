package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/rotor/internal/broker"
	"github.com/wonny/rotor/internal/contracts"
	"github.com/wonny/rotor/internal/journal"
	"github.com/wonny/rotor/internal/risk"
	"github.com/wonny/rotor/pkg/config"
	"github.com/wonny/rotor/pkg/logger"
)

// scriptedStrategy returns canned signals per symbol, so tests control the
// pipeline's inputs exactly.
type scriptedStrategy struct {
	details map[string]contracts.SignalDetails
}

func (s *scriptedStrategy) Name() string      { return "scripted" }
func (s *scriptedStrategy) RequiredBars() int { return 1 }

func (s *scriptedStrategy) Evaluate(_ contracts.BarSeries, symbol string) (contracts.Signal, contracts.SignalDetails, error) {
	d, ok := s.details[symbol]
	if !ok {
		return contracts.SignalHold, contracts.SignalDetails{
			Symbol: symbol, Signal: contracts.SignalHold, Strategy: "scripted", Timestamp: time.Now(),
		}, nil
	}
	return d.Signal, d, nil
}

func (s *scriptedStrategy) set(symbol string, signal contracts.Signal, score, price float64) {
	s.details[symbol] = contracts.SignalDetails{
		Symbol:    symbol,
		Signal:    signal,
		Score:     score,
		Price:     price,
		Reason:    "scripted",
		Strategy:  "scripted",
		Timestamp: time.Now(),
	}
}

// stubData hands every symbol the same short series; the scripted strategy
// ignores it anyway.
type stubData struct{}

func (stubData) Name() string      { return "stub" }
func (stubData) IsAvailable() bool { return true }

func (stubData) Fetch(_ context.Context, _ string, _ int) (contracts.BarSeries, error) {
	return contracts.BarSeries{
		{Time: time.Now().AddDate(0, 0, -1), Close: 100},
		{Time: time.Now(), Close: 100},
	}, nil
}

type fixture struct {
	orch     *Orchestrator
	sim      *broker.Simulator
	strat    *scriptedStrategy
	journal  *journal.Journal
	cfg      *config.TradingConfig
	journalY int
	journalM int
}

func newFixture(t *testing.T, cash float64, symbols []string) *fixture {
	t.Helper()

	cfg := &config.TradingConfig{
		Symbols:         symbols,
		ActiveStrategy:  "scripted",
		StopLossPct:     0.05,
		TakeProfitPct:   0.15,
		WeakScore:       0.0,
		MaxExposure:     0.8,
		MaxNewPositions: 3,
		MinOrderValue:   100,
		LookbackDays:    30,
		FillWait:        200 * time.Millisecond,
	}

	log := logger.NewNop()
	sim := broker.NewSimulator(cash, 1.0, log)
	require.NoError(t, sim.Connect(context.Background()))

	j, err := journal.New(t.TempDir(), log)
	require.NoError(t, err)

	strat := &scriptedStrategy{details: make(map[string]contracts.SignalDetails)}
	orch := NewOrchestrator(cfg, sim, stubData{}, strat, risk.NewManager(cfg, log), j, log)

	now := time.Now()
	return &fixture{
		orch: orch, sim: sim, strat: strat, journal: j, cfg: cfg,
		journalY: now.Year(), journalM: int(now.Month()),
	}
}

func (f *fixture) trades(t *testing.T) []contracts.TradeRecord {
	t.Helper()
	records, err := f.journal.ReadMonth(f.journalY, f.journalM)
	require.NoError(t, err)
	return records
}

func TestCycle_AllocationRespectsBuyingPowerAndExposure(t *testing.T) {
	f := newFixture(t, 100_000, []string{"AAA", "BBB", "CCC"})

	f.sim.SetPrice("AAA", 100)
	f.sim.SetPrice("BBB", 200)
	f.sim.SetPrice("CCC", 50)
	f.strat.set("AAA", contracts.SignalBuy, 90, 100)
	f.strat.set("BBB", contracts.SignalBuy, 80, 200)
	f.strat.set("CCC", contracts.SignalBuy, 70, 50)

	result, err := f.orch.Cycle(context.Background())
	require.NoError(t, err)

	assert.Len(t, result.Opened, 3)
	assert.Equal(t, 3, result.OrdersSubmitted)

	acct, err := f.sim.GetAccount(context.Background())
	require.NoError(t, err)

	spent := 100_000 - acct.Cash
	assert.LessOrEqual(t, spent, 0.8*100_000, "total entries must respect the exposure ceiling")
	assert.Greater(t, spent, 0.8*100_000*0.9, "capital should be nearly fully deployed")

	// equal split: each slot within one share of budget/3
	for _, symbol := range []string{"AAA", "BBB", "CCC"} {
		qty, err := f.sim.GetPosition(context.Background(), symbol)
		require.NoError(t, err)
		assert.Greater(t, qty, 0.0, "%s should be held", symbol)
	}
}

func TestCycle_TopScoresFillLimitedSlots(t *testing.T) {
	f := newFixture(t, 100_000, []string{"AAA", "BBB", "CCC", "DDD"})
	f.cfg.MaxNewPositions = 2

	for _, s := range []struct {
		symbol string
		score  float64
	}{{"AAA", 40}, {"BBB", 90}, {"CCC", 10}, {"DDD", 70}} {
		f.sim.SetPrice(s.symbol, 100)
		f.strat.set(s.symbol, contracts.SignalBuy, s.score, 100)
	}

	result, err := f.orch.Cycle(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Opened, 2)
	assert.Equal(t, []string{"BBB", "DDD"}, result.Opened, "strongest scores take the slots")
}

func TestCycle_StopLossClosesBeforeNewBuys(t *testing.T) {
	f := newFixture(t, 100_000, []string{"AAA"})

	f.sim.SetPrice("AAA", 100)
	f.strat.set("AAA", contracts.SignalBuy, 90, 100)

	_, err := f.orch.Cycle(context.Background())
	require.NoError(t, err)
	require.Len(t, f.orch.Positions(), 1)

	// 6% drop breaches the 5% stop
	f.sim.SetPrice("AAA", 94)
	f.strat.set("AAA", contracts.SignalHold, 0, 94)

	result, err := f.orch.Cycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"AAA"}, result.RiskExits)
	assert.Empty(t, f.orch.Positions())

	qty, err := f.sim.GetPosition(context.Background(), "AAA")
	require.NoError(t, err)
	assert.Zero(t, qty)

	trades := f.trades(t)
	require.Len(t, trades, 2, "round trip is exactly one BUY and one SELL")
	assert.Equal(t, contracts.OrderSideBuy, trades[0].Action)
	assert.Equal(t, contracts.OrderSideSell, trades[1].Action)
	assert.Contains(t, trades[1].Reason, "stop-loss")
}

func TestCycle_SecondCycleIsIdempotent(t *testing.T) {
	f := newFixture(t, 100_000, []string{"AAA", "BBB"})

	f.sim.SetPrice("AAA", 100)
	f.sim.SetPrice("BBB", 50)
	f.strat.set("AAA", contracts.SignalBuy, 90, 100)
	f.strat.set("BBB", contracts.SignalBuy, 70, 50)

	first, err := f.orch.Cycle(context.Background())
	require.NoError(t, err)
	require.Len(t, first.Opened, 2)
	tradesAfterFirst := len(f.trades(t))

	// nothing changed: same prices, same signals
	second, err := f.orch.Cycle(context.Background())
	require.NoError(t, err)

	assert.Empty(t, second.Opened)
	assert.Empty(t, second.RiskExits)
	assert.Empty(t, second.WeakExits)
	assert.Zero(t, second.OrdersSubmitted)
	assert.Len(t, f.trades(t), tradesAfterFirst, "an unchanged world must produce no trades")
}

func TestCycle_WeakHoldingRotatesIntoStrongerCandidate(t *testing.T) {
	f := newFixture(t, 10_000, []string{"AAA", "BBB"})

	f.sim.SetPrice("AAA", 100)
	f.sim.SetPrice("BBB", 50)
	f.strat.set("AAA", contracts.SignalBuy, 90, 100)
	// BBB has no signal yet

	_, err := f.orch.Cycle(context.Background())
	require.NoError(t, err)
	require.Len(t, f.orch.Positions(), 1)

	// AAA weakens below the threshold, BBB turns strong
	f.strat.set("AAA", contracts.SignalHold, -10, 100)
	f.strat.set("BBB", contracts.SignalBuy, 80, 50)

	result, err := f.orch.Cycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"AAA"}, result.WeakExits)
	assert.Equal(t, []string{"BBB"}, result.Opened)

	positions := f.orch.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, "BBB", positions[0].Symbol)
}

func TestCycle_FreedCapitalFundsNewEntries(t *testing.T) {
	f := newFixture(t, 10_000, []string{"AAA", "BBB"})
	f.cfg.MaxNewPositions = 1

	f.sim.SetPrice("AAA", 100)
	f.sim.SetPrice("BBB", 100)
	f.strat.set("AAA", contracts.SignalBuy, 90, 100)

	_, err := f.orch.Cycle(context.Background())
	require.NoError(t, err)

	acctAfterOpen, err := f.sim.GetAccount(context.Background())
	require.NoError(t, err)
	require.Less(t, acctAfterOpen.Cash, 3_000.0, "most capital deployed into AAA")

	// rotate: AAA weak, BBB strong; BBB can only be sized off AAA's proceeds
	f.strat.set("AAA", contracts.SignalHold, -10, 100)
	f.strat.set("BBB", contracts.SignalBuy, 95, 100)

	result, err := f.orch.Cycle(context.Background())
	require.NoError(t, err)

	require.Equal(t, []string{"BBB"}, result.Opened)

	qty, err := f.sim.GetPosition(context.Background(), "BBB")
	require.NoError(t, err)
	assert.Greater(t, qty, 50.0, "entry must be sized off the re-read buying power")
}

func TestCycle_TakeProfitCloses(t *testing.T) {
	f := newFixture(t, 100_000, []string{"AAA"})

	f.sim.SetPrice("AAA", 100)
	f.strat.set("AAA", contracts.SignalBuy, 90, 100)

	_, err := f.orch.Cycle(context.Background())
	require.NoError(t, err)

	f.sim.SetPrice("AAA", 116)
	f.strat.set("AAA", contracts.SignalBuy, 90, 116)

	result, err := f.orch.Cycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"AAA"}, result.RiskExits)
	assert.Empty(t, f.orch.Positions())
}

func TestCycle_BudgetBelowMinimumPlacesNothing(t *testing.T) {
	f := newFixture(t, 100, []string{"AAA"})

	f.sim.SetPrice("AAA", 100)
	f.strat.set("AAA", contracts.SignalBuy, 90, 100)

	result, err := f.orch.Cycle(context.Background())
	require.NoError(t, err)

	assert.Empty(t, result.Opened)
	assert.Zero(t, result.OrdersSubmitted)
	assert.Empty(t, f.trades(t))
}

func TestCycle_DryRunFlagStampsJournal(t *testing.T) {
	f := newFixture(t, 100_000, []string{"AAA"})
	f.cfg.DryRun = true

	f.sim.SetPrice("AAA", 100)
	f.strat.set("AAA", contracts.SignalBuy, 90, 100)

	_, err := f.orch.Cycle(context.Background())
	require.NoError(t, err)

	trades := f.trades(t)
	require.NotEmpty(t, trades)
	assert.True(t, trades[0].DryRun)
}

func TestCycle_AdoptsVenueReportedPositions(t *testing.T) {
	f := newFixture(t, 100_000, []string{"AAA"})

	// position opened outside the engine
	f.sim.SetPrice("AAA", 100)
	_, err := f.sim.PlaceOrder(context.Background(), contracts.OrderRequest{
		Symbol: "AAA", Side: contracts.OrderSideBuy, Qty: 10, Type: contracts.OrderTypeMarket,
	})
	require.NoError(t, err)

	f.strat.set("AAA", contracts.SignalBuy, 90, 100)

	_, err = f.orch.Cycle(context.Background())
	require.NoError(t, err)

	positions := f.orch.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, "AAA", positions[0].Symbol)
	assert.Equal(t, 100.0, positions[0].EntryPrice, "adopted at venue average cost")
}
