package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wonny/rotor/internal/contracts"
	"github.com/wonny/rotor/pkg/logger"
)

// Simulator is an in-memory broker with deterministic fills, used for
// dry-run trading and tests. Every order fills immediately at the limit
// price, or at the last set price for market orders.
type Simulator struct {
	logger *logger.Logger

	mu          sync.Mutex
	cash        float64
	margin      float64
	nextOrderID int64
	prices      map[string]float64
	bars        map[string]contracts.BarSeries
	positions   map[string]contracts.BrokerPosition
	orders      map[int64]*contracts.Order
	connected   bool
}

// NewSimulator creates a simulator seeded with starting cash. Buying power
// is cash times margin; pass 1.0 for a cash account.
func NewSimulator(cash, margin float64, log *logger.Logger) *Simulator {
	if margin < 1 {
		margin = 1
	}
	return &Simulator{
		logger:      log,
		cash:        cash,
		margin:      margin,
		nextOrderID: 1,
		prices:      make(map[string]float64),
		bars:        make(map[string]contracts.BarSeries),
		positions:   make(map[string]contracts.BrokerPosition),
		orders:      make(map[int64]*contracts.Order),
	}
}

// SetPrice sets the last traded price for a symbol.
func (s *Simulator) SetPrice(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
}

// SetBars sets the historical series returned for a symbol.
func (s *Simulator) SetBars(symbol string, series contracts.BarSeries) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bars[symbol] = series
}

func (s *Simulator) Connect(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

func (s *Simulator) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

func (s *Simulator) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Simulator) GetQuote(_ context.Context, symbol string) (*contracts.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	price, ok := s.prices[symbol]
	if !ok {
		return nil, fmt.Errorf("no price set for %s: %w", symbol, ErrTimeout)
	}
	return &contracts.Quote{
		Symbol:    symbol,
		Last:      price,
		Bid:       price,
		Ask:       price,
		UpdatedAt: time.Now(),
	}, nil
}

func (s *Simulator) GetHistoricalData(_ context.Context, symbol string, _ int) (contracts.BarSeries, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bars[symbol], nil
}

func (s *Simulator) GetAccount(_ context.Context) (*contracts.AccountSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	net := s.cash
	positions := make(map[string]contracts.BrokerPosition, len(s.positions))
	for sym, pos := range s.positions {
		positions[sym] = pos
		if price, ok := s.prices[sym]; ok {
			net += pos.Quantity * price
		} else {
			net += pos.Quantity * pos.AvgCost
		}
	}

	return &contracts.AccountSnapshot{
		Cash:           s.cash,
		BuyingPower:    s.cash * s.margin,
		NetLiquidation: net,
		Positions:      positions,
		TakenAt:        time.Now(),
	}, nil
}

func (s *Simulator) GetPosition(_ context.Context, symbol string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions[symbol].Quantity, nil
}

func (s *Simulator) PlaceOrder(ctx context.Context, req contracts.OrderRequest) (int64, error) {
	if ok, reason := s.ValidateOrder(ctx, req); !ok {
		return 0, fmt.Errorf("invalid order: %s", reason)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return 0, ErrNotConnected
	}

	fillPrice := s.prices[req.Symbol]
	if req.Type == contracts.OrderTypeLimit {
		fillPrice = req.LimitPrice
	}
	if fillPrice <= 0 {
		// closing without a tape falls back to cost
		if pos, ok := s.positions[req.Symbol]; ok && pos.AvgCost > 0 {
			fillPrice = pos.AvgCost
		}
	}
	if fillPrice <= 0 {
		return 0, fmt.Errorf("no price set for %s", req.Symbol)
	}

	orderID := s.nextOrderID
	s.nextOrderID++

	s.fillLocked(req, fillPrice)

	now := time.Now()
	s.orders[orderID] = &contracts.Order{
		ID:           orderID,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Qty:          req.Qty,
		Type:         req.Type,
		LimitPrice:   req.LimitPrice,
		StopPrice:    req.StopPrice,
		Status:       contracts.StatusFilled,
		FilledQty:    req.Qty,
		AvgFillPrice: fillPrice,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	return orderID, nil
}

// fillLocked applies an immediate fill to cash and positions.
func (s *Simulator) fillLocked(req contracts.OrderRequest, price float64) {
	qty := float64(req.Qty)
	pos := s.positions[req.Symbol]

	if req.Side == contracts.OrderSideBuy {
		cost := pos.Quantity*pos.AvgCost + qty*price
		pos.Quantity += qty
		if pos.Quantity != 0 {
			pos.AvgCost = cost / pos.Quantity
		}
		s.cash -= qty * price
	} else {
		pos.Quantity -= qty
		s.cash += qty * price
	}

	pos.Symbol = req.Symbol
	if pos.Quantity == 0 {
		delete(s.positions, req.Symbol)
	} else {
		s.positions[req.Symbol] = pos
	}
}

func (s *Simulator) CancelOrder(_ context.Context, orderID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("unknown order %d", orderID)
	}
	if order.Status.IsTerminal() {
		return fmt.Errorf("order %d already %s", orderID, order.Status)
	}
	order.Status = contracts.StatusCancelled
	return nil
}

func (s *Simulator) ModifyOrder(_ context.Context, orderID int64, _ contracts.OrderRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[orderID]; !ok {
		return fmt.Errorf("unknown order %d", orderID)
	}
	// fills are immediate here, nothing left to modify
	return nil
}

func (s *Simulator) ClosePosition(ctx context.Context, symbol string) (int64, error) {
	s.mu.Lock()
	qty := s.positions[symbol].Quantity
	s.mu.Unlock()

	if qty == 0 {
		return 0, nil
	}

	side := contracts.OrderSideSell
	if qty < 0 {
		side = contracts.OrderSideBuy
		qty = -qty
	}

	return s.PlaceOrder(ctx, contracts.OrderRequest{
		Symbol: symbol,
		Side:   side,
		Qty:    int(qty),
		Type:   contracts.OrderTypeMarket,
	})
}

func (s *Simulator) ValidateOrder(_ context.Context, req contracts.OrderRequest) (bool, string) {
	if req.Symbol == "" {
		return false, "empty symbol"
	}
	if req.Qty <= 0 {
		return false, fmt.Sprintf("quantity must be positive, got %d", req.Qty)
	}
	if req.Type == contracts.OrderTypeLimit && req.LimitPrice <= 0 {
		return false, "limit order requires a positive limit price"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch req.Side {
	case contracts.OrderSideBuy:
		price := req.LimitPrice
		if price <= 0 {
			price = s.prices[req.Symbol]
		}
		if price > 0 {
			if value := float64(req.Qty) * price; value > s.cash*s.margin {
				return false, fmt.Sprintf("insufficient buying power: need $%.2f, have $%.2f", value, s.cash*s.margin)
			}
		}
	case contracts.OrderSideSell:
		if held := s.positions[req.Symbol].Quantity; held < float64(req.Qty) {
			return false, fmt.Sprintf("insufficient position: need %d, have %g", req.Qty, held)
		}
	}
	return true, ""
}

func (s *Simulator) GetOrderStatus(orderID int64) (contracts.OrderStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return "", false
	}
	return order.Status, true
}

var _ contracts.Broker = (*Simulator)(nil)
