package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wonny/rotor/internal/contracts"
	"github.com/wonny/rotor/pkg/config"
	"github.com/wonny/rotor/pkg/logger"
)

const (
	sessionWait       = 10 * time.Second
	reconnectDelay    = 5 * time.Second
	maxReconnectDelay = 5 * time.Minute

	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
)

var (
	// ErrNotConnected is returned when a request is made while the session
	// is not in the Ready state, and delivered to every in-flight waiter
	// when the connection drops.
	ErrNotConnected = errors.New("broker: not connected")

	// ErrTimeout is returned when the gateway does not answer a request
	// within its bounded wait.
	ErrTimeout = errors.New("broker: request timed out")
)

// State is the connection lifecycle of a gateway session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateReady:
		return "READY"
	default:
		return "DISCONNECTED"
	}
}

// transport is the wire connection the session reads and writes frames on.
// *websocket.Conn satisfies it; tests substitute an in-memory pipe.
type transport interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	Close() error
}

// dialFunc establishes a transport to the gateway.
type dialFunc func(ctx context.Context, url string) (transport, error)

func wsDial(ctx context.Context, url string) (transport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	return conn, nil
}

// pendingCall is one in-flight request awaiting its reply. The read loop
// delivers exactly one message on done; waiters select on done, their
// timeout, and session teardown, so no caller can block forever.
type pendingCall struct {
	reqID int64
	done  chan *message
}

// orderRecord tracks the lifecycle of an order the session has submitted.
type orderRecord struct {
	order contracts.Order
	acked chan struct{}
}

// Session is an asynchronous gateway session implementing contracts.Broker.
//
// All replies arrive on a single read-loop goroutine and are routed to the
// caller that issued the request through a pending map keyed by request id.
// Unsolicited frames (ticks, order status changes) update the session's
// registries directly.
type Session struct {
	cfg    *config.BrokerConfig
	logger *logger.Logger

	dial dialFunc

	conn    transport
	connMu  sync.RWMutex
	writeMu sync.Mutex

	state atomic.Int32

	pending   map[int64]*pendingCall
	pendingMu sync.Mutex
	nextReqID atomic.Int64

	// nextOrderID is seeded from the session-established frame and only
	// ever incremented afterwards, so ids stay unique across reconnects.
	nextOrderID atomic.Int64

	orders   map[int64]*orderRecord
	ordersMu sync.Mutex

	quotes   map[string]*contracts.Quote
	quotesMu sync.RWMutex

	limiter *rate.Limiter

	sessionCh chan *message

	stopCh       chan struct{}
	doneCh       chan struct{}
	reconnecting bool
	reconnectMu  sync.Mutex
}

// NewSession creates a session for the configured gateway. The session is
// Disconnected until Connect succeeds.
func NewSession(cfg *config.BrokerConfig, log *logger.Logger) *Session {
	return &Session{
		cfg:       cfg,
		logger:    log,
		dial:      wsDial,
		pending:   make(map[int64]*pendingCall),
		orders:    make(map[int64]*orderRecord),
		quotes:    make(map[string]*contracts.Quote),
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.RequestsPerSec),
		sessionCh: make(chan *message, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Connect dials the gateway and blocks until the session-established frame
// arrives, which carries the first valid order id.
func (s *Session) Connect(ctx context.Context) error {
	if s.State() != StateDisconnected {
		return nil
	}
	s.state.Store(int32(StateConnecting))

	s.logger.WithField("url", s.cfg.URL).Info("Connecting to broker gateway")

	conn, err := s.dial(ctx, s.cfg.URL)
	if err != nil {
		s.state.Store(int32(StateDisconnected))
		return fmt.Errorf("dial gateway: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	go s.readLoop(ctx, s.stopCh, s.doneCh)
	go s.pingLoop(ctx, s.stopCh)

	select {
	case msg := <-s.sessionCh:
		s.nextOrderID.Store(msg.NextOrderID)
		s.state.Store(int32(StateReady))
		s.logger.WithFields(map[string]interface{}{
			"next_order_id": msg.NextOrderID,
			"account":       msg.Account,
		}).Info("Broker session established")
		return nil
	case <-time.After(sessionWait):
		s.abortConnect()
		return fmt.Errorf("session handshake: %w", ErrTimeout)
	case <-ctx.Done():
		s.abortConnect()
		return ctx.Err()
	}
}

// abortConnect stops the loop goroutines started by a failed Connect attempt
// and resets the stop signal so a later Connect can dial again.
func (s *Session) abortConnect() {
	close(s.stopCh)
	s.teardown()
	<-s.doneCh
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
}

// Disconnect closes the session. Every in-flight request fails immediately
// with ErrNotConnected rather than waiting out its timeout.
func (s *Session) Disconnect() error {
	if s.State() == StateDisconnected {
		return nil
	}

	s.logger.Info("Disconnecting from broker gateway")

	close(s.stopCh)
	s.teardown()
	<-s.doneCh
	return nil
}

// IsConnected reports whether the session can accept requests.
func (s *Session) IsConnected() bool {
	return s.State() == StateReady
}

// State returns the current session state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) teardown() {
	s.state.Store(int32(StateDisconnected))

	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()

	s.failPending()
}

// failPending wakes every waiter with no reply, which they surface as
// ErrNotConnected.
func (s *Session) failPending() {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for id, call := range s.pending {
		close(call.done)
		delete(s.pending, id)
	}
}

// ============================================================================
// Read Loop
// ============================================================================

func (s *Session) readLoop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		default:
		}

		s.connMu.RLock()
		conn := s.conn
		s.connMu.RUnlock()

		if conn == nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-stop:
				return
			default:
			}
			s.logger.WithError(err).Error("Gateway read failed")
			s.handleDisconnect(ctx, stop)
			continue
		}

		s.handleMessage(&msg)
	}
}

func (s *Session) handleMessage(msg *message) {
	switch msg.Type {
	case msgSession:
		select {
		case s.sessionCh <- msg:
		default:
		}

	case msgTick:
		s.updateQuote(msg)
		s.complete(msg)

	case msgOrderStatus:
		s.updateOrder(msg)
		s.complete(msg)

	case msgError:
		s.logger.WithFields(map[string]interface{}{
			"code":   msg.Code,
			"reason": msg.Reason,
		}).Warn("Gateway reported error")
		s.complete(msg)

	case msgPong:
		// keepalive, nothing to route

	default:
		s.complete(msg)
	}
}

// complete delivers a reply to the caller waiting on its request id.
func (s *Session) complete(msg *message) {
	if msg.ReqID == 0 {
		return
	}

	s.pendingMu.Lock()
	call, ok := s.pending[msg.ReqID]
	if ok {
		delete(s.pending, msg.ReqID)
	}
	s.pendingMu.Unlock()

	if ok {
		call.done <- msg
		close(call.done)
	}
}

func (s *Session) updateQuote(msg *message) {
	s.quotesMu.Lock()
	defer s.quotesMu.Unlock()

	q, ok := s.quotes[msg.Symbol]
	if !ok {
		q = &contracts.Quote{Symbol: msg.Symbol}
		s.quotes[msg.Symbol] = q
	}
	if msg.Last > 0 {
		q.Last = msg.Last
	}
	if msg.Bid > 0 {
		q.Bid = msg.Bid
	}
	if msg.Ask > 0 {
		q.Ask = msg.Ask
	}
	if msg.High > 0 {
		q.High = msg.High
	}
	if msg.Low > 0 {
		q.Low = msg.Low
	}
	if msg.Volume > 0 {
		q.Volume = msg.Volume
	}
	q.UpdatedAt = time.Now()
}

func (s *Session) updateOrder(msg *message) {
	s.ordersMu.Lock()
	defer s.ordersMu.Unlock()

	rec, ok := s.orders[msg.OrderID]
	if !ok {
		return
	}

	rec.order.Status = parseOrderStatus(msg.Status)
	rec.order.FilledQty = int(msg.Filled)
	if msg.AvgPrice > 0 {
		rec.order.AvgFillPrice = msg.AvgPrice
	}
	rec.order.UpdatedAt = time.Now()

	select {
	case <-rec.acked:
	default:
		close(rec.acked)
	}
}

func (s *Session) handleDisconnect(ctx context.Context, stop <-chan struct{}) {
	s.reconnectMu.Lock()
	if s.reconnecting {
		s.reconnectMu.Unlock()
		return
	}
	s.reconnecting = true
	s.reconnectMu.Unlock()

	defer func() {
		s.reconnectMu.Lock()
		s.reconnecting = false
		s.reconnectMu.Unlock()
	}()

	s.state.Store(int32(StateDisconnected))
	s.failPending()

	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()

	s.logger.Warn("Gateway disconnected, attempting to reconnect")

	delay := reconnectDelay
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-time.After(delay):
		}

		conn, err := s.dial(ctx, s.cfg.URL)
		if err != nil {
			s.logger.WithError(err).WithField("delay", delay).Error("Reconnect failed, retrying")
			delay *= 2
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
			continue
		}

		s.connMu.Lock()
		s.conn = conn
		s.connMu.Unlock()

		select {
		case msg := <-s.sessionCh:
			// Never move the order id counter backwards. A restarted
			// gateway may hand out a lower base than ids already used.
			if msg.NextOrderID > s.nextOrderID.Load() {
				s.nextOrderID.Store(msg.NextOrderID)
			}
			s.state.Store(int32(StateReady))
			s.logger.Info("Reconnected to broker gateway")
			return
		case <-time.After(sessionWait):
			s.logger.Warn("Reconnect handshake timed out, retrying")
			continue
		}
	}
}

func (s *Session) pingLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			s.connMu.RLock()
			conn := s.conn
			s.connMu.RUnlock()

			wsConn, ok := conn.(*websocket.Conn)
			if !ok || wsConn == nil {
				continue
			}
			if err := wsConn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait)); err != nil {
				s.logger.WithError(err).Error("Failed to send ping")
			}
		}
	}
}

// ============================================================================
// Requests
// ============================================================================

// send writes a frame under the gateway pacing limit.
func (s *Session) send(ctx context.Context, req *request) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// roundTrip sends a request and waits for its reply within wait. A closed
// done channel with no message means the session dropped the call.
func (s *Session) roundTrip(ctx context.Context, req *request, wait time.Duration) (*message, error) {
	if !s.IsConnected() {
		return nil, ErrNotConnected
	}

	req.ReqID = s.nextReqID.Add(1)

	call := &pendingCall{
		reqID: req.ReqID,
		done:  make(chan *message, 1),
	}

	s.pendingMu.Lock()
	s.pending[req.ReqID] = call
	s.pendingMu.Unlock()

	if err := s.send(ctx, req); err != nil {
		s.pendingMu.Lock()
		delete(s.pending, req.ReqID)
		s.pendingMu.Unlock()
		return nil, err
	}

	select {
	case msg, ok := <-call.done:
		if !ok {
			return nil, ErrNotConnected
		}
		if msg.Type == msgError {
			return nil, fmt.Errorf("gateway error %d: %s", msg.Code, msg.Reason)
		}
		return msg, nil
	case <-time.After(wait):
		s.pendingMu.Lock()
		delete(s.pending, req.ReqID)
		s.pendingMu.Unlock()
		return nil, ErrTimeout
	case <-ctx.Done():
		s.pendingMu.Lock()
		delete(s.pending, req.ReqID)
		s.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}

// GetQuote returns a market snapshot for symbol. On the first request for a
// symbol the session also subscribes to its live tick stream, so later calls
// can fall back to the registry if a snapshot times out.
func (s *Session) GetQuote(ctx context.Context, symbol string) (*contracts.Quote, error) {
	s.quotesMu.Lock()
	if _, ok := s.quotes[symbol]; !ok {
		s.quotes[symbol] = &contracts.Quote{Symbol: symbol}
		s.quotesMu.Unlock()
		if err := s.send(ctx, &request{Type: reqSubscribe, Symbol: symbol}); err != nil {
			s.logger.WithError(err).WithField("symbol", symbol).Warn("Tick subscribe failed")
		}
	} else {
		s.quotesMu.Unlock()
	}

	_, err := s.roundTrip(ctx, &request{Type: reqSnapshot, Symbol: symbol}, s.cfg.SnapshotWait)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			if q := s.cachedQuote(symbol); q != nil {
				return q, nil
			}
		}
		return nil, err
	}

	q := s.cachedQuote(symbol)
	if q == nil || q.Last <= 0 {
		return nil, fmt.Errorf("no market data for %s: %w", symbol, ErrTimeout)
	}
	return q, nil
}

func (s *Session) cachedQuote(symbol string) *contracts.Quote {
	s.quotesMu.RLock()
	defer s.quotesMu.RUnlock()
	q, ok := s.quotes[symbol]
	if !ok || q.Last <= 0 {
		return nil
	}
	cp := *q
	return &cp
}

// GetHistoricalData fetches daily bars covering lookbackDays. A timeout
// yields an empty series and ErrTimeout, never a hang.
func (s *Session) GetHistoricalData(ctx context.Context, symbol string, lookbackDays int) (contracts.BarSeries, error) {
	msg, err := s.roundTrip(ctx, &request{
		Type:   reqHistorical,
		Symbol: symbol,
		Days:   lookbackDays,
	}, s.cfg.HistoricalWait)
	if err != nil {
		return contracts.BarSeries{}, err
	}
	return toBarSeries(msg.Bars), nil
}

// GetAccount fetches the account summary.
func (s *Session) GetAccount(ctx context.Context) (*contracts.AccountSnapshot, error) {
	msg, err := s.roundTrip(ctx, &request{Type: reqAccount, Account: s.cfg.Account}, s.cfg.SnapshotWait)
	if err != nil {
		return nil, err
	}

	snap := &contracts.AccountSnapshot{
		Cash:           msg.Cash,
		BuyingPower:    msg.BuyingPower,
		NetLiquidation: msg.NetLiquidation,
		Positions:      make(map[string]contracts.BrokerPosition),
		TakenAt:        time.Now(),
	}
	for _, p := range msg.Positions {
		snap.Positions[p.Symbol] = contracts.BrokerPosition{
			Symbol:   p.Symbol,
			Quantity: p.Quantity,
			AvgCost:  p.AvgCost,
			Account:  p.Account,
		}
	}
	return snap, nil
}

// GetPosition returns the signed quantity held for symbol, zero when flat.
func (s *Session) GetPosition(ctx context.Context, symbol string) (float64, error) {
	msg, err := s.roundTrip(ctx, &request{Type: reqPositions, Account: s.cfg.Account}, s.cfg.SnapshotWait)
	if err != nil {
		return 0, err
	}
	for _, p := range msg.Positions {
		if p.Symbol == symbol {
			return p.Quantity, nil
		}
	}
	return 0, nil
}

// PlaceOrder validates and submits an order. It waits briefly for the first
// status callback but returns the assigned id regardless, so a slow gateway
// cannot stall a trading cycle.
func (s *Session) PlaceOrder(ctx context.Context, req contracts.OrderRequest) (int64, error) {
	if ok, reason := s.ValidateOrder(ctx, req); !ok {
		return 0, fmt.Errorf("invalid order: %s", reason)
	}
	if !s.IsConnected() {
		return 0, ErrNotConnected
	}

	orderID := s.nextOrderID.Add(1) - 1

	rec := &orderRecord{
		order: contracts.Order{
			ID:         orderID,
			Symbol:     req.Symbol,
			Side:       req.Side,
			Qty:        req.Qty,
			Type:       req.Type,
			LimitPrice: req.LimitPrice,
			StopPrice:  req.StopPrice,
			Status:     contracts.StatusPending,
			CreatedAt:  time.Now(),
			UpdatedAt:  time.Now(),
		},
		acked: make(chan struct{}),
	}

	s.ordersMu.Lock()
	s.orders[orderID] = rec
	s.ordersMu.Unlock()

	err := s.send(ctx, &request{
		Type:    reqPlaceOrder,
		OrderID: orderID,
		Symbol:  req.Symbol,
		Side:    string(req.Side),
		Qty:     req.Qty,
		Kind:    string(req.Type),
		Limit:   req.LimitPrice,
		Stop:    req.StopPrice,
		Account: s.cfg.Account,
	})
	if err != nil {
		s.ordersMu.Lock()
		delete(s.orders, orderID)
		s.ordersMu.Unlock()
		return 0, err
	}

	s.awaitAck(ctx, rec.acked)

	status, _ := s.GetOrderStatus(orderID)
	s.logger.WithFields(map[string]interface{}{
		"order_id": orderID,
		"symbol":   req.Symbol,
		"side":     req.Side,
		"qty":      req.Qty,
		"status":   status,
	}).Info("Order submitted")

	return orderID, nil
}

// rearmAck replaces an order's ack signal so a follow-up request can wait
// for its own status callback. Returns nil for orders this session never
// submitted.
func (s *Session) rearmAck(orderID int64) <-chan struct{} {
	s.ordersMu.Lock()
	defer s.ordersMu.Unlock()
	rec, ok := s.orders[orderID]
	if !ok {
		return nil
	}
	rec.acked = make(chan struct{})
	return rec.acked
}

// awaitAck waits briefly for the next status callback on an order. Like
// order placement this is bounded: a silent gateway never stalls the caller.
func (s *Session) awaitAck(ctx context.Context, acked <-chan struct{}) {
	if acked == nil {
		return
	}
	select {
	case <-acked:
	case <-time.After(s.cfg.AckWait):
	case <-ctx.Done():
	}
}

// CancelOrder asks the gateway to cancel an order and waits briefly for the
// status callback confirming it.
func (s *Session) CancelOrder(ctx context.Context, orderID int64) error {
	if !s.IsConnected() {
		return ErrNotConnected
	}
	acked := s.rearmAck(orderID)
	if err := s.send(ctx, &request{Type: reqCancelOrder, OrderID: orderID}); err != nil {
		return err
	}
	s.awaitAck(ctx, acked)
	return nil
}

// ModifyOrder resubmits an order under the same id with new parameters,
// waiting briefly for the gateway to acknowledge the change.
func (s *Session) ModifyOrder(ctx context.Context, orderID int64, req contracts.OrderRequest) error {
	if ok, reason := s.ValidateOrder(ctx, req); !ok {
		return fmt.Errorf("invalid order: %s", reason)
	}
	if !s.IsConnected() {
		return ErrNotConnected
	}
	acked := s.rearmAck(orderID)
	err := s.send(ctx, &request{
		Type:    reqModifyOrder,
		OrderID: orderID,
		Symbol:  req.Symbol,
		Side:    string(req.Side),
		Qty:     req.Qty,
		Kind:    string(req.Type),
		Limit:   req.LimitPrice,
		Stop:    req.StopPrice,
		Account: s.cfg.Account,
	})
	if err != nil {
		return err
	}
	s.awaitAck(ctx, acked)
	return nil
}

// ClosePosition liquidates any holding in symbol with a market order.
// It returns 0 when there is nothing to close.
func (s *Session) ClosePosition(ctx context.Context, symbol string) (int64, error) {
	qty, err := s.GetPosition(ctx, symbol)
	if err != nil {
		return 0, err
	}
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

// ValidateOrder checks an order request before submission and returns a
// human-readable rejection reason when it fails. On a live session buys are
// checked against buying power and sells against the held quantity; when the
// venue cannot be queried the order passes through to the gateway's own
// checks instead of being rejected blind.
func (s *Session) ValidateOrder(ctx context.Context, req contracts.OrderRequest) (bool, string) {
	if req.Symbol == "" {
		return false, "empty symbol"
	}
	if req.Qty <= 0 {
		return false, fmt.Sprintf("quantity must be positive, got %d", req.Qty)
	}
	switch req.Type {
	case contracts.OrderTypeLimit:
		if req.LimitPrice <= 0 {
			return false, "limit order requires a positive limit price"
		}
	case contracts.OrderTypeStop:
		if req.StopPrice <= 0 {
			return false, "stop order requires a positive stop price"
		}
	}
	if !s.IsConnected() {
		return true, ""
	}

	switch req.Side {
	case contracts.OrderSideBuy:
		price := req.LimitPrice
		if price <= 0 {
			if q := s.cachedQuote(req.Symbol); q != nil {
				price = q.Last
			}
		}
		if price <= 0 {
			// no reference price, the gateway has the final say
			break
		}
		snap, err := s.GetAccount(ctx)
		if err != nil {
			s.logger.WithError(err).WithField("symbol", req.Symbol).Warn("Buying power check skipped")
			break
		}
		if value := float64(req.Qty) * price; value > snap.BuyingPower {
			return false, fmt.Sprintf("insufficient buying power: need $%.2f, have $%.2f", value, snap.BuyingPower)
		}
	case contracts.OrderSideSell:
		held, err := s.GetPosition(ctx, req.Symbol)
		if err != nil {
			s.logger.WithError(err).WithField("symbol", req.Symbol).Warn("Position check skipped")
			break
		}
		if held < float64(req.Qty) {
			return false, fmt.Sprintf("insufficient position: need %d, have %g", req.Qty, held)
		}
	}
	return true, ""
}

// GetOrderStatus returns the last known status of an order placed through
// this session.
func (s *Session) GetOrderStatus(orderID int64) (contracts.OrderStatus, bool) {
	s.ordersMu.Lock()
	defer s.ordersMu.Unlock()
	rec, ok := s.orders[orderID]
	if !ok {
		return "", false
	}
	return rec.order.Status, true
}

var _ contracts.Broker = (*Session)(nil)
