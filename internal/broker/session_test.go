package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/rotor/internal/contracts"
	"github.com/wonny/rotor/pkg/config"
	"github.com/wonny/rotor/pkg/logger"
)

// fakeConn is an in-memory transport. The test injects gateway frames on
// in and observes session frames on out.
type fakeConn struct {
	in  chan *message
	out chan *request

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan *message, 16),
		out:    make(chan *request, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadJSON(v interface{}) error {
	select {
	case msg := <-c.in:
		*(v.(*message)) = *msg
		return nil
	case <-c.closed:
		return errors.New("connection closed")
	}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	req := *(v.(*request))
	select {
	case c.out <- &req:
		return nil
	case <-c.closed:
		return errors.New("connection closed")
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func testBrokerConfig() *config.BrokerConfig {
	return &config.BrokerConfig{
		URL:            "ws://test",
		Account:        "DU000001",
		SnapshotWait:   100 * time.Millisecond,
		HistoricalWait: 200 * time.Millisecond,
		AckWait:        50 * time.Millisecond,
		RequestsPerSec: 100,
	}
}

// newTestSession connects a session over a fakeConn whose handshake hands
// out nextOrderID as the first valid order id.
func newTestSession(t *testing.T, nextOrderID int64) (*Session, *fakeConn) {
	t.Helper()

	conn := newFakeConn()
	conn.in <- &message{Type: msgSession, NextOrderID: nextOrderID, Account: "DU000001"}

	s := NewSession(testBrokerConfig(), logger.NewNop())
	s.dial = func(_ context.Context, _ string) (transport, error) {
		return conn, nil
	}

	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { s.Disconnect() })

	return s, conn
}

func TestSession_ConnectSeedsOrderIDs(t *testing.T) {
	s, conn := newTestSession(t, 100)

	assert.Equal(t, StateReady, s.State())
	assert.True(t, s.IsConnected())

	// first submission uses the handshake id, next ones increment
	id1, err := s.PlaceOrder(context.Background(), contracts.OrderRequest{
		Symbol: "SPY", Side: contracts.OrderSideBuy, Qty: 1, Type: contracts.OrderTypeMarket,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100), id1)

	id2, err := s.PlaceOrder(context.Background(), contracts.OrderRequest{
		Symbol: "QQQ", Side: contracts.OrderSideBuy, Qty: 1, Type: contracts.OrderTypeMarket,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(101), id2)

	// both frames reached the wire
	for i := 0; i < 2; i++ {
		select {
		case req := <-conn.out:
			assert.Equal(t, reqPlaceOrder, req.Type)
		case <-time.After(time.Second):
			t.Fatal("order frame never written")
		}
	}
}

func TestSession_ConnectHandshakeTimeout(t *testing.T) {
	conn := newFakeConn()

	s := NewSession(testBrokerConfig(), logger.NewNop())
	s.dial = func(_ context.Context, _ string) (transport, error) {
		return conn, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := s.Connect(ctx)
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, s.State())
}

func TestSession_RepliesRoutedByRequestID(t *testing.T) {
	s, conn := newTestSession(t, 1)

	// gateway answers each request with bars tagged by symbol
	go func() {
		for req := range conn.out {
			if req.Type != reqHistorical {
				continue
			}
			price := 10.0
			if req.Symbol == "QQQ" {
				price = 20.0
			}
			conn.in <- &message{
				Type:  msgBars,
				ReqID: req.ReqID,
				Bars:  []wireBar{{Time: 1700000000, Close: price}},
			}
		}
	}()

	var wg sync.WaitGroup
	results := make(map[string]float64)
	var mu sync.Mutex

	for _, symbol := range []string{"SPY", "QQQ"} {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			series, err := s.GetHistoricalData(context.Background(), sym, 30)
			if err != nil {
				t.Errorf("GetHistoricalData(%s): %v", sym, err)
				return
			}
			mu.Lock()
			results[sym] = series.Last().Close
			mu.Unlock()
		}(symbol)
	}
	wg.Wait()

	assert.Equal(t, 10.0, results["SPY"])
	assert.Equal(t, 20.0, results["QQQ"])
}

func TestSession_SnapshotTimeoutBounded(t *testing.T) {
	s, _ := newTestSession(t, 1)

	// gateway never answers
	start := time.Now()
	_, err := s.GetQuote(context.Background(), "SPY")
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, elapsed, time.Second, "snapshot timeout must be bounded")
}

func TestSession_SnapshotTimeoutFallsBackToTicks(t *testing.T) {
	s, conn := newTestSession(t, 1)

	// a live tick arrives but the snapshot request is never answered
	conn.in <- &message{Type: msgTick, Symbol: "SPY", Last: 412.5}
	time.Sleep(20 * time.Millisecond)

	q, err := s.GetQuote(context.Background(), "SPY")
	require.NoError(t, err)
	assert.Equal(t, 412.5, q.Last)
}

func TestSession_HistoricalTimeoutReturnsEmpty(t *testing.T) {
	s, _ := newTestSession(t, 1)

	series, err := s.GetHistoricalData(context.Background(), "SPY", 300)
	require.ErrorIs(t, err, ErrTimeout)
	assert.True(t, series.Empty())
}

func TestSession_DisconnectFailsInflightWaiters(t *testing.T) {
	s, _ := newTestSession(t, 1)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.GetAccount(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Disconnect())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrNotConnected)
	case <-time.After(time.Second):
		t.Fatal("in-flight waiter was not released on disconnect")
	}

	assert.Equal(t, StateDisconnected, s.State())
}

func TestSession_PlaceOrderReturnsAfterAckWait(t *testing.T) {
	s, _ := newTestSession(t, 50)

	// no status callback ever arrives; the call still returns the id
	start := time.Now()
	id, err := s.PlaceOrder(context.Background(), contracts.OrderRequest{
		Symbol: "SPY", Side: contracts.OrderSideBuy, Qty: 10, Type: contracts.OrderTypeMarket,
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, int64(50), id)
	assert.Less(t, elapsed, time.Second)

	status, ok := s.GetOrderStatus(id)
	require.True(t, ok)
	assert.Equal(t, contracts.StatusPending, status)
}

func TestSession_OrderStatusCallbackUpdatesOrder(t *testing.T) {
	s, conn := newTestSession(t, 50)

	go func() {
		for req := range conn.out {
			if req.Type == reqPlaceOrder {
				conn.in <- &message{
					Type:    msgOrderStatus,
					OrderID: req.OrderID,
					Status:  "Filled",
					Filled:  float64(req.Qty),
				}
			}
		}
	}()

	id, err := s.PlaceOrder(context.Background(), contracts.OrderRequest{
		Symbol: "SPY", Side: contracts.OrderSideBuy, Qty: 10, Type: contracts.OrderTypeMarket,
	})
	require.NoError(t, err)

	status, ok := s.GetOrderStatus(id)
	require.True(t, ok)
	assert.Equal(t, contracts.StatusFilled, status)
}

func TestSession_ValidateOrder(t *testing.T) {
	s := NewSession(testBrokerConfig(), logger.NewNop())
	ctx := context.Background()

	tests := []struct {
		name string
		req  contracts.OrderRequest
		ok   bool
	}{
		{"valid market", contracts.OrderRequest{Symbol: "SPY", Side: contracts.OrderSideBuy, Qty: 1, Type: contracts.OrderTypeMarket}, true},
		{"valid limit", contracts.OrderRequest{Symbol: "SPY", Side: contracts.OrderSideBuy, Qty: 1, Type: contracts.OrderTypeLimit, LimitPrice: 100}, true},
		{"empty symbol", contracts.OrderRequest{Side: contracts.OrderSideBuy, Qty: 1, Type: contracts.OrderTypeMarket}, false},
		{"zero qty", contracts.OrderRequest{Symbol: "SPY", Side: contracts.OrderSideBuy, Type: contracts.OrderTypeMarket}, false},
		{"limit without price", contracts.OrderRequest{Symbol: "SPY", Side: contracts.OrderSideBuy, Qty: 1, Type: contracts.OrderTypeLimit}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := s.ValidateOrder(ctx, tt.req)
			assert.Equal(t, tt.ok, ok)
			if !tt.ok {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

func TestSession_ValidateOrderChecksBuyingPower(t *testing.T) {
	s, conn := newTestSession(t, 1)

	go func() {
		for req := range conn.out {
			if req.Type == reqAccount {
				conn.in <- &message{
					Type:           msgAccount,
					ReqID:          req.ReqID,
					Cash:           1_000,
					BuyingPower:    1_000,
					NetLiquidation: 1_000,
				}
			}
		}
	}()

	ok, reason := s.ValidateOrder(context.Background(), contracts.OrderRequest{
		Symbol: "SPY", Side: contracts.OrderSideBuy, Qty: 100,
		Type: contracts.OrderTypeLimit, LimitPrice: 100,
	})
	assert.False(t, ok)
	assert.Contains(t, reason, "insufficient buying power")

	ok, reason = s.ValidateOrder(context.Background(), contracts.OrderRequest{
		Symbol: "SPY", Side: contracts.OrderSideBuy, Qty: 5,
		Type: contracts.OrderTypeLimit, LimitPrice: 100,
	})
	assert.True(t, ok, reason)
}

func TestSession_ValidateOrderChecksHeldQuantity(t *testing.T) {
	s, conn := newTestSession(t, 1)

	go func() {
		for req := range conn.out {
			if req.Type == reqPositions {
				conn.in <- &message{
					Type:      msgPositions,
					ReqID:     req.ReqID,
					Positions: []wirePosition{{Symbol: "SPY", Quantity: 10, AvgCost: 100}},
				}
			}
		}
	}()

	ok, reason := s.ValidateOrder(context.Background(), contracts.OrderRequest{
		Symbol: "QQQ", Side: contracts.OrderSideSell, Qty: 5, Type: contracts.OrderTypeMarket,
	})
	assert.False(t, ok)
	assert.Contains(t, reason, "insufficient position")

	ok, reason = s.ValidateOrder(context.Background(), contracts.OrderRequest{
		Symbol: "SPY", Side: contracts.OrderSideSell, Qty: 10, Type: contracts.OrderTypeMarket,
	})
	assert.True(t, ok, reason)

	ok, reason = s.ValidateOrder(context.Background(), contracts.OrderRequest{
		Symbol: "SPY", Side: contracts.OrderSideSell, Qty: 11, Type: contracts.OrderTypeMarket,
	})
	assert.False(t, ok)
	assert.Contains(t, reason, "insufficient position")
}

func TestSession_CancelWaitsForStatusCallback(t *testing.T) {
	s, conn := newTestSession(t, 10)

	go func() {
		for req := range conn.out {
			switch req.Type {
			case reqPlaceOrder:
				conn.in <- &message{Type: msgOrderStatus, OrderID: req.OrderID, Status: "Submitted"}
			case reqCancelOrder:
				conn.in <- &message{Type: msgOrderStatus, OrderID: req.OrderID, Status: "Cancelled"}
			}
		}
	}()

	id, err := s.PlaceOrder(context.Background(), contracts.OrderRequest{
		Symbol: "SPY", Side: contracts.OrderSideBuy, Qty: 1, Type: contracts.OrderTypeMarket,
	})
	require.NoError(t, err)

	require.NoError(t, s.CancelOrder(context.Background(), id))

	status, ok := s.GetOrderStatus(id)
	require.True(t, ok)
	assert.Equal(t, contracts.StatusCancelled, status)
}

func TestSession_CancelBoundedWithoutCallback(t *testing.T) {
	s, _ := newTestSession(t, 10)

	id, err := s.PlaceOrder(context.Background(), contracts.OrderRequest{
		Symbol: "SPY", Side: contracts.OrderSideBuy, Qty: 1, Type: contracts.OrderTypeMarket,
	})
	require.NoError(t, err)

	// gateway stays silent; the cancel still returns promptly
	start := time.Now()
	require.NoError(t, s.CancelOrder(context.Background(), id))
	assert.Less(t, time.Since(start), time.Second)
}

func TestSession_FailedHandshakeStopsReadLoop(t *testing.T) {
	conn := newFakeConn()

	s := NewSession(testBrokerConfig(), logger.NewNop())
	s.dial = func(_ context.Context, _ string) (transport, error) {
		return conn, nil
	}

	readLoopDone := s.doneCh

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.Error(t, s.Connect(ctx))

	select {
	case <-readLoopDone:
	case <-time.After(time.Second):
		t.Fatal("read loop kept running after the handshake failed")
	}

	// the session can dial again afterwards
	conn2 := newFakeConn()
	conn2.in <- &message{Type: msgSession, NextOrderID: 7, Account: "DU000001"}
	s.dial = func(_ context.Context, _ string) (transport, error) {
		return conn2, nil
	}

	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { s.Disconnect() })
	assert.True(t, s.IsConnected())
}

func TestSession_RequestsFailWhenDisconnected(t *testing.T) {
	s := NewSession(testBrokerConfig(), logger.NewNop())

	_, err := s.GetQuote(context.Background(), "SPY")
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = s.PlaceOrder(context.Background(), contracts.OrderRequest{
		Symbol: "SPY", Side: contracts.OrderSideBuy, Qty: 1, Type: contracts.OrderTypeMarket,
	})
	assert.ErrorIs(t, err, ErrNotConnected)
}
