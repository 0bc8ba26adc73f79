package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"bitfinex-margin-balancer/internal/bitfinex"
	"bitfinex-margin-balancer/internal/config"
	"bitfinex-margin-balancer/internal/core"
	"bitfinex-margin-balancer/internal/database"
	"bitfinex-margin-balancer/internal/models"
)

// MockExchangeClient is a mock implementation of bitfinex.ExchangeClient.
type MockExchangeClient struct {
	mock.Mock
}

func (m *MockExchangeClient) GetPositions() ([]models.Position, error) {
	args := m.Called()
	return args.Get(0).([]models.Position), args.Error(1)
}

func (m *MockExchangeClient) GetAvailableBalance() (decimal.Decimal, error) {
	args := m.Called()
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *MockExchangeClient) GetAccountInfo() (*bitfinex.AccountInfo, error) {
	args := m.Called()
	return args.Get(0).(*bitfinex.AccountInfo), args.Error(1)
}

func (m *MockExchangeClient) UpdatePositionMargin(fullSymbol string, delta decimal.Decimal) (bool, error) {
	args := m.Called(fullSymbol, delta)
	return args.Bool(0), args.Error(1)
}

func (m *MockExchangeClient) ClosePosition(fullSymbol string, side models.PositionSide, quantity decimal.Decimal) (bool, error) {
	args := m.Called(fullSymbol, side, quantity)
	return args.Bool(0), args.Error(1)
}

func (m *MockExchangeClient) GetCandles(fullSymbol, timeframe string, limit int) ([]bitfinex.Candle, error) {
	args := m.Called(fullSymbol, timeframe, limit)
	return args.Get(0).([]bitfinex.Candle), args.Error(1)
}

func (m *MockExchangeClient) FullSymbol(symbol string) string {
	return "t" + symbol + "F0:USTF0"
}

// MockNotifier is a mock implementation of core.EmergencyNotifier.
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) SendAdjustmentReport(result *core.RebalanceResult) error {
	args := m.Called(result)
	return args.Error(0)
}

func (m *MockNotifier) SendAccountMarginWarning(rate float64) error {
	args := m.Called(rate)
	return args.Error(0)
}

func newSpikeDetector(t *testing.T, mockClient *MockExchangeClient, mockNotifier *MockNotifier) *core.EventDetector {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)
	store, err := database.NewStoreWithDB(db)
	assert.NoError(t, err)

	cfg := &config.Config{
		Thresholds: config.Thresholds{
			MinAdjustmentUSDT:   50.0,
			EmergencyMarginRate: 2.0,
			PriceSpikePct:       3.0,
		},
	}
	log := zap.NewNop()
	risk := core.NewRiskCalculator(cfg, mockClient, log)
	allocator := core.NewMarginAllocator(cfg, risk, mockClient, store, log)
	return core.NewEventDetector(cfg, allocator, mockNotifier, log)
}

func TestHandlePriceSpike_RescuesOnlySpikedSymbol(t *testing.T) {
	mockClient := new(MockExchangeClient)
	mockNotifier := new(MockNotifier)
	detector := newSpikeDetector(t, mockClient, mockNotifier)

	// Both positions sit below the emergency threshold; only the spiked one
	// gets the reactive top-up.
	positions := []models.Position{
		{Symbol: "BTC", Quantity: decimal.NewFromInt(1), CurrentPrice: decimal.NewFromInt(50000), Margin: decimal.NewFromInt(500), MarginRate: decimal.NewFromInt(1)},
		{Symbol: "ETH", Quantity: decimal.NewFromInt(10), CurrentPrice: decimal.NewFromInt(2500), Margin: decimal.NewFromInt(250), MarginRate: decimal.NewFromInt(1)},
	}

	mockClient.On("GetPositions").Return(positions, nil)
	mockClient.On("GetAvailableBalance").Return(decimal.NewFromInt(100000), nil)
	mockClient.On("UpdatePositionMargin", "tETHF0:USTF0", mock.Anything).Return(true, nil)
	mockNotifier.On("SendAdjustmentReport", mock.Anything).Return(nil)

	handlePriceSpike("ETH", mockClient, detector, zap.NewNop())

	mockClient.AssertExpectations(t)
	mockClient.AssertNotCalled(t, "UpdatePositionMargin", "tBTCF0:USTF0", mock.Anything)
}

func TestHandlePriceSpike_NoCriticalMatchIsQuiet(t *testing.T) {
	mockClient := new(MockExchangeClient)
	mockNotifier := new(MockNotifier)
	detector := newSpikeDetector(t, mockClient, mockNotifier)

	// BTC is critical but the spike hit SOL, which holds a healthy position.
	positions := []models.Position{
		{Symbol: "BTC", Quantity: decimal.NewFromInt(1), CurrentPrice: decimal.NewFromInt(50000), Margin: decimal.NewFromInt(500), MarginRate: decimal.NewFromInt(1)},
		{Symbol: "SOL", Quantity: decimal.NewFromInt(100), CurrentPrice: decimal.NewFromInt(150), Margin: decimal.NewFromInt(1500), MarginRate: decimal.NewFromInt(10)},
	}

	mockClient.On("GetPositions").Return(positions, nil)

	handlePriceSpike("SOL", mockClient, detector, zap.NewNop())

	mockClient.AssertNotCalled(t, "GetAvailableBalance")
	mockClient.AssertNotCalled(t, "UpdatePositionMargin")
}

// fakeStream records subscription refreshes.
type fakeStream struct {
	connected bool

	mu      sync.Mutex
	updates int
}

func (s *fakeStream) IsConnected() bool { return s.connected }

func (s *fakeStream) UpdateSubscriptions(positions []models.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
}

func (s *fakeStream) updateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates
}

func TestRunSubscriptionRefresh_RefreshesBeforeFirstInterval(t *testing.T) {
	mockClient := new(MockExchangeClient)
	mockClient.On("GetPositions").Return([]models.Position{
		{Symbol: "BTC", MarginRate: decimal.NewFromInt(1)},
	}, nil)

	stream := &fakeStream{connected: true}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		runSubscriptionRefresh(ctx, stream, mockClient, time.Hour, zap.NewNop())
		close(done)
	}()

	// The initial refresh happens without waiting out the hour-long interval.
	assert.Eventually(t, func() bool { return stream.updateCount() == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestRunSubscriptionRefresh_SkipsWhileDisconnected(t *testing.T) {
	mockClient := new(MockExchangeClient)
	stream := &fakeStream{connected: false}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runSubscriptionRefresh(ctx, stream, mockClient, time.Hour, zap.NewNop())
		close(done)
	}()

	cancel()
	<-done

	assert.Equal(t, 0, stream.updateCount())
	mockClient.AssertNotCalled(t, "GetPositions")
}
