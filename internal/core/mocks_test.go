package core

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"bitfinex-margin-balancer/internal/bitfinex"
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

// MockNotifier is a mock implementation of EmergencyNotifier.
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) SendAdjustmentReport(result *RebalanceResult) error {
	args := m.Called(result)
	return args.Error(0)
}

func (m *MockNotifier) SendAccountMarginWarning(rate float64) error {
	args := m.Called(rate)
	return args.Error(0)
}

// setupStore creates a fresh in-memory store for each test to ensure isolation.
func setupStore(t *testing.T) *database.Store {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)

	store, err := database.NewStoreWithDB(db)
	assert.NoError(t, err)
	return store
}

// decimalEq matches a decimal argument by numeric value rather than internal
// representation.
func decimalEq(want decimal.Decimal) any {
	return mock.MatchedBy(func(got decimal.Decimal) bool {
		return got.Equal(want)
	})
}
