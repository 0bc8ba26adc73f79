package core

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"bitfinex-margin-balancer/internal/config"
	"bitfinex-margin-balancer/internal/models"
)

func detectorTestConfig() *config.Config {
	return &config.Config{
		Thresholds: config.Thresholds{
			MinAdjustmentUSDT:        50.0,
			EmergencyMarginRate:      2.0,
			PriceSpikePct:            3.0,
			AccountMarginRateWarning: 3.0,
		},
		RiskWeights: map[string]float64{"BTC": 1.0},
	}
}

func newDetector(t *testing.T, mockClient *MockExchangeClient, mockNotifier *MockNotifier) *EventDetector {
	cfg := detectorTestConfig()
	risk := NewRiskCalculator(cfg, mockClient, zap.NewNop())
	allocator := NewMarginAllocator(cfg, risk, mockClient, setupStore(t), zap.NewNop())
	return NewEventDetector(cfg, allocator, mockNotifier, zap.NewNop())
}

func TestCheckEmergencyConditions_StrictlyBelowThreshold(t *testing.T) {
	d := newDetector(t, new(MockExchangeClient), new(MockNotifier))

	positions := []models.Position{
		{Symbol: "BTC", MarginRate: decimal.NewFromFloat(1.9)},
		{Symbol: "ETH", MarginRate: decimal.NewFromFloat(2.0)}, // exactly at threshold
		{Symbol: "SOL", MarginRate: decimal.NewFromFloat(5.0)},
	}

	critical := d.CheckEmergencyConditions(positions)

	assert.Len(t, critical, 1)
	assert.Equal(t, "BTC", critical[0].Symbol)
}

func TestOnPriceUpdate_FirstObservationNeverSpikes(t *testing.T) {
	d := newDetector(t, new(MockExchangeClient), new(MockNotifier))

	assert.False(t, d.OnPriceUpdate("BTC", decimal.NewFromInt(50000), nil))

	cached, ok := d.CachedPrice("BTC")
	assert.True(t, ok)
	assert.True(t, cached.Equal(decimal.NewFromInt(50000)))
}

func TestOnPriceUpdate_SpikeAgainstCachedPrice(t *testing.T) {
	d := newDetector(t, new(MockExchangeClient), new(MockNotifier))

	d.OnPriceUpdate("BTC", decimal.NewFromInt(50000), nil)

	// 4% move clears the 3% threshold.
	assert.True(t, d.OnPriceUpdate("BTC", decimal.NewFromInt(52000), nil))

	// The cache advanced: a further 1% move is quiet.
	assert.False(t, d.OnPriceUpdate("BTC", decimal.NewFromInt(52500), nil))
}

func TestOnPriceUpdate_ThresholdIsInclusive(t *testing.T) {
	d := newDetector(t, new(MockExchangeClient), new(MockNotifier))

	prev := decimal.NewFromInt(50000)
	// Exactly 3% down.
	assert.True(t, d.OnPriceUpdate("BTC", decimal.NewFromInt(48500), &prev))
}

func TestOnPriceUpdate_ZeroPreviousPriceIsQuiet(t *testing.T) {
	d := newDetector(t, new(MockExchangeClient), new(MockNotifier))

	prev := decimal.Zero
	assert.False(t, d.OnPriceUpdate("BTC", decimal.NewFromInt(50000), &prev))

	// The cache still records the new price.
	cached, ok := d.CachedPrice("BTC")
	assert.True(t, ok)
	assert.True(t, cached.Equal(decimal.NewFromInt(50000)))
}

func TestCheckAccountMarginRate(t *testing.T) {
	d := newDetector(t, new(MockExchangeClient), new(MockNotifier))

	// 2% overall rate sits below the 3% warning threshold.
	assert.True(t, d.CheckAccountMarginRate(decimal.NewFromInt(200), decimal.NewFromInt(10000)))

	// Healthy account.
	assert.False(t, d.CheckAccountMarginRate(decimal.NewFromInt(10000), decimal.NewFromInt(10000)))

	// No margin posted means nothing to warn about.
	assert.False(t, d.CheckAccountMarginRate(decimal.NewFromInt(10000), decimal.Zero))
}

func TestHandleAccountMarginWarning_Deduplicated(t *testing.T) {
	mockNotifier := new(MockNotifier)
	d := newDetector(t, new(MockExchangeClient), mockNotifier)

	mockNotifier.On("SendAccountMarginWarning", 2.5).Return(nil).Once()

	assert.True(t, d.HandleAccountMarginWarning(2.5))
	// Second breach while the first warning is outstanding stays silent.
	assert.False(t, d.HandleAccountMarginWarning(2.5))
	mockNotifier.AssertExpectations(t)
}

func TestCheckAccountMarginRate_RecoveryRearmsWarning(t *testing.T) {
	mockNotifier := new(MockNotifier)
	d := newDetector(t, new(MockExchangeClient), mockNotifier)

	mockNotifier.On("SendAccountMarginWarning", mock.Anything).Return(nil).Twice()

	assert.True(t, d.CheckAccountMarginRate(decimal.NewFromInt(200), decimal.NewFromInt(10000)))
	assert.True(t, d.HandleAccountMarginWarning(2.0))

	// Recovery clears the outstanding flag.
	assert.False(t, d.CheckAccountMarginRate(decimal.NewFromInt(10000), decimal.NewFromInt(10000)))

	// The next breach warns again.
	assert.True(t, d.CheckAccountMarginRate(decimal.NewFromInt(200), decimal.NewFromInt(10000)))
	assert.True(t, d.HandleAccountMarginWarning(2.0))
	mockNotifier.AssertExpectations(t)
}

func TestHandleEmergency_ReportsSuccessfulRescue(t *testing.T) {
	mockClient := new(MockExchangeClient)
	mockNotifier := new(MockNotifier)
	d := newDetector(t, mockClient, mockNotifier)

	critical := models.Position{
		Symbol:       "BTC",
		Quantity:     decimal.NewFromInt(1),
		CurrentPrice: decimal.NewFromInt(50000),
		Margin:       decimal.NewFromInt(500),
		MarginRate:   decimal.NewFromInt(1),
	}

	mockClient.On("UpdatePositionMargin", "tBTCF0:USTF0", mock.Anything).Return(true, nil)
	mockNotifier.On("SendAdjustmentReport", mock.Anything).Return(nil)

	ok := d.HandleEmergency(critical, []models.Position{critical}, decimal.NewFromInt(10000))

	assert.True(t, ok)
	mockClient.AssertExpectations(t)
	mockNotifier.AssertExpectations(t)
}

func TestHandleEmergency_FailedWriteReturnsFalse(t *testing.T) {
	mockClient := new(MockExchangeClient)
	mockNotifier := new(MockNotifier)
	d := newDetector(t, mockClient, mockNotifier)

	critical := models.Position{
		Symbol:       "BTC",
		Quantity:     decimal.NewFromInt(1),
		CurrentPrice: decimal.NewFromInt(50000),
		Margin:       decimal.NewFromInt(500),
		MarginRate:   decimal.NewFromInt(1),
	}

	mockClient.On("UpdatePositionMargin", "tBTCF0:USTF0", mock.Anything).Return(false, nil)

	ok := d.HandleEmergency(critical, []models.Position{critical}, decimal.NewFromInt(10000))

	assert.False(t, ok)
	mockNotifier.AssertNotCalled(t, "SendAdjustmentReport")
}
