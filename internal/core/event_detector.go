package core

import (
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"bitfinex-margin-balancer/internal/config"
	"bitfinex-margin-balancer/internal/models"
)

// EmergencyNotifier is the notification surface the event detector needs.
type EmergencyNotifier interface {
	SendAdjustmentReport(result *RebalanceResult) error
	SendAccountMarginWarning(rate float64) error
}

// EventDetector watches for conditions that need an out-of-band reaction:
// per-position emergency margin rates, price spikes on the live feed and an
// account-level margin-rate warning. It owns the price cache and the
// warning-deduplication flag.
type EventDetector struct {
	cfg       *config.Config
	allocator *MarginAllocator
	notifier  EmergencyNotifier
	logger    *zap.Logger

	mu                sync.Mutex
	priceCache        map[string]decimal.Decimal
	marginWarningSent bool
}

// NewEventDetector creates an event detector.
func NewEventDetector(
	cfg *config.Config,
	allocator *MarginAllocator,
	notifier EmergencyNotifier,
	logger *zap.Logger,
) *EventDetector {
	return &EventDetector{
		cfg:        cfg,
		allocator:  allocator,
		notifier:   notifier,
		logger:     logger,
		priceCache: make(map[string]decimal.Decimal),
	}
}

// CheckEmergencyConditions returns every position whose margin rate sits
// strictly below the emergency threshold.
func (d *EventDetector) CheckEmergencyConditions(positions []models.Position) []models.Position {
	threshold := decimal.NewFromFloat(d.cfg.Thresholds.EmergencyMarginRate)

	var critical []models.Position
	for _, pos := range positions {
		if pos.MarginRate.LessThan(threshold) {
			d.logger.Warn("Emergency condition detected",
				zap.String("symbol", pos.Symbol),
				zap.String("margin_rate", pos.MarginRate.StringFixed(2)),
				zap.Float64("threshold", d.cfg.Thresholds.EmergencyMarginRate),
			)
			critical = append(critical, pos)
		}
	}
	return critical
}

// OnPriceUpdate records a new price and reports whether it constitutes a
// spike relative to the previous one. When prevPrice is nil the cached price
// is used. The cache is always updated, and a first observation (or a zero
// previous price) never spikes.
func (d *EventDetector) OnPriceUpdate(symbol string, price decimal.Decimal, prevPrice *decimal.Decimal) bool {
	d.mu.Lock()
	var prev decimal.Decimal
	havePrev := false
	if prevPrice != nil {
		prev = *prevPrice
		havePrev = true
	} else if cached, ok := d.priceCache[symbol]; ok {
		prev = cached
		havePrev = true
	}
	d.priceCache[symbol] = price
	d.mu.Unlock()

	if !havePrev || prev.IsZero() {
		return false
	}

	changePct := price.Sub(prev).Div(prev).Mul(decimal.NewFromInt(100)).Abs()
	threshold := decimal.NewFromFloat(d.cfg.Thresholds.PriceSpikePct)

	if changePct.GreaterThanOrEqual(threshold) {
		d.logger.Warn("Price spike detected",
			zap.String("symbol", symbol),
			zap.String("change_pct", changePct.StringFixed(2)),
			zap.String("prev", prev.String()),
			zap.String("price", price.String()),
		)
		return true
	}
	return false
}

// CheckAccountMarginRate reports whether the account-level margin rate sits
// below the warning threshold. Zero total margin (no positions) and recovery
// both reset the deduplication flag so the next breach alerts again.
func (d *EventDetector) CheckAccountMarginRate(totalEquity, totalMargin decimal.Decimal) bool {
	if totalMargin.IsZero() {
		d.mu.Lock()
		d.marginWarningSent = false
		d.mu.Unlock()
		return false
	}

	rate := totalEquity.Div(totalMargin).Mul(decimal.NewFromInt(100))
	threshold := decimal.NewFromFloat(d.cfg.Thresholds.AccountMarginRateWarning)

	if rate.LessThan(threshold) {
		d.logger.Warn("Account margin rate warning",
			zap.String("rate", rate.StringFixed(2)),
			zap.Float64("threshold", d.cfg.Thresholds.AccountMarginRateWarning),
		)
		return true
	}

	d.mu.Lock()
	d.marginWarningSent = false
	d.mu.Unlock()
	return false
}

// HandleEmergency runs an emergency rebalance for a critical position and
// reports the adjustment when anything was written. A failed write returns
// false; a no-op result returns true silently.
func (d *EventDetector) HandleEmergency(
	critical models.Position,
	positions []models.Position,
	availableBalance decimal.Decimal,
) bool {
	d.logger.Info("Handling emergency",
		zap.String("symbol", critical.Symbol),
		zap.String("margin_rate", critical.MarginRate.StringFixed(2)),
	)

	result := d.allocator.EmergencyRebalance(positions, critical, availableBalance)

	switch {
	case result.SuccessCount > 0:
		if err := d.notifier.SendAdjustmentReport(result); err != nil {
			d.logger.Error("Failed to send adjustment report", zap.Error(err))
		}
		d.logger.Info("Emergency rebalance completed", zap.Int("adjustments", result.SuccessCount))
		return true
	case result.FailCount > 0:
		d.logger.Error("Emergency rebalance failed", zap.Int("failures", result.FailCount))
		return false
	default:
		return true
	}
}

// HandleAccountMarginWarning sends the account-level warning unless one is
// already outstanding. It returns whether a warning went out.
func (d *EventDetector) HandleAccountMarginWarning(rate float64) bool {
	d.mu.Lock()
	if d.marginWarningSent {
		d.mu.Unlock()
		return false
	}
	d.marginWarningSent = true
	d.mu.Unlock()

	if err := d.notifier.SendAccountMarginWarning(rate); err != nil {
		d.logger.Error("Failed to send account margin warning", zap.Error(err))
	}
	return true
}

// CachedPrice returns the last observed price for a symbol.
func (d *EventDetector) CachedPrice(symbol string) (decimal.Decimal, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	price, ok := d.priceCache[symbol]
	return price, ok
}

// ClearPriceCache drops all cached prices.
func (d *EventDetector) ClearPriceCache() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.priceCache = make(map[string]decimal.Decimal)
}

// ResetWarningState clears the outstanding-warning flag.
func (d *EventDetector) ResetWarningState() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.marginWarningSent = false
}
