package core

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"bitfinex-margin-balancer/internal/bitfinex"
	"bitfinex-margin-balancer/internal/config"
	"bitfinex-margin-balancer/internal/database"
	"bitfinex-margin-balancer/internal/models"
)

// maintenanceMarginRate is the exchange's maintenance requirement (0.5%).
// The safety floor is this rate scaled by the configured multiplier.
var maintenanceMarginRate = decimal.NewFromFloat(0.005)

// LiquidationPlan describes a partial close of one position.
type LiquidationPlan struct {
	Symbol           string
	Side             models.PositionSide
	CurrentQuantity  decimal.Decimal
	CloseQuantity    decimal.Decimal
	CurrentPrice     decimal.Decimal
	EstimatedRelease decimal.Decimal
}

// LiquidationResult is the outcome of one liquidation check. Plans may be
// present even when nothing executed (dry run).
type LiquidationResult struct {
	Executed      bool
	Reason        string
	Plans         []LiquidationPlan
	SuccessCount  int
	FailCount     int
	TotalReleased decimal.Decimal
}

// PositionLiquidator closes parts of positions when the portfolio can no
// longer maintain safe margin coverage. Runs are gated by a cooldown that
// starts only after an actual execution.
type PositionLiquidator struct {
	cfg    *config.Config
	client bitfinex.ExchangeClient
	store  *database.Store
	logger *zap.Logger

	// lastLiquidation is read and written only within ExecuteIfNeeded, which
	// is invoked from the single poll-cycle goroutine.
	lastLiquidation time.Time

	now func() time.Time
}

// NewPositionLiquidator creates a position liquidator.
func NewPositionLiquidator(
	cfg *config.Config,
	client bitfinex.ExchangeClient,
	store *database.Store,
	logger *zap.Logger,
) *PositionLiquidator {
	return &PositionLiquidator{
		cfg:    cfg,
		client: client,
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// calculateMarginGap returns the shortfall between the safety floor and the
// collateral actually available, floored at zero.
func (l *PositionLiquidator) calculateMarginGap(
	positions []models.Position,
	availableBalance decimal.Decimal,
) decimal.Decimal {
	totalNotional := decimal.Zero
	totalMargin := decimal.Zero
	for _, pos := range positions {
		totalNotional = totalNotional.Add(pos.NotionalValue())
		totalMargin = totalMargin.Add(pos.Margin)
	}

	minSafeMargin := totalNotional.
		Mul(maintenanceMarginRate).
		Mul(decimal.NewFromFloat(l.cfg.Liquidation.SafetyMarginMultiplier))

	gap := minSafeMargin.Sub(totalMargin).Sub(availableBalance)
	if gap.IsNegative() {
		return decimal.Zero
	}
	return gap
}

// sortByPriority orders positions by configured closure priority, lowest
// first. Priority here is closure order, not importance.
func (l *PositionLiquidator) sortByPriority(positions []models.Position) []models.Position {
	sorted := make([]models.Position, len(positions))
	copy(sorted, positions)
	sort.SliceStable(sorted, func(i, j int) bool {
		return l.cfg.GetPositionPriority(sorted[i].Symbol) < l.cfg.GetPositionPriority(sorted[j].Symbol)
	})
	return sorted
}

// createPlan sizes the partial close of one position against the margin still
// needed, bounded by the maximum single-close percentage.
func (l *PositionLiquidator) createPlan(pos models.Position, neededRelease decimal.Decimal) LiquidationPlan {
	maxClosePct := decimal.NewFromFloat(l.cfg.Liquidation.MaxSingleClosePct).Div(decimal.NewFromInt(100))
	maxCloseQty := pos.Quantity.Mul(maxClosePct)

	qtyForRelease := decimal.Zero
	if pos.Margin.IsPositive() && pos.Quantity.IsPositive() {
		marginPerUnit := pos.Margin.Div(pos.Quantity)
		qtyForRelease = neededRelease.Div(marginPerUnit)
	}

	closeQty := maxCloseQty
	if qtyForRelease.LessThan(closeQty) {
		closeQty = qtyForRelease
	}

	estimatedRelease := decimal.Zero
	if pos.Quantity.IsPositive() {
		estimatedRelease = closeQty.Div(pos.Quantity).Mul(pos.Margin)
	}

	return LiquidationPlan{
		Symbol:           pos.Symbol,
		Side:             pos.Side,
		CurrentQuantity:  pos.Quantity,
		CloseQuantity:    closeQty,
		CurrentPrice:     pos.CurrentPrice,
		EstimatedRelease: estimatedRelease,
	}
}

// cooldownElapsed reports whether enough time has passed since the last
// executed liquidation.
func (l *PositionLiquidator) cooldownElapsed() bool {
	if l.lastLiquidation.IsZero() {
		return true
	}
	elapsed := l.now().Sub(l.lastLiquidation)
	return elapsed >= time.Duration(l.cfg.Liquidation.CooldownSeconds)*time.Second
}

// ExecuteIfNeeded checks the margin gap and, when one exists, builds and
// executes priority-ordered partial-close plans. Gates short-circuit in
// order: feature disabled, cooldown, no gap. Dry-run mode returns the plans
// without executing and without starting the cooldown timer.
func (l *PositionLiquidator) ExecuteIfNeeded(
	positions []models.Position,
	availableBalance decimal.Decimal,
) *LiquidationResult {
	if !l.cfg.Liquidation.Enabled {
		return &LiquidationResult{
			Executed:      false,
			Reason:        "Liquidation disabled",
			TotalReleased: decimal.Zero,
		}
	}

	if !l.cooldownElapsed() {
		return &LiquidationResult{
			Executed:      false,
			Reason:        "In cooldown period",
			TotalReleased: decimal.Zero,
		}
	}

	gap := l.calculateMarginGap(positions, availableBalance)
	if !gap.IsPositive() {
		return &LiquidationResult{
			Executed:      false,
			Reason:        "No margin gap",
			TotalReleased: decimal.Zero,
		}
	}

	l.logger.Warn("Margin gap detected", zap.String("gap", gap.StringFixed(2)))

	// Greedy best-effort plan set: enough leading positions to plausibly
	// cover the gap. Actual released margin depends on execution success.
	var plans []LiquidationPlan
	remainingGap := gap
	for _, pos := range l.sortByPriority(positions) {
		if !remainingGap.IsPositive() {
			break
		}
		plan := l.createPlan(pos, remainingGap)
		plans = append(plans, plan)
		remainingGap = remainingGap.Sub(plan.EstimatedRelease)
	}

	if l.cfg.Liquidation.DryRun {
		return &LiquidationResult{
			Executed:      false,
			Reason:        "Dry run mode",
			Plans:         plans,
			TotalReleased: decimal.Zero,
		}
	}

	successCount := 0
	failCount := 0
	totalReleased := decimal.Zero

	for _, plan := range plans {
		fullSymbol := l.client.FullSymbol(plan.Symbol)

		ok, err := l.client.ClosePosition(fullSymbol, plan.Side, plan.CloseQuantity)
		if err != nil || !ok {
			l.logger.Error("Close order failed",
				zap.String("symbol", plan.Symbol),
				zap.String("quantity", plan.CloseQuantity.String()),
				zap.Error(err),
			)
			failCount++
			continue
		}

		successCount++
		totalReleased = totalReleased.Add(plan.EstimatedRelease)

		liq := &models.Liquidation{
			Timestamp:      l.now(),
			Symbol:         plan.Symbol,
			Side:           plan.Side,
			Quantity:       plan.CloseQuantity,
			Price:          plan.CurrentPrice,
			ReleasedMargin: plan.EstimatedRelease,
			Reason:         fmt.Sprintf("Margin gap: %s", gap.StringFixed(2)),
		}
		if err := l.store.SaveLiquidation(liq); err != nil {
			l.logger.Error("Failed to persist liquidation record", zap.Error(err))
		}

		l.logger.Info("Position partially closed",
			zap.String("symbol", plan.Symbol),
			zap.String("quantity", plan.CloseQuantity.StringFixed(4)),
			zap.String("released", plan.EstimatedRelease.StringFixed(2)),
		)
	}

	// Cooldown starts when execution was attempted, regardless of per-plan
	// success.
	l.lastLiquidation = l.now()

	return &LiquidationResult{
		Executed:      true,
		Reason:        fmt.Sprintf("Executed %d liquidations", successCount),
		Plans:         plans,
		SuccessCount:  successCount,
		FailCount:     failCount,
		TotalReleased: totalReleased,
	}
}
