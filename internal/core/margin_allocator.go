package core

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"bitfinex-margin-balancer/internal/bitfinex"
	"bitfinex-margin-balancer/internal/config"
	"bitfinex-margin-balancer/internal/database"
	"bitfinex-margin-balancer/internal/models"
)

// AdjustmentPlan is an intended change to one position's margin.
type AdjustmentPlan struct {
	Symbol        string
	CurrentMargin decimal.Decimal
	TargetMargin  decimal.Decimal
	Delta         decimal.Decimal
}

// IsIncrease reports whether the plan adds margin.
func (p AdjustmentPlan) IsIncrease() bool {
	return p.Delta.IsPositive()
}

// RebalanceResult aggregates the outcome of one rebalance run.
type RebalanceResult struct {
	SuccessCount  int
	FailCount     int
	TotalAdjusted decimal.Decimal
	Adjustments   []models.MarginAdjustment
}

func emptyRebalanceResult() *RebalanceResult {
	return &RebalanceResult{TotalAdjusted: decimal.Zero}
}

// MarginAllocator turns positions and target margins into an ordered list of
// collateral adjustments and executes them against the exchange. It holds no
// state of its own: all inputs are passed in per call.
type MarginAllocator struct {
	cfg    *config.Config
	risk   *RiskCalculator
	client bitfinex.ExchangeClient
	store  *database.Store
	logger *zap.Logger
}

// NewMarginAllocator creates a margin allocator.
func NewMarginAllocator(
	cfg *config.Config,
	risk *RiskCalculator,
	client bitfinex.ExchangeClient,
	store *database.Store,
	logger *zap.Logger,
) *MarginAllocator {
	return &MarginAllocator{
		cfg:    cfg,
		risk:   risk,
		client: client,
		store:  store,
		logger: logger,
	}
}

// calculatePlans builds adjustment plans for positions whose delta clears
// both the absolute USD threshold and the percentage-of-current-margin
// threshold. Positions failing either check are skipped, not clamped.
func (a *MarginAllocator) calculatePlans(
	positions []models.Position,
	targets map[string]decimal.Decimal,
) []AdjustmentPlan {
	minAdjustment := decimal.NewFromFloat(a.cfg.Thresholds.MinAdjustmentUSDT)
	minDeviationPct := decimal.NewFromFloat(a.cfg.Thresholds.MinDeviationPct)
	hundred := decimal.NewFromInt(100)

	var plans []AdjustmentPlan
	for _, pos := range positions {
		target, ok := targets[pos.Symbol]
		if !ok {
			continue
		}

		delta := target.Sub(pos.Margin)
		absDelta := delta.Abs()

		if absDelta.LessThan(minAdjustment) {
			continue
		}

		if pos.Margin.IsPositive() {
			pctDeviation := absDelta.Div(pos.Margin).Mul(hundred)
			if pctDeviation.LessThan(minDeviationPct) {
				continue
			}
		}

		plans = append(plans, AdjustmentPlan{
			Symbol:        pos.Symbol,
			CurrentMargin: pos.Margin,
			TargetMargin:  target,
			Delta:         delta,
		})
	}

	return plans
}

// sortPlans orders execution: decreases first (largest release first) to free
// capital, then increases (smallest commitment first).
func sortPlans(plans []AdjustmentPlan) []AdjustmentPlan {
	var decreases, increases []AdjustmentPlan
	for _, p := range plans {
		if p.IsIncrease() {
			increases = append(increases, p)
		} else {
			decreases = append(decreases, p)
		}
	}

	sort.SliceStable(decreases, func(i, j int) bool {
		return decreases[i].Delta.Abs().GreaterThan(decreases[j].Delta.Abs())
	})
	sort.SliceStable(increases, func(i, j int) bool {
		return increases[i].Delta.LessThan(increases[j].Delta)
	})

	return append(decreases, increases...)
}

// executePlan issues one collateral write and, on success, persists the audit
// record. It returns the record, or nil if the write failed.
func (a *MarginAllocator) executePlan(plan AdjustmentPlan, triggerType models.TriggerType) *models.MarginAdjustment {
	fullSymbol := a.client.FullSymbol(plan.Symbol)

	ok, err := a.client.UpdatePositionMargin(fullSymbol, plan.Delta)
	if err != nil || !ok {
		a.logger.Warn("Margin adjustment failed",
			zap.String("symbol", plan.Symbol),
			zap.String("delta", plan.Delta.String()),
			zap.Error(err),
		)
		return nil
	}

	direction := models.DirectionDecrease
	if plan.IsIncrease() {
		direction = models.DirectionIncrease
	}

	adj := &models.MarginAdjustment{
		Timestamp:    time.Now(),
		Symbol:       plan.Symbol,
		Direction:    direction,
		Amount:       plan.Delta.Abs(),
		BeforeMargin: plan.CurrentMargin,
		AfterMargin:  plan.TargetMargin,
		TriggerType:  triggerType,
	}

	if err := a.store.SaveMarginAdjustment(adj); err != nil {
		a.logger.Error("Failed to persist margin adjustment", zap.Error(err))
	}

	a.logger.Info("Margin adjusted",
		zap.String("symbol", plan.Symbol),
		zap.String("direction", string(direction)),
		zap.String("amount", adj.Amount.StringFixed(2)),
	)
	return adj
}

// ExecuteRebalance computes targets, filters and orders the adjustment plans,
// then executes them one by one. Individual write failures are counted and
// the batch continues; the method never fails as a whole.
func (a *MarginAllocator) ExecuteRebalance(
	positions []models.Position,
	totalAvailableMargin decimal.Decimal,
	triggerType models.TriggerType,
) *RebalanceResult {
	targets := a.risk.CalculateTargetMargins(positions, totalAvailableMargin)

	plans := a.calculatePlans(positions, targets)
	if len(plans) == 0 {
		return emptyRebalanceResult()
	}

	result := emptyRebalanceResult()
	for _, plan := range sortPlans(plans) {
		adj := a.executePlan(plan, triggerType)
		if adj == nil {
			result.FailCount++
			continue
		}
		result.SuccessCount++
		result.TotalAdjusted = result.TotalAdjusted.Add(adj.Amount)
		result.Adjustments = append(result.Adjustments, *adj)
	}

	return result
}

// EmergencyRebalance tops up a single critical position to twice the
// emergency margin rate. The delta is clamped to the available balance and
// dust-sized writes are skipped; the percentage-deviation threshold does not
// apply here.
func (a *MarginAllocator) EmergencyRebalance(
	positions []models.Position,
	critical models.Position,
	availableBalance decimal.Decimal,
) *RebalanceResult {
	targetRate := a.cfg.Thresholds.EmergencyMarginRate * 2

	currentRate, _ := critical.MarginRate.Float64()
	if currentRate >= targetRate {
		return emptyRebalanceResult()
	}

	neededMargin := critical.NotionalValue().Mul(decimal.NewFromFloat(targetRate / 100))
	delta := neededMargin.Sub(critical.Margin)

	// Never request more than is on hand.
	if delta.GreaterThan(availableBalance) {
		delta = availableBalance
	}

	if delta.LessThan(decimal.NewFromFloat(a.cfg.Thresholds.MinAdjustmentUSDT)) {
		return emptyRebalanceResult()
	}

	plan := AdjustmentPlan{
		Symbol:        critical.Symbol,
		CurrentMargin: critical.Margin,
		TargetMargin:  critical.Margin.Add(delta),
		Delta:         delta,
	}

	adj := a.executePlan(plan, models.TriggerEmergency)
	if adj == nil {
		result := emptyRebalanceResult()
		result.FailCount = 1
		return result
	}

	return &RebalanceResult{
		SuccessCount:  1,
		TotalAdjusted: delta,
		Adjustments:   []models.MarginAdjustment{*adj},
	}
}
