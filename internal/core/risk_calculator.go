package core

import (
	"math"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"bitfinex-margin-balancer/internal/bitfinex"
	"bitfinex-margin-balancer/internal/config"
	"bitfinex-margin-balancer/internal/models"
)

// defaultVolatility is used whenever a price history cannot be obtained or is
// too short. Allocation must never block on a failed candle fetch.
const defaultVolatility = 1.0

// minVolatility floors computed volatility to keep the BTC-normalized ratio
// well defined.
const minVolatility = 0.001

// RiskCalculator derives per-asset risk weights from relative price
// volatility and turns them into target margin allocations. Weights are
// cached for the process lifetime; ClearCache is the only invalidation.
type RiskCalculator struct {
	cfg    *config.Config
	client bitfinex.ExchangeClient
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string]float64
}

// NewRiskCalculator creates a risk calculator.
func NewRiskCalculator(cfg *config.Config, client bitfinex.ExchangeClient, logger *zap.Logger) *RiskCalculator {
	return &RiskCalculator{
		cfg:    cfg,
		client: client,
		logger: logger,
		cache:  make(map[string]float64),
	}
}

// calculateVolatility returns the standard deviation of simple returns over a
// close-price series. Series shorter than two points fall back to the
// default.
func calculateVolatility(prices []float64) float64 {
	if len(prices) < 2 {
		return defaultVolatility
	}

	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] == 0 {
			continue
		}
		returns = append(returns, (prices[i]-prices[i-1])/prices[i-1])
	}
	if len(returns) == 0 {
		return defaultVolatility
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns))

	return math.Max(math.Sqrt(variance), minVolatility)
}

// fetchVolatility pulls daily candles for a symbol and computes volatility.
// Any failure yields the default volatility.
func (r *RiskCalculator) fetchVolatility(symbol string) float64 {
	candles, err := r.client.GetCandles("t"+symbol+"USD", "1D", r.cfg.Monitor.VolatilityLookbackDays)
	if err != nil {
		r.logger.Warn("Candle fetch failed, using default volatility",
			zap.String("symbol", symbol),
			zap.Error(err),
		)
		return defaultVolatility
	}
	if len(candles) == 0 {
		return defaultVolatility
	}

	prices := make([]float64, len(candles))
	for i, c := range candles {
		prices[i] = c.Close
	}
	return calculateVolatility(prices)
}

// GetRiskWeight returns the risk weight for a symbol. A manually configured
// weight always wins; otherwise the weight is the symbol's volatility
// normalized against BTC's, computed once and cached.
func (r *RiskCalculator) GetRiskWeight(symbol string) float64 {
	if weight, ok := r.cfg.RiskWeight(symbol); ok {
		return weight
	}

	r.mu.Lock()
	if weight, ok := r.cache[symbol]; ok {
		r.mu.Unlock()
		return weight
	}
	btcVolatility, haveBTC := r.cache["BTC"]
	r.mu.Unlock()

	volatility := r.fetchVolatility(symbol)

	if !haveBTC {
		btcVolatility = r.fetchVolatility("BTC")
		r.mu.Lock()
		r.cache["BTC"] = btcVolatility
		r.mu.Unlock()
	}

	weight := defaultVolatility
	if btcVolatility > 0 {
		weight = volatility / btcVolatility
	}

	r.mu.Lock()
	r.cache[symbol] = weight
	r.mu.Unlock()

	return weight
}

// CalculateTargetMargins computes the target margin per position:
//
//	target[i] = total * (notional[i] * weight[i]) / sum(notional * weight)
//
// A zero weighted total splits the margin equally; an empty position list
// yields an empty map.
func (r *RiskCalculator) CalculateTargetMargins(
	positions []models.Position,
	totalAvailableMargin decimal.Decimal,
) map[string]decimal.Decimal {
	targets := make(map[string]decimal.Decimal)
	if len(positions) == 0 {
		return targets
	}

	weightedValues := make(map[string]decimal.Decimal, len(positions))
	totalWeighted := decimal.Zero
	for _, pos := range positions {
		weight := decimal.NewFromFloat(r.GetRiskWeight(pos.Symbol))
		weighted := pos.NotionalValue().Mul(weight)
		weightedValues[pos.Symbol] = weighted
		totalWeighted = totalWeighted.Add(weighted)
	}

	if totalWeighted.IsZero() {
		avg := totalAvailableMargin.Div(decimal.NewFromInt(int64(len(positions))))
		for _, pos := range positions {
			targets[pos.Symbol] = avg
		}
		return targets
	}

	for _, pos := range positions {
		targets[pos.Symbol] = totalAvailableMargin.Mul(weightedValues[pos.Symbol]).Div(totalWeighted)
	}

	return targets
}

// ClearCache drops all cached volatility-derived weights.
func (r *RiskCalculator) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]float64)
}
