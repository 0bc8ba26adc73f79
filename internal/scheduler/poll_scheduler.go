// Package scheduler runs the periodic rebalance cycle: pull positions and
// balance, rebalance margins, liquidate if needed, snapshot the account.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"bitfinex-margin-balancer/internal/bitfinex"
	"bitfinex-margin-balancer/internal/config"
	"bitfinex-margin-balancer/internal/core"
	"bitfinex-margin-balancer/internal/database"
	"bitfinex-margin-balancer/internal/models"
)

// Notifier is the notification surface the scheduler needs.
type Notifier interface {
	SendAdjustmentReport(result *core.RebalanceResult) error
	SendLiquidationAlert(result *core.LiquidationResult) error
}

// PollScheduler drives the full rebalance cycle on a fixed interval. A cycle
// that fails is logged and abandoned; the loop itself only stops via Stop.
type PollScheduler struct {
	cfg        *config.Config
	client     bitfinex.ExchangeClient
	allocator  *core.MarginAllocator
	liquidator *core.PositionLiquidator
	detector   *core.EventDetector
	notifier   Notifier
	store      *database.Store
	logger     *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPollScheduler creates a poll scheduler.
func NewPollScheduler(
	cfg *config.Config,
	client bitfinex.ExchangeClient,
	allocator *core.MarginAllocator,
	liquidator *core.PositionLiquidator,
	detector *core.EventDetector,
	notifier Notifier,
	store *database.Store,
	logger *zap.Logger,
) *PollScheduler {
	return &PollScheduler{
		cfg:        cfg,
		client:     client,
		allocator:  allocator,
		liquidator: liquidator,
		detector:   detector,
		notifier:   notifier,
		store:      store,
		logger:     logger,
	}
}

// Start launches the polling loop in a background goroutine. Calling Start on
// a running scheduler is a logged no-op.
func (s *PollScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Warn("PollScheduler is already running")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pollLoop(ctx)
	}()

	s.logger.Info("PollScheduler started",
		zap.Int("interval_sec", s.cfg.Monitor.PollIntervalSec),
	)
}

// Stop cancels the loop and waits for any in-flight cycle to finish. After
// Stop returns no cycle is left half-run.
func (s *PollScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info("PollScheduler stopped")
}

// IsRunning reports whether the polling loop is active.
func (s *PollScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// pollLoop runs cycles until the context is cancelled. Cycle errors are
// logged and swallowed so a single bad cycle never kills the loop.
func (s *PollScheduler) pollLoop(ctx context.Context) {
	interval := time.Duration(s.cfg.Monitor.PollIntervalSec) * time.Second

	for {
		if err := s.RunOnce(); err != nil {
			s.logger.Error("Error in poll cycle", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// RunOnce executes a single rebalance cycle. It is independently invocable
// for manual or administrative triggering.
func (s *PollScheduler) RunOnce() error {
	s.logger.Info("Starting rebalance cycle")

	// 1. Current positions. Nothing to do without any.
	positions, err := s.client.GetPositions()
	if err != nil {
		return fmt.Errorf("failed to fetch positions: %w", err)
	}
	s.logger.Info("Retrieved active positions", zap.Int("count", len(positions)))

	if len(positions) == 0 {
		s.logger.Info("No active positions, skipping rebalance")
		return nil
	}

	// 2. Available balance and total margin under management.
	availableBalance, err := s.client.GetAvailableBalance()
	if err != nil {
		return fmt.Errorf("failed to fetch available balance: %w", err)
	}

	totalMargin := decimal.Zero
	for _, pos := range positions {
		totalMargin = totalMargin.Add(pos.Margin)
	}
	totalAvailable := availableBalance.Add(totalMargin)

	// 3. Rebalance margins across the portfolio.
	rebalanceResult := s.allocator.ExecuteRebalance(positions, totalAvailable, models.TriggerScheduled)
	s.logger.Info("Rebalance completed",
		zap.Int("success", rebalanceResult.SuccessCount),
		zap.Int("failed", rebalanceResult.FailCount),
	)

	// 4. Report when anything was attempted.
	if rebalanceResult.SuccessCount > 0 || rebalanceResult.FailCount > 0 {
		if err := s.notifier.SendAdjustmentReport(rebalanceResult); err != nil {
			s.logger.Error("Failed to send adjustment report", zap.Error(err))
		}
	}

	// 5. Liquidation check against a refreshed balance; step 3's writes may
	// have moved it.
	updatedBalance, err := s.client.GetAvailableBalance()
	if err != nil {
		return fmt.Errorf("failed to refresh available balance: %w", err)
	}

	liquidationResult := s.liquidator.ExecuteIfNeeded(positions, updatedBalance)

	// 6. Alert when liquidation executed or at least planned.
	if liquidationResult.Executed || len(liquidationResult.Plans) > 0 {
		s.logger.Info("Liquidation check",
			zap.Bool("executed", liquidationResult.Executed),
			zap.Int("plans", len(liquidationResult.Plans)),
		)
		if err := s.notifier.SendLiquidationAlert(liquidationResult); err != nil {
			s.logger.Error("Failed to send liquidation alert", zap.Error(err))
		}
	}

	// 7. Snapshot the cycle's starting state. Uses the pre-liquidation
	// balance deliberately: the row records what the cycle saw, not what it
	// left behind.
	if err := s.saveAccountSnapshot(positions, availableBalance, totalMargin); err != nil {
		return err
	}

	// 8. Account-level margin rate check.
	totalEquity := availableBalance.Add(totalMargin)
	if s.detector.CheckAccountMarginRate(totalEquity, totalMargin) {
		rate, _ := totalEquity.Div(totalMargin).Mul(decimal.NewFromInt(100)).Float64()
		s.detector.HandleAccountMarginWarning(rate)
	}

	return nil
}

// positionSummary is the per-position slice serialized into a snapshot row.
type positionSummary struct {
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	Quantity     string `json:"quantity"`
	CurrentPrice string `json:"current_price"`
	Margin       string `json:"margin"`
	MarginRate   string `json:"margin_rate"`
}

func (s *PollScheduler) saveAccountSnapshot(
	positions []models.Position,
	availableBalance decimal.Decimal,
	totalMargin decimal.Decimal,
) error {
	summaries := make([]positionSummary, len(positions))
	for i, pos := range positions {
		summaries[i] = positionSummary{
			Symbol:       pos.Symbol,
			Side:         string(pos.Side),
			Quantity:     pos.Quantity.String(),
			CurrentPrice: pos.CurrentPrice.String(),
			Margin:       pos.Margin.String(),
			MarginRate:   pos.MarginRate.String(),
		}
	}

	positionsJSON, err := json.Marshal(summaries)
	if err != nil {
		return fmt.Errorf("failed to serialize position summaries: %w", err)
	}

	snapshot := &models.AccountSnapshot{
		Timestamp:        time.Now(),
		TotalEquity:      availableBalance.Add(totalMargin),
		TotalMargin:      totalMargin,
		AvailableBalance: availableBalance,
		PositionsJSON:    string(positionsJSON),
	}

	if err := s.store.SaveAccountSnapshot(snapshot); err != nil {
		return err
	}
	s.logger.Debug("Account snapshot saved")
	return nil
}
