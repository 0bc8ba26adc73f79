package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"bitfinex-margin-balancer/internal/api"
	"bitfinex-margin-balancer/internal/bitfinex"
	"bitfinex-margin-balancer/internal/config"
	"bitfinex-margin-balancer/internal/core"
	"bitfinex-margin-balancer/internal/database"
	"bitfinex-margin-balancer/internal/logger"
	"bitfinex-margin-balancer/internal/models"
	"bitfinex-margin-balancer/internal/notifier"
	"bitfinex-margin-balancer/internal/scheduler"
)

func main() {
	configPath := flag.String("config", "./configs", "path to the directory holding config.yml")
	dryRun := flag.Bool("dry-run", false, "force liquidation dry-run mode regardless of config")
	flag.Parse()

	// Load application configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}
	if *dryRun {
		cfg.Liquidation.DryRun = true
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("Configuration loaded",
		zap.Bool("liquidation_enabled", cfg.Liquidation.Enabled),
		zap.Bool("liquidation_dry_run", cfg.Liquidation.DryRun),
	)

	// Initialize database
	store, err := database.NewStore(cfg.Database.DSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	log.Info("Database connection successful and schema migrated.")

	tgNotifier := notifier.NewTelegramNotifier(
		cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.Enabled, log.Named("notifier"),
	)

	// Initialize Bitfinex REST client and verify connectivity
	restClient := bitfinex.NewRestClient(&cfg.Bitfinex, log.Named("rest"))
	info, err := restClient.GetAccountInfo()
	if err != nil {
		var apiErr *bitfinex.APIError
		if errors.As(err, &apiErr) {
			if nerr := tgNotifier.SendAPIErrorAlert(apiErr, apiErr.RetryCount); nerr != nil {
				log.Error("Failed to send API error alert", zap.Error(nerr))
			}
		}
		log.Fatal("Failed to connect to Bitfinex API", zap.Error(err))
	}
	log.Info("Successfully connected to Bitfinex API.",
		zap.Int("positions", info.PositionCount),
		zap.String("equity", info.TotalEquity.StringFixed(2)),
	)

	// Wire the risk engine
	riskCalc := core.NewRiskCalculator(&cfg, restClient, log.Named("risk"))
	allocator := core.NewMarginAllocator(&cfg, riskCalc, restClient, store, log.Named("allocator"))
	liquidator := core.NewPositionLiquidator(&cfg, restClient, store, log.Named("liquidator"))
	detector := core.NewEventDetector(&cfg, allocator, tgNotifier, log.Named("detector"))

	poller := scheduler.NewPollScheduler(
		&cfg, restClient, allocator, liquidator, detector, tgNotifier, store, log.Named("scheduler"),
	)

	// Live price feed for high-risk positions. A failed initial connect only
	// degrades to poll-only monitoring.
	stream := bitfinex.NewStreamManager(
		cfg.Bitfinex.WsURL, cfg.Thresholds.EmergencyMarginRate, log.Named("stream"),
	)
	stream.RegisterHandler(func(symbol string, price decimal.Decimal) {
		if !detector.OnPriceUpdate(symbol, price, nil) {
			return
		}
		handlePriceSpike(symbol, restClient, detector, log)
	})

	if stream.Connect() {
		stream.Listen()
	} else {
		log.Warn("WebSocket unavailable, continuing with polling only")
	}

	apiServer := api.NewServer(cfg.Server.Port, store, log)
	apiServer.Start()

	poller.Start()

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
		<-sigchan
		log.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	if err := tgNotifier.SendMessage("Margin balancer started"); err != nil {
		log.Warn("Failed to send startup notice", zap.Error(err))
	}

	// Keep the websocket subscription set aligned with the positions the poll
	// cycle sees.
	runSubscriptionRefresh(ctx, stream, restClient, time.Duration(cfg.Monitor.PollIntervalSec)*time.Second, log)

	poller.Stop()
	stream.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.Error("API server shutdown failed", zap.Error(err))
	}

	if err := tgNotifier.SendMessage("Margin balancer stopped"); err != nil {
		log.Warn("Failed to send shutdown notice", zap.Error(err))
	}
	log.Info("Margin balancer has been shut down.")
}

// handlePriceSpike reacts to a detected price spike: re-check the portfolio
// and, when the spiked symbol itself crossed the emergency threshold, top it
// up. Spikes leave other positions to the regular poll cycle.
func handlePriceSpike(symbol string, client bitfinex.ExchangeClient, detector *core.EventDetector, log *zap.Logger) {
	log.Warn("Reacting to price spike", zap.String("symbol", symbol))

	positions, err := client.GetPositions()
	if err != nil {
		log.Error("Failed to fetch positions after price spike", zap.Error(err))
		return
	}

	for _, pos := range detector.CheckEmergencyConditions(positions) {
		if pos.Symbol != symbol {
			continue
		}
		balance, err := client.GetAvailableBalance()
		if err != nil {
			log.Error("Failed to fetch balance after price spike", zap.Error(err))
			return
		}
		detector.HandleEmergency(pos, positions, balance)
		break
	}
}

// subscriptionStream is the stream surface the refresh loop needs.
type subscriptionStream interface {
	IsConnected() bool
	UpdateSubscriptions(positions []models.Position)
}

// runSubscriptionRefresh re-evaluates which positions are high risk and diffs
// the websocket subscriptions accordingly, once immediately and then on every
// interval. It blocks until the context is cancelled.
func runSubscriptionRefresh(
	ctx context.Context,
	stream subscriptionStream,
	client bitfinex.ExchangeClient,
	interval time.Duration,
	log *zap.Logger,
) {
	refresh := func() {
		if !stream.IsConnected() {
			return
		}
		positions, err := client.GetPositions()
		if err != nil {
			log.Error("Failed to fetch positions for subscription refresh", zap.Error(err))
			return
		}
		stream.UpdateSubscriptions(positions)
	}

	refresh()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}
