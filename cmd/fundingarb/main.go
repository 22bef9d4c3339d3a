// Command fundingarb wires every core component together: configuration,
// secrets, the Exchange Adapter, Market Data Cache, Order Manager,
// Position Manager, Risk Controller, Strategy Engine, Monitor, alert
// dispatcher, and status API. Grounded on
// gregtusar-Basis/cmd/trader/main.go's cobra root command with a
// persistent --config flag and signal.Notify graceful shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kestrel-quant/fundingarb/api"
	"github.com/kestrel-quant/fundingarb/internal/config"
	"github.com/kestrel-quant/fundingarb/internal/logging"
	"github.com/kestrel-quant/fundingarb/internal/secrets"
	"github.com/kestrel-quant/fundingarb/pkg/alerts"
	"github.com/kestrel-quant/fundingarb/pkg/exchange"
	"github.com/kestrel-quant/fundingarb/pkg/exchange/binance"
	"github.com/kestrel-quant/fundingarb/pkg/execution"
	"github.com/kestrel-quant/fundingarb/pkg/marketdata"
	"github.com/kestrel-quant/fundingarb/pkg/monitor"
	"github.com/kestrel-quant/fundingarb/pkg/position"
	"github.com/kestrel-quant/fundingarb/pkg/ratelimit"
	"github.com/kestrel-quant/fundingarb/pkg/risk"
	"github.com/kestrel-quant/fundingarb/pkg/strategy"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "fundingarb",
		Short: "Perpetual-futures funding-rate arbitrage engine",
		Long:  `Pairs spot and perpetual-futures positions to capture funding-rate payments while hedging price risk.`,
		Run:   run,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	logger, err := logging.New(logging.Config{
		Level: cfg.Logging.Level, Format: cfg.Logging.Format,
		Dir: cfg.Logging.Dir, Name: cfg.Logging.Name,
	})
	if err != nil {
		logrus.WithError(err).Fatal("failed to initialize logging")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	creds, err := resolveCredentials(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to resolve exchange credentials")
	}

	adapter := buildAdapter(cfg, creds, logger)
	defer adapter.Close()

	orders := execution.New(adapter, executionConfig(cfg), logging.Component(logger, "execution"))
	positions := position.New(adapter, orders, logging.Component(logger, "position"))
	riskCtl := risk.New(riskLimits(cfg), riskControl(cfg), positions, logging.Component(logger, "risk"))
	cache := marketdata.New(adapter, logging.Component(logger, "marketdata"))
	engine := strategy.New(strategyConfig(cfg), adapter, cache, orders, positions, riskCtl, logging.Component(logger, "strategy"))

	dispatcher := alerts.NewLogDispatcher(logging.Component(logger, "alerts"))
	mon := monitor.New(monitorConfig(cfg), positions, engine, riskCtl, dispatcher, logging.Component(logger, "monitor"))
	engine.SetTradeRecorder(mon)

	subscribeStreamEvents(ctx, adapter, orders, positions, cache, logger)

	server := api.NewServer(cache, engine, positions, riskCtl, logging.Component(logger, "api"), ":8081")
	go func() {
		if err := server.Start(); err != nil {
			logger.WithError(err).Error("status API server stopped")
		}
	}()

	go mon.Run(ctx)
	go engine.Run(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("funding-rate arbitrage engine is running, press Ctrl+C to stop")
	<-sigChan
	logger.Info("received shutdown signal")

	engine.Stop()
	if err := positions.CloseAll(context.Background()); err != nil {
		logger.WithError(err).Error("failed to close all positions during shutdown")
	}
	cancel()

	logger.Info("funding-rate arbitrage engine stopped")
}

func resolveCredentials(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (secrets.Credentials, error) {
	var mgr *secrets.Manager
	if cfg.GCP.UseSecrets {
		var err error
		mgr, err = secrets.NewManager(ctx, cfg.GCP.ProjectID, logger)
		if err != nil {
			return secrets.Credentials{}, err
		}
		defer mgr.Close()
	}
	return secrets.Resolve(ctx, cfg.GCP.UseSecrets, mgr,
		secrets.Names{APIKeyName: cfg.GCP.SecretNames.APIKey, APISecretName: cfg.GCP.SecretNames.APISecret},
		cfg.API.Binance.APIKey, cfg.API.Binance.APISecret)
}

func buildAdapter(cfg *config.Config, creds secrets.Credentials, logger *logrus.Logger) *binance.Client {
	auth := binance.NewHMACAuthenticator(creds.APIKey, creds.APISecret)
	limits := ratelimit.NewPair(
		cfg.API.Binance.RateLimit.RequestsPerSecond, cfg.API.Binance.RateLimit.RequestsPerSecond*2,
		cfg.API.Binance.RateLimit.OrdersPerSecond, cfg.API.Binance.RateLimit.OrdersPerSecond*2,
	)
	retry := binance.RetryConfig{
		MaxRetries:        cfg.API.Binance.Retry.MaxRetries,
		InitialDelay:      cfg.API.Binance.Retry.InitialDelay(),
		BackoffMultiplier: cfg.API.Binance.Retry.BackoffMultiplier,
	}
	ws := binance.WSConfig{
		URL:                  cfg.API.Binance.WebSocket.URL,
		PingInterval:         time.Duration(cfg.API.Binance.WebSocket.PingIntervalSec) * time.Second,
		PongTimeout:          time.Duration(cfg.API.Binance.WebSocket.PongTimeoutSec) * time.Second,
		MaxReconnectAttempts: cfg.API.Binance.WebSocket.MaxReconnectAttempts,
		ReconnectInterval:    time.Duration(cfg.API.Binance.WebSocket.ReconnectIntervalSec) * time.Second,
	}
	return binance.NewClient(cfg.API.Binance.BaseURL, auth, limits, retry, ws, logging.Component(logger, "binance"))
}

// subscribeStreamEvents routes every stream push event to the owning
// component, per spec.md §5's message-passing model: stream callbacks
// never take state_mutex, only the narrower per-component locks.
func subscribeStreamEvents(ctx context.Context, adapter exchange.Adapter, orders *execution.Manager,
	positions *position.Manager, cache *marketdata.Cache, logger *logrus.Logger) {

	handler := func(evt exchange.Event) {
		switch evt.Type {
		case exchange.EventOrderUpdate:
			orders.HandleOrderUpdate(evt.Order)
		case exchange.EventPositionUpdate:
			positions.ApplyEvent(evt)
		case exchange.EventMarkPrice, exchange.EventFundingRate, exchange.EventBookTicker:
			cache.ApplyEvent(evt)
		}
	}

	for _, channel := range []string{"account@orderUpdate", "account@positionUpdate"} {
		if _, err := adapter.Subscribe(ctx, channel, handler); err != nil {
			logger.WithError(err).WithField("channel", channel).Warn("failed to subscribe to account stream")
		}
	}

	symbols, err := adapter.Tradable(ctx)
	if err != nil {
		logger.WithError(err).Warn("failed to list tradable symbols for market-data subscriptions")
		return
	}
	for _, symbol := range symbols {
		for _, suffix := range []string{"@markPrice", "@fundingRate", "@bookTicker"} {
			channel := symbol + suffix
			if _, err := adapter.Subscribe(ctx, channel, handler); err != nil {
				logger.WithError(err).WithField("channel", channel).Warn("failed to subscribe to market-data stream")
			}
		}
	}
}

func executionConfig(cfg *config.Config) execution.Config {
	fa := cfg.Strategy.FundingArbitrage
	return execution.Config{
		PriceDeviationThreshold: fa.MaxSlippage,
		UsePostOnly:             true,
		OrderTimeout:            time.Duration(fa.ExecutionTimeoutSeconds) * time.Second,
		MaxRetryTimes:           cfg.Risk.Control.MaxRetries,
		RetryDelay:              time.Duration(cfg.Risk.Control.RetryDelayMs) * time.Millisecond,
	}
}

func riskLimits(cfg *config.Config) risk.Limits {
	l := cfg.Risk.Limits
	return risk.Limits{
		MaxPositionSize: l.MaxPositionSize, MaxTotalPositions: l.MaxTotalPositions,
		MaxLeverage: l.MaxLeverage, MaxDrawdown: l.MaxDrawdown, MaxDailyLoss: l.MaxDailyLoss,
		MaxHourlyLoss: l.MaxHourlyLoss, MinMarginRatio: l.MinMarginRatio,
		MaxFundingExposure: l.MaxFundingExposure, MaxTradesPerHour: l.MaxTradesPerHour,
		PriceDeviationThreshold: l.PriceDeviationThreshold,
	}
}

func riskControl(cfg *config.Config) risk.Control {
	c := cfg.Risk.Control
	return risk.Control{
		AutoReducePosition: c.AutoReducePosition, AutoAdjustLeverage: c.AutoAdjustLeverage,
		AutoReduceThreshold: c.AutoReduceThreshold, PositionReductionRatio: c.PositionReductionRatio,
		MaxRetries: c.MaxRetries, RetryDelay: time.Duration(c.RetryDelayMs) * time.Millisecond,
		MaxErrorsBeforeUnhealthy: c.MaxErrorsBeforeUnhealthy,
	}
}

func strategyConfig(cfg *config.Config) strategy.Config {
	fa := cfg.Strategy.FundingArbitrage
	return strategy.Config{
		TickInterval: 5 * time.Second, TopNInstruments: fa.TopNInstruments,
		MinFundingRate: fa.MinFundingRate, MinBasisRatio: fa.MinBasisRatio,
		MaxSpreadRatio: fa.MaxSpreadRatio, MinVolumeUSD: fa.MinVolumeUSD,
		MinMarketImpactMinutes: time.Duration(fa.MinMarketImpactMinutes) * time.Minute,
		PreFundingWindow:       time.Duration(fa.PreFundingMinutes) * time.Minute,
		PositionSizeUSD:        fa.PositionSizeUSD, MaxPositionPerSymbol: fa.MaxPositionPerSymbol,
		UseTWAP: fa.UseTWAP, TWAPIntervals: fa.TWAPIntervals, TWAPSliceInterval: 2 * time.Second,
		ExecutionTimeout: time.Duration(fa.ExecutionTimeoutSeconds) * time.Second,
		TradingFee:       fa.TradingFee, ProfitTakeRatio: fa.ProfitTakeRatio, StopLossRatio: fa.StopLossRatio,
		ImbalanceTolerance: fa.PositionImbalanceTolerance, TickErrorBackoff: 5 * time.Second,
		MaxDrawdown: fa.MaxDrawdown, MaxTotalPosition: fa.MaxTotalPosition,
	}
}

func monitorConfig(cfg *config.Config) monitor.Config {
	return monitor.Config{
		SnapshotInterval:  time.Duration(cfg.Monitor.General.SnapshotIntervalSeconds) * time.Second,
		PrometheusEnabled: cfg.Monitor.Prometheus.Enabled, PrometheusAddr: cfg.Monitor.Prometheus.BindAddress,
		MemoryThreshold: 0.85, CPUThreshold: 0.85, AlertsEnabled: cfg.Monitor.Alerts.Enabled,
	}
}
