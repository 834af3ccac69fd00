package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"payin-monitor/internal/config"
	"payin-monitor/internal/database"
	"payin-monitor/internal/dbwatch"
	"payin-monitor/internal/emitters"
	"payin-monitor/internal/events"
	"payin-monitor/internal/health"
	"payin-monitor/internal/interfaces"
	"payin-monitor/internal/logger"
	"payin-monitor/internal/models"
	"payin-monitor/internal/monitors"
	"payin-monitor/internal/monitors/bitcoin"
	"payin-monitor/internal/monitors/ethereum"
	"payin-monitor/internal/rates"
	"payin-monitor/internal/tracker"
)

func main() {
	logger.Init("info")

	// Log the panic, then let it crash the process: an invariant breach must
	// not look like a clean exit.
	defer func() {
		if r := recover(); r != nil {
			logger.GetLogger().Error().Interface("panic", r).Msg("Application panicked")
			panic(r)
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		logger.GetLogger().Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.Init(cfg.LogLevel)

	if err := database.InitDB(cfg.Database); err != nil {
		logger.GetLogger().Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer database.Close()

	if err := database.RunMigrations(cfg.Database); err != nil {
		logger.GetLogger().Fatal().Err(err).Msg("Failed to run migrations")
	}

	// Safe to re-apply on every start.
	if err := dbwatch.Setup(database.DB); err != nil {
		logger.GetLogger().Fatal().Err(err).Msg("Failed to install pay-in address trigger")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kafkaEmitter := emitters.NewKafkaEmitter(cfg.Kafka.BrokerAddress, cfg.Kafka.Topic)
	emitter := &events.LogEmitter{WrappedEmitter: kafkaEmitter}

	btcCfg := cfg.Chains[models.Bitcoin]
	btcClient := monitors.NewClient(
		btcCfg.RpcEndpoint,
		btcCfg.ApiKey,
		btcCfg.RateLimit,
		cfg.MaxRetries,
		cfg.RetryDelay,
		30*time.Second,
		logger.With("bitcoin-rpc"),
	)
	btcWatcher := bitcoin.NewWatcher(btcClient, &chaincfg.MainNetParams, btcCfg.PollInterval, logger.With("bitcoin-watcher"))

	rateService := rates.New(database.DB, logger.With("rates"))
	payTracker := tracker.New(btcWatcher, rateService, emitter, logger.With("tracker"))
	btcWatcher.SetHandler(payTracker)

	ethCfg := cfg.Chains[models.Ether]
	ethWatcher := ethereum.NewWatcher(ethCfg.RpcEndpoint, ethCfg.ApiKey, ethCfg.PollInterval, emitter, logger.With("ethereum-watcher"))

	if err := registerExistingAddresses(payTracker, ethWatcher); err != nil {
		logger.GetLogger().Error().Err(err).Msg("Failed to register existing pay-in addresses")
	}

	if err := btcWatcher.Start(ctx); err != nil {
		logger.GetLogger().Fatal().Err(err).Msg("Failed to start bitcoin watcher")
	}
	if err := ethWatcher.Start(ctx); err != nil {
		logger.GetLogger().Fatal().Err(err).Msg("Failed to start ethereum watcher")
	}

	actions := map[string]interfaces.TriggerAction{
		models.Bitcoin.String(): func(payload string, at time.Time) error {
			return payTracker.AddMonitoredAddress(payload, at.Unix())
		},
		models.Ether.String(): func(payload string, at time.Time) error {
			return ethWatcher.Watch(payload, at)
		},
	}

	listenerOpts := &dbwatch.Options{
		MinReconnect: cfg.Listener.MinReconnect,
		MaxReconnect: cfg.Listener.MaxReconnect,
		PingInterval: cfg.Listener.PingInterval,
		StopTimeout:  cfg.Listener.StopTimeout,
	}
	dbWatcher, err := dbwatch.New(cfg.Database.ConnString(), actions, listenerOpts, logger.With("dbwatch"))
	if err != nil {
		logger.GetLogger().Fatal().Err(err).Msg("Failed to start notification listener")
	}
	dbWatcher.Start()

	health.RegisterWatcher(ctx, btcWatcher)
	health.RegisterWatcher(ctx, ethWatcher)
	health.SetReady(true)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.LivenessHandler)
	mux.HandleFunc("/readyz", health.ReadinessHandler)
	healthServer := &http.Server{Addr: cfg.HealthAddr, Handler: mux}
	go func() {
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.GetLogger().Error().Err(err).Msg("Health server stopped")
		}
	}()

	logger.GetLogger().Info().Msg("Pay-in monitor running")
	<-ctx.Done()

	logger.GetLogger().Info().Msg("Shutting down")
	health.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	dbWatcher.GracefulStop()
	if err := btcWatcher.Stop(shutdownCtx); err != nil {
		logger.GetLogger().Error().Err(err).Msg("Bitcoin watcher shutdown failed")
	}
	if err := ethWatcher.Stop(shutdownCtx); err != nil {
		logger.GetLogger().Error().Err(err).Msg("Ethereum watcher shutdown failed")
	}
	if err := kafkaEmitter.Close(); err != nil {
		logger.GetLogger().Error().Err(err).Msg("Kafka emitter shutdown failed")
	}
	_ = healthServer.Shutdown(shutdownCtx)

	logger.GetLogger().Info().
		Int64("totalRaisedUSD", payTracker.TotalRaisedUSD()).
		Msg("Stopped")
}
