package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"AutoInvest/internal/api"
	"AutoInvest/internal/broker"
	"AutoInvest/internal/config"
	"AutoInvest/internal/idempotency"
	"AutoInvest/internal/insight"
	"AutoInvest/internal/logging"
	"AutoInvest/internal/notifier"
	"AutoInvest/internal/schedule"
	"AutoInvest/internal/scheduler"
	"AutoInvest/internal/store"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		cfgPath = v
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		boot := logging.New("info", "console")
		boot.Fatal().Err(err).Msg("load config")
	}
	log := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("config validation")
	}
	log.Info().Str("config", cfgPath).Msg("AutoInvest starting")

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("open store")
	}
	defer st.Close()

	idem := openIdempotency(ctx, cfg, log)
	if c, ok := idem.(io.Closer); ok {
		defer c.Close()
	}

	// Init brokerage
	var (
		exec      broker.Executor
		snapshots broker.SnapshotSource
	)
	if cfg.Broker.BaseURL != "" {
		c := broker.NewClient(cfg.Broker.BaseURL, cfg.Broker.APIKey, cfg.Proxy, cfg.BrokerTimeout, log)
		exec, snapshots = c, c
	} else {
		log.Warn().Msg("broker.base_url not set, running against the in-process mock")
		m := broker.NewMock()
		exec, snapshots = m, m
	}
	log.Info().Str("broker", exec.Name()).Msg("brokerage ready")

	alerter := notifier.New(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Proxy, log)

	mgr := schedule.NewManager(st, schedule.Options{DefaultTimezone: cfg.Accounts.DefaultTimezone}, log)
	dispatcher := scheduler.NewDispatcher(st, exec, mgr, alerter, scheduler.DispatchOptions{
		Concurrency:   cfg.Dispatch.Concurrency,
		RatePerSecond: cfg.Dispatch.RatePerSecond,
		Burst:         cfg.Dispatch.Burst,
		Backoff:       cfg.Backoff,
		RetryWindow:   cfg.RetryWindow,
	}, log)
	drift := scheduler.NewDriftSweeper(st, st, snapshots, alerter, log)

	// Init scheduler
	sched := scheduler.NewScheduler(ctx, dispatcher, drift, log)
	if cfg.Dispatch.Enabled {
		if err := sched.RegisterAll(cfg.Dispatch.TickCron, cfg.Dispatch.DriftCron); err != nil {
			log.Fatal().Err(err).Msg("register cron tasks")
		}
		sched.Start()
		defer sched.Stop()
	} else {
		log.Warn().Msg("dispatch disabled, schedules will not run")
	}

	// Start Telegram polling
	if tn, ok := alerter.(*notifier.TelegramNotifier); ok && cfg.Telegram.Commands {
		go tn.StartPolling(ctx, sched.HandleCommand)
		log.Info().Msg("telegram command polling started")
	}

	if cfg.Dispatch.Enabled && cfg.Dispatch.RunOnStart {
		log.Info().Msg("run_on_start enabled, dispatching due schedules now")
		go sched.RunTickNow()
	}

	gen := insight.NewGenerator(log,
		insight.ComplianceSignal{},
		insight.TaxLossSignal{ThresholdPercent: cfg.Insights.TaxLossThresholdPercent},
		insight.LiquiditySignal{FloorPercent: cfg.Insights.LiquidityFloorPercent},
		insight.ScheduleHealthSignal{},
	)
	srv := api.NewServer(api.ServerConfig{
		Addr:               cfg.Server.Addr,
		ProductionMode:     cfg.Server.Mode == "release",
		AllowedOrigins:     cfg.Server.AllowedOrigins,
		IdempotencyTTL:     cfg.IdempotencyTTL,
		IdempotencyLockTTL: cfg.IdempotencyLockTTL,
		DefaultCurrency:    cfg.Accounts.DefaultCurrency,
	}, api.Deps{
		Store:       st,
		Schedules:   mgr,
		Snapshots:   snapshots,
		Insights:    gen,
		Idempotency: idem,
	}, log)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	log.Info().Msg("AutoInvest is running. Press Ctrl+C to stop.")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		log.Info().Msg("shutdown signal received, stopping...")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server stopped")
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	cancel()
	log.Info().Msg("AutoInvest stopped")
}

func openStore(cfg *config.Config, log zerolog.Logger) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return store.OpenPostgres(cfg.Store.PostgresDSN, log)
	case "memory":
		log.Warn().Msg("using in-memory store, state is lost on restart")
		return store.NewMemoryStore(), nil
	default:
		return store.OpenSQLite(cfg.Store.SQLitePath, log)
	}
}

// openIdempotency prefers Redis and falls back to the in-process store.
func openIdempotency(ctx context.Context, cfg *config.Config, log zerolog.Logger) idempotency.Store {
	if !cfg.Redis.Enabled {
		return idempotency.NewMemoryStore()
	}
	rs, err := idempotency.NewRedisStore(ctx, idempotency.RedisOptions{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err != nil {
		log.Warn().Err(err).Msg("redis unavailable, idempotency keys are kept in memory")
		return idempotency.NewMemoryStore()
	}
	log.Info().Str("addr", cfg.Redis.Address).Msg("idempotency keys stored in redis")
	return rs
}
