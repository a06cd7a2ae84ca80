package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/chidi150c/governor/internal/api"
	"github.com/chidi150c/governor/internal/audit"
	"github.com/chidi150c/governor/internal/compliance"
	"github.com/chidi150c/governor/internal/config"
	"github.com/chidi150c/governor/internal/cycle"
	"github.com/chidi150c/governor/internal/governor"
	"github.com/chidi150c/governor/internal/guards"
	"github.com/chidi150c/governor/internal/jobs"
	"github.com/chidi150c/governor/internal/logging"
	"github.com/chidi150c/governor/internal/paper"
	"github.com/chidi150c/governor/internal/policy"
	"github.com/chidi150c/governor/internal/risk"
	"github.com/chidi150c/governor/internal/settlement"
	"github.com/chidi150c/governor/internal/util"
)

func run(parent context.Context, cfg config.Config) error {
	log := logging.New(cfg.LogLevel, cfg.LogPretty)
	if cfg.Mode != "paper" {
		return fmt.Errorf("MODE=%s: only paper mode has an executor", cfg.Mode)
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, p := range []string{cfg.SnapshotPath, cfg.LockPath} {
		if dir := filepath.Dir(p); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
		}
	}
	lock, err := util.AcquirePidLock(cfg.LockPath)
	if err != nil {
		return fmt.Errorf("another governor is running: %w", err)
	}
	defer util.ReleasePidLock(lock)

	tables, err := policy.Load(cfg.PolicyFile)
	if err != nil {
		return err
	}
	session, err := cycle.ParseSession(cfg.TZ, cfg.SessionOpen, cfg.SessionClose)
	if err != nil {
		return err
	}

	// audit fan-out
	hub := audit.NewHub(logging.Component(log, "stream"), cfg.StreamOrigins)
	rec := audit.NewRecorder(logging.Component(log, "audit"), cfg.AuditBuffer).
		Attach("log", audit.LogSink{Log: logging.Component(log, "audit")}).
		Attach("stream", hub)
	rec.Start(ctx)
	defer rec.Close()

	gate := risk.NewGate(tables, risk.Limits{DailyLossCap: cfg.DailyLossCap, DailyLossPct: cfg.DailyLossPct}, rec, logging.Component(log, "risk"))
	engine := settlement.NewEngine(tables)
	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()
	ledger, closeLedger, err := openLedger(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeLedger()

	settle := settlement.NewService(engine, store, settlement.NewAccountBook(), gate, rec, logging.Component(log, "settlement"))
	settle.OnSettled(func(r settlement.Record) {
		gate.UpdateCapital(r.UserID, r.NewCapital.InexactFloat64())
	})
	// configured capital only seeds users the store has never settled
	for _, u := range cfg.Users {
		acct, err := settle.Open(ctx, settlement.Account{UserID: u.ID, Category: u.Category, Capital: decimal.NewFromFloat(u.Capital)})
		if err != nil {
			return err
		}
		if err := gate.Register(u.ID, u.Category, acct.Capital.InexactFloat64()); err != nil {
			return err
		}
	}

	dm := risk.NewDayManager(cfg.TZ, cfg.SnapshotPath, gate, logging.Component(log, "day"))
	dm.InitAtStartup(ctx, time.Now())

	sched := cycle.NewScheduler(tables, paper.NewSignals(cfg.PaperSeed, tables.Symbols()),
		cycle.Config{Session: session, Tick: cfg.Tick, Window: cfg.Window}, rec, logging.Component(log, "cycle"))
	sched.OnTick(func(ctx context.Context, now time.Time) {
		dm.RolloverIfNeeded(ctx, now)
		dm.PersistProgress(now)
	})

	safeExec := guards.NewSafeExecutor(paper.NewExecutor(logging.Component(log, "paper")), guards.Options{
		PerMinute:        cfg.RateLimitPerMin,
		Burst:            cfg.RateBurst,
		MaxRetries:       cfg.MaxRetries,
		Backoff:          cfg.RetryBackoff,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerCooldown:  cfg.BreakerCooldown,
		HalfOpenProbes:   cfg.BreakerProbes,
		Timeout:          cfg.FragmentTimeout,
	}, logging.Component(log, "guards"))

	transfers := settlement.NewTransferJob(store, ledger, paper.NewRail(logging.Component(log, "rail")),
		engine.TaxAccount(), rec, logging.Component(log, "transfers"))

	gov := governor.New(governor.Deps{
		Scheduler:  sched,
		Gate:       gate,
		Checker:    compliance.NewChecker(tables.Symbols(), cfg.MaxExposure),
		Dispatcher: compliance.NewDispatcher(safeExec, rec, logging.Component(log, "dispatch")),
		Settlement: settle,
		Sink:       rec,
		Log:        logging.Component(log, "governor"),
	}, governor.Options{LotCeiling: cfg.LotCeiling, OrderTimeout: cfg.OrderTimeout})
	gov.OnDecision(dm.PersistProgress)

	runner := jobs.New(logging.Component(log, "jobs"), ctx, util.Location(cfg.TZ))
	if err := scheduleJobs(runner, cfg, settle, transfers, dm, safeExec, logging.Component(log, "jobs")); err != nil {
		return err
	}
	runner.Start()
	defer runner.Stop()

	srvCfg := api.DefaultConfig()
	srvCfg.Addr = cfg.HTTPAddr
	srv := api.NewServer(srvCfg, gov, hub, func() map[string]any {
		return map[string]any{
			"mode":           cfg.Mode,
			"breaker":        safeExec.BreakerState(),
			"stream_clients": hub.Clients(),
		}
	}, logging.Component(log, "http"))

	errs := make(chan error, 2)
	go func() { errs <- sched.Run(ctx) }()
	go func() { errs <- srv.Start() }()
	log.Info().Str("mode", cfg.Mode).Int("users", len(cfg.Users)).Str("session", cfg.SessionOpen+"-"+cfg.SessionClose).Msg("governor started")

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errs:
		if errors.Is(runErr, context.Canceled) {
			runErr = nil
		}
		if runErr != nil {
			log.Error().Err(runErr).Msg("component stopped")
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	dm.PersistProgress(time.Now())
	log.Info().Msg("governor stopped")
	return runErr
}

func scheduleJobs(r *jobs.Runner, cfg config.Config, settle *settlement.Service, transfers *settlement.TransferJob, dm *risk.DayManager, safeExec *guards.SafeExecutor, log zerolog.Logger) error {
	if _, err := r.Add("settle", cfg.SettleCron, func(ctx context.Context, now time.Time) {
		if _, err := settle.SettleAll(ctx, util.DayKey(cfg.TZ, now)); err != nil {
			log.Warn().Err(err).Msg("settlement finished with errors")
		}
	}); err != nil {
		return err
	}
	if _, err := r.Add("transfers", cfg.TransferCron, func(ctx context.Context, now time.Time) {
		_, _ = transfers.Run(ctx, util.DayKey(cfg.TZ, now))
	}); err != nil {
		return err
	}
	_, err := r.Add("reset", cfg.ResetCron, func(ctx context.Context, now time.Time) {
		dm.RolloverIfNeeded(ctx, now)
		safeExec.Forget()
	})
	return err
}

func openStore(ctx context.Context, cfg config.Config, log zerolog.Logger) (settlement.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Warn().Msg("DATABASE_URL not set; settlements are held in memory")
		return settlement.NewMemoryStore(), func() {}, nil
	}
	db, err := settlement.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	store := settlement.NewPostgresStore(db, 5*time.Second)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, func() { db.Close() }, nil
}

func openLedger(ctx context.Context, cfg config.Config, log zerolog.Logger) (settlement.Ledger, func(), error) {
	if cfg.RedisURL == "" {
		log.Warn().Msg("REDIS_URL not set; the transfer ledger is held in memory")
		return settlement.NewMemoryLedger(), func() {}, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	return settlement.NewRedisLedger(rdb, cfg.RedisPrefix, cfg.TransferTTL), func() { rdb.Close() }, nil
}
