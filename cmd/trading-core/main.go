package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/naegeon/kis-trading-sub000/internal/api"
	"github.com/naegeon/kis-trading-sub000/internal/events"
	"github.com/naegeon/kis-trading-sub000/internal/executor"
	"github.com/naegeon/kis-trading-sub000/internal/gateway"
	"github.com/naegeon/kis-trading-sub000/internal/marketclock"
	"github.com/naegeon/kis-trading-sub000/internal/notify"
	"github.com/naegeon/kis-trading-sub000/internal/reconcile"
	"github.com/naegeon/kis-trading-sub000/internal/scheduler"
	"github.com/naegeon/kis-trading-sub000/pkg/config"
	"github.com/naegeon/kis-trading-sub000/pkg/crypto"
	"github.com/naegeon/kis-trading-sub000/pkg/db"
	"github.com/naegeon/kis-trading-sub000/pkg/i18n"
	"github.com/naegeon/kis-trading-sub000/pkg/retry"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf(i18n.Get("ConfigLoadFailed"), err)
	}

	i18n.SetLanguage(i18n.Language(cfg.Language))
	log.Println(i18n.Get("Starting"))
	log.Printf(i18n.Get("ConfigLoaded"), cfg.Port)
	log.Printf(i18n.Get("UsingDBPath"), cfg.DBPath)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Core services
	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf(i18n.Get("DBInitFailed"), err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf(i18n.Get("DBMigrationsFailed"), err)
	}
	queries := database.Queries()

	keys, err := crypto.NewKeyManager(cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("encryption key: %v", err)
	}

	clock, err := marketclock.New(time.Duration(cfg.CloseDebounceMin)*time.Minute, cfg.HolidayFile)
	if err != nil {
		log.Fatalf(i18n.Get("HolidayLoadFailed"), err)
	}

	pool := gateway.NewPool(gateway.Config{
		BaseURL:    cfg.KISBaseURL,
		Virtual:    cfg.KISVirtual,
		QuoteDelay: time.Duration(cfg.QuoteDelayMs) * time.Millisecond,
	}, queries, keys)

	policy := retry.Policy{
		MaxRetries:   cfg.RetryMax,
		InitialDelay: cfg.RetryInitialDelay,
		MaxDelay:     cfg.RetryMaxDelay,
		Multiplier:   cfg.RetryMultiplier,
	}

	notifier := notify.NewBusNotifier(bus)
	runner := executor.New(queries, clock, notifier, bus, policy, cfg.InstanceID)
	reconciler := reconcile.New(queries, clock, pool, notifier, bus, policy, cfg.InstanceID)
	sched := scheduler.New(queries, runner, reconciler, pool, cfg.DedupInterval, cfg.ExecuteNowTimeout, cfg.InstanceID)

	// Periodic ticks
	go runTicker(ctx, cfg.ExecuteInterval, func(tickCtx context.Context) {
		if _, err := sched.ExecuteDue(tickCtx, 0, cfg.BatchSize); err != nil {
			log.Printf("execute tick: %v", err)
		}
	})
	go runTicker(ctx, cfg.ReconcileInterval, func(tickCtx context.Context) {
		if _, err := sched.ReconcileAll(tickCtx, 0, cfg.BatchSize); err != nil {
			log.Printf("reconcile tick: %v", err)
		}
	})

	// HTTP surface
	server := api.NewServer(queries, bus, sched, pool, keys, cfg.JWTSecret, cfg.BatchSize)
	go func() {
		log.Printf(i18n.Get("ServerListening"), cfg.Port)
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf(i18n.Get("APIServerError"), err)
		}
	}()

	<-ctx.Done()
	log.Println(i18n.Get("ShuttingDown"))
}

// runTicker fires fn on the interval until ctx is cancelled. Each tick gets a
// deadline of one interval so a hung broker call cannot pile up ticks.
func runTicker(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tickCtx, cancel := context.WithTimeout(ctx, interval)
			fn(tickCtx)
			cancel()
		}
	}
}
