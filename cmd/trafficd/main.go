// Package main contains the entrypoint for the traffic engine daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/1evgeniyonegin1-gif/plamya-traffic/internal/bandit"
	"github.com/1evgeniyonegin1-gif/plamya-traffic/internal/config"
	"github.com/1evgeniyonegin1-gif/plamya-traffic/internal/database"
	"github.com/1evgeniyonegin1-gif/plamya-traffic/internal/directory"
	"github.com/1evgeniyonegin1-gif/plamya-traffic/internal/engine"
	"github.com/1evgeniyonegin1-gif/plamya-traffic/internal/generator/gemini"
	"github.com/1evgeniyonegin1-gif/plamya-traffic/internal/logger"
	"github.com/1evgeniyonegin1-gif/plamya-traffic/internal/rategate"
	"github.com/1evgeniyonegin1-gif/plamya-traffic/internal/scheduler"
	"github.com/1evgeniyonegin1-gif/plamya-traffic/internal/similarity"
	"github.com/1evgeniyonegin1-gif/plamya-traffic/internal/transport/telegram"

	_ "modernc.org/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

// run initializes all components (config, logger, db, directory, gate,
// guard, selector, generator, transport, engine, scheduler), wires them
// together once, and blocks until shutdown. Returns the process exit
// code.
func run(ctx context.Context) int {
	configPath := flag.String("config", "./config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	log := logger.NewLogger(cfg.Log.Level, cfg.Log.JSON)
	slog.SetDefault(log)
	log.Info("Logger initialized", "level", cfg.Log.Level, "json", cfg.Log.JSON)

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Error("Failed to connect to database", "path", cfg.Database.Path, "error", err)
		return 1
	}
	defer database.CloseDB(db)
	store := database.NewStore(db, log)

	clock := clockwork.NewRealClock()

	plan := warmupPlan(cfg)
	dir, err := directory.NewDirectory(ctx, store, plan, clock, log)
	if err != nil {
		log.Error("Failed to initialize account directory", "error", err)
		return 1
	}
	// Accounts configured with a transport token but not yet in the
	// pool start their warmup now.
	for accountID := range cfg.Telegram.Accounts {
		if _, ok := dir.Snapshot(accountID); !ok {
			if _, err := dir.Register(ctx, accountID); err != nil {
				log.Error("Failed to register account", "account_id", accountID, "error", err)
				return 1
			}
		}
	}

	gate := rategate.NewGate(cfg.Hours, cfg.Delays, cfg.Gate.Seed, clock, log)
	guard := similarity.NewGuard(cfg.Similarity.Threshold, cfg.Similarity.MaxEntries, cfg.Similarity.MaxAge, clock, log)

	strategies := make([]bandit.StrategyID, 0, len(cfg.Strategies))
	for _, s := range cfg.Strategies {
		strategies = append(strategies, bandit.StrategyID(s))
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	selector, err := bandit.NewSelector(ctx, strategies, rng, store, log)
	if err != nil {
		log.Error("Failed to initialize strategy selector", "error", err)
		return 1
	}

	generator, err := gemini.NewGenerator(ctx, cfg.Gemini, log)
	if err != nil {
		log.Error("Failed to initialize Gemini generator", "error", err)
		return 1
	}

	transport, err := telegram.NewTransport(cfg.Telegram.Accounts, log)
	if err != nil {
		log.Error("Failed to initialize Telegram transport", "error", err)
		return 1
	}

	source := engine.NewQueueSource()

	kinds := make([]directory.Kind, 0, len(cfg.Delays))
	for kind := range cfg.Delays {
		kinds = append(kinds, directory.Kind(kind))
	}

	eng := engine.NewEngine(dir, gate, guard, selector, generator, transport, source, store, clock, engine.Options{
		ScanInterval:       cfg.Scan.Interval,
		OpportunityTimeout: cfg.Engine.OpportunityTimeout,
		ObservationTimeout: cfg.Engine.ObservationTimeout,
		MaxConcurrent:      cfg.Engine.MaxConcurrent,
		Kinds:              kinds,
		Rewards: bandit.RewardMap{
			None:     cfg.Reward.None,
			Reaction: cfg.Reward.Reaction,
			Reply:    cfg.Reward.Reply,
		},
	}, log)

	taskDeps := scheduler.TaskDeps{
		Logger:    log,
		Store:     store,
		Directory: dir,
		Engine:    eng,
	}
	sched, err := scheduler.NewScheduler(log, &cfg.Scheduler, scheduler.RegisterAllTasks(taskDeps))
	if err != nil {
		log.Error("Failed to create scheduler", "error", err)
		return 1
	}

	log.Info("Starting traffic engine...")

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := eng.Run(gCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := sched.Start(); err != nil {
			return err
		}
		<-gCtx.Done()
		log.Info("Shutdown signal received, stopping scheduler...")
		if err := sched.Stop(); err != nil {
			log.Error("Error stopping scheduler", "error", err)
		}
		return nil
	})

	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("Traffic engine stopped due to error", "error", runErr)
		return 1
	}

	log.Info("Traffic engine stopped gracefully.")
	return 0
}

// warmupPlan converts the config phase tables into the directory's
// typed plan.
func warmupPlan(cfg *config.Config) directory.WarmupPlan {
	limits := make([]map[directory.Kind]int, 0, len(cfg.Phases.Limits))
	for _, phase := range cfg.Phases.Limits {
		table := make(map[directory.Kind]int, len(phase))
		for kind, limit := range phase {
			table[directory.Kind(kind)] = limit
		}
		limits = append(limits, table)
	}
	return directory.WarmupPlan{
		DurationDays: cfg.Phases.DurationDays,
		Limits:       limits,
	}
}
