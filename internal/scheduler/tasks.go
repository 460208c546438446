package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/1evgeniyonegin1-gif/plamya-traffic/internal/database"
	"github.com/1evgeniyonegin1-gif/plamya-traffic/internal/directory"
	"github.com/1evgeniyonegin1-gif/plamya-traffic/internal/engine"
)

// TaskDeps contains all dependencies required by scheduled maintenance
// tasks.
type TaskDeps struct {
	Logger    *slog.Logger
	Store     database.Store
	Directory *directory.Directory
	Engine    *engine.Engine
}

// RegisterAllTasks initializes and returns the map of maintenance
// tasks. The keys match the task names in the scheduler config.
func RegisterAllTasks(deps TaskDeps) map[string]TaskFunc {
	tasks := make(map[string]TaskFunc)

	tasks["daily_rollover"] = newDailyRolloverTask(deps)
	tasks["phase_advance"] = newPhaseAdvanceTask(deps)
	tasks["observation_sweep"] = newObservationSweepTask(deps)
	tasks["sql_maintenance"] = newSQLMaintenanceTask(deps)

	deps.Logger.Info("Initialized scheduled tasks", "count", len(tasks))
	return tasks
}

// newDailyRolloverTask resets every account's per-kind counters at the
// daily boundary. This is the process-wide rollover; individual debits
// never trigger it.
func newDailyRolloverTask(deps TaskDeps) TaskFunc {
	log := deps.Logger.With("task", "daily_rollover")

	return func(ctx context.Context) error {
		log.InfoContext(ctx, "Starting daily quota rollover...")
		if err := deps.Directory.ResetDailyCounters(ctx); err != nil {
			return fmt.Errorf("daily rollover failed: %w", err)
		}
		log.InfoContext(ctx, "Daily quota rollover completed")
		return nil
	}
}

// newPhaseAdvanceTask advances accounts whose warmup phase duration has
// elapsed.
func newPhaseAdvanceTask(deps TaskDeps) TaskFunc {
	log := deps.Logger.With("task", "phase_advance")

	return func(ctx context.Context) error {
		log.InfoContext(ctx, "Checking warmup phase advancement...")
		if err := deps.Directory.AdvancePhaseIfDue(ctx); err != nil {
			return fmt.Errorf("phase advance failed: %w", err)
		}
		return nil
	}
}

// newObservationSweepTask forces zero-reward updates for attempts whose
// observation window has elapsed without an engagement report.
func newObservationSweepTask(deps TaskDeps) TaskFunc {
	log := deps.Logger.With("task", "observation_sweep")

	return func(ctx context.Context) error {
		log.DebugContext(ctx, "Sweeping unobserved attempts...")
		if err := deps.Engine.SweepUnobserved(ctx); err != nil {
			return fmt.Errorf("observation sweep failed: %w", err)
		}
		return nil
	}
}

// newSQLMaintenanceTask runs database maintenance through the store.
func newSQLMaintenanceTask(deps TaskDeps) TaskFunc {
	log := deps.Logger.With("task", "sql_maintenance")

	return func(ctx context.Context) error {
		log.InfoContext(ctx, "Starting scheduled SQL maintenance task...")
		startTime := time.Now()

		err := deps.Store.RunSQLMaintenance(ctx)
		duration := time.Since(startTime)

		if err != nil {
			log.ErrorContext(ctx, "SQL maintenance task failed", "error", err, "duration", duration)
			return fmt.Errorf("sql maintenance failed: %w", err)
		}

		log.InfoContext(ctx, "SQL maintenance task completed successfully", "duration", duration)
		return nil
	}
}
