package storage

import (
	"context"

	"github.com/robfig/cron/v3"

	"github.com/diaflow/diaflow/internal/infrastructure/logger"
)

// Janitor periodically deletes execution states past the retention window.
type Janitor struct {
	store         Store
	retentionDays int
	schedule      string
	logger        *logger.Logger

	cron *cron.Cron
}

// NewJanitor creates a janitor. schedule is a standard cron expression;
// retentionDays is the minimum age of states it removes.
func NewJanitor(store Store, schedule string, retentionDays int, log *logger.Logger) *Janitor {
	if log == nil {
		log = logger.Default()
	}

	return &Janitor{
		store:         store,
		retentionDays: retentionDays,
		schedule:      schedule,
		logger:        log,
	}
}

// Start begins the cleanup schedule.
func (j *Janitor) Start() error {
	j.cron = cron.New()

	_, err := j.cron.AddFunc(j.schedule, func() {
		j.RunOnce(context.Background())
	})
	if err != nil {
		return err
	}

	j.cron.Start()
	j.logger.Info("state janitor started",
		"schedule", j.schedule,
		"retention_days", j.retentionDays,
	)
	return nil
}

// RunOnce performs a single cleanup pass.
func (j *Janitor) RunOnce(ctx context.Context) {
	removed, err := j.store.CleanupOldStates(ctx, j.retentionDays)
	if err != nil {
		j.logger.ErrorContext(ctx, "state cleanup failed", "error", err)
		return
	}

	if removed > 0 {
		j.logger.InfoContext(ctx, "removed expired execution states", "count", removed)
	}
}

// Stop halts the schedule, waiting for an in-flight run to finish.
func (j *Janitor) Stop() {
	if j.cron != nil {
		<-j.cron.Stop().Done()
	}
}
