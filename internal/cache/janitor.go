package cache

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Janitor sweeps expired entries out of the store on a fixed schedule.
type Janitor struct {
	cron   *cron.Cron
	store  *Store
	logger *slog.Logger
	every  time.Duration
}

func NewJanitor(store *Store, every time.Duration, logger *slog.Logger) *Janitor {
	return &Janitor{
		cron:   cron.New(),
		store:  store,
		logger: logger,
		every:  every,
	}
}

// Start registers the sweep job and launches the scheduler.
func (j *Janitor) Start() error {
	spec := fmt.Sprintf("@every %s", j.every)
	if _, err := j.cron.AddFunc(spec, j.sweep); err != nil {
		return fmt.Errorf("failed to schedule cache sweep: %w", err)
	}
	j.cron.Start()
	j.logger.Info("cache janitor started", "interval", j.every)
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
	j.logger.Info("cache janitor stopped")
}

func (j *Janitor) sweep() {
	if removed := j.store.SweepExpired(); removed > 0 {
		j.logger.Info("swept expired cache entries", "removed", removed)
	}
}
