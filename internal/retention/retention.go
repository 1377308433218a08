// Package retention schedules a periodic sweep that purges run-log rows
// older than the configured retention window (C17). runlog.RunLogger
// already purges inline on every RunFinished; this is the safety net for
// an install that goes a long time between runs.
package retention

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mara-data/dataflow/internal/runlog"
)

// Sweeper runs runlog.Store.Purge on a cron schedule.
type Sweeper struct {
	cron      *cron.Cron
	store     *runlog.Store
	retention time.Duration
	log       *slog.Logger
}

// NewSweeper builds a Sweeper bound to store, purging rows older than
// retention. schedule is a standard five-field cron expression; callers
// without a specific need should pass "0 0 * * *" (once a day at midnight).
func NewSweeper(store *runlog.Store, retention time.Duration, schedule string) (*Sweeper, error) {
	s := &Sweeper{
		cron:      cron.New(),
		store:     store,
		retention: retention,
		log:       slog.Default(),
	}
	if _, err := s.cron.AddFunc(schedule, s.sweep); err != nil {
		return nil, fmt.Errorf("retention: add cron schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins the cron scheduler in its own goroutine.
func (s *Sweeper) Start() { s.cron.Start() }

// Stop stops the scheduler, waiting for any in-flight sweep to finish.
func (s *Sweeper) Stop() { <-s.cron.Stop().Done() }

func (s *Sweeper) sweep() {
	if err := s.store.Purge(s.retention); err != nil {
		s.log.Error("retention: sweep failed", "error", err)
		return
	}
	s.log.Info("retention: sweep complete", "retention", s.retention)
}
