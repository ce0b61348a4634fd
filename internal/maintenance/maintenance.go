// Package maintenance runs the periodic housekeeping jobs of the memory
// store: retention cleanup and database compaction.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/relay/pkg/models"
)

const (
	// defaultCleanupSpec runs retention cleanup every night at 03:00.
	defaultCleanupSpec = "0 3 * * *"
	// defaultVacuumSpec compacts the database every Sunday at 04:00.
	defaultVacuumSpec = "0 4 * * 0"

	jobTimeout = 10 * time.Minute
)

// MemoryJanitor is the slice of the memory store the scheduler drives.
type MemoryJanitor interface {
	CleanupExpired(ctx context.Context) (*models.CleanupResult, error)
	Vacuum(ctx context.Context) error
}

// Options overrides the default schedules. Specs use standard five-field
// cron syntax.
type Options struct {
	CleanupSpec string
	VacuumSpec  string
}

// Scheduler owns the cron loop. Jobs log their results and never bring the
// process down.
type Scheduler struct {
	cron   *cron.Cron
	memory MemoryJanitor
	logger *slog.Logger
	opts   Options
}

// New creates a scheduler for the given store.
func New(memory MemoryJanitor, logger *slog.Logger, opts Options) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.CleanupSpec == "" {
		opts.CleanupSpec = defaultCleanupSpec
	}
	if opts.VacuumSpec == "" {
		opts.VacuumSpec = defaultVacuumSpec
	}
	return &Scheduler{cron: cron.New(), memory: memory, logger: logger, opts: opts}
}

// Start registers the jobs and begins the cron loop.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.opts.CleanupSpec, s.RunCleanup); err != nil {
		return fmt.Errorf("maintenance: cleanup schedule %q: %w", s.opts.CleanupSpec, err)
	}
	if _, err := s.cron.AddFunc(s.opts.VacuumSpec, s.RunVacuum); err != nil {
		return fmt.Errorf("maintenance: vacuum schedule %q: %w", s.opts.VacuumSpec, err)
	}
	s.cron.Start()
	s.logger.Info("maintenance scheduled",
		"cleanup", s.opts.CleanupSpec, "vacuum", s.opts.VacuumSpec)
	return nil
}

// Stop halts the cron loop and waits for a running job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// RunCleanup sweeps expired memories once.
func (s *Scheduler) RunCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	result, err := s.memory.CleanupExpired(ctx)
	if err != nil {
		s.logger.Error("memory cleanup failed", "error", err)
		return
	}
	s.logger.Info("memory cleanup done",
		"deleted", result.Deleted, "summarized", result.Summarized, "errors", result.Errors)
}

// RunVacuum compacts the memory database once.
func (s *Scheduler) RunVacuum() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	if err := s.memory.Vacuum(ctx); err != nil {
		s.logger.Error("vacuum failed", "error", err)
		return
	}
	s.logger.Info("vacuum done")
}

// Entries returns the number of scheduled jobs, for introspection.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}
