package cron

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"nvr-engine/logging"
	"nvr-engine/storage"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Syncer runs reconciliation passes. *storage.Reconciler implements it.
type Syncer interface {
	Sync(ctx context.Context) (storage.SyncStats, error)
	Exclusive(ctx context.Context, fn func(context.Context) error) error
}

// Cleaner enforces the retention policy. *storage.Retention implements it.
type Cleaner interface {
	CheckAndCleanup(ctx context.Context) (storage.CleanupResult, error)
}

// StorageMonitorCron reconciles the inventory and then applies retention on a fixed interval
type StorageMonitorCron struct {
	cron     *cron.Cron
	syncer   Syncer
	cleaner  Cleaner
	interval time.Duration
	log      zerolog.Logger

	mu  sync.Mutex
	ctx context.Context
}

// NewStorageMonitorCron creates the storage monitor. Overlapping ticks are skipped.
func NewStorageMonitorCron(syncer Syncer, cleaner Cleaner, interval time.Duration) *StorageMonitorCron {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	l := logging.For("cron")
	cl := cronLogger{log: l}
	return &StorageMonitorCron{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		syncer:   syncer,
		cleaner:  cleaner,
		interval: interval,
		log:      l,
		ctx:      context.Background(),
	}
}

// Start schedules the job, runs it once immediately and blocks until ctx is done
func (s *StorageMonitorCron) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return fmt.Errorf("failed to schedule storage monitor: %w", err)
	}

	s.log.Info().Dur("interval", s.interval).Msg("starting storage monitor cron job")
	s.cron.Start()

	s.RunOnce(ctx)

	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop stops scheduling and waits for a running tick to finish
func (s *StorageMonitorCron) Stop() {
	s.log.Info().Msg("stopping storage monitor cron job")
	<-s.cron.Stop().Done()
}

func (s *StorageMonitorCron) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	s.RunOnce(ctx)
}

// RunOnce performs one reconciliation pass followed by one retention check.
// The retention check holds the reconciler's pass lock.
func (s *StorageMonitorCron) RunOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	stats, err := s.syncer.Sync(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("reconciliation pass failed")
	} else if stats.Created > 0 || stats.Updated > 0 || stats.Errors > 0 {
		s.log.Debug().
			Int("created", stats.Created).
			Int("updated", stats.Updated).
			Int("errors", stats.Errors).
			Msg("inventory reconciled")
	}

	err = s.syncer.Exclusive(ctx, func(ctx context.Context) error {
		result, err := s.cleaner.CheckAndCleanup(ctx)
		if result.Triggered {
			s.log.Info().
				Float64("before", result.UsageBefore).
				Float64("after", result.UsageAfter).
				Int("deleted", result.Deleted).
				Int64("freedBytes", result.FreedBytes).
				Msg("retention cleanup ran")
		}
		return err
	})
	switch {
	case errors.Is(err, storage.ErrRetentionExhausted):
		s.log.Warn().Err(err).Msg("storage above ceiling with nothing left to evict")
	case err != nil:
		s.log.Error().Err(err).Msg("retention check failed")
	}
}

// cronLogger adapts zerolog to cron.Logger
type cronLogger struct {
	log zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
