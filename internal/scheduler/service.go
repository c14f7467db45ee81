// -----------------------------------------------------------------------
// Scheduler - periodic backfill, lease sweep and storage GC
// -----------------------------------------------------------------------

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/hubcache/internal/common"
	"github.com/ternarybob/hubcache/internal/hub"
	"github.com/ternarybob/hubcache/internal/interfaces"
	"github.com/ternarybob/hubcache/internal/models"
	"github.com/ternarybob/hubcache/internal/orchestrator"
)

// DatasetSource enumerates the datasets to keep backfilled. Satisfied by the
// hub client.
type DatasetSource interface {
	ListDatasets(ctx context.Context, fn func(info hub.DatasetInfo) error) error
}

// Maintainer exposes the value-log GC of the storage layer.
type Maintainer interface {
	RunValueLogGC() error
}

// Service runs the periodic maintenance jobs: a full backfill of every hub
// dataset, the expired-lease sweep, and the Badger value log GC.
type Service struct {
	orch       *orchestrator.Orchestrator
	queue      interfaces.QueueStorage
	datasets   DatasetSource
	maintainer Maintainer
	cron       *cron.Cron
	logger     arbor.ILogger
	cfg        common.Config

	mu      sync.Mutex // Prevents overlapping backfill runs
	running bool
}

// NewService creates a scheduler service. datasets and maintainer may be nil,
// disabling the corresponding jobs.
func NewService(orch *orchestrator.Orchestrator, queue interfaces.QueueStorage, datasets DatasetSource, maintainer Maintainer, logger arbor.ILogger, cfg common.Config) *Service {
	return &Service{
		orch:       orch,
		queue:      queue,
		datasets:   datasets,
		maintainer: maintainer,
		cron:       cron.New(cron.WithSeconds()),
		logger:     logger,
		cfg:        cfg,
	}
}

// Start registers the cron entries and starts the scheduler.
func (s *Service) Start() error {
	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	// The full-hub backfill is opt-in; the sweep and GC always run.
	if s.datasets != nil && s.cfg.Scheduler.Enabled && s.cfg.Scheduler.BackfillSchedule != "" {
		if _, err := s.cron.AddFunc(s.cfg.Scheduler.BackfillSchedule, s.runBackfill); err != nil {
			return fmt.Errorf("failed to schedule backfill: %w", err)
		}
	}
	if s.cfg.Scheduler.SweepSchedule != "" {
		if _, err := s.cron.AddFunc(s.cfg.Scheduler.SweepSchedule, s.runSweep); err != nil {
			return fmt.Errorf("failed to schedule lease sweep: %w", err)
		}
	}
	if s.maintainer != nil && s.cfg.Scheduler.GCSchedule != "" {
		if _, err := s.cron.AddFunc(s.cfg.Scheduler.GCSchedule, s.runGC); err != nil {
			return fmt.Errorf("failed to schedule value log GC: %w", err)
		}
	}

	s.cron.Start()
	s.running = true
	s.logger.Info().
		Str("backfill", s.cfg.Scheduler.BackfillSchedule).
		Str("sweep", s.cfg.Scheduler.SweepSchedule).
		Msg("Scheduler started")
	return nil
}

// Stop halts the scheduler and waits for running entries.
func (s *Service) Stop() error {
	if !s.running {
		return nil
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.running = false
	s.logger.Info().Msg("Scheduler stopped")
	return nil
}

// runBackfill walks every hub dataset and reconciles its queue. Overlapping
// runs are skipped, not queued.
func (s *Service) runBackfill() {
	if !s.mu.TryLock() {
		s.logger.Warn().Msg("Backfill still running, skipping this tick")
		return
	}
	defer s.mu.Unlock()

	ctx := context.Background()
	started := time.Now()
	datasets, created, deleted, failures := 0, 0, 0, 0

	err := s.datasets.ListDatasets(ctx, func(info hub.DatasetInfo) error {
		if info.Disabled || info.SHA == "" {
			return nil
		}
		plan, err := s.orch.BackfillDataset(ctx, info.ID, info.SHA, models.PriorityLow)
		if err != nil {
			failures++
			s.logger.Warn().Err(err).Str("dataset", info.ID).Msg("Backfill failed for dataset")
			return nil
		}
		datasets++
		created += len(plan.JobInfosToCreate)
		deleted += len(plan.JobIDsToDelete)
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("Backfill aborted while listing datasets")
		return
	}

	s.logger.Info().
		Int("datasets", datasets).
		Int("created", created).
		Int("deleted", deleted).
		Int("failures", failures).
		Dur("elapsed", time.Since(started)).
		Msg("Backfill pass completed")
}

// runSweep returns expired started jobs to waiting.
func (s *Service) runSweep() {
	recovered, err := s.queue.SweepExpiredLeases(context.Background(), s.cfg.Queue.LeaseTTLDuration())
	if err != nil {
		s.logger.Error().Err(err).Msg("Lease sweep failed")
		return
	}
	if recovered > 0 {
		s.logger.Info().Int("recovered", recovered).Msg("Expired leases returned to waiting")
	}
}

func (s *Service) runGC() {
	if err := s.maintainer.RunValueLogGC(); err != nil {
		s.logger.Warn().Err(err).Msg("Value log GC failed")
	}
}
