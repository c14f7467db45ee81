package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/hubcache/internal/common"
	"github.com/ternarybob/hubcache/internal/graph"
	"github.com/ternarybob/hubcache/internal/hub"
	"github.com/ternarybob/hubcache/internal/interfaces"
	"github.com/ternarybob/hubcache/internal/models"
	"github.com/ternarybob/hubcache/internal/orchestrator"
	badgerstore "github.com/ternarybob/hubcache/internal/storage/badger"
)

type staticSource struct {
	infos []hub.DatasetInfo
}

func (s *staticSource) ListDatasets(ctx context.Context, fn func(info hub.DatasetInfo) error) error {
	for _, info := range s.infos {
		if err := fn(info); err != nil {
			return err
		}
	}
	return nil
}

func newTestService(t *testing.T, datasets DatasetSource, cfg common.Config) (*Service, interfaces.QueueStorage) {
	t.Helper()
	logger := common.GetLogger()
	db, err := badgerstore.NewBadgerDB(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	queue := badgerstore.NewQueueStorage(db, logger)
	cache := badgerstore.NewCacheStorage(db, logger)
	orch := orchestrator.New(graph.Default(), queue, cache, logger, orchestrator.DefaultConfig())
	return NewService(orch, queue, datasets, db, logger, cfg), queue
}

func TestServiceStartStop(t *testing.T) {
	cfg := *common.NewDefaultConfig()
	service, _ := newTestService(t, nil, cfg)

	require.NoError(t, service.Start())
	assert.Error(t, service.Start(), "second start must fail")
	require.NoError(t, service.Stop())

	// Stopping twice is a no-op.
	require.NoError(t, service.Stop())
}

func TestServiceRejectsBadSchedule(t *testing.T) {
	cfg := *common.NewDefaultConfig()
	cfg.Scheduler.SweepSchedule = "not-a-schedule"
	service, _ := newTestService(t, nil, cfg)
	assert.Error(t, service.Start())
}

func TestRunBackfillEnqueuesDatasets(t *testing.T) {
	ctx := context.Background()
	source := &staticSource{infos: []hub.DatasetInfo{
		{ID: "ds1", SHA: "rev1"},
		{ID: "ds2", SHA: "rev2"},
		{ID: "disabled", SHA: "rev3", Disabled: true},
		{ID: "no-sha"},
	}}
	cfg := *common.NewDefaultConfig()
	service, queue := newTestService(t, source, cfg)

	service.runBackfill()

	// Every enabled dataset with a revision gets its 9 dataset-level jobs.
	for _, dataset := range []string{"ds1", "ds2"} {
		jobs, err := queue.PendingJobs(ctx, dataset)
		require.NoError(t, err)
		assert.Len(t, jobs, 9, "dataset %s", dataset)
		for _, job := range jobs {
			assert.Equal(t, models.PriorityLow, job.Priority)
		}
	}
	for _, dataset := range []string{"disabled", "no-sha"} {
		jobs, err := queue.PendingJobs(ctx, dataset)
		require.NoError(t, err)
		assert.Empty(t, jobs, "dataset %s", dataset)
	}
}

func TestRunSweepRecoversExpiredLeases(t *testing.T) {
	ctx := context.Background()
	cfg := *common.NewDefaultConfig()
	cfg.Queue.LeaseTTL = "5ms"
	service, queue := newTestService(t, nil, cfg)

	require.NoError(t, queue.AddJob(ctx, "dataset-config-names", "ds", "rev1", nil, nil, models.PriorityNormal, 50))
	job, err := queue.StartJob(ctx, interfaces.StartJobOptions{Owner: "worker-0"})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	service.runSweep()

	started, err := queue.IsJobStarted(ctx, job.JobID)
	require.NoError(t, err)
	assert.False(t, started, "the expired lease is back to waiting")
}
