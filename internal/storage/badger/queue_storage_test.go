package badger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/hubcache/internal/common"
	"github.com/ternarybob/hubcache/internal/interfaces"
	"github.com/ternarybob/hubcache/internal/models"
)

func newTestQueue(t *testing.T) interfaces.QueueStorage {
	t.Helper()
	return NewQueueStorage(newTestDB(t), common.GetLogger())
}

func TestAddJobDeduplicatesWaitingRows(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t)

	require.NoError(t, queue.AddJob(ctx, "dataset-config-names", "ds", "rev1", nil, nil, models.PriorityNormal, 50))
	require.NoError(t, queue.AddJob(ctx, "dataset-config-names", "ds", "rev1", nil, nil, models.PriorityHigh, 80))

	jobs, err := queue.PendingJobs(ctx, "ds")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.PriorityNormal, jobs[0].Priority, "first add wins")

	// A different revision is a different key.
	require.NoError(t, queue.AddJob(ctx, "dataset-config-names", "ds", "rev2", nil, nil, models.PriorityNormal, 50))
	jobs, err = queue.PendingJobs(ctx, "ds")
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	// So is a different config.
	require.NoError(t, queue.AddJob(ctx, "dataset-config-names", "ds", "rev1", strPtr("config1"), nil, models.PriorityNormal, 50))
	jobs, err = queue.PendingJobs(ctx, "ds")
	require.NoError(t, err)
	assert.Len(t, jobs, 3)
}

func TestCreateJobsCollapsesBatchDuplicates(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t)

	job := models.JobInfo{
		Type:       "config-size",
		Params:     models.JobParams{Dataset: "ds", Revision: "rev1", Config: strPtr("config1")},
		Priority:   models.PriorityNormal,
		Difficulty: 50,
	}
	require.NoError(t, queue.CreateJobs(ctx, []models.JobInfo{job, job, job}))

	jobs, err := queue.PendingJobs(ctx, "ds")
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestStartJobSelectionOrder(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t)

	// Separate datasets so the started-pair exclusion does not interfere.
	require.NoError(t, queue.AddJob(ctx, "config-size", "ds-normal", "rev1", nil, nil, models.PriorityNormal, 10))
	require.NoError(t, queue.AddJob(ctx, "config-size", "ds-high-hard", "rev1", nil, nil, models.PriorityHigh, 80))
	require.NoError(t, queue.AddJob(ctx, "config-size", "ds-high-easy", "rev1", nil, nil, models.PriorityHigh, 40))

	first, err := queue.StartJob(ctx, interfaces.StartJobOptions{})
	require.NoError(t, err)
	assert.Equal(t, "ds-high-easy", first.Params.Dataset, "high priority, lowest difficulty first")

	second, err := queue.StartJob(ctx, interfaces.StartJobOptions{})
	require.NoError(t, err)
	assert.Equal(t, "ds-high-hard", second.Params.Dataset)

	third, err := queue.StartJob(ctx, interfaces.StartJobOptions{})
	require.NoError(t, err)
	assert.Equal(t, "ds-normal", third.Params.Dataset)

	_, err = queue.StartJob(ctx, interfaces.StartJobOptions{})
	assert.ErrorIs(t, err, models.ErrEmptyQueue)
}

func TestStartJobExcludesStartedTypeDatasetPair(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t)

	require.NoError(t, queue.AddJob(ctx, "config-size", "ds", "rev1", strPtr("config1"), nil, models.PriorityNormal, 50))
	require.NoError(t, queue.AddJob(ctx, "config-size", "ds", "rev1", strPtr("config2"), nil, models.PriorityNormal, 50))

	started, err := queue.StartJob(ctx, interfaces.StartJobOptions{Owner: "worker-0"})
	require.NoError(t, err)

	// Same type and dataset: blocked while the first is running.
	_, err = queue.StartJob(ctx, interfaces.StartJobOptions{})
	assert.ErrorIs(t, err, models.ErrEmptyQueue)

	require.NoError(t, queue.FinishJob(ctx, started.JobID))

	next, err := queue.StartJob(ctx, interfaces.StartJobOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, started.JobID, next.JobID)
}

func TestStartJobTypeFilters(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t)

	require.NoError(t, queue.AddJob(ctx, "dataset-size", "ds", "rev1", nil, nil, models.PriorityNormal, 50))
	require.NoError(t, queue.AddJob(ctx, "dataset-is-valid", "ds", "rev1", nil, nil, models.PriorityNormal, 50))

	job, err := queue.StartJob(ctx, interfaces.StartJobOptions{JobTypesOnly: []string{"dataset-is-valid"}})
	require.NoError(t, err)
	assert.Equal(t, "dataset-is-valid", job.Type)
	require.NoError(t, queue.FinishJob(ctx, job.JobID))

	_, err = queue.StartJob(ctx, interfaces.StartJobOptions{JobTypesBlocked: []string{"dataset-size"}})
	assert.ErrorIs(t, err, models.ErrEmptyQueue)

	job, err = queue.StartJob(ctx, interfaces.StartJobOptions{})
	require.NoError(t, err)
	assert.Equal(t, "dataset-size", job.Type)
}

func TestFinishJobUnknownID(t *testing.T) {
	queue := newTestQueue(t)
	err := queue.FinishJob(context.Background(), "job_missing")
	assert.ErrorIs(t, err, models.ErrJobNotFound)
}

func TestIsJobStarted(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t)

	require.NoError(t, queue.AddJob(ctx, "dataset-size", "ds", "rev1", nil, nil, models.PriorityNormal, 50))
	jobs, err := queue.PendingJobs(ctx, "ds")
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	started, err := queue.IsJobStarted(ctx, jobs[0].JobID)
	require.NoError(t, err)
	assert.False(t, started)

	job, err := queue.StartJob(ctx, interfaces.StartJobOptions{})
	require.NoError(t, err)

	started, err = queue.IsJobStarted(ctx, job.JobID)
	require.NoError(t, err)
	assert.True(t, started)

	started, err = queue.IsJobStarted(ctx, "job_missing")
	require.NoError(t, err)
	assert.False(t, started)
}

func TestHeartbeatRequiresStartedJob(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t)

	require.NoError(t, queue.AddJob(ctx, "dataset-size", "ds", "rev1", nil, nil, models.PriorityNormal, 50))
	jobs, err := queue.PendingJobs(ctx, "ds")
	require.NoError(t, err)

	assert.Error(t, queue.Heartbeat(ctx, jobs[0].JobID), "waiting job has no lease")
	assert.ErrorIs(t, queue.Heartbeat(ctx, "job_missing"), models.ErrJobNotFound)

	job, err := queue.StartJob(ctx, interfaces.StartJobOptions{})
	require.NoError(t, err)
	assert.NoError(t, queue.Heartbeat(ctx, job.JobID))
}

func TestSweepExpiredLeases(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t)

	require.NoError(t, queue.AddJob(ctx, "dataset-size", "ds", "rev1", nil, nil, models.PriorityNormal, 50))
	job, err := queue.StartJob(ctx, interfaces.StartJobOptions{Owner: "worker-0"})
	require.NoError(t, err)

	recovered, err := queue.SweepExpiredLeases(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, recovered, "fresh lease must survive")

	time.Sleep(20 * time.Millisecond)
	recovered, err = queue.SweepExpiredLeases(ctx, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	started, err := queue.IsJobStarted(ctx, job.JobID)
	require.NoError(t, err)
	assert.False(t, started, "swept job is waiting again")

	restarted, err := queue.StartJob(ctx, interfaces.StartJobOptions{})
	require.NoError(t, err)
	assert.Equal(t, job.JobID, restarted.JobID)
}

func TestHasPendingJobs(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t)

	require.NoError(t, queue.AddJob(ctx, "dataset-config-names", "ds", "rev1", nil, nil, models.PriorityNormal, 50))

	has, err := queue.HasPendingJobs(ctx, "ds", []string{"dataset-config-names", "dataset-size"})
	require.NoError(t, err)
	assert.True(t, has)

	has, err = queue.HasPendingJobs(ctx, "ds", []string{"dataset-size"})
	require.NoError(t, err)
	assert.False(t, has)

	has, err = queue.HasPendingJobs(ctx, "other", []string{"dataset-config-names"})
	require.NoError(t, err)
	assert.False(t, has)
}

func TestDeleteDatasetJobs(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t)

	require.NoError(t, queue.AddJob(ctx, "dataset-config-names", "ds", "rev1", nil, nil, models.PriorityNormal, 50))
	require.NoError(t, queue.AddJob(ctx, "dataset-size", "ds", "rev1", nil, nil, models.PriorityNormal, 50))
	require.NoError(t, queue.AddJob(ctx, "dataset-size", "other", "rev1", nil, nil, models.PriorityNormal, 50))

	deleted, err := queue.DeleteDatasetJobs(ctx, "ds")
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	jobs, err := queue.PendingJobs(ctx, "")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "other", jobs[0].Dataset)
}

func TestCountJobsByStatus(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t)

	require.NoError(t, queue.AddJob(ctx, "dataset-size", "ds1", "rev1", nil, nil, models.PriorityNormal, 50))
	require.NoError(t, queue.AddJob(ctx, "dataset-size", "ds2", "rev1", nil, nil, models.PriorityNormal, 50))
	_, err := queue.StartJob(ctx, interfaces.StartJobOptions{})
	require.NoError(t, err)

	counts, err := queue.CountJobsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts["dataset-size"][models.StatusWaiting])
	assert.Equal(t, 1, counts["dataset-size"][models.StatusStarted])
}
