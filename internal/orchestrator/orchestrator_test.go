package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/hubcache/internal/common"
	"github.com/ternarybob/hubcache/internal/graph"
	"github.com/ternarybob/hubcache/internal/interfaces"
	"github.com/ternarybob/hubcache/internal/models"
	badgerstore "github.com/ternarybob/hubcache/internal/storage/badger"
)

func newTestOrchestrator(t *testing.T, g *graph.ProcessingGraph) (*Orchestrator, interfaces.QueueStorage, interfaces.CacheStorage) {
	t.Helper()
	logger := common.GetLogger()
	db, err := badgerstore.NewBadgerDB(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	queue := badgerstore.NewQueueStorage(db, logger)
	cache := badgerstore.NewCacheStorage(db, logger)
	return New(g, queue, cache, logger, DefaultConfig()), queue, cache
}

func oneStepGraph(t *testing.T) *graph.ProcessingGraph {
	t.Helper()
	g, err := graph.New(&graph.Specification{Steps: map[string]graph.StepSpec{
		"dataset-a": {InputType: models.InputTypeDataset},
	}})
	require.NoError(t, err)
	return g
}

func chainGraph(t *testing.T) *graph.ProcessingGraph {
	t.Helper()
	g, err := graph.New(&graph.Specification{Steps: map[string]graph.StepSpec{
		"dataset-a": {InputType: models.InputTypeDataset},
		"dataset-b": {InputType: models.InputTypeDataset, TriggeredBy: []string{"dataset-a"}},
	}})
	require.NoError(t, err)
	return g
}

// fanGraph exercises fan-out (dataset to config, config to split) and fan-in
// (split back to dataset and config).
func fanGraph(t *testing.T) *graph.ProcessingGraph {
	t.Helper()
	g, err := graph.New(&graph.Specification{Steps: map[string]graph.StepSpec{
		"dataset-config-names": {InputType: models.InputTypeDataset},
		"config-split-names-from-streaming": {
			InputType:   models.InputTypeConfig,
			TriggeredBy: []string{"dataset-config-names"},
		},
		"config-info": {
			InputType:   models.InputTypeConfig,
			TriggeredBy: []string{"dataset-config-names"},
		},
		"split-first-rows": {
			InputType:   models.InputTypeSplit,
			TriggeredBy: []string{"config-split-names-from-streaming"},
		},
		"split-statistics": {
			InputType:                     models.InputTypeSplit,
			TriggeredBy:                   []string{"config-info"},
			Difficulty:                    70,
			BonusDifficultyIfDatasetIsBig: 20,
		},
		"dataset-summary": {
			InputType:   models.InputTypeDataset,
			TriggeredBy: []string{"split-first-rows"},
		},
		"config-summary": {
			InputType:   models.InputTypeConfig,
			TriggeredBy: []string{"split-first-rows"},
		},
	}})
	require.NoError(t, err)
	return g
}

func strPtr(s string) *string { return &s }

func configNamesContent(names ...string) map[string]interface{} {
	records := make([]interface{}, 0, len(names))
	for _, name := range names {
		records = append(records, map[string]interface{}{"config": name})
	}
	return map[string]interface{}{"config_names": records}
}

func splitNamesContent(names ...string) map[string]interface{} {
	records := make([]interface{}, 0, len(names))
	for _, name := range names {
		records = append(records, map[string]interface{}{"split": name})
	}
	return map[string]interface{}{"splits": records}
}

func successUpsert(kind, dataset, revision string, config, split *string, content map[string]interface{}) interfaces.UpsertParams {
	if content == nil {
		content = map[string]interface{}{"ok": true}
	}
	return interfaces.UpsertParams{
		Kind:               kind,
		Dataset:            dataset,
		Config:             config,
		Split:              split,
		Content:            content,
		HTTPStatus:         200,
		JobRunnerVersion:   1,
		DatasetGitRevision: revision,
	}
}

func TestSetRevisionCreatesRootJobs(t *testing.T) {
	ctx := context.Background()
	orch, queue, _ := newTestOrchestrator(t, fanGraph(t))

	require.NoError(t, orch.SetRevision(ctx, "dataset", "revision", models.PriorityNormal))

	jobs, err := queue.PendingJobs(ctx, "dataset")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "dataset-config-names", jobs[0].Type)
	assert.Equal(t, "revision", jobs[0].Revision)

	// Same revision again: idempotent.
	require.NoError(t, orch.SetRevision(ctx, "dataset", "revision", models.PriorityNormal))
	jobs, err = queue.PendingJobs(ctx, "dataset")
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestSetRevisionReplacesOutdatedRootJobs(t *testing.T) {
	ctx := context.Background()
	orch, queue, _ := newTestOrchestrator(t, fanGraph(t))

	require.NoError(t, orch.SetRevision(ctx, "dataset", "rev1", models.PriorityNormal))
	require.NoError(t, orch.SetRevision(ctx, "dataset", "rev2", models.PriorityHigh))

	jobs, err := queue.PendingJobs(ctx, "dataset")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "rev2", jobs[0].Revision)
	assert.Equal(t, models.PriorityHigh, jobs[0].Priority)
}

func TestSetRevisionSkipsUpToDateRoots(t *testing.T) {
	ctx := context.Background()
	orch, queue, cache := newTestOrchestrator(t, fanGraph(t))

	_, err := cache.Upsert(ctx, successUpsert("dataset-config-names", "dataset", "revision", nil, nil,
		configNamesContent("config1")))
	require.NoError(t, err)
	require.NoError(t, queue.AddJob(ctx, "dataset-config-names", "dataset", "revision", nil, nil, models.PriorityNormal, 50))

	require.NoError(t, orch.SetRevision(ctx, "dataset", "revision", models.PriorityNormal))

	// The root is already cached at this revision: no new job, and the stale
	// pending one is dropped.
	jobs, err := queue.PendingJobs(ctx, "dataset")
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestFinishJobStoresResultAndTriggersChildren(t *testing.T) {
	ctx := context.Background()
	orch, queue, cache := newTestOrchestrator(t, fanGraph(t))

	require.NoError(t, orch.SetRevision(ctx, "dataset", "revision", models.PriorityNormal))
	job, err := queue.StartJob(ctx, interfaces.StartJobOptions{Owner: "worker-0"})
	require.NoError(t, err)

	require.NoError(t, orch.FinishJob(ctx, models.JobResult{
		JobInfo:          job,
		JobRunnerVersion: 1,
		IsSuccess:        true,
		Output: &models.JobOutput{
			Content:    configNamesContent("config1", "config2"),
			HTTPStatus: 200,
		},
	}))

	entry, err := cache.Get(ctx, "dataset-config-names", "dataset", nil, nil)
	require.NoError(t, err)
	assert.True(t, entry.IsSuccess())
	assert.Zero(t, entry.FailedRuns)

	// The finished job is gone; both config children fan out to both configs.
	jobs, err := queue.PendingJobs(ctx, "dataset")
	require.NoError(t, err)
	require.Len(t, jobs, 4)
	byType := make(map[string][]string)
	for _, j := range jobs {
		assert.Equal(t, models.StatusWaiting, j.Status)
		assert.Equal(t, "revision", j.Revision)
		require.NotNil(t, j.Config)
		byType[j.Type] = append(byType[j.Type], *j.Config)
	}
	assert.ElementsMatch(t, []string{"config1", "config2"}, byType["config-split-names-from-streaming"])
	assert.ElementsMatch(t, []string{"config1", "config2"}, byType["config-info"])
}

func TestFinishJobErrorDoesNotTriggerChildren(t *testing.T) {
	ctx := context.Background()
	orch, queue, cache := newTestOrchestrator(t, fanGraph(t))

	require.NoError(t, orch.SetRevision(ctx, "dataset", "revision", models.PriorityNormal))
	job, err := queue.StartJob(ctx, interfaces.StartJobOptions{})
	require.NoError(t, err)

	errorCode := "ExternalServerError"
	require.NoError(t, orch.FinishJob(ctx, models.JobResult{
		JobInfo:          job,
		JobRunnerVersion: 1,
		IsSuccess:        false,
		Output: &models.JobOutput{
			Content:    map[string]interface{}{"error": "boom"},
			HTTPStatus: 500,
			ErrorCode:  &errorCode,
		},
	}))

	entry, err := cache.Get(ctx, "dataset-config-names", "dataset", nil, nil)
	require.NoError(t, err)
	assert.False(t, entry.IsSuccess())

	jobs, err := queue.PendingJobs(ctx, "dataset")
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestFinishJobWithoutOutputOnlyDeletes(t *testing.T) {
	ctx := context.Background()
	orch, queue, cache := newTestOrchestrator(t, fanGraph(t))

	require.NoError(t, orch.SetRevision(ctx, "dataset", "revision", models.PriorityNormal))
	job, err := queue.StartJob(ctx, interfaces.StartJobOptions{})
	require.NoError(t, err)

	require.NoError(t, orch.FinishJob(ctx, models.JobResult{
		JobInfo:          job,
		JobRunnerVersion: 1,
		IsSuccess:        false,
	}))

	_, err = cache.Get(ctx, "dataset-config-names", "dataset", nil, nil)
	assert.ErrorIs(t, err, models.ErrCacheEntryNotFound)

	jobs, err := queue.PendingJobs(ctx, "dataset")
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestFinishJobDropsRevokedLease(t *testing.T) {
	ctx := context.Background()
	orch, queue, cache := newTestOrchestrator(t, fanGraph(t))

	require.NoError(t, orch.SetRevision(ctx, "dataset", "revision", models.PriorityNormal))
	jobs, err := queue.PendingJobs(ctx, "dataset")
	require.NoError(t, err)
	waiting := jobs[0]

	// The job was never started, so its result is stale and is dropped.
	require.NoError(t, orch.FinishJob(ctx, models.JobResult{
		JobInfo:          waiting.Info(),
		JobRunnerVersion: 1,
		IsSuccess:        true,
		Output: &models.JobOutput{
			Content:    configNamesContent("config1"),
			HTTPStatus: 200,
		},
	}))

	_, err = cache.Get(ctx, "dataset-config-names", "dataset", nil, nil)
	assert.ErrorIs(t, err, models.ErrCacheEntryNotFound)

	jobs, err = queue.PendingJobs(ctx, "dataset")
	require.NoError(t, err)
	assert.Len(t, jobs, 1, "the waiting job survives")
}

func TestRemoveDataset(t *testing.T) {
	ctx := context.Background()
	orch, queue, cache := newTestOrchestrator(t, fanGraph(t))

	require.NoError(t, orch.SetRevision(ctx, "dataset", "revision", models.PriorityNormal))
	_, err := cache.Upsert(ctx, successUpsert("dataset-config-names", "dataset", "revision", nil, nil, configNamesContent("config1")))
	require.NoError(t, err)

	require.NoError(t, orch.RemoveDataset(ctx, "dataset"))

	jobs, err := queue.PendingJobs(ctx, "dataset")
	require.NoError(t, err)
	assert.Empty(t, jobs)

	has, err := cache.HasSome(ctx, "dataset")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestHasPendingAncestorJobs(t *testing.T) {
	ctx := context.Background()
	orch, queue, _ := newTestOrchestrator(t, fanGraph(t))

	has, err := orch.HasPendingAncestorJobs(ctx, "dataset", []string{"split-first-rows"})
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, queue.AddJob(ctx, "dataset-config-names", "dataset", "revision", nil, nil, models.PriorityNormal, 50))

	has, err = orch.HasPendingAncestorJobs(ctx, "dataset", []string{"split-first-rows"})
	require.NoError(t, err)
	assert.True(t, has)

	// The named steps themselves count, not only their ancestors.
	has, err = orch.HasPendingAncestorJobs(ctx, "dataset", []string{"dataset-config-names"})
	require.NoError(t, err)
	assert.True(t, has)

	has, err = orch.HasPendingAncestorJobs(ctx, "dataset", nil)
	require.NoError(t, err)
	assert.False(t, has)

	_, err = orch.HasPendingAncestorJobs(ctx, "dataset", []string{"unknown-step"})
	assert.ErrorIs(t, err, models.ErrUnknownStep)
}
