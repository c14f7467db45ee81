// -----------------------------------------------------------------------
// Orchestrator - facade over the graph, queue and cache
// -----------------------------------------------------------------------

package orchestrator

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/hubcache/internal/graph"
	"github.com/ternarybob/hubcache/internal/interfaces"
	"github.com/ternarybob/hubcache/internal/models"
	"github.com/ternarybob/hubcache/internal/state"
)

// Orchestrator coordinates revision updates, job completion and backfills
// against one processing graph.
type Orchestrator struct {
	graph  *graph.ProcessingGraph
	queue  interfaces.QueueStorage
	cache  interfaces.CacheStorage
	logger arbor.ILogger
	cfg    Config
}

// New creates an orchestrator over the given stores.
func New(g *graph.ProcessingGraph, queue interfaces.QueueStorage, cache interfaces.CacheStorage, logger arbor.ILogger, cfg Config) *Orchestrator {
	return &Orchestrator{
		graph:  g,
		queue:  queue,
		cache:  cache,
		logger: logger,
		cfg:    cfg.withDefaults(),
	}
}

// SetRevision reacts to a new dataset revision: it reconciles the graph's
// root steps against the cache and the queue, keeping at most one waiting
// job per root step that still needs work and deleting every other root job
// of the dataset. Roots already cached at this revision get no job. The rest
// of the tree is pulled along by the after-job plans as the root jobs finish.
func (o *Orchestrator) SetRevision(ctx context.Context, dataset, revision string, priority models.Priority) error {
	assembler := &state.Assembler{Graph: o.graph, Queue: o.queue, Cache: o.cache, Retry: o.cfg.retryPolicy()}
	roots, err := assembler.FirstStepsDatasetState(ctx, dataset, revision)
	if err != nil {
		return fmt.Errorf("failed to assemble root state: %w", err)
	}

	var jobsToCreate []models.JobInfo
	keptJobIDs := make(map[string]struct{})
	rootTypes := make(map[string]struct{})
	for _, step := range o.graph.FirstSteps() {
		rootTypes[step.Name] = struct{}{}
		artifact := roots.ArtifactStateByStep[step.Name]
		if classify(artifact, nil, revision) == CacheStatusUpToDate {
			continue
		}
		kept := false
		for _, job := range artifact.JobState.PendingJobs {
			if job.Status == models.StatusWaiting {
				keptJobIDs[job.JobID] = struct{}{}
				kept = true
				break
			}
		}
		if kept {
			continue
		}
		failedRuns := 0
		if artifact.CacheState.Metadata != nil {
			failedRuns = artifact.CacheState.Metadata.FailedRuns
		}
		jobsToCreate = append(jobsToCreate, models.JobInfo{
			Type: step.Name,
			Params: models.JobParams{
				Dataset:  dataset,
				Revision: revision,
			},
			Priority:   priority,
			Difficulty: o.cfg.clampDifficulty(step.Difficulty + failedRuns*o.cfg.DifficultyBonusByFailedRuns),
		})
	}

	// Every other root job of the dataset goes: obsolete revisions,
	// duplicates, jobs for roots that are already done.
	pending, err := o.queue.PendingJobs(ctx, dataset)
	if err != nil {
		return fmt.Errorf("failed to list pending jobs: %w", err)
	}
	var jobIDsToDelete []string
	for _, job := range pending {
		if _, ok := rootTypes[job.Type]; !ok {
			continue
		}
		if _, ok := keptJobIDs[job.JobID]; ok {
			continue
		}
		jobIDsToDelete = append(jobIDsToDelete, job.JobID)
	}

	if len(jobIDsToDelete) > 0 {
		if err := o.queue.DeleteJobsByIDs(ctx, jobIDsToDelete); err != nil {
			return fmt.Errorf("failed to delete jobs: %w", err)
		}
	}
	if len(jobsToCreate) > 0 {
		if err := o.queue.CreateJobs(ctx, jobsToCreate); err != nil {
			return fmt.Errorf("failed to create jobs: %w", err)
		}
	}

	o.logger.Info().
		Str("dataset", dataset).
		Str("revision", revision).
		Int("created", len(jobsToCreate)).
		Int("deleted", len(jobIDsToDelete)).
		Msg("Revision set")
	return nil
}

// FinishJob stores the result of a finished job, triggers its children on
// success, and removes the job from the queue. A job whose lease was already
// revoked is dropped without touching the cache.
func (o *Orchestrator) FinishJob(ctx context.Context, result models.JobResult) error {
	jobID := result.JobInfo.JobID

	started, err := o.queue.IsJobStarted(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to check job status: %w", err)
	}
	if !started {
		o.logger.Warn().
			Str("job_id", jobID).
			Str("job_type", result.JobInfo.Type).
			Msg("Finished job is not started anymore, dropping its result")
		return nil
	}

	// A runner that crashed before producing output leaves the cache alone.
	if result.Output == nil {
		return o.queue.FinishJob(ctx, jobID)
	}

	entry, err := o.cache.Upsert(ctx, interfaces.UpsertParams{
		Kind:               result.JobInfo.Type,
		Dataset:            result.JobInfo.Params.Dataset,
		Config:             result.JobInfo.Params.Config,
		Split:              result.JobInfo.Params.Split,
		Content:            result.Output.Content,
		Details:            result.Output.Details,
		HTTPStatus:         result.Output.HTTPStatus,
		ErrorCode:          result.Output.ErrorCode,
		JobRunnerVersion:   result.JobRunnerVersion,
		DatasetGitRevision: result.JobInfo.Params.Revision,
		Progress:           result.Output.Progress,
	})
	if err != nil {
		return fmt.Errorf("failed to store job result: %w", err)
	}

	if result.IsSuccess {
		plan, err := NewAfterJobPlan(ctx, o.graph, o.queue, o.cache, o.logger, o.cfg, result.JobInfo, entry.FailedRuns)
		if err != nil {
			return fmt.Errorf("failed to plan children jobs: %w", err)
		}
		if err := plan.Run(ctx); err != nil {
			return err
		}
	}

	return o.queue.FinishJob(ctx, jobID)
}

// BackfillDataset computes and runs a backfill plan for the dataset at the
// given revision. The executed plan is returned for reporting.
func (o *Orchestrator) BackfillDataset(ctx context.Context, dataset, revision string, priority models.Priority) (*DatasetBackfillPlan, error) {
	plan, err := NewDatasetBackfillPlan(ctx, o.graph, o.queue, o.cache, o.logger, o.cfg, dataset, revision, priority)
	if err != nil {
		return nil, err
	}
	if err := plan.Run(ctx); err != nil {
		return nil, err
	}
	return plan, nil
}

// PlanDatasetBackfill computes a backfill plan without executing it.
func (o *Orchestrator) PlanDatasetBackfill(ctx context.Context, dataset, revision string, priority models.Priority) (*DatasetBackfillPlan, error) {
	return NewDatasetBackfillPlan(ctx, o.graph, o.queue, o.cache, o.logger, o.cfg, dataset, revision, priority)
}

// RemoveDataset deletes every job and cache entry of the dataset.
func (o *Orchestrator) RemoveDataset(ctx context.Context, dataset string) error {
	jobs, err := o.queue.DeleteDatasetJobs(ctx, dataset)
	if err != nil {
		return fmt.Errorf("failed to delete jobs: %w", err)
	}
	entries, err := o.cache.DeleteDataset(ctx, dataset)
	if err != nil {
		return fmt.Errorf("failed to delete cache entries: %w", err)
	}
	o.logger.Info().
		Str("dataset", dataset).
		Int("jobs", jobs).
		Int("entries", entries).
		Msg("Dataset removed")
	return nil
}

// HasPendingAncestorJobs reports whether any job of the named steps, or of
// any of their ancestors, is pending for the dataset. Runners use it to defer
// work whose inputs are about to change.
func (o *Orchestrator) HasPendingAncestorJobs(ctx context.Context, dataset string, stepNames []string) (bool, error) {
	types := make(map[string]struct{}, len(stepNames))
	for _, name := range stepNames {
		ancestors, err := o.graph.Ancestors(name)
		if err != nil {
			return false, err
		}
		types[name] = struct{}{}
		for _, ancestor := range ancestors {
			types[ancestor.Name] = struct{}{}
		}
	}
	if len(types) == 0 {
		return false, nil
	}
	jobTypes := make([]string, 0, len(types))
	for name := range types {
		jobTypes = append(jobTypes, name)
	}
	return o.queue.HasPendingJobs(ctx, dataset, jobTypes)
}
