// -----------------------------------------------------------------------
// Backfill planner - reconcile graph + cache + queue into queue edits
// -----------------------------------------------------------------------

package orchestrator

import (
	"context"
	"fmt"
	"sort"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/hubcache/internal/graph"
	"github.com/ternarybob/hubcache/internal/interfaces"
	"github.com/ternarybob/hubcache/internal/models"
	"github.com/ternarybob/hubcache/internal/state"
)

// CacheStatus classifies one artifact against the current revision.
type CacheStatus string

const (
	CacheStatusUpToDate             CacheStatus = "up_to_date"
	CacheStatusEmpty                CacheStatus = "cache_is_empty"
	CacheStatusErrorToRetry         CacheStatus = "cache_is_error_to_retry"
	CacheStatusJobRunnerObsolete    CacheStatus = "cache_is_job_runner_obsolete"
	CacheStatusDifferentGitRevision CacheStatus = "cache_has_different_git_revision"
	CacheStatusOutdatedByParent     CacheStatus = "cache_is_outdated_by_parent"
)

// CacheStatusBuckets groups artifact ids by classification.
type CacheStatusBuckets struct {
	CacheHasDifferentGitRevision []string
	CacheIsOutdatedByParent      []string
	CacheIsEmpty                 []string
	CacheIsErrorToRetry          []string
	CacheIsJobRunnerObsolete     []string
	UpToDate                     []string
}

func (b *CacheStatusBuckets) add(status CacheStatus, artifactID string) {
	switch status {
	case CacheStatusEmpty:
		b.CacheIsEmpty = append(b.CacheIsEmpty, artifactID)
	case CacheStatusErrorToRetry:
		b.CacheIsErrorToRetry = append(b.CacheIsErrorToRetry, artifactID)
	case CacheStatusJobRunnerObsolete:
		b.CacheIsJobRunnerObsolete = append(b.CacheIsJobRunnerObsolete, artifactID)
	case CacheStatusDifferentGitRevision:
		b.CacheHasDifferentGitRevision = append(b.CacheHasDifferentGitRevision, artifactID)
	case CacheStatusOutdatedByParent:
		b.CacheIsOutdatedByParent = append(b.CacheIsOutdatedByParent, artifactID)
	default:
		b.UpToDate = append(b.UpToDate, artifactID)
	}
}

func (b *CacheStatusBuckets) sortAll() {
	sort.Strings(b.CacheHasDifferentGitRevision)
	sort.Strings(b.CacheIsOutdatedByParent)
	sort.Strings(b.CacheIsEmpty)
	sort.Strings(b.CacheIsErrorToRetry)
	sort.Strings(b.CacheIsJobRunnerObsolete)
	sort.Strings(b.UpToDate)
}

// QueueStatus lists the artifacts with at least one pending job.
type QueueStatus struct {
	InProcess []string
}

// DatasetBackfillPlan is the minimal set of queue edits bringing every
// artifact of a dataset up to date with its revision.
type DatasetBackfillPlan struct {
	Dataset  string
	Revision string

	CacheStatus CacheStatusBuckets
	QueueStatus QueueStatus

	JobInfosToCreate []models.JobInfo
	JobIDsToDelete   []string

	queue  interfaces.QueueStorage
	logger arbor.ILogger
}

// NewDatasetBackfillPlan assembles the dataset state and diffs it against
// the processing graph. The plan is not executed until Run is called.
func NewDatasetBackfillPlan(
	ctx context.Context,
	g *graph.ProcessingGraph,
	queue interfaces.QueueStorage,
	cache interfaces.CacheStorage,
	logger arbor.ILogger,
	cfg Config,
	dataset string,
	revision string,
	priority models.Priority,
) (*DatasetBackfillPlan, error) {
	cfg = cfg.withDefaults()
	assembler := &state.Assembler{Graph: g, Queue: queue, Cache: cache, Retry: cfg.retryPolicy()}
	datasetState, err := assembler.DatasetState(ctx, dataset, revision)
	if err != nil {
		return nil, fmt.Errorf("failed to assemble dataset state: %w", err)
	}

	plan := &DatasetBackfillPlan{
		Dataset:  dataset,
		Revision: revision,
		queue:    queue,
		logger:   logger,
	}

	// Parent artifact states for the outdated-by-parent check. They are
	// scoped to each artifact's own lineage below: config1 never goes stale
	// because config2 drained later.
	statuses := make(map[*state.ArtifactState]CacheStatus)
	for _, step := range g.TopologicalSteps() {
		parentSteps, err := g.Parents(step.Name)
		if err != nil {
			return nil, err
		}
		var parentStates []*state.ArtifactState
		for _, parent := range parentSteps {
			parentStates = append(parentStates, datasetState.ArtifactStatesForStep(parent)...)
		}
		for _, artifact := range datasetState.ArtifactStatesForStep(step) {
			status := classify(artifact, lineageParents(artifact, parentStates), revision)
			statuses[artifact] = status
			plan.CacheStatus.add(status, artifact.ID())
			if artifact.JobState.IsInProcess {
				plan.QueueStatus.InProcess = append(plan.QueueStatus.InProcess, artifact.ID())
			}
		}
	}
	plan.CacheStatus.sortAll()
	sort.Strings(plan.QueueStatus.InProcess)

	// One WAITING job per artifact that needs work; none for the rest.
	knownJobIDs := make(map[string]struct{})
	for artifact, status := range statuses {
		pending := artifact.JobState.PendingJobs
		for _, job := range pending {
			knownJobIDs[job.JobID] = struct{}{}
		}
		if status == CacheStatusUpToDate {
			for _, job := range pending {
				plan.JobIDsToDelete = append(plan.JobIDsToDelete, job.JobID)
			}
			continue
		}
		if len(pending) == 0 {
			failedRuns := 0
			if artifact.CacheState.Metadata != nil {
				failedRuns = artifact.CacheState.Metadata.FailedRuns
			}
			plan.JobInfosToCreate = append(plan.JobInfosToCreate, models.JobInfo{
				Type: artifact.Step.Name,
				Params: models.JobParams{
					Dataset:  dataset,
					Revision: revision,
					Config:   artifact.Config,
					Split:    artifact.Split,
				},
				Priority:   priority,
				Difficulty: cfg.clampDifficulty(artifact.Step.Difficulty + failedRuns*cfg.DifficultyBonusByFailedRuns),
			})
			continue
		}
		// Keep the oldest pending job, drop the duplicates.
		for _, job := range pending[1:] {
			plan.JobIDsToDelete = append(plan.JobIDsToDelete, job.JobID)
		}
	}

	// Jobs that no longer map to any artifact of the current revision
	// (obsolete revisions, vanished configs or splits) are deleted.
	allPending, err := queue.PendingJobs(ctx, dataset)
	if err != nil {
		return nil, err
	}
	for _, job := range allPending {
		if _, ok := knownJobIDs[job.JobID]; !ok {
			plan.JobIDsToDelete = append(plan.JobIDsToDelete, job.JobID)
		}
	}

	sortJobInfos(plan.JobInfosToCreate)
	sort.Strings(plan.JobIDsToDelete)
	return plan, nil
}

// lineageParents keeps the parent states on the artifact's own branch of the
// tree. A coordinate is only compared when both sides carry one, so
// dataset-scoped parents apply everywhere and fan-in parents roll up across
// the whole subtree below the artifact.
func lineageParents(artifact *state.ArtifactState, parents []*state.ArtifactState) []*state.ArtifactState {
	var kept []*state.ArtifactState
	for _, parent := range parents {
		if artifact.Config != nil && parent.Config != nil && *artifact.Config != *parent.Config {
			continue
		}
		if artifact.Split != nil && parent.Split != nil && *artifact.Split != *parent.Split {
			continue
		}
		kept = append(kept, parent)
	}
	return kept
}

// classify buckets one artifact. A permanent error for the current revision
// ends up as up-to-date: its retry budget is exhausted and a new job would
// change nothing.
func classify(artifact *state.ArtifactState, parents []*state.ArtifactState, revision string) CacheStatus {
	cache := &artifact.CacheState
	switch {
	case cache.IsEmpty():
		return CacheStatusEmpty
	case cache.IsErrorToRetry():
		return CacheStatusErrorToRetry
	case cache.IsJobRunnerObsolete():
		return CacheStatusJobRunnerObsolete
	case cache.IsGitRevisionDifferentFrom(revision):
		return CacheStatusDifferentGitRevision
	}
	for _, parent := range parents {
		if cache.IsOlderThan(&parent.CacheState) {
			return CacheStatusOutdatedByParent
		}
	}
	return CacheStatusUpToDate
}

// Tasks serializes the plan as counting tags, creations first.
func (p *DatasetBackfillPlan) Tasks() []string {
	var tasks []string
	if len(p.JobInfosToCreate) > 0 {
		tasks = append(tasks, fmt.Sprintf("CreateJobs,%d", len(p.JobInfosToCreate)))
	}
	if len(p.JobIDsToDelete) > 0 {
		tasks = append(tasks, fmt.Sprintf("DeleteJobs,%d", len(p.JobIDsToDelete)))
	}
	return tasks
}

// Run executes the plan against the queue.
func (p *DatasetBackfillPlan) Run(ctx context.Context) error {
	if len(p.JobIDsToDelete) > 0 {
		if err := p.queue.DeleteJobsByIDs(ctx, p.JobIDsToDelete); err != nil {
			return fmt.Errorf("failed to delete jobs: %w", err)
		}
	}
	if len(p.JobInfosToCreate) > 0 {
		if err := p.queue.CreateJobs(ctx, p.JobInfosToCreate); err != nil {
			return fmt.Errorf("failed to create jobs: %w", err)
		}
	}
	if p.logger != nil {
		p.logger.Debug().
			Str("dataset", p.Dataset).
			Str("revision", p.Revision).
			Int("created", len(p.JobInfosToCreate)).
			Int("deleted", len(p.JobIDsToDelete)).
			Msg("Backfill plan executed")
	}
	return nil
}

func sortJobInfos(jobs []models.JobInfo) {
	sort.Slice(jobs, func(i, j int) bool {
		a := jobs[i]
		b := jobs[j]
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if ac, bc := deref(a.Params.Config), deref(b.Params.Config); ac != bc {
			return ac < bc
		}
		return deref(a.Params.Split) < deref(b.Params.Split)
	})
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
