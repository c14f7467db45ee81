// -----------------------------------------------------------------------
// After-job planner - enqueue the children of a freshly finished job
// -----------------------------------------------------------------------

package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/hubcache/internal/graph"
	"github.com/ternarybob/hubcache/internal/interfaces"
	"github.com/ternarybob/hubcache/internal/models"
	"github.com/ternarybob/hubcache/internal/state"
)

// configInfoKind carries the dataset size used for the big-dataset
// difficulty bonus.
const (
	configInfoKind   = "config-info"
	datasetInfoField = "dataset_info"
	datasetSizeField = "dataset_size"
)

// AfterJobPlan enqueues the direct children of a finished job. Fan-out to
// more specific input types enumerates the cached config and split names;
// fan-in to less specific types truncates the parameters.
type AfterJobPlan struct {
	FinishedJob models.JobInfo

	JobInfosToCreate []models.JobInfo
	JobIDsToDelete   []string

	queue  interfaces.QueueStorage
	logger arbor.ILogger
}

// NewAfterJobPlan computes the queue edits triggered by a finished job.
// failedRuns is the failed-runs counter of the entry the job just wrote; it
// raises the difficulty of the children so repeated failures drift to
// workers accepting harder jobs.
func NewAfterJobPlan(
	ctx context.Context,
	g *graph.ProcessingGraph,
	queue interfaces.QueueStorage,
	cache interfaces.CacheStorage,
	logger arbor.ILogger,
	cfg Config,
	finishedJob models.JobInfo,
	failedRuns int,
) (*AfterJobPlan, error) {
	cfg = cfg.withDefaults()
	plan := &AfterJobPlan{
		FinishedJob: finishedJob,
		queue:       queue,
		logger:      logger,
	}

	finishedStep, err := g.Step(finishedJob.Type)
	if err != nil {
		return nil, err
	}
	children, err := g.Children(finishedJob.Type)
	if err != nil {
		return nil, err
	}
	if len(children) == 0 {
		return plan, nil
	}

	dataset := finishedJob.Params.Dataset
	revision := finishedJob.Params.Revision

	big := false
	for _, child := range children {
		if child.BonusDifficultyIfDatasetIsBig > 0 {
			big = datasetIsBig(ctx, cache, g, dataset, finishedJob.Params.Config)
			break
		}
	}

	pending, err := queue.PendingJobs(ctx, dataset)
	if err != nil {
		return nil, err
	}
	pendingByTarget := make(map[string][]models.PendingJob)
	for _, job := range pending {
		key := targetKey(job.Type, job.Revision, job.Config, job.Split)
		pendingByTarget[key] = append(pendingByTarget[key], job)
	}

	for _, child := range children {
		targets, err := childTargets(ctx, cache, finishedStep, child, finishedJob.Params)
		if err != nil {
			return nil, err
		}
		difficulty := child.Difficulty
		if big {
			difficulty += child.BonusDifficultyIfDatasetIsBig
		}
		difficulty = cfg.clampDifficulty(difficulty + failedRuns*cfg.DifficultyBonusByFailedRuns)

		for _, target := range targets {
			key := targetKey(child.Name, revision, target.Config, target.Split)
			existing := pendingByTarget[key]
			if len(existing) > 0 {
				// One pending job per target is enough; duplicates go.
				for _, job := range existing[1:] {
					plan.JobIDsToDelete = append(plan.JobIDsToDelete, job.JobID)
				}
				continue
			}
			plan.JobInfosToCreate = append(plan.JobInfosToCreate, models.JobInfo{
				Type: child.Name,
				Params: models.JobParams{
					Dataset:  dataset,
					Revision: revision,
					Config:   target.Config,
					Split:    target.Split,
				},
				Priority:   finishedJob.Priority,
				Difficulty: difficulty,
			})
		}
	}

	sortJobInfos(plan.JobInfosToCreate)
	sort.Strings(plan.JobIDsToDelete)
	return plan, nil
}

// childTargets resolves the (config, split) coordinates a child step runs on,
// given the coordinates of the finished parent.
func childTargets(ctx context.Context, cache interfaces.CacheStorage, finished, child *graph.ProcessingStep, params models.JobParams) ([]models.JobParams, error) {
	finishedRank := finished.InputType.Rank()
	childRank := child.InputType.Rank()

	// Fan-in or same level: truncate the parent coordinates.
	if childRank <= finishedRank {
		target := models.JobParams{}
		if childRank >= models.InputTypeConfig.Rank() {
			target.Config = params.Config
		}
		if childRank >= models.InputTypeSplit.Rank() {
			target.Split = params.Split
		}
		return []models.JobParams{target}, nil
	}

	// Fan-out: enumerate the cached names of the next level(s).
	switch {
	case finished.InputType == models.InputTypeDataset && child.InputType == models.InputTypeConfig:
		configs, err := cache.FetchNames(ctx, params.Dataset, nil, state.DatasetConfigNamesKinds, "config_names", "config")
		if err != nil {
			return nil, err
		}
		targets := make([]models.JobParams, 0, len(configs))
		for i := range configs {
			targets = append(targets, models.JobParams{Config: &configs[i]})
		}
		return targets, nil

	case finished.InputType == models.InputTypeDataset && child.InputType == models.InputTypeSplit:
		configs, err := cache.FetchNames(ctx, params.Dataset, nil, state.DatasetConfigNamesKinds, "config_names", "config")
		if err != nil {
			return nil, err
		}
		var targets []models.JobParams
		for i := range configs {
			splits, err := cache.FetchNames(ctx, params.Dataset, &configs[i], state.ConfigSplitNamesKinds, "splits", "split")
			if err != nil {
				return nil, err
			}
			for j := range splits {
				targets = append(targets, models.JobParams{Config: &configs[i], Split: &splits[j]})
			}
		}
		return targets, nil

	case finished.InputType == models.InputTypeConfig && child.InputType == models.InputTypeSplit:
		if params.Config == nil {
			return nil, fmt.Errorf("config-scoped job %q has no config", finished.Name)
		}
		splits, err := cache.FetchNames(ctx, params.Dataset, params.Config, state.ConfigSplitNamesKinds, "splits", "split")
		if err != nil {
			return nil, err
		}
		targets := make([]models.JobParams, 0, len(splits))
		for i := range splits {
			targets = append(targets, models.JobParams{Config: params.Config, Split: &splits[i]})
		}
		return targets, nil
	}
	return nil, fmt.Errorf("unsupported fan-out from %q (%s) to %q (%s)", finished.Name, finished.InputType, child.Name, child.InputType)
}

// datasetIsBig reads the cached config-info entry and compares the dataset
// size against the graph threshold. Any miss or malformed content means
// not-big.
func datasetIsBig(ctx context.Context, cache interfaces.CacheStorage, g *graph.ProcessingGraph, dataset string, config *string) bool {
	entry, err := cache.Get(ctx, configInfoKind, dataset, config, nil)
	if err != nil || !entry.IsSuccess() {
		return false
	}
	info, ok := entry.Content[datasetInfoField].(map[string]interface{})
	if !ok {
		return false
	}
	var size int64
	switch v := info[datasetSizeField].(type) {
	case float64:
		size = int64(v)
	case int64:
		size = v
	case int:
		size = int64(v)
	default:
		return false
	}
	return size >= g.MinBytesForBonusDifficulty()
}

func targetKey(jobType, revision string, config, split *string) string {
	return strings.Join([]string{jobType, revision, deref(config), deref(split)}, "\x00")
}

// Tasks serializes the plan as counting tags, creations first.
func (p *AfterJobPlan) Tasks() []string {
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
func (p *AfterJobPlan) Run(ctx context.Context) error {
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
			Str("job_type", p.FinishedJob.Type).
			Str("dataset", p.FinishedJob.Params.Dataset).
			Int("created", len(p.JobInfosToCreate)).
			Int("deleted", len(p.JobIDsToDelete)).
			Msg("After-job plan executed")
	}
	return nil
}
