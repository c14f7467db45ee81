// -----------------------------------------------------------------------
// State assembly - per-artifact cache/job state for one dataset revision
// -----------------------------------------------------------------------

package state

import (
	"context"

	"github.com/ternarybob/hubcache/internal/graph"
	"github.com/ternarybob/hubcache/internal/interfaces"
	"github.com/ternarybob/hubcache/internal/models"
)

// Discovery kinds: the cache kinds whose content enumerates the next level
// of the dataset tree. Names are read from the best cached response even if
// that response belongs to another revision, so fan-out stays responsive
// while upstream catches up.
var (
	DatasetConfigNamesKinds = []string{"dataset-config-names"}
	ConfigSplitNamesKinds   = []string{"config-split-names-from-info", "config-split-names-from-streaming"}
)

// RetryPolicy parameterizes the error-to-retry classification.
type RetryPolicy struct {
	MaxFailedRuns     int
	ErrorCodesToRetry []string
}

// Retryable reports whether the error code is configured as transient.
func (p RetryPolicy) Retryable(errorCode *string) bool {
	if errorCode == nil {
		return false
	}
	for _, code := range p.ErrorCodesToRetry {
		if code == *errorCode {
			return true
		}
	}
	return false
}

// CacheState is the cache-side view of one artifact.
type CacheState struct {
	Kind             string
	JobRunnerVersion int
	Metadata         *models.CacheEntryMetadata
	retry            RetryPolicy
}

// Exists reports whether a cache entry exists for the artifact.
func (c *CacheState) Exists() bool {
	return c.Metadata != nil
}

// IsEmpty reports the absence of any cache entry.
func (c *CacheState) IsEmpty() bool {
	return c.Metadata == nil
}

// IsSuccess reports a cached successful response.
func (c *CacheState) IsSuccess() bool {
	return c.Metadata != nil && c.Metadata.HTTPStatus < 400
}

// IsErrorToRetry reports a cached transient error that has not exhausted its
// retry budget.
func (c *CacheState) IsErrorToRetry() bool {
	return c.Metadata != nil &&
		c.Metadata.HTTPStatus >= 400 &&
		c.retry.Retryable(c.Metadata.ErrorCode) &&
		c.Metadata.FailedRuns < c.retry.MaxFailedRuns
}

// IsGitRevisionDifferentFrom reports a cached response for another revision.
// A missing entry counts as different.
func (c *CacheState) IsGitRevisionDifferentFrom(revision string) bool {
	return c.Metadata == nil || c.Metadata.DatasetGitRevision != revision
}

// IsJobRunnerObsolete reports a cached response produced by an older job
// runner version. A missing version counts as obsolete.
func (c *CacheState) IsJobRunnerObsolete() bool {
	if c.Metadata == nil {
		return false
	}
	if c.Metadata.JobRunnerVersion == nil {
		return true
	}
	return *c.Metadata.JobRunnerVersion < c.JobRunnerVersion
}

// IsOlderThan reports whether this entry was written before the other one.
// Missing entries on either side compare as not-older.
func (c *CacheState) IsOlderThan(other *CacheState) bool {
	if c.Metadata == nil || other.Metadata == nil {
		return false
	}
	return c.Metadata.UpdatedAt.Before(other.Metadata.UpdatedAt)
}

// JobState is the queue-side view of one artifact.
type JobState struct {
	PendingJobs []models.PendingJob
	IsInProcess bool
}

// ArtifactState combines the cache and queue views of one artifact.
type ArtifactState struct {
	Step     *graph.ProcessingStep
	Dataset  string
	Revision string
	Config   *string
	Split    *string

	JobState   JobState
	CacheState CacheState
}

// ID returns the canonical artifact id.
func (a *ArtifactState) ID() string {
	return models.ArtifactID(a.Step.Name, a.Dataset, a.Revision, a.Config, a.Split)
}

// SplitState holds the split-scoped artifact states of one split.
type SplitState struct {
	Dataset  string
	Revision string
	Config   string
	Split    string

	ArtifactStateByStep map[string]*ArtifactState
}

// ConfigState holds the config-scoped artifact states of one config and
// recurses into its splits, discovered from the cached split-names response.
type ConfigState struct {
	Dataset  string
	Revision string
	Config   string

	SplitNames          []string
	SplitStates         []*SplitState
	ArtifactStateByStep map[string]*ArtifactState
}

// DatasetState is the full dataset tree: dataset-scoped artifacts, plus one
// ConfigState per discovered config.
type DatasetState struct {
	Dataset  string
	Revision string

	ConfigNames         []string
	ConfigStates        []*ConfigState
	ArtifactStateByStep map[string]*ArtifactState
}

// Assembler builds dataset state trees from the queue and cache stores.
type Assembler struct {
	Graph *graph.ProcessingGraph
	Queue interfaces.QueueStorage
	Cache interfaces.CacheStorage
	Retry RetryPolicy
}

// DatasetState loads the pending jobs and cache entries of the dataset and
// assembles the full tree for the given revision. ArtifactStates are always
// recomputed from scratch, never persisted.
func (a *Assembler) DatasetState(ctx context.Context, dataset, revision string) (*DatasetState, error) {
	pendingJobs, err := a.Queue.PendingJobs(ctx, dataset)
	if err != nil {
		return nil, err
	}
	cacheEntries, err := a.Cache.EntriesForDataset(ctx, dataset)
	if err != nil {
		return nil, err
	}
	return a.assemble(ctx, dataset, revision, pendingJobs, cacheEntries, a.Graph.InputTypeSteps(models.InputTypeDataset), true)
}

// FirstStepsDatasetState assembles only the graph's root artifacts, without
// recursing into configs. Used by set-revision.
func (a *Assembler) FirstStepsDatasetState(ctx context.Context, dataset, revision string) (*DatasetState, error) {
	pendingJobs, err := a.Queue.PendingJobs(ctx, dataset)
	if err != nil {
		return nil, err
	}
	cacheEntries, err := a.Cache.EntriesForDataset(ctx, dataset)
	if err != nil {
		return nil, err
	}
	return a.assemble(ctx, dataset, revision, pendingJobs, cacheEntries, a.Graph.FirstSteps(), false)
}

func (a *Assembler) assemble(ctx context.Context, dataset, revision string, pendingJobs []models.PendingJob, cacheEntries []models.CacheEntry, datasetSteps []*graph.ProcessingStep, recurse bool) (*DatasetState, error) {
	ds := &DatasetState{
		Dataset:             dataset,
		Revision:            revision,
		ConfigNames:         []string{},
		ArtifactStateByStep: make(map[string]*ArtifactState, len(datasetSteps)),
	}

	for _, step := range datasetSteps {
		ds.ArtifactStateByStep[step.Name] = a.artifactState(step, dataset, revision, nil, nil, pendingJobs, cacheEntries)
	}
	if !recurse {
		return ds, nil
	}

	configNames, err := a.Cache.FetchNames(ctx, dataset, nil, DatasetConfigNamesKinds, "config_names", "config")
	if err != nil {
		return nil, err
	}
	ds.ConfigNames = configNames

	configSteps := a.Graph.InputTypeSteps(models.InputTypeConfig)
	splitSteps := a.Graph.InputTypeSteps(models.InputTypeSplit)

	for i := range configNames {
		configName := configNames[i]
		cs := &ConfigState{
			Dataset:             dataset,
			Revision:            revision,
			Config:              configName,
			SplitNames:          []string{},
			ArtifactStateByStep: make(map[string]*ArtifactState, len(configSteps)),
		}
		for _, step := range configSteps {
			cs.ArtifactStateByStep[step.Name] = a.artifactState(step, dataset, revision, &configName, nil, pendingJobs, cacheEntries)
		}

		splitNames, err := a.Cache.FetchNames(ctx, dataset, &configName, ConfigSplitNamesKinds, "splits", "split")
		if err != nil {
			return nil, err
		}
		cs.SplitNames = splitNames

		for j := range splitNames {
			splitName := splitNames[j]
			ss := &SplitState{
				Dataset:             dataset,
				Revision:            revision,
				Config:              configName,
				Split:               splitName,
				ArtifactStateByStep: make(map[string]*ArtifactState, len(splitSteps)),
			}
			for _, step := range splitSteps {
				ss.ArtifactStateByStep[step.Name] = a.artifactState(step, dataset, revision, &configName, &splitName, pendingJobs, cacheEntries)
			}
			cs.SplitStates = append(cs.SplitStates, ss)
		}
		ds.ConfigStates = append(ds.ConfigStates, cs)
	}
	return ds, nil
}

func (a *Assembler) artifactState(step *graph.ProcessingStep, dataset, revision string, config, split *string, pendingJobs []models.PendingJob, cacheEntries []models.CacheEntry) *ArtifactState {
	state := &ArtifactState{
		Step:     step,
		Dataset:  dataset,
		Revision: revision,
		Config:   config,
		Split:    split,
		CacheState: CacheState{
			Kind:             step.Name,
			JobRunnerVersion: step.JobRunnerVersion,
			retry:            a.Retry,
		},
	}

	for _, job := range pendingJobs {
		if job.Type == step.Name && job.Revision == revision &&
			equalName(job.Config, config) && equalName(job.Split, split) {
			state.JobState.PendingJobs = append(state.JobState.PendingJobs, job)
		}
	}
	state.JobState.IsInProcess = len(state.JobState.PendingJobs) > 0

	for i := range cacheEntries {
		entry := &cacheEntries[i]
		if entry.Kind == step.Name && equalName(entry.Config, config) && equalName(entry.Split, split) {
			metadata := entry.Metadata()
			state.CacheState.Metadata = &metadata
			break
		}
	}
	return state
}

// ArtifactStatesForStep returns every artifact state of the step across the
// tree: one for a dataset step, one per config for a config step, one per
// split for a split step.
func (s *DatasetState) ArtifactStatesForStep(step *graph.ProcessingStep) []*ArtifactState {
	switch step.InputType {
	case models.InputTypeDataset:
		if state, ok := s.ArtifactStateByStep[step.Name]; ok {
			return []*ArtifactState{state}
		}
	case models.InputTypeConfig:
		var states []*ArtifactState
		for _, cs := range s.ConfigStates {
			if state, ok := cs.ArtifactStateByStep[step.Name]; ok {
				states = append(states, state)
			}
		}
		return states
	case models.InputTypeSplit:
		var states []*ArtifactState
		for _, cs := range s.ConfigStates {
			for _, ss := range cs.SplitStates {
				if state, ok := ss.ArtifactStateByStep[step.Name]; ok {
					states = append(states, state)
				}
			}
		}
		return states
	}
	return nil
}

// AllArtifactStates returns every artifact state of the tree.
func (s *DatasetState) AllArtifactStates() []*ArtifactState {
	var states []*ArtifactState
	for _, state := range s.ArtifactStateByStep {
		states = append(states, state)
	}
	for _, cs := range s.ConfigStates {
		for _, state := range cs.ArtifactStateByStep {
			states = append(states, state)
		}
		for _, ss := range cs.SplitStates {
			for _, state := range ss.ArtifactStateByStep {
				states = append(states, state)
			}
		}
	}
	return states
}

func equalName(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
