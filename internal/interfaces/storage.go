package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/hubcache/internal/models"
)

// StartJobOptions narrows the selection made by StartJob.
type StartJobOptions struct {
	// JobTypesOnly restricts selection to the given types when non-empty.
	JobTypesOnly []string
	// JobTypesBlocked excludes the given types when non-empty.
	JobTypesBlocked []string
	// Owner identifies the worker taking the lease.
	Owner string
}

// QueueStorage - durable job queue keyed by (type, dataset, revision, config, split)
type QueueStorage interface {
	// AddJob creates a WAITING job unless one already exists for the key.
	AddJob(ctx context.Context, jobType, dataset, revision string, config, split *string, priority models.Priority, difficulty int) error

	// CreateJobs batch-adds jobs. Duplicates within the batch and against
	// existing WAITING rows collapse to one.
	CreateJobs(ctx context.Context, jobs []models.JobInfo) error

	// DeleteJobsByIDs removes jobs regardless of status.
	DeleteJobsByIDs(ctx context.Context, jobIDs []string) error

	// DeleteDatasetJobs removes every job of a dataset. Returns the count.
	DeleteDatasetJobs(ctx context.Context, dataset string) (int, error)

	// PendingJobs returns WAITING and STARTED jobs, optionally filtered by
	// dataset (empty string means all datasets).
	PendingJobs(ctx context.Context, dataset string) ([]models.PendingJob, error)

	// StartJob atomically picks one eligible WAITING job and marks it
	// STARTED. Returns models.ErrEmptyQueue when none is eligible.
	StartJob(ctx context.Context, opts StartJobOptions) (models.JobInfo, error)

	// IsJobStarted reports whether the job exists and is STARTED.
	IsJobStarted(ctx context.Context, jobID string) (bool, error)

	// FinishJob deletes the job row.
	FinishJob(ctx context.Context, jobID string) error

	// Heartbeat refreshes the lease of a STARTED job.
	Heartbeat(ctx context.Context, jobID string) error

	// SweepExpiredLeases returns STARTED jobs with stale heartbeats to
	// WAITING. Returns the number of recovered jobs.
	SweepExpiredLeases(ctx context.Context, ttl time.Duration) (int, error)

	// HasPendingJobs reports whether any pending job of the given types
	// exists for the dataset.
	HasPendingJobs(ctx context.Context, dataset string, jobTypes []string) (bool, error)

	// CountJobsByStatus returns pending-job counts keyed by type and status.
	CountJobsByStatus(ctx context.Context) (map[string]map[models.Status]int, error)
}

// UpsertParams are the inputs of a cache upsert; failed_runs is computed by
// the store, not supplied.
type UpsertParams struct {
	Kind    string
	Dataset string
	Config  *string
	Split   *string

	Content            map[string]interface{}
	Details            map[string]interface{}
	HTTPStatus         int
	ErrorCode          *string
	JobRunnerVersion   int
	DatasetGitRevision string
	Progress           *float64
}

// CacheStorage - durable artifact results keyed by (kind, dataset, config, split)
type CacheStorage interface {
	// Upsert atomically replaces or inserts the entry and returns it with
	// the computed failed_runs.
	Upsert(ctx context.Context, params UpsertParams) (*models.CacheEntry, error)

	// Get returns the entry, or models.ErrCacheEntryNotFound.
	Get(ctx context.Context, kind, dataset string, config, split *string) (*models.CacheEntry, error)

	// BestEntry returns, among the given kinds, the first successful entry
	// in kind order; otherwise the highest-status error entry (ties broken
	// by kind order); otherwise models.ErrCacheEntryNotFound.
	BestEntry(ctx context.Context, kinds []string, dataset string, config, split *string) (*models.CacheEntry, error)

	// FetchNames extracts content[namesField][*][nameField] from the best
	// entry of the given kinds, deduplicated in order. A miss or a content
	// without the expected shape yields an empty list, not an error.
	FetchNames(ctx context.Context, dataset string, config *string, kinds []string, namesField, nameField string) ([]string, error)

	// EntriesForDataset returns every cache entry of the dataset.
	EntriesForDataset(ctx context.Context, dataset string) ([]models.CacheEntry, error)

	// HasSome reports whether the dataset has any cache entry.
	HasSome(ctx context.Context, dataset string) (bool, error)

	// DeleteDataset removes every cache entry of the dataset. Returns the count.
	DeleteDataset(ctx context.Context, dataset string) (int, error)

	// CountEntriesByKindAndStatus returns entry counts keyed by kind and
	// http status.
	CountEntriesByKindAndStatus(ctx context.Context) (map[string]map[int]int, error)
}

// LockStorage - cooperative persistent named locks with owner CAS
type LockStorage interface {
	// AcquireBranchLock takes the lock named after (dataset, branch) for the
	// owner, retrying with the given sleep schedule. Returns
	// models.ErrLockTimeout after exhausting the schedule.
	AcquireBranchLock(ctx context.Context, dataset, branch, owner string, sleeps []time.Duration) error

	// ReleaseLock releases the lock if held by the owner.
	ReleaseLock(ctx context.Context, dataset, branch, owner string) error
}
