// -----------------------------------------------------------------------
// Cached response types - one durable entry per (kind, dataset, config, split)
// -----------------------------------------------------------------------

package models

import "time"

// CacheEntry is the authoritative cached result of one artifact.
// At most one entry exists per (kind, dataset, config, split); writes are
// pure upserts by key.
type CacheEntry struct {
	Kind    string  `json:"kind"`
	Dataset string  `json:"dataset"`
	Config  *string `json:"config"`
	Split   *string `json:"split"`

	Content map[string]interface{} `json:"content"`
	Details map[string]interface{} `json:"details"`

	HTTPStatus         int      `json:"http_status"`
	ErrorCode          *string  `json:"error_code"`
	JobRunnerVersion   *int     `json:"job_runner_version"`
	DatasetGitRevision string   `json:"dataset_git_revision"`
	Progress           *float64 `json:"progress"`

	// FailedRuns counts consecutive error results for the same revision.
	// Reset to zero by any success or any revision change.
	FailedRuns int `json:"failed_runs"`

	UpdatedAt time.Time `json:"updated_at"`
}

// IsSuccess reports whether the entry holds a successful response.
func (e *CacheEntry) IsSuccess() bool {
	return e.HTTPStatus < 400
}

// Metadata projects the entry onto the fields the planners classify on,
// leaving the content payload behind.
func (e *CacheEntry) Metadata() CacheEntryMetadata {
	return CacheEntryMetadata{
		HTTPStatus:         e.HTTPStatus,
		ErrorCode:          e.ErrorCode,
		JobRunnerVersion:   e.JobRunnerVersion,
		DatasetGitRevision: e.DatasetGitRevision,
		Progress:           e.Progress,
		FailedRuns:         e.FailedRuns,
		UpdatedAt:          e.UpdatedAt,
	}
}

// CacheEntryMetadata is the content-free projection of a cache entry.
type CacheEntryMetadata struct {
	HTTPStatus         int       `json:"http_status"`
	ErrorCode          *string   `json:"error_code"`
	JobRunnerVersion   *int      `json:"job_runner_version"`
	DatasetGitRevision string    `json:"dataset_git_revision"`
	Progress           *float64  `json:"progress"`
	FailedRuns         int       `json:"failed_runs"`
	UpdatedAt          time.Time `json:"updated_at"`
}
