// -----------------------------------------------------------------------
// Queue job types - immutable descriptions of queued and finished work
// -----------------------------------------------------------------------

package models

import (
	"time"

	"github.com/google/uuid"
)

// Priority of a queued job. Selection always prefers higher priorities.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Rank returns the numeric ordering of the priority (higher wins).
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// Status of a queued job. Finished jobs are deleted, not kept.
type Status string

const (
	StatusWaiting Status = "waiting"
	StatusStarted Status = "started"
)

// InputType is the scope of a processing step: dataset, config or split.
type InputType string

const (
	InputTypeDataset InputType = "dataset"
	InputTypeConfig  InputType = "config"
	InputTypeSplit   InputType = "split"
)

// Rank returns the specificity of the input type (dataset < config < split).
func (t InputType) Rank() int {
	switch t {
	case InputTypeSplit:
		return 2
	case InputTypeConfig:
		return 1
	default:
		return 0
	}
}

// JobParams identify the input of a job: a dataset at a revision, optionally
// narrowed to a config and a split.
type JobParams struct {
	Dataset  string  `json:"dataset"`
	Revision string  `json:"revision"`
	Config   *string `json:"config"`
	Split    *string `json:"split"`
}

// JobInfo is the immutable description of a queued job, as handed to workers.
type JobInfo struct {
	JobID      string    `json:"job_id"`
	Type       string    `json:"type"`
	Params     JobParams `json:"params"`
	Priority   Priority  `json:"priority"`
	Difficulty int       `json:"difficulty"`
}

// JobOutput is what a job runner produced: an opaque content payload plus the
// HTTP-style status that will be served back to clients verbatim.
type JobOutput struct {
	Content    map[string]interface{} `json:"content"`
	HTTPStatus int                    `json:"http_status"`
	ErrorCode  *string                `json:"error_code"`
	Details    map[string]interface{} `json:"details"`
	Progress   *float64               `json:"progress"`
}

// JobResult is published by workers when a job finishes, success or not.
// A failed runner still reports a JobResult with a non-OK HTTPStatus so that
// failed_runs accounting stays uniform.
type JobResult struct {
	JobInfo          JobInfo    `json:"job_info"`
	JobRunnerVersion int        `json:"job_runner_version"`
	IsSuccess        bool       `json:"is_success"`
	Output           *JobOutput `json:"output"`
}

// NewJobID generates a unique job ID with the "job_" prefix.
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// PendingJob is one row of the pending-jobs view used by the planners.
type PendingJob struct {
	JobID      string    `json:"job_id"`
	Type       string    `json:"type"`
	Dataset    string    `json:"dataset"`
	Revision   string    `json:"revision"`
	Config     *string   `json:"config"`
	Split      *string   `json:"split"`
	Priority   Priority  `json:"priority"`
	Difficulty int       `json:"difficulty"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// Info converts the pending row back to the JobInfo handed to workers.
func (p *PendingJob) Info() JobInfo {
	return JobInfo{
		JobID: p.JobID,
		Type:  p.Type,
		Params: JobParams{
			Dataset:  p.Dataset,
			Revision: p.Revision,
			Config:   p.Config,
			Split:    p.Split,
		},
		Priority:   p.Priority,
		Difficulty: p.Difficulty,
	}
}
