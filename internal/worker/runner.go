package worker

import (
	"context"

	"github.com/ternarybob/hubcache/internal/models"
)

// JobRunner computes one cache artifact kind. Implementations return their
// output even on failure so the error is cached with an http status; a
// returned error means the runner itself crashed.
type JobRunner interface {
	// Kind returns the step name / cache kind the runner serves.
	Kind() string

	// Version is stored with each entry and bumping it invalidates the
	// entries written by older runners.
	Version() int

	// Run computes the artifact for the job.
	Run(ctx context.Context, job models.JobInfo) (*models.JobOutput, error)
}

// RunnerFunc adapts a function to the JobRunner interface.
type RunnerFunc struct {
	JobKind    string
	JobVersion int
	Func       func(ctx context.Context, job models.JobInfo) (*models.JobOutput, error)
}

func (r RunnerFunc) Kind() string { return r.JobKind }

func (r RunnerFunc) Version() int { return r.JobVersion }

func (r RunnerFunc) Run(ctx context.Context, job models.JobInfo) (*models.JobOutput, error) {
	return r.Func(ctx, job)
}
