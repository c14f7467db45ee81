package models

import "errors"

// ErrEmptyQueue is returned by StartJob when no job is eligible.
// Expected in normal operation: worker loops idle-wait on it.
var ErrEmptyQueue = errors.New("no jobs available in queue")

// ErrJobNotFound is returned when a job id does not resolve to a queue row.
var ErrJobNotFound = errors.New("job not found")

// ErrCacheEntryNotFound is returned on a cache miss. It is a control-flow
// signal, never logged as an error.
var ErrCacheEntryNotFound = errors.New("cache entry does not exist")

// ErrLockTimeout is returned when a branch lock could not be acquired within
// its retry schedule. Retryable: a later backfill pass picks the work up.
var ErrLockTimeout = errors.New("dataset lock timed out")

// ErrUnknownStep is returned when a step name does not exist in the
// processing graph.
var ErrUnknownStep = errors.New("unknown processing step")
