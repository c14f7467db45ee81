package orchestrator

import "github.com/ternarybob/hubcache/internal/state"

const (
	// DefaultMaxFailedRuns is the retry budget of a transient error.
	DefaultMaxFailedRuns = 3

	// DefaultDifficultyBonusByFailedRuns is added per failed run so retries
	// drift towards off-peak workers.
	DefaultDifficultyBonusByFailedRuns = 20

	// DefaultDifficultyMax caps every computed difficulty.
	DefaultDifficultyMax = 100
)

// DefaultErrorCodesToRetry lists the error codes treated as transient.
func DefaultErrorCodesToRetry() []string {
	return []string{
		"CreateCommitError",
		"ExternalServerError",
		"JobManagerCrashedError",
		"LockedDatasetTimeoutError",
		"StreamingRowsError",
	}
}

// Config tunes the planners. Zero values fall back to the defaults above.
type Config struct {
	MaxFailedRuns               int
	ErrorCodesToRetry           []string
	DifficultyBonusByFailedRuns int
	DifficultyMax               int
}

// DefaultConfig returns the production planner configuration.
func DefaultConfig() Config {
	return Config{
		MaxFailedRuns:               DefaultMaxFailedRuns,
		ErrorCodesToRetry:           DefaultErrorCodesToRetry(),
		DifficultyBonusByFailedRuns: DefaultDifficultyBonusByFailedRuns,
		DifficultyMax:               DefaultDifficultyMax,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxFailedRuns == 0 {
		c.MaxFailedRuns = DefaultMaxFailedRuns
	}
	if c.ErrorCodesToRetry == nil {
		c.ErrorCodesToRetry = DefaultErrorCodesToRetry()
	}
	if c.DifficultyBonusByFailedRuns == 0 {
		c.DifficultyBonusByFailedRuns = DefaultDifficultyBonusByFailedRuns
	}
	if c.DifficultyMax == 0 {
		c.DifficultyMax = DefaultDifficultyMax
	}
	return c
}

func (c Config) retryPolicy() state.RetryPolicy {
	return state.RetryPolicy{
		MaxFailedRuns:     c.MaxFailedRuns,
		ErrorCodesToRetry: c.ErrorCodesToRetry,
	}
}

func (c Config) clampDifficulty(difficulty int) int {
	if difficulty > c.DifficultyMax {
		return c.DifficultyMax
	}
	if difficulty < 0 {
		return 0
	}
	return difficulty
}
