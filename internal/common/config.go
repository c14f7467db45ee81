package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment  string             `toml:"environment"` // "development" or "production"
	Storage      StorageConfig      `toml:"storage"`
	Logging      LoggingConfig      `toml:"logging"`
	Queue        QueueConfig        `toml:"queue"`
	Worker       WorkerConfig       `toml:"worker"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Scheduler    SchedulerConfig    `toml:"scheduler"`
	Hub          HubConfig          `toml:"hub"`
	Graph        GraphConfig        `toml:"graph"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Format     string   `toml:"format"`      // "json" or "text"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05.000")
}

// QueueConfig tunes the job lease lifecycle.
type QueueConfig struct {
	LeaseTTL          string `toml:"lease_ttl"`          // e.g., "10m" - a started job without a heartbeat for this long is returned to waiting
	HeartbeatInterval string `toml:"heartbeat_interval"` // e.g., "1m" - how often workers refresh their lease
}

// WorkerConfig tunes the job-polling loop.
type WorkerConfig struct {
	PollInterval         string   `toml:"poll_interval"`           // e.g., "2s" - how often to poll when the queue is empty
	Concurrency          int      `toml:"concurrency"`             // Number of concurrent workers
	JobTypesOnly         []string `toml:"job_types_only"`          // Restrict workers to these job types (empty = all)
	JobTypesBlocked      []string `toml:"job_types_blocked"`       // Never pick these job types
	MaxRequestsPerSecond float64  `toml:"max_requests_per_second"` // Queue polling rate limit
}

// OrchestratorConfig tunes the retry and difficulty accounting. Zero values
// fall back to the orchestrator defaults.
type OrchestratorConfig struct {
	MaxFailedRuns               int      `toml:"max_failed_runs"`                 // Consecutive same-revision failures before giving up
	ErrorCodesToRetry           []string `toml:"error_codes_to_retry"`            // Error codes treated as transient
	DifficultyBonusByFailedRuns int      `toml:"difficulty_bonus_by_failed_runs"` // Difficulty added per failed run
	DifficultyMax               int      `toml:"difficulty_max"`                  // Difficulty cap
}

// SchedulerConfig enables the periodic maintenance jobs.
type SchedulerConfig struct {
	Enabled          bool   `toml:"enabled"`
	BackfillSchedule string `toml:"backfill_schedule"` // Cron schedule for the periodic backfill
	SweepSchedule    string `toml:"sweep_schedule"`    // Cron schedule for the expired-lease sweep
	GCSchedule       string `toml:"gc_schedule"`       // Cron schedule for the Badger value log GC
}

// HubConfig points at the upstream dataset hub.
type HubConfig struct {
	Endpoint       string  `toml:"endpoint"`        // Hub API base URL
	Token          string  `toml:"token"`           // Bearer token (optional)
	RequestTimeout string  `toml:"request_timeout"` // HTTP request timeout
	RateLimit      float64 `toml:"rate_limit"`      // Requests per second against the hub
	Burst          int     `toml:"burst"`           // Rate limiter burst
}

// GraphConfig locates the processing graph specification.
type GraphConfig struct {
	SpecPath string `toml:"spec_path"` // YAML graph specification; empty means the built-in graph
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"stdout", "file"},
		},
		Queue: QueueConfig{
			LeaseTTL:          "10m",
			HeartbeatInterval: "1m",
		},
		Worker: WorkerConfig{
			PollInterval:         "2s",
			Concurrency:          4,
			MaxRequestsPerSecond: 10,
		},
		Scheduler: SchedulerConfig{
			Enabled:          false, // Disabled by default - user must explicitly opt-in
			BackfillSchedule: "0 0 */6 * * *",
			SweepSchedule:    "0 * * * * *",
			GCSchedule:       "0 */10 * * * *",
		},
		Hub: HubConfig{
			Endpoint:       "https://huggingface.co",
			RequestTimeout: "30s",
			RateLimit:      5,
			Burst:          10,
		},
		Graph: GraphConfig{
			SpecPath: "",
		},
	}
}

// LoadFromFile loads configuration with priority: defaults -> file -> env
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files. Later files override
// earlier files; environment variables override all files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)
	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("HUBCACHE_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Storage configuration
	if badgerPath := os.Getenv("HUBCACHE_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}
	if reset := os.Getenv("HUBCACHE_BADGER_RESET_ON_STARTUP"); reset != "" {
		if r, err := strconv.ParseBool(reset); err == nil {
			config.Storage.Badger.ResetOnStartup = r
		}
	}

	// Logging configuration
	if level := os.Getenv("HUBCACHE_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("HUBCACHE_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if output := os.Getenv("HUBCACHE_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// Queue configuration
	if leaseTTL := os.Getenv("HUBCACHE_QUEUE_LEASE_TTL"); leaseTTL != "" {
		config.Queue.LeaseTTL = leaseTTL
	}
	if heartbeat := os.Getenv("HUBCACHE_QUEUE_HEARTBEAT_INTERVAL"); heartbeat != "" {
		config.Queue.HeartbeatInterval = heartbeat
	}

	// Worker configuration
	if pollInterval := os.Getenv("HUBCACHE_WORKER_POLL_INTERVAL"); pollInterval != "" {
		config.Worker.PollInterval = pollInterval
	}
	if only := os.Getenv("HUBCACHE_WORKER_JOB_TYPES_ONLY"); only != "" {
		config.Worker.JobTypesOnly = splitCSV(only)
	}
	if blocked := os.Getenv("HUBCACHE_WORKER_JOB_TYPES_BLOCKED"); blocked != "" {
		config.Worker.JobTypesBlocked = splitCSV(blocked)
	}

	// Orchestrator configuration
	if maxRuns := os.Getenv("HUBCACHE_ORCHESTRATOR_MAX_FAILED_RUNS"); maxRuns != "" {
		if n, err := strconv.Atoi(maxRuns); err == nil {
			config.Orchestrator.MaxFailedRuns = n
		}
	}
	if codes := os.Getenv("HUBCACHE_ORCHESTRATOR_ERROR_CODES_TO_RETRY"); codes != "" {
		config.Orchestrator.ErrorCodesToRetry = splitCSV(codes)
	}

	// Scheduler configuration
	if enabled := os.Getenv("HUBCACHE_SCHEDULER_ENABLED"); enabled != "" {
		if e, err := strconv.ParseBool(enabled); err == nil {
			config.Scheduler.Enabled = e
		}
	}
	if schedule := os.Getenv("HUBCACHE_SCHEDULER_BACKFILL_SCHEDULE"); schedule != "" {
		config.Scheduler.BackfillSchedule = schedule
	}
	if schedule := os.Getenv("HUBCACHE_SCHEDULER_SWEEP_SCHEDULE"); schedule != "" {
		config.Scheduler.SweepSchedule = schedule
	}

	// Hub configuration
	if endpoint := os.Getenv("HUBCACHE_HUB_ENDPOINT"); endpoint != "" {
		config.Hub.Endpoint = endpoint
	}
	if token := os.Getenv("HUBCACHE_HUB_TOKEN"); token != "" {
		config.Hub.Token = token
	}
	if timeout := os.Getenv("HUBCACHE_HUB_REQUEST_TIMEOUT"); timeout != "" {
		config.Hub.RequestTimeout = timeout
	}
	if rateLimit := os.Getenv("HUBCACHE_HUB_RATE_LIMIT"); rateLimit != "" {
		if rl, err := strconv.ParseFloat(rateLimit, 64); err == nil {
			config.Hub.RateLimit = rl
		}
	}

	// Graph configuration
	if specPath := os.Getenv("HUBCACHE_GRAPH_SPEC_PATH"); specPath != "" {
		config.Graph.SpecPath = specPath
	}
}

func splitCSV(s string) []string {
	var values []string
	for _, v := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}

// LeaseTTLDuration parses the lease TTL, falling back to 10 minutes.
func (c QueueConfig) LeaseTTLDuration() time.Duration {
	return parseDurationOr(c.LeaseTTL, 10*time.Minute)
}

// HeartbeatIntervalDuration parses the heartbeat interval, falling back to
// one minute.
func (c QueueConfig) HeartbeatIntervalDuration() time.Duration {
	return parseDurationOr(c.HeartbeatInterval, time.Minute)
}

// PollIntervalDuration parses the worker poll interval, falling back to two
// seconds.
func (c WorkerConfig) PollIntervalDuration() time.Duration {
	return parseDurationOr(c.PollInterval, 2*time.Second)
}

// RequestTimeoutDuration parses the hub request timeout, falling back to 30
// seconds.
func (c HubConfig) RequestTimeoutDuration() time.Duration {
	return parseDurationOr(c.RequestTimeout, 30*time.Second)
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
