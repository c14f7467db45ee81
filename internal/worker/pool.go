package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/hubcache/internal/common"
	"github.com/ternarybob/hubcache/internal/interfaces"
	"github.com/ternarybob/hubcache/internal/models"
)

// errorCodeCrashed marks entries written for runners that panicked or
// returned an error instead of an output. It is in the default retry list.
const errorCodeCrashed = "JobManagerCrashedError"

// ResultReporter consumes finished job results. Satisfied by the
// orchestrator.
type ResultReporter interface {
	FinishJob(ctx context.Context, result models.JobResult) error
}

// Pool polls the queue and dispatches jobs to the registered runners. Each
// started job gets a heartbeat goroutine keeping its lease alive until the
// runner returns.
type Pool struct {
	queue    interfaces.QueueStorage
	reporter ResultReporter
	runners  map[string]JobRunner
	logger   arbor.ILogger
	limiter  *rate.Limiter

	pollInterval      time.Duration
	heartbeatInterval time.Duration
	concurrency       int
	jobTypesOnly      []string
	jobTypesBlocked   []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a worker pool over the queue.
func NewPool(queue interfaces.QueueStorage, reporter ResultReporter, logger arbor.ILogger, workerCfg common.WorkerConfig, queueCfg common.QueueConfig) *Pool {
	ctx, cancel := context.WithCancel(context.Background())

	rps := workerCfg.MaxRequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	concurrency := workerCfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	return &Pool{
		queue:             queue,
		reporter:          reporter,
		runners:           make(map[string]JobRunner),
		logger:            logger,
		limiter:           rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		pollInterval:      workerCfg.PollIntervalDuration(),
		heartbeatInterval: queueCfg.HeartbeatIntervalDuration(),
		concurrency:       concurrency,
		jobTypesOnly:      workerCfg.JobTypesOnly,
		jobTypesBlocked:   workerCfg.JobTypesBlocked,
		ctx:               ctx,
		cancel:            cancel,
	}
}

// RegisterRunner registers a runner for its kind.
func (p *Pool) RegisterRunner(runner JobRunner) {
	p.runners[runner.Kind()] = runner
	p.logger.Debug().
		Str("kind", runner.Kind()).
		Int("version", runner.Version()).
		Msg("Job runner registered")
}

// Start starts the worker goroutines.
func (p *Pool) Start() error {
	if len(p.runners) == 0 {
		return fmt.Errorf("no job runners registered")
	}
	p.logger.Info().
		Int("concurrency", p.concurrency).
		Int("runners", len(p.runners)).
		Msg("Starting worker pool")

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return nil
}

// Stop cancels the workers and waits for in-flight jobs.
func (p *Pool) Stop() error {
	p.logger.Info().Msg("Stopping worker pool")
	p.cancel()
	p.wg.Wait()
	return nil
}

func (p *Pool) worker(workerID int) {
	defer p.wg.Done()

	// Stagger worker starts to spread polling across the interval.
	staggerDelay := (p.pollInterval / time.Duration(p.concurrency)) * time.Duration(workerID)
	if staggerDelay > 0 {
		select {
		case <-p.ctx.Done():
			return
		case <-time.After(staggerDelay):
		}
	}

	owner := p.ownerName(workerID)
	p.logger.Debug().
		Int("worker_id", workerID).
		Str("owner", owner).
		Msg("Worker started")

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			p.logger.Debug().Int("worker_id", workerID).Msg("Worker stopped")
			return
		case <-ticker.C:
			// Drain the queue until empty, then go back to polling.
			for {
				if err := p.processOne(owner); err != nil {
					if !errors.Is(err, models.ErrEmptyQueue) && !errors.Is(err, context.Canceled) {
						p.logger.Warn().
							Err(err).
							Int("worker_id", workerID).
							Msg("Error processing job")
					}
					break
				}
				if p.ctx.Err() != nil {
					return
				}
			}
		}
	}
}

func (p *Pool) processOne(owner string) error {
	if err := p.limiter.Wait(p.ctx); err != nil {
		return err
	}

	job, err := p.queue.StartJob(p.ctx, interfaces.StartJobOptions{
		JobTypesOnly:    p.eligibleTypes(),
		JobTypesBlocked: p.jobTypesBlocked,
		Owner:           owner,
	})
	if err != nil {
		return err
	}

	runner, ok := p.runners[job.Type]
	if !ok {
		// StartJob is restricted to registered kinds, so this only happens
		// when the restriction was overridden in config.
		p.logger.Error().
			Str("job_type", job.Type).
			Str("job_id", job.JobID).
			Msg("No runner for started job, reporting crash")
		return p.report(job, 1, nil, fmt.Errorf("no runner registered for %q", job.Type))
	}

	p.logger.Debug().
		Str("job_type", job.Type).
		Str("job_id", job.JobID).
		Str("dataset", job.Params.Dataset).
		Msg("Job started")

	// Keep the lease alive while the runner works.
	heartbeatCtx, stopHeartbeat := context.WithCancel(p.ctx)
	var heartbeatDone sync.WaitGroup
	heartbeatDone.Add(1)
	go func() {
		defer heartbeatDone.Done()
		p.heartbeatLoop(heartbeatCtx, job.JobID)
	}()

	output, runErr := p.runSafely(runner, job)
	stopHeartbeat()
	heartbeatDone.Wait()

	return p.report(job, runner.Version(), output, runErr)
}

// runSafely converts a runner panic into an error.
func (p *Pool) runSafely(runner JobRunner, job models.JobInfo) (output *models.JobOutput, err error) {
	defer func() {
		if r := recover(); r != nil {
			output = nil
			err = fmt.Errorf("job runner panicked: %v", r)
		}
	}()
	return runner.Run(p.ctx, job)
}

func (p *Pool) heartbeatLoop(ctx context.Context, jobID string) {
	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.Heartbeat(context.Background(), jobID); err != nil {
				p.logger.Warn().Err(err).Str("job_id", jobID).Msg("Heartbeat failed")
			}
		}
	}
}

// report publishes the job result. A crashed runner is cached as a
// retryable server error so the backfill retries it.
func (p *Pool) report(job models.JobInfo, version int, output *models.JobOutput, runErr error) error {
	if runErr != nil {
		errorCode := errorCodeCrashed
		output = &models.JobOutput{
			Content:    map[string]interface{}{"error": runErr.Error()},
			HTTPStatus: 500,
			ErrorCode:  &errorCode,
		}
	}
	result := models.JobResult{
		JobInfo:          job,
		JobRunnerVersion: version,
		IsSuccess:        runErr == nil && output != nil && output.HTTPStatus < 400,
		Output:           output,
	}

	// Reporting outlives pool shutdown so a finished job is never lost.
	if err := p.reporter.FinishJob(context.Background(), result); err != nil {
		return fmt.Errorf("failed to report job result: %w", err)
	}

	p.logger.Debug().
		Str("job_type", job.Type).
		Str("job_id", job.JobID).
		Bool("success", result.IsSuccess).
		Msg("Job finished")
	return nil
}

// eligibleTypes narrows the queue selection to the registered runners,
// further restricted by configuration.
func (p *Pool) eligibleTypes() []string {
	if len(p.jobTypesOnly) > 0 {
		return p.jobTypesOnly
	}
	kinds := make([]string, 0, len(p.runners))
	for kind := range p.runners {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

func (p *Pool) ownerName(workerID int) string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-worker-%d", hostname, workerID)
}
