package badger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/hubcache/internal/interfaces"
	"github.com/ternarybob/hubcache/internal/models"
)

// JobDocument is the durable queue row. Jobs are implicitly keyed by
// (type, dataset, revision, config, split); UnicityID materializes that key
// for WAITING-row deduplication.
type JobDocument struct {
	JobID      string `badgerhold:"key"`
	Type       string `badgerhold:"index"`
	Dataset    string `badgerhold:"index"`
	Revision   string
	Config     *string
	Split      *string
	UnicityID  string `badgerhold:"index"`
	Priority   models.Priority
	Difficulty int
	Status     models.Status `badgerhold:"index"`
	CreatedAt  time.Time

	StartedAt     *time.Time
	LastHeartbeat *time.Time
	Owner         *string
}

// QueueStorage implements interfaces.QueueStorage on Badger.
// Compound read-modify-write operations (dedup on add, pick-and-mark on
// start, lease sweep) are serialized by a process-wide mutex; the queue is
// accessed by a single process per store directory.
type QueueStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewQueueStorage creates a new QueueStorage instance
func NewQueueStorage(db *BadgerDB, logger arbor.ILogger) interfaces.QueueStorage {
	return &QueueStorage{
		db:     db,
		logger: logger,
	}
}

func unicityID(jobType, dataset, revision string, config, split *string) string {
	parts := []string{jobType, dataset, revision}
	if config != nil {
		parts = append(parts, *config)
		if split != nil {
			parts = append(parts, *split)
		}
	}
	return strings.Join(parts, ",")
}

func (s *QueueStorage) AddJob(ctx context.Context, jobType, dataset, revision string, config, split *string, priority models.Priority, difficulty int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addJobLocked(models.JobInfo{
		Type: jobType,
		Params: models.JobParams{
			Dataset:  dataset,
			Revision: revision,
			Config:   config,
			Split:    split,
		},
		Priority:   priority,
		Difficulty: difficulty,
	})
}

func (s *QueueStorage) addJobLocked(job models.JobInfo) error {
	unicity := unicityID(job.Type, job.Params.Dataset, job.Params.Revision, job.Params.Config, job.Params.Split)

	// Idempotent: an existing WAITING row for the key wins.
	count, err := s.db.Store().Count(&JobDocument{},
		badgerhold.Where("UnicityID").Eq(unicity).Index("UnicityID").And("Status").Eq(models.StatusWaiting))
	if err != nil {
		return fmt.Errorf("failed to check for existing job: %w", err)
	}
	if count > 0 {
		s.logger.Trace().Str("unicity_id", unicity).Msg("Waiting job already exists, skipping add")
		return nil
	}

	doc := &JobDocument{
		JobID:      models.NewJobID(),
		Type:       job.Type,
		Dataset:    job.Params.Dataset,
		Revision:   job.Params.Revision,
		Config:     job.Params.Config,
		Split:      job.Params.Split,
		UnicityID:  unicity,
		Priority:   job.Priority,
		Difficulty: job.Difficulty,
		Status:     models.StatusWaiting,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.db.Store().Upsert(doc.JobID, doc); err != nil {
		return fmt.Errorf("failed to add job: %w", err)
	}
	s.logger.Trace().
		Str("job_id", doc.JobID).
		Str("type", doc.Type).
		Str("dataset", doc.Dataset).
		Msg("Job added to queue")
	return nil
}

func (s *QueueStorage) CreateJobs(ctx context.Context, jobs []models.JobInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(jobs))
	for _, job := range jobs {
		unicity := unicityID(job.Type, job.Params.Dataset, job.Params.Revision, job.Params.Config, job.Params.Split)
		// Duplicates within the batch collapse to one.
		if _, ok := seen[unicity]; ok {
			continue
		}
		seen[unicity] = struct{}{}
		if err := s.addJobLocked(job); err != nil {
			return err
		}
	}
	return nil
}

func (s *QueueStorage) DeleteJobsByIDs(ctx context.Context, jobIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, jobID := range jobIDs {
		if err := s.db.Store().Delete(jobID, &JobDocument{}); err != nil && err != badgerhold.ErrNotFound {
			return fmt.Errorf("failed to delete job %s: %w", jobID, err)
		}
	}
	return nil
}

func (s *QueueStorage) DeleteDatasetJobs(ctx context.Context, dataset string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var docs []JobDocument
	if err := s.db.Store().Find(&docs, badgerhold.Where("Dataset").Eq(dataset).Index("Dataset")); err != nil {
		return 0, fmt.Errorf("failed to list dataset jobs: %w", err)
	}
	for _, doc := range docs {
		if err := s.db.Store().Delete(doc.JobID, &JobDocument{}); err != nil && err != badgerhold.ErrNotFound {
			return 0, fmt.Errorf("failed to delete job %s: %w", doc.JobID, err)
		}
	}
	return len(docs), nil
}

func (s *QueueStorage) PendingJobs(ctx context.Context, dataset string) ([]models.PendingJob, error) {
	var docs []JobDocument
	var err error
	if dataset == "" {
		err = s.db.Store().Find(&docs, nil)
	} else {
		err = s.db.Store().Find(&docs, badgerhold.Where("Dataset").Eq(dataset).Index("Dataset"))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list pending jobs: %w", err)
	}

	jobs := make([]models.PendingJob, 0, len(docs))
	for _, doc := range docs {
		jobs = append(jobs, models.PendingJob{
			JobID:      doc.JobID,
			Type:       doc.Type,
			Dataset:    doc.Dataset,
			Revision:   doc.Revision,
			Config:     doc.Config,
			Split:      doc.Split,
			Priority:   doc.Priority,
			Difficulty: doc.Difficulty,
			Status:     doc.Status,
			CreatedAt:  doc.CreatedAt,
		})
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

func (s *QueueStorage) StartJob(ctx context.Context, opts interfaces.StartJobOptions) (models.JobInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var started []JobDocument
	if err := s.db.Store().Find(&started, badgerhold.Where("Status").Eq(models.StatusStarted).Index("Status")); err != nil {
		return models.JobInfo{}, fmt.Errorf("failed to list started jobs: %w", err)
	}
	// Per-dataset per-type mutual exclusion: a dataset with a STARTED job of
	// some type blocks further starts of that type.
	blocked := make(map[string]struct{}, len(started))
	for _, doc := range started {
		blocked[doc.Type+"\x00"+doc.Dataset] = struct{}{}
	}

	only := make(map[string]struct{}, len(opts.JobTypesOnly))
	for _, t := range opts.JobTypesOnly {
		only[t] = struct{}{}
	}
	excluded := make(map[string]struct{}, len(opts.JobTypesBlocked))
	for _, t := range opts.JobTypesBlocked {
		excluded[t] = struct{}{}
	}

	var waiting []JobDocument
	if err := s.db.Store().Find(&waiting, badgerhold.Where("Status").Eq(models.StatusWaiting).Index("Status")); err != nil {
		return models.JobInfo{}, fmt.Errorf("failed to list waiting jobs: %w", err)
	}

	eligible := waiting[:0]
	for _, doc := range waiting {
		if len(only) > 0 {
			if _, ok := only[doc.Type]; !ok {
				continue
			}
		}
		if _, ok := excluded[doc.Type]; ok {
			continue
		}
		if _, ok := blocked[doc.Type+"\x00"+doc.Dataset]; ok {
			continue
		}
		eligible = append(eligible, doc)
	}
	if len(eligible) == 0 {
		return models.JobInfo{}, models.ErrEmptyQueue
	}

	// Highest priority, then lowest difficulty, then oldest.
	sort.Slice(eligible, func(i, j int) bool {
		if a, b := eligible[i].Priority.Rank(), eligible[j].Priority.Rank(); a != b {
			return a > b
		}
		if eligible[i].Difficulty != eligible[j].Difficulty {
			return eligible[i].Difficulty < eligible[j].Difficulty
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})

	doc := eligible[0]
	now := time.Now().UTC()
	doc.Status = models.StatusStarted
	doc.StartedAt = &now
	doc.LastHeartbeat = &now
	if opts.Owner != "" {
		owner := opts.Owner
		doc.Owner = &owner
	}
	if err := s.db.Store().Upsert(doc.JobID, &doc); err != nil {
		return models.JobInfo{}, fmt.Errorf("failed to mark job started: %w", err)
	}

	s.logger.Debug().
		Str("job_id", doc.JobID).
		Str("type", doc.Type).
		Str("dataset", doc.Dataset).
		Int("difficulty", doc.Difficulty).
		Msg("Job started")

	return models.JobInfo{
		JobID: doc.JobID,
		Type:  doc.Type,
		Params: models.JobParams{
			Dataset:  doc.Dataset,
			Revision: doc.Revision,
			Config:   doc.Config,
			Split:    doc.Split,
		},
		Priority:   doc.Priority,
		Difficulty: doc.Difficulty,
	}, nil
}

func (s *QueueStorage) IsJobStarted(ctx context.Context, jobID string) (bool, error) {
	var doc JobDocument
	if err := s.db.Store().Get(jobID, &doc); err != nil {
		if err == badgerhold.ErrNotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to get job: %w", err)
	}
	return doc.Status == models.StatusStarted, nil
}

func (s *QueueStorage) FinishJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Store().Delete(jobID, &JobDocument{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return fmt.Errorf("%w: %s", models.ErrJobNotFound, jobID)
		}
		return fmt.Errorf("failed to finish job: %w", err)
	}
	s.logger.Trace().Str("job_id", jobID).Msg("Job finished and removed from queue")
	return nil
}

func (s *QueueStorage) Heartbeat(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doc JobDocument
	if err := s.db.Store().Get(jobID, &doc); err != nil {
		if err == badgerhold.ErrNotFound {
			return fmt.Errorf("%w: %s", models.ErrJobNotFound, jobID)
		}
		return fmt.Errorf("failed to get job: %w", err)
	}
	if doc.Status != models.StatusStarted {
		return fmt.Errorf("job %s is not started", jobID)
	}
	now := time.Now().UTC()
	doc.LastHeartbeat = &now
	if err := s.db.Store().Upsert(doc.JobID, &doc); err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	return nil
}

func (s *QueueStorage) SweepExpiredLeases(ctx context.Context, ttl time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var docs []JobDocument
	if err := s.db.Store().Find(&docs, badgerhold.Where("Status").Eq(models.StatusStarted).Index("Status")); err != nil {
		return 0, fmt.Errorf("failed to list started jobs: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, doc := range docs {
		heartbeat := doc.StartedAt
		if doc.LastHeartbeat != nil {
			heartbeat = doc.LastHeartbeat
		}
		if heartbeat == nil || now.Sub(*heartbeat) <= ttl {
			continue
		}
		// Return the job to the pool with a fresh created_at tie-break;
		// at-least-once semantics, the runner's upsert is idempotent.
		doc.Status = models.StatusWaiting
		doc.StartedAt = nil
		doc.LastHeartbeat = nil
		doc.Owner = nil
		doc.CreatedAt = now
		if err := s.db.Store().Upsert(doc.JobID, &doc); err != nil {
			return recovered, fmt.Errorf("failed to requeue job %s: %w", doc.JobID, err)
		}
		recovered++
		s.logger.Warn().
			Str("job_id", doc.JobID).
			Str("type", doc.Type).
			Str("dataset", doc.Dataset).
			Msg("Lease expired, job returned to waiting")
	}
	return recovered, nil
}

func (s *QueueStorage) HasPendingJobs(ctx context.Context, dataset string, jobTypes []string) (bool, error) {
	var docs []JobDocument
	if err := s.db.Store().Find(&docs, badgerhold.Where("Dataset").Eq(dataset).Index("Dataset")); err != nil {
		return false, fmt.Errorf("failed to list dataset jobs: %w", err)
	}
	types := make(map[string]struct{}, len(jobTypes))
	for _, t := range jobTypes {
		types[t] = struct{}{}
	}
	for _, doc := range docs {
		if _, ok := types[doc.Type]; ok {
			return true, nil
		}
	}
	return false, nil
}

func (s *QueueStorage) CountJobsByStatus(ctx context.Context) (map[string]map[models.Status]int, error) {
	var docs []JobDocument
	if err := s.db.Store().Find(&docs, nil); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	counts := make(map[string]map[models.Status]int)
	for _, doc := range docs {
		if counts[doc.Type] == nil {
			counts[doc.Type] = make(map[models.Status]int)
		}
		counts[doc.Type][doc.Status]++
	}
	return counts, nil
}
