package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/hubcache/internal/interfaces"
	"github.com/ternarybob/hubcache/internal/models"
)

// CachedResponse is the durable artifact row, uniquely keyed by
// (kind, dataset, config, split). Content and details are stored as JSON so
// arbitrary runner payloads round-trip unchanged.
type CachedResponse struct {
	EntryKey string `badgerhold:"key"`
	Kind     string `badgerhold:"index"`
	Dataset  string `badgerhold:"index"`
	Config   *string
	Split    *string

	Content []byte
	Details []byte

	HTTPStatus         int
	ErrorCode          *string
	JobRunnerVersion   *int
	DatasetGitRevision string
	Progress           *float64
	FailedRuns         int
	UpdatedAt          time.Time
}

// CacheStorage implements interfaces.CacheStorage on Badger.
// Upserts are serialized so the failed_runs computation reads a stable prior
// entry; readers never see a partially written row.
type CacheStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewCacheStorage creates a new CacheStorage instance
func NewCacheStorage(db *BadgerDB, logger arbor.ILogger) interfaces.CacheStorage {
	return &CacheStorage{
		db:     db,
		logger: logger,
	}
}

func entryKey(kind, dataset string, config, split *string) string {
	parts := []string{kind, dataset}
	if config != nil {
		parts = append(parts, *config)
		if split != nil {
			parts = append(parts, *split)
		}
	}
	return strings.Join(parts, "\x00")
}

func (s *CacheStorage) Upsert(ctx context.Context, params interfaces.UpsertParams) (*models.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entryKey(params.Kind, params.Dataset, params.Config, params.Split)

	// Consecutive errors for the same revision accumulate; any success or
	// revision change resets the counter.
	failedRuns := 0
	var prior CachedResponse
	err := s.db.Store().Get(key, &prior)
	if err != nil && err != badgerhold.ErrNotFound {
		return nil, fmt.Errorf("failed to read prior cache entry: %w", err)
	}
	if err == nil &&
		prior.DatasetGitRevision == params.DatasetGitRevision &&
		prior.HTTPStatus >= 400 &&
		params.HTTPStatus >= 400 {
		failedRuns = prior.FailedRuns + 1
	}

	content, err := json.Marshal(params.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to encode content: %w", err)
	}
	details, err := json.Marshal(params.Details)
	if err != nil {
		return nil, fmt.Errorf("failed to encode details: %w", err)
	}

	version := params.JobRunnerVersion
	doc := &CachedResponse{
		EntryKey:           key,
		Kind:               params.Kind,
		Dataset:            params.Dataset,
		Config:             params.Config,
		Split:              params.Split,
		Content:            content,
		Details:            details,
		HTTPStatus:         params.HTTPStatus,
		ErrorCode:          params.ErrorCode,
		JobRunnerVersion:   &version,
		DatasetGitRevision: params.DatasetGitRevision,
		Progress:           params.Progress,
		FailedRuns:         failedRuns,
		UpdatedAt:          time.Now().UTC(),
	}
	if err := s.db.Store().Upsert(key, doc); err != nil {
		return nil, fmt.Errorf("failed to upsert cache entry: %w", err)
	}

	s.logger.Trace().
		Str("kind", params.Kind).
		Str("dataset", params.Dataset).
		Int("http_status", params.HTTPStatus).
		Int("failed_runs", failedRuns).
		Msg("Cache entry upserted")

	return docToEntry(doc)
}

func (s *CacheStorage) Get(ctx context.Context, kind, dataset string, config, split *string) (*models.CacheEntry, error) {
	var doc CachedResponse
	if err := s.db.Store().Get(entryKey(kind, dataset, config, split), &doc); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, models.ErrCacheEntryNotFound
		}
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	return docToEntry(&doc)
}

// BestEntry keeps exact order-of-arguments semantics: the first successful
// kind wins outright, and error entries only replace one another on a
// strictly higher http status.
func (s *CacheStorage) BestEntry(ctx context.Context, kinds []string, dataset string, config, split *string) (*models.CacheEntry, error) {
	var bestError *models.CacheEntry
	for _, kind := range kinds {
		entry, err := s.Get(ctx, kind, dataset, config, split)
		if err != nil {
			if err == models.ErrCacheEntryNotFound {
				continue
			}
			return nil, err
		}
		if entry.IsSuccess() {
			return entry, nil
		}
		if bestError == nil || entry.HTTPStatus > bestError.HTTPStatus {
			bestError = entry
		}
	}
	if bestError == nil {
		return nil, models.ErrCacheEntryNotFound
	}
	return bestError, nil
}

func (s *CacheStorage) FetchNames(ctx context.Context, dataset string, config *string, kinds []string, namesField, nameField string) ([]string, error) {
	entry, err := s.BestEntry(ctx, kinds, dataset, config, nil)
	if err != nil {
		if err == models.ErrCacheEntryNotFound {
			return nil, nil
		}
		return nil, err
	}

	// A malformed or foreign-shaped content yields no names, not an error.
	items, ok := entry.Content[namesField].([]interface{})
	if !ok {
		return nil, nil
	}
	names := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		record, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		name, ok := record[nameField].(string)
		if !ok {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names, nil
}

func (s *CacheStorage) EntriesForDataset(ctx context.Context, dataset string) ([]models.CacheEntry, error) {
	var docs []CachedResponse
	if err := s.db.Store().Find(&docs, badgerhold.Where("Dataset").Eq(dataset).Index("Dataset")); err != nil {
		return nil, fmt.Errorf("failed to list cache entries: %w", err)
	}
	entries := make([]models.CacheEntry, 0, len(docs))
	for i := range docs {
		entry, err := docToEntry(&docs[i])
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

func (s *CacheStorage) HasSome(ctx context.Context, dataset string) (bool, error) {
	count, err := s.db.Store().Count(&CachedResponse{}, badgerhold.Where("Dataset").Eq(dataset).Index("Dataset"))
	if err != nil {
		return false, fmt.Errorf("failed to count cache entries: %w", err)
	}
	return count > 0, nil
}

func (s *CacheStorage) DeleteDataset(ctx context.Context, dataset string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var docs []CachedResponse
	if err := s.db.Store().Find(&docs, badgerhold.Where("Dataset").Eq(dataset).Index("Dataset")); err != nil {
		return 0, fmt.Errorf("failed to list cache entries: %w", err)
	}
	for _, doc := range docs {
		if err := s.db.Store().Delete(doc.EntryKey, &CachedResponse{}); err != nil && err != badgerhold.ErrNotFound {
			return 0, fmt.Errorf("failed to delete cache entry: %w", err)
		}
	}
	return len(docs), nil
}

func (s *CacheStorage) CountEntriesByKindAndStatus(ctx context.Context) (map[string]map[int]int, error) {
	var docs []CachedResponse
	if err := s.db.Store().Find(&docs, nil); err != nil {
		return nil, fmt.Errorf("failed to list cache entries: %w", err)
	}
	counts := make(map[string]map[int]int)
	for _, doc := range docs {
		if counts[doc.Kind] == nil {
			counts[doc.Kind] = make(map[int]int)
		}
		counts[doc.Kind][doc.HTTPStatus]++
	}
	return counts, nil
}

func docToEntry(doc *CachedResponse) (*models.CacheEntry, error) {
	entry := &models.CacheEntry{
		Kind:               doc.Kind,
		Dataset:            doc.Dataset,
		Config:             doc.Config,
		Split:              doc.Split,
		HTTPStatus:         doc.HTTPStatus,
		ErrorCode:          doc.ErrorCode,
		JobRunnerVersion:   doc.JobRunnerVersion,
		DatasetGitRevision: doc.DatasetGitRevision,
		Progress:           doc.Progress,
		FailedRuns:         doc.FailedRuns,
		UpdatedAt:          doc.UpdatedAt,
	}
	if len(doc.Content) > 0 {
		if err := json.Unmarshal(doc.Content, &entry.Content); err != nil {
			return nil, fmt.Errorf("failed to decode content: %w", err)
		}
	}
	if len(doc.Details) > 0 {
		if err := json.Unmarshal(doc.Details, &entry.Details); err != nil {
			return nil, fmt.Errorf("failed to decode details: %w", err)
		}
	}
	return entry, nil
}
