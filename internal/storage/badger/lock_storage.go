package badger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/hubcache/internal/interfaces"
	"github.com/ternarybob/hubcache/internal/models"
)

// LockRecord is a durable named lock. The owner field is the compare-and-set
// token; an empty owner means the lock is free.
type LockRecord struct {
	Key        string `badgerhold:"key"`
	Owner      string
	AcquiredAt time.Time
	UpdatedAt  time.Time
}

// LockStorage implements interfaces.LockStorage on Badger. Used by runners
// that push to a shared git branch, one holder at a time.
type LockStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewLockStorage creates a new LockStorage instance
func NewLockStorage(db *BadgerDB, logger arbor.ILogger) interfaces.LockStorage {
	return &LockStorage{
		db:     db,
		logger: logger,
	}
}

func branchLockKey(dataset, branch string) string {
	return "branch:" + dataset + "/" + branch
}

func (s *LockStorage) AcquireBranchLock(ctx context.Context, dataset, branch, owner string, sleeps []time.Duration) error {
	key := branchLockKey(dataset, branch)

	for attempt := 0; ; attempt++ {
		acquired, err := s.tryAcquire(key, owner)
		if err != nil {
			return err
		}
		if acquired {
			s.logger.Debug().
				Str("key", key).
				Str("owner", owner).
				Int("attempt", attempt+1).
				Msg("Branch lock acquired")
			return nil
		}
		if attempt >= len(sleeps) {
			return fmt.Errorf("%w: %s", models.ErrLockTimeout, key)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleeps[attempt]):
		}
	}
}

func (s *LockStorage) tryAcquire(key, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var record LockRecord
	err := s.db.Store().Get(key, &record)
	if err != nil && err != badgerhold.ErrNotFound {
		return false, fmt.Errorf("failed to read lock: %w", err)
	}
	if err == nil && record.Owner != "" && record.Owner != owner {
		return false, nil
	}

	// Re-acquiring a lock we already hold only refreshes it.
	record = LockRecord{
		Key:        key,
		Owner:      owner,
		AcquiredAt: now,
		UpdatedAt:  now,
	}
	if err := s.db.Store().Upsert(key, &record); err != nil {
		return false, fmt.Errorf("failed to write lock: %w", err)
	}
	return true, nil
}

func (s *LockStorage) ReleaseLock(ctx context.Context, dataset, branch, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := branchLockKey(dataset, branch)
	var record LockRecord
	if err := s.db.Store().Get(key, &record); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil
		}
		return fmt.Errorf("failed to read lock: %w", err)
	}
	if record.Owner != owner {
		return fmt.Errorf("lock %s is not held by %s", key, owner)
	}
	record.Owner = ""
	record.UpdatedAt = time.Now().UTC()
	if err := s.db.Store().Upsert(key, &record); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	s.logger.Debug().Str("key", key).Str("owner", owner).Msg("Branch lock released")
	return nil
}
