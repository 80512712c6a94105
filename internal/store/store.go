package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/aperio-dev/aperio/internal/jobserr"
)

// maxRetries and the backoff schedule below give storage read/write
// operations up to 3 attempts with short backoff on transient errors.
const maxRetries = 3

// Store wraps a *gorm.DB with the job store's transactional contract.
// All mutation of a Job's Status goes through Transition; nothing else
// in the codebase is permitted to write that column directly. This is
// the system's single-writer linearizability anchor.
type Store struct {
	db *gorm.DB
}

// Open establishes the database connection and runs migrations.
// dsn is a SQLite file path (DATABASE_URL); maxConns bounds the
// connection pool (DB_MAX_CONNECTIONS).
func Open(dsn string, maxConns int) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, jobserr.Wrap(jobserr.KindStorageUnavailable, "opening database", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, jobserr.Wrap(jobserr.KindStorageUnavailable, "acquiring sql.DB", err)
	}
	sqlDB.SetMaxOpenConns(maxConns)

	if err := db.AutoMigrate(&Job{}); err != nil {
		return nil, jobserr.Wrap(jobserr.KindStorageUnavailable, "running migrations", err)
	}
	// Append-only composite index beyond what struct tags express.
	if err := db.Exec("CREATE INDEX IF NOT EXISTS idx_jobs_status_created_at ON jobs(status, created_at)").Error; err != nil {
		return nil, jobserr.Wrap(jobserr.KindStorageUnavailable, "creating composite index", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Checkpoint forces a WAL checkpoint, called on graceful shutdown.
func (s *Store) Checkpoint() error {
	return s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)").Error
}

// withRetry runs fn up to maxRetries times, retrying only on errors
// the sqlite driver reports as transient (busy/locked), with a short
// exponential backoff. Non-transient errors surface immediately.
func withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isTransient(lastErr) {
			return lastErr
		}
		backoff := time.Duration(1<<attempt) * 20 * time.Millisecond
		backoff += time.Duration(rand.Intn(10)) * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return lastErr
}

func isTransient(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "busy") ||
		strings.Contains(msg, "connection reset")
}

// Create inserts a new Pending job for url/priority and returns the
// full record.
func (s *Store) Create(ctx context.Context, url string, priority Priority) (*Job, error) {
	now := time.Now().UTC()
	job := &Job{
		ID:        uuid.NewString(),
		URL:       url,
		Priority:  priority,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := withRetry(ctx, func() error {
		return s.db.WithContext(ctx).Create(job).Error
	})
	if err != nil {
		return nil, jobserr.Wrap(jobserr.KindStorageUnavailable, "creating job", err)
	}
	return job, nil
}

// Get fetches a job by id.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	var job Job
	err := withRetry(ctx, func() error {
		return s.db.WithContext(ctx).Where("id = ?", id).First(&job).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, jobserr.New(jobserr.KindNotFound, "job not found")
	}
	if err != nil {
		return nil, jobserr.Wrap(jobserr.KindStorageUnavailable, "fetching job", err)
	}
	return &job, nil
}

// List returns a page of jobs ordered by created_at descending,
// optionally filtered by status, along with the total matching count.
// pageSize must already be validated to [1,100] by the caller.
func (s *Store) List(ctx context.Context, page, pageSize int, statusFilter *Status) ([]Job, int64, error) {
	var jobs []Job
	var total int64

	err := withRetry(ctx, func() error {
		q := s.db.WithContext(ctx).Model(&Job{})
		if statusFilter != nil {
			q = q.Where("status = ?", *statusFilter)
		}
		if err := q.Count(&total).Error; err != nil {
			return err
		}
		return q.Order("created_at DESC").
			Offset((page - 1) * pageSize).
			Limit(pageSize).
			Find(&jobs).Error
	})
	if err != nil {
		return nil, 0, jobserr.Wrap(jobserr.KindStorageUnavailable, "listing jobs", err)
	}
	return jobs, total, nil
}

// Mutation is a set of column updates applied as part of a successful
// Transition, in addition to the status/updated_at columns always
// written by Transition itself.
type Mutation map[string]interface{}

// Transition is the sole mechanism for changing a job's status: an
// atomic UPDATE ... WHERE status=? with a row-count check, enforcing
// single-owner transitions and serving as the system's linearizability
// anchor.
//
// It returns (true, nil) if the CAS succeeded, (false, nil) if the
// row existed but its status no longer matched `from` (Conflict), and
// a non-nil error only for NotFound or storage failures.
func (s *Store) Transition(ctx context.Context, id string, from, to Status, mutations Mutation) (bool, error) {
	updates := Mutation{}
	for k, v := range mutations {
		updates[k] = v
	}
	updates["status"] = to
	updates["updated_at"] = time.Now().UTC()

	var rowsAffected int64
	err := withRetry(ctx, func() error {
		res := s.db.WithContext(ctx).Model(&Job{}).
			Where("id = ? AND status = ?", id, from).
			Updates(map[string]interface{}(updates))
		if res.Error != nil {
			return res.Error
		}
		rowsAffected = res.RowsAffected
		return nil
	})
	if err != nil {
		return false, jobserr.Wrap(jobserr.KindStorageUnavailable, "transitioning job", err)
	}
	if rowsAffected == 1 {
		return true, nil
	}

	// Distinguish NotFound from Conflict with a fresh read, outside the
	// CAS itself (cheap; only taken on the already-rare non-success path).
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// ClaimPending selects up to limit Pending jobs ordered by
// (priority DESC, created_at ASC) and atomically transitions them to
// Claimed inside a single transaction, so concurrent admission and
// restart recovery never double-dispatch a job.
func (s *Store) ClaimPending(ctx context.Context, limit int) ([]Job, error) {
	var claimed []Job

	err := withRetry(ctx, func() error {
		claimed = nil
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var candidates []Job
			if err := tx.Where("status = ?", StatusPending).
				Order("priority DESC, created_at ASC").
				Limit(limit).
				Find(&candidates).Error; err != nil {
				return err
			}

			now := time.Now().UTC()
			for _, c := range candidates {
				res := tx.Model(&Job{}).
					Where("id = ? AND status = ?", c.ID, StatusPending).
					Updates(map[string]interface{}{
						"status":     StatusClaimed,
						"updated_at": now,
					})
				if res.Error != nil {
					return res.Error
				}
				if res.RowsAffected == 1 {
					c.Status = StatusClaimed
					c.UpdatedAt = now
					claimed = append(claimed, c)
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, jobserr.Wrap(jobserr.KindStorageUnavailable, "claiming pending jobs", err)
	}
	return claimed, nil
}

// ListTerminalOlderThan returns Completed/Failed/Cancelled records
// with updated_at < cutoff, feeding the retention sweeper.
func (s *Store) ListTerminalOlderThan(ctx context.Context, cutoff time.Time) ([]Job, error) {
	var jobs []Job
	err := withRetry(ctx, func() error {
		return s.db.WithContext(ctx).
			Where("status IN ? AND updated_at < ?", []Status{StatusCompleted, StatusFailed, StatusCancelled}, cutoff).
			Find(&jobs).Error
	})
	if err != nil {
		return nil, jobserr.Wrap(jobserr.KindStorageUnavailable, "listing terminal jobs", err)
	}
	return jobs, nil
}

// ListByStatuses returns all jobs whose status is one of the given
// values, used by Recovery to find in-flight jobs at startup.
func (s *Store) ListByStatuses(ctx context.Context, statuses []Status) ([]Job, error) {
	var jobs []Job
	err := withRetry(ctx, func() error {
		return s.db.WithContext(ctx).Where("status IN ?", statuses).Find(&jobs).Error
	})
	if err != nil {
		return nil, jobserr.Wrap(jobserr.KindStorageUnavailable, "listing jobs by status", err)
	}
	return jobs, nil
}

// Delete removes a job record.
func (s *Store) Delete(ctx context.Context, id string) error {
	var rowsAffected int64
	err := withRetry(ctx, func() error {
		res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&Job{})
		if res.Error != nil {
			return res.Error
		}
		rowsAffected = res.RowsAffected
		return nil
	})
	if err != nil {
		return jobserr.Wrap(jobserr.KindStorageUnavailable, "deleting job", err)
	}
	if rowsAffected == 0 {
		return jobserr.New(jobserr.KindNotFound, "job not found")
	}
	return nil
}

// CheckInvariants re-reads a job and verifies its structural
// invariants hold. It is used by tests and may also be called from
// /health/detailed in a light "self-check" mode.
func (s *Store) CheckInvariants(ctx context.Context, id string) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.ProcessedPath != nil && job.Status != StatusCompleted {
		return fmt.Errorf("invariant violated: processed_path set but status=%s", job.Status)
	}
	if job.Status == StatusCompleted && job.ProcessedPath == nil {
		return fmt.Errorf("invariant violated: status=Completed but processed_path unset")
	}
	if (job.ErrorMessage != nil) != (job.Status == StatusFailed) {
		return fmt.Errorf("invariant violated: error_message presence does not match status=Failed")
	}
	if job.UpdatedAt.Before(job.CreatedAt) {
		return fmt.Errorf("invariant violated: updated_at before created_at")
	}
	return nil
}
