package job

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/mediavault/fetchd/internal/database"
	"github.com/mediavault/fetchd/internal/fault"
	"github.com/mediavault/fetchd/internal/platform"
)

var ErrJobNotFound = errors.New("job does not exist")

type (
	// RetryPolicy controls how failed jobs are rescheduled. The zero
	// value is not usable; construct via the worker config defaults.
	RetryPolicy struct {
		MaxAttempts    int
		BackoffBase    time.Duration
		BackoffCeiling time.Duration
	}

	Store struct {
		policy RetryPolicy
	}
)

func NewStore(policy RetryPolicy) *Store {
	return &Store{policy: policy}
}

// ClaimNext atomically selects the earliest-eligible job (a Pending job, or a
// retryable Failed job whose next-attempt time has elapsed), transitions it to
// InProgress and increments its attempt count. The row-level lock with SKIP
// LOCKED guarantees two concurrent claims never return the same job. The
// attempt ceiling applies to both branches; a Pending row can already sit at
// the ceiling when orphan recovery reverted its final attempt. Returns
// (nil, nil) when no job is eligible.
func (store *Store) ClaimNext(db database.Queryable) (*Job, error) {
	var claimed Job
	err := db.Get(&claimed, `
		UPDATE jobs
		SET status=$1, attempt_count=attempt_count+1, updated_at=current_timestamp
		WHERE id = (
			SELECT id FROM jobs
			WHERE (status=$2 AND attempt_count < $4)
			   OR (status=$3 AND retryable AND attempt_count < $4 AND next_attempt_at <= current_timestamp)
			ORDER BY COALESCE(next_attempt_at, created_at)
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *
	`, InProgress, Pending, Failed, store.policy.MaxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to claim next job: %w", err)
	}

	return &claimed, nil
}

// Complete transitions an InProgress job to Succeeded, recording the content
// key of the stored artifact. The status guard in the WHERE clause enforces
// the forward-only transition invariant.
func (store *Store) Complete(db database.Queryable, jobID uuid.UUID, resultPath string) error {
	result, err := db.Exec(`
		UPDATE jobs
		SET status=$1, result_path=$2, error_kind=NULL, error_detail=NULL, next_attempt_at=NULL, updated_at=current_timestamp
		WHERE id=$3 AND status=$4
	`, Succeeded, resultPath, jobID, InProgress)
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", jobID, err)
	}

	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("cannot complete job %s: %w", jobID, ErrJobNotFound)
	}

	return nil
}

// Fail transitions an InProgress job to Failed. Retryable failures below the
// attempt ceiling are scheduled for a future retry using exponential backoff
// (or the explicit delay the platform demanded, when one is provided);
// anything else is terminal. The status read and the update run inside a
// single transaction so the backoff schedule is always derived from the row
// the guard checked.
func (store *Store) Fail(db database.Queryable, jobID uuid.UUID, kind fault.Kind, detail string, retryable bool, backoffHint time.Duration) error {
	return database.InTx(db, func(q database.Queryable) error {
		current, err := store.Get(q, jobID)
		if err != nil {
			return err
		} else if current.Status != InProgress {
			return fmt.Errorf("cannot fail job %s in status %s", jobID, current.Status)
		}

		var nextAttempt *time.Time
		if retryable && current.AttemptCount < store.policy.MaxAttempts {
			delay := backoffHint
			if delay <= 0 {
				delay = store.BackoffFor(current.AttemptCount)
			}

			at := time.Now().Add(delay)
			nextAttempt = &at
		} else {
			retryable = false
		}

		_, err = q.Exec(`
			UPDATE jobs
			SET status=$1, retryable=$2, next_attempt_at=$3, error_kind=$4, error_detail=$5, updated_at=current_timestamp
			WHERE id=$6 AND status=$7
		`, Failed, retryable, nextAttempt, kind.String(), detail, jobID, InProgress)
		if err != nil {
			return fmt.Errorf("failed to record failure of job %s: %w", jobID, err)
		}

		return nil
	})
}

// Release reverts a claimed job to Pending, giving back the attempt the claim
// consumed. Used when a shutdown cancels a slot before any bytes were written;
// jobs interrupted mid-transfer are instead left InProgress for reclaim.
func (store *Store) Release(db database.Queryable, jobID uuid.UUID) error {
	_, err := db.Exec(`
		UPDATE jobs
		SET status=$1, attempt_count=attempt_count-1, next_attempt_at=NULL, updated_at=current_timestamp
		WHERE id=$2 AND status=$3
	`, Pending, jobID, InProgress)
	if err != nil {
		return fmt.Errorf("failed to release job %s: %w", jobID, err)
	}

	return nil
}

// RecoverOrphaned reverts every InProgress job to Pending. Run once at
// startup before any slot begins claiming: a job can only be InProgress while
// a live slot owns it, so rows still in that state were abandoned by a crash
// or an expired shutdown grace period. The consumed attempt is not refunded.
func (store *Store) RecoverOrphaned(db database.Queryable) (int64, error) {
	result, err := db.Exec(`
		UPDATE jobs
		SET status=$1, next_attempt_at=NULL, updated_at=current_timestamp
		WHERE status=$2
	`, Pending, InProgress)
	if err != nil {
		return 0, fmt.Errorf("failed to recover orphaned jobs: %w", err)
	}

	recovered, _ := result.RowsAffected()
	return recovered, nil
}

// Create inserts a fresh Pending job. The intake web application normally owns
// insertion; this exists for the intake contract and for test seeding.
func (store *Store) Create(db database.Queryable, plat platform.Platform, contentReference string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := db.Exec(`
		INSERT INTO jobs(id, platform, content_reference, status)
		VALUES ($1, $2, $3, $4)
	`, id, plat, contentReference, Pending)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to insert new job: %w", err)
	}

	return id, nil
}

func (store *Store) Get(db database.Queryable, jobID uuid.UUID) (*Job, error) {
	query, args, err := selectJobBuilder().Where("jobs.id=?", jobID).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct select job query: %w", err)
	}

	var result Job
	if err := db.Get(&result, db.Rebind(query), args...); err != nil {
		return nil, ErrJobNotFound
	}

	return &result, nil
}

// List returns the most recently updated jobs, newest first. Consumed by
// the status gateway to furnish recent activity without touching intake.
func (store *Store) List(db database.Queryable, limit uint64) ([]*Job, error) {
	query, args, err := selectJobBuilder().OrderBy("jobs.updated_at DESC").Limit(limit).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct list jobs query: %w", err)
	}

	var results []Job
	if err := db.Select(&results, db.Rebind(query), args...); err != nil {
		return nil, err
	}

	output := make([]*Job, len(results))
	for k := range results {
		output[k] = &results[k]
	}

	return output, nil
}

// BackoffFor computes the exponential retry delay following the given number
// of consumed attempts, clamped to the configured ceiling.
func (store *Store) BackoffFor(attempts int) time.Duration {
	delay := store.policy.BackoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= store.policy.BackoffCeiling {
			return store.policy.BackoffCeiling
		}
	}

	if delay > store.policy.BackoffCeiling {
		return store.policy.BackoffCeiling
	}

	return delay
}

func selectJobBuilder() squirrel.SelectBuilder {
	return squirrel.Select("jobs.*").From("jobs")
}
