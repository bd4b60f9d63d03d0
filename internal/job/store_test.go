package job_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/mediavault/fetchd/internal/fault"
	"github.com/mediavault/fetchd/internal/job"
	"github.com/mediavault/fetchd/internal/platform"
	"github.com/mediavault/fetchd/tests/helpers"
	"github.com/stretchr/testify/assert"
)

func seedJob(t *testing.T, db *sqlx.DB, store *job.Store) uuid.UUID {
	id, err := store.Create(db, platform.YouTube, "dQw4w9WgXcQ")
	if err != nil {
		t.Fatalf("failed to seed job: %s", err)
	}

	return id
}

// rewindNextAttempt pulls a failed job's retry time in to the past so the
// test does not have to wait out a real backoff window.
func rewindNextAttempt(t *testing.T, db *sqlx.DB, id uuid.UUID) {
	_, err := db.Exec(`UPDATE jobs SET next_attempt_at = current_timestamp - interval '1 minute' WHERE id = $1`, id)
	if err != nil {
		t.Fatalf("failed to rewind next attempt time: %s", err)
	}
}

func Test_Create_RoundTrips(t *testing.T) {
	t.Parallel()
	db := helpers.ProvisionDatabase(t)
	store := defaultPolicyStore()

	id := seedJob(t, db, store)

	fetched, err := store.Get(db, id)
	assert.Nil(t, err)
	assert.Equal(t, "dQw4w9WgXcQ", fetched.ContentReference)
	assert.Equal(t, job.Pending, fetched.Status)
	assert.Zero(t, fetched.AttemptCount)
	assert.True(t, fetched.Retryable)

	parsed, err := platform.Parse(fetched.Platform.String())
	assert.Nil(t, err)
	assert.Equal(t, platform.YouTube, parsed)
}

func Test_ClaimNext_ConcurrentClaimantsNeverShareAJob(t *testing.T) {
	t.Parallel()
	db := helpers.ProvisionDatabase(t)
	store := defaultPolicyStore()

	const seeded = 12
	for i := 0; i < seeded; i++ {
		seedJob(t, db, store)
	}

	mutex := sync.Mutex{}
	claims := make(map[uuid.UUID]int)

	wg := sync.WaitGroup{}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := store.ClaimNext(db)
				assert.Nil(t, err)
				if claimed == nil {
					return
				}

				assert.Equal(t, job.InProgress, claimed.Status)
				assert.Equal(t, 1, claimed.AttemptCount)

				mutex.Lock()
				claims[claimed.ID]++
				mutex.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claims, seeded)
	for id, count := range claims {
		assert.Equalf(t, 1, count, "job %s claimed more than once", id)
	}
}

func Test_Fail_SchedulesRetryInsideBackoffWindow(t *testing.T) {
	t.Parallel()
	db := helpers.ProvisionDatabase(t)
	store := defaultPolicyStore()

	id := seedJob(t, db, store)
	claimed, err := store.ClaimNext(db)
	assert.Nil(t, err)
	if assert.NotNil(t, claimed) {
		assert.Equal(t, id, claimed.ID)
	}

	assert.Nil(t, store.Fail(db, id, fault.IOFailure, "stream cut short", true, 0))

	failed, err := store.Get(db, id)
	assert.Nil(t, err)
	assert.Equal(t, job.Failed, failed.Status)
	assert.True(t, failed.Retryable)
	if assert.NotNil(t, failed.NextAttemptAt) {
		assert.WithinDuration(t, time.Now().Add(time.Second*30), *failed.NextAttemptAt, time.Second*10)
	}

	// The retry window has not elapsed, so the job is not yet eligible.
	blocked, err := store.ClaimNext(db)
	assert.Nil(t, err)
	assert.Nil(t, blocked)

	rewindNextAttempt(t, db, id)
	reclaimed, err := store.ClaimNext(db)
	assert.Nil(t, err)
	if assert.NotNil(t, reclaimed) {
		assert.Equal(t, id, reclaimed.ID)
		assert.Equal(t, 2, reclaimed.AttemptCount)
	}
}

func Test_Fail_ExplicitBackoffHintOverridesPolicy(t *testing.T) {
	t.Parallel()
	db := helpers.ProvisionDatabase(t)
	store := defaultPolicyStore()

	id := seedJob(t, db, store)
	_, err := store.ClaimNext(db)
	assert.Nil(t, err)

	assert.Nil(t, store.Fail(db, id, fault.RateLimited, "platform demanded a pause", true, time.Minute*10))

	failed, err := store.Get(db, id)
	assert.Nil(t, err)
	if assert.NotNil(t, failed.NextAttemptAt) {
		assert.WithinDuration(t, time.Now().Add(time.Minute*10), *failed.NextAttemptAt, time.Second*10)
	}
}

func Test_Fail_ExhaustedAttemptsAreTerminal(t *testing.T) {
	t.Parallel()
	db := helpers.ProvisionDatabase(t)
	store := job.NewStore(job.RetryPolicy{MaxAttempts: 2, BackoffBase: time.Second * 30, BackoffCeiling: time.Hour})

	id := seedJob(t, db, store)

	_, err := store.ClaimNext(db)
	assert.Nil(t, err)
	assert.Nil(t, store.Fail(db, id, fault.IOFailure, "stream cut short", true, 0))
	rewindNextAttempt(t, db, id)

	reclaimed, err := store.ClaimNext(db)
	assert.Nil(t, err)
	if assert.NotNil(t, reclaimed) {
		assert.Equal(t, 2, reclaimed.AttemptCount)
	}
	assert.Nil(t, store.Fail(db, id, fault.IOFailure, "stream cut short", true, 0))

	exhausted, err := store.Get(db, id)
	assert.Nil(t, err)
	assert.Equal(t, job.Failed, exhausted.Status)
	assert.False(t, exhausted.Retryable)
	assert.Nil(t, exhausted.NextAttemptAt)
	assert.True(t, exhausted.Terminal())

	claimed, err := store.ClaimNext(db)
	assert.Nil(t, err)
	assert.Nil(t, claimed)
}

func Test_Fail_NonRetryableIsImmediatelyTerminal(t *testing.T) {
	t.Parallel()
	db := helpers.ProvisionDatabase(t)
	store := defaultPolicyStore()

	id := seedJob(t, db, store)
	_, err := store.ClaimNext(db)
	assert.Nil(t, err)

	assert.Nil(t, store.Fail(db, id, fault.NotFound, "content deleted", false, 0))

	failed, err := store.Get(db, id)
	assert.Nil(t, err)
	assert.Equal(t, job.Failed, failed.Status)
	assert.False(t, failed.Retryable)
	assert.Nil(t, failed.NextAttemptAt)
	if assert.NotNil(t, failed.ErrorKind) {
		assert.Equal(t, "NOT_FOUND", *failed.ErrorKind)
	}
	assert.True(t, failed.Terminal())

	claimed, err := store.ClaimNext(db)
	assert.Nil(t, err)
	assert.Nil(t, claimed)
}

func Test_ClaimNext_RecoveredOrphanCannotExceedAttemptCeiling(t *testing.T) {
	t.Parallel()
	db := helpers.ProvisionDatabase(t)
	store := job.NewStore(job.RetryPolicy{MaxAttempts: 2, BackoffBase: time.Second * 30, BackoffCeiling: time.Hour})

	id := seedJob(t, db, store)

	// Each claim consumes an attempt and each recovery reverts the job
	// to Pending without refunding it.
	for attempt := 1; attempt <= 2; attempt++ {
		claimed, err := store.ClaimNext(db)
		assert.Nil(t, err)
		if assert.NotNil(t, claimed) {
			assert.Equal(t, attempt, claimed.AttemptCount)
		}

		recovered, err := store.RecoverOrphaned(db)
		assert.Nil(t, err)
		assert.Equal(t, int64(1), recovered)
	}

	// The job sits Pending at the attempt ceiling; claiming it again
	// would grant a third attempt.
	orphan, err := store.Get(db, id)
	assert.Nil(t, err)
	assert.Equal(t, job.Pending, orphan.Status)
	assert.Equal(t, 2, orphan.AttemptCount)

	claimed, err := store.ClaimNext(db)
	assert.Nil(t, err)
	assert.Nil(t, claimed)
}

func Test_Complete_GuardsForwardOnlyTransitions(t *testing.T) {
	t.Parallel()
	db := helpers.ProvisionDatabase(t)
	store := defaultPolicyStore()

	id := seedJob(t, db, store)

	// Completing a job that was never claimed must not transition it.
	err := store.Complete(db, id, "feedc0de")
	assert.True(t, errors.Is(err, job.ErrJobNotFound))

	_, err = store.ClaimNext(db)
	assert.Nil(t, err)
	assert.Nil(t, store.Complete(db, id, "feedc0de"))

	succeeded, err := store.Get(db, id)
	assert.Nil(t, err)
	assert.Equal(t, job.Succeeded, succeeded.Status)
	if assert.NotNil(t, succeeded.ResultPath) {
		assert.Equal(t, "feedc0de", *succeeded.ResultPath)
	}
	assert.True(t, succeeded.Terminal())

	// A second completion, or a failure, must bounce off the succeeded row.
	assert.True(t, errors.Is(store.Complete(db, id, "feedc0de"), job.ErrJobNotFound))
	assert.NotNil(t, store.Fail(db, id, fault.IOFailure, "late failure", true, 0))

	unchanged, err := store.Get(db, id)
	assert.Nil(t, err)
	assert.Equal(t, job.Succeeded, unchanged.Status)
	assert.Nil(t, unchanged.ErrorKind)
}

func Test_Release_RefundsConsumedAttempt(t *testing.T) {
	t.Parallel()
	db := helpers.ProvisionDatabase(t)
	store := defaultPolicyStore()

	id := seedJob(t, db, store)
	_, err := store.ClaimNext(db)
	assert.Nil(t, err)

	assert.Nil(t, store.Release(db, id))

	released, err := store.Get(db, id)
	assert.Nil(t, err)
	assert.Equal(t, job.Pending, released.Status)
	assert.Zero(t, released.AttemptCount)

	reclaimed, err := store.ClaimNext(db)
	assert.Nil(t, err)
	if assert.NotNil(t, reclaimed) {
		assert.Equal(t, 1, reclaimed.AttemptCount)
	}
}
