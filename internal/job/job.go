package job

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mediavault/fetchd/internal/platform"
)

type (
	Status string

	// Job is the durable record of a single retrieval request. Rows are
	// created by the intake collaborator; this core exclusively mutates
	// the status/result fields and never deletes rows.
	Job struct {
		ID               uuid.UUID         `db:"id"`
		Platform         platform.Platform `db:"platform"`
		ContentReference string            `db:"content_reference"`
		Status           Status            `db:"status"`
		AttemptCount     int               `db:"attempt_count"`
		Retryable        bool              `db:"retryable"`
		NextAttemptAt    *time.Time        `db:"next_attempt_at"`
		ResultPath       *string           `db:"result_path"`
		ErrorKind        *string           `db:"error_kind"`
		ErrorDetail      *string           `db:"error_detail"`
		CreatedAt        time.Time         `db:"created_at"`
		UpdatedAt        time.Time         `db:"updated_at"`
	}
)

const (
	Pending    Status = "PENDING"
	InProgress Status = "IN_PROGRESS"
	Succeeded  Status = "SUCCEEDED"
	Failed     Status = "FAILED"
)

func (job *Job) String() string {
	return fmt.Sprintf("Job{ID=%s platform=%s status=%s attempt=%d}", job.ID, job.Platform, job.Status, job.AttemptCount)
}

// Terminal reports whether this job has reached a state the worker
// will never touch again.
func (job *Job) Terminal() bool {
	if job.Status == Succeeded {
		return true
	}

	return job.Status == Failed && (!job.Retryable || job.NextAttemptAt == nil)
}
