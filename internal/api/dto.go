package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/mediavault/fetchd/internal/job"
	"github.com/mediavault/fetchd/internal/platform"
)

type JobDto struct {
	ID               uuid.UUID         `json:"id"`
	Platform         platform.Platform `json:"platform"`
	ContentReference string            `json:"content_reference"`
	Status           job.Status        `json:"status"`
	AttemptCount     int               `json:"attempt_count"`
	NextAttemptAt    *time.Time        `json:"next_attempt_at,omitempty"`
	ResultPath       *string           `json:"result_path,omitempty"`
	ErrorKind        *string           `json:"error_kind,omitempty"`
	ErrorDetail      *string           `json:"error_detail,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

func NewJobDto(model *job.Job) *JobDto {
	if model == nil {
		return nil
	}

	return &JobDto{
		ID:               model.ID,
		Platform:         model.Platform,
		ContentReference: model.ContentReference,
		Status:           model.Status,
		AttemptCount:     model.AttemptCount,
		NextAttemptAt:    model.NextAttemptAt,
		ResultPath:       model.ResultPath,
		ErrorKind:        model.ErrorKind,
		ErrorDetail:      model.ErrorDetail,
		CreatedAt:        model.CreatedAt,
		UpdatedAt:        model.UpdatedAt,
	}
}
