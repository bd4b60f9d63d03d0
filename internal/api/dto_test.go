package api_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mediavault/fetchd/internal/api"
	"github.com/mediavault/fetchd/internal/job"
	"github.com/mediavault/fetchd/internal/platform"
	"github.com/stretchr/testify/assert"
)

func Test_NewJobDto_MapsAllFields(t *testing.T) {
	t.Parallel()

	resultPath := "abc123"
	errorKind := "RATE_LIMITED"
	next := time.Now().Add(time.Minute)
	model := &job.Job{
		ID:               uuid.New(),
		Platform:         platform.TikTok,
		ContentReference: "item9",
		Status:           job.Failed,
		AttemptCount:     2,
		Retryable:        true,
		NextAttemptAt:    &next,
		ResultPath:       &resultPath,
		ErrorKind:        &errorKind,
		CreatedAt:        time.Now().Add(-time.Hour),
		UpdatedAt:        time.Now(),
	}

	dto := api.NewJobDto(model)
	assert.Equal(t, model.ID, dto.ID)
	assert.Equal(t, platform.TikTok, dto.Platform)
	assert.Equal(t, "item9", dto.ContentReference)
	assert.Equal(t, job.Failed, dto.Status)
	assert.Equal(t, 2, dto.AttemptCount)
	assert.Equal(t, &next, dto.NextAttemptAt)
	assert.Equal(t, &resultPath, dto.ResultPath)
	assert.Equal(t, &errorKind, dto.ErrorKind)
}

func Test_NewJobDto_NilModel(t *testing.T) {
	t.Parallel()
	assert.Nil(t, api.NewJobDto(nil))
}
