package worker

import (
	"time"

	"github.com/mediavault/fetchd/internal/job"
)

type Config struct {
	// Concurrency is the number of download slots; each slot processes at
	// most one job at a time.
	Concurrency int `yaml:"concurrency" env:"WORKER_CONCURRENCY" env-default:"4" validate:"gt=0"`

	// PollIntervalSeconds is how long an idle slot sleeps before checking
	// the queue for eligible work again.
	PollIntervalSeconds int `yaml:"poll_interval_seconds" env:"WORKER_POLL_INTERVAL_SECONDS" env-default:"5" validate:"gt=0"`

	MaxAttempts           int `yaml:"max_attempts" env:"WORKER_MAX_ATTEMPTS" env-default:"4" validate:"gt=0"`
	BackoffBaseSeconds    int `yaml:"backoff_base_seconds" env:"WORKER_BACKOFF_BASE_SECONDS" env-default:"30" validate:"gt=0"`
	BackoffCeilingSeconds int `yaml:"backoff_ceiling_seconds" env:"WORKER_BACKOFF_CEILING_SECONDS" env-default:"3600" validate:"gt=0"`

	// ShutdownGraceSeconds is how long in-flight transfers are given to
	// finish once termination is requested before they are abandoned.
	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds" env:"WORKER_SHUTDOWN_GRACE_SECONDS" env-default:"30" validate:"gte=0"`
}

func (config Config) RetryPolicy() job.RetryPolicy {
	return job.RetryPolicy{
		MaxAttempts:    config.MaxAttempts,
		BackoffBase:    time.Second * time.Duration(config.BackoffBaseSeconds),
		BackoffCeiling: time.Second * time.Duration(config.BackoffCeilingSeconds),
	}
}
