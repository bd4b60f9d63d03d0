package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mediavault/fetchd/internal/cookie"
	"github.com/mediavault/fetchd/internal/database"
	"github.com/mediavault/fetchd/internal/download"
	"github.com/mediavault/fetchd/internal/event"
	"github.com/mediavault/fetchd/internal/fault"
	"github.com/mediavault/fetchd/internal/job"
	"github.com/mediavault/fetchd/internal/platform"
	"github.com/mediavault/fetchd/internal/storage"
	"github.com/mediavault/fetchd/pkg/logger"
)

var log = logger.Get("Worker")

type (
	// JobStore is the subset of the job store's queue operations the worker
	// loop drives.
	JobStore interface {
		ClaimNext(db database.Queryable) (*job.Job, error)
		Complete(db database.Queryable, jobID uuid.UUID, resultPath string) error
		Fail(db database.Queryable, jobID uuid.UUID, kind fault.Kind, detail string, retryable bool, backoffHint time.Duration) error
		Release(db database.Queryable, jobID uuid.UUID) error
		RecoverOrphaned(db database.Queryable) (int64, error)
	}

	CredentialProvider interface {
		Credentials(platform.Platform) (*cookie.Bundle, error)
		RequestReload(platform.Platform) error
	}

	MediaFetcher interface {
		Fetch(ctx context.Context, media *platform.ResolvedMedia, tempPath string, onProgress download.ProgressHandler) (*download.ArtifactMeta, error)
	}

	ArtifactStore interface {
		TempPathFor(jobID uuid.UUID) string
		Finalize(db database.Queryable, tempPath string, meta *download.ArtifactMeta) (*storage.Artifact, error)
	}

	// service runs a fixed pool of download slots against the shared job
	// queue. Each slot independently claims, resolves, transfers and
	// finalises one job at a time; claim exclusivity is enforced by the
	// store, so slots never coordinate with each other.
	service struct {
		config      Config
		db          database.Queryable
		jobStore    JobStore
		credentials CredentialProvider
		adapters    *platform.Registry
		fetcher     MediaFetcher
		artifacts   ArtifactStore
		eventBus    event.EventDispatcher
	}
)

func New(
	config Config,
	db database.Queryable,
	jobStore JobStore,
	credentials CredentialProvider,
	adapters *platform.Registry,
	fetcher MediaFetcher,
	artifacts ArtifactStore,
	eventBus event.EventDispatcher,
) *service {
	return &service{
		config:      config,
		db:          db,
		jobStore:    jobStore,
		credentials: credentials,
		adapters:    adapters,
		fetcher:     fetcher,
		artifacts:   artifacts,
		eventBus:    eventBus,
	}
}

// Run starts the download slots and blocks until all of them have exited.
// To kill the service, the calling code should cancel the context provided;
// slots finish (or abandon) their in-flight job before returning.
func (service *service) Run(ctx context.Context) error {
	if recovered, err := service.jobStore.RecoverOrphaned(service.db); err != nil {
		return fmt.Errorf("failed to recover orphaned jobs: %w", err)
	} else if recovered > 0 {
		log.Warnf("Recovered %d jobs orphaned by a previous shutdown\n", recovered)
	}

	log.Infof("Starting %d download slots\n", service.config.Concurrency)

	var wg sync.WaitGroup
	for i := 0; i < service.config.Concurrency; i++ {
		wg.Add(1)
		go func(slotID int) {
			defer wg.Done()
			service.slotLoop(ctx, slotID)
		}(i)
	}

	wg.Wait()
	log.Emit(logger.STOP, "All download slots stopped\n")
	return nil
}

// slotLoop polls the queue until the context is cancelled, draining all
// eligible jobs each time it wakes.
func (service *service) slotLoop(ctx context.Context, slotID int) {
	ticker := time.NewTicker(time.Second * time.Duration(service.config.PollIntervalSeconds))
	defer ticker.Stop()

	for {
		for {
			if ctx.Err() != nil {
				return
			}

			claimed, err := service.jobStore.ClaimNext(service.db)
			if err != nil {
				log.Errorf("Slot %d failed to claim work: %v\n", slotID, err)
				break
			} else if claimed == nil {
				break
			}

			service.processJob(ctx, slotID, claimed)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// processJob drives one claimed job through resolve, transfer and
// finalisation, recording the outcome on the job row. A panic anywhere in the
// attempt is contained here and recorded as a retryable failure so a poisoned
// job can never take its slot down with it.
func (service *service) processJob(ctx context.Context, slotID int, claimed *job.Job) {
	var bytesWritten atomic.Int64

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Slot %d PANIC while processing job %s: %v\n", slotID, claimed.ID, r)
			if err := service.jobStore.Fail(service.db, claimed.ID, fault.Unexpected, fmt.Sprintf("worker panic: %v", r), true, 0); err != nil {
				log.Errorf("Failed to record panic outcome for job %s: %v\n", claimed.ID, err)
			}
		}
	}()

	log.Emit(logger.NEW, "Slot %d claimed job %s (attempt %d)\n", slotID, claimed, claimed.AttemptCount)
	service.dispatchUpdate(claimed.ID)

	artifact, err := service.executeAttempt(ctx, claimed, &bytesWritten)
	if err != nil {
		service.recordFailure(ctx, claimed, err, bytesWritten.Load())
		return
	}

	if err := service.jobStore.Complete(service.db, claimed.ID, artifact.ContentKey); err != nil {
		log.Errorf("Failed to mark job %s complete: %v\n", claimed.ID, err)
		return
	}

	log.Emit(logger.SUCCESS, "Job %s complete: %s\n", claimed.ID, artifact.AbsolutePath)
	service.dispatchComplete(claimed.ID)
}

// executeAttempt performs one full attempt: resolve the media, stream it to
// the job's temp path, and finalise it in to the artifact store.
func (service *service) executeAttempt(ctx context.Context, claimed *job.Job, bytesWritten *atomic.Int64) (*storage.Artifact, error) {
	media, err := service.resolveMedia(ctx, claimed)
	if err != nil {
		return nil, err
	}

	tempPath := service.artifacts.TempPathFor(claimed.ID)
	meta, err := service.fetcher.Fetch(ctx, media, tempPath, func(update download.ProgressUpdate) {
		bytesWritten.Store(update.BytesWritten)
		service.dispatchProgress(claimed.ID, update)
	})
	if err != nil {
		return nil, err
	}

	artifact, err := service.artifacts.Finalize(service.db, tempPath, meta)
	if err != nil {
		return nil, err
	}

	return artifact, nil
}

// resolveMedia asks the platform adapter for the job's stream details. An
// AuthExpired rejection triggers a forced credential reload and one retry
// within the same attempt; if the platform still rejects the fresh bundle,
// the rejection stands.
func (service *service) resolveMedia(ctx context.Context, claimed *job.Job) (*platform.ResolvedMedia, error) {
	adapter, err := service.adapters.AdapterFor(claimed.Platform)
	if err != nil {
		return nil, fault.New(fault.Unexpected, err)
	}

	resolve := func() (*platform.ResolvedMedia, error) {
		bundle, err := service.credentials.Credentials(claimed.Platform)
		if err != nil {
			return nil, fault.New(fault.MissingCredentials, err)
		}

		return adapter.Resolve(ctx, claimed.ContentReference, bundle.Raw)
	}

	media, err := resolve()
	if err != nil && fault.KindOf(err) == fault.AuthExpired {
		log.Warnf("Platform %s rejected credentials for job %s, forcing reload\n", claimed.Platform, claimed.ID)
		if reloadErr := service.credentials.RequestReload(claimed.Platform); reloadErr != nil {
			log.Warnf("Forced credential reload for %s failed: %v\n", claimed.Platform, reloadErr)
			return nil, err
		}

		media, err = resolve()
	}

	return media, err
}

// recordFailure classifies the attempt's error and records the outcome. A
// cancellation that interrupted the attempt before any bytes moved releases
// the claim outright, refunding the attempt; a cancellation mid-transfer
// leaves the job InProgress so the next startup can reclaim it.
func (service *service) recordFailure(ctx context.Context, claimed *job.Job, attemptErr error, bytesWritten int64) {
	if ctx.Err() != nil {
		if bytesWritten == 0 {
			log.Infof("Job %s interrupted by shutdown before transfer began, releasing claim\n", claimed.ID)
			if err := service.jobStore.Release(service.db, claimed.ID); err != nil {
				log.Errorf("Failed to release job %s: %v\n", claimed.ID, err)
			}
		} else {
			log.Infof("Job %s abandoned mid-transfer by shutdown (%d bytes written)\n", claimed.ID, bytesWritten)
		}

		return
	}

	kind := fault.KindOf(attemptErr)
	retryable := kind.Retryable()
	log.Errorf("Job %s attempt %d failed (%s, retryable=%t): %v\n", claimed.ID, claimed.AttemptCount, kind, retryable, attemptErr)

	if err := service.jobStore.Fail(service.db, claimed.ID, kind, attemptErr.Error(), retryable, fault.BackoffHint(attemptErr)); err != nil {
		log.Errorf("Failed to record failure of job %s: %v\n", claimed.ID, err)
		return
	}

	service.dispatchUpdate(claimed.ID)
}

func (service *service) dispatchUpdate(jobID uuid.UUID) {
	if service.eventBus != nil {
		service.eventBus.Dispatch(event.JOB_UPDATE, jobID)
	}
}

func (service *service) dispatchComplete(jobID uuid.UUID) {
	if service.eventBus != nil {
		service.eventBus.Dispatch(event.JOB_COMPLETE, jobID)
	}
}

func (service *service) dispatchProgress(jobID uuid.UUID, update download.ProgressUpdate) {
	if service.eventBus != nil {
		service.eventBus.Dispatch(event.JOB_PROGRESS, event.ProgressPayload{
			JobID:        jobID,
			BytesWritten: update.BytesWritten,
			ExpectedSize: update.ExpectedSize,
		})
	}
}
