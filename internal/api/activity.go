package api

import (
	"github.com/google/uuid"
	"github.com/mediavault/fetchd/internal/database"
	"github.com/mediavault/fetchd/internal/event"
	"github.com/mediavault/fetchd/internal/http/websocket"
)

const (
	TitleJobUpdate   = "JOB_UPDATE"
	TitleJobComplete = "JOB_COMPLETE"
	TitleJobProgress = "JOB_PROGRESS"
)

type (
	JobUpdate struct {
		JobID uuid.UUID `json:"job_id"`
		Job   *JobDto   `json:"job"`
	}

	JobProgress struct {
		JobID        uuid.UUID `json:"job_id"`
		BytesWritten int64     `json:"bytes_written"`
		ExpectedSize int64     `json:"expected_size"`
	}

	// broadcaster forwards worker events from the event bus to every
	// connected websocket client.
	broadcaster struct {
		socketHub *websocket.SocketHub
		db        database.Queryable
		jobs      jobStore
	}
)

func newBroadcaster(socketHub *websocket.SocketHub, db database.Queryable, jobs jobStore, eventBus event.EventHandler) *broadcaster {
	hub := &broadcaster{socketHub: socketHub, db: db, jobs: jobs}

	eventBus.RegisterAsyncHandlerFunction(event.JOB_UPDATE, func(_ event.Event, payload event.Payload) {
		if id, ok := payload.(uuid.UUID); ok {
			hub.broadcastJobUpdate(TitleJobUpdate, id)
		}
	})
	eventBus.RegisterAsyncHandlerFunction(event.JOB_COMPLETE, func(_ event.Event, payload event.Payload) {
		if id, ok := payload.(uuid.UUID); ok {
			hub.broadcastJobUpdate(TitleJobComplete, id)
		}
	})
	eventBus.RegisterAsyncHandlerFunction(event.JOB_PROGRESS, func(_ event.Event, payload event.Payload) {
		if progress, ok := payload.(event.ProgressPayload); ok {
			hub.broadcast(TitleJobProgress, JobProgress{
				JobID:        progress.JobID,
				BytesWritten: progress.BytesWritten,
				ExpectedSize: progress.ExpectedSize,
			})
		}
	})

	return hub
}

func (hub *broadcaster) broadcastJobUpdate(title string, id uuid.UUID) {
	found, err := hub.jobs.Get(hub.db, id)
	if err != nil {
		log.Warnf("Failed to fetch job %s for activity broadcast: %v\n", id, err)
		return
	}

	hub.broadcast(title, JobUpdate{JobID: id, Job: NewJobDto(found)})
}

func (hub *broadcaster) broadcast(title string, update any) {
	hub.socketHub.Send(&websocket.SocketMessage{
		Title: title,
		Body:  map[string]interface{}{"arguments": update},
	})
}
