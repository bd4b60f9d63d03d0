package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mediavault/fetchd/internal/database"
	"github.com/mediavault/fetchd/internal/event"
	"github.com/mediavault/fetchd/internal/http/websocket"
	"github.com/mediavault/fetchd/internal/job"
	"github.com/mediavault/fetchd/pkg/logger"
)

var log = logger.Get("API")

// recentJobLimit caps how many jobs the list route and the websocket
// connection payload return.
const recentJobLimit = 50

type (
	RestConfig struct {
		HostAddr string `yaml:"host_address" env:"API_HOST_ADDR" env-default:"0.0.0.0:8080"`
	}

	// jobStore is the read-only slice of the job store the gateway
	// needs. Job intake belongs to the web application; this gateway
	// only reports.
	jobStore interface {
		Get(db database.Queryable, jobID uuid.UUID) (*job.Job, error)
		List(db database.Queryable, limit uint64) ([]*job.Job, error)
	}

	// The RestGateway is a thin wrapper around the Echo HTTP router. Its sole
	// responsibility is to expose fetchd's read-only status routes and manage
	// ongoing web socket connections for activity events.
	RestGateway struct {
		*broadcaster
		config *RestConfig
		ec     *echo.Echo
		socket *websocket.SocketHub
		db     database.Queryable
		jobs   jobStore
	}
)

// NewRestGateway constructs the Echo router and populates it with the status
// routes and the activity websocket endpoint.
func NewRestGateway(config *RestConfig, db database.Queryable, jobs jobStore, eventBus event.EventHandler) *RestGateway {
	ec := echo.New()
	ec.OnAddRouteHandler = func(host string, route echo.Route, handler echo.HandlerFunc, middleware []echo.MiddlewareFunc) {
		log.Emit(logger.DEBUG, "Registered new route %s %s\n", route.Method, route.Path)
	}
	ec.HidePort = true
	ec.HideBanner = true

	socket := websocket.New()
	socket.WithConnectionCallback(func() map[string]interface{} {
		recent, err := jobs.List(db, recentJobLimit)
		if err != nil {
			log.Warnf("Failed to fetch recent jobs for new activity client: %v\n", err)
			return map[string]interface{}{"jobs": []*JobDto{}}
		}

		dtos := make([]*JobDto, len(recent))
		for k, j := range recent {
			dtos[k] = NewJobDto(j)
		}

		return map[string]interface{}{"jobs": dtos}
	})

	gateway := &RestGateway{
		broadcaster: newBroadcaster(socket, db, jobs, eventBus),
		config:      config,
		ec:          ec,
		socket:      socket,
		db:          db,
		jobs:        jobs,
	}

	ec.Use(middleware.Logger())
	ec.Use(middleware.Recover())
	ec.Pre(middleware.AddTrailingSlash())

	ec.GET("/api/fetchd/v1/activity/ws/", func(ec echo.Context) error {
		gateway.socket.UpgradeToSocket(ec.Response(), ec.Request())
		return nil
	})

	ec.GET("/api/fetchd/v1/health/", gateway.getHealth)
	ec.GET("/api/fetchd/v1/jobs/", gateway.listJobs)
	ec.GET("/api/fetchd/v1/jobs/:id/", gateway.getJob)

	return gateway
}

func (gateway *RestGateway) Run(parentCtx context.Context) error {
	ctx, ctxCancel := context.WithCancelCause(parentCtx)
	wg := &sync.WaitGroup{}

	// Start echo router
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := gateway.ec.Start(gateway.config.HostAddr); err != nil {
			ctxCancel(err)
		}
	}()

	// Start thread to listen for context cancellation
	go func(ec *echo.Echo) {
		<-ctx.Done()
		ec.Close()
	}(gateway.ec)

	// Start websocket
	wg.Add(1)
	go func() {
		defer wg.Done()
		gateway.socket.Start(ctx)
	}()

	wg.Wait()

	// Return cancellation cause if any, otherwise nil as parent context
	// cancellation is not an error case we should report.
	if cause := context.Cause(ctx); cause != ctx.Err() {
		return cause
	}

	return nil
}

func (gateway *RestGateway) getHealth(ec echo.Context) error {
	return ec.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (gateway *RestGateway) listJobs(ec echo.Context) error {
	jobs, err := gateway.jobs.List(gateway.db, recentJobLimit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	dtos := make([]*JobDto, len(jobs))
	for k, v := range jobs {
		dtos[k] = NewJobDto(v)
	}

	return ec.JSON(http.StatusOK, dtos)
}

func (gateway *RestGateway) getJob(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "job ID is not a valid UUID")
	}

	found, err := gateway.jobs.Get(gateway.db, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}

	return ec.JSON(http.StatusOK, NewJobDto(found))
}
