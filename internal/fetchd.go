package internal

import (
	"context"
	"fmt"
	"sync"

	"github.com/mediavault/fetchd/internal/api"
	"github.com/mediavault/fetchd/internal/cookie"
	"github.com/mediavault/fetchd/internal/database"
	"github.com/mediavault/fetchd/internal/download"
	"github.com/mediavault/fetchd/internal/event"
	"github.com/mediavault/fetchd/internal/job"
	"github.com/mediavault/fetchd/internal/platform"
	"github.com/mediavault/fetchd/internal/storage"
	"github.com/mediavault/fetchd/internal/worker"
	"github.com/mediavault/fetchd/pkg/logger"
)

var log = logger.Get("Core")

type (
	RunnableService interface {
		Run(context.Context) error
	}

	// fetchdImpl represents the top-level object for the daemon, and is
	// responsible for initialising the stores, services, event handling,
	// et cetera...
	fetchdImpl struct {
		config   Config
		eventBus event.EventCoordinator

		jobStore       *job.Store
		cookieStore    *cookie.Store
		storageManager *storage.Manager
		adapters       *platform.Registry

		workerService RunnableService
		restGateway   RunnableService
	}
)

func New(config Config) *fetchdImpl {
	log.Emit(logger.DEBUG, "Bootstrapping fetchd services using config: %#v\n", config)

	return &fetchdImpl{
		config:   config,
		eventBus: event.New(),
	}
}

// Run will start fetchd by bringing up all required services and connections:
// the database connection and migrations, the credential store, the worker
// slots and the status gateway.
//
// This function will not return until fetchd is stopped. To stop fetchd, the
// provided context must be cancelled. Errors from which fetchd cannot recover
// will also cause it to stop.
func (fetchd *fetchdImpl) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	crashHandler := func(label string, err error) {
		log.Emit(logger.FATAL, "Service crash (%s)! %s\n", label, err.Error())
		cancel()
	}

	log.Emit(logger.NEW, "Connecting to database...\n")
	db := database.New()
	if err := db.Connect(fetchd.config.Database); err != nil {
		return err
	}

	if err := fetchd.initialiseServices(db); err != nil {
		return err
	}

	wg := &sync.WaitGroup{}
	fetchd.spawnAsyncService(ctx, wg, fetchd.cookieStore, "cookie-store", crashHandler)
	fetchd.spawnAsyncService(ctx, wg, fetchd.workerService, "worker-service", crashHandler)
	fetchd.spawnAsyncService(ctx, wg, fetchd.restGateway, "rest-gateway", crashHandler)
	log.Emit(logger.SUCCESS, "fetchd services spawned!\n")

	wg.Wait()
	return nil
}

func (fetchd *fetchdImpl) initialiseServices(db database.Manager) error {
	fetchd.jobStore = job.NewStore(fetchd.config.Worker.RetryPolicy())

	cookieStore, err := cookie.New(fetchd.config.Cookies, fetchd.eventBus)
	if err != nil {
		return fmt.Errorf("failed to construct cookie store: %w", err)
	}
	fetchd.cookieStore = cookieStore

	storageManager, err := storage.New(fetchd.config.Storage)
	if err != nil {
		return fmt.Errorf("failed to construct storage manager: %w", err)
	}
	if err := storageManager.SweepTemp(); err != nil {
		return fmt.Errorf("failed to sweep temp directory: %w", err)
	}
	fetchd.storageManager = storageManager

	fetchd.adapters = platform.NewRegistry()
	for _, adapter := range []platform.Adapter{
		platform.NewYouTubeAdapter(fetchd.config.Platforms.YouTube),
		platform.NewInstagramAdapter(fetchd.config.Platforms.Instagram),
		platform.NewTikTokAdapter(fetchd.config.Platforms.TikTok),
	} {
		if err := fetchd.adapters.Register(adapter); err != nil {
			return fmt.Errorf("failed to register platform adapter: %w", err)
		}
	}

	sqlxDb := db.GetSqlxDb()
	fetchd.workerService = worker.New(
		fetchd.config.Worker,
		sqlxDb,
		fetchd.jobStore,
		fetchd.cookieStore,
		fetchd.adapters,
		download.NewExecutor(),
		fetchd.storageManager,
		fetchd.eventBus,
	)
	fetchd.restGateway = api.NewRestGateway(&fetchd.config.RestGateway, sqlxDb, fetchd.jobStore, fetchd.eventBus)

	return nil
}

// spawnAsyncService will run the provided function/service as its own
// go-routine, ensuring that the fetchd service waitgroup is updated correctly
func (fetchd *fetchdImpl) spawnAsyncService(context context.Context, wg *sync.WaitGroup, service RunnableService, serviceLabel string, crashHandler func(string, error)) {
	log.Emit(logger.NEW, "Spawning %s\n", serviceLabel)
	wg.Add(1)

	go func(wg *sync.WaitGroup, label string, crash func(string, error)) {
		defer func() {
			if r := recover(); r != nil {
				crash(label, fmt.Errorf("panic %v", r))
			}
		}()

		defer wg.Done()
		if err := service.Run(context); err != nil {
			crash(label, err)
		}
	}(wg, serviceLabel, crashHandler)
}
