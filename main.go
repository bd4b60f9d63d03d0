package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mediavault/fetchd/internal"
	"github.com/mediavault/fetchd/pkg/logger"
)

var log = logger.Get("Main")

// main is the entry point to the program. It loads the user's fetchd
// configuration, constructs the daemon and runs it until an interrupt or
// termination signal arrives; a grace period is then given for in-flight
// transfers before the process exits.
func main() {
	if err := godotenv.Load(); err != nil {
		log.Emit(logger.WARNING, "Failed to load .env file: %v\n", err)
	}

	configPath := flag.String("config", ".fetchd/config.yaml", "path to the YAML configuration file")
	logLevel := flag.Int("log-level", 2, "minimum log status to emit (0 VERBOSE through 9 FATAL)")
	flag.Parse()

	logger.SetMinLoggingLevel(*logLevel)

	config := internal.Config{}
	if err := config.LoadFromFile(*configPath); err != nil {
		log.Emit(logger.FATAL, "%v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	signalChannel := make(chan os.Signal, 2)
	signal.Notify(signalChannel, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-signalChannel
		grace := time.Second * time.Duration(config.Worker.ShutdownGraceSeconds)
		log.Emit(logger.STOP, "Received %s, shutting down (grace period %s)...\n", sig, grace)
		cancel()

		select {
		case <-time.After(grace):
			log.Emit(logger.FATAL, "Shutdown grace period expired, exiting\n")
		case sig = <-signalChannel:
			log.Emit(logger.FATAL, "Received second %s, exiting immediately\n", sig)
		}

		os.Exit(1)
	}()

	if err := internal.New(config).Run(ctx); err != nil {
		log.Emit(logger.FATAL, "fetchd encountered an unrecoverable error: %v\n", err)
		os.Exit(1)
	}

	log.Emit(logger.STOP, "fetchd stopped\n")
}
