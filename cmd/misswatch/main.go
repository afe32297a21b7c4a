package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	cmd "github.com/misswatch/misswatch/cmd/misswatch/services"
	"github.com/misswatch/misswatch/config"
	appLogger "github.com/misswatch/misswatch/internal/logger"
	"github.com/misswatch/misswatch/internal/store/postgresql"
	"github.com/misswatch/misswatch/internal/version"
)

const (
	exitOK            = 0
	exitConfigInvalid = 1
	exitStoreError    = 2
	exitFault         = 64
)

func main() {
	os.Exit(run())
}

func run() int {
	startMonitor := flag.Bool("monitor", false, "start the miss monitor")
	startAPI := flag.Bool("api", false, "start the query API server")
	truncateDB := flag.Bool("truncate-db", false, "delete all data from the database and exit")
	configDir := flag.String("config", "", "path to configuration directory")
	flag.Parse()

	appConfig, err := config.Load(*configDir)
	if err != nil {
		log.Printf("failed to load config: %v", err)
		return exitConfigInvalid
	}

	logger, err := appLogger.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		log.Printf("failed to create logger: %v", err)
		return exitConfigInvalid
	}

	hostname, err := os.Hostname()
	if err == nil {
		logger = logger.With(slog.String("host", hostname))
	}

	logger.Info("starting misswatch",
		slog.String("version", version.Version), slog.String("commit", version.Commit))

	if *truncateDB {
		return truncate(logger, appConfig)
	}

	go func() {
		if appConfig.ProfilerAddr != "" {
			logger.Info(fmt.Sprintf("starting profiler on http://%s/debug/pprof", appConfig.ProfilerAddr))
			err := http.ListenAndServe(appConfig.ProfilerAddr, nil)
			if err != nil {
				logger.Error("failed to start profiler server", slog.String("err", err.Error()))
			}
		}
	}()

	go func() {
		if appConfig.PrometheusEndpoint != "" {
			logger.Info("starting prometheus", slog.String("endpoint", appConfig.PrometheusEndpoint))
			http.Handle(appConfig.PrometheusEndpoint, promhttp.Handler())
			err := http.ListenAndServe(appConfig.PrometheusAddr, nil)
			if err != nil {
				logger.Error("failed to start prometheus server", slog.String("err", err.Error()))
			}
		}
	}()

	if !isAnyFlagPassed("monitor", "api") {
		logger.Info("no service selected, starting all")
		*startMonitor = true
		*startAPI = true
	}

	shutdownFns := make([]func(), 0)

	if *startMonitor {
		logger.Info("starting monitor")
		shutdown, err := cmd.StartMonitor(logger.With(slog.String("service", "monitor")), appConfig)
		if err != nil {
			logger.Error("failed to start monitor", slog.String("err", err.Error()))
			return exitCodeFor(err)
		}
		shutdownFns = append(shutdownFns, shutdown)
	}

	if *startAPI {
		logger.Info("starting api")
		shutdown, err := cmd.StartAPIServer(logger.With(slog.String("service", "api")), appConfig)
		if err != nil {
			logger.Error("failed to start api", slog.String("err", err.Error()))
			appCleanup(logger, shutdownFns)
			return exitCodeFor(err)
		}
		shutdownFns = append(shutdownFns, shutdown)
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	<-signalChan

	appCleanup(logger, shutdownFns)
	return exitOK
}

func truncate(logger *slog.Logger, appConfig *config.AppConfig) int {
	if appConfig.Db.Connection == "" {
		logger.Error("truncate-db requires db_connection")
		return exitConfigInvalid
	}

	missStore, err := postgresql.New(appConfig.Db.Connection, 0, 0)
	if err != nil {
		logger.Error("failed to open store", slog.String("err", err.Error()))
		return exitStoreError
	}
	defer missStore.Close()

	if err := missStore.Migrate(); err != nil {
		logger.Error("failed to migrate store", slog.String("err", err.Error()))
		return exitStoreError
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := missStore.Truncate(ctx); err != nil {
		logger.Error("failed to truncate store", slog.String("err", err.Error()))
		return exitStoreError
	}

	logger.Info("database truncated")
	return exitOK
}

func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, cmd.ErrStartupStore):
		return exitStoreError
	case errors.Is(err, config.ErrMissingExecutionHTTPURL),
		errors.Is(err, config.ErrMissingExecutionWSURL),
		errors.Is(err, config.ErrMissingConsensusHTTPURL),
		errors.Is(err, config.ErrMissingDbConnection),
		errors.Is(err, config.ErrInvalidURL),
		errors.Is(err, config.ErrInvalidQuorum):
		return exitConfigInvalid
	default:
		return exitFault
	}
}

func appCleanup(logger *slog.Logger, shutdownFns []func()) {
	logger.Info("shutting down")

	var wg sync.WaitGroup
	for _, fn := range shutdownFns {
		wg.Add(1)
		go func(fn func()) {
			defer wg.Done()
			fn()
		}(fn)
	}
	wg.Wait()
}

func isAnyFlagPassed(flags ...string) bool {
	for _, name := range flags {
		found := false
		flag.Visit(func(f *flag.Flag) {
			if f.Name == name {
				found = true
			}
		})
		if found {
			return true
		}
	}
	return false
}
