package services

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/misswatch/misswatch/config"
	"github.com/misswatch/misswatch/internal/api"
	"github.com/misswatch/misswatch/internal/store/postgresql"
)

// StartAPIServer wires the read-only query layer on its own connection pool.
func StartAPIServer(logger *slog.Logger, appConfig *config.AppConfig) (func(), error) {
	queryStore, err := postgresql.New(appConfig.ApiDbConnection(), 0, 0)
	if err != nil {
		return nil, errors.Join(ErrStartupStore, err)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := queryStore.Ping(pingCtx); err != nil {
		_ = queryStore.Close()
		return nil, errors.Join(ErrStartupStore, err)
	}

	handler := api.NewHandler(queryStore, logger,
		appConfig.Api.MaxResponseRows, appConfig.Api.RequestTimeout)
	server := api.NewServer(logger, handler, appConfig.Api.Host, appConfig.Api.Port)

	go func() {
		err := server.Start()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server stopped", slog.String("err", err.Error()))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("failed to shut down api server", slog.String("err", err.Error()))
		}
		if err := queryStore.Close(); err != nil {
			logger.Error("failed to close query store", slog.String("err", err.Error()))
		}
	}, nil
}
