package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Server wraps the echo instance serving the query API.
type Server struct {
	echo   *echo.Echo
	logger *slog.Logger
	addr   string
}

func NewServer(logger *slog.Logger, handler *Handler, host string, port int) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	handler.Register(e)

	e.GET("/health", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	return &Server{
		echo:   e,
		logger: logger.With(slog.String("module", "api-server")),
		addr:   fmt.Sprintf("%s:%d", host, port),
	}
}

// Start serves until Shutdown; it returns http.ErrServerClosed on a clean
// stop.
func (s *Server) Start() error {
	s.logger.Info("serving query API", slog.String("addr", s.addr))
	return s.echo.Start(s.addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
