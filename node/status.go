package node

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/silius-go/silius/version"
)

// statusServer is the operator-facing HTTP endpoint: prometheus
// metrics and a liveness probe, separate from the JSON-RPC surface.
type statusServer struct {
	addr   string
	echo   *echo.Echo
	logger *zap.SugaredLogger
}

func newStatusServer(addr string, reg *prometheus.Registry, logger *zap.SugaredLogger) *statusServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "up",
			"version": version.Get(),
		})
	})

	return &statusServer{addr: addr, echo: e, logger: logger}
}

func (s *statusServer) start() error {
	go func() {
		if err := s.echo.Start(s.addr); err != nil && err != http.ErrServerClosed {
			s.logger.Errorw("status server stopped", "error", err)
		}
	}()
	s.logger.Infow("status server listening", "addr", s.addr)
	return nil
}

func (s *statusServer) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(ctx); err != nil {
		s.logger.Debugw("status server shutdown", "error", err)
	}
}
