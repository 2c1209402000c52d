// Package httpapi serves the daemon's loopback HTTP surface: the event
// feed, Prometheus metrics, health and a status snapshot.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/treeland-project/sessiond/internal/health"
	"github.com/treeland-project/sessiond/internal/logging"
)

var log = logging.L("httpapi")

const statusTimeout = 2 * time.Second

// StatusFunc produces the /status document.
type StatusFunc func(ctx context.Context) (any, error)

type Options struct {
	Listen string
	Feed   http.Handler
	Health *health.Monitor
	Status StatusFunc
}

type Server struct {
	echo     *echo.Echo
	listen   string
	health   *health.Monitor
	status   StatusFunc
	listener net.Listener
}

func New(opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:   e,
		listen: opts.Listen,
		health: opts.Health,
		status: opts.Status,
	}

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/healthz", s.handleHealth)
	e.GET("/status", s.handleStatus)
	if opts.Feed != nil {
		e.GET("/events", echo.WrapHandler(opts.Feed))
	}
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start binds the listen address and serves in the background. Addr is
// valid once Start returns.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return err
	}
	s.listener = ln
	s.echo.Listener = ln
	log.Info("http api listening", "addr", ln.Addr().String())

	go func() {
		if err := s.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http api stopped", logging.KeyError, err)
		}
	}()
	return nil
}

func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleHealth(c echo.Context) error {
	if s.health == nil {
		return c.JSON(http.StatusOK, health.Report{Status: health.Unknown})
	}
	report := s.health.Report()
	code := http.StatusOK
	if report.Status == health.Unhealthy {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, report)
}

func (s *Server) handleStatus(c echo.Context) error {
	if s.status == nil {
		return echo.NewHTTPError(http.StatusNotFound, "status unavailable")
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), statusTimeout)
	defer cancel()

	doc, err := s.status(ctx)
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
	}
	return c.JSON(http.StatusOK, doc)
}
