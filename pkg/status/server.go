// Package status serves a read-only local view of the watchdog: latest
// health classification, state machine position and recent audit events.
// It is bound to loopback and exposes no mutating endpoint; the daemon has
// no remote control surface.
package status

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"torwatch/pkg/log"
	"torwatch/pkg/models"
)

const recentEventLimit = 50

// SnapshotSource is the watchdog controller's published view.
type SnapshotSource interface {
	Snapshot() models.Snapshot
}

// EventSource is the audit store's read side.
type EventSource interface {
	RecentRecoveries(ctx context.Context, limit int) ([]models.RecoveryAttempt, error)
	RecentAlerts(ctx context.Context, limit int) ([]models.AlertEvent, error)
}

// Server is the local status API.
type Server struct {
	echo    *echo.Echo
	source  SnapshotSource
	events  EventSource
	version string
}

// NewServer builds the server over a snapshot source and an event source.
func NewServer(version string, source SnapshotSource, events EventSource) *Server {
	s := &Server{
		echo:    echo.New(),
		source:  source,
		events:  events,
		version: version,
	}
	s.setupRoutes()
	return s
}

// Start serves on addr until Shutdown. It blocks, so callers run it in a
// goroutine.
func (s *Server) Start(addr string) error {
	log.Info().Str("addr", addr).Msg("Status API listening")
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(middleware.Recover())

	s.echo.GET("/healthz", s.getHealthz)
	s.echo.GET("/status", s.getStatus)
	s.echo.GET("/attempts", s.getAttempts)
	s.echo.GET("/alerts", s.getAlerts)
}

// getHealthz returns the latest health classification; non-healthy maps to
// 503 so the endpoint works as a probe target.
func (s *Server) getHealthz(c echo.Context) error {
	snap := s.source.Snapshot()
	code := http.StatusOK
	if !snap.LastHealth.Healthy() {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, snap.LastHealth)
}

func (s *Server) getStatus(c echo.Context) error {
	snap := s.source.Snapshot()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"version":  s.version,
		"snapshot": snap,
	})
}

func (s *Server) getAttempts(c echo.Context) error {
	attempts, err := s.events.RecentRecoveries(c.Request().Context(), recentEventLimit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to read recovery attempts"})
	}
	if attempts == nil {
		attempts = []models.RecoveryAttempt{}
	}
	return c.JSON(http.StatusOK, attempts)
}

func (s *Server) getAlerts(c echo.Context) error {
	alerts, err := s.events.RecentAlerts(c.Request().Context(), recentEventLimit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to read alerts"})
	}
	if alerts == nil {
		alerts = []models.AlertEvent{}
	}
	return c.JSON(http.StatusOK, alerts)
}
