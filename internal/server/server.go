// Package server exposes the admin HTTP API: connection status, forced
// reconnection and test notifications.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"carepulse/internal/notifier"
)

// Server wraps the echo instance serving the admin API.
type Server struct {
	echo    *echo.Echo
	service *notifier.Service
	addr    string
	logger  zerolog.Logger
}

// New creates the admin server.
func New(host string, port int, service *notifier.Service, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())

	s := &Server{
		echo:    e,
		service: service,
		addr:    fmt.Sprintf("%s:%d", host, port),
		logger:  logger.With().Str("component", "admin-server").Logger(),
	}

	v1 := e.Group("/v1")
	v1.GET("/status", s.handleStatus)
	v1.GET("/capabilities", s.handleCapabilities)
	v1.POST("/reconnect", s.handleReconnect)
	v1.POST("/notifications/test", s.handleTestNotification)

	return s
}

// Start begins serving. It blocks until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.addr).Msg("admin server listening")
	if err := s.echo.Start(s.addr); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin server failed: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.service.GetConnectionStatus())
}

func (s *Server) handleCapabilities(c echo.Context) error {
	return c.JSON(http.StatusOK, s.service.IsSupported())
}

func (s *Server) handleReconnect(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 30*time.Second)
	defer cancel()

	if err := s.service.ForceReconnect(ctx); err != nil {
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, s.service.GetConnectionStatus())
}

type testNotificationRequest struct {
	UserID string `json:"userId"`
}

func (s *Server) handleTestNotification(c echo.Context) error {
	var req testNotificationRequest
	if err := c.Bind(&req); err != nil || req.UserID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "userId is required"})
	}

	if err := s.service.TestNotification(c.Request().Context(), req.UserID); err != nil {
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "created"})
}
