// Package v1 provides the public HTTP API for runs.
package v1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/driftlock/conductor/internal/domain"
	"github.com/driftlock/conductor/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{
		service: service,
	}
}

// RegisterRoutes registers the run API routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/v1/runs", h.CreateRun)
	e.GET("/v1/runs/:run_id", h.GetRun)
	e.POST("/v1/runs/:run_id/messages", h.AppendMessage)
	e.GET("/v1/runs/:run_id/events", h.GetRunEvents)
	e.POST("/v1/runs/:run_id/stream", h.StreamRun)
	e.POST("/v1/runs/:run_id/stop", h.StopRun)
	e.GET("/v1/runs/:run_id/ws", h.WatchRun)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

// errorResponse maps service errors onto HTTP statuses.
func errorResponse(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrRunNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrRunInProgress), errors.Is(err, domain.ErrNoActiveTurn):
		status = http.StatusConflict
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}
