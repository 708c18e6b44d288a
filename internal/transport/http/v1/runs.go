package v1

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/driftlock/conductor/internal/domain"
	"github.com/driftlock/conductor/internal/stream"
)

// CreateRun creates a run with its first user message.
// POST /v1/runs
func (h *Handler) CreateRun(c echo.Context) error {
	var req domain.CreateRunRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	run, err := h.service.CreateRun(c.Request().Context(), req)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, run)
}

// GetRun returns a run snapshot.
// GET /v1/runs/:run_id
func (h *Handler) GetRun(c echo.Context) error {
	run, err := h.service.GetRun(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// AppendMessage adds a follow-up user message to a finished run.
// POST /v1/runs/:run_id/messages
func (h *Handler) AppendMessage(c echo.Context) error {
	var req domain.AppendMessageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	run, err := h.service.AppendMessage(c.Request().Context(), c.Param("run_id"), req)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// GetRunEvents returns a page of the run's event log, or streams it live
// when the client asks for text/event-stream. The SSE branch observes
// only; claiming the turn is reserved for POST /stream.
// GET /v1/runs/:run_id/events
func (h *Handler) GetRunEvents(c echo.Context) error {
	if strings.Contains(c.Request().Header.Get("Accept"), "text/event-stream") {
		return h.serveSSE(c, h.service.WatchRun)
	}

	afterSeq := queryInt64(c, "after_seq", 0)
	limit := int(queryInt64(c, "limit", 100))

	page, err := h.service.ListEvents(c.Request().Context(), c.Param("run_id"), afterSeq, limit)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, page)
}

// StreamRun streams the run's events over SSE from after_seq onward,
// claiming the run's pending turn if no other replica owns it.
// POST /v1/runs/:run_id/stream
func (h *Handler) StreamRun(c echo.Context) error {
	return h.serveSSE(c, h.service.OpenStream)
}

// StopRun requests cooperative cancellation of the current turn.
// POST /v1/runs/:run_id/stop
func (h *Handler) StopRun(c echo.Context) error {
	res, err := h.service.StopRun(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusAccepted, res)
}

func (h *Handler) serveSSE(c echo.Context, open func(context.Context, string, int64, stream.Emitter) error) error {
	runID := c.Param("run_id")
	afterSeq := queryInt64(c, "after_seq", 0)
	ctx := c.Request().Context()

	// Resolve the run before committing to an SSE response so an unknown
	// run still gets a regular error status.
	if _, err := h.service.GetRun(ctx, runID); err != nil {
		return errorResponse(c, err)
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	err := open(ctx, runID, afterSeq, &sseEmitter{res: res})
	if err != nil && ctx.Err() == nil {
		// Headers are already written; all we can do is log and close.
		c.Logger().Errorf("stream for run %s ended with error: %v", runID, err)
	}
	return nil
}

// sseEmitter writes stream records as SSE frames. Records with a seq carry
// it as the SSE id so clients can resume with after_seq; heartbeats have
// no id and do not advance the client's cursor.
type sseEmitter struct {
	res *echo.Response
}

func (e *sseEmitter) Emit(rec stream.Record) error {
	var err error
	if rec.Seq > 0 {
		_, err = fmt.Fprintf(e.res, "id: %d\nevent: %s\ndata: %s\n\n", rec.Seq, rec.Event, rec.Data)
	} else {
		_, err = fmt.Fprintf(e.res, "event: %s\ndata: %s\n\n", rec.Event, rec.Data)
	}
	if err != nil {
		return err
	}
	e.res.Flush()
	return nil
}

func queryInt64(c echo.Context, name string, defaultVal int64) int64 {
	if v := c.QueryParam(name); v != "" {
		if val, err := strconv.ParseInt(v, 10, 64); err == nil {
			return val
		}
	}
	return defaultVal
}
