package v1

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/driftlock/conductor/internal/stream"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WatchRun streams the run's events over a WebSocket. The socket is
// observe-only: incoming frames are discarded and the connection never
// claims the run's turn.
// GET /v1/runs/:run_id/ws
func (h *Handler) WatchRun(c echo.Context) error {
	runID := c.Param("run_id")
	afterSeq := queryInt64(c, "after_seq", 0)

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	// Drain incoming frames so close frames are processed; a read error
	// means the client went away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	err = h.service.WatchRun(ctx, runID, afterSeq, &wsEmitter{conn: conn})
	if err != nil && ctx.Err() == nil {
		log.Printf("WARN: websocket stream for run %s ended with error: %v", runID, err)
	}
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return nil
}

type wsFrame struct {
	Seq   int64           `json:"seq,omitempty"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type wsEmitter struct {
	conn *websocket.Conn
}

func (e *wsEmitter) Emit(rec stream.Record) error {
	return e.conn.WriteJSON(wsFrame{Seq: rec.Seq, Event: rec.Event, Data: rec.Data})
}
