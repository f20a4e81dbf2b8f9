package controller

import (
	"context"
	"net/http"
	"time"

	"runbox/internal/exec/model"
	"runbox/pkg/utils/logger"
	"runbox/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// streamPollInterval is how often a status snapshot is pushed to the client.
const streamPollInterval = 500 * time.Millisecond

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // the service sits behind the platform gateway
	},
}

// StreamExecution upgrades to a WebSocket and pushes status snapshots
// until the execution reaches a terminal state. Unknown executions are
// rejected with a plain 404 before the upgrade.
func (h *ExecController) StreamExecution(c *gin.Context) {
	executionID := c.Param("id")
	if executionID == "" {
		response.BadRequest(c, "Invalid execution id")
		return
	}

	status, err := h.service.GetExecution(c.Request.Context(), executionID)
	if err != nil {
		response.Error(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn(c.Request.Context(), "websocket upgrade failed",
			zap.String("execution_id", executionID),
			zap.Error(err),
		)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Drain client frames so a close message from the client stops the stream.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if pushSnapshot(conn, status) {
		return
	}

	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status, err := h.service.GetExecution(ctx, executionID)
			if err != nil {
				msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "status unavailable")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
				return
			}
			if pushSnapshot(conn, status) {
				return
			}
		}
	}
}

// pushSnapshot writes one status frame and reports whether streaming is
// over, either because the execution finished or the write failed.
func pushSnapshot(conn *websocket.Conn, status model.ExecutionStatus) bool {
	if err := conn.WriteJSON(status); err != nil {
		return true
	}
	if !status.Terminal() {
		return false
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return true
}
