package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"fleet/internal/eventbus"
	"fleet/internal/stream"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
)

var terminalUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type StreamHandler struct {
	hub *stream.Hub
	bus eventbus.EventBus
}

func NewStreamHandler(hub *stream.Hub, bus eventbus.EventBus) *StreamHandler {
	return &StreamHandler{hub: hub, bus: bus}
}

// StreamLogs GET /api/v1/instances/:id/logs/stream
// 通过 SSE 推送容器 stdout/stderr 帧。多个客户端共享同一个底层 attach。
func (h *StreamHandler) StreamLogs(c *gin.Context) {
	id := c.Param("id")

	events, unsubscribe, err := h.hub.Subscribe(c.Request.Context(), id)
	if err != nil {
		respondError(c, mapError(err), err)
		return
	}
	defer unsubscribe()

	setSSEHeaders(c)

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-events:
			if !ok {
				// 上游流结束或订阅者被判定过慢
				return false
			}

			data, err := json.Marshal(gin.H{
				"type": string(event.Type),
				"data": string(event.Data),
			})
			if err != nil {
				return false
			}

			c.SSEvent("message", string(data))
			return true

		case <-c.Request.Context().Done():
			// 客户端断连
			return false

		case <-time.After(30 * time.Second):
			// 心跳保持连接
			c.SSEvent("ping", "")
			return true
		}
	})
}

// StreamEvents GET /api/v1/instances/:id/events
// 通过 SSE 推送生命周期事件（created/started/failed/...）
func (h *StreamHandler) StreamEvents(c *gin.Context) {
	id := c.Param("id")

	events, err := h.bus.Subscribe(c.Request.Context(), id)
	if err != nil {
		respondError(c, mapError(err), err)
		return
	}

	setSSEHeaders(c)

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}

			sseEvent := SSEEvent{
				Type:       string(event.Type),
				InstanceID: event.InstanceID,
				Payload:    event.Payload,
				Timestamp:  formatTime(event.Timestamp),
			}

			data, err := json.Marshal(sseEvent)
			if err != nil {
				return false
			}

			c.SSEvent("message", string(data))
			return true

		case <-c.Request.Context().Done():
			return false

		case <-time.After(30 * time.Second):
			c.SSEvent("ping", "")
			return true
		}
	})
}

func setSSEHeaders(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	// 对于长时间存在的流式连接，禁用服务器级别的 WriteTimeout。
	// 否则 http.Server.WriteTimeout（默认 120s）会在传输过程中强行关闭 TCP 连接。
	rc := http.NewResponseController(c.Writer)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		slog.Warn("Failed to disable write deadline for SSE", "error", err)
	}
}

// Terminal GET /api/v1/instances/:id/terminal
// websocket 双向终端：下行推送 stdout/stderr 帧，上行写入 stdin。
func (h *StreamHandler) Terminal(c *gin.Context) {
	id := c.Param("id")

	events, unsubscribe, err := h.hub.Subscribe(c.Request.Context(), id)
	if err != nil {
		respondError(c, mapError(err), err)
		return
	}

	conn, err := terminalUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		unsubscribe()
		slog.Warn("Terminal upgrade failed", "instance_id", id, "error", err)
		return
	}

	done := make(chan struct{})

	// 下行：流事件 -> websocket
	go func() {
		defer close(done)

		pingTicker := time.NewTicker(wsPingPeriod)
		defer pingTicker.Stop()

		for {
			select {
			case event, ok := <-events:
				if !ok {
					conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"),
						time.Now().Add(wsWriteWait))
					return
				}

				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteJSON(TerminalMessage{
					Type: string(event.Type),
					Data: string(event.Data),
				}); err != nil {
					return
				}

			case <-pingTicker.C:
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// 上行：websocket -> stdin
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		var msg TerminalMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		if msg.Type != string(stream.TypeStdin) {
			continue
		}
		if err := h.hub.WriteStdin(id, []byte(msg.Data)); err != nil {
			slog.Warn("Terminal stdin write failed", "instance_id", id, "error", err)
			break
		}
	}

	unsubscribe()
	conn.Close()
	<-done
}
