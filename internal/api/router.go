package api

import (
	"net/http"
	"os"
	"time"

	"fleet/internal/controller"
	"fleet/internal/eventbus"
	"fleet/internal/runtime"
	"fleet/internal/stream"
	"fleet/internal/upload"

	"github.com/gin-gonic/gin"
)

func NewRouter(
	ctrl *controller.Controller,
	hub *stream.Hub,
	uploads *upload.Manager,
	bus eventbus.EventBus,
	provider *runtime.Provider,
) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())
	r.Use(RequestIDMiddleware())

	// Global health check
	r.GET("/health", func(c *gin.Context) {
		hostname, _ := os.Hostname()
		reachable, total := provider.PingAll(c.Request.Context())

		status := "ok"
		if reachable == 0 {
			status = "degraded"
		}

		c.JSON(http.StatusOK, HealthResponse{
			Status:         status,
			Hostname:       hostname,
			PID:            os.Getpid(),
			NodesReachable: reachable,
			NodesTotal:     total,
			Timestamp:      formatTime(time.Now()),
		})
	})

	instanceHandler := NewInstanceHandler(ctrl)
	streamHandler := NewStreamHandler(hub, bus)
	uploadHandler := NewUploadHandler(uploads, ctrl)

	v1 := r.Group("/api/v1")
	{
		instances := v1.Group("/instances")
		{
			instances.POST("", instanceHandler.CreateInstance)
			instances.GET("", instanceHandler.ListInstances)
			instances.GET("/:id", instanceHandler.GetInstance)
			instances.DELETE("/:id", instanceHandler.DeleteInstance)

			// Lifecycle control
			instances.POST("/:id/start", instanceHandler.StartInstance)
			instances.POST("/:id/stop", instanceHandler.StopInstance)
			instances.POST("/:id/restart", instanceHandler.RestartInstance)
			instances.POST("/:id/kill", instanceHandler.KillInstance)

			// Logs & streaming
			instances.GET("/:id/logs", instanceHandler.GetLogs)
			instances.GET("/:id/logs/stream", streamHandler.StreamLogs)
			instances.GET("/:id/events", streamHandler.StreamEvents)
			instances.GET("/:id/terminal", streamHandler.Terminal)

			// Chunked upload
			instances.POST("/:id/upload", uploadHandler.UploadChunk)
			instances.GET("/:id/upload", uploadHandler.GetUploadSession)
		}
	}

	return r
}
