package httpapi

import (
	"log/slog"

	"call-processing/pkg/logger"

	"github.com/gin-gonic/gin"
)

// NewRouter wires middleware and routes to handlers.
// authMW, when non-nil, protects the /v1 group; health probes and the
// dashboard socket stay public.
func NewRouter(log *slog.Logger, h Handlers, authMW gin.HandlerFunc) *gin.Engine {
	if log == nil {
		log = slog.Default()
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/health", h.Health)
	r.GET("/ws/dashboard", h.Dashboard)

	v1 := r.Group("/v1")
	if authMW != nil {
		v1.Use(authMW)
	}
	{
		calls := v1.Group("/calls")
		calls.POST("/:call_id/stream", h.IngestPacket)
		calls.GET("/:call_id/status", h.CallStatus)
		calls.GET("/:call_id/result", h.CallResult)
	}

	return r
}
