// Package httpapi exposes the service over HTTP: packet ingestion, call
// status queries and the realtime dashboard WebSocket.
//
// Handlers stay thin: parse/validate input, call internal services, return
// JSON. All coordination semantics live in internal/ingest and
// internal/processor.
package httpapi

import (
	"database/sql"
	"errors"
	"net/http"
	"time"

	"call-processing/internal/ingest"
	"call-processing/internal/notify"
	"call-processing/internal/store"
	"call-processing/pkg/logger"
	"call-processing/pkg/utils"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
type Handlers struct {
	Ingest   *ingest.Service
	Store    store.Store
	Notifier *notify.Notifier

	// DB is optional; when set the detailed health endpoint pings it.
	DB *sql.DB
}

type packetPayload struct {
	Sequence  *int64   `json:"sequence"`
	Data      string   `json:"data"`
	Timestamp *float64 `json:"timestamp"`
}

type packetResponse struct {
	Status   string `json:"status"`
	CallID   string `json:"call_id"`
	Sequence int64  `json:"sequence"`
	Message  string `json:"message,omitempty"`
}

// IngestPacket accepts one audio-metadata packet. It acknowledges with 202
// before any transcription work starts; duplicates are acknowledged too.
func (h Handlers) IngestPacket(c *gin.Context) {
	log := logger.FromGin(c)

	callID := c.Param("call_id")
	if callID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call_id required"})
		return
	}

	var p packetPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if p.Sequence == nil || *p.Sequence < 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "sequence must be a non-negative integer"})
		return
	}
	if p.Data == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "data is required"})
		return
	}
	if p.Timestamp == nil || *p.Timestamp <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "timestamp must be positive"})
		return
	}

	ack, err := h.Ingest.Ingest(c.Request.Context(), callID, ingest.PacketRequest{
		Sequence:  *p.Sequence,
		Data:      p.Data,
		Timestamp: *p.Timestamp,
	})
	if err != nil {
		if errors.Is(err, ingest.ErrInvalidArgument) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid packet"})
			return
		}
		log.Error("packet ingestion failed", "call_id", callID, "sequence", *p.Sequence, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to ingest packet"})
		return
	}

	c.JSON(http.StatusAccepted, packetResponse{
		Status:   "accepted",
		CallID:   ack.CallID,
		Sequence: ack.Sequence,
		Message:  ack.Message,
	})
}

type callStatusResponse struct {
	CallID       string `json:"call_id"`
	State        string `json:"state"`
	LastSequence int64  `json:"last_sequence"`
	PacketCount  int    `json:"packet_count"`
	HasAIResult  bool   `json:"has_ai_result"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

// CallStatus serves the read-only status aggregate for one call.
func (h Handlers) CallStatus(c *gin.Context) {
	callID := c.Param("call_id")

	snap, ok, err := h.Store.GetCallSnapshot(c.Request.Context(), callID)
	if err != nil {
		logger.FromGin(c).Error("status lookup failed", "call_id", callID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "status lookup failed"})
		return
	}
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}

	c.JSON(http.StatusOK, callStatusResponse{
		CallID:       snap.Call.CallID,
		State:        string(snap.Call.State),
		LastSequence: snap.Call.LastSequence,
		PacketCount:  snap.PacketCount,
		HasAIResult:  snap.HasAIResult,
		CreatedAt:    snap.Call.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:    snap.Call.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
}

type aiResultResponse struct {
	CallID      string     `json:"call_id"`
	Transcript  string     `json:"transcript"`
	Sentiment   string     `json:"sentiment"`
	Status      string     `json:"status"`
	RetryCount  int        `json:"retry_count"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// CallResult serves the AI result for one call, if processing produced one.
func (h Handlers) CallResult(c *gin.Context) {
	callID := c.Param("call_id")

	r, ok, err := h.Store.GetAIResult(c.Request.Context(), callID)
	if err != nil {
		logger.FromGin(c).Error("result lookup failed", "call_id", callID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "result lookup failed"})
		return
	}
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "result not found"})
		return
	}

	c.JSON(http.StatusOK, aiResultResponse{
		CallID:      r.CallID,
		Transcript:  r.Transcript,
		Sentiment:   r.Sentiment,
		Status:      string(r.Status),
		RetryCount:  r.RetryCount,
		CompletedAt: r.CompletedAt,
	})
}

// Health is the detailed health endpoint: it pings the database when one is
// configured. Liveness probes should use the plain /healthz route instead.
func (h Handlers) Health(c *gin.Context) {
	dbStatus := "not configured"
	if h.DB != nil {
		if err := utils.HealthCheck(c.Request.Context(), h.DB, 2*time.Second); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": "unreachable"})
			return
		}
		dbStatus = "connected"
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "database": dbStatus})
}
