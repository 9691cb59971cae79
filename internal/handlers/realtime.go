package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rowanlabs/syncboard-backend/internal/pkg/logger"
	"github.com/rowanlabs/syncboard-backend/internal/realtime"
	"github.com/rowanlabs/syncboard-backend/internal/services"
)

// RealtimeHandler accepts server-to-server publishes: the main app posts board
// and project activity here and it fans out to the subscribed sockets, across
// instances when a bus is configured.
type RealtimeHandler struct {
	log     *logger.Logger
	emitter services.Emitter
}

func NewRealtimeHandler(log *logger.Logger, emitter services.Emitter) *RealtimeHandler {
	return &RealtimeHandler{log: log.With("handler", "RealtimeHandler"), emitter: emitter}
}

type publishRequest struct {
	Topic   string      `json:"topic" binding:"required"`
	TopicID string      `json:"topic_id" binding:"required"`
	Event   string      `json:"event" binding:"required"`
	Data    interface{} `json:"data"`
}

func (h *RealtimeHandler) Publish(c *gin.Context) {
	var req publishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid publish payload"})
		return
	}
	topic, ok := realtime.ParseTopic(req.Topic)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown topic"})
		return
	}

	h.emitter.Emit(c.Request.Context(), topic, req.TopicID, req.Event, req.Data)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}
