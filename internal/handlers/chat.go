package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/rowanlabs/syncboard-backend/internal/pkg/logger"
	"github.com/rowanlabs/syncboard-backend/internal/repos"
)

// ChatHandler serves the REST reads that complement the socket protocol:
// clients reload history over HTTP and then follow live traffic on the socket.
type ChatHandler struct {
	log      *logger.Logger
	messages repos.ChatMessageRepo
}

func NewChatHandler(log *logger.Logger, messages repos.ChatMessageRepo) *ChatHandler {
	return &ChatHandler{log: log.With("handler", "ChatHandler"), messages: messages}
}

func (h *ChatHandler) ListMessages(c *gin.Context) {
	projectID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project id"})
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	msgs, err := h.messages.ListByProject(c.Request.Context(), projectID, limit)
	if err != nil {
		h.log.Error("failed to list chat messages", "project_id", projectID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}
