package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"threadflow/internal/service/chat"
	"threadflow/internal/stream"
	"threadflow/internal/worker"
)

// Handler wires HTTP routes to the chat service and the live delta stream.
type Handler struct {
	chat   *chat.Service
	buffer stream.Buffer
}

// NewHandler constructs a Handler instance.
func NewHandler(service *chat.Service, buffer stream.Buffer) *Handler {
	return &Handler{
		chat:   service,
		buffer: buffer,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/threads", h.createThread)
	api.GET("/threads", h.listThreads)
	api.GET("/threads/:thread_id", h.getThread)
	api.DELETE("/threads/:thread_id", h.deleteThread)
	api.POST("/threads/:thread_id/messages", h.sendMessage)
	api.GET("/threads/:thread_id/messages", h.listMessages)
	api.GET("/threads/:thread_id/messages/:message_id/stream", h.streamMessage)
}

func (h *Handler) threadID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("thread_id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid thread id"})
		return 0, false
	}
	return id, true
}

// respondError maps service errors onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, chat.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
	case errors.Is(err, chat.ErrInvalidPrompt):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, worker.ErrQueueFull):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "server is busy, please retry"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

type createThreadRequest struct {
	Prompt string `json:"prompt"`
}

// createThread opens a new thread. When a prompt is included the first user
// message is persisted with it and generation starts immediately.
func (h *Handler) createThread(c *gin.Context) {
	var req createThreadRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	if req.Prompt == "" {
		thread, err := h.chat.CreateThread(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"thread": thread})
		return
	}
	thread, message, err := h.chat.CreateThreadWithFirstMessage(c.Request.Context(), req.Prompt)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"thread":  thread,
		"message": message,
	})
}

func (h *Handler) listThreads(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	page, err := h.chat.ListThreads(c.Request.Context(), c.Query("cursor"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *Handler) getThread(c *gin.Context) {
	threadID, ok := h.threadID(c)
	if !ok {
		return
	}
	thread, err := h.chat.GetThread(c.Request.Context(), threadID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"thread": thread})
}

// deleteThread is idempotent: deleting an absent thread still returns 204.
func (h *Handler) deleteThread(c *gin.Context) {
	threadID, ok := h.threadID(c)
	if !ok {
		return
	}
	if err := h.chat.DeleteThread(c.Request.Context(), threadID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type sendMessageRequest struct {
	Prompt string `json:"prompt"`
}

// sendMessage accepts a prompt and returns as soon as the user message is
// durable; the assistant's reply materializes asynchronously.
func (h *Handler) sendMessage(c *gin.Context) {
	threadID, ok := h.threadID(c)
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	message, err := h.chat.SendMessage(c.Request.Context(), threadID, req.Prompt)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": message})
}

func (h *Handler) listMessages(c *gin.Context) {
	threadID, ok := h.threadID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	withStreams := c.Query("streams") == "1"
	page, err := h.chat.ListMessages(c.Request.Context(), threadID, c.Query("cursor"), limit, withStreams)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

