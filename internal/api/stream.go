package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"threadflow/internal/models"
	"threadflow/internal/service/chat"
)

// streamMessage follows one generation over SSE: replay of the buffered
// deltas, then live events until the generation reaches a terminal status.
func (h *Handler) streamMessage(c *gin.Context) {
	threadID, ok := h.threadID(c)
	if !ok {
		return
	}
	messageID, err := strconv.ParseInt(c.Param("message_id"), 10, 64)
	if err != nil || messageID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}
	message, err := h.chat.GetMessage(c.Request.Context(), threadID, messageID)
	if err != nil {
		respondError(c, err)
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendEvent := func(event string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	sendDone := func(status models.Status, text string) {
		_ = sendEvent("done", gin.H{"status": status, "text": text})
	}

	// already sealed: the stored text is the whole answer
	if message.Status == models.StatusComplete || message.Status == models.StatusFailed {
		sendDone(message.Status, message.Text)
		return
	}

	ctx := c.Request.Context()
	events, cancel, err := h.buffer.Subscribe(ctx, messageID)
	if err != nil {
		_ = sendEvent("error", gin.H{"message": "stream unavailable"})
		return
	}
	defer cancel()

	// replay what the worker already produced before the subscription opened
	nextSeq := 0
	deltas, err := h.buffer.Range(ctx, messageID, 0)
	if err != nil {
		_ = sendEvent("error", gin.H{"message": "stream unavailable"})
		return
	}
	for _, d := range deltas {
		if err := sendEvent("delta", d); err != nil {
			return
		}
		nextSeq = d.Sequence + 1
	}

	// the generation may have sealed between Subscribe and Range; its terminal
	// event was then published before we listened, so check the row once more
	message, err = h.chat.GetMessage(ctx, threadID, messageID)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			sendDone(models.StatusFailed, "")
		}
		return
	}
	if message.Status == models.StatusComplete || message.Status == models.StatusFailed {
		sendDone(message.Status, message.Text)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			if ev.Done {
				sealed, err := h.chat.GetMessage(ctx, threadID, messageID)
				if err != nil {
					sendDone(ev.Status, "")
					return
				}
				sendDone(sealed.Status, sealed.Text)
				return
			}
			if ev.Delta == nil || ev.Delta.Sequence < nextSeq {
				continue
			}
			if err := sendEvent("delta", ev.Delta); err != nil {
				return
			}
			nextSeq = ev.Delta.Sequence + 1
		}
	}
}
