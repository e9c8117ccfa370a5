package handler

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/marek/upcycle/internal/service"
)

// StreamHandler serves generation progress over server-sent events.
type StreamHandler struct {
	svc *service.GenerationService
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(svc *service.GenerationService) *StreamHandler {
	return &StreamHandler{svc: svc}
}

// Stream handles GET /api/v1/generate/stream/:id. It emits status,
// progress, complete and error events until generation finishes or the
// client disconnects.
func (h *StreamHandler) Stream(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	// Disable nginx buffering
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	emit := func(event string, data interface{}) error {
		payload, err := json.Marshal(data)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	// The request context is cancelled on client disconnect, which stops
	// polling and aborts an in-flight streamed LLM call.
	h.svc.AttachStream(c.Request.Context(), c.Param("id"), emit)
}
