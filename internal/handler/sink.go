package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aman-churiwal/event-gate/internal/sink"
)

// SinkAdmin is implemented by sinks with downstream targets
type SinkAdmin interface {
	Status() sink.Status
	ResetCircuitBreakers()
}

// Handles sink-related admin endpoints
type SinkHandler struct {
	sink SinkAdmin
}

// s may be nil when the configured sink has no targets
func NewSinkHandler(s SinkAdmin) *SinkHandler {
	return &SinkHandler{sink: s}
}

// Handles GET /admin/sink
func (h *SinkHandler) Status(c *gin.Context) {
	if h.sink == nil {
		c.JSON(http.StatusOK, gin.H{"type": "log"})
		return
	}

	c.JSON(http.StatusOK, h.sink.Status())
}

// Handles POST /admin/sink/reset
func (h *SinkHandler) ResetCircuitBreakers(c *gin.Context) {
	if h.sink == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Configured sink has no circuit breakers",
		})
		return
	}

	h.sink.ResetCircuitBreakers()

	c.JSON(http.StatusOK, gin.H{
		"message": "Circuit breakers reset successfully",
	})
}
