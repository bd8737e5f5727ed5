package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aman-churiwal/event-gate/internal/gate"
	"github.com/aman-churiwal/event-gate/internal/quota"
)

type QuotaHandler struct {
	gate *gate.Gate
}

func NewQuotaHandler(g *gate.Gate) *QuotaHandler {
	return &QuotaHandler{gate: g}
}

// Handles GET /v1/deployments/:deployment/quota
func (h *QuotaHandler) Usage(c *gin.Context) {
	usage, limits, err := h.gate.Usage(c.Request.Context(), c.Param("deployment"))
	if err != nil {
		quotaError(c, err)
		return
	}

	setQuotaHeaders(c, usage, limits)
	c.JSON(http.StatusOK, gin.H{
		"usage": usage,
		"limits": gin.H{
			"max_custom_events": limits.MaxCustomEvents,
			"max_bytes":         limits.MaxBytes,
			"window_seconds":    limits.Window.Seconds(),
			"window_mode":       limits.Mode,
		},
		"remaining": gin.H{
			"custom_events": usage.RemainingEvents(limits),
			"bytes":         usage.RemainingBytes(limits),
		},
	})
}

// Handles DELETE /admin/deployments/:deployment/quota
func (h *QuotaHandler) Reset(c *gin.Context) {
	deployment := c.Param("deployment")
	if err := h.gate.Reset(c.Request.Context(), deployment); err != nil {
		quotaError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":       "Quota window reset successfully",
		"deployment_id": deployment,
	})
}

func quotaError(c *gin.Context, err error) {
	if errors.Is(err, quota.ErrInvalidDeployment) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Quota store unavailable"})
}
