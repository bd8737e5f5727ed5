package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/aman-churiwal/event-gate/internal/gate"
	"github.com/aman-churiwal/event-gate/internal/models"
	"github.com/aman-churiwal/event-gate/internal/quota"
)

const (
	HeaderEventsLimit     = "X-Quota-Events-Limit"
	HeaderEventsRemaining = "X-Quota-Events-Remaining"
	HeaderBytesLimit      = "X-Quota-Bytes-Limit"
	HeaderBytesRemaining  = "X-Quota-Bytes-Remaining"
	HeaderReset           = "X-Quota-Reset"
)

type EventHandler struct {
	gate         *gate.Gate
	maxBodyBytes int64
}

func NewEventHandler(g *gate.Gate, maxBodyBytes int64) *EventHandler {
	return &EventHandler{gate: g, maxBodyBytes: maxBodyBytes}
}

// Handles POST /v1/deployments/:deployment/events
func (h *EventHandler) IngestBatch(c *gin.Context) {
	var batch models.EventBatch
	if !h.bind(c, &batch) {
		return
	}

	res := h.gate.AdmitBatch(c.Request.Context(), c.Param("deployment"), batch.Events)
	h.respond(c, res)
}

// Handles POST /v1/deployments/:deployment/event
func (h *EventHandler) IngestOne(c *gin.Context) {
	var event models.Event
	if !h.bind(c, &event) {
		return
	}

	res := h.gate.Admit(c.Request.Context(), c.Param("deployment"), event)
	h.respond(c, res)
}

func (h *EventHandler) bind(c *gin.Context, dst any) bool {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes)

	if err := c.ShouldBindJSON(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "Request body too large",
				"limit": tooLarge.Limit,
			})
			return false
		}

		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return false
	}

	return true
}

func (h *EventHandler) respond(c *gin.Context, res gate.Result) {
	if res.HasQuota() {
		setQuotaHeaders(c, res.Decision.Usage, res.Decision.Limits)
	}

	switch res.StatusCode {
	case http.StatusAccepted:
		c.JSON(http.StatusAccepted, gin.H{
			"accepted": res.Ack.Accepted,
			"usage":    res.Decision.Usage,
		})

	case http.StatusTooManyRequests:
		retryAfter := res.RetryAfterSeconds()
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":       "Quota exceeded",
			"reason":      res.Reason,
			"retry_after": retryAfter,
		})

	case http.StatusServiceUnavailable:
		c.Header("Retry-After", strconv.Itoa(res.RetryAfterSeconds()))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Quota store unavailable"})

	case http.StatusBadGateway:
		c.JSON(http.StatusBadGateway, gin.H{"error": "Ingestion sink unavailable"})

	default:
		msg := http.StatusText(res.StatusCode)
		if res.Err != nil {
			msg = res.Err.Error()
		}
		c.JSON(res.StatusCode, gin.H{"error": msg})
	}
}

func setQuotaHeaders(c *gin.Context, u quota.Usage, l quota.Limits) {
	c.Header(HeaderEventsLimit, strconv.FormatInt(l.MaxCustomEvents, 10))
	c.Header(HeaderEventsRemaining, strconv.FormatInt(u.RemainingEvents(l), 10))
	c.Header(HeaderBytesLimit, strconv.FormatInt(l.MaxBytes, 10))
	c.Header(HeaderBytesRemaining, strconv.FormatInt(u.RemainingBytes(l), 10))
	c.Header(HeaderReset, strconv.FormatInt(u.ResetAt.Unix(), 10))
}
