package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aman-churiwal/event-gate/internal/repository"
	"github.com/aman-churiwal/event-gate/internal/service"
)

type DecisionHandler struct {
	service       *service.DecisionService
	retentionDays int
}

func NewDecisionHandler(service *service.DecisionService, retentionDays int) *DecisionHandler {
	return &DecisionHandler{service: service, retentionDays: retentionDays}
}

// Handles GET /admin/decisions/summary
func (h *DecisionHandler) Summary(c *gin.Context) {
	from, to, err := parseTimeRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	summary, err := h.service.Summary(c.Request.Context(), from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, summary)
}

// Handles GET /admin/decisions
func (h *DecisionHandler) List(c *gin.Context) {
	from, to, err := parseTimeRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	q := repository.DecisionQuery{
		From:         from,
		To:           to,
		DeploymentID: c.Query("deployment"),
		Limit:        100,
	}

	// Parse pagination
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 1000 {
			q.Limit = l
		}
	}
	if offsetStr := c.Query("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			q.Offset = o
		}
	}

	// Parse outcome filter (optional)
	switch outcome := c.Query("outcome"); outcome {
	case "":
	case "admitted":
		admitted := true
		q.Admitted = &admitted
	case "rejected":
		admitted := false
		q.Admitted = &admitted
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown outcome %q, want admitted or rejected", outcome)})
		return
	}

	decisions, err := h.service.List(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"decisions": decisions,
		"limit":     q.Limit,
		"offset":    q.Offset,
	})
}

// Handles POST /admin/decisions/cleanup
func (h *DecisionHandler) Cleanup(c *gin.Context) {
	days := h.retentionDays
	if daysStr := c.Query("retention_days"); daysStr != "" {
		d, err := strconv.Atoi(daysStr)
		if err != nil || d < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "retention_days must be a positive integer"})
			return
		}
		days = d
	}

	deleted, err := h.service.Cleanup(c.Request.Context(), days)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"deleted":        deleted,
		"retention_days": days,
	})
}

// Parses 'from' and 'to' query parameters
func parseTimeRange(c *gin.Context) (time.Time, time.Time, error) {
	// Default: last 24 hours
	to := time.Now()
	from := to.Add(-24 * time.Hour)

	if fromStr := c.Query("from"); fromStr != "" {
		parsed, err := parseTime(fromStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid from: %w", err)
		}
		from = parsed
	}

	if toStr := c.Query("to"); toStr != "" {
		parsed, err := parseTime(toStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid to: %w", err)
		}
		to = parsed
	}

	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("to must not be before from")
	}

	return from, to, nil
}

// Accepts RFC3339 or a Unix timestamp
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err == nil {
		return t, nil
	}
	if ts, perr := strconv.ParseInt(s, 10, 64); perr == nil {
		return time.Unix(ts, 0), nil
	}
	return time.Time{}, err
}
