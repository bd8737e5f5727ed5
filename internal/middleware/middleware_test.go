package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/aman-churiwal/event-gate/internal/logging"
	"github.com/aman-churiwal/event-gate/internal/metrics"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequestID_GeneratesAndPropagates(t *testing.T) {
	r := gin.New()
	r.Use(RequestID())

	var fromCtx string
	r.GET("/ping", func(c *gin.Context) {
		fromCtx = logging.RequestID(c.Request.Context())
		c.Status(http.StatusOK)
	})

	w := serve(r, httptest.NewRequest(http.MethodGet, "/ping", nil))

	id := w.Header().Get(RequestIDHeader)
	require.NotEmpty(t, id)
	assert.Equal(t, id, fromCtx)
}

func TestRequestID_KeepsCallerID(t *testing.T) {
	r := gin.New()
	r.Use(RequestID())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(RequestIDHeader, "agent-42")
	w := serve(r, req)

	assert.Equal(t, "agent-42", w.Header().Get(RequestIDHeader))
}

func TestRecovery(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)

	r := gin.New()
	r.Use(RequestID(), Recovery(zap.New(core)))
	r.GET("/boom", func(c *gin.Context) { panic("kaboom") })

	w := serve(r, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"Internal Server Error"}`, w.Body.String())
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "panic recovered", logs.All()[0].Message)
}

func TestLogger_LevelsByStatus(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)

	r := gin.New()
	r.Use(Logger(zap.New(core)))
	r.GET("/v1/deployments/:deployment/events", func(c *gin.Context) { c.Status(http.StatusTooManyRequests) })
	r.GET("/fail", func(c *gin.Context) { c.Status(http.StatusBadGateway) })

	serve(r, httptest.NewRequest(http.MethodGet, "/v1/deployments/dep-1/events", nil))
	serve(r, httptest.NewRequest(http.MethodGet, "/fail", nil))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.DebugLevel, entries[0].Level)
	assert.Equal(t, "dep-1", entries[0].ContextMap()["deployment_id"])
	assert.Equal(t, zap.ErrorLevel, entries[1].Level)
}

func TestMetrics_UsesRouteTemplate(t *testing.T) {
	r := gin.New()
	r.Use(Metrics())
	r.GET("/v1/deployments/:deployment/quota", func(c *gin.Context) { c.Status(http.StatusOK) })

	before := testutil.CollectAndCount(metrics.RequestDuration)
	serve(r, httptest.NewRequest(http.MethodGet, "/v1/deployments/dep-1/quota", nil))
	serve(r, httptest.NewRequest(http.MethodGet, "/v1/deployments/dep-2/quota", nil))

	assert.Equal(t, before+1, testutil.CollectAndCount(metrics.RequestDuration), "one series per route")
}

func TestThrottle(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	th := NewThrottle(1, 2)
	th.now = func() time.Time { return now }

	r := gin.New()
	r.Use(th.Middleware())
	r.GET("/admin/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	get := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/admin/x", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		return serve(r, req)
	}

	assert.Equal(t, http.StatusOK, get().Code)
	assert.Equal(t, http.StatusOK, get().Code)

	w := get()
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	now = now.Add(time.Second)
	assert.Equal(t, http.StatusOK, get().Code)
}

func TestThrottle_SweepForgetsIdleClients(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	th := NewThrottle(1, 2)
	th.now = func() time.Time { return now }

	r := gin.New()
	r.Use(th.Middleware())
	r.GET("/admin/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	get := func(addr string) {
		req := httptest.NewRequest(http.MethodGet, "/admin/x", nil)
		req.RemoteAddr = addr
		serve(r, req)
	}

	get("10.0.0.1:5000")
	now = now.Add(8 * time.Minute)
	get("10.0.0.2:5000")
	require.Equal(t, 2, th.Len())

	// Requests alone never evict
	now = now.Add(3 * time.Minute)
	get("10.0.0.2:5000")
	assert.Equal(t, 2, th.Len())

	assert.Equal(t, 1, th.Sweep())
	assert.Equal(t, 1, th.Len())
}

func TestThrottle_RunStopsWithContext(t *testing.T) {
	th := NewThrottle(1, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		th.Run(ctx, time.Millisecond)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
