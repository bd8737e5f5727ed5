package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aman-churiwal/event-gate/internal/models"
	"github.com/aman-churiwal/event-gate/internal/sink"
)

func TestDummySinkWithHTTPSink(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := httptest.NewServer(newRouter(zap.NewNop(), 0, func() float64 { return 1 }))
	defer srv.Close()

	s, err := sink.NewHTTPSink(sink.HTTPConfig{Targets: []string{srv.URL}}, zap.NewNop())
	require.NoError(t, err)

	ack, err := s.Ingest(context.Background(), "dep-1", []models.Event{{Class: models.ClassCustom}, {Class: models.ClassSystem}})
	require.NoError(t, err)
	assert.Equal(t, 2, ack.Accepted)

	resp, err := http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var st map[string]int64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, int64(2), st["events"])
}

func TestDummySinkSimulatedFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := httptest.NewServer(newRouter(zap.NewNop(), 0.5, func() float64 { return 0.1 }))
	defer srv.Close()

	s, err := sink.NewHTTPSink(sink.HTTPConfig{Targets: []string{srv.URL}}, zap.NewNop())
	require.NoError(t, err)

	_, err = s.Ingest(context.Background(), "dep-1", []models.Event{{Class: models.ClassCustom}})
	var se *sink.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
}
