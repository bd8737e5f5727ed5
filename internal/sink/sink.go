// Package sink delivers admitted batches to the downstream ingestion pipeline.
package sink

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/aman-churiwal/event-gate/internal/models"
	"go.uber.org/zap"
)

var (
	ErrNoHealthyTargets = errors.New("no healthy ingestion targets")
)

// Ack confirms a batch was accepted downstream
type Ack struct {
	Accepted int    `json:"accepted"`
	Target   string `json:"target,omitempty"`
}

type Sink interface {
	Ingest(ctx context.Context, deploymentID string, events []models.Event) (Ack, error)
}

// StatusError is returned when a target answers with a non-2xx status
type StatusError struct {
	Target     string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("target %s responded with status %d", e.Target, e.StatusCode)
}

// LogSink accepts every batch and logs it. Used when no downstream pipeline is configured.
type LogSink struct {
	logger   *zap.Logger
	batches  atomic.Int64
	accepted atomic.Int64
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("sink")}
}

func (s *LogSink) Ingest(ctx context.Context, deploymentID string, events []models.Event) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}

	s.batches.Add(1)
	s.accepted.Add(int64(len(events)))

	s.logger.Debug("batch accepted",
		zap.String("deployment_id", deploymentID),
		zap.Int("events", len(events)),
	)

	return Ack{Accepted: len(events), Target: "log"}, nil
}

// Returns totals since start
func (s *LogSink) Stats() (batches, events int64) {
	return s.batches.Load(), s.accepted.Load()
}
