// Package gate decides, per incoming batch, whether a deployment may ingest more events and
// forwards admitted batches to the sink.
package gate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aman-churiwal/event-gate/internal/logging"
	"github.com/aman-churiwal/event-gate/internal/metrics"
	"github.com/aman-churiwal/event-gate/internal/models"
	"github.com/aman-churiwal/event-gate/internal/quota"
	"github.com/aman-churiwal/event-gate/internal/sink"
)

const (
	DefaultMaxBatchEvents = 10000

	// Sent with 503 when the quota store cannot be reached
	unavailableRetryAfter = time.Second
)

var ErrInvalidBatch = errors.New("invalid batch")

// DecisionRecorder receives one entry per decision taken by the gate
type DecisionRecorder interface {
	Record(models.DecisionLog)
}

// Result is the outcome of one admission attempt, already mapped to an HTTP status
type Result struct {
	StatusCode int
	Admitted   bool
	Reason     quota.Reason

	// Zero when the tracker was not consulted
	Decision   quota.Decision
	RetryAfter time.Duration
	Ack        sink.Ack
	Err        error
}

// HasQuota reports whether Decision carries usage from the tracker
func (r Result) HasQuota() bool {
	return r.Decision.Limits.Window > 0
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, at least 1
func (r Result) RetryAfterSeconds() int {
	secs := int((r.RetryAfter + time.Second - 1) / time.Second)
	return max(secs, 1)
}

type Gate struct {
	tracker        quota.Tracker
	sink           sink.Sink
	recorder       DecisionRecorder
	logger         *zap.Logger
	maxBatchEvents int
	now            func() time.Time
}

type Option func(*Gate)

func WithRecorder(r DecisionRecorder) Option {
	return func(g *Gate) { g.recorder = r }
}

func WithMaxBatchEvents(n int) Option {
	return func(g *Gate) {
		if n > 0 {
			g.maxBatchEvents = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

func New(tracker quota.Tracker, s sink.Sink, logger *zap.Logger, opts ...Option) *Gate {
	g := &Gate{
		tracker:        tracker,
		sink:           s,
		recorder:       nopRecorder{},
		logger:         logger.Named("gate"),
		maxBatchEvents: DefaultMaxBatchEvents,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Admit runs a single event through the gate
func (g *Gate) Admit(ctx context.Context, deploymentID string, event models.Event) Result {
	return g.AdmitBatch(ctx, deploymentID, []models.Event{event})
}

// AdmitBatch charges the whole batch against the deployment's window or rejects it whole. Admitted
// batches are forwarded to the sink; if the sink fails the charge is refunded.
func (g *Gate) AdmitBatch(ctx context.Context, deploymentID string, events []models.Event) Result {
	if err := g.validate(deploymentID, events); err != nil {
		metrics.Decisions.WithLabelValues("invalid", "").Inc()
		return Result{StatusCode: http.StatusBadRequest, Err: err}
	}

	now := g.now()
	g.normalize(events, now)
	cost := quota.CostOf(events...)

	log := g.logger.With(
		zap.String("deployment_id", deploymentID),
		zap.String("request_id", logging.RequestID(ctx)),
	)

	d, err := g.tracker.CheckAndRecord(ctx, deploymentID, cost)
	if err != nil {
		metrics.Decisions.WithLabelValues("error", "").Inc()
		log.Error("quota check failed", zap.Error(err))
		g.record(ctx, deploymentID, cost, quota.Decision{}, http.StatusServiceUnavailable, now)

		return Result{
			StatusCode: http.StatusServiceUnavailable,
			RetryAfter: unavailableRetryAfter,
			Err:        fmt.Errorf("quota tracker: %w", err),
		}
	}

	if !d.Admitted {
		metrics.Decisions.WithLabelValues("rejected", string(d.Reason)).Inc()
		log.Debug("batch rejected",
			zap.String("reason", string(d.Reason)),
			zap.Int64("custom_events", cost.CustomEvents),
			zap.Int64("bytes", cost.Bytes),
		)
		g.record(ctx, deploymentID, cost, d, http.StatusTooManyRequests, now)

		return Result{
			StatusCode: http.StatusTooManyRequests,
			Reason:     d.Reason,
			Decision:   d,
			RetryAfter: d.RetryAfter(now),
		}
	}

	ack, err := g.sink.Ingest(ctx, deploymentID, events)
	if err != nil {
		metrics.Decisions.WithLabelValues("sink_error", "").Inc()
		metrics.SinkErrors.Inc()

		// The refund must happen even if the caller has gone away
		if rerr := g.tracker.Refund(context.WithoutCancel(ctx), deploymentID, cost, d.Usage.WindowStart); rerr != nil {
			log.Error("quota refund failed", zap.Error(rerr))
		} else {
			d.Usage.CustomEvents = max(d.Usage.CustomEvents-cost.CustomEvents, 0)
			d.Usage.Bytes = max(d.Usage.Bytes-cost.Bytes, 0)
		}

		log.Warn("sink rejected admitted batch", zap.Error(err))
		g.record(ctx, deploymentID, cost, d, http.StatusBadGateway, now)

		return Result{
			StatusCode: http.StatusBadGateway,
			Decision:   d,
			Err:        fmt.Errorf("sink: %w", err),
		}
	}

	metrics.Decisions.WithLabelValues("admitted", "").Inc()
	metrics.AdmittedEvents.WithLabelValues(string(models.ClassCustom)).Add(float64(cost.CustomEvents))
	metrics.AdmittedEvents.WithLabelValues(string(models.ClassSystem)).Add(float64(cost.SystemEvents))
	metrics.AdmittedBytes.Add(float64(cost.Bytes))
	g.record(ctx, deploymentID, cost, d, http.StatusAccepted, now)

	return Result{
		StatusCode: http.StatusAccepted,
		Admitted:   true,
		Decision:   d,
		Ack:        ack,
	}
}

func (g *Gate) validate(deploymentID string, events []models.Event) error {
	if err := quota.ValidateDeploymentID(deploymentID); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidBatch, err)
	}
	if len(events) == 0 {
		return fmt.Errorf("%w: no events", ErrInvalidBatch)
	}
	if len(events) > g.maxBatchEvents {
		return fmt.Errorf("%w: %d events exceeds the maximum of %d per batch", ErrInvalidBatch, len(events), g.maxBatchEvents)
	}

	for i, e := range events {
		if !e.Class.Valid() {
			return fmt.Errorf("%w: event %d has unknown class %q", ErrInvalidBatch, i, e.Class)
		}
		if e.Size() < 0 {
			return fmt.Errorf("%w: event %d has negative size", ErrInvalidBatch, i)
		}
	}

	return nil
}

// Fills in ids and timestamps the sender left out
func (g *Gate) normalize(events []models.Event, now time.Time) {
	for i := range events {
		if events[i].ID == "" {
			events[i].ID = uuid.NewString()
		}
		if events[i].Timestamp.IsZero() {
			events[i].Timestamp = now
		}
	}
}

func (g *Gate) record(ctx context.Context, deploymentID string, cost quota.Cost, d quota.Decision, status int, now time.Time) {
	g.recorder.Record(models.DecisionLog{
		Timestamp:    now,
		RequestID:    logging.RequestID(ctx),
		DeploymentID: deploymentID,
		Admitted:     status == http.StatusAccepted,
		Reason:       string(d.Reason),
		StatusCode:   status,
		CustomEvents: cost.CustomEvents,
		SystemEvents: cost.SystemEvents,
		Bytes:        cost.Bytes,
		WindowStart:  d.Usage.WindowStart,
	})
}

// Usage reports the deployment's current window
func (g *Gate) Usage(ctx context.Context, deploymentID string) (quota.Usage, quota.Limits, error) {
	if err := quota.ValidateDeploymentID(deploymentID); err != nil {
		return quota.Usage{}, quota.Limits{}, err
	}

	u, err := g.tracker.Usage(ctx, deploymentID)
	return u, g.tracker.Limits(), err
}

// Limits returns the limits currently applied by the tracker
func (g *Gate) Limits() quota.Limits {
	return g.tracker.Limits()
}

// Reset drops the deployment's window
func (g *Gate) Reset(ctx context.Context, deploymentID string) error {
	if err := quota.ValidateDeploymentID(deploymentID); err != nil {
		return err
	}

	if err := g.tracker.Reset(ctx, deploymentID); err != nil {
		return err
	}

	g.logger.Info("quota window reset", zap.String("deployment_id", deploymentID))
	return nil
}

type nopRecorder struct{}

func (nopRecorder) Record(models.DecisionLog) {}
