// Package audit persists admission decisions asynchronously so the request path never waits on
// the database.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/aman-churiwal/event-gate/internal/metrics"
	"github.com/aman-churiwal/event-gate/internal/models"
	"go.uber.org/zap"
)

const (
	defaultBatchSize     = 100
	defaultFlushInterval = 5 * time.Second
	defaultBufferSize    = 1000
	writeTimeout         = 10 * time.Second
)

// Store persists batches of decisions
type Store interface {
	CreateBatch(ctx context.Context, decisions []models.DecisionLog) error
}

type Config struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

// Recorder queues decisions in a buffered channel and writes them in batches from a single
// background worker
type Recorder struct {
	mu      sync.RWMutex
	closed  bool
	entries chan models.DecisionLog
	done    chan struct{}

	store         Store
	batchSize     int
	flushInterval time.Duration
	logger        *zap.Logger
}

func NewRecorder(store Store, cfg Config, logger *zap.Logger) *Recorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}

	r := &Recorder{
		entries:       make(chan models.DecisionLog, cfg.BufferSize),
		done:          make(chan struct{}),
		store:         store,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		logger:        logger.Named("audit"),
	}

	go r.run()

	return r
}

// Record queues a decision. It never blocks; when the buffer is full the entry is dropped.
func (r *Recorder) Record(d models.DecisionLog) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return
	}

	select {
	case r.entries <- d:
		// Successfully queued
	default:
		metrics.DroppedDecisionLogs.Inc()
		r.logger.Warn("decision log buffer full, dropping entry",
			zap.String("deployment_id", d.DeploymentID),
		)
	}
}

// Close stops accepting entries, flushes what is queued and waits for the final write
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	close(r.entries)
	r.mu.Unlock()

	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)

	batch := make([]models.DecisionLog, 0, r.batchSize)
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case d, ok := <-r.entries:
			if !ok {
				r.flush(batch)
				return
			}
			batch = append(batch, d)

			if len(batch) >= r.batchSize {
				r.flush(batch)
				batch = make([]models.DecisionLog, 0, r.batchSize)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = make([]models.DecisionLog, 0, r.batchSize)
			}
		}
	}
}

func (r *Recorder) flush(batch []models.DecisionLog) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := r.store.CreateBatch(ctx, batch); err != nil {
		// Log error but dont block
		r.logger.Error("failed to write decision logs",
			zap.Int("entries", len(batch)),
			zap.Error(err),
		)
	}
}

// Nop discards decisions. Used when no database is configured.
type Nop struct{}

func (Nop) Record(models.DecisionLog) {}
func (Nop) Close()                    {}
