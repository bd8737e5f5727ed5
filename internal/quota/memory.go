package quota

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryTracker keeps windows in process memory. Each deployment has its own lock; the map lock is
// only held to look up or create entries.
type MemoryTracker struct {
	limits atomic.Pointer[Limits]
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	mu     sync.Mutex
	start  time.Time
	events int64
	bytes  int64

	// dead is set once the sweeper has removed the entry from the map.
	dead bool
}

type MemoryOption func(*MemoryTracker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryTracker) {
		m.now = now
	}
}

func NewMemoryTracker(limits Limits, opts ...MemoryOption) (*MemoryTracker, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}

	m := &MemoryTracker{
		now:     time.Now,
		windows: make(map[string]*window),
	}
	m.limits.Store(&limits)

	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

func (m *MemoryTracker) Limits() Limits {
	return *m.limits.Load()
}

func (m *MemoryTracker) SetLimits(l Limits) error {
	if err := l.Validate(); err != nil {
		return err
	}
	m.limits.Store(&l)
	return nil
}

func (m *MemoryTracker) CheckAndRecord(ctx context.Context, deploymentID string, cost Cost) (Decision, error) {
	if err := ValidateDeploymentID(deploymentID); err != nil {
		return Decision{}, err
	}

	limits := m.Limits()
	w := m.lock(deploymentID)
	defer w.mu.Unlock()

	now := m.now()
	w.roll(limits, now)

	reason := evaluate(limits, w.events, w.bytes, cost)
	if reason == ReasonNone {
		w.events += cost.CustomEvents
		w.bytes += cost.Bytes
	}

	return Decision{
		Admitted: reason == ReasonNone,
		Reason:   reason,
		Usage:    w.usage(deploymentID, limits),
		Limits:   limits,
	}, nil
}

func (m *MemoryTracker) Refund(ctx context.Context, deploymentID string, cost Cost, windowStart time.Time) error {
	if err := ValidateDeploymentID(deploymentID); err != nil {
		return err
	}

	limits := m.Limits()
	w := m.lock(deploymentID)
	defer w.mu.Unlock()

	if w.expired(limits, m.now()) || !w.start.Equal(windowStart) {
		return nil
	}

	w.events = max(w.events-cost.CustomEvents, 0)
	w.bytes = max(w.bytes-cost.Bytes, 0)
	return nil
}

func (m *MemoryTracker) Usage(ctx context.Context, deploymentID string) (Usage, error) {
	if err := ValidateDeploymentID(deploymentID); err != nil {
		return Usage{}, err
	}

	limits := m.Limits()
	now := m.now()

	m.mu.Lock()
	w, ok := m.windows[deploymentID]
	m.mu.Unlock()

	if !ok {
		return emptyUsage(deploymentID, limits, now), nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.dead || w.expired(limits, now) {
		return emptyUsage(deploymentID, limits, now), nil
	}
	return w.usage(deploymentID, limits), nil
}

func (m *MemoryTracker) Reset(ctx context.Context, deploymentID string) error {
	if err := ValidateDeploymentID(deploymentID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.windows[deploymentID]; ok {
		w.mu.Lock()
		w.dead = true
		w.mu.Unlock()
		delete(m.windows, deploymentID)
	}
	return nil
}

// Sweep evicts windows that have expired and returns how many were removed.
func (m *MemoryTracker) Sweep() int {
	limits := m.Limits()
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, w := range m.windows {
		w.mu.Lock()
		if w.expired(limits, now) {
			w.dead = true
			delete(m.windows, id)
			removed++
		}
		w.mu.Unlock()
	}
	return removed
}

// Run sweeps every interval until ctx is done. A non-positive interval falls back to one window.
func (m *MemoryTracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = m.Limits().Window
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// Len returns the number of tracked deployments.
func (m *MemoryTracker) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}

// lock returns the live window for deploymentID with its mutex held.
func (m *MemoryTracker) lock(deploymentID string) *window {
	for {
		m.mu.Lock()
		w, ok := m.windows[deploymentID]
		if !ok {
			w = &window{}
			m.windows[deploymentID] = w
		}
		m.mu.Unlock()

		w.mu.Lock()
		if !w.dead {
			return w
		}
		// Swept between lookup and lock, look again.
		w.mu.Unlock()
	}
}

func (w *window) expired(l Limits, now time.Time) bool {
	return w.start.IsZero() || !now.Before(w.start.Add(l.Window))
}

func (w *window) roll(l Limits, now time.Time) {
	if w.expired(l, now) {
		w.start = l.freshStart(now)
		w.events = 0
		w.bytes = 0
	}
}

func (w *window) usage(deploymentID string, l Limits) Usage {
	return Usage{
		DeploymentID: deploymentID,
		WindowStart:  w.start,
		ResetAt:      w.start.Add(l.Window),
		CustomEvents: w.events,
		Bytes:        w.bytes,
	}
}

// emptyUsage describes a deployment with no active window: the next window would start now.
func emptyUsage(deploymentID string, l Limits, now time.Time) Usage {
	start := l.freshStart(now)
	return Usage{
		DeploymentID: deploymentID,
		WindowStart:  start,
		ResetAt:      start.Add(l.Window),
	}
}
