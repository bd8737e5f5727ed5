package gate

import (
	"context"
	"errors"
	"math"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aman-churiwal/event-gate/internal/logging"
	"github.com/aman-churiwal/event-gate/internal/models"
	"github.com/aman-churiwal/event-gate/internal/quota"
	"github.com/aman-churiwal/event-gate/internal/sink"
)

var epoch = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

type fakeSink struct {
	mu       sync.Mutex
	err      error
	received int
}

func (f *fakeSink) Ingest(_ context.Context, _ string, events []models.Event) (sink.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return sink.Ack{}, f.err
	}
	f.received += len(events)
	return sink.Ack{Accepted: len(events), Target: "fake"}, nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []models.DecisionLog
}

func (f *fakeRecorder) Record(d models.DecisionLog) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, d)
}

// Tracker whose store is unreachable
type brokenTracker struct {
	quota.Tracker
}

func (brokenTracker) CheckAndRecord(context.Context, string, quota.Cost) (quota.Decision, error) {
	return quota.Decision{}, errors.New("connection refused")
}

type fixture struct {
	gate     *Gate
	tracker  *quota.MemoryTracker
	sink     *fakeSink
	recorder *fakeRecorder
	now      time.Time
}

func newFixture(t *testing.T, limits quota.Limits) *fixture {
	t.Helper()

	f := &fixture{sink: &fakeSink{}, recorder: &fakeRecorder{}, now: epoch}
	clock := func() time.Time { return f.now }

	tr, err := quota.NewMemoryTracker(limits, quota.WithClock(clock))
	require.NoError(t, err)
	f.tracker = tr

	f.gate = New(tr, f.sink, zap.NewNop(),
		WithRecorder(f.recorder),
		WithClock(clock),
		WithMaxBatchEvents(100),
	)
	return f
}

func customEvent(size int64) models.Event {
	return models.Event{Class: models.ClassCustom, SizeBytes: &size}
}

func systemEvent(size int64) models.Event {
	return models.Event{Class: models.ClassSystem, SizeBytes: &size}
}

func TestGate_AdmitsAndForwards(t *testing.T) {
	f := newFixture(t, quota.DefaultLimits())
	ctx := logging.WithRequestID(context.Background(), "req-1")

	events := []models.Event{customEvent(100), systemEvent(50)}
	res := f.gate.AdmitBatch(ctx, "dep-1", events)

	require.NoError(t, res.Err)
	assert.Equal(t, http.StatusAccepted, res.StatusCode)
	assert.True(t, res.Admitted)
	assert.Equal(t, 2, res.Ack.Accepted)
	assert.Equal(t, int64(1), res.Decision.Usage.CustomEvents)
	assert.Equal(t, int64(150), res.Decision.Usage.Bytes)
	assert.True(t, res.HasQuota())

	assert.NotEmpty(t, events[0].ID, "missing ids are generated")
	assert.Equal(t, epoch, events[1].Timestamp)

	require.Len(t, f.recorder.entries, 1)
	entry := f.recorder.entries[0]
	assert.True(t, entry.Admitted)
	assert.Equal(t, "req-1", entry.RequestID)
	assert.Equal(t, int64(1), entry.SystemEvents)
}

func TestGate_RejectsEventCount(t *testing.T) {
	f := newFixture(t, quota.Limits{MaxCustomEvents: 2, MaxBytes: 1000, Window: time.Minute, Mode: quota.ModeRolling})
	ctx := context.Background()

	require.True(t, f.gate.Admit(ctx, "dep-1", customEvent(1)).Admitted)
	require.True(t, f.gate.Admit(ctx, "dep-1", customEvent(1)).Admitted)

	f.now = f.now.Add(20*time.Second + 300*time.Millisecond)
	res := f.gate.Admit(ctx, "dep-1", customEvent(1))

	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.Equal(t, quota.ReasonEventCountExceeded, res.Reason)
	assert.Equal(t, 39*time.Second+700*time.Millisecond, res.RetryAfter)
	assert.Equal(t, 40, res.RetryAfterSeconds())
	assert.Equal(t, 2, f.sink.received, "rejected batches never reach the sink")

	// System events still fit the byte budget
	assert.True(t, f.gate.Admit(ctx, "dep-1", systemEvent(10)).Admitted)
}

func TestGate_RejectsByteVolume(t *testing.T) {
	f := newFixture(t, quota.DefaultLimits())

	res := f.gate.Admit(context.Background(), "dep-1", systemEvent(36_000_000))

	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.Equal(t, quota.ReasonByteVolumeExceeded, res.Reason)
	assert.Zero(t, res.Decision.Usage.Bytes)
	require.Len(t, f.recorder.entries, 1)
	assert.Equal(t, "ByteVolumeExceeded", f.recorder.entries[0].Reason)
}

func TestGate_DeclaredSizeCannotWrapByteCounter(t *testing.T) {
	f := newFixture(t, quota.DefaultLimits())
	ctx := context.Background()

	require.True(t, f.gate.Admit(ctx, "dep-1", customEvent(1)).Admitted)

	res := f.gate.Admit(ctx, "dep-1", customEvent(math.MaxInt64))
	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.Equal(t, quota.ReasonByteVolumeExceeded, res.Reason)

	res = f.gate.AdmitBatch(ctx, "dep-1", []models.Event{systemEvent(1 << 62), systemEvent(1 << 62)})
	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.Equal(t, quota.ReasonByteVolumeExceeded, res.Reason)

	res = f.gate.Admit(ctx, "dep-1", systemEvent(40_000_000))
	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)

	usage, _, err := f.gate.Usage(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage.Bytes)
	assert.Equal(t, 1, f.sink.received)
}

func TestGate_BatchIsAllOrNothing(t *testing.T) {
	f := newFixture(t, quota.Limits{MaxCustomEvents: 3, MaxBytes: 1000, Window: time.Minute, Mode: quota.ModeRolling})
	ctx := context.Background()

	require.True(t, f.gate.Admit(ctx, "dep-1", customEvent(1)).Admitted)

	res := f.gate.AdmitBatch(ctx, "dep-1", []models.Event{customEvent(1), customEvent(1), customEvent(1)})
	assert.Equal(t, quota.ReasonEventCountExceeded, res.Reason)

	usage, _, err := f.gate.Usage(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage.CustomEvents)
}

func TestGate_SinkFailureRefunds(t *testing.T) {
	f := newFixture(t, quota.Limits{MaxCustomEvents: 1, MaxBytes: 1000, Window: time.Minute, Mode: quota.ModeRolling})
	ctx := context.Background()

	f.sink.err = sink.ErrNoHealthyTargets
	res := f.gate.Admit(ctx, "dep-1", customEvent(100))

	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
	assert.ErrorIs(t, res.Err, sink.ErrNoHealthyTargets)
	assert.Zero(t, res.Decision.Usage.CustomEvents)

	// The refunded slot is available again
	f.sink.err = nil
	assert.True(t, f.gate.Admit(ctx, "dep-1", customEvent(100)).Admitted)
}

func TestGate_TrackerFailureFailsClosed(t *testing.T) {
	rec := &fakeRecorder{}
	g := New(brokenTracker{}, &fakeSink{}, zap.NewNop(), WithRecorder(rec))

	res := g.Admit(context.Background(), "dep-1", customEvent(1))

	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Error(t, res.Err)
	assert.Equal(t, 1, res.RetryAfterSeconds())
	assert.False(t, res.HasQuota())
	require.Len(t, rec.entries, 1)
	assert.False(t, rec.entries[0].Admitted)
}

func TestGate_InvalidBatches(t *testing.T) {
	negative := int64(-1)
	tooMany := make([]models.Event, 101)
	for i := range tooMany {
		tooMany[i] = customEvent(1)
	}

	tests := []struct {
		name       string
		deployment string
		events     []models.Event
	}{
		{"empty deployment", "", []models.Event{customEvent(1)}},
		{"empty batch", "dep-1", nil},
		{"too many events", "dep-1", tooMany},
		{"unknown class", "dep-1", []models.Event{{Class: "audit"}}},
		{"negative size", "dep-1", []models.Event{{Class: models.ClassCustom, SizeBytes: &negative}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, quota.DefaultLimits())

			res := f.gate.AdmitBatch(context.Background(), tt.deployment, tt.events)

			assert.Equal(t, http.StatusBadRequest, res.StatusCode)
			assert.ErrorIs(t, res.Err, ErrInvalidBatch)
			assert.Empty(t, f.recorder.entries, "invalid batches are not charged")
		})
	}
}

func TestGate_ConcurrentLastSlot(t *testing.T) {
	f := newFixture(t, quota.Limits{MaxCustomEvents: 1, MaxBytes: 1000, Window: time.Minute, Mode: quota.ModeRolling})

	results := make([]Result, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = f.gate.Admit(context.Background(), "dep-1", customEvent(1))
		}()
	}
	wg.Wait()

	admitted := 0
	for _, r := range results {
		if r.Admitted {
			admitted++
		} else {
			assert.Equal(t, quota.ReasonEventCountExceeded, r.Reason)
		}
	}
	assert.Equal(t, 1, admitted)
}

func TestGate_Reset(t *testing.T) {
	f := newFixture(t, quota.Limits{MaxCustomEvents: 1, MaxBytes: 1000, Window: time.Minute, Mode: quota.ModeRolling})
	ctx := context.Background()

	require.True(t, f.gate.Admit(ctx, "dep-1", customEvent(1)).Admitted)
	require.NoError(t, f.gate.Reset(ctx, "dep-1"))
	assert.True(t, f.gate.Admit(ctx, "dep-1", customEvent(1)).Admitted)

	assert.ErrorIs(t, f.gate.Reset(ctx, ""), quota.ErrInvalidDeployment)
}

func TestResult_RetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 1, Result{}.RetryAfterSeconds())
	assert.Equal(t, 1, Result{RetryAfter: time.Millisecond}.RetryAfterSeconds())
	assert.Equal(t, 2, Result{RetryAfter: 1001 * time.Millisecond}.RetryAfterSeconds())
	assert.Equal(t, 60, Result{RetryAfter: time.Minute}.RetryAfterSeconds())
}
