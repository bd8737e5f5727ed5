// Package quota tracks per-deployment event and byte volume within fixed-length windows and
// decides whether more traffic may be admitted.
package quota

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/aman-churiwal/event-gate/internal/models"
)

const (
	DefaultMaxCustomEvents = 40000
	DefaultMaxBytes        = 35 * 1000 * 1000
	DefaultWindow          = time.Minute

	maxDeploymentIDLen = 128
)

var ErrInvalidDeployment = errors.New("invalid deployment id")

// Reason explains why a cost was not admitted.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonEventCountExceeded Reason = "EventCountExceeded"
	ReasonByteVolumeExceeded Reason = "ByteVolumeExceeded"
)

// WindowMode selects where a new window starts.
type WindowMode string

const (
	// ModeRolling - a window begins with the first event after the previous one expired
	ModeRolling WindowMode = "rolling"

	// ModeFixed - windows are aligned to wall-clock boundaries
	ModeFixed WindowMode = "fixed"
)

type Limits struct {
	MaxCustomEvents int64
	MaxBytes        int64
	Window          time.Duration
	Mode            WindowMode
}

func DefaultLimits() Limits {
	return Limits{
		MaxCustomEvents: DefaultMaxCustomEvents,
		MaxBytes:        DefaultMaxBytes,
		Window:          DefaultWindow,
		Mode:            ModeRolling,
	}
}

func (l Limits) Validate() error {
	switch {
	case l.MaxCustomEvents <= 0:
		return fmt.Errorf("max custom events must be positive, got %d", l.MaxCustomEvents)
	case l.MaxBytes <= 0:
		return fmt.Errorf("max bytes must be positive, got %d", l.MaxBytes)
	case l.Window < time.Millisecond:
		return fmt.Errorf("window must be at least 1ms, got %v", l.Window)
	}

	switch l.Mode {
	case ModeRolling, ModeFixed:
		return nil
	default:
		return fmt.Errorf("unknown window mode: %q", l.Mode)
	}
}

// freshStart returns the start of a window opened at now.
func (l Limits) freshStart(now time.Time) time.Time {
	if l.Mode == ModeFixed {
		return now.Truncate(l.Window)
	}
	return now
}

// Cost is what admitting a batch charges against a window.
type Cost struct {
	CustomEvents int64
	SystemEvents int64
	Bytes        int64
}

// CostOf sums the events of a batch. Sizes are client supplied, so the byte total saturates at
// math.MaxInt64 instead of wrapping, and negative sizes count as zero.
func CostOf(events ...models.Event) Cost {
	var c Cost
	for _, e := range events {
		if e.Class == models.ClassCustom {
			c.CustomEvents++
		} else {
			c.SystemEvents++
		}

		size := max(e.Size(), 0)
		if size > math.MaxInt64-c.Bytes {
			c.Bytes = math.MaxInt64
		} else {
			c.Bytes += size
		}
	}
	return c
}

// Usage is a snapshot of a deployment's current window.
type Usage struct {
	DeploymentID string    `json:"deployment_id"`
	WindowStart  time.Time `json:"window_start"`
	ResetAt      time.Time `json:"reset_at"`
	CustomEvents int64     `json:"custom_events"`
	Bytes        int64     `json:"bytes"`
}

func (u Usage) RemainingEvents(l Limits) int64 {
	return max(l.MaxCustomEvents-u.CustomEvents, 0)
}

func (u Usage) RemainingBytes(l Limits) int64 {
	return max(l.MaxBytes-u.Bytes, 0)
}

type Decision struct {
	Admitted bool
	Reason   Reason
	Usage    Usage
	Limits   Limits
}

// RetryAfter is how long until the decision's window rolls over, never below zero.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	return max(d.Usage.ResetAt.Sub(now), 0)
}

// evaluate applies the admission rule to counters of the current window. Event count is checked
// before byte volume. Counters never exceed their limit, so comparing against the remaining
// capacity cannot overflow.
func evaluate(l Limits, events, bytes int64, cost Cost) Reason {
	if cost.CustomEvents > 0 && cost.CustomEvents > l.MaxCustomEvents-events {
		return ReasonEventCountExceeded
	}
	if cost.Bytes < 0 || cost.Bytes > l.MaxBytes-bytes {
		return ReasonByteVolumeExceeded
	}
	return ReasonNone
}

// Tracker is the component responsible for per-deployment window accounting.
type Tracker interface {
	// CheckAndRecord admits cost into the deployment's current window if neither limit would be
	// exceeded. A rejection leaves the counters unchanged. The returned error is reserved for
	// infrastructure failures.
	CheckAndRecord(ctx context.Context, deploymentID string, cost Cost) (Decision, error)

	// Refund returns a previously admitted cost, provided the window that admitted it is still
	// the active one.
	Refund(ctx context.Context, deploymentID string, cost Cost, windowStart time.Time) error

	// Usage reports the deployment's current window without modifying it.
	Usage(ctx context.Context, deploymentID string) (Usage, error)

	// Reset drops the deployment's window.
	Reset(ctx context.Context, deploymentID string) error

	Limits() Limits
	SetLimits(l Limits) error
}

func ValidateDeploymentID(id string) error {
	if id == "" || len(id) > maxDeploymentIDLen {
		return fmt.Errorf("%w: %q", ErrInvalidDeployment, id)
	}
	return nil
}
