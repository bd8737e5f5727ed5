package quota

import (
	"math"
	"testing"
	"time"

	"github.com/aman-churiwal/event-gate/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestLimits_Validate(t *testing.T) {
	tests := []struct {
		name    string
		limits  Limits
		wantErr bool
	}{
		{"defaults", DefaultLimits(), false},
		{"zero events", Limits{MaxCustomEvents: 0, MaxBytes: 1, Window: time.Minute, Mode: ModeRolling}, true},
		{"negative bytes", Limits{MaxCustomEvents: 1, MaxBytes: -1, Window: time.Minute, Mode: ModeRolling}, true},
		{"tiny window", Limits{MaxCustomEvents: 1, MaxBytes: 1, Window: time.Microsecond, Mode: ModeRolling}, true},
		{"unknown mode", Limits{MaxCustomEvents: 1, MaxBytes: 1, Window: time.Minute, Mode: "sliding"}, true},
		{"fixed", Limits{MaxCustomEvents: 1, MaxBytes: 1, Window: time.Minute, Mode: ModeFixed}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.limits.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDefaultLimits(t *testing.T) {
	l := DefaultLimits()
	assert.Equal(t, int64(40000), l.MaxCustomEvents)
	assert.Equal(t, int64(35000000), l.MaxBytes)
	assert.Equal(t, time.Minute, l.Window)
}

func TestCostOf(t *testing.T) {
	size := int64(250)
	events := []models.Event{
		{Class: models.ClassCustom, SizeBytes: &size},
		{Class: models.ClassCustom, Payload: []byte(`{"msg":"hello"}`)},
		{Class: models.ClassSystem, SizeBytes: &size},
	}

	c := CostOf(events...)
	assert.Equal(t, int64(2), c.CustomEvents)
	assert.Equal(t, int64(1), c.SystemEvents)
	assert.Equal(t, int64(250+15+250), c.Bytes)
}

func TestCostOf_SaturatesBytes(t *testing.T) {
	huge := int64(1 << 62)
	negative := int64(-10)
	events := []models.Event{
		{Class: models.ClassCustom, SizeBytes: &huge},
		{Class: models.ClassCustom, SizeBytes: &huge},
		{Class: models.ClassSystem, SizeBytes: &huge},
	}

	assert.Equal(t, int64(math.MaxInt64), CostOf(events...).Bytes)
	assert.Zero(t, CostOf(models.Event{Class: models.ClassSystem, SizeBytes: &negative}).Bytes)
}

func TestEvaluate_HugeCostRejected(t *testing.T) {
	l := DefaultLimits()

	assert.Equal(t, ReasonByteVolumeExceeded, evaluate(l, 0, 1, Cost{CustomEvents: 1, Bytes: math.MaxInt64}))
	assert.Equal(t, ReasonByteVolumeExceeded, evaluate(l, 0, 0, Cost{SystemEvents: 1, Bytes: math.MinInt64}))
	assert.Equal(t, ReasonEventCountExceeded, evaluate(l, 1, 0, Cost{CustomEvents: math.MaxInt64}))
	assert.Equal(t, ReasonNone, evaluate(l, 0, 0, Cost{CustomEvents: 1, Bytes: l.MaxBytes}))
}

func TestEvaluate_CountCheckedBeforeBytes(t *testing.T) {
	l := Limits{MaxCustomEvents: 1, MaxBytes: 10, Window: time.Minute, Mode: ModeRolling}

	assert.Equal(t, ReasonEventCountExceeded, evaluate(l, 1, 10, Cost{CustomEvents: 1, Bytes: 100}))
	assert.Equal(t, ReasonByteVolumeExceeded, evaluate(l, 1, 10, Cost{SystemEvents: 1, Bytes: 1}))
	assert.Equal(t, ReasonNone, evaluate(l, 0, 0, Cost{CustomEvents: 1, Bytes: 10}))
}

func TestValidateDeploymentID(t *testing.T) {
	assert.NoError(t, ValidateDeploymentID("prod-eu-1"))
	assert.ErrorIs(t, ValidateDeploymentID(""), ErrInvalidDeployment)

	long := make([]byte, 129)
	for i := range long {
		long[i] = 'a'
	}
	assert.ErrorIs(t, ValidateDeploymentID(string(long)), ErrInvalidDeployment)
}
