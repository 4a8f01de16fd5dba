package activity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladgets/roadmate-tracker/internal/config"
	"github.com/vladgets/roadmate-tracker/internal/track"
)

func sample(speed float64, at time.Time) Sample {
	return Sample{Speed: &speed, Time: at}
}

func TestClassifierSpeedBands(t *testing.T) {
	cases := []struct {
		name  string
		speed float64
		want  track.ActivityState
	}{
		{"stationary", 0.1, track.StateStill},
		{"just below still threshold", 0.49, track.StateStill},
		{"transition zone resolves to still", 1.5, track.StateStill},
		{"walking", 3.0, track.StateWalking},
		{"just below vehicle threshold", 5.9, track.StateWalking},
		{"vehicle", 15.0, track.StateInVehicle},
		{"negative speed uses magnitude", -15.0, track.StateInVehicle},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := NewClassifier(config.EmptyTuningConfig())
			obs, ok := c.Classify(sample(tc.speed, time.Now()))
			require.True(t, ok)
			assert.Equal(t, tc.want, obs.State)
			assert.Greater(t, obs.Confidence, 0.0)
			assert.LessOrEqual(t, obs.Confidence, 1.0)
		})
	}
}

// Samples below the still threshold must never produce a moving label, no
// matter the sequence.
func TestSubThresholdNeverEmitsMoving(t *testing.T) {
	c := NewClassifier(config.EmptyTuningConfig())
	for _, speed := range []float64{0.0, 0.1, 0.3, 0.49, 0.05, 0.2} {
		obs, ok := c.Classify(sample(speed, time.Now()))
		if ok {
			assert.Equal(t, track.StateStill, obs.State)
		}
	}
}

// Three sub-threshold fixes 15s apart must emit Still exactly once.
func TestRepeatLabelEmitsOnce(t *testing.T) {
	c := NewClassifier(config.EmptyTuningConfig())
	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	emissions := 0
	for i, speed := range []float64{0.1, 0.05, 0.2} {
		if _, ok := c.Classify(sample(speed, base.Add(time.Duration(i)*15*time.Second))); ok {
			emissions++
		}
	}
	assert.Equal(t, 1, emissions)
}

func TestMissingSpeedIsIgnored(t *testing.T) {
	c := NewClassifier(config.EmptyTuningConfig())
	_, ok := c.Classify(Sample{Time: time.Now()})
	assert.False(t, ok)

	// The malformed sample must not disturb deduplication state.
	obs, ok := c.Classify(sample(0.1, time.Now()))
	require.True(t, ok)
	assert.Equal(t, track.StateStill, obs.State)
}

// Observe labels every sample, repeats included, so the state machine can
// accumulate confirmations from a steady signal.
func TestObserveLabelsEverySample(t *testing.T) {
	c := NewClassifier(config.EmptyTuningConfig())

	for i := 0; i < 3; i++ {
		obs, ok := c.Observe(sample(0.1, time.Now()))
		require.True(t, ok)
		assert.Equal(t, track.StateStill, obs.State)
	}

	_, ok := c.Observe(Sample{Time: time.Now()})
	assert.False(t, ok)
}

func TestResetAllowsReEmission(t *testing.T) {
	c := NewClassifier(config.EmptyTuningConfig())

	_, ok := c.Classify(sample(3.0, time.Now()))
	require.True(t, ok)
	_, ok = c.Classify(sample(3.1, time.Now()))
	require.False(t, ok)

	c.Reset()
	obs, ok := c.Classify(sample(3.0, time.Now()))
	require.True(t, ok)
	assert.Equal(t, track.StateWalking, obs.State)
}
