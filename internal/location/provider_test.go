package location

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladgets/roadmate-tracker/internal/config"
	"github.com/vladgets/roadmate-tracker/internal/monitoring"
	"github.com/vladgets/roadmate-tracker/internal/power"
	"github.com/vladgets/roadmate-tracker/internal/timeutil"
	"github.com/vladgets/roadmate-tracker/internal/track"
)

func newProvider(t *testing.T) (*Provider, *MockSource) {
	t.Helper()
	monitoring.SetLogger(nil)
	src := NewMockSource()
	return NewProvider(src, config.EmptyTuningConfig()), src
}

func waitFix(t *testing.T, ch <-chan track.Fix) track.Fix {
	t.Helper()
	select {
	case fix, ok := <-ch:
		require.True(t, ok, "fix stream closed unexpectedly")
		return fix
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fix")
		return track.Fix{}
	}
}

func TestStartDeliversFixes(t *testing.T) {
	p, src := newProvider(t)
	require.NoError(t, p.Start(ProfileActiveMovement))
	defer p.Stop()

	src.Emit(track.Fix{Lat: 37.8, Lon: -122.27})
	fix := waitFix(t, p.Fixes())
	assert.Equal(t, 37.8, fix.Lat)
	assert.Equal(t, ProfileActiveMovement, p.Profile())
}

func TestStartTwiceFails(t *testing.T) {
	p, _ := newProvider(t)
	require.NoError(t, p.Start(ProfileIdle))
	defer p.Stop()

	assert.ErrorIs(t, p.Start(ProfileIdle), ErrAlreadyStarted)
}

func TestPermissionDenialIsFatalToStart(t *testing.T) {
	p, src := newProvider(t)
	src.FailStartWith(ErrPermissionDenied)

	err := p.Start(ProfileActiveMovement)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestSwitchProfileRestartsSource(t *testing.T) {
	p, src := newProvider(t)
	require.NoError(t, p.Start(ProfileActiveMovement))
	defer p.Stop()

	require.NoError(t, p.SwitchProfile(ProfileIdle))
	assert.Equal(t, ProfileIdle, p.Profile())
	assert.Equal(t, 2, src.StartCount())
	assert.Equal(t, 1, src.StopCount())

	cfg := config.EmptyTuningConfig()
	assert.Equal(t, ParamsFor(ProfileIdle, cfg), src.LastParams())

	// Fixes from the new incarnation flow on the same provider stream.
	src.Emit(track.Fix{Lat: 1})
	assert.Equal(t, 1.0, waitFix(t, p.Fixes()).Lat)
}

func TestSwitchToSameProfileIsNoOp(t *testing.T) {
	p, src := newProvider(t)
	require.NoError(t, p.Start(ProfileIdle))
	defer p.Stop()

	require.NoError(t, p.SwitchProfile(ProfileIdle))
	assert.Equal(t, 1, src.StartCount())
	assert.Equal(t, 0, src.StopCount())
}

func TestStopClosesStream(t *testing.T) {
	p, _ := newProvider(t)
	require.NoError(t, p.Start(ProfileIdle))

	ch := p.Fixes()
	p.Stop()

	_, ok := <-ch
	assert.False(t, ok)

	// Stop is idempotent.
	p.Stop()
}

func TestProfileParams(t *testing.T) {
	cfg := config.EmptyTuningConfig()

	active := ParamsFor(ProfileActiveMovement, cfg)
	acq := ParamsFor(ProfileStopAcquisition, cfg)
	idle := ParamsFor(ProfileIdle, cfg)

	assert.Less(t, acq.Interval, active.Interval, "acquisition samples fastest")
	assert.Less(t, active.Interval, idle.Interval)
	assert.Less(t, acq.Accuracy, active.Accuracy, "acquisition wants best accuracy")
	assert.Equal(t, config.DefaultIdleFloorInterval, idle.Interval, "idle keeps the wake-up floor")
}

func TestSelectPolicy(t *testing.T) {
	cases := []struct {
		name      string
		state     track.ActivityState
		acquiring bool
		mode      power.Mode
		want      Profile
	}{
		{"acquiring overrides battery", track.StateStill, true, power.ModeCritical, ProfileStopAcquisition},
		{"still idles", track.StateStill, false, power.ModeNormal, ProfileIdle},
		{"unknown idles", track.StateUnknown, false, power.ModeNormal, ProfileIdle},
		{"walking tracks", track.StateWalking, false, power.ModeNormal, ProfileActiveMovement},
		{"vehicle tracks", track.StateInVehicle, false, power.ModeNormal, ProfileActiveMovement},
		{"walking under power saving idles", track.StateWalking, false, power.ModePowerSaving, ProfileIdle},
		{"vehicle under critical idles", track.StateInVehicle, false, power.ModeCritical, ProfileIdle},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Select(tc.state, tc.acquiring, tc.mode))
		})
	}
}

func TestParseFixtures(t *testing.T) {
	data := []byte(`# replay fixture
37.8000,-122.2700,20,1.2,90
37.8001,-122.2701

37.8002,-122.2702,15
`)
	fixes, err := ParseFixtures(data)
	require.NoError(t, err)
	require.Len(t, fixes, 3)

	assert.Equal(t, 37.8, fixes[0].Lat)
	require.NotNil(t, fixes[0].Accuracy)
	assert.Equal(t, 20.0, *fixes[0].Accuracy)
	require.NotNil(t, fixes[0].Heading)
	assert.Equal(t, 90.0, *fixes[0].Heading)

	assert.Nil(t, fixes[1].Accuracy)
	assert.Equal(t, "replay", fixes[1].Source)

	require.NotNil(t, fixes[2].Accuracy)
	assert.Nil(t, fixes[2].Speed)
}

func TestParseFixturesRejectsGarbage(t *testing.T) {
	_, err := ParseFixtures([]byte("not-a-number,-122.27"))
	assert.Error(t, err)

	_, err = ParseFixtures([]byte("37.8"))
	assert.Error(t, err)
}

func TestReplaySourceEmitsOnTicks(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	src := NewReplaySource([]track.Fix{
		{Lat: 1, Lon: 2},
		{Lat: 3, Lon: 4},
	}, clock)

	ch, err := src.Start(Params{Interval: time.Second})
	require.NoError(t, err)
	defer src.Stop()

	clock.Advance(time.Second)
	fix := waitFix(t, ch)
	assert.Equal(t, 1.0, fix.Lat)
	assert.Equal(t, time.Unix(1001, 0), fix.Time)

	clock.Advance(time.Second)
	assert.Equal(t, 3.0, waitFix(t, ch).Lat)

	// Playback loops.
	clock.Advance(time.Second)
	assert.Equal(t, 1.0, waitFix(t, ch).Lat)
}
