package tracking

import (
	"bytes"
	"log"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/unklstewy/tptool/pkg/coordinates"
	"github.com/unklstewy/tptool/pkg/feed"
	"github.com/unklstewy/tptool/pkg/mount"
)

type call struct {
	Op   string
	Axis mount.Axis
	Rate float64
}

// fakeMount records every command.
type fakeMount struct {
	state mount.State
	calls []call
	err   error
}

func (m *fakeMount) Slew(axis mount.Axis, rate float64) error {
	if m.err != nil {
		return m.err
	}
	m.calls = append(m.calls, call{"slew", axis, rate})
	return nil
}

func (m *fakeMount) Stop(axis mount.Axis) error {
	if m.err != nil {
		return m.err
	}
	m.calls = append(m.calls, call{"stop", axis, 0})
	return nil
}

func (m *fakeMount) State() mount.State {
	return m.state
}

func (m *fakeMount) reset() {
	m.calls = nil
}

// last returns the most recent command for axis.
func (m *fakeMount) last(axis mount.Axis) (call, bool) {
	for i := len(m.calls) - 1; i >= 0; i-- {
		if m.calls[i].Axis == axis {
			return m.calls[i], true
		}
	}
	return call{}, false
}

var t0 = time.Unix(1_700_000_000, 0)

type harness struct {
	engine  *Engine
	mount   *fakeMount
	logs    *bytes.Buffer
	records []Record
}

func newHarness(t *testing.T, mutate func(*Settings)) *harness {
	t.Helper()
	s := DefaultSettings()
	if mutate != nil {
		mutate(&s)
	}

	h := &harness{mount: &fakeMount{state: mount.Connected}, logs: &bytes.Buffer{}}
	h.engine = NewEngine(h.mount, s,
		WithLogger(log.New(h.logs, "", 0)),
		WithClock(func() time.Time { return t0 }),
		WithRecordSink(func(r Record) { h.records = append(h.records, r) }),
	)
	return h
}

func (h *harness) position(a1, a2 float64) {
	h.engine.OnMountEvent(mount.Event{Kind: mount.PositionUpdated, Position: mount.Position{Axis1: a1, Axis2: a2, At: t0}})
}

func (h *harness) recordsOf(kind RecordKind) []Record {
	var out []Record
	for _, r := range h.records {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

func testSample() feed.Sample {
	return feed.Sample{
		Position:   r3.Vec{X: 11000, Y: 5000, Z: 7000},
		Velocity:   r3.Vec{X: 220},
		Track:      52.1,
		Altitude:   7000,
		ReceivedAt: t0,
	}
}

func TestTrackingCommandsBothAxesTowardTarget(t *testing.T) {
	h := newHarness(t, func(s *Settings) { s.Speed = 2 })

	h.position(0, 0)
	require.NoError(t, h.engine.OnSetReference(coordinates.HorizontalCoordinates{Azimuth: 180, Altitude: 10}))
	h.engine.OnTargetSample(testSample())
	assert.Empty(t, h.mount.calls, "no commands before tracking is enabled")

	h.engine.OnToggleTracking()
	require.Equal(t, Tracking, h.engine.State())

	// Target sits at about az 335.6°, alt 30.1°; in mount coordinates that is
	// 155.6° and 20.1° ahead of the axes, so both must move positive.
	for _, axis := range mount.Axes {
		c, ok := h.mount.last(axis)
		require.True(t, ok, "no command for %s", axis)
		assert.Equal(t, "slew", c.Op)
		assert.Greater(t, c.Rate, 0.0)
		assert.LessOrEqual(t, c.Rate, 2.0)
	}
}

func TestMountLostForcesIdleAndSilencesCommands(t *testing.T) {
	h := newHarness(t, nil)
	h.position(0, 0)
	h.engine.OnTargetSample(testSample())
	h.engine.OnToggleTracking()
	require.Equal(t, Tracking, h.engine.State())

	h.engine.OnMountEvent(mount.Event{Kind: mount.Lost, Err: mount.ErrDisconnected})
	assert.Equal(t, Idle, h.engine.State())
	require.Len(t, h.recordsOf(MountLost), 1)
	assert.Contains(t, h.recordsOf(MountLost)[0].Detail, "disconnected")

	h.mount.reset()
	h.engine.OnTargetSample(testSample())
	h.engine.OnTick(t0.Add(time.Second))
	h.engine.OnManualSlew(mount.Axis1, 1)
	h.engine.OnToggleTracking()
	assert.Empty(t, h.mount.calls)
	assert.Equal(t, Idle, h.engine.State())

	h.engine.OnMountEvent(mount.Event{Kind: mount.StateChanged, State: mount.Connected})
	h.engine.OnManualSlew(mount.Axis1, 1)
	assert.NotEmpty(t, h.mount.calls)
}

func TestDisconnectStateForcesIdle(t *testing.T) {
	h := newHarness(t, nil)
	h.position(0, 0)
	h.engine.OnToggleTracking()
	require.Equal(t, Tracking, h.engine.State())

	h.engine.OnMountEvent(mount.Event{Kind: mount.StateChanged, State: mount.ExitingSpecialMode})
	assert.Equal(t, Idle, h.engine.State())
}

func TestCableWrapGuardStopsOutwardMotion(t *testing.T) {
	h := newHarness(t, func(s *Settings) {
		s.Speed = 5
		s.MaxSpeed = 5
		s.ControlPeriod = time.Second
	})

	h.position(0, 0)
	h.position(179, 0)
	h.position(358, 0)
	require.InDelta(t, 358.0, h.engine.Status().Travel[0], 1e-9)

	h.engine.OnManualSlew(mount.Axis1, 1)
	want := []call{{"stop", mount.Axis1, 0}}
	if diff := cmp.Diff(want, h.mount.calls); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}
	assert.Contains(t, h.logs.String(), "safety-clamp;axis;1;travel;358.0;rate;5.000")

	clamps := h.recordsOf(SafetyClamp)
	require.Len(t, clamps, 1)
	assert.Equal(t, mount.Axis1, clamps[0].Axis)
	assert.Equal(t, uint64(1), h.engine.Status().Clamps)

	// Moving back toward zero is allowed.
	h.mount.reset()
	h.engine.OnManualSlew(mount.Axis1, -1)
	c, ok := h.mount.last(mount.Axis1)
	require.True(t, ok)
	assert.Equal(t, call{"slew", mount.Axis1, -5}, c)
}

func TestCableWrapGuardProjectsOverControlPeriod(t *testing.T) {
	h := newHarness(t, func(s *Settings) { s.ControlPeriod = 500 * time.Millisecond })

	h.position(0, 0)
	h.position(-120, 0)
	h.position(-240, 0)
	h.position(-359.8, 0)
	require.InDelta(t, -359.8, h.engine.Status().Travel[0], 1e-9)

	// -359.8 - 1.0*0.5 crosses the limit, -359.8 + 0.5 does not.
	h.engine.OnManualSlew(mount.Axis1, -1)
	c, _ := h.mount.last(mount.Axis1)
	assert.Equal(t, "stop", c.Op)

	h.engine.OnManualSlew(mount.Axis1, 1)
	c, _ = h.mount.last(mount.Axis1)
	assert.Equal(t, call{"slew", mount.Axis1, 1}, c)
}

func TestTravelAccumulatorKeepsTrueTotal(t *testing.T) {
	h := newHarness(t, nil)

	// The mount overshoots the limit by 5° before coming back.
	for _, a := range []float64{0, 120, 240, 359, 365, 355} {
		h.position(a, -a)
	}

	st := h.engine.Status()
	assert.InDelta(t, 355.0, st.Travel[0], 1e-9)
	assert.InDelta(t, -355.0, st.Travel[1], 1e-9)

	h.engine.OnZeroPosition()
	assert.Equal(t, [2]float64{}, h.engine.Status().Travel)

	h.position(365, -355)
	assert.InDelta(t, 10.0, h.engine.Status().Travel[0], 1e-9)
}

func TestHeldSlewWhileIdleStopsAtLimit(t *testing.T) {
	h := newHarness(t, func(s *Settings) {
		s.Speed = 1
		s.ControlPeriod = 500 * time.Millisecond
	})

	h.position(0, 0)
	h.engine.OnManualSlew(mount.Axis1, 1)
	require.Equal(t, Idle, h.engine.State())
	h.mount.reset()

	for _, a := range []float64{90, 180, 270, 359} {
		h.position(a, 0)
	}
	assert.Empty(t, h.mount.calls, "the running slew is left alone inside the limit")

	// 359.8 + 1°/s * 0.5 s crosses 360.
	h.position(359.8, 0)
	want := []call{{"stop", mount.Axis1, 0}}
	if diff := cmp.Diff(want, h.mount.calls); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 0.0, h.engine.Status().Commanded[0])
	require.Len(t, h.recordsOf(SafetyClamp), 1)
	assert.Contains(t, h.logs.String(), "safety-clamp;axis;1;travel;359.8;rate;1.000")

	// Residual motion after the stop is still counted.
	h.position(360.3, 0)
	assert.InDelta(t, 360.3, h.engine.Status().Travel[0], 1e-9)
	assert.Len(t, h.mount.calls, 1)
}

func TestRateLeftAfterTrackingStopsAtLimit(t *testing.T) {
	h := newHarness(t, func(s *Settings) { s.ControlPeriod = time.Second })

	h.position(0, 0)
	require.NoError(t, h.engine.OnSetReference(coordinates.HorizontalCoordinates{Azimuth: 180, Altitude: 10}))
	h.engine.OnTargetSample(testSample())
	h.engine.OnToggleTracking()
	require.Equal(t, Tracking, h.engine.State())
	h.engine.OnToggleTracking()
	require.Equal(t, Idle, h.engine.State())

	rate := h.engine.Status().Commanded[0]
	require.Greater(t, rate, 0.0)

	h.mount.reset()
	h.position(120, 0)
	h.position(240, 0)
	h.position(359.9, 0)
	c, ok := h.mount.last(mount.Axis1)
	require.True(t, ok)
	assert.Equal(t, "stop", c.Op)
	assert.Equal(t, uint64(1), h.engine.Status().Clamps)
}

func TestClampRecordedOncePerExcursion(t *testing.T) {
	h := newHarness(t, func(s *Settings) {
		s.Speed = 5
		s.MaxSpeed = 5
		s.ControlPeriod = time.Second
	})

	h.position(0, 0)
	h.position(179, 0)
	h.position(358, 0)

	for i := 0; i < 4; i++ {
		h.engine.OnManualSlew(mount.Axis1, 1)
	}
	assert.Len(t, h.recordsOf(SafetyClamp), 1)
	assert.Equal(t, uint64(1), h.engine.Status().Clamps)

	// Backing off and pushing out again is a new excursion.
	h.engine.OnManualSlew(mount.Axis1, -1)
	h.engine.OnManualSlew(mount.Axis1, 1)
	assert.Len(t, h.recordsOf(SafetyClamp), 2)
	assert.Equal(t, uint64(2), h.engine.Status().Clamps)
}

func TestNonFiniteSampleNeverReachesMount(t *testing.T) {
	h := newHarness(t, nil)
	h.position(0, 0)
	h.engine.OnToggleTracking()
	require.Equal(t, Tracking, h.engine.State())

	s := testSample()
	s.Position.X = math.NaN()
	s.Velocity.X = math.Inf(1)
	h.mount.reset()
	h.engine.OnTargetSample(s)
	h.engine.OnTick(t0.Add(time.Second))

	require.NotEmpty(t, h.mount.calls)
	for _, c := range h.mount.calls {
		assert.Equal(t, "stop", c.Op, "unexpected %+v", c)
	}
	assert.Equal(t, [2]float64{}, h.engine.Status().Commanded)
}

func TestRepeatedManualSlewIsIdempotent(t *testing.T) {
	h := newHarness(t, func(s *Settings) { s.Speed = 2 })

	h.engine.OnManualSlew(mount.Axis2, 0.5)
	h.engine.OnManualSlew(mount.Axis2, 0.5)

	want := []call{{"slew", mount.Axis2, 1}, {"slew", mount.Axis2, 1}}
	if diff := cmp.Diff(want, h.mount.calls); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}

	h.engine.OnManualSlew(mount.Axis2, 0)
	c, _ := h.mount.last(mount.Axis2)
	assert.Equal(t, "stop", c.Op)
}

func TestManualSlewIgnoresInvalidAxis(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.OnManualSlew(mount.AllAxes, 1)
	h.engine.OnManualSlew(mount.Axis(7), 1)
	assert.Empty(t, h.mount.calls)
}

func TestToggleResumesFromCurrentPosition(t *testing.T) {
	ref := coordinates.HorizontalCoordinates{Azimuth: 180, Altitude: 10}

	a := newHarness(t, nil)
	a.position(0, 0)
	require.NoError(t, a.engine.OnSetReference(ref))
	a.engine.OnTargetSample(testSample())
	a.engine.OnToggleTracking()
	a.engine.OnTick(t0)
	a.engine.OnToggleTracking()
	require.Equal(t, Idle, a.engine.State())

	// Toggling off leaves the axes moving.
	for _, axis := range mount.Axes {
		c, _ := a.mount.last(axis)
		assert.Equal(t, "slew", c.Op)
	}

	a.position(10, 5)
	a.mount.reset()
	a.engine.OnToggleTracking()

	b := newHarness(t, nil)
	b.position(0, 0)
	require.NoError(t, b.engine.OnSetReference(ref))
	b.position(10, 5)
	b.engine.OnTargetSample(testSample())
	b.engine.OnToggleTracking()

	if diff := cmp.Diff(b.mount.calls, a.mount.calls); diff != "" {
		t.Errorf("resumed commands differ from a fresh start (-fresh +resumed):\n%s", diff)
	}
}

func TestSaveThenCancelAdjustmentRestoresBearing(t *testing.T) {
	h := newHarness(t, nil)
	h.position(0, 0)
	h.engine.OnTargetSample(testSample())
	h.engine.OnToggleTracking()

	baseline := h.engine.Status().Target

	h.engine.OnManualSlew(mount.Axis1, 1)
	h.engine.OnManualSlew(mount.Axis2, -1)
	for i := 0; i < 4; i++ {
		h.engine.OnTick(t0)
	}
	h.engine.OnManualSlew(mount.Axis1, 0)
	h.engine.OnManualSlew(mount.Axis2, 0)

	adjusted := h.engine.Status().Target
	// 4 ticks of 0.5 s at min(1.0, 0.5) °/s
	assert.InDelta(t, 1.0, coordinates.AngleDiff(baseline[0], adjusted[0]), 1e-9)
	assert.InDelta(t, -1.0, adjusted[1]-baseline[1], 1e-9)

	h.engine.OnSaveAdjustment()
	st := h.engine.Status()
	assert.True(t, st.Adjusted)
	assert.Equal(t, [2]float64{}, st.Manual)
	assert.InDelta(t, adjusted[0], st.Target[0], 1e-9)
	assert.InDelta(t, adjusted[1], st.Target[1], 1e-9)

	h.engine.OnCancelAdjustment()
	st = h.engine.Status()
	assert.False(t, st.Adjusted)
	assert.InDelta(t, baseline[0], st.Target[0], 1e-9)
	assert.InDelta(t, baseline[1], st.Target[1], 1e-9)
}

func TestAdjustmentActionsWhileIdleAreNoops(t *testing.T) {
	h := newHarness(t, nil)
	h.position(0, 0)

	h.engine.OnSaveAdjustment()
	h.engine.OnCancelAdjustment()

	assert.Empty(t, h.recordsOf(AdjustmentSaved))
	assert.Empty(t, h.recordsOf(AdjustmentCanceled))
	assert.False(t, h.engine.Status().Adjusted)
}

func TestDisablingTrackingClearsAdjustment(t *testing.T) {
	h := newHarness(t, nil)
	h.position(0, 0)
	h.engine.OnTargetSample(testSample())
	h.engine.OnToggleTracking()

	h.engine.OnManualSlew(mount.Axis1, 1)
	h.engine.OnTick(t0)
	h.engine.OnSaveAdjustment()
	require.True(t, h.engine.Status().Adjusted)

	h.engine.OnToggleTracking()
	st := h.engine.Status()
	assert.False(t, st.Adjusted)
	assert.Equal(t, [2]float64{}, st.Adjustment)
}

func TestManualSlewWhileTrackingMovesOffset(t *testing.T) {
	h := newHarness(t, nil)
	h.position(0, 0)
	h.engine.OnTargetSample(testSample())
	h.engine.OnToggleTracking()
	h.mount.reset()

	h.engine.OnManualSlew(mount.Axis1, 1)
	assert.Empty(t, h.mount.calls, "manual input must not reach the mount directly while tracking")

	h.engine.OnTick(t0)
	assert.InDelta(t, 0.25, h.engine.Status().Manual[0], 1e-9)
	_, ok := h.mount.last(mount.Axis1)
	assert.True(t, ok)
}

func TestStopForcesIdle(t *testing.T) {
	h := newHarness(t, nil)
	h.position(0, 0)
	h.engine.OnTargetSample(testSample())
	h.engine.OnToggleTracking()
	h.mount.reset()

	h.engine.OnStop()
	assert.Equal(t, Idle, h.engine.State())
	assert.Equal(t, []call{{"stop", mount.AllAxes, 0}}, h.mount.calls)
	assert.Equal(t, [2]float64{}, h.engine.Status().Commanded)
}

func TestSpeedSteps(t *testing.T) {
	h := newHarness(t, nil)
	s := DefaultSettings()

	h.engine.IncreaseSpeed()
	assert.InDelta(t, s.Speed*s.SpeedStep, h.engine.Speed(), 1e-12)

	for i := 0; i < 50; i++ {
		h.engine.IncreaseSpeed()
	}
	assert.Equal(t, s.MaxSpeed, h.engine.Speed())

	for i := 0; i < 50; i++ {
		h.engine.DecreaseSpeed()
	}
	assert.Equal(t, s.MinSpeed, h.engine.Speed())
}

func TestSpeedChangeReissuesHeldManualSlew(t *testing.T) {
	h := newHarness(t, nil)

	h.engine.OnManualSlew(mount.Axis1, 1)
	h.engine.IncreaseSpeed()

	c, ok := h.mount.last(mount.Axis1)
	require.True(t, ok)
	assert.InDelta(t, 1.5, c.Rate, 1e-12)
}

func TestTrackingRatesRespectSpeedCeiling(t *testing.T) {
	h := newHarness(t, func(s *Settings) { s.Speed = 0.1 })
	h.position(90, -40)
	h.engine.OnTargetSample(testSample())
	h.engine.OnToggleTracking()

	for _, c := range h.mount.calls {
		assert.LessOrEqual(t, c.Rate, 0.1)
		assert.GreaterOrEqual(t, c.Rate, -0.1)
	}
}

func TestTargetLogOncePerInterval(t *testing.T) {
	h := newHarness(t, nil)
	h.position(0, 0)
	h.engine.OnTargetSample(testSample())
	h.engine.OnToggleTracking()

	h.engine.OnTick(t0.Add(500 * time.Millisecond))
	assert.Empty(t, h.recordsOf(TargetLog))

	h.engine.OnTick(t0.Add(time.Second))
	h.engine.OnTick(t0.Add(1500 * time.Millisecond))
	h.engine.OnTick(t0.Add(2 * time.Second))

	logs := h.recordsOf(TargetLog)
	require.Len(t, logs, 2)

	// Extrapolated one second ahead along +X.
	want := r3.Norm(r3.Vec{X: 11220, Y: 5000, Z: 7000})
	assert.InDelta(t, want, logs[0].Distance, 1e-6)
	assert.Equal(t, 220.0, logs[0].Speed)
	assert.Equal(t, 7000.0, logs[0].Altitude)

	var lines []string
	for _, l := range strings.Split(h.logs.String(), "\n") {
		if strings.HasPrefix(l, "target-log;") {
			lines = append(lines, l)
		}
	}
	require.Len(t, lines, 2)
	assert.Regexp(t, `^target-log;dist;[0-9]+\.[0-9];speed;220\.0;altitude;7000\.0$`, lines[0])
}

func TestNoTargetLogWhileIdle(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.OnTargetSample(testSample())
	h.engine.OnTick(t0.Add(5 * time.Second))
	assert.Empty(t, h.recordsOf(TargetLog))
	assert.NotContains(t, h.logs.String(), "target-log")
}

func TestSetReferenceNeedsMountPosition(t *testing.T) {
	h := newHarness(t, nil)
	err := h.engine.OnSetReference(coordinates.HorizontalCoordinates{Azimuth: 10})
	assert.ErrorIs(t, err, ErrNoMountPosition)
	_, ok := h.engine.Reference()
	assert.False(t, ok)

	h.position(33, 4)
	require.NoError(t, h.engine.OnSetReference(coordinates.HorizontalCoordinates{Azimuth: 10, Altitude: 20}))
	ref, ok := h.engine.Reference()
	require.True(t, ok)
	assert.Equal(t, 33.0, ref.Axis1)
	assert.Equal(t, 4.0, ref.Axis2)
}

func TestToggleRefusedWhileMountDisconnected(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.OnMountEvent(mount.Event{Kind: mount.StateChanged, State: mount.Disconnected})

	h.engine.OnToggleTracking()
	assert.Equal(t, Idle, h.engine.State())
	assert.Contains(t, h.logs.String(), "cannot start tracking")
}

func TestMountErrorsAreNotFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.mount.err = mount.ErrBusy

	h.engine.OnManualSlew(mount.Axis1, 1)
	h.engine.OnStop()

	assert.Equal(t, [2]float64{}, h.engine.Status().Commanded)
	assert.Contains(t, h.logs.String(), "mount busy")
}
