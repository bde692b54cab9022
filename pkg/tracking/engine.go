// Package tracking implements the closed-loop tracking and safety engine.
//
// The Engine combines the latest target sample, the mount's reported axis
// positions, operator input and the cable-wrap accumulators into axis rate
// commands. It is not safe for concurrent use: the event loop owns it and
// calls one operation per input event.
package tracking

import (
	"errors"
	"log"
	"math"
	"time"

	"golang.org/x/time/rate"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/unklstewy/tptool/pkg/coordinates"
	"github.com/unklstewy/tptool/pkg/feed"
	"github.com/unklstewy/tptool/pkg/mount"
)

// ErrNoMountPosition is returned when an operation needs the mount's axis
// readings before the mount has reported any.
var ErrNoMountPosition = errors.New("mount position unknown")

// Mount is the command side of a mount.Driver.
type Mount interface {
	Slew(axis mount.Axis, rate float64) error
	Stop(axis mount.Axis) error
	State() mount.State
}

// Engine is the tracking state machine.
type Engine struct {
	mount    Mount
	settings Settings
	logger   *log.Logger
	sink     func(Record)
	now      func() time.Time

	state      State
	mountState mount.State
	speed      float64

	sample     feed.Sample
	haveSample bool

	ref     coordinates.Reference
	haveRef bool

	pos      mount.Position
	havePos  bool
	prev     [2]float64
	havePrev bool
	travel   [2]float64

	// manualInput is the held manual slew value per axis in [-1, 1];
	// manual is the offset it has integrated while tracking.
	manualInput [2]float64
	manual      [2]float64
	adjustment  [2]float64
	adjusted    bool

	commanded [2]float64
	lastLog   time.Time
	clamps    uint64

	// clamped is set while an axis is held at its travel limit
	clamped [2]bool

	clampLog [2]*rate.Limiter
	warnLog  *rate.Limiter
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger for target-log, safety-clamp and state messages.
func WithLogger(logger *log.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithRecordSink registers a function that receives every Record.
// It is called synchronously from the engine's operations.
func WithRecordSink(sink func(Record)) Option {
	return func(e *Engine) {
		e.sink = sink
	}
}

// WithClock replaces time.Now for sample ages.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates an idle engine commanding m.
func NewEngine(m Mount, settings Settings, opts ...Option) *Engine {
	e := &Engine{
		mount:      m,
		settings:   settings,
		logger:     log.Default(),
		now:        time.Now,
		state:      Idle,
		mountState: m.State(),
		speed:      clamp(settings.Speed, settings.MinSpeed, settings.MaxSpeed),
		warnLog:    rate.NewLimiter(rate.Every(time.Second), 1),
	}
	for i := range e.clampLog {
		e.clampLog[i] = rate.NewLimiter(rate.Every(time.Second), 1)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the tracking state.
func (e *Engine) State() State {
	return e.state
}

// Speed returns the current speed ceiling in degrees/second.
func (e *Engine) Speed() float64 {
	return e.speed
}

// Reference returns the current reference, if one has been set.
func (e *Engine) Reference() (coordinates.Reference, bool) {
	return e.ref, e.haveRef
}

// MountPosition returns the latest reported axis position.
func (e *Engine) MountPosition() (mount.Position, bool) {
	return e.pos, e.havePos
}

// OnTargetSample replaces the latest target sample and, while tracking,
// recomputes the axis rates.
func (e *Engine) OnTargetSample(s feed.Sample) {
	e.sample = s
	e.haveSample = true
	if e.state == Tracking {
		e.track(e.now())
	}
}

// OnManualSlew applies a manual slew input in [-1, 1] on one axis. While idle
// the mount is slewed at value times the speed ceiling. While tracking the
// input moves the manual offset on every tick instead.
func (e *Engine) OnManualSlew(axis mount.Axis, value float64) {
	if axis != mount.Axis1 && axis != mount.Axis2 {
		return
	}
	value = clamp(value, -1, 1)
	e.manualInput[axis.Index()] = value

	if e.state == Idle {
		e.command(axis, value*e.speed)
	}
}

// OnToggleTracking starts or stops tracking. Starting corrects from the
// mount's current position; stopping leaves the last commanded rates in place.
func (e *Engine) OnToggleTracking() {
	if e.state == Tracking {
		e.stopTracking("toggled off")
		return
	}

	if e.mountState != mount.Connected {
		e.logger.Printf("cannot start tracking: mount %s", e.mountState)
		return
	}

	now := e.now()
	e.state = Tracking
	e.manual = [2]float64{}
	e.lastLog = now
	e.logger.Printf("tracking started")
	e.emit(Record{Kind: TrackingStarted, At: now})
	e.track(now)
}

// OnStop stops both axes and forces Idle.
func (e *Engine) OnStop() {
	e.manualInput = [2]float64{}
	e.stopTracking("stop requested")
	if e.mountState != mount.Connected {
		return
	}
	if err := e.mount.Stop(mount.AllAxes); err != nil {
		e.warn("failed to stop mount: %v", err)
		return
	}
	e.commanded = [2]float64{}
}

// OnSaveAdjustment folds the current manual offset into the adjustment.
// It is a no-op while idle.
func (e *Engine) OnSaveAdjustment() {
	if e.state != Tracking {
		return
	}
	for i := range e.adjustment {
		e.adjustment[i] += e.manual[i]
	}
	e.manual = [2]float64{}
	e.adjusted = true

	e.logger.Printf("adjustment saved: axis1 %.3f°, axis2 %.3f°", e.adjustment[0], e.adjustment[1])
	e.emit(Record{Kind: AdjustmentSaved, At: e.now()})
}

// OnCancelAdjustment drops the adjustment and the manual offset.
// It is a no-op while idle.
func (e *Engine) OnCancelAdjustment() {
	if e.state != Tracking {
		return
	}
	e.adjustment = [2]float64{}
	e.manual = [2]float64{}
	e.adjusted = false

	now := e.now()
	e.logger.Printf("adjustment canceled")
	e.emit(Record{Kind: AdjustmentCanceled, At: now})
	e.track(now)
}

// OnZeroPosition resets both travel accumulators. The current axis readings
// become the travel origin.
func (e *Engine) OnZeroPosition() {
	e.travel = [2]float64{}
	e.clamped = [2]bool{}
	if e.havePos {
		e.prev = [2]float64{e.pos.Axis1, e.pos.Axis2}
		e.havePrev = true
	}
	e.logger.Printf("zero position set")
	e.emit(Record{Kind: ZeroPositionSet, At: e.now()})
}

// OnSetReference declares that the mount currently points at bearing.
// The mount must have reported its position.
func (e *Engine) OnSetReference(bearing coordinates.HorizontalCoordinates) error {
	if !e.havePos {
		e.logger.Printf("reference not set: %v", ErrNoMountPosition)
		return ErrNoMountPosition
	}

	e.ref = coordinates.Reference{Bearing: bearing, Axis1: e.pos.Axis1, Axis2: e.pos.Axis2}
	e.haveRef = true

	now := e.now()
	e.logger.Printf("reference set: az %.2f°, alt %.2f° at axis1 %.2f°, axis2 %.2f°",
		bearing.Azimuth, bearing.Altitude, e.pos.Axis1, e.pos.Axis2)
	e.emit(Record{Kind: ReferenceSet, At: now})
	e.track(now)
	return nil
}

// OnMountEvent applies a mount driver event. Loss of the mount, or any state
// other than Connected, forces Idle and suppresses commands until the mount is
// connected again.
func (e *Engine) OnMountEvent(ev mount.Event) {
	switch ev.Kind {
	case mount.StateChanged:
		e.mountState = ev.State
		if ev.State != mount.Connected {
			e.stopTracking("mount " + ev.State.String())
		}
		e.commanded = [2]float64{}

	case mount.PositionUpdated:
		e.updatePosition(ev.Position)

	case mount.Lost:
		e.mountState = mount.Disconnected
		e.commanded = [2]float64{}
		e.stopTracking("mount lost")

		detail := ""
		if ev.Err != nil {
			detail = ev.Err.Error()
		}
		e.logger.Printf("mount lost: %s", detail)
		e.emit(Record{Kind: MountLost, At: e.now(), Detail: detail})
	}
}

// OnTick runs one control period: the manual offset is integrated, the axis
// rates are recomputed from the extrapolated target and the target-log record
// is emitted when due.
func (e *Engine) OnTick(now time.Time) {
	if e.state != Tracking {
		return
	}

	period := e.settings.ControlPeriod.Seconds()
	adjSpeed := e.adjustmentSpeed()
	for i := range e.manual {
		e.manual[i] += e.manualInput[i] * adjSpeed * period
	}

	e.track(now)

	if now.Sub(e.lastLog) >= e.settings.LogInterval {
		e.logTarget(now)
		e.lastLog = now
	}
}

// IncreaseSpeed raises the speed ceiling by one step.
func (e *Engine) IncreaseSpeed() {
	e.setSpeed(e.speed * e.settings.SpeedStep)
}

// DecreaseSpeed lowers the speed ceiling by one step.
func (e *Engine) DecreaseSpeed() {
	e.setSpeed(e.speed / e.settings.SpeedStep)
}

// Status returns a snapshot for display.
func (e *Engine) Status() Status {
	s := Status{
		State:         e.state,
		MountState:    e.mountState,
		MountPosition: e.pos,
		HavePosition:  e.havePos,
		Travel:        e.travel,
		Commanded:     e.commanded,
		Speed:         e.speed,
		Manual:        e.manual,
		Adjustment:    e.adjustment,
		Adjusted:      e.adjusted,
		HaveReference: e.haveRef,
		Reference:     [2]float64{e.ref.Bearing.Azimuth, e.ref.Bearing.Altitude},
		Clamps:        e.clamps,
	}
	if e.haveSample {
		now := e.now()
		_, target := e.target(now)
		s.Target = target
		s.HaveTarget = true
		s.SampleAge = now.Sub(e.sample.ReceivedAt)
		s.Distance = r3.Norm(coordinates.Extrapolate(e.sample.Position, e.sample.Velocity, e.sampleAge(now)))
	}
	return s
}

func (e *Engine) setSpeed(v float64) {
	e.speed = clamp(v, e.settings.MinSpeed, e.settings.MaxSpeed)
	e.logger.Printf("slew speed %.3f°/s", e.speed)

	if e.state != Idle {
		return
	}
	for i, axis := range mount.Axes {
		if e.manualInput[i] != 0 {
			e.command(axis, e.manualInput[i]*e.speed)
		}
	}
}

func (e *Engine) adjustmentSpeed() float64 {
	return math.Min(e.speed, e.settings.MaxAdjustmentSpeed)
}

func (e *Engine) sampleAge(now time.Time) float64 {
	age := now.Sub(e.sample.ReceivedAt).Seconds()
	if age < 0 {
		return 0
	}
	return age
}

// target returns the geometric bearing of the extrapolated target and the
// mount-frame target with manual offset and adjustment applied.
func (e *Engine) target(now time.Time) (coordinates.Bearing, [2]float64) {
	b := coordinates.BearingAndRate(e.ref, e.sample.Position, e.sample.Velocity, e.sampleAge(now))
	return b, [2]float64{
		coordinates.NormalizeAzimuth(b.Azimuth + e.manual[0] + e.adjustment[0]),
		b.Altitude + e.manual[1] + e.adjustment[1],
	}
}

// track issues the rates that close the gap between the mount and the target.
func (e *Engine) track(now time.Time) {
	if e.state != Tracking || !e.haveSample || !e.havePos || e.mountState != mount.Connected {
		return
	}

	b, target := e.target(now)
	adjSpeed := e.adjustmentSpeed()
	feedForward := [2]float64{
		b.AzimuthRate + e.manualInput[0]*adjSpeed,
		b.AltitudeRate + e.manualInput[1]*adjSpeed,
	}
	current := [2]float64{e.pos.Axis1, e.pos.Axis2}

	for i, axis := range mount.Axes {
		r := feedForward[i] + e.settings.PositionGain*coordinates.AngleDiff(current[i], target[i])
		e.command(axis, clamp(r, -e.speed, e.speed))
	}
}

// command sends one axis rate through the cable-wrap guard.
func (e *Engine) command(axis mount.Axis, r float64) {
	if e.mountState != mount.Connected {
		return
	}
	i := axis.Index()

	if math.IsNaN(r) || math.IsInf(r, 0) {
		e.warn("refusing non-finite rate %v on %s", r, axis)
		r = 0
	}

	if e.crossesLimit(i, r) {
		e.clampAxis(axis, r)
		return
	}

	var err error
	if r == 0 {
		err = e.mount.Stop(axis)
	} else {
		err = e.mount.Slew(axis, r)
	}
	if err != nil {
		e.warn("failed to command %s: %v", axis, err)
		return
	}
	e.commanded[i] = r
	e.clamped[i] = false
}

// crossesLimit reports whether rate r held for one control period would carry
// axis i past the travel limit.
func (e *Engine) crossesLimit(i int, r float64) bool {
	projected := e.travel[i] + r*e.settings.ControlPeriod.Seconds()
	return (r > 0 && projected > e.settings.MaxTravel) || (r < 0 && projected < -e.settings.MaxTravel)
}

// clampAxis replaces an outward rate near the travel limit with a stop.
// The clamp is counted and recorded once per excursion to the limit.
func (e *Engine) clampAxis(axis mount.Axis, r float64) {
	i := axis.Index()

	if err := e.mount.Stop(axis); err != nil {
		e.warn("failed to stop %s at travel limit: %v", axis, err)
	} else {
		e.commanded[i] = 0
	}

	if e.clamped[i] {
		return
	}
	e.clamped[i] = true
	e.clamps++

	if e.clampLog[i].Allow() {
		e.logger.Printf("safety-clamp;axis;%d;travel;%.1f;rate;%.3f", int(axis), e.travel[i], r)
	}
	e.emit(Record{Kind: SafetyClamp, At: e.now(), Axis: axis, Travel: e.travel[i], Rate: r})
}

// updatePosition accumulates the true travel of each axis and stops any axis
// whose running rate would carry it past the limit, in every tracking state.
func (e *Engine) updatePosition(p mount.Position) {
	cur := [2]float64{p.Axis1, p.Axis2}
	if e.havePrev {
		for i := range e.travel {
			e.travel[i] += coordinates.AngleDiff(e.prev[i], cur[i])
		}
	}
	e.prev = cur
	e.havePrev = true
	e.pos = p
	e.havePos = true

	if e.mountState != mount.Connected {
		return
	}
	for i, axis := range mount.Axes {
		if r := e.commanded[i]; r != 0 && e.crossesLimit(i, r) {
			e.clampAxis(axis, r)
		}
	}
}

func (e *Engine) stopTracking(reason string) {
	if e.state != Tracking {
		return
	}
	e.state = Idle
	e.manual = [2]float64{}
	e.adjustment = [2]float64{}
	e.adjusted = false

	e.logger.Printf("tracking stopped: %s", reason)
	e.emit(Record{Kind: TrackingStopped, At: e.now(), Detail: reason})
}

func (e *Engine) logTarget(now time.Time) {
	if !e.haveSample {
		return
	}
	age := e.sampleAge(now)
	p := coordinates.Extrapolate(e.sample.Position, e.sample.Velocity, age)
	rec := Record{
		Kind:     TargetLog,
		At:       now,
		Distance: r3.Norm(p),
		Speed:    r3.Norm(e.sample.Velocity),
		Altitude: e.sample.Altitude + e.sample.Velocity.Z*age,
	}

	e.logger.Printf("target-log;dist;%.1f;speed;%.1f;altitude;%.1f", rec.Distance, rec.Speed, rec.Altitude)
	e.emit(rec)
}

func (e *Engine) warn(format string, args ...any) {
	if e.warnLog.Allow() {
		e.logger.Printf(format, args...)
	}
}

func (e *Engine) emit(rec Record) {
	if e.sink != nil {
		e.sink(rec)
	}
}
