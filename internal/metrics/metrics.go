// Package metrics exposes tracking, mount and feed metrics to Prometheus.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/unklstewy/tptool/pkg/mount"
	"github.com/unklstewy/tptool/pkg/tracking"
)

// Collector holds the program's Prometheus metrics. A nil *Collector is valid
// and records nothing.
type Collector struct {
	gatherer prometheus.Gatherer

	FeedSamples     prometheus.Counter
	FeedDropped     *prometheus.CounterVec
	SafetyClamps    *prometheus.CounterVec
	MountLost       prometheus.Counter
	Tracking        prometheus.Gauge
	MountState      prometheus.Gauge
	AxisTravel      *prometheus.GaugeVec
	CommandedRate   *prometheus.GaugeVec
	SlewSpeed       prometheus.Gauge
	TargetDistance  prometheus.Gauge
	LoopPassSeconds prometheus.Histogram

	lastMalformed uint64
	lastStale     uint64
}

// NewCollector registers the metrics against reg (the default registerer if nil).
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{gatherer: gatherer}
	var err error

	if c.FeedSamples, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tptool_feed_samples_total",
		Help: "Target samples accepted from the data source.",
	})); err != nil {
		return nil, err
	}
	if c.FeedDropped, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tptool_feed_samples_dropped_total",
		Help: "Target feed lines dropped, by reason.",
	}, []string{"reason"})); err != nil {
		return nil, err
	}
	if c.SafetyClamps, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tptool_safety_clamps_total",
		Help: "Axis commands replaced by a stop at the cable-wrap limit.",
	}, []string{"axis"})); err != nil {
		return nil, err
	}
	if c.MountLost, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tptool_mount_lost_total",
		Help: "Unexpected losses of the mount connection.",
	})); err != nil {
		return nil, err
	}
	if c.Tracking, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tptool_tracking",
		Help: "1 while tracking, 0 while idle.",
	})); err != nil {
		return nil, err
	}
	if c.MountState, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tptool_mount_state",
		Help: "Mount connection state (0 disconnected, 1 entering special mode, 2 connected, 3 exiting special mode).",
	})); err != nil {
		return nil, err
	}
	if c.AxisTravel, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tptool_axis_travel_degrees",
		Help: "Accumulated axis travel since the zero position.",
	}, []string{"axis"})); err != nil {
		return nil, err
	}
	if c.CommandedRate, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tptool_commanded_rate_degrees_per_second",
		Help: "Last rate commanded on each axis.",
	}, []string{"axis"})); err != nil {
		return nil, err
	}
	if c.SlewSpeed, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tptool_slew_speed_degrees_per_second",
		Help: "Current slew speed ceiling.",
	})); err != nil {
		return nil, err
	}
	if c.TargetDistance, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tptool_target_distance_meters",
		Help: "Distance of the (extrapolated) target from the observer.",
	})); err != nil {
		return nil, err
	}
	if c.LoopPassSeconds, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tptool_loop_pass_duration_seconds",
		Help:    "Time spent applying one batch of events to the engine.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	})); err != nil {
		return nil, err
	}

	return c, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *Collector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveRecord counts engine records.
func (c *Collector) ObserveRecord(rec tracking.Record) {
	if c == nil {
		return
	}
	switch rec.Kind {
	case tracking.SafetyClamp:
		c.SafetyClamps.WithLabelValues(rec.Axis.String()).Inc()
	case tracking.MountLost:
		c.MountLost.Inc()
	case tracking.TargetLog:
		c.TargetDistance.Set(rec.Distance)
	}
}

// ObserveStatus updates the gauges from an engine snapshot.
func (c *Collector) ObserveStatus(st tracking.Status) {
	if c == nil {
		return
	}
	if st.State == tracking.Tracking {
		c.Tracking.Set(1)
	} else {
		c.Tracking.Set(0)
	}
	c.MountState.Set(float64(st.MountState))
	c.SlewSpeed.Set(st.Speed)
	for i, axis := range mount.Axes {
		c.AxisTravel.WithLabelValues(axis.String()).Set(st.Travel[i])
		c.CommandedRate.WithLabelValues(axis.String()).Set(st.Commanded[i])
	}
}

// ObserveSample counts one accepted target sample.
func (c *Collector) ObserveSample() {
	if c == nil {
		return
	}
	c.FeedSamples.Inc()
}

// ObserveFeedStats adds the growth of the reader's drop counters since the last call.
func (c *Collector) ObserveFeedStats(malformed, stale uint64) {
	if c == nil {
		return
	}
	if malformed > c.lastMalformed {
		c.FeedDropped.WithLabelValues("malformed").Add(float64(malformed - c.lastMalformed))
	}
	if stale > c.lastStale {
		c.FeedDropped.WithLabelValues("stale").Add(float64(stale - c.lastStale))
	}
	c.lastMalformed, c.lastStale = malformed, stale
}

// ObservePass records the duration of one event loop pass.
func (c *Collector) ObservePass(d time.Duration) {
	if c == nil {
		return
	}
	c.LoopPassSeconds.Observe(d.Seconds())
}

// register adds a collector, reusing an identical one that is already registered.
func register[T prometheus.Collector](reg prometheus.Registerer, col T) (T, error) {
	if err := reg.Register(col); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			var zero T
			return zero, fmt.Errorf("collector %T already registered with incompatible type", col)
		}
		var zero T
		return zero, err
	}
	return col, nil
}
