// Package loop multiplexes the mount, the controller, operator commands, the
// target feed and a control ticker into calls on the tracking engine.
//
// Each pass waits until at least one source is ready, collects everything
// that is ready, and applies it in a fixed priority: mount events first, then
// controller actions and operator commands, then target samples, then the
// tick. Only the loop goroutine touches the engine and the mapper.
package loop

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/unklstewy/tptool/internal/metrics"
	"github.com/unklstewy/tptool/pkg/controller"
	"github.com/unklstewy/tptool/pkg/feed"
	"github.com/unklstewy/tptool/pkg/mount"
	"github.com/unklstewy/tptool/pkg/tracking"
)

const commandBufferSize = 64

// FeedSource is the target data source as seen by the loop. *feed.Reader implements it.
type FeedSource interface {
	Samples() <-chan feed.Sample
	Events() <-chan feed.Event
	Connect(ctx context.Context, addr string)
	Disconnect()
	Stats() (accepted, malformed, stale uint64)
}

// Snapshot is published after every pass.
type Snapshot struct {
	Engine tracking.Status

	MountInfo     string
	FeedAddr      string
	FeedConnected bool
	FeedAccepted  uint64
	FeedMalformed uint64
	FeedStale     uint64
	Controller    bool
}

// Options configures a Loop.
type Options struct {
	Engine *tracking.Engine
	Mount  mount.Driver
	Feed   FeedSource

	// FeedAddr is dialed on ConnectFeed
	FeedAddr string

	// ControllerEvents and Mapper are optional
	ControllerEvents <-chan controller.RawEvent
	Mapper           *controller.Mapper

	ControlPeriod   time.Duration
	ShutdownTimeout time.Duration

	Metrics  *metrics.Collector
	Logger   *log.Logger
	OnStatus func(Snapshot)
}

// Loop is the single owner of the tracking engine.
type Loop struct {
	opts     Options
	logger   *log.Logger
	commands chan Command

	feedConnected bool
}

// New creates a Loop. Engine, Mount and Feed are required.
func New(opts Options) *Loop {
	if opts.ControlPeriod <= 0 {
		opts.ControlPeriod = 500 * time.Millisecond
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 8 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Loop{
		opts:     opts,
		logger:   logger,
		commands: make(chan Command, commandBufferSize),
	}
}

// Submit queues an operator command. It reports false if the queue is full.
func (l *Loop) Submit(cmd Command) bool {
	select {
	case l.commands <- cmd:
		return true
	default:
		l.logger.Printf("command dropped: %s", cmd.Kind)
		return false
	}
}

// batch holds the events collected in one pass, by priority.
type batch struct {
	mount      []mount.Event
	actions    []controller.Action
	commands   []Command
	feedEvents []feed.Event
	samples    []feed.Sample
	tick       time.Time
	ticked     bool
}

func (b *batch) empty() bool {
	return len(b.mount) == 0 && len(b.actions) == 0 && len(b.commands) == 0 &&
		len(b.feedEvents) == 0 && len(b.samples) == 0 && !b.ticked
}

// Run processes events until Quit is submitted or ctx is canceled, then
// drives the mount back to Disconnected. It returns mount.ErrShutdownIncomplete
// (wrapped) if that did not finish within the shutdown timeout.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.opts.ControlPeriod)
	defer ticker.Stop()

	// The feed reader's own context outlives ctx so that shutdown can run
	// after ctx is canceled.
	feedCtx, cancelFeed := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelFeed()

	l.publish()

	for {
		var b batch

		select {
		case <-ctx.Done():
			return l.shutdown()
		case ev := <-l.opts.Mount.Events():
			b.mount = append(b.mount, ev)
		case raw := <-l.opts.ControllerEvents:
			b.actions = append(b.actions, l.mapRaw(raw)...)
		case cmd := <-l.commands:
			b.commands = append(b.commands, cmd)
		case ev := <-l.opts.Feed.Events():
			b.feedEvents = append(b.feedEvents, ev)
		case s := <-l.opts.Feed.Samples():
			b.samples = append(b.samples, s)
		case now := <-ticker.C:
			b.tick, b.ticked = now, true
		}

		l.collect(&b, ticker)
		if b.empty() {
			continue
		}

		start := time.Now()
		quit := l.apply(feedCtx, &b)
		l.opts.Metrics.ObservePass(time.Since(start))
		l.publish()

		if quit {
			return l.shutdown()
		}
	}
}

// collect drains every source that is ready without blocking.
func (l *Loop) collect(b *batch, ticker *time.Ticker) {
	for {
		select {
		case ev := <-l.opts.Mount.Events():
			b.mount = append(b.mount, ev)
			continue
		default:
		}
		break
	}
	for {
		select {
		case raw := <-l.opts.ControllerEvents:
			b.actions = append(b.actions, l.mapRaw(raw)...)
			continue
		case cmd := <-l.commands:
			b.commands = append(b.commands, cmd)
			continue
		default:
		}
		break
	}
	for {
		select {
		case ev := <-l.opts.Feed.Events():
			b.feedEvents = append(b.feedEvents, ev)
			continue
		case s := <-l.opts.Feed.Samples():
			b.samples = append(b.samples, s)
			continue
		default:
		}
		break
	}
	select {
	case now := <-ticker.C:
		b.tick, b.ticked = now, true
	default:
	}
}

func (l *Loop) mapRaw(raw controller.RawEvent) []controller.Action {
	if l.opts.Mapper == nil {
		return nil
	}
	return l.opts.Mapper.Map(raw)
}

// apply hands one batch to the engine in priority order and reports whether
// Quit was requested.
func (l *Loop) apply(ctx context.Context, b *batch) bool {
	e := l.opts.Engine

	for _, ev := range b.mount {
		e.OnMountEvent(ev)
	}

	for _, a := range b.actions {
		l.applyAction(a)
	}
	for _, cmd := range b.commands {
		if cmd.Kind == Quit {
			return true
		}
		l.applyCommand(ctx, cmd)
	}

	for _, ev := range b.feedEvents {
		l.applyFeedEvent(ev)
	}
	for _, s := range b.samples {
		e.OnTargetSample(s)
		l.opts.Metrics.ObserveSample()
	}

	if b.ticked {
		e.OnTick(b.tick)
		_, malformed, stale := l.opts.Feed.Stats()
		l.opts.Metrics.ObserveFeedStats(malformed, stale)
	}
	return false
}

func (l *Loop) applyAction(a controller.Action) {
	e := l.opts.Engine
	switch a.Kind {
	case controller.SlewAxis, controller.SlewAxisAnalog:
		e.OnManualSlew(mount.Axis(a.Axis), a.Value)
	case controller.ToggleTracking:
		e.OnToggleTracking()
	case controller.StopMount:
		e.OnStop()
	case controller.IncreaseSpeed:
		e.IncreaseSpeed()
	case controller.DecreaseSpeed:
		e.DecreaseSpeed()
	case controller.SaveAdjustment:
		e.OnSaveAdjustment()
	case controller.CancelAdjustment:
		e.OnCancelAdjustment()
	}
}

func (l *Loop) applyCommand(ctx context.Context, cmd Command) {
	e := l.opts.Engine
	switch cmd.Kind {
	case ConnectMount:
		if err := l.opts.Mount.Connect(); err != nil {
			l.logger.Printf("failed to connect mount: %v", err)
		}
	case DisconnectMount:
		if err := l.opts.Mount.Disconnect(); err != nil {
			l.logger.Printf("failed to disconnect mount: %v", err)
		}
	case ConnectFeed:
		if l.opts.FeedAddr == "" {
			l.logger.Printf("no data source address configured")
			return
		}
		l.opts.Feed.Connect(ctx, l.opts.FeedAddr)
	case DisconnectFeed:
		l.opts.Feed.Disconnect()
	case ZeroPosition:
		e.OnZeroPosition()
	case SetReference:
		// Refusal is logged by the engine.
		_ = e.OnSetReference(cmd.Bearing)
	case ToggleTracking:
		e.OnToggleTracking()
	case Stop:
		e.OnStop()
	case IncreaseSpeed:
		e.IncreaseSpeed()
	case DecreaseSpeed:
		e.DecreaseSpeed()
	case SaveAdjustment:
		e.OnSaveAdjustment()
	case CancelAdjustment:
		e.OnCancelAdjustment()
	case ManualSlew:
		e.OnManualSlew(cmd.Axis, cmd.Value)
	case ForceExitSpecialMode:
		r, ok := l.opts.Mount.(mount.SpecialModeRecoverer)
		if !ok {
			l.logger.Printf("%s has no special mode", l.opts.Mount.Info())
			return
		}
		if err := r.ForceExitSpecialMode(); err != nil {
			l.logger.Printf("failed to exit special mode: %v", err)
		}
	}
}

func (l *Loop) applyFeedEvent(ev feed.Event) {
	switch ev.Kind {
	case feed.Connected:
		l.feedConnected = true
		l.logger.Printf("data source connected: %s", ev.Addr)
	case feed.Disconnected:
		l.feedConnected = false
		if ev.Err != nil {
			l.logger.Printf("data source disconnected: %v", ev.Err)
		} else {
			l.logger.Printf("data source disconnected")
		}
	case feed.DialFailed:
		l.feedConnected = false
		l.logger.Printf("failed to connect to data source %s: %v", ev.Addr, ev.Err)
	}
}

func (l *Loop) publish() {
	st := l.opts.Engine.Status()
	l.opts.Metrics.ObserveStatus(st)
	if l.opts.OnStatus == nil {
		return
	}

	accepted, malformed, stale := l.opts.Feed.Stats()
	l.opts.OnStatus(Snapshot{
		Engine:        st,
		MountInfo:     l.opts.Mount.Info(),
		FeedAddr:      l.opts.FeedAddr,
		FeedConnected: l.feedConnected,
		FeedAccepted:  accepted,
		FeedMalformed: malformed,
		FeedStale:     stale,
		Controller:    l.opts.ControllerEvents != nil,
	})
}

// shutdown disconnects the data source and drives the mount to Disconnected,
// bounded by the shutdown timeout.
func (l *Loop) shutdown() error {
	l.opts.Feed.Disconnect()

	err := mount.Shutdown(l.opts.Mount, l.opts.ShutdownTimeout)
	if errors.Is(err, mount.ErrShutdownIncomplete) {
		l.logger.Printf("shutdown-incomplete;state;%s", l.opts.Mount.State())
	} else if err != nil {
		l.logger.Printf("mount shutdown: %v", err)
	}

	// Let the engine see the final state for the last snapshot.
	for {
		select {
		case ev := <-l.opts.Mount.Events():
			l.opts.Engine.OnMountEvent(ev)
			continue
		default:
		}
		break
	}
	l.publish()
	return err
}
