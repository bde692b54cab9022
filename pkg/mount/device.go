package mount

import (
	"fmt"
	"log"
	"math"
	"sync"
	"time"
)

const (
	// DefaultPollInterval is how often axis positions are read while connected.
	DefaultPollInterval = 250 * time.Millisecond

	eventBufferSize = 64
)

// Device implements Driver on top of a vendor Protocol.
//
// The Protocol is used exclusively by the Device's connection goroutine, which
// is started by Connect and ends when the mount is back in Disconnected.
// Slew and Stop only record the requested rates; the goroutine sends them,
// skipping rates identical to the last one sent on that axis.
type Device struct {
	proto        Protocol
	pollInterval time.Duration
	logger       *log.Logger
	events       chan Event

	mu       sync.Mutex
	state    State
	pos      Position
	havePos  bool
	pending  [2]float64
	dirty    [2]bool
	wake     chan struct{}
	quit     chan struct{}
	quitting bool

	// sent is only touched by the connection goroutine.
	sent [2]float64
}

// DeviceOption configures a Device.
type DeviceOption func(*Device)

// WithPollInterval sets the position polling period.
func WithPollInterval(interval time.Duration) DeviceOption {
	return func(d *Device) {
		if interval > 0 {
			d.pollInterval = interval
		}
	}
}

// WithLogger sets the logger used for connection progress and protocol warnings.
func WithLogger(logger *log.Logger) DeviceOption {
	return func(d *Device) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDevice creates a disconnected Device for the given protocol.
func NewDevice(proto Protocol, opts ...DeviceOption) *Device {
	d := &Device{
		proto:        proto,
		pollInterval: DefaultPollInterval,
		logger:       log.Default(),
		events:       make(chan Event, eventBufferSize),
		state:        Disconnected,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Info describes the mount.
func (d *Device) Info() string {
	return d.proto.Info()
}

// Events delivers state changes, position readings and loss notifications.
func (d *Device) Events() <-chan Event {
	return d.events
}

// State returns the current connection state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// PollPosition returns the latest axis reading taken since connecting.
func (d *Device) PollPosition() (Position, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pos, d.havePos
}

// Connect starts the connection sequence on a new goroutine.
// Connecting an already connected mount is a no-op.
func (d *Device) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case Connected:
		return nil
	case EnteringSpecialMode, ExitingSpecialMode:
		return ErrBusy
	}

	d.wake = make(chan struct{}, 1)
	d.quit = make(chan struct{})
	d.quitting = false
	d.dirty = [2]bool{}
	d.havePos = false
	d.sent = [2]float64{math.NaN(), math.NaN()}
	d.setStateLocked(EnteringSpecialMode)

	go d.run(d.wake, d.quit)
	return nil
}

// Disconnect requests an orderly disconnect: both axes are stopped, the
// special mode (if any) is exited and the transport is closed. It returns
// immediately; completion is reported by a StateChanged event to Disconnected.
func (d *Device) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == Disconnected || d.quitting {
		return nil
	}
	if d.quit == nil {
		// ForceExitSpecialMode in progress; it ends in Disconnected by itself.
		return nil
	}

	d.quitting = true
	close(d.quit)
	d.setStateLocked(ExitingSpecialMode)
	return nil
}

// Slew sets the signed rate (degrees/second) of one axis.
func (d *Device) Slew(axis Axis, rate float64) error {
	if axis != Axis1 && axis != Axis2 {
		return fmt.Errorf("%w: %d", ErrInvalidAxis, int(axis))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.commandableLocked(); err != nil {
		return err
	}
	d.queueLocked(axis, rate)
	return nil
}

// Stop sets the rate of one axis, or of AllAxes, to zero.
func (d *Device) Stop(axis Axis) error {
	if axis != AllAxes && axis != Axis1 && axis != Axis2 {
		return fmt.Errorf("%w: %d", ErrInvalidAxis, int(axis))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.commandableLocked(); err != nil {
		return err
	}
	if axis == AllAxes {
		for _, a := range Axes {
			d.queueLocked(a, 0)
		}
		return nil
	}
	d.queueLocked(axis, 0)
	return nil
}

// ForceExitSpecialMode takes a mount that was left in a vendor special mode
// (e.g. after the program was killed) back to normal mode. It is only allowed
// while Disconnected and runs asynchronously like Connect.
func (d *Device) ForceExitSpecialMode() error {
	r, ok := d.proto.(SpecialModeRecoverer)
	if !ok {
		return fmt.Errorf("%s has no special mode", d.proto.Info())
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Disconnected {
		return ErrBusy
	}
	d.quit = nil
	d.setStateLocked(ExitingSpecialMode)

	go func() {
		if err := r.ForceExitSpecialMode(); err != nil {
			d.logger.Printf("failed to exit special mode: %v", err)
		} else {
			d.logger.Printf("special mode exited: %s", d.proto.Info())
		}
		d.setState(Disconnected)
	}()
	return nil
}

func (d *Device) commandableLocked() error {
	switch d.state {
	case Connected:
		return nil
	case Disconnected:
		return ErrNotConnected
	default:
		return ErrBusy
	}
}

func (d *Device) queueLocked(axis Axis, rate float64) {
	i := axis.Index()
	d.pending[i] = rate
	d.dirty[i] = true
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Device) run(wake <-chan struct{}, quit <-chan struct{}) {
	if err := d.proto.Open(); err != nil {
		d.lose(fmt.Errorf("failed to open mount: %w", err), false)
		return
	}
	if err := d.proto.EnterControl(); err != nil {
		d.lose(fmt.Errorf("failed to enter special mode: %w", err), true)
		return
	}

	d.mu.Lock()
	if d.quitting {
		d.mu.Unlock()
		d.exit()
		return
	}
	d.setStateLocked(Connected)
	d.mu.Unlock()
	d.logger.Printf("mount connected: %s", d.proto.Info())

	if err := d.poll(); err != nil {
		d.lose(err, true)
		return
	}

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			d.exit()
			return
		case <-wake:
			if err := d.flush(); err != nil {
				d.lose(err, true)
				return
			}
		case <-ticker.C:
			if err := d.poll(); err != nil {
				d.lose(err, true)
				return
			}
		}
	}
}

// flush sends the queued rates that differ from the last rate sent on each axis.
func (d *Device) flush() error {
	type command struct {
		axis Axis
		rate float64
	}
	var cmds []command

	d.mu.Lock()
	for i, axis := range Axes {
		if !d.dirty[i] {
			continue
		}
		d.dirty[i] = false
		if d.pending[i] != d.sent[i] {
			cmds = append(cmds, command{axis, d.pending[i]})
		}
	}
	d.mu.Unlock()

	for _, c := range cmds {
		if err := d.proto.SetRate(c.axis, c.rate); err != nil {
			return fmt.Errorf("failed to slew %s: %w", c.axis, err)
		}
		d.sent[c.axis.Index()] = c.rate
	}
	return nil
}

func (d *Device) poll() error {
	a1, a2, err := d.proto.Position()
	if err != nil {
		return fmt.Errorf("failed to read position: %w", err)
	}

	p := Position{Axis1: a1, Axis2: a2, At: time.Now()}
	d.mu.Lock()
	d.pos = p
	d.havePos = true
	d.mu.Unlock()

	d.emit(Event{Kind: PositionUpdated, Position: p})
	return nil
}

// exit runs the orderly disconnect sequence.
func (d *Device) exit() {
	for _, axis := range Axes {
		if err := d.proto.SetRate(axis, 0); err != nil {
			d.logger.Printf("failed to stop %s on disconnect: %v", axis, err)
		}
	}
	if err := d.proto.ExitControl(); err != nil {
		d.logger.Printf("failed to exit special mode: %v", err)
	}
	if err := d.proto.Close(); err != nil {
		d.logger.Printf("failed to close mount connection: %v", err)
	}
	d.logger.Printf("mount disconnected: %s", d.proto.Info())
	d.setState(Disconnected)
}

// lose reports an unexpected failure and returns to Disconnected.
func (d *Device) lose(err error, closeTransport bool) {
	if closeTransport {
		if cerr := d.proto.Close(); cerr != nil {
			d.logger.Printf("failed to close mount connection: %v", cerr)
		}
	}
	d.logger.Printf("mount lost: %v", err)
	d.emit(Event{Kind: Lost, Err: err})
	d.setState(Disconnected)
}

func (d *Device) setState(s State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setStateLocked(s)
}

func (d *Device) setStateLocked(s State) {
	d.state = s
	if s == Disconnected {
		d.quitting = false
	}
	d.emit(Event{Kind: StateChanged, State: s})
}

func (d *Device) emit(ev Event) {
	select {
	case d.events <- ev:
	default:
		if ev.Kind != PositionUpdated {
			d.logger.Printf("mount event dropped: kind=%d state=%s", ev.Kind, ev.State)
		}
	}
}

// Shutdown disconnects the mount and waits until it reports Disconnected.
// If timeout elapses first, ErrShutdownIncomplete is returned and the mount
// may remain in its special mode until the next clean connect/disconnect cycle.
func Shutdown(d Driver, timeout time.Duration) error {
	if err := d.Disconnect(); err != nil {
		return fmt.Errorf("failed to disconnect mount: %w", err)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for d.State() != Disconnected {
		select {
		case <-deadline.C:
			return fmt.Errorf("%w: mount still %s", ErrShutdownIncomplete, d.State())
		case <-ticker.C:
		}
	}
	return nil
}
