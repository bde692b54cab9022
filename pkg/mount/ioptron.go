package mount

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// ioptronRateUnit converts degrees/second into the mount's 0.01 arcsec/s units.
	ioptronRateUnit = 3600.0 * 100.0

	// ioptronMaxResponse bounds a single reply.
	ioptronMaxResponse = 1024

	defaultToggleInterval = 333 * time.Millisecond

	// The HAE69B takes about 1.8 s to switch.
	defaultToggleTimeout = 5 * time.Second
)

// Ioptron speaks the iOptron special-mode serial protocol.
//
// In special mode the mount accepts ":M0±NNNNNNN#" / ":M1±NNNNNNN#" rate
// commands in 0.01 arcsec/s and reports axis positions with ":P0#" / ":P1#".
// The mode is toggled with ":ZZZ#"; the first character of the ":MountInfo#"
// reply is '8' or '9' while it is active.
type Ioptron struct {
	device string
	opts   PortOptions
	open   PortOpener
	logger *log.Logger

	port SerialPort

	// model is written by the connection goroutine and read by Info from any goroutine
	mu    sync.Mutex
	model string

	toggleInterval time.Duration
	toggleTimeout  time.Duration
}

// NewIoptron creates an iOptron protocol for the given serial device.
// A nil opener uses OpenSerial.
func NewIoptron(device string, opts PortOptions, open PortOpener, logger *log.Logger) *Ioptron {
	if open == nil {
		open = OpenSerial
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Ioptron{
		device:         device,
		opts:           opts,
		open:           open,
		logger:         logger,
		model:          "(unknown)",
		toggleInterval: defaultToggleInterval,
		toggleTimeout:  defaultToggleTimeout,
	}
}

// Info describes the mount.
func (m *Ioptron) Info() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("iOptron %s on %s", m.model, m.device)
}

// Open opens the serial port and identifies the mount model.
func (m *Ioptron) Open() error {
	port, err := m.open(m.device, m.opts)
	if err != nil {
		return err
	}
	m.port = port

	id, err := m.mountInfo()
	if err != nil {
		m.Close()
		return err
	}
	m.mu.Lock()
	m.model = ModelFromID(id)
	m.mu.Unlock()
	return nil
}

// EnterControl switches the mount into special mode unless it already is.
func (m *Ioptron) EnterControl() error {
	id, err := m.mountInfo()
	if err != nil {
		return err
	}
	if inSpecialMode(id) {
		m.logger.Printf("iOptron mount already in special mode")
		return nil
	}
	return m.toggleSpecialMode(id)
}

// ExitControl switches the mount back to normal mode.
func (m *Ioptron) ExitControl() error {
	id, err := m.mountInfo()
	if err != nil {
		return err
	}
	if !inSpecialMode(id) {
		return nil
	}
	return m.toggleSpecialMode(id)
}

// SetRate commands a signed rate on one axis. The mount replies "1"; a missing
// or different reply is logged and otherwise ignored.
func (m *Ioptron) SetRate(axis Axis, rate float64) error {
	if axis != Axis1 && axis != Axis2 {
		return fmt.Errorf("%w: %d", ErrInvalidAxis, int(axis))
	}

	cmd := fmt.Sprintf(":M%d%+08d#", axis.Index(), int32(rate*ioptronRateUnit))
	reply, err := m.exchange(cmd, 1)
	if errors.Is(err, ErrTimeout) || (err == nil && reply != "1") {
		m.logger.Printf("iOptron: command %q got reply %q (%v)", cmd, reply, err)
		return nil
	}
	return err
}

// Position reads both axes in degrees.
func (m *Ioptron) Position() (float64, float64, error) {
	a1, err := m.axisPosition(0)
	if err != nil {
		return 0, 0, err
	}
	a2, err := m.axisPosition(1)
	if err != nil {
		return 0, 0, err
	}
	return a1, a2, nil
}

// Close releases the serial port.
func (m *Ioptron) Close() error {
	if m.port == nil {
		return nil
	}
	err := m.port.Close()
	m.port = nil
	return err
}

// ForceExitSpecialMode opens the port, leaves special mode if it is active and
// closes the port again.
func (m *Ioptron) ForceExitSpecialMode() error {
	if err := m.Open(); err != nil {
		return err
	}
	defer m.Close()
	return m.ExitControl()
}

func (m *Ioptron) axisPosition(index int) (float64, error) {
	reply, err := m.exchange(fmt.Sprintf(":P%d#", index), 11)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(strings.TrimSpace(reply[:10]), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid position reply %q: %w", reply, err)
	}
	// 0.01 arcsec units
	return float64(v) * 0.01 / 3600.0, nil
}

func (m *Ioptron) mountInfo() (string, error) {
	id, err := m.exchange(":MountInfo#", 4)
	if err != nil {
		return "", fmt.Errorf("failed to read mount info: %w", err)
	}
	return id, nil
}

// toggleSpecialMode sends ":ZZZ#" and waits until the mount info reply changes.
func (m *Ioptron) toggleSpecialMode(before string) error {
	if err := m.write(":ZZZ#"); err != nil {
		return err
	}

	start := time.Now()
	for time.Since(start) <= m.toggleTimeout {
		after, err := m.exchange(":MountInfo#", 4)
		if err == nil && len(after) == 4 && after[0] != before[0] {
			m.logger.Printf("iOptron special mode toggled in %v", time.Since(start).Round(time.Millisecond))
			return nil
		}
		time.Sleep(m.toggleInterval)
	}
	return fmt.Errorf("%w: toggling special mode took longer than %v", ErrTimeout, m.toggleTimeout)
}

func (m *Ioptron) write(cmd string) error {
	if m.port == nil {
		return ErrDisconnected
	}
	if _, err := m.port.Write([]byte(cmd)); err != nil {
		return fmt.Errorf("%w: write %q: %v", ErrDisconnected, cmd, err)
	}
	return nil
}

// exchange writes cmd and reads exactly n reply bytes.
func (m *Ioptron) exchange(cmd string, n int) (string, error) {
	if n > ioptronMaxResponse {
		return "", fmt.Errorf("response of %d characters exceeds limit", n)
	}
	if err := m.write(cmd); err != nil {
		return "", err
	}

	buf := make([]byte, 0, n)
	one := make([]byte, 1)
	for len(buf) < n {
		k, err := m.port.Read(one)
		if err != nil {
			return string(buf), fmt.Errorf("%w: read reply to %q: %v", ErrDisconnected, cmd, err)
		}
		if k == 0 {
			return string(buf), fmt.Errorf("%w: reply to %q", ErrTimeout, cmd)
		}
		buf = append(buf, one[0])
	}
	return string(buf), nil
}

func inSpecialMode(id string) bool {
	return len(id) > 0 && (id[0] == '8' || id[0] == '9')
}

// ModelFromID maps a ":MountInfo#" id to a model name.
func ModelFromID(id string) string {
	switch id {
	case "0026":
		return "CEM26"
	case "0027":
		return "CEM26-EC"
	case "0028":
		return "GEM28"
	case "0029":
		return "GEM28-EC"
	case "0033", "0034", "8033", "8034":
		return "HAE29"
	case "0035", "8035":
		return "HAZ31"
	case "0040":
		return "CEM40(G)"
	case "0041":
		return "CEM40(G)-EC"
	case "0043":
		return "GEM45(G)"
	case "0044":
		return "GEM45(G)-EC"
	case "0050", "0051", "8050", "8051":
		return "HAE43"
	case "0052", "8052":
		return "HAZ46"
	case "0066", "0068", "8064":
		return "HAE69B"
	case "0070":
		return "CEM70(G)"
	case "0071":
		return "CEM70(G)-EC"
	case "0120":
		return "CEM120"
	case "0121":
		return "CEM120-EC"
	case "0122":
		return "CEM120-EC2"
	default:
		return fmt.Sprintf("(unknown: %s)", id)
	}
}
