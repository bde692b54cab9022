package mount

import (
	"fmt"
	"sync"

	"github.com/unklstewy/tptool/pkg/alpaca"
)

// AlpacaMount drives any ASCOM Alpaca telescope through the standard MoveAxis
// call. It needs no special mode: EnterControl and ExitControl are no-ops.
type AlpacaMount struct {
	baseURL string
	device  int
	client  *alpaca.Client

	mu   sync.Mutex
	name string
}

// NewAlpacaMount creates an Alpaca mount for the telescope device on baseURL.
func NewAlpacaMount(baseURL string, device int) *AlpacaMount {
	return &AlpacaMount{
		baseURL: baseURL,
		device:  device,
		client:  alpaca.NewClient(baseURL, device),
		name:    "telescope",
	}
}

// Info describes the mount.
func (m *AlpacaMount) Info() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("Alpaca %s #%d at %s", m.name, m.device, m.baseURL)
}

// Open sets the device's connected state.
func (m *AlpacaMount) Open() error {
	if err := m.client.Connect(); err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	if name, err := m.client.Name(); err == nil && name != "" {
		m.mu.Lock()
		m.name = name
		m.mu.Unlock()
	}
	return nil
}

// EnterControl is a no-op.
func (m *AlpacaMount) EnterControl() error { return nil }

// ExitControl is a no-op.
func (m *AlpacaMount) ExitControl() error { return nil }

// SetRate maps Axis1/Axis2 onto Alpaca axes 0/1.
func (m *AlpacaMount) SetRate(axis Axis, rate float64) error {
	if axis != Axis1 && axis != Axis2 {
		return fmt.Errorf("%w: %d", ErrInvalidAxis, int(axis))
	}
	if err := m.client.MoveAxis(axis.Index(), rate); err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

// Position reads azimuth and altitude.
func (m *AlpacaMount) Position() (float64, float64, error) {
	az, err := m.client.GetAzimuth()
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	alt, err := m.client.GetAltitude()
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return az, alt, nil
}

// Close clears the device's connected state.
func (m *AlpacaMount) Close() error {
	return m.client.Disconnect()
}
