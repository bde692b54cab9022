package mount

import (
	"fmt"
	"log"

	"github.com/unklstewy/tptool/pkg/config"
)

// New creates a Device for the mount type selected in the configuration.
func New(cfg config.MountConfig, logger *log.Logger) (*Device, error) {
	if logger == nil {
		logger = log.Default()
	}

	var proto Protocol
	switch cfg.Type {
	case "ioptron":
		proto = NewIoptron(cfg.SerialDevice, PortOptions{BaudRate: cfg.BaudRate}, nil, logger)
	case "alpaca":
		proto = NewAlpacaMount(cfg.AlpacaURL, cfg.AlpacaDevice)
	case "simulator":
		proto = NewSimulatorMount(cfg.SimulatorAddr)
	default:
		return nil, fmt.Errorf("unknown mount type %q (expected ioptron, alpaca or simulator)", cfg.Type)
	}

	return NewDevice(proto, WithPollInterval(cfg.PollInterval()), WithLogger(logger)), nil
}
