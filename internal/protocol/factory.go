// internal/protocol/factory.go
package protocol

import (
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

// Factory opens a protocol for a port; the driver is handed one so tests can
// substitute an in-memory instrument.
type Factory func(port string) DeviceProtocol

// NewSerialFactory returns a Factory producing serial connections that share
// the given line settings
func NewSerialFactory(base SerialConfig, logger *zap.Logger) Factory {
	return func(port string) DeviceProtocol {
		cfg := base
		cfg.Port = port
		applySerialDefaults(&cfg)
		return NewSerialConnection(&cfg, logger)
	}
}

// applySerialDefaults fills zero values with the instrument's factory settings
func applySerialDefaults(cfg *SerialConfig) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600
	}
	if cfg.DataBits == 0 {
		cfg.DataBits = 8
	}
	if cfg.StopBits == 0 {
		cfg.StopBits = 1
	}
	if cfg.Parity == "" {
		cfg.Parity = "none"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
}

// serialMode translates the configuration into a serial.Mode
func serialMode(cfg *SerialConfig) (*serial.Mode, error) {
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
	}

	switch cfg.StopBits {
	case 1:
		mode.StopBits = serial.OneStopBit
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("unsupported stop bits: %d", cfg.StopBits)
	}

	switch strings.ToLower(cfg.Parity) {
	case "none", "":
		mode.Parity = serial.NoParity
	case "odd":
		mode.Parity = serial.OddParity
	case "even":
		mode.Parity = serial.EvenParity
	case "mark":
		mode.Parity = serial.MarkParity
	case "space":
		mode.Parity = serial.SpaceParity
	default:
		return nil, fmt.Errorf("unsupported parity: %s", cfg.Parity)
	}

	return mode, nil
}
