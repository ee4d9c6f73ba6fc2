// internal/discovery/serial/scanner.go
package serial

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

// Scanner enumerates serial ports for the host platform and keeps the ones
// that can be opened
type Scanner struct {
	logger *zap.Logger
	goos   string

	glob  func(pattern string) ([]string, error)
	list  func() ([]string, error)
	probe func(name string) error
}

// NewScanner creates a scanner for the running OS
func NewScanner(logger *zap.Logger) *Scanner {
	return &Scanner{
		logger: logger.With(zap.String("scanner", "serial")),
		goos:   runtime.GOOS,
		glob:   filepath.Glob,
		list:   serial.GetPortsList,
		probe:  probePort,
	}
}

// GetScannerType returns scanner type
func (s *Scanner) GetScannerType() string {
	return "serial"
}

// ListPorts returns openable ports in discovery order
func (s *Scanner) ListPorts(ctx context.Context) ([]string, error) {
	candidates, err := s.candidates()
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Probing serial ports", zap.Int("candidates", len(candidates)))

	var ports []string
	for _, name := range candidates {
		select {
		case <-ctx.Done():
			return ports, ctx.Err()
		default:
		}

		if err := s.probe(name); err != nil {
			s.logger.Debug("Port not available", zap.String("port", name), zap.Error(err))
			continue
		}
		ports = append(ports, name)
	}

	s.logger.Info("Serial scan completed", zap.Int("ports_found", len(ports)))
	return ports, nil
}

// candidates merges the per-OS name patterns with the library's own listing
func (s *Scanner) candidates() ([]string, error) {
	var names []string

	switch s.goos {
	case "windows":
		for i := 1; i <= 256; i++ {
			names = append(names, fmt.Sprintf("COM%d", i))
		}
	case "linux", "darwin":
		pattern := "/dev/tty[A-Za-z]*"
		if s.goos == "darwin" {
			pattern = "/dev/tty.*"
		}
		matches, err := s.glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("glob %s: %w", pattern, err)
		}
		names = append(names, matches...)
	default:
		return nil, fmt.Errorf("unsupported platform: %s", s.goos)
	}

	listed, err := s.list()
	if err != nil {
		s.logger.Warn("Serial library port listing failed", zap.Error(err))
	}

	seen := make(map[string]struct{}, len(names)+len(listed))
	merged := make([]string, 0, len(names)+len(listed))
	for _, name := range append(names, listed...) {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		merged = append(merged, name)
	}

	return merged, nil
}

// probePort opens the port and closes it straight away
func probePort(name string) error {
	port, err := serial.Open(name, &serial.Mode{BaudRate: 9600})
	if err != nil {
		return err
	}
	return port.Close()
}
