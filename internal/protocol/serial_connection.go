// internal/protocol/serial_connection.go
package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

// portHandle is the subset of serial.Port the connection uses
type portHandle interface {
	SetReadTimeout(timeout time.Duration) error
	ResetInputBuffer() error
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	Close() error
}

func openSerialPort(name string, mode *serial.Mode) (portHandle, error) {
	return serial.Open(name, mode)
}

// ErrPortNotOpen is returned by I/O on a closed connection
var ErrPortNotOpen = errors.New("serial port not open")

// maxLineLength bounds ReadLine when the peer never sends a newline
const maxLineLength = 1024

// SerialConnection implements DeviceProtocol for serial connections
type SerialConnection struct {
	config *SerialConfig
	port   portHandle
	logger *zap.Logger
	open   func(name string, mode *serial.Mode) (portHandle, error)
	mutex  sync.Mutex
	isOpen bool
	stats  ProtocolStats
}

// NewSerialConnection creates a new serial connection
func NewSerialConnection(config *SerialConfig, logger *zap.Logger) *SerialConnection {
	return &SerialConnection{
		config: config,
		logger: logger.With(
			zap.String("protocol", "serial"),
			zap.String("port", config.Port),
		),
		open: openSerialPort,
	}
}

// Open opens the serial connection
func (sc *SerialConnection) Open(ctx context.Context) error {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()

	if sc.isOpen {
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	sc.logger.Info("Opening serial port",
		zap.Int("baud_rate", sc.config.BaudRate),
		zap.Duration("read_timeout", sc.config.Timeout),
	)

	mode, err := serialMode(sc.config)
	if err != nil {
		return err
	}

	port, err := sc.open(sc.config.Port, mode)
	if err != nil {
		sc.logger.Error("Failed to open serial port", zap.Error(err))
		return fmt.Errorf("failed to open serial port: %w", err)
	}

	if err := port.SetReadTimeout(sc.config.Timeout); err != nil {
		_ = port.Close()
		return fmt.Errorf("failed to set read timeout: %w", err)
	}

	// Drop anything the instrument sent before we were listening
	if err := port.ResetInputBuffer(); err != nil {
		sc.logger.Warn("Failed to reset input buffer", zap.Error(err))
	}

	sc.port = port
	sc.isOpen = true
	sc.stats.IsConnected = true
	sc.stats.LastActivity = time.Now()

	sc.logger.Info("Serial port opened successfully")
	return nil
}

// Close closes the serial connection
func (sc *SerialConnection) Close() error {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()

	if !sc.isOpen || sc.port == nil {
		return nil
	}

	err := sc.port.Close()

	sc.port = nil
	sc.isOpen = false
	sc.stats.IsConnected = false

	if err != nil {
		sc.logger.Error("Failed to close serial port", zap.Error(err))
		return fmt.Errorf("failed to close serial port: %w", err)
	}

	sc.logger.Info("Serial port closed successfully")
	return nil
}

// IsOpen returns whether the connection is open
func (sc *SerialConnection) IsOpen() bool {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()
	return sc.isOpen && sc.port != nil
}

// PortName returns the configured device path
func (sc *SerialConnection) PortName() string {
	return sc.config.Port
}

// Stats returns a copy of the protocol statistics
func (sc *SerialConnection) Stats() ProtocolStats {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()
	return sc.stats
}

// Write writes data to the serial port
func (sc *SerialConnection) Write(ctx context.Context, data []byte) error {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()

	if !sc.isOpen || sc.port == nil {
		return ErrPortNotOpen
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	startTime := time.Now()
	n, err := sc.port.Write(data)
	if err != nil {
		sc.stats.ErrorCount++
		sc.logger.Error("Serial write failed", zap.Error(err))
		return fmt.Errorf("failed to write to serial port: %w", err)
	}

	if n != len(data) {
		sc.stats.ErrorCount++
		return fmt.Errorf("incomplete write: wrote %d of %d bytes", n, len(data))
	}

	sc.stats.BytesWritten += int64(n)
	sc.stats.OperationCount++
	sc.stats.LastActivity = time.Now()
	sc.updateAverageLatency(time.Since(startTime))

	sc.logger.Debug("Serial write completed", zap.Int("bytes", n))
	return nil
}

// ReadFull reads until n bytes arrived or a read times out with nothing,
// returning whatever was received. A short result is not an error here;
// the caller decides whether the frame is usable.
func (sc *SerialConnection) ReadFull(ctx context.Context, n int) ([]byte, error) {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()

	if !sc.isOpen || sc.port == nil {
		return nil, ErrPortNotOpen
	}

	startTime := time.Now()
	result := make([]byte, 0, n)
	chunk := make([]byte, n)

	for len(result) < n {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		read, err := sc.readLocked(chunk[:n-len(result)])
		if err != nil {
			return result, err
		}
		if read == 0 {
			break
		}
		result = append(result, chunk[:read]...)
	}

	sc.updateAverageLatency(time.Since(startTime))
	return result, nil
}

// ReadLine reads up to and including the next '\n', or until a read times out
func (sc *SerialConnection) ReadLine(ctx context.Context) ([]byte, error) {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()

	if !sc.isOpen || sc.port == nil {
		return nil, ErrPortNotOpen
	}

	var line bytes.Buffer
	one := make([]byte, 1)

	for line.Len() < maxLineLength {
		if err := ctx.Err(); err != nil {
			return line.Bytes(), err
		}

		read, err := sc.readLocked(one)
		if err != nil {
			return line.Bytes(), err
		}
		if read == 0 {
			break
		}

		line.WriteByte(one[0])
		if one[0] == '\n' {
			break
		}
	}

	return line.Bytes(), nil
}

// readLocked reads once from the port and updates statistics. Must hold mutex.
func (sc *SerialConnection) readLocked(p []byte) (int, error) {
	n, err := sc.port.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		sc.stats.ErrorCount++
		sc.logger.Error("Serial read failed", zap.Error(err))
		return n, fmt.Errorf("failed to read from serial port: %w", err)
	}

	if n > 0 {
		sc.stats.BytesRead += int64(n)
		sc.stats.OperationCount++
		sc.stats.LastActivity = time.Now()
	}
	return n, nil
}

// updateAverageLatency updates the running average latency
func (sc *SerialConnection) updateAverageLatency(newLatency time.Duration) {
	if sc.stats.AverageLatency == 0 {
		sc.stats.AverageLatency = newLatency
	} else {
		sc.stats.AverageLatency = (sc.stats.AverageLatency + newLatency) / 2
	}
}
