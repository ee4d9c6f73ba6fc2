// internal/driver/keithley/driver.go
package keithley

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"picoammeter-service/internal/model"
	"picoammeter-service/internal/protocol"
	"picoammeter-service/internal/utils"
	"picoammeter-service/pkg/driver"
)

// Config holds the instrument-specific settings of the driver
type Config struct {
	Identity    string
	FrameLength int
}

// Driver talks to a Keithley 6485 picoammeter. It owns at most one open
// connection; all methods are safe for concurrent use and serialize on the
// connection.
type Driver struct {
	config  Config
	factory protocol.Factory
	base    *zap.Logger
	logger  *utils.InstrumentLogger

	mutex    sync.Mutex
	state    model.InstrumentState
	conn     protocol.DeviceProtocol
	port     string
	identity string
}

var _ driver.Ammeter = (*Driver)(nil)

// NewDriver creates a disconnected driver
func NewDriver(config Config, factory protocol.Factory, logger *zap.Logger) *Driver {
	if config.Identity == "" {
		config.Identity = DefaultIdentity
	}
	if config.FrameLength == 0 {
		config.FrameLength = DefaultFrameLength
	}

	return &Driver{
		config:  config,
		factory: factory,
		base:    logger,
		logger:  utils.NewInstrumentLogger(logger, "", "6485"),
		state:   model.StateDisconnected,
	}
}

// Connect opens the port and checks that a 6485 answers on it. Any failure
// leaves the driver disconnected with the port released.
func (d *Driver) Connect(ctx context.Context, port string) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.state == model.StateConnected {
		if d.port == port {
			return nil
		}
		d.logger.Info("Switching instrument port", zap.String("new_port", port))
		d.closeLocked()
	}

	d.state = model.StateConnecting
	d.logger = utils.NewInstrumentLogger(d.base, port, "6485")

	conn := d.factory(port)
	if err := conn.Open(ctx); err != nil {
		return d.failConnect(nil, &model.ConnectError{Port: port, Reason: model.ReasonPortUnavailable, Err: err})
	}

	if err := conn.Write(ctx, encodeCommand(CmdIdentify)); err != nil {
		return d.failConnect(conn, &model.ConnectError{Port: port, Reason: model.ReasonNoResponse, Err: err})
	}

	line, err := conn.ReadLine(ctx)
	if err != nil {
		return d.failConnect(conn, &model.ConnectError{Port: port, Reason: model.ReasonNoResponse, Err: err})
	}

	identity := strings.TrimSpace(string(line))
	if identity == "" {
		return d.failConnect(conn, &model.ConnectError{
			Port:   port,
			Reason: model.ReasonNoResponse,
			Err:    fmt.Errorf("no answer to %s", CmdIdentify),
		})
	}

	if !strings.Contains(identity, d.config.Identity) {
		return d.failConnect(conn, &model.ConnectError{
			Port:   port,
			Reason: model.ReasonWrongInstrument,
			Err:    fmt.Errorf("identity %q does not contain %q", identity, d.config.Identity),
		})
	}

	d.conn = conn
	d.port = port
	d.identity = identity
	d.state = model.StateConnected

	d.logger.LogConnection("connect", true, nil)
	d.logger.Info("Instrument identified", zap.String("identity", identity))
	return nil
}

// failConnect releases a half-open connection and records the failure
func (d *Driver) failConnect(conn protocol.DeviceProtocol, err *model.ConnectError) error {
	if conn != nil {
		if closeErr := conn.Close(); closeErr != nil {
			d.logger.Warn("Failed to release port after connect failure", zap.Error(closeErr))
		}
	}

	d.conn = nil
	d.port = ""
	d.identity = ""
	d.state = model.StateDisconnected

	d.logger.LogConnection("connect", false, err)
	return err
}

// ReadValue requests one reading. Malformed frames are PARSE_MISMATCH read
// errors; serial failures drop the connection and return DEVICE_LOST.
func (d *Driver) ReadValue(ctx context.Context) (model.Reading, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.readValueLocked(ctx)
}

func (d *Driver) readValueLocked(ctx context.Context) (model.Reading, error) {
	if d.state != model.StateConnected || d.conn == nil {
		return model.Reading{}, &model.ReadError{Kind: model.ReadNotConnected}
	}

	startTime := time.Now()

	if err := d.conn.Write(ctx, encodeCommand(CmdRead)); err != nil {
		return model.Reading{}, d.deviceLost(ctx, err)
	}

	frame, err := d.conn.ReadFull(ctx, d.config.FrameLength)
	if err != nil {
		return model.Reading{}, d.deviceLost(ctx, err)
	}

	reading, err := ParseFrame(frame, d.config.FrameLength)
	d.logger.LogReading(string(frame), reading.Value, time.Since(startTime), err)
	if err != nil {
		return model.Reading{}, err
	}

	return reading, nil
}

// deviceLost closes the connection after an I/O failure. A cancelled context
// is returned as is; the link itself is still usable.
func (d *Driver) deviceLost(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	port := d.port
	d.closeLocked()

	lost := &model.ConnectError{Port: port, Reason: model.ReasonDeviceLost, Err: err}
	d.logger.LogConnection("io", false, lost)
	return lost
}

// ZeroCorrect runs the zero-correction command sequence followed by one
// settling read whose value is discarded. If a write fails midway the
// instrument configuration is indeterminate and the error says where.
func (d *Driver) ZeroCorrect(ctx context.Context) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.state != model.StateConnected || d.conn == nil {
		return &model.ReadError{Kind: model.ReadNotConnected}
	}

	op := utils.NewOperationLogger(d.logger.Logger, "zero_correct", d.port)
	op.Start(zap.Int("commands", len(ZeroCorrectSequence)))

	for i, cmd := range ZeroCorrectSequence {
		err := d.conn.Write(ctx, encodeCommand(cmd))
		d.logger.LogCommand(cmd, err)
		if err != nil {
			lost := d.deviceLost(ctx, err)
			op.Error(lost, zap.String("failed_command", cmd), zap.Int("step", i+1))
			return fmt.Errorf("zero correction aborted at %q (step %d of %d): %w",
				cmd, i+1, len(ZeroCorrectSequence), lost)
		}
		op.Progress("Zero correction step sent", float64(i+1)/float64(len(ZeroCorrectSequence)),
			zap.String("command", cmd))
	}

	// The settling read only flushes the instrument; a malformed frame here
	// is not a zero-correction failure.
	if _, err := d.readValueLocked(ctx); err != nil && !model.IsParseMismatch(err) {
		op.Error(err)
		return fmt.Errorf("zero correction settling read failed: %w", err)
	}

	op.Success()
	return nil
}

// Close releases the port. Calling it while disconnected is a no-op.
func (d *Driver) Close() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.state == model.StateDisconnected {
		return nil
	}

	err := d.closeLocked()
	d.logger.LogConnection("close", err == nil, err)
	return err
}

func (d *Driver) closeLocked() error {
	var err error
	if d.conn != nil {
		err = d.conn.Close()
	}

	d.conn = nil
	d.port = ""
	d.identity = ""
	d.state = model.StateDisconnected
	return err
}

// State returns the current connection state
func (d *Driver) State() model.InstrumentState {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.state
}

// Info returns identity, port and link statistics
func (d *Driver) Info() driver.InstrumentInfo {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	info := driver.InstrumentInfo{
		State:    d.state,
		Port:     d.port,
		Identity: d.identity,
	}
	if d.conn != nil {
		info.Stats = d.conn.Stats()
	}
	return info
}
