// pkg/driver/interfaces.go
package driver

import (
	"context"

	"picoammeter-service/internal/model"
	"picoammeter-service/internal/protocol"
)

// Reader is what the sampling loop needs from an instrument
type Reader interface {
	ReadValue(ctx context.Context) (model.Reading, error)
}

// Ammeter is the full driver surface used by the instrument service
type Ammeter interface {
	Reader

	// Connection management
	Connect(ctx context.Context, port string) error
	Close() error
	State() model.InstrumentState

	// Configuration
	ZeroCorrect(ctx context.Context) error

	// Information
	Info() InstrumentInfo
}

// InstrumentInfo describes the connected instrument
type InstrumentInfo struct {
	State    model.InstrumentState  `json:"state"`
	Port     string                 `json:"port,omitempty"`
	Identity string                 `json:"identity,omitempty"`
	Stats    protocol.ProtocolStats `json:"stats"`
}
