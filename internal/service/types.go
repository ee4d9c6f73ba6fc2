// internal/service/types.go
package service

import (
	"errors"

	"picoammeter-service/internal/model"
	"picoammeter-service/internal/sampling"
)

// ErrArchiveDisabled is returned by archive queries when no database is configured
var ErrArchiveDisabled = errors.New("session archive disabled")

// EventPublisher receives state and sample notifications in order
type EventPublisher interface {
	Publish(event model.Event)
}

// ConnectRequest selects the serial port to open
type ConnectRequest struct {
	Port string `json:"port" binding:"required"`
}

// StartRequest selects the poll frequency in hertz; zero means the default
type StartRequest struct {
	Frequency float64 `json:"frequency"`
}

// ExportRequest names the output file; empty means a name derived from the
// session start time inside the export directory
type ExportRequest struct {
	Path string `json:"path"`
}

// ExportResult tells whether anything was written
type ExportResult struct {
	Written bool   `json:"written"`
	Path    string `json:"path,omitempty"`
	Samples int    `json:"samples"`
}

// SamplesPage is an incremental read of the session buffer
type SamplesPage struct {
	From    int            `json:"from"`
	Next    int            `json:"next"`
	Samples []model.Sample `json:"samples"`
}

// FrequencyOptions lists the selectable poll rates
type FrequencyOptions struct {
	Frequencies []float64 `json:"frequencies"`
	Default     float64   `json:"default"`
}

// Status is the full picture reported by the status endpoint
type Status struct {
	model.InstrumentStatus
	Loop *sampling.Stats `json:"loop,omitempty"`
}
