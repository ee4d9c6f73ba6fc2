// internal/model/instrument.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// InstrumentState represents the driver connection state
type InstrumentState string

const (
	StateDisconnected InstrumentState = "DISCONNECTED"
	StateConnecting   InstrumentState = "CONNECTING"
	StateConnected    InstrumentState = "CONNECTED"
)

// InstrumentStatus is the snapshot reported to API clients
type InstrumentStatus struct {
	State       InstrumentState `json:"state"`
	Port        string          `json:"port,omitempty"`
	Identity    string          `json:"identity,omitempty"`
	Sampling    bool            `json:"sampling"`
	ZeroingNow  bool            `json:"zero_correcting"`
	Frequency   Frequency       `json:"frequency,omitempty"`
	SessionID   *uuid.UUID      `json:"session_id,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	SampleCount int             `json:"sample_count"`
	Capacity    int             `json:"capacity"`
	LastError   string          `json:"last_error,omitempty"`
}

// SessionRecord is an archived sampling session
type SessionRecord struct {
	ID          uuid.UUID  `json:"id"`
	Port        string     `json:"port"`
	Frequency   Frequency  `json:"frequency"`
	StartedAt   time.Time  `json:"started_at"`
	StoppedAt   *time.Time `json:"stopped_at,omitempty"`
	SampleCount int        `json:"sample_count"`
	StopReason  string     `json:"stop_reason,omitempty"`
}
