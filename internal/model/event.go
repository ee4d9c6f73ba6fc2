// internal/model/event.go
package model

import (
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventSample             EventType = "SAMPLE"
	EventSamplingStarted    EventType = "SAMPLING_STARTED"
	EventSamplingStopped    EventType = "SAMPLING_STOPPED"
	EventSamplingHalted     EventType = "SAMPLING_HALTED"
	EventReadSkipped        EventType = "READ_SKIPPED"
	EventInstrumentState    EventType = "INSTRUMENT_STATE"
	EventZeroCorrectionDone EventType = "ZERO_CORRECTION_DONE"
	EventBufferCleared      EventType = "BUFFER_CLEARED"
)

// Event represents a system event pushed to stream subscribers
type Event struct {
	Type      EventType      `json:"type"`
	Source    string         `json:"source"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewSampleEvent builds the notification for one appended sample
func NewSampleEvent(index int, s Sample, at time.Time) Event {
	return Event{
		Type:   EventSample,
		Source: "sampling",
		Data: map[string]any{
			"index":   index,
			"elapsed": s.Elapsed,
			"value":   s.Value,
		},
		Timestamp: at,
	}
}
